package engine

import (
	"encoding/json"
	"time"
)

// StepKind identifies the subsystem family a step acts on.
// The set is closed; executors switch over it exhaustively.
type StepKind string

const (
	// StepKindProvider installs, configures and waits for a provider.
	StepKindProvider StepKind = "provider"

	// StepKindSnap installs or refreshes a snap package.
	StepKindSnap StepKind = "snap"

	// StepKindDeb installs a Debian package.
	StepKindDeb StepKind = "deb"

	// StepKindConnect wires a snap plug to a slot.
	StepKindConnect StepKind = "connect"

	// StepKindJuju installs the juju client and writes its credentials.
	StepKindJuju StepKind = "juju"

	// StepKindBootstrap bootstraps a juju controller on a provider.
	StepKindBootstrap StepKind = "bootstrap"
)

// StepKinds lists every step kind in a stable order.
var StepKinds = []StepKind{
	StepKindDeb,
	StepKindSnap,
	StepKindConnect,
	StepKindProvider,
	StepKindJuju,
	StepKindBootstrap,
}

// Action is the operation a step performs against its target.
type Action string

const (
	ActionInstall   Action = "install"
	ActionConfigure Action = "configure"
	ActionBootstrap Action = "bootstrap"
	ActionConnect   Action = "connect"
	ActionTeardown  Action = "teardown"
)

// Step is one unit of a plan: an action against one subsystem with explicit dependencies.
type Step struct {
	// ID is unique within the plan and stable across runs: "<kind>/<target>".
	ID string `json:"id"`

	// Kind is the subsystem family.
	Kind StepKind `json:"kind"`

	// Action is the operation to perform.
	Action Action `json:"action"`

	// Target names the subsystem (snap name, provider name, ...).
	Target string `json:"target"`

	// Params carries kind-specific settings, decoded by the executor.
	Params json.RawMessage `json:"params,omitempty"`

	// DependsOn lists step IDs that must succeed before this step starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout bounds the whole step. Zero means the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Record is the install record reversed by a teardown step.
	Record *InstallRecord `json:"-"`
}

// StepID builds the canonical step identifier for a kind and target.
func StepID(kind StepKind, target string) string {
	return string(kind) + "/" + target
}

// Plan is an ordered sequence of steps with explicit dependencies.
type Plan struct {
	// ID is derived from the ordered steps; identical plans share an ID.
	ID string `json:"id"`

	// Steps in deterministic order; dependencies always precede dependents.
	Steps []Step `json:"steps"`

	// Graph is the validated execution graph.
	Graph *ExecutionGraph `json:"graph,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// ExecutionGraph represents the dependency graph of a plan.
type ExecutionGraph struct {
	// Nodes maps step IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists every dependency edge.
	Edges []GraphEdge `json:"edges"`

	// Roots are step IDs with no dependencies.
	Roots []string `json:"roots"`

	// Levels groups step IDs that may run concurrently.
	Levels [][]string `json:"levels"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode represents a step in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge represents a dependency edge: From must succeed before To starts.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ApplyOutcome is what an executor reports for a successful step.
type ApplyOutcome struct {
	// Present is true when the subsystem already satisfied the desired state
	// before this step touched it.
	Present bool `json:"present"`

	// Params, when set, replaces the step params in the install record.
	Params json.RawMessage `json:"params,omitempty"`

	// Output is captured diagnostic output.
	Output string `json:"output,omitempty"`

	// Attempts is how many tries the step needed, when the executor counts them.
	Attempts int `json:"attempts,omitempty"`
}

// StepResult is the outcome of one step within one run.
type StepResult struct {
	StepID      string        `json:"step_id"`
	Kind        StepKind      `json:"kind"`
	Target      string        `json:"target"`
	Status      StepStatus    `json:"status"`
	Error       *EngineError  `json:"error,omitempty"`
	Output      string        `json:"output,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Recorded    bool          `json:"recorded"`
	PreExisting bool          `json:"pre_existing,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// RunKind distinguishes provisioning from restoration runs.
type RunKind string

const (
	RunKindPrepare RunKind = "prepare"
	RunKindRestore RunKind = "restore"
)

// RunResult aggregates the step results of one run.
type RunResult struct {
	ID          string        `json:"id"`
	Kind        RunKind       `json:"kind"`
	PlanID      string        `json:"plan_id"`
	Status      RunStatus     `json:"status"`
	Steps       []StepResult  `json:"steps"`
	Summary     RunSummary    `json:"summary"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Failed returns the results of every step that failed.
func (r *RunResult) Failed() []StepResult {
	return r.filter(func(s StepStatus) bool { return s.IsFailure() })
}

// Skipped returns the results of every step that was never attempted.
func (r *RunResult) Skipped() []StepResult {
	return r.filter(func(s StepStatus) bool { return s == StepStatusSkipped })
}

// Result returns the result for a step ID, or nil.
func (r *RunResult) Result(stepID string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

func (r *RunResult) filter(keep func(StepStatus) bool) []StepResult {
	out := make([]StepResult, 0)
	for _, s := range r.Steps {
		if keep(s.Status) {
			out = append(out, s)
		}
	}
	return out
}

// RunSummary provides counts of step outcomes.
type RunSummary struct {
	Total          int `json:"total"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	RetryExhausted int `json:"retry_exhausted"`
	Skipped        int `json:"skipped"`
	Recorded       int `json:"recorded"`
}

// InstallRecord is durable evidence of one applied change, required for restoration.
type InstallRecord struct {
	// Seq is the insertion order assigned by the store.
	Seq int64 `json:"seq"`

	// RunID is the run that applied the change.
	RunID string `json:"run_id"`

	// StepID is the stable step identifier; unique across the store.
	StepID string `json:"step_id"`

	Kind   StepKind `json:"kind"`
	Target string   `json:"target"`
	Action Action   `json:"action"`

	// Params holds what the executor needs to reverse the change.
	Params json.RawMessage `json:"params,omitempty"`

	// DependsOn mirrors the step dependencies at install time.
	DependsOn []string `json:"depends_on,omitempty"`

	// PreExisting marks subsystems detected rather than installed; never torn down.
	PreExisting bool `json:"pre_existing"`

	CreatedAt time.Time `json:"created_at"`
}
