package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/concierge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Policy is a Rego module evaluated against every plan. A policy reports
// violations through "deny" and "warn" set rules in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny results that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one policy finding.
type Violation struct {
	Policy   string   `json:"policy"`
	StepID   string   `json:"step,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.StepID == "" {
		return fmt.Sprintf("[%s] %s", v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Policy, v.StepID, v.Message)
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"-"`
}

// Err returns the denial as a classified engine error, or nil when the plan is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	e := engine.NewFatalError("plan denied by policy", &DeniedError{Violations: r.Violations}).
		WithCode(engine.ErrCodePolicyDenied)
	return e.WithDetail("violations", len(r.Violations))
}

// DeniedError lists the violations that blocked a plan.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return strings.Join(msgs, "; ")
}

// Input is the document policies see as input.
type Input struct {
	// Kind is prepare or restore.
	Kind  engine.RunKind `json:"kind"`
	Steps []InputStep    `json:"steps"`
	Host  HostInfo       `json:"host"`
}

// InputStep is a plan step with decoded parameters.
type InputStep struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Action      string        `json:"action"`
	Target      string        `json:"target"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Params      interface{}   `json:"params,omitempty"`
	PreExisting bool          `json:"pre_existing,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// HostInfo describes the machine being provisioned.
type HostInfo struct {
	Arch string `json:"arch,omitempty"`
	User string `json:"user,omitempty"`
}

// NewInput builds the policy input for a plan.
func NewInput(kind engine.RunKind, plan *engine.Plan, host HostInfo) (*Input, error) {
	in := &Input{Kind: kind, Host: host, Steps: make([]InputStep, 0, len(plan.Steps))}
	for i := range plan.Steps {
		s := &plan.Steps[i]
		step := InputStep{
			ID:        s.ID,
			Kind:      string(s.Kind),
			Action:    string(s.Action),
			Target:    s.Target,
			DependsOn: s.DependsOn,
			Timeout:   s.Timeout,
		}
		if len(s.Params) > 0 {
			if err := json.Unmarshal(s.Params, &step.Params); err != nil {
				return nil, engine.NewConfigurationError("invalid step parameters", err).WithStep(s.ID)
			}
		}
		if s.Record != nil {
			step.PreExisting = s.Record.PreExisting
		}
		in.Steps = append(in.Steps, step)
	}
	return in, nil
}
