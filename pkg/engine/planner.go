package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderNames lists every provider the planner accepts, in a stable order.
var ProviderNames = []string{"lxd", "microk8s", "k8s", "google"}

// PlanInput is the resolved desired state handed to the planner.
type PlanInput struct {
	Providers []ProviderSpec `json:"providers"`
	Snaps     []SnapSpec     `json:"snaps"`
	Debs      []PackageSpec  `json:"debs"`

	// Juju is nil when juju is disabled.
	Juju *JujuSpec `json:"juju,omitempty"`
}

// ProviderSpec describes one enabled provider.
type ProviderSpec struct {
	Name string `json:"name"`

	// Bootstrap requests a juju controller on this provider.
	Bootstrap bool `json:"bootstrap"`

	// Snaps names the snaps the provider installs itself; connections may target them.
	Snaps []string `json:"snaps,omitempty"`

	Params          json.RawMessage `json:"params,omitempty"`
	BootstrapParams json.RawMessage `json:"bootstrap_params,omitempty"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
}

// SnapSpec describes one host snap and its declared connections.
type SnapSpec struct {
	Name        string          `json:"name"`
	Params      json.RawMessage `json:"params,omitempty"`
	Connections []string        `json:"connections,omitempty"`
}

// PackageSpec describes one host Debian package.
type PackageSpec struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JujuSpec describes the juju client installation.
type JujuSpec struct {
	Params           json.RawMessage `json:"params,omitempty"`
	BootstrapTimeout time.Duration   `json:"bootstrap_timeout,omitempty"`
}

// ConnectParams is the payload of a connect step.
type ConnectParams struct {
	Plug string `json:"plug"`
	Slot string `json:"slot,omitempty"`
}

// ParseConnection splits a "plug" or "plug slot" connection string.
func ParseConnection(s string) (ConnectParams, error) {
	parts := strings.Fields(s)
	switch len(parts) {
	case 1:
		return ConnectParams{Plug: parts[0]}, nil
	case 2:
		return ConnectParams{Plug: parts[0], Slot: parts[1]}, nil
	default:
		return ConnectParams{}, NewConfigurationError(
			fmt.Sprintf("too many arguments in snap connection string %q", s), nil)
	}
}

// endpointSnap returns the snap named by a "snap:interface" endpoint.
// The core slot ":name" and bare "system" return an empty string.
func endpointSnap(endpoint string) string {
	name := endpoint
	if i := strings.Index(endpoint, ":"); i >= 0 {
		name = endpoint[:i]
	}
	if name == "system" || name == "snapd" || name == "core" {
		return ""
	}
	return name
}

// BuildPlan resolves the desired state into a validated step graph.
// Output depends only on the input; names are sorted before steps are emitted.
func BuildPlan(in PlanInput) (*Plan, error) {
	known := make(map[string]bool, len(ProviderNames))
	for _, name := range ProviderNames {
		known[name] = true
	}

	providers := append([]ProviderSpec(nil), in.Providers...)
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	snaps := append([]SnapSpec(nil), in.Snaps...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	debs := append([]PackageSpec(nil), in.Debs...)
	sort.Slice(debs, func(i, j int) bool { return debs[i].Name < debs[j].Name })

	steps := make([]Step, 0, len(providers)+len(snaps)+len(debs))
	ids := make(map[string]bool)
	add := func(s Step) error {
		if ids[s.ID] {
			return NewConfigurationError(fmt.Sprintf("%s %q is declared more than once", s.Kind, s.Target), nil).
				WithStep(s.ID)
		}
		ids[s.ID] = true
		steps = append(steps, s)
		return nil
	}

	// snap name -> step that installs it
	snapOwner := make(map[string]string)

	for _, d := range debs {
		if d.Name == "" {
			return nil, NewConfigurationError("deb package with empty name", nil)
		}
		if err := add(Step{
			ID:     StepID(StepKindDeb, d.Name),
			Kind:   StepKindDeb,
			Action: ActionInstall,
			Target: d.Name,
			Params: d.Params,
		}); err != nil {
			return nil, err
		}
	}

	for _, s := range snaps {
		if s.Name == "" {
			return nil, NewConfigurationError("snap with empty name", nil)
		}
		id := StepID(StepKindSnap, s.Name)
		if err := add(Step{
			ID:     id,
			Kind:   StepKindSnap,
			Action: ActionInstall,
			Target: s.Name,
			Params: s.Params,
		}); err != nil {
			return nil, err
		}
		snapOwner[s.Name] = id
	}

	for _, p := range providers {
		if !known[p.Name] {
			return nil, NewConfigurationError(fmt.Sprintf("unknown provider %q", p.Name), nil).
				WithDetail("known", ProviderNames)
		}
		id := StepID(StepKindProvider, p.Name)
		if err := add(Step{
			ID:      id,
			Kind:    StepKindProvider,
			Action:  ActionConfigure,
			Target:  p.Name,
			Params:  p.Params,
			Timeout: p.Timeout,
		}); err != nil {
			return nil, err
		}
		for _, snap := range p.Snaps {
			if _, taken := snapOwner[snap]; !taken {
				snapOwner[snap] = id
			}
		}
	}

	for _, s := range snaps {
		connections := append([]string(nil), s.Connections...)
		sort.Strings(connections)
		for _, raw := range connections {
			conn, err := ParseConnection(raw)
			if err != nil {
				return nil, err
			}
			deps, err := connectionDeps(conn, snapOwner)
			if err != nil {
				return nil, err
			}
			params, err := json.Marshal(conn)
			if err != nil {
				return nil, NewFatalError("failed to encode connection", err).WithCode(ErrCodeInternal)
			}
			if err := add(Step{
				ID:        StepID(StepKindConnect, strings.Join(strings.Fields(raw), " ")),
				Kind:      StepKindConnect,
				Action:    ActionConnect,
				Target:    conn.Plug,
				Params:    params,
				DependsOn: deps,
			}); err != nil {
				return nil, err
			}
		}
	}

	if in.Juju != nil {
		jujuID := StepID(StepKindJuju, "juju")
		if err := add(Step{
			ID:     jujuID,
			Kind:   StepKindJuju,
			Action: ActionInstall,
			Target: "juju",
			Params: in.Juju.Params,
		}); err != nil {
			return nil, err
		}
		for _, p := range providers {
			if !p.Bootstrap {
				continue
			}
			if err := add(Step{
				ID:        StepID(StepKindBootstrap, p.Name),
				Kind:      StepKindBootstrap,
				Action:    ActionBootstrap,
				Target:    p.Name,
				Params:    p.BootstrapParams,
				DependsOn: []string{StepID(StepKindProvider, p.Name), jujuID},
				Timeout:   in.Juju.BootstrapTimeout,
			}); err != nil {
				return nil, err
			}
		}
	} else {
		for _, p := range providers {
			if p.Bootstrap {
				return nil, NewConfigurationError(
					fmt.Sprintf("provider %q requests bootstrap but juju is disabled", p.Name), nil)
			}
		}
	}

	return newPlan(steps)
}

// connectionDeps returns the steps that install the endpoints of a connection.
func connectionDeps(conn ConnectParams, snapOwner map[string]string) ([]string, error) {
	plugSnap := endpointSnap(conn.Plug)
	owner, ok := snapOwner[plugSnap]
	if plugSnap == "" || !ok {
		return nil, NewConfigurationError(
			fmt.Sprintf("connection %q names snap %q which is not part of the plan", conn.Plug, plugSnap), nil)
	}
	deps := []string{owner}
	if conn.Slot != "" {
		if slotOwner, ok := snapOwner[endpointSnap(conn.Slot)]; ok && slotOwner != owner {
			deps = append(deps, slotOwner)
		}
	}
	sort.Strings(deps)
	return deps, nil
}

// newPlan validates the graph and orders the steps topologically.
func newPlan(steps []Step) (*Plan, error) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(steps)
	if err != nil {
		return nil, err
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, err
	}

	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	ordered := make([]Step, 0, len(steps))
	for _, id := range builder.TopologicalOrder() {
		ordered = append(ordered, byID[id])
	}

	id, err := planID(ordered)
	if err != nil {
		return nil, err
	}
	return &Plan{
		ID:    id,
		Steps: ordered,
		Graph: graph,
	}, nil
}

// planNamespace scopes plan IDs derived from step content.
var planNamespace = uuid.MustParse("6f0c3b1e-2d4a-5c8e-9b7f-1a2e3d4c5b60")

// planID derives a stable identifier from the ordered steps, so identical
// input always yields the same plan.
func planID(steps []Step) (string, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return "", NewFatalError("failed to encode plan steps", err).WithCode(ErrCodeInternal)
	}
	return uuid.NewSHA1(planNamespace, data).String(), nil
}

// ReversePlan builds the teardown plan for a set of install records.
// A record is torn down only after every record that depended on it has been torn down.
// Pre-existing records become no-op steps so their dependents still order correctly.
func ReversePlan(records []InstallRecord) (*Plan, error) {
	sorted := append([]InstallRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	present := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		present[r.StepID] = true
	}

	// dependents[x] lists records that declared a dependency on x
	dependents := make(map[string][]string)
	for _, r := range sorted {
		for _, dep := range r.DependsOn {
			if present[dep] {
				dependents[dep] = append(dependents[dep], r.StepID)
			}
		}
	}

	// later records are reversed first
	steps := make([]Step, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		r := sorted[i]
		rec := r
		deps := make([]string, 0, len(dependents[r.StepID]))
		for _, d := range dependents[r.StepID] {
			deps = append(deps, TeardownID(d))
		}
		sort.Strings(deps)
		steps = append(steps, Step{
			ID:        TeardownID(r.StepID),
			Kind:      r.Kind,
			Action:    ActionTeardown,
			Target:    r.Target,
			Params:    r.Params,
			DependsOn: deps,
			Record:    &rec,
		})
	}

	return newPlan(steps)
}

// TeardownID returns the ID of the step reversing the given install step.
func TeardownID(stepID string) string {
	return "teardown:" + stepID
}

// reversesStep reports whether a reverse step is a no-op for its record.
func reversesStep(step *Step) bool {
	return step.Record != nil && !step.Record.PreExisting
}
