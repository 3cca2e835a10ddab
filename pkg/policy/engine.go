package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
)

// Engine evaluates Rego policies against plans before they run.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy pairs a policy with its prepared query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"concierge": map[string]interface{}{
				"protected_snaps": ProtectedSnaps,
			},
		}),
		logger: logger.With().Str("component", "policy").Logger(),
		now:    time.Now,
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return e, nil
}

// LoadDir compiles every policy found under dir. A policy with the name of an
// existing one replaces it.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	policies, err := NewLoader(e.logger).LoadDir(ctx, dir)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(policies)).Str("dir", dir).Msg("Policies loaded")
	return nil
}

// Add compiles and registers a single policy.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStore(ctx, &p)
}

// Evaluate runs every enabled policy, in name order, against the input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	started := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		for _, v := range deny {
			if v.Severity == SeverityError {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Duration = e.now().Sub(started)
	e.logger.Debug().
		Str("kind", string(input.Kind)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// evaluatePolicy returns the deny and warn findings of one policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, []Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, err
	}

	var deny, warn []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		doc, ok := r.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		for _, d := range asSet(doc["deny"]) {
			deny = append(deny, createViolation(cp.policy, d, cp.policy.Severity))
		}
		for _, w := range asSet(doc["warn"]) {
			warn = append(warn, createViolation(cp.policy, w, SeverityWarning))
		}
	}

	sort.Slice(deny, func(i, j int) bool { return deny[i].String() < deny[j].String() })
	sort.Slice(warn, func(i, j int) bool { return warn[i].String() < warn[j].String() })
	return deny, warn, nil
}

func asSet(v interface{}) []interface{} {
	set, _ := v.([]interface{})
	return set
}

// createViolation builds a Violation from a rule result, a string or an object.
func createViolation(policy *Policy, result interface{}, severity Severity) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && severity != SeverityWarning {
			violation.Severity = Severity(sev)
		}
		if step, ok := v["step"].(string); ok {
			violation.StepID = step
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compileAndStore prepares the package document query of a policy. Callers hold mu
// or own the engine exclusively.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	e.logger.Trace().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPolicies returns all loaded policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// DisablePolicy disables a policy by name. The protected snaps policy stays enabled.
func (e *Engine) DisablePolicy(name string) error {
	if name == ProtectedSnapsPolicy {
		return engine.NewConfigurationError(fmt.Sprintf("policy %s cannot be disabled", name), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewConfigurationError(fmt.Sprintf("policy not found: %s", name), nil)
	}
	cp.policy.Enabled = false
	return nil
}

// EnabledPolicies returns the names of the policies Evaluate applies, sorted.
func (e *Engine) EnabledPolicies() []string {
	var names []string
	for _, p := range e.ListPolicies() {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return names
}
