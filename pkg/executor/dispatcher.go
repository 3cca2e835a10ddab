// Package executor maps plan steps onto the package, provider and juju handlers.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/juju"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/providers"
)

// Dispatcher implements engine.StepExecutor.
type Dispatcher struct {
	packages     packages.Set
	deps         providers.Deps
	juju         *juju.Handler
	readyTimeout time.Duration
	logger       zerolog.Logger
}

// Config wires a Dispatcher.
type Config struct {
	Packages packages.Set
	Deps     providers.Deps
	Juju     *juju.Handler

	// ReadyTimeout bounds provider readiness polling.
	ReadyTimeout time.Duration

	Logger zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		packages:     cfg.Packages,
		deps:         cfg.Deps,
		juju:         cfg.Juju,
		readyTimeout: cfg.ReadyTimeout,
		logger:       cfg.Logger.With().Str("component", "executor").Logger(),
	}
}

// stepLogger returns the logger the engine attached to ctx, or the dispatcher's own.
func (d *Dispatcher) stepLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &d.logger
}

// Apply implements engine.StepExecutor.
func (d *Dispatcher) Apply(ctx context.Context, step *engine.Step) (*engine.ApplyOutcome, error) {
	d.stepLogger(ctx).Debug().Str("step", step.ID).Str("action", string(step.Action)).Msg("applying step")

	switch step.Kind {
	case engine.StepKindDeb:
		return d.installPackage(ctx, packages.KindDeb, step)
	case engine.StepKindSnap:
		return d.installPackage(ctx, packages.KindSnap, step)
	case engine.StepKindProvider:
		return d.prepareProvider(ctx, step)
	case engine.StepKindConnect:
		return d.connect(ctx, step)
	case engine.StepKindJuju:
		return d.installJuju(ctx, step)
	case engine.StepKindBootstrap:
		return d.bootstrap(ctx, step)
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown step kind %q", step.Kind), nil)
	}
}

// Revert implements engine.StepExecutor.
func (d *Dispatcher) Revert(ctx context.Context, rec *engine.InstallRecord) error {
	d.stepLogger(ctx).Debug().Str("step", rec.StepID).Msg("reverting record")

	switch rec.Kind {
	case engine.StepKindDeb:
		return d.removePackage(ctx, packages.KindDeb, rec.Target)
	case engine.StepKindSnap:
		return d.removePackage(ctx, packages.KindSnap, rec.Target)
	case engine.StepKindProvider:
		cfg, err := providers.ParseConfig(rec.Params)
		if err != nil {
			return err
		}
		p, err := providers.New(providers.Kind(rec.Target), cfg, d.deps)
		if err != nil {
			return err
		}
		return p.Teardown(ctx)
	case engine.StepKindConnect:
		// removing the snaps drops their connections
		return nil
	case engine.StepKindJuju:
		return d.juju.Uninstall(ctx)
	case engine.StepKindBootstrap:
		params, err := juju.ParseBootstrapParams(rec.Params)
		if err != nil {
			return err
		}
		return d.juju.KillController(ctx, params.Provider)
	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown record kind %q", rec.Kind), nil)
	}
}

func (d *Dispatcher) installPackage(ctx context.Context, kind packages.Kind, step *engine.Step) (*engine.ApplyOutcome, error) {
	h, err := d.packages.For(kind)
	if err != nil {
		return nil, err
	}
	pkg, err := packages.ParsePackage(step.Target, step.Params)
	if err != nil {
		return nil, err
	}
	res, err := h.Install(ctx, pkg)
	if err != nil {
		return nil, packageError(err)
	}
	return &engine.ApplyOutcome{Present: res.PreExisting, Output: res.Action}, nil
}

func (d *Dispatcher) removePackage(ctx context.Context, kind packages.Kind, name string) error {
	h, err := d.packages.For(kind)
	if err != nil {
		return err
	}
	return packageError(h.Remove(ctx, name))
}

// packageError keeps classified errors and marks the rest as package failures.
func packageError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := engine.ClassOf(err); ok {
		return err
	}
	return engine.NewFatalError("package operation failed", err).WithCode(engine.ErrCodePackageFailed)
}

func (d *Dispatcher) prepareProvider(ctx context.Context, step *engine.Step) (*engine.ApplyOutcome, error) {
	cfg, err := providers.ParseConfig(step.Params)
	if err != nil {
		return nil, err
	}
	p, err := providers.New(providers.Kind(step.Target), cfg, d.deps)
	if err != nil {
		return nil, err
	}
	out, err := providers.Prepare(ctx, p, d.readyTimeout)
	if err != nil {
		return nil, err
	}

	outcome := &engine.ApplyOutcome{Present: out.PreExisting}
	// record what prepare resolved so teardown sees the same provider
	if effective := p.Config(); !reflect.DeepEqual(effective, cfg) {
		if outcome.Params, err = json.Marshal(effective); err != nil {
			return nil, engine.NewFatalError("failed to encode provider parameters", err).WithCode(engine.ErrCodeInternal)
		}
	}
	return outcome, nil
}

func (d *Dispatcher) connect(ctx context.Context, step *engine.Step) (*engine.ApplyOutcome, error) {
	if d.packages.Snap == nil {
		return nil, engine.NewFatalError("no snap handler configured", nil).WithCode(engine.ErrCodeInternal)
	}
	var conn engine.ConnectParams
	if err := json.Unmarshal(step.Params, &conn); err != nil {
		return nil, engine.NewConfigurationError("invalid connection parameters", err)
	}
	if err := d.packages.Snap.Connect(ctx, conn); err != nil {
		return nil, packageError(err)
	}
	return &engine.ApplyOutcome{}, nil
}

func (d *Dispatcher) installJuju(ctx context.Context, step *engine.Step) (*engine.ApplyOutcome, error) {
	cfg, err := juju.ParseConfig(step.Params)
	if err != nil {
		return nil, err
	}
	res, err := d.juju.Install(ctx, cfg)
	if err != nil {
		return nil, packageError(err)
	}
	return &engine.ApplyOutcome{Present: res.PreExisting, Output: res.Action}, nil
}

func (d *Dispatcher) bootstrap(ctx context.Context, step *engine.Step) (*engine.ApplyOutcome, error) {
	params, err := juju.ParseBootstrapParams(step.Params)
	if err != nil {
		return nil, err
	}
	p, err := providers.New(providers.Kind(params.Provider), params.ProviderConfig, d.deps)
	if err != nil {
		return nil, err
	}
	existed, err := d.juju.Bootstrap(ctx, p, params.Juju)
	if err != nil {
		return nil, err
	}
	return &engine.ApplyOutcome{Present: existed}, nil
}

var _ engine.StepExecutor = (*Dispatcher)(nil)
