package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/executor"
	"github.com/canonical/concierge/pkg/juju"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/policy"
	"github.com/canonical/concierge/pkg/providers"
	"github.com/canonical/concierge/pkg/snapd"
	"github.com/canonical/concierge/pkg/stores"
	"github.com/canonical/concierge/pkg/system"
	"github.com/canonical/concierge/pkg/telemetry"
)

// app holds the services one command invocation works with.
type app struct {
	opts      *globalOptions
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	worker    system.Worker
	settings  config.Settings
	loader    *config.Loader
	store     *stores.SQLiteStore
	events    *telemetry.EventPublisher
	deps      providers.Deps
	manager   *engine.Manager
}

func statePath(home string) string {
	return stores.DefaultPath(home)
}

// newTelemetry builds the logger, tracer and metrics from the global flags.
func (o *globalOptions) newTelemetry(ctx context.Context) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = o.build.Version
	cfg.Logging.Level = o.getenv("LOG_LEVEL")
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.EnableCaller = o.verbose
	cfg.Metrics.TextfilePath = o.metricsFile

	if o.traceExporter != "" && o.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.otlpEndpoint
		if cfg.Tracing.Endpoint == "" {
			cfg.Tracing.Endpoint = o.getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
	}

	t, err := telemetry.New(ctx, cfg, o.stderr, o.stderr)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid telemetry settings", err)
	}
	return t, nil
}

// newApp wires every service a run needs. Callers must close the app.
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	t, err := opts.newTelemetry(ctx)
	if err != nil {
		return nil, err
	}
	logger := t.Logger.Zerolog()

	worker := system.New(system.Options{Trace: opts.trace, TraceWriter: opts.stderr, Logger: logger})
	loader := config.NewLoader(logger)

	settings := opts.settings(worker.HomeDir())
	if err := loader.ValidateSettings(settings); err != nil {
		return nil, err
	}

	store, err := stores.Open(ctx, stores.Config{Path: settings.StateFile})
	if err != nil {
		return nil, engine.NewFatalError("failed to open state store", err).WithCode(engine.ErrCodeStateStore)
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, engine.NewFatalError("state store is not usable", err).WithCode(engine.ErrCodeStateStore)
	}

	api := snapd.New(snapd.WithLogger(logger))
	snaps := packages.NewSnapHandler(api, logger)
	debs := packages.NewDebHandler(worker, logger)
	deps := providers.Deps{
		Worker: worker,
		Snaps:  snaps,
		Debs:   debs,
		Probe:  providers.ClientProbe{},
		Logger: logger,
	}

	dispatcher := executor.New(executor.Config{
		Packages:     packages.Set{Snap: snaps, Deb: debs},
		Deps:         deps,
		Juju:         juju.NewHandler(worker, snaps, logger),
		ReadyTimeout: settings.ReadyTimeout,
		Logger:       logger,
	})

	events := telemetry.NewEventPublisher(t.Logger, store)
	manager := engine.NewManager(dispatcher, store,
		engine.WithEventPublisher(events),
		engine.WithObserver(t.Observer),
		engine.WithLogger(logger),
	)

	return &app{
		opts:      opts,
		telemetry: t,
		logger:    logger,
		worker:    worker,
		settings:  settings,
		loader:    loader,
		store:     store,
		events:    events,
		deps:      deps,
		manager:   manager,
	}, nil
}

// close releases the store and flushes telemetry.
func (a *app) close() {
	// the caller's context may already be cancelled by a signal
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := errors.Join(a.store.Close(), a.telemetry.Shutdown(ctx))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down cleanly")
	}
}

// showProgress prints step events on stdout as they happen.
func (a *app) showProgress() {
	a.events.Subscribe(func(event engine.Event) {
		if line := progressLine(event); line != "" {
			fmt.Fprintln(a.opts.stdout, line)
		}
	}, telemetry.FilterSteps())
}

// runOptions returns the engine options of a run with the given configuration document.
func (a *app) runOptions(cfg *config.Config) (engine.RunOptions, error) {
	opts := engine.RunOptions{
		Concurrency: a.settings.Concurrency,
		StepTimeout: a.settings.StepTimeout,
	}
	if cfg != nil {
		doc, err := config.Marshal(cfg)
		if err != nil {
			return opts, err
		}
		opts.Config = string(doc)
	}
	return opts, nil
}

// loadConfig applies the configuration search order and the overrides.
func loadConfig(ctx context.Context, opts *globalOptions, loader *config.Loader) (*config.Config, config.Source, error) {
	overrides := opts.overridesWithEnv()
	return loader.Load(ctx, config.LoadOptions{
		Preset:     opts.preset,
		ConfigFile: opts.configFile,
		Overrides:  &overrides,
	})
}

// lastPrepareConfig returns the configuration recorded by the last prepare, or nil.
func (a *app) lastPrepareConfig(ctx context.Context) (*config.Config, error) {
	entry, err := a.store.LastRun(ctx, engine.RunKindPrepare)
	if err != nil {
		return nil, engine.NewFatalError("failed to read the last run", err).WithCode(engine.ErrCodeStateStore)
	}
	if entry == nil || entry.Config == "" {
		return nil, nil
	}
	cfg, err := a.loader.Parse(ctx, []byte(entry.Config))
	if err != nil {
		return nil, fmt.Errorf("configuration recorded by run %s: %w", entry.ID, err)
	}
	return cfg, nil
}

// newPolicyEngine loads the built-in policies and any in dir, then disables skip.
func newPolicyEngine(ctx context.Context, logger zerolog.Logger, dir string, skip []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, engine.NewFatalError("failed to compile built-in policies", err).WithCode(engine.ErrCodeInternal)
	}
	if dir != "" {
		if err := eng.LoadDir(ctx, dir); err != nil {
			if engine.IsConfiguration(err) {
				return nil, err
			}
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid policies in %s", dir), err)
		}
	}
	for _, name := range skip {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
		logger.Warn().Str("policy", name).Msg("Policy skipped")
	}
	return eng, nil
}

// checkPlan evaluates the plan policies, logging warnings. A denial is returned as an error.
func checkPlan(ctx context.Context, eng *policy.Engine, logger zerolog.Logger, kind engine.RunKind, plan *engine.Plan, user string) (*policy.Result, error) {
	input, err := policy.NewInput(kind, plan, policy.HostInfo{Arch: runtime.GOARCH, User: user})
	if err != nil {
		return nil, err
	}
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		return nil, engine.NewFatalError("policy evaluation failed", err).WithCode(engine.ErrCodeInternal)
	}
	for _, w := range result.Warnings {
		logger.Warn().Str("policy", w.Policy).Str("step", w.StepID).Msg(w.Message)
	}
	for _, v := range result.Violations {
		logger.Error().Str("policy", v.Policy).Str("step", v.StepID).Msg(v.Message)
	}
	return result, result.Err()
}

// runError turns an unsuccessful run into the command error.
func runError(result *engine.RunResult) error {
	switch result.Status {
	case engine.RunStatusSucceeded:
		return nil
	case engine.RunStatusInterrupted:
		return fmt.Errorf("%s run %s: %w", result.Kind, result.ID, errInterrupted)
	}

	failed := result.Failed()
	configuration := len(failed) > 0
	for _, f := range failed {
		if f.Error == nil || f.Error.Class != engine.ErrorClassConfiguration {
			configuration = false
		}
	}
	msg := fmt.Sprintf("%s failed: %d of %d steps failed, %d skipped",
		result.Kind, len(failed), result.Summary.Total, result.Summary.Skipped)
	if configuration {
		return engine.NewConfigurationError(msg, nil)
	}
	return engine.NewFatalError(msg, nil).WithCode(engine.ErrCodeDependencyFailed)
}
