// Package telemetry provides logging, tracing and metrics for concierge runs.
//
// # Logging
//
// Logger wraps zerolog with helpers that tag records with the component, run
// and step they belong to. Library packages take a plain zerolog.Logger, which
// Logger.Zerolog returns.
//
//	logger := tel.Logger.NewComponentLogger("providers")
//	logger.WithRunID(runID).WithStepID("provider/lxd").Info("LXD is ready")
//
// # Tracing
//
// Tracer creates OpenTelemetry spans, one per run and one per step, exported to
// stdout or to an OTLP gRPC collector. Tracing is off unless enabled.
//
// # Metrics
//
// Metrics keeps Prometheus counters and histograms for runs, steps and errors in
// a private registry. A CLI process does not live long enough to be scraped, so
// the registry is written to a textfile on shutdown for the node exporter
// textfile collector.
//
// # Engine integration
//
// Observer implements engine.Observer and EventPublisher implements
// engine.EventPublisher:
//
//	tel, err := telemetry.New(ctx, telemetry.DefaultConfig(), os.Stderr, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	events := telemetry.NewEventPublisher(tel.Logger, store)
//	mgr := engine.NewManager(exec, store,
//	    engine.WithObserver(tel.Observer),
//	    engine.WithEventPublisher(events),
//	)
//	ctx, finish := tel.Observer.StartRun(ctx, engine.RunKindPrepare)
//	result, err := mgr.Run(ctx, plan, opts)
//	finish(result, err)
package telemetry
