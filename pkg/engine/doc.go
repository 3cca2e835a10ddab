// Package engine provides the provisioning orchestration core of concierge.
//
// # Overview
//
// The engine turns a resolved environment description into a step graph,
// executes it against the host and records what it changed so the host can
// later be restored. A run goes through three phases:
//
//  1. Plan - BuildPlan resolves a PlanInput into a validated, deterministic Plan
//  2. Run - Manager.Run dispatches ready steps up to a concurrency ceiling
//  3. Restore - Manager.Restore reverses every InstallRecord in the store
//
// # Core Domain Types
//
//   - Step: one action against one subsystem (provider, snap, deb, connect, juju, bootstrap)
//   - Plan: steps in dependency order plus the ExecutionGraph built by DAGBuilder
//   - StepResult / RunResult: per-step outcomes and run summary
//   - InstallRecord: durable evidence of an applied change
//
// # Execution Semantics
//
// A step never starts before all of its dependencies succeeded. Dependents of
// a failed step are skipped. Once a fatal failure is observed no further step
// is dispatched, while steps already in flight run to completion: they execute
// on a context detached from caller cancellation and are bounded only by their
// own timeouts.
//
// A successful step appends an InstallRecord before it is reported complete.
// If a record for the step ID already exists nothing is written, which makes
// a second run over the same host record-neutral. Steps that find their target
// already satisfied on first contact produce a pre-existing record, which
// restoration deletes without tearing the subsystem down.
//
// # Error Handling
//
// Errors are classified with EngineError:
//
//   - Configuration: invalid input, never retried, produces no records
//   - Retryable: transient, retried by the caller's retry policy
//   - Fatal: stops further dispatch
//   - RetryExhausted: a retryable error that ran out of budget, treated as fatal
//
// # Interfaces
//
//   - StepExecutor: performs (Apply) and reverses (Revert) steps
//   - StateStore: persists install records and run entries
//   - EventPublisher: receives timeline events
//   - Observer: receives step lifecycle callbacks for metrics and tracing
package engine
