// Package engine implements durable step execution with saga compensation.
//
// The engine has three parts:
//
// Step execution:
// Engine.Execute runs a unit of work under a RetryPolicy. Each attempt has
// its own timeout; failures are classified into a Failure with a code and a
// retryable hint, and retries wait on a cancellable Sleeper.
//
// Saga orchestration:
// Engine.RunPipeline runs steps in order. Every successful step that
// declares an Undo registers a Compensation; on the first terminal failure
// or cancellation the registered compensations run once each, in reverse.
// The caller always receives the error that stopped the pipeline.
//
// Resumable tasks:
// HeartbeatTask loops over iterations and persists the last completed one in
// a ProgressStore, so re-invocation resumes instead of restarting.
// ResumableStep wraps a task as a pipeline step.
//
// Every transition is reported to an Observer as an ir.Event stamped by a
// logical Clock. Observers are called synchronously; wrap slow ones in an
// AsyncObserver.
//
// A single pipeline run has one thread of control. Independent runs may
// share an Engine.
package engine
