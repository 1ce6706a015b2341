package engine

import (
	"context"
	"log/slog"
	"maps"
	"time"
)

// NoTimeout, as a Step.Timeout, runs attempts without a deadline. Resumable
// steps use it when their iterations carry their own heartbeat bound.
const NoTimeout time.Duration = -1

// StepKind tags a step by the capabilities it declares.
type StepKind int

const (
	// KindOrdinary steps only execute.
	KindOrdinary StepKind = iota + 1
	// KindCompensable steps execute and register an undo action on success.
	KindCompensable
	// KindResumable steps run a HeartbeatTask that checkpoints progress.
	KindResumable
)

// String returns the kind name.
func (k StepKind) String() string {
	switch k {
	case KindOrdinary:
		return "ordinary"
	case KindCompensable:
		return "compensable"
	case KindResumable:
		return "resumable"
	default:
		return "unknown"
	}
}

// StepContext is the explicit execution context handed to every step
// invocation. Nothing about the current attempt is ambient.
type StepContext struct {
	RunID   string
	Step    string
	Attempt int
	Logger  *slog.Logger

	// Sleeper and Observer are the engine's collaborators, for steps that
	// suspend or report progress themselves (resumable steps do both).
	Sleeper  Sleeper
	Observer Observer
}

// Input is what a step receives: the pipeline payload plus the results of
// the steps that completed before it.
type Input struct {
	RunID   string
	Payload any
	Results map[string]any
}

// Result returns the result recorded for an earlier step.
func (in Input) Result(step string) (any, bool) {
	v, ok := in.Results[step]
	return v, ok
}

// Work is a unit of work. It must honor ctx and be safe to re-invoke,
// unless it reports its failures as non-retryable.
type Work func(ctx context.Context, sc StepContext, in Input) (any, error)

// Undo semantically reverts a step that succeeded. It must be idempotent.
type Undo func(ctx context.Context, sc StepContext, c Compensation) error

// Step is one named unit of work in a pipeline, optionally paired with a
// compensating action. Steps are values; build them once per pipeline
// definition.
type Step struct {
	Name string
	Work Work
	Undo Undo

	// Policy overrides the engine's default retry policy for this step.
	Policy *RetryPolicy

	// Timeout bounds each attempt. Zero uses the engine default and
	// NoTimeout disables the bound.
	Timeout time.Duration

	resumable bool
}

// NewStep creates an ordinary step.
func NewStep(name string, work Work) Step {
	return Step{Name: name, Work: work}
}

// WithUndo returns a copy of s that registers undo after it succeeds.
func (s Step) WithUndo(undo Undo) Step {
	s.Undo = undo
	return s
}

// WithPolicy returns a copy of s using p instead of the default policy.
func (s Step) WithPolicy(p RetryPolicy) Step {
	s.Policy = &p
	return s
}

// WithTimeout returns a copy of s with a per-attempt timeout.
func (s Step) WithTimeout(d time.Duration) Step {
	s.Timeout = d
	return s
}

// CanCompensate reports whether the step declares an undo action.
func (s Step) CanCompensate() bool {
	return s.Undo != nil
}

// IsResumable reports whether the step checkpoints its progress.
func (s Step) IsResumable() bool {
	return s.resumable
}

// Kind returns the most specific capability the step declares.
func (s Step) Kind() StepKind {
	switch {
	case s.resumable:
		return KindResumable
	case s.Undo != nil:
		return KindCompensable
	default:
		return KindOrdinary
	}
}

// copyResults snapshots the results map so a step cannot mutate the
// pipeline's view of earlier results.
func copyResults(results map[string]any) map[string]any {
	if results == nil {
		return map[string]any{}
	}
	return maps.Clone(results)
}
