package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/fulfil/internal/ir"
)

// DefaultStepTimeout bounds a single attempt when neither the step nor the
// engine configures a timeout.
const DefaultStepTimeout = 60 * time.Second

// CompensationPolicy bounds how hard the orchestrator tries to undo a step.
// The zero value means a single attempt.
type CompensationPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func (p CompensationPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Engine runs steps under retry policies and pipelines under saga
// compensation.
//
// An Engine holds only immutable collaborators plus the logical clock, so a
// single Engine may run many pipelines concurrently. Each run is driven by
// its caller's goroutine; the engine starts no background work of its own
// except the goroutine that hosts an in-flight attempt.
type Engine struct {
	clock        *Clock
	sleeper      Sleeper
	observer     Observer
	logger       *slog.Logger
	policy       RetryPolicy
	timeout      time.Duration
	compensation CompensationPolicy
	runIDs       RunIDGenerator
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSleeper sets the delay primitive used for backoff and heartbeat waits.
// Tests pass a fake sleeper to make retries instantaneous.
func WithSleeper(s Sleeper) EngineOption {
	return func(e *Engine) {
		e.sleeper = s
	}
}

// WithObserver sets the observer that receives every engine event.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the logger handed to steps through StepContext.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithDefaultPolicy sets the retry policy for steps that declare none.
func WithDefaultPolicy(p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithDefaultTimeout sets the per-attempt timeout for steps that declare
// none. Zero disables the timeout.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithClock sets the logical clock that stamps event sequence numbers.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithCompensationPolicy sets the retry bound for compensating actions.
func WithCompensationPolicy(p CompensationPolicy) EngineOption {
	return func(e *Engine) {
		e.compensation = p
	}
}

// WithRunIDs sets the generator used when RunPipeline is given no run ID.
func WithRunIDs(g RunIDGenerator) EngineOption {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// New creates an Engine. Without options it sleeps on real timers, discards
// events, logs to slog.Default() and uses DefaultRetryPolicy.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		clock:    NewClock(),
		sleeper:  TimerSleeper{},
		observer: NopObserver{},
		logger:   slog.Default(),
		policy:   DefaultRetryPolicy(),
		timeout:  DefaultStepTimeout,
		runIDs:   UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.observer == nil {
		e.observer = NopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// DefaultPolicy returns the policy applied to steps that declare none.
func (e *Engine) DefaultPolicy() RetryPolicy {
	return e.policy
}

func (e *Engine) policyFor(s Step) RetryPolicy {
	if s.Policy != nil {
		return *s.Policy
	}
	return e.policy
}

func (e *Engine) timeoutFor(s Step) time.Duration {
	switch {
	case s.Timeout > 0:
		return s.Timeout
	case s.Timeout < 0:
		return 0
	}
	return e.timeout
}

// emit stamps e with the next logical sequence number and delivers it.
func (e *Engine) emit(ev ir.Event) {
	ev.Seq = e.clock.Next()
	notify(e.observer, ev)
}

func (e *Engine) stepContext(runID, step string, attempt int) StepContext {
	return StepContext{
		RunID:    runID,
		Step:     step,
		Attempt:  attempt,
		Logger:   e.logger.With("run_id", runID, "step", step, "attempt", attempt),
		Sleeper:  e.sleeper,
		Observer: ObserverFunc(e.emit),
	}
}
