package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/fulfil/internal/ir"
)

// Observer receives structured engine events.
//
// Observe is called synchronously from the engine's single thread of
// control. Implementations must return quickly; wrap anything that does
// I/O in an AsyncObserver. A panicking observer is recovered and ignored.
type Observer interface {
	Observe(ir.Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ir.Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e ir.Event) {
	f(e)
}

// NopObserver discards all events.
type NopObserver struct{}

// Observe does nothing.
func (NopObserver) Observe(ir.Event) {}

// MultiObserver fans each event out to every observer in order.
type MultiObserver []Observer

// Observe forwards e to each non-nil observer.
func (m MultiObserver) Observe(e ir.Event) {
	for _, o := range m {
		if o != nil {
			notify(o, e)
		}
	}
}

// LogObserver writes events to a slog.Logger. Failures and compensation
// problems log at warn/error, the rest at debug or info.
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{Logger: logger}
}

// Observe logs e.
func (o *LogObserver) Observe(e ir.Event) {
	attrs := []any{"run_id", e.RunID, "seq", e.Seq}
	if e.Step != "" {
		attrs = append(attrs, "step", e.Step)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Code != "" {
		attrs = append(attrs, "code", e.Code)
	}
	if e.Message != "" {
		attrs = append(attrs, "message", e.Message)
	}
	if e.Delay > 0 {
		attrs = append(attrs, "delay", e.Delay)
	}
	if e.Progress > 0 {
		attrs = append(attrs, "progress", e.Progress)
	}
	o.Logger.Log(context.Background(), levelFor(e.Kind), string(e.Kind), attrs...)
}

func levelFor(kind ir.EventKind) slog.Level {
	switch kind {
	case ir.EventCompensationFailed, ir.EventPipelineFailed, ir.EventStepFailed:
		return slog.LevelError
	case ir.EventAttemptFailed, ir.EventRetryScheduled, ir.EventPipelineCancelled,
		ir.EventStepCancelled, ir.EventTaskCancelled, ir.EventCompensationInvoked:
		return slog.LevelWarn
	case ir.EventPipelineStarted, ir.EventPipelineSucceeded, ir.EventStepSucceeded,
		ir.EventTaskResumed, ir.EventCompensationSucceeded:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// notify delivers e to o, swallowing panics so observation can never
// break the core logic.
func notify(o Observer, e ir.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panicked", "kind", e.Kind, "panic", r)
		}
	}()
	o.Observe(e)
}
