package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/fulfil/internal/ir"
)

// EventRecorder is an engine observer that writes every event to the run
// log and records each run's terminal status.
//
// Observers cannot return errors, so write failures are logged and the
// first one is kept for Err. Wrap the recorder in an engine.AsyncObserver
// to keep SQLite latency off the pipeline's path.
type EventRecorder struct {
	store  *Store
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

// NewEventRecorder creates a recorder writing to s. A nil logger uses
// slog.Default().
func NewEventRecorder(s *Store, logger *slog.Logger) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{store: s, logger: logger}
}

// Observe records e.
func (r *EventRecorder) Observe(e ir.Event) {
	ctx := context.Background()
	if err := r.store.WriteEvent(ctx, e); err != nil {
		r.fail(e, err)
		return
	}

	var status ir.RunStatus
	switch e.Kind {
	case ir.EventPipelineSucceeded:
		status = ir.RunStatusSucceeded
	case ir.EventPipelineFailed:
		status = ir.RunStatusFailed
	case ir.EventPipelineCancelled:
		status = ir.RunStatusCancelled
	default:
		return
	}
	if err := r.store.FinishRun(ctx, e.RunID, status, e.Code, e.Message); err != nil {
		r.fail(e, err)
	}
}

// Err returns the first write failure, if any.
func (r *EventRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *EventRecorder) fail(e ir.Event, err error) {
	r.logger.Error("failed to record event", "run_id", e.RunID, "seq", e.Seq, "kind", e.Kind, "error", err)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}
