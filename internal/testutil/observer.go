package testutil

import (
	"sync"

	"github.com/roach88/fulfil/internal/ir"
)

// RecordingObserver keeps every event it observes. Safe for concurrent use.
type RecordingObserver struct {
	mu     sync.Mutex
	events []ir.Event
}

// NewRecordingObserver creates an empty recorder.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{}
}

// Observe implements engine.Observer.
func (r *RecordingObserver) Observe(e ir.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *RecordingObserver) Events() []ir.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kind of every recorded event, in order.
func (r *RecordingObserver) Kinds() []ir.EventKind {
	events := r.Events()
	out := make([]ir.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// Steps returns, in order, the step of every event of the given kind.
func (r *RecordingObserver) Steps(kind ir.EventKind) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Step)
		}
	}
	return out
}

// Count returns how many events of the given kind were recorded.
func (r *RecordingObserver) Count(kind ir.EventKind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Len returns the number of recorded events.
func (r *RecordingObserver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
