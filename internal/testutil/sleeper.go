package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeSleeper records requested delays and returns immediately.
//
// OnSleep, if set, runs after a delay is recorded with the 1-based call
// number. Tests use it to cancel a context "during" a suspension point; the
// sleeper then reports the cancellation like a real timer would.
//
// Safe for concurrent use.
type FakeSleeper struct {
	OnSleep func(call int, d time.Duration)

	mu     sync.Mutex
	sleeps []time.Duration
}

// NewFakeSleeper creates a FakeSleeper with no hook.
func NewFakeSleeper() *FakeSleeper {
	return &FakeSleeper{}
}

// Sleep implements engine.Sleeper.
func (s *FakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	call := len(s.sleeps)
	hook := s.OnSleep
	s.mu.Unlock()

	if hook != nil {
		hook(call, d)
	}
	return ctx.Err()
}

// Sleeps returns the recorded delays in call order.
func (s *FakeSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}

// Total returns the sum of all recorded delays.
func (s *FakeSleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.sleeps {
		total += d
	}
	return total
}
