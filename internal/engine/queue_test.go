package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/ir"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for _, step := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(ir.Event{Step: step}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.Step)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(ir.Event{Step: "A"})
	q.Enqueue(ir.Event{Step: "B"})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce into one")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_CloseRejectsEnqueue(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(ir.Event{Step: "late"}))
	assert.True(t, q.isClosed())

	_, open := <-q.Wait()
	assert.False(t, open, "Wait channel should be closed")
}

func TestAsyncObserver_DeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int64
	)
	a := NewAsyncObserver(ObserverFunc(func(e ir.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Seq)
	}))

	for i := int64(1); i <= 100; i++ {
		a.Observe(ir.Event{Seq: i})
	}
	a.Close()

	require.Len(t, got, 100)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq)
	}
	assert.Zero(t, a.Pending())
}

func TestAsyncObserver_ObserveDoesNotBlockOnSlowObserver(t *testing.T) {
	release := make(chan struct{})
	a := NewAsyncObserver(ObserverFunc(func(ir.Event) {
		<-release
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			a.Observe(ir.Event{Seq: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Observe blocked behind a slow observer")
	}
	close(release)
	a.Close()
	assert.Zero(t, a.Pending())
}

func TestAsyncObserver_SurvivesPanickingObserver(t *testing.T) {
	var count int
	a := NewAsyncObserver(ObserverFunc(func(e ir.Event) {
		count++
		if e.Seq == 1 {
			panic("boom")
		}
	}))
	a.Observe(ir.Event{Seq: 1})
	a.Observe(ir.Event{Seq: 2})
	a.Close()

	assert.Equal(t, 2, count)
}

func TestAsyncObserver_DropsAfterClose(t *testing.T) {
	var count int
	a := NewAsyncObserver(ObserverFunc(func(ir.Event) { count++ }))
	a.Close()
	a.Observe(ir.Event{Seq: 1})
	a.Close()

	assert.Zero(t, count)
}
