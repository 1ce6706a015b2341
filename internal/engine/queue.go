package engine

import (
	"sync"

	"github.com/roach88/fulfil/internal/ir"
)

// eventQueue is an unbounded, thread-safe FIFO of observer events.
//
// Unbounded so that Enqueue never blocks the engine, however slow the
// downstream observer is. A buffered signal channel (size 1) coalesces
// wake-ups for the single draining goroutine.
type eventQueue struct {
	mu     sync.Mutex
	events []ir.Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]ir.Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false once the queue is closed.
func (q *eventQueue) Enqueue(e ir.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (ir.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return ir.Event{}, false
	}
	e := q.events[0]
	q.events[0] = ir.Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns the wake-up channel. It is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the drainer.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// AsyncObserver decouples the engine from a slow observer: Observe only
// enqueues, and a single goroutine delivers events in order.
//
// Call Close to flush remaining events and stop the goroutine.
type AsyncObserver struct {
	next  Observer
	queue *eventQueue
	done  chan struct{}
	once  sync.Once
}

// NewAsyncObserver starts delivering events to next in the background.
func NewAsyncObserver(next Observer) *AsyncObserver {
	a := &AsyncObserver{
		next:  next,
		queue: newEventQueue(),
		done:  make(chan struct{}),
	}
	go a.drain()
	return a
}

// Observe enqueues e and returns immediately. Events observed after Close
// are dropped.
func (a *AsyncObserver) Observe(e ir.Event) {
	a.queue.Enqueue(e)
}

// Close flushes queued events to the wrapped observer and waits for the
// delivery goroutine to exit. Safe to call more than once.
func (a *AsyncObserver) Close() {
	a.once.Do(a.queue.Close)
	<-a.done
}

// Pending returns the number of events not yet delivered.
func (a *AsyncObserver) Pending() int {
	return a.queue.Len()
}

func (a *AsyncObserver) drain() {
	defer close(a.done)
	for {
		for {
			e, ok := a.queue.TryDequeue()
			if !ok {
				break
			}
			notify(a.next, e)
		}
		if a.queue.isClosed() && a.queue.Len() == 0 {
			return
		}
		<-a.queue.Wait()
	}
}
