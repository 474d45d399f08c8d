package framequeue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MaxCapacity is the largest capacity accepted by New.
//
// Pipeline edges hold whole frames; anything beyond a handful of slots is a
// backlog, which is exactly what this queue exists to prevent.
const MaxCapacity = 64

// Queue is a bounded FIFO with evict-oldest admission.
//
// Invariant: Len() <= Cap() at all times, observed under the queue mutex.
type Queue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	// ring buffer: items[head], items[head+1], ... (mod cap), size entries
	items []T
	head  int
	size  int

	closed bool

	pushed   atomic.Uint64
	popped   atomic.Uint64
	evicted  atomic.Uint64
	rejected atomic.Uint64
}

// New creates a queue holding at most capacity items.
//
// Panics if capacity is outside [1, MaxCapacity]: queue sizes are compile-time
// decisions of the pipeline wiring, not runtime input.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 || capacity > MaxCapacity {
		panic("framequeue: capacity must be in [1, 64]")
	}
	q := &Queue[T]{
		items: make([]T, capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item, evicting the single oldest item when the queue is full.
//
// Semantics:
//   - Non-blocking: always returns immediately
//   - Eviction: returns true if an older item was dropped to make room
//   - After Shutdown: the item is discarded and counted in Stats().Rejected
//
// Wakes one blocked consumer.
func (q *Queue[T]) Push(item T) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.rejected.Add(1)
		return false
	}

	capacity := len(q.items)
	if q.size == capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		q.evicted.Add(1)
		evicted = true
	}

	q.items[(q.head+q.size)%capacity] = item
	q.size++
	q.pushed.Add(1)

	q.cond.Signal()
	return evicted
}

// PopWait removes and returns the oldest item.
//
// Blocks until an item is available, timeout elapses, or the queue is shut
// down. A timeout <= 0 makes PopWait a non-blocking try.
//
// Returns ok=false on timeout, or on shutdown once the queue is drained.
// Items pushed before Shutdown are still delivered.
func (q *Queue[T]) PopWait(timeout time.Duration) (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size > 0 || q.closed || timeout <= 0 {
		return q.popLocked()
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	for q.size == 0 && !q.closed {
		if !time.Now().Before(deadline) {
			break
		}
		q.cond.Wait()
	}

	return q.popLocked()
}

// Pop is PopWait bounded by ctx instead of a timeout.
//
// Returns ok=false when ctx is done, or on shutdown once drained.
func (q *Queue[T]) Pop(ctx context.Context) (item T, ok bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}

	return q.popLocked()
}

// popLocked pops the head item. Caller holds q.mu.
func (q *Queue[T]) popLocked() (item T, ok bool) {
	if q.size == 0 {
		return item, false
	}

	var zero T
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.popped.Add(1)

	return item, true
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	for q.size > 0 {
		item, _ := q.popLocked()
		out = append(out, item)
	}
	return out
}

// Shutdown marks the queue closed and wakes every blocked consumer.
//
// Idempotent: safe to call multiple times, from any goroutine.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Shutdown has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}
