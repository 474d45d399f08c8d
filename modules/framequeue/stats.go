package framequeue

// Stats is a snapshot of queue operational state.
type Stats struct {
	// Pushed counts accepted items (including ones later evicted).
	Pushed uint64

	// Popped counts items delivered to consumers.
	Popped uint64

	// Evicted counts items dropped to admit newer ones.
	// Non-zero means the consumer is slower than the producer, which is
	// expected on a latest-wins edge. A steadily rising rate is the signal.
	Evicted uint64

	// Rejected counts pushes after Shutdown.
	Rejected uint64

	// Len and Capacity at snapshot time.
	Len      int
	Capacity int

	Closed bool
}

// DropRate returns Evicted / Pushed, or 0 before the first push.
func (s Stats) DropRate() float64 {
	if s.Pushed == 0 {
		return 0
	}
	return float64(s.Evicted) / float64(s.Pushed)
}

// Stats returns a snapshot of the counters.
//
// Counters are read atomically; Len and Closed under the mutex. The snapshot
// may be slightly stale, which is fine for monitoring.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	size, closed := q.size, q.closed
	q.mu.Unlock()

	return Stats{
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Evicted:  q.evicted.Load(),
		Rejected: q.rejected.Load(),
		Len:      size,
		Capacity: len(q.items),
		Closed:   closed,
	}
}
