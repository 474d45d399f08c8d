// Package framequeue implements a bounded, latest-wins queue used to hand
// frames and encoded payloads between pipeline stages.
//
// # Philosophy
//
// "Drop frames, never queue. Latency > Completeness."
//
// A camera pipeline runs under a fixed real-time budget. When a downstream
// stage is slower than its producer, the right answer is to forget the oldest
// work, not to build a backlog. Queue keeps at most K items (K is small, 1-10)
// and evicts the oldest item to admit the newest one. Staleness is therefore
// bounded by capacity × production interval, independent of consumer speed.
//
// # Design Principles
//
//  1. Non-blocking Push: Push never blocks, eviction is the admission policy
//  2. Blocking Pop: consumers wait on a sync.Cond, bounded by a timeout or context
//  3. FIFO drain: items that survive eviction are delivered in push order
//  4. Explicit shutdown: Shutdown wakes every waiter, remaining items still drain
//  5. Operational stats: pushed / popped / evicted counters for monitoring
//
// # Basic Usage
//
// Producer side (capture goroutine):
//
//	frames := framequeue.New[v4l2capture.Image](2)
//	defer frames.Shutdown()
//
//	for {
//	    img := captureNext()
//	    frames.Push(img) // never blocks, evicts the oldest image when full
//	}
//
// Consumer side:
//
//	for {
//	    img, ok := frames.PopWait(time.Second)
//	    if !ok {
//	        if frames.Closed() {
//	            return // shutdown and drained
//	        }
//	        continue // timeout
//	    }
//	    process(img)
//	}
//
// # Monitoring
//
//	stats := frames.Stats()
//	if stats.Evicted > 0 {
//	    slog.Warn("consumer slower than producer", "evicted", stats.Evicted)
//	}
//
// # Thread Safety
//
// All methods are safe for concurrent use by any number of producers and
// consumers.
package framequeue
