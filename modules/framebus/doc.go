// Package framebus fans reassembled frames out to the consumers of a receiver:
// live viewers, frame savers, recorders.
//
// # Overview
//
// A receiver publishes every complete Frame-Message to the bus; the bus hands
// it to each subscriber without ever blocking. The key design principle is:
//
//	"Drop frames, never queue. Latency > Completeness."
//
// # Drop Policies
//
//   - DropNew: the subscriber owns a buffered channel. When it is full the
//     incoming frame is dropped (backpressure). Suited to recorders that want
//     every frame they can keep up with.
//   - DropOld: the subscriber gets a Receiver holding only the latest frame.
//     Unread frames are replaced. Suited to live viewers.
//
// # Basic Usage
//
//	bus := framebus.New()
//	defer bus.Close()
//
//	saverCh := make(chan framebus.Frame, 8)
//	bus.Subscribe("saver", saverCh)
//
//	live, _ := bus.SubscribeLatest("viewer")
//	go func() {
//	    for {
//	        f, err := live.Receive(ctx)
//	        if err != nil {
//	            return
//	        }
//	        render(f)
//	    }
//	}()
//
//	bus.Publish(frame) // returns immediately
//
// # Observability
//
//	stats := bus.Stats()
//	fmt.Printf("Published: %d, Sent: %d, Dropped: %d\n",
//	    stats.TotalPublished, stats.TotalSent, stats.TotalDropped)
//
// Conservation law for DropNew subscribers: Sent + Dropped == TotalPublished
// while subscribed.
//
// # Thread Safety
//
// All operations are thread-safe:
//   - Multiple goroutines can call Publish() concurrently
//   - Subscribe/Unsubscribe can be called while publishing
//   - Stats() can be called from any goroutine
package framebus
