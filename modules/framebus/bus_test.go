package framebus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 10)
	if err := bus.Subscribe("saver", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	frame := Frame{Source: "top", Seq: 1, Data: []byte("jpeg")}
	bus.Publish(frame)

	select {
	case received := <-ch:
		if received.Seq != frame.Seq || received.Source != "top" {
			t.Errorf("Expected top/1, got %s/%d", received.Source, received.Seq)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

// TestNonBlockingPublish verifies Publish never blocks.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 1)
	bus.Subscribe("slow", ch)

	done := make(chan bool)
	go func() {
		bus.Publish(Frame{Seq: 1}) // Should succeed
		bus.Publish(Frame{Seq: 2}) // Should drop (buffer full)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	received := <-ch
	if received.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", received.Seq)
	}

	subStats := bus.Stats().Subscribers["slow"]
	if subStats.Sent != 1 {
		t.Errorf("Expected 1 sent, got %d", subStats.Sent)
	}
	if subStats.Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", subStats.Dropped)
	}
}

// TestStatsAccuracy verifies the conservation law:
// TotalSent + TotalDropped == TotalPublished × DropNew subscribers.
func TestStatsAccuracy(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Frame, 10) // Large buffer
	ch2 := make(chan Frame, 1)  // Small buffer (will drop)
	ch3 := make(chan Frame, 10) // Large buffer

	bus.Subscribe("recorder", ch1)
	bus.Subscribe("saver", ch2)
	bus.Subscribe("stats", ch3)

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(Frame{Seq: i})
	}

	stats := bus.Stats()
	if stats.TotalPublished != 5 {
		t.Errorf("Expected 5 published, got %d", stats.TotalPublished)
	}

	expected := stats.TotalPublished * uint64(len(stats.Subscribers))
	if actual := stats.TotalSent + stats.TotalDropped; actual != expected {
		t.Errorf("Conservation law violated: %d sent + %d dropped != %d published × %d subscribers",
			stats.TotalSent, stats.TotalDropped, stats.TotalPublished, len(stats.Subscribers))
	}

	if stats.Subscribers["recorder"].Sent != 5 {
		t.Errorf("recorder expected 5 sent, got %d", stats.Subscribers["recorder"].Sent)
	}
	if stats.Subscribers["saver"].Dropped != 4 {
		t.Errorf("saver expected 4 drops, got %d", stats.Subscribers["saver"].Dropped)
	}
}

// TestSubscribeDuplicateID verifies error handling.
func TestSubscribeDuplicateID(t *testing.T) {
	bus := New()
	defer bus.Close()

	if err := bus.Subscribe("viewer", make(chan Frame, 1)); err != nil {
		t.Fatalf("First subscribe failed: %v", err)
	}
	if err := bus.Subscribe("viewer", make(chan Frame, 1)); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if _, err := bus.SubscribeLatest("viewer"); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists for latest, got %v", err)
	}
}

// TestUnsubscribe verifies unsubscribe functionality.
func TestUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 1)
	bus.Subscribe("saver", ch)

	if err := bus.Unsubscribe("saver"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if n := len(bus.Stats().Subscribers); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}

	bus.Publish(Frame{Seq: 1})
	select {
	case <-ch:
		t.Error("Received frame after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	if err := bus.Unsubscribe("saver"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}
}

// TestMultipleSubscribers verifies fan-out to multiple channels.
func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	channels := make([]chan Frame, 10)
	for i := range channels {
		channels[i] = make(chan Frame, 5)
		bus.Subscribe(fmt.Sprintf("sub-%d", i), channels[i])
	}

	bus.Publish(Frame{Seq: 42})

	for i, ch := range channels {
		select {
		case received := <-ch:
			if received.Seq != 42 {
				t.Errorf("Subscriber %d: expected seq 42, got %d", i, received.Seq)
			}
		case <-time.After(1 * time.Second):
			t.Errorf("Subscriber %d: timeout waiting for frame", i)
		}
	}

	stats := bus.Stats()
	if stats.TotalSent != 10 {
		t.Errorf("Expected 10 sent (1 frame × 10 subscribers), got %d", stats.TotalSent)
	}
	if stats.TotalDropped != 0 {
		t.Errorf("Expected 0 dropped, got %d", stats.TotalDropped)
	}
}

// TestConcurrentPublish verifies thread safety with multiple publishers
// (one per receiver view).
func TestConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 1000)
	bus.Subscribe("recorder", ch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Frame{Source: fmt.Sprintf("view-%d", id), Seq: uint64(j)})
			}
		}(i)
	}
	wg.Wait()

	stats := bus.Stats()
	if stats.TotalPublished != 1000 {
		t.Errorf("Expected 1000 published, got %d", stats.TotalPublished)
	}
	sub := stats.Subscribers["recorder"]
	if sub.Sent+sub.Dropped != 1000 {
		t.Errorf("Expected 1000 total (sent+dropped), got %d", sub.Sent+sub.Dropped)
	}
}

// TestConcurrentSubscribe verifies thread safety with dynamic subscribers.
func TestConcurrentSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			bus.Publish(Frame{Seq: uint64(i)})
			time.Sleep(1 * time.Millisecond)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("viewer-%d", i)
			if i%2 == 0 {
				bus.Subscribe(id, make(chan Frame, 10))
			} else {
				bus.SubscribeLatest(id)
			}
			time.Sleep(5 * time.Millisecond)
			bus.Unsubscribe(id)
		}
	}()

	wg.Wait()

	if stats := bus.Stats(); stats.TotalPublished != 100 {
		t.Errorf("Expected 100 published, got %d", stats.TotalPublished)
	}
}

// TestClosedBus verifies behavior after Close().
func TestClosedBus(t *testing.T) {
	bus := New()
	bus.Subscribe("saver", make(chan Frame, 1))

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := bus.Subscribe("new", make(chan Frame, 1)); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.SubscribeLatest("new"); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if err := bus.Unsubscribe("saver"); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}

	// Publish is a no-op once closed; receivers may still be shutting down
	bus.Publish(Frame{Seq: 1})
	if stats := bus.Stats(); stats.TotalPublished != 0 {
		t.Errorf("Expected 0 published, got %d", stats.TotalPublished)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}

// TestStatsMonotonicity verifies counters only increase.
func TestStatsMonotonicity(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Subscribe("saver", make(chan Frame, 1))
	bus.SubscribeLatest("viewer")

	prev := bus.Stats()
	for i := 0; i < 10; i++ {
		bus.Publish(Frame{Seq: uint64(i)})

		stats := bus.Stats()
		if stats.TotalPublished < prev.TotalPublished ||
			stats.TotalSent < prev.TotalSent ||
			stats.TotalDropped < prev.TotalDropped {
			t.Fatalf("counters decreased: %+v -> %+v", prev, stats)
		}
		prev = stats
	}
}

// TestNilChannelSubscribe verifies error handling.
func TestNilChannelSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	if err := bus.Subscribe("saver", nil); err != ErrNilChannel {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
}

// BenchmarkPublishSingleSubscriber measures Publish performance.
func BenchmarkPublishSingleSubscriber(b *testing.B) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 1000)
	bus.Subscribe("bench", ch)

	frame := Frame{Seq: 1, Data: make([]byte, 100)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(frame)
	}
}

// BenchmarkPublishLatest measures the DropOld path.
func BenchmarkPublishLatest(b *testing.B) {
	bus := New()
	defer bus.Close()

	for i := 0; i < 4; i++ {
		bus.SubscribeLatest(fmt.Sprintf("viewer-%d", i))
	}

	frame := Frame{Seq: 1, Data: make([]byte, 100)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(frame)
	}
}
