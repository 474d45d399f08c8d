package framebus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Bus distributes reassembled frames to multiple subscribers with drop policy.
type Bus interface {
	// Subscribe registers a channel to receive frames (DropNew policy).
	// Returns error if id already exists or if bus is closed.
	Subscribe(id string, ch chan<- Frame) error

	// SubscribeLatest registers a latest-only subscriber (DropOld policy).
	// Unread frames are replaced by newer ones.
	SubscribeLatest(id string) (*Receiver, error)

	// Unsubscribe removes a subscriber by id.
	// Returns error if id not found or if bus is closed.
	Unsubscribe(id string) error

	// Publish sends frame to all subscribers (non-blocking).
	// Drops frame for subscribers whose channels are full.
	// A no-op after Close.
	Publish(frame Frame)

	// Stats returns current bus statistics snapshot.
	Stats() BusStats

	// Close stops the bus and closes every latest-only receiver.
	// Subsequent Subscribe/Unsubscribe will return ErrBusClosed.
	Close() error
}

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("framebus: subscriber already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("framebus: bus is closed")

	// ErrNilChannel is returned when Subscribe gets a nil channel.
	ErrNilChannel = errors.New("framebus: nil channel provided")
)

// Frame is one reassembled Frame-Message as seen by the receiver.
type Frame struct {
	// Source is the view that produced the frame (e.g. "top")
	Source string

	// Seq is the per-source sequence number assigned on reassembly
	Seq uint64

	// Data is the encoded payload (JPEG)
	Data []byte

	// ReceivedAt is when the final fragment arrived
	ReceivedAt time.Time

	// TraceID identifies the frame in logs and recordings
	TraceID string
}

// DropPolicy defines how the bus handles frames when a subscriber cannot keep up
type DropPolicy int

const (
	// DropNew drops incoming frames if subscriber's buffer is full (backpressure)
	DropNew DropPolicy = iota
	// DropOld always accepts new frames, replacing unread ones (latest-only)
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// BusStats contains global and per-subscriber metrics.
type BusStats struct {
	// TotalPublished is the number of Publish() calls
	TotalPublished uint64

	// TotalSent is the sum of frames sent to all subscribers
	TotalSent uint64

	// TotalDropped is the sum of frames dropped across all subscribers
	TotalDropped uint64

	// Subscribers contains per-subscriber breakdown
	Subscribers map[string]SubscriberStats
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	Policy DropPolicy

	// Sent is the number of frames handed to this subscriber
	Sent uint64

	// Dropped is the number of frames this subscriber never saw: rejected on a
	// full channel (DropNew) or replaced before being read (DropOld)
	Dropped uint64
}

type subscriber struct {
	policy  DropPolicy
	ch      chan<- Frame
	latest  *Receiver
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// bus is the concrete implementation of Bus.
type bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	// Global counter (atomic - no lock needed in Publish)
	totalPublished atomic.Uint64
}

// New creates a new FrameBus.
func New() Bus {
	return &bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a channel to receive frames.
func (b *bus) Subscribe(id string, ch chan<- Frame) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a latest-only subscriber.
func (b *bus) SubscribeLatest(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	r := newReceiver()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: r}
	return r, nil
}

// Unsubscribe removes a subscriber by id. A latest-only receiver is closed.
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Publish sends frame to all subscribers (non-blocking).
//
// For each subscriber:
//   - DropNew with space: frame is sent, Sent counter incremented
//   - DropNew with a full channel: frame is dropped, Dropped counter incremented
//   - DropOld: frame replaces the stored one; an unread one counts as Dropped
//
// Subscribers share frame.Data and must not modify it.
func (b *bus) Publish(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- frame:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.latest.set(frame) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Stats returns current bus statistics snapshot.
//
// Concurrent Publish operations may increment counters after Stats() returns.
func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}

	for id, sub := range b.subscribers {
		s := SubscriberStats{
			Policy:  sub.policy,
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
		result.TotalSent += s.Sent
		result.TotalDropped += s.Dropped
		result.Subscribers[id] = s
	}
	return result
}

// Close stops the bus.
//
// After Close:
//   - Subscribe/Unsubscribe return ErrBusClosed
//   - Publish is a no-op
//   - Stats continues to work (returns final snapshot)
//   - latest-only receivers are closed; blocked Receive calls return
//
// Close does NOT close DropNew subscriber channels - that is the subscriber's
// responsibility. Close is idempotent.
func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	return nil
}
