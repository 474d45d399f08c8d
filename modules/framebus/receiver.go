package framebus

import (
	"context"
	"errors"
	"sync"
)

// ErrReceiverClosed is returned by Receive after the receiver was closed.
var ErrReceiverClosed = errors.New("framebus: receiver is closed")

// Receiver holds the latest frame for a DropOld subscriber.
//
// Receive returns each stored frame at most once: a reader that falls behind
// skips straight to the newest frame.
type Receiver struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  Frame
	unread bool
	closed bool
}

func newReceiver() *Receiver {
	r := &Receiver{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// set stores frame and reports whether an unread frame was replaced.
func (r *Receiver) set(frame Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	replaced := r.unread
	r.frame = frame
	r.unread = true
	r.cond.Broadcast()
	return replaced
}

// Receive blocks until a new frame is stored, ctx is done, or the receiver is
// closed.
func (r *Receiver) Receive(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.unread && !r.closed && ctx.Err() == nil {
		r.cond.Wait()
	}
	if r.closed {
		return Frame{}, ErrReceiverClosed
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	r.unread = false
	return r.frame, nil
}

// TryReceive returns the stored frame if it has not been read yet.
func (r *Receiver) TryReceive() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.unread || r.closed {
		return Frame{}, false
	}
	r.unread = false
	return r.frame, true
}

// Close wakes blocked readers. Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}
