package v4l2capture

import (
	"time"

	"github.com/google/uuid"
)

// Frame borrows one buffer of the session's ring while it is held by the
// consumer. Data is a zero-copy view into mmap'ed memory that the driver will
// overwrite once the frame is released.
//
// A Frame is owned by the goroutine that acquired it. Take a Clone before
// handing the pixels to another goroutine, then Release.
type Frame struct {
	session    *Session
	index      uint32
	generation uint64
	data       []byte
	width      int
	height     int
	format     PixelFormat
	seq        uint64
	timestamp  time.Time
	released   bool
}

// Data returns the borrowed pixel data. It is nil once the frame is released
// or its session has shut down, since the ring may already be unmapped.
//
// The slice stays valid only until Release or Shutdown.
func (f *Frame) Data() []byte {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	if !f.validLocked() {
		return nil
	}
	return f.data
}

// Width is the negotiated frame width.
func (f *Frame) Width() int { return f.width }

// Height is the negotiated frame height.
func (f *Frame) Height() int { return f.height }

// PixelFormat is the negotiated pixel format.
func (f *Frame) PixelFormat() PixelFormat { return f.format }

// Index is the ring slot this frame borrows.
func (f *Frame) Index() int { return int(f.index) }

// Seq is the monotonic sequence number within the session.
func (f *Frame) Seq() uint64 { return f.seq }

// Timestamp is when the buffer was dequeued.
func (f *Frame) Timestamp() time.Time { return f.timestamp }

// Released reports whether the frame has been handed back.
func (f *Frame) Released() bool {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	return f.released
}

// Clone copies the frame into an owned Image with a fresh trace id. Returns
// ErrFrameReleased if the frame was already released and ErrSessionClosed if
// the session shut down while the frame was held.
func (f *Frame) Clone() (Image, error) {
	f.session.mu.Lock()
	if f.released {
		f.session.mu.Unlock()
		return Image{}, ErrFrameReleased
	}
	if !f.validLocked() {
		f.session.mu.Unlock()
		return Image{}, ErrSessionClosed
	}
	// Copy under the lock so Shutdown cannot unmap the buffer mid-copy.
	data := make([]byte, len(f.data))
	copy(data, f.data)
	f.session.mu.Unlock()

	return Image{
		Data:      data,
		Width:     f.width,
		Height:    f.height,
		Format:    f.format,
		Seq:       f.seq,
		Timestamp: f.timestamp,
		Source:    f.session.cfg.Name,
		TraceID:   uuid.New().String(),
	}, nil
}

// validLocked reports whether the frame still borrows a mapped buffer of the
// current stream. Caller holds f.session.mu.
func (f *Frame) validLocked() bool {
	return !f.released && f.data != nil &&
		f.session.state == StateStreaming && f.generation == f.session.generation
}

// Release hands the buffer back to the driver. See Session.ReleaseFrame.
func (f *Frame) Release() error {
	return f.session.ReleaseFrame(f)
}
