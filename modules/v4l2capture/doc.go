// Package v4l2capture provides memory-mapped frame capture from Video4Linux2
// devices (USB webcams, capture cards) without cgo.
//
// It owns the buffer-ring lifecycle of one device: format negotiation, mmap
// buffer allocation, the QBUF/DQBUF protocol and streaming on/off. Frames are
// handed out as borrowed, release-exactly-once handles.
//
// # Quick Start
//
//	s, err := v4l2capture.NewSession(v4l2capture.Config{
//	    Name:        "top",
//	    Device:      "/dev/video0",
//	    Width:       800,
//	    Height:      600,
//	    PixelFormat: v4l2capture.PixelFormatMJPEG,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Initialize(); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Shutdown()
//
//	for {
//	    f, err := s.AcquireFrame()
//	    if errors.Is(err, v4l2capture.ErrNoFrameAvailable) {
//	        continue
//	    }
//	    if err != nil {
//	        return err // *DeviceError, session is dead
//	    }
//	    img, _ := f.Clone() // owned copy for another goroutine
//	    f.Release()
//	    out <- img
//	}
//
// # Buffer Ownership
//
// Every ring slot is either InDriver (queued, the driver may write it) or
// WithConsumer (dequeued, held by a Frame). AcquireFrame moves one slot to
// WithConsumer; Release moves it back exactly once. A second Release returns
// ErrFrameReleased without touching the ring. The driver handing back a slot
// that is still held is reported as ring corruption.
//
// After Release, Frame.Data returns nil. Copy with Clone first.
//
// # Negotiated Format
//
// Drivers silently reduce unsupported sizes. The values returned by
// VIDIOC_S_FMT are authoritative: Format() and every Frame report them, not the
// requested ones.
//
// # Errors
//
//   - ErrNoFrameAvailable: poll timeout or would-block. Not an error; retry.
//   - *DeviceError: open/ioctl/mmap failure. Fatal for the session. Category
//     tells a supervisor whether reopening the device may help.
//
// # Thread Safety
//
// A Session is driven by one goroutine. Stats and Format are safe from any
// goroutine.
package v4l2capture
