package v4l2capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-camlink/modules/v4l2capture/internal/v4l2"
)

// bufferState is the ownership of one ring slot.
type bufferState uint8

const (
	bufInDriver bufferState = iota
	bufWithConsumer
)

// Session owns one V4L2 capture device and its mmap buffer ring.
//
// A Session is driven by a single goroutine: Initialize, AcquireFrame,
// ReleaseFrame and Shutdown must not be called concurrently. Stats and Format
// may be read from any goroutine.
type Session struct {
	cfg  Config
	open openFunc

	mu         sync.Mutex
	dev        device
	state      State
	format     Format
	buffers    [][]byte
	owner      []bufferState
	generation uint64

	seq       uint64
	startedAt time.Time

	framesAcquired atomic.Uint64
	framesReleased atomic.Uint64
	noFrame        atomic.Uint64
	corrupted      atomic.Uint64
	errorCount     atomic.Uint64
	inFlight       atomic.Int32
	lastFrameNanos atomic.Int64
}

// NewSession validates cfg and returns a closed session. Call Initialize to
// open the device and start streaming.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("v4l2capture: device path is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("v4l2capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Buffers == 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.Buffers < 1 || cfg.Buffers > MaxBuffers {
		return nil, fmt.Errorf("v4l2capture: buffers must be 1-%d, got %d", MaxBuffers, cfg.Buffers)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.PixelFormat == 0 {
		cfg.PixelFormat = PixelFormatMJPEG
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("v4l2capture: fps must be >= 0, got %d", cfg.FPS)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Device
	}

	return &Session{cfg: cfg, open: openV4L2}, nil
}

// Config returns the validated configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Format returns the negotiated format. Valid once Initialize succeeded.
func (s *Session) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Initialize opens the device, negotiates the format, maps the buffer ring,
// queues every buffer and starts streaming.
//
// The format returned by the driver is authoritative: drivers silently reduce
// unsupported sizes and every Frame reports the negotiated dimensions.
//
// On failure all partial state is torn down and a *DeviceError is returned.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateClosed {
		return fmt.Errorf("v4l2capture: initialize %s: session is %s", s.cfg.Device, s.state)
	}

	if err := s.initializeLocked(); err != nil {
		s.errorCount.Add(1)
		if terr := s.teardownLocked(); terr != nil {
			slog.Debug("v4l2capture: teardown after failed initialize", "device", s.cfg.Device, "error", terr)
		}
		return err
	}
	return nil
}

func (s *Session) initializeLocked() error {
	path := s.cfg.Device

	dev, err := s.open(path)
	if err != nil {
		return newDeviceError("open", path, err)
	}
	s.dev = dev
	s.state = StateOpened

	caps, err := dev.Capabilities()
	if err != nil {
		return newDeviceError("querycap", path, err)
	}
	if !caps.CanCapture() || !caps.CanStream() {
		return newDeviceError("querycap", path, fmt.Errorf("%w (driver %s, card %q)", ErrNotCaptureDevice, caps.Driver, caps.Card))
	}

	got, err := dev.SetFormat(v4l2.PixFormat{
		Width:       uint32(s.cfg.Width),
		Height:      uint32(s.cfg.Height),
		PixelFormat: uint32(s.cfg.PixelFormat),
	})
	if err != nil {
		return newDeviceError("set_format", path, err)
	}
	s.format = Format{
		Width:        int(got.Width),
		Height:       int(got.Height),
		PixelFormat:  PixelFormat(got.PixelFormat),
		BytesPerLine: int(got.BytesPerLine),
		SizeImage:    int(got.SizeImage),
	}
	s.state = StateFormatNegotiated

	if s.format.Width != s.cfg.Width || s.format.Height != s.cfg.Height || s.format.PixelFormat != s.cfg.PixelFormat {
		slog.Warn("v4l2capture: driver adjusted format",
			"device", path,
			"requested", fmt.Sprintf("%dx%d %s", s.cfg.Width, s.cfg.Height, s.cfg.PixelFormat),
			"negotiated", fmt.Sprintf("%s %s", s.format.Resolution(), s.format.PixelFormat),
		)
	}

	if s.cfg.FPS > 0 {
		granted, err := dev.SetFrameRate(uint32(s.cfg.FPS))
		if err != nil {
			// Not every driver supports S_PARM; the stream still works at its default rate.
			slog.Warn("v4l2capture: frame rate not applied", "device", path, "fps", s.cfg.FPS, "error", err)
		} else if granted != 0 && int(granted) != s.cfg.FPS {
			slog.Info("v4l2capture: driver adjusted frame rate", "device", path, "requested", s.cfg.FPS, "granted", granted)
		}
	}

	count, err := dev.RequestBuffers(uint32(s.cfg.Buffers))
	if err != nil {
		return newDeviceError("reqbufs", path, err)
	}
	if count == 0 {
		return newDeviceError("reqbufs", path, ErrNoBuffers)
	}

	s.buffers = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		data, err := dev.MapBuffer(i)
		if err != nil {
			return newDeviceError("mmap", path, err)
		}
		s.buffers = append(s.buffers, data)
	}
	s.owner = make([]bufferState, count)
	s.state = StateBuffersMapped

	for i := uint32(0); i < count; i++ {
		if err := dev.Enqueue(i); err != nil {
			return newDeviceError("qbuf", path, err)
		}
		s.owner[i] = bufInDriver
	}

	if err := dev.StreamOn(); err != nil {
		return newDeviceError("streamon", path, err)
	}
	s.state = StateStreaming
	s.startedAt = time.Now()
	s.generation++

	slog.Info("v4l2capture: streaming",
		"device", path,
		"driver", caps.Driver,
		"card", caps.Card,
		"resolution", s.format.Resolution(),
		"pixel_format", s.format.PixelFormat.String(),
		"buffers", count,
	)
	return nil
}

// AcquireFrame waits up to the poll timeout for a filled buffer and returns a
// Frame borrowing it.
//
// Returns ErrNoFrameAvailable on timeout, would-block, or a frame the driver
// flagged as corrupted; callers simply retry. Any other failure is a
// *DeviceError and is fatal for the session.
//
// The returned Frame must be released before the ring runs dry: with N
// buffers, at most N frames can be held at once.
func (s *Session) AcquireFrame() (*Frame, error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	dev := s.dev
	s.mu.Unlock()

	ready, err := dev.WaitReadable(s.cfg.PollTimeout)
	if err != nil {
		s.errorCount.Add(1)
		return nil, newDeviceError("poll", s.cfg.Device, err)
	}
	if !ready {
		s.noFrame.Add(1)
		return nil, ErrNoFrameAvailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return nil, ErrSessionClosed
	}

	d, err := s.dev.Dequeue()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			s.noFrame.Add(1)
			return nil, ErrNoFrameAvailable
		}
		s.errorCount.Add(1)
		return nil, newDeviceError("dqbuf", s.cfg.Device, err)
	}

	if int(d.Index) >= len(s.buffers) {
		s.errorCount.Add(1)
		return nil, newDeviceError("dqbuf", s.cfg.Device, fmt.Errorf("index %d outside ring of %d: %w", d.Index, len(s.buffers), ErrRingCorrupted))
	}
	if s.owner[d.Index] == bufWithConsumer {
		s.errorCount.Add(1)
		return nil, newDeviceError("dqbuf", s.cfg.Device, fmt.Errorf("index %d: %w", d.Index, ErrRingCorrupted))
	}

	if d.Flags&v4l2.BufFlagError != 0 || d.BytesUsed == 0 {
		s.corrupted.Add(1)
		if err := s.dev.Enqueue(d.Index); err != nil {
			s.errorCount.Add(1)
			return nil, newDeviceError("qbuf", s.cfg.Device, err)
		}
		slog.Debug("v4l2capture: dropped corrupted frame", "device", s.cfg.Device, "index", d.Index, "bytes_used", d.BytesUsed)
		return nil, ErrNoFrameAvailable
	}

	buf := s.buffers[d.Index]
	used := int(d.BytesUsed)
	if used > len(buf) {
		used = len(buf)
	}

	s.owner[d.Index] = bufWithConsumer
	s.inFlight.Add(1)
	s.seq++
	now := time.Now()
	s.framesAcquired.Add(1)
	s.lastFrameNanos.Store(now.UnixNano())

	return &Frame{
		session:    s,
		index:      d.Index,
		generation: s.generation,
		data:       buf[:used:used],
		width:      s.format.Width,
		height:     s.format.Height,
		format:     s.format.PixelFormat,
		seq:        s.seq,
		timestamp:  now,
	}, nil
}

// ReleaseFrame hands the frame's buffer back to the driver. It is the same as
// f.Release().
//
// A frame is released exactly once: a second call returns ErrFrameReleased
// without touching the ring. Frames left over from before a Shutdown are
// invalidated and return ErrSessionClosed.
func (s *Session) ReleaseFrame(f *Frame) error {
	if f == nil {
		return fmt.Errorf("v4l2capture: release nil frame")
	}
	if f.session != s {
		return fmt.Errorf("v4l2capture: frame belongs to a different session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.released {
		return ErrFrameReleased
	}
	f.released = true
	f.data = nil

	if s.state != StateStreaming || f.generation != s.generation {
		return ErrSessionClosed
	}
	if s.owner[f.index] != bufWithConsumer {
		s.errorCount.Add(1)
		return newDeviceError("qbuf", s.cfg.Device, fmt.Errorf("index %d not held: %w", f.index, ErrRingCorrupted))
	}

	if err := s.dev.Enqueue(f.index); err != nil {
		s.errorCount.Add(1)
		return newDeviceError("qbuf", s.cfg.Device, err)
	}
	s.owner[f.index] = bufInDriver
	s.inFlight.Add(-1)
	s.framesReleased.Add(1)
	return nil
}

// Shutdown stops streaming, unmaps the ring and closes the device.
//
// Safe to call multiple times and from any state. Outstanding frames become
// invalid: Data returns nil, Clone and Release report ErrSessionClosed.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked()
}

func (s *Session) teardownLocked() error {
	if s.state == StateClosed && s.dev == nil {
		return nil
	}

	var errs []error
	if s.state == StateStreaming {
		if err := s.dev.StreamOff(); err != nil {
			errs = append(errs, fmt.Errorf("streamoff: %w", err))
		}
	}
	// Invalidate outstanding frames before their memory goes away.
	s.generation++

	for i, b := range s.buffers {
		if err := s.dev.UnmapBuffer(b); err != nil {
			errs = append(errs, fmt.Errorf("munmap %d: %w", i, err))
		}
	}
	if len(s.buffers) > 0 {
		if _, err := s.dev.RequestBuffers(0); err != nil {
			slog.Debug("v4l2capture: free buffers", "device", s.cfg.Device, "error", err)
		}
	}
	s.buffers = nil
	s.owner = nil
	s.inFlight.Store(0)

	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		s.dev = nil
	}

	if s.state == StateStreaming {
		slog.Info("v4l2capture: stopped",
			"device", s.cfg.Device,
			"frames_acquired", s.framesAcquired.Load(),
			"frames_released", s.framesReleased.Load(),
		)
	}
	s.state = StateClosed

	if err := errors.Join(errs...); err != nil {
		return newDeviceError("shutdown", s.cfg.Device, err)
	}
	return nil
}

// Stats returns current capture statistics. Safe from any goroutine.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	state := s.state
	format := s.format
	buffers := len(s.buffers)
	startedAt := s.startedAt
	s.mu.Unlock()

	acquired := s.framesAcquired.Load()
	var fps float64
	if state == StateStreaming {
		if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
			fps = float64(acquired) / elapsed
		}
	}

	var last time.Time
	if n := s.lastFrameNanos.Load(); n > 0 {
		last = time.Unix(0, n)
	}

	return Stats{
		Device:         s.cfg.Device,
		State:          state.String(),
		Format:         format,
		Buffers:        buffers,
		InFlight:       int(s.inFlight.Load()),
		FramesAcquired: acquired,
		FramesReleased: s.framesReleased.Load(),
		NoFrame:        s.noFrame.Load(),
		Corrupted:      s.corrupted.Load(),
		Errors:         s.errorCount.Load(),
		FPSReal:        fps,
		LastFrameAt:    last,
	}
}
