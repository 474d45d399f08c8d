package core

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/framequeue"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// NoFrameBackoff is the pause after an empty poll before the next acquire.
const NoFrameBackoff = 5 * time.Millisecond

// Payload is one processed frame waiting to be sent.
type Payload struct {
	Data     []byte
	Metadata processor.Metadata
}

// CaptureLoop moves frames from the device ring into the frame queue.
//
// It is the only goroutine touching the source. On exit it shuts down its
// output queue so the rest of the pipeline drains and stops.
type CaptureLoop struct {
	name    string
	src     CaptureSource
	out     *framequeue.Queue[v4l2capture.Image]
	metrics *Metrics
	stopped atomic.Bool
}

// NewCaptureLoop creates a capture loop for one view.
func NewCaptureLoop(name string, src CaptureSource, out *framequeue.Queue[v4l2capture.Image], m *Metrics) *CaptureLoop {
	if m == nil {
		m = &Metrics{}
	}
	return &CaptureLoop{name: name, src: src, out: out, metrics: m}
}

// Stop asks the loop to exit after the current acquire.
func (c *CaptureLoop) Stop() { c.stopped.Store(true) }

// Run captures until ctx is cancelled, Stop is called, or the device fails.
// A device failure is returned; a cooperative stop returns nil.
func (c *CaptureLoop) Run(ctx context.Context) error {
	defer c.out.Shutdown()

	slog.Info("capture loop started", "pipeline", c.name, "device", c.src.Device())

	for {
		if ctx.Err() != nil || c.stopped.Load() {
			slog.Info("capture loop stopping", "pipeline", c.name,
				"frames_captured", c.metrics.FramesCaptured.Load())
			return nil
		}

		frame, err := c.src.Acquire()
		if errors.Is(err, v4l2capture.ErrNoFrameAvailable) {
			c.metrics.NoFrame.Add(1)
			slog.Debug("no frame available", "pipeline", c.name)
			sleepCtx(ctx, NoFrameBackoff)
			continue
		}
		if err != nil {
			c.metrics.DeviceErrors.Add(1)
			return err
		}

		img, cloneErr := frame.Clone()
		if err := frame.Release(); err != nil {
			c.metrics.DeviceErrors.Add(1)
			return err
		}
		if cloneErr != nil {
			return cloneErr
		}

		c.metrics.FramesCaptured.Add(1)
		if c.out.Push(img) {
			c.metrics.FramesEvicted.Add(1)
		}
	}
}

// ProcessLoop runs the frame processor once per cycle.
type ProcessLoop struct {
	name    string
	in      *framequeue.Queue[v4l2capture.Image]
	out     *framequeue.Queue[Payload]
	proc    processor.FrameProcessor
	sink    MetadataSink
	metrics *Metrics
	cycle   atomic.Int64
}

// NewProcessLoop creates a processing loop. sink may be nil.
func NewProcessLoop(name string, in *framequeue.Queue[v4l2capture.Image], out *framequeue.Queue[Payload],
	proc processor.FrameProcessor, cycle time.Duration, sink MetadataSink, m *Metrics) *ProcessLoop {
	if m == nil {
		m = &Metrics{}
	}
	l := &ProcessLoop{name: name, in: in, out: out, proc: proc, sink: sink, metrics: m}
	l.SetCycle(cycle)
	return l
}

// SetCycle changes the processing cycle; takes effect on the next frame.
func (l *ProcessLoop) SetCycle(d time.Duration) { l.cycle.Store(int64(d)) }

// Cycle returns the current processing cycle.
func (l *ProcessLoop) Cycle() time.Duration { return time.Duration(l.cycle.Load()) }

// Run pops the oldest frame, processes it and pushes the payload, then waits
// out the rest of the cycle. Exits when the input queue is shut down and
// empty or ctx is cancelled; shuts down the output queue on exit.
func (l *ProcessLoop) Run(ctx context.Context) {
	defer l.out.Shutdown()

	for {
		start := time.Now()

		img, ok := l.in.Pop(ctx)
		if !ok {
			slog.Info("process loop stopping", "pipeline", l.name,
				"frames_processed", l.metrics.FramesProcessed.Load())
			return
		}

		out, err := l.proc.Process(processor.InputFromImage(img))
		if err != nil {
			l.metrics.ProcessFailures.Add(1)
			slog.Warn("frame processing failed", "pipeline", l.name, "seq", img.Seq, "error", err)
		} else {
			l.metrics.FramesProcessed.Add(1)
			if l.out.Push(Payload{Data: out.Payload, Metadata: out.Metadata}) {
				l.metrics.PayloadsEvicted.Add(1)
			}
			if l.sink != nil {
				l.sink.EmitMetadata(out.Metadata)
				l.metrics.MetadataEmitted.Add(1)
			}
		}

		if !sleepCtx(ctx, l.Cycle()-time.Since(start)) {
			return
		}
	}
}

// SenderLoop drains the payload queue into the transport.
type SenderLoop struct {
	name    string
	in      *framequeue.Queue[Payload]
	sender  PayloadSender
	paused  func() bool
	metrics *Metrics
}

// NewSenderLoop creates a sender loop. paused may be nil.
func NewSenderLoop(name string, in *framequeue.Queue[Payload], sender PayloadSender, paused func() bool, m *Metrics) *SenderLoop {
	if m == nil {
		m = &Metrics{}
	}
	if paused == nil {
		paused = func() bool { return false }
	}
	return &SenderLoop{name: name, in: in, sender: sender, paused: paused, metrics: m}
}

// Run sends payloads until the queue is shut down and drained. Cancelling ctx
// does not stop it: payloads already queued are still sent, and the upstream
// process loop shuts the queue down when it exits.
// A failed send drops that frame only.
func (s *SenderLoop) Run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		p, ok := s.in.Pop(ctx)
		if !ok {
			slog.Info("sender loop stopping", "pipeline", s.name,
				"payloads_sent", s.metrics.PayloadsSent.Load())
			return
		}

		if s.paused() {
			s.metrics.PausedDropped.Add(1)
			continue
		}

		if err := s.sender.Send(p.Data); err != nil {
			s.metrics.SendFailures.Add(1)
			slog.Warn("frame dropped, send failed",
				"pipeline", s.name,
				"seq", p.Metadata.Seq,
				"bytes", len(p.Data),
				"error", err,
			)
			continue
		}
		s.metrics.PayloadsSent.Add(1)
	}
}

// sleepCtx sleeps for d or until ctx is done. Returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
