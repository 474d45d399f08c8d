package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/framequeue"
	"github.com/e7canasta/orion-camlink/modules/udpstream"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// PipelineState is the lifecycle state of one view.
type PipelineState string

const (
	StateIdle         PipelineState = "idle"
	StateStarting     PipelineState = "starting"
	StateStreaming    PipelineState = "streaming"
	StateReconnecting PipelineState = "reconnecting"
	StateFailed       PipelineState = "failed"
	StateStopped      PipelineState = "stopped"
)

// PipelineConfig wires one camera view.
type PipelineConfig struct {
	Name      string
	Source    CaptureSource
	Processor processor.FrameProcessor
	Sender    PayloadSender
	Sink      MetadataSink // optional

	FrameQueue   int // capture → process capacity (default 2)
	PayloadQueue int // process → send capacity (default 1)
	Cycle        time.Duration
	Warmup       time.Duration // 0 skips the FPS measurement
	Reconnect    ReconnectConfig
}

// Pipeline runs capture, processing and sending for one view.
//
// The three loops share nothing but two latest-wins queues. A device failure
// stops the loops; the pipeline then reopens the device with backoff when
// reconnect is enabled.
type Pipeline struct {
	cfg     PipelineConfig
	metrics Metrics
	paused  atomic.Bool
	cycle   atomic.Int64

	mu       sync.RWMutex
	state    PipelineState
	lastErr  error
	started  time.Time
	frames   *framequeue.Queue[v4l2capture.Image]
	payloads *framequeue.Queue[Payload]
	process  *ProcessLoop
	warmup   *v4l2capture.WarmupStats
	cancel   context.CancelFunc

	// injectable for tests
	waitDevice func(ctx context.Context, path string, timeout time.Duration) (bool, error)
}

// NewPipeline validates cfg and creates an idle pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if cfg.Source == nil || cfg.Processor == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("pipeline %s: source, processor and sender are required", cfg.Name)
	}
	if cfg.FrameQueue == 0 {
		cfg.FrameQueue = 2
	}
	if cfg.PayloadQueue == 0 {
		cfg.PayloadQueue = 1
	}
	if cfg.FrameQueue < 1 || cfg.PayloadQueue < 1 {
		return nil, fmt.Errorf("pipeline %s: queue capacities must be >= 1", cfg.Name)
	}
	if cfg.Cycle <= 0 {
		cfg.Cycle = 250 * time.Millisecond
	}
	if cfg.Reconnect.MaxRetryDelay < cfg.Reconnect.RetryDelay {
		cfg.Reconnect.MaxRetryDelay = cfg.Reconnect.RetryDelay
	}

	p := &Pipeline{
		cfg:        cfg,
		state:      StateIdle,
		waitDevice: waitForDevice,
	}
	p.cycle.Store(int64(cfg.Cycle))
	return p, nil
}

// Name returns the view name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// Run streams until ctx is cancelled, Stop is called, or the device cannot be
// recovered. A stop returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancel = cancel
	p.started = time.Now()
	p.mu.Unlock()

	first := true
	retries := 0
	for {
		streamed, err := p.runOnce(ctx, first)

		if ctx.Err() != nil || err == nil {
			p.setState(StateStopped)
			slog.Info("pipeline stopped", "pipeline", p.cfg.Name)
			return nil
		}

		p.setError(err)
		if streamed {
			retries = 0
		}

		category := v4l2capture.ClassifyError(err)
		if !p.cfg.Reconnect.Enabled || ((streamed || first) && !shouldReopen(err)) {
			p.setState(StateFailed)
			slog.Error("pipeline failed",
				"pipeline", p.cfg.Name,
				"device", p.cfg.Source.Device(),
				"category", category,
				"error", err,
			)
			return fmt.Errorf("pipeline %s: %w", p.cfg.Name, err)
		}
		first = false

		retries++
		if retries > p.cfg.Reconnect.MaxRetries {
			p.setState(StateFailed)
			slog.Error("pipeline failed, giving up on device",
				"pipeline", p.cfg.Name,
				"device", p.cfg.Source.Device(),
				"attempts", retries-1,
				"error", err,
			)
			return fmt.Errorf("pipeline %s: %w (%d attempts): %w", p.cfg.Name, ErrMaxRetries, retries-1, err)
		}

		p.metrics.Reconnects.Add(1)
		p.setState(StateReconnecting)

		delay := calculateBackoff(retries, p.cfg.Reconnect)
		slog.Warn("reopening capture device",
			"pipeline", p.cfg.Name,
			"device", p.cfg.Source.Device(),
			"attempt", retries,
			"max_retries", p.cfg.Reconnect.MaxRetries,
			"delay", delay,
			"category", category,
			"error", err,
		)

		if category == v4l2capture.ErrCategoryDeviceGone {
			if _, werr := p.waitDevice(ctx, p.cfg.Source.Device(), delay); werr != nil && ctx.Err() == nil {
				slog.Warn("device watch failed, falling back to backoff", "pipeline", p.cfg.Name, "error", werr)
				sleepCtx(ctx, delay)
			}
		} else {
			sleepCtx(ctx, delay)
		}
	}
}

// runOnce opens the device and runs the loops until the capture loop exits.
// streamed reports whether the device reached streaming.
func (p *Pipeline) runOnce(ctx context.Context, first bool) (streamed bool, err error) {
	if first {
		p.setState(StateStarting)
	}

	if err := p.cfg.Source.Initialize(); err != nil {
		return false, err
	}
	defer func() {
		if serr := p.cfg.Source.Shutdown(); serr != nil {
			slog.Warn("capture shutdown failed", "pipeline", p.cfg.Name, "error", serr)
		}
	}()

	format := p.cfg.Source.Format()
	slog.Info("capture device ready",
		"pipeline", p.cfg.Name,
		"device", p.cfg.Source.Device(),
		"resolution", format.Resolution(),
		"pixel_format", format.PixelFormat.String(),
	)

	if first && p.cfg.Warmup > 0 {
		if err := p.runWarmup(ctx); err != nil {
			return true, err
		}
	}

	frames := framequeue.New[v4l2capture.Image](p.cfg.FrameQueue)
	payloads := framequeue.New[Payload](p.cfg.PayloadQueue)
	capture := NewCaptureLoop(p.cfg.Name, p.cfg.Source, frames, &p.metrics)
	process := NewProcessLoop(p.cfg.Name, frames, payloads, p.cfg.Processor, p.Cycle(), p.cfg.Sink, &p.metrics)
	sender := NewSenderLoop(p.cfg.Name, payloads, p.cfg.Sender, p.paused.Load, &p.metrics)

	p.mu.Lock()
	p.frames, p.payloads, p.process = frames, payloads, process
	p.state = StateStreaming
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		process.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sender.Run(ctx)
	}()

	err = capture.Run(ctx)
	wg.Wait()
	return true, err
}

// runWarmup measures the device frame rate and stretches the cycle when the
// camera is slower than it. Only device errors are returned.
func (p *Pipeline) runWarmup(ctx context.Context) error {
	slog.Info("warming up capture", "pipeline", p.cfg.Name, "duration", p.cfg.Warmup)

	stats, err := p.cfg.Source.Warmup(ctx, p.cfg.Warmup)
	var devErr *v4l2capture.DeviceError
	if errors.As(err, &devErr) {
		return err
	}
	if err != nil {
		slog.Warn("capture warm-up incomplete", "pipeline", p.cfg.Name, "error", err)
	}
	if stats == nil {
		return nil
	}

	p.mu.Lock()
	p.warmup = stats
	p.mu.Unlock()

	cycle := v4l2capture.SuggestCycle(stats, p.Cycle())
	slog.Info("capture warm-up complete",
		"pipeline", p.cfg.Name,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"stable", stats.IsStable,
		"cycle", cycle,
	)
	if cycle != p.Cycle() {
		p.SetCycle(cycle)
	}
	return nil
}

// Stop ends Run. Safe to call before Run or more than once.
func (p *Pipeline) Stop() {
	p.mu.RLock()
	cancel := p.cancel
	p.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// SetPaused pauses or resumes sending. Paused pipelines keep capturing and
// drop payloads at the sender.
func (p *Pipeline) SetPaused(paused bool) { p.paused.Store(paused) }

// Paused reports whether sending is paused.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// SetCycle changes the processing cycle of the running loop.
func (p *Pipeline) SetCycle(d time.Duration) {
	p.cycle.Store(int64(d))
	p.mu.RLock()
	process := p.process
	p.mu.RUnlock()
	if process != nil {
		process.SetCycle(d)
	}
}

// Cycle returns the processing cycle.
func (p *Pipeline) Cycle() time.Duration { return time.Duration(p.cycle.Load()) }

// State returns the lifecycle state.
func (p *Pipeline) State() PipelineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Metrics returns a snapshot of the pipeline counters.
func (p *Pipeline) Metrics() MetricsSnapshot { return p.metrics.Snapshot() }

// PipelineStatus is the full observable state of one view.
type PipelineStatus struct {
	Name         string                   `json:"name"`
	Device       string                   `json:"device"`
	State        PipelineState            `json:"state"`
	Paused       bool                     `json:"paused"`
	Resolution   string                   `json:"resolution,omitempty"`
	PixelFormat  string                   `json:"pixel_format,omitempty"`
	CycleMS      int64                    `json:"cycle_ms"`
	Metrics      MetricsSnapshot          `json:"metrics"`
	FrameQueue   framequeue.Stats         `json:"frame_queue"`
	PayloadQueue framequeue.Stats         `json:"payload_queue"`
	Capture      v4l2capture.Stats        `json:"capture"`
	Transport    udpstream.Stats          `json:"transport"`
	Warmup       *v4l2capture.WarmupStats `json:"warmup,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
	UptimeS      float64                  `json:"uptime_s"`
}

// Status collects the pipeline state, counters and queue stats.
func (p *Pipeline) Status() PipelineStatus {
	p.mu.RLock()
	st := PipelineStatus{
		Name:    p.cfg.Name,
		Device:  p.cfg.Source.Device(),
		State:   p.state,
		Warmup:  p.warmup,
		CycleMS: p.Cycle().Milliseconds(),
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	if !p.started.IsZero() {
		st.UptimeS = time.Since(p.started).Seconds()
	}
	frames, payloads := p.frames, p.payloads
	p.mu.RUnlock()

	if frames != nil {
		st.FrameQueue = frames.Stats()
	}
	if payloads != nil {
		st.PayloadQueue = payloads.Stats()
	}
	st.Paused = p.Paused()
	st.Metrics = p.metrics.Snapshot()
	st.Capture = p.cfg.Source.Stats()
	st.Transport = p.cfg.Sender.Stats()
	if st.State == StateStreaming {
		format := p.cfg.Source.Format()
		st.Resolution = format.Resolution()
		st.PixelFormat = format.PixelFormat.String()
	}
	return st
}

func (p *Pipeline) setState(s PipelineState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) setError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}
