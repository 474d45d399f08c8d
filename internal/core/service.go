package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/internal/control"
	"github.com/e7canasta/orion-camlink/internal/emitter"
	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/udpstream"
)

// Service is the streaming daemon: one pipeline per enabled camera view plus
// the MQTT emitter, the control plane and the health server.
type Service struct {
	cfg *config.Config

	// Core components
	pipelines      []*Pipeline
	emitter        *emitter.MQTTEmitter // nil when no broker is configured
	controlHandler *control.Handler
	healthServer   *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// NewService builds the pipelines for every enabled view.
//
// Capture sessions are validated here but devices are only opened by Run.
func NewService(cfg *config.Config) (*Service, error) {
	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"views", len(cfg.Views()),
		"processor", cfg.ImageProcessor.Kind,
		"dest_ip", cfg.Network.DestIP,
	)

	s := &Service{cfg: cfg}
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	for _, view := range cfg.Views() {
		p, err := s.buildPipeline(view)
		if err != nil {
			s.closeSenders()
			return nil, err
		}
		s.pipelines = append(s.pipelines, p)
	}

	return s, nil
}

func (s *Service) buildPipeline(view config.View) (*Pipeline, error) {
	src, err := NewSessionSource(view, s.cfg.Camera)
	if err != nil {
		return nil, err
	}

	proc, err := processor.New(s.cfg.ImageProcessor.Kind, processor.OptionsFromConfig(s.cfg.ImageProcessor))
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", view.Name, err)
	}

	addr := net.JoinHostPort(s.cfg.Network.DestIP, strconv.Itoa(view.Port))
	transport, err := udpstream.Dial(addr, TransportConfigFrom(s.cfg.Transport))
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", view.Name, err)
	}

	var sink MetadataSink
	if s.emitter != nil {
		sink = s.emitter
	}

	p, err := NewPipeline(PipelineConfig{
		Name:         view.Name,
		Source:       src,
		Processor:    proc,
		Sender:       transport,
		Sink:         sink,
		FrameQueue:   s.cfg.Queues.Frames,
		PayloadQueue: s.cfg.Queues.Payloads,
		Cycle:        s.cfg.Cycle(),
		Warmup:       time.Duration(s.cfg.WarmupS) * time.Second,
		Reconnect:    ReconnectConfigFrom(s.cfg.Reconnect),
	})
	if err != nil {
		transport.Close()
		return nil, err
	}

	slog.Info("pipeline configured",
		"pipeline", view.Name,
		"device", view.Device,
		"dest", addr,
		"chunk_size", s.cfg.Transport.ChunkSize,
	)
	return p, nil
}

// TransportConfigFrom maps the transport config section.
func TransportConfigFrom(c config.TransportConfig) udpstream.Config {
	return udpstream.Config{
		ChunkSize:    c.ChunkSize,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: time.Duration(c.RetryBackoffUS) * time.Microsecond,
		PaceEvery:    c.PaceEvery,
		PaceDelay:    time.Duration(c.PaceDelayUS) * time.Microsecond,
	}
}

// Pipelines returns the configured pipelines.
func (s *Service) Pipelines() []*Pipeline { return s.pipelines }

// Run starts the service and blocks until ctx is cancelled, a shutdown
// command arrives, or every pipeline has ended.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	// Create cancellable context for MQTT shutdown command
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("camlink service starting",
		"instance_id", s.cfg.InstanceID,
		"pipelines", len(s.pipelines),
	)

	if s.emitter != nil {
		s.startMQTT(ctx)
	}

	pipeErrs := make(chan error, len(s.pipelines))
	for _, p := range s.pipelines {
		s.wg.Add(1)
		go func(p *Pipeline) {
			defer s.wg.Done()
			pipeErrs <- p.Run(ctx)
		}(p)
	}

	// Start periodic stats logging
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx, 10*time.Second)
	}()

	slog.Info("camlink service running", "pipelines", len(s.pipelines))

	var errs []error
	for running := len(s.pipelines); running > 0; {
		select {
		case err := <-pipeErrs:
			running--
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			slog.Info("camlink service run loop exiting")
			return nil
		}
	}

	slog.Warn("all pipelines ended", "failed", len(errs))
	return errors.Join(errs...)
}

// startMQTT connects the emitter and control plane. MQTT is auxiliary:
// failures are logged and streaming continues.
func (s *Service) startMQTT(ctx context.Context) {
	if err := s.emitter.Connect(ctx); err != nil {
		slog.Warn("mqtt unavailable, continuing without control plane", "error", err)
		return
	}

	handler := control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
		OnGetStatus: s.getStatus,
		OnPause:     s.pauseStreaming,
		OnResume:    s.resumeStreaming,
		OnSetCycle:  s.setCycle,
		OnShutdown:  s.shutdownViaControl,
	})
	if err := handler.Start(ctx); err != nil {
		slog.Warn("failed to start control plane", "error", err)
	} else {
		s.mu.Lock()
		s.controlHandler = handler
		s.mu.Unlock()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.emitter.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.publishHealth(ctx, 10*time.Second)
	}()
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	healthServer := s.healthServer
	controlHandler := s.controlHandler
	s.mu.Unlock()

	slog.Info("shutting down camlink service")

	// 1. Stop pipelines (capture loops exit within one poll timeout)
	for _, p := range s.pipelines {
		p.Stop()
	}
	if cancel != nil {
		cancel()
	}

	// 2. Stop control plane
	if controlHandler != nil {
		if err := controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Wait for goroutines to finish
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		shutdownErr = fmt.Errorf("shutdown timed out waiting for pipelines: %w", ctx.Err())
	}

	// 4. Close sockets, MQTT and the health server
	s.closeSenders()
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}
	if healthServer != nil {
		if err := healthServer.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("camlink service shutdown complete", "uptime", uptime)
	return shutdownErr
}

func (s *Service) closeSenders() {
	for _, p := range s.pipelines {
		if err := p.cfg.Sender.Close(); err != nil {
			slog.Warn("failed to close transport", "pipeline", p.Name(), "error", err)
		}
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	if t := s.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}
