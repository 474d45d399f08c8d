package core

import (
	"fmt"
	"log/slog"
	"time"
)

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	pipelines := make([]PipelineStatus, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p.Status())
	}

	// Build configuration metadata
	cfg := map[string]interface{}{
		"camera": map[string]interface{}{
			"width":        s.cfg.Camera.Width,
			"height":       s.cfg.Camera.Height,
			"pixel_format": s.cfg.Camera.PixelFormat,
		},
		"processor": s.cfg.ImageProcessor.Kind,
		"network": map[string]interface{}{
			"dest_ip":          s.cfg.Network.DestIP,
			"top_view_port":    s.cfg.Network.TopViewPort,
			"bottom_view_port": s.cfg.Network.BottomViewPort,
		},
		"chunk_size": s.cfg.Transport.ChunkSize,
	}

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"pipelines":   pipelines,
		"config":      cfg,
	}
	if s.emitter != nil {
		status["emitter"] = s.emitter.Stats()
	}

	return status
}

// pipelinesFor resolves a view name; "" selects every pipeline.
func (s *Service) pipelinesFor(view string) ([]*Pipeline, error) {
	if view == "" {
		return s.pipelines, nil
	}
	for _, p := range s.pipelines {
		if p.Name() == view {
			return []*Pipeline{p}, nil
		}
	}
	return nil, fmt.Errorf("unknown view: %s", view)
}

// pauseStreaming stops sending for one view or all of them
func (s *Service) pauseStreaming(view string) error {
	return s.setPaused(view, true)
}

// resumeStreaming resumes sending for one view or all of them
func (s *Service) resumeStreaming(view string) error {
	return s.setPaused(view, false)
}

func (s *Service) setPaused(view string, paused bool) error {
	targets, err := s.pipelinesFor(view)
	if err != nil {
		return err
	}

	changed := 0
	for _, p := range targets {
		if p.Paused() != paused {
			p.SetPaused(paused)
			changed++
		}
	}
	if changed == 0 {
		if paused {
			return fmt.Errorf("already paused")
		}
		return fmt.Errorf("not paused")
	}

	slog.Info("streaming state changed", "view", viewLabel(view), "paused", paused, "pipelines", changed)
	return nil
}

// setCycle updates the processing cycle of every pipeline
func (s *Service) setCycle(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid cycle: %s", d)
	}

	for _, p := range s.pipelines {
		old := p.Cycle()
		p.SetCycle(d)
		slog.Info("processing cycle updated", "pipeline", p.Name(), "old_cycle", old, "new_cycle", d)
	}
	return nil
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}

	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	// Run returns; main handles the shutdown sequence
	s.cancelCtx()
	return nil
}

func viewLabel(view string) string {
	if view == "" {
		return "all"
	}
	return view
}
