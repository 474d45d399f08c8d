package core

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// SessionSource adapts a v4l2capture.Session to CaptureSource.
type SessionSource struct {
	session *v4l2capture.Session
}

// NewSessionSource creates the capture session for one view.
func NewSessionSource(view config.View, cam config.CameraConfig) (*SessionSource, error) {
	format, err := v4l2capture.ParsePixelFormat(cam.PixelFormat)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", view.Name, err)
	}

	session, err := v4l2capture.NewSession(v4l2capture.Config{
		Name:        view.Name,
		Device:      view.Device,
		Width:       cam.Width,
		Height:      cam.Height,
		PixelFormat: format,
		FPS:         cam.FPS,
		Buffers:     cam.Buffers,
		PollTimeout: cam.PollTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", view.Name, err)
	}
	return &SessionSource{session: session}, nil
}

func (s *SessionSource) Initialize() error { return s.session.Initialize() }

func (s *SessionSource) Acquire() (CapturedFrame, error) {
	f, err := s.session.AcquireFrame()
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SessionSource) Warmup(ctx context.Context, d time.Duration) (*v4l2capture.WarmupStats, error) {
	return v4l2capture.Warmup(ctx, s.session, d)
}

func (s *SessionSource) Shutdown() error            { return s.session.Shutdown() }
func (s *SessionSource) Format() v4l2capture.Format { return s.session.Format() }
func (s *SessionSource) Stats() v4l2capture.Stats   { return s.session.Stats() }
func (s *SessionSource) Device() string             { return s.session.Config().Device }
