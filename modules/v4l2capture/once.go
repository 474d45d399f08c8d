package v4l2capture

import (
	"errors"
	"fmt"
	"time"
)

// CaptureOnce opens the device, grabs the first good frame within timeout and
// closes the device again. Used by probes and one-shot snapshots.
func CaptureOnce(cfg Config, timeout time.Duration) (Image, error) {
	s, err := NewSession(cfg)
	if err != nil {
		return Image{}, err
	}
	return captureOnce(s, timeout)
}

func captureOnce(s *Session, timeout time.Duration) (img Image, err error) {
	if err := s.Initialize(); err != nil {
		return Image{}, err
	}
	defer func() {
		if serr := s.Shutdown(); serr != nil && err == nil {
			err = serr
		}
	}()

	deadline := time.Now().Add(timeout)
	for {
		f, err := s.AcquireFrame()
		if errors.Is(err, ErrNoFrameAvailable) {
			if time.Now().After(deadline) {
				return Image{}, fmt.Errorf("v4l2capture: no frame from %s within %v: %w", s.cfg.Device, timeout, err)
			}
			continue
		}
		if err != nil {
			return Image{}, err
		}

		img, cerr := f.Clone()
		if rerr := f.Release(); rerr != nil && cerr == nil {
			cerr = rerr
		}
		return img, cerr
	}
}
