package v4l2capture

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-camlink/modules/v4l2capture/internal/warmup"
)

// CalculateFPSStats calculates FPS statistics from frame timestamps
//
// Public wrapper around internal/warmup.CalculateFPSStats.
//
// Stability threshold:
//   - FPS: stddev < 15% of mean FPS
//   - Jitter: mean jitter < 20% of expected interval
//
// Example: 30 FPS mean → stable if stddev < 4.5 AND jitter < 0.007s
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) *WarmupStats {
	return toWarmupStats(warmup.CalculateFPSStats(frameTimes, totalDuration))
}

// SuggestCycle returns the processing cycle to use for a measured source: the
// configured cycle, stretched to 1.1x the frame interval when the camera
// delivers slower than that.
func SuggestCycle(stats *WarmupStats, configured time.Duration) time.Duration {
	if stats == nil {
		return configured
	}
	return warmup.SuggestCycle(&warmup.Stats{FPSMean: stats.FPSMean}, configured)
}

// Warmup acquires and releases frames for duration and measures the real
// frame rate of the device. The session must be streaming.
//
// An unstable measurement is returned together with an error; callers may log
// it and continue.
func Warmup(ctx context.Context, s *Session, duration time.Duration) (*WarmupStats, error) {
	next := func() (time.Time, error) {
		f, err := s.AcquireFrame()
		if errors.Is(err, ErrNoFrameAvailable) {
			return time.Time{}, warmup.ErrSkip
		}
		if err != nil {
			return time.Time{}, err
		}
		ts := f.Timestamp()
		if err := f.Release(); err != nil {
			return time.Time{}, err
		}
		return ts, nil
	}

	stats, err := warmup.Collect(ctx, next, duration)
	if stats == nil {
		return nil, err
	}
	return toWarmupStats(stats), err
}

func toWarmupStats(s *warmup.Stats) *WarmupStats {
	return &WarmupStats{
		FramesReceived: s.FramesReceived,
		Duration:       s.Duration,
		FPSMean:        s.FPSMean,
		FPSStdDev:      s.FPSStdDev,
		FPSMin:         s.FPSMin,
		FPSMax:         s.FPSMax,
		IsStable:       s.IsStable,
		JitterMean:     s.JitterMean,
		JitterStdDev:   s.JitterStdDev,
		JitterMax:      s.JitterMax,
	}
}
