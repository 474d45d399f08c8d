// Package warmup measures the real frame rate of a capture source before it
// is put into service.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSkip tells Collect that the source had no frame this round.
var ErrSkip = errors.New("warmup: no frame")

// NextFunc returns the capture timestamp of the next frame, ErrSkip when no
// frame was ready, or any other error to abort warmup.
type NextFunc func() (time.Time, error)

// Collect pulls frames through next for duration and returns their FPS
// statistics.
//
// Fails if ctx is cancelled, next returns a hard error, or fewer than two
// frames arrive. An unstable measurement is returned together with an error
// so callers can decide whether to continue.
func Collect(ctx context.Context, next NextFunc, duration time.Duration) (*Stats, error) {
	slog.Info("warmup: measuring capture rate", "duration", duration)

	start := time.Now()
	deadline := start.Add(duration)
	frameTimes := make([]time.Time, 0, 64)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ts, err := next()
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
		frameTimes = append(frameTimes, ts)
	}

	if len(frameTimes) < 2 {
		return nil, fmt.Errorf("warmup: not enough frames received (got %d, need at least 2)", len(frameTimes))
	}

	stats := CalculateFPSStats(frameTimes, time.Since(start))

	slog.Info("warmup: complete",
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		return stats, fmt.Errorf(
			"warmup: capture rate unstable (mean=%.2f Hz, stddev=%.2f, jitter=%.3fs)",
			stats.FPSMean, stats.FPSStdDev, stats.JitterMean,
		)
	}
	return stats, nil
}
