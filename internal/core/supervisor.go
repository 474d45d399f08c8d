package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// ReconnectConfig contains configuration for exponential backoff device reopen
type ReconnectConfig struct {
	Enabled       bool
	MaxRetries    int           // Maximum number of consecutive reopen attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:       true,
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectConfigFrom maps the reconnect config section.
func ReconnectConfigFrom(c config.ReconnectConfig) ReconnectConfig {
	return ReconnectConfig{
		Enabled:       c.IsEnabled(),
		MaxRetries:    c.MaxRetries,
		RetryDelay:    c.InitialDelay(),
		MaxRetryDelay: c.MaxDelay(),
	}
}

// ErrMaxRetries is returned when the device could not be reopened.
var ErrMaxRetries = errors.New("core: max reconnect retries exceeded")

// shouldReopen reports whether a pipeline failure may clear after reopening the device.
func shouldReopen(err error) bool {
	if errors.Is(err, v4l2capture.ErrRingCorrupted) {
		return true
	}
	return v4l2capture.ClassifyError(err).Recoverable()
}

// calculateBackoff calculates the exponential backoff delay for a given attempt
//
// Formula: delay = retryDelay * 2^(attempt-1)
// Cap: min(delay, maxRetryDelay)
//
// Example with default config (retryDelay=1s, maxRetryDelay=30s):
//   - Attempt 1: 1s
//   - Attempt 2: 2s
//   - Attempt 3: 4s
//   - Attempt 4: 8s
//   - Attempt 5: 16s
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// waitForDevice blocks until path exists, timeout elapses, or ctx is done.
//
// Returns true if the node is present. An unplugged camera comes back as a
// Create event in its directory; the watch covers that without polling.
func waitForDevice(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("device watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return false, fmt.Errorf("device watcher: watch %s: %w", filepath.Dir(path), err)
	}

	// Re-check after arming the watch; the node may have appeared in between
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case event, ok := <-watcher.Events:
			if !ok {
				return false, nil
			}
			if event.Name == path && event.Op&fsnotify.Create == fsnotify.Create {
				slog.Info("device node appeared", "device", path)
				return true, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false, nil
			}
			slog.Warn("device watcher error", "device", path, "error", err)
		}
	}
}
