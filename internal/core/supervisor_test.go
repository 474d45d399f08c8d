package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultReconnectConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{31, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestReconnectConfigFrom(t *testing.T) {
	disabled := false
	rc := ReconnectConfigFrom(config.ReconnectConfig{
		Enabled:        &disabled,
		MaxRetries:     7,
		InitialDelayMS: 200,
		MaxDelayMS:     5000,
	})
	assert.False(t, rc.Enabled)
	assert.Equal(t, 7, rc.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, rc.RetryDelay)
	assert.Equal(t, 5*time.Second, rc.MaxRetryDelay)

	assert.True(t, ReconnectConfigFrom(config.ReconnectConfig{}).Enabled)
}

func TestShouldReopen(t *testing.T) {
	assert.True(t, shouldReopen(errUnplugged))
	assert.True(t, shouldReopen(v4l2capture.ErrRingCorrupted))
	assert.True(t, shouldReopen(&v4l2capture.DeviceError{Op: "dqbuf", Err: unix.EIO}))
	assert.False(t, shouldReopen(&v4l2capture.DeviceError{Op: "s_fmt", Err: unix.EINVAL}))
	assert.False(t, shouldReopen(v4l2capture.ErrNotCaptureDevice))
	assert.False(t, shouldReopen(errors.New("unclassified")))
}

func TestWaitForDeviceAlreadyPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ok, err := waitForDevice(context.Background(), path, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForDeviceAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video0")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, nil, 0o600)
	}()

	ok, err := waitForDevice(context.Background(), path, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForDeviceTimeout(t *testing.T) {
	dir := t.TempDir()

	start := time.Now()
	ok, err := waitForDevice(context.Background(), filepath.Join(dir, "video0"), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// unrelated nodes do not end the wait
	go os.WriteFile(filepath.Join(dir, "video1"), nil, 0o600)
	ok, err = waitForDevice(context.Background(), filepath.Join(dir, "video0"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitForDeviceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := waitForDevice(ctx, filepath.Join(t.TempDir(), "video0"), time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestWaitForDeviceMissingDirectory(t *testing.T) {
	_, err := waitForDevice(context.Background(), "/nonexistent-camlink/video0", time.Second)
	assert.Error(t, err)
}
