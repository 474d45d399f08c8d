package core

import (
	"context"
	"time"

	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/udpstream"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// CaptureSource provides frames from one camera device
type CaptureSource interface {
	// Initialize opens the device and starts streaming
	Initialize() error
	// Acquire waits for the next frame (bounded by the poll timeout)
	Acquire() (CapturedFrame, error)
	// Warmup measures the real frame rate while streaming
	Warmup(ctx context.Context, d time.Duration) (*v4l2capture.WarmupStats, error)
	// Shutdown stops streaming and releases the device
	Shutdown() error
	// Format returns the negotiated format
	Format() v4l2capture.Format
	// Stats returns capture statistics
	Stats() v4l2capture.Stats
	// Device returns the device node path
	Device() string
}

// CapturedFrame borrows one ring buffer until released
type CapturedFrame interface {
	Clone() (v4l2capture.Image, error)
	Release() error
}

// PayloadSender pushes one payload to the viewer
type PayloadSender interface {
	Send(payload []byte) error
	Stats() udpstream.Stats
	Close() error
}

// MetadataSink receives per-frame metadata (non-blocking)
type MetadataSink interface {
	EmitMetadata(meta processor.Metadata)
}
