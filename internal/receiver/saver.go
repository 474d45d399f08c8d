package receiver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/orion-camlink/modules/framebus"
)

var jpegSOI = []byte{0xff, 0xd8}

// FrameSaver writes every Nth received frame of each view to disk.
//
// Frames arrive already JPEG-encoded and are written unchanged.
type FrameSaver struct {
	outputDir     string
	every         uint64
	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewFrameSaver creates a saver writing under outputDir. every < 1 saves all frames.
func NewFrameSaver(outputDir string, every int) (*FrameSaver, error) {
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if every < 1 {
		every = 1
	}
	return &FrameSaver{outputDir: outputDir, every: uint64(every)}, nil
}

// Run saves frames from ch until it is closed or ctx is done.
func (fs *FrameSaver) Run(ctx context.Context, ch <-chan framebus.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if frame.Seq%fs.every != 0 {
				continue
			}
			if err := fs.SaveFrame(frame); err != nil {
				slog.Warn("failed to save frame", "source", frame.Source, "seq", frame.Seq, "error", err)
			}
		}
	}
}

// SaveFrame writes one frame.
//
// Filename format: {source}/{source}_{seq:06d}_{timestamp}.jpg
// Example: top/top_000042_20251105_234517.123.jpg
func (fs *FrameSaver) SaveFrame(frame framebus.Frame) error {
	if !bytes.HasPrefix(frame.Data, jpegSOI) {
		fs.framesDropped.Add(1)
		return fmt.Errorf("not a JPEG payload (%d bytes)", len(frame.Data))
	}

	dir := filepath.Join(fs.outputDir, frame.Source)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("failed to create view directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%06d_%s.jpg",
		frame.Source,
		frame.Seq,
		frame.ReceivedAt.Format("20060102_150405.000"))

	if err := os.WriteFile(filepath.Join(dir, filename), frame.Data, 0644); err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("failed to write frame: %w", err)
	}

	fs.framesSaved.Add(1)
	return nil
}

// Stats returns current save statistics.
func (fs *FrameSaver) Stats() (saved, dropped uint64) {
	return fs.framesSaved.Load(), fs.framesDropped.Load()
}
