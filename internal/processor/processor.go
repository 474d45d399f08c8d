// Package processor turns captured frames into the payload streamed to the viewer.
package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

var (
	// ErrEmptyFrame is returned for frames with no bytes.
	ErrEmptyFrame = errors.New("processor: empty frame")
	// ErrUnsupportedFormat is returned when a strategy cannot read the pixel format.
	ErrUnsupportedFormat = errors.New("processor: unsupported pixel format")
)

// Input is one captured frame, owned by the processor for the duration of the call.
type Input struct {
	Source     string
	Data       []byte
	Width      int
	Height     int
	Format     v4l2capture.PixelFormat
	Seq        uint64
	CapturedAt time.Time
	TraceID    string
}

// InputFromImage adapts a cloned capture image.
func InputFromImage(img v4l2capture.Image) Input {
	return Input{
		Source:     img.Source,
		Data:       img.Data,
		Width:      img.Width,
		Height:     img.Height,
		Format:     img.Format,
		Seq:        img.Seq,
		CapturedAt: img.Timestamp,
		TraceID:    img.TraceID,
	}
}

// Metadata describes a processed frame. Published on MQTT as msgpack.
type Metadata struct {
	Source      string    `msgpack:"source" json:"source"`
	Seq         uint64    `msgpack:"seq" json:"seq"`
	TraceID     string    `msgpack:"trace_id" json:"trace_id"`
	Processor   string    `msgpack:"processor" json:"processor"`
	Width       int       `msgpack:"width" json:"width"`
	Height      int       `msgpack:"height" json:"height"`
	InputBytes  int       `msgpack:"input_bytes" json:"input_bytes"`
	OutputBytes int       `msgpack:"output_bytes" json:"output_bytes"`
	CapturedAt  time.Time `msgpack:"captured_at" json:"captured_at"`
	LatencyMS   float64   `msgpack:"latency_ms" json:"latency_ms"`

	// Analysis only
	Threshold       *uint8  `msgpack:"threshold,omitempty" json:"threshold,omitempty"`
	ForegroundRatio float64 `msgpack:"foreground_ratio,omitempty" json:"foreground_ratio,omitempty"`
	BoundaryPixels  int     `msgpack:"boundary_pixels,omitempty" json:"boundary_pixels,omitempty"`
}

// Output is the encoded payload plus its metadata.
type Output struct {
	Payload  []byte
	Metadata Metadata
}

// FrameProcessor converts one frame into a payload.
//
// Implementations are stateless per call and safe to use from a single
// goroutine; each pipeline owns its own instance.
type FrameProcessor interface {
	// Name identifies the strategy (passthrough, jpeg, analysis)
	Name() string
	// Process converts the frame. An error means there is nothing to send.
	Process(in Input) (Output, error)
}

// Options tunes the image strategies.
type Options struct {
	Quality     int     // JPEG quality 1-100
	ResizeWidth int     // 0 keeps the input width
	Contrast    float64 // alpha
	Brightness  float64 // beta
	Blur        bool
}

// OptionsFromConfig maps the image_processor config section.
func OptionsFromConfig(c config.ProcessorConfig) Options {
	return Options{
		Quality:     c.JPEGQuality,
		ResizeWidth: c.ResizeWidth,
		Contrast:    c.Contrast,
		Brightness:  c.Brightness,
		Blur:        c.Blur,
	}
}

// New returns the strategy named kind.
func New(kind string, opts Options) (FrameProcessor, error) {
	if opts.Quality == 0 {
		opts.Quality = 80
	}
	if opts.Contrast == 0 {
		opts.Contrast = 1.0
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, fmt.Errorf("processor: jpeg quality must be in 1-100, got %d", opts.Quality)
	}
	if opts.ResizeWidth < 0 {
		return nil, fmt.Errorf("processor: resize width must be >= 0, got %d", opts.ResizeWidth)
	}

	switch kind {
	case "passthrough":
		return Passthrough{}, nil
	case "jpeg", "":
		return &JPEG{opts: opts}, nil
	case "analysis":
		return &Analysis{opts: opts}, nil
	default:
		return nil, fmt.Errorf("processor: unknown kind %q", kind)
	}
}

func baseMetadata(name string, in Input) Metadata {
	return Metadata{
		Source:     in.Source,
		Seq:        in.Seq,
		TraceID:    in.TraceID,
		Processor:  name,
		Width:      in.Width,
		Height:     in.Height,
		InputBytes: len(in.Data),
		CapturedAt: in.CapturedAt,
	}
}

func finish(out *Output, start time.Time) {
	out.Metadata.OutputBytes = len(out.Payload)
	out.Metadata.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
}
