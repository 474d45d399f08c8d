package v4l2capture

import (
	"fmt"
	"time"
)

// PixelFormat is a V4L2 fourcc pixel format code.
type PixelFormat uint32

// fourcc packs four ASCII characters little-endian, like v4l2_fourcc().
func fourcc(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Pixel formats understood by the processors.
var (
	PixelFormatMJPEG = fourcc('M', 'J', 'P', 'G')
	PixelFormatJPEG  = fourcc('J', 'P', 'E', 'G')
	PixelFormatYUYV  = fourcc('Y', 'U', 'Y', 'V')
	PixelFormatRGB24 = fourcc('R', 'G', 'B', '3')
	PixelFormatGrey  = fourcc('G', 'R', 'E', 'Y')
)

// String returns the fourcc characters, e.g. "MJPG".
func (p PixelFormat) String() string {
	b := []byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(p))
		}
	}
	return string(b)
}

// IsCompressed reports whether frames of this format are self-contained JPEG
// images rather than raw pixel planes.
func (p PixelFormat) IsCompressed() bool {
	return p == PixelFormatMJPEG || p == PixelFormatJPEG
}

// ParsePixelFormat parses a four-character fourcc string such as "MJPG".
func ParsePixelFormat(s string) (PixelFormat, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("v4l2capture: pixel format %q must be 4 characters", s)
	}
	return fourcc(s[0], s[1], s[2], s[3]), nil
}

// Format is the negotiated capture format.
type Format struct {
	Width        int
	Height       int
	PixelFormat  PixelFormat
	BytesPerLine int
	SizeImage    int
}

// Resolution returns "WxH".
func (f Format) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateClosed State = iota
	StateOpened
	StateFormatNegotiated
	StateBuffersMapped
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateFormatNegotiated:
		return "format_negotiated"
	case StateBuffersMapped:
		return "buffers_mapped"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config contains configuration for one capture session.
type Config struct {
	// Name identifies the view (e.g. "top", "bottom"); copied into Image.Source
	Name string
	// Device is the device node path (required)
	Device string
	// Width and Height are the requested dimensions; the driver may reduce them
	Width  int
	Height int
	// PixelFormat requested from the driver (default MJPEG)
	PixelFormat PixelFormat
	// FPS requested through VIDIOC_S_PARM; 0 keeps the driver default
	FPS int
	// Buffers is the mmap ring size, 1..MaxBuffers (default 4)
	Buffers int
	// PollTimeout bounds each AcquireFrame wait (default 1s)
	PollTimeout time.Duration
}

const (
	// MaxBuffers is the largest ring accepted by NewSession.
	MaxBuffers = 8

	DefaultBuffers     = 4
	DefaultPollTimeout = time.Second
)

// Image is an owned copy of a captured frame, safe to hand across goroutines.
type Image struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Seq       uint64
	Timestamp time.Time
	// Source is the session name
	Source string
	// TraceID follows the frame through processing and metadata emission
	TraceID string
}

// Stats contains current capture statistics.
type Stats struct {
	Device string
	State  string
	Format Format
	// Buffers is the ring size granted by the driver
	Buffers int
	// InFlight is the number of buffers currently WithConsumer
	InFlight int

	FramesAcquired uint64
	FramesReleased uint64
	// NoFrame counts poll timeouts and would-block dequeues
	NoFrame uint64
	// Corrupted counts frames the driver flagged with V4L2_BUF_FLAG_ERROR
	Corrupted uint64
	Errors    uint64

	// FPSReal is frames acquired per second since streaming started
	FPSReal     float64
	LastFrameAt time.Time
}

// WarmupStats contains statistics collected during capture warm-up.
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	// IsStable is true if stddev < 15% of mean and jitter < 20% of interval
	IsStable     bool
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64
}
