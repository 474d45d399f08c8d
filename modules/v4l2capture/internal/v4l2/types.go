// Package v4l2 is a thin, cgo-free binding to the Video4Linux2 streaming
// capture API: format negotiation, mmap buffer rings and the QBUF/DQBUF
// protocol.
//
// Only the subset needed for single-planar mmap capture is covered. Struct
// layouts mirror <linux/videodev2.h> on 64-bit little-endian targets.
package v4l2

import "time"

// Buffer and capability constants from <linux/videodev2.h>.
const (
	BufTypeVideoCapture = 1
	MemoryMmap          = 1
	FieldNone           = 1

	CapVideoCapture = 0x00000001
	CapStreaming    = 0x04000000
	CapDeviceCaps   = 0x80000000

	BufFlagMapped = 0x00000001
	BufFlagQueued = 0x00000002
	BufFlagDone   = 0x00000004
	BufFlagError  = 0x00000040
)

// Capability is the decoded VIDIOC_QUERYCAP result.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// effective returns the capability set of the opened node.
func (c Capability) effective() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// CanCapture reports single-planar video capture support.
func (c Capability) CanCapture() bool { return c.effective()&CapVideoCapture != 0 }

// CanStream reports streaming I/O (mmap) support.
func (c Capability) CanStream() bool { return c.effective()&CapStreaming != 0 }

// PixFormat is the single-planar pixel format exchanged with VIDIOC_S_FMT.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
}

// Dequeued describes a buffer returned by VIDIOC_DQBUF.
type Dequeued struct {
	Index     uint32
	BytesUsed uint32
	Flags     uint32
	Sequence  uint32
	Timestamp time.Time
}

// struct v4l2_capability, 104 bytes
type rawCapability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// struct v4l2_pix_format, 48 bytes
type rawPixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// struct v4l2_requestbuffers, 20 bytes
type rawRequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

// struct v4l2_timecode, 16 bytes
type rawTimecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// struct v4l2_fract
type rawFract struct {
	numerator   uint32
	denominator uint32
}

// struct v4l2_captureparm, 40 bytes
type rawCaptureParm struct {
	capability   uint32
	capturemode  uint32
	timeperframe rawFract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

// struct v4l2_streamparm, 204 bytes
type rawStreamParm struct {
	typ     uint32
	capture rawCaptureParm
	_       [160]byte
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
