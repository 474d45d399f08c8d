//go:build linux && (amd64 || arm64 || riscv64 || loong64)

package v4l2

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// struct v4l2_format, 208 bytes on 64-bit: the fmt union is 8-byte aligned
// because struct v4l2_window carries pointers.
type rawFormat struct {
	typ uint32
	_   uint32
	pix rawPixFormat
	_   [152]byte
}

// struct v4l2_buffer, 88 bytes on 64-bit.
type rawBuffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp unix.Timeval
	timecode  rawTimecode
	sequence  uint32
	memory    uint32
	m         uint64 // union { offset; userptr; planes; fd }
	length    uint32
	reserved2 uint32
	requestFD uint32
	_         uint32
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocQueryCap  = ioc(iocRead, 0, unsafe.Sizeof(rawCapability{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(rawFormat{}))
	vidiocReqBufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(rawRequestBuffers{}))
	vidiocQueryBuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(rawBuffer{}))
	vidiocQBuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(rawBuffer{}))
	vidiocDQBuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(rawBuffer{}))
	vidiocStreamOn  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocSParm     = ioc(iocRead|iocWrite, 22, unsafe.Sizeof(rawStreamParm{}))
)

// Device is an open V4L2 capture node.
//
// Not safe for concurrent use.
type Device struct {
	fd   int
	path string
}

// Open opens path read-write and non-blocking; DQBUF then reports EAGAIN
// instead of sleeping, and waiting is done with WaitReadable.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{fd: fd, path: path}, nil
}

// ioctl retries on EINTR.
func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// Capabilities issues VIDIOC_QUERYCAP.
func (d *Device) Capabilities() (Capability, error) {
	var raw rawCapability
	if err := d.ioctl(vidiocQueryCap, unsafe.Pointer(&raw)); err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}
	return Capability{
		Driver:       cstring(raw.driver[:]),
		Card:         cstring(raw.card[:]),
		BusInfo:      cstring(raw.busInfo[:]),
		Version:      raw.version,
		Capabilities: raw.capabilities,
		DeviceCaps:   raw.deviceCaps,
	}, nil
}

// SetFormat issues VIDIOC_S_FMT and returns what the driver actually chose.
// Drivers adjust width/height to the nearest supported size without failing.
func (d *Device) SetFormat(f PixFormat) (PixFormat, error) {
	raw := rawFormat{typ: BufTypeVideoCapture}
	raw.pix.width = f.Width
	raw.pix.height = f.Height
	raw.pix.pixelformat = f.PixelFormat
	raw.pix.field = FieldNone

	if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&raw)); err != nil {
		return PixFormat{}, fmt.Errorf("VIDIOC_S_FMT: %w", err)
	}
	return PixFormat{
		Width:        raw.pix.width,
		Height:       raw.pix.height,
		PixelFormat:  raw.pix.pixelformat,
		Field:        raw.pix.field,
		BytesPerLine: raw.pix.bytesperline,
		SizeImage:    raw.pix.sizeimage,
	}, nil
}

// SetFrameRate requests fps frames per second through VIDIOC_S_PARM and
// returns the rate the driver granted (0 if it does not report one).
func (d *Device) SetFrameRate(fps uint32) (uint32, error) {
	raw := rawStreamParm{typ: BufTypeVideoCapture}
	raw.capture.timeperframe = rawFract{numerator: 1, denominator: fps}

	if err := d.ioctl(vidiocSParm, unsafe.Pointer(&raw)); err != nil {
		return 0, fmt.Errorf("VIDIOC_S_PARM: %w", err)
	}
	tpf := raw.capture.timeperframe
	if tpf.numerator == 0 {
		return 0, nil
	}
	return tpf.denominator / tpf.numerator, nil
}

// RequestBuffers issues VIDIOC_REQBUFS for mmap buffers. The driver may grant
// fewer than requested; count 0 frees the ring.
func (d *Device) RequestBuffers(count uint32) (uint32, error) {
	raw := rawRequestBuffers{
		count:  count,
		typ:    BufTypeVideoCapture,
		memory: MemoryMmap,
	}
	if err := d.ioctl(vidiocReqBufs, unsafe.Pointer(&raw)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	return raw.count, nil
}

// MapBuffer queries buffer index and maps it into memory.
func (d *Device) MapBuffer(index uint32) ([]byte, error) {
	raw := rawBuffer{
		index:  index,
		typ:    BufTypeVideoCapture,
		memory: MemoryMmap,
	}
	if err := d.ioctl(vidiocQueryBuf, unsafe.Pointer(&raw)); err != nil {
		return nil, fmt.Errorf("VIDIOC_QUERYBUF %d: %w", index, err)
	}

	offset := uint32(raw.m)
	data, err := unix.Mmap(d.fd, int64(offset), int(raw.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer %d: %w", index, err)
	}
	return data, nil
}

// UnmapBuffer releases a mapping created by MapBuffer.
func (d *Device) UnmapBuffer(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// Enqueue hands buffer index to the driver (VIDIOC_QBUF).
func (d *Device) Enqueue(index uint32) error {
	raw := rawBuffer{
		index:  index,
		typ:    BufTypeVideoCapture,
		memory: MemoryMmap,
	}
	if err := d.ioctl(vidiocQBuf, unsafe.Pointer(&raw)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", index, err)
	}
	return nil
}

// Dequeue takes a filled buffer from the driver (VIDIOC_DQBUF). With the node
// opened non-blocking, an empty outgoing queue yields unix.EAGAIN.
func (d *Device) Dequeue() (Dequeued, error) {
	raw := rawBuffer{
		typ:    BufTypeVideoCapture,
		memory: MemoryMmap,
	}
	if err := d.ioctl(vidiocDQBuf, unsafe.Pointer(&raw)); err != nil {
		return Dequeued{}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}
	return Dequeued{
		Index:     raw.index,
		BytesUsed: raw.bytesused,
		Flags:     raw.flags,
		Sequence:  raw.sequence,
		Timestamp: time.Unix(raw.timestamp.Unix()),
	}, nil
}

// StreamOn starts streaming (VIDIOC_STREAMON).
func (d *Device) StreamOn() error {
	typ := int32(BufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	return nil
}

// StreamOff stops streaming and returns every buffer to the dequeued state.
func (d *Device) StreamOff() error {
	typ := int32(BufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

// WaitReadable polls the node for a filled buffer. It returns false when the
// timeout elapses first. EINTR is reported as a timeout.
func (d *Device) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll %s: %w", d.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
		return false, fmt.Errorf("poll %s: revents 0x%x: %w", d.path, fds[0].Revents, unix.EIO)
	}
	return true, nil
}

// Close closes the device node.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
