package v4l2capture

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNoFrameAvailable is returned by AcquireFrame when no filled buffer
	// arrived within the poll timeout. It is transient; callers retry.
	ErrNoFrameAvailable = errors.New("v4l2capture: no frame available")

	// ErrFrameReleased is returned when a Frame is released more than once or
	// used after release.
	ErrFrameReleased = errors.New("v4l2capture: frame already released")

	// ErrSessionClosed is returned by operations on a session that is not
	// streaming.
	ErrSessionClosed = errors.New("v4l2capture: session not streaming")

	// ErrNotCaptureDevice is returned when the node lacks video capture or
	// streaming I/O capability.
	ErrNotCaptureDevice = errors.New("v4l2capture: not a streaming capture device")

	// ErrNoBuffers is returned when the driver grants zero buffers.
	ErrNoBuffers = errors.New("v4l2capture: driver granted no buffers")

	// ErrRingCorrupted is returned when the driver hands back a buffer that is
	// still held by a consumer.
	ErrRingCorrupted = errors.New("v4l2capture: dequeued buffer still held by consumer")
)

// ErrorCategory represents the classification of capture errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryTransient indicates a retry will likely succeed (EAGAIN, EINTR, timeouts)
	ErrCategoryTransient ErrorCategory = iota
	// ErrCategoryDeviceGone indicates the device node disappeared (unplugged camera)
	ErrCategoryDeviceGone
	// ErrCategoryIO indicates a driver or bus I/O failure
	ErrCategoryIO
	// ErrCategoryConfig indicates the request itself was rejected (format, permissions)
	ErrCategoryConfig
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryTransient:
		return "transient"
	case ErrCategoryDeviceGone:
		return "device_gone"
	case ErrCategoryIO:
		return "io"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Recoverable reports whether reopening the device may clear the error.
func (e ErrorCategory) Recoverable() bool {
	return e == ErrCategoryTransient || e == ErrCategoryDeviceGone || e == ErrCategoryIO
}

// ClassifyError categorizes a capture error by its errno.
//
// A supervisor uses the category to decide between retrying in place,
// waiting for the device node to come back, or giving up.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}
	if errors.Is(err, ErrNoFrameAvailable) {
		return ErrCategoryTransient
	}
	if errors.Is(err, ErrNotCaptureDevice) {
		return ErrCategoryConfig
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		return ErrCategoryUnknown
	}
	switch errno {
	case unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return ErrCategoryTransient
	case unix.ENODEV, unix.ENOENT, unix.ENXIO:
		return ErrCategoryDeviceGone
	case unix.EIO, unix.EPIPE:
		return ErrCategoryIO
	case unix.EINVAL, unix.EBUSY, unix.EACCES, unix.EPERM, unix.ENOTTY:
		return ErrCategoryConfig
	default:
		return ErrCategoryUnknown
	}
}

// DeviceError wraps a failed device operation with its path and category.
type DeviceError struct {
	Op       string
	Path     string
	Category ErrorCategory
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("v4l2capture: %s %s (%s): %v", e.Op, e.Path, e.Category, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func newDeviceError(op, path string, err error) *DeviceError {
	return &DeviceError{Op: op, Path: path, Category: ClassifyError(err), Err: err}
}
