//go:build !(linux && (amd64 || arm64 || riscv64 || loong64))

package v4l2

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by Open on platforms without the 64-bit V4L2
// struct layouts.
var ErrUnsupported = errors.New("v4l2: unsupported platform")

// Device is unavailable on this platform.
type Device struct{}

func Open(path string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Capabilities() (Capability, error)           { return Capability{}, ErrUnsupported }
func (d *Device) SetFormat(f PixFormat) (PixFormat, error)    { return PixFormat{}, ErrUnsupported }
func (d *Device) SetFrameRate(fps uint32) (uint32, error)     { return 0, ErrUnsupported }
func (d *Device) RequestBuffers(count uint32) (uint32, error) { return 0, ErrUnsupported }
func (d *Device) MapBuffer(index uint32) ([]byte, error)      { return nil, ErrUnsupported }
func (d *Device) UnmapBuffer(data []byte) error               { return ErrUnsupported }
func (d *Device) Enqueue(index uint32) error                  { return ErrUnsupported }
func (d *Device) Dequeue() (Dequeued, error)                  { return Dequeued{}, ErrUnsupported }
func (d *Device) StreamOn() error                             { return ErrUnsupported }
func (d *Device) StreamOff() error                            { return ErrUnsupported }
func (d *Device) WaitReadable(time.Duration) (bool, error)    { return false, ErrUnsupported }
func (d *Device) Close() error                                { return nil }
