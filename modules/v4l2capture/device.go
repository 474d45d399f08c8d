package v4l2capture

import (
	"time"

	"github.com/e7canasta/orion-camlink/modules/v4l2capture/internal/v4l2"
)

// device is the subset of the V4L2 node the session drives. The real
// implementation is *v4l2.Device; tests substitute a scripted fake.
type device interface {
	Capabilities() (v4l2.Capability, error)
	SetFormat(v4l2.PixFormat) (v4l2.PixFormat, error)
	SetFrameRate(fps uint32) (uint32, error)
	RequestBuffers(count uint32) (uint32, error)
	MapBuffer(index uint32) ([]byte, error)
	UnmapBuffer(data []byte) error
	Enqueue(index uint32) error
	Dequeue() (v4l2.Dequeued, error)
	StreamOn() error
	StreamOff() error
	WaitReadable(timeout time.Duration) (bool, error)
	Close() error
}

type openFunc func(path string) (device, error)

func openV4L2(path string) (device, error) {
	d, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}
