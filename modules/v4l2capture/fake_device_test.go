package v4l2capture

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-camlink/modules/v4l2capture/internal/v4l2"
)

// fakeDevice models the driver side of the buffer ring: Enqueue puts a slot in
// the incoming queue, fill() lets the "hardware" write the oldest queued slot
// and moves it to the outgoing queue, Dequeue hands it back.
//
// Protocol violations (queueing a slot twice, handing out a slot that was
// never re-queued) are recorded instead of panicking so tests can assert on them.
type fakeDevice struct {
	mu sync.Mutex

	caps       v4l2.Capability
	negotiated *v4l2.PixFormat
	grant      uint32
	bufSize    int
	// sleepOnTimeout makes WaitReadable block for the full timeout when idle
	sleepOnTimeout bool
	// spuriousWake makes WaitReadable report readiness with nothing to dequeue
	spuriousWake bool
	failOn       map[string]error
	// failMapAt fails MapBuffer for this index (-1 disables)
	failMapAt int
	// realMmap backs the ring with anonymous mappings that UnmapBuffer
	// really unmaps, so touching a stale buffer faults
	realMmap bool

	buffers   [][]byte
	incoming  []uint32
	queued    map[uint32]bool
	outgoing  []uint32
	withUser  map[uint32]bool
	errorNext bool
	streaming bool
	closed    bool
	unmapped  int
	filled    uint32

	violations []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		caps: v4l2.Capability{
			Driver:       "fake",
			Card:         "Fake Webcam",
			Capabilities: v4l2.CapVideoCapture | v4l2.CapStreaming,
		},
		grant:     4,
		bufSize:   64,
		failMapAt: -1,
		failOn:    map[string]error{},
		queued:    map[uint32]bool{},
		withUser:  map[uint32]bool{},
	}
}

func (d *fakeDevice) fail(op string) error {
	if err, ok := d.failOn[op]; ok {
		return err
	}
	return nil
}

func (d *fakeDevice) Capabilities() (v4l2.Capability, error) {
	if err := d.fail("querycap"); err != nil {
		return v4l2.Capability{}, err
	}
	return d.caps, nil
}

func (d *fakeDevice) SetFormat(f v4l2.PixFormat) (v4l2.PixFormat, error) {
	if err := d.fail("set_format"); err != nil {
		return v4l2.PixFormat{}, err
	}
	if d.negotiated != nil {
		return *d.negotiated, nil
	}
	f.BytesPerLine = f.Width * 2
	f.SizeImage = f.Width * f.Height * 2
	return f, nil
}

func (d *fakeDevice) SetFrameRate(fps uint32) (uint32, error) {
	if err := d.fail("set_fps"); err != nil {
		return 0, err
	}
	return fps, nil
}

func (d *fakeDevice) RequestBuffers(count uint32) (uint32, error) {
	if err := d.fail("reqbufs"); err != nil && count > 0 {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if count > d.grant {
		count = d.grant
	}
	d.mu.Lock()
	d.buffers = make([][]byte, count)
	d.mu.Unlock()
	return count, nil
}

func (d *fakeDevice) MapBuffer(index uint32) ([]byte, error) {
	if int(index) == d.failMapAt {
		return nil, fmt.Errorf("mmap buffer %d: %w", index, unix.ENOMEM)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.realMmap {
		data, err := unix.Mmap(-1, 0, d.bufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, err
		}
		d.buffers[index] = data
		return data, nil
	}
	d.buffers[index] = make([]byte, d.bufSize)
	return d.buffers[index], nil
}

func (d *fakeDevice) UnmapBuffer(data []byte) error {
	d.unmapped++
	if d.realMmap {
		return unix.Munmap(data)
	}
	return nil
}

func (d *fakeDevice) Enqueue(index uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fail("qbuf"); err != nil {
		return err
	}
	if d.queued[index] {
		d.violations = append(d.violations, fmt.Sprintf("index %d queued twice", index))
		return fmt.Errorf("VIDIOC_QBUF %d: %w", index, unix.EINVAL)
	}
	delete(d.withUser, index)
	d.queued[index] = true
	d.incoming = append(d.incoming, index)
	return nil
}

// fill simulates the hardware completing the oldest queued buffer. Returns
// false when the driver has no buffer to write into.
func (d *fakeDevice) fill() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.incoming) == 0 {
		return false
	}
	idx := d.incoming[0]
	d.incoming = d.incoming[1:]
	d.filled++
	for i := range d.buffers[idx] {
		d.buffers[idx][i] = byte(d.filled)
	}
	d.outgoing = append(d.outgoing, idx)
	return true
}

func (d *fakeDevice) Dequeue() (v4l2.Dequeued, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fail("dqbuf"); err != nil {
		return v4l2.Dequeued{}, err
	}
	if len(d.outgoing) == 0 {
		return v4l2.Dequeued{}, fmt.Errorf("VIDIOC_DQBUF: %w", unix.EAGAIN)
	}
	idx := d.outgoing[0]
	d.outgoing = d.outgoing[1:]

	if d.withUser[idx] {
		d.violations = append(d.violations, fmt.Sprintf("index %d dequeued twice without release", idx))
	}
	d.withUser[idx] = true
	delete(d.queued, idx)

	var flags uint32 = v4l2.BufFlagDone
	if d.errorNext {
		flags |= v4l2.BufFlagError
		d.errorNext = false
	}
	return v4l2.Dequeued{
		Index:     idx,
		BytesUsed: uint32(len(d.buffers[idx])),
		Flags:     flags,
		Sequence:  d.filled,
		Timestamp: time.Now(),
	}, nil
}

func (d *fakeDevice) StreamOn() error {
	if err := d.fail("streamon"); err != nil {
		return err
	}
	d.streaming = true
	return nil
}

func (d *fakeDevice) StreamOff() error {
	d.streaming = false
	d.mu.Lock()
	d.incoming = nil
	d.outgoing = nil
	d.queued = map[uint32]bool{}
	d.withUser = map[uint32]bool{}
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) WaitReadable(timeout time.Duration) (bool, error) {
	if err := d.fail("poll"); err != nil {
		return false, err
	}
	d.mu.Lock()
	ready := len(d.outgoing) > 0
	d.mu.Unlock()

	if ready || d.spuriousWake {
		return true, nil
	}
	if d.sleepOnTimeout {
		time.Sleep(timeout)
	}
	return false, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// newFakeSession returns a session wired to dev. cfg fields left zero get
// test defaults.
func newFakeSession(t *testing.T, dev *fakeDevice, cfg Config) *Session {
	t.Helper()

	if cfg.Device == "" {
		cfg.Device = "/dev/video-fake"
	}
	if cfg.Width == 0 {
		cfg.Width, cfg.Height = 800, 600
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	s.open = func(string) (device, error) { return dev, nil }
	return s
}
