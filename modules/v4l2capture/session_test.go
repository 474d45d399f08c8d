package v4l2capture

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-camlink/modules/v4l2capture/internal/v4l2"
)

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid minimal", Config{Device: "/dev/video0", Width: 640, Height: 480}, false},
		{"missing device", Config{Width: 640, Height: 480}, true},
		{"zero width", Config{Device: "/dev/video0", Height: 480}, true},
		{"negative height", Config{Device: "/dev/video0", Width: 640, Height: -1}, true},
		{"too many buffers", Config{Device: "/dev/video0", Width: 640, Height: 480, Buffers: MaxBuffers + 1}, true},
		{"negative fps", Config{Device: "/dev/video0", Width: 640, Height: 480, FPS: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSession(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSessionDefaults(t *testing.T) {
	s, err := NewSession(Config{Device: "/dev/video0", Width: 800, Height: 600})
	require.NoError(t, err)

	cfg := s.Config()
	assert.Equal(t, DefaultBuffers, cfg.Buffers)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	assert.Equal(t, PixelFormatMJPEG, cfg.PixelFormat)
	assert.Equal(t, "/dev/video0", cfg.Name)
	assert.Equal(t, StateClosed, s.State())
}

// TestNegotiatedFormatIsAuthoritative: the driver reduces 800x600 to 640x480.
// Every frame must report the negotiated size, not the requested one.
func TestNegotiatedFormatIsAuthoritative(t *testing.T) {
	dev := newFakeDevice()
	dev.negotiated = &v4l2.PixFormat{
		Width:        640,
		Height:       480,
		PixelFormat:  uint32(PixelFormatMJPEG),
		BytesPerLine: 0,
		SizeImage:    640 * 480,
	}
	s := newFakeSession(t, dev, Config{Width: 800, Height: 600})
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	assert.Equal(t, 640, s.Format().Width)
	assert.Equal(t, 480, s.Format().Height)

	require.True(t, dev.fill())
	f, err := s.AcquireFrame()
	require.NoError(t, err)
	defer f.Release()

	assert.Equal(t, 640, f.Width())
	assert.Equal(t, 480, f.Height())

	img, err := f.Clone()
	require.NoError(t, err)
	assert.Equal(t, 640, img.Width)
	assert.Equal(t, 480, img.Height)
}

func TestInitializeReachesStreaming(t *testing.T) {
	dev := newFakeDevice()
	dev.grant = 2
	s := newFakeSession(t, dev, Config{Buffers: 4, FPS: 15})

	require.NoError(t, s.Initialize())
	assert.Equal(t, StateStreaming, s.State())
	assert.True(t, dev.streaming)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Buffers, "driver grant is authoritative")
	assert.Equal(t, "streaming", stats.State)

	// Every buffer queued into the driver
	assert.Len(t, dev.incoming, 2)

	err := s.Initialize()
	assert.Error(t, err, "Initialize on a streaming session")
	require.NoError(t, s.Shutdown())
}

// TestAcquireFrameTimeout: with no filled buffer, AcquireFrame returns
// ErrNoFrameAvailable within the poll window, and the session keeps streaming.
func TestAcquireFrameTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.sleepOnTimeout = true
	s := newFakeSession(t, dev, Config{PollTimeout: 30 * time.Millisecond})
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	start := time.Now()
	f, err := s.AcquireFrame()
	elapsed := time.Since(start)

	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrNoFrameAvailable)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, StateStreaming, s.State())
	assert.Equal(t, uint64(1), s.Stats().NoFrame)

	// Retry succeeds once the hardware delivers
	require.True(t, dev.fill())
	f, err = s.AcquireFrame()
	require.NoError(t, err)
	require.NoError(t, f.Release())
}

func TestAcquireFrameWouldBlock(t *testing.T) {
	dev := newFakeDevice()
	dev.spuriousWake = true
	s := newFakeSession(t, dev, Config{})
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	_, err := s.AcquireFrame()
	assert.ErrorIs(t, err, ErrNoFrameAvailable)
}

// TestReleaseExactlyOnce_Property drives randomized acquire/release/fill
// orderings against the fake driver.
//
// Property:
//   - no ring index is ever dequeued twice without an intervening release
//   - no index is ever queued twice
//   - a second Release on the same frame returns ErrFrameReleased
//   - InFlight always equals the number of frames held
func TestReleaseExactlyOnce_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 50; iter++ {
		dev := newFakeDevice()
		dev.grant = uint32(1 + rng.Intn(MaxBuffers))
		s := newFakeSession(t, dev, Config{Buffers: MaxBuffers})
		require.NoError(t, s.Initialize())

		var held []*Frame
		var released []*Frame
		heldIndex := map[int]bool{}

		for op := 0; op < 300; op++ {
			switch rng.Intn(4) {
			case 0:
				dev.fill()
			case 1:
				f, err := s.AcquireFrame()
				if errors.Is(err, ErrNoFrameAvailable) {
					continue
				}
				require.NoError(t, err, "iter %d op %d", iter, op)
				require.False(t, heldIndex[f.Index()], "iter %d: index %d handed out twice", iter, f.Index())
				heldIndex[f.Index()] = true
				held = append(held, f)
			case 2:
				if len(held) == 0 {
					continue
				}
				i := rng.Intn(len(held))
				f := held[i]
				held = append(held[:i], held[i+1:]...)
				require.NoError(t, f.Release())
				assert.Nil(t, f.Data(), "data view must be invalid after release")
				delete(heldIndex, f.Index())
				released = append(released, f)
			case 3:
				if len(released) == 0 {
					continue
				}
				f := released[rng.Intn(len(released))]
				require.ErrorIs(t, f.Release(), ErrFrameReleased)
			}

			require.Empty(t, dev.violations, "iter %d op %d", iter, op)
			require.Equal(t, len(held), s.Stats().InFlight, "iter %d op %d", iter, op)
		}

		for _, f := range held {
			require.NoError(t, f.Release())
		}
		stats := s.Stats()
		assert.Equal(t, stats.FramesAcquired, stats.FramesReleased)
		require.NoError(t, s.Shutdown())
	}

	t.Logf("✅ 50 randomized ring orderings without double dequeue or double queue")
}

func TestHeldRingStallsCapture(t *testing.T) {
	dev := newFakeDevice()
	dev.grant = 2
	s := newFakeSession(t, dev, Config{})
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	var frames []*Frame
	for i := 0; i < 2; i++ {
		require.True(t, dev.fill())
		f, err := s.AcquireFrame()
		require.NoError(t, err)
		frames = append(frames, f)
	}

	assert.False(t, dev.fill(), "driver has no free buffer while both are held")
	_, err := s.AcquireFrame()
	assert.ErrorIs(t, err, ErrNoFrameAvailable)

	require.NoError(t, frames[0].Release())
	assert.True(t, dev.fill(), "released buffer is back in the driver")
	require.NoError(t, frames[1].Release())
}

func TestCorruptedFrameIsRequeued(t *testing.T) {
	dev := newFakeDevice()
	s := newFakeSession(t, dev, Config{})
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	dev.errorNext = true
	require.True(t, dev.fill())

	_, err := s.AcquireFrame()
	assert.ErrorIs(t, err, ErrNoFrameAvailable)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Corrupted)
	assert.Equal(t, 0, stats.InFlight)
	assert.Len(t, dev.incoming, 4, "corrupted buffer returned to the driver")
}

func TestInitializeTearsDownOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(d *fakeDevice)
		wantOp string
	}{
		{"querycap", func(d *fakeDevice) { d.failOn["querycap"] = unix.ENOTTY }, "querycap"},
		{"not a capture device", func(d *fakeDevice) { d.caps.Capabilities = v4l2.CapStreaming }, "querycap"},
		{"set format", func(d *fakeDevice) { d.failOn["set_format"] = unix.EBUSY }, "set_format"},
		{"reqbufs", func(d *fakeDevice) { d.failOn["reqbufs"] = unix.ENOMEM }, "reqbufs"},
		{"zero buffers", func(d *fakeDevice) { d.grant = 0 }, "reqbufs"},
		{"second mmap", func(d *fakeDevice) { d.failMapAt = 1 }, "mmap"},
		{"streamon", func(d *fakeDevice) { d.failOn["streamon"] = unix.EIO }, "streamon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			tt.setup(dev)
			s := newFakeSession(t, dev, Config{})

			err := s.Initialize()
			require.Error(t, err)

			var devErr *DeviceError
			require.ErrorAs(t, err, &devErr)
			assert.Equal(t, tt.wantOp, devErr.Op)
			assert.Equal(t, "/dev/video-fake", devErr.Path)

			assert.Equal(t, StateClosed, s.State())
			assert.True(t, dev.closed, "device must be closed after failed initialize")
			assert.False(t, dev.streaming)
			assert.NoError(t, s.Shutdown(), "shutdown after failed initialize")
		})
	}
}

func TestInitializeSecondMmapUnmapsFirst(t *testing.T) {
	dev := newFakeDevice()
	dev.failMapAt = 2
	s := newFakeSession(t, dev, Config{})

	require.Error(t, s.Initialize())
	assert.Equal(t, 2, dev.unmapped)
}

func TestNotCaptureDeviceCategory(t *testing.T) {
	dev := newFakeDevice()
	dev.caps.Capabilities = v4l2.CapStreaming
	s := newFakeSession(t, dev, Config{})

	err := s.Initialize()
	assert.ErrorIs(t, err, ErrNotCaptureDevice)

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, ErrCategoryConfig, devErr.Category)
}

// TestShutdownInvalidatesFrames: frames outstanding at Shutdown must not
// touch the ring afterwards, and Shutdown is idempotent.
func TestShutdownInvalidatesFrames(t *testing.T) {
	dev := newFakeDevice()
	s := newFakeSession(t, dev, Config{})
	require.NoError(t, s.Initialize())

	require.True(t, dev.fill())
	f, err := s.AcquireFrame()
	require.NoError(t, err)
	require.NotNil(t, f.Data())

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	assert.True(t, dev.closed)
	assert.Equal(t, 4, dev.unmapped)
	assert.Equal(t, StateClosed, s.State())

	// The ring is unmapped: a held frame must not expose or copy it.
	assert.Nil(t, f.Data())
	_, err = f.Clone()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, f.Released())

	assert.ErrorIs(t, f.Release(), ErrSessionClosed)
	assert.True(t, f.Released())
	assert.Nil(t, f.Data())
	_, err = f.Clone()
	assert.ErrorIs(t, err, ErrFrameReleased)
	assert.ErrorIs(t, f.Release(), ErrFrameReleased)

	_, err = s.AcquireFrame()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// TestShutdownWithHeldFrameOnRealMapping: the ring is really unmapped, so any
// access through a frame held across Shutdown would fault the process.
func TestShutdownWithHeldFrameOnRealMapping(t *testing.T) {
	dev := newFakeDevice()
	dev.realMmap = true
	dev.bufSize = 4096
	s := newFakeSession(t, dev, Config{})
	require.NoError(t, s.Initialize())

	require.True(t, dev.fill())
	f, err := s.AcquireFrame()
	require.NoError(t, err)
	img, err := f.Clone()
	require.NoError(t, err)
	assert.Equal(t, f.Data(), img.Data)

	require.NoError(t, s.Shutdown())

	assert.Nil(t, f.Data())
	_, err = f.Clone()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, f.Release(), ErrSessionClosed)
	assert.NotEmpty(t, img.Data, "clone taken before shutdown stays usable")
}

func TestReinitializeAfterShutdown(t *testing.T) {
	dev := newFakeDevice()
	s := newFakeSession(t, dev, Config{})
	require.NoError(t, s.Initialize())

	require.True(t, dev.fill())
	stale, err := s.AcquireFrame()
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())

	dev.closed = false
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	assert.Nil(t, stale.Data(), "frame from a previous stream must not see the new ring")
	_, err = stale.Clone()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, stale.Release(), ErrSessionClosed, "frame from a previous stream must not requeue")
	assert.Empty(t, dev.violations)
}

func TestFrameFromOtherSession(t *testing.T) {
	a := newFakeSession(t, newFakeDevice(), Config{})
	b := newFakeSession(t, newFakeDevice(), Config{})
	require.NoError(t, a.Initialize())
	require.NoError(t, b.Initialize())
	defer a.Shutdown()
	defer b.Shutdown()

	devA := a.dev.(*fakeDevice)
	require.True(t, devA.fill())
	f, err := a.AcquireFrame()
	require.NoError(t, err)

	assert.Error(t, b.ReleaseFrame(f))
	assert.NoError(t, f.Release())
}

func TestCloneIsOwnedCopy(t *testing.T) {
	dev := newFakeDevice()
	s := newFakeSession(t, dev, Config{Name: "top"})
	require.NoError(t, s.Initialize())
	defer s.Shutdown()

	require.True(t, dev.fill())
	f, err := s.AcquireFrame()
	require.NoError(t, err)

	img, err := f.Clone()
	require.NoError(t, err)
	require.NoError(t, f.Release())

	// Hardware overwrites the buffer after release
	for dev.fill() {
	}
	assert.Equal(t, byte(1), img.Data[0])
	assert.Equal(t, "top", img.Source)
	assert.NotEmpty(t, img.TraceID)
	assert.Equal(t, uint64(1), img.Seq)

	_, err = f.Clone()
	assert.ErrorIs(t, err, ErrFrameReleased)
}

func TestCaptureOnce(t *testing.T) {
	dev := newFakeDevice()
	s := newFakeSession(t, dev, Config{})

	go func() {
		// hardware delivers shortly after streaming starts
		for i := 0; i < 100; i++ {
			time.Sleep(2 * time.Millisecond)
			if dev.fill() {
				return
			}
		}
	}()

	img, err := captureOnce(s, time.Second)
	require.NoError(t, err)
	assert.Len(t, img.Data, dev.bufSize)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, dev.closed)
}
