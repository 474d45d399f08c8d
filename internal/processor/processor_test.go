package processor

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// testJPEG renders a dark frame with a bright centered square.
func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{20, 20, 20, 255}
			if x >= w/4 && x < 3*w/4 && y >= h/4 && y < 3*h/4 {
				c = color.RGBA{230, 230, 230, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func decodeSize(t *testing.T, payload []byte) (int, int) {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(payload))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestNewKinds(t *testing.T) {
	for _, kind := range []string{"passthrough", "jpeg", "analysis"} {
		p, err := New(kind, Options{})
		require.NoError(t, err, kind)
		assert.Equal(t, kind, p.Name())
	}

	_, err := New("sepia", Options{})
	assert.Error(t, err)
	_, err = New("jpeg", Options{Quality: 101})
	assert.Error(t, err)
	_, err = New("jpeg", Options{ResizeWidth: -1})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Default().ImageProcessor)
	assert.Equal(t, Options{Quality: 80, ResizeWidth: 640, Contrast: 1.0}, opts)
}

func TestPassthrough(t *testing.T) {
	data := testJPEG(t, 64, 48)
	out, err := Passthrough{}.Process(Input{Data: data, Width: 64, Height: 48, Format: v4l2capture.PixelFormatMJPEG, Seq: 9})
	require.NoError(t, err)
	assert.Equal(t, data, out.Payload)
	assert.Equal(t, uint64(9), out.Metadata.Seq)
	assert.Equal(t, len(data), out.Metadata.OutputBytes)

	_, err = Passthrough{}.Process(Input{Data: []byte{1, 2}, Format: v4l2capture.PixelFormatYUYV})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Passthrough{}.Process(Input{Format: v4l2capture.PixelFormatMJPEG})
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestJPEGResizeKeepsAspect(t *testing.T) {
	p, err := New("jpeg", Options{Quality: 70, ResizeWidth: 320, Blur: true})
	require.NoError(t, err)

	out, err := p.Process(Input{Data: testJPEG(t, 800, 600), Width: 800, Height: 600, Format: v4l2capture.PixelFormatMJPEG})
	require.NoError(t, err)

	w, h := decodeSize(t, out.Payload)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
	assert.Equal(t, 320, out.Metadata.Width)
	assert.Equal(t, 240, out.Metadata.Height)
	assert.Equal(t, "jpeg", out.Metadata.Processor)
}

func TestJPEGFromYUYV(t *testing.T) {
	const w, h = 8, 4
	data := make([]byte, w*h*2)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = 200, 128, 200, 128 // bright neutral
	}

	p, err := New("jpeg", Options{})
	require.NoError(t, err)
	out, err := p.Process(Input{Data: data, Width: w, Height: h, Format: v4l2capture.PixelFormatYUYV})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out.Payload))
	require.NoError(t, err)
	r, g, b, _ := img.At(2, 2).RGBA()
	assert.InDelta(t, 200, r>>8, 12)
	assert.InDelta(t, 200, g>>8, 12)
	assert.InDelta(t, 200, b>>8, 12)

	_, err = p.Process(Input{Data: data[:10], Width: w, Height: h, Format: v4l2capture.PixelFormatYUYV})
	assert.Error(t, err)
}

func TestJPEGRejectsCorruptInput(t *testing.T) {
	p, _ := New("jpeg", Options{})
	_, err := p.Process(Input{Data: []byte("not a jpeg"), Width: 4, Height: 4, Format: v4l2capture.PixelFormatMJPEG})
	assert.Error(t, err)
}

func TestAdjustSaturates(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	copy(img.Pix, []uint8{10, 100, 200, 255, 0, 128, 250, 255})

	adjust(img, 1.5, 20)

	assert.Equal(t, []uint8{35, 170, 255, 255, 20, 212, 255, 255}, img.Pix)
}

func TestBoxBlurFlatImageUnchanged(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 7, 7))
	for i := range img.Pix {
		img.Pix[i] = 90
	}
	boxBlur5(img)
	for _, v := range img.Pix {
		require.Equal(t, uint8(90), v)
	}
}

func TestOtsuSeparatesBimodal(t *testing.T) {
	gray := make([]uint8, 0, 200)
	for i := 0; i < 100; i++ {
		gray = append(gray, 30)
		gray = append(gray, 220)
	}
	level := otsuThreshold(gray)
	assert.GreaterOrEqual(t, level, uint8(30))
	assert.Less(t, level, uint8(220))

	mask, n := binarize(gray, level)
	assert.Equal(t, 100, n)
	assert.False(t, mask[0])
	assert.True(t, mask[1])
}

func TestAnalysisDrawsBoundary(t *testing.T) {
	p, err := New("analysis", Options{Quality: 90, ResizeWidth: 0})
	require.NoError(t, err)

	out, err := p.Process(Input{Data: testJPEG(t, 64, 64), Width: 64, Height: 64, Format: v4l2capture.PixelFormatMJPEG})
	require.NoError(t, err)

	require.NotNil(t, out.Metadata.Threshold)
	assert.Greater(t, out.Metadata.BoundaryPixels, 0)
	assert.InDelta(t, 0.25, out.Metadata.ForegroundRatio, 0.05)

	img, err := jpeg.Decode(bytes.NewReader(out.Payload))
	require.NoError(t, err)
	// top-left corner of the square lies on the boundary
	r, g, b, _ := img.At(17, 17).RGBA()
	assert.Greater(t, r>>8, uint32(150))
	assert.Less(t, g>>8, uint32(100))
	assert.Less(t, b>>8, uint32(100))
}
