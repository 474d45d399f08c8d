package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// decode reads a captured frame into an RGBA image.
func decode(in Input) (*image.RGBA, error) {
	if len(in.Data) == 0 {
		return nil, ErrEmptyFrame
	}

	var src image.Image
	switch in.Format {
	case v4l2capture.PixelFormatMJPEG, v4l2capture.PixelFormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(in.Data))
		if err != nil {
			return nil, fmt.Errorf("processor: decode %s: %w", in.Format, err)
		}
		src = img
	case v4l2capture.PixelFormatYUYV:
		img, err := yuyvToYCbCr(in.Data, in.Width, in.Height)
		if err != nil {
			return nil, err
		}
		src = img
	case v4l2capture.PixelFormatRGB24:
		if len(in.Data) < in.Width*in.Height*3 {
			return nil, fmt.Errorf("processor: short RGB3 frame: %d bytes for %dx%d", len(in.Data), in.Width, in.Height)
		}
		dst := image.NewRGBA(image.Rect(0, 0, in.Width, in.Height))
		for i, j := 0, 0; j < len(dst.Pix); i, j = i+3, j+4 {
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2], dst.Pix[j+3] = in.Data[i], in.Data[i+1], in.Data[i+2], 255
		}
		return dst, nil
	case v4l2capture.PixelFormatGrey:
		if len(in.Data) < in.Width*in.Height {
			return nil, fmt.Errorf("processor: short GREY frame: %d bytes for %dx%d", len(in.Data), in.Width, in.Height)
		}
		src = &image.Gray{Pix: in.Data, Stride: in.Width, Rect: image.Rect(0, 0, in.Width, in.Height)}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, in.Format)
	}

	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// yuyvToYCbCr de-interleaves packed 4:2:2 (Y0 U Y1 V) into planar YCbCr.
func yuyvToYCbCr(data []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, fmt.Errorf("processor: invalid YUYV geometry %dx%d", width, height)
	}
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("processor: short YUYV frame: %d bytes for %dx%d", len(data), width, height)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := data[y*width*2 : (y+1)*width*2]
		yOff := y * img.YStride
		cOff := y * img.CStride
		for x := 0; x < width; x += 2 {
			p := row[x*2 : x*2+4]
			img.Y[yOff+x] = p[0]
			img.Cb[cOff+x/2] = p[1]
			img.Y[yOff+x+1] = p[2]
			img.Cr[cOff+x/2] = p[3]
		}
	}
	return img, nil
}

// boxBlur5 applies a separable 5x5 mean filter, clamping at the edges.
func boxBlur5(img *image.RGBA) {
	const radius = 2
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]uint8, len(img.Pix))

	// horizontal pass into tmp
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		out := tmp[y*img.Stride:]
		for x := 0; x < w; x++ {
			var sum [4]int
			for k := -radius; k <= radius; k++ {
				xx := clampInt(x+k, 0, w-1)
				for c := 0; c < 4; c++ {
					sum[c] += int(row[xx*4+c])
				}
			}
			for c := 0; c < 4; c++ {
				out[x*4+c] = uint8(sum[c] / (2*radius + 1))
			}
		}
	}

	// vertical pass back into img
	for y := 0; y < h; y++ {
		out := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			var sum [4]int
			for k := -radius; k <= radius; k++ {
				yy := clampInt(y+k, 0, h-1)
				for c := 0; c < 4; c++ {
					sum[c] += int(tmp[yy*img.Stride+x*4+c])
				}
			}
			for c := 0; c < 4; c++ {
				out[x*4+c] = uint8(sum[c] / (2*radius + 1))
			}
		}
	}
}

// adjust applies v' = alpha*v + beta to the color channels, saturating to 0-255.
func adjust(img *image.RGBA, alpha, beta float64) {
	if alpha == 1.0 && beta == 0 {
		return
	}
	var lut [256]uint8
	for v := range lut {
		lut[v] = clampByte(alpha*float64(v) + beta)
	}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = lut[img.Pix[i]]
		img.Pix[i+1] = lut[img.Pix[i+1]]
		img.Pix[i+2] = lut[img.Pix[i+2]]
	}
}

// resize scales to width, keeping the aspect ratio. Width 0 or equal is a no-op.
func resize(img *image.RGBA, width int) *image.RGBA {
	b := img.Bounds()
	if width <= 0 || width == b.Dx() {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("processor: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
