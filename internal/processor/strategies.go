package processor

import (
	"fmt"
	"image"
	"time"
)

// Passthrough forwards compressed frames unchanged.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (p Passthrough) Process(in Input) (Output, error) {
	start := time.Now()
	if len(in.Data) == 0 {
		return Output{}, ErrEmptyFrame
	}
	if !in.Format.IsCompressed() {
		return Output{}, fmt.Errorf("%w: passthrough needs MJPG, got %s", ErrUnsupportedFormat, in.Format)
	}

	out := Output{Payload: in.Data, Metadata: baseMetadata(p.Name(), in)}
	finish(&out, start)
	return out, nil
}

// JPEG decodes, optionally blurs and adjusts contrast, resizes and re-encodes.
type JPEG struct {
	opts Options
}

func (j *JPEG) Name() string { return "jpeg" }

func (j *JPEG) Process(in Input) (Output, error) {
	start := time.Now()
	img, err := prepare(in, j.opts)
	if err != nil {
		return Output{}, err
	}

	payload, err := encode(img, j.opts.Quality)
	if err != nil {
		return Output{}, err
	}

	out := Output{Payload: payload, Metadata: baseMetadata(j.Name(), in)}
	out.Metadata.Width, out.Metadata.Height = img.Rect.Dx(), img.Rect.Dy()
	finish(&out, start)
	return out, nil
}

// Analysis overlays the Otsu foreground boundary in red on the prepared image.
type Analysis struct {
	opts Options
}

func (a *Analysis) Name() string { return "analysis" }

func (a *Analysis) Process(in Input) (Output, error) {
	start := time.Now()
	img, err := prepare(in, a.opts)
	if err != nil {
		return Output{}, err
	}

	gray := grayscale(img)
	threshold := otsuThreshold(gray)
	mask, foreground := binarize(gray, threshold)
	boundary := drawBoundary(img, mask)

	payload, err := encode(img, a.opts.Quality)
	if err != nil {
		return Output{}, err
	}

	out := Output{Payload: payload, Metadata: baseMetadata(a.Name(), in)}
	out.Metadata.Width, out.Metadata.Height = img.Rect.Dx(), img.Rect.Dy()
	out.Metadata.Threshold = &threshold
	out.Metadata.ForegroundRatio = float64(foreground) / float64(len(mask))
	out.Metadata.BoundaryPixels = boundary
	finish(&out, start)
	return out, nil
}

// prepare is the shared decode → blur → contrast → resize chain.
func prepare(in Input, opts Options) (*image.RGBA, error) {
	img, err := decode(in)
	if err != nil {
		return nil, err
	}
	if opts.Blur {
		boxBlur5(img)
	}
	adjust(img, opts.Contrast, opts.Brightness)
	return resize(img, opts.ResizeWidth), nil
}
