package processor

import "image"

// grayscale returns BT.601 luma, one byte per pixel.
func grayscale(img *image.RGBA) []uint8 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r, g, b := int(row[x*4]), int(row[x*4+1]), int(row[x*4+2])
			out[y*w+x] = uint8((299*r + 587*g + 114*b + 500) / 1000)
		}
	}
	return out
}

// otsuThreshold picks the level maximizing between-class variance.
// Pixels strictly above the threshold are foreground.
func otsuThreshold(gray []uint8) uint8 {
	var hist [256]int
	for _, v := range gray {
		hist[v]++
	}

	total := len(gray)
	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var (
		sumB    float64
		weightB int
		best    float64
		level   uint8
	)
	for t := 0; t < 256; t++ {
		weightB += hist[t]
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		meanB := sumB / float64(weightB)
		meanF := (sumAll - sumB) / float64(weightF)
		between := float64(weightB) * float64(weightF) * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			level = uint8(t)
		}
	}
	return level
}

func binarize(gray []uint8, threshold uint8) ([]bool, int) {
	mask := make([]bool, len(gray))
	n := 0
	for i, v := range gray {
		if v > threshold {
			mask[i] = true
			n++
		}
	}
	return mask, n
}

// drawBoundary paints foreground pixels touching the background red, 2px wide.
// Returns the number of boundary pixels found.
func drawBoundary(img *image.RGBA, mask []bool) int {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	at := func(x, y int) bool {
		if x < 0 || y < 0 || x >= w || y >= h {
			return false
		}
		return mask[y*w+x]
	}
	paint := func(x, y int) {
		if x < 0 || y < 0 || x >= w || y >= h {
			return
		}
		o := y*img.Stride + x*4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = 255, 0, 0, 255
	}

	var edges [][2]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			if !at(x-1, y) || !at(x+1, y) || !at(x, y-1) || !at(x, y+1) {
				edges = append(edges, [2]int{x, y})
			}
		}
	}

	// paint after scanning so the overlay does not feed back into detection
	for _, p := range edges {
		paint(p[0], p[1])
		paint(p[0]+1, p[1])
		paint(p[0], p[1]+1)
	}
	return len(edges)
}
