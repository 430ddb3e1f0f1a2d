// Package image provides detector frames, their dark/background
// corrections, and loading from TIFF and FITS files.
package image

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	pkgerrors "github.com/pkg/errors"
)

// Image is an immutable grid of detector intensities. Row-major, Data[y*Width+x].
type Image struct {
	Path      string     // Original file path, empty for synthetic images
	Width     int        // Columns
	Height    int        // Rows
	Data      []float64  // Intensities
	PixelSize [2]float64 // mm per pixel (x, y)

	// Optional dark and background frames, subtracted scaled by their multipliers.
	Dark       *Image
	DarkScale  float64
	Background *Image
	BackScale  float64
}

// New wraps data as a width x height image. The slice is not copied.
func New(width, height int, data []float64, pixelSize [2]float64) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("data length %d does not match %dx%d", len(data), width, height)
	}
	return &Image{
		Width:     width,
		Height:    height,
		Data:      data,
		PixelSize: pixelSize,
		DarkScale: 1,
		BackScale: 1,
	}, nil
}

// Filled returns a width x height image with every pixel set to value.
func Filled(width, height int, value float64, pixelSize [2]float64) *Image {
	data := make([]float64, width*height)
	for i := range data {
		data[i] = value
	}
	img, _ := New(width, height, data, pixelSize)
	return img
}

// At returns the intensity at integer pixel coordinates, or 0 outside the image.
func (img *Image) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return 0
	}
	return img.Data[y*img.Width+x]
}

// Interpolate returns the bilinear intensity at continuous pixel coordinates,
// where pixel i has its centre at i+0.5. ok is false outside the image.
func (img *Image) Interpolate(x, y float64) (float64, bool) {
	fx := x - 0.5
	fy := y - 0.5
	if fx < 0 || fy < 0 || fx > float64(img.Width-1) || fy > float64(img.Height-1) {
		return 0, false
	}
	x0 := int(fx)
	y0 := int(fy)
	x1 := min(x0+1, img.Width-1)
	y1 := min(y0+1, img.Height-1)
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	top := img.At(x0, y0)*(1-tx) + img.At(x1, y0)*tx
	bottom := img.At(x0, y1)*(1-tx) + img.At(x1, y1)*tx
	return top*(1-ty) + bottom*ty, true
}

// Corrected returns a new intensity array with dark and background frames
// subtracted (each times its scale), the flat background removed, and
// negative results clipped to zero. The image itself is not modified.
func (img *Image) Corrected(flatBkg float64) ([]float64, error) {
	out := make([]float64, len(img.Data))
	copy(out, img.Data)

	if img.Dark != nil {
		if err := subtractScaled(out, img, img.Dark, img.DarkScale); err != nil {
			return nil, pkgerrors.Wrap(err, "dark frame")
		}
	}
	if img.Background != nil {
		if err := subtractScaled(out, img, img.Background, img.BackScale); err != nil {
			return nil, pkgerrors.Wrap(err, "background frame")
		}
	}
	for i, v := range out {
		v -= flatBkg
		if v < 0 || math.IsNaN(v) {
			v = 0
		}
		out[i] = v
	}
	return out, nil
}

func subtractScaled(dst []float64, img, other *Image, scale float64) error {
	if other.Width != img.Width || other.Height != img.Height {
		return fmt.Errorf("size %dx%d does not match image %dx%d",
			other.Width, other.Height, img.Width, img.Height)
	}
	for i, v := range other.Data {
		dst[i] -= v * scale
	}
	return nil
}

// Sum adds frames of equal size into a new image, keeping the first
// frame's pixel size.
func Sum(frames ...*Image) (*Image, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to sum")
	}
	first := frames[0]
	data := make([]float64, len(first.Data))
	for i, f := range frames {
		if f.Width != first.Width || f.Height != first.Height {
			return nil, fmt.Errorf("frame %d is %dx%d, expected %dx%d",
				i, f.Width, f.Height, first.Width, first.Height)
		}
		for j, v := range f.Data {
			data[j] += v
		}
	}
	return New(first.Width, first.Height, data, first.PixelSize)
}

// Stats summarises image intensities.
type Stats struct {
	Min, Max float64
	Median   float64
	P01, P99 float64 // 1st and 99th percentiles
}

// ComputeStats returns summary statistics over all pixels.
func (img *Image) ComputeStats() (Stats, error) {
	data := stats.Float64Data(img.Data)
	var s Stats
	var err error
	if s.Min, err = data.Min(); err != nil {
		return Stats{}, pkgerrors.Wrap(err, "min")
	}
	if s.Max, err = data.Max(); err != nil {
		return Stats{}, pkgerrors.Wrap(err, "max")
	}
	if s.Median, err = data.Median(); err != nil {
		return Stats{}, pkgerrors.Wrap(err, "median")
	}
	if s.P01, err = data.Percentile(1); err != nil {
		return Stats{}, pkgerrors.Wrap(err, "percentile")
	}
	if s.P99, err = data.Percentile(99); err != nil {
		return Stats{}, pkgerrors.Wrap(err, "percentile")
	}
	return s, nil
}
