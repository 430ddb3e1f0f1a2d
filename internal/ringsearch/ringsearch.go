// Package ringsearch finds points on a Debye-Scherrer ring by scanning
// radially across the ring position predicted by the current geometry.
package ringsearch

import (
	"math"

	"github.com/sirupsen/logrus"

	"imgcal/internal/detector"
	"imgcal/internal/image"
)

// Mask reports whether a pixel may be used. *mask.Bitmap satisfies it.
type Mask interface {
	Valid(x, y int) bool
}

// Params controls the search around one ring.
type Params struct {
	PixLimit int     // Search half-width along the radius (pixels)
	Cutoff   float64 // Peak must exceed Cutoff times the local background
	Azimuths int     // Number of azimuths sampled around the full ring
}

// DefaultParams returns the search settings used when a calibrant gives none.
func DefaultParams() Params {
	return Params{PixLimit: 10, Cutoff: 10, Azimuths: 180}
}

// Point is one located ring position.
type Point struct {
	X, Y      float64 // Continuous pixel coordinates
	Azimuth   float64 // Azimuth at which the scan was made (degrees)
	Intensity float64 // Peak intensity above background
}

// minBackground keeps the peak/background ratio finite on empty images.
const minBackground = 1e-4

// Search scans across the ring at 2θ = tth for each azimuth and returns
// the peak centroids that pass the cutoff test. mask may be nil.
func Search(img *image.Image, mask Mask, g detector.Geometry, tth float64, p Params) []Point {
	if p.PixLimit <= 0 {
		p.PixLimit = DefaultParams().PixLimit
	}
	if p.Azimuths <= 0 {
		p.Azimuths = DefaultParams().Azimuths
	}
	m := g.Mapper()

	nSamples := 4*p.PixLimit + 1
	samples := make([]float64, nSamples)
	offsets := make([]float64, nSamples)
	for i := range offsets {
		offsets[i] = 0.5 * float64(i-2*p.PixLimit)
	}

	var points []Point
	rejected := 0
	for k := 0; k < p.Azimuths; k++ {
		azm := float64(k) * 360 / float64(p.Azimuths)
		x0, y0, ok := m.AngleToPixel(tth, azm)
		if !ok {
			continue
		}
		dx, dy, ok := radialDirection(m, tth, azm, x0, y0)
		if !ok {
			continue
		}

		valid := 0
		for i, s := range offsets {
			x, y := x0+s*dx, y0+s*dy
			samples[i] = math.NaN()
			if mask != nil && !mask.Valid(int(math.Floor(x)), int(math.Floor(y))) {
				continue
			}
			v, inside := img.Interpolate(x, y)
			if !inside {
				continue
			}
			samples[i] = v
			valid++
		}
		if valid < nSamples/2 {
			continue
		}

		s, peak, found := centroid(samples, offsets, p.Cutoff)
		if !found {
			rejected++
			continue
		}
		points = append(points, Point{X: x0 + s*dx, Y: y0 + s*dy, Azimuth: azm, Intensity: peak})
	}

	logrus.WithFields(logrus.Fields{
		"tth":      tth,
		"points":   len(points),
		"rejected": rejected,
	}).Debug("ring search")
	return points
}

// radialDirection returns the unit pixel-space direction in which 2θ
// increases at the given ring position.
func radialDirection(m *detector.Mapper, tth, azm, x0, y0 float64) (float64, float64, bool) {
	const step = 0.01
	x1, y1, ok := m.AngleToPixel(tth+step, azm)
	if !ok {
		return 0, 0, false
	}
	dx, dy := x1-x0, y1-y0
	n := math.Hypot(dx, dy)
	if n == 0 {
		return 0, 0, false
	}
	return dx / n, dy / n, true
}

// centroid locates the peak in a radial profile. The background is the
// profile minimum; the peak must exceed cutoff times that background and
// must not sit on the edge of the window. The position is the centroid of
// the part of the profile above half height.
func centroid(samples, offsets []float64, cutoff float64) (pos, peak float64, ok bool) {
	bkg := math.Inf(1)
	top := math.Inf(-1)
	imax := -1
	for i, v := range samples {
		if math.IsNaN(v) {
			continue
		}
		if v < bkg {
			bkg = v
		}
		if v > top {
			top = v
			imax = i
		}
	}
	if imax <= 0 || imax >= len(samples)-1 {
		return 0, 0, false
	}
	bkg = math.Max(bkg, minBackground)
	if top <= cutoff*bkg {
		return 0, 0, false
	}

	half := bkg + 0.5*(top-bkg)
	var sw, sx float64
	for i, v := range samples {
		if math.IsNaN(v) {
			continue
		}
		w := v - half
		if w <= 0 {
			continue
		}
		sw += w
		sx += w * offsets[i]
	}
	if sw == 0 {
		return 0, 0, false
	}
	return sx / sw, top - bkg, true
}

// TwoThetas converts located points to 2θ with geometry g.
func TwoThetas(points []Point, g detector.Geometry) []float64 {
	m := g.Mapper()
	out := make([]float64, len(points))
	for i, pt := range points {
		out[i], _ = m.PixelToAngle(pt.X, pt.Y)
	}
	return out
}
