// Package detector maps between detector pixels and diffraction angles.
//
// Lab frame: the sample sits at the origin and the incident beam travels
// along +z. The undistorted detector plane is normal to the beam at
// Distance, with its x/y axes parallel to the lab x/y axes. A tilt rotates
// the plane by Tilt degrees about an in-plane axis that makes Rotation
// degrees with the detector x axis; the rotation pivots on the point where
// the beam meets the detector (Center), so Distance is always measured
// along the beam.
package detector

import (
	"errors"
	"math"

	pkgerrors "github.com/pkg/errors"

	"imgcal/pkg/geometry"
)

// ErrInvalidConfig marks geometry parameters rejected before any numeric work.
var ErrInvalidConfig = errors.New("invalid detector geometry")

// Radiation identifies the probe type.
type Radiation string

const (
	RadiationXray    Radiation = "x-ray"
	RadiationNeutron Radiation = "neutron"
)

// Geometry holds the detector geometry for one image.
type Geometry struct {
	Distance   float64    `json:"distance"`   // Sample to detector along the beam (mm)
	Center     [2]float64 `json:"center"`     // Beam position on the detector (mm)
	PixelSize  [2]float64 `json:"pixelSize"`  // Pixel pitch x, y (mm)
	Wavelength float64    `json:"wavelength"` // Angstrom
	Tilt       float64    `json:"tilt"`       // Detector tilt (degrees)
	Rotation   float64    `json:"rotation"`   // Tilt axis direction (degrees)
	DetDepth   float64    `json:"detDepth"`   // Mean conversion depth in the sensor (mm)
	Radiation  Radiation  `json:"radiation"`
}

// Default returns a geometry with sensible starting values for a
// 0.1 mm pixel detector 500 mm from the sample.
func Default() Geometry {
	return Geometry{
		Distance:   500,
		Center:     [2]float64{102.4, 102.4},
		PixelSize:  [2]float64{0.1, 0.1},
		Wavelength: 0.5,
		Radiation:  RadiationXray,
	}
}

// Validate rejects geometries that cannot be mapped.
func (g Geometry) Validate() error {
	switch {
	case !(g.Distance > 0):
		return pkgerrors.Wrapf(ErrInvalidConfig, "distance must be positive, got %g", g.Distance)
	case !(g.Wavelength > 0):
		return pkgerrors.Wrapf(ErrInvalidConfig, "wavelength must be positive, got %g", g.Wavelength)
	case !(g.PixelSize[0] > 0 && g.PixelSize[1] > 0):
		return pkgerrors.Wrapf(ErrInvalidConfig, "pixel size must be positive, got %v", g.PixelSize)
	case !(math.Abs(g.Tilt) < 90):
		return pkgerrors.Wrapf(ErrInvalidConfig, "tilt must be within (-90, 90), got %g", g.Tilt)
	case g.DetDepth < 0:
		return pkgerrors.Wrapf(ErrInvalidConfig, "detector depth must not be negative, got %g", g.DetDepth)
	}
	return nil
}

// PixelToMM converts continuous pixel coordinates (pixel i spans [i, i+1))
// to detector millimetres.
func (g Geometry) PixelToMM(x, y float64) geometry.Point2D {
	return geometry.Point2D{X: x * g.PixelSize[0], Y: y * g.PixelSize[1]}
}

// MMToPixel converts detector millimetres to continuous pixel coordinates.
func (g Geometry) MMToPixel(p geometry.Point2D) (x, y float64) {
	return p.X / g.PixelSize[0], p.Y / g.PixelSize[1]
}

// PixelToAngle returns 2θ and azimuth (degrees) of a pixel position.
func (g Geometry) PixelToAngle(x, y float64) (tth, azm float64) {
	m := g.Mapper()
	return m.PixelToAngle(x, y)
}

// AngleToPixel returns the pixel position at which 2θ/azimuth lands.
// ok is false when the ray never reaches the detector plane.
func (g Geometry) AngleToPixel(tth, azm float64) (x, y float64, ok bool) {
	m := g.Mapper()
	return m.AngleToPixel(tth, azm)
}

// RingPoints traces n points of the 2θ cone on the detector (mm), evenly
// spaced in azimuth. Azimuths that miss the detector plane are skipped.
func (g Geometry) RingPoints(tth float64, n int) []geometry.Point2D {
	m := g.Mapper()
	pts := make([]geometry.Point2D, 0, n)
	for i := 0; i < n; i++ {
		azm := float64(i) * 360 / float64(n)
		if p, ok := m.AngleToMM(tth, azm); ok {
			pts = append(pts, p)
		}
	}
	return pts
}

// Mapper caches the detector frame of a Geometry for repeated mapping.
type Mapper struct {
	g      Geometry
	eu, ev [3]float64 // In-plane unit vectors (detector x, y)
	n      [3]float64 // Plane normal, pointing away from the sample
	p0     [3]float64 // Beam intersection with the plane
}

// Mapper builds the cached frame for g.
func (g Geometry) Mapper() *Mapper {
	tau := g.Tilt * math.Pi / 180
	rho := g.Rotation * math.Pi / 180
	axis := [3]float64{math.Cos(rho), math.Sin(rho), 0}

	return &Mapper{
		g:  g,
		eu: rotate([3]float64{1, 0, 0}, axis, tau),
		ev: rotate([3]float64{0, 1, 0}, axis, tau),
		n:  rotate([3]float64{0, 0, 1}, axis, tau),
		p0: [3]float64{0, 0, g.Distance},
	}
}

// Geometry returns the geometry this mapper was built from.
func (m *Mapper) Geometry() Geometry { return m.g }

// scatterVector returns the lab-frame point where the photon recorded at
// detector position (X, Y) mm was converted: the pixel pushed DetDepth
// along the plane normal.
func (m *Mapper) scatterVector(X, Y float64) [3]float64 {
	u := X - m.g.Center[0]
	v := Y - m.g.Center[1]
	d := m.g.DetDepth
	var q [3]float64
	for i := 0; i < 3; i++ {
		q[i] = m.p0[i] + u*m.eu[i] + v*m.ev[i] + d*m.n[i]
	}
	return q
}

// MMToAngle returns 2θ and azimuth (degrees) for a detector position in mm.
func (m *Mapper) MMToAngle(X, Y float64) (tth, azm float64) {
	q := m.scatterVector(X, Y)
	tth = math.Atan2(math.Hypot(q[0], q[1]), q[2]) * 180 / math.Pi
	azm = NormalizeAzimuth(math.Atan2(q[1], q[0]) * 180 / math.Pi)
	return tth, azm
}

// PixelToAngle returns 2θ and azimuth (degrees) for continuous pixel coordinates.
func (m *Mapper) PixelToAngle(x, y float64) (tth, azm float64) {
	return m.MMToAngle(x*m.g.PixelSize[0], y*m.g.PixelSize[1])
}

// CosIncidence returns the cosine of the angle between the scattered ray
// reaching detector position (X, Y) mm and the detector normal.
func (m *Mapper) CosIncidence(X, Y float64) float64 {
	q := m.scatterVector(X, Y)
	norm := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2])
	if norm == 0 {
		return 1
	}
	return dot(q, m.n) / norm
}

// AngleToMM returns the detector position (mm) at which the ray at 2θ and
// azimuth is recorded.
func (m *Mapper) AngleToMM(tth, azm float64) (geometry.Point2D, bool) {
	t2 := tth * math.Pi / 180
	a := azm * math.Pi / 180
	dir := [3]float64{math.Sin(t2) * math.Cos(a), math.Sin(t2) * math.Sin(a), math.Cos(t2)}

	denom := dot(m.n, dir)
	if denom <= 1e-12 {
		return geometry.Point2D{}, false
	}

	// Intersect with the conversion plane DetDepth behind the front face,
	// then step back onto the face.
	d := m.g.DetDepth
	t := (dot(m.n, m.p0) + d) / denom
	var rel [3]float64
	for i := 0; i < 3; i++ {
		rel[i] = t*dir[i] - d*m.n[i] - m.p0[i]
	}
	return geometry.Point2D{
		X: m.g.Center[0] + dot(rel, m.eu),
		Y: m.g.Center[1] + dot(rel, m.ev),
	}, true
}

// AngleToPixel returns continuous pixel coordinates for 2θ and azimuth.
func (m *Mapper) AngleToPixel(tth, azm float64) (x, y float64, ok bool) {
	p, ok := m.AngleToMM(tth, azm)
	if !ok {
		return 0, 0, false
	}
	x, y = m.g.MMToPixel(p)
	return x, y, true
}

// NormalizeAzimuth folds an angle in degrees into [0, 360).
func NormalizeAzimuth(azm float64) float64 {
	azm = math.Mod(azm, 360)
	if azm < 0 {
		azm += 360
	}
	if azm >= 360 {
		azm -= 360
	}
	return azm
}

// rotate applies Rodrigues' rotation of v about unit axis k by angle theta.
func rotate(v, k [3]float64, theta float64) [3]float64 {
	c, s := math.Cos(theta), math.Sin(theta)
	kv := dot(k, v)
	cross := [3]float64{
		k[1]*v[2] - k[2]*v[1],
		k[2]*v[0] - k[0]*v[2],
		k[0]*v[1] - k[1]*v[0],
	}
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = v[i]*c + cross[i]*s + k[i]*kv*(1-c)
	}
	return out
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
