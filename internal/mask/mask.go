// Package mask defines detector exclusion regions and turns them into a
// per-pixel validity test.
package mask

import (
	"errors"
	"math"

	pkgerrors "github.com/pkg/errors"

	"imgcal/pkg/geometry"
)

// ErrInvalidConfig marks a mask set that cannot be used.
var ErrInvalidConfig = errors.New("invalid mask")

// Spot is a circular exclusion centred at (X, Y) mm.
type Spot struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Diameter float64 `json:"diameter"` // mm
}

// Ring excludes a full 2θ annulus.
type Ring struct {
	TwoTheta  float64 `json:"tth"`
	Thickness float64 `json:"thickness"` // Full width in 2θ (degrees)
}

// Arc excludes a 2θ annulus within an azimuth window. Azimuth[1] may
// exceed 360 to wrap through zero.
type Arc struct {
	TwoTheta  float64    `json:"tth"`
	Azimuth   [2]float64 `json:"azimuth"`
	Thickness float64    `json:"thickness"`
}

// Thresholds bounds usable raw intensities. Limits only apply when
// Limits[1] > Limits[0]; Global records the image range they were picked from.
type Thresholds struct {
	Global [2]float64 `json:"global"`
	Limits [2]float64 `json:"limits"`
}

// Active reports whether the intensity limits are in force.
func (t Thresholds) Active() bool {
	return t.Limits[1] > t.Limits[0]
}

// Set is the full mask state of one image. Positions are detector mm.
type Set struct {
	Spots      []Spot               `json:"spots,omitempty"`
	Rings      []Ring               `json:"rings,omitempty"`
	Arcs       []Arc                `json:"arcs,omitempty"`
	Polygons   [][]geometry.Point2D `json:"polygons,omitempty"`
	Frame      []geometry.Point2D   `json:"frame,omitempty"`
	Thresholds Thresholds           `json:"thresholds"`
}

// Empty reports whether the set excludes nothing.
func (s Set) Empty() bool {
	return len(s.Spots) == 0 && len(s.Rings) == 0 && len(s.Arcs) == 0 &&
		len(s.Polygons) == 0 && len(s.Frame) == 0 && !s.Thresholds.Active()
}

// Cleanup returns a copy of s without degenerate entries: spots with no
// diameter, rings and arcs with no thickness or no azimuth span, polygons
// and frames with fewer than three vertices. The count of dropped entries
// is returned; dropping is never an error.
func (s Set) Cleanup() (Set, int) {
	out := Set{Thresholds: s.Thresholds}
	dropped := 0

	for _, sp := range s.Spots {
		if sp.Diameter > 0 {
			out.Spots = append(out.Spots, sp)
		} else {
			dropped++
		}
	}
	for _, r := range s.Rings {
		if r.Thickness > 0 {
			out.Rings = append(out.Rings, r)
		} else {
			dropped++
		}
	}
	for _, a := range s.Arcs {
		if a.Thickness > 0 && a.Azimuth[1] != a.Azimuth[0] {
			out.Arcs = append(out.Arcs, a)
		} else {
			dropped++
		}
	}
	for _, poly := range s.Polygons {
		if len(poly) >= 3 {
			out.Polygons = append(out.Polygons, append([]geometry.Point2D(nil), poly...))
		} else {
			dropped++
		}
	}
	if len(s.Frame) >= 3 {
		out.Frame = append([]geometry.Point2D(nil), s.Frame...)
	} else if len(s.Frame) > 0 {
		dropped++
	}
	return out, dropped
}

// minPolygonArea (mm²) separates a real polygon from collinear vertices.
const minPolygonArea = 1e-12

// Validate checks the invariants Cleanup cannot repair: the frame must be
// a simple polygon, no polygon may enclose zero area, and threshold limits
// must not be inverted.
func (s Set) Validate() error {
	if len(s.Frame) >= 3 {
		if !geometry.IsSimplePolygon(s.Frame) {
			return pkgerrors.Wrap(ErrInvalidConfig, "frame polygon intersects itself")
		}
		if math.Abs(geometry.Area(s.Frame)) < minPolygonArea {
			return pkgerrors.Wrap(ErrInvalidConfig, "frame polygon has zero area")
		}
	}
	for i, p := range s.Polygons {
		if len(p) >= 3 && math.Abs(geometry.Area(p)) < minPolygonArea {
			return pkgerrors.Wrapf(ErrInvalidConfig, "polygon %d has zero area", i)
		}
	}
	if s.Thresholds.Limits[1] < s.Thresholds.Limits[0] {
		return pkgerrors.Wrapf(ErrInvalidConfig, "threshold limits inverted: %v", s.Thresholds.Limits)
	}
	return nil
}
