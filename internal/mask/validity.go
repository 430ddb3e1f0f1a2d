package mask

import (
	"math"

	"github.com/sirupsen/logrus"

	"imgcal/internal/detector"
	"imgcal/internal/image"
	"imgcal/pkg/geometry"
)

// tester evaluates a cleaned mask set pixel by pixel.
type tester struct {
	set      Set
	m        *detector.Mapper
	img      *image.Image
	polyBox  []geometry.Rect
	frameBox geometry.Rect
	needTTh  bool
}

func newTester(set Set, g detector.Geometry, img *image.Image) *tester {
	clean, _ := set.Cleanup()
	t := &tester{
		set:     clean,
		m:       g.Mapper(),
		img:     img,
		needTTh: len(clean.Rings) > 0 || len(clean.Arcs) > 0,
	}
	for _, poly := range clean.Polygons {
		t.polyBox = append(t.polyBox, geometry.BoundingBox(poly))
	}
	if len(clean.Frame) > 0 {
		t.frameBox = geometry.BoundingBox(clean.Frame)
	}
	return t
}

// valid reports whether pixel (x, y) survives every mask. Shapes are
// tested at the pixel centre.
func (t *tester) valid(x, y int) bool {
	g := t.m.Geometry()
	p := g.PixelToMM(float64(x)+0.5, float64(y)+0.5)

	if len(t.set.Frame) > 0 {
		if !t.frameBox.Contains(p) || !geometry.PointInPolygon(p, t.set.Frame) {
			return false
		}
	}

	if t.img != nil && t.set.Thresholds.Active() {
		v := t.img.At(x, y)
		if v < t.set.Thresholds.Limits[0] || v > t.set.Thresholds.Limits[1] {
			return false
		}
	}

	for _, sp := range t.set.Spots {
		r := sp.Diameter / 2
		dx, dy := p.X-sp.X, p.Y-sp.Y
		if dx*dx+dy*dy <= r*r {
			return false
		}
	}

	for i, poly := range t.set.Polygons {
		if t.polyBox[i].Contains(p) && geometry.PointInPolygon(p, poly) {
			return false
		}
	}

	if t.needTTh {
		tth, azm := t.m.MMToAngle(p.X, p.Y)
		for _, r := range t.set.Rings {
			if math.Abs(tth-r.TwoTheta) <= r.Thickness/2 {
				return false
			}
		}
		for _, a := range t.set.Arcs {
			if math.Abs(tth-a.TwoTheta) <= a.Thickness/2 && InAzimuthRange(azm, a.Azimuth[0], a.Azimuth[1]) {
				return false
			}
		}
	}
	return true
}

// BuildValidityTest returns a predicate reporting whether pixel (x, y) is
// usable under the mask set. img supplies raw intensities for the
// threshold test and may be nil.
func BuildValidityTest(set Set, g detector.Geometry, img *image.Image) func(x, y int) bool {
	t := newTester(set, g, img)
	return t.valid
}

// InAzimuthRange reports whether azimuth azm (degrees) lies in the window
// starting at lo and ending at hi, measured counter-clockwise. Windows of
// 360 degrees or more contain everything.
func InAzimuthRange(azm, lo, hi float64) bool {
	width := hi - lo
	if width < 0 {
		width += 360
	}
	if width >= 360 {
		return true
	}
	return detector.NormalizeAzimuth(azm-lo) <= width
}

// Bitmap is a rasterized mask: true marks an excluded pixel.
type Bitmap struct {
	Width, Height int
	Masked        []bool
}

// Rasterize evaluates the mask set once for every pixel of a width x height
// detector so integration can look pixels up instead of re-testing shapes.
func Rasterize(set Set, g detector.Geometry, img *image.Image, width, height int) *Bitmap {
	t := newTester(set, g, img)
	b := &Bitmap{Width: width, Height: height, Masked: make([]bool, width*height)}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			b.Masked[y*width+x] = !t.valid(x, y)
		}
	}

	logrus.WithFields(logrus.Fields{
		"width":  width,
		"height": height,
		"masked": b.Count(),
	}).Debug("rasterized mask")
	return b
}

// Valid reports whether pixel (x, y) is usable. Pixels outside the bitmap are not.
func (b *Bitmap) Valid(x, y int) bool {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return false
	}
	return !b.Masked[y*b.Width+x]
}

// Count returns the number of masked pixels.
func (b *Bitmap) Count() int {
	n := 0
	for _, m := range b.Masked {
		if m {
			n++
		}
	}
	return n
}
