package image

import (
	goimage "image"
	"image/color"
	"math"

	"imgcal/pkg/colorutil"
)

// BlendMode specifies how an overlay is combined with the rendered image.
type BlendMode int

const (
	BlendNormal BlendMode = iota
	BlendMultiply
	BlendScreen
)

func (m BlendMode) String() string {
	switch m {
	case BlendNormal:
		return "Normal"
	case BlendMultiply:
		return "Multiply"
	case BlendScreen:
		return "Screen"
	default:
		return "Unknown"
	}
}

// RenderOptions control how intensities map to colour.
type RenderOptions struct {
	// Intensity range mapped onto the colour map. Zero means the 1st to
	// 99th percentile of the image.
	Limits   [2]float64
	Log      bool
	Colormap colorutil.Colormap
}

// Overlay tints the pixels selected by Hit.
type Overlay struct {
	Hit     func(x, y int) bool
	Color   color.RGBA
	Mode    BlendMode
	Opacity float64
}

// Render draws the image through a colour map. Row 0 of the detector is
// the top row of the result.
func (img *Image) Render(opts RenderOptions) (*goimage.RGBA, error) {
	lo, hi := opts.Limits[0], opts.Limits[1]
	if lo == 0 && hi == 0 {
		st, err := img.ComputeStats()
		if err != nil {
			return nil, err
		}
		lo, hi = st.P01, st.P99
	}
	scale := func(v float64) float64 { return v }
	if opts.Log {
		scale = func(v float64) float64 { return math.Log10(math.Max(v, 1)) }
	}
	slo, shi := scale(lo), scale(hi)
	span := shi - slo
	if span <= 0 {
		span = 1
	}

	out := goimage.NewRGBA(goimage.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			t := (scale(img.At(x, y)) - slo) / span
			out.SetRGBA(x, y, opts.Colormap.At(t))
		}
	}
	return out, nil
}

// Composite blends overlays onto dst in order.
func Composite(dst *goimage.RGBA, overlays ...Overlay) {
	b := dst.Bounds()
	for _, o := range overlays {
		if o.Hit == nil {
			continue
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if o.Hit(x, y) {
					dst.SetRGBA(x, y, blend(dst.RGBAAt(x, y), o.Color, o.Mode, o.Opacity))
				}
			}
		}
	}
}

// DrawPoints marks pixel positions (x, y) on dst, ignoring those outside it.
func DrawPoints(dst *goimage.RGBA, pts [][2]float64, c color.RGBA) {
	b := dst.Bounds()
	for _, p := range pts {
		pt := goimage.Pt(int(math.Floor(p[0])), int(math.Floor(p[1])))
		if pt.In(b) {
			dst.SetRGBA(pt.X, pt.Y, c)
		}
	}
}

// blend performs the blend operation between two opaque colours.
func blend(dst, src color.RGBA, mode BlendMode, opacity float64) color.RGBA {
	sf := [3]float64{float64(src.R) / 255, float64(src.G) / 255, float64(src.B) / 255}
	df := [3]float64{float64(dst.R) / 255, float64(dst.G) / 255, float64(dst.B) / 255}

	var rf [3]float64
	for i := range rf {
		switch mode {
		case BlendMultiply:
			rf[i] = sf[i] * df[i]
		case BlendScreen:
			rf[i] = 1 - (1-sf[i])*(1-df[i])
		default:
			rf[i] = sf[i]
		}
		rf[i] = rf[i]*opacity + df[i]*(1-opacity)
	}
	return color.RGBA{
		R: uint8(math.Round(clamp(rf[0], 0, 1) * 255)),
		G: uint8(math.Round(clamp(rf[1], 0, 1) * 255)),
		B: uint8(math.Round(clamp(rf[2], 0, 1) * 255)),
		A: 255,
	}
}

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
