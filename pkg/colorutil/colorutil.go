// Package colorutil provides colour maps and overlay colours for detector previews.
package colorutil

import (
	"fmt"
	"image/color"
	"math"
)

// Common overlay colors.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Red     = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Colormap names a mapping from [0, 1] to colour.
type Colormap string

const (
	Gray    Colormap = "gray"
	Hot     Colormap = "hot"
	Rainbow Colormap = "rainbow"
)

// ParseColormap checks a colour map name.
func ParseColormap(s string) (Colormap, error) {
	switch m := Colormap(s); m {
	case Gray, Hot, Rainbow:
		return m, nil
	}
	return "", fmt.Errorf("unknown colour map %q (gray, hot, rainbow)", s)
}

// At returns the colour for t, clamped to [0, 1].
func (m Colormap) At(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	switch m {
	case Hot:
		// black -> red -> yellow -> white
		return color.RGBA{
			R: unit(3 * t),
			G: unit(3*t - 1),
			B: unit(3*t - 2),
			A: 255,
		}
	case Rainbow:
		// blue (low) to red (high)
		return HSVToRGB(240*(1-t), 1, 1)
	}
	v := unit(t)
	return color.RGBA{R: v, G: v, B: v, A: 255}
}

// HSVToRGB converts hue in degrees and saturation and value in [0, 1].
func HSVToRGB(h, s, v float64) color.RGBA {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return color.RGBA{R: unit(r + m), G: unit(g + m), B: unit(b + m), A: 255}
}

func unit(x float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, x)) * 255))
}
