package calibrate

import (
	"fmt"
	"strings"

	"imgcal/internal/detector"
)

// Param names a refinable geometry parameter.
type Param string

const (
	ParamDistance   Param = "dist"
	ParamCenterX    Param = "det-X"
	ParamCenterY    Param = "det-Y"
	ParamWavelength Param = "wave"
	ParamTilt       Param = "tilt"
	ParamRotation   Param = "phi"
	ParamDepth      Param = "dep"
)

// AllParams lists every refinable parameter in fit order.
var AllParams = []Param{
	ParamDistance, ParamCenterX, ParamCenterY, ParamWavelength,
	ParamTilt, ParamRotation, ParamDepth,
}

// DefaultVary is the parameter set refined when none is given.
var DefaultVary = []Param{ParamDistance, ParamCenterX, ParamCenterY, ParamTilt, ParamRotation}

// ParseParams parses a comma-separated list such as "dist,det-X,tilt".
func ParseParams(s string) ([]Param, error) {
	var out []Param
	seen := map[Param]bool{}
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p := Param(f)
		if !p.known() {
			return nil, fmt.Errorf("unknown parameter %q", f)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (p Param) known() bool {
	for _, q := range AllParams {
		if p == q {
			return true
		}
	}
	return false
}

func (p Param) get(g detector.Geometry) float64 {
	switch p {
	case ParamDistance:
		return g.Distance
	case ParamCenterX:
		return g.Center[0]
	case ParamCenterY:
		return g.Center[1]
	case ParamWavelength:
		return g.Wavelength
	case ParamTilt:
		return g.Tilt
	case ParamRotation:
		return g.Rotation
	case ParamDepth:
		return g.DetDepth
	}
	return 0
}

func (p Param) set(g *detector.Geometry, v float64) {
	switch p {
	case ParamDistance:
		g.Distance = v
	case ParamCenterX:
		g.Center[0] = v
	case ParamCenterY:
		g.Center[1] = v
	case ParamWavelength:
		g.Wavelength = v
	case ParamTilt:
		g.Tilt = v
	case ParamRotation:
		g.Rotation = v
	case ParamDepth:
		g.DetDepth = v
	}
}

// ordered returns the varied parameters in AllParams order without duplicates.
func ordered(vary []Param) []Param {
	want := map[Param]bool{}
	for _, p := range vary {
		want[p] = true
	}
	var out []Param
	for _, p := range AllParams {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}

func varies(vary []Param, p Param) bool {
	for _, q := range vary {
		if q == p {
			return true
		}
	}
	return false
}

// canonical folds a negative tilt into the equivalent positive tilt about
// the opposite axis and keeps the rotation in [0, 360).
func canonical(g detector.Geometry) detector.Geometry {
	if g.Tilt < 0 {
		g.Tilt = -g.Tilt
		g.Rotation += 180
	}
	g.Rotation = detector.NormalizeAzimuth(g.Rotation)
	return g
}
