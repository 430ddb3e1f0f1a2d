package detector

import "math"

// DToTwoTheta returns the Bragg angle 2θ (degrees) for d-spacing d at the
// given wavelength. ok is false when the reflection is not reachable.
func DToTwoTheta(d, wavelength float64) (tth float64, ok bool) {
	if d <= 0 {
		return 0, false
	}
	s := wavelength / (2 * d)
	if s > 1 || s <= 0 {
		return 0, false
	}
	return 2 * math.Asin(s) * 180 / math.Pi, true
}

// TwoThetaToD returns the d-spacing for 2θ (degrees).
func TwoThetaToD(tth, wavelength float64) float64 {
	s := math.Sin(tth * math.Pi / 360)
	if s == 0 {
		return math.Inf(1)
	}
	return wavelength / (2 * s)
}

// QFromTwoTheta returns Q = 4π·sin(θ)/λ in inverse Angstrom.
func QFromTwoTheta(tth, wavelength float64) float64 {
	return 4 * math.Pi * math.Sin(tth*math.Pi/360) / wavelength
}

// TwoThetaFromQ inverts QFromTwoTheta. ok is false when Q exceeds 4π/λ.
func TwoThetaFromQ(q, wavelength float64) (tth float64, ok bool) {
	s := q * wavelength / (4 * math.Pi)
	if s > 1 || s < 0 {
		return 0, false
	}
	return 2 * math.Asin(s) * 180 / math.Pi, true
}

// DFromQ returns d = 2π/Q.
func DFromQ(q float64) float64 {
	if q == 0 {
		return math.Inf(1)
	}
	return 2 * math.Pi / q
}
