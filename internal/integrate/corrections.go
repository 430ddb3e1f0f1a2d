package integrate

import (
	"math"
)

// PolarizationFactor is the fraction of scattered intensity kept at 2θ
// and azimuth (degrees) for a beam with horizontal polarization fraction p.
// Azimuth 0 lies along +x, the horizontal. Intensities are divided by it.
func PolarizationFactor(tth, azm, p float64) float64 {
	s2 := math.Pow(math.Sin(tth*math.Pi/180), 2)
	sa, ca := math.Sincos(azm * math.Pi / 180)
	return p*(1-s2*ca*ca) + (1-p)*(1-s2*sa*sa)
}

// ObliquityFactor multiplies an intensity recorded at incidence cosine
// cosAlpha on a sensor with normal-incidence transmission t, rescaling
// its absorption efficiency 1-t^(1/cosα) to that at normal incidence.
func ObliquityFactor(cosAlpha, t float64) float64 {
	if cosAlpha <= 0 || t <= 0 || t >= 1 {
		return 1
	}
	return (1 - t) / (1 - math.Pow(t, 1/cosAlpha))
}

// FlatPlateAbsorption is the transmission through a plate of absorption
// μt normal to the beam, at 2θ, relative to 2θ = 0. Back-reflected
// angles return 1.
func FlatPlateAbsorption(tth, mut float64) float64 {
	c := math.Cos(tth * math.Pi / 180)
	if mut <= 0 || c <= 0 {
		return 1
	}
	if 1-c < 1e-9 {
		return 1
	}
	sec := 1 / c
	a := (math.Exp(-mut) - math.Exp(-mut*sec)) / (mut * (sec - 1))
	return a / math.Exp(-mut)
}

// cylinderTable tabulates cylinder transmission against 2θ.
type cylinderTable struct {
	step float64
	rel  []float64 // A(2θ)/A(0)
}

const (
	cylinderStep  = 0.25 // degrees
	cylinderNodes = 48   // quadrature nodes per axis
)

// newCylinderTable integrates exp(-μ(l_in + l_out)) over the cross-section
// of a unit-radius cylinder with its axis normal to the beam, for μR = mur.
func newCylinderTable(mur float64) *cylinderTable {
	n := int(180/cylinderStep) + 1
	t := &cylinderTable{step: cylinderStep, rel: make([]float64, n)}
	if mur <= 0 {
		for i := range t.rel {
			t.rel[i] = 1
		}
		return t
	}
	a0 := cylinderTransmission(0, mur)
	for i := range t.rel {
		t.rel[i] = cylinderTransmission(float64(i)*cylinderStep, mur) / a0
	}
	return t
}

// cylinderTransmission returns the mean attenuation over the cylinder
// cross-section for rays scattered through tth degrees.
func cylinderTransmission(tth, mur float64) float64 {
	dx, dy := math.Cos(tth*math.Pi/180), math.Sin(tth*math.Pi/180)
	var sum, weight float64
	for j := 0; j < cylinderNodes; j++ {
		y := -1 + (float64(j)+0.5)*2/cylinderNodes
		half := math.Sqrt(1 - y*y)
		w := 2 * half / cylinderNodes
		for i := 0; i < cylinderNodes; i++ {
			x := -half + (float64(i)+0.5)*w
			in := x + half
			// Distance to the circle along (dx, dy).
			pd := x*dx + y*dy
			out := -pd + math.Sqrt(pd*pd-(x*x+y*y-1))
			sum += w * math.Exp(-mur*(in+out))
			weight += w
		}
	}
	return sum / weight
}

// at interpolates the relative transmission at 2θ.
func (t *cylinderTable) at(tth float64) float64 {
	f := tth / t.step
	if f <= 0 {
		return t.rel[0]
	}
	i := int(f)
	if i >= len(t.rel)-1 {
		return t.rel[len(t.rel)-1]
	}
	frac := f - float64(i)
	return t.rel[i]*(1-frac) + t.rel[i+1]*frac
}

// corrector applies the per-pixel multiplicative corrections selected by
// the controls.
type corrector struct {
	c        Controls
	cylinder *cylinderTable
}

func newCorrector(c Controls) *corrector {
	k := &corrector{c: c}
	if c.SampleAbsCorr && c.SampleShape == ShapeCylinder {
		k.cylinder = newCylinderTable(c.SampleAbs)
	}
	return k
}

// factor returns the multiplier for a pixel at 2θ/azimuth with incidence
// cosine cosAlpha. ok is false when the pixel carries no usable signal.
func (k *corrector) factor(tth, azm, cosAlpha float64) (float64, bool) {
	f := 1.0
	if k.c.ObliqueCorr && k.c.DataType == DataPowder {
		f *= ObliquityFactor(cosAlpha, k.c.Oblique)
	}
	if k.c.SampleAbsCorr {
		var a float64
		if k.cylinder != nil {
			a = k.cylinder.at(tth)
		} else {
			a = FlatPlateAbsorption(tth, k.c.SampleAbs)
		}
		if a <= 0 {
			return 0, false
		}
		f /= a
	}
	if k.c.PolarizCorr && k.c.DataType == DataSmallAngle {
		p := PolarizationFactor(tth, azm, k.c.Polarization)
		if p <= 1e-6 {
			return 0, false
		}
		f /= p
	}
	return f, true
}

// needsIncidence reports whether factor uses cosAlpha.
func (k *corrector) needsIncidence() bool {
	return k.c.ObliqueCorr && k.c.DataType == DataPowder
}
