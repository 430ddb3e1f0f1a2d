package lsq

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestMinimizeExponential(t *testing.T) {
	xs := make([]float64, 30)
	ys := make([]float64, 30)
	for i := range xs {
		xs[i] = float64(i) * 0.1
		ys[i] = 5 * math.Exp(-1.3*xs[i])
	}
	p := Problem{
		M: len(xs),
		Residuals: func(dst, params []float64) {
			for i, x := range xs {
				dst[i] = params[0]*math.Exp(-params[1]*x) - ys[i]
			}
		},
	}
	res, err := Minimize(p, []float64{3, 0.5}, DefaultSettings())
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if math.Abs(res.Params[0]-5) > 1e-6 || math.Abs(res.Params[1]-1.3) > 1e-6 {
		t.Errorf("params = %v, want [5 1.3]", res.Params)
	}
	if !res.Converged || res.Chi2 > 1e-12 {
		t.Errorf("converged=%v chi2=%g", res.Converged, res.Chi2)
	}
}

func TestMinimizeRosenbrock(t *testing.T) {
	p := Problem{
		M: 2,
		Residuals: func(dst, params []float64) {
			dst[0] = 10 * (params[1] - params[0]*params[0])
			dst[1] = 1 - params[0]
		},
	}
	res, err := Minimize(p, []float64{-1.2, 1}, DefaultSettings())
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if math.Abs(res.Params[0]-1) > 1e-5 || math.Abs(res.Params[1]-1) > 1e-5 {
		t.Errorf("params = %v, want [1 1]", res.Params)
	}

	s := DefaultSettings()
	s.MaxIter = 1
	res, err = Minimize(p, []float64{-1.2, 1}, s)
	if !errors.Is(err, ErrNotConverged) {
		t.Errorf("expected ErrNotConverged with one iteration, got %v", err)
	}
	if res.Converged || len(res.Params) != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMinimizeIgnoresInertParameter(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	p := Problem{
		M: len(xs),
		Residuals: func(dst, params []float64) {
			// params[1] has no effect on the residuals.
			for i, x := range xs {
				dst[i] = params[0]*x - 2*x
			}
		},
	}
	res, err := Minimize(p, []float64{5, 0}, DefaultSettings())
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if math.Abs(res.Params[0]-2) > 1e-8 || res.Params[1] != 0 {
		t.Errorf("params = %v, want [2 0]", res.Params)
	}
}

func TestDampedStepZeroColumn(t *testing.T) {
	jtj := mat.NewSymDense(2, []float64{1e6, 0, 0, 0})
	grad := mat.NewVecDense(2, []float64{1e3, 0})
	for _, lambda := range []float64{1e-3, 1, 1e6, 1e16} {
		delta, ok := dampedStep(jtj, grad, lambda)
		if !ok {
			t.Errorf("lambda %g: step rejected", lambda)
			continue
		}
		want := -1e3 / (1e6 * (1 + lambda))
		if math.Abs(delta.AtVec(0)-want) > 1e-9*math.Abs(want) || delta.AtVec(1) != 0 {
			t.Errorf("lambda %g: delta = %v, want [%g 0]", lambda, mat.Formatted(delta.T()), want)
		}
	}
}

func TestMinimizeStallIsNotConverged(t *testing.T) {
	// A kink at x=1: the central-difference slope points downhill into the
	// steep side, so every proposed step raises chi².
	p := Problem{
		M: 1,
		Residuals: func(dst, params []float64) {
			d := params[0] - 1
			if d > 0 {
				dst[0] = 1 + 3*d
			} else {
				dst[0] = 1 - d
			}
		},
	}
	res, err := Minimize(p, []float64{1}, DefaultSettings())
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ErrNotConverged, got %v", err)
	}
	if res.Converged || math.Abs(res.Params[0]-1) > 1e-9 || math.Abs(res.Chi2-1) > 1e-9 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestLinearCovariance(t *testing.T) {
	const m = 10
	xs := make([]float64, m)
	ys := make([]float64, m)
	for i := range xs {
		xs[i] = float64(i)
		noise := 0.1
		if i%2 == 1 {
			noise = -0.1
		}
		ys[i] = 2 + 0.5*xs[i] + noise
	}
	p := Problem{
		M: m,
		Residuals: func(dst, params []float64) {
			for i := range xs {
				dst[i] = params[0] + params[1]*xs[i] - ys[i]
			}
		},
	}
	res, err := Minimize(p, []float64{1, 1}, DefaultSettings())
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}

	var mx, sxx float64
	for _, x := range xs {
		mx += x
	}
	mx /= m
	for _, x := range xs {
		sxx += (x - mx) * (x - mx)
	}
	s2 := res.Chi2 / (m - 2)
	wantSlope := math.Sqrt(s2 / sxx)
	if math.Abs(res.Sigma[1]-wantSlope) > 1e-6*wantSlope {
		t.Errorf("slope sigma = %g, want %g", res.Sigma[1], wantSlope)
	}
	if res.Cov == nil {
		t.Fatal("expected covariance")
	}
	if math.Abs(res.ReducedChi-s2) > 1e-12 {
		t.Errorf("reduced chi2 = %g, want %g", res.ReducedChi, s2)
	}
}

func TestMinimizeRejectsBadInput(t *testing.T) {
	p := Problem{M: 1, Residuals: func(dst, params []float64) { dst[0] = params[0] + params[1] }}
	if _, err := Minimize(p, []float64{1, 2}, DefaultSettings()); err == nil {
		t.Error("expected error for underdetermined problem")
	}
	if _, err := Minimize(p, nil, DefaultSettings()); err == nil {
		t.Error("expected error with no parameters")
	}
	nan := Problem{M: 2, Residuals: func(dst, params []float64) {
		dst[0] = math.NaN()
		dst[1] = params[0]
	}}
	if _, err := Minimize(nan, []float64{1}, DefaultSettings()); !errors.Is(err, ErrNotConverged) {
		t.Errorf("non-finite residuals: got %v", err)
	}
}
