// Package lsq is a small Levenberg-Marquardt least-squares driver.
//
// Parameters are fitted in scaled form (each step is relative to the
// parameter's starting magnitude) so distances in mm and angles in degrees
// share one finite-difference step.
package lsq

import (
	"errors"
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNotConverged is returned when the iteration cap is reached, the
// residuals become non-finite, or no damped step lowers chi².
var ErrNotConverged = errors.New("least squares did not converge")

// Func fills dst (length M) with residuals evaluated at params.
type Func func(dst, params []float64)

// Problem is a residual function with a fixed number of residuals.
type Problem struct {
	M         int
	Residuals Func
}

// Settings tunes the minimizer. Zero fields take their DefaultSettings value.
type Settings struct {
	MaxIter int     // Iteration cap
	Tol     float64 // Relative chi² change treated as converged
	Lambda0 float64 // Initial damping
	Step    float64 // Finite-difference step in scaled units
	Scale   []float64
}

// DefaultSettings returns the settings used by the calibration and strain fits.
func DefaultSettings() Settings {
	return Settings{
		MaxIter: 200,
		Tol:     1e-10,
		Lambda0: 1e-3,
		Step:    1e-6,
	}
}

// Result is the outcome of a fit.
type Result struct {
	Params     []float64
	Sigma      []float64  // One-sigma uncertainties from the covariance
	Cov        *mat.Dense // Parameter covariance, scaled by reduced chi²
	Chi2       float64    // Sum of squared residuals
	ReducedChi float64    // Chi2 / (M - N)
	Iterations int
	Converged  bool
}

// Minimize runs Levenberg-Marquardt from x0. The returned Result always
// holds the best parameters seen; err wraps ErrNotConverged when the fit
// stopped without meeting the convergence test.
func Minimize(p Problem, x0 []float64, s Settings) (Result, error) {
	n := len(x0)
	if n == 0 {
		return Result{}, pkgerrors.New("no parameters to fit")
	}
	if p.M < n {
		return Result{}, pkgerrors.Errorf("%d residuals cannot determine %d parameters", p.M, n)
	}
	if s.MaxIter <= 0 {
		s.MaxIter = DefaultSettings().MaxIter
	}
	if s.Step <= 0 {
		s.Step = DefaultSettings().Step
	}
	if s.Lambda0 <= 0 {
		s.Lambda0 = DefaultSettings().Lambda0
	}
	if s.Tol <= 0 {
		s.Tol = DefaultSettings().Tol
	}

	scale := make([]float64, n)
	for i := range scale {
		switch {
		case i < len(s.Scale) && s.Scale[i] > 0:
			scale[i] = s.Scale[i]
		case math.Abs(x0[i]) > 1e-3:
			scale[i] = math.Abs(x0[i])
		default:
			scale[i] = 1
		}
	}

	// Residuals in scaled coordinates: x = x0 + z*scale.
	x := make([]float64, n)
	unscale := func(z []float64) []float64 {
		for i := range z {
			x[i] = x0[i] + z[i]*scale[i]
		}
		return x
	}
	f := func(dst, z []float64) {
		p.Residuals(dst, unscale(z))
	}

	z := make([]float64, n)
	r := make([]float64, p.M)
	f(r, z)
	chi2 := floats.Dot(r, r)
	if math.IsNaN(chi2) || math.IsInf(chi2, 0) {
		return Result{Params: append([]float64(nil), x0...), Chi2: chi2},
			pkgerrors.Wrap(ErrNotConverged, "residuals are not finite at the starting point")
	}

	jac := mat.NewDense(p.M, n, nil)
	jSettings := &fd.JacobianSettings{Formula: fd.Central, Step: s.Step}
	lambda := s.Lambda0
	trial := make([]float64, n)
	rTrial := make([]float64, p.M)

	converged, stalled := false, false
	iter := 0
	grad := mat.NewVecDense(n, nil)

	for iter = 1; iter <= s.MaxIter; iter++ {
		fd.Jacobian(jac, f, z, jSettings)
		jtj := normalMatrix(jac)
		grad.MulVec(jac.T(), mat.NewVecDense(p.M, r))

		if chi2 == 0 || mat.Norm(grad, math.Inf(1)) < 1e-15*(1+chi2) {
			converged = true
			break
		}

		improved := false
		for !improved {
			delta, ok := dampedStep(jtj, grad, lambda)
			if ok {
				for i := range trial {
					trial[i] = z[i] + delta.AtVec(i)
				}
				f(rTrial, trial)
				c := floats.Dot(rTrial, rTrial)
				if c <= chi2 && !math.IsNaN(c) {
					rel := (chi2 - c) / math.Max(chi2, 1e-300)
					copy(z, trial)
					copy(r, rTrial)
					chi2 = c
					lambda = math.Max(lambda/10, 1e-12)
					improved = true
					if rel < s.Tol && lambda < 1e6 {
						converged = true
					}
					continue
				}
			}
			lambda *= 10
			if lambda > 1e16 {
				// No damped step lowers chi². That is a minimum to working
				// precision only when the gradient has also vanished.
				if mat.Norm(grad, math.Inf(1)) < 1e-8*(1+chi2) {
					converged = true
				} else {
					stalled = true
				}
				break
			}
		}
		if converged || stalled {
			break
		}
	}
	if iter > s.MaxIter {
		iter = s.MaxIter
	}

	res := Result{
		Params:     append([]float64(nil), unscale(z)...),
		Chi2:       chi2,
		Iterations: iter,
		Converged:  converged,
	}
	dof := p.M - n
	if dof > 0 {
		res.ReducedChi = chi2 / float64(dof)
	}
	res.Cov, res.Sigma = covariance(p.M, n, f, z, scale, jSettings, res.ReducedChi)

	logrus.WithFields(logrus.Fields{
		"params":     n,
		"residuals":  p.M,
		"iterations": iter,
		"chi2":       chi2,
		"converged":  converged,
	}).Debug("least squares finished")

	if stalled {
		return res, pkgerrors.Wrapf(ErrNotConverged, "no step lowers chi2 %g after %d iterations", chi2, iter)
	}
	if !converged {
		return res, pkgerrors.Wrapf(ErrNotConverged, "stopped after %d iterations (chi2 %g)", iter, chi2)
	}
	return res, nil
}

// dampedStep solves (JᵀJ + λ·diag(JᵀJ))·δ = -Jᵀr. Diagonal entries below
// a fraction of the largest are floored there, so a parameter with no
// leverage on the residuals gets a zero step instead of a singular system.
func dampedStep(jtj *mat.SymDense, grad *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n, _ := jtj.Dims()
	floor := 0.0
	for i := 0; i < n; i++ {
		floor = math.Max(floor, jtj.At(i, i))
	}
	floor *= 1e-12
	if floor == 0 {
		floor = 1
	}
	a := mat.NewSymDense(n, nil)
	a.CopySym(jtj)
	for i := 0; i < n; i++ {
		d := math.Max(jtj.At(i, i), floor)
		a.SetSym(i, i, jtj.At(i, i)+lambda*d)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, false
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, grad); err != nil && !isConditionWarning(err) {
		return nil, false
	}
	delta.ScaleVec(-1, &delta)
	return &delta, true
}

// covariance returns inv(JᵀJ)·reducedChi² mapped back to unscaled
// parameters. A singular normal matrix yields nil covariance and NaN sigmas.
func covariance(m, n int, f Func, z, scale []float64, settings *fd.JacobianSettings, reduced float64) (*mat.Dense, []float64) {
	jac := mat.NewDense(m, n, nil)
	fd.Jacobian(jac, f, z, settings)
	jtj := normalMatrix(jac)

	sigma := make([]float64, n)
	var inv mat.Dense
	if err := inv.Inverse(jtj); err != nil && !isConditionWarning(err) {
		for i := range sigma {
			sigma[i] = math.NaN()
		}
		return nil, sigma
	}
	cov := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cov.Set(i, j, inv.At(i, j)*reduced*scale[i]*scale[j])
		}
	}
	for i := range sigma {
		sigma[i] = math.Sqrt(math.Abs(cov.At(i, i)))
	}
	return cov, sigma
}

// isConditionWarning reports whether err only flags an ill-conditioned but
// usable inverse.
func isConditionWarning(err error) bool {
	var cond mat.Condition
	return errors.As(err, &cond) && !math.IsInf(float64(cond), 1)
}

// normalMatrix returns JᵀJ.
func normalMatrix(jac *mat.Dense) *mat.SymDense {
	_, n := jac.Dims()
	var prod mat.Dense
	prod.Mul(jac.T(), jac)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, prod.At(i, j))
		}
	}
	return sym
}
