// Package calibrate refines detector geometry from powder rings of a
// calibrant with known d-spacings.
package calibrate

import (
	"errors"
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"imgcal/internal/calibrant"
	"imgcal/internal/detector"
	"imgcal/internal/image"
	"imgcal/internal/lsq"
	"imgcal/internal/ringsearch"
	"imgcal/pkg/geometry"
)

var (
	// ErrInsufficientData means no ring had enough points to fit.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNotConverged means the geometry fit stopped without converging.
	ErrNotConverged = errors.New("calibration did not converge")
)

// Result status values.
const (
	StatusOK           = "ok"
	StatusInsufficient = "insufficient data"
	StatusNotConverged = "not converged"
)

// minRingPoints is the fewest points a ring needs to take part in a fit.
const minRingPoints = 3

// seedTilt (degrees) replaces a zero starting tilt when the tilt rotation
// is refined; at zero tilt the rotation has no effect on any ring.
const seedTilt = 0.5

// Settings configures a calibration run.
type Settings struct {
	Calibrant calibrant.Calibrant
	Skip      int     // Innermost calibrant lines to ignore
	DMin      float64 // Smallest d-spacing used
	PixLimit  int     // Ring search half-width (pixels)
	Cutoff    float64 // Ring search peak/background ratio
	Azimuths  int     // Ring search azimuth samples per ring
	Vary      []Param
	MaxCycles int // Search + fit cycles for Recalibrate
	LSQ       lsq.Settings

	// CenterFromEllipse seeds the beam centre from the ellipse through the
	// first picked ring before fitting.
	CenterFromEllipse bool
}

// DefaultSettings returns settings for cal taken from the calibrant defaults.
func DefaultSettings(cal calibrant.Calibrant) Settings {
	return Settings{
		Calibrant: cal,
		Skip:      cal.Skip,
		DMin:      cal.DMin,
		PixLimit:  cal.PixLimit,
		Cutoff:    cal.Cutoff,
		Azimuths:  ringsearch.DefaultParams().Azimuths,
		Vary:      DefaultVary,
		MaxCycles: 5,
		LSQ:       lsq.DefaultSettings(),
	}
}

// RingPick is a set of pixel positions believed to lie on one ring.
// Index selects the d-spacing from the calibrant lines left after Skip and DMin.
type RingPick struct {
	Index  int
	Points []geometry.Point2D
}

// RingStats describes how one ring fits the refined geometry.
type RingStats struct {
	Index     int
	DSpacing  float64
	TwoTheta  float64 // Expected 2θ
	Points    int
	Mean      float64 // Mean 2θ residual (degrees)
	RMS       float64 // RMS 2θ residual (degrees)
	Ellipse   geometry.Ellipse
	EllipseOK bool
	Status    string
}

// Result reports a calibration run. Geometry is the refined geometry, or
// the input geometry unchanged when Status is not StatusOK.
type Result struct {
	Geometry   detector.Geometry
	Sigma      map[Param]float64
	Rings      []RingStats
	Chi2       float64
	Iterations int
	Cycles     int
	Status     string
	Reason     string
}

// ring is a pick resolved against the calibrant.
type ring struct {
	index  int
	d      float64
	points []geometry.Point2D
}

// Calibrate fits the varied geometry parameters to the picked rings,
// minimizing the difference between each point's measured 2θ and the
// Bragg angle of its ring.
func Calibrate(g detector.Geometry, picks []RingPick, s Settings) (Result, error) {
	if err := g.Validate(); err != nil {
		return Result{Geometry: g}, err
	}
	vary := ordered(s.Vary)
	if len(vary) == 0 {
		return Result{Geometry: g}, pkgerrors.Wrap(detector.ErrInvalidConfig, "no parameters to refine")
	}

	lines := s.Calibrant.Lines(s.Skip, s.DMin)
	var rings []ring
	var stats []RingStats
	for _, pk := range picks {
		if pk.Index < 0 || pk.Index >= len(lines) {
			stats = append(stats, RingStats{Index: pk.Index, Points: len(pk.Points), Status: "no such calibrant line"})
			continue
		}
		if len(pk.Points) < minRingPoints {
			stats = append(stats, RingStats{Index: pk.Index, DSpacing: lines[pk.Index], Points: len(pk.Points), Status: "too few points"})
			continue
		}
		rings = append(rings, ring{index: pk.Index, d: lines[pk.Index], points: pk.Points})
	}

	nPoints := 0
	for _, r := range rings {
		nPoints += len(r.points)
	}
	if len(rings) == 0 || nPoints <= len(vary) {
		logrus.WithFields(logrus.Fields{"picks": len(picks), "rings": len(rings)}).Warn("calibration has too few ring points")
		return Result{
			Geometry: g,
			Rings:    stats,
			Status:   StatusInsufficient,
			Reason:   "no ring has enough points",
		}, pkgerrors.Wrapf(ErrInsufficientData, "%d usable rings, %d points", len(rings), nPoints)
	}

	start := g
	if s.CenterFromEllipse {
		if c, ok := ellipseCenter(g, rings[0].points); ok {
			start.Center = [2]float64{c.X, c.Y}
		}
	}
	if start.Tilt == 0 && varies(vary, ParamTilt) && varies(vary, ParamRotation) {
		start.Tilt = seedTilt
	}

	x0 := make([]float64, len(vary))
	for i, p := range vary {
		x0[i] = p.get(start)
	}
	build := func(x []float64) detector.Geometry {
		trial := start
		for i, p := range vary {
			p.set(&trial, x[i])
		}
		return trial
	}

	problem := lsq.Problem{
		M: nPoints,
		Residuals: func(dst, x []float64) {
			trial := build(x)
			m := trial.Mapper()
			k := 0
			for _, r := range rings {
				want, ok := detector.DToTwoTheta(r.d, trial.Wavelength)
				for _, pt := range r.points {
					if !ok || trial.Distance <= 0 {
						dst[k] = math.NaN()
					} else {
						tth, _ := m.PixelToAngle(pt.X, pt.Y)
						dst[k] = tth - want
					}
					k++
				}
			}
		},
	}

	fit, err := lsq.Minimize(problem, x0, s.LSQ)
	if err != nil {
		logrus.WithError(err).Warn("calibration did not converge")
		return Result{
			Geometry:   g,
			Rings:      stats,
			Chi2:       fit.Chi2,
			Iterations: fit.Iterations,
			Status:     StatusNotConverged,
			Reason:     err.Error(),
		}, pkgerrors.Wrap(ErrNotConverged, err.Error())
	}

	refined := build(fit.Params)
	if err := refined.Validate(); err != nil {
		return Result{Geometry: g, Rings: stats, Status: StatusNotConverged, Reason: err.Error()},
			pkgerrors.Wrap(ErrNotConverged, err.Error())
	}
	refined = canonical(refined)

	res := Result{
		Geometry:   refined,
		Sigma:      map[Param]float64{},
		Chi2:       fit.Chi2,
		Iterations: fit.Iterations,
		Status:     StatusOK,
	}
	for i, p := range vary {
		res.Sigma[p] = fit.Sigma[i]
	}
	for _, r := range rings {
		stats = append(stats, ringStats(refined, r))
	}
	res.Rings = stats

	logrus.WithFields(logrus.Fields{
		"rings":      len(rings),
		"points":     nPoints,
		"chi2":       fit.Chi2,
		"iterations": fit.Iterations,
		"distance":   refined.Distance,
		"tilt":       refined.Tilt,
	}).Info("calibration complete")
	return res, nil
}

// ringStats summarizes the residuals of one ring under g and fits an
// ellipse through its points in detector mm.
func ringStats(g detector.Geometry, r ring) RingStats {
	m := g.Mapper()
	want, _ := detector.DToTwoTheta(r.d, g.Wavelength)
	resid := make([]float64, len(r.points))
	mm := make([]geometry.Point2D, len(r.points))
	for i, pt := range r.points {
		tth, _ := m.PixelToAngle(pt.X, pt.Y)
		resid[i] = tth - want
		mm[i] = g.PixelToMM(pt.X, pt.Y)
	}

	st := RingStats{
		Index:    r.index,
		DSpacing: r.d,
		TwoTheta: want,
		Points:   len(r.points),
		Mean:     stat.Mean(resid, nil),
		Status:   StatusOK,
	}
	st.RMS = floats.Norm(resid, 2) / math.Sqrt(float64(len(resid)))

	if e, err := geometry.FitEllipse(mm); err == nil {
		st.Ellipse = e
		st.EllipseOK = true
	}
	return st
}

func ellipseCenter(g detector.Geometry, points []geometry.Point2D) (geometry.Point2D, bool) {
	mm := make([]geometry.Point2D, len(points))
	for i, pt := range points {
		mm[i] = g.PixelToMM(pt.X, pt.Y)
	}
	e, err := geometry.FitEllipse(mm)
	if err != nil {
		return geometry.Point2D{}, false
	}
	return e.Center, true
}

// FindRings runs the automated ring search for every calibrant line that
// the geometry puts on the detector.
func FindRings(img *image.Image, mask ringsearch.Mask, g detector.Geometry, s Settings) []RingPick {
	params := ringsearch.Params{PixLimit: s.PixLimit, Cutoff: s.Cutoff, Azimuths: s.Azimuths}
	var picks []RingPick
	for i, d := range s.Calibrant.Lines(s.Skip, s.DMin) {
		tth, ok := detector.DToTwoTheta(d, g.Wavelength)
		if !ok {
			continue
		}
		found := ringsearch.Search(img, mask, g, tth, params)
		if len(found) == 0 {
			continue
		}
		pk := RingPick{Index: i, Points: make([]geometry.Point2D, len(found))}
		for j, p := range found {
			pk.Points[j] = geometry.Point2D{X: p.X, Y: p.Y}
		}
		picks = append(picks, pk)
	}
	return picks
}

// Recalibrate repeats automated ring search and fitting from the current
// geometry until the predicted ring positions move by less than a
// hundredth of a pixel or MaxCycles is reached. On failure the input
// geometry is returned unchanged.
func Recalibrate(img *image.Image, mask ringsearch.Mask, g detector.Geometry, s Settings) (Result, error) {
	if err := g.Validate(); err != nil {
		return Result{Geometry: g}, err
	}
	maxCycles := s.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 5
	}

	current := g
	var res Result
	for cycle := 1; cycle <= maxCycles; cycle++ {
		picks := FindRings(img, mask, current, s)
		r, err := Calibrate(current, picks, s)
		r.Cycles = cycle
		if err != nil {
			r.Geometry = g
			return r, err
		}
		shift := ringShift(current, r.Geometry, s)
		current = r.Geometry
		res = r

		logrus.WithFields(logrus.Fields{
			"cycle": cycle,
			"rings": len(picks),
			"shift": shift,
		}).Debug("recalibration cycle")
		if shift < 0.01 {
			break
		}
	}
	return res, nil
}

// ringShift is the largest pixel displacement of any predicted ring
// position between two geometries.
func ringShift(a, b detector.Geometry, s Settings) float64 {
	ma, mb := a.Mapper(), b.Mapper()
	var worst float64
	for _, d := range s.Calibrant.Lines(s.Skip, s.DMin) {
		ta, okA := detector.DToTwoTheta(d, a.Wavelength)
		tb, okB := detector.DToTwoTheta(d, b.Wavelength)
		if !okA || !okB {
			continue
		}
		for azm := 0.0; azm < 360; azm += 45 {
			xa, ya, ok1 := ma.AngleToPixel(ta, azm)
			xb, yb, ok2 := mb.AngleToPixel(tb, azm)
			if ok1 && ok2 {
				worst = math.Max(worst, math.Hypot(xa-xb, ya-yb))
			}
		}
	}
	return worst
}
