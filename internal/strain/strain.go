// Package strain fits in-plane lattice strain tensors to the azimuthal
// variation of ring d-spacings.
package strain

import (
	"errors"
	"fmt"
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"imgcal/internal/detector"
	"imgcal/internal/image"
	"imgcal/internal/lsq"
	"imgcal/internal/ringsearch"
)

var (
	// ErrRingNotFound means the ring search produced too few points to fit.
	ErrRingNotFound = errors.New("ring not found")
	// ErrNotConverged means the strain fit stopped without converging.
	ErrNotConverged = errors.New("strain fit did not converge")
)

// Ring status values.
const (
	StatusOK           = "ok"
	StatusNotFound     = "ring not found"
	StatusNotConverged = "not converged"
)

// minPoints is the fewest ring points a strain fit accepts.
const minPoints = 5

// Type selects how fitted strains are reported.
type Type string

const (
	Conventional Type = "Conventional"
	True         Type = "True"
)

// Ring is one d-spacing of interest and, after fitting, its strain.
type Ring struct {
	Dset     float64 `json:"Dset"`
	PixLimit int     `json:"pixLimit"`
	Cutoff   float64 `json:"cutoff"`

	Dcalc  float64    `json:"Dcalc"`
	Emat   [3]float64 `json:"Emat"` // e11, e12, e22 as fitted
	Esig   [3]float64 `json:"Esig"`
	Strain [3]float64 `json:"Strain"` // Emat in the requested convention

	ObsAzm []float64 `json:"-"`
	ObsD   []float64 `json:"-"`
	CalcD  []float64 `json:"-"`

	Status string `json:"-"`
	Reason string `json:"-"`
}

// Settings configures a strain run.
type Settings struct {
	Azimuths int
	Type     Type
	LSQ      lsq.Settings
}

// DefaultSettings samples every four degrees and reports conventional strain.
func DefaultSettings() Settings {
	return Settings{Azimuths: 90, Type: Conventional, LSQ: lsq.DefaultSettings()}
}

// Model returns d(φ) = d0 / (1 + e11·cos²φ + 2·e12·sinφ·cosφ + e22·sin²φ)
// for azimuth φ in degrees.
func Model(d0 float64, e [3]float64, azm float64) float64 {
	s, c := math.Sincos(azm * math.Pi / 180)
	return d0 / (1 + e[0]*c*c + 2*e[1]*s*c + e[2]*s*s)
}

// FitStrain fits every ring independently. A ring that cannot be found or
// fitted is returned with its Status and Reason set; the others are
// unaffected. The error is non-nil only for an invalid geometry.
func FitStrain(img *image.Image, mask ringsearch.Mask, g detector.Geometry, rings []Ring, s Settings) ([]Ring, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	out := make([]Ring, len(rings))
	for i, r := range rings {
		fitted, err := FitRing(img, mask, g, r, s)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"dset":   r.Dset,
				"status": fitted.Status,
			}).Warn(err)
		}
		out[i] = fitted
	}
	return out, nil
}

// FitRing locates the ring at r.Dset, measures d at each azimuth and fits
// the strain model with d0 held at Dset. Only the isotropic part of the
// tensor moves d0, so the two cannot be refined together; Dcalc reports
// the azimuthal mean of the fitted d(φ) instead.
func FitRing(img *image.Image, mask ringsearch.Mask, g detector.Geometry, r Ring, s Settings) (Ring, error) {
	out := Ring{Dset: r.Dset, PixLimit: r.PixLimit, Cutoff: r.Cutoff}
	tth, ok := detector.DToTwoTheta(r.Dset, g.Wavelength)
	if !ok {
		out.Status, out.Reason = StatusNotFound, "d-spacing not reachable at this wavelength"
		return out, pkgerrors.Wrapf(ErrRingNotFound, "d=%g", r.Dset)
	}

	params := ringsearch.Params{PixLimit: r.PixLimit, Cutoff: r.Cutoff, Azimuths: s.Azimuths}
	points := ringsearch.Search(img, mask, g, tth, params)
	if len(points) < minPoints {
		out.Status = StatusNotFound
		out.Reason = fmt.Sprintf("%d ring points found, need %d", len(points), minPoints)
		return out, pkgerrors.Wrapf(ErrRingNotFound, "d=%g", r.Dset)
	}

	m := g.Mapper()
	for _, p := range points {
		t, azm := m.PixelToAngle(p.X, p.Y)
		out.ObsAzm = append(out.ObsAzm, azm)
		out.ObsD = append(out.ObsD, detector.TwoThetaToD(t, g.Wavelength))
	}

	problem := lsq.Problem{
		M: len(points),
		Residuals: func(dst, e []float64) {
			ev := [3]float64{e[0], e[1], e[2]}
			for i, azm := range out.ObsAzm {
				dst[i] = Model(r.Dset, ev, azm) - out.ObsD[i]
			}
		},
	}
	settings := s.LSQ
	settings.Scale = []float64{1e-3, 1e-3, 1e-3}
	fit, err := lsq.Minimize(problem, []float64{0, 0, 0}, settings)
	if err != nil {
		out.Status, out.Reason = StatusNotConverged, err.Error()
		return out, pkgerrors.Wrap(ErrNotConverged, err.Error())
	}

	copy(out.Emat[:], fit.Params)
	copy(out.Esig[:], fit.Sigma)
	for _, azm := range out.ObsAzm {
		out.CalcD = append(out.CalcD, Model(r.Dset, out.Emat, azm))
	}
	var sum float64
	for k := 0; k < 360; k++ {
		sum += Model(r.Dset, out.Emat, float64(k))
	}
	out.Dcalc = sum / 360
	out.Strain = Convert(out.Emat, s.Type)
	out.Status = StatusOK

	logrus.WithFields(logrus.Fields{
		"dset":   r.Dset,
		"dcalc":  out.Dcalc,
		"points": len(points),
		"e11":    out.Emat[0],
		"e12":    out.Emat[1],
		"e22":    out.Emat[2],
	}).Debug("strain fit")
	return out, nil
}

// Convert expresses a fitted tensor in the given convention. True strain
// applies ln(1+λ) to the principal values.
func Convert(e [3]float64, t Type) [3]float64 {
	if t != True {
		return e
	}
	sym := mat.NewSymDense(2, []float64{e[0], e[1], e[1], e[2]})
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return e
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var out [3]float64
	for k, l := range vals {
		tl := math.Log1p(l)
		v0, v1 := vecs.At(0, k), vecs.At(1, k)
		out[0] += tl * v0 * v0
		out[1] += tl * v0 * v1
		out[2] += tl * v1 * v1
	}
	return out
}
