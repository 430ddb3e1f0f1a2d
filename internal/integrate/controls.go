package integrate

import (
	"errors"
	"math"

	pkgerrors "github.com/pkg/errors"
)

// ErrInvalidConfig marks integration controls rejected before any pixel work.
var ErrInvalidConfig = errors.New("invalid integration controls")

// BinType selects the radial unit of the output profile.
type BinType string

const (
	BinTwoTheta BinType = "2-theta"
	BinQ        BinType = "Q"
	BinLogQ     BinType = "log(Q)"
)

// DataType is the kind of profile being produced; it gates some corrections.
type DataType string

const (
	DataPowder     DataType = "PWDR"
	DataSmallAngle DataType = "SASD"
)

// SampleShape selects the sample self-absorption model.
type SampleShape string

const (
	ShapeCylinder  SampleShape = "Cylinder"
	ShapeFlatPlate SampleShape = "Fixed flat plate"
)

// MinOutChannels is the smallest number of radial channels accepted.
const MinOutChannels = 10

// Controls configures one integration. IOtth is in degrees for
// BinTwoTheta and in inverse Angstrom for BinQ and BinLogQ.
type Controls struct {
	IOtth         [2]float64  `json:"IOtth"`
	LRazimuth     [2]float64  `json:"LRazimuth"`
	FullIntegrate bool        `json:"fullIntegrate"`
	OutChannels   int         `json:"outChannels"`
	OutAzimuths   int         `json:"outAzimuths"`
	BinType       BinType     `json:"binType"`
	CenterAzm     bool        `json:"centerAzm"`
	DataType      DataType    `json:"type"`
	SampleShape   SampleShape `json:"SampleShape"`
	SampleAbs     float64     `json:"SampleAbs"` // μR for cylinders, μt for plates
	SampleAbsCorr bool        `json:"SampleAbsCorr"`
	Oblique       float64     `json:"Oblique"` // Detector transmission at normal incidence
	ObliqueCorr   bool        `json:"ObliqueCorr"`
	Polarization  float64     `json:"PolaVal"`
	PolarizCorr   bool        `json:"PolaCorr"`
	FlatBkg       float64     `json:"FlatBkg"`
	BlockSize     int         `json:"blkSize"`
}

// DefaultControls returns controls for a full-circle 2θ powder integration.
func DefaultControls() Controls {
	return Controls{
		IOtth:        [2]float64{5, 50},
		LRazimuth:    [2]float64{0, 360},
		OutChannels:  2500,
		OutAzimuths:  1,
		BinType:      BinTwoTheta,
		DataType:     DataPowder,
		SampleShape:  ShapeCylinder,
		Oblique:      0.5,
		Polarization: 0.99,
		BlockSize:    128,
	}
}

// Validate rejects controls that cannot drive an integration.
func (c Controls) Validate() error {
	switch {
	case c.OutChannels < MinOutChannels:
		return pkgerrors.Wrapf(ErrInvalidConfig, "outChannels must be at least %d, got %d", MinOutChannels, c.OutChannels)
	case c.OutAzimuths < 1:
		return pkgerrors.Wrapf(ErrInvalidConfig, "outAzimuths must be at least 1, got %d", c.OutAzimuths)
	case !(c.IOtth[1] > c.IOtth[0]):
		return pkgerrors.Wrapf(ErrInvalidConfig, "radial range %v is empty", c.IOtth)
	case c.BlockSize <= 0:
		return pkgerrors.Wrapf(ErrInvalidConfig, "block size must be positive, got %d", c.BlockSize)
	}

	switch c.BinType {
	case BinTwoTheta:
		if c.IOtth[0] < 0 || c.IOtth[1] > 180 {
			return pkgerrors.Wrapf(ErrInvalidConfig, "2θ range %v outside [0, 180]", c.IOtth)
		}
	case BinQ:
		if c.IOtth[0] < 0 {
			return pkgerrors.Wrapf(ErrInvalidConfig, "Q range %v is negative", c.IOtth)
		}
	case BinLogQ:
		if !(c.IOtth[0] > 0) {
			return pkgerrors.Wrapf(ErrInvalidConfig, "log(Q) binning needs a positive Q range, got %v", c.IOtth)
		}
	default:
		return pkgerrors.Wrapf(ErrInvalidConfig, "unknown bin type %q", c.BinType)
	}

	if !c.FullIntegrate {
		w := c.LRazimuth[1] - c.LRazimuth[0]
		if !(w > 0) || w > 360 {
			return pkgerrors.Wrapf(ErrInvalidConfig, "azimuth range %v must have a width in (0, 360]", c.LRazimuth)
		}
	}
	if c.SampleAbsCorr {
		if c.SampleShape != ShapeCylinder && c.SampleShape != ShapeFlatPlate {
			return pkgerrors.Wrapf(ErrInvalidConfig, "unknown sample shape %q", c.SampleShape)
		}
		if c.SampleAbs < 0 || math.IsNaN(c.SampleAbs) {
			return pkgerrors.Wrapf(ErrInvalidConfig, "sample absorption must not be negative, got %g", c.SampleAbs)
		}
	}
	if c.ObliqueCorr && !(c.Oblique > 0 && c.Oblique < 1) {
		return pkgerrors.Wrapf(ErrInvalidConfig, "oblique transmission must be in (0, 1), got %g", c.Oblique)
	}
	if c.PolarizCorr && (c.Polarization < 0 || c.Polarization > 1) {
		return pkgerrors.Wrapf(ErrInvalidConfig, "polarization must be in [0, 1], got %g", c.Polarization)
	}
	return nil
}

// azimuthWindow returns the start and width of the integrated azimuth range.
func (c Controls) azimuthWindow() (lo, width float64) {
	if c.FullIntegrate {
		return c.LRazimuth[0], 360
	}
	return c.LRazimuth[0], c.LRazimuth[1] - c.LRazimuth[0]
}

// radialRange returns the binning range in the binning coordinate.
func (c Controls) radialRange() (lo, hi float64) {
	if c.BinType == BinLogQ {
		return math.Log10(c.IOtth[0]), math.Log10(c.IOtth[1])
	}
	return c.IOtth[0], c.IOtth[1]
}
