package controls

import (
	"encoding/json"
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"imgcal/internal/calibrate"
	"imgcal/internal/detector"
	"imgcal/internal/integrate"
	"imgcal/internal/strain"
)

// ControlsVersion is the version written to new control files.
const ControlsVersion = 2

// Calibration holds the calibration settings saved with an image.
type Calibration struct {
	Calibrant string            `json:"calibrant"`
	Skip      int               `json:"calibskip"`
	DMin      float64           `json:"calibdmin"`
	PixLimit  int               `json:"pixLimit"`
	Cutoff    float64           `json:"cutoff"`
	Vary      []calibrate.Param `json:"varyList"`
}

// strainSection is the strain part of a control file.
type strainSection struct {
	Type  strain.Type   `json:"StrainType"`
	Rings []strain.Ring `json:"strainRings"`
}

// Image is everything persisted in an image control file.
type Image struct {
	Geometry    detector.Geometry
	Integration integrate.Controls
	Calibration Calibration
	StrainType  strain.Type
	StrainRings []strain.Ring
}

// DefaultImage returns the controls given to a newly loaded image.
func DefaultImage() Image {
	return Image{
		Geometry:    detector.Default(),
		Integration: integrate.DefaultControls(),
		Calibration: Calibration{
			Skip:     0,
			DMin:     0.5,
			PixLimit: 10,
			Cutoff:   10,
			Vary:     append([]calibrate.Param(nil), calibrate.DefaultVary...),
		},
		StrainType: strain.Conventional,
	}
}

var controlsChain = []migration{
	migrateControlsV0,
	migrateControlsV1,
}

// migrateControlsV0 fills keys that unversioned files never had. Those
// files flagged log(Q) binning with a separate LogQ key.
func migrateControlsV0(rec record) error {
	binType := integrate.BinTwoTheta
	if raw, ok := rec["LogQ"]; ok {
		var logQ bool
		if err := json.Unmarshal(raw, &logQ); err != nil {
			return pkgerrors.Wrap(err, "LogQ")
		}
		if logQ {
			binType = integrate.BinLogQ
		}
		delete(rec, "LogQ")
	}
	defaults := []struct {
		key   string
		value any
	}{
		{"binType", binType},
		{"detDepth", 0.0},
		{"centerAzm", false},
		{"fullIntegrate", false},
		{"outAzimuths", 1},
		{"SampleShape", integrate.ShapeCylinder},
		{"radiation", detector.RadiationXray},
	}
	for _, d := range defaults {
		if err := rec.setDefault(d.key, d.value); err != nil {
			return err
		}
	}
	return nil
}

// migrateControlsV1 splits the [value, flag] pairs of version 1 files
// into separate value and flag keys and adds the block size.
func migrateControlsV1(rec record) error {
	pairs := []struct{ old, value, flag string }{
		{"Oblique", "Oblique", "ObliqueCorr"},
		{"SampleAbs", "SampleAbs", "SampleAbsCorr"},
		{"PolaVal", "PolaVal", "PolaCorr"},
	}
	for _, p := range pairs {
		raw, ok := rec[p.old]
		if !ok {
			continue
		}
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			// Already a scalar.
			continue
		}
		if len(pair) != 2 {
			return pkgerrors.Errorf("%s: expected [value, flag], got %s", p.old, raw)
		}
		rec[p.value] = pair[0]
		rec[p.flag] = pair[1]
	}
	return rec.setDefault("blkSize", 128)
}

// ReadImage decodes a control file, migrating older versions.
func ReadImage(r io.Reader) (Image, error) {
	rec, err := readRecord(r)
	if err != nil {
		return Image{}, err
	}
	from, _ := rec.version()
	if err := migrate(rec, controlsChain); err != nil {
		return Image{}, err
	}
	if from < ControlsVersion {
		logrus.WithFields(logrus.Fields{"from": from, "to": ControlsVersion}).Debug("migrated image controls")
	}

	img := DefaultImage()
	st := strainSection{Type: img.StrainType}
	if err := decodeInto(rec, &img.Geometry, &img.Integration, &img.Calibration, &st); err != nil {
		return Image{}, pkgerrors.Wrap(err, "failed to decode image controls")
	}
	img.StrainType = st.Type
	img.StrainRings = st.Rings
	return img, nil
}

// WriteImage encodes controls at the current version.
func WriteImage(w io.Writer, img Image) error {
	rec, err := flatten(img.Geometry, img.Integration, img.Calibration,
		strainSection{Type: img.StrainType, Rings: img.StrainRings})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode image controls")
	}
	if err := rec.set(versionKey, ControlsVersion); err != nil {
		return err
	}
	return writeRecord(w, rec)
}

// LoadImage reads a control file from disk.
func LoadImage(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, pkgerrors.Wrap(err, "failed to open control file")
	}
	defer f.Close()
	img, err := ReadImage(f)
	if err != nil {
		return Image{}, pkgerrors.Wrapf(err, "control file %s", path)
	}
	return img, nil
}

// SaveImage writes a control file to disk.
func SaveImage(path string, img Image) error {
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create control file")
	}
	if err := WriteImage(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
