package controls

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"

	"imgcal/internal/mask"
	"imgcal/pkg/geometry"
)

// MaskVersion is the version written to new mask files.
const MaskVersion = 2

// maskFile is the on-disk layout: shapes as compact tuples.
type maskFile struct {
	Points     [][3]float64   `json:"Points"`
	Rings      [][2]float64   `json:"Rings"`
	Arcs       []arcTuple     `json:"Arcs"`
	Polygons   [][][2]float64 `json:"Polygons"`
	Frame      [][2]float64   `json:"Frame"`
	Thresholds [2][2]float64  `json:"Thresholds"`
}

// arcTuple is written as [2θ, [azMin, azMax], thickness].
type arcTuple mask.Arc

func (a arcTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.TwoTheta, a.Azimuth, a.Thickness})
}

func (a *arcTuple) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("arc needs 3 fields, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &a.TwoTheta); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &a.Azimuth); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &a.Thickness)
}

var maskChain = []migration{
	migrateMaskV0,
	migrateMaskV1,
}

// migrateMaskV0 adds the shape lists unversioned files did not carry.
func migrateMaskV0(rec record) error {
	for _, key := range []string{"Points", "Rings", "Arcs", "Polygons", "Frame"} {
		if err := rec.setDefault(key, []any{}); err != nil {
			return err
		}
	}
	return rec.setDefault("Thresholds", [2][2]float64{})
}

// migrateMaskV1 converts the version 1 frame, stored as a list holding at
// most one polygon, into a single vertex list.
func migrateMaskV1(rec record) error {
	raw, ok := rec["Frame"]
	if !ok {
		return nil
	}
	var frames [][][2]float64
	if err := json.Unmarshal(raw, &frames); err != nil {
		// Already a vertex list.
		return nil
	}
	switch len(frames) {
	case 0:
		return rec.set("Frame", [][2]float64{})
	case 1:
		return rec.set("Frame", frames[0])
	}
	return pkgerrors.Errorf("mask file holds %d frames, only one is allowed", len(frames))
}

func toPoints(v [][2]float64) []geometry.Point2D {
	if len(v) == 0 {
		return nil
	}
	out := make([]geometry.Point2D, len(v))
	for i, p := range v {
		out[i] = geometry.Point2D{X: p[0], Y: p[1]}
	}
	return out
}

func fromPoints(p []geometry.Point2D) [][2]float64 {
	out := make([][2]float64, len(p))
	for i, q := range p {
		out[i] = [2]float64{q.X, q.Y}
	}
	return out
}

// ReadMask decodes a mask file, migrating older versions. Degenerate
// entries are dropped.
func ReadMask(r io.Reader) (mask.Set, error) {
	rec, err := readRecord(r)
	if err != nil {
		return mask.Set{}, err
	}
	if err := migrate(rec, maskChain); err != nil {
		return mask.Set{}, err
	}
	var mf maskFile
	if err := decodeInto(rec, &mf); err != nil {
		return mask.Set{}, pkgerrors.Wrap(err, "failed to decode mask file")
	}

	var set mask.Set
	for _, p := range mf.Points {
		set.Spots = append(set.Spots, mask.Spot{X: p[0], Y: p[1], Diameter: p[2]})
	}
	for _, r := range mf.Rings {
		set.Rings = append(set.Rings, mask.Ring{TwoTheta: r[0], Thickness: r[1]})
	}
	for _, a := range mf.Arcs {
		set.Arcs = append(set.Arcs, mask.Arc(a))
	}
	for _, poly := range mf.Polygons {
		set.Polygons = append(set.Polygons, toPoints(poly))
	}
	set.Frame = toPoints(mf.Frame)
	set.Thresholds = mask.Thresholds{Global: mf.Thresholds[0], Limits: mf.Thresholds[1]}

	set, _ = set.Cleanup()
	if err := set.Validate(); err != nil {
		return mask.Set{}, err
	}
	return set, nil
}

// WriteMask cleans the set and encodes it at the current version.
func WriteMask(w io.Writer, set mask.Set) error {
	set, _ = set.Cleanup()
	mf := maskFile{
		Points:     [][3]float64{},
		Rings:      [][2]float64{},
		Arcs:       []arcTuple{},
		Polygons:   [][][2]float64{},
		Frame:      fromPoints(set.Frame),
		Thresholds: [2][2]float64{set.Thresholds.Global, set.Thresholds.Limits},
	}
	for _, s := range set.Spots {
		mf.Points = append(mf.Points, [3]float64{s.X, s.Y, s.Diameter})
	}
	for _, r := range set.Rings {
		mf.Rings = append(mf.Rings, [2]float64{r.TwoTheta, r.Thickness})
	}
	for _, a := range set.Arcs {
		mf.Arcs = append(mf.Arcs, arcTuple(a))
	}
	for _, poly := range set.Polygons {
		mf.Polygons = append(mf.Polygons, fromPoints(poly))
	}

	rec, err := flatten(mf)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode mask")
	}
	if err := rec.set(versionKey, MaskVersion); err != nil {
		return err
	}
	return writeRecord(w, rec)
}

// LoadMask reads a mask file from disk.
func LoadMask(path string) (mask.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return mask.Set{}, pkgerrors.Wrap(err, "failed to open mask file")
	}
	defer f.Close()
	set, err := ReadMask(f)
	if err != nil {
		return mask.Set{}, pkgerrors.Wrapf(err, "mask file %s", path)
	}
	return set, nil
}

// SaveMask writes a mask file to disk.
func SaveMask(path string, set mask.Set) error {
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create mask file")
	}
	if err := WriteMask(f, set); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
