package calibrate

import (
	"errors"
	"math"
	"testing"

	"imgcal/internal/calibrant"
	"imgcal/internal/detector"
	"imgcal/internal/image"
	"imgcal/pkg/geometry"
)

func trueGeometry() detector.Geometry {
	return detector.Geometry{
		Distance:   200,
		Center:     [2]float64{51.2, 51.2},
		PixelSize:  [2]float64{0.2, 0.2},
		Wavelength: 1,
		Tilt:       5,
		Rotation:   30,
	}
}

func lab6(t *testing.T) calibrant.Calibrant {
	t.Helper()
	cat, err := calibrant.DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}
	cal, ok := cat.Get("LaB6 SRM660b")
	if !ok {
		t.Fatal("LaB6 missing")
	}
	return cal
}

// exactPicks traces the first n calibrant rings of g in pixel coordinates.
func exactPicks(g detector.Geometry, s Settings, n, perRing int) []RingPick {
	var picks []RingPick
	for i, d := range s.Calibrant.Lines(s.Skip, s.DMin) {
		if i >= n {
			break
		}
		tth, _ := detector.DToTwoTheta(d, g.Wavelength)
		var pts []geometry.Point2D
		for _, p := range g.RingPoints(tth, perRing) {
			x, y := g.MMToPixel(p)
			pts = append(pts, geometry.Point2D{X: x, Y: y})
		}
		picks = append(picks, RingPick{Index: i, Points: pts})
	}
	return picks
}

func TestCalibrateRecoversGeometry(t *testing.T) {
	g0 := trueGeometry()
	s := DefaultSettings(lab6(t))
	picks := exactPicks(g0, s, 4, 36)

	start := g0
	start.Distance = 195
	start.Center = [2]float64{51.0, 51.5}
	start.Tilt = 4
	start.Rotation = 35

	res, err := Calibrate(start, picks, s)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	got := res.Geometry
	checks := []struct {
		name      string
		got, want float64
		tol       float64
	}{
		{"distance", got.Distance, g0.Distance, 1e-4},
		{"center x", got.Center[0], g0.Center[0], 1e-5},
		{"center y", got.Center[1], g0.Center[1], 1e-5},
		{"tilt", got.Tilt, g0.Tilt, 1e-4},
		{"rotation", got.Rotation, g0.Rotation, 1e-3},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > c.tol {
			t.Errorf("%s = %.6f, want %.6f", c.name, c.got, c.want)
		}
	}
	if res.Status != StatusOK || len(res.Rings) != 4 {
		t.Errorf("status %q with %d ring stats", res.Status, len(res.Rings))
	}
	for _, r := range res.Rings {
		if r.RMS > 1e-5 || !r.EllipseOK {
			t.Errorf("ring %d: rms %g ellipse %v", r.Index, r.RMS, r.EllipseOK)
		}
	}
	if _, ok := res.Sigma[ParamDistance]; !ok {
		t.Error("missing distance sigma")
	}
}

func TestCalibrateFromUntiltedStart(t *testing.T) {
	g0 := trueGeometry()
	s := DefaultSettings(lab6(t))
	picks := exactPicks(g0, s, 4, 36)

	start := g0
	start.Distance = 195
	start.Tilt = 0
	start.Rotation = 0

	res, err := Calibrate(start, picks, s)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	got := res.Geometry
	if res.Status != StatusOK || res.Chi2 > 1e-12 {
		t.Errorf("status %q chi2 %g", res.Status, res.Chi2)
	}
	if math.Abs(got.Distance-g0.Distance) > 1e-4 ||
		math.Abs(got.Center[0]-g0.Center[0]) > 1e-5 ||
		math.Abs(got.Center[1]-g0.Center[1]) > 1e-5 {
		t.Errorf("distance %.6f center %v", got.Distance, got.Center)
	}
	if math.Abs(got.Tilt-g0.Tilt) > 1e-4 || math.Abs(got.Rotation-g0.Rotation) > 1e-3 {
		t.Errorf("tilt %.6f rotation %.6f, want %v %v", got.Tilt, got.Rotation, g0.Tilt, g0.Rotation)
	}
}

func TestCalibrateNotConverged(t *testing.T) {
	g0 := trueGeometry()
	s := DefaultSettings(lab6(t))
	s.LSQ.MaxIter = 1
	picks := exactPicks(g0, s, 4, 36)

	start := g0
	start.Distance = 195
	start.Tilt = 4
	start.Rotation = 35

	res, err := Calibrate(start, picks, s)
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ErrNotConverged, got %v", err)
	}
	if res.Status != StatusNotConverged || res.Reason == "" {
		t.Errorf("status %q reason %q", res.Status, res.Reason)
	}
	if res.Geometry != start {
		t.Errorf("geometry changed: %+v", res.Geometry)
	}
	if res.Sigma != nil {
		t.Errorf("sigmas reported for a failed fit: %v", res.Sigma)
	}
}

func TestCalibrateFixedParameters(t *testing.T) {
	g0 := trueGeometry()
	g0.Tilt = 0
	g0.Rotation = 0
	s := DefaultSettings(lab6(t))
	s.Vary = []Param{ParamDistance}
	picks := exactPicks(g0, s, 3, 24)

	start := g0
	start.Distance = 210
	res, err := Calibrate(start, picks, s)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if math.Abs(res.Geometry.Distance-200) > 1e-5 {
		t.Errorf("distance = %v", res.Geometry.Distance)
	}
	if res.Geometry.Center != g0.Center || res.Geometry.Tilt != 0 {
		t.Errorf("fixed parameters changed: %+v", res.Geometry)
	}
}

func TestCalibrateInsufficientData(t *testing.T) {
	g := trueGeometry()
	s := DefaultSettings(lab6(t))
	picks := []RingPick{
		{Index: 0, Points: []geometry.Point2D{{X: 1, Y: 1}, {X: 2, Y: 2}}},
		{Index: 1},
	}
	res, err := Calibrate(g, picks, s)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if res.Status != StatusInsufficient || res.Geometry != g {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Rings) != 2 {
		t.Errorf("dropped rings should be reported, got %d", len(res.Rings))
	}
}

func TestCalibrateRejectsInvalidConfig(t *testing.T) {
	g := trueGeometry()
	g.Distance = 0
	s := DefaultSettings(lab6(t))
	if _, err := Calibrate(g, nil, s); !errors.Is(err, detector.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	s.Vary = nil
	if _, err := Calibrate(trueGeometry(), nil, s); !errors.Is(err, detector.ErrInvalidConfig) {
		t.Errorf("empty vary list: got %v", err)
	}
}

func TestRecalibrateFromImage(t *testing.T) {
	g0 := trueGeometry()
	g0.Tilt = 2
	s := DefaultSettings(lab6(t))
	s.DMin = 2.5
	s.PixLimit = 10
	s.Cutoff = 5

	const n = 512
	m := g0.Mapper()
	lines := s.Calibrant.Lines(s.Skip, s.DMin)
	var ringTTh []float64
	for _, d := range lines {
		tth, _ := detector.DToTwoTheta(d, g0.Wavelength)
		ringTTh = append(ringTTh, tth)
	}
	data := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			tth, _ := m.PixelToAngle(float64(x)+0.5, float64(y)+0.5)
			v := 10.0
			for _, r := range ringTTh {
				d := (tth - r) / 0.05
				v += 1000 * math.Exp(-d*d/2)
			}
			data[y*n+x] = v
		}
	}
	img, err := image.New(n, n, data, g0.PixelSize)
	if err != nil {
		t.Fatal(err)
	}

	start := g0
	start.Distance = 201
	start.Center = [2]float64{51.4, 51.0}
	start.Tilt = 1.5

	res, err := Recalibrate(img, nil, start, s)
	if err != nil {
		t.Fatalf("Recalibrate failed: %v", err)
	}
	got := res.Geometry
	if math.Abs(got.Distance-g0.Distance) > 0.2 {
		t.Errorf("distance = %v", got.Distance)
	}
	if math.Abs(got.Center[0]-g0.Center[0]) > 0.02 || math.Abs(got.Center[1]-g0.Center[1]) > 0.02 {
		t.Errorf("center = %v", got.Center)
	}
	if math.Abs(got.Tilt-g0.Tilt) > 0.3 {
		t.Errorf("tilt = %v", got.Tilt)
	}
	if res.Cycles < 1 || res.Cycles > s.MaxCycles {
		t.Errorf("cycles = %d", res.Cycles)
	}
}

func TestRecalibrateBlankImage(t *testing.T) {
	g := trueGeometry()
	s := DefaultSettings(lab6(t))
	img := image.Filled(64, 64, 0, g.PixelSize)
	res, err := Recalibrate(img, nil, g, s)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if res.Geometry != g {
		t.Error("geometry must be unchanged after a failed run")
	}
}

func TestParseParams(t *testing.T) {
	got, err := ParseParams("dist, det-X,tilt,dist")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != ParamDistance || got[2] != ParamTilt {
		t.Errorf("ParseParams = %v", got)
	}
	if _, err := ParseParams("dist,bogus"); err == nil {
		t.Error("expected error for unknown parameter")
	}
}
