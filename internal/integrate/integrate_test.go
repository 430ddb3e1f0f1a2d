package integrate

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"imgcal/internal/detector"
	"imgcal/internal/image"
)

func smallGeometry() detector.Geometry {
	return detector.Geometry{
		Distance:   100,
		Center:     [2]float64{25.6, 25.6},
		PixelSize:  [2]float64{0.2, 0.2},
		Wavelength: 1,
	}
}

func baseControls() Controls {
	c := DefaultControls()
	c.IOtth = [2]float64{2, 14}
	c.OutChannels = 10
	c.FullIntegrate = true
	return c
}

type halfMask struct{}

func (halfMask) Valid(x, y int) bool { return x >= 128 }

type noneMask struct{}

func (noneMask) Valid(x, y int) bool { return false }

func TestFlatImageGivesFlatProfile(t *testing.T) {
	g := smallGeometry()
	img := image.Filled(256, 256, 42, g.PixelSize)

	tests := []struct {
		name     string
		binType  BinType
		rng      [2]float64
		channels int
	}{
		{name: "2θ 10", binType: BinTwoTheta, rng: [2]float64{2, 14}, channels: 10},
		{name: "2θ 25", binType: BinTwoTheta, rng: [2]float64{2, 14}, channels: 25},
		{name: "2θ 50", binType: BinTwoTheta, rng: [2]float64{2, 14}, channels: 50},
		{name: "Q", binType: BinQ, rng: [2]float64{0.3, 1.4}, channels: 20},
		{name: "log Q", binType: BinLogQ, rng: [2]float64{0.3, 1.4}, channels: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseControls()
			c.BinType = tt.binType
			c.IOtth = tt.rng
			c.OutChannels = tt.channels
			res, err := Integrate(context.Background(), img, g, c, nil, nil)
			if err != nil {
				t.Fatalf("Integrate failed: %v", err)
			}
			if len(res.Profiles) != 1 || len(res.Edges) != tt.channels+1 {
				t.Fatalf("got %d profiles, %d edges", len(res.Profiles), len(res.Edges))
			}
			p := res.Profiles[0]
			for i, y := range p.Y {
				if p.Counts[i] == 0 {
					t.Fatalf("bin %d is empty", i)
				}
				if math.Abs(y-42) > 1e-9 {
					t.Errorf("bin %d = %v, want 42", i, y)
				}
			}
			if math.Abs(res.Edges[0]-tt.rng[0]) > 1e-9 || math.Abs(res.Edges[tt.channels]-tt.rng[1]) > 1e-9 {
				t.Errorf("edges span [%v, %v], want %v", res.Edges[0], res.Edges[tt.channels], tt.rng)
			}
			for i := 1; i < len(p.X); i++ {
				if p.X[i] <= p.X[i-1] {
					t.Fatalf("bin centres not increasing at %d", i)
				}
			}
		})
	}
}

func TestSingleRingScenario(t *testing.T) {
	g := detector.Geometry{
		Distance:   200,
		Center:     [2]float64{51.2, 51.2},
		PixelSize:  [2]float64{0.2, 0.2},
		Wavelength: 1,
	}
	const n = 512
	m := g.Mapper()
	data := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			tth, _ := m.PixelToAngle(float64(x)+0.5, float64(y)+0.5)
			if tth >= 10 && tth < 10.1 {
				data[y*n+x] = 1000
			}
		}
	}
	img, err := image.New(n, n, data, g.PixelSize)
	if err != nil {
		t.Fatal(err)
	}

	c := DefaultControls()
	c.IOtth = [2]float64{9, 11}
	c.OutChannels = 20
	c.FullIntegrate = true

	var calls int
	res, err := Integrate(context.Background(), img, g, c, nil, func(done, total int) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatalf("Integrate failed: %v", err)
	}
	if res.Incomplete || res.BlocksDone != 16 || calls != 16 {
		t.Errorf("blocks %d/%d, %d progress calls, incomplete %v", res.BlocksDone, res.BlocksTotal, calls, res.Incomplete)
	}

	p := res.Profiles[0]
	peak := 0
	for i := range p.Y {
		if p.Y[i] > p.Y[peak] {
			peak = i
		}
	}
	if peak != 10 {
		t.Errorf("peak in channel %d (x=%.3f), want 10", peak, p.X[peak])
	}
	if math.Abs(p.Y[10]-1000) > 1e-6 {
		t.Errorf("peak intensity = %v, want 1000", p.Y[10])
	}
	for i, y := range p.Y {
		if i != 10 && y != 0 {
			t.Errorf("background bin %d = %v, want 0", i, y)
		}
	}
	if math.Abs(p.X[10]-10.05) > 1e-9 {
		t.Errorf("peak bin centre = %v", p.X[10])
	}
	wantSigma := math.Sqrt(1000*float64(p.Counts[10])) / float64(p.Counts[10])
	if math.Abs(p.Sigma[10]-wantSigma) > 1e-9 {
		t.Errorf("sigma = %v, want %v", p.Sigma[10], wantSigma)
	}
}

func ringImage(g detector.Geometry, n int) *image.Image {
	m := g.Mapper()
	data := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			tth, azm := m.PixelToAngle(float64(x)+0.5, float64(y)+0.5)
			d := (tth - 8) / 0.3
			data[y*n+x] = 10 + 500*math.Exp(-d*d/2)*(1+0.5*math.Cos(azm*math.Pi/90))
		}
	}
	img, _ := image.New(n, n, data, g.PixelSize)
	return img
}

func TestFullCircleConsistency(t *testing.T) {
	g := smallGeometry()
	img := ringImage(g, 256)

	full := baseControls()
	full.OutAzimuths = 4
	full.LRazimuth = [2]float64{30, 90}
	full.FullIntegrate = true

	explicit := full
	explicit.FullIntegrate = false
	explicit.LRazimuth = [2]float64{30, 390}

	a, err := Integrate(context.Background(), img, g, full, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Integrate(context.Background(), img, g, explicit, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k := range a.Profiles {
		pa, pb := a.Profiles[k], b.Profiles[k]
		if pa.Azimuth != pb.Azimuth {
			t.Errorf("sector %d azimuth %v vs %v", k, pa.Azimuth, pb.Azimuth)
		}
		for i := range pa.Y {
			if pa.Y[i] != pb.Y[i] || pa.Counts[i] != pb.Counts[i] {
				t.Fatalf("sector %d bin %d differs: %v/%d vs %v/%d", k, i, pa.Y[i], pa.Counts[i], pb.Y[i], pb.Counts[i])
			}
		}
	}
}

func TestAzimuthSectors(t *testing.T) {
	g := smallGeometry()
	const n = 256
	data := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if y >= n/2 {
				data[y*n+x] = 100
			} else {
				data[y*n+x] = 200
			}
		}
	}
	img, _ := image.New(n, n, data, g.PixelSize)

	c := baseControls()
	c.OutAzimuths = 2
	c.LRazimuth = [2]float64{0, 360}

	for _, centre := range []bool{false, true} {
		c.CenterAzm = centre
		res, err := Integrate(context.Background(), img, g, c, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		wantY := []float64{100, 200}
		wantAzm := []float64{0, 180}
		if centre {
			wantAzm = []float64{90, 270}
		}
		for k, p := range res.Profiles {
			if p.Azimuth != wantAzm[k] {
				t.Errorf("centre=%v sector %d azimuth %v, want %v", centre, k, p.Azimuth, wantAzm[k])
			}
			for i, y := range p.Y {
				if math.Abs(y-wantY[k]) > 1e-9 {
					t.Fatalf("sector %d bin %d = %v, want %v", k, i, y, wantY[k])
				}
			}
		}
	}
}

func TestPartialAzimuthWindow(t *testing.T) {
	g := smallGeometry()
	img := image.Filled(256, 256, 5, g.PixelSize)
	c := baseControls()
	c.FullIntegrate = false
	c.LRazimuth = [2]float64{-45, 45}

	res, err := Integrate(context.Background(), img, g, c, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.FullIntegrate = true
	whole, err := Integrate(context.Background(), img, g, c, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	part, all := 0, 0
	for i := range res.Profiles[0].Counts {
		part += res.Profiles[0].Counts[i]
		all += whole.Profiles[0].Counts[i]
	}
	ratio := float64(part) / float64(all)
	if math.Abs(ratio-0.25) > 0.01 {
		t.Errorf("quarter window holds %.3f of the pixels", ratio)
	}
}

func TestMaskAndCorrections(t *testing.T) {
	g := smallGeometry()
	img := image.Filled(256, 256, 50, g.PixelSize)
	img.Dark = image.Filled(256, 256, 10, g.PixelSize)
	img.DarkScale = 2
	c := baseControls()
	c.FlatBkg = 5

	res, err := Integrate(context.Background(), img, g, c, halfMask{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, y := range res.Profiles[0].Y {
		if math.Abs(y-25) > 1e-9 {
			t.Errorf("bin %d = %v, want 50-2*10-5", i, y)
		}
	}

	res, err = Integrate(context.Background(), img, g, c, noneMask{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range res.Profiles[0].Counts {
		if n != 0 {
			t.Errorf("bin %d has %d pixels under a full mask", i, n)
		}
	}
}

func TestPolarizationFactor(t *testing.T) {
	cos2 := func(deg float64) float64 {
		c := math.Cos(deg * math.Pi / 180)
		return c * c
	}
	tests := []struct {
		name          string
		tth, azm, pol float64
		want          float64
	}{
		{"horizontal beam in plane", 30, 0, 1, cos2(30)},
		{"horizontal beam opposite side", 30, 180, 1, cos2(30)},
		{"horizontal beam out of plane", 30, 90, 1, 1},
		{"vertical beam in plane", 30, 90, 0, cos2(30)},
		{"vertical beam out of plane", 30, 0, 0, 1},
		{"unpolarized", 40, 17, 0.5, (1 + cos2(40)) / 2},
		{"straight through", 0, 45, 0.95, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PolarizationFactor(tt.tth, tt.azm, tt.pol)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("PolarizationFactor(%v, %v, %v) = %v, want %v", tt.tth, tt.azm, tt.pol, got, tt.want)
			}
		})
	}
}

func TestObliquityAndPolarizationGating(t *testing.T) {
	g := smallGeometry()
	img := image.Filled(256, 256, 100, g.PixelSize)

	tests := []struct {
		name  string
		setup func(*Controls)
		want  func(tth float64) float64
	}{
		{
			name: "obliquity on powder",
			setup: func(c *Controls) {
				c.DataType = DataPowder
				c.ObliqueCorr = true
				c.Oblique = 0.5
			},
			want: func(tth float64) float64 { return 100 * ObliquityFactor(math.Cos(tth*math.Pi/180), 0.5) },
		},
		{
			name: "obliquity ignored for small angle",
			setup: func(c *Controls) {
				c.DataType = DataSmallAngle
				c.ObliqueCorr = true
				c.Oblique = 0.5
			},
			want: func(float64) float64 { return 100 },
		},
		{
			name: "polarization on small angle",
			setup: func(c *Controls) {
				c.DataType = DataSmallAngle
				c.PolarizCorr = true
				c.Polarization = 0.5
			},
			want: func(tth float64) float64 {
				s := math.Sin(tth * math.Pi / 180)
				return 100 / (1 - s*s/2)
			},
		},
		{
			name: "polarization ignored for powder",
			setup: func(c *Controls) {
				c.DataType = DataPowder
				c.PolarizCorr = true
				c.Polarization = 0.5
			},
			want: func(float64) float64 { return 100 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseControls()
			tt.setup(&c)
			res, err := Integrate(context.Background(), img, g, c, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			p := res.Profiles[0]
			for i := range p.Y {
				want := tt.want(p.X[i])
				if math.Abs(p.Y[i]-want) > 1e-3*want {
					t.Errorf("bin %d (2θ %.2f) = %v, want %v", i, p.X[i], p.Y[i], want)
				}
			}
		})
	}
}

func TestCancellation(t *testing.T) {
	g := smallGeometry()
	img := image.Filled(256, 256, 1, g.PixelSize)
	c := baseControls()
	c.BlockSize = 64

	res, err := Integrate(context.Background(), img, g, c, nil, func(done, total int) bool {
		return done == 3
	})
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if !res.Incomplete || res.BlocksDone != 3 || res.BlocksTotal != 16 {
		t.Errorf("incomplete=%v blocks %d/%d", res.Incomplete, res.BlocksDone, res.BlocksTotal)
	}
	total := 0
	for _, n := range res.Profiles[0].Counts {
		total += n
	}
	if total == 0 || total > 3*64*64 {
		t.Errorf("partial result holds %d pixels", total)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = Integrate(ctx, img, g, c, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Incomplete || res.BlocksDone != 0 {
		t.Errorf("cancelled context: incomplete=%v done=%d", res.Incomplete, res.BlocksDone)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Controls)
	}{
		{"too few channels", func(c *Controls) { c.OutChannels = 9 }},
		{"no azimuths", func(c *Controls) { c.OutAzimuths = 0 }},
		{"empty range", func(c *Controls) { c.IOtth = [2]float64{10, 10} }},
		{"log Q from zero", func(c *Controls) { c.BinType = BinLogQ; c.IOtth = [2]float64{0, 2} }},
		{"unknown bin type", func(c *Controls) { c.BinType = "d" }},
		{"empty azimuth window", func(c *Controls) { c.FullIntegrate = false; c.LRazimuth = [2]float64{50, 40} }},
		{"oblique out of range", func(c *Controls) { c.ObliqueCorr = true; c.Oblique = 1.5 }},
		{"polarization out of range", func(c *Controls) { c.PolarizCorr = true; c.Polarization = -0.1 }},
		{"zero block size", func(c *Controls) { c.BlockSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultControls()
			tt.modify(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if err := DefaultControls().Validate(); err != nil {
		t.Errorf("default controls rejected: %v", err)
	}

	g := smallGeometry()
	bad := DefaultControls()
	bad.OutChannels = 5
	if _, err := Integrate(context.Background(), image.Filled(8, 8, 1, g.PixelSize), g, bad, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Integrate accepted invalid controls: %v", err)
	}
}

func TestCorrectionFactors(t *testing.T) {
	if f := ObliquityFactor(1, 0.3); math.Abs(f-1) > 1e-12 {
		t.Errorf("normal incidence factor = %v", f)
	}
	if f := ObliquityFactor(0.5, 0.5); math.Abs(f-0.5/0.75) > 1e-12 {
		t.Errorf("oblique factor = %v", f)
	}
	if f := PolarizationFactor(90, 0, 1); math.Abs(f) > 1e-12 {
		t.Errorf("polarization extinction = %v", f)
	}
	if f := FlatPlateAbsorption(0, 1); f != 1 {
		t.Errorf("flat plate at 0 = %v", f)
	}
	if a, b := FlatPlateAbsorption(20, 1), FlatPlateAbsorption(40, 1); !(a < 1 && b < a) {
		t.Errorf("flat plate transmission should fall with 2θ: %v, %v", a, b)
	}

	const mur = 0.001
	got := (1 - cylinderTransmission(0, mur)) / mur
	want := 16 / (3 * math.Pi)
	if math.Abs(got-want) > 0.01*want {
		t.Errorf("cylinder mean chord = %v, want %v", got, want)
	}
	table := newCylinderTable(1)
	if math.Abs(table.at(0)-1) > 1e-12 {
		t.Errorf("cylinder table not normalised: %v", table.at(0))
	}
	if !(table.at(150) > table.at(30)) {
		t.Errorf("cylinder transmission should rise towards back-scattering")
	}
}

func TestWriteXY(t *testing.T) {
	p := Profile{
		Azimuth:      0,
		AzimuthRange: [2]float64{0, 360},
		X:            []float64{1, 2, 3},
		Y:            []float64{10, 0, 30},
		Sigma:        []float64{1, 0, 3},
		Counts:       []int{4, 0, 9},
	}
	var buf bytes.Buffer
	if err := WriteXY(&buf, p, BinTwoTheta); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[2] != "1.000000 10.000000 1.000000" || lines[3] != "3.000000 30.000000 3.000000" {
		t.Errorf("unexpected data lines %q", lines[2:])
	}
}
