package image

import (
	goimage "image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"
)

var pix = [2]float64{0.1, 0.1}

func TestCorrected(t *testing.T) {
	img, err := New(2, 2, []float64{100, 50, 10, 0}, pix)
	if err != nil {
		t.Fatal(err)
	}
	img.Dark = Filled(2, 2, 5, pix)
	img.DarkScale = 2
	img.Background = Filled(2, 2, 10, pix)
	img.BackScale = 0.5

	got, err := img.Corrected(3)
	if err != nil {
		t.Fatalf("Corrected failed: %v", err)
	}
	// 100 - 10 - 5 - 3 = 82; 10 - 18 clips to 0
	want := []float64{82, 32, 0, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("pixel %d = %v, want %v", i, got[i], want[i])
		}
	}
	if img.Data[0] != 100 {
		t.Errorf("Corrected must not modify the source image")
	}
}

func TestCorrectedSizeMismatch(t *testing.T) {
	img := Filled(4, 4, 1, pix)
	img.Dark = Filled(2, 2, 1, pix)
	if _, err := img.Corrected(0); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestSum(t *testing.T) {
	a := Filled(3, 2, 1, pix)
	b := Filled(3, 2, 2.5, pix)
	s, err := Sum(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range s.Data {
		if v != 3.5 {
			t.Fatalf("pixel %d = %v, want 3.5", i, v)
		}
	}
	if _, err := Sum(a, Filled(2, 2, 1, pix)); err == nil {
		t.Fatal("expected error for mismatched frames")
	}
}

func TestInterpolate(t *testing.T) {
	img, _ := New(2, 2, []float64{0, 10, 20, 30}, pix)
	tests := []struct {
		x, y float64
		want float64
		ok   bool
	}{
		{x: 0.5, y: 0.5, want: 0, ok: true},
		{x: 1.5, y: 0.5, want: 10, ok: true},
		{x: 1.0, y: 1.0, want: 15, ok: true},
		{x: 1.5, y: 1.5, want: 30, ok: true},
		{x: 0.2, y: 1.0, ok: false},
	}
	for _, tt := range tests {
		got, ok := img.Interpolate(tt.x, tt.y)
		if ok != tt.ok {
			t.Errorf("Interpolate(%v, %v) ok = %v, want %v", tt.x, tt.y, ok, tt.ok)
			continue
		}
		if ok && math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Interpolate(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestComputeStats(t *testing.T) {
	data := make([]float64, 100)
	for i := range data {
		data[i] = float64(i)
	}
	img, _ := New(10, 10, data, pix)
	s, err := img.ComputeStats()
	if err != nil {
		t.Fatal(err)
	}
	if s.Min != 0 || s.Max != 99 {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if math.Abs(s.Median-49.5) > 1e-12 {
		t.Errorf("median = %v", s.Median)
	}
}

func TestLoadTIFF(t *testing.T) {
	src := goimage.NewGray16(goimage.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(1000*y + x)})
		}
	}
	path := filepath.Join(t.TempDir(), "frame.tif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tiff.Encode(f, src, nil); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, err := Load(path, pix)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Width != 4 || img.Height != 3 {
		t.Fatalf("size = %dx%d", img.Width, img.Height)
	}
	if got := img.At(3, 2); got != 2003 {
		t.Errorf("At(3,2) = %v, want 2003", got)
	}
	if img.Path != path {
		t.Errorf("Path = %q", img.Path)
	}
}

func writeFITS(t *testing.T, path string, bitpix, w, h int, data interface{}, cards ...fitsio.Card) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	f, err := fitsio.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	img := fitsio.NewImage(bitpix, []int{w, h})
	if len(cards) > 0 {
		if err := img.Header().Append(cards...); err != nil {
			t.Fatal(err)
		}
	}
	if err := img.Write(data); err != nil {
		t.Fatalf("writing pixels: %v", err)
	}
	if err := f.Write(img); err != nil {
		t.Fatalf("writing HDU: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFITS(t *testing.T) {
	const w, h = 4, 3
	i16 := make([]int16, w*h)
	i32 := make([]int32, w*h)
	f32 := make([]float32, w*h)
	f64 := make([]float64, w*h)
	for i := range f64 {
		i16[i] = int16(i*100 - 500)
		i32[i] = int32(i * 1000)
		f32[i] = float32(i) / 4
		f64[i] = float64(i)*1.5 - 2
	}
	tests := []struct {
		name   string
		bitpix int
		data   interface{}
		cards  []fitsio.Card
		want   func(i int) float64
	}{
		{"int16", 16, &i16, nil, func(i int) float64 { return float64(i*100 - 500) }},
		{"unsigned int16 via BZERO", 16, &i16,
			[]fitsio.Card{{Name: "BZERO", Value: 32768}, {Name: "BSCALE", Value: 1.}},
			func(i int) float64 { return float64(i*100-500) + 32768 }},
		{"scaled int32", 32, &i32,
			[]fitsio.Card{{Name: "BSCALE", Value: 0.5}},
			func(i int) float64 { return float64(i) * 500 }},
		{"float32", -32, &f32, nil, func(i int) float64 { return float64(i) / 4 }},
		{"float64", -64, &f64, nil, func(i int) float64 { return float64(i)*1.5 - 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "frame.fits")
			writeFITS(t, path, tt.bitpix, w, h, tt.data, tt.cards...)

			img, err := Load(path, pix)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if img.Width != w || img.Height != h {
				t.Fatalf("size %dx%d, want %dx%d", img.Width, img.Height, w, h)
			}
			for i, v := range img.Data {
				if math.Abs(v-tt.want(i)) > 1e-9 {
					t.Errorf("pixel %d = %v, want %v", i, v, tt.want(i))
				}
			}
		})
	}
}

func TestLoadUnsupported(t *testing.T) {
	if _, err := Load("frame.cbf", pix); err == nil {
		t.Fatal("expected unsupported format error")
	}
	if IsSupportedFormat("x.png") {
		t.Error("png is not a detector format")
	}
	if !IsSupportedFormat("x.FITS") {
		t.Error("FITS should be supported")
	}
}
