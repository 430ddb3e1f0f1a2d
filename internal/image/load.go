package image

import (
	"fmt"
	goimage "image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/tiff"
)

// Load reads a detector frame from a TIFF or FITS file. pixelSize (mm)
// is attached to the result since neither format carries it reliably.
func Load(path string, pixelSize [2]float64) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = loadTIFF(path, pixelSize)
	case ".fits", ".fit", ".fts":
		img, err = loadFITS(path, pixelSize)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", path)
	}
	if err != nil {
		return nil, err
	}
	img.Path = path

	logrus.WithFields(logrus.Fields{
		"path":   path,
		"width":  img.Width,
		"height": img.Height,
	}).Debug("loaded detector image")
	return img, nil
}

func loadTIFF(path string, pixelSize [2]float64) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	decoded, err := tiff.Decode(file)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode TIFF")
	}
	return fromGoImage(decoded, pixelSize)
}

// fromGoImage converts a decoded grayscale image to intensities.
func fromGoImage(src goimage.Image, pixelSize [2]float64) (*Image, error) {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float64, w*h)

	switch g := src.(type) {
	case *goimage.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data[y*w+x] = float64(g.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *goimage.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data[y*w+x] = float64(g.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.Gray16Model.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				data[y*w+x] = float64(c.Y)
			}
		}
	}
	return New(w, h, data, pixelSize)
}

func loadFITS(path string, pixelSize [2]float64) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	f, err := fitsio.Open(file)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open FITS")
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU of %s is not an image", path)
	}
	axes := hdu.Header().Axes()
	if len(axes) != 2 {
		return nil, fmt.Errorf("expected a 2D image, got %d axes", len(axes))
	}

	data, err := readFITSPixels(hdu, axes[0]*axes[1])
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read FITS pixels")
	}
	return New(axes[0], axes[1], data, pixelSize)
}

// readFITSPixels reads n pixels in the HDU's own BITPIX type and returns
// them as physical values, BZERO + BSCALE·raw.
func readFITSPixels(hdu fitsio.Image, n int) ([]float64, error) {
	hdr := hdu.Header()
	data := make([]float64, n)
	switch hdr.Bitpix() {
	case 8:
		raw := make([]byte, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case 64:
		raw := make([]int64, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case -32:
		raw := make([]float32, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	case -64:
		if err := hdu.Read(&data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}

	zero, err := headerFloat(hdr, "BZERO", 0)
	if err != nil {
		return nil, err
	}
	scale, err := headerFloat(hdr, "BSCALE", 1)
	if err != nil {
		return nil, err
	}
	if zero != 0 || scale != 1 {
		for i, v := range data {
			data[i] = zero + scale*v
		}
	}
	return data, nil
}

// headerFloat returns the numeric value of key, or def when it is absent.
func headerFloat(hdr *fitsio.Header, key string, def float64) (float64, error) {
	card := hdr.Get(key)
	if card == nil || card.Value == nil {
		return def, nil
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%s has non-numeric value %v", key, card.Value)
}

// SupportedFormats returns the list of supported image formats.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".fits", ".fit", ".fts"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}
