// Package integrate rebins detector images into 1D diffraction profiles.
//
// The image is processed in square blocks. Each block adds corrected
// intensity and pixel counts into a radial x azimuthal histogram, and the
// caller is consulted between blocks for progress and cancellation.
package integrate

import (
	"context"
	"math"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"imgcal/internal/detector"
	"imgcal/internal/image"
)

// Mask reports whether a pixel may be used. *mask.Bitmap satisfies it.
type Mask interface {
	Valid(x, y int) bool
}

// Progress is called after each block with the number of blocks done and
// the total. Returning true requests cancellation.
type Progress func(done, total int) bool

// Profile is one azimuthal sector of an integration.
type Profile struct {
	Azimuth      float64    // Label: sector start, or centre with CenterAzm
	AzimuthRange [2]float64 // Sector bounds (degrees)
	X            []float64  // Radial bin centres in the binning unit
	Y            []float64  // Mean corrected intensity per bin
	Sigma        []float64  // sqrt(ΣI)/n per bin
	Counts       []int      // Pixels accumulated per bin; zero marks an empty bin
}

// Result holds the profiles of one integration.
type Result struct {
	BinType     BinType
	Edges       []float64 // Radial bin edges, OutChannels+1 values
	Profiles    []Profile
	BlocksDone  int
	BlocksTotal int
	Incomplete  bool // Cancelled before every block was processed
}

// histogram accumulates intensity sums and counts per bin.
type histogram struct {
	nRad, nAzm int
	sum        []float64
	count      []int
}

func newHistogram(nRad, nAzm int) *histogram {
	return &histogram{
		nRad:  nRad,
		nAzm:  nAzm,
		sum:   make([]float64, nRad*nAzm),
		count: make([]int, nRad*nAzm),
	}
}

func (h *histogram) add(ir, ia int, v float64) {
	k := ia*h.nRad + ir
	h.sum[k] += v
	h.count[k]++
}

// merge adds other into h. Accumulation is order independent.
func (h *histogram) merge(other *histogram) {
	for i := range h.sum {
		h.sum[i] += other.sum[i]
		h.count[i] += other.count[i]
	}
}

// binner maps pixels to histogram bins.
type binner struct {
	c              Controls
	m              *detector.Mapper
	corr           *corrector
	radLo, radHi   float64
	azmLo, azmSpan float64
	wavelength     float64
}

func newBinner(g detector.Geometry, c Controls) *binner {
	b := &binner{
		c:          c,
		m:          g.Mapper(),
		corr:       newCorrector(c),
		wavelength: g.Wavelength,
	}
	b.radLo, b.radHi = c.radialRange()
	b.azmLo, b.azmSpan = c.azimuthWindow()
	return b
}

// radial converts 2θ to the binning coordinate.
func (b *binner) radial(tth float64) float64 {
	switch b.c.BinType {
	case BinQ:
		return detector.QFromTwoTheta(tth, b.wavelength)
	case BinLogQ:
		q := detector.QFromTwoTheta(tth, b.wavelength)
		if q <= 0 {
			return math.Inf(-1)
		}
		return math.Log10(q)
	}
	return tth
}

// bin returns the histogram indices for pixel (x, y), or ok=false when the
// pixel falls outside the radial or azimuthal window.
func (b *binner) bin(x, y int) (ir, ia int, tth, azm float64, ok bool) {
	X := (float64(x) + 0.5) * b.m.Geometry().PixelSize[0]
	Y := (float64(y) + 0.5) * b.m.Geometry().PixelSize[1]
	tth, azm = b.m.MMToAngle(X, Y)

	r := b.radial(tth)
	if r < b.radLo || r > b.radHi {
		return 0, 0, 0, 0, false
	}
	ir = int((r - b.radLo) / (b.radHi - b.radLo) * float64(b.c.OutChannels))
	if ir >= b.c.OutChannels {
		ir = b.c.OutChannels - 1
	}

	off := detector.NormalizeAzimuth(azm - b.azmLo)
	if b.azmSpan < 360 && off > b.azmSpan {
		return 0, 0, 0, 0, false
	}
	ia = int(off / b.azmSpan * float64(b.c.OutAzimuths))
	if ia >= b.c.OutAzimuths {
		ia = b.c.OutAzimuths - 1
	}
	return ir, ia, tth, azm, true
}

// Integrate rebins img under geometry g. mask and progress may be nil.
// Cancellation through ctx or progress is not an error: the result holds
// the blocks accumulated so far with Incomplete set.
func Integrate(ctx context.Context, img *image.Image, g detector.Geometry, c Controls, mask Mask, progress Progress) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	data, err := img.Corrected(c.FlatBkg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "image corrections")
	}

	b := newBinner(g, c)
	hist := newHistogram(c.OutChannels, c.OutAzimuths)

	bs := c.BlockSize
	nbx := (img.Width + bs - 1) / bs
	nby := (img.Height + bs - 1) / bs
	res := &Result{BinType: c.BinType, BlocksTotal: nbx * nby}

	logrus.WithFields(logrus.Fields{
		"width":    img.Width,
		"height":   img.Height,
		"blocks":   res.BlocksTotal,
		"channels": c.OutChannels,
		"azimuths": c.OutAzimuths,
		"binType":  c.BinType,
	}).Debug("starting integration")

blocks:
	for by := 0; by < nby; by++ {
		for bx := 0; bx < nbx; bx++ {
			if ctx.Err() != nil {
				res.Incomplete = true
				break blocks
			}
			x0, y0 := bx*bs, by*bs
			x1, y1 := min(x0+bs, img.Width), min(y0+bs, img.Height)
			hist.merge(integrateBlock(b, data, img.Width, mask, x0, y0, x1, y1))
			res.BlocksDone++

			if progress != nil && progress(res.BlocksDone, res.BlocksTotal) {
				if res.BlocksDone < res.BlocksTotal {
					res.Incomplete = true
				}
				break blocks
			}
		}
	}

	res.Edges, res.Profiles = b.profiles(hist)
	if res.Incomplete {
		logrus.WithFields(logrus.Fields{
			"done":  res.BlocksDone,
			"total": res.BlocksTotal,
		}).Warn("integration cancelled")
	}
	return res, nil
}

// integrateBlock accumulates one block into a fresh histogram.
func integrateBlock(b *binner, data []float64, width int, mask Mask, x0, y0, x1, y1 int) *histogram {
	h := newHistogram(b.c.OutChannels, b.c.OutAzimuths)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if mask != nil && !mask.Valid(x, y) {
				continue
			}
			ir, ia, tth, azm, ok := b.bin(x, y)
			if !ok {
				continue
			}
			cosAlpha := 1.0
			if b.corr.needsIncidence() {
				g := b.m.Geometry()
				cosAlpha = b.m.CosIncidence((float64(x)+0.5)*g.PixelSize[0], (float64(y)+0.5)*g.PixelSize[1])
			}
			f, ok := b.corr.factor(tth, azm, cosAlpha)
			if !ok {
				continue
			}
			h.add(ir, ia, data[y*width+x]*f)
		}
	}
	return h
}

// profiles normalizes the histogram into per-sector profiles.
func (b *binner) profiles(h *histogram) ([]float64, []Profile) {
	n := b.c.OutChannels
	step := (b.radHi - b.radLo) / float64(n)
	edges := make([]float64, n+1)
	centres := make([]float64, n)
	for i := range edges {
		edges[i] = b.radLo + float64(i)*step
	}
	for i := range centres {
		centres[i] = b.radLo + (float64(i)+0.5)*step
	}
	if b.c.BinType == BinLogQ {
		for i := range edges {
			edges[i] = math.Pow(10, edges[i])
		}
		for i := range centres {
			centres[i] = math.Pow(10, centres[i])
		}
	}

	azStep := b.azmSpan / float64(b.c.OutAzimuths)
	out := make([]Profile, b.c.OutAzimuths)
	for ia := range out {
		lo := b.azmLo + float64(ia)*azStep
		p := Profile{
			Azimuth:      lo,
			AzimuthRange: [2]float64{lo, lo + azStep},
			X:            append([]float64(nil), centres...),
			Y:            make([]float64, n),
			Sigma:        make([]float64, n),
			Counts:       make([]int, n),
		}
		if b.c.CenterAzm {
			p.Azimuth = lo + azStep/2
		}
		for ir := 0; ir < n; ir++ {
			k := ia*n + ir
			cnt := h.count[k]
			p.Counts[ir] = cnt
			if cnt == 0 {
				continue
			}
			p.Y[ir] = h.sum[k] / float64(cnt)
			p.Sigma[ir] = math.Sqrt(math.Max(h.sum[k], 0)) / float64(cnt)
		}
		out[ia] = p
	}
	return edges, out
}
