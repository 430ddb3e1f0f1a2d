package mask

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"imgcal/internal/detector"
	"imgcal/internal/image"
)

// SpotParams tunes the automatic spot search.
type SpotParams struct {
	Window       int     // Half-width of the local neighbourhood (pixels)
	NSigma       float64 // Excess over the local background, in robust sigmas
	MinNeighbors int     // Same-radius neighbours needed to judge a pixel
	MaxSpotSize  int     // Clusters with more pixels are left alone
}

// DefaultSpotParams returns the default spot search parameters.
func DefaultSpotParams() SpotParams {
	return SpotParams{
		Window:       3,
		NSigma:       5,
		MinNeighbors: 3,
		MaxSpotSize:  400,
	}
}

// AutoSpotMask looks for isolated bright pixels and returns a copy of set
// with a Spot added for each cluster found, plus the new spots.
//
// Each pixel is compared with neighbours inside a small window that lie at
// the same 2θ (within half a pixel), so the background estimate follows
// the local ring intensity: a continuous Debye-Scherrer ring is its own
// background and is never flagged, while single-crystal spots and hot
// pixels stand out.
func AutoSpotMask(img *image.Image, set Set, g detector.Geometry, params SpotParams) (Set, []Spot, error) {
	if err := g.Validate(); err != nil {
		return set, nil, err
	}
	w, h := img.Width, img.Height
	existing := Rasterize(set, g, img, w, h)

	m := g.Mapper()
	tth := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tth[y*w+x], _ = m.PixelToAngle(float64(x)+0.5, float64(y)+0.5)
		}
	}

	flagged := make([]bool, w*h)
	nFlagged := 0
	neighbors := make([]float64, 0, (2*params.Window+1)*(2*params.Window+1))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if existing.Masked[idx] {
				continue
			}
			tol := 0.5 * pixelAngularSize(tth, w, h, x, y)

			neighbors = neighbors[:0]
			for dy := -params.Window; dy <= params.Window; dy++ {
				for dx := -params.Window; dx <= params.Window; dx++ {
					nx, ny := x+dx, y+dy
					if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if existing.Masked[n] || math.Abs(tth[n]-tth[idx]) > tol {
						continue
					}
					neighbors = append(neighbors, img.Data[n])
				}
			}
			if len(neighbors) < params.MinNeighbors {
				continue
			}

			med, err := stats.Median(neighbors)
			if err != nil {
				continue
			}
			mad, err := stats.MedianAbsoluteDeviation(neighbors)
			if err != nil {
				continue
			}
			// Counting noise sets a floor when the neighbours agree exactly.
			sigma := math.Max(1.4826*mad, math.Sqrt(math.Max(med, 1)))
			if img.Data[idx] > med+params.NSigma*sigma {
				flagged[idx] = true
				nFlagged++
			}
		}
	}

	spots := clusterSpots(flagged, w, h, g, params.MaxSpotSize)

	out := set
	out.Spots = append(append([]Spot(nil), set.Spots...), spots...)

	logrus.WithFields(logrus.Fields{
		"pixels": nFlagged,
		"spots":  len(spots),
	}).Info("automatic spot search complete")
	return out, spots, nil
}

// pixelAngularSize estimates how much 2θ changes across one pixel at (x, y).
func pixelAngularSize(tth []float64, w, h, x, y int) float64 {
	idx := y*w + x
	var dx, dy float64
	if x+1 < w {
		dx = math.Abs(tth[idx+1] - tth[idx])
	} else if x > 0 {
		dx = math.Abs(tth[idx] - tth[idx-1])
	}
	if y+1 < h {
		dy = math.Abs(tth[idx+w] - tth[idx])
	} else if y > 0 {
		dy = math.Abs(tth[idx] - tth[idx-w])
	}
	return math.Max(dx, dy)
}

// clusterSpots groups 8-connected flagged pixels into circular spots that
// cover each cluster with a one-pixel margin.
func clusterSpots(flagged []bool, w, h int, g detector.Geometry, maxSize int) []Spot {
	seen := make([]bool, len(flagged))
	pix := math.Max(g.PixelSize[0], g.PixelSize[1])
	var spots []Spot

	for start := range flagged {
		if !flagged[start] || seen[start] {
			continue
		}
		var members []int
		queue := []int{start}
		seen[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			members = append(members, cur)
			cx, cy := cur%w, cur/w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := cx+dx, cy+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if flagged[n] && !seen[n] {
						seen[n] = true
						queue = append(queue, n)
					}
				}
			}
		}
		if len(members) > maxSize {
			continue
		}

		var sx, sy float64
		for _, idx := range members {
			sx += float64(idx%w) + 0.5
			sy += float64(idx/w) + 0.5
		}
		n := float64(len(members))
		cx, cy := sx/n, sy/n

		var rmax float64
		for _, idx := range members {
			dx := float64(idx%w) + 0.5 - cx
			dy := float64(idx/w) + 0.5 - cy
			rmax = math.Max(rmax, math.Hypot(dx, dy))
		}
		c := g.PixelToMM(cx, cy)
		spots = append(spots, Spot{X: c.X, Y: c.Y, Diameter: 2 * (rmax + 1) * pix})
	}
	return spots
}
