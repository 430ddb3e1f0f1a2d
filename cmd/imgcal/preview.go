package main

import (
	"fmt"
	goimage "image"
	"image/png"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imgcal/internal/detector"
	"imgcal/internal/image"
	"imgcal/pkg/colorutil"
)

// ringSamples is the number of points drawn per calibrant ring.
const ringSamples = 4000

func NewPreviewCommand() *cobra.Command {
	var (
		outPath   string
		cmap      string
		logScale  bool
		limits    []float64
		showRings bool
	)
	cmd := &cobra.Command{
		Use:     "preview IMAGE",
		Short:   "Render the image with its mask and calibrant rings to PNG",
		GroupID: gCalibration,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			colormap, err := colorutil.ParseColormap(cmap)
			if err != nil {
				return err
			}
			opts := image.RenderOptions{Log: logScale, Colormap: colormap}
			if len(limits) == 2 {
				opts.Limits = [2]float64{limits[0], limits[1]}
			} else if len(limits) != 0 {
				return fmt.Errorf("--limits takes two values")
			}

			s, err := openState(args[0])
			if err != nil {
				return err
			}
			rgba, err := s.Image.Render(opts)
			if err != nil {
				return err
			}
			bm, err := s.MaskBitmap()
			if err != nil {
				return err
			}
			image.Composite(rgba, image.Overlay{
				Hit:     func(x, y int) bool { return !bm.Valid(x, y) },
				Color:   colorutil.Red,
				Mode:    image.BlendNormal,
				Opacity: 0.4,
			})

			if showRings {
				if err := drawCalibrantRings(s.Controls.Geometry, s.Controls.Calibration.Calibrant, rgba); err != nil {
					return err
				}
			}

			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := png.Encode(f, rgba); err != nil {
				f.Close()
				return err
			}
			logrus.WithField("path", outPath).Info("wrote preview")
			return f.Close()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&outPath, "out", "o", "preview.png", "output PNG file")
	flags.StringVar(&cmap, "colormap", string(colorutil.Hot), "colour map: gray, hot or rainbow")
	flags.BoolVar(&logScale, "log", false, "logarithmic intensity scale")
	flags.Float64SliceVar(&limits, "limits", nil, "intensity range as min,max (default: 1st to 99th percentile)")
	flags.BoolVar(&showRings, "rings", true, "draw the calibrant rings predicted by the saved geometry")
	return cmd
}

// drawCalibrantRings marks where each line of the named calibrant should
// fall under geometry g.
func drawCalibrantRings(g detector.Geometry, name string, dst *goimage.RGBA) error {
	if name == "" {
		return nil
	}
	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	cal, ok := cat.Get(name)
	if !ok {
		return fmt.Errorf("unknown calibrant %q", name)
	}
	for _, d := range cal.Lines(0, cal.DMin) {
		tth, ok := detector.DToTwoTheta(d, g.Wavelength)
		if !ok {
			continue
		}
		var pts [][2]float64
		for _, p := range g.RingPoints(tth, ringSamples) {
			x, y := g.MMToPixel(p)
			pts = append(pts, [2]float64{x, y})
		}
		image.DrawPoints(dst, pts, colorutil.Cyan)
	}
	return nil
}
