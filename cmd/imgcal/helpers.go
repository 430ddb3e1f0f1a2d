package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imgcal/internal/app"
	"imgcal/internal/calibrate"
)

// openState opens one image, either a file on disk or, with --project, a
// named project entry.
func openState(target string) (*app.State, error) {
	s, err := app.NewState()
	if err != nil {
		return nil, err
	}
	if calibrantsPath != "" {
		if err := s.Catalog.MergeFile(calibrantsPath); err != nil {
			return nil, fmt.Errorf("failed to load calibrants: %w", err)
		}
	}
	if projectPath != "" {
		if err := s.LoadProject(projectPath); err != nil {
			return nil, err
		}
		return s, s.OpenEntry(target)
	}
	return s, s.OpenImage(app.PathsFor(target))
}

// calibrationFlags holds command-line overrides of the saved calibration settings.
type calibrationFlags struct {
	calibrant string
	vary      string
	dmin      float64
	skip      int
	pixLimit  int
	cutoff    float64
}

func (f *calibrationFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.calibrant, "calibrant", "", "calibrant name (see 'imgcal calibrants')")
	flags.StringVar(&f.vary, "vary", "", "comma-separated parameters to refine, e.g. dist,det-X,det-Y,tilt,phi")
	flags.Float64Var(&f.dmin, "dmin", 0, "smallest d-spacing used (Angstrom)")
	flags.IntVar(&f.skip, "skip", -1, "innermost calibrant lines to ignore")
	flags.IntVar(&f.pixLimit, "pix-limit", 0, "ring search half-width (pixels)")
	flags.Float64Var(&f.cutoff, "cutoff", 0, "ring search peak/background ratio")
}

// apply writes the flags that were given into the session controls.
func (f *calibrationFlags) apply(s *app.State) error {
	ctrl := s.Controls
	c := &ctrl.Calibration
	if f.calibrant != "" {
		c.Calibrant = f.calibrant
	}
	if f.vary != "" {
		vary, err := calibrate.ParseParams(f.vary)
		if err != nil {
			return err
		}
		c.Vary = vary
	}
	if f.dmin > 0 {
		c.DMin = f.dmin
	}
	if f.skip >= 0 {
		c.Skip = f.skip
	}
	if f.pixLimit > 0 {
		c.PixLimit = f.pixLimit
	}
	if f.cutoff > 0 {
		c.Cutoff = f.cutoff
	}
	if c.Calibrant == "" {
		return fmt.Errorf("no calibrant set; use --calibrant")
	}
	return s.SetControls(ctrl)
}

// printCalibration prints a calibration result as a coloured summary.
func printCalibration(cmd *cobra.Command, res calibrate.Result) {
	theme := app.DefaultTheme()
	out := cmd.OutOrStdout()
	g := res.Geometry

	theme.Header.Fprintln(out, "Geometry")
	rows := []struct {
		name  string
		param calibrate.Param
		value float64
		unit  string
	}{
		{"distance", calibrate.ParamDistance, g.Distance, "mm"},
		{"center x", calibrate.ParamCenterX, g.Center[0], "mm"},
		{"center y", calibrate.ParamCenterY, g.Center[1], "mm"},
		{"wavelength", calibrate.ParamWavelength, g.Wavelength, "Å"},
		{"tilt", calibrate.ParamTilt, g.Tilt, "deg"},
		{"rotation", calibrate.ParamRotation, g.Rotation, "deg"},
		{"depth", calibrate.ParamDepth, g.DetDepth, "mm"},
	}
	for _, r := range rows {
		fmt.Fprintf(out, "  %-11s ", r.name)
		theme.Value.Fprintf(out, "%12.5f", r.value)
		if sig, ok := res.Sigma[r.param]; ok {
			fmt.Fprintf(out, " ± %-10.5f", sig)
		} else {
			fmt.Fprintf(out, "   %-10s", "fixed")
		}
		fmt.Fprintf(out, " %s\n", r.unit)
	}

	theme.Header.Fprintln(out, "Rings")
	for _, r := range res.Rings {
		fmt.Fprintf(out, "  %2d  d=%8.5f  2θ=%9.4f  n=%4d  mean=%+.5f  rms=%.5f  ",
			r.Index, r.DSpacing, r.TwoTheta, r.Points, r.Mean, r.RMS)
		theme.Status(r.Status).Fprintln(out, r.Status)
	}
	fmt.Fprintf(out, "chi² %.6g after %d iterations", res.Chi2, res.Iterations)
	if res.Cycles > 0 {
		fmt.Fprintf(out, " in %d cycles", res.Cycles)
	}
	fmt.Fprintln(out)
}

// saveState writes controls and mask back unless dryRun is set.
func saveState(s *app.State, dryRun bool) error {
	if dryRun {
		logrus.Info("dry run, controls not saved")
		return nil
	}
	if err := s.SaveControls(); err != nil {
		return err
	}
	logrus.WithField("path", s.Paths.Controls).Info("saved controls")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
