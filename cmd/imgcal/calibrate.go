package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"imgcal/internal/calibrate"
	"imgcal/pkg/geometry"
)

// pickFile is the JSON layout of hand-picked ring points: pixel positions
// grouped by calibrant line index.
type pickFile []struct {
	Index  int          `json:"index"`
	Points [][2]float64 `json:"points"`
}

func loadPicks(path string) ([]calibrate.RingPick, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf pickFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse picks %s: %w", path, err)
	}
	picks := make([]calibrate.RingPick, len(pf))
	for i, p := range pf {
		picks[i].Index = p.Index
		for _, pt := range p.Points {
			picks[i].Points = append(picks[i].Points, geometry.Point2D{X: pt[0], Y: pt[1]})
		}
	}
	return picks, nil
}

func NewCalibrateCommand() *cobra.Command {
	var (
		flags     calibrationFlags
		picksPath string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:     "calibrate IMAGE",
		Short:   "Fit the detector geometry to calibrant rings",
		GroupID: gCalibration,
		Long: `Fit the detector geometry to calibrant rings.

With --picks, the fit uses hand-picked ring points from a JSON file of the form
[{"index": 0, "points": [[x, y], ...]}, ...] where index is the calibrant line
and points are pixel positions. Without it, rings are searched for once from
the saved geometry. The refined geometry is saved unless --dry-run is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openState(args[0])
			if err != nil {
				return err
			}
			if err := flags.apply(s); err != nil {
				return err
			}

			var picks []calibrate.RingPick
			if picksPath != "" {
				if picks, err = loadPicks(picksPath); err != nil {
					return err
				}
			} else {
				st, err := s.CalibrationSettings()
				if err != nil {
					return err
				}
				bm, err := s.MaskBitmap()
				if err != nil {
					return err
				}
				picks = calibrate.FindRings(s.Image, bm, s.Controls.Geometry, st)
			}

			res, err := s.Calibrate(picks)
			if res.Status != "" {
				printCalibration(cmd, res)
			}
			if err != nil {
				return fmt.Errorf("calibration failed: %w", err)
			}
			return saveState(s, dryRun)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&picksPath, "picks", "", "JSON file of hand-picked ring points")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "do not save the refined geometry")
	return cmd
}

func NewRecalibrateCommand() *cobra.Command {
	var (
		flags  calibrationFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:     "recalibrate IMAGE",
		Short:   "Repeat ring search and fitting until the geometry settles",
		GroupID: gCalibration,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openState(args[0])
			if err != nil {
				return err
			}
			if err := flags.apply(s); err != nil {
				return err
			}
			res, err := s.Recalibrate()
			if res.Status != "" {
				printCalibration(cmd, res)
			}
			if err != nil {
				return fmt.Errorf("recalibration failed: %w", err)
			}
			return saveState(s, dryRun)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "do not save the refined geometry")
	return cmd
}
