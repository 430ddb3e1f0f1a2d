package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"imgcal/internal/app"
	"imgcal/internal/strain"
)

func NewStrainCommand() *cobra.Command {
	var (
		add        []float64
		pixLimit   int
		cutoff     float64
		trueStrain bool
		plotPath   string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:     "strain IMAGE",
		Short:   "Fit lattice strain from ring distortion",
		GroupID: gReduction,
		Long: `Fit the in-plane strain tensor of each strain ring saved with the image.

Rings are added with --ring (d-spacing in Angstrom). Fitted tensors are saved
back to the control file unless --dry-run is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openState(args[0])
			if err != nil {
				return err
			}
			ctrl := s.Controls
			for _, d := range add {
				ctrl.StrainRings = append(ctrl.StrainRings, strain.Ring{Dset: d, PixLimit: pixLimit, Cutoff: cutoff})
			}
			if cmd.Flags().Changed("true") {
				ctrl.StrainType = strain.Conventional
				if trueStrain {
					ctrl.StrainType = strain.True
				}
			}
			if len(ctrl.StrainRings) == 0 {
				return fmt.Errorf("no strain rings; add one with --ring")
			}
			if err := s.SetControls(ctrl); err != nil {
				return err
			}

			rings, err := s.FitStrain()
			if err != nil {
				return err
			}
			printStrain(cmd, rings, s.Controls.StrainType)
			if plotPath != "" {
				if err := plotStrain(rings, args[0], plotPath); err != nil {
					return fmt.Errorf("failed to plot strain: %w", err)
				}
			}
			return saveState(s, dryRun)
		},
	}
	flags := cmd.Flags()
	flags.Float64SliceVar(&add, "ring", nil, "add a strain ring at this d-spacing (repeatable)")
	flags.IntVar(&pixLimit, "pix-limit", 10, "ring search half-width for added rings (pixels)")
	flags.Float64Var(&cutoff, "cutoff", 10, "ring search peak/background ratio for added rings")
	flags.BoolVar(&trueStrain, "true", false, "report true (logarithmic) rather than conventional strain")
	flags.StringVar(&plotPath, "plot", "", "plot measured and fitted d against azimuth to this PNG file")
	flags.BoolVar(&dryRun, "dry-run", false, "do not save the fitted strains")
	return cmd
}

func printStrain(cmd *cobra.Command, rings []strain.Ring, t strain.Type) {
	theme := app.DefaultTheme()
	out := cmd.OutOrStdout()
	theme.Header.Fprintf(out, "%s strain (µε)\n", t)
	for _, r := range rings {
		fmt.Fprintf(out, "  d=%8.5f  ", r.Dset)
		if r.Status != strain.StatusOK {
			theme.Status(r.Status).Fprintf(out, "%s", r.Status)
			fmt.Fprintf(out, ": %s\n", r.Reason)
			continue
		}
		fmt.Fprintf(out, "dcalc=%8.5f  ", r.Dcalc)
		theme.Value.Fprintf(out, "e11=%8.1f  e12=%8.1f  e22=%8.1f",
			r.Strain[0]*1e6, r.Strain[1]*1e6, r.Strain[2]*1e6)
		fmt.Fprintf(out, "  (± %.1f %.1f %.1f)\n", r.Esig[0]*1e6, r.Esig[1]*1e6, r.Esig[2]*1e6)
	}
}
