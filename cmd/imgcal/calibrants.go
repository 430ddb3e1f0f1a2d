package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"imgcal/internal/app"
	"imgcal/internal/calibrant"
	"imgcal/internal/detector"
)

func loadCatalog() (*calibrant.Catalog, error) {
	cat, err := calibrant.DefaultCatalog()
	if err != nil {
		return nil, err
	}
	if calibrantsPath != "" {
		if err := cat.MergeFile(calibrantsPath); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func NewCalibrantsCommand() *cobra.Command {
	var wavelength float64
	cmd := &cobra.Command{
		Use:     "calibrants [NAME]",
		Short:   "List calibrants or show the lines of one",
		GroupID: gCalibration,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range cat.Names() {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			cal, ok := cat.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown calibrant %q", args[0])
			}
			theme := app.DefaultTheme()
			theme.Header.Fprintf(out, "%s: skip %d, dmin %g, pixLimit %d, cutoff %g\n",
				cal.Name, cal.Skip, cal.DMin, cal.PixLimit, cal.Cutoff)
			for i, d := range cal.DSpacings {
				fmt.Fprintf(out, "  %3d  %9.5f", i, d)
				if wavelength > 0 {
					if tth, ok := detector.DToTwoTheta(d, wavelength); ok {
						fmt.Fprintf(out, "  2θ %9.4f", tth)
					}
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&wavelength, "wavelength", 0, "also list 2θ at this wavelength (Angstrom)")
	return cmd
}
