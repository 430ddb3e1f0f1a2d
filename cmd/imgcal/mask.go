package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imgcal/internal/mask"
)

func NewAutoMaskCommand() *cobra.Command {
	var (
		params = mask.DefaultSpotParams()
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:     "automask IMAGE",
		Short:   "Mask single-crystal spots and hot pixels",
		GroupID: gCalibration,
		Long: `Search the image for bright spots that stand out from their ring and add a
spot mask over each one. Existing masks are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openState(args[0])
			if err != nil {
				return err
			}
			n, err := s.AutoMask(params)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"added": n,
				"spots": len(s.Mask.Spots),
			}).Info("spot search finished")
			if n == 0 {
				return nil
			}
			return saveState(s, dryRun)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&params.Window, "window", params.Window, "half-width of the neighbourhood compared against (pixels)")
	flags.Float64Var(&params.NSigma, "nsigma", params.NSigma, "excess over local background, in robust sigmas")
	flags.IntVar(&params.MinNeighbors, "min-neighbors", params.MinNeighbors, "same-radius neighbours needed to judge a pixel")
	flags.IntVar(&params.MaxSpotSize, "max-spot", params.MaxSpotSize, "largest cluster to mask (pixels)")
	flags.BoolVar(&dryRun, "dry-run", false, "do not save the mask")
	return cmd
}
