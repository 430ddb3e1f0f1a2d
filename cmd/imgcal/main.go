package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imgcal/internal/version"
)

var (
	logLevel       = "info"
	calibrantsPath = ""
	projectPath    = ""
)

var (
	gCalibration  = "Calibration:"
	gReduction    = "Reduction:"
	gProject      = "Project:"
	commandGroups = []string{
		gCalibration,
		gReduction,
		gProject,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}
	return nil
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgcal",
		Short: "imgcal calibrates area detectors and reduces powder images",
		Long: `imgcal calibrates 2D X-ray detector geometry against powder calibrants,
integrates images into 1D profiles and fits lattice strain from ring distortion.

Images are TIFF or FITS files. Each image keeps its geometry and settings in a
.imctrl file and its mask in a .immask file beside it, or at the paths listed
in a project file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&calibrantsPath, "calibrants", "", "extra calibrant table (YAML)")
	globalFlags.StringVarP(&projectPath, "project", "p", "", "project file; image arguments then name project entries")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewVersionCommand(),
		NewCalibrantsCommand(),
		NewCalibrateCommand(),
		NewRecalibrateCommand(),
		NewAutoMaskCommand(),
		NewPreviewCommand(),
		NewIntegrateCommand(),
		NewStrainCommand(),
		NewProjectCommand(),
		NewCopyControlsCommand(),
	)

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s (built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		},
	}
}
