package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imgcal/internal/app"
	"imgcal/internal/integrate"
)

type integrateOptions struct {
	outDir   string
	plotPath string
	binType  string
	channels int
	azimuths int
	watch    time.Duration
}

func NewIntegrateCommand() *cobra.Command {
	var opts integrateOptions
	cmd := &cobra.Command{
		Use:     "integrate IMAGE",
		Short:   "Integrate an image into 1D profiles",
		GroupID: gReduction,
		Long: `Integrate an image into 1D profiles using its saved geometry, controls and mask.

One .xy file is written per azimuthal sector. With --watch the image, control
and mask files are polled and the integration is repeated whenever one of them
changes, until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openState(args[0])
			if err != nil {
				return err
			}
			if err := opts.apply(s); err != nil {
				return err
			}
			if err := runIntegration(ctx, cmd, s, opts); err != nil {
				return err
			}
			if opts.watch <= 0 {
				return nil
			}
			return watchIntegration(ctx, cmd, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.outDir, "out", "o", "", "directory for .xy files (default: beside the image)")
	flags.StringVar(&opts.plotPath, "plot", "", "also plot the profiles to this PNG file")
	flags.StringVar(&opts.binType, "bin", "", "radial binning: 2-theta, Q or log(Q)")
	flags.IntVar(&opts.channels, "channels", 0, "number of radial bins")
	flags.IntVar(&opts.azimuths, "azimuths", 0, "number of azimuthal sectors")
	flags.DurationVar(&opts.watch, "watch", 0, "poll interval for re-integrating on file changes (0 disables)")
	return cmd
}

// apply overrides the saved integration controls with the given flags.
func (o integrateOptions) apply(s *app.State) error {
	if o.binType == "" && o.channels == 0 && o.azimuths == 0 {
		return nil
	}
	ctrl := s.Controls
	if o.binType != "" {
		ctrl.Integration.BinType = integrate.BinType(o.binType)
	}
	if o.channels > 0 {
		ctrl.Integration.OutChannels = o.channels
	}
	if o.azimuths > 0 {
		ctrl.Integration.OutAzimuths = o.azimuths
	}
	return s.SetControls(ctrl)
}

func runIntegration(ctx context.Context, cmd *cobra.Command, s *app.State, opts integrateOptions) error {
	start := time.Now()
	res, err := s.Integrate(ctx, func(done, total int) bool {
		logrus.WithFields(logrus.Fields{"done": done, "total": total}).Debug("integration progress")
		return false
	})
	if err != nil {
		return err
	}
	if res.Incomplete {
		logrus.WithFields(logrus.Fields{
			"done":  res.BlocksDone,
			"total": res.BlocksTotal,
		}).Warn("integration interrupted, profiles are partial")
	}

	base := strings.TrimSuffix(filepath.Base(s.Paths.Image), filepath.Ext(s.Paths.Image))
	dir := opts.outDir
	if dir == "" {
		dir = filepath.Dir(s.Paths.Image)
	}
	for i, p := range res.Profiles {
		name := base + ".xy"
		if len(res.Profiles) > 1 {
			name = fmt.Sprintf("%s_azm%03d.xy", base, i)
		}
		if err := writeProfile(filepath.Join(dir, name), p, res.BinType); err != nil {
			return err
		}
	}
	if opts.plotPath != "" {
		if err := plotProfiles(res, base, opts.plotPath); err != nil {
			return fmt.Errorf("failed to plot profiles: %w", err)
		}
	}

	theme := app.DefaultTheme()
	out := cmd.OutOrStdout()
	theme.Good.Fprintf(out, "%d profile(s)", len(res.Profiles))
	fmt.Fprintf(out, " of %d bins written to %s in %v\n", len(res.Edges)-1, dir, time.Since(start).Round(time.Millisecond))
	return nil
}

func writeProfile(path string, p integrate.Profile, binType integrate.BinType) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := integrate.WriteXY(f, p, binType); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// watchIntegration re-opens and re-integrates the image each time one of
// its files changes.
func watchIntegration(ctx context.Context, cmd *cobra.Command, target string, opts integrateOptions) error {
	s, err := openState(target)
	if err != nil {
		return err
	}
	w := app.NewFileWatcher(opts.watch, s.Paths.Image, s.Paths.Controls, s.Paths.Mask)
	changed := make(chan string, 1)
	w.OnChange(func(path string) {
		select {
		case changed <- path:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	logrus.WithField("interval", opts.watch).Info("watching for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-changed:
			logrus.WithField("path", path).Info("file changed, integrating again")
			s, err := openState(target)
			if err != nil {
				logrus.WithError(err).Warn("failed to reload image")
				continue
			}
			if err := opts.apply(s); err != nil {
				return err
			}
			if err := runIntegration(ctx, cmd, s, opts); err != nil {
				logrus.WithError(err).Warn("integration failed")
			}
		}
	}
}
