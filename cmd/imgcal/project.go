package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"imgcal/internal/app"
	"imgcal/internal/image"
	"imgcal/internal/project"
)

func NewProjectCommand() *cobra.Command {
	var (
		dark      string
		darkScale float64
	)
	cmd := &cobra.Command{
		Use:     "project-init PROJECT IMAGE...",
		Short:   "Create or extend a project with images",
		GroupID: gProject,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			path := args[0]
			s, err := app.NewState()
			if err != nil {
				return err
			}
			if err := s.LoadProject(path); err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				logrus.WithField("path", path).Info("creating new project")
				s.Project = project.New(name)
			}
			for _, img := range args[1:] {
				if !image.IsSupportedFormat(img) {
					return fmt.Errorf("unsupported image format: %s", img)
				}
				e := s.Project.AddImage(path, img)
				if dark != "" {
					e.DarkPath, e.DarkScale = dark, darkScale
				}
			}
			return s.SaveProject(path)
		},
	}
	cmd.Flags().StringVar(&dark, "dark", "", "dark frame for the added images (relative to the project)")
	cmd.Flags().Float64Var(&darkScale, "dark-scale", 1, "dark frame multiplier")
	return cmd
}

func NewCopyControlsCommand() *cobra.Command {
	var (
		to       string
		withMask bool
	)
	cmd := &cobra.Command{
		Use:     "copy-controls SOURCE",
		Short:   "Copy geometry and integration controls to other project images",
		GroupID: gProject,
		Long: `Copy the geometry, integration and calibration controls of one project image
to others. Strain rings and dark and background frames of the targets are kept.
Requires --project.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if projectPath == "" {
				return fmt.Errorf("copy-controls needs --project")
			}
			p, err := project.Load(projectPath)
			if err != nil {
				return err
			}
			targets := splitList(to)
			if to == "all" {
				targets = nil
				for _, e := range p.Images {
					targets = append(targets, e.Name)
				}
			}
			if len(targets) == 0 {
				return fmt.Errorf("no target images; use --to")
			}
			return p.CopyControls(projectPath, args[0], targets, withMask)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "comma-separated target image names, or 'all'")
	cmd.Flags().BoolVar(&withMask, "mask", false, "copy the mask too")
	return cmd
}
