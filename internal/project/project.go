// Package project provides project file handling and persistence.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"imgcal/internal/controls"
)

// FileVersion is the project format written by Save.
const FileVersion = 1

// File represents an image calibration project (.imgproj).
type File struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	// Extra calibrant table (relative to project file)
	CalibrantsPath string `json:"calibrants,omitempty"`

	Images []Entry `json:"images"`
}

// Entry is one image in a project. Paths are relative to the project file.
type Entry struct {
	Name           string  `json:"name"`
	ImagePath      string  `json:"image"`
	ControlsPath   string  `json:"controls,omitempty"`
	MaskPath       string  `json:"mask,omitempty"`
	DarkPath       string  `json:"dark,omitempty"`
	DarkScale      float64 `json:"dark_scale,omitempty"`
	BackgroundPath string  `json:"background,omitempty"`
	BackScale      float64 `json:"back_scale,omitempty"`
}

// New creates an empty project.
func New(name string) *File {
	now := time.Now()
	return &File{
		Version:  FileVersion,
		Name:     name,
		Created:  now,
		Modified: now,
	}
}

// Load loads a project from a .imgproj file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var proj File
	if err := json.Unmarshal(data, &proj); err != nil {
		return nil, pkgerrors.Wrapf(err, "project %s", path)
	}
	if proj.Version > FileVersion {
		return nil, fmt.Errorf("project %s has version %d, newest supported is %d", path, proj.Version, FileVersion)
	}
	return &proj, nil
}

// Save saves the project to a file.
func (p *File) Save(path string) error {
	p.Modified = time.Now()
	p.Version = FileVersion

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// AddImage adds an image, stored relative to the project, and returns its
// entry. The entry name is the file name without extension; adding the
// same name twice returns the existing entry.
func (p *File) AddImage(projectPath, imagePath string) *Entry {
	name := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	if e := p.Find(name); e != nil {
		return e
	}
	p.Images = append(p.Images, Entry{
		Name:      name,
		ImagePath: relative(projectPath, imagePath),
		DarkScale: 1,
		BackScale: 1,
	})
	p.Modified = time.Now()
	return &p.Images[len(p.Images)-1]
}

// Find returns the entry with the given name, or nil.
func (p *File) Find(name string) *Entry {
	for i := range p.Images {
		if p.Images[i].Name == name {
			return &p.Images[i]
		}
	}
	return nil
}

// GetImagePath returns the absolute path to the image file.
func (e *Entry) GetImagePath(projectPath string) string {
	return resolve(projectPath, e.ImagePath)
}

// GetControlsPath returns the absolute path to the control file.
func (e *Entry) GetControlsPath(projectPath string) string {
	if e.ControlsPath == "" {
		// Default: image_name.imctrl beside the image
		return withExt(e.GetImagePath(projectPath), ".imctrl")
	}
	return resolve(projectPath, e.ControlsPath)
}

// GetMaskPath returns the absolute path to the mask file.
func (e *Entry) GetMaskPath(projectPath string) string {
	if e.MaskPath == "" {
		return withExt(e.GetImagePath(projectPath), ".immask")
	}
	return resolve(projectPath, e.MaskPath)
}

// GetDarkPath returns the absolute path to the dark frame, or "".
func (e *Entry) GetDarkPath(projectPath string) string {
	if e.DarkPath == "" {
		return ""
	}
	return resolve(projectPath, e.DarkPath)
}

// GetBackgroundPath returns the absolute path to the background frame, or "".
func (e *Entry) GetBackgroundPath(projectPath string) string {
	if e.BackgroundPath == "" {
		return ""
	}
	return resolve(projectPath, e.BackgroundPath)
}

// GetCalibrantsPath returns the absolute path to the extra calibrant table, or "".
func (p *File) GetCalibrantsPath(projectPath string) string {
	if p.CalibrantsPath == "" {
		return ""
	}
	return resolve(projectPath, p.CalibrantsPath)
}

// CopyControls copies geometry, integration and calibration settings from
// the image named from to each image in to. Strain results and the
// per-image dark and background frames of the targets are kept. With
// withMask the source mask is copied too.
func (p *File) CopyControls(projectPath, from string, to []string, withMask bool) error {
	src := p.Find(from)
	if src == nil {
		return fmt.Errorf("no image named %q", from)
	}
	ctrl, err := controls.LoadImage(src.GetControlsPath(projectPath))
	if err != nil {
		return err
	}
	var srcMask []byte
	if withMask {
		if srcMask, err = os.ReadFile(src.GetMaskPath(projectPath)); err != nil {
			return pkgerrors.Wrap(err, "failed to read source mask")
		}
	}

	for _, name := range to {
		if name == from {
			continue
		}
		dst := p.Find(name)
		if dst == nil {
			return fmt.Errorf("no image named %q", name)
		}
		path := dst.GetControlsPath(projectPath)
		target, err := controls.LoadImage(path)
		if err != nil {
			if !os.IsNotExist(pkgerrors.Cause(err)) {
				return err
			}
			target = controls.DefaultImage()
		}
		target.Geometry = ctrl.Geometry
		target.Integration = ctrl.Integration
		target.Calibration = ctrl.Calibration
		target.StrainType = ctrl.StrainType
		if err := controls.SaveImage(path, target); err != nil {
			return err
		}
		if withMask {
			if err := os.WriteFile(dst.GetMaskPath(projectPath), srcMask, 0644); err != nil {
				return pkgerrors.Wrap(err, "failed to write mask")
			}
		}
		logrus.WithFields(logrus.Fields{"from": from, "to": name, "mask": withMask}).Info("copied image controls")
	}
	return nil
}

func relative(projectPath, path string) string {
	rel, err := filepath.Rel(filepath.Dir(projectPath), path)
	if err != nil {
		return path
	}
	return rel
}

func resolve(projectPath, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(projectPath), path)
}

func withExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
