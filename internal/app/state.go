// Package app provides the per-image session state shared by the commands,
// and the events it raises when that state changes.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"imgcal/internal/calibrant"
	"imgcal/internal/calibrate"
	"imgcal/internal/controls"
	"imgcal/internal/image"
	"imgcal/internal/integrate"
	"imgcal/internal/mask"
	"imgcal/internal/project"
	"imgcal/internal/strain"
)

// ErrNoImage is returned by operations that need a loaded image.
var ErrNoImage = pkgerrors.New("no image loaded")

// Paths locates the files that belong to one detector image.
type Paths struct {
	Image      string
	Controls   string
	Mask       string
	Dark       string
	DarkScale  float64
	Background string
	BackScale  float64
}

// PathsFor returns the paths used for a standalone image: control and mask
// files beside it, no dark or background frame.
func PathsFor(imagePath string) Paths {
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	return Paths{
		Image:     imagePath,
		Controls:  base + ".imctrl",
		Mask:      base + ".immask",
		DarkScale: 1,
		BackScale: 1,
	}
}

// State holds the current project, the open image and its controls and mask.
// Geometry is only replaced by a successful calibration or by SetControls.
type State struct {
	mu sync.RWMutex

	// Project
	ProjectPath string
	Project     *project.File
	Modified    bool

	// Open image
	Paths    Paths
	Image    *image.Image
	Controls controls.Image
	Mask     mask.Set

	Catalog *calibrant.Catalog

	// Rasterized mask, rebuilt when the mask, geometry or image changes
	bitmap *mask.Bitmap

	// Event listeners
	listeners map[EventType][]EventListener
}

// EventType identifies different application events.
type EventType int

const (
	EventProjectLoaded EventType = iota
	EventProjectSaved
	EventImageLoaded
	EventControlsChanged
	EventMaskChanged
	EventCalibrated
	EventIntegrated
	EventStrainFitted
	EventModified
)

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// NewState creates a new application state with the built-in calibrants.
func NewState() (*State, error) {
	cat, err := calibrant.DefaultCatalog()
	if err != nil {
		return nil, err
	}
	return &State{
		Controls:  controls.DefaultImage(),
		Catalog:   cat,
		listeners: make(map[EventType][]EventListener),
	}, nil
}

// On registers an event listener for the specified event type.
func (s *State) On(event EventType, listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listener)
}

// Emit triggers all listeners for the specified event type.
func (s *State) Emit(event EventType, data interface{}) {
	s.mu.RLock()
	listeners := s.listeners[event]
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// SetModified marks the session as modified and emits an event.
func (s *State) SetModified(modified bool) {
	s.mu.Lock()
	s.Modified = modified
	s.mu.Unlock()
	s.Emit(EventModified, modified)
}

// LoadProject loads a project and merges its calibrant table, if any.
func (s *State) LoadProject(path string) error {
	proj, err := project.Load(path)
	if err != nil {
		return err
	}
	if extra := proj.GetCalibrantsPath(path); extra != "" {
		if err := s.Catalog.MergeFile(extra); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.ProjectPath = path
	s.Project = proj
	s.Modified = false
	s.mu.Unlock()

	s.Emit(EventProjectLoaded, proj)
	return nil
}

// SaveProject saves the project to path.
func (s *State) SaveProject(path string) error {
	s.mu.Lock()
	proj := s.Project
	if proj == nil {
		s.mu.Unlock()
		return fmt.Errorf("no project to save")
	}
	if err := proj.Save(path); err != nil {
		s.mu.Unlock()
		return err
	}
	s.ProjectPath = path
	s.mu.Unlock()

	s.Emit(EventProjectSaved, path)
	return nil
}

// OpenEntry opens the project image with the given name.
func (s *State) OpenEntry(name string) error {
	s.mu.RLock()
	proj, projPath := s.Project, s.ProjectPath
	s.mu.RUnlock()
	if proj == nil {
		return fmt.Errorf("no project loaded")
	}
	e := proj.Find(name)
	if e == nil {
		return fmt.Errorf("no image named %q", name)
	}
	return s.OpenImage(Paths{
		Image:      e.GetImagePath(projPath),
		Controls:   e.GetControlsPath(projPath),
		Mask:       e.GetMaskPath(projPath),
		Dark:       e.GetDarkPath(projPath),
		DarkScale:  e.DarkScale,
		Background: e.GetBackgroundPath(projPath),
		BackScale:  e.BackScale,
	})
}

// OpenImage loads an image with its controls, mask and correction frames.
// Missing control and mask files give defaults and an empty mask.
func (s *State) OpenImage(p Paths) error {
	ctrl, err := controls.LoadImage(p.Controls)
	if err != nil {
		if !os.IsNotExist(pkgerrors.Cause(err)) {
			return err
		}
		ctrl = controls.DefaultImage()
	}
	set, err := controls.LoadMask(p.Mask)
	if err != nil {
		if !os.IsNotExist(pkgerrors.Cause(err)) {
			return err
		}
		set = mask.Set{}
	}

	img, err := image.Load(p.Image, ctrl.Geometry.PixelSize)
	if err != nil {
		return err
	}
	if p.Dark != "" {
		if img.Dark, err = image.Load(p.Dark, ctrl.Geometry.PixelSize); err != nil {
			return pkgerrors.Wrap(err, "dark frame")
		}
		img.DarkScale = p.DarkScale
	}
	if p.Background != "" {
		if img.Background, err = image.Load(p.Background, ctrl.Geometry.PixelSize); err != nil {
			return pkgerrors.Wrap(err, "background frame")
		}
		img.BackScale = p.BackScale
	}

	s.mu.Lock()
	s.Paths = p
	s.Image = img
	s.Controls = ctrl
	s.Mask = set
	s.bitmap = nil
	s.Modified = false
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"image":  p.Image,
		"masked": !set.Empty(),
	}).Info("opened image")
	s.Emit(EventImageLoaded, img)
	return nil
}

// SetImage installs an image already in memory, keeping the current
// controls and mask.
func (s *State) SetImage(img *image.Image) {
	s.mu.Lock()
	s.Image = img
	s.bitmap = nil
	s.mu.Unlock()
	s.Emit(EventImageLoaded, img)
}

// SaveControls writes the controls and the mask to their files.
func (s *State) SaveControls() error {
	s.mu.RLock()
	p, ctrl, set := s.Paths, s.Controls, s.Mask
	s.mu.RUnlock()
	if p.Controls == "" {
		return fmt.Errorf("no control file path")
	}
	if err := controls.SaveImage(p.Controls, ctrl); err != nil {
		return err
	}
	_, statErr := os.Stat(p.Mask)
	// An empty mask is only written over an existing file.
	if p.Mask != "" && (!set.Empty() || statErr == nil) {
		if err := controls.SaveMask(p.Mask, set); err != nil {
			return err
		}
	}
	s.SetModified(false)
	return nil
}

// SetControls replaces the controls after checking them.
func (s *State) SetControls(ctrl controls.Image) error {
	if err := ctrl.Geometry.Validate(); err != nil {
		return err
	}
	if err := ctrl.Integration.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.Controls = ctrl
	s.bitmap = nil
	s.mu.Unlock()
	s.Emit(EventControlsChanged, ctrl)
	s.SetModified(true)
	return nil
}

// SetMask replaces the mask set, dropping degenerate entries.
func (s *State) SetMask(set mask.Set) error {
	set, _ = set.Cleanup()
	if err := set.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.Mask = set
	s.bitmap = nil
	s.mu.Unlock()
	s.Emit(EventMaskChanged, set)
	s.SetModified(true)
	return nil
}

// MaskBitmap returns the rasterized mask for the current image, building
// it on first use.
func (s *State) MaskBitmap() (*mask.Bitmap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Image == nil {
		return nil, ErrNoImage
	}
	if s.bitmap == nil {
		s.bitmap = mask.Rasterize(s.Mask, s.Controls.Geometry, s.Image, s.Image.Width, s.Image.Height)
	}
	return s.bitmap, nil
}

// CalibrationSettings builds calibration settings from the saved controls.
func (s *State) CalibrationSettings() (calibrate.Settings, error) {
	s.mu.RLock()
	c := s.Controls.Calibration
	s.mu.RUnlock()

	cal, ok := s.Catalog.Get(c.Calibrant)
	if !ok {
		return calibrate.Settings{}, fmt.Errorf("unknown calibrant %q", c.Calibrant)
	}
	st := calibrate.DefaultSettings(cal)
	st.Skip = c.Skip
	st.DMin = c.DMin
	st.PixLimit = c.PixLimit
	st.Cutoff = c.Cutoff
	if len(c.Vary) > 0 {
		st.Vary = c.Vary
	}
	return st, nil
}

// Calibrate fits the geometry to picked rings. The refined geometry
// replaces the current one only when the fit succeeds.
func (s *State) Calibrate(picks []calibrate.RingPick) (calibrate.Result, error) {
	st, err := s.CalibrationSettings()
	if err != nil {
		return calibrate.Result{}, err
	}
	return s.CalibrateWith(picks, st)
}

// CalibrateWith is Calibrate with explicit settings.
func (s *State) CalibrateWith(picks []calibrate.RingPick, st calibrate.Settings) (calibrate.Result, error) {
	s.mu.RLock()
	g := s.Controls.Geometry
	s.mu.RUnlock()

	res, err := calibrate.Calibrate(g, picks, st)
	if err != nil {
		return res, err
	}
	s.applyCalibration(res)
	return res, nil
}

// Recalibrate searches for calibrant rings from the current geometry and
// refits until the geometry settles.
func (s *State) Recalibrate() (calibrate.Result, error) {
	st, err := s.CalibrationSettings()
	if err != nil {
		return calibrate.Result{}, err
	}
	bm, err := s.MaskBitmap()
	if err != nil {
		return calibrate.Result{}, err
	}
	s.mu.RLock()
	img, g := s.Image, s.Controls.Geometry
	s.mu.RUnlock()

	res, err := calibrate.Recalibrate(img, bm, g, st)
	if err != nil {
		return res, err
	}
	s.applyCalibration(res)
	return res, nil
}

func (s *State) applyCalibration(res calibrate.Result) {
	s.mu.Lock()
	s.Controls.Geometry = res.Geometry
	s.bitmap = nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"distance": res.Geometry.Distance,
		"tilt":     res.Geometry.Tilt,
		"chi2":     res.Chi2,
	}).Info("geometry refined")
	s.Emit(EventCalibrated, res)
	s.SetModified(true)
}

// Integrate reduces the current image to profiles with the saved controls.
func (s *State) Integrate(ctx context.Context, progress integrate.Progress) (*integrate.Result, error) {
	bm, err := s.MaskBitmap()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	img, g, c := s.Image, s.Controls.Geometry, s.Controls.Integration
	s.mu.RUnlock()

	res, err := integrate.Integrate(ctx, img, g, c, bm, progress)
	if err != nil {
		return nil, err
	}
	s.Emit(EventIntegrated, res)
	return res, nil
}

// FitStrain fits every strain ring of the controls and stores the results.
func (s *State) FitStrain() ([]strain.Ring, error) {
	bm, err := s.MaskBitmap()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	img, g := s.Image, s.Controls.Geometry
	rings := append([]strain.Ring(nil), s.Controls.StrainRings...)
	st := strain.DefaultSettings()
	st.Type = s.Controls.StrainType
	s.mu.RUnlock()

	fitted, err := strain.FitStrain(img, bm, g, rings, st)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.Controls.StrainRings = fitted
	s.mu.Unlock()
	s.Emit(EventStrainFitted, fitted)
	s.SetModified(true)
	return fitted, nil
}

// AutoMask adds spot masks over single-crystal peaks and returns how many
// were added.
func (s *State) AutoMask(params mask.SpotParams) (int, error) {
	s.mu.RLock()
	img, set, g := s.Image, s.Mask, s.Controls.Geometry
	s.mu.RUnlock()
	if img == nil {
		return 0, ErrNoImage
	}

	updated, added, err := mask.AutoSpotMask(img, set, g, params)
	if err != nil {
		return 0, err
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := s.SetMask(updated); err != nil {
		return 0, err
	}
	return len(added), nil
}
