package project

import (
	"os"
	"path/filepath"
	"testing"

	"imgcal/internal/controls"
	"imgcal/internal/mask"
	"imgcal/internal/strain"
)

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.imgproj")

	p := New("run")
	e := p.AddImage(path, filepath.Join(dir, "frames", "ceo2_001.tif"))
	if e.Name != "ceo2_001" || e.ImagePath != filepath.Join("frames", "ceo2_001.tif") {
		t.Errorf("entry = %+v", e)
	}
	if again := p.AddImage(path, filepath.Join(dir, "frames", "ceo2_001.tif")); len(p.Images) != 1 || again.Name != e.Name {
		t.Error("adding the same image twice created a duplicate")
	}
	p.Images[0].DarkPath = "dark.tif"

	if err := p.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Name != "run" || len(got.Images) != 1 || got.Version != FileVersion {
		t.Fatalf("loaded project = %+v", got)
	}
	entry := got.Find("ceo2_001")
	if entry == nil {
		t.Fatal("image entry lost")
	}
	if want := filepath.Join(dir, "frames", "ceo2_001.imctrl"); entry.GetControlsPath(path) != want {
		t.Errorf("controls path = %q, want %q", entry.GetControlsPath(path), want)
	}
	if want := filepath.Join(dir, "dark.tif"); entry.GetDarkPath(path) != want {
		t.Errorf("dark path = %q, want %q", entry.GetDarkPath(path), want)
	}
	if entry.GetBackgroundPath(path) != "" {
		t.Error("unset background should resolve to an empty path")
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.imgproj")
	if err := os.WriteFile(path, []byte(`{"version": 7, "name": "x"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a newer project version")
	}
}

func TestCopyControls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.imgproj")
	p := New("run")
	src := p.AddImage(path, filepath.Join(dir, "a.tif"))
	srcCtrl := src.GetControlsPath(path)
	srcMask := src.GetMaskPath(path)
	p.AddImage(path, filepath.Join(dir, "b.tif"))
	p.AddImage(path, filepath.Join(dir, "c.tif"))

	ctrl := controls.DefaultImage()
	ctrl.Geometry.Distance = 321
	ctrl.Integration.OutChannels = 777
	if err := controls.SaveImage(srcCtrl, ctrl); err != nil {
		t.Fatal(err)
	}
	if err := controls.SaveMask(srcMask, mask.Set{Rings: []mask.Ring{{TwoTheta: 5, Thickness: 0.1}}}); err != nil {
		t.Fatal(err)
	}

	// b already has strain rings that must survive the copy.
	existing := controls.DefaultImage()
	existing.StrainRings = []strain.Ring{{Dset: 3.1, PixLimit: 5, Cutoff: 2}}
	existing.Geometry.Distance = 99
	bPath := p.Find("b").GetControlsPath(path)
	if err := controls.SaveImage(bPath, existing); err != nil {
		t.Fatal(err)
	}

	if err := p.CopyControls(path, "a", []string{"b", "c"}, true); err != nil {
		t.Fatalf("CopyControls failed: %v", err)
	}
	for _, name := range []string{"b", "c"} {
		e := p.Find(name)
		got, err := controls.LoadImage(e.GetControlsPath(path))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got.Geometry.Distance != 321 || got.Integration.OutChannels != 777 {
			t.Errorf("%s not updated: %+v", name, got.Geometry)
		}
		if name == "b" && (len(got.StrainRings) != 1 || got.StrainRings[0].Dset != 3.1) {
			t.Errorf("strain rings of b lost: %+v", got.StrainRings)
		}
		m, err := controls.LoadMask(e.GetMaskPath(path))
		if err != nil {
			t.Fatalf("%s mask: %v", name, err)
		}
		if len(m.Rings) != 1 {
			t.Errorf("%s mask not copied", name)
		}
	}

	if err := p.CopyControls(path, "missing", []string{"b"}, false); err == nil {
		t.Error("expected an error for an unknown source")
	}
}
