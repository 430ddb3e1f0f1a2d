// Package calibrant provides the catalog of reference standards used to
// calibrate detector geometry.
package calibrant

import (
	_ "embed"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed calibrants.yaml
var builtinTable []byte

// Calibrant is a named reference standard with its d-spacings sorted
// from largest to smallest.
type Calibrant struct {
	Name      string
	DSpacings []float64
	Skip      int     // Innermost lines to ignore
	DMin      float64 // Smallest d-spacing to use (Angstrom)
	PixLimit  int     // Ring search half-width (pixels)
	Cutoff    float64 // Minimum peak/background ratio for ring points
}

// Lines returns the usable d-spacings: the first skip entries are dropped
// and anything below dmin is excluded.
func (c Calibrant) Lines(skip int, dmin float64) []float64 {
	if skip < 0 {
		skip = 0
	}
	var out []float64
	for i, d := range c.DSpacings {
		if i < skip || d < dmin {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Catalog is a read-only set of calibrants keyed by name. Build one at
// startup and pass it to whatever needs it.
type Catalog struct {
	byName map[string]Calibrant
	names  []string
}

type rawTable struct {
	Calibrants []rawCalibrant `yaml:"calibrants"`
}

type rawCalibrant struct {
	Name    string `yaml:"name"`
	Lattice *struct {
		A         float64 `yaml:"a"`
		Centering string  `yaml:"centering"`
	} `yaml:"lattice"`
	DSpacings []float64 `yaml:"dspacings"`
	Skip      int       `yaml:"skip"`
	DMin      float64   `yaml:"dmin"`
	PixLimit  int       `yaml:"pixLimit"`
	Cutoff    float64   `yaml:"cutoff"`
}

// DefaultCatalog returns the built-in reference standards.
func DefaultCatalog() (*Catalog, error) {
	c := &Catalog{byName: map[string]Calibrant{}}
	if err := c.read(builtinTable); err != nil {
		return nil, pkgerrors.Wrap(err, "built-in calibrant table")
	}
	return c, nil
}

// Merge adds the calibrants of a YAML table, replacing entries of the same name.
func (c *Catalog) Merge(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.read(data)
}

// MergeFile adds the calibrants of a YAML file.
func (c *Catalog) MergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open calibrant table")
	}
	defer f.Close()
	return pkgerrors.Wrapf(c.Merge(f), "calibrant table %s", path)
}

func (c *Catalog) read(data []byte) error {
	var table rawTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return err
	}
	for _, raw := range table.Calibrants {
		cal, err := raw.build()
		if err != nil {
			return err
		}
		if _, exists := c.byName[cal.Name]; !exists {
			c.names = append(c.names, cal.Name)
		}
		c.byName[cal.Name] = cal
	}
	sort.Strings(c.names)
	return nil
}

func (raw rawCalibrant) build() (Calibrant, error) {
	if raw.Name == "" {
		return Calibrant{}, fmt.Errorf("calibrant without a name")
	}
	cal := Calibrant{
		Name:     raw.Name,
		Skip:     raw.Skip,
		DMin:     raw.DMin,
		PixLimit: raw.PixLimit,
		Cutoff:   raw.Cutoff,
	}
	if cal.PixLimit <= 0 {
		cal.PixLimit = 10
	}
	if cal.Cutoff <= 0 {
		cal.Cutoff = 10
	}
	if cal.DMin <= 0 {
		cal.DMin = 0.5
	}

	switch {
	case raw.Lattice != nil:
		d, err := CubicDSpacings(raw.Lattice.A, raw.Lattice.Centering, cal.DMin)
		if err != nil {
			return Calibrant{}, pkgerrors.Wrapf(err, "calibrant %s", raw.Name)
		}
		cal.DSpacings = d
	case len(raw.DSpacings) > 0:
		cal.DSpacings = append([]float64(nil), raw.DSpacings...)
		sort.Sort(sort.Reverse(sort.Float64Slice(cal.DSpacings)))
	default:
		return Calibrant{}, fmt.Errorf("calibrant %s has neither lattice nor d-spacings", raw.Name)
	}
	return cal, nil
}

// Get returns the calibrant with the given name.
func (c *Catalog) Get(name string) (Calibrant, bool) {
	cal, ok := c.byName[name]
	return cal, ok
}

// Names returns the calibrant names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// CubicDSpacings lists the distinct d-spacings of a cubic lattice with
// parameter a down to dmin, largest first. centering is one of P, I, F or
// D (diamond) and selects the reflection conditions.
func CubicDSpacings(a float64, centering string, dmin float64) ([]float64, error) {
	if a <= 0 || dmin <= 0 {
		return nil, fmt.Errorf("lattice parameter and dmin must be positive")
	}
	allowed, ok := reflectionRules[centering]
	if !ok {
		return nil, fmt.Errorf("unknown centering %q", centering)
	}

	hmax := int(math.Ceil(a / dmin))
	seen := map[int]bool{}
	var out []float64
	for h := 0; h <= hmax; h++ {
		for k := 0; k <= h; k++ {
			for l := 0; l <= k; l++ {
				n := h*h + k*k + l*l
				if n == 0 || seen[n] || !allowed(h, k, l) {
					continue
				}
				d := a / math.Sqrt(float64(n))
				if d < dmin {
					continue
				}
				seen[n] = true
				out = append(out, d)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out, nil
}

var reflectionRules = map[string]func(h, k, l int) bool{
	"P": func(h, k, l int) bool { return true },
	"I": func(h, k, l int) bool { return (h+k+l)%2 == 0 },
	"F": allSameParity,
	"D": func(h, k, l int) bool {
		if !allSameParity(h, k, l) {
			return false
		}
		return h%2 == 1 || (h+k+l)%4 == 0
	},
}

func allSameParity(h, k, l int) bool {
	return h%2 == k%2 && k%2 == l%2
}
