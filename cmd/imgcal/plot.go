package main

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"imgcal/internal/integrate"
	"imgcal/internal/strain"
)

func axisLabel(b integrate.BinType) string {
	switch b {
	case integrate.BinQ:
		return "Q (1/Å)"
	case integrate.BinLogQ:
		return "Q (1/Å), log bins"
	}
	return "2θ (deg)"
}

// plotProfiles draws every profile of res as a line, skipping empty bins.
func plotProfiles(res *integrate.Result, title, path string) error {
	plt := plot.New()
	plt.Title.Text = title
	plt.X.Label.Text = axisLabel(res.BinType)
	plt.Y.Label.Text = "Intensity"
	if res.BinType == integrate.BinLogQ {
		plt.X.Scale = plot.LogScale{}
		plt.X.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	var lines []interface{}
	for _, p := range res.Profiles {
		pts := make(plotter.XYs, 0, len(p.X))
		for i := range p.X {
			if p.Counts[i] == 0 {
				continue
			}
			pts = append(pts, plotter.XY{X: p.X[i], Y: p.Y[i]})
		}
		lines = append(lines, fmt.Sprintf("azm %.1f", p.Azimuth), pts)
	}
	if err := plotutil.AddLines(plt, lines...); err != nil {
		return err
	}
	return plt.Save(10*vg.Inch, 5*vg.Inch, path)
}

// plotStrain draws measured and fitted d-spacing against azimuth per ring.
func plotStrain(rings []strain.Ring, title, path string) error {
	plt := plot.New()
	plt.Title.Text = title
	plt.X.Label.Text = "Azimuth (deg)"
	plt.Y.Label.Text = "d (Å)"

	for _, r := range rings {
		if r.Status != strain.StatusOK {
			continue
		}
		obs := make(plotter.XYs, len(r.ObsAzm))
		calc := make(plotter.XYs, len(r.ObsAzm))
		for i, azm := range r.ObsAzm {
			obs[i] = plotter.XY{X: azm, Y: r.ObsD[i]}
			calc[i] = plotter.XY{X: azm, Y: r.CalcD[i]}
		}
		name := fmt.Sprintf("d=%.4f", r.Dset)
		if err := plotutil.AddScatters(plt, name, obs); err != nil {
			return err
		}
		if err := plotutil.AddLines(plt, name+" fit", calc); err != nil {
			return err
		}
	}
	return plt.Save(10*vg.Inch, 5*vg.Inch, path)
}
