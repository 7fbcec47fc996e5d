package trainer

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveLossPlot renders the per-step loss curves of a training history to an
// image file (format from the extension, e.g. losses.png): total (black),
// reconstruction (blue), KL (red) and classification (green).
func SaveLossPlot(history []Record, path string) error {
	if len(history) == 0 {
		return errors.New("empty training history")
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	curves := []struct {
		name  string
		color color.RGBA
		value func(r Record) float64
	}{
		{"total", color.RGBA{A: 255}, func(r Record) float64 { return r.Total }},
		{"reconstruction", color.RGBA{R: 20, G: 80, B: 200, A: 220}, func(r Record) float64 { return r.Recon }},
		{"kl", color.RGBA{R: 200, G: 30, B: 30, A: 220}, func(r Record) float64 { return r.KL }},
		{"classification", color.RGBA{R: 40, G: 140, B: 40, A: 220}, func(r Record) float64 { return r.Class }},
	}
	for _, c := range curves {
		xys := make(plotter.XYs, len(history))
		for i, r := range history {
			xys[i] = plotter.XY{X: float64(r.Step), Y: c.value(r)}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = c.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(c.name, line)
	}
	p.Add(plotter.NewGrid())

	return errors.Wrapf(p.Save(8*vg.Inch, 6*vg.Inch, path), "saving loss plot to %s", path)
}
