// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package costplot renders solver diagnostics with gonum/plot.
package costplot

import (
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Default canvas size.
var (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

var (
	observedColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	predictedColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// History plots the cost after every accepted step. The y axis is
// logarithmic unless some cost is not positive.
func History(title string, costs []float64) (*plot.Plot, error) {
	if len(costs) == 0 {
		return nil, errors.New("empty cost history")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "accepted step"
	p.Y.Label.Text = "cost ½‖r‖²"
	p.Add(plotter.NewGrid())

	logScale := true
	pts := make(plotter.XYs, len(costs))
	for i, c := range costs {
		pts[i] = plotter.XY{X: float64(i), Y: c}
		if !(c > 0) {
			logScale = false
		}
	}
	if logScale {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cost line")
	}
	line.Width = vg.Points(1)
	points.Shape = draw.CircleGlyph{}
	p.Add(line, points)
	return p, nil
}

// Reprojection scatters observed pixels against the pixels predicted by the
// refined pose. The image y axis points down.
func Reprojection(title string, observed, predicted []r2.Point) (*plot.Plot, error) {
	if len(observed) != len(predicted) {
		return nil, errors.Errorf("observed %d points but predicted %d", len(observed), len(predicted))
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "u (px)"
	p.Y.Label.Text = "v (px)"
	p.Y.Scale = flipped{}
	p.Add(plotter.NewGrid())

	for _, s := range []struct {
		name  string
		pts   []r2.Point
		color color.Color
		shape draw.GlyphDrawer
	}{
		{"observed", observed, observedColor, draw.CircleGlyph{}},
		{"predicted", predicted, predictedColor, draw.CrossGlyph{}},
	} {
		xys := make(plotter.XYs, len(s.pts))
		for i, pt := range s.pts {
			xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %s scatter", s.name)
		}
		sc.GlyphStyle.Color = s.color
		sc.GlyphStyle.Shape = s.shape
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(s.name, sc)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// flipped maps larger values lower on the axis, the image row convention.
type flipped struct{}

func (flipped) Normalize(lo, hi, x float64) float64 {
	return 1 - plot.LinearScale{}.Normalize(lo, hi, x)
}

// Write encodes p in format (png, svg, pdf, ...) to w.
func Write(w io.Writer, p *plot.Plot, format string) error {
	wt, err := p.WriterTo(Width, Height, format)
	if err != nil {
		return errors.Wrapf(err, "unsupported format %q", format)
	}
	_, err = wt.WriteTo(w)
	return errors.Wrap(err, "failed to render plot")
}

// Save writes p to path, choosing the format from the file extension and
// creating the parent directory if needed.
func Save(path string, p *plot.Plot) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create output dir")
		}
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		return errors.Errorf("plot file %q has no extension", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create plot file")
	}
	if err := Write(f, p, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
