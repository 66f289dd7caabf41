// Package report renders learning curves of a training run.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Episode is one point of the learning curve. Number is the 1-based episode
// index within the run; zero means the position in the slice is used.
type Episode struct {
	Number int
	Reward float64
	Steps  int
}

func (ep Episode) x(i int) float64 {
	if ep.Number > 0 {
		return float64(ep.Number)
	}
	return float64(i + 1)
}

// DefaultWindow is the moving-average window drawn over the raw rewards.
const DefaultWindow = 100

// WriteCurves writes a PNG with the per-episode reward (top) and episode
// length (bottom) to path.
func WriteCurves(path string, episodes []Episode) error {
	if len(episodes) == 0 {
		return errors.New("no episodes to plot")
	}

	rewards := make(plotter.XYs, len(episodes))
	lengths := make(plotter.XYs, len(episodes))
	for i, ep := range episodes {
		rewards[i].X = ep.x(i)
		rewards[i].Y = ep.Reward
		lengths[i].X = ep.x(i)
		lengths[i].Y = float64(ep.Steps)
	}

	top := plot.New()
	top.Title.Text = "Learning progress"
	top.Y.Label.Text = "Reward"
	if err := addLine(top, "reward", rewards, 0); err != nil {
		return err
	}
	if err := addLine(top, fmt.Sprintf("mean of %d", DefaultWindow), MovingAverage(rewards, DefaultWindow), 1); err != nil {
		return err
	}

	bottom := plot.New()
	bottom.X.Label.Text = "Episode"
	bottom.Y.Label.Text = "Steps"
	if err := addLine(bottom, "steps", lengths, 2); err != nil {
		return err
	}

	const width, height = 8 * vg.Inch, 6 * vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadX: vg.Millimeter, PadY: vg.Millimeter}
	plots := [][]*plot.Plot{{top}, {bottom}}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return f.Close()
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, color int) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("line %q: %w", name, err)
	}
	line.Color = plotutil.Color(color)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

// MovingAverage returns the trailing mean of pts over window points.
func MovingAverage(pts plotter.XYs, window int) plotter.XYs {
	if window < 1 {
		window = 1
	}
	out := make(plotter.XYs, len(pts))
	sum := 0.0
	for i, p := range pts {
		sum += p.Y
		if i >= window {
			sum -= pts[i-window].Y
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i].X = p.X
		out[i].Y = sum / float64(n)
	}
	return out
}
