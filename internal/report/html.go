package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot/plotter"
)

// WriteHTML renders interactive reward and episode-length charts as a
// standalone HTML page.
func WriteHTML(w io.Writer, title string, episodes []Episode) error {
	xAxis := make([]string, len(episodes))
	rewards := make([]opts.LineData, len(episodes))
	steps := make([]opts.LineData, len(episodes))
	raw := make(plotter.XYs, len(episodes))
	for i, ep := range episodes {
		xAxis[i] = strconv.Itoa(int(ep.x(i)))
		rewards[i] = opts.LineData{Value: ep.Reward}
		steps[i] = opts.LineData{Value: ep.Steps}
		raw[i].X = ep.x(i)
		raw[i].Y = ep.Reward
	}

	mean := MovingAverage(raw, DefaultWindow)
	smoothed := make([]opts.LineData, len(mean))
	for i, p := range mean {
		smoothed[i] = opts.LineData{Value: p.Y}
	}

	rewardChart := charts.NewLine()
	rewardChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: "Reward per episode"}),
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "shine"}),
	)
	rewardChart.SetXAxis(xAxis).
		AddSeries("reward", rewards).
		AddSeries(fmt.Sprintf("mean of %d", DefaultWindow), smoothed)

	stepChart := charts.NewLine()
	stepChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Subtitle: "Steps per episode"}),
		charts.WithInitializationOpts(opts.Initialization{Theme: "shine"}),
	)
	stepChart.SetXAxis(xAxis).AddSeries("steps", steps)

	page := components.NewPage()
	page.AddCharts(rewardChart, stepChart)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render charts: %w", err)
	}
	return nil
}
