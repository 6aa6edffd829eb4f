package report

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/wcharczuk/go-chart/v2"

	"github.com/krisarmstrong/nettest/pkg/result"
)

// ChartFile is the name of the throughput chart in a full-suite directory
const ChartFile = "throughput.png"

// ChartValues returns one bar per result that measured throughput, in Mbps
func ChartValues(sum Summary) []chart.Value {
	var bars []chart.Value
	for _, r := range sum.Results {
		bps, ok := r.Metrics[result.MetricThroughput]
		if !ok || bps <= 0 {
			continue
		}
		label := fmt.Sprintf("%02d %s", r.Number, r.TestID)
		if len(sum.Channels) > 1 {
			label += "/" + r.Channel
		}
		bars = append(bars, chart.Value{Label: label, Value: bps / 1e6})
	}
	return bars
}

// WriteChart renders a throughput bar chart to path. It writes nothing and
// returns false when no result measured throughput.
func WriteChart(sum Summary, path string) (bool, error) {
	bars := ChartValues(sum)
	if len(bars) == 0 {
		return false, nil
	}

	top := 0.0
	for _, b := range bars {
		if b.Value > top {
			top = b.Value
		}
	}

	width := 1024
	if w := len(bars)*50 + 100; w > width {
		width = w
	}
	c := chart.BarChart{
		Title: "Throughput (Mbps)",
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Height:   512,
		Width:    width,
		BarWidth: 30,
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: top * 1.1},
		},
		Bars: bars,
	}

	f, err := os.Create(path)
	if err != nil {
		return false, errors.Wrap(err, "create chart")
	}
	defer f.Close()
	if err := c.Render(chart.PNG, f); err != nil {
		return false, errors.Wrap(err, "render chart")
	}
	return true, nil
}
