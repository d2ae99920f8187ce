package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/presence"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handlePeopleChart plots the people estimate of each retained cycle.
func (s *Server) handlePeopleChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	history := s.coord.History()

	x := make([]string, 0, len(history))
	people := make([]opts.LineData, 0, len(history))
	heard := make([]opts.LineData, 0, len(history))
	for _, res := range history {
		x = append(x, res.At.Format("15:04:05"))
		people = append(people, opts.LineData{Value: res.People})
		heard = append(heard, opts.LineData{Value: len(res.Batch)})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Presence", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "People nearby", Subtitle: fmt.Sprintf("site=%s cycles=%d", s.site, len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count"}),
	)
	line.SetXAxis(x).
		AddSeries("people", people).
		AddSeries("devices heard", heard)

	renderChart(w, line)
}

// handleDwellChart plots dwell time per registered device.
func (s *Server) handleDwellChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	summary := presence.Summarize(s.coord.Registry())

	x := make([]string, 0, len(summary.Rows))
	dwell := make([]opts.BarData, 0, len(summary.Rows))
	for _, row := range summary.Rows {
		label := row.Name
		if label == "" || label == ble.UnknownName {
			label = row.Address
		}
		x = append(x, strconv.Itoa(row.ID)+" "+label)
		dwell = append(dwell, opts.BarData{Value: row.DwellSeconds})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Dwell", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Dwelling time",
			Subtitle: fmt.Sprintf("devices=%d average=%.2fs median=%.2fs", len(summary.Rows), summary.AverageDwellSeconds, summary.MedianDwellSeconds),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	bar.SetXAxis(x).
		AddSeries("dwell", dwell,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	renderChart(w, bar)
}

type renderer interface {
	Render(w io.Writer) error
}

func renderChart(w http.ResponseWriter, chart renderer) {
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
