package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/follow.pilot/internal/db"
	"github.com/banshee-data/follow.pilot/internal/httputil"
)

const chartDefaultLimit = 600

// renderCommandChart draws yaw rate and forward velocity against seconds
// since the first command.
func renderCommandChart(cmds []db.CommandRecord, subtitle string) ([]byte, error) {
	xs := make([]string, 0, len(cmds))
	yaw := make([]opts.LineData, 0, len(cmds))
	fwd := make([]opts.LineData, 0, len(cmds))
	dist := make([]opts.LineData, 0, len(cmds))
	for _, c := range cmds {
		xs = append(xs, fmt.Sprintf("%.1f", c.At.Sub(cmds[0].At).Seconds()))
		yaw = append(yaw, opts.LineData{Value: c.YawRate})
		fwd = append(fwd, opts.LineData{Value: c.Forward})
		if c.DistanceM != nil {
			dist = append(dist, opts.LineData{Value: *c.DistanceM})
		} else {
			dist = append(dist, opts.LineData{Value: "-"})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Velocity commands", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Velocity commands", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(xs).
		AddSeries("yaw rate (deg/s)", yaw).
		AddSeries("forward (m/s)", fwd).
		AddSeries("distance (m)", dist).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleCommandChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireLog(w) {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", chartDefaultLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cmds, err := s.log.RecentCommands(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve commands: %v", err))
		return
	}

	page, err := renderCommandChart(cmds, fmt.Sprintf("last %d commands", len(cmds)))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
