package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/camtrap/internal/httputil"
)

// AttachAdminRoutes mounts the live motion chart and its JSON data under
// /debug/.
func (t *Trace) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("motion", "Live motion score chart", http.HandlerFunc(t.handleChart))
	debug.Handle("motion.json", "Live motion score trace (JSON)", http.HandlerFunc(t.handleJSON))
}

func (t *Trace) recent(r *http.Request) ([]Point, error) {
	pts := t.Points()
	if s := r.URL.Query().Get("last"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("last must be a positive integer")
		}
		if n < len(pts) {
			pts = pts[len(pts)-n:]
		}
	}
	return pts, nil
}

func (t *Trace) handleJSON(w http.ResponseWriter, r *http.Request) {
	pts, err := t.recent(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"threshold": t.threshold,
		"points":    pts,
	})
}

func (t *Trace) handleChart(w http.ResponseWriter, r *http.Request) {
	pts, err := t.recent(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := RenderChart(&buf, pts, t.threshold, "Motion score"); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// RenderChart writes an HTML line chart of raw and smoothed scores with the
// trigger threshold marked.
func RenderChart(w io.Writer, pts []Point, threshold float64, title string) error {
	x := make([]string, 0, len(pts))
	raw := make([]opts.LineData, 0, len(pts))
	smoothed := make([]opts.LineData, 0, len(pts))
	moving := 0
	for _, p := range pts {
		x = append(x, p.Timestamp.Format("15:04:05.000"))
		raw = append(raw, opts.LineData{Value: p.Raw})
		smoothed = append(smoothed, opts.LineData{Value: p.Smoothed})
		if p.Moving {
			moving++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: fmt.Sprintf("frames=%d moving=%d threshold=%.1f", len(pts), moving, threshold),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "SOTV"}),
	)
	line.SetXAxis(x).
		AddSeries("raw", raw).
		AddSeries("smoothed", smoothed,
			charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{Name: "threshold", YAxis: threshold}),
		)
	return line.Render(w)
}

// WritePlot renders the trace as a PNG with time in seconds from the first
// point on the x axis.
func WritePlot(w io.Writer, pts []Point, threshold float64, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "SOTV"

	raw := make(plotter.XYs, 0, len(pts))
	smoothed := make(plotter.XYs, 0, len(pts))
	var t0 time.Time
	if len(pts) > 0 {
		t0 = pts[0].Timestamp
	}
	for _, pt := range pts {
		x := pt.Timestamp.Sub(t0).Seconds()
		raw = append(raw, plotter.XY{X: x, Y: pt.Raw})
		smoothed = append(smoothed, plotter.XY{X: x, Y: pt.Smoothed})
	}

	if len(pts) > 0 {
		rawLine, err := plotter.NewLine(raw)
		if err != nil {
			return fmt.Errorf("raw line: %w", err)
		}
		rawLine.Color = color.RGBA{R: 158, G: 158, B: 158, A: 255}
		rawLine.Width = vg.Points(1)
		p.Add(rawLine)
		p.Legend.Add("raw", rawLine)

		smoothLine, err := plotter.NewLine(smoothed)
		if err != nil {
			return fmt.Errorf("smoothed line: %w", err)
		}
		smoothLine.Color = color.RGBA{R: 33, G: 150, B: 243, A: 255}
		smoothLine.Width = vg.Points(1.5)
		p.Add(smoothLine)
		p.Legend.Add("smoothed", smoothLine)
	}

	limit := plotter.NewFunction(func(float64) float64 { return threshold })
	limit.Color = color.RGBA{R: 255, G: 82, B: 82, A: 255}
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(limit)
	p.Legend.Add("threshold", limit)
	p.Legend.Top = true
	p.Y.Min = 0
	if p.Y.Max < threshold*1.2 {
		p.Y.Max = threshold * 1.2
	}
	if p.Y.Max <= 0 {
		p.Y.Max = 1
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to create plot writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return nil
}
