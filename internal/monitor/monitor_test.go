package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camtrap/internal/capture"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/testutil"
)

var t0 = time.Date(2024, 6, 1, 5, 0, 0, 0, time.UTC)

func fill(tr *Trace, n int) {
	for i := 0; i < n; i++ {
		s := motion.Score{Timestamp: t0.Add(time.Duration(i) * 50 * time.Millisecond), Raw: float64(i), Smoothed: float64(i) / 2}
		if s.Smoothed >= tr.Threshold() {
			s.Status = motion.Moving
		}
		tr.Observe(capture.Frame{Timestamp: s.Timestamp}, s)
	}
}

func TestTraceKeepsMostRecent(t *testing.T) {
	tr := NewTrace(4, 2)
	fill(tr, 6)
	pts := tr.Points()
	require.Len(t, pts, 4)
	assert.Equal(t, 2.0, pts[0].Raw)
	assert.Equal(t, 5.0, pts[3].Raw)
	assert.True(t, pts[3].Moving)
	assert.False(t, pts[0].Moving)
}

func TestEventTrace(t *testing.T) {
	frame := &motion.VectorFrame{Cols: 2, Rows: 1, Vectors: []motion.Vector{{X: 3, Y: 4}, {X: 1, Y: 0}}}
	recs := []eventfile.VectorRecord{
		{Timestamp: t0, Score: 1, Frame: frame},
		{Timestamp: t0.Add(time.Second), Score: 9, Frame: frame},
	}
	pts := EventTrace(recs, 2, 5)
	require.Len(t, pts, 2)
	// Only the (3,4) vector clears the noise threshold.
	assert.InDelta(t, 5.0, pts[0].Raw, 1e-9)
	assert.Equal(t, 1.0, pts[0].Smoothed)
	assert.False(t, pts[0].Moving)
	assert.True(t, pts[1].Moving)
}

func TestRenderChart(t *testing.T) {
	tr := NewTrace(16, 3)
	fill(tr, 10)
	var buf bytes.Buffer
	require.NoError(t, RenderChart(&buf, tr.Points(), tr.Threshold(), "Motion score"))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "smoothed")
	assert.Contains(t, html, "Motion score")
}

func TestWritePlot(t *testing.T) {
	tr := NewTrace(16, 3)
	fill(tr, 10)
	for name, pts := range map[string][]Point{"trace": tr.Points(), "empty": nil} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WritePlot(&buf, pts, 3, "event"))
			assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
		})
	}
}

func TestHandlers(t *testing.T) {
	tr := NewTrace(16, 3)
	fill(tr, 10)

	w := httptest.NewRecorder()
	tr.handleJSON(w, httptest.NewRequest(http.MethodGet, "/debug/motion.json?last=3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Threshold float64 `json:"threshold"`
		Points    []Point `json:"points"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3.0, body.Threshold)
	require.Len(t, body.Points, 3)
	assert.Equal(t, 9.0, body.Points[2].Raw)

	w = httptest.NewRecorder()
	tr.handleJSON(w, httptest.NewRequest(http.MethodGet, "/debug/motion.json?last=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	tr.handleChart(w, httptest.NewRequest(http.MethodGet, "/debug/motion", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	mux := http.NewServeMux()
	tr.AttachAdminRoutes(mux)
	testutil.AssertRoutes(t, mux, "/debug/motion", "/debug/motion.json")
}
