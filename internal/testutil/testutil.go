// Package testutil provides shared test fixtures: committed event
// directories and debug route checks.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/motion"
)

// EventStart is the start time of every fixture event.
var EventStart = time.Unix(1_700_000_000, 0)

// FrameInterval is the spacing of fixture frames (20 fps).
const FrameInterval = 50 * time.Millisecond

// Event describes a fixture event. Zero sizes default to a 4x4 Gray8 frame.
type Event struct {
	ID     string
	Frames int
	Width  int
	Height int
	Format eventfile.PixelFormat
	// Vectors adds one 1x1 vector record per frame, scored 10*i.
	Vectors bool
}

// WriteEvent commits ev under root through the real writer and returns it.
// The first byte of raw frame i is i, so detectors can tell frames apart.
func WriteEvent(t testing.TB, root string, ev Event) *eventfile.Event {
	t.Helper()
	if ev.Width == 0 || ev.Height == 0 {
		ev.Width, ev.Height = 4, 4
	}
	if ev.Format == eventfile.YUV420 {
		ev.Format = eventfile.Gray8
	}
	w, err := eventfile.NewWriter(eventfile.Options{Root: root, Format: ev.Format, Framerate: 20})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Open(ev.ID, EventStart); err != nil {
		t.Fatalf("open event: %v", err)
	}

	size := int(ev.Format.FrameSize(ev.Width, ev.Height))
	var seg eventfile.Segment
	for i := 0; i < ev.Frames; i++ {
		ts := EventStart.Add(time.Duration(i) * FrameInterval)
		data := make([]byte, size)
		data[0] = byte(i)
		seg.Raw = append(seg.Raw, eventfile.RawFrame{Timestamp: ts, Width: ev.Width, Height: ev.Height, Data: data})
		if ev.Vectors {
			seg.Vectors = append(seg.Vectors, eventfile.VectorRecord{
				Timestamp: ts,
				Score:     float64(10 * i),
				Frame:     &motion.VectorFrame{Cols: 1, Rows: 1, Vectors: []motion.Vector{{X: int8(i)}}},
			})
		}
	}
	if _, err := w.WriteSegment(seg); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	committed, err := w.Close(EventStart.Add(time.Second), "motion_end", nil)
	if err != nil {
		t.Fatalf("close event: %v", err)
	}
	return committed
}

// AssertRoutes fails for every path mux does not route. Debug routes may
// answer non-local callers with 403, so any status except 404 passes.
func AssertRoutes(t testing.TB, mux http.Handler, paths ...string) {
	t.Helper()
	for _, p := range paths {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		if w.Code == http.StatusNotFound {
			t.Errorf("%s is not routed", p)
		}
	}
}
