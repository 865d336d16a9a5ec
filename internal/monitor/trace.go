// Package monitor keeps a rolling trace of motion scores for the debug
// pages and renders traces as charts.
package monitor

import (
	"sync"
	"time"

	"github.com/banshee-data/camtrap/internal/capture"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/ringbuf"
)

// Point is one scored frame.
type Point struct {
	Timestamp time.Time `json:"ts"`
	Raw       float64   `json:"raw"`
	Smoothed  float64   `json:"smoothed"`
	Moving    bool      `json:"moving"`
}

// Trace holds the most recent scores. It is a capture.Observer and is safe
// for concurrent use.
type Trace struct {
	threshold float64

	mu     sync.Mutex
	points *ringbuf.Ring[Point]
}

// NewTrace keeps up to capacity points. threshold is drawn as a reference
// line.
func NewTrace(capacity int, threshold float64) *Trace {
	return &Trace{threshold: threshold, points: ringbuf.NewRing[Point](capacity)}
}

var _ capture.Observer = (*Trace)(nil)

func (t *Trace) Observe(f capture.Frame, s motion.Score) {
	t.mu.Lock()
	t.points.Append(Point{
		Timestamp: s.Timestamp,
		Raw:       s.Raw,
		Smoothed:  s.Smoothed,
		Moving:    s.Status == motion.Moving,
	})
	t.mu.Unlock()
}

// Points returns the held points, oldest first.
func (t *Trace) Points() []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.points.Items()
}

// Threshold is the trigger level the trace was built with.
func (t *Trace) Threshold() float64 { return t.threshold }

// EventTrace rebuilds the trace of a recorded event from its vectors. The
// stored score is the smoothed value; the raw value is recomputed from the
// vectors with the given noise threshold.
func EventTrace(records []eventfile.VectorRecord, small int, threshold float64) []Point {
	out := make([]Point, 0, len(records))
	for _, r := range records {
		_, _, raw := motion.SOTV(r.Frame, small)
		out = append(out, Point{
			Timestamp: r.Timestamp,
			Raw:       raw,
			Smoothed:  r.Score,
			Moving:    r.Score >= threshold,
		})
	}
	return out
}
