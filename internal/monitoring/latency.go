package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencyWindow keeps the most recent durations of a repeated operation and
// summarises them. It is safe for concurrent use.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64 // seconds
	next    int
	full    bool
	total   uint64
}

// LatencySummary is a point-in-time view of a LatencyWindow.
type LatencySummary struct {
	Count  uint64        `json:"count"`
	Mean   time.Duration `json:"mean_ns"`
	P95    time.Duration `json:"p95_ns"`
	Max    time.Duration `json:"max_ns"`
	Window int           `json:"window"`
}

// NewLatencyWindow returns a window holding up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 128
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Observe records one duration.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d.Seconds()
	w.next++
	w.total++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Summary computes mean, p95 and max over the retained samples.
func (w *LatencyWindow) Summary() LatencySummary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	xs := make([]float64, n)
	copy(xs, w.samples[:n])
	total := w.total
	w.mu.Unlock()

	s := LatencySummary{Count: total, Window: n}
	if n == 0 {
		return s
	}
	sort.Float64s(xs)
	s.Mean = seconds(stat.Mean(xs, nil))
	s.P95 = seconds(stat.Quantile(0.95, stat.Empirical, xs, nil))
	s.Max = seconds(xs[n-1])
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
