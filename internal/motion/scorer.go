package motion

import (
	"fmt"
	"time"

	"github.com/banshee-data/camtrap/internal/monitoring"
)

// Status is the per-frame motion label.
type Status int

const (
	Still Status = iota
	Moving
)

func (s Status) String() string {
	if s == Moving {
		return "moving"
	}
	return "still"
}

// Score is the result of scoring one vector frame.
type Score struct {
	Timestamp time.Time
	Raw       float64 // SOTV magnitude
	Smoothed  float64 // IIR output compared against the trigger threshold
	Status    Status
}

// Priority orders frames for inference. Still frames are always -1.
func (s Score) Priority() float64 {
	if s.Status != Moving {
		return -1
	}
	return s.Smoothed
}

// Params configures a Scorer.
type Params struct {
	SmallThreshold int     // vectors at or below this magnitude are noise
	SOTVThreshold  float64 // smoothed score at which a frame counts as moving
	IIR            IIRParams
}

// Scorer turns vector frames into smoothed motion scores. One Scorer serves
// one stream and is not safe for concurrent use.
type Scorer struct {
	small   int
	trigger float64
	filter  *IIRFilter
	latency *monitoring.LatencyWindow
}

// NewScorer builds a Scorer and its smoothing filter.
func NewScorer(p Params) (*Scorer, error) {
	if p.SmallThreshold < 0 {
		return nil, fmt.Errorf("small vector threshold must be non-negative, got %d", p.SmallThreshold)
	}
	f, err := NewIIRFilter(p.IIR)
	if err != nil {
		return nil, fmt.Errorf("failed to design motion filter: %w", err)
	}
	return &Scorer{
		small:   p.SmallThreshold,
		trigger: p.SOTVThreshold,
		filter:  f,
		latency: monitoring.NewLatencyWindow(256),
	}, nil
}

// Score computes the motion score of f captured at ts.
func (s *Scorer) Score(ts time.Time, f *VectorFrame) Score {
	start := time.Now()
	_, _, raw := SOTV(f, s.small)
	smoothed := s.filter.Filter(raw)
	s.latency.Observe(time.Since(start))

	sc := Score{Timestamp: ts, Raw: raw, Smoothed: smoothed, Status: Still}
	if smoothed >= s.trigger {
		sc.Status = Moving
	}
	return sc
}

// Threshold returns the trigger level.
func (s *Scorer) Threshold() float64 { return s.trigger }

// Reset clears the filter history, e.g. when a stream restarts.
func (s *Scorer) Reset() { s.filter.Reset() }

// Latency reports motion compute time.
func (s *Scorer) Latency() monitoring.LatencySummary { return s.latency.Summary() }
