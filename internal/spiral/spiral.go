// Package spiral decides whether an event holds an animal by running the
// detector outward from the middle frame, where the subject is most likely
// to be in view, and stopping at the first conclusive frame.
package spiral

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
)

// Decision reasons.
const (
	ReasonAnimal   = "animal"
	ReasonHuman    = "human"
	ReasonNoAnimal = "no_animal"
	ReasonEmpty    = "no_frames"
)

// Budget is the number of frames inspected for an event of n frames when no
// frame is conclusive. A fraction of zero inspects the centre frame only.
func Budget(n int, fraction float64) int {
	if n <= 0 {
		return 0
	}
	if fraction <= 0 {
		return 1
	}
	b := int(math.Ceil(fraction*float64(n) - 1e-9))
	return min(max(b, 1), n)
}

// Order returns the frame indices to visit: n/2 first, then alternately one
// step later and one step earlier, truncated to Budget(n, fraction).
func Order(n int, fraction float64) []int {
	budget := Budget(n, fraction)
	out := make([]int, 0, budget)
	c := n / 2
	if budget > 0 {
		out = append(out, c)
	}
	for k := 1; len(out) < budget; k++ {
		if c+k < n {
			out = append(out, c+k)
		}
		if c-k >= 0 && len(out) < budget {
			out = append(out, c-k)
		}
	}
	return out
}

// FrameSource loads the frame a descriptor points at.
type FrameSource interface {
	Frame(ctx context.Context, d eventfile.FrameDescriptor) (detector.PixelBuffer, error)
}

// Config tunes a Scheduler.
type Config struct {
	Fraction   float64
	Timeout    time.Duration // per detector call; zero means no limit
	Thresholds detector.Thresholds
}

// Result is the outcome of one run.
type Result struct {
	Keep          bool   `json:"keep"`
	Reason        string `json:"reason"`
	FirstPositive int    `json:"first_positive"` // -1 when nothing was found
	Inferences    int    `json:"inferences"`
	Visited       []int  `json:"visited"`
}

// Scheduler runs the spiral search against a detector.
type Scheduler struct {
	cfg     Config
	det     detector.Detector
	latency *monitoring.LatencyWindow
}

// NewScheduler validates cfg and returns a Scheduler.
func NewScheduler(cfg Config, det detector.Detector) (*Scheduler, error) {
	if cfg.Fraction < 0 || cfg.Fraction > 1 {
		return nil, fmt.Errorf("detector fraction must be in [0,1], got %g", cfg.Fraction)
	}
	if det == nil {
		return nil, fmt.Errorf("detector is required")
	}
	return &Scheduler{cfg: cfg, det: det, latency: monitoring.NewLatencyWindow(128)}, nil
}

// Latency reports detector call times.
func (s *Scheduler) Latency() monitoring.LatencySummary { return s.latency.Summary() }

// Run inspects frames in spiral order. An animal at or above threshold keeps
// the event; a human, when enabled, drops it. Detector errors and timeouts
// count as negative. If ctx is cancelled the run is abandoned and ctx's error
// returned.
func (s *Scheduler) Run(ctx context.Context, frames []eventfile.FrameDescriptor, src FrameSource) (Result, error) {
	res := Result{FirstPositive: -1, Reason: ReasonNoAnimal}
	if len(frames) == 0 {
		res.Reason = ReasonEmpty
		return res, nil
	}

	for _, idx := range Order(len(frames), s.cfg.Fraction) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res.Visited = append(res.Visited, idx)

		buf, err := src.Frame(ctx, frames[idx])
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			monitoring.Warnf("skipping unreadable frame %d: %v", idx, err)
			continue
		}

		det, err := s.detect(ctx, buf)
		res.Inferences++
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			monitoring.Debugf("detector failed on frame %d: %v", idx, err)
			continue
		}

		animal, human := s.cfg.Thresholds.Evaluate(det)
		if human {
			res.Reason = ReasonHuman
			return res, nil
		}
		if animal {
			res.Keep = true
			res.Reason = ReasonAnimal
			res.FirstPositive = idx
			return res, nil
		}
	}
	return res, nil
}

func (s *Scheduler) detect(ctx context.Context, buf detector.PixelBuffer) (detector.Detection, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { s.latency.Observe(time.Since(start)) }()
	return s.det.Detect(ctx, buf)
}
