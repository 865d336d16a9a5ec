package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

// Tap sees every frame on the capture goroutine, before scoring. It must not
// block.
type Tap interface {
	Capture(f Frame)
}

// Observer receives each frame with its motion score on the scoring
// goroutine.
type Observer interface {
	Observe(f Frame, s motion.Score)
}

// Finisher is implemented by observers that need to flush state when the
// loop stops.
type Finisher interface {
	Finish()
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Source     Source
	Scorer     *motion.Scorer
	QueueDepth int
	Clock      timeutil.Clock
	Taps       []Tap
	Observers  []Observer
}

// LoopStats counts frames through the loop.
type LoopStats struct {
	Captured uint64 `json:"captured"`
	Scored   uint64 `json:"scored"`
	Dropped  uint64 `json:"dropped"`
	Backlog  int    `json:"backlog"`
}

// Loop runs the capture and scoring goroutines connected by a FrameQueue.
type Loop struct {
	cfg      LoopConfig
	queue    *FrameQueue
	captured atomic.Uint64
	scored   atomic.Uint64
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if cfg.Scorer == nil {
		return nil, fmt.Errorf("motion scorer is required")
	}
	return &Loop{cfg: cfg, queue: NewFrameQueue(cfg.QueueDepth, cfg.Clock)}, nil
}

func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Captured: l.captured.Load(),
		Scored:   l.scored.Load(),
		Dropped:  l.queue.Dropped(),
		Backlog:  l.queue.Len(),
	}
}

// Run reads the source until it is exhausted or ctx is cancelled. When the
// source ends the backlog is scored; on cancellation it is abandoned. Either
// way observers are finished before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	var (
		wg      sync.WaitGroup
		readErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.queue.Close()
		for {
			f, err := l.cfg.Source.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					readErr = fmt.Errorf("capture source failed: %w", err)
				}
				return
			}
			l.captured.Add(1)
			for _, t := range l.cfg.Taps {
				t.Capture(f)
			}
			l.queue.Push(f)
		}
	}()

	// A blocked Next (e.g. a pipe read) is not interruptible, so the reader
	// is only waited for once it has closed the queue.
	if l.score(ctx) {
		wg.Wait()
	}

	for _, o := range l.cfg.Observers {
		if fin, ok := o.(Finisher); ok {
			fin.Finish()
		}
	}
	s := l.Stats()
	monitoring.Logf("capture stopped: %d captured, %d scored, %d dropped", s.Captured, s.Scored, s.Dropped)
	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

// score consumes the queue. It reports whether the queue was closed, as
// opposed to abandoned on cancellation.
func (l *Loop) score(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case f, ok := <-l.queue.C():
			if !ok {
				return true
			}
			if f.Vectors == nil {
				continue
			}
			s := l.cfg.Scorer.Score(f.Timestamp, f.Vectors)
			l.scored.Add(1)
			for _, o := range l.cfg.Observers {
				o.Observe(f, s)
			}
		}
	}
}
