package seqqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/trigger"
)

// Config bounds sequences. The boundary rules match the event trigger.
type Config struct {
	ContextLength time.Duration // head and tail context
	QuietPeriod   time.Duration
	MaxLength     time.Duration
	SmoothingLen  int // neighbours labelled with each animal detection
}

// Queue assembles sequences from scored frames and serves their frames in
// priority order. Put is called by the scoring goroutine; the remaining
// methods by a single consumer.
type Queue[F any] struct {
	cfg Config

	mu        sync.Mutex
	machine   *trigger.Machine
	open      *Sequence[F]
	inMotion  bool
	closed    []*Sequence[F]
	retired   []*Sequence[F]
	discarded uint64
	ready     chan struct{}
	done      bool
}

// NewQueue validates cfg and returns an empty queue.
func NewQueue[F any](cfg Config) (*Queue[F], error) {
	if cfg.MaxLength <= 0 {
		return nil, fmt.Errorf("max sequence length must be positive, got %s", cfg.MaxLength)
	}
	if cfg.ContextLength < 0 || cfg.QuietPeriod < 0 || cfg.SmoothingLen < 0 {
		return nil, fmt.Errorf("sequence context, quiet period and smoothing must be non-negative")
	}
	return &Queue[F]{
		cfg: cfg,
		machine: trigger.New(trigger.Config{
			ContextLength: cfg.ContextLength,
			QuietPeriod:   cfg.QuietPeriod,
			MaxDuration:   cfg.MaxLength,
		}),
		open:  newSequence[F](cfg.SmoothingLen),
		ready: make(chan struct{}, 1),
	}, nil
}

// Ready is signalled whenever a sequence is pushed and on Close.
func (q *Queue[F]) Ready() <-chan struct{} { return q.ready }

// Close ends the open sequence at the given time and marks the queue as
// receiving no more frames. Sequences already queued are still served.
func (q *Queue[F]) Close(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	q.machine.Shutdown(at)
	q.closeLocked()
	q.done = true
	q.signal()
}

// Drained reports whether the queue is closed and every sequence has been
// served.
func (q *Queue[F]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done && len(q.closed) == 0
}

func (q *Queue[F]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Put appends a frame to the open sequence and closes it when the boundary
// rules say so.
func (q *Queue[F]) Put(frame F, score motion.Score) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}

	if !q.inMotion {
		q.open.trimBefore(score.Timestamp.Add(-q.cfg.ContextLength))
	}
	q.open.append(frame, score)
	for _, a := range q.machine.Observe(score.Timestamp, score.Status == motion.Moving) {
		switch a.Kind {
		case trigger.OpenEvent:
			q.inMotion = true
			q.open.ID = a.EventID
		case trigger.CloseEvent:
			q.closeLocked()
		}
	}
}

// EndSequence force-closes the open sequence, e.g. when the source stalls.
func (q *Queue[F]) EndSequence(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.machine.Shutdown(at)
	q.closeLocked()
}

func (q *Queue[F]) closeLocked() {
	seq := q.open
	q.open = newSequence[F](q.cfg.SmoothingLen)
	q.inMotion = false
	if !seq.HasMotion() {
		q.discarded++
		return
	}
	q.closed = append(q.closed, seq)
	q.signal()
}

// GetHighestPriority serves the next frame to infer from the front
// sequence. Exhausted sequences are retired on the way and collected by
// Retired. It never returns a still frame and returns nil when the queue
// is drained.
func (q *Queue[F]) GetHighestPriority() (*Entry[F], *Sequence[F]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.closed) > 0 {
		front := q.closed[0]
		if e := front.GetHighestPriority(); e != nil {
			return e, front
		}
		q.closed[0] = nil
		q.closed = q.closed[1:]
		q.retired = append(q.retired, front)
	}
	return nil, nil
}

// Retired returns and forgets the sequences retired since the last call.
func (q *Queue[F]) Retired() []*Sequence[F] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.retired
	q.retired = nil
	return out
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued    int    `json:"queued"`
	OpenLen   int    `json:"open_frames"`
	InMotion  bool   `json:"in_motion"`
	Discarded uint64 `json:"discarded_still_sequences"`
}

func (q *Queue[F]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.closed), OpenLen: q.open.Len(), InMotion: q.inMotion, Discarded: q.discarded}
}
