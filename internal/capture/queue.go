package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

const dropWarnInterval = 5 * time.Second

// FrameQueue is the bounded hand-off between capture and scoring. Push never
// blocks: when the queue is full the oldest frame is discarded.
type FrameQueue struct {
	ch      chan Frame
	dropped atomic.Uint64
	clock   timeutil.Clock

	mu       sync.Mutex
	lastWarn time.Time
	warned   uint64
}

// NewFrameQueue returns a queue holding up to depth frames.
func NewFrameQueue(depth int, clock timeutil.Clock) *FrameQueue {
	if depth <= 0 {
		depth = 100
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FrameQueue{ch: make(chan Frame, depth), clock: clock}
}

// Push enqueues f, evicting the oldest frame if the queue is full. Only one
// goroutine may push.
func (q *FrameQueue) Push(f Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			q.warn()
		default:
		}
	}
}

// C is the receive side.
func (q *FrameQueue) C() <-chan Frame { return q.ch }

// Close ends the stream after the queued frames are consumed.
func (q *FrameQueue) Close() { close(q.ch) }

// Len is the current backlog.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Dropped counts frames discarded because scoring fell behind.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *FrameQueue) warn() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	if !q.lastWarn.IsZero() && now.Sub(q.lastWarn) < dropWarnInterval {
		return
	}
	total := q.dropped.Load()
	monitoring.Warnf("scoring is behind capture: dropped %d frames (%d total), backlog %d/%d",
		total-q.warned, total, len(q.ch), cap(q.ch))
	q.lastWarn = now
	q.warned = total
}
