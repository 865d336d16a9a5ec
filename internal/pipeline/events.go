package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/camtrap/internal/db"
	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/output"
	"github.com/banshee-data/camtrap/internal/spiral"
)

// Decision reasons beyond those of the spiral scheduler.
const (
	ReasonDetectorDisabled = "detector_disabled"
	ReasonIndexFailed      = "index_failed"
)

// EventCatalog is the part of the catalog the event dispatcher needs.
type EventCatalog interface {
	RecordEvent(ev *eventfile.Event) error
	PendingEvents() ([]db.EventRecord, error)
	MarkDeleted(id string) error
}

// EventConfig wires an EventDispatcher.
type EventConfig struct {
	Detector  detector.Detector // nil keeps every event undecided by inference
	Spiral    spiral.Config
	Format    eventfile.PixelFormat
	InputSize image.Point
	Sink      output.Sink
	Catalog   EventCatalog // optional
}

// DispatcherStats counts decided events.
type DispatcherStats struct {
	Decided uint64 `json:"decided"`
	Kept    uint64 `json:"kept"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// EventDispatcher decides committed events one at a time. Events waiting
// their turn stay on disk; only their paths are held here.
type EventDispatcher struct {
	cfg   EventConfig
	sched *spiral.Scheduler

	mu      sync.Mutex
	pending []*eventfile.Event
	closed  bool
	wake    chan struct{}

	decided, kept, dropped atomic.Uint64
}

// NewEventDispatcher validates cfg and returns an idle dispatcher.
func NewEventDispatcher(cfg EventConfig) (*EventDispatcher, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("output sink is required")
	}
	d := &EventDispatcher{cfg: cfg, wake: make(chan struct{}, 1)}
	if cfg.Detector != nil {
		sched, err := spiral.NewScheduler(cfg.Spiral, cfg.Detector)
		if err != nil {
			return nil, err
		}
		d.sched = sched
	}
	return d, nil
}

// Enqueue catalogues a committed event and queues it for a decision. It
// never blocks on inference, so it is safe to call from the event writer.
func (d *EventDispatcher) Enqueue(ev *eventfile.Event) {
	if d.cfg.Catalog != nil {
		if err := d.cfg.Catalog.RecordEvent(ev); err != nil {
			monitoring.Errorf("%v", err)
		}
	}
	d.push(ev)
}

func (d *EventDispatcher) push(ev *eventfile.Event) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops Run once every queued event has been decided. Events
// enqueued later are still queued but only decided by a later Run.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *EventDispatcher) pop() (ev *eventfile.Event, done bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, d.closed
	}
	ev = d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return ev, false
}

// Recover re-queues events left undecided by a previous run. Committed
// event directories under root that the catalog has never seen are
// catalogued first. Without a catalog there is nothing to recover.
func (d *EventDispatcher) Recover(root string) (int, error) {
	cat := d.cfg.Catalog
	if cat == nil {
		return 0, nil
	}
	dirs, err := eventfile.ListEvents(nil, root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	for _, dir := range dirs {
		ev, err := eventfile.ReadEvent(dir)
		if err != nil {
			monitoring.Warnf("skipping unreadable event %s: %v", dir, err)
			continue
		}
		if err := cat.RecordEvent(ev); err != nil {
			monitoring.Warnf("%v", err)
		}
	}

	records, err := cat.PendingEvents()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		ev, err := eventfile.ReadEvent(rec.Dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				monitoring.Warnf("pending event %s vanished from disk", rec.ID)
				if err := cat.MarkDeleted(rec.ID); err != nil {
					monitoring.Warnf("%v", err)
				}
			} else {
				monitoring.Warnf("skipping pending event %s: %v", rec.ID, err)
			}
			continue
		}
		d.push(ev)
		n++
	}
	if n > 0 {
		monitoring.Logf("recovered %d undecided events", n)
	}
	return n, nil
}

// Run decides queued events until ctx is cancelled or, after Close, the
// queue is empty. An event whose inference is interrupted by cancellation
// stays pending in the catalog.
func (d *EventDispatcher) Run(ctx context.Context) error {
	for {
		ev, done := d.pop()
		if done {
			return nil
		}
		if ev == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		dec, err := d.Decide(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Errorf("event %s: %v", ev.Header.ID, err)
			continue
		}
		d.decided.Add(1)
		if dec.Keep {
			d.kept.Add(1)
		} else {
			d.dropped.Add(1)
		}
		monitoring.Logf("event %s: keep=%t reason=%s first_positive=%d inferences=%d",
			dec.EventID, dec.Keep, dec.Reason, dec.FirstPositive, dec.Inferences)
		if err := d.cfg.Sink.Deliver(ctx, dec); err != nil {
			monitoring.Errorf("event %s: delivery failed: %v", dec.EventID, err)
		}
	}
}

// Decide indexes the event's raw frames and runs the spiral search over
// them. It does not deliver the result.
func (d *EventDispatcher) Decide(ctx context.Context, ev *eventfile.Event) (output.Decision, error) {
	dec := output.Decision{EventID: ev.Header.ID, Paths: ev.Paths, FirstPositive: -1}
	if d.sched == nil {
		dec.Keep, dec.Reason = true, ReasonDetectorDisabled
		return dec, nil
	}

	frames, err := eventfile.IndexRawFile(ev.Raw, d.cfg.Format)
	if err != nil {
		// Keep what cannot be checked.
		monitoring.Warnf("event %s: %v", ev.Header.ID, err)
		dec.Keep, dec.Reason = true, ReasonIndexFailed
		return dec, nil
	}
	src, err := spiral.OpenRawFile(ev.Raw, d.cfg.Format, d.cfg.InputSize)
	if err != nil {
		monitoring.Warnf("event %s: %v", ev.Header.ID, err)
		dec.Keep, dec.Reason = true, ReasonIndexFailed
		return dec, nil
	}
	defer src.Close()

	res, err := d.sched.Run(ctx, frames, src)
	if err != nil {
		return dec, err
	}
	dec.Keep = res.Keep
	dec.Reason = res.Reason
	dec.FirstPositive = res.FirstPositive
	dec.Inferences = res.Inferences
	return dec, nil
}

func (d *EventDispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	pending := len(d.pending)
	d.mu.Unlock()
	return DispatcherStats{
		Decided: d.decided.Load(),
		Kept:    d.kept.Load(),
		Dropped: d.dropped.Load(),
		Pending: pending,
	}
}

// Latency reports detector call times.
func (d *EventDispatcher) Latency() monitoring.LatencySummary {
	if d.sched == nil {
		return monitoring.LatencySummary{}
	}
	return d.sched.Latency()
}
