package capture

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/ringbuf"
	"github.com/banshee-data/camtrap/internal/trigger"
)

// RecorderConfig wires an EventRecorder.
type RecorderConfig struct {
	Trigger      trigger.Config
	BufferFrames int // ring capacity per stream
	// Lead is how many frames capture may run ahead of scoring. The raw and
	// video rings get this much extra room so frames not yet scored cannot
	// evict the pre-roll.
	Lead   int
	Writer *eventfile.Writer
	// Annotate returns extra metadata for the event header, e.g. sensor
	// readings covering [start, end]. Optional.
	Annotate func(start, end time.Time) json.RawMessage
	// OnEvent receives each committed event. It runs on the writer
	// goroutine. Optional.
	OnEvent     func(*eventfile.Event)
	Broadcaster *trigger.Broadcaster // optional
	JobDepth    int
}

type writeJob struct {
	action  trigger.Action
	raw     *ringbuf.Ring[eventfile.RawFrame]
	vectors *ringbuf.Ring[eventfile.VectorRecord]
	video   *ringbuf.Ring[eventfile.EncodedFrame]
}

// RecorderStats counts recorder activity.
type RecorderStats struct {
	Events          uint64 `json:"events"`
	Segments        uint64 `json:"segments"`
	DroppedSegments uint64 `json:"dropped_segments"`
	FailedEvents    uint64 `json:"failed_events"`
	WriterStalls    uint64 `json:"writer_stalls"`
}

// EventRecorder buffers all camera streams in memory and writes an event to
// disk whenever the trigger machine says so. Capture is called from the
// capture goroutine and only appends to rings. Observe and Finish are called
// from the scoring goroutine, which alone drives the machine. All file I/O
// happens on the recorder's own writer goroutine.
type EventRecorder struct {
	cfg     RecorderConfig
	raw     *ringbuf.Pair[eventfile.RawFrame]
	vectors *ringbuf.Pair[eventfile.VectorRecord]
	video   *ringbuf.Pair[eventfile.EncodedFrame]
	machine *trigger.Machine
	jobs    chan writeJob
	done    chan struct{}
	last    time.Time

	events, segments, dropped, failed, stalls atomic.Uint64
}

// NewEventRecorder allocates the ring buffers and starts the writer.
func NewEventRecorder(cfg RecorderConfig) (*EventRecorder, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("event writer is required")
	}
	if cfg.BufferFrames <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", cfg.BufferFrames)
	}
	if cfg.Lead < 0 {
		return nil, fmt.Errorf("lead must not be negative, got %d", cfg.Lead)
	}
	if cfg.JobDepth <= 0 {
		cfg.JobDepth = 16
	}
	r := &EventRecorder{
		cfg:     cfg,
		raw:     ringbuf.NewPair[eventfile.RawFrame](cfg.BufferFrames + cfg.Lead),
		vectors: ringbuf.NewPair[eventfile.VectorRecord](cfg.BufferFrames),
		video:   ringbuf.NewPair[eventfile.EncodedFrame](cfg.BufferFrames + cfg.Lead),
		machine: trigger.New(cfg.Trigger),
		jobs:    make(chan writeJob, cfg.JobDepth),
		done:    make(chan struct{}),
	}
	go r.runWriter()
	return r, nil
}

// Capture buffers the frame's encoded and raw outputs.
func (r *EventRecorder) Capture(f Frame) {
	if f.Encoded != nil {
		r.video.Append(eventfile.EncodedFrame{Timestamp: f.Timestamp, Keyframe: f.Keyframe, Data: f.Encoded})
	}
	if f.Raw != nil {
		raw := *f.Raw
		if raw.Timestamp.IsZero() {
			raw.Timestamp = f.Timestamp
		}
		r.raw.Append(raw)
	}
}

// Observe buffers the scored vectors and advances the trigger machine.
func (r *EventRecorder) Observe(f Frame, s motion.Score) {
	if f.Vectors != nil {
		r.vectors.Append(eventfile.VectorRecord{Timestamp: f.Timestamp, Score: s.Smoothed, Frame: f.Vectors})
	}
	r.last = f.Timestamp
	r.apply(r.machine.Observe(f.Timestamp, s.Status == motion.Moving))
}

// Finish closes any open event and waits for the writer to drain. The
// recorder cannot be used afterwards.
func (r *EventRecorder) Finish() {
	r.apply(r.machine.Shutdown(r.last))
	close(r.jobs)
	<-r.done
	if r.cfg.Broadcaster != nil {
		r.cfg.Broadcaster.Close()
	}
}

// Snapshot is the trigger state as of the last observed frame. It must be
// called from the scoring goroutine; other readers use the Broadcaster.
func (r *EventRecorder) Snapshot() trigger.Snapshot { return r.machine.Snapshot() }

func (r *EventRecorder) Stats() RecorderStats {
	return RecorderStats{
		Events:          r.events.Load(),
		Segments:        r.segments.Load(),
		DroppedSegments: r.dropped.Load(),
		FailedEvents:    r.failed.Load(),
		WriterStalls:    r.stalls.Load(),
	}
}

// Latency reports segment write times.
func (r *EventRecorder) Latency() monitoring.LatencySummary { return r.cfg.Writer.Latency() }

func (r *EventRecorder) apply(acts []trigger.Action) {
	if len(acts) == 0 {
		return
	}
	for _, a := range acts {
		j := writeJob{action: a}
		if a.Kind == trigger.Flush {
			j.raw, j.vectors, j.video = r.raw.Swap(), r.vectors.Swap(), r.video.Swap()
		}
		r.send(j)
	}
	if r.cfg.Broadcaster != nil {
		r.cfg.Broadcaster.Publish(r.machine.Snapshot())
	}
}

// send queues a job for the writer. A full queue blocks scoring until the
// writer catches up; flush jobs own swapped rings and cannot be dropped.
func (r *EventRecorder) send(j writeJob) {
	select {
	case r.jobs <- j:
		return
	default:
	}
	if n := r.stalls.Add(1); n == 1 || n%100 == 0 {
		monitoring.Warnf("event writer is %d jobs behind, scoring waits (stall %d)", cap(r.jobs), n)
	}
	r.jobs <- j
}

// splitAt joins held and items, both oldest first, and splits them at the
// flush point: items stamped at or before at are due now, the rest belong
// to a later segment.
func splitAt[T any](held, items []T, at time.Time, stamp func(T) time.Time) (due, later []T) {
	all := make([]T, 0, len(held)+len(items))
	all = append(append(all, held...), items...)
	i := 0
	for i < len(all) && !stamp(all[i]).After(at) {
		i++
	}
	return all[:i], slices.Clone(all[i:])
}

func (r *EventRecorder) runWriter() {
	defer close(r.done)
	w := r.cfg.Writer
	var start time.Time
	// Raw and video frames are buffered at capture time, ahead of scoring.
	// Those captured after a flush point wait here for the next segment.
	var (
		heldRaw     []eventfile.RawFrame
		heldVectors []eventfile.VectorRecord
		heldVideo   []eventfile.EncodedFrame
	)
	for j := range r.jobs {
		a := j.action
		switch a.Kind {
		case trigger.OpenEvent:
			start = a.At
			if !a.Cut.IsZero() {
				start = a.Cut
			}
			if err := w.Open(a.EventID, start); err != nil {
				r.failed.Add(1)
				monitoring.Errorf("failed to open event %s: %v", a.EventID, err)
			}

		case trigger.Flush:
			var seg eventfile.Segment
			seg.Raw, heldRaw = splitAt(heldRaw, j.raw.Items(), a.At, func(f eventfile.RawFrame) time.Time { return f.Timestamp })
			seg.Vectors, heldVectors = splitAt(heldVectors, j.vectors.Items(), a.At, func(v eventfile.VectorRecord) time.Time { return v.Timestamp })
			seg.Video, heldVideo = splitAt(heldVideo, j.video.Items(), a.At, func(f eventfile.EncodedFrame) time.Time { return f.Timestamp })
			seg.Cut = a.Cut
			if w.IsOpen() {
				stats, err := w.WriteSegment(seg)
				if err != nil {
					monitoring.Errorf("event %s: segment write failed: %v", a.EventID, err)
				}
				r.segments.Add(1)
				r.dropped.Add(uint64(len(stats.Dropped)))
			}
			r.raw.Release(j.raw)
			r.vectors.Release(j.vectors)
			r.video.Release(j.video)

		case trigger.CloseEvent:
			if !w.IsOpen() {
				continue
			}
			var extra json.RawMessage
			if r.cfg.Annotate != nil {
				extra = r.cfg.Annotate(start, a.At)
			}
			ev, err := w.Close(a.At, a.Reason, extra)
			if err != nil {
				r.failed.Add(1)
				monitoring.Errorf("failed to close event %s: %v", a.EventID, err)
				continue
			}
			r.events.Add(1)
			if r.cfg.OnEvent != nil {
				r.cfg.OnEvent(ev)
			}
		}
	}
}
