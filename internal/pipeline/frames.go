package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/camtrap/internal/capture"
	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/output"
	"github.com/banshee-data/camtrap/internal/seqqueue"
)

// FrameConfig wires a FramePipeline.
type FrameConfig struct {
	Queue      seqqueue.Config
	Detector   detector.Detector // nil labels every moving frame as animal
	Thresholds detector.Thresholds
	Timeout    time.Duration
	Format     eventfile.PixelFormat
	InputSize  image.Point
	Sink       output.Sink
}

// FramePipeline is the per-frame mode: scored frames are held in memory
// as sequences and the detector is run on the highest-priority frames first.
// It is a capture.Observer.
type FramePipeline struct {
	cfg   FrameConfig
	queue *seqqueue.Queue[eventfile.RawFrame]
	proc  *seqqueue.Processor[eventfile.RawFrame]
	last  time.Time
}

// NewFramePipeline validates cfg and builds the queue and processor.
func NewFramePipeline(cfg FrameConfig) (*FramePipeline, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("output sink is required")
	}
	q, err := seqqueue.NewQueue[eventfile.RawFrame](cfg.Queue)
	if err != nil {
		return nil, err
	}
	p := &FramePipeline{cfg: cfg, queue: q}
	p.proc = seqqueue.NewProcessor(q, seqqueue.ProcessorConfig[eventfile.RawFrame]{
		Detector:   cfg.Detector,
		Thresholds: cfg.Thresholds,
		Timeout:    cfg.Timeout,
		Prepare:    p.prepare,
		Deliver:    p.deliver,
	})
	return p, nil
}

// Observe queues a scored frame. Frames without a raw image are still
// tracked for motion but can never be labelled as animal by the detector.
func (p *FramePipeline) Observe(f capture.Frame, s motion.Score) {
	raw := eventfile.RawFrame{Timestamp: f.Timestamp}
	if f.Raw != nil {
		raw = *f.Raw
		if raw.Timestamp.IsZero() {
			raw.Timestamp = f.Timestamp
		}
	}
	p.last = f.Timestamp
	p.queue.Put(raw, s)
}

// Finish ends the open sequence so it can still be processed and lets Run
// return once the queue is drained. Frames observed afterwards are ignored.
func (p *FramePipeline) Finish() {
	p.queue.Close(p.last)
}

// Run processes queued frames until ctx is cancelled or, after Finish, the
// queue is empty.
func (p *FramePipeline) Run(ctx context.Context) error { return p.proc.Run(ctx) }

// Stats reports the queue state.
func (p *FramePipeline) Stats() seqqueue.Stats { return p.queue.Stats() }

func (p *FramePipeline) prepare(f eventfile.RawFrame) (detector.PixelBuffer, error) {
	if len(f.Data) == 0 {
		return detector.PixelBuffer{}, fmt.Errorf("frame at %s has no raw image", f.Timestamp.Format(time.RFC3339Nano))
	}
	img, err := detector.Prepare(f.Data, f.Width, f.Height, p.cfg.Format, p.cfg.InputSize)
	if err != nil {
		return detector.PixelBuffer{}, err
	}
	return detector.PixelBuffer{Image: img, Timestamp: f.Timestamp}, nil
}

func (p *FramePipeline) deliver(ctx context.Context, r seqqueue.Result[eventfile.RawFrame]) {
	res := output.SequenceResult{
		ID:         r.ID,
		Start:      r.Start,
		End:        r.End,
		Frames:     r.Frames,
		Animals:    r.Animals,
		Inferences: r.Inferences,
		Vetoed:     r.Vetoed,
	}
	if err := p.cfg.Sink.DeliverSequence(ctx, res); err != nil {
		monitoring.Errorf("sequence %s: delivery failed: %v", r.ID, err)
	}
}
