package seqqueue

import (
	"context"
	"time"

	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/monitoring"
)

// Result is a retired sequence after labelling.
type Result[F any] struct {
	ID         string
	Start      time.Time
	End        time.Time
	Frames     int
	Animals    []F
	Inferences int
	Vetoed     bool // a human was detected
}

// ProcessorConfig tunes a Processor. A nil detector labels every moving
// frame as an animal without inference.
type ProcessorConfig[F any] struct {
	Detector   detector.Detector
	Thresholds detector.Thresholds
	Timeout    time.Duration
	Prepare    func(F) (detector.PixelBuffer, error)
	Deliver    func(context.Context, Result[F])
}

// Processor drains a Queue with the detector.
type Processor[F any] struct {
	q          *Queue[F]
	cfg        ProcessorConfig[F]
	inferences map[*Sequence[F]]int
	vetoed     map[*Sequence[F]]bool
}

func NewProcessor[F any](q *Queue[F], cfg ProcessorConfig[F]) *Processor[F] {
	return &Processor[F]{
		q:          q,
		cfg:        cfg,
		inferences: make(map[*Sequence[F]]int),
		vetoed:     make(map[*Sequence[F]]bool),
	}
}

// Run processes frames until ctx is done, or until the queue is closed and
// drained, in which case it returns nil.
func (p *Processor[F]) Run(ctx context.Context) error {
	for {
		worked, err := p.Step(ctx)
		if err != nil {
			return err
		}
		if worked {
			continue
		}
		if p.q.Drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.q.Ready():
		}
	}
}

// Step handles at most one frame and delivers any sequences retired along
// the way. It reports whether there was anything to do.
func (p *Processor[F]) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e, seq := p.q.GetHighestPriority()
	if e != nil {
		if err := p.label(ctx, seq, e); err != nil {
			return false, err
		}
	}
	retired := p.q.Retired()
	for _, s := range retired {
		p.deliver(ctx, s)
	}
	return e != nil || len(retired) > 0, nil
}

func (p *Processor[F]) label(ctx context.Context, seq *Sequence[F], e *Entry[F]) error {
	if p.cfg.Detector == nil {
		seq.LabelAsAnimal(e)
		return nil
	}
	if p.vetoed[seq] {
		seq.LabelAsEmpty(e)
		return nil
	}

	buf, err := p.cfg.Prepare(e.Frame)
	if err != nil {
		monitoring.Warnf("sequence %s: skipping frame %d: %v", seq.ID, e.Index, err)
		seq.LabelAsEmpty(e)
		return nil
	}
	dctx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	det, err := p.cfg.Detector.Detect(dctx, buf)
	p.inferences[seq]++
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Debugf("sequence %s: detector failed on frame %d: %v", seq.ID, e.Index, err)
		seq.LabelAsEmpty(e)
		return nil
	}

	animal, human := p.cfg.Thresholds.Evaluate(det)
	switch {
	case human:
		p.vetoed[seq] = true
		seq.LabelAsEmpty(e)
	case animal:
		seq.LabelAsAnimal(e)
	default:
		seq.LabelAsEmpty(e)
	}
	return nil
}

func (p *Processor[F]) deliver(ctx context.Context, seq *Sequence[F]) {
	seq.CloseGaps()
	res := Result[F]{
		ID:         seq.ID,
		Start:      seq.Start(),
		End:        seq.End(),
		Frames:     seq.Len(),
		Inferences: p.inferences[seq],
		Vetoed:     p.vetoed[seq],
	}
	if !res.Vetoed {
		res.Animals = seq.AnimalFrames()
	}
	delete(p.inferences, seq)
	delete(p.vetoed, seq)
	monitoring.Logf("sequence %s retired: %d frames, %d animal, %d inferences",
		seq.ID, res.Frames, len(res.Animals), res.Inferences)
	if p.cfg.Deliver != nil {
		p.cfg.Deliver(ctx, res)
	}
}
