package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
)

// ReplayOptions controls playback of a recorded event.
type ReplayOptions struct {
	Format eventfile.PixelFormat
	Rate   float64 // 1 plays in real time; 0 as fast as possible
	Loop   bool    // restart at the end, shifting timestamps forward
}

// ReplaySource plays back the vectors and raw streams of an event
// directory. Raw frames are paired with vector records by index.
type ReplaySource struct {
	opts    ReplayOptions
	vecFile *os.File
	rawFile *os.File
	vectors []eventfile.VectorDescriptor
	raws    []eventfile.FrameDescriptor
	i       int
	offset  time.Duration
	last    time.Time
}

// OpenReplay indexes the event in dir.
func OpenReplay(dir string, opts ReplayOptions) (*ReplaySource, error) {
	paths := eventfile.PathsFor(dir)
	vecs, err := eventfile.IndexVectorsFile(paths.Vectors)
	if err != nil {
		return nil, fmt.Errorf("failed to index vectors: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("event %s has no vector records", dir)
	}
	s := &ReplaySource{opts: opts, vectors: vecs}
	if s.vecFile, err = os.Open(paths.Vectors); err != nil {
		return nil, err
	}

	raws, err := eventfile.IndexRawFile(paths.Raw, opts.Format)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		s.Close()
		return nil, fmt.Errorf("failed to index raw frames: %w", err)
	case len(raws) > 0:
		if s.rawFile, err = os.Open(paths.Raw); err != nil {
			s.Close()
			return nil, err
		}
		s.raws = raws
	}
	monitoring.Logf("replaying %s: %d vector records, %d raw frames", dir, len(vecs), len(raws))
	return s, nil
}

// Next returns the next recorded frame.
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.i >= len(s.vectors) {
		if !s.opts.Loop {
			return Frame{}, io.EOF
		}
		first, last := s.vectors[0].Time, s.vectors[len(s.vectors)-1].Time
		s.offset += last.Sub(first) + s.period()
		s.i = 0
	}
	d := s.vectors[s.i]
	rec, err := eventfile.ReadVectorRecord(s.vecFile, d)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read vector record %d: %w", d.Index, err)
	}
	ts := rec.Timestamp.Add(s.offset)

	if s.opts.Rate > 0 && !s.last.IsZero() {
		if err := sleepCtx(ctx, time.Duration(float64(ts.Sub(s.last))/s.opts.Rate)); err != nil {
			return Frame{}, err
		}
	}
	s.last = ts

	f := Frame{Timestamp: ts, Vectors: rec.Frame}
	if s.i < len(s.raws) {
		rd := s.raws[s.i]
		data, err := eventfile.ReadFrame(s.rawFile, rd)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read raw frame %d: %w", rd.Index, err)
		}
		f.Raw = &eventfile.RawFrame{Timestamp: ts, Width: rd.Width, Height: rd.Height, Data: data}
	}
	s.i++
	return f, nil
}

func (s *ReplaySource) period() time.Duration {
	if len(s.vectors) < 2 {
		return 50 * time.Millisecond
	}
	span := s.vectors[len(s.vectors)-1].Time.Sub(s.vectors[0].Time)
	return span / time.Duration(len(s.vectors)-1)
}

// Close releases the stream files.
func (s *ReplaySource) Close() error {
	var errs []error
	for _, f := range []*os.File{s.vecFile, s.rawFile} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
