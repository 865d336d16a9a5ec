package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

// PipeConfig describes the byte streams an external encoder writes: motion
// vector grids in the encoder layout and, optionally, fixed-size raw frames.
type PipeConfig struct {
	Vectors   io.Reader
	Raw       io.Reader // optional
	Width     int       // encoder resolution
	Height    int
	RawWidth  int
	RawHeight int
	Format    eventfile.PixelFormat
	Clock     timeutil.Clock
}

// PipeSource reads frames from an encoder's output streams, such as stdin or
// a FIFO. Frames are stamped on arrival.
type PipeSource struct {
	cfg        PipeConfig
	cols, rows int
	vecBuf     []byte
	rawSize    int64
}

// NewPipeSource validates cfg and returns a source.
func NewPipeSource(cfg PipeConfig) (*PipeSource, error) {
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("vector stream is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid encoder resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	s := &PipeSource{cfg: cfg}
	s.cols, s.rows = motion.GridSize(cfg.Width, cfg.Height)
	s.vecBuf = make([]byte, motion.FrameBytes(s.cols, s.rows))
	if cfg.Raw != nil {
		if cfg.RawWidth <= 0 || cfg.RawHeight <= 0 {
			return nil, fmt.Errorf("invalid raw resolution %dx%d", cfg.RawWidth, cfg.RawHeight)
		}
		s.rawSize = cfg.Format.FrameSize(cfg.RawWidth, cfg.RawHeight)
	}
	return s, nil
}

// Next blocks until a full vector grid (and raw frame, when configured) has
// been read. A stream ending mid-frame is reported as io.EOF.
func (s *PipeSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if err := readFull(s.cfg.Vectors, s.vecBuf); err != nil {
		return Frame{}, err
	}
	ts := s.cfg.Clock.Now()
	vf, err := motion.DecodeVectors(s.vecBuf, s.cols, s.rows)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Timestamp: ts, Vectors: vf}
	if s.cfg.Raw != nil {
		data := make([]byte, s.rawSize)
		if err := readFull(s.cfg.Raw, data); err != nil {
			return Frame{}, err
		}
		f.Raw = &eventfile.RawFrame{Timestamp: ts, Width: s.cfg.RawWidth, Height: s.cfg.RawHeight, Data: data}
	}
	return f, nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
