package capture

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

// Window is an inclusive range of frame indices.
type Window struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (w Window) contains(i int) bool { return i >= w.From && i <= w.To }

// SyntheticConfig describes a generated scene: a static background with a
// blob that drifts across the frame during the motion windows.
type SyntheticConfig struct {
	Framerate        float64
	Width, Height    int // encoder resolution; sets the vector grid
	RawWidth         int
	RawHeight        int
	Format           eventfile.PixelFormat
	Motion           []Window
	Frames           int // 0 runs until cancelled
	KeyframeInterval int // defaults to one second of frames
	BlobCols         int // blob size in macroblocks
	BlobRows         int
	BlobSpeed        int8 // vector magnitude inside the blob
	Start            time.Time
	Paced            bool // wait one frame period per frame and stamp with Clock
	Clock            timeutil.Clock
}

// SyntheticSource generates deterministic frames for development and tests.
type SyntheticSource struct {
	cfg        SyntheticConfig
	cols, rows int
	i          int
	ticker     timeutil.Ticker
}

// NewSyntheticSource fills defaults and returns a source.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.Framerate <= 0 {
		cfg.Framerate = 20
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1920, 1080
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = max(int(cfg.Framerate), 1)
	}
	if cfg.BlobCols <= 0 || cfg.BlobRows <= 0 {
		cfg.BlobCols, cfg.BlobRows = 16, 10
	}
	if cfg.BlobSpeed == 0 {
		cfg.BlobSpeed = 120
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Unix(1_700_000_000, 0)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	cols, rows := motion.GridSize(cfg.Width, cfg.Height)
	return &SyntheticSource{cfg: cfg, cols: cols, rows: rows}
}

func (s *SyntheticSource) moving(i int) bool {
	for _, w := range s.cfg.Motion {
		if w.contains(i) {
			return true
		}
	}
	return false
}

// Next returns the next generated frame.
func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.cfg.Frames > 0 && s.i >= s.cfg.Frames {
		return Frame{}, io.EOF
	}
	ts := s.cfg.Start.Add(time.Duration(math.Round(float64(s.i) * float64(time.Second) / s.cfg.Framerate)))
	if s.cfg.Paced {
		if s.ticker == nil {
			s.ticker = s.cfg.Clock.NewTicker(time.Duration(float64(time.Second) / s.cfg.Framerate))
		}
		select {
		case <-ctx.Done():
			s.ticker.Stop()
			return Frame{}, ctx.Err()
		case <-s.ticker.C():
		}
		ts = s.cfg.Clock.Now()
	}

	i := s.i
	s.i++
	moving := s.moving(i)
	// The blob advances one macroblock per frame and wraps around.
	bc := i % max(s.cols-s.cfg.BlobCols, 1)
	br := (s.rows - s.cfg.BlobRows) / 2

	f := Frame{Timestamp: ts, Keyframe: i%s.cfg.KeyframeInterval == 0}
	f.Vectors = &motion.VectorFrame{Cols: s.cols, Rows: s.rows, Vectors: make([]motion.Vector, s.cols*s.rows)}
	for r := 0; r < s.rows; r++ {
		for c := 0; c < s.cols; c++ {
			v := &f.Vectors.Vectors[r*s.cols+c]
			v.SAD = 200
			switch {
			case moving && c >= bc && c < bc+s.cfg.BlobCols && r >= br && r < br+s.cfg.BlobRows:
				v.X = s.cfg.BlobSpeed
			case (r+c+i)%7 == 0:
				// sensor noise below the small-vector threshold
				v.X, v.Y = 2, -1
			}
		}
	}

	f.Encoded = syntheticAccessUnit(i, f.Keyframe)
	if s.cfg.RawWidth > 0 && s.cfg.RawHeight > 0 {
		f.Raw = s.raw(ts, i, moving)
	}
	return f, nil
}

func (s *SyntheticSource) raw(ts time.Time, i int, moving bool) *eventfile.RawFrame {
	w, h := s.cfg.RawWidth, s.cfg.RawHeight
	data := make([]byte, s.cfg.Format.FrameSize(w, h))
	luma := w * h
	if s.cfg.Format == eventfile.RGB24 {
		luma = len(data)
	}
	for p := 0; p < luma; p++ {
		data[p] = 60
	}
	for p := luma; p < len(data); p++ {
		data[p] = 128
	}
	if moving {
		bw, bh := max(w/8, 1), max(h/6, 1)
		x0 := (i * 4) % max(w-bw, 1)
		y0 := (h - bh) / 2
		bpp := 1
		if s.cfg.Format == eventfile.RGB24 {
			bpp = 3
		}
		for y := y0; y < y0+bh; y++ {
			for x := x0; x < x0+bw; x++ {
				for b := 0; b < bpp; b++ {
					data[(y*w+x)*bpp+b] = 220
				}
			}
		}
	}
	return &eventfile.RawFrame{Timestamp: ts, Width: w, Height: h, Data: data}
}

// syntheticAccessUnit returns a small Annex B shaped payload; keyframes lead
// with an SPS NAL so parsers can find the random access points.
func syntheticAccessUnit(i int, key bool) []byte {
	if key {
		return []byte{0, 0, 0, 1, 0x67, 0x64, 0, 0x28, 0, 0, 0, 1, 0x65, byte(i), byte(i >> 8)}
	}
	return []byte{0, 0, 0, 1, 0x41, byte(i), byte(i >> 8)}
}
