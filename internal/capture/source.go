// Package capture reads frames from a camera source, scores their motion
// vectors off the capture path, and drives event recording.
package capture

import (
	"context"
	"time"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/motion"
)

// Frame is one captured instant from all camera outputs. Encoded, Vectors
// and Raw may each be absent.
type Frame struct {
	Timestamp time.Time
	Encoded   []byte
	Keyframe  bool
	Vectors   *motion.VectorFrame
	Raw       *eventfile.RawFrame
}

// Source produces frames in capture order. Next returns io.EOF when the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// sleepCtx waits d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
