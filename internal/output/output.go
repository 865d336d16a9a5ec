// Package output delivers keep/drop decisions to their consumers: the
// catalog, the on-disk cleanup of dropped events, and JPEG stills for
// frame-mode sequences.
package output

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/camtrap/internal/eventfile"
)

// Output modes.
const (
	ModeDisk = "disk" // kept events stay on disk
	ModeSend = "send" // kept events wait for an external uploader
)

// Decision is the outcome of inference on one committed event.
type Decision struct {
	EventID       string          `json:"event_id"`
	Paths         eventfile.Paths `json:"paths"`
	Keep          bool            `json:"keep"`
	FirstPositive int             `json:"first_positive"`
	Inferences    int             `json:"inferences"`
	Reason        string          `json:"reason"`
}

// SequenceResult is a labelled frame-mode sequence. Animals holds the raw
// frames labelled as animal, in capture order.
type SequenceResult struct {
	ID         string
	Start      time.Time
	End        time.Time
	Frames     int
	Animals    []eventfile.RawFrame
	Inferences int
	Vetoed     bool
}

// Sink consumes decisions.
type Sink interface {
	Deliver(ctx context.Context, d Decision) error
	DeliverSequence(ctx context.Context, r SequenceResult) error
}

// Multi fans a decision out to several sinks in order. Every sink sees the
// decision even if an earlier one failed.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, d Decision) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) DeliverSequence(ctx context.Context, r SequenceResult) error {
	var errs []error
	for _, s := range m {
		if err := s.DeliverSequence(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
