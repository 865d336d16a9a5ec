package output

import (
	"context"

	"github.com/banshee-data/camtrap/internal/db"
)

// Catalog is the subset of *db.DB the sinks use.
type Catalog interface {
	RecordDecision(id string, d db.EventDecision) error
	MarkDeleted(id string) error
	RecordSequence(s db.SequenceRecord) error
}

// CatalogSink records every decision in the event catalog. In send mode
// kept events are marked for upload.
type CatalogSink struct {
	Catalog Catalog
	Mode    string
}

func (c CatalogSink) Deliver(_ context.Context, d Decision) error {
	status := db.StatusDropped
	if d.Keep {
		status = db.StatusKept
		if c.Mode == ModeSend {
			status = db.StatusPendingUpload
		}
	}
	return c.Catalog.RecordDecision(d.EventID, db.EventDecision{
		Keep:          d.Keep,
		Reason:        d.Reason,
		FirstPositive: d.FirstPositive,
		Inferences:    d.Inferences,
		Status:        status,
	})
}

func (c CatalogSink) DeliverSequence(_ context.Context, r SequenceResult) error {
	return c.Catalog.RecordSequence(db.SequenceRecord{
		ID:           r.ID,
		Start:        r.Start,
		End:          r.End,
		Frames:       r.Frames,
		AnimalFrames: len(r.Animals),
		Inferences:   r.Inferences,
		Vetoed:       r.Vetoed,
	})
}
