// Package seqqueue implements the per-frame operating mode. Frames are
// grouped into motion sequences held in memory, and the processor runs the
// detector on the most active frames of each sequence first, spreading an
// animal label to neighbouring frames instead of inferring every frame.
package seqqueue

import (
	"time"

	"github.com/banshee-data/camtrap/internal/motion"
)

// Label is the inference outcome attached to a frame.
type Label int

const (
	Unknown Label = iota
	Empty
	Animal
)

func (l Label) String() string {
	switch l {
	case Empty:
		return "empty"
	case Animal:
		return "animal"
	default:
		return "unknown"
	}
}

// Entry is one frame in a Sequence.
type Entry[F any] struct {
	Index     int
	Frame     F
	Timestamp time.Time
	Priority  float64 // -1 for still frames
	Status    motion.Status
	Label     Label

	consumed bool
}

// Sequence is an ordered run of frames. Closed sequences are owned by a
// single consumer.
type Sequence[F any] struct {
	ID      string
	entries []*Entry[F]
	smooth  int
	next    int
}

func newSequence[F any](smoothing int) *Sequence[F] {
	return &Sequence[F]{smooth: smoothing}
}

func (s *Sequence[F]) append(frame F, score motion.Score) {
	s.entries = append(s.entries, &Entry[F]{
		Index:     s.next,
		Frame:     frame,
		Timestamp: score.Timestamp,
		Priority:  score.Priority(),
		Status:    score.Status,
	})
	s.next++
}

// trimBefore drops entries captured before cut.
func (s *Sequence[F]) trimBefore(cut time.Time) {
	i := 0
	for i < len(s.entries) && s.entries[i].Timestamp.Before(cut) {
		i++
	}
	if i == 0 {
		return
	}
	s.entries = append(s.entries[:0], s.entries[i:]...)
	for j, e := range s.entries {
		e.Index = j
	}
	s.next = len(s.entries)
}

// Len returns the number of frames.
func (s *Sequence[F]) Len() int { return len(s.entries) }

// Entries returns the frames in capture order.
func (s *Sequence[F]) Entries() []*Entry[F] { return s.entries }

// Start and End bound the sequence by capture time.
func (s *Sequence[F]) Start() time.Time {
	if len(s.entries) == 0 {
		return time.Time{}
	}
	return s.entries[0].Timestamp
}

func (s *Sequence[F]) End() time.Time {
	if len(s.entries) == 0 {
		return time.Time{}
	}
	return s.entries[len(s.entries)-1].Timestamp
}

// HasMotion reports whether any frame was moving.
func (s *Sequence[F]) HasMotion() bool {
	for _, e := range s.entries {
		if e.Status == motion.Moving {
			return true
		}
	}
	return false
}

// GetHighestPriority consumes and returns the unconsumed entry with the
// highest non-negative priority, the earliest one on ties. It returns nil
// once no such entry remains.
func (s *Sequence[F]) GetHighestPriority() *Entry[F] {
	var best *Entry[F]
	for _, e := range s.entries {
		if e.consumed || e.Priority < 0 {
			continue
		}
		if best == nil || e.Priority > best.Priority {
			best = e
		}
	}
	if best != nil {
		best.consumed = true
	}
	return best
}

// Exhausted reports whether GetHighestPriority would return nil.
func (s *Sequence[F]) Exhausted() bool {
	for _, e := range s.entries {
		if !e.consumed && e.Priority >= 0 {
			return false
		}
	}
	return true
}

// LabelAsAnimal labels e and its neighbours within the smoothing length as
// animal. The neighbours are consumed so they are not inferred.
func (s *Sequence[F]) LabelAsAnimal(e *Entry[F]) {
	lo := max(e.Index-s.smooth, 0)
	hi := min(e.Index+s.smooth, len(s.entries)-1)
	for _, n := range s.entries[lo : hi+1] {
		n.Label = Animal
		n.consumed = true
	}
}

// LabelAsEmpty labels e empty unless it is already an animal.
func (s *Sequence[F]) LabelAsEmpty(e *Entry[F]) {
	e.consumed = true
	if e.Label != Animal {
		e.Label = Empty
	}
}

// CloseGaps relabels short runs of non-animal frames lying between two
// animal frames. Runs up to twice the smoothing length are treated as
// detector misses; uninferred frames in the run count as empty.
func (s *Sequence[F]) CloseGaps() {
	lastAnimal := -1
	for i, e := range s.entries {
		if e.Label != Animal {
			continue
		}
		if lastAnimal >= 0 && i-lastAnimal > 1 {
			gap := s.entries[lastAnimal+1 : i]
			if len(gap) <= 2*s.smooth {
				for _, g := range gap {
					g.Label = Animal
				}
			}
		}
		lastAnimal = i
	}
}

// AnimalFrames returns the frames labelled animal, in capture order.
func (s *Sequence[F]) AnimalFrames() []F {
	var out []F
	for _, e := range s.entries {
		if e.Label == Animal {
			out = append(out, e.Frame)
		}
	}
	return out
}
