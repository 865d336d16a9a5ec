// Package trigger decides where events begin and end. A Machine consumes the
// per-frame motion decision and emits buffer actions; it is owned by a single
// goroutine and other goroutines observe it only through Snapshots.
package trigger

import (
	"time"

	"github.com/google/uuid"
)

// State is the event boundary state.
type State int

const (
	Idle State = iota
	MotionActive
	Flushing // motion has stopped; collecting trail-off context
)

func (s State) String() string {
	switch s {
	case MotionActive:
		return "motion_active"
	case Flushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Close reasons recorded in event headers.
const (
	ReasonMotionEnd = "motion_end"
	ReasonMaxLength = "max_length"
	ReasonShutdown  = "shutdown"
)

// ActionKind identifies what the capture loop must do.
type ActionKind int

const (
	OpenEvent ActionKind = iota
	Flush
	CloseEvent
)

func (k ActionKind) String() string {
	switch k {
	case OpenEvent:
		return "open"
	case Flush:
		return "flush"
	default:
		return "close"
	}
}

// Action is one instruction for the buffers and writer. Actions are applied
// in the order returned.
type Action struct {
	Kind    ActionKind
	EventID string
	At      time.Time
	Cut     time.Time // Flush: drop buffered items older than this; OpenEvent: pre-roll start
	Final   bool      // Flush only: last flush before CloseEvent
	Reason  string    // CloseEvent only
}

// Config bounds events. FlushInterval is the longest the buffers may fill
// during an open event before a synchronised flush of every stream.
type Config struct {
	ContextLength time.Duration
	QuietPeriod   time.Duration
	MaxDuration   time.Duration
	FlushInterval time.Duration
	NewID         func() string
}

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	EventID    string    `json:"event_id,omitempty"`
	Triggered  bool      `json:"triggered"`
	Since      time.Time `json:"since"`
	EventStart time.Time `json:"event_start,omitempty"`
	Events     uint64    `json:"events"`
}

// Machine is the event boundary state machine.
type Machine struct {
	cfg Config

	state      State
	since      time.Time
	eventID    string
	eventStart time.Time
	lastMotion time.Time
	lastFlush  time.Time
	events     uint64
}

// New returns a Machine in the Idle state.
func New(cfg Config) *Machine {
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:      m.state,
		StateName:  m.state.String(),
		EventID:    m.eventID,
		Triggered:  m.state != Idle,
		Since:      m.since,
		EventStart: m.eventStart,
		Events:     m.events,
	}
}

// Observe feeds the motion decision for the frame captured at ts and returns
// the resulting actions, which may be empty.
func (m *Machine) Observe(ts time.Time, moving bool) []Action {
	switch m.state {
	case Idle:
		if !moving {
			return nil
		}
		m.lastMotion = ts
		return m.open(ts, true)

	case MotionActive:
		if moving {
			m.lastMotion = ts
		}
		if ts.Sub(m.eventStart) >= m.cfg.MaxDuration {
			acts := m.close(ts, ReasonMaxLength)
			return append(acts, m.open(ts, false)...)
		}
		if !moving && ts.Sub(m.lastMotion) >= m.cfg.QuietPeriod {
			m.setState(Flushing, ts)
		}
		return m.periodic(ts)

	case Flushing:
		if moving {
			m.lastMotion = ts
			m.setState(MotionActive, ts)
			return m.periodic(ts)
		}
		if ts.Sub(m.eventStart) >= m.cfg.MaxDuration {
			return m.close(ts, ReasonMaxLength)
		}
		if ts.Sub(m.lastMotion) >= m.cfg.ContextLength {
			return m.close(ts, ReasonMotionEnd)
		}
		return m.periodic(ts)
	}
	return nil
}

// Shutdown closes any open event.
func (m *Machine) Shutdown(ts time.Time) []Action {
	if m.state == Idle {
		return nil
	}
	return m.close(ts, ReasonShutdown)
}

func (m *Machine) open(ts time.Time, preroll bool) []Action {
	m.eventID = m.cfg.NewID()
	m.eventStart = ts
	m.lastFlush = ts
	m.events++
	m.setState(MotionActive, ts)

	if !preroll {
		return []Action{{Kind: OpenEvent, EventID: m.eventID, At: ts}}
	}
	cut := ts.Add(-m.cfg.ContextLength)
	return []Action{
		{Kind: OpenEvent, EventID: m.eventID, At: ts, Cut: cut},
		{Kind: Flush, EventID: m.eventID, At: ts, Cut: cut},
	}
}

func (m *Machine) close(ts time.Time, reason string) []Action {
	id := m.eventID
	acts := []Action{
		{Kind: Flush, EventID: id, At: ts, Final: true},
		{Kind: CloseEvent, EventID: id, At: ts, Reason: reason},
	}
	m.eventID = ""
	m.eventStart = time.Time{}
	m.setState(Idle, ts)
	return acts
}

func (m *Machine) periodic(ts time.Time) []Action {
	if m.cfg.FlushInterval <= 0 || ts.Sub(m.lastFlush) < m.cfg.FlushInterval {
		return nil
	}
	m.lastFlush = ts
	return []Action{{Kind: Flush, EventID: m.eventID, At: ts}}
}

func (m *Machine) setState(s State, ts time.Time) {
	if m.state != s {
		m.state = s
		m.since = ts
	}
}
