// Package db is the SQLite event catalog. It records every committed event,
// the keep/drop decision made for it, frame-mode sequence results and the
// environmental sensor log.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/camtrap/internal/eventfile"
)

// ErrNotFound is returned when an event is not in the catalog.
var ErrNotFound = errors.New("event not found")

// Event statuses.
const (
	StatusPending       = "pending"
	StatusKept          = "kept"
	StatusDropped       = "dropped"
	StatusDeleted       = "deleted"
	StatusPendingUpload = "pending_upload"
)

type DB struct {
	*sql.DB
}

// Open opens the catalog at path, applies the connection PRAGMAs and runs
// the embedded migrations.
func Open(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// PRAGMAs are per connection.
	sqlDB.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return &DB{sqlDB}, nil
}

// EventRecord is one catalogued event.
type EventRecord struct {
	ID              string         `json:"id"`
	Dir             string         `json:"dir"`
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	CloseReason     string         `json:"close_reason"`
	RawFrames       uint64         `json:"raw_frames"`
	VectorFrames    uint64         `json:"vector_frames"`
	VideoFrames     uint64         `json:"video_frames"`
	Segments        int            `json:"segments"`
	DroppedSegments int            `json:"dropped_segments"`
	Status          string         `json:"status"`
	Decision        *EventDecision `json:"decision,omitempty"`
}

// EventDecision is the outcome of inference on an event.
type EventDecision struct {
	Keep          bool      `json:"keep"`
	Reason        string    `json:"reason"`
	FirstPositive int       `json:"first_positive"`
	Inferences    int       `json:"inferences"`
	Status        string    `json:"status"`
	DecidedAt     time.Time `json:"decided_at"`
}

// RecordEvent adds a committed event as pending. Recording the same event
// twice is a no-op.
func (db *DB) RecordEvent(ev *eventfile.Event) error {
	h := ev.Header
	dropped := 0
	for _, n := range h.Dropped {
		dropped += n
	}
	_, err := db.Exec(`
		INSERT INTO events (
			event_id, dir, start_ns, end_ns, close_reason,
			raw_frames, vector_frames, video_frames, segments, dropped_segments, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		h.ID, ev.Dir, h.StartNs, h.EndNs, h.Reason,
		int64(h.RawFrames), int64(h.VectorFrames), int64(h.VideoFrames), h.Segments, dropped, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", h.ID, err)
	}
	return nil
}

// RecordDecision stores the decision for a catalogued event.
func (db *DB) RecordDecision(id string, d EventDecision) error {
	if d.Status == "" {
		d.Status = StatusKept
		if !d.Keep {
			d.Status = StatusDropped
		}
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	res, err := db.Exec(`
		UPDATE events
		SET status = ?, keep = ?, decision_reason = ?, first_positive = ?, inferences = ?, decided_ns = ?
		WHERE event_id = ?`,
		d.Status, d.Keep, d.Reason, d.FirstPositive, d.Inferences, d.DecidedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision for %s: %w", id, err)
	}
	return expectOne(res, id)
}

// MarkDeleted records that the event directory was removed from disk.
func (db *DB) MarkDeleted(id string) error {
	res, err := db.Exec(`UPDATE events SET status = ? WHERE event_id = ?`, StatusDeleted, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s deleted: %w", id, err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const eventColumns = `
	event_id, dir, start_ns, end_ns, close_reason,
	raw_frames, vector_frames, video_frames, segments, dropped_segments, status,
	keep, decision_reason, first_positive, inferences, decided_ns`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*EventRecord, error) {
	var (
		e                 EventRecord
		startNs, endNs    int64
		raw, vects, video int64
		keep              sql.NullBool
		reason            sql.NullString
		first, inferences sql.NullInt64
		decidedNs         sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.Dir, &startNs, &endNs, &e.CloseReason,
		&raw, &vects, &video, &e.Segments, &e.DroppedSegments, &e.Status,
		&keep, &reason, &first, &inferences, &decidedNs,
	)
	if err != nil {
		return nil, err
	}
	e.Start, e.End = time.Unix(0, startNs), time.Unix(0, endNs)
	e.RawFrames, e.VectorFrames, e.VideoFrames = uint64(raw), uint64(vects), uint64(video)
	if keep.Valid {
		d := &EventDecision{
			Keep:          keep.Bool,
			Reason:        reason.String,
			FirstPositive: int(first.Int64),
			Inferences:    int(inferences.Int64),
			Status:        e.Status,
		}
		if decidedNs.Valid {
			d.DecidedAt = time.Unix(0, decidedNs.Int64)
		}
		e.Decision = d
	}
	return &e, nil
}

func (db *DB) queryEvents(query string, args ...interface{}) ([]EventRecord, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// GetEvent returns one catalogued event.
func (db *DB) GetEvent(id string) (*EventRecord, error) {
	e, err := scanEvent(db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", id, err)
	}
	return e, nil
}

// PendingEvents returns events that have no decision yet, oldest first.
func (db *DB) PendingEvents() ([]EventRecord, error) {
	out, err := db.queryEvents(`SELECT `+eventColumns+` FROM events WHERE status = ? ORDER BY start_ns ASC`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return out, nil
}

// ListEvents returns up to limit events, newest first. A limit of zero or
// less returns all of them.
func (db *DB) ListEvents(limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	out, err := db.queryEvents(`SELECT `+eventColumns+` FROM events ORDER BY start_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// SequenceRecord is the outcome of one frame-mode sequence.
type SequenceRecord struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Frames       int       `json:"frames"`
	AnimalFrames int       `json:"animal_frames"`
	Inferences   int       `json:"inferences"`
	Vetoed       bool      `json:"vetoed"`
}

// RecordSequence stores a frame-mode sequence result.
func (db *DB) RecordSequence(s SequenceRecord) error {
	_, err := db.Exec(`
		INSERT INTO sequences (sequence_id, start_ns, end_ns, frames, animal_frames, inferences, vetoed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Start.UnixNano(), s.End.UnixNano(), s.Frames, s.AnimalFrames, s.Inferences, s.Vetoed,
	)
	if err != nil {
		return fmt.Errorf("failed to record sequence %s: %w", s.ID, err)
	}
	return nil
}

// Sequences returns recorded sequences, oldest first.
func (db *DB) Sequences() ([]SequenceRecord, error) {
	rows, err := db.Query(`
		SELECT sequence_id, start_ns, end_ns, frames, animal_frames, inferences, vetoed
		FROM sequences ORDER BY start_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	defer rows.Close()

	var out []SequenceRecord
	for rows.Next() {
		var (
			s              SequenceRecord
			startNs, endNs int64
		)
		if err := rows.Scan(&s.ID, &startNs, &endNs, &s.Frames, &s.AnimalFrames, &s.Inferences, &s.Vetoed); err != nil {
			return nil, err
		}
		s.Start, s.End = time.Unix(0, startNs), time.Unix(0, endNs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SensorReading is one logged set of environmental readings.
type SensorReading struct {
	Timestamp time.Time       `json:"timestamp"`
	Readings  json.RawMessage `json:"readings"`
}

// RecordSensorReading appends a reading to the sensor log.
func (db *DB) RecordSensorReading(r SensorReading) error {
	if _, err := db.Exec(`INSERT INTO sensor_readings (ts_ns, readings) VALUES (?, ?)`,
		r.Timestamp.UnixNano(), string(r.Readings)); err != nil {
		return fmt.Errorf("failed to record sensor reading: %w", err)
	}
	return nil
}

// SensorReadingsBetween returns readings taken within [start, end].
func (db *DB) SensorReadingsBetween(start, end time.Time) ([]SensorReading, error) {
	rows, err := db.Query(`
		SELECT ts_ns, readings FROM sensor_readings
		WHERE ts_ns >= ? AND ts_ns <= ? ORDER BY ts_ns ASC`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor readings: %w", err)
	}
	defer rows.Close()

	var out []SensorReading
	for rows.Next() {
		var (
			ts   int64
			data string
		)
		if err := rows.Scan(&ts, &data); err != nil {
			return nil, err
		}
		out = append(out, SensorReading{Timestamp: time.Unix(0, ts), Readings: json.RawMessage(data)})
	}
	return out, rows.Err()
}

// CatalogStats counts catalog rows by kind.
type CatalogStats struct {
	Events         int            `json:"events"`
	ByStatus       map[string]int `json:"by_status"`
	Sequences      int            `json:"sequences"`
	SensorReadings int            `json:"sensor_readings"`
}

// Stats summarises the catalog.
func (db *DB) Stats() (CatalogStats, error) {
	stats := CatalogStats{ByStatus: make(map[string]int)}
	rows, err := db.Query(`SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count events: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.Events += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM sequences`).Scan(&stats.Sequences); err != nil {
		return stats, fmt.Errorf("failed to count sequences: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM sensor_readings`).Scan(&stats.SensorReadings); err != nil {
		return stats, fmt.Errorf("failed to count sensor readings: %w", err)
	}
	return stats, nil
}
