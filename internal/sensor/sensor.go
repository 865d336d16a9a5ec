// Package sensor logs environmental readings from a serial sensor board and
// attaches the readings around an event to its header.
package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/camtrap/internal/db"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/ringbuf"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

var ErrWriteFailed = errors.New("failed to write to sensor port")

// Store persists readings. *db.DB satisfies it.
type Store interface {
	RecordSensorReading(db.SensorReading) error
}

// Config configures a Logs.
type Config struct {
	Interval    time.Duration // expected reporting period
	PollCommand string        // sent every Interval when set
	History     int           // readings kept in memory
	Store       Store
	Clock       timeutil.Clock
}

// Logs reads the sensor board and keeps a bounded history of readings.
type Logs struct {
	port Port
	cfg  Config

	mu      sync.Mutex
	history *ringbuf.Ring[Log]

	subscriberMu sync.Mutex
	subscribers  map[string]chan Log

	commandMu sync.Mutex
}

// NewLogs returns a logger reading from port.
func NewLogs(port Port, cfg Config) *Logs {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.History <= 0 {
		// A day at the default interval.
		cfg.History = 2880
	}
	return &Logs{
		port:        port,
		cfg:         cfg,
		history:     ringbuf.NewRing[Log](cfg.History),
		subscribers: make(map[string]chan Log),
	}
}

// Interval is the expected reporting period.
func (l *Logs) Interval() time.Duration { return l.cfg.Interval }

// SendCommand writes a newline-terminated command to the board.
func (l *Logs) SendCommand(command string) error {
	l.commandMu.Lock()
	defer l.commandMu.Unlock()
	if len(command) == 0 || command[len(command)-1] != '\n' {
		command += "\n"
	}
	n, err := l.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Run reads lines until ctx is cancelled or the port closes. Lines that are
// not readings are logged at debug level and skipped.
func (l *Logs) Run(ctx context.Context) error {
	scan := bufio.NewScanner(l.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs apart from the select below so cancellation is
	// never held up by a silent port.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	var poll <-chan time.Time
	if l.cfg.PollCommand != "" {
		ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		poll = ticker.C()
		if err := l.SendCommand(l.cfg.PollCommand); err != nil {
			monitoring.Warnf("sensor poll failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return fmt.Errorf("sensor read failed: %w", err)
		case <-poll:
			if err := l.SendCommand(l.cfg.PollCommand); err != nil {
				monitoring.Warnf("sensor poll failed: %v", err)
			}
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("sensor read failed: %w", err)
				default:
					return nil
				}
			}
			log, err := ParseLine(line, l.cfg.Clock.Now())
			if err != nil {
				monitoring.Debugf("sensor: skipping line %q: %v", line, err)
				continue
			}
			l.add(log)
		}
	}
}

func (l *Logs) add(log Log) {
	l.mu.Lock()
	l.history.Append(log)
	l.mu.Unlock()

	if l.cfg.Store != nil {
		data, err := json.Marshal(log.Readings)
		if err == nil {
			err = l.cfg.Store.RecordSensorReading(db.SensorReading{Timestamp: log.Timestamp, Readings: data})
		}
		if err != nil {
			monitoring.Warnf("failed to persist sensor reading: %v", err)
		}
	}

	l.subscriberMu.Lock()
	for _, ch := range l.subscribers {
		select {
		case ch <- log:
		default:
		}
	}
	l.subscriberMu.Unlock()
}

// Latest returns the most recent reading.
func (l *Logs) Latest() (Log, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.history.Items()
	if len(items) == 0 {
		return Log{}, false
	}
	return items[len(items)-1], true
}

// Get returns the reading closest to t. Readings further than one interval
// away are not considered a match.
func (l *Logs) Get(t time.Time) (Log, bool) {
	l.mu.Lock()
	items := l.history.Items()
	l.mu.Unlock()

	var (
		best  Log
		found bool
		gap   time.Duration
	)
	for _, log := range items {
		d := log.Timestamp.Sub(t)
		if d < 0 {
			d = -d
		}
		if d > l.cfg.Interval {
			continue
		}
		if !found || d < gap {
			best, gap, found = log, d, true
		}
	}
	return best, found
}

// Between returns the readings valid during [start, end]: every reading
// taken in the window plus the last one before it.
func (l *Logs) Between(start, end time.Time) []Log {
	l.mu.Lock()
	items := l.history.Items()
	l.mu.Unlock()

	var (
		out    []Log
		before *Log
	)
	for i := range items {
		ts := items[i].Timestamp
		switch {
		case ts.Before(start):
			if start.Sub(ts) <= l.cfg.Interval {
				before = &items[i]
			}
		case !ts.After(end):
			out = append(out, items[i])
		}
	}
	if before != nil {
		out = append([]Log{*before}, out...)
	}
	return out
}

// Annotate renders the readings for an event window as JSON for the event
// header. It returns nil when there are none.
func (l *Logs) Annotate(start, end time.Time) json.RawMessage {
	logs := l.Between(start, end)
	if len(logs) == 0 {
		monitoring.Warnf("no sensor readings for event at %s", start.Format(time.RFC3339))
		return nil
	}
	data, err := json.Marshal(logs)
	if err != nil {
		monitoring.Warnf("failed to encode sensor readings: %v", err)
		return nil
	}
	return data
}

// Subscribe returns a channel receiving every new reading. Slow subscribers
// miss readings rather than blocking the reader.
func (l *Logs) Subscribe() (string, chan Log) {
	id := uuid.NewString()
	ch := make(chan Log, 4)
	l.subscriberMu.Lock()
	l.subscribers[id] = ch
	l.subscriberMu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (l *Logs) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// Close closes all subscriptions and the port.
func (l *Logs) Close() error {
	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()
	return l.port.Close()
}
