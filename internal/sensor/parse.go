package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotReading is returned for lines that are not a JSON reading object,
// such as board banners or command echoes.
var ErrNotReading = errors.New("line is not a sensor reading")

// Reading is one measured quantity.
type Reading struct {
	Value float64 `json:"value"`
	Units string  `json:"units,omitempty"`
}

// Log is the set of readings the board reported at one moment.
type Log struct {
	Timestamp time.Time          `json:"timestamp"`
	Readings  map[string]Reading `json:"readings"`
}

// ParseLine decodes one line from the board. Each key of the JSON object
// names a quantity; its value is either {"value":..,"units":..} or a bare
// number.
func ParseLine(line string, at time.Time) (Log, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Log{}, ErrNotReading
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Log{}, fmt.Errorf("%w: %v", ErrNotReading, err)
	}
	log := Log{Timestamp: at, Readings: make(map[string]Reading, len(raw))}
	for name, v := range raw {
		var r Reading
		if err := json.Unmarshal(v, &r.Value); err != nil {
			if err := json.Unmarshal(v, &r); err != nil {
				return Log{}, fmt.Errorf("reading %s: %w", name, err)
			}
		}
		log.Readings[strings.ToUpper(name)] = r
	}
	if len(log.Readings) == 0 {
		return Log{}, ErrNotReading
	}
	return log, nil
}
