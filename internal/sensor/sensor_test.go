package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/camtrap/internal/db"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

// pipePort feeds lines through a pipe and captures writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error { return p.r.Close() }

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type memStore struct {
	mu       sync.Mutex
	readings []db.SensorReading
	err      error
}

func (s *memStore) RecordSensorReading(r db.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

var t0 = time.Unix(1_700_000_000, 0)

func TestParseLine(t *testing.T) {
	log, err := ParseLine(`{"humidity": {"value": 61.5, "units": "%"}, "BRIGHTNESS": 12}`, t0)
	require.NoError(t, err)
	assert.Equal(t, t0, log.Timestamp)
	assert.Equal(t, Reading{Value: 61.5, Units: "%"}, log.Readings["HUMIDITY"])
	assert.Equal(t, Reading{Value: 12}, log.Readings["BRIGHTNESS"])

	for _, line := range []string{"", "boot ok", "{}", `{"x": "warm"}`, "{broken"} {
		_, err := ParseLine(line, t0)
		assert.Error(t, err, line)
	}
	_, err = ParseLine("sensor v2 ready", t0)
	assert.ErrorIs(t, err, ErrNotReading)
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 57600, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "M"}} {
		_, err := bad.SerialMode()
		assert.Error(t, err)
	}
}

func TestRunRecordsReadings(t *testing.T) {
	port := newPipePort()
	store := &memStore{}
	clock := timeutil.NewManualClock(t0)
	logs := NewLogs(port, Config{Interval: 30 * time.Second, PollCommand: "R", Store: store, Clock: clock})

	done := make(chan error, 1)
	go func() { done <- logs.Run(context.Background()) }()

	_, err := io.WriteString(port.w, "ready\n")
	require.NoError(t, err)
	_, err = io.WriteString(port.w, `{"TEMPERATURE": {"value": 11.2, "units": "C"}}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, time.Millisecond)

	latest, ok := logs.Latest()
	require.True(t, ok)
	assert.Equal(t, 11.2, latest.Readings["TEMPERATURE"].Value)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return port.Written() == "R\nR\n" }, time.Second, time.Millisecond)

	port.w.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the port closed")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	port := newPipePort()
	logs := NewLogs(port, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- logs.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}
	require.NoError(t, logs.Close())
}

func TestStoreFailureKeepsReading(t *testing.T) {
	logs := NewLogs(newPipePort(), Config{Store: &memStore{err: errors.New("disk full")}})
	logs.add(Log{Timestamp: t0, Readings: map[string]Reading{"HUMIDITY": {Value: 50}}})
	_, ok := logs.Latest()
	assert.True(t, ok)
}

func TestWindowQueries(t *testing.T) {
	logs := NewLogs(newPipePort(), Config{Interval: 30 * time.Second, History: 4})
	for i := 0; i < 6; i++ {
		logs.add(Log{
			Timestamp: t0.Add(time.Duration(i) * 30 * time.Second),
			Readings:  map[string]Reading{"BRIGHTNESS": {Value: float64(i)}},
		})
	}
	// History keeps the last four: 60s, 90s, 120s, 150s.

	got, ok := logs.Get(t0.Add(100 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 3.0, got.Readings["BRIGHTNESS"].Value)
	_, ok = logs.Get(t0)
	assert.False(t, ok, "evicted readings must not match")
	_, ok = logs.Get(t0.Add(time.Hour))
	assert.False(t, ok)

	between := logs.Between(t0.Add(100*time.Second), t0.Add(130*time.Second))
	require.Len(t, between, 2)
	assert.Equal(t, 3.0, between[0].Readings["BRIGHTNESS"].Value)
	assert.Equal(t, 4.0, between[1].Readings["BRIGHTNESS"].Value)

	var decoded []Log
	require.NoError(t, json.Unmarshal(logs.Annotate(t0.Add(100*time.Second), t0.Add(130*time.Second)), &decoded))
	assert.Len(t, decoded, 2)
	assert.Nil(t, logs.Annotate(t0.Add(time.Hour), t0.Add(2*time.Hour)))
}

func TestSubscribe(t *testing.T) {
	logs := NewLogs(newPipePort(), Config{})
	id, ch := logs.Subscribe()
	logs.add(Log{Timestamp: t0, Readings: map[string]Reading{"HUMIDITY": {Value: 40}}})
	got := <-ch
	assert.Equal(t, 40.0, got.Readings["HUMIDITY"].Value)
	logs.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestAttachAdminRoutes(t *testing.T) {
	logs := NewLogs(newPipePort(), Config{})
	mux := http.NewServeMux()
	logs.AttachAdminRoutes(mux)

	for _, endpoint := range []string{"/debug/sensor", "/debug/sensor-command", "/debug/sensor-tail"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodHead, endpoint, nil)
		mux.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code, endpoint)
	}
}
