package eventfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FormatVersion is written to every event header.
const FormatVersion = "1.0"

// Header is the metadata written to event.json when an event closes.
type Header struct {
	Version      string          `json:"version"`
	ID           string          `json:"id"`
	CreatedNs    int64           `json:"created_ns"`
	StartNs      int64           `json:"start_ns"`
	EndNs        int64           `json:"end_ns"`
	Reason       string          `json:"reason"`
	Framerate    float64         `json:"framerate"`
	PixelFormat  string          `json:"pixel_format"`
	RawFrames    uint64          `json:"raw_frames"`
	VectorFrames uint64          `json:"vector_frames"`
	VideoFrames  uint64          `json:"video_frames"`
	Segments     int             `json:"segments"`
	Dropped      map[string]int  `json:"dropped_segments,omitempty"`
	Sensors      json.RawMessage `json:"sensors,omitempty"`
}

// Start returns the event start time.
func (h Header) Start() time.Time { return time.Unix(0, h.StartNs) }

// End returns the event end time.
func (h Header) End() time.Time { return time.Unix(0, h.EndNs) }

// Paths locates the files of one event.
type Paths struct {
	Dir     string `json:"dir"`
	Raw     string `json:"raw"`
	Vectors string `json:"vectors"`
	Video   string `json:"video"`
	Header  string `json:"header"`
}

// PathsFor returns the file paths inside dir.
func PathsFor(dir string) Paths {
	return Paths{
		Dir:     dir,
		Raw:     filepath.Join(dir, RawFileName),
		Vectors: filepath.Join(dir, VectorsFileName),
		Video:   filepath.Join(dir, VideoFileName),
		Header:  filepath.Join(dir, HeaderFileName),
	}
}

// Event is a closed, committed event.
type Event struct {
	Paths
	Header Header
}

// ReadEvent loads the header of a committed event directory.
func ReadEvent(dir string) (*Event, error) {
	p := PathsFor(dir)
	data, err := os.ReadFile(p.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to read event header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse event header: %w", err)
	}
	return &Event{Paths: p, Header: h}, nil
}
