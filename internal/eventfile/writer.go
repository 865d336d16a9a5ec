package eventfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/camtrap/internal/fsutil"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/timeutil"
)

var (
	// ErrNoEvent is returned when writing without an open event.
	ErrNoEvent = errors.New("no event open")
	// ErrEventOpen is returned when opening an event while another is open.
	ErrEventOpen = errors.New("event already open")
)

// Stream names used in logs and the dropped-segment counters.
const (
	StreamRaw     = "raw"
	StreamVectors = "vectors"
	StreamVideo   = "video"
)

// Options configures a Writer.
type Options struct {
	Root      string
	Format    PixelFormat
	Framerate float64
	FS        fsutil.FileSystem
	Clock     timeutil.Clock
}

// Segment is one synchronised flush of all three streams. Items older than
// Cut are skipped; a zero Cut keeps everything.
type Segment struct {
	Raw     []RawFrame
	Vectors []VectorRecord
	Video   []EncodedFrame
	Cut     time.Time
}

// SegmentStats reports what one WriteSegment call persisted.
type SegmentStats struct {
	RawFrames    int
	VectorFrames int
	VideoFrames  int
	Dropped      []string // streams whose segment was discarded
}

type stream struct {
	name    string
	f       fsutil.AppendFile
	size    int64
	broken  bool
	records uint64
}

type openEvent struct {
	header       Header
	final, temp  string
	raw          *stream
	vectors      *stream
	video        *stream
	videoStarted bool
}

// Writer persists events one at a time. It is owned by a single goroutine.
type Writer struct {
	opts    Options
	maker   *DirectoryMaker
	cur     *openEvent
	latency *monitoring.LatencyWindow
	buf     []byte
}

// NewWriter creates the output root and returns a Writer for it.
func NewWriter(opts Options) (*Writer, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if err := opts.FS.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Writer{
		opts:    opts,
		maker:   NewDirectoryMaker(opts.Root, opts.FS),
		latency: monitoring.NewLatencyWindow(128),
	}, nil
}

// IsOpen reports whether an event is being written.
func (w *Writer) IsOpen() bool { return w.cur != nil }

// Latency summarises segment write times.
func (w *Writer) Latency() monitoring.LatencySummary { return w.latency.Summary() }

// Open starts a new event in a hidden temporary directory.
func (w *Writer) Open(id string, start time.Time) error {
	if w.cur != nil {
		return ErrEventOpen
	}
	final, temp := w.maker.Next()
	if err := w.opts.FS.MkdirAll(temp, 0o755); err != nil {
		return fmt.Errorf("failed to create event directory: %w", err)
	}

	ev := &openEvent{
		final: final,
		temp:  temp,
		header: Header{
			Version:     FormatVersion,
			ID:          id,
			CreatedNs:   w.opts.Clock.Now().UnixNano(),
			StartNs:     start.UnixNano(),
			Framerate:   w.opts.Framerate,
			PixelFormat: w.opts.Format.String(),
		},
	}
	var err error
	if ev.raw, err = w.openStream(temp, RawFileName, StreamRaw); err == nil {
		if ev.vectors, err = w.openStream(temp, VectorsFileName, StreamVectors); err == nil {
			ev.video, err = w.openStream(temp, VideoFileName, StreamVideo)
		}
	}
	if err != nil {
		ev.closeStreams()
		w.opts.FS.RemoveAll(temp)
		return err
	}
	w.cur = ev
	monitoring.Logf("event %s opened in %s", id, filepath.Base(final))
	return nil
}

func (w *Writer) openStream(dir, file, name string) (*stream, error) {
	f, err := w.opts.FS.OpenAppend(filepath.Join(dir, file))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s stream: %w", name, err)
	}
	return &stream{name: name, f: f}, nil
}

// WriteSegment appends seg to the open event. A write failure on one stream
// discards that stream's part of the segment, is logged, and does not affect
// the other streams or later segments.
func (w *Writer) WriteSegment(seg Segment) (SegmentStats, error) {
	ev := w.cur
	if ev == nil {
		return SegmentStats{}, ErrNoEvent
	}
	start := w.opts.Clock.Now()
	defer func() { w.latency.Observe(w.opts.Clock.Since(start)) }()

	var stats SegmentStats
	ev.header.Segments++

	raw := make([]RawFrame, 0, len(seg.Raw))
	for _, f := range seg.Raw {
		if !f.Timestamp.Before(seg.Cut) {
			raw = append(raw, f)
		}
	}
	n, err := w.writeRecords(ev.raw, len(raw), func(i int, dst []byte) ([]byte, error) {
		return AppendRawRecord(dst, raw[i], w.opts.Format)
	})
	stats.RawFrames = n
	w.noteFailure(ev, ev.raw, err, &stats)

	vects := make([]VectorRecord, 0, len(seg.Vectors))
	for _, v := range seg.Vectors {
		if !v.Timestamp.Before(seg.Cut) {
			vects = append(vects, v)
		}
	}
	n, err = w.writeRecords(ev.vectors, len(vects), func(i int, dst []byte) ([]byte, error) {
		return AppendVectorRecord(dst, vects[i])
	})
	stats.VectorFrames = n
	w.noteFailure(ev, ev.vectors, err, &stats)

	video := ev.selectVideo(seg.Video, seg.Cut)
	n, err = w.writeRecords(ev.video, len(video), func(i int, dst []byte) ([]byte, error) {
		return append(dst, video[i].Data...), nil
	})
	stats.VideoFrames = n
	if n > 0 {
		ev.videoStarted = true
	}
	w.noteFailure(ev, ev.video, err, &stats)

	return stats, nil
}

// selectVideo trims encoded frames so the stream starts on a keyframe. For
// the first written segment that is the latest keyframe at or before cut, or
// the first one after it.
func (ev *openEvent) selectVideo(frames []EncodedFrame, cut time.Time) []EncodedFrame {
	if ev.videoStarted {
		return frames
	}
	start := -1
	for i, f := range frames {
		if !f.Keyframe {
			continue
		}
		if !f.Timestamp.After(cut) || start < 0 {
			start = i
		}
		if f.Timestamp.After(cut) {
			break
		}
	}
	if start < 0 {
		return nil
	}
	return frames[start:]
}

// writeRecords encodes and appends count records. On an I/O error the
// stream is rolled back to where this call started.
func (w *Writer) writeRecords(s *stream, count int, encode func(int, []byte) ([]byte, error)) (int, error) {
	if count == 0 {
		return 0, nil
	}
	if s.broken {
		return 0, fmt.Errorf("%s stream unusable after failed rollback", s.name)
	}
	mark, written := s.size, 0
	for i := 0; i < count; i++ {
		var err error
		w.buf, err = encode(i, w.buf[:0])
		if err != nil {
			monitoring.Warnf("skipping malformed %s record: %v", s.name, err)
			continue
		}
		n, err := s.f.Write(w.buf)
		s.size += int64(n)
		if err != nil {
			if terr := s.f.Truncate(mark); terr != nil {
				s.broken = true
				monitoring.Errorf("failed to roll back %s stream: %v", s.name, terr)
			}
			s.size = mark
			return 0, err
		}
		written++
	}
	s.records += uint64(written)
	return written, nil
}

func (w *Writer) noteFailure(ev *openEvent, s *stream, err error, stats *SegmentStats) {
	if err == nil {
		return
	}
	if ev.header.Dropped == nil {
		ev.header.Dropped = make(map[string]int)
	}
	ev.header.Dropped[s.name]++
	stats.Dropped = append(stats.Dropped, s.name)
	monitoring.Warnf("event %s: dropped %s segment: %v", ev.header.ID, s.name, err)
}

// Close finalises the open event: it writes the header, syncs the streams
// and renames the directory into place. The returned Event is visible to
// other processes only once Close succeeds.
func (w *Writer) Close(end time.Time, reason string, sensors json.RawMessage) (*Event, error) {
	ev := w.cur
	if ev == nil {
		return nil, ErrNoEvent
	}
	w.cur = nil

	ev.header.EndNs = end.UnixNano()
	ev.header.Reason = reason
	ev.header.Sensors = sensors
	ev.header.RawFrames = ev.raw.records
	ev.header.VectorFrames = ev.vectors.records
	ev.header.VideoFrames = ev.video.records

	var errs []error
	for _, s := range []*stream{ev.raw, ev.vectors, ev.video} {
		if err := s.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", s.name, err))
		}
	}
	errs = append(errs, ev.closeStreams())

	data, err := json.MarshalIndent(ev.header, "", "  ")
	if err != nil {
		errs = append(errs, err)
	} else if err := w.opts.FS.WriteFile(filepath.Join(ev.temp, HeaderFileName), data, 0o644); err != nil {
		errs = append(errs, fmt.Errorf("write header: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("event %s left uncommitted in %s: %w", ev.header.ID, ev.temp, err)
	}

	if err := w.opts.FS.Rename(ev.temp, ev.final); err != nil {
		return nil, fmt.Errorf("failed to commit event %s: %w", ev.header.ID, err)
	}
	monitoring.Logf("event %s closed (%s): %d raw, %d vector, %d video frames",
		ev.header.ID, reason, ev.header.RawFrames, ev.header.VectorFrames, ev.header.VideoFrames)
	return &Event{Paths: PathsFor(ev.final), Header: ev.header}, nil
}

// Abort discards the open event and its temporary directory.
func (w *Writer) Abort() error {
	ev := w.cur
	if ev == nil {
		return nil
	}
	w.cur = nil
	ev.closeStreams()
	return w.opts.FS.RemoveAll(ev.temp)
}

func (ev *openEvent) closeStreams() error {
	var errs []error
	for _, s := range []*stream{ev.raw, ev.vectors, ev.video} {
		if s == nil || s.f == nil {
			continue
		}
		if err := s.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
		}
		s.f = nil
	}
	return errors.Join(errs...)
}
