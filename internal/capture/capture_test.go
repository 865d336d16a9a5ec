package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/motion"
	"github.com/banshee-data/camtrap/internal/trigger"
)

func init() { monitoring.SetLogger(nil) }

var start = time.Unix(1_700_000_000, 0)

func ts(i int) time.Time { return start.Add(time.Duration(i) * 50 * time.Millisecond) }

func testSource(frames int, windows ...Window) *SyntheticSource {
	return NewSyntheticSource(SyntheticConfig{
		Framerate: 20,
		Width:     320,
		Height:    240,
		RawWidth:  16,
		RawHeight: 8,
		Format:    eventfile.Gray8,
		Motion:    windows,
		Frames:    frames,
		Start:     start,
	})
}

func testScorer(t *testing.T) *motion.Scorer {
	t.Helper()
	s, err := motion.NewScorer(motion.Params{SmallThreshold: 10, SOTVThreshold: 1000})
	require.NoError(t, err)
	return s
}

type eventSink struct {
	mu     sync.Mutex
	events []*eventfile.Event
}

func (s *eventSink) add(ev *eventfile.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []*eventfile.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*eventfile.Event(nil), s.events...)
}

func newTestRecorder(t *testing.T, buffer int, cfg trigger.Config, sink *eventSink, opts ...func(*RecorderConfig)) *EventRecorder {
	t.Helper()
	w, err := eventfile.NewWriter(eventfile.Options{Root: t.TempDir(), Format: eventfile.Gray8, Framerate: 20})
	require.NoError(t, err)
	rc := RecorderConfig{
		Trigger:      cfg,
		BufferFrames: buffer,
		Writer:       w,
		Annotate: func(s, e time.Time) json.RawMessage {
			return json.RawMessage(`{"readings":[]}`)
		},
		OnEvent:     sink.add,
		Broadcaster: trigger.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(&rc)
	}
	rec, err := NewEventRecorder(rc)
	require.NoError(t, err)
	return rec
}

func readAll(t *testing.T, src Source) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestFrameQueueDropsOldest(t *testing.T) {
	q := NewFrameQueue(3, nil)
	for i := 0; i < 5; i++ {
		q.Push(Frame{Timestamp: ts(i)})
	}
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, 3, q.Len())
	q.Close()
	var got []time.Time
	for f := range q.C() {
		got = append(got, f.Timestamp)
	}
	assert.Equal(t, []time.Time{ts(2), ts(3), ts(4)}, got)
}

func TestSyntheticSource(t *testing.T) {
	src := testSource(45, Window{From: 10, To: 12})
	scorer := testScorer(t)
	var moving, keyframes, n int
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, ts(n), f.Timestamp)
		require.NotNil(t, f.Raw)
		assert.Len(t, f.Raw.Data, 16*8)
		if f.Keyframe {
			keyframes++
		}
		if scorer.Score(f.Timestamp, f.Vectors).Status == motion.Moving {
			moving++
		}
		n++
	}
	assert.Equal(t, 45, n)
	assert.Equal(t, 3, keyframes)
	assert.Equal(t, 3, moving)
}

func TestPipeSource(t *testing.T) {
	cols, rows := motion.GridSize(64, 32)
	var vecs bytes.Buffer
	for i := 0; i < 2; i++ {
		f := &motion.VectorFrame{Cols: cols, Rows: rows, Vectors: make([]motion.Vector, cols*rows)}
		f.Vectors[0] = motion.Vector{X: int8(i + 1)}
		vecs.Write(f.AppendEncoded(nil))
	}
	vecs.Write([]byte{1, 2, 3}) // torn frame
	raw := bytes.NewReader(make([]byte, 3*4*4))

	src, err := NewPipeSource(PipeConfig{Vectors: &vecs, Raw: raw, Width: 64, Height: 32, RawWidth: 4, RawHeight: 4, Format: eventfile.Gray8})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		f, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int8(i+1), f.Vectors.At(0, 0).X)
		assert.Equal(t, 4, f.Raw.Width)
	}
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

// The scenario from the event model: motion on frames 40-60 at 20 fps with
// half a second of context yields one event spanning frames 30-70.
func TestRecorderMotionScenario(t *testing.T) {
	sink := &eventSink{}
	rec := newTestRecorder(t, 40, trigger.Config{
		ContextLength: 500 * time.Millisecond,
		QuietPeriod:   100 * time.Millisecond,
		MaxDuration:   time.Hour,
		FlushInterval: 1500 * time.Millisecond,
	}, sink)
	src := testSource(100, Window{From: 40, To: 60})
	scorer := testScorer(t)

	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rec.Capture(f)
		rec.Observe(f, scorer.Score(f.Timestamp, f.Vectors))
	}
	rec.Finish()

	events := sink.all()
	require.Len(t, events, 1)
	h := events[0].Header
	assert.Equal(t, trigger.ReasonMotionEnd, h.Reason)
	assert.Equal(t, ts(30).UnixNano(), h.StartNs)
	assert.Equal(t, ts(70).UnixNano(), h.EndNs)
	assert.Equal(t, uint64(41), h.RawFrames)
	assert.Equal(t, uint64(41), h.VectorFrames)
	assert.Equal(t, uint64(51), h.VideoFrames, "video starts at the keyframe before the pre-roll")
	assert.Equal(t, 2, h.Segments)
	assert.JSONEq(t, `{"readings":[]}`, string(h.Sensors))

	frames, err := eventfile.IndexRawFile(events[0].Paths.Raw, eventfile.Gray8)
	require.NoError(t, err)
	assert.Len(t, frames, 41)

	vecs, err := eventfile.IndexVectorsFile(events[0].Paths.Vectors)
	require.NoError(t, err)
	require.Len(t, vecs, 41)
	assert.WithinDuration(t, ts(30), vecs[0].Time, time.Microsecond)
	assert.WithinDuration(t, ts(70), vecs[40].Time, time.Microsecond)

	video, err := os.ReadFile(events[0].Paths.Video)
	require.NoError(t, err)
	assert.Equal(t, syntheticAccessUnit(20, true), video[:len(syntheticAccessUnit(20, true))])

	assert.Equal(t, RecorderStats{Events: 1, Segments: 2}, rec.Stats())
}

// Capture runs 30 frames ahead of scoring, as it does when the scoring queue
// backs up. The event still spans frames 30-70 in every stream, and the
// frames captured past its end stay out of it.
func TestRecorderCaptureAheadOfScoring(t *testing.T) {
	const lead = 30
	sink := &eventSink{}
	rec := newTestRecorder(t, 40, trigger.Config{
		ContextLength: 500 * time.Millisecond,
		QuietPeriod:   100 * time.Millisecond,
		MaxDuration:   time.Hour,
		FlushInterval: 1500 * time.Millisecond,
	}, sink, func(rc *RecorderConfig) { rc.Lead = lead + 1 })
	frames := readAll(t, testSource(100, Window{From: 40, To: 60}))
	scorer := testScorer(t)

	smoothed := map[int64]float64{}
	for i := 0; i < lead; i++ {
		rec.Capture(frames[i])
	}
	for i, f := range frames {
		if i+lead < len(frames) {
			rec.Capture(frames[i+lead])
		}
		s := scorer.Score(f.Timestamp, f.Vectors)
		smoothed[f.Timestamp.UnixNano()] = s.Smoothed
		rec.Observe(f, s)
	}
	rec.Finish()

	events := sink.all()
	require.Len(t, events, 1)
	h := events[0].Header
	assert.Equal(t, ts(30).UnixNano(), h.StartNs)
	assert.Equal(t, ts(70).UnixNano(), h.EndNs)
	assert.Equal(t, uint64(41), h.RawFrames)
	assert.Equal(t, uint64(41), h.VectorFrames)
	assert.Equal(t, uint64(51), h.VideoFrames)

	raw, err := os.ReadFile(events[0].Paths.Raw)
	require.NoError(t, err)
	assert.Len(t, raw, 41*(4+16*8))

	vecs, err := eventfile.IndexVectorsFile(events[0].Paths.Vectors)
	require.NoError(t, err)
	require.Len(t, vecs, 41)
	assert.WithinDuration(t, ts(30), vecs[0].Time, time.Microsecond)
	assert.WithinDuration(t, ts(70), vecs[40].Time, time.Microsecond)
	for _, v := range vecs {
		want, ok := smoothed[v.Time.Round(time.Microsecond).UnixNano()]
		require.True(t, ok, "record at %v was never observed", v.Time)
		assert.InDelta(t, want, v.Score, 1e-9)
	}

	video, err := os.ReadFile(events[0].Paths.Video)
	require.NoError(t, err)
	var want []byte
	for i := 20; i <= 70; i++ {
		want = append(want, frames[i].Encoded...)
	}
	assert.Equal(t, want, video, "video ends at the last frame of the event")
}

func TestNewEventRecorderRejectsNegativeLead(t *testing.T) {
	w, err := eventfile.NewWriter(eventfile.Options{Root: t.TempDir(), Format: eventfile.Gray8, Framerate: 20})
	require.NoError(t, err)
	_, err = NewEventRecorder(RecorderConfig{Writer: w, BufferFrames: 10, Lead: -1})
	assert.Error(t, err)
}

// A writer stuck on a previous event holds up scoring once its queue fills.
// The stall is counted and the queued jobs still land once it recovers.
func TestRecorderCountsWriterStalls(t *testing.T) {
	sink := &eventSink{}
	release := make(chan struct{})
	rec := newTestRecorder(t, 40, trigger.Config{
		ContextLength: 500 * time.Millisecond,
		QuietPeriod:   100 * time.Millisecond,
		MaxDuration:   time.Hour,
		FlushInterval: 1500 * time.Millisecond,
	}, sink, func(rc *RecorderConfig) {
		rc.JobDepth = 1
		rc.OnEvent = func(ev *eventfile.Event) {
			sink.add(ev)
			if len(sink.all()) == 1 {
				<-release
			}
		}
	})
	frames := readAll(t, testSource(100, Window{From: 10, To: 20}, Window{From: 50, To: 60}))
	scorer := testScorer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range frames {
			rec.Capture(f)
			rec.Observe(f, scorer.Score(f.Timestamp, f.Vectors))
		}
		rec.Finish()
	}()

	require.Eventually(t, func() bool { return rec.Stats().WriterStalls > 0 }, 5*time.Second, time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not drain after the writer recovered")
	}

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), rec.Stats().Events)
	assert.Positive(t, events[1].Header.VectorFrames)
	assert.Equal(t, events[1].Header.RawFrames, events[1].Header.VectorFrames)
}

func TestLoopRecordsEvent(t *testing.T) {
	sink := &eventSink{}
	rec := newTestRecorder(t, 200, trigger.Config{
		ContextLength: 500 * time.Millisecond,
		QuietPeriod:   100 * time.Millisecond,
		MaxDuration:   time.Hour,
		FlushInterval: 1500 * time.Millisecond,
	}, sink)
	loop, err := NewLoop(LoopConfig{
		Source:     testSource(100, Window{From: 40, To: 60}),
		Scorer:     testScorer(t),
		QueueDepth: 200,
		Taps:       []Tap{rec},
		Observers:  []Observer{rec},
	})
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	stats := loop.Stats()
	assert.Equal(t, uint64(100), stats.Captured)
	assert.Equal(t, uint64(100), stats.Scored)
	assert.Zero(t, stats.Dropped)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(41), events[0].Header.VectorFrames)
	assert.Equal(t, trigger.ReasonMotionEnd, events[0].Header.Reason)
}

// Frames keep arriving on the capture goroutine while the scoring goroutine
// swaps the rings for frequent flushes. Every frame lands in the event once.
func TestLoopConcurrentFlushLosesNothing(t *testing.T) {
	const frames = 300
	sink := &eventSink{}
	rec := newTestRecorder(t, 2*frames, trigger.Config{
		ContextLength: time.Second,
		QuietPeriod:   100 * time.Millisecond,
		MaxDuration:   time.Hour,
		FlushInterval: 100 * time.Millisecond,
	}, sink)
	loop, err := NewLoop(LoopConfig{
		Source:     testSource(frames, Window{From: 0, To: frames}),
		Scorer:     testScorer(t),
		QueueDepth: frames,
		Taps:       []Tap{rec},
		Observers:  []Observer{rec},
	})
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	events := sink.all()
	require.Len(t, events, 1)
	h := events[0].Header
	assert.Equal(t, trigger.ReasonShutdown, h.Reason)
	assert.Equal(t, uint64(frames), h.RawFrames)
	assert.Equal(t, uint64(frames), h.VectorFrames)
	assert.Greater(t, h.Segments, 10)

	vecs, err := eventfile.IndexVectorsFile(events[0].Paths.Vectors)
	require.NoError(t, err)
	for i := 1; i < len(vecs); i++ {
		assert.True(t, vecs[i].Time.After(vecs[i-1].Time), "record %d out of order", i)
	}
}

func TestLoopCancel(t *testing.T) {
	sink := &eventSink{}
	rec := newTestRecorder(t, 100, trigger.Config{
		ContextLength: time.Second,
		QuietPeriod:   time.Second,
		MaxDuration:   time.Hour,
		FlushInterval: time.Second,
	}, sink)
	src := NewSyntheticSource(SyntheticConfig{
		Framerate: 100, Width: 320, Height: 240,
		Motion: []Window{{From: 0, To: 1 << 30}},
		Paced:  true,
	})
	loop, err := NewLoop(LoopConfig{Source: src, Scorer: testScorer(t), Taps: []Tap{rec}, Observers: []Observer{rec}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, trigger.ReasonShutdown, events[0].Header.Reason)
	assert.Positive(t, events[0].Header.VectorFrames)
}
