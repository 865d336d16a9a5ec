package output

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camtrap/internal/db"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitoring"
)

func init() { monitoring.SetLogger(nil) }

type fakeCatalog struct {
	decisions map[string]db.EventDecision
	deleted   []string
	sequences []db.SequenceRecord
	err       error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{decisions: make(map[string]db.EventDecision)}
}

func (f *fakeCatalog) RecordDecision(id string, d db.EventDecision) error {
	if f.err != nil {
		return f.err
	}
	f.decisions[id] = d
	return nil
}

func (f *fakeCatalog) MarkDeleted(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCatalog) RecordSequence(s db.SequenceRecord) error {
	f.sequences = append(f.sequences, s)
	return nil
}

func makeEventDir(t *testing.T, root, name string) eventfile.Paths {
	t.Helper()
	p := eventfile.PathsFor(filepath.Join(root, name))
	require.NoError(t, os.MkdirAll(p.Dir, 0o755))
	require.NoError(t, os.WriteFile(p.Raw, []byte{1, 2, 3}, 0o644))
	return p
}

func TestCatalogSink(t *testing.T) {
	cat := newFakeCatalog()
	ctx := context.Background()

	disk := CatalogSink{Catalog: cat, Mode: ModeDisk}
	require.NoError(t, disk.Deliver(ctx, Decision{EventID: "a", Keep: true, Reason: "animal", FirstPositive: 3, Inferences: 3}))
	require.NoError(t, disk.Deliver(ctx, Decision{EventID: "b", Keep: false, Reason: "no_animal", FirstPositive: -1, Inferences: 5}))
	send := CatalogSink{Catalog: cat, Mode: ModeSend}
	require.NoError(t, send.Deliver(ctx, Decision{EventID: "c", Keep: true, Reason: "animal"}))

	assert.Equal(t, db.StatusKept, cat.decisions["a"].Status)
	assert.Equal(t, 3, cat.decisions["a"].FirstPositive)
	assert.Equal(t, db.StatusDropped, cat.decisions["b"].Status)
	assert.Equal(t, db.StatusPendingUpload, cat.decisions["c"].Status)

	t0 := time.Unix(100, 0)
	require.NoError(t, disk.DeliverSequence(ctx, SequenceResult{
		ID: "s", Start: t0, End: t0.Add(time.Second), Frames: 20,
		Animals: make([]eventfile.RawFrame, 4), Inferences: 2,
	}))
	require.Len(t, cat.sequences, 1)
	assert.Equal(t, 4, cat.sequences[0].AnimalFrames)
}

func TestCleanupSink(t *testing.T) {
	root := t.TempDir()
	cat := newFakeCatalog()
	sink := CleanupSink{Root: root, Catalog: cat}
	ctx := context.Background()

	kept := makeEventDir(t, root, "event_0")
	require.NoError(t, sink.Deliver(ctx, Decision{EventID: "a", Paths: kept, Keep: true}))
	assert.DirExists(t, kept.Dir)

	dropped := makeEventDir(t, root, "event_1")
	require.NoError(t, sink.Deliver(ctx, Decision{EventID: "b", Paths: dropped, Keep: false, Reason: "no_animal"}))
	assert.NoDirExists(t, dropped.Dir)
	assert.Equal(t, []string{"b"}, cat.deleted)

	// Only event_N directories directly under the root may go.
	other := makeEventDir(t, root, "photos")
	assert.Error(t, sink.Deliver(ctx, Decision{EventID: "c", Paths: other}))
	assert.DirExists(t, other.Dir)

	outside := makeEventDir(t, t.TempDir(), "event_2")
	assert.Error(t, sink.Deliver(ctx, Decision{EventID: "d", Paths: outside}))
	assert.DirExists(t, outside.Dir)

	nested := makeEventDir(t, filepath.Join(root, "event_0"), "event_5")
	assert.Error(t, sink.Deliver(ctx, Decision{EventID: "e", Paths: nested}))
	assert.DirExists(t, nested.Dir)
	assert.Equal(t, []string{"b"}, cat.deleted)
}

func TestStillsSink(t *testing.T) {
	root := t.TempDir()
	sink := StillsSink{Root: root, Format: eventfile.Gray8}
	t0 := time.Unix(1_700_000_000, 0)

	frame := func(i int) eventfile.RawFrame {
		return eventfile.RawFrame{
			Timestamp: t0.Add(time.Duration(i) * 50 * time.Millisecond),
			Width:     8, Height: 6,
			Data: bytes.Repeat([]byte{byte(40 * i)}, 48),
		}
	}
	bad := eventfile.RawFrame{Timestamp: t0, Width: 8, Height: 6, Data: []byte{1}}
	res := SequenceResult{ID: "seq/1", Animals: []eventfile.RawFrame{frame(0), bad, frame(2)}}
	require.NoError(t, sink.DeliverSequence(context.Background(), res))

	files, err := filepath.Glob(filepath.Join(root, "sequence_seq_1", "*.jpg"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Width)
	assert.Equal(t, 6, cfg.Height)

	// Nothing to write for a sequence without animals.
	require.NoError(t, sink.DeliverSequence(context.Background(), SequenceResult{ID: "empty"}))
	assert.NoDirExists(t, filepath.Join(root, "sequence_empty"))
}

func TestMulti(t *testing.T) {
	failing := newFakeCatalog()
	failing.err = errors.New("catalog locked")
	ok := newFakeCatalog()
	m := Multi{CatalogSink{Catalog: failing}, CatalogSink{Catalog: ok}}

	err := m.Deliver(context.Background(), Decision{EventID: "a", Keep: true})
	assert.ErrorContains(t, err, "catalog locked")
	assert.Contains(t, ok.decisions, "a")

	require.NoError(t, m.DeliverSequence(context.Background(), SequenceResult{ID: "s"}))
	assert.Len(t, ok.sequences, 1)
	assert.Len(t, failing.sequences, 1)
}
