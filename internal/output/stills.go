package output

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/camtrap/internal/detector"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/fsutil"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/security"
)

// StillsSink writes the animal frames of each frame-mode sequence as JPEG
// files under Root/sequence_<id>/. Event-mode decisions are ignored; their
// video is already on disk.
type StillsSink struct {
	Root    string
	Format  eventfile.PixelFormat
	Quality int
	FS      fsutil.FileSystem
}

func (StillsSink) Deliver(context.Context, Decision) error { return nil }

func (s StillsSink) DeliverSequence(ctx context.Context, r SequenceResult) error {
	if len(r.Animals) == 0 {
		return nil
	}
	fsys := s.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	quality := s.Quality
	if quality <= 0 {
		quality = 90
	}
	dir := filepath.Join(s.Root, "sequence_"+security.SanitizeFilename(r.ID))
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create stills directory: %w", err)
	}
	written := 0
	for i, f := range r.Animals {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := detector.Decode(f.Data, f.Width, f.Height, s.Format)
		if err != nil {
			monitoring.Warnf("sequence %s: skipping still %d: %v", r.ID, i, err)
			continue
		}
		data, err := detector.EncodeJPEG(img, quality)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("frame_%03d_%d.jpg", i, f.Timestamp.UnixMilli())
		if err := fsys.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write still: %w", err)
		}
		written++
	}
	monitoring.Logf("sequence %s: wrote %d stills to %s", r.ID, written, dir)
	return nil
}
