package output

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/fsutil"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/security"
)

// CleanupSink removes the directories of dropped events. It refuses to
// delete anything that is not a committed event directory directly under
// Root.
type CleanupSink struct {
	Root    string
	FS      fsutil.FileSystem
	Catalog Catalog // optional; notified of each deletion
}

func (c CleanupSink) Deliver(_ context.Context, d Decision) error {
	if d.Keep {
		return nil
	}
	dir := d.Paths.Dir
	if !eventfile.IsEventDir(filepath.Base(dir)) {
		return fmt.Errorf("refusing to delete %s: not an event directory", dir)
	}
	if err := security.ValidateChildDirectory(dir, c.Root); err != nil {
		return fmt.Errorf("refusing to delete %s: %w", dir, err)
	}
	fsys := c.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if err := fsys.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", d.EventID, err)
	}
	monitoring.Logf("event %s dropped (%s), removed %s", d.EventID, d.Reason, filepath.Base(dir))
	if c.Catalog != nil {
		return c.Catalog.MarkDeleted(d.EventID)
	}
	return nil
}

func (CleanupSink) DeliverSequence(context.Context, SequenceResult) error { return nil }
