package eventfile

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/camtrap/internal/fsutil"
)

const (
	eventPrefix   = "event_"
	partialSuffix = ".partial"
)

// DirectoryMaker hands out unused event directory names under a root.
// A name is in use if either its final or its in-progress form exists.
type DirectoryMaker struct {
	root string
	fs   fsutil.FileSystem

	mu   sync.Mutex
	next int
}

// NewDirectoryMaker returns a maker for root.
func NewDirectoryMaker(root string, fsys fsutil.FileSystem) *DirectoryMaker {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &DirectoryMaker{root: root, fs: fsys}
}

// Next reserves the next free event name and returns the final and temporary
// directory paths for it. Neither directory is created.
func (m *DirectoryMaker) Next() (final, temp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		name := fmt.Sprintf("%s%d", eventPrefix, m.next)
		m.next++
		final = filepath.Join(m.root, name)
		temp = filepath.Join(m.root, "."+name+partialSuffix)
		if !fsutil.Exists(m.fs, final) && !fsutil.Exists(m.fs, temp) {
			return final, temp
		}
	}
}

// IsEventDir reports whether name is a committed event directory name.
func IsEventDir(name string) bool {
	_, ok := eventNumber(name)
	return ok
}

func eventNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, eventPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, eventPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ListEvents returns the committed event directories under root, ordered by
// event number. In-progress directories are never listed.
func ListEvents(fsys fsutil.FileSystem, root string) ([]string, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		if !e.IsDir() || fsutil.IsHidden(e.Name()) {
			continue
		}
		if n, ok := eventNumber(e.Name()); ok {
			found = append(found, numbered{n, filepath.Join(root, e.Name())})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}
