// Package fsutil abstracts the filesystem operations used to persist events,
// so write failures can be injected in tests.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AppendFile is a file opened for appending whose tail can be rolled back.
type AppendFile interface {
	Write(p []byte) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileSystem defines the operations the event writer and cleanup need.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	OpenAppend(name string) (AppendFile, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	RemoveAll(path string) error
	Stat(name string) (fs.FileInfo, error)
	ReadDir(name string) ([]fs.DirEntry, error)
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

// OpenAppend creates or truncates name. Writes go to the end of the file;
// Truncate rewinds it.
func (OSFileSystem) OpenAppend(name string) (AppendFile, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (OSFileSystem) Rename(oldpath, newpath string) error       { return os.Rename(oldpath, newpath) }
func (OSFileSystem) RemoveAll(path string) error                { return os.RemoveAll(path) }
func (OSFileSystem) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }
func (OSFileSystem) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }

// Exists reports whether name exists on fsys.
func Exists(fsys FileSystem, name string) bool {
	_, err := fsys.Stat(name)
	return err == nil
}

// ErrInjected is returned by FaultyFileSystem for failed writes.
var ErrInjected = errors.New("injected write failure")

// FaultyFileSystem wraps another FileSystem and fails writes to files whose
// base name matches a configured rule. It is intended for tests that check
// write-failure handling.
type FaultyFileSystem struct {
	FileSystem

	mu    sync.Mutex
	rules map[string]int // base name -> remaining successful writes, -1 disables
}

// NewFaultyFileSystem wraps base.
func NewFaultyFileSystem(base FileSystem) *FaultyFileSystem {
	return &FaultyFileSystem{FileSystem: base, rules: make(map[string]int)}
}

// FailAfter makes writes to files named base fail after n more successful
// writes. A negative n clears the rule.
func (f *FaultyFileSystem) FailAfter(base string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 {
		delete(f.rules, base)
		return
	}
	f.rules[base] = n
}

// OpenAppend wraps the file so writes consult the failure rules.
func (f *FaultyFileSystem) OpenAppend(name string) (AppendFile, error) {
	file, err := f.FileSystem.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	return &faultyFile{AppendFile: file, fs: f, base: filepath.Base(name)}, nil
}

func (f *FaultyFileSystem) allow(base string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rules[base]
	if !ok {
		return true
	}
	if n == 0 {
		return false
	}
	f.rules[base] = n - 1
	return true
}

type faultyFile struct {
	AppendFile
	fs   *FaultyFileSystem
	base string
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if !f.fs.allow(f.base) {
		// Simulate a short write so callers must roll back.
		n, _ := f.AppendFile.Write(p[:len(p)/2])
		return n, ErrInjected
	}
	return f.AppendFile.Write(p)
}

// IsHidden reports whether a directory entry name is a dotfile.
func IsHidden(name string) bool { return strings.HasPrefix(name, ".") }
