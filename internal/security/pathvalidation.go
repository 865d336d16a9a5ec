// Package security validates file system paths before the daemon writes to
// or deletes them.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// canonical resolves path to an absolute path with symlinks evaluated. For a
// path that does not exist yet, the deepest existing ancestor is resolved
// and the remainder appended, so a symlinked parent cannot smuggle the path
// elsewhere.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// relativeTo returns path relative to root after canonicalising both, or an
// error if path escapes root.
func relativeTo(path, root string) (string, error) {
	p, err := canonical(path)
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	r, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}
	rel, err := filepath.Rel(r, p)
	if err != nil {
		return "", fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path traversal detected: %s attempts to escape %s", path, root)
	}
	return rel, nil
}

// ValidatePathWithinDirectory rejects paths that resolve outside safeDir,
// including through symlinks. safeDir itself must exist.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	_, err := relativeTo(filePath, safeDir)
	return err
}

// ValidateChildDirectory accepts only a directory that sits directly inside
// root. It guards recursive deletes of event directories.
func ValidateChildDirectory(dir, root string) error {
	rel, err := relativeTo(dir, root)
	if err != nil {
		return err
	}
	if rel == "." || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("%s is not a direct child of %s", dir, root)
	}
	return nil
}

// ValidateExportPath accepts output files under the temp directory or the
// working directory.
func ValidateExportPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	for _, dir := range []string{os.TempDir(), cwd} {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within the temp or working directory: %s", filePath)
}

// SanitizeFilename makes a safe file name from an arbitrary identifier. Runs
// of characters outside [A-Za-z0-9._-] become one underscore and the result
// is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
