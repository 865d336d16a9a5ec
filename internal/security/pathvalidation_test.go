package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "output")
	elsewhere := filepath.Join(tmpDir, "elsewhere")
	require.NoError(t, os.MkdirAll(safeDir, 0o755))
	require.NoError(t, os.MkdirAll(elsewhere, 0o755))
	require.NoError(t, os.Symlink(elsewhere, filepath.Join(safeDir, "event_9")))

	tests := []struct {
		name      string
		path      string
		wantError bool
	}{
		{"event directory", filepath.Join(safeDir, "event_0"), false},
		{"nested file", filepath.Join(safeDir, "event_0", "clip.dat"), false},
		{"root itself", safeDir, false},
		{"dot dot escape", filepath.Join(safeDir, "..", "elsewhere"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"symlinked directory", filepath.Join(safeDir, "event_9"), true},
		{"file under symlink", filepath.Join(safeDir, "event_9", "clip.dat"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safeDir)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateChildDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "event_3"), 0o755))

	assert.NoError(t, ValidateChildDirectory(filepath.Join(root, "event_3"), root))
	assert.NoError(t, ValidateChildDirectory(filepath.Join(root, "event_4"), root))
	assert.Error(t, ValidateChildDirectory(root, root))
	assert.Error(t, ValidateChildDirectory(filepath.Join(root, "event_3", "nested"), root))
	assert.Error(t, ValidateChildDirectory(filepath.Dir(root), root))
}

func TestValidateExportPath(t *testing.T) {
	assert.NoError(t, ValidateExportPath(filepath.Join(os.TempDir(), "trace.png")))
	assert.NoError(t, ValidateExportPath("trace.png"))
	assert.Error(t, ValidateExportPath("/etc/trace.png"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                     "unknown",
		"seq-1.jpg":            "seq-1.jpg",
		"../../etc/passwd":     "etc_passwd",
		"a  b//c":              "a_b_c",
		"...":                  "unknown",
		"6ba7b810-9dad-11d1-8": "6ba7b810-9dad-11d1-8",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
