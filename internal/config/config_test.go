package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	threshold, cutoff, err := cfg.MotionTrigger()
	require.NoError(t, err)
	assert.InDelta(t, 8638.4, threshold, 0.5)
	assert.InDelta(t, 0.992, cutoff, 0.001)

	assert.Equal(t, 200, cfg.BufferFrames())
	assert.Equal(t, 10, cfg.SmoothingLen())
	assert.Equal(t, 7500*time.Millisecond, cfg.Processing.FlushInterval())
	assert.Equal(t, 3*time.Second, cfg.Processing.ContextLength())
	assert.Equal(t, 60, cfg.Camera.Frames(3*time.Second))
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, "camtrap.json", `{
  "pipeline": {"mode": "frame"},
  "motion": {"sotv_threshold": 500, "iir_order": 0},
  "processing": {"detector_fraction": 0.25}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeFrame, cfg.Pipeline.Mode)
	assert.Equal(t, 0.25, cfg.Processing.DetectorFraction)
	assert.Equal(t, 20.0, cfg.Camera.Framerate, "unset fields keep defaults")

	p, err := cfg.MotionParams()
	require.NoError(t, err)
	assert.Equal(t, 500.0, p.SOTVThreshold)
	assert.Equal(t, 0, p.IIR.Order)
	assert.Equal(t, 10, p.SmallThreshold)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "camtrap.yaml", `{}`, ".json extension"},
		{"syntax", "camtrap.json", `{"pipeline":`, "parse config"},
		{"fraction high", "camtrap.json", `{"processing":{"detector_fraction":1.5}}`, "detector_fraction"},
		{"fraction negative", "camtrap.json", `{"processing":{"detector_fraction":-0.1}}`, "detector_fraction"},
		{"buffer shorter than context", "camtrap.json", `{"processing":{"buffer_s":2,"context_length_s":3}}`, "buffer_s"},
		{"cutoff above nyquist", "camtrap.json", `{"motion":{"iir_cutoff_hz":15}}`, "Nyquist"},
		{"mode", "camtrap.json", `{"pipeline":{"mode":"batch"}}`, "pipeline mode"},
		{"detector address", "camtrap.json", `{"detector":{"kind":"grpc"}}`, "requires address"},
		{"replay dir", "camtrap.json", `{"capture":{"source":"replay"}}`, "replay_dir"},
		{"raw size", "camtrap.json", `{"camera":{"raw_width":70000}}`, "raw frame size"},
		{"output mode", "camtrap.json", `{"output":{"output_mode":"tape"}}`, "output_mode"},
		{"synthetic window", "camtrap.json", `{"capture":{"synthetic_motion":[{"from":9,"to":3}]}}`, "synthetic motion window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	path := writeConfig(t, "big.json", `{"logging":{"level":"`+strings.Repeat("x", 1<<20)+`"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
