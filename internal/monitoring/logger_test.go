package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	origLogf, origDebugf, origWarnf, origErrorf := Logf, Debugf, Warnf, Errorf
	defer func() { Logf, Debugf, Warnf, Errorf = origLogf, origDebugf, origWarnf, origErrorf }()

	var calls int
	SetLogger(func(format string, v ...interface{}) { calls++ })
	Logf("a")
	Debugf("b")
	Warnf("c")
	Errorf("d")
	if calls != 4 {
		t.Errorf("expected 4 calls through custom logger, got %d", calls)
	}

	calls = 0
	SetLogger(nil)
	Logf("test")
	Warnf("test")
	if calls != 0 {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestConfigure(t *testing.T) {
	origLogf, origDebugf, origWarnf, origErrorf := Logf, Debugf, Warnf, Errorf
	defer func() { Logf, Debugf, Warnf, Errorf = origLogf, origDebugf, origWarnf, origErrorf }()

	var buf bytes.Buffer
	closer, err := Configure(&buf, "warn", "")
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer closer.Close()

	Logf("hidden %d", 1)
	Warnf("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("warn message missing: %q", out)
	}

	if _, err := Configure(&buf, "loud", ""); err == nil {
		t.Error("expected error for unknown level")
	}
}
