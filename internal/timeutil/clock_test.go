package timeutil

import (
	"testing"
	"time"
)

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}
	c.Advance(1500 * time.Millisecond)
	if got := c.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}
}

func TestManualTicker(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its period")
	default:
	}

	c.Advance(600 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire after its period")
	}

	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	before := c.Now()
	if c.Since(before) < 0 {
		t.Error("Since returned negative duration")
	}
	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker never fired")
	}
}
