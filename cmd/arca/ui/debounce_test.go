package ui

import (
	"testing"
	"time"
)

func TestResizeDebouncer_LatestWins(t *testing.T) {
	rd := NewResizeDebouncer(time.Millisecond)

	first := rd.Resize(80, 24)
	second := rd.Resize(120, 40)

	if _, _, ok := rd.Settled(first().(resizeSettledMsg)); ok {
		t.Error("Expected stale resize to be dropped")
	}

	w, h, ok := rd.Settled(second().(resizeSettledMsg))
	if !ok {
		t.Fatal("Expected latest resize to settle")
	}
	if w != 120 || h != 40 {
		t.Errorf("Expected 120x40, got %dx%d", w, h)
	}

	lw, lh := rd.GetLastSize()
	if lw != 120 || lh != 40 {
		t.Errorf("Expected last size 120x40, got %dx%d", lw, lh)
	}
}

func TestResizeDebouncer_ZeroDurationIsImmediate(t *testing.T) {
	rd := NewResizeDebouncer(0)

	msg, ok := rd.Resize(100, 30)().(resizeSettledMsg)
	if !ok {
		t.Fatal("Expected resizeSettledMsg")
	}
	if _, _, ok := rd.Settled(msg); !ok {
		t.Error("Expected resize to settle")
	}
}

func TestResizeDebouncer_WaitsForDuration(t *testing.T) {
	rd := NewResizeDebouncer(20 * time.Millisecond)

	start := time.Now()
	rd.Resize(90, 30)()
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Expected debounce delay, settled after %v", elapsed)
	}
}
