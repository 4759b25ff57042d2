package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// DefaultResizeDuration is the recommended debounce duration for resize events
const DefaultResizeDuration = 150 * time.Millisecond

// resizeSettledMsg is delivered once a burst of resize events goes quiet.
type resizeSettledMsg struct {
	gen           int
	width, height int
}

// ResizeDebouncer collapses bursts of tea.WindowSizeMsg into a single
// relayout. It lives inside the model, so it needs no locking: every call
// happens on the bubbletea update goroutine.
type ResizeDebouncer struct {
	duration   time.Duration
	gen        int
	lastWidth  int
	lastHeight int
}

// NewResizeDebouncer creates a debouncer optimized for resize events
func NewResizeDebouncer(duration time.Duration) *ResizeDebouncer {
	return &ResizeDebouncer{duration: duration}
}

// Resize records a resize and returns the command that reports it once no
// newer resize has arrived for the debounce duration.
func (rd *ResizeDebouncer) Resize(width, height int) tea.Cmd {
	rd.gen++
	gen := rd.gen
	if rd.duration <= 0 {
		return func() tea.Msg { return resizeSettledMsg{gen: gen, width: width, height: height} }
	}
	return tea.Tick(rd.duration, func(time.Time) tea.Msg {
		return resizeSettledMsg{gen: gen, width: width, height: height}
	})
}

// Settled reports whether msg is the latest resize, recording its size.
func (rd *ResizeDebouncer) Settled(msg resizeSettledMsg) (width, height int, ok bool) {
	if msg.gen != rd.gen {
		return 0, 0, false
	}
	rd.lastWidth, rd.lastHeight = msg.width, msg.height
	return msg.width, msg.height, true
}

// GetLastSize returns the last processed size
func (rd *ResizeDebouncer) GetLastSize() (width, height int) {
	return rd.lastWidth, rd.lastHeight
}
