package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"arca/internal/api"
	"arca/internal/sse"
)

func TestThemeByName(t *testing.T) {
	assert.True(t, ThemeByName("dark").IsDark)
	assert.False(t, ThemeByName("light").IsDark)
	assert.True(t, ThemeByName(" DARK ").IsDark)
}

func TestDetectTheme(t *testing.T) {
	t.Run("colorfgbg dark background", func(t *testing.T) {
		t.Setenv("COLORFGBG", "15;0")
		t.Setenv("ARCA_DARK_MODE", "")
		assert.Equal(t, "dark", DetectTheme().Name)
		assert.Equal(t, "dark", ThemeByName("auto").Name)
	})

	t.Run("colorfgbg light background", func(t *testing.T) {
		t.Setenv("COLORFGBG", "0;15")
		t.Setenv("ARCA_DARK_MODE", "1")
		// COLORFGBG is parsed first but only dark values short-circuit.
		assert.Equal(t, "dark", DetectTheme().Name)
	})

	t.Run("default light", func(t *testing.T) {
		t.Setenv("COLORFGBG", "")
		t.Setenv("ARCA_DARK_MODE", "")
		assert.Equal(t, "light", DetectTheme().Name)
	})
}

func TestStyles_Level(t *testing.T) {
	s := NewStyles(LightTheme())

	tests := []struct {
		level string
		want  string
	}{
		{sse.LevelError, s.Error.Render("x")},
		{sse.LevelWarn, s.Warning.Render("x")},
		{sse.LevelSuccess, s.Success.Render("x")},
		{sse.LevelDebug, s.Muted.Render("x")},
		{sse.LevelInfo, s.Info.Render("x")},
		{"whatever", s.Info.Render("x")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Level(tt.level).Render("x"), tt.level)
	}
}

func TestStyles_Badges(t *testing.T) {
	s := NewStyles(DarkTheme())

	assert.Contains(t, s.StateBadge(sse.StateConnected), "CONNECTED")
	assert.Contains(t, s.StateBadge(sse.StateFailed), "FAILED")
	assert.Contains(t, s.JobStatus(api.JobRunning), "running")
	assert.Contains(t, s.RenderDivider(0), "─")
	assert.Equal(t, 12, strings.Count(s.RenderDivider(12), "─"))
}

func TestBar(t *testing.T) {
	assert.Equal(t, "█████░░░░░", Bar(0.5, 10))
	assert.Equal(t, "████", Bar(2, 4))
	assert.Equal(t, "░░░░", Bar(-1, 4))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, 5, len([]rune(truncate("héllo wörld", 5))))
}
