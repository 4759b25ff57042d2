package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"arca/internal/sse"
)

// LogSource is the live log stream shown by the logs page. *sse.Consumer satisfies it.
type LogSource interface {
	Entries(n int) []sse.Entry
	State() sse.State
	Retries() int
	Err() error
	Enabled() bool
	SetEnabled(bool) error
	Reconnect() error
	Clear()
}

var levelFilters = []string{"", sse.LevelInfo, sse.LevelWarn, sse.LevelError}

// LogsPageModel renders the live log ring, newest line first.
type LogsPageModel struct {
	viewport viewport.Model
	source   LogSource
	styles   Styles
	filter   int // index into levelFilters
	status   string
	width    int
	height   int
}

type logsKeyMap struct {
	Pause     key.Binding
	Reconnect key.Binding
	Clear     key.Binding
	Filter    key.Binding
}

var logsKeys = logsKeyMap{
	Pause:     key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/resume")),
	Reconnect: key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "reconnect")),
	Clear:     key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
	Filter:    key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "level filter")),
}

// NewLogsPageModel creates the logs page. source may be nil.
func NewLogsPageModel(source LogSource, styles Styles) LogsPageModel {
	return LogsPageModel{
		viewport: viewport.New(80, 20),
		source:   source,
		styles:   styles,
	}
}

// SetStyles switches theme.
func (m *LogsPageModel) SetStyles(styles Styles) {
	m.styles = styles
	m.UpdateContent()
}

// SetSize updates the size of the viewport.
func (m *LogsPageModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = w
	m.viewport.Height = h - 2 // status line + divider
	if m.viewport.Height < 1 {
		m.viewport.Height = 1
	}
	m.UpdateContent()
}

// Filter returns the minimum level shown, empty for all.
func (m LogsPageModel) Filter() string {
	return levelFilters[m.filter]
}

// UpdateContent re-reads the ring buffer.
func (m *LogsPageModel) UpdateContent() {
	if m.source == nil {
		m.viewport.SetContent("Log streaming not available.")
		return
	}

	var sb strings.Builder
	shown := 0
	for _, e := range m.source.Entries(0) {
		if !passes(e.Level, m.Filter()) {
			continue
		}
		shown++
		ts := e.Time
		if ts.IsZero() {
			ts = e.Received
		}
		tag := m.styles.Level(e.Level).Render(fmt.Sprintf("%-7s", strings.ToUpper(e.Level)))
		line := fmt.Sprintf("%s %s ", m.styles.Muted.Render(ts.Format("15:04:05")), tag)
		if e.Stage != "" {
			line += m.styles.Muted.Render("["+e.Stage+"] ")
		}
		line += e.Message
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if shown == 0 {
		sb.WriteString(m.styles.Muted.Render("No log lines yet."))
	}
	m.viewport.SetContent(sb.String())
}

func passes(level, min string) bool {
	rank := map[string]int{
		sse.LevelDebug:   0,
		sse.LevelInfo:    1,
		sse.LevelSuccess: 1,
		sse.LevelWarn:    2,
		sse.LevelError:   3,
	}
	if min == "" {
		return true
	}
	return rank[level] >= rank[min]
}

// Update handles messages.
func (m LogsPageModel) Update(msg tea.Msg) (LogsPageModel, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok && m.source != nil {
		switch {
		case key.Matches(km, logsKeys.Pause):
			enable := !m.source.Enabled()
			if err := m.source.SetEnabled(enable); err != nil {
				m.status = err.Error()
			} else if enable {
				m.status = "resumed"
			} else {
				m.status = "paused"
			}
			m.UpdateContent()
			return m, nil
		case key.Matches(km, logsKeys.Reconnect):
			if err := m.source.Reconnect(); err != nil {
				m.status = err.Error()
			} else {
				m.status = "reconnecting"
			}
			return m, nil
		case key.Matches(km, logsKeys.Clear):
			m.source.Clear()
			m.status = "cleared"
			m.UpdateContent()
			return m, nil
		case key.Matches(km, logsKeys.Filter):
			m.filter = (m.filter + 1) % len(levelFilters)
			m.UpdateContent()
			m.viewport.GotoTop()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// StatusLine renders the connection badge and counters.
func (m LogsPageModel) StatusLine() string {
	if m.source == nil {
		return ""
	}
	parts := []string{m.styles.StateBadge(m.source.State())}
	if r := m.source.Retries(); r > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("retry %d", r)))
	}
	if f := m.Filter(); f != "" {
		parts = append(parts, m.styles.Muted.Render("level>="+f))
	}
	if m.status != "" {
		parts = append(parts, m.styles.Muted.Render(m.status))
	}
	if err := m.source.Err(); err != nil && m.source.State() != sse.StateConnected {
		parts = append(parts, m.styles.Error.Render(truncate(err.Error(), 60)))
	}
	return strings.Join(parts, "  ")
}

// View renders the page.
func (m LogsPageModel) View() string {
	return m.StatusLine() + "\n" + m.styles.RenderDivider(m.width) + "\n" + m.viewport.View()
}

// ShortHelp implements help.KeyMap.
func (k logsKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Reconnect, k.Clear, k.Filter}
}
