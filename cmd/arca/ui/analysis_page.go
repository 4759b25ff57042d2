package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	tea "github.com/charmbracelet/bubbletea"

	"arca/internal/api"
	"arca/internal/logging"
)

// AnalysisPageModel shows the AI vision analysis of one client as markdown.
type AnalysisPageModel struct {
	viewport  viewport.Model
	renderer  *glamour.TermRenderer
	styles    Styles
	wrap      int
	glamStyle string // overrides the theme's glamour style when set

	client   *api.Customer
	analysis *api.Analysis
	err      error
}

// NewAnalysisPageModel creates the analysis page. wrap is the markdown word-wrap width.
func NewAnalysisPageModel(styles Styles, wrap int) AnalysisPageModel {
	if wrap <= 0 {
		wrap = 80
	}
	m := AnalysisPageModel{
		viewport: viewport.New(80, 20),
		styles:   styles,
		wrap:     wrap,
	}
	m.renderer = newRenderer(m.glamourStyle(), wrap)
	return m
}

// newRenderer builds a markdown renderer, nil if glamour rejects the options.
func newRenderer(style string, wrap int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		logging.Get(logging.CategoryUI).Warn("markdown renderer unavailable: %v", err)
		return nil
	}
	return r
}

func (m AnalysisPageModel) glamourStyle() string {
	if m.glamStyle != "" {
		return m.glamStyle
	}
	if m.styles.Theme.IsDark {
		return "dark"
	}
	return "light"
}

// SetStyles switches theme and rebuilds the markdown renderer.
func (m *AnalysisPageModel) SetStyles(styles Styles) {
	m.styles = styles
	m.renderer = newRenderer(m.glamourStyle(), m.wrap)
	m.render()
}

// SetSize updates the viewport.
func (m *AnalysisPageModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	if w > 0 && w < m.wrap {
		m.wrap = w
		m.renderer = newRenderer(m.glamourStyle(), m.wrap)
	}
	m.render()
}

// UpdateContent shows the analysis of a client.
func (m *AnalysisPageModel) UpdateContent(client api.Customer, a *api.Analysis, err error) {
	m.client = &client
	m.analysis = a
	m.err = err
	m.render()
	m.viewport.GotoTop()
}

// Markdown returns the markdown document for the current client.
func (m AnalysisPageModel) Markdown() string {
	if m.client == nil {
		return ""
	}
	return AnalysisMarkdown(*m.client, m.analysis)
}

// AnalysisMarkdown formats a client and its vision analysis as markdown.
// a may be nil while the analysis is loading or missing.
func AnalysisMarkdown(c api.Customer, a *api.Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", c.Name)
	if c.Address != "" || c.City != "" {
		fmt.Fprintf(&sb, "%s, %s\n\n", c.Address, c.City)
	}
	if c.Rating > 0 {
		fmt.Fprintf(&sb, "Rating **%.1f** (%d reviews)\n\n", c.Rating, c.Reviews)
	}
	if a == nil {
		return sb.String()
	}
	fmt.Fprintf(&sb, "**Typology:** %s (%.0f%% confidence)  \n", orDash(a.Typology), a.Confidence*100)
	if a.Model != "" {
		fmt.Fprintf(&sb, "**Model:** %s, %d images  \n", a.Model, a.Images)
	}
	if !a.AnalyzedAt.IsZero() {
		fmt.Fprintf(&sb, "**Analyzed:** %s\n", a.AnalyzedAt.Format("2006-01-02 15:04"))
	}
	sb.WriteString("\n")
	if len(a.Signals) > 0 {
		sb.WriteString("## Signals\n\n")
		for _, s := range a.Signals {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
		sb.WriteString("\n")
	}
	if a.Summary != "" {
		sb.WriteString(a.Summary)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m *AnalysisPageModel) render() {
	if m.client == nil {
		m.viewport.SetContent(m.styles.Muted.Render("Select a client on the Clients page and press enter."))
		return
	}
	md := m.Markdown()
	out := md
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(md); err == nil {
			out = rendered
		}
	}
	if m.err != nil {
		if api.IsNotFound(m.err) {
			out += "\n" + m.styles.Muted.Render("No analysis yet for this client.")
		} else {
			out += "\n" + m.styles.Error.Render("Analysis unavailable: "+m.err.Error())
		}
	}
	m.viewport.SetContent(out)
}

// Update handles messages.
func (m AnalysisPageModel) Update(msg tea.Msg) (AnalysisPageModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the page.
func (m AnalysisPageModel) View() string {
	return m.viewport.View()
}
