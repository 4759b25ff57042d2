package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"arca/internal/api"
)

// maxIssuesShown caps the row-level issue list on the quality page.
const maxIssuesShown = 50

// QualityPageModel renders the data-quality report of a job.
type QualityPageModel struct {
	viewport viewport.Model
	report   *api.QualityReport
	err      error
	styles   Styles
}

// NewQualityPageModel creates the quality page.
func NewQualityPageModel(styles Styles) QualityPageModel {
	return QualityPageModel{viewport: viewport.New(80, 20), styles: styles}
}

// SetStyles switches theme.
func (m *QualityPageModel) SetStyles(styles Styles) {
	m.styles = styles
	m.UpdateContent(m.report, m.err)
}

// SetSize updates the viewport.
func (m *QualityPageModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
}

// UpdateContent installs a report. A nil report keeps the previous one.
func (m *QualityPageModel) UpdateContent(r *api.QualityReport, err error) {
	if r != nil {
		m.report = r
	}
	m.err = err
	m.viewport.SetContent(RenderQuality(m.report, m.err, m.styles))
}

// RenderQuality renders a quality report as plain styled text.
func RenderQuality(r *api.QualityReport, err error, styles Styles) string {
	if r == nil {
		if err != nil {
			if api.IsNotFound(err) {
				return styles.Muted.Render("No quality report yet.")
			}
			return styles.Error.Render("Quality report unavailable: " + err.Error())
		}
		return styles.Muted.Render("Loading quality report...")
	}

	var sb strings.Builder
	sb.WriteString(styles.Title.Render("Data quality"))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Score %s   %d/%d rows valid\n\n",
		scoreStyle(styles, r.Score).Render(fmt.Sprintf("%.0f%%", r.Score*100)), r.ValidRows, r.TotalRows))

	fields := NewSimpleTable("Fields", []string{"Field", "Complete", "Missing", "Invalid", ""})
	for _, f := range r.Fields {
		fields.AddRow(f.Field, fmt.Sprintf("%.0f%%", f.Completeness*100),
			fmt.Sprint(f.Missing), fmt.Sprint(f.Invalid), Bar(f.Completeness, 20))
	}
	sb.WriteString(fields.View(styles))

	if len(r.Issues) > 0 {
		sb.WriteString("\n")
		counts := r.IssuesBySeverity()
		sev := make([]string, 0, len(counts))
		for k := range counts {
			sev = append(sev, k)
		}
		sort.Strings(sev)
		parts := make([]string, len(sev))
		for i, k := range sev {
			parts[i] = fmt.Sprintf("%s %d", k, counts[k])
		}
		issues := NewSimpleTable("Issues ("+strings.Join(parts, ", ")+")", []string{"Row", "Field", "Severity", "Message"})
		for i, is := range r.Issues {
			if i == maxIssuesShown {
				break
			}
			issues.AddRow(fmt.Sprint(is.Row), is.Field, is.Severity, truncate(is.Message, 60))
		}
		sb.WriteString(issues.View(styles))
		if len(r.Issues) > maxIssuesShown {
			sb.WriteString(styles.Muted.Render(fmt.Sprintf("... %d more", len(r.Issues)-maxIssuesShown)))
			sb.WriteString("\n")
		}
	}
	if err != nil {
		sb.WriteString("\n" + styles.Warning.Render("refresh failed: "+err.Error()))
	}
	return sb.String()
}

func scoreStyle(styles Styles, score float64) lipgloss.Style {
	switch {
	case score >= 0.9:
		return styles.Success
	case score >= 0.7:
		return styles.Warning
	default:
		return styles.Error
	}
}

// Update handles messages.
func (m QualityPageModel) Update(msg tea.Msg) (QualityPageModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the page.
func (m QualityPageModel) View() string {
	return m.viewport.View()
}

// TypologyPageModel renders the typology distribution of a job.
type TypologyPageModel struct {
	viewport viewport.Model
	summary  *api.TypologySummary
	err      error
	styles   Styles
}

// NewTypologyPageModel creates the typology page.
func NewTypologyPageModel(styles Styles) TypologyPageModel {
	return TypologyPageModel{viewport: viewport.New(80, 20), styles: styles}
}

// SetStyles switches theme.
func (m *TypologyPageModel) SetStyles(styles Styles) {
	m.styles = styles
	m.UpdateContent(m.summary, m.err)
}

// SetSize updates the viewport.
func (m *TypologyPageModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
}

// UpdateContent installs a summary. A nil summary keeps the previous one.
func (m *TypologyPageModel) UpdateContent(s *api.TypologySummary, err error) {
	if s != nil {
		m.summary = s
	}
	m.err = err
	m.viewport.SetContent(RenderTypology(m.summary, m.err, m.styles))
}

// RenderTypology renders a typology summary, largest bucket first.
func RenderTypology(s *api.TypologySummary, err error, styles Styles) string {
	if s == nil {
		if err != nil {
			if api.IsNotFound(err) {
				return styles.Muted.Render("No typology results yet.")
			}
			return styles.Error.Render("Typology summary unavailable: " + err.Error())
		}
		return styles.Muted.Render("Loading typologies...")
	}

	buckets := append([]api.TypologyBucket(nil), s.Buckets...)
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Count > buckets[j].Count })

	var sb strings.Builder
	sb.WriteString(styles.Title.Render("Typologies"))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%d clients classified, %d unclassified\n\n", s.Total-s.Unclassified, s.Unclassified))

	t := NewSimpleTable("", []string{"Typology", "Clients", "Share", "Avg conf.", ""})
	for _, b := range buckets {
		t.AddRow(b.Typology, fmt.Sprint(b.Count), fmt.Sprintf("%.1f%%", b.Share*100),
			fmt.Sprintf("%.0f%%", b.AvgConfidence*100), Bar(b.Share, 24))
	}
	sb.WriteString(t.View(styles))
	if err != nil {
		sb.WriteString("\n" + styles.Warning.Render("refresh failed: "+err.Error()))
	}
	return sb.String()
}

// Update handles messages.
func (m TypologyPageModel) Update(msg tea.Msg) (TypologyPageModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the page.
func (m TypologyPageModel) View() string {
	return m.viewport.View()
}

// Bar renders a fraction as a fixed-width block bar.
func Bar(frac float64, width int) string {
	frac = clamp01(frac)
	full := int(frac*float64(width) + 0.5)
	return strings.Repeat("█", full) + strings.Repeat("░", width-full)
}
