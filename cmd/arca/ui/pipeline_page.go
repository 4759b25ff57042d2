package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"

	"arca/internal/api"
)

// PipelinePageModel renders per-stage progress of a job.
type PipelinePageModel struct {
	job    *api.Job
	err    error
	bar    progress.Model
	styles Styles
	width  int
	now    func() time.Time
}

// NewPipelinePageModel creates the pipeline page.
func NewPipelinePageModel(styles Styles) PipelinePageModel {
	return PipelinePageModel{
		bar:    newBar(styles, 40),
		styles: styles,
		width:  80,
		now:    time.Now,
	}
}

func newBar(styles Styles, width int) progress.Model {
	bar := progress.New(
		progress.WithSolidFill(string(styles.Theme.Accent)),
		progress.WithWidth(width),
	)
	bar.PercentageStyle = styles.Muted
	return bar
}

// SetStyles switches theme.
func (m *PipelinePageModel) SetStyles(styles Styles) {
	m.styles = styles
	m.bar = newBar(styles, m.bar.Width)
}

// SetSize updates the page width.
func (m *PipelinePageModel) SetSize(w, _ int) {
	m.width = w
	bw := w - 24
	if bw < 10 {
		bw = 10
	}
	if bw > 60 {
		bw = 60
	}
	m.bar.Width = bw
}

// UpdateContent sets the job to show. err is shown when the job failed to load.
func (m *PipelinePageModel) UpdateContent(job *api.Job, err error) {
	if job != nil {
		m.job = job
	}
	m.err = err
}

// View renders the page.
func (m PipelinePageModel) View() string {
	if m.job == nil {
		if m.err != nil {
			return m.styles.Error.Render("Job unavailable: ") + m.styles.Muted.Render(m.err.Error())
		}
		return m.styles.Muted.Render("Loading job...")
	}
	j := m.job

	var sb strings.Builder
	title := j.ID
	if j.Filename != "" {
		title = fmt.Sprintf("%s (%s)", j.ID, j.Filename)
	}
	sb.WriteString(m.styles.Title.Render("Job " + title))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Status: %s   Stage: %s   Elapsed: %s\n",
		m.styles.JobStatus(j.Status), m.styles.Bold.Render(orDash(j.Stage)), j.Duration(m.now()).Truncate(time.Second)))
	if j.Total > 0 {
		sb.WriteString(fmt.Sprintf("Clients: %d/%d\n", j.Processed, j.Total))
	}
	if j.Error != "" {
		sb.WriteString(m.styles.Error.Render("Error: "+j.Error) + "\n")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%-12s %s\n", "overall", m.bar.ViewAs(clamp01(j.Progress))))
	sb.WriteString("\n")

	for _, name := range api.Stages {
		st, ok := j.StageByName(name)
		if !ok {
			sb.WriteString(fmt.Sprintf("%-12s %s\n", name, m.styles.Muted.Render("pending")))
			continue
		}
		line := fmt.Sprintf("%-12s %s", name, m.bar.ViewAs(st.Ratio()))
		if st.Total > 0 {
			line += m.styles.Muted.Render(fmt.Sprintf("  %d/%d", st.Processed, st.Total))
		}
		if st.Failed > 0 {
			line += m.styles.Warning.Render(fmt.Sprintf("  %d failed", st.Failed))
		}
		sb.WriteString(line + "\n")
	}

	if m.err != nil {
		sb.WriteString("\n" + m.styles.Warning.Render("refresh failed: "+m.err.Error()))
	}
	return sb.String()
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
