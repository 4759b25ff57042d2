package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SimpleTable is a simple table component for rendering static data.
type SimpleTable struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// NewSimpleTable creates a new SimpleTable with the given title and headers.
func NewSimpleTable(title string, headers []string) *SimpleTable {
	return &SimpleTable{
		Title:   title,
		Headers: headers,
		Rows:    make([][]string, 0),
	}
}

// AddRow adds a row to the table.
func (t *SimpleTable) AddRow(row ...string) {
	t.Rows = append(t.Rows, row)
}

// View renders the table using the provided styles.
func (t *SimpleTable) View(styles Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(styles.Title.Render(t.Title))
		sb.WriteString("\n")
	}

	colWidths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		colWidths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(colWidths) {
				if w := lipgloss.Width(cell); w > colWidths[i] {
					colWidths[i] = w
				}
			}
		}
	}

	writeRow := func(cells []string, style lipgloss.Style) {
		for i := range t.Headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := colWidths[i] - lipgloss.Width(cell)
			if pad < 0 {
				pad = 0
			}
			sb.WriteString(style.Render(cell))
			sb.WriteString(strings.Repeat(" ", pad))
			if i < len(t.Headers)-1 {
				sb.WriteString("  ")
			}
		}
		sb.WriteString("\n")
	}

	writeRow(t.Headers, styles.Bold)
	total := 0
	for _, w := range colWidths {
		total += w + 2
	}
	sb.WriteString(styles.RenderDivider(total - 2))
	sb.WriteString("\n")
	for _, row := range t.Rows {
		writeRow(row, styles.Body)
	}
	return sb.String()
}

func truncate(s string, l int) string {
	r := []rune(s)
	if l <= 3 || len(r) <= l {
		return s
	}
	return string(r[:l-3]) + "..."
}
