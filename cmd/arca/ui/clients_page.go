package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"arca/internal/api"
)

// clientsRequestMsg asks the root model to fetch a page of clients.
type clientsRequestMsg struct {
	filter api.ClientFilter
}

// analysisRequestMsg asks the root model to open a client's analysis.
type analysisRequestMsg struct {
	client api.Customer
}

type clientsKeyMap struct {
	Next   key.Binding
	Prev   key.Binding
	Search key.Binding
	Open   key.Binding
}

var clientsKeys = clientsKeyMap{
	Next:   key.NewBinding(key.WithKeys("n", "right"), key.WithHelp("n", "next page")),
	Prev:   key.NewBinding(key.WithKeys("b", "left"), key.WithHelp("b", "prev page")),
	Search: key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
	Open:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "analysis")),
}

// ShortHelp implements help.KeyMap.
func (k clientsKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Prev, k.Search, k.Open}
}

// ClientsPageModel is a paginated client table with search.
type ClientsPageModel struct {
	table     table.Model
	search    textinput.Model
	searching bool
	filter    api.ClientFilter
	page      *api.ClientPage
	err       error
	styles    Styles
	width     int
}

// NewClientsPageModel creates the clients page for a job.
func NewClientsPageModel(jobID string, pageSize int, styles Styles) ClientsPageModel {
	if pageSize <= 0 {
		pageSize = 25
	}
	ti := textinput.New()
	ti.Placeholder = "name, city or address"
	ti.Prompt = "search: "
	ti.CharLimit = 120

	t := table.New(
		table.WithColumns(clientColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	m := ClientsPageModel{
		table:  t,
		search: ti,
		filter: api.ClientFilter{JobID: jobID, Page: 1, PageSize: pageSize},
		styles: styles,
		width:  80,
	}
	m.applyTableStyles()
	return m
}

func clientColumns(width int) []table.Column {
	name := width - 12 - 16 - 18 - 8 - 10
	if name < 16 {
		name = 16
	}
	return []table.Column{
		{Title: "ID", Width: 12},
		{Title: "Name", Width: name},
		{Title: "City", Width: 16},
		{Title: "Typology", Width: 18},
		{Title: "Conf.", Width: 8},
	}
}

func (m *ClientsPageModel) applyTableStyles() {
	s := table.DefaultStyles()
	s.Header = s.Header.BorderForeground(m.styles.Theme.Border).Bold(true)
	s.Selected = s.Selected.Foreground(m.styles.Theme.Accent).Bold(true)
	m.table.SetStyles(s)
}

// SetStyles switches theme.
func (m *ClientsPageModel) SetStyles(styles Styles) {
	m.styles = styles
	m.applyTableStyles()
}

// SetSize resizes the table.
func (m *ClientsPageModel) SetSize(w, h int) {
	m.width = w
	m.table.SetColumns(clientColumns(w))
	m.table.SetWidth(w)
	th := h - 3 // search/status line, pager
	if th < 3 {
		th = 3
	}
	m.table.SetHeight(th)
}

// Filter returns the filter of the page being shown or requested.
func (m ClientsPageModel) Filter() api.ClientFilter {
	return m.filter
}

// UpdateContent installs a fetched page.
func (m *ClientsPageModel) UpdateContent(page *api.ClientPage, err error) {
	m.err = err
	if page == nil {
		return
	}
	m.page = page
	rows := make([]table.Row, 0, len(page.Items))
	for _, c := range page.Items {
		conf := ""
		if c.Confidence > 0 {
			conf = fmt.Sprintf("%.0f%%", c.Confidence*100)
		}
		rows = append(rows, table.Row{c.ID, c.Name, c.City, orDash(c.Typology), conf})
	}
	m.table.SetRows(rows)
	m.table.SetCursor(0)
}

// Selected returns the highlighted client.
func (m ClientsPageModel) Selected() (api.Customer, bool) {
	if m.page == nil || len(m.page.Items) == 0 {
		return api.Customer{}, false
	}
	i := m.table.Cursor()
	if i < 0 || i >= len(m.page.Items) {
		return api.Customer{}, false
	}
	return m.page.Items[i], true
}

// Searching reports whether the search box has focus.
func (m ClientsPageModel) Searching() bool {
	return m.searching
}

func request(f api.ClientFilter) tea.Cmd {
	return func() tea.Msg { return clientsRequestMsg{filter: f} }
}

// Update handles messages.
func (m ClientsPageModel) Update(msg tea.Msg) (ClientsPageModel, tea.Cmd) {
	km, isKey := msg.(tea.KeyMsg)

	if m.searching {
		if isKey {
			switch km.Type {
			case tea.KeyEnter:
				m.searching = false
				m.search.Blur()
				m.table.Focus()
				m.filter.Search = strings.TrimSpace(m.search.Value())
				m.filter.Page = 1
				return m, request(m.filter)
			case tea.KeyEsc:
				m.searching = false
				m.search.Blur()
				m.table.Focus()
				m.search.SetValue(m.filter.Search)
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		return m, cmd
	}

	if isKey {
		switch {
		case key.Matches(km, clientsKeys.Search):
			m.searching = true
			m.table.Blur()
			return m, m.search.Focus()
		case key.Matches(km, clientsKeys.Next):
			if m.page != nil && m.filter.Page < m.page.Pages() {
				m.filter.Page++
				return m, request(m.filter)
			}
			return m, nil
		case key.Matches(km, clientsKeys.Prev):
			if m.filter.Page > 1 {
				m.filter.Page--
				return m, request(m.filter)
			}
			return m, nil
		case key.Matches(km, clientsKeys.Open):
			if c, ok := m.Selected(); ok {
				return m, func() tea.Msg { return analysisRequestMsg{client: c} }
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the page.
func (m ClientsPageModel) View() string {
	var sb strings.Builder
	switch {
	case m.searching:
		sb.WriteString(m.search.View())
	case m.filter.Search != "":
		sb.WriteString(m.styles.Muted.Render("search: " + m.filter.Search))
	default:
		sb.WriteString(m.styles.Muted.Render("/ to search"))
	}
	sb.WriteString("\n")

	if m.page == nil {
		if m.err != nil {
			sb.WriteString(m.styles.Error.Render("Clients unavailable: " + m.err.Error()))
		} else {
			sb.WriteString(m.styles.Muted.Render("Loading clients..."))
		}
		return sb.String()
	}
	if len(m.page.Items) == 0 {
		sb.WriteString(m.styles.Muted.Render("No clients match."))
		return sb.String()
	}

	sb.WriteString(m.table.View())
	sb.WriteString("\n")
	pager := fmt.Sprintf("page %d/%d  %d clients", m.filter.Page, m.page.Pages(), m.page.Total)
	sb.WriteString(m.styles.Muted.Render(pager))
	if m.err != nil {
		sb.WriteString("  " + m.styles.Warning.Render(m.err.Error()))
	}
	return sb.String()
}
