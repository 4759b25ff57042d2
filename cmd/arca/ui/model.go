package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"arca/internal/api"
	"arca/internal/config"
	"arca/internal/dashboard"
	"arca/internal/logging"
)

// Page identifies a dashboard tab.
type Page int

const (
	PipelinePage Page = iota
	LogsPage
	ClientsPage
	AnalysisPage
	QualityPage
	TypologyPage
)

var pageNames = []string{"Pipeline", "Logs", "Clients", "Analysis", "Quality", "Typology"}

func (p Page) String() string {
	if p < 0 || int(p) >= len(pageNames) {
		return fmt.Sprintf("Page(%d)", int(p))
	}
	return pageNames[p]
}

const (
	logRefreshInterval = 500 * time.Millisecond
	requestTimeout     = 30 * time.Second
)

// SnapshotLoader loads the job dashboard. *dashboard.Loader satisfies it.
type SnapshotLoader interface {
	Load(ctx context.Context, jobID string) (*dashboard.Snapshot, error)
}

// ClientBackend serves the clients and analysis pages. *api.Client satisfies it.
type ClientBackend interface {
	Clients(ctx context.Context, f api.ClientFilter) (*api.ClientPage, error)
	Analysis(ctx context.Context, clientID string) (*api.Analysis, error)
}

// Deps wires the dashboard to its data sources.
type Deps struct {
	JobID   string
	Loader  SnapshotLoader
	Clients ClientBackend
	Logs    LogSource // nil disables the logs page stream
	UI      config.UIConfig
}

// =============================================================================
// MESSAGES
// =============================================================================

type snapshotMsg struct {
	snap *dashboard.Snapshot
	err  error
}

type clientsMsg struct {
	page *api.ClientPage
	err  error
}

type analysisMsg struct {
	client   api.Customer
	analysis *api.Analysis
	err      error
}

type refreshTickMsg struct{ gen int }

type logTickMsg struct{}

// ConfigMsg delivers a reloaded UI configuration to a running dashboard.
type ConfigMsg struct {
	UI config.UIConfig
}

// =============================================================================
// MODEL
// =============================================================================

type globalKeyMap struct {
	Next    key.Binding
	Prev    key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

var globalKeys = globalKeyMap{
	Next:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next page")),
	Prev:    key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "prev page")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k globalKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Refresh, k.Help, k.Quit}
}

func (k globalKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Prev, k.Refresh, k.Help, k.Quit},
		logsKeys.ShortHelp(),
		clientsKeys.ShortHelp(),
	}
}

// Model is the root dashboard model.
type Model struct {
	ctx    context.Context
	deps   Deps
	styles Styles
	uiCfg  config.UIConfig

	page     Page
	pipeline PipelinePageModel
	logs     LogsPageModel
	clients  ClientsPageModel
	analysis AnalysisPageModel
	quality  QualityPageModel
	typology TypologyPageModel

	spinner  spinner.Model
	help     help.Model
	resize   *ResizeDebouncer
	loading  bool
	snap     *dashboard.Snapshot
	lastErr  error
	tickGen  int
	width    int
	height   int
	ready    bool
	quitting bool
}

// NewModel creates the dashboard for deps.JobID.
func NewModel(ctx context.Context, deps Deps) Model {
	if deps.UI.Theme == "" {
		deps.UI = config.DefaultUIConfig()
	}
	styles := NewStyles(ThemeByName(deps.UI.Theme))

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	return Model{
		ctx:      ctx,
		deps:     deps,
		styles:   styles,
		uiCfg:    deps.UI,
		pipeline: NewPipelinePageModel(styles),
		logs:     NewLogsPageModel(deps.Logs, styles),
		clients:  NewClientsPageModel(deps.JobID, deps.UI.ClientPageSize, styles),
		analysis: NewAnalysisPageModel(styles, deps.UI.MarkdownWidth),
		quality:  NewQualityPageModel(styles),
		typology: NewTypologyPageModel(styles),
		spinner:  sp,
		help:     help.New(),
		resize:   NewResizeDebouncer(DefaultResizeDuration),
		loading:  true,
	}
}

// Page returns the active tab.
func (m Model) Page() Page { return m.page }

// Snapshot returns the last loaded dashboard snapshot.
func (m Model) Snapshot() *dashboard.Snapshot { return m.snap }

// Init starts the first load and the refresh timers.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.loadSnapshot(),
		refreshTick(m.uiCfg.GetRefreshInterval(), m.tickGen),
		logTick(),
	)
}

func (m Model) loadSnapshot() tea.Cmd {
	loader, jobID, parent := m.deps.Loader, m.deps.JobID, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		snap, err := loader.Load(ctx, jobID)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) loadClients(f api.ClientFilter) tea.Cmd {
	backend, parent := m.deps.Clients, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		page, err := backend.Clients(ctx, f)
		return clientsMsg{page: page, err: err}
	}
}

func (m Model) loadAnalysis(c api.Customer) tea.Cmd {
	backend, parent := m.deps.Clients, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		a, err := backend.Analysis(ctx, c.ID)
		return analysisMsg{client: c, analysis: a, err: err}
	}
}

// scheduleRefresh arms the periodic reload. The generation guards against
// stale ticks after the interval is changed by a config reload.
func (m *Model) scheduleRefresh() tea.Cmd {
	m.tickGen++
	return refreshTick(m.uiCfg.GetRefreshInterval(), m.tickGen)
}

func refreshTick(d time.Duration, gen int) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return refreshTickMsg{gen: gen} })
}

func logTick() tea.Cmd {
	return tea.Tick(logRefreshInterval, func(time.Time) tea.Msg { return logTickMsg{} })
}

func (m *Model) setStyles(styles Styles) {
	m.styles = styles
	m.spinner.Style = styles.Spinner
	m.pipeline.SetStyles(styles)
	m.logs.SetStyles(styles)
	m.clients.SetStyles(styles)
	m.analysis.SetStyles(styles)
	m.quality.SetStyles(styles)
	m.typology.SetStyles(styles)
}

func (m *Model) layout(w, h int) {
	m.width, m.height = w, h
	headerHeight := 3 // title, tabs, divider
	footerHeight := 2
	ch := h - headerHeight - footerHeight
	if ch < 3 {
		ch = 3
	}
	cw := w - 4
	if cw < 20 {
		cw = 20
	}
	m.pipeline.SetSize(cw, ch)
	m.logs.SetSize(cw, ch)
	m.clients.SetSize(cw, ch)
	m.analysis.SetSize(cw, ch)
	m.quality.SetSize(cw, ch)
	m.typology.SetSize(cw, ch)
	m.help.Width = w
	m.ready = true
}

func (m *Model) applySnapshot(snap *dashboard.Snapshot) {
	m.snap = snap
	m.pipeline.UpdateContent(snap.Job, snap.Err(dashboard.PanelJob))
	m.quality.UpdateContent(snap.Quality, snap.Err(dashboard.PanelQuality))
	m.typology.UpdateContent(snap.Typology, snap.Err(dashboard.PanelTypology))

	// Only seed the table while the user is on the default page of the list.
	f := m.clients.Filter()
	if f.Page == 1 && f.Search == "" && f.Typology == "" {
		m.clients.UpdateContent(snap.Clients, snap.Err(dashboard.PanelClients))
	}
}

func (m Model) jobFinished() bool {
	return m.snap != nil && m.snap.Job != nil && m.snap.Job.Status.Terminal()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.layout(msg.Width, msg.Height)
			return m, nil
		}
		return m, m.resize.Resize(msg.Width, msg.Height)

	case resizeSettledMsg:
		if w, h, ok := m.resize.Settled(msg); ok {
			m.layout(w, h)
		}
		return m, nil

	case snapshotMsg:
		m.loading = false
		m.lastErr = msg.err
		if msg.err == nil && msg.snap != nil {
			m.applySnapshot(msg.snap)
		}
		return m, nil

	case clientsMsg:
		m.clients.UpdateContent(msg.page, msg.err)
		return m, nil

	case analysisMsg:
		m.analysis.UpdateContent(msg.client, msg.analysis, msg.err)
		return m, nil

	case clientsRequestMsg:
		return m, m.loadClients(msg.filter)

	case analysisRequestMsg:
		m.page = AnalysisPage
		m.analysis.UpdateContent(msg.client, nil, nil)
		return m, m.loadAnalysis(msg.client)

	case refreshTickMsg:
		if msg.gen != m.tickGen {
			return m, nil
		}
		next := m.scheduleRefresh()
		if m.loading || m.jobFinished() {
			return m, next
		}
		m.loading = true
		return m, tea.Batch(next, m.loadSnapshot(), m.spinner.Tick)

	case logTickMsg:
		m.logs.UpdateContent()
		return m, logTick()

	case ConfigMsg:
		logging.UI("applying reloaded ui config (theme=%s refresh=%s)", msg.UI.Theme, msg.UI.RefreshInterval)
		themeChanged := msg.UI.Theme != m.uiCfg.Theme
		intervalChanged := msg.UI.GetRefreshInterval() != m.uiCfg.GetRefreshInterval()
		m.uiCfg = msg.UI
		if themeChanged {
			m.setStyles(NewStyles(ThemeByName(msg.UI.Theme)))
		}
		if intervalChanged {
			return m, m.scheduleRefresh()
		}
		return m, nil

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.updatePage(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.quitting = true
		return m, tea.Quit
	}
	// The search box owns the keyboard while it has focus.
	if m.page == ClientsPage && m.clients.Searching() {
		return m.updatePage(msg)
	}

	switch {
	case key.Matches(msg, globalKeys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, globalKeys.Next):
		m.page = (m.page + 1) % Page(len(pageNames))
		return m, nil
	case key.Matches(msg, globalKeys.Prev):
		m.page = (m.page + Page(len(pageNames)) - 1) % Page(len(pageNames))
		return m, nil
	case key.Matches(msg, globalKeys.Refresh):
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.loadSnapshot(), m.spinner.Tick)
	case key.Matches(msg, globalKeys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}

	if s := msg.String(); len(s) == 1 && s[0] >= '1' && s[0] <= '0'+byte(len(pageNames)) {
		m.page = Page(s[0] - '1')
		return m, nil
	}
	return m.updatePage(msg)
}

func (m Model) updatePage(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.page {
	case PipelinePage:
	case LogsPage:
		m.logs, cmd = m.logs.Update(msg)
	case ClientsPage:
		m.clients, cmd = m.clients.Update(msg)
	case AnalysisPage:
		m.analysis, cmd = m.analysis.Update(msg)
	case QualityPage:
		m.quality, cmd = m.quality.Update(msg)
	case TypologyPage:
		m.typology, cmd = m.typology.Update(msg)
	}
	return m, cmd
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	title := "Arca  job " + m.deps.JobID
	if m.loading {
		title += "  " + m.spinner.View()
	} else if m.snap != nil {
		title += "  " + m.styles.Muted.Render("updated "+m.snap.LoadedAt.Format("15:04:05"))
	}
	sb.WriteString(m.styles.Header.Render(title))
	sb.WriteString("\n")
	sb.WriteString(m.renderTabs())
	sb.WriteString("\n")
	sb.WriteString(m.styles.RenderDivider(m.width))
	sb.WriteString("\n")

	var body string
	switch m.page {
	case PipelinePage:
		body = m.pipeline.View()
	case LogsPage:
		body = m.logs.View()
	case ClientsPage:
		body = m.clients.View()
	case AnalysisPage:
		body = m.analysis.View()
	case QualityPage:
		body = m.quality.View()
	case TypologyPage:
		body = m.typology.View()
	}
	sb.WriteString(m.styles.Content.Render(body))
	sb.WriteString("\n")

	if m.lastErr != nil {
		sb.WriteString(m.styles.Error.Render("refresh failed: " + m.lastErr.Error()))
		sb.WriteString("\n")
	}
	sb.WriteString(m.styles.Footer.Render(m.help.View(globalKeys)))
	return sb.String()
}

func (m Model) renderTabs() string {
	tabs := make([]string, len(pageNames))
	for i, name := range pageNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if Page(i) == m.page {
			tabs[i] = m.styles.ActiveTab.Render(label)
		} else {
			tabs[i] = m.styles.Tab.Render(label)
		}
	}
	return strings.Join(tabs, "")
}
