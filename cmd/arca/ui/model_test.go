package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arca/internal/api"
	"arca/internal/config"
	"arca/internal/dashboard"
)

type fakeLoader struct {
	mu    sync.Mutex
	calls []string
	snap  *dashboard.Snapshot
	err   error
}

func (f *fakeLoader) Load(_ context.Context, jobID string) (*dashboard.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return f.snap, f.err
}

type fakeBackend struct {
	filters  []api.ClientFilter
	analysis *api.Analysis
}

func (f *fakeBackend) Clients(_ context.Context, filter api.ClientFilter) (*api.ClientPage, error) {
	f.filters = append(f.filters, filter)
	return clientPage(filter.Page, 5), nil
}

func (f *fakeBackend) Analysis(_ context.Context, clientID string) (*api.Analysis, error) {
	if f.analysis == nil {
		return nil, &api.APIError{Status: 404}
	}
	return f.analysis, nil
}

func testSnapshot(status api.JobStatus) *dashboard.Snapshot {
	return &dashboard.Snapshot{
		JobID:    "job-1",
		Job:      &api.Job{ID: "job-1", Status: status, Stage: api.StageVision, Progress: 0.6},
		Quality:  &api.QualityReport{JobID: "job-1", TotalRows: 4, ValidRows: 3, Score: 0.75},
		Typology: &api.TypologySummary{JobID: "job-1", Total: 4, Buckets: []api.TypologyBucket{{Typology: "bar", Count: 4, Share: 1}}},
		Clients:  clientPage(1, 5),
		Errors:   map[dashboard.Panel]error{},
		LoadedAt: time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC),
	}
}

func newTestModel(t *testing.T) (Model, *fakeLoader, *fakeBackend) {
	t.Helper()
	loader := &fakeLoader{snap: testSnapshot(api.JobRunning)}
	backend := &fakeBackend{}
	ui := config.DefaultUIConfig()
	ui.Theme = "light"
	m := NewModel(context.Background(), Deps{
		JobID:   "job-1",
		Loader:  loader,
		Clients: backend,
		UI:      ui,
	})
	m.analysis.glamStyle = "notty"
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model), loader, backend
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestModel_InitialLoad(t *testing.T) {
	m, loader, _ := newTestModel(t)
	assert.NotNil(t, m.Init())

	msg := m.loadSnapshot()()
	assert.Equal(t, []string{"job-1"}, loader.calls)

	m, _ = update(t, m, msg)
	assert.False(t, m.loading)
	require.NotNil(t, m.Snapshot())
	assert.Contains(t, m.View(), "updated 09:15:00")
	assert.Contains(t, m.View(), "job-1")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("5")})
	assert.Equal(t, QualityPage, m.Page())
	assert.Contains(t, m.View(), "3/4 rows valid")
}

func TestModel_LoadErrorShown(t *testing.T) {
	m, loader, _ := newTestModel(t)
	loader.snap, loader.err = nil, errors.New("connection refused")

	m, _ = update(t, m, m.loadSnapshot()())
	assert.Contains(t, m.View(), "refresh failed: connection refused")
}

func TestModel_TabNavigation(t *testing.T) {
	m, _, _ := newTestModel(t)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, LogsPage, m.Page())

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, TypologyPage, m.Page())

	m, _ = update(t, m, runes("3"))
	assert.Equal(t, ClientsPage, m.Page())

	m, _ = update(t, m, runes("9"))
	assert.Equal(t, ClientsPage, m.Page())
	assert.Equal(t, "Clients", m.Page().String())
}

func TestModel_Quit(t *testing.T) {
	m, _, _ := newTestModel(t)

	m, cmd := update(t, m, runes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, "", m.View())
}

func TestModel_SearchCapturesKeys(t *testing.T) {
	m, _, _ := newTestModel(t)
	m, _ = update(t, m, m.loadSnapshot()())

	m, _ = update(t, m, runes("3"))
	m, _ = update(t, m, runes("/"))
	m, _ = update(t, m, runes("q"))
	assert.Equal(t, ClientsPage, m.Page())
	assert.True(t, m.clients.Searching())
	assert.NotEmpty(t, m.View(), "q is typed into the search box")

	m, _ = update(t, m, runes("2"))
	assert.Equal(t, ClientsPage, m.Page())
}

func TestModel_ClientsRequest(t *testing.T) {
	m, _, backend := newTestModel(t)
	m, _ = update(t, m, m.loadSnapshot()())
	m, _ = update(t, m, runes("3"))

	m, cmd := update(t, m, runes("n"))
	require.NotNil(t, cmd)
	m, cmd = update(t, m, cmd())
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())

	require.Len(t, backend.filters, 1)
	assert.Equal(t, 2, backend.filters[0].Page)
	assert.Equal(t, "job-1", backend.filters[0].JobID)

	// A background refresh must not reset the page the user navigated to.
	m, _ = update(t, m, m.loadSnapshot()())
	assert.Equal(t, 2, m.clients.Filter().Page)
}

func TestModel_OpenAnalysis(t *testing.T) {
	m, _, backend := newTestModel(t)
	backend.analysis = &api.Analysis{ClientID: "c1", Typology: "bar", Confidence: 0.9, Summary: "Busy corner bar."}

	m, cmd := update(t, m, analysisRequestMsg{client: api.Customer{ID: "c1", Name: "Bar Roma"}})
	assert.Equal(t, AnalysisPage, m.Page())
	require.NotNil(t, cmd)

	m, _ = update(t, m, cmd())
	assert.Contains(t, m.analysis.Markdown(), "Busy corner bar.")
}

func TestModel_RefreshTick(t *testing.T) {
	m, loader, _ := newTestModel(t)
	m, _ = update(t, m, m.loadSnapshot()())

	_, cmd := update(t, m, refreshTickMsg{gen: m.tickGen + 7})
	assert.Nil(t, cmd, "stale tick is ignored")

	m, cmd = update(t, m, refreshTickMsg{gen: m.tickGen})
	require.NotNil(t, cmd)
	assert.True(t, m.loading)

	// A finished job stops polling but keeps the timer armed.
	loader.snap = testSnapshot(api.JobCompleted)
	m, _ = update(t, m, m.loadSnapshot()())
	m, cmd = update(t, m, refreshTickMsg{gen: m.tickGen})
	require.NotNil(t, cmd)
	assert.False(t, m.loading)
}

func TestModel_ConfigReload(t *testing.T) {
	m, _, _ := newTestModel(t)
	gen := m.tickGen

	ui := config.DefaultUIConfig()
	ui.Theme = "dark"
	m, cmd := update(t, m, ConfigMsg{UI: ui})
	assert.True(t, m.styles.Theme.IsDark)
	assert.Nil(t, cmd, "interval unchanged")

	ui.RefreshInterval = "1s"
	m, cmd = update(t, m, ConfigMsg{UI: ui})
	assert.NotNil(t, cmd)
	assert.Equal(t, gen+1, m.tickGen)
}

func TestModel_ResizeDebounced(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.resize = NewResizeDebouncer(0)

	m, cmd := update(t, m, tea.WindowSizeMsg{Width: 60, Height: 20})
	require.NotNil(t, cmd)
	assert.Equal(t, 120, m.width)

	m, _ = update(t, m, cmd())
	assert.Equal(t, 60, m.width)
	assert.Equal(t, 20, m.height)
}
