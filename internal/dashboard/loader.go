// Package dashboard gathers everything the job dashboard shows in one
// concurrent round of backend calls.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"arca/internal/api"
	"arca/internal/logging"
)

// Panel names a section of the dashboard.
type Panel string

const (
	PanelJob      Panel = "job"
	PanelQuality  Panel = "quality"
	PanelTypology Panel = "typology"
	PanelClients  Panel = "clients"
)

// Backend is the subset of api.Client the loader calls.
type Backend interface {
	Job(ctx context.Context, id string) (*api.Job, error)
	QualityReport(ctx context.Context, jobID string) (*api.QualityReport, error)
	Typologies(ctx context.Context, jobID string) (*api.TypologySummary, error)
	Clients(ctx context.Context, f api.ClientFilter) (*api.ClientPage, error)
}

// JobCache receives every job snapshot the loader fetches. *store.Store satisfies it.
type JobCache interface {
	SaveJob(job api.Job) error
}

// Snapshot is one load of the dashboard. A panel that failed has a nil value
// and an entry in Errors; the other panels are still usable.
type Snapshot struct {
	JobID    string
	Job      *api.Job
	Quality  *api.QualityReport
	Typology *api.TypologySummary
	Clients  *api.ClientPage
	Errors   map[Panel]error
	LoadedAt time.Time
	Duration time.Duration
}

// Err returns the error of one panel, nil if it loaded.
func (s *Snapshot) Err(p Panel) error {
	return s.Errors[p]
}

// Failed lists the panels that did not load, sorted.
func (s *Snapshot) Failed() []Panel {
	out := make([]Panel, 0, len(s.Errors))
	for p := range s.Errors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Complete reports whether every panel loaded.
func (s *Snapshot) Complete() bool {
	return len(s.Errors) == 0
}

// Loader fetches dashboard snapshots.
type Loader struct {
	backend  Backend
	cache    JobCache
	pageSize int
}

// NewLoader creates a loader. cache may be nil.
func NewLoader(backend Backend, cache JobCache, clientPageSize int) *Loader {
	if clientPageSize <= 0 {
		clientPageSize = 25
	}
	return &Loader{backend: backend, cache: cache, pageSize: clientPageSize}
}

// Load fetches the job, its quality report, its typology summary and the
// first page of its clients concurrently. It only returns an error when ctx
// ends; per-panel failures are reported in Snapshot.Errors.
func (l *Loader) Load(ctx context.Context, jobID string) (*Snapshot, error) {
	if jobID == "" {
		return nil, fmt.Errorf("dashboard: job id required")
	}
	start := time.Now()
	snap := &Snapshot{JobID: jobID, Errors: make(map[Panel]error)}

	var mu sync.Mutex
	fail := func(p Panel, err error) {
		mu.Lock()
		snap.Errors[p] = err
		mu.Unlock()
		logging.APIWarn("dashboard panel %s for %s failed: %v", p, jobID, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		job, err := l.backend.Job(egCtx, jobID)
		if err != nil {
			fail(PanelJob, err)
			return nil
		}
		mu.Lock()
		snap.Job = job
		mu.Unlock()
		if l.cache != nil {
			if err := l.cache.SaveJob(*job); err != nil {
				logging.StoreDebug("cache job %s: %v", jobID, err)
			}
		}
		return nil
	})

	eg.Go(func() error {
		q, err := l.backend.QualityReport(egCtx, jobID)
		if err != nil {
			fail(PanelQuality, err)
			return nil
		}
		mu.Lock()
		snap.Quality = q
		mu.Unlock()
		return nil
	})

	eg.Go(func() error {
		t, err := l.backend.Typologies(egCtx, jobID)
		if err != nil {
			fail(PanelTypology, err)
			return nil
		}
		mu.Lock()
		snap.Typology = t
		mu.Unlock()
		return nil
	})

	eg.Go(func() error {
		page, err := l.backend.Clients(egCtx, api.ClientFilter{JobID: jobID, Page: 1, PageSize: l.pageSize})
		if err != nil {
			fail(PanelClients, err)
			return nil
		}
		mu.Lock()
		snap.Clients = page
		mu.Unlock()
		return nil
	})

	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap.LoadedAt = time.Now()
	snap.Duration = snap.LoadedAt.Sub(start)
	logging.API("dashboard %s loaded in %v (%d panels failed)", jobID, snap.Duration, len(snap.Errors))
	return snap, nil
}
