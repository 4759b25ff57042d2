package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"arca/internal/api"
	"arca/internal/config"
	"arca/internal/sse"
	"arca/internal/store"
)

// testEnv points the global config at an httptest backend and a temp cache.
func testEnv(t *testing.T, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.API.MaxRetries = 0
	cfg.Store.DatabasePath = filepath.Join(t.TempDir(), "cache.db")
	cfg.Poll.Interval = "5ms"
	cfg.Stream = config.StreamConfig{
		InitialDelay: "5ms",
		Multiplier:   2,
		MaxDelay:     "20ms",
		MaxRetries:   1,
		BufferSize:   10,
	}
	cfg.UI.Theme = "light"
	noCache = false
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	return cmd, buf
}

func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testJob(status api.JobStatus) api.Job {
	return api.Job{
		ID:        "job-1",
		Filename:  "clients.xlsx",
		Status:    status,
		Stage:     api.StageGeocoding,
		Progress:  0.5,
		Total:     40,
		Processed: 20,
		CreatedAt: time.Now().Add(-time.Minute),
		Stages: []api.StageProgress{
			{Name: api.StageIngest, Status: "completed", Processed: 40, Total: 40},
			{Name: api.StageGeocoding, Status: "running", Processed: 20, Total: 40, Failed: 2},
		},
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.Store.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// =============================================================================
// JOBS
// =============================================================================

func TestRunHealth(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		writeJSON(w, 200, api.Health{Status: "ok", Version: "2.3.0", QueueDepth: 4, Components: map[string]string{"redis": "ok", "db": "ok"}})
	}))
	cmd, out := newTestCmd()

	require.NoError(t, runHealth(cmd, nil))
	assert.Contains(t, out.String(), "ok (version 2.3.0, 4 queued)")
	assert.Less(t, strings.Index(out.String(), "db"), strings.Index(out.String(), "redis"))
}

func TestRunHealth_Degraded(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, api.Health{Status: "degraded"})
	}))
	cmd, _ := newTestCmd()
	assert.ErrorContains(t, runHealth(cmd, nil), "backend reports degraded")
}

func TestRunUpload_Start(t *testing.T) {
	var started atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "name;city\n", string(data))
		writeJSON(w, 201, api.Upload{ID: "up-1", Filename: hdr.Filename, Rows: 1})
	})
	mux.HandleFunc("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]interface{}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		assert.Equal(t, "up-1", body["upload_id"])
		assert.Equal(t, true, body["skip_vision"])
		started.Store(true)
		writeJSON(w, 201, testJob(api.JobQueued))
	})
	testEnv(t, mux)
	setFlag(t, &uploadStart, true)
	setFlag(t, &uploadSkipVision, true)

	path := filepath.Join(t.TempDir(), "clients.csv")
	require.NoError(t, os.WriteFile(path, []byte("name;city\n"), 0644))

	cmd, out := newTestCmd()
	require.NoError(t, runUpload(cmd, []string{path}))
	assert.True(t, started.Load())
	assert.Contains(t, out.String(), "Uploaded clients.csv as up-1 (1 rows)")
	assert.Contains(t, out.String(), "Started job job-1")

	j, err := openTestStore(t).Job("job-1")
	require.NoError(t, err)
	assert.Equal(t, api.JobQueued, j.Status)
}

func TestRunUpload_MissingFile(t *testing.T) {
	testEnv(t, http.NotFoundHandler())
	cmd, _ := newTestCmd()
	assert.Error(t, runUpload(cmd, []string{filepath.Join(t.TempDir(), "nope.xlsx")}))
}

func TestRunJobs(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, 200, map[string]interface{}{"items": []api.Job{testJob(api.JobRunning)}})
	}))
	setFlag(t, &jobsStatus, "running")
	setFlag(t, &jobsLimit, 5)

	cmd, out := newTestCmd()
	require.NoError(t, runJobs(cmd, nil))
	assert.Contains(t, out.String(), "job-1")
	assert.Contains(t, out.String(), "clients.xlsx")
	assert.Contains(t, out.String(), " 50%")
}

func TestRunStatus_FallsBackToCache(t *testing.T) {
	var down atomic.Bool
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			writeJSON(w, 503, map[string]string{"detail": "maintenance"})
			return
		}
		writeJSON(w, 200, testJob(api.JobRunning))
	}))

	cmd, out := newTestCmd()
	require.NoError(t, runStatus(cmd, []string{"job-1"}))
	assert.Contains(t, out.String(), "Job job-1 (clients.xlsx)")
	assert.Contains(t, out.String(), "20/40")
	assert.Contains(t, out.String(), "pending")

	down.Store(true)
	cmd, out = newTestCmd()
	require.NoError(t, runStatus(cmd, []string{"job-1"}))
	assert.Contains(t, out.String(), "(cached, backend unavailable")
	assert.Contains(t, out.String(), "Job job-1")

	setFlag(t, &noCache, true)
	cmd, _ = newTestCmd()
	assert.Error(t, runStatus(cmd, []string{"job-1"}))
}

func TestRunStatus_Wait(t *testing.T) {
	var calls atomic.Int32
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, 200, testJob(api.JobRunning))
			return
		}
		j := testJob(api.JobCompleted)
		j.Stage = api.StageTypology
		j.Progress = 1
		writeJSON(w, 200, j)
	}))
	setFlag(t, &statusWait, true)

	cmd, out := newTestCmd()
	require.NoError(t, runStatus(cmd, []string{"job-1"}))
	assert.Equal(t, 1, strings.Count(out.String(), "running   geocoding"))
	assert.Contains(t, out.String(), "completed typology")
}

func TestRunStatus_WaitFailedJob(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j := testJob(api.JobFailed)
		j.Error = "geocoder quota exhausted"
		writeJSON(w, 200, j)
	}))
	setFlag(t, &statusWait, true)

	cmd, _ := newTestCmd()
	assert.ErrorContains(t, runStatus(cmd, []string{"job-1"}), "geocoder quota exhausted")
}

func TestRunCancel(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/jobs/job-1", r.URL.Path)
		writeJSON(w, 200, testJob(api.JobCancelled))
	}))

	cmd, out := newTestCmd()
	require.NoError(t, runCancel(cmd, []string{"job-1"}))
	assert.Equal(t, "Job job-1 is cancelled\n", out.String())
}

// =============================================================================
// LOGS
// =============================================================================

func sseHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/job-1/logs/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: status\ndata: {\"job_id\":\"job-1\",\"stage\":\"geocoding\",\"status\":\"running\",\"progress\":0.5}\n\n")
		fmt.Fprint(w, "id: 1\ndata: {\"level\":\"info\",\"message\":\"geocoding started\"}\n\n")
		fmt.Fprint(w, "id: 2\ndata: {\"level\":\"warn\",\"message\":\"address not found\"}\n\n")
		fmt.Fprint(w, "event: end\ndata: done\n\n")
	})
}

func TestRunLogs_FollowAndCache(t *testing.T) {
	testEnv(t, sseHandler(t))
	setFlag(t, &logsFollow, true)
	setFlag(t, &logsTail, 0)

	cmd, out := newTestCmd()
	require.NoError(t, runLogs(cmd, []string{"job-1"}))
	assert.Contains(t, out.String(), "geocoding started")
	assert.Contains(t, out.String(), "address not found")
	assert.Contains(t, out.String(), "stream ended (2 lines)")

	// The followed lines were cached, oldest printed first.
	setFlag(t, &logsFollow, false)
	setFlag(t, &logsTail, 10)
	cmd, out = newTestCmd()
	require.NoError(t, runLogs(cmd, []string{"job-1"}))
	assert.Less(t, strings.Index(out.String(), "geocoding started"), strings.Index(out.String(), "address not found"))

	cmd, out = newTestCmd()
	require.NoError(t, runHistory(cmd, []string{"job-1"}))
	assert.Contains(t, out.String(), "2 cached log lines")
	assert.Contains(t, out.String(), "geocoding")
}

func TestRunLogs_FollowTwiceResumes(t *testing.T) {
	var (
		mu        sync.Mutex
		resumeIDs []string
	)
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resumeIDs = append(resumeIDs, r.Header.Get("Last-Event-ID"))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		// The whole log is replayed on every connection.
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, "id: %d\ndata: {\"level\":\"info\",\"message\":\"row %d geocoded\"}\n\n", i, i)
		}
		fmt.Fprint(w, "event: end\ndata:\n\n")
	}))
	setFlag(t, &logsFollow, true)
	setFlag(t, &logsTail, 0)

	for i := 0; i < 2; i++ {
		cmd, _ := newTestCmd()
		require.NoError(t, runLogs(cmd, []string{"job-1"}))
	}
	mu.Lock()
	assert.Equal(t, []string{"", "3"}, resumeIDs)
	mu.Unlock()

	st := openTestStore(t)
	n, err := st.CountEntries("job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	setFlag(t, &logsFollow, false)
	setFlag(t, &logsTail, 10)
	cmd, out := newTestCmd()
	require.NoError(t, runLogs(cmd, []string{"job-1"}))
	assert.Equal(t, 1, strings.Count(out.String(), "row 2 geocoded"))
}

func TestRunLogs_FollowFails(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	setFlag(t, &logsFollow, true)
	setFlag(t, &logsTail, 0)

	cmd, out := newTestCmd()
	err := runLogs(cmd, []string{"job-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sse.ErrMaxRetries)
	assert.Contains(t, out.String(), "stream lost")
}

func TestRunLogs_NoCache(t *testing.T) {
	testEnv(t, http.NotFoundHandler())
	setFlag(t, &noCache, true)
	setFlag(t, &logsFollow, false)
	setFlag(t, &logsTail, 5)

	cmd, _ := newTestCmd()
	assert.ErrorContains(t, runLogs(cmd, []string{"job-1"}), "no local cache")
}

func TestRunHistoryAndPrune(t *testing.T) {
	testEnv(t, http.NotFoundHandler())
	st := openTestStore(t)
	require.NoError(t, st.SaveJob(testJob(api.JobCompleted)))
	require.NoError(t, st.SaveEntry("job-1", sse.Entry{Level: sse.LevelInfo, Message: "done", Time: time.Now()}))

	cmd, out := newTestCmd()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "job-1")
	assert.Contains(t, out.String(), "completed")

	cmd, out = newTestCmd()
	assert.ErrorContains(t, runHistory(cmd, []string{"job-9"}), "not in the cache")

	cmd, out = newTestCmd()
	require.NoError(t, runPrune(cmd, nil))
	assert.Contains(t, out.String(), "Pruned 0 log lines and 0 jobs")
}

// =============================================================================
// CLIENTS AND REPORTS
// =============================================================================

func TestRunClients(t *testing.T) {
	lat, lng := 45.46, 9.19
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		got := map[string]string{"job_id": q.Get("job_id"), "search": q.Get("search"), "page": q.Get("page"), "page_size": q.Get("page_size")}
		want := map[string]string{"job_id": "job-1", "search": "roma", "page": "2", "page_size": "25"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("query mismatch (-want +got):\n%s", diff)
		}
		writeJSON(w, 200, api.ClientPage{Page: 2, PageSize: 25, Total: 30, Items: []api.Customer{
			{ID: "c1", Name: "Bar Roma", City: "Milano", Typology: "bar", Confidence: 0.9, Latitude: &lat, Longitude: &lng},
		}})
	}))
	setFlag(t, &clientsJob, "job-1")
	setFlag(t, &clientsSearch, "roma")
	setFlag(t, &clientsPage, 2)

	cmd, out := newTestCmd()
	require.NoError(t, runClients(cmd, nil))
	assert.Contains(t, out.String(), "Bar Roma")
	assert.Contains(t, out.String(), "90%")
	assert.Contains(t, out.String(), "page 2/2  30 clients")
}

func TestRunClient(t *testing.T) {
	testEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/clients/c1", r.URL.Path)
		writeJSON(w, 200, api.Customer{ID: "c1", Name: "Bar Roma", Rating: 4.4, Reviews: 80})
	}))

	cmd, out := newTestCmd()
	require.NoError(t, runClient(cmd, []string{"c1"}))
	assert.Contains(t, out.String(), "Bar Roma")
	assert.Contains(t, out.String(), "4.4 (80 reviews)")
}

func TestRunAnalysis(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/clients/c1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, api.Customer{ID: "c1", Name: "Bar Roma"})
	})
	mux.HandleFunc("/api/v1/clients/c1/analysis", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, api.Analysis{ClientID: "c1", Typology: "bar", Confidence: 0.8, Summary: "Corner bar with terrace."})
	})
	mux.HandleFunc("/api/v1/clients/c2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, api.Customer{ID: "c2", Name: "Osteria"})
	})
	mux.HandleFunc("/api/v1/clients/c2/analysis", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, map[string]string{"detail": "not analyzed"})
	})
	testEnv(t, mux)
	setFlag(t, &analysisRaw, true)

	cmd, out := newTestCmd()
	require.NoError(t, runAnalysis(cmd, []string{"c1"}))
	assert.Contains(t, out.String(), "# Bar Roma")
	assert.Contains(t, out.String(), "Corner bar with terrace.")

	cmd, out = newTestCmd()
	require.NoError(t, runAnalysis(cmd, []string{"c2"}))
	assert.Contains(t, out.String(), "No analysis yet")

	cmd, _ = newTestCmd()
	assert.Error(t, runAnalysis(cmd, []string{"c3"}))
}

func TestRunReports(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/job-1/quality", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, map[string]string{"detail": "not ready"})
	})
	mux.HandleFunc("/api/v1/jobs/job-1/typologies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, api.TypologySummary{JobID: "job-1", Total: 3, Buckets: []api.TypologyBucket{{Typology: "bar", Count: 3, Share: 1}}})
	})
	testEnv(t, mux)

	cmd, out := newTestCmd()
	require.NoError(t, runQuality(cmd, []string{"job-1"}))
	assert.Contains(t, out.String(), "No quality report yet.")

	cmd, out = newTestCmd()
	require.NoError(t, runTypology(cmd, []string{"job-1"}))
	assert.Contains(t, out.String(), "3 clients classified")
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfigCommands(t *testing.T) {
	t.Setenv("ARCA_API_URL", "")
	t.Setenv("ARCA_API_TOKEN", "secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	rootCmd.SetArgs([]string{"--config", path, "config", "init"})
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, path)

	rootCmd.SetArgs([]string{"--config", path, "config", "init"})
	assert.ErrorContains(t, rootCmd.Execute(), "already exists")

	out.Reset()
	rootCmd.SetArgs([]string{"--config", path, "config", "show"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "base_url: http://localhost:8000")
	assert.Contains(t, out.String(), "********")
	assert.NotContains(t, out.String(), "secret")
}

func TestStreamOptions(t *testing.T) {
	got := streamOptions(config.DefaultStreamConfig())
	want := sse.DefaultOptions()
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b func() float64) bool { return a == nil && b == nil })); diff != "" {
		t.Errorf("stream options mismatch (-want +got):\n%s", diff)
	}
}
