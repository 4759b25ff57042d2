package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arca/internal/backoff"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:    srv.URL,
		Token:      "secret",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		Backoff:    backoff.Policy{Initial: time.Millisecond, Multiplier: 2, Max: 4 * time.Millisecond},
	})
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := New(Options{BaseURL: "https://rac.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://rac.example.com", c.BaseURL())
}

func TestClient_JobSendsHeaders(t *testing.T) {
	var got http.Header
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/jobs/job-1", r.URL.Path)
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":     "job-1",
			"status": "running",
			"stage":  "vision",
			"stages": []map[string]interface{}{
				{"name": "geocoding", "status": "completed", "processed": 40, "total": 40},
				{"name": "vision", "status": "running", "processed": 10, "total": 40},
			},
		})
	}))

	job, err := c.Job(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	vision, ok := job.StageByName(StageVision)
	require.True(t, ok)
	assert.InDelta(t, 0.25, vision.Ratio(), 1e-9)

	assert.Equal(t, "Bearer secret", got.Get("Authorization"))
	assert.Equal(t, "arca-cli", got.Get("User-Agent"))
	_, err = uuid.Parse(got.Get("X-Request-ID"))
	assert.NoError(t, err)
}

func TestClient_GetRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, Health{Status: "ok", Version: "2.1.0"})
	}))

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK())
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GetGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Health(context.Background())
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusBadGateway, ae.Status)
	assert.Equal(t, "Bad Gateway", ae.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-Request-ID", "srv-123")
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "job not found"})
	}))

	_, err := c.Job(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())

	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "job not found", ae.Message)
	assert.Equal(t, "srv-123", ae.RequestID)
	assert.Contains(t, ae.Error(), "request srv-123")
}

func TestClient_PostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]string{"code": "queue_unavailable", "message": "redis down"},
		})
	}))

	_, err := c.StartJob(context.Background(), "up-1", JobOptions{})
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "queue_unavailable", ae.Code)
	assert.Equal(t, "redis down", ae.Message)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_StartJobPayload(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]interface{}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		assert.Equal(t, "up-7", body["upload_id"])
		assert.Equal(t, true, body["skip_vision"])
		writeJSON(w, http.StatusCreated, Job{ID: "job-7", UploadID: "up-7", Status: JobQueued})
	}))

	job, err := c.StartJob(context.Background(), "up-7", JobOptions{SkipVision: true})
	require.NoError(t, err)
	assert.Equal(t, "job-7", job.ID)
	assert.False(t, job.Status.Terminal())
}

func TestClient_Upload(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/uploads", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "clientes.csv", hdr.Filename)
		assert.Equal(t, "nombre,direccion\nFarmacia Sol,Calle 1\n", string(data))
		writeJSON(w, http.StatusCreated, Upload{ID: "up-1", Filename: hdr.Filename, Rows: 1, Size: int64(len(data))})
	}))

	up, err := c.Upload(context.Background(), "clientes.csv", strings.NewReader("nombre,direccion\nFarmacia Sol,Calle 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "up-1", up.ID)
	assert.Equal(t, 1, up.Rows)

	_, err = c.Upload(context.Background(), "", strings.NewReader(""))
	assert.Error(t, err)
}

func TestClient_ClientsQuery(t *testing.T) {
	var q url.Values
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query()
		writeJSON(w, http.StatusOK, ClientPage{
			Items:    []Customer{{ID: "c1", Name: "Farmacia Sol", Typology: "pharmacy"}},
			Total:    51,
			PageSize: 25,
		})
	}))

	page, err := c.Clients(context.Background(), ClientFilter{Search: "sol", Typology: "pharmacy", PageSize: 25})
	require.NoError(t, err)

	want := url.Values{
		"search":    {"sol"},
		"typology":  {"pharmacy"},
		"page":      {"1"},
		"page_size": {"25"},
	}
	if diff := cmp.Diff(want, q); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 3, page.Pages())
	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].Geocoded())
}

func TestClient_CancelUsesDelete(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeJSON(w, http.StatusOK, Job{ID: "j", Status: JobCancelled})
	}))
	job, err := c.CancelJob(context.Background(), "j")
	require.NoError(t, err)
	assert.True(t, job.Status.Terminal())
}

func TestClient_ReportsAndAnalysis(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/j1/quality", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, QualityReport{
			JobID: "j1", TotalRows: 10, ValidRows: 8, Score: 0.8,
			Issues: []QualityIssue{{Row: 2, Field: "address", Severity: "error"}, {Row: 5, Field: "phone", Severity: "warning"}, {Row: 6, Field: "phone", Severity: "warning"}},
		})
	})
	mux.HandleFunc("/api/v1/jobs/j1/typologies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, TypologySummary{JobID: "j1", Total: 10, Buckets: []TypologyBucket{{Typology: "bakery", Count: 4, Share: 0.4}}})
	})
	mux.HandleFunc("/api/v1/clients/c1/analysis", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Analysis{ClientID: "c1", Typology: "bakery", Summary: "## Storefront\nBread display visible."})
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	q, err := c.QualityReport(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"error": 1, "warning": 2}, q.IssuesBySeverity())

	ty, err := c.Typologies(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, ty.Buckets, 1)

	a, err := c.Analysis(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, a.Summary, "Storefront")
}

func TestClient_CookieJar(t *testing.T) {
	var sawCookie atomic.Bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("session"); err == nil && ck.Value == "abc" {
			sawCookie.Store(true)
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		writeJSON(w, http.StatusOK, Health{Status: "ok"})
	}))

	_, err := c.Health(context.Background())
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, sawCookie.Load())
}

func TestClient_LogStreamURL(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:8000"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/v1/jobs/job-1/logs/stream", c.LogStreamURL("job-1"))
	assert.Equal(t, "http://localhost:8000/api/v1/jobs/a%2Fb/logs/stream", c.LogStreamURL("a/b"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &APIError{Status: 500}, true},
		{"429", &APIError{Status: 429}, true},
		{"400", &APIError{Status: 400}, false},
		{"401", &APIError{Status: 401}, false},
		{"transport", fmt.Errorf("wrap: %w", &url.Error{Op: "Get", URL: "x", Err: errors.New("refused")}), true},
		{"canceled", &url.Error{Op: "Get", URL: "x", Err: context.Canceled}, false},
		{"decode", errors.New("api: decode: bad json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsUnauthorized(t *testing.T) {
	assert.True(t, IsUnauthorized(&APIError{Status: http.StatusForbidden}))
	assert.False(t, IsUnauthorized(errors.New("x")))
}
