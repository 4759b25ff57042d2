// Package api is the REST client for the pipeline backend: uploads, jobs,
// clients, AI analysis and the quality and typology reports.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"arca/internal/backoff"
	"arca/internal/logging"
)

const (
	apiPrefix       = "/api/v1"
	maxErrorBody    = 64 << 10
	slowRequestWarn = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int // GET retries on transient failures
	UserAgent  string
	Backoff    backoff.Policy

	// HTTPClient replaces the default client. Its Jar and Timeout are kept.
	HTTPClient *http.Client
}

// Client talks to the pipeline backend.
type Client struct {
	base       *url.URL
	token      string
	userAgent  string
	maxRetries int
	policy     backoff.Policy
	httpClient *http.Client
}

// New creates a client for the backend at opts.BaseURL.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base URL required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: base URL must be http or https, got %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("api: cookie jar: %w", err)
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Jar: jar, Timeout: timeout}
	}

	policy := opts.Backoff
	if policy.Initial <= 0 {
		policy = backoff.Default()
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "arca-cli"
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		base:       base,
		token:      opts.Token,
		userAgent:  ua,
		maxRetries: maxRetries,
		policy:     policy,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Token returns the bearer token, empty if none.
func (c *Client) Token() string { return c.token }

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + apiPrefix + "/" + strings.Join(escaped, "/")
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

type request struct {
	method      string
	url         string
	query       url.Values
	body        []byte
	contentType string
	header      http.Header
}

// get issues an idempotent GET, retrying transient failures.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	req := request{method: http.MethodGet, url: endpoint, query: query}
	return backoff.Retry(ctx, c.policy, c.maxRetries, func(ctx context.Context) error {
		err := c.do(ctx, req, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logging.APIWarn("GET %s failed, retrying: %v", endpoint, err)
		return err
	})
}

// send issues a non-idempotent request exactly once.
func (c *Client) send(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	req := request{method: method, url: endpoint}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		req.body = body
		req.contentType = "application/json"
	}
	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	target := r.url
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	rl := logging.WithRequestID(logging.CategoryAPI, requestID).
		WithField("method", r.method).
		WithField("url", target)
	timer := logging.StartTimer(logging.CategoryAPI, r.method+" "+r.url)
	defer timer.StopWithThreshold(slowRequestWarn)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		rl.Warn("transport error: %v", err)
		return fmt.Errorf("api: %s %s: %w", r.method, r.url, err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("X-Request-ID"); id != "" {
		requestID = id
	}
	rl.Debug("status %d", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return parseAPIError(resp.StatusCode, data, requestID)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", r.url, err)
	}
	return nil
}

// =============================================================================
// SERVICE
// =============================================================================

// Health returns the backend health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, c.endpoint("health"), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Upload sends a client spreadsheet. The request carries an idempotency key
// so a resubmitted upload is not ingested twice.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*Upload, error) {
	if name == "" {
		return nil, fmt.Errorf("api: upload name required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("api: build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("api: read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("api: build upload: %w", err)
	}

	header := make(http.Header)
	header.Set("Idempotency-Key", uuid.NewString())

	var up Upload
	err = c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.endpoint("uploads"),
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
		header:      header,
	}, &up)
	if err != nil {
		return nil, err
	}
	logging.API("uploaded %s as %s (%d rows)", name, up.ID, up.Rows)
	return &up, nil
}

// =============================================================================
// JOBS
// =============================================================================

// StartJob starts a pipeline run over an upload.
func (c *Client) StartJob(ctx context.Context, uploadID string, opts JobOptions) (*Job, error) {
	payload := struct {
		UploadID string `json:"upload_id"`
		JobOptions
	}{uploadID, opts}

	var job Job
	if err := c.send(ctx, http.MethodPost, c.endpoint("jobs"), payload, &job); err != nil {
		return nil, err
	}
	logging.API("started job %s for upload %s", job.ID, uploadID)
	return &job, nil
}

// Job returns one job.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.get(ctx, c.endpoint("jobs", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists jobs, newest first.
func (c *Client) Jobs(ctx context.Context, opts ListOptions) ([]Job, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var resp struct {
		Items []Job `json:"items"`
	}
	if err := c.get(ctx, c.endpoint("jobs"), q, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// CancelJob asks the backend to stop a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodDelete, c.endpoint("jobs", id), nil, &job); err != nil {
		return nil, err
	}
	logging.API("cancelled job %s", id)
	return &job, nil
}

// LogStreamURL returns the SSE endpoint for a job's live logs.
func (c *Client) LogStreamURL(jobID string) string {
	return c.endpoint("jobs", jobID, "logs", "stream")
}

// =============================================================================
// CLIENTS
// =============================================================================

// Clients returns one page of clients.
func (c *Client) Clients(ctx context.Context, f ClientFilter) (*ClientPage, error) {
	q := url.Values{}
	if f.JobID != "" {
		q.Set("job_id", f.JobID)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Typology != "" {
		q.Set("typology", f.Typology)
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	if f.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.PageSize))
	}

	var p ClientPage
	if err := c.get(ctx, c.endpoint("clients"), q, &p); err != nil {
		return nil, err
	}
	if p.Page == 0 {
		p.Page = page
	}
	return &p, nil
}

// Client returns one client.
func (c *Client) Client(ctx context.Context, id string) (*Customer, error) {
	var cu Customer
	if err := c.get(ctx, c.endpoint("clients", id), nil, &cu); err != nil {
		return nil, err
	}
	return &cu, nil
}

// Analysis returns the AI vision analysis of a client.
func (c *Client) Analysis(ctx context.Context, clientID string) (*Analysis, error) {
	var a Analysis
	if err := c.get(ctx, c.endpoint("clients", clientID, "analysis"), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// =============================================================================
// REPORTS
// =============================================================================

// QualityReport returns the data-quality report of a job's input.
func (c *Client) QualityReport(ctx context.Context, jobID string) (*QualityReport, error) {
	var q QualityReport
	if err := c.get(ctx, c.endpoint("jobs", jobID, "quality"), nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Typologies returns the typology distribution of a job.
func (c *Client) Typologies(ctx context.Context, jobID string) (*TypologySummary, error) {
	var t TypologySummary
	if err := c.get(ctx, c.endpoint("jobs", jobID, "typologies"), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
