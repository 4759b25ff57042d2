package api

import "time"

// =============================================================================
// JOBS
// =============================================================================

// JobStatus is the lifecycle state of a pipeline job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not change state again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Pipeline stage names, in execution order.
const (
	StageIngest     = "ingest"
	StageGeocoding  = "geocoding"
	StageEnrichment = "enrichment"
	StageVision     = "vision"
	StageTypology   = "typology"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{StageIngest, StageGeocoding, StageEnrichment, StageVision, StageTypology}

// StageProgress is the progress of one pipeline stage.
type StageProgress struct {
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Failed    int       `json:"failed"`
	Message   string    `json:"message,omitempty"`
}

// Ratio returns processed/total clamped to [0, 1].
func (s StageProgress) Ratio() float64 {
	if s.Status == JobCompleted {
		return 1
	}
	if s.Total <= 0 {
		return 0
	}
	r := float64(s.Processed) / float64(s.Total)
	if r > 1 {
		return 1
	}
	return r
}

// Job is one run of the pipeline over an uploaded spreadsheet.
type Job struct {
	ID         string          `json:"id"`
	UploadID   string          `json:"upload_id"`
	Filename   string          `json:"filename,omitempty"`
	Status     JobStatus       `json:"status"`
	Stage      string          `json:"stage"`
	Progress   float64         `json:"progress"`
	Stages     []StageProgress `json:"stages,omitempty"`
	Total      int             `json:"total_clients"`
	Processed  int             `json:"processed_clients"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// StageByName returns the progress of the named stage.
func (j Job) StageByName(name string) (StageProgress, bool) {
	for _, s := range j.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageProgress{}, false
}

// Duration returns how long the job ran, up to now if still running.
func (j Job) Duration(now time.Time) time.Duration {
	if j.CreatedAt.IsZero() {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(j.CreatedAt)
}

// JobOptions controls which stages a new job runs.
type JobOptions struct {
	Stages     []string `json:"stages,omitempty"`
	SkipVision bool     `json:"skip_vision,omitempty"`
	Force      bool     `json:"force,omitempty"` // reprocess clients already enriched
}

// ListOptions filters the job list.
type ListOptions struct {
	Status JobStatus
	Limit  int
	Offset int
}

// Upload is a spreadsheet accepted by the backend.
type Upload struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// Health is the backend health report.
type Health struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	QueueDepth int               `json:"queue_depth"`
	Components map[string]string `json:"components,omitempty"`
}

// OK reports whether the backend considers itself healthy.
func (h Health) OK() bool {
	return h.Status == "ok" || h.Status == "healthy"
}

// =============================================================================
// CLIENTS
// =============================================================================

// Customer is one business from an uploaded spreadsheet, enriched by the pipeline.
type Customer struct {
	ID         string   `json:"id"`
	JobID      string   `json:"job_id"`
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	City       string   `json:"city"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Website    string   `json:"website,omitempty"`
	PlaceID    string   `json:"place_id,omitempty"`
	Rating     float64  `json:"rating,omitempty"`
	Reviews    int      `json:"reviews,omitempty"`
	Typology   string   `json:"typology,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Status     string   `json:"status"`
}

// Geocoded reports whether the client has coordinates.
func (c Customer) Geocoded() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// ClientFilter selects a page of clients.
type ClientFilter struct {
	JobID    string
	Search   string
	Typology string
	Page     int // 1-based
	PageSize int
}

// ClientPage is one page of the client list.
type ClientPage struct {
	Items    []Customer `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// Pages returns the number of pages for the filter that produced p.
func (p ClientPage) Pages() int {
	if p.PageSize <= 0 {
		return 1
	}
	n := (p.Total + p.PageSize - 1) / p.PageSize
	if n == 0 {
		return 1
	}
	return n
}

// Analysis is the AI vision result for one client.
type Analysis struct {
	ClientID   string    `json:"client_id"`
	Model      string    `json:"model"`
	Typology   string    `json:"typology"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"` // markdown
	Signals    []string  `json:"signals,omitempty"`
	Images     int       `json:"images"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// =============================================================================
// REPORTS
// =============================================================================

// FieldQuality is the completeness of one spreadsheet column.
type FieldQuality struct {
	Field        string  `json:"field"`
	Completeness float64 `json:"completeness"` // 0..1
	Missing      int     `json:"missing"`
	Invalid      int     `json:"invalid"`
}

// QualityIssue is one row-level data problem.
type QualityIssue struct {
	Row      int    `json:"row"`
	Field    string `json:"field"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// QualityReport summarizes the data quality of a job's input.
type QualityReport struct {
	JobID     string         `json:"job_id"`
	TotalRows int            `json:"total_rows"`
	ValidRows int            `json:"valid_rows"`
	Score     float64        `json:"score"` // 0..1
	Fields    []FieldQuality `json:"fields"`
	Issues    []QualityIssue `json:"issues"`
}

// IssuesBySeverity counts issues per severity.
func (q QualityReport) IssuesBySeverity() map[string]int {
	out := make(map[string]int)
	for _, is := range q.Issues {
		out[is.Severity]++
	}
	return out
}

// TypologyBucket is the share of clients in one typology.
type TypologyBucket struct {
	Typology      string  `json:"typology"`
	Count         int     `json:"count"`
	Share         float64 `json:"share"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// TypologySummary is the typology distribution of a job.
type TypologySummary struct {
	JobID        string           `json:"job_id"`
	Total        int              `json:"total"`
	Unclassified int              `json:"unclassified"`
	Buckets      []TypologyBucket `json:"buckets"`
}
