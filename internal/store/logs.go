package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"arca/internal/logging"
	"arca/internal/sse"
)

// SaveEntry appends one streamed log line for a job. A line whose event id is
// already cached for the job is ignored.
func (s *Store) SaveEntry(jobID string, e sse.Entry) error {
	if jobID == "" {
		return fmt.Errorf("store: job id required")
	}
	ts := e.Time
	if ts.IsZero() {
		ts = e.Received
	}
	received := e.Received
	if received.IsZero() {
		received = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO log_entries (job_id, seq, event_id, ts, level, stage, message, raw, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, int64(e.Seq), e.ID, ts.UnixMilli(), e.Level, e.Stage, e.Message, e.Raw, received.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save log entry: %w", err)
	}
	return nil
}

// Entries returns up to limit cached lines of a job, newest first.
// limit <= 0 returns every line.
func (s *Store) Entries(jobID string, limit int) ([]sse.Entry, error) {
	query := `
		SELECT seq, event_id, ts, level, stage, message, raw, received_at
		FROM log_entries WHERE job_id = ? ORDER BY id DESC`
	args := []interface{}{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var out []sse.Entry
	for rows.Next() {
		var (
			e        sse.Entry
			seq      int64
			ts       int64
			received int64
		)
		if err := rows.Scan(&seq, &e.ID, &ts, &e.Level, &e.Stage, &e.Message, &e.Raw, &received); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Seq = uint64(seq)
		e.JobID = jobID
		e.Time = time.UnixMilli(ts)
		e.Received = time.UnixMilli(received)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEventID returns the event id of the newest cached line of a job that
// has one, or "" when there is none.
func (s *Store) LastEventID(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	err := s.db.QueryRow(`
		SELECT event_id FROM log_entries
		WHERE job_id = ? AND event_id != ''
		ORDER BY id DESC LIMIT 1`, jobID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last event id: %w", err)
	}
	return id, nil
}

// CountEntries returns the number of cached lines for a job.
func (s *Store) CountEntries(jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM log_entries WHERE job_id = ?", jobID).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return n, nil
}

// Recorder persists a consumer's entries and status events for one job.
// It implements sse.Observer and sse.StatusObserver.
type Recorder struct {
	store *Store
	jobID string
}

// Recorder returns an observer that caches the stream of jobID.
func (s *Store) Recorder(jobID string) *Recorder {
	return &Recorder{store: s, jobID: jobID}
}

func (r *Recorder) ObserveState(c sse.StateChange) {
	logging.StoreDebug("stream for %s: %s -> %s", r.jobID, c.From, c.To)
}

func (r *Recorder) ObserveEntry(e sse.Entry) {
	if err := r.store.SaveEntry(r.jobID, e); err != nil {
		logging.Get(logging.CategoryStore).Warn("dropping log line for %s: %v", r.jobID, err)
	}
}

func (r *Recorder) ObserveStatus(st sse.Status) {
	if err := r.store.UpdateStage(r.jobID, st); err != nil {
		logging.Get(logging.CategoryStore).Warn("dropping status for %s: %v", r.jobID, err)
	}
}
