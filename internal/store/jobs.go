package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arca/internal/api"
	"arca/internal/logging"
	"arca/internal/sse"
)

// SaveJob stores the latest snapshot of a job, replacing any previous one.
func (s *Store) SaveJob(job api.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveJob(s.db, job)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) saveJob(db execer, job api.Job) error {
	if job.ID == "" {
		return fmt.Errorf("store: job id required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO job_snapshots (job_id, status, stage, progress, filename, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			stage = excluded.stage,
			progress = excluded.progress,
			filename = excluded.filename,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		job.ID, string(job.Status), job.Stage, job.Progress, job.Filename, string(payload), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// UpdateStage folds a stream status event into the cached snapshot,
// creating a minimal one if the job was never saved. The read and the write
// happen in one transaction under the store lock.
func (s *Store) UpdateStage(jobID string, st sse.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin stage update: %w", err)
	}
	defer tx.Rollback()

	job, err := loadJob(tx, jobID)
	if errors.Is(err, ErrNotFound) {
		job = &api.Job{ID: jobID}
	} else if err != nil {
		return err
	}
	if st.Stage != "" {
		job.Stage = st.Stage
	}
	if st.Status != "" {
		job.Status = api.JobStatus(st.Status)
	}
	if st.Progress > 0 {
		job.Progress = st.Progress
	}
	if job.Status == "" {
		job.Status = api.JobRunning
	}
	if err := s.saveJob(tx, *job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage update: %w", err)
	}
	return nil
}

// Job returns the cached snapshot of one job.
func (s *Store) Job(jobID string) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadJob(s.db, jobID)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func loadJob(db queryer, jobID string) (*api.Job, error) {
	var payload string
	err := db.QueryRow("SELECT payload FROM job_snapshots WHERE job_id = ?", jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job api.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// JobSnapshot is a cached job with the time it was last written.
type JobSnapshot struct {
	api.Job
	CachedAt time.Time
}

// Jobs returns up to limit cached jobs, most recently updated first.
func (s *Store) Jobs(limit int) ([]JobSnapshot, error) {
	query := "SELECT payload, updated_at FROM job_snapshots ORDER BY updated_at DESC, job_id"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobSnapshot
	for rows.Next() {
		var (
			payload string
			updated int64
		)
		if err := rows.Scan(&payload, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var snap JobSnapshot
		if err := json.Unmarshal([]byte(payload), &snap.Job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		snap.CachedAt = time.UnixMilli(updated)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneStats reports what Prune removed.
type PruneStats struct {
	Entries int64
	Jobs    int64
}

// Prune deletes log lines received, and job snapshots written, more than
// olderThan ago.
func (s *Store) Prune(olderThan time.Duration) (PruneStats, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return PruneStats{}, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	var stats PruneStats
	res, err := tx.Exec("DELETE FROM log_entries WHERE received_at < ?", cutoff)
	if err != nil {
		return PruneStats{}, fmt.Errorf("failed to prune log entries: %w", err)
	}
	stats.Entries, _ = res.RowsAffected()

	res, err = tx.Exec("DELETE FROM job_snapshots WHERE updated_at < ?", cutoff)
	if err != nil {
		return PruneStats{}, fmt.Errorf("failed to prune jobs: %w", err)
	}
	stats.Jobs, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PruneStats{}, fmt.Errorf("failed to commit prune: %w", err)
	}
	if stats.Entries > 0 || stats.Jobs > 0 {
		logging.Store("Pruned %d log lines and %d jobs older than %v", stats.Entries, stats.Jobs, olderThan)
	}
	return stats, nil
}
