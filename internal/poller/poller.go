// Package poller repeatedly fetches a resource until it reaches a final state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arca/internal/api"
	"arca/internal/logging"
)

// ErrTooManyFailures wraps the last fetch error once MaxFailures is exceeded.
var ErrTooManyFailures = errors.New("poller: too many consecutive failures")

// Poller calls Fetch every Interval until Done reports true, the context ends,
// or more than MaxFailures consecutive fetches fail.
type Poller[T any] struct {
	Interval    time.Duration
	MaxFailures int
	Fetch       func(ctx context.Context) (T, error)
	Done        func(T) bool

	// OnUpdate receives every successful result. Optional.
	OnUpdate func(T)
	// OnError receives every failed fetch with the consecutive failure count. Optional.
	OnError func(err error, failures int)
	// Fatal marks errors that end polling at once, regardless of MaxFailures. Optional.
	Fatal func(error) bool
}

// Run polls until completion and returns the final result.
func (p *Poller[T]) Run(ctx context.Context) (T, error) {
	var zero T
	if p.Fetch == nil {
		return zero, fmt.Errorf("poller: Fetch is required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for polls := 1; ; polls++ {
		v, err := p.Fetch(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			failures++
			logging.PollDebug("poll %d failed (%d consecutive): %v", polls, failures, err)
			if p.OnError != nil {
				p.OnError(err, failures)
			}
			if p.Fatal != nil && p.Fatal(err) {
				return zero, err
			}
			if failures > p.MaxFailures {
				return zero, fmt.Errorf("%w (%d): %w", ErrTooManyFailures, failures, err)
			}
		default:
			failures = 0
			if p.OnUpdate != nil {
				p.OnUpdate(v)
			}
			if p.Done == nil || p.Done(v) {
				logging.Poll("poll finished after %d calls", polls)
				return v, nil
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// JobFetcher is the part of api.Client that WaitJob needs.
type JobFetcher interface {
	Job(ctx context.Context, id string) (*api.Job, error)
}

// WaitJob polls a job until it completes, fails or is cancelled. A missing
// job or rejected credentials end the wait immediately.
func WaitJob(ctx context.Context, c JobFetcher, id string, interval time.Duration, maxFailures int, onUpdate func(*api.Job)) (*api.Job, error) {
	p := &Poller[*api.Job]{
		Interval:    interval,
		MaxFailures: maxFailures,
		Fetch: func(ctx context.Context) (*api.Job, error) {
			return c.Job(ctx, id)
		},
		Done:     func(j *api.Job) bool { return j.Status.Terminal() },
		OnUpdate: onUpdate,
		Fatal: func(err error) bool {
			return api.IsNotFound(err) || api.IsUnauthorized(err)
		},
	}
	job, err := p.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for job %s: %w", id, err)
	}
	return job, nil
}
