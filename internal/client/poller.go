package client

import (
	"context"
	"time"

	"pedalboard-service/internal/models"
)

// Fetcher reads a single job record; typically backed by the HTTP API or the
// store directly.
type Fetcher interface {
	FetchJob(ctx context.Context, jobID string) (*models.Job, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, jobID string) (*models.Job, error)

func (f FetcherFunc) FetchJob(ctx context.Context, jobID string) (*models.Job, error) {
	return f(ctx, jobID)
}

// Poller tracks a single job to a terminal state with bounded retries.
// Each job gets its own independent poll loop; loops share nothing.
type Poller struct {
	fetcher     Fetcher
	interval    time.Duration
	maxAttempts int
	highlights  *Highlights

	// sleep is injectable so tests run without real timers. It returns false
	// if the context was cancelled during the wait.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewPoller constructs a poller. highlights may be nil.
func NewPoller(fetcher Fetcher, interval time.Duration, maxAttempts int, highlights *Highlights) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	return &Poller{
		fetcher:     fetcher,
		interval:    interval,
		maxAttempts: maxAttempts,
		highlights:  highlights,
		sleep:       defaultSleep,
	}
}

// PollUntilComplete fetches the job until it reaches a terminal status.
// It returns the record on the first terminal observation (completed or
// failed both end polling), nil immediately on a fetch error, and nil after
// maxAttempts without a terminal status. A nil result is "unknown", not
// "failed": the job may still finish and a later refresh recovers it from
// the durable store.
func (p *Poller) PollUntilComplete(ctx context.Context, jobID string) *models.Job {
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if !p.sleep(ctx, p.interval) {
				return nil
			}
		}

		job, err := p.fetcher.FetchJob(ctx, jobID)
		if err != nil {
			// Fail fast on transport errors; no retry at this layer.
			return nil
		}
		if job == nil {
			return nil
		}
		if models.IsTerminal(job.Status) {
			if p.highlights != nil && job.Status == models.StatusCompleted {
				p.highlights.Add(jobID)
			}
			return job
		}
	}
	return nil
}

// Watch runs PollUntilComplete on its own goroutine and hands the outcome
// (possibly nil) to done.
func (p *Poller) Watch(ctx context.Context, jobID string, done func(*models.Job)) {
	go func() {
		done(p.PollUntilComplete(ctx, jobID))
	}()
}

func defaultSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
