package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedalboard-service/internal/models"
)

func noSleep(p *Poller) {
	p.sleep = func(context.Context, time.Duration) bool { return true }
}

func TestPollerReturnsOnCompletion(t *testing.T) {
	calls := 0
	fetcher := FetcherFunc(func(_ context.Context, id string) (*models.Job, error) {
		calls++
		status := models.StatusProcessing
		if calls >= 3 {
			status = models.StatusCompleted
		}
		return &models.Job{ID: id, Status: status}, nil
	})

	p := NewPoller(fetcher, time.Second, 10, nil)
	noSleep(p)

	job := p.PollUntilComplete(context.Background(), "j1")
	require.NotNil(t, job)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 3, calls)
}

func TestPollerFailedStatusEndsPolling(t *testing.T) {
	fetcher := FetcherFunc(func(_ context.Context, id string) (*models.Job, error) {
		return &models.Job{ID: id, Status: models.StatusFailed}, nil
	})

	p := NewPoller(fetcher, time.Second, 10, nil)
	noSleep(p)

	job := p.PollUntilComplete(context.Background(), "j1")
	require.NotNil(t, job)
	assert.Equal(t, models.StatusFailed, job.Status)
}

func TestPollerFailsFastOnFetchError(t *testing.T) {
	calls := 0
	fetcher := FetcherFunc(func(context.Context, string) (*models.Job, error) {
		calls++
		return nil, errors.New("network down")
	})

	p := NewPoller(fetcher, time.Second, 10, nil)
	noSleep(p)

	assert.Nil(t, p.PollUntilComplete(context.Background(), "j1"))
	assert.Equal(t, 1, calls, "no retry after a fetch error")
}

func TestPollerGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	fetcher := FetcherFunc(func(_ context.Context, id string) (*models.Job, error) {
		calls++
		return &models.Job{ID: id, Status: models.StatusProcessing}, nil
	})

	p := NewPoller(fetcher, time.Second, 5, nil)
	noSleep(p)

	assert.Nil(t, p.PollUntilComplete(context.Background(), "j1"))
	assert.Equal(t, 5, calls)
}

func TestPollerStopsOnCancelledContext(t *testing.T) {
	fetcher := FetcherFunc(func(_ context.Context, id string) (*models.Job, error) {
		return &models.Job{ID: id, Status: models.StatusProcessing}, nil
	})

	p := NewPoller(fetcher, time.Millisecond, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, p.PollUntilComplete(ctx, "j1"))
}

func TestPollerMarksCompletionHighlight(t *testing.T) {
	fetcher := FetcherFunc(func(_ context.Context, id string) (*models.Job, error) {
		return &models.Job{ID: id, Status: models.StatusCompleted}, nil
	})

	hl := NewHighlights()
	p := NewPoller(fetcher, time.Second, 10, hl)
	noSleep(p)

	require.NotNil(t, p.PollUntilComplete(context.Background(), "j1"))
	assert.True(t, hl.Consume("j1"))
	assert.False(t, hl.Consume("j1"), "highlight shows once")
}
