package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedalboard-service/internal/models"
)

func historyOf(ids ...string) *History {
	h := NewHistory(context.Background(), nil, "")
	for i := len(ids) - 1; i >= 0; i-- {
		h.Add(context.Background(), ids[i])
	}
	return h
}

func TestRefreshEmptyHistorySkipsFetch(t *testing.T) {
	called := false
	fetcher := BatchFetcherFunc(func(context.Context, []string) (map[string]models.Job, error) {
		called = true
		return nil, nil
	})

	r := NewReconciler(historyOf(), fetcher, nil)
	assert.Nil(t, r.Refresh(context.Background()))
	assert.False(t, called, "empty history must not hit the store")
}

func TestRefreshProjectsHistoryOrder(t *testing.T) {
	fetcher := BatchFetcherFunc(func(_ context.Context, ids []string) (map[string]models.Job, error) {
		// Store ordering is arbitrary; only membership matters.
		out := make(map[string]models.Job)
		for _, id := range ids {
			out[id] = models.Job{ID: id, Status: models.StatusProcessing}
		}
		return out, nil
	})

	r := NewReconciler(historyOf("c", "a", "b"), fetcher, nil)
	jobs := r.Refresh(context.Background())

	require.Len(t, jobs, 3)
	assert.Equal(t, "c", jobs[0].ID)
	assert.Equal(t, "a", jobs[1].ID)
	assert.Equal(t, "b", jobs[2].ID)
}

func TestRefreshDropsExpiredIDs(t *testing.T) {
	fetcher := BatchFetcherFunc(func(context.Context, []string) (map[string]models.Job, error) {
		return map[string]models.Job{
			"b": {ID: "b", Status: models.StatusCompleted},
		}, nil
	})

	r := NewReconciler(historyOf("a", "b", "c"), fetcher, nil)
	jobs := r.Refresh(context.Background())

	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)
}

func TestRefreshSwallowsFetchError(t *testing.T) {
	fetcher := BatchFetcherFunc(func(context.Context, []string) (map[string]models.Job, error) {
		return nil, errors.New("store unavailable")
	})

	r := NewReconciler(historyOf("a"), fetcher, nil)
	assert.Nil(t, r.Refresh(context.Background()))
}

func TestRefreshHighlightsNewCompletionsOnce(t *testing.T) {
	status := models.StatusProcessing
	fetcher := BatchFetcherFunc(func(context.Context, []string) (map[string]models.Job, error) {
		return map[string]models.Job{"a": {ID: "a", Status: status}}, nil
	})

	hl := NewHighlights()
	r := NewReconciler(historyOf("a"), fetcher, hl)

	r.Refresh(context.Background())
	assert.False(t, hl.Consume("a"), "not completed yet")

	status = models.StatusCompleted
	r.Refresh(context.Background())
	assert.True(t, hl.Consume("a"))

	r.Refresh(context.Background())
	assert.False(t, hl.Consume("a"), "already-seen completion is not re-highlighted")
}
