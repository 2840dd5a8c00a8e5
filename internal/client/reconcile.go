package client

import (
	"context"
	"sync"

	"pedalboard-service/internal/models"
)

// BatchFetcher reads many job records at once; unknown ids are simply absent
// from the result.
type BatchFetcher interface {
	BatchFetchJobs(ctx context.Context, jobIDs []string) (map[string]models.Job, error)
}

// BatchFetcherFunc adapts a function to BatchFetcher.
type BatchFetcherFunc func(ctx context.Context, jobIDs []string) (map[string]models.Job, error)

func (f BatchFetcherFunc) BatchFetchJobs(ctx context.Context, jobIDs []string) (map[string]models.Job, error) {
	return f(ctx, jobIDs)
}

// Reconciler merges the local history with the durable store. The store's
// batch fetch makes no ordering promise, so results are re-projected into
// history order; ids the store no longer knows (TTL expiry) are dropped
// silently.
type Reconciler struct {
	history    *History
	fetcher    BatchFetcher
	highlights *Highlights

	mu            sync.Mutex
	lastCompleted map[string]bool
}

// NewReconciler wires a reconciler. highlights may be nil.
func NewReconciler(history *History, fetcher BatchFetcher, highlights *Highlights) *Reconciler {
	return &Reconciler{
		history:       history,
		fetcher:       fetcher,
		highlights:    highlights,
		lastCompleted: make(map[string]bool),
	}
}

// Refresh returns the tracked job records in history order. An empty history
// short-circuits without a store round-trip. A fetch failure yields nil:
// read errors never propagate past this boundary, a refresh simply shows
// nothing new.
func (r *Reconciler) Refresh(ctx context.Context) []models.Job {
	ids := r.history.List()
	if len(ids) == 0 {
		return nil
	}

	records, err := r.fetcher.BatchFetchJobs(ctx, ids)
	if err != nil {
		return nil
	}

	out := make([]models.Job, 0, len(records))
	for _, id := range ids {
		job, ok := records[id]
		if !ok {
			continue
		}
		out = append(out, job)
		r.noteCompletion(id, job.Status)
	}
	return out
}

// noteCompletion adds an id to the highlight set the first time it is seen
// completed.
func (r *Reconciler) noteCompletion(id, status string) {
	if status != models.StatusCompleted {
		return
	}
	r.mu.Lock()
	seen := r.lastCompleted[id]
	r.lastCompleted[id] = true
	r.mu.Unlock()

	if !seen && r.highlights != nil {
		r.highlights.Add(id)
	}
}

// Highlights is the "recently completed" set: the poller or reconciler adds,
// the presentation layer consumes on display.
type Highlights struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewHighlights returns an empty set.
func NewHighlights() *Highlights {
	return &Highlights{ids: make(map[string]struct{})}
}

// Add marks a job as newly completed.
func (h *Highlights) Add(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids[jobID] = struct{}{}
}

// Consume reports whether the job was newly completed and clears the mark,
// so the highlight shows exactly once.
func (h *Highlights) Consume(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.ids[jobID]
	if ok {
		delete(h.ids, jobID)
	}
	return ok
}
