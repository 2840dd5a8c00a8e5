package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MaxHistorySize caps the tracked job ids; the oldest entries are evicted.
const MaxHistorySize = 50

// DefaultHistoryKey is the fixed session key the id list persists under.
const DefaultHistoryKey = "pedalboard:job_history"

// KV is the persistence port behind the history list. Implementations may
// lose data (quota, eviction, session end); the history tolerates that.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// History is a bounded, deduplicated, most-recent-first list of submitted job
// ids owned by one session. Mutations persist synchronously but best-effort:
// a persistence failure never affects the in-memory state.
type History struct {
	mu  sync.Mutex
	kv  KV
	key string
	ids []string
}

// NewHistory loads any persisted list and returns the container. A load
// failure or absent key yields an empty history, not an error.
func NewHistory(ctx context.Context, kv KV, key string) *History {
	if key == "" {
		key = DefaultHistoryKey
	}
	h := &History{kv: kv, key: key}

	if kv != nil {
		if data, ok, err := kv.Get(ctx, key); err == nil && ok {
			var ids []string
			if json.Unmarshal(data, &ids) == nil {
				h.ids = dedupe(ids)
			}
		}
	}
	return h
}

// dedupe keeps the first occurrence of each id and enforces the size cap, so
// a tampered or stale persisted payload cannot break the list invariants.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) == MaxHistorySize {
			break
		}
	}
	return out
}

// Add records a job id at the front. An id already present is promoted, not
// duplicated; the list is truncated to MaxHistorySize from the tail.
func (h *History) Add(ctx context.Context, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make([]string, 0, len(h.ids)+1)
	next = append(next, jobID)
	for _, id := range h.ids {
		if id != jobID {
			next = append(next, id)
		}
	}
	if len(next) > MaxHistorySize {
		next = next[:MaxHistorySize]
	}
	h.ids = next
	h.persist(ctx)
}

// Clear empties the list and the persisted copy.
func (h *History) Clear(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = nil
	if h.kv != nil {
		_ = h.kv.Delete(ctx, h.key)
	}
}

// List returns a copy of the ids, most recent first.
func (h *History) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.ids))
	copy(out, h.ids)
	return out
}

func (h *History) persist(ctx context.Context) {
	if h.kv == nil {
		return
	}
	data, err := json.Marshal(h.ids)
	if err != nil {
		return
	}
	// Best-effort: the session store being unavailable must not break the app.
	_ = h.kv.Set(ctx, h.key, data)
}

// RedisKV persists session state in Redis.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps a Redis client as a KV port.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
