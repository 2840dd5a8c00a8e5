package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pedalboard-service/internal/models"
)

// ErrNotFound is returned when a job id has no row (or the row has expired).
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when a create hits a duplicate id or a conditional
// status transition loses to another writer. Callers treat a transition
// conflict as a duplicate delivery, never as a hard failure.
var ErrConflict = errors.New("job status conflict")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	InputKey         string
	EffectChain      []models.EffectConfig
	OriginalFilename string
	TTL              time.Duration
}

// CreateJob inserts a pending job row and returns it. The generated id is
// assigned exactly once; a duplicate insert surfaces as ErrConflict.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.TTL == 0 {
		p.TTL = 7 * 24 * time.Hour
	}

	chainJSON, err := json.Marshal(p.EffectChain)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal effect chain: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	expires := now.Add(p.TTL)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, input_key, effect_chain, original_filename, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, id, models.StatusPending, p.InputKey, chainJSON, emptyToNil(p.OriginalFilename), now, expires)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, fmt.Errorf("insert job %s: %w", id, ErrConflict)
	}

	return models.Job{
		ID:               id,
		Status:           models.StatusPending,
		InputKey:         p.InputKey,
		EffectChain:      p.EffectChain,
		OriginalFilename: emptyToNil(p.OriginalFilename),
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        expires,
	}, nil
}

const jobColumns = `id, status, input_key, output_key, input_normalized_key, output_normalized_key,
	effect_chain, original_filename, error_message, created_at, updated_at, completed_at, expires_at`

// GetJob fetches a job by id. Rows past their TTL are treated as gone.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = $1 AND expires_at > NOW()
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// BatchGetJobs fetches up to len(ids) jobs keyed by id. Missing and expired
// ids are simply absent from the result; that is not an error.
func (s *Store) BatchGetJobs(ctx context.Context, ids []string) (map[string]models.Job, error) {
	out := make(map[string]models.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = ANY($1) AND expires_at > NOW()
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("batch query jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out[job.ID] = job
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// TransitionOption sets terminal fields alongside a status transition.
type TransitionOption func(*transitionParams)

type transitionParams struct {
	OutputKey           *string
	InputNormalizedKey  *string
	OutputNormalizedKey *string
	ErrorMessage        *string
}

// WithOutputKeys attaches the result object keys on a transition to completed.
func WithOutputKeys(output, inputNorm, outputNorm string) TransitionOption {
	return func(p *transitionParams) {
		p.OutputKey = &output
		p.InputNormalizedKey = &inputNorm
		p.OutputNormalizedKey = &outputNorm
	}
}

// WithErrorMessage attaches the failure reason on a transition to failed.
func WithErrorMessage(msg string) TransitionOption {
	return func(p *transitionParams) {
		p.ErrorMessage = &msg
	}
}

// TransitionStatus performs a conditional status update guarded by the expected
// prior status. A zero-row update means another writer got there first and
// returns ErrConflict; under at-least-once delivery this is the sole
// mutual-exclusion mechanism, so callers ack duplicates instead of retrying.
func (s *Store) TransitionStatus(ctx context.Context, id, from, to string, opts ...TransitionOption) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	var p transitionParams
	for _, opt := range opts {
		opt(&p)
	}

	var completedAt *time.Time
	if models.IsTerminal(to) {
		now := time.Now().UTC()
		completedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3,
		    updated_at = NOW(),
		    completed_at = COALESCE($4, completed_at),
		    output_key = COALESCE($5, output_key),
		    input_normalized_key = COALESCE($6, input_normalized_key),
		    output_normalized_key = COALESCE($7, output_normalized_key),
		    error_message = COALESCE($8, error_message)
		WHERE id = $1 AND status = $2
	`, id, from, to, completedAt, p.OutputKey, p.InputNormalizedKey, p.OutputNormalizedKey, p.ErrorMessage)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transition job %s %s -> %s: %w", id, from, to, ErrConflict)
	}
	return nil
}

// ListRecentByStatus returns the newest jobs in a given status, most recent
// first. Backs the status listing endpoint; the secondary-index query of the
// durable store contract.
func (s *Store) ListRecentByStatus(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE status = $1 AND expires_at > NOW()
		ORDER BY updated_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// StalePendingIDs returns pending jobs untouched for longer than age. They are
// candidates for re-enqueueing: a record may exist without a queue message if
// the enqueue step failed after creation.
func (s *Store) StalePendingIDs(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND updated_at < NOW() - make_interval(secs => $2) AND expires_at > NOW()
		LIMIT $3
	`, models.StatusPending, age.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetStaleProcessing returns processing jobs untouched for longer than age
// back to pending and reports their ids. A job can be stranded mid-processing
// when a worker dies after claiming or its completion write is lost; the claim
// transition only accepts pending rows, so without the reset no redelivery can
// ever pick the job up again.
func (s *Store) ResetStaleProcessing(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2 AND updated_at < NOW() - make_interval(secs => $3) AND expires_at > NOW()
			LIMIT $4
		)
		RETURNING id
	`, models.StatusPending, models.StatusProcessing, age.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("reset stale processing: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpired garbage-collects rows past their TTL.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var chainJSON []byte
	var outputKey, inputNorm, outputNorm, filename, errMsg pgtype.Text
	var completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Status, &job.InputKey, &outputKey, &inputNorm, &outputNorm,
		&chainJSON, &filename, &errMsg, &job.CreatedAt, &job.UpdatedAt, &completedAt, &job.ExpiresAt); err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(chainJSON, &job.EffectChain); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal effect chain: %w", err)
	}
	job.OutputKey = textPtr(outputKey)
	job.InputNormalizedKey = textPtr(inputNorm)
	job.OutputNormalizedKey = textPtr(outputNorm)
	job.OriginalFilename = textPtr(filename)
	job.ErrorMessage = textPtr(errMsg)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
