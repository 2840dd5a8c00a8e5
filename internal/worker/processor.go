package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pedalboard-service/internal/models"
	"pedalboard-service/internal/queue"
	"pedalboard-service/internal/store"
	"pedalboard-service/internal/telemetry"
)

// PermanentError marks a handler failure that redelivery cannot fix
// (malformed input, undecodable audio). The job is failed and the message
// acknowledged so the retry budget is not spent on it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Result carries the object keys written by a successful handler run.
type Result struct {
	OutputKey           string
	InputNormalizedKey  string
	OutputNormalizedKey string
}

// Handler runs the transform for one job.
type Handler interface {
	Handle(ctx context.Context, job models.Job) (Result, error)
}

// jobStore is the slice of the store the processor needs; narrowed for tests.
type jobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionStatus(ctx context.Context, id, from, to string, opts ...store.TransitionOption) error
	StalePendingIDs(ctx context.Context, age time.Duration, limit int) ([]string, error)
	ResetStaleProcessing(ctx context.Context, age time.Duration, limit int) ([]string, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// jobQueue is the slice of the queue the processor needs.
type jobQueue interface {
	DequeueWithLease(ctx context.Context) (*queue.Message, error)
	Ack(ctx context.Context, msg *queue.Message) error
	Fail(ctx context.Context, msg *queue.Message) error
	ExtendLease(ctx context.Context, msg *queue.Message, extension time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	Enqueue(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop: one message at a time, with the
// conditional pending->processing transition as the only claim mechanism.
type Processor struct {
	log             *slog.Logger
	queue           jobQueue
	store           jobStore
	handler         Handler
	pollInterval    time.Duration
	stalePendingAge time.Duration
	sweepEvery      time.Duration
	leaseExtension  time.Duration
	lastSweep       time.Time
}

// Options tunes the processor loop.
type Options struct {
	PollInterval    time.Duration
	StalePendingAge time.Duration
	SweepInterval   time.Duration
	LeaseExtension  time.Duration
}

// NewProcessor wires a processor.
func NewProcessor(log *slog.Logger, q jobQueue, st jobStore, h Handler, opts Options) *Processor {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.StalePendingAge == 0 {
		opts.StalePendingAge = 10 * time.Minute
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.LeaseExtension == 0 {
		opts.LeaseExtension = 60 * time.Second
	}
	return &Processor{
		log:             log,
		queue:           q,
		store:           st,
		handler:         h,
		pollInterval:    opts.PollInterval,
		stalePendingAge: opts.StalePendingAge,
		sweepEvery:      opts.SweepInterval,
		leaseExtension:  opts.LeaseExtension,
	}
}

// Run consumes messages until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)

		msg, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.Warn("dequeue failed", "err", err)
			p.sleep(ctx)
			continue
		}
		if msg == nil {
			p.sleep(ctx)
			continue
		}

		p.handleMessage(ctx, msg)
	}
}

// maintain reclaims lapsed leases and, on a slower cadence, re-enqueues stale
// pending jobs (record created but enqueue lost) and garbage-collects expired
// rows.
func (p *Processor) maintain(ctx context.Context) {
	if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && reclaimed > 0 {
		telemetry.InFlightGauge.Sub(float64(reclaimed))
		p.log.Info("reclaimed expired leases", "count", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	if time.Since(p.lastSweep) < p.sweepEvery {
		return
	}
	p.lastSweep = time.Now()

	ids, err := p.store.StalePendingIDs(ctx, p.stalePendingAge, 100)
	if err != nil {
		p.log.Warn("stale pending sweep failed", "err", err)
	}
	for _, id := range ids {
		if err := p.queue.Enqueue(ctx, id); err != nil {
			p.log.Warn("re-enqueue stale pending failed", "job_id", id, "err", err)
			continue
		}
		p.log.Info("re-enqueued stale pending job", "job_id", id)
	}

	// Claimed jobs whose worker died or whose completion write was lost stay
	// in processing forever otherwise: the claim only accepts pending rows.
	reset, err := p.store.ResetStaleProcessing(ctx, p.stalePendingAge, 100)
	if err != nil {
		p.log.Warn("stale processing sweep failed", "err", err)
	}
	for _, id := range reset {
		if err := p.queue.Enqueue(ctx, id); err != nil {
			p.log.Warn("re-enqueue stale processing failed", "job_id", id, "err", err)
			continue
		}
		p.log.Info("re-enqueued stranded processing job", "job_id", id)
	}

	if n, err := p.store.DeleteExpired(ctx); err == nil && n > 0 {
		p.log.Info("deleted expired jobs", "count", n)
	}
}

// handleMessage processes a single delivery. Duplicate deliveries are
// acknowledged without reprocessing; a failed message either returns for
// redelivery or dead-letters once its receive budget is spent.
func (p *Processor) handleMessage(ctx context.Context, msg *queue.Message) {
	log := p.log.With("job_id", msg.JobID, "receives", msg.Receives)

	if msg.JobID == "" {
		log.Warn("message without job id")
		_ = p.queue.Fail(ctx, msg)
		return
	}

	job, err := p.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// Record missing: report failure and let the dead-letter policy bound
		// redelivery of what may be an unrecoverable message.
		log.Warn("job record not found")
		_ = p.queue.Fail(ctx, msg)
		return
	}
	if err != nil {
		log.Warn("fetch job failed", "err", err)
		_ = p.queue.Fail(ctx, msg)
		return
	}

	if models.IsTerminal(job.Status) {
		log.Info("duplicate delivery for terminal job", "status", job.Status)
		_ = p.queue.Ack(ctx, msg)
		return
	}

	// Claim: the conditional transition is the mutual-exclusion mechanism.
	// Losing it means another worker holds (or held) the job.
	err = p.store.TransitionStatus(ctx, job.ID, models.StatusPending, models.StatusProcessing)
	if errors.Is(err, store.ErrConflict) {
		log.Info("claim conflict, treating as duplicate")
		_ = p.queue.Ack(ctx, msg)
		return
	}
	if err != nil {
		log.Warn("claim failed", "err", err)
		_ = p.queue.Fail(ctx, msg)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()

	// Long transforms must outlive the initial visibility window, so the lease
	// is extended while the handler runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, msg)

	result, err := p.handler.Handle(ctx, job)
	stopHeartbeat()
	if err == nil {
		if err := p.store.TransitionStatus(ctx, job.ID, models.StatusProcessing, models.StatusCompleted,
			store.WithOutputKeys(result.OutputKey, result.InputNormalizedKey, result.OutputNormalizedKey)); err != nil {
			log.Warn("completion write failed", "err", err)
			_ = p.queue.Fail(ctx, msg)
			return
		}
		_ = p.queue.Ack(ctx, msg)
		telemetry.JobsCompleted.Inc()
		log.Info("job completed", "duration", time.Since(start))
		return
	}

	failErr := p.store.TransitionStatus(ctx, job.ID, models.StatusProcessing, models.StatusFailed,
		store.WithErrorMessage(err.Error()))
	if failErr != nil {
		log.Warn("failure write failed", "err", failErr)
	}

	if IsPermanent(err) {
		// Redelivery cannot fix bad input; acknowledge to stop retries.
		_ = p.queue.Ack(ctx, msg)
		telemetry.JobsFailed.Inc()
		log.Info("job failed permanently", "err", err)
		return
	}

	// Transient failure: report the message failed so the visibility timeout
	// redelivers it, bounded by the receive budget.
	_ = p.queue.Fail(ctx, msg)
	telemetry.MessagesRetried.Inc()
	log.Warn("job failed, message returned for retry", "err", err)
}

// heartbeat renews the message lease until the context is cancelled.
func (p *Processor) heartbeat(ctx context.Context, msg *queue.Message) {
	t := time.NewTicker(p.leaseExtension / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.queue.ExtendLease(ctx, msg, p.leaseExtension); err != nil {
				p.log.Warn("extend lease failed", "job_id", msg.JobID, "err", err)
			}
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
