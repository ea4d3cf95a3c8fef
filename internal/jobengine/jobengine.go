// Package jobengine implements the JobEngine (§4.3): a durable
// priority+FIFO queue with lease-based claims, at-least-once delivery,
// and exponential-backoff retry. The worker-pool loop (bounded queue +
// fixed worker goroutines + per-job backoff) is adapted from the
// teacher's internal/webhooks.Dispatcher.
package jobengine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/store"
)

// Handler processes one claimed job. It must be idempotent with respect
// to jobId (§7): at-least-once delivery means the same job may be
// handed to a handler more than once after a lease expiry.
type Handler func(ctx context.Context, job *domain.Job, reporter ProgressReporter) (result map[string]interface{}, err *domain.JobError)

// ProgressReporter lets a running handler publish progress and check
// for cooperative cancellation at safe checkpoints.
type ProgressReporter interface {
	Report(ctx context.Context, p domain.JobProgress) error
	Cancelled(ctx context.Context) bool
}

// ProgressSink receives every Progress update, fire-and-forget, for
// ProgressRouter to forward to SessionHub (§4.8).
type ProgressSink func(job *domain.Job, p domain.JobProgress)

const (
	defaultVisibilityTimeout = 5 * time.Minute
	defaultBaseBackoff       = 2 * time.Second
	defaultMaxBackoff        = 5 * time.Minute
)

// Engine is the JobEngine component.
type Engine struct {
	jobs store.Jobs
	log  zerolog.Logger
	tx   func(ctx context.Context, fn func(ctx context.Context) error) error

	handlers map[string]Handler
	sink     ProgressSink

	visibilityTimeout time.Duration
	baseBackoff       time.Duration
	maxBackoff        time.Duration

	workersPerType int
	stop           chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

type Option func(*Engine)

func WithVisibilityTimeout(d time.Duration) Option { return func(e *Engine) { e.visibilityTimeout = d } }
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) { e.baseBackoff = base; e.maxBackoff = max }
}
func WithWorkersPerType(n int) Option { return func(e *Engine) { e.workersPerType = n } }
func WithProgressSink(sink ProgressSink) Option { return func(e *Engine) { e.sink = sink } }

func NewEngine(jobs store.Jobs, withTx func(ctx context.Context, fn func(ctx context.Context) error) error, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		jobs:              jobs,
		tx:                withTx,
		log:               log.With().Str("component", "jobengine").Logger(),
		handlers:          map[string]Handler{},
		visibilityTimeout: defaultVisibilityTimeout,
		baseBackoff:       defaultBaseBackoff,
		maxBackoff:        defaultMaxBackoff,
		workersPerType:    2,
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a Handler to a job type; Start spawns
// workersPerType goroutines for every registered type.
func (e *Engine) RegisterHandler(jobType string, h Handler) {
	e.handlers[jobType] = h
}

// SetProgressSink wires (or rewires) the sink after construction, for
// callers whose ProgressSink depends on a collaborator that is itself
// constructed from this Engine (e.g. ProgressRouter needs a SessionHub
// built from a ConversationService that needs this Engine to enqueue
// ai_turn jobs).
func (e *Engine) SetProgressSink(sink ProgressSink) {
	e.sink = sink
}

// Enqueue inserts a new job, honoring dedupKey: a re-enqueue with the
// same key returns the existing job's id rather than creating a
// duplicate (§4.3).
func (e *Engine) Enqueue(ctx context.Context, j domain.Job) (domain.ID, error) {
	if j.DedupKey != "" {
		existing, err := e.jobs.GetJobByDedupKey(ctx, j.DedupKey)
		if err != nil {
			return "", errs.Wrap(errs.KindTransient, "dedup_lookup_failed", "could not check dedup key", err)
		}
		if existing != nil {
			return existing.ID, nil
		}
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	now := time.Now().UTC()
	if j.NotBefore.IsZero() {
		j.NotBefore = now
	}
	j.State = domain.JobQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := e.jobs.InsertJob(ctx, j); err != nil {
		return "", errs.Wrap(errs.KindTransient, "job_insert_failed", "could not enqueue job", err)
	}
	return j.ID, nil
}

// Claim atomically transitions the highest-priority eligible job of one
// of the given types to RUNNING, per §4.3's strict priority / FIFO /
// jobId tie-break ordering (delegated to the store implementation).
func (e *Engine) Claim(ctx context.Context, workerID string, types []string) (*domain.Job, error) {
	leaseUntil := time.Now().UTC().Add(e.visibilityTimeout)
	job, err := e.jobs.ClaimNextJob(ctx, types, leaseUntil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "claim_failed", "could not claim job", err)
	}
	return job, nil
}

// Progress updates a job's progress row and fires the (best-effort)
// progress sink.
func (e *Engine) Progress(ctx context.Context, job *domain.Job, p domain.JobProgress) error {
	leaseUntil := time.Now().UTC().Add(e.visibilityTimeout)
	if err := e.jobs.UpdateJobProgress(ctx, job.ID, p, leaseUntil); err != nil {
		return errs.Wrap(errs.KindTransient, "progress_update_failed", "could not update progress", err)
	}
	job.Progress = p
	job.LeaseUntil = leaseUntil
	if e.sink != nil {
		e.sink(job, p)
	}
	return nil
}

// Complete transitions a job to SUCCEEDED.
func (e *Engine) Complete(ctx context.Context, jobID domain.ID, result map[string]interface{}) error {
	if err := e.jobs.CompleteJob(ctx, jobID, result); err != nil {
		return errs.Wrap(errs.KindTransient, "complete_failed", "could not complete job", err)
	}
	return nil
}

// Fail transitions a job to FAILED (terminal) or re-queues it with
// backoff, per attempts/maxAttempts/retryability (§4.3, §7).
func (e *Engine) Fail(ctx context.Context, job *domain.Job, jobErr domain.JobError) error {
	if !jobErr.Retryable || job.Attempts >= job.MaxAttempts {
		return e.jobs.FailJob(ctx, job.ID, jobErr, nil)
	}
	backoff := backoffFor(e.baseBackoff, e.maxBackoff, job.Attempts)
	requeueAt := time.Now().UTC().Add(backoff)
	return e.jobs.FailJob(ctx, job.ID, jobErr, &requeueAt)
}

// backoffFor computes min(capDur, base * 2^attempts * jitter) per §4.3.
func backoffFor(base, capDur time.Duration, attempts int) time.Duration {
	mult := math.Pow(2, float64(attempts))
	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	d := time.Duration(float64(base) * mult * jitter)
	if d > capDur {
		d = capDur
	}
	return d
}

// Cancel sets the cancellation flag; running handlers observe it via
// ProgressReporter.Cancelled at their next safe checkpoint.
func (e *Engine) Cancel(ctx context.Context, jobID domain.ID) error {
	if err := e.jobs.CancelJob(ctx, jobID); err != nil {
		return errs.Wrap(errs.KindTransient, "cancel_failed", "could not cancel job", err)
	}
	return nil
}

// reporter adapts the Engine into a ProgressReporter bound to one job.
type reporter struct {
	e   *Engine
	job *domain.Job
}

func (r *reporter) Report(ctx context.Context, p domain.JobProgress) error {
	return r.e.Progress(ctx, r.job, p)
}

func (r *reporter) Cancelled(ctx context.Context) bool {
	fresh, err := r.e.jobs.GetJob(ctx, r.job.ID)
	if err != nil || fresh == nil {
		return false
	}
	return fresh.Cancelled
}

// Start spawns workersPerType goroutines per registered handler type,
// each polling Claim on a short interval; stop with Shutdown.
func (e *Engine) Start(ctx context.Context, workerIDPrefix string, pollInterval time.Duration) {
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	for t, h := range e.handlers {
		for i := 0; i < e.workersPerType; i++ {
			e.wg.Add(1)
			go e.workerLoop(ctx, workerIDPrefix, []string{t}, h, pollInterval)
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context, workerID string, types []string, h Handler, pollInterval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			job, err := e.Claim(ctx, workerID, types)
			if err != nil {
				e.log.Error().Err(err).Msg("claim failed")
				continue
			}
			if job == nil {
				continue
			}
			e.runOne(ctx, job, h)
		}
	}
}

func (e *Engine) runOne(ctx context.Context, job *domain.Job, h Handler) {
	rep := &reporter{e: e, job: job}
	result, jobErr := h(ctx, job, rep)
	if jobErr != nil {
		if err := e.Fail(ctx, job, *jobErr); err != nil {
			e.log.Error().Err(err).Str("job_id", job.ID).Msg("could not record job failure")
		}
		return
	}
	if err := e.Complete(ctx, job.ID, result); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("could not record job completion")
	}
}

func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}
