package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
)

const (
	// MaxJobsLimit is the maximum number of jobs a single listing returns
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// DefaultMaxAttempts applies when the config leaves it unset
	DefaultMaxAttempts = 3
	// DefaultLease applies when the config leaves it unset
	DefaultLease = 2 * time.Minute
)

// CheckpointDiscarder drops a job's checkpoint once its document is stored
type CheckpointDiscarder interface {
	Discard(ctx context.Context, jobID string) error
}

// Failure describes a job that reached terminal FAILED
type Failure struct {
	JobID    string    `json:"job_id"`
	Type     JobType   `json:"type"`
	ClientID string    `json:"client_id,omitempty"`
	Attempts int       `json:"attempts"`
	Kind     ErrorKind `json:"kind"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// FailureNotifier receives terminal failures. Delivery is fire-and-forget.
type FailureNotifier interface {
	NotifyJobFailed(ctx context.Context, f Failure)
}

// QueueConfig is the retry and lease policy
type QueueConfig struct {
	MaxAttempts int
	Backoff     Backoff
	Lease       time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = DefaultBackoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = DefaultBackoff.Max
	}
	return c
}

// Queue is the caller-facing scheduler API over the job store
type Queue struct {
	store       *Store
	cfg         QueueConfig
	checkpoints CheckpointDiscarder
	notifier    FailureNotifier
	logger      *zap.SugaredLogger
	timeNow     func() time.Time

	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewQueue creates a queue over db
func NewQueue(db *sql.DB, cfg QueueConfig, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = logger.Logger
	}
	return &Queue{
		store:   NewStore(db),
		cfg:     cfg.withDefaults(),
		logger:  logger.AddPulseSymbol(log.Named("queue")),
		timeNow: time.Now,
	}
}

// SetCheckpoints wires the checkpoint store Complete discards from
func (q *Queue) SetCheckpoints(c CheckpointDiscarder) { q.checkpoints = c }

// SetFailureNotifier wires the terminal-failure notifier
func (q *Queue) SetFailureNotifier(n FailureNotifier) { q.notifier = n }

// SetClock overrides the time source (tests)
func (q *Queue) SetClock(now func() time.Time) { q.timeNow = now }

// Config returns the effective retry and lease policy
func (q *Queue) Config() QueueConfig { return q.cfg }

func (q *Queue) now() time.Time { return q.timeNow().UTC() }

// Enqueue validates p and persists it as a PENDING job. A payload that
// fails validation creates nothing.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, error) {
	if p == nil {
		return "", errors.NewValidationError("payload is required")
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}

	now := q.now()
	job := &Job{
		ID:          NewJobID(),
		Type:        p.JobType(),
		Payload:     raw,
		ClientID:    p.Client(),
		Status:      StatusPending,
		MaxAttempts: q.cfg.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return "", errors.WithDetail(err, fmt.Sprintf("Type: %s", job.Type))
	}

	q.logger.Infow("Job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldClientID, job.ClientID)
	q.notifySubscribers(job)
	return job.ID, nil
}

// EnqueueRaw decodes an untyped payload for t, then enqueues it
func (q *Queue) EnqueueRaw(ctx context.Context, t JobType, raw json.RawMessage) (string, error) {
	p, err := DecodePayload(t, raw)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, p)
}

// ClaimNext hands the next runnable job to workerID, or nil when idle
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	job, err := q.store.ClaimNext(ctx, workerID, q.now(), q.cfg.Lease)
	if err != nil || job == nil {
		return job, err
	}
	q.logger.Debugw("Job claimed",
		logger.FieldJobID, job.ID,
		logger.FieldWorkerID, workerID,
		logger.FieldAttempt, job.Attempts)
	q.notifySubscribers(job)
	return job, nil
}

// Complete marks a held job COMPLETED and discards its checkpoint
func (q *Queue) Complete(ctx context.Context, jobID, workerID, resultRef string) error {
	if err := q.store.Complete(ctx, jobID, workerID, resultRef, q.now()); err != nil {
		return err
	}

	if q.checkpoints != nil {
		if err := q.checkpoints.Discard(ctx, jobID); err != nil {
			q.logger.Warnw("Failed to discard checkpoint of completed job",
				logger.FieldJobID, jobID, logger.FieldError, err)
		}
	}

	q.logger.Infow("Job completed", logger.FieldJobID, jobID, "result_ref", resultRef)
	q.publish(ctx, jobID)
	return nil
}

// Fail routes a job failure. Transient failures with attempts left go back
// to PENDING after backoff; everything else is terminal FAILED with the
// checkpoint preserved. Returns the status the job ended in.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (JobStatus, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	kind := ClassifyError(cause)
	if kind == "" {
		kind = ErrorKindFatal
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now()

	if kind.Retryable() && job.Attempts < job.MaxAttempts {
		delay := q.cfg.Backoff.Delay(job.Attempts)
		if err := q.store.Retry(ctx, jobID, workerID, msg, kind, now.Add(delay), now); err != nil {
			return "", err
		}
		q.logger.Infow("Retry scheduled",
			logger.FieldJobID, jobID,
			logger.FieldAttempt, job.Attempts,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			logger.FieldError, msg)
		q.publish(ctx, jobID)
		return StatusPending, nil
	}

	if err := q.store.MarkFailed(ctx, jobID, workerID, msg, kind, now); err != nil {
		return "", err
	}

	log := q.logger.Warnw
	if kind == ErrorKindIntegrity {
		log = q.logger.Errorw
	}
	log("Job failed",
		logger.FieldJobID, jobID,
		logger.FieldErrorKind, kind,
		logger.FieldAttempt, job.Attempts,
		logger.FieldError, msg)

	q.notifyFailure(Failure{
		JobID: jobID, Type: job.Type, ClientID: job.ClientID,
		Attempts: job.Attempts, Kind: kind, Error: msg, At: now,
	})
	q.publish(ctx, jobID)
	return StatusFailed, nil
}

// Requeue returns a held job to PENDING without consuming an attempt
func (q *Queue) Requeue(ctx context.Context, jobID, workerID string) error {
	if err := q.store.Requeue(ctx, jobID, workerID, q.now()); err != nil {
		return err
	}
	q.publish(ctx, jobID)
	return nil
}

// Status returns a snapshot of the job
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Cancel terminally fails a PENDING or PROCESSING job. Its checkpoint is
// kept; a running pipeline stops writing once it observes the flag.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	if err := q.store.Cancel(ctx, jobID, "cancelled by operator", q.now()); err != nil {
		return err
	}
	q.logger.Infow("Job cancelled", logger.FieldJobID, jobID)
	q.publish(ctx, jobID)
	return nil
}

// IsCancelled reports whether jobID was cancelled
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	return q.store.IsCancelled(ctx, jobID)
}

// Heartbeat extends the lease on a held job
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := q.now()
	return q.store.Heartbeat(ctx, jobID, workerID, now.Add(q.cfg.Lease), now)
}

// RecoverStale requeues jobs whose worker stopped heart-beating
func (q *Queue) RecoverStale(ctx context.Context) (RecoverResult, error) {
	now := q.now()
	res, err := q.store.RecoverStale(ctx, now)
	if err != nil {
		return res, err
	}
	if n := len(res.Requeued) + len(res.Failed); n > 0 {
		q.logger.Infow("Recovered stale jobs",
			"requeued", len(res.Requeued), "failed", len(res.Failed))
	}
	for _, id := range res.Failed {
		if job, err := q.store.GetJob(ctx, id); err == nil {
			q.notifyFailure(Failure{
				JobID: id, Type: job.Type, ClientID: job.ClientID, Attempts: job.Attempts,
				Kind: ErrorKindTransient, Error: job.Error, At: now,
			})
		}
		q.publish(ctx, id)
	}
	for _, id := range res.Requeued {
		q.publish(ctx, id)
	}
	return res, nil
}

// List returns jobs matching f, newest first
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	return q.store.ListJobs(ctx, f)
}

// Cleanup removes COMPLETED jobs older than olderThan and returns their ids
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return q.store.CleanupOldJobs(ctx, q.now().Add(-olderThan))
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Stats counts jobs by status
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
	}
	stats.Total = stats.Pending + stats.Processing + stats.Completed + stats.Failed
	return stats, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) hasSubscribers() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subscribers) > 0
}

// publish re-reads the job and fans the snapshot out to subscribers
func (q *Queue) publish(ctx context.Context, jobID string) {
	if !q.hasSubscribers() {
		return
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	q.notifySubscribers(job)
}

// notifySubscribers sends without blocking; slow subscribers miss updates
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

func (q *Queue) notifyFailure(f Failure) {
	if q.notifier == nil {
		return
	}
	go q.notifier.NotifyJobFailed(context.Background(), f)
}
