package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/metrics"
)

// pulseLogger wraps zap.SugaredLogger with the Pulse lifecycle glyphs:
// Starting (✿) for startup, Closing (❀) for shutdown, Pulse for the rest.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.PulseOpenInfow(l.SugaredLogger, msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.PulseCloseInfow(l.SugaredLogger, msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Concurrent workers; bounds concurrent provider calls
	PollInterval    time.Duration `json:"poll_interval"`    // How often an idle worker checks for work
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for in-flight jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         2,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPoolConfigFromConfig reads the pool settings from the pulse config
func WorkerPoolConfigFromConfig(cfg *am.Config) WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         cfg.Pulse.Workers,
		PollInterval:    cfg.Pulse.PollInterval(),
		ShutdownTimeout: cfg.Pulse.ShutdownTimeout(),
	}
}

// QueueConfigFromConfig reads the retry and lease policy from the pulse config
func QueueConfigFromConfig(cfg *am.Config) QueueConfig {
	return QueueConfig{
		MaxAttempts: cfg.Pulse.MaxAttempts,
		Backoff:     Backoff{Base: cfg.Pulse.BackoffBase(), Max: cfg.Pulse.BackoffMax()},
		Lease:       cfg.Pulse.Lease(),
	}
}

// WorkerPool runs a bounded number of workers that claim and execute jobs.
// Each claimed job is heart-beaten at a third of its lease; a worker that
// loses its lease (cancel or recovery elsewhere) cancels the job context.
type WorkerPool struct {
	queue    *Queue
	registry *HandlerRegistry
	config   WorkerPoolConfig
	id       string

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
	logger        pulseLogger
}

// NewWorkerPool creates a pool over queue. Register handlers on registry
// before calling Start. Cancelling ctx stops the pool like Stop does.
func NewWorkerPool(ctx context.Context, queue *Queue, registry *HandlerRegistry, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if log == nil {
		log = logger.Logger
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:     queue,
		registry:  registry,
		config:    cfg,
		id:        uuid.NewString()[:8],
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    pulseLogger{log.Named("pulse")},
	}
}

// Start recovers stale jobs left by a previous process, then spawns workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// Context cancelled by a previous Stop: create a fresh one before spawning
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if res, err := wp.queue.RecoverStale(ctx); err != nil {
		wp.logger.Warnw("Failed to recover stale jobs", logger.FieldError, err)
	} else if n := len(res.Requeued) + len(res.Failed); n > 0 {
		wp.logger.Starting("Opening - recovered jobs from a previous run",
			"requeued", len(res.Requeued), "failed", len(res.Failed))
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.config.Workers)
	}

	wp.logger.Starting("Worker pool starting",
		"pool_id", wp.id,
		"workers", wp.config.Workers,
		"handlers", wp.registry.Types())

	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, fmt.Sprintf("%s-%d", wp.id, i))
	}
}

// Stop cancels the workers and waits up to ShutdownTimeout for them to
// exit. Jobs interrupted by the stop are requeued with their checkpoint.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped - all workers exited cleanly")
	case <-time.After(wp.config.ShutdownTimeout):
		// Stale leases of abandoned jobs are recovered on next start
		wp.logger.Closing("Worker pool stop timed out - workers may still be running",
			"timeout", wp.config.ShutdownTimeout)
	}
}

// worker polls for jobs until ctx is cancelled. After a job it polls again
// immediately so a backlog drains without waiting for the ticker.
func (wp *WorkerPool) worker(ctx context.Context, workerID string) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			processed, err := wp.processNextJob(ctx, workerID)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					logger.FieldWorkerID, workerID,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, workerID,
						"backoff", backoffDuration)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, workerID,
					"previous_error_count", errorCount)
				errorCount = 0
				backoffDuration = time.Second
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// processNextJob claims and runs one job. It reports whether a job was
// claimed.
func (wp *WorkerPool) processNextJob(ctx context.Context, workerID string) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	job, err := wp.queue.ClaimNext(ctx, workerID)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	metrics.WorkerBusy(1)
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
		metrics.WorkerBusy(-1)
	}()

	log := wp.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldWorkerID, workerID,
		logger.FieldAttempt, job.Attempts)

	jobCtx, cancelJob := context.WithCancel(logger.WithJobID(ctx, job.ID))
	defer cancelJob()

	lost := make(chan struct{})
	hbDone := wp.heartbeat(jobCtx, job.ID, workerID, cancelJob, lost)

	started := time.Now()
	resultRef, execErr := wp.execute(jobCtx, job)
	cancelJob()
	<-hbDone

	// Finish the transition even when the pool is stopping
	finishCtx := context.WithoutCancel(ctx)

	select {
	case <-lost:
		log.Warnw("Lost job lease during execution; result discarded", logger.FieldError, execErr)
		metrics.ObserveJob(string(job.Type), "lost", time.Since(started))
		return true, nil
	default:
	}

	if execErr != nil && ctx.Err() != nil && interruptedByShutdown(execErr) {
		wp.logger.Closing("Job interrupted by shutdown, re-queuing with checkpoint",
			logger.FieldJobID, job.ID)
		if err := wp.queue.Requeue(finishCtx, job.ID, workerID); err != nil {
			log.Errorw("Failed to re-queue interrupted job", logger.FieldError, err)
		}
		metrics.ObserveJob(string(job.Type), string(StatusPending), time.Since(started))
		return true, nil
	}

	if execErr != nil {
		status, err := wp.queue.Fail(finishCtx, job.ID, workerID, execErr)
		if errors.Is(err, errors.ErrConflict) {
			log.Infow("Job left PROCESSING before failure was recorded", logger.FieldError, execErr)
			return true, nil
		}
		if err != nil {
			return true, errors.Wrapf(err, "failed to record failure of job %s", job.ID)
		}
		metrics.ObserveJob(string(job.Type), string(status), time.Since(started))
		return true, nil
	}

	if err := wp.queue.Complete(finishCtx, job.ID, workerID, resultRef); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			log.Warnw("Job left PROCESSING before completion was recorded", "result_ref", resultRef)
			return true, nil
		}
		return true, errors.Wrapf(err, "failed to complete job %s", job.ID)
	}
	metrics.ObserveJob(string(job.Type), string(StatusCompleted), time.Since(started))
	log.Debugw("Job finished", logger.FieldDurationMS, time.Since(started).Milliseconds())
	return true, nil
}

// interruptedByShutdown reports whether a failure seen while the pool stops
// came from the stop itself. Terminal failures are recorded as usual.
func interruptedByShutdown(err error) bool {
	switch ClassifyError(err) {
	case ErrorKindTransient:
		return true
	case ErrorKindFatal:
		return errors.Is(err, context.Canceled)
	default:
		return false
	}
}

// execute runs the handler, converting a panic into a fatal error
func (wp *WorkerPool) execute(ctx context.Context, job *Job) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
			wp.logger.Errorw("Handler panic", logger.FieldJobID, job.ID, "panic", r)
		}
	}()
	return wp.registry.Execute(ctx, job)
}

// heartbeat extends the lease every third of its duration until ctx ends.
// If the store reports the job is no longer ours it closes lost and
// cancels the job.
func (wp *WorkerPool) heartbeat(ctx context.Context, jobID, workerID string, cancelJob context.CancelFunc, lost chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	interval := wp.queue.Config().Lease / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := wp.queue.Heartbeat(ctx, jobID, workerID)
				if err == nil {
					continue
				}
				if errors.Is(err, errors.ErrConflict) || errors.IsNotFoundError(err) {
					close(lost)
					cancelJob()
					return
				}
				if ctx.Err() == nil {
					wp.logger.Warnw("Heartbeat failed", logger.FieldJobID, jobID, logger.FieldError, err)
				}
			}
		}
	}()
	return done
}

// Queue returns the job queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.config.Workers
}

// Registry returns the handler registry. Register handlers before Start:
//
//	pool := async.NewWorkerPool(ctx, queue, nil, poolCfg, log)
//	generate.RegisterHandlers(pool.Registry(), pipeline, docs)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
