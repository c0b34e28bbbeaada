package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/errors"
	scribetest "github.com/teranos/scribe/internal/testing"
)

type funcHandler struct {
	t  JobType
	fn func(ctx context.Context, job *Job) (string, error)
}

func (h funcHandler) Type() JobType { return h.t }
func (h funcHandler) Execute(ctx context.Context, job *Job) (string, error) {
	return h.fn(ctx, job)
}

func newTestPool(t *testing.T, workers int, lease time.Duration, fn func(ctx context.Context, job *Job) (string, error)) (*WorkerPool, *Queue) {
	t.Helper()
	q := NewQueue(scribetest.CreateFileTestDB(t), QueueConfig{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Lease:       lease,
	}, nil)
	pool := NewWorkerPool(context.Background(), q, nil, WorkerPoolConfig{
		Workers:         workers,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}, nil)
	pool.Registry().Register(funcHandler{t: TypeDeliverable, fn: fn})
	return pool, q
}

func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Status(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestWorkerPool_CompletesJobs(t *testing.T) {
	var executed atomic.Int32
	pool, q := newTestPool(t, 3, time.Minute, func(ctx context.Context, job *Job) (string, error) {
		executed.Add(1)
		return "documents/" + job.ID, nil
	})

	ids := make([]string, 5)
	for i := range ids {
		var err error
		ids[i], err = q.Enqueue(context.Background(), deliverable)
		require.NoError(t, err)
	}

	pool.Start()
	defer pool.Stop()

	for _, id := range ids {
		job := waitForStatus(t, q, id, StatusCompleted)
		assert.Equal(t, "documents/"+id, job.ResultRef)
		assert.Equal(t, 1, job.Attempts)
	}
	assert.EqualValues(t, 5, executed.Load(), "each job executes exactly once")
}

func TestWorkerPool_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	pool, q := newTestPool(t, 1, time.Minute, func(ctx context.Context, job *Job) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.MarkTransient(errors.New("429 rate limited"))
		}
		return "doc", nil
	})

	id, err := q.Enqueue(context.Background(), deliverable)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	job := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWorkerPool_PanicIsFatal(t *testing.T) {
	pool, q := newTestPool(t, 1, time.Minute, func(ctx context.Context, job *Job) (string, error) {
		panic("nil section")
	})

	id, err := q.Enqueue(context.Background(), deliverable)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	job := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, ErrorKindFatal, job.ErrorKind)
	assert.Contains(t, job.Error, "panicked")
}

func TestWorkerPool_UnregisteredTypeFails(t *testing.T) {
	pool, q := newTestPool(t, 1, time.Minute, func(ctx context.Context, job *Job) (string, error) {
		return "", nil
	})

	id, err := q.Enqueue(context.Background(), BusinessPlanPayload{ClientID: "acme", PlanID: "p"})
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	job := waitForStatus(t, q, id, StatusFailed)
	assert.Contains(t, job.Error, "no handler registered")
}

// Yugi holds a job longer than its lease. Heartbeats keep it ours.
func TestWorkerPool_HeartbeatKeepsLease(t *testing.T) {
	pool, q := newTestPool(t, 1, 150*time.Millisecond, func(ctx context.Context, job *Job) (string, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "doc", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	id, err := q.Enqueue(context.Background(), deliverable)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, q, id, StatusProcessing)
	time.Sleep(250 * time.Millisecond)
	res, err := q.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Requeued, "heart-beaten job is not stale")

	waitForStatus(t, q, id, StatusCompleted)
}

func TestWorkerPool_CancelInterruptsHandler(t *testing.T) {
	stopped := make(chan struct{})
	pool, q := newTestPool(t, 1, 90*time.Millisecond, func(ctx context.Context, job *Job) (string, error) {
		<-ctx.Done()
		close(stopped)
		return "", errors.Mark(ctx.Err(), errors.ErrCancelled)
	})

	id, err := q.Enqueue(context.Background(), deliverable)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, q, id, StatusProcessing)
	require.NoError(t, q.Cancel(context.Background(), id))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled after losing the lease")
	}
	job := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, ErrorKindCancelled, job.ErrorKind)
}

func TestWorkerPool_StopRequeuesInterruptedJob(t *testing.T) {
	started := make(chan struct{})
	pool, q := newTestPool(t, 1, time.Minute, func(ctx context.Context, job *Job) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	id, err := q.Enqueue(context.Background(), deliverable)
	require.NoError(t, err)
	pool.Start()
	<-started
	pool.Stop()

	job, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts, "shutdown does not consume an attempt")
}

func TestWorkerPool_StopRecordsTerminalFailure(t *testing.T) {
	started := make(chan struct{})
	pool, q := newTestPool(t, 1, time.Minute, func(ctx context.Context, job *Job) (string, error) {
		close(started)
		<-ctx.Done()
		return "", errors.MarkBudgetExceeded(errors.New("budget exceeded for client:acme"))
	})

	id, err := q.Enqueue(context.Background(), deliverable)
	require.NoError(t, err)
	pool.Start()
	<-started
	pool.Stop()

	job, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status, "a budget failure is not re-queued on shutdown")
	assert.Equal(t, ErrorKindBudget, job.ErrorKind)
}

func TestInterruptedByShutdown(t *testing.T) {
	assert.True(t, interruptedByShutdown(context.Canceled))
	assert.True(t, interruptedByShutdown(errors.Wrap(context.Canceled, "provider call")))
	assert.True(t, interruptedByShutdown(errors.MarkTransient(errors.New("connection reset"))))
	assert.False(t, interruptedByShutdown(errors.MarkBudgetExceeded(errors.New("over limit"))))
	assert.False(t, interruptedByShutdown(errors.NewValidationError("missing client_name")))
	assert.False(t, interruptedByShutdown(errors.MarkIntegrity(errors.New("fingerprint mismatch"))))
	assert.False(t, interruptedByShutdown(errors.Mark(context.Canceled, errors.ErrCancelled)))
	assert.False(t, interruptedByShutdown(errors.New("boom")))
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 4, calculateSafeWorkerCount(2.0))
	assert.Equal(t, 64, calculateSafeWorkerCount(512))
}

func TestCheckMemoryPressure(t *testing.T) {
	orig := getMemoryStats
	defer func() { getMemoryStats = orig }()
	getMemoryStats = func() (uint64, uint64, error) {
		return 8 * bytesPerGB, 2 * bytesPerGB, nil
	}

	pool, _ := newTestPool(t, 2, time.Minute, nil)
	assert.Empty(t, pool.checkMemoryPressure())

	pool.config.Workers = 10
	assert.Contains(t, pool.checkMemoryPressure(), "exceeds recommended (4)")
}
