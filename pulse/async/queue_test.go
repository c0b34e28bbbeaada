package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/errors"
	scribetest "github.com/teranos/scribe/internal/testing"
)

type recordingNotifier struct {
	mu       sync.Mutex
	failures []Failure
	done     chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 16)}
}

func (n *recordingNotifier) NotifyJobFailed(_ context.Context, f Failure) {
	n.mu.Lock()
	n.failures = append(n.failures, f)
	n.mu.Unlock()
	n.done <- struct{}{}
}

func (n *recordingNotifier) wait(t *testing.T) Failure {
	t.Helper()
	select {
	case <-n.done:
	case <-time.After(2 * time.Second):
		t.Fatal("failure notification not delivered")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures[len(n.failures)-1]
}

type discardRecorder struct {
	discarded []string
}

func (d *discardRecorder) Discard(_ context.Context, jobID string) error {
	d.discarded = append(d.discarded, jobID)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *clock) {
	t.Helper()
	clk := &clock{now: t0}
	q := NewQueue(scribetest.CreateTestDB(t), QueueConfig{
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Base: 2 * time.Second, Max: time.Minute},
		Lease:       time.Minute,
	}, nil)
	q.SetClock(clk.Now)
	return q, clk
}

var deliverable = DeliverablePayload{ClientID: "acme", DeliverableID: "d-1", Month: 3, Year: 2026}

func TestQueue_EnqueueRejectsInvalidPayload(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, DeliverablePayload{ClientID: "acme", DeliverableID: "d", Month: 0, Year: 2026})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = q.EnqueueRaw(ctx, TypeBusinessPlan, []byte(`{"client_id":"acme"}`))
	assert.True(t, errors.Is(err, errors.ErrValidation))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total, "invalid payloads create no job")
}

func TestQueue_EnqueueAndStatus(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, deliverable)
	require.NoError(t, err)

	job, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, TypeDeliverable, job.Type)
	assert.Equal(t, "acme", job.ClientID)
	assert.Equal(t, 3, job.MaxAttempts)

	p, err := job.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, deliverable, p)
}

// TAS Bot fails the same job three times with a timeout. Retries back off
// 2s then 4s; the third failure is terminal and notified once.
func TestQueue_TransientFailuresExhaustAttempts(t *testing.T) {
	q, clk := newTestQueue(t, 3)
	notifier := newRecordingNotifier()
	q.SetFailureNotifier(notifier)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, deliverable)
	require.NoError(t, err)
	timeout := errors.MarkTransient(errors.New("provider timeout"))

	for attempt, wantDelay := range []time.Duration{2 * time.Second, 4 * time.Second} {
		job, err := q.ClaimNext(ctx, "tas-bot")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, attempt+1, job.Attempts)

		status, err := q.Fail(ctx, id, "tas-bot", timeout)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, status)

		job, err = q.Status(ctx, id)
		require.NoError(t, err)
		assert.True(t, job.NextRunAt.Equal(clk.now.Add(wantDelay)), "attempt %d: next run %s", attempt+1, job.NextRunAt)
		assert.Equal(t, ErrorKindTransient, job.ErrorKind)

		none, err := q.ClaimNext(ctx, "tas-bot")
		require.NoError(t, err)
		assert.Nil(t, none, "not runnable before backoff elapses")
		clk.Advance(wantDelay)
	}

	_, err = q.ClaimNext(ctx, "tas-bot")
	require.NoError(t, err)
	status, err := q.Fail(ctx, id, "tas-bot", timeout)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	f := notifier.wait(t)
	assert.Equal(t, id, f.JobID)
	assert.Equal(t, 3, f.Attempts)
	assert.Equal(t, ErrorKindTransient, f.Kind)

	job, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestQueue_NonRetryableFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"budget", errors.MarkBudgetExceeded(errors.New("client scope exhausted")), ErrorKindBudget},
		{"integrity", errors.NewIntegrityError("checkpoint gap"), ErrorKindIntegrity},
		{"unknown", errors.New("unexpected"), ErrorKindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t, 3)
			ctx := context.Background()
			id, err := q.Enqueue(ctx, deliverable)
			require.NoError(t, err)
			_, err = q.ClaimNext(ctx, "w")
			require.NoError(t, err)

			status, err := q.Fail(ctx, id, "w", tt.err)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, status)

			job, err := q.Status(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, job.ErrorKind)
			assert.Equal(t, 1, job.Attempts)
		})
	}
}

func TestQueue_CompleteDiscardsCheckpoint(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	checkpoints := &discardRecorder{}
	q.SetCheckpoints(checkpoints)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, deliverable)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, "w", "documents/acme/d-1.md"))

	assert.Equal(t, []string{id}, checkpoints.discarded)
	job, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "documents/acme/d-1.md", job.ResultRef)
}

func TestQueue_CancelStopsRunningJob(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	checkpoints := &discardRecorder{}
	q.SetCheckpoints(checkpoints)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, deliverable)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, id))
	cancelled, err := q.IsCancelled(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	err = q.Heartbeat(ctx, id, "w")
	assert.True(t, errors.Is(err, errors.ErrConflict), "worker loses the lease")
	err = q.Complete(ctx, id, "w", "late")
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Empty(t, checkpoints.discarded, "cancel keeps the checkpoint")
}

func TestQueue_RecoverStaleNotifiesExhausted(t *testing.T) {
	q, clk := newTestQueue(t, 1)
	notifier := newRecordingNotifier()
	q.SetFailureNotifier(notifier)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, deliverable)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "crashed")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	res, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Failed)
	assert.Equal(t, id, notifier.wait(t).JobID)
}

func TestQueue_Subscribe(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	id, err := q.Enqueue(ctx, deliverable)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, "w", "doc"))

	var statuses []JobStatus
	for len(statuses) < 3 {
		select {
		case job := <-ch:
			statuses = append(statuses, job.Status)
		case <-time.After(time.Second):
			t.Fatalf("got %v", statuses)
		}
	}
	assert.Equal(t, []JobStatus{StatusPending, StatusProcessing, StatusCompleted}, statuses)
}
