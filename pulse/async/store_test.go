package async

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/errors"
	scribetest "github.com/teranos/scribe/internal/testing"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestJob(clientID string, createdAt time.Time) *Job {
	raw, _ := json.Marshal(BusinessPlanPayload{ClientID: clientID, PlanID: "plan-1"})
	return &Job{
		ID:          NewJobID(),
		Type:        TypeBusinessPlan,
		Payload:     raw,
		ClientID:    clientID,
		Status:      StatusPending,
		MaxAttempts: 3,
		NextRunAt:   createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	job := newTestJob("acme", t0)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "acme", got.ClientID)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.True(t, got.NextRunAt.Equal(t0))

	_, err = store.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_ClaimOrder(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	late := newTestJob("acme", t0.Add(time.Minute))
	early := newTestJob("acme", t0)
	future := newTestJob("acme", t0)
	future.NextRunAt = t0.Add(time.Hour)
	for _, j := range []*Job{late, early, future} {
		require.NoError(t, store.CreateJob(ctx, j))
	}

	now := t0.Add(2 * time.Minute)
	first, err := store.ClaimNext(ctx, "w1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, early.ID, first.ID)
	assert.Equal(t, StatusProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "w1", first.LockedBy)
	require.NotNil(t, first.LeaseUntil)
	assert.True(t, first.LeaseUntil.Equal(now.Add(time.Minute)))

	second, err := store.ClaimNext(ctx, "w1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, late.ID, second.ID)

	none, err := store.ClaimNext(ctx, "w1", now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "job scheduled in the future must not be claimed")
}

func TestStore_TransitionsRequireOwnership(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	job := newTestJob("acme", t0)
	require.NoError(t, store.CreateJob(ctx, job))
	_, err := store.ClaimNext(ctx, "w1", t0, time.Minute)
	require.NoError(t, err)

	err = store.Complete(ctx, job.ID, "w2", "doc-1", t0)
	assert.True(t, errors.Is(err, errors.ErrConflict), "another worker cannot complete")

	require.NoError(t, store.Complete(ctx, job.ID, "w1", "doc-1", t0))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "doc-1", got.ResultRef)
	assert.Empty(t, got.LockedBy)

	err = store.Retry(ctx, job.ID, "w1", "x", ErrorKindTransient, t0, t0)
	assert.True(t, errors.Is(err, errors.ErrConflict), "terminal jobs do not move")

	err = store.Complete(ctx, "missing", "w1", "", t0)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_RequeueGivesBackAttempt(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	job := newTestJob("acme", t0)
	require.NoError(t, store.CreateJob(ctx, job))
	_, err := store.ClaimNext(ctx, "w1", t0, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Requeue(ctx, job.ID, "w1", t0))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestStore_RecoverStale(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	fresh := newTestJob("acme", t0)
	exhausted := newTestJob("acme", t0.Add(time.Second))
	exhausted.MaxAttempts = 1
	stale := newTestJob("acme", t0.Add(2*time.Second))
	for _, j := range []*Job{exhausted, stale} {
		require.NoError(t, store.CreateJob(ctx, j))
	}
	for i := 0; i < 2; i++ {
		_, err := store.ClaimNext(ctx, "crashed", t0.Add(3*time.Second), time.Minute)
		require.NoError(t, err)
	}
	require.NoError(t, store.CreateJob(ctx, fresh))
	_, err := store.ClaimNext(ctx, "alive", t0.Add(90*time.Second), time.Minute)
	require.NoError(t, err)

	res, err := store.RecoverStale(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, res.Requeued)
	assert.Equal(t, []string{exhausted.ID}, res.Failed)

	got, err := store.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts, "expired attempt still counts")

	got, err = store.GetJob(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	got, err = store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "live lease untouched")
}

func TestStore_Cancel(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	job := newTestJob("acme", t0)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.Cancel(ctx, job.ID, "operator", t0))

	cancelled, err := store.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrorKindCancelled, got.ErrorKind)

	err = store.Cancel(ctx, job.ID, "again", t0)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestStore_ListCountCleanup(t *testing.T) {
	store := NewStore(scribetest.CreateTestDB(t))
	ctx := context.Background()

	a := newTestJob("acme", t0)
	b := newTestJob("globex", t0.Add(time.Second))
	require.NoError(t, store.CreateJob(ctx, a))
	require.NoError(t, store.CreateJob(ctx, b))
	_, err := store.ClaimNext(ctx, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, a.ID, "w1", "doc", t0))

	jobs, err := store.ListJobs(ctx, ListFilter{ClientID: "globex"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b.ID, jobs[0].ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusPending])

	ids, err := store.CleanupOldJobs(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)
}

// Cronos sends eight workers after twenty jobs at once. Each job must be
// claimed exactly once.
func TestStore_ConcurrentClaimsNeverDoubleClaim(t *testing.T) {
	store := NewStore(scribetest.CreateFileTestDB(t))
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, store.CreateJob(ctx, newTestJob("acme", t0.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, worker, t0.Add(time.Minute), time.Minute)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[job.ID]
				claimed[job.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "job %s claimed by %s and %s", job.ID, prev, worker)
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	t.Logf("Cronos: %d jobs, %d distinct claims", jobs, len(claimed))
	assert.Len(t, claimed, jobs)
}
