package generate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/scribe/ai/provider"
	"github.com/teranos/scribe/ai/tokens"
	"github.com/teranos/scribe/ai/tracker"
	"github.com/teranos/scribe/cache"
	"github.com/teranos/scribe/docstore"
	"github.com/teranos/scribe/errors"
	scribetest "github.com/teranos/scribe/internal/testing"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/budget"
	"github.com/teranos/scribe/pulse/checkpoint"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// scriptedProvider answers every prompt deterministically and fails the
// calls listed in fail (1-based).
type scriptedProvider struct {
	mu     sync.Mutex
	calls  int
	fail   map[int]error
	always error
	onCall func(n int)
}

func (p *scriptedProvider) Name() provider.Name { return provider.Name("scripted") }
func (p *scriptedProvider) Model() string       { return "test-model" }

func (p *scriptedProvider) Complete(_ context.Context, prompt provider.Prompt) (provider.Completion, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	err := p.fail[n]
	if err == nil {
		err = p.always
	}
	hook := p.onCall
	p.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return provider.Completion{}, err
	}
	heading, _, _ := strings.Cut(strings.TrimSpace(prompt.Text), "\n")
	return provider.Completion{
		Content:          "Generated: " + heading,
		PromptTokens:     40,
		CompletionTokens: 60,
		Cost:             0.002,
		Model:            "test-model",
	}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type flagCancel struct{ cancelled atomic.Bool }

func (c *flagCancel) IsCancelled(context.Context, string) (bool, error) {
	return c.cancelled.Load(), nil
}

// flakyDocs fails the first failSaves saves
type flakyDocs struct {
	docstore.Store
	failSaves int
}

func (d *flakyDocs) Save(ctx context.Context, doc docstore.Document) (string, error) {
	if d.failSaves > 0 {
		d.failSaves--
		return "", errors.New("disk full")
	}
	return d.Store.Save(ctx, doc)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	queue       *async.Queue
	clock       *clock
	ledger      *budget.Ledger
	checkpoints *checkpoint.Store
	cache       *cache.SQLiteCache
	docs        docstore.Store
	provider    *scriptedProvider
	cancel      *flagCancel
	catalog     *Catalog
	pipeline    *Pipeline
	generator   *Generator
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	defaults budget.Defaults
	docs     func(docstore.Store) docstore.Store
	cache    cache.Cache
}

func withDefaults(d budget.Defaults) harnessOption {
	return func(c *harnessConfig) { c.defaults = d }
}

func withCache(c cache.Cache) harnessOption {
	return func(cfg *harnessConfig) { cfg.cache = c }
}

func withDocs(wrap func(docstore.Store) docstore.Store) harnessOption {
	return func(c *harnessConfig) { c.docs = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, o := range opts {
		o(&cfg)
	}

	db := scribetest.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	clk := &clock{now: t0}

	h := &harness{
		queue: async.NewQueue(db, async.QueueConfig{
			MaxAttempts: 3,
			Backoff:     async.Backoff{Base: 2 * time.Second, Max: time.Minute},
			Lease:       time.Minute,
		}, log),
		clock:       clk,
		ledger:      budget.NewLedger(db, cfg.defaults, nil, log),
		checkpoints: checkpoint.NewStore(db, log),
		cache:       cache.NewSQLiteCache(db),
		docs:        docstore.NewLocal(t.TempDir()),
		provider:    &scriptedProvider{},
		cancel:      &flagCancel{},
	}
	h.queue.SetClock(clk.Now)
	h.queue.SetCheckpoints(h.checkpoints)
	if cfg.docs != nil {
		h.docs = cfg.docs(h.docs)
	}

	var responses cache.Cache = h.cache
	if cfg.cache != nil {
		responses = cfg.cache
	}

	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	h.catalog = catalog

	h.pipeline, err = NewPipeline(Deps{
		Checkpoints: h.checkpoints,
		Cache:       responses,
		Ledger:      h.ledger,
		Provider:    h.provider,
		Estimator:   tokens.Heuristic(),
		Tracker:     tracker.NewUsageTracker(db),
		Docs:        h.docs,
		Cancel:      h.cancel,
	}, Config{ProviderTimeout: 5 * time.Second}, log)
	require.NoError(t, err)
	h.pipeline.SetClock(clk.Now)

	h.generator = NewGenerator(h.pipeline, catalog, h.docs, h.cancel, log)
	return h
}

// request builds a January deliverable request for jobID
func (h *harness) request(t *testing.T, jobID string) Request {
	t.Helper()
	job := &async.Job{ID: jobID}
	vars := map[string]string{"client_name": "Acme", "client_id": "acme", "month": "1", "month_name": "January", "year": "2026"}
	req, err := h.generator.request(job, checkpoint.KindDeliverable, "acme", "d-2026-01", "", nil, vars)
	require.NoError(t, err)
	return req
}

// run claims the next job and executes it, like a worker would
func (h *harness) run(t *testing.T, workerID string) (*async.Job, string, error) {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.ClaimNext(ctx, workerID)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	ref, err := h.generator.Execute(ctx, job)
	return job, ref, err
}

func TestPipeline_ResumesAfterWorkerCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, async.DeliverablePayload{
		ClientID: "acme", DeliverableID: "d-2026-01", Month: 1, Year: 2026,
		Variables: map[string]string{"client_name": "Acme"},
	})
	require.NoError(t, err)

	// The worker dies during the fourth section and never reports back
	h.provider.fail = map[int]error{4: errors.New("worker process killed")}
	_, _, err = h.run(t, "worker-a")
	require.Error(t, err)
	assert.Equal(t, 4, h.provider.Calls())

	cp, err := h.checkpoints.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 3, cp.NextSectionIndex)

	h.clock.Advance(2 * time.Minute)
	recovered, err := h.queue.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, recovered.Requeued)

	before := h.provider.Calls()
	job, ref, err := h.run(t, "worker-b")
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(ctx, job.ID, "worker-b", ref))

	assert.Equal(t, 2, h.provider.Calls()-before, "only the two missing sections are generated")

	doc, err := h.docs.Load(ctx, ref)
	require.NoError(t, err)
	ids := make([]string, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"performance_review", "marketing_activities", "financial_snapshot", "challenges", "next_month_plan"}, ids)
	assert.Equal(t, "Acme: January 2026 Report", doc.Title)

	exists, err := h.checkpoints.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	final, err := h.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, ref, final.ResultRef)
}

func TestPipeline_CacheHitSkipsProviderAndLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, 5, first.ProviderCalls)

	global, err := h.ledger.Status(ctx, budget.GlobalScope)
	require.NoError(t, err)

	second, err := h.pipeline.Generate(ctx, h.request(t, "job-2"))
	require.NoError(t, err)
	assert.Equal(t, 0, second.ProviderCalls)
	assert.Equal(t, 5, second.CacheHits)
	assert.Equal(t, 5, h.provider.Calls())

	after, err := h.ledger.Status(ctx, budget.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, global.TokensUsed, after.TokensUsed, "cache hits are not charged")
	assert.Equal(t, int64(0), after.TokensReserved)

	a, err := h.docs.Load(ctx, first.DocumentRef)
	require.NoError(t, err)
	b, err := h.docs.Load(ctx, second.DocumentRef)
	require.NoError(t, err)
	require.Len(t, b.Sections, len(a.Sections))
	for i := range a.Sections {
		assert.Equal(t, a.Sections[i].Content, b.Sections[i].Content)
		assert.Equal(t, GeneratedByCache, b.Sections[i].GeneratedBy)
	}
}

func TestPipeline_TemplateVersionChangeMissesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.NoError(t, err)

	req := h.request(t, "job-2")
	req.TemplateVersion = "dl-2026.2"
	res, err := h.pipeline.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ProviderCalls)
	assert.Equal(t, 0, res.CacheHits)
}

func TestPipeline_BudgetDenialIsTerminal(t *testing.T) {
	limit := int64(100)
	h := newHarness(t, withDefaults(budget.Defaults{
		Job: budget.Limits{Tokens: &limit, AutoPause: true},
	}))
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, async.DeliverablePayload{
		ClientID: "acme", DeliverableID: "d-1", Month: 1, Year: 2026,
	})
	require.NoError(t, err)

	job, _, err := h.run(t, "worker-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBudgetExceeded))
	assert.Equal(t, async.ErrorKindBudget, async.ClassifyError(err))
	assert.Equal(t, 0, h.provider.Calls())

	status, err := h.queue.Fail(ctx, job.ID, "worker-a", err)
	require.NoError(t, err)
	assert.Equal(t, async.StatusFailed, status)

	final, err := h.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.ErrorKindBudget, final.ErrorKind)
}

func TestPipeline_ExhaustedClientScopeDenies(t *testing.T) {
	limit := int64(50)
	h := newHarness(t, withDefaults(budget.Defaults{
		Client: budget.Limits{Tokens: &limit, AutoPause: true},
	}))
	ctx := context.Background()

	// Usage past the limit pauses the scope
	_, err := h.ledger.Record(ctx, budget.Reservation{Scopes: []budget.Scope{budget.ClientScope("acme")}}, 80, 0)
	require.NoError(t, err)
	status, err := h.ledger.Status(ctx, budget.ClientScope("acme"))
	require.NoError(t, err)
	require.True(t, status.IsPaused)

	_, err = h.pipeline.Generate(ctx, h.request(t, "job-1"))
	assert.True(t, errors.Is(err, errors.ErrBudgetExceeded))
	assert.Equal(t, 0, h.provider.Calls())

	exists, err := h.checkpoints.Exists(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipeline_TransientFailuresRetryThenComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.fail = map[int]error{
		2: errors.MarkTransient(errors.New("429 rate limited")),
		3: errors.MarkTransient(errors.New("503 overloaded")),
	}

	id, err := h.queue.Enqueue(ctx, async.DeliverablePayload{ClientID: "acme", DeliverableID: "d-1", Month: 1, Year: 2026})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, _, err := h.run(t, "worker-a")
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
		status, err := h.queue.Fail(ctx, job.ID, "worker-a", err)
		require.NoError(t, err)
		assert.Equal(t, async.StatusPending, status, "attempt %d", attempt)
		h.clock.Advance(time.Minute)
	}

	job, ref, err := h.run(t, "worker-a")
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(ctx, job.ID, "worker-a", ref))

	final, err := h.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Attempts)
	// Section one was generated once; the failed calls count too
	assert.Equal(t, 7, h.provider.Calls())
}

func TestPipeline_ExhaustedAttemptsKeepCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, async.DeliverablePayload{ClientID: "acme", DeliverableID: "d-1", Month: 1, Year: 2026})
	require.NoError(t, err)

	h.provider.onCall = func(n int) {
		// Every call after the first fails
		if n == 1 {
			h.provider.mu.Lock()
			h.provider.always = errors.MarkTransient(errors.New("upstream down"))
			h.provider.mu.Unlock()
		}
	}

	var status async.JobStatus
	for i := 0; i < 3; i++ {
		job, _, err := h.run(t, "worker-a")
		require.Error(t, err)
		status, err = h.queue.Fail(ctx, job.ID, "worker-a", err)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, async.StatusFailed, status)

	final, err := h.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.StatusFailed, final.Status)
	assert.Equal(t, async.ErrorKindTransient, final.ErrorKind)

	cp, err := h.checkpoints.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp, "checkpoint kept for resume after manual re-enqueue")
	assert.Equal(t, 1, cp.NextSectionIndex)
}

func TestPipeline_CancellationStopsWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.onCall = func(n int) {
		if n == 2 {
			h.cancel.cancelled.Store(true)
		}
	}

	_, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.Equal(t, 2, h.provider.Calls())

	cp, err := h.checkpoints.Load(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.NextSectionIndex, "the second section is not checkpointed")

	global, err := h.ledger.Status(ctx, budget.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, int64(0), global.TokensReserved)
	assert.Equal(t, int64(100), global.TokensUsed, "only the first call is charged")
}

func TestPipeline_CheckpointMismatchIsIntegrityError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.checkpoints.Append(ctx, "job-1",
		checkpoint.Header{EntityKind: checkpoint.KindDeliverable, EntityID: "some-other-deliverable", ClientID: "acme"},
		checkpoint.SectionResult{EntityID: "some-other-deliverable", SectionID: "performance_review", Content: "x", GeneratedBy: "cache", CreatedAt: t0}))

	_, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIntegrity))
	assert.Equal(t, async.ErrorKindIntegrity, async.ClassifyError(err))
	assert.Equal(t, 0, h.provider.Calls())

	exists, err := h.checkpoints.Exists(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, exists, "a mismatched checkpoint is preserved for inspection")
}

func TestPipeline_CorruptCacheEntryFailsJob(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	h := newHarness(t, withCache(cache.NewRedisCache(cli, "scribe:")))
	ctx := context.Background()

	_, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.NoError(t, err)
	require.Equal(t, 5, h.provider.Calls())

	corrupt := `{"fingerprint":"other","content":"tampered"}`
	keys := mr.Keys()
	require.Len(t, keys, 5)
	for _, k := range keys {
		require.NoError(t, mr.Set(k, corrupt))
	}

	_, err = h.pipeline.Generate(ctx, h.request(t, "job-2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIntegrity))
	assert.Equal(t, async.ErrorKindIntegrity, async.ClassifyError(err))
	assert.Equal(t, 5, h.provider.Calls(), "no provider call after an integrity failure")

	for _, k := range keys {
		v, err := mr.Get(k)
		require.NoError(t, err)
		assert.Equal(t, corrupt, v, "the corrupt entry is kept as evidence")
	}
}

func TestPipeline_DocumentStoreFailureResumesWithoutCalls(t *testing.T) {
	h := newHarness(t, withDocs(func(s docstore.Store) docstore.Store {
		return &flakyDocs{Store: s, failSaves: 1}
	}))
	ctx := context.Background()

	_, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 5, h.provider.Calls())

	res, err := h.pipeline.Generate(ctx, h.request(t, "job-1"))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Resumed)
	assert.Equal(t, 0, res.ProviderCalls)
	assert.Equal(t, 5, h.provider.Calls())
	assert.NotEmpty(t, res.DocumentRef)
}

func TestPipeline_EmptyContentIsTransient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	empty := &emptyProvider{}
	p, err := NewPipeline(Deps{
		Checkpoints: h.checkpoints,
		Ledger:      h.ledger,
		Provider:    empty,
		Estimator:   tokens.Heuristic(),
		Docs:        h.docs,
	}, Config{}, nil)
	require.NoError(t, err)

	_, err = p.Generate(ctx, h.request(t, "job-1"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

type emptyProvider struct{}

func (emptyProvider) Name() provider.Name { return provider.Name("empty") }
func (emptyProvider) Model() string       { return "test-model" }
func (emptyProvider) Complete(context.Context, provider.Prompt) (provider.Completion, error) {
	return provider.Completion{Content: "  ", PromptTokens: 1, CompletionTokens: 1}, nil
}

func TestPipeline_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no job id", func(r *Request) { r.JobID = "" }},
		{"no entity", func(r *Request) { r.EntityID = "" }},
		{"bad kind", func(r *Request) { r.EntityKind = "INVOICE" }},
		{"no sections", func(r *Request) { r.Sections = nil }},
		{"duplicate section", func(r *Request) { r.Sections = append(r.Sections, r.Sections[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.request(t, "job-1")
			tt.mutate(&req)
			_, err := h.pipeline.Generate(ctx, req)
			assert.True(t, errors.Is(err, errors.ErrValidation))
		})
	}
	assert.Equal(t, 0, h.provider.Calls())
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(Deps{}, Config{}, nil)
	assert.Error(t, err)
}
