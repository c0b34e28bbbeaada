// Package generate is the generation pipeline: it turns an ordered list of
// sections into a stored document, one provider call per section at most,
// with a checkpoint after every section so an interrupted job resumes where
// it stopped.
//
// Per section the order is fixed: cache lookup, ledger reservation, rate
// limit, provider call, usage record, cache put, checkpoint append. A cache
// hit skips the provider and the ledger entirely.
package generate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/ai/provider"
	"github.com/teranos/scribe/ai/tokens"
	"github.com/teranos/scribe/ai/tracker"
	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/cache"
	"github.com/teranos/scribe/docstore"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/metrics"
	"github.com/teranos/scribe/pulse/budget"
	"github.com/teranos/scribe/pulse/checkpoint"
)

// GeneratedByCache marks a section served from the response cache
const GeneratedByCache = "cache"

// CheckpointStore is the part of the checkpoint store the pipeline uses
type CheckpointStore interface {
	Load(ctx context.Context, jobID string) (*checkpoint.Checkpoint, error)
	Append(ctx context.Context, jobID string, header checkpoint.Header, sec checkpoint.SectionResult) error
	Discard(ctx context.Context, jobID string) error
}

// Ledger reserves and accounts token spend
type Ledger interface {
	Reserve(ctx context.Context, req budget.Request) (budget.Reservation, error)
	Record(ctx context.Context, res budget.Reservation, tokens int64, cost float64) ([]budget.Alert, error)
	Release(ctx context.Context, res budget.Reservation) error
}

// RateLimiter gates provider calls
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// UsageTracker keeps the per-call audit trail
type UsageTracker interface {
	TrackUsage(ctx context.Context, usage tracker.ModelUsage) error
}

// CancelChecker reports operator cancellation of a job
type CancelChecker interface {
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// Deps are the collaborators of a Pipeline. Checkpoints, Ledger, Provider
// and Docs are required.
type Deps struct {
	Checkpoints CheckpointStore
	Cache       cache.Cache
	Ledger      Ledger
	Limiter     RateLimiter
	Provider    provider.Provider
	Estimator   *tokens.Estimator
	Tracker     UsageTracker
	Docs        docstore.Store
	Cancel      CancelChecker
}

// Config tunes the pipeline
type Config struct {
	ProviderTimeout  time.Duration // Bound on one provider call
	CacheTTL         time.Duration // 0 keeps cache entries until invalidated
	DefaultMaxTokens int           // When a section declares none
}

// ConfigFromConfig reads pipeline settings from the application config
func ConfigFromConfig(cfg *am.Config) Config {
	return Config{
		ProviderTimeout:  cfg.Pulse.ProviderTimeout(),
		CacheTTL:         cfg.Cache.TTL(),
		DefaultMaxTokens: cfg.Provider.MaxTokens,
	}
}

// Request describes one document generation
type Request struct {
	JobID           string
	ClientID        string
	EntityID        string
	EntityKind      checkpoint.EntityKind
	Title           string
	TemplateVersion string
	System          string
	Sections        []SectionSpec
	Variables       map[string]string
}

// Result summarises a finished generation
type Result struct {
	DocumentRef   string  `json:"document_ref"`
	Sections      int     `json:"sections"`
	Resumed       int     `json:"resumed"`
	CacheHits     int     `json:"cache_hits"`
	ProviderCalls int     `json:"provider_calls"`
	Tokens        int64   `json:"tokens"`
	Cost          float64 `json:"cost"`
}

// Pipeline generates documents section by section
type Pipeline struct {
	deps    Deps
	cfg     Config
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewPipeline creates a pipeline
func NewPipeline(deps Deps, cfg Config, log *zap.SugaredLogger) (*Pipeline, error) {
	switch {
	case deps.Checkpoints == nil:
		return nil, errors.New("pipeline requires a checkpoint store")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline requires a ledger")
	case deps.Provider == nil:
		return nil, errors.New("pipeline requires a provider")
	case deps.Docs == nil:
		return nil, errors.New("pipeline requires a document store")
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.New(deps.Provider.Model())
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 90 * time.Second
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 1000
	}
	if log == nil {
		log = logger.Logger
	}
	return &Pipeline{
		deps:    deps,
		cfg:     cfg,
		logger:  log.Named("generate"),
		timeNow: time.Now,
	}, nil
}

// SetClock overrides the time source (tests)
func (p *Pipeline) SetClock(now func() time.Time) { p.timeNow = now }

func (r Request) validate() error {
	switch {
	case r.JobID == "":
		return errors.NewValidationError("generate: job id is required")
	case r.EntityID == "":
		return errors.NewValidationError("generate: entity id is required")
	case !r.EntityKind.Valid():
		return errors.NewValidationError("generate: unknown entity kind %q", r.EntityKind)
	case len(r.Sections) == 0:
		return errors.NewValidationError("generate: no sections requested")
	}
	seen := make(map[string]bool, len(r.Sections))
	for _, s := range r.Sections {
		if s.ID == "" || seen[s.ID] {
			return errors.NewValidationError("generate: section ids must be unique and non-empty (%q)", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// scopes are the ledger scopes a request's spend is charged to
func (r Request) scopes() []budget.Scope {
	scopes := []budget.Scope{budget.JobScope(r.JobID), budget.GlobalScope}
	if r.ClientID != "" {
		scopes = append(scopes, budget.ClientScope(r.ClientID))
	}
	return scopes
}

// Generate produces every section of req not already checkpointed, stores
// the assembled document and discards the checkpoint.
//
// Errors carry a mark for the scheduler: ErrTransient for provider and
// network failures, ErrBudgetExceeded when the ledger denies, ErrIntegrity
// when the checkpoint disagrees with the request, ErrCancelled once the job
// was cancelled, ErrValidation for bad input.
func (p *Pipeline) Generate(ctx context.Context, req Request) (Result, error) {
	var res Result
	if err := req.validate(); err != nil {
		return res, err
	}
	log := logger.FromContext(ctx, p.logger).With(
		logger.FieldJobID, req.JobID,
		logger.FieldClientID, req.ClientID,
		"entity", req.EntityID)

	done, err := p.resume(ctx, req)
	if err != nil {
		if errors.Is(err, errors.ErrIntegrity) {
			log.Errorw("Checkpoint integrity violation; checkpoint preserved", logger.FieldError, err)
		}
		return res, err
	}
	res.Resumed = len(done)
	if res.Resumed > 0 {
		metrics.AddSectionsResumed(res.Resumed)
		log.Infow("Resuming from checkpoint",
			"next_section", res.Resumed,
			"sections", len(req.Sections))
	}

	header := checkpoint.Header{EntityKind: req.EntityKind, EntityID: req.EntityID, ClientID: req.ClientID}
	for i := len(done); i < len(req.Sections); i++ {
		sec := req.Sections[i]
		content, generatedBy, err := p.section(ctx, req, sec, &res)
		if err != nil {
			return res, errors.WithDetail(err, "Section: "+sec.ID)
		}

		if err := p.checkCancelled(ctx, req.JobID); err != nil {
			return res, err
		}
		result := checkpoint.SectionResult{
			EntityID:    req.EntityID,
			SectionID:   sec.ID,
			OrderIndex:  i,
			Content:     content,
			GeneratedBy: generatedBy,
			CreatedAt:   p.timeNow().UTC(),
		}
		if err := p.deps.Checkpoints.Append(ctx, req.JobID, header, result); err != nil {
			if errors.Is(err, errors.ErrIntegrity) {
				log.Errorw("Checkpoint append rejected", logger.FieldSection, sec.ID, logger.FieldError, err)
			}
			return res, err
		}
		done = append(done, result)
		log.Debugw("Section complete",
			logger.FieldSection, sec.ID,
			logger.FieldOrderIndex, i,
			"generated_by", generatedBy)
	}

	if err := p.checkCancelled(ctx, req.JobID); err != nil {
		return res, err
	}
	ref, err := p.deps.Docs.Save(ctx, p.assemble(req, done))
	if err != nil {
		// The checkpoint survives, so a retry only redoes the save
		return res, errors.MarkTransient(errors.Wrap(err, "failed to store document"))
	}
	if err := p.deps.Checkpoints.Discard(ctx, req.JobID); err != nil {
		log.Warnw("Failed to discard checkpoint after storing document", logger.FieldError, err)
	}

	res.DocumentRef = ref
	res.Sections = len(done)
	log.Infow("Document generated",
		"document_ref", ref,
		"sections", res.Sections,
		"resumed", res.Resumed,
		"cache_hits", res.CacheHits,
		"provider_calls", res.ProviderCalls,
		logger.FieldTokens, res.Tokens,
		logger.FieldCost, res.Cost)
	return res, nil
}

// resume loads the checkpoint and checks it is a prefix of req's sections
func (p *Pipeline) resume(ctx context.Context, req Request) ([]checkpoint.SectionResult, error) {
	cp, err := p.deps.Checkpoints.Load(ctx, req.JobID)
	if err != nil || cp == nil {
		return nil, err
	}
	if cp.EntityKind != req.EntityKind || cp.EntityID != req.EntityID {
		return nil, errors.NewIntegrityError("checkpoint for job %s belongs to %s %s, not %s %s",
			req.JobID, cp.EntityKind, cp.EntityID, req.EntityKind, req.EntityID)
	}
	if cp.NextSectionIndex > len(req.Sections) {
		return nil, errors.NewIntegrityError("checkpoint for job %s has %d sections, request has %d",
			req.JobID, cp.NextSectionIndex, len(req.Sections))
	}
	for i, s := range cp.Sections {
		if s.SectionID != req.Sections[i].ID {
			return nil, errors.NewIntegrityError("checkpoint section %d of job %s is %s, expected %s",
				i, req.JobID, s.SectionID, req.Sections[i].ID)
		}
	}
	return cp.Sections, nil
}

// section produces the content of one section from the cache or the
// provider. It returns the content and its generated_by marker.
func (p *Pipeline) section(ctx context.Context, req Request, sec SectionSpec, res *Result) (string, string, error) {
	prompt, err := sec.Render(req.Variables)
	if err != nil {
		return "", "", err
	}
	prov := p.deps.Provider
	fp := cache.Fingerprint(cache.FingerprintInput{
		SectionID:       sec.ID,
		TemplateVersion: req.TemplateVersion,
		Variables:       req.Variables,
		Prompt:          req.System + "\x00" + prompt,
		Model:           prov.Model(),
	})
	log := logger.FromContext(ctx, p.logger).With(logger.FieldJobID, req.JobID, logger.FieldSection, sec.ID)

	content, hit, err := p.deps.Cache.Get(ctx, fp)
	switch {
	case errors.Is(err, errors.ErrIntegrity):
		// The entry is left in place for inspection
		metrics.IncCacheLookup("integrity")
		log.Errorw("Cache entry failed integrity check", logger.FieldFingerprint, fp, logger.FieldError, err)
		return "", "", errors.Wrapf(err, "cache integrity violation for section %s", sec.ID)
	case err != nil:
		// The cache is an optimization; a broken backend means a miss
		metrics.IncCacheLookup("error")
		log.Warnw("Cache lookup failed", logger.FieldFingerprint, fp, logger.FieldError, err)
	case hit:
		metrics.IncCacheLookup("hit")
		res.CacheHits++
		log.Debugw("Cache hit", logger.FieldFingerprint, fp)
		return content, GeneratedByCache, nil
	default:
		metrics.IncCacheLookup("miss")
	}

	if err := p.checkCancelled(ctx, req.JobID); err != nil {
		return "", "", err
	}

	maxTokens := sec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.DefaultMaxTokens
	}
	promptTokens, estTokens := p.deps.Estimator.Estimate(req.System, prompt, maxTokens)
	estCost := provider.EstimateCost(prov.Model(), promptTokens, maxTokens)

	resv, err := p.deps.Ledger.Reserve(ctx, budget.Request{Scopes: req.scopes(), Tokens: int64(estTokens), Cost: estCost})
	if err != nil {
		return "", "", errors.Wrap(err, "failed to reserve budget")
	}
	if !resv.Granted {
		metrics.IncBudgetDenial(string(resv.DeniedScope.Kind()))
		err := errors.MarkBudgetExceeded(errors.Newf("budget exceeded for %s: %s", resv.DeniedScope, resv.Reason))
		err = errors.WithDetailf(err, "Requested: %d tokens, $%.4f", estTokens, estCost)
		return "", "", errors.WithHint(err, "raise the limit with `scribe ledger limit` or reset the scope, then re-enqueue")
	}

	// Past this point the reservation is either recorded or released
	finishCtx := context.WithoutCancel(ctx)
	release := func() {
		if err := p.deps.Ledger.Release(finishCtx, resv); err != nil {
			log.Warnw("Failed to release reservation", "reservation", resv.ID, logger.FieldError, err)
		}
	}

	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx); err != nil {
			release()
			return "", "", errors.Wrap(err, "rate limiter wait interrupted")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	started := time.Now()
	comp, callErr := prov.Complete(callCtx, provider.Prompt{System: req.System, Text: prompt, MaxTokens: maxTokens})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	elapsed := time.Since(started)
	res.ProviderCalls++

	if callErr != nil {
		release()
		metrics.ObserveCompletion(string(prov.Name()), prov.Model(), 0, 0, 0, elapsed, false)
		p.track(finishCtx, req, sec, comp, callErr)
		if timedOut {
			callErr = errors.MarkTransient(errors.Wrapf(callErr, "provider call exceeded %s", p.cfg.ProviderTimeout))
		}
		return "", "", errors.Wrapf(callErr, "provider %s failed", prov.Name())
	}

	// A cancelled job writes no further ledger, cache or checkpoint state
	if err := p.checkCancelled(ctx, req.JobID); err != nil {
		release()
		return "", "", err
	}

	used := int64(comp.TokensUsed())
	if used == 0 {
		used = int64(estTokens)
	}
	if _, err := p.deps.Ledger.Record(finishCtx, resv, used, comp.Cost); err != nil {
		return "", "", errors.Wrap(err, "failed to record usage")
	}
	res.Tokens += used
	res.Cost += comp.Cost
	metrics.ObserveCompletion(string(prov.Name()), comp.Model, comp.PromptTokens, comp.CompletionTokens, comp.Cost, elapsed, true)
	p.track(finishCtx, req, sec, comp, nil)

	content = strings.TrimSpace(comp.Content)
	if content == "" {
		return "", "", errors.MarkTransient(errors.Newf("provider returned empty content for section %s", sec.ID))
	}

	if err := p.deps.Cache.Put(ctx, fp, content, p.cfg.CacheTTL); err != nil {
		log.Warnw("Cache put failed", logger.FieldFingerprint, fp, logger.FieldError, err)
	}

	model := comp.Model
	if model == "" {
		model = prov.Model()
	}
	return content, "provider:" + model, nil
}

func (p *Pipeline) track(ctx context.Context, req Request, sec SectionSpec, comp provider.Completion, callErr error) {
	if p.deps.Tracker == nil {
		return
	}
	usage := tracker.ModelUsage{
		JobID:            req.JobID,
		ClientID:         req.ClientID,
		SectionID:        sec.ID,
		Provider:         string(p.deps.Provider.Name()),
		Model:            p.deps.Provider.Model(),
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: comp.CompletionTokens,
		Cost:             comp.Cost,
		Success:          callErr == nil,
	}
	if callErr != nil {
		usage.Error = callErr.Error()
	}
	if err := p.deps.Tracker.TrackUsage(ctx, usage); err != nil {
		p.logger.Warnw("Failed to track usage", logger.FieldJobID, req.JobID, logger.FieldError, err)
	}
}

// checkCancelled returns an ErrCancelled error once the job was cancelled
func (p *Pipeline) checkCancelled(ctx context.Context, jobID string) error {
	if p.deps.Cancel == nil {
		return nil
	}
	cancelled, err := p.deps.Cancel.IsCancelled(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to check cancellation")
	}
	if cancelled {
		return errors.Mark(errors.Newf("job %s was cancelled", jobID), errors.ErrCancelled)
	}
	return nil
}

func (p *Pipeline) assemble(req Request, done []checkpoint.SectionResult) docstore.Document {
	titles := make(map[string]string, len(req.Sections))
	for _, s := range req.Sections {
		titles[s.ID] = s.Title
	}
	doc := docstore.Document{
		JobID:           req.JobID,
		EntityKind:      string(req.EntityKind),
		EntityID:        req.EntityID,
		ClientID:        req.ClientID,
		Title:           req.Title,
		TemplateVersion: req.TemplateVersion,
		Sections:        make([]docstore.Section, 0, len(done)),
		CreatedAt:       p.timeNow().UTC(),
	}
	for _, s := range done {
		doc.Sections = append(doc.Sections, docstore.Section{
			ID:          s.SectionID,
			Title:       titles[s.SectionID],
			Content:     s.Content,
			GeneratedBy: s.GeneratedBy,
		})
	}
	return doc
}
