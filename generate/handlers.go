package generate

import (
	"context"
	"maps"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/docstore"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/checkpoint"
)

// Generator turns jobs into pipeline requests. It dispatches on the typed
// payload with an exhaustive switch.
type Generator struct {
	pipeline *Pipeline
	catalog  CatalogSource
	docs     docstore.Store
	cancel   CancelChecker
	logger   *zap.SugaredLogger
}

// NewGenerator creates a generator over pipeline and catalog. Each job reads
// the catalog once, so a reload never splits a document across versions.
// docs serves PDF render requests; cancel may be nil.
func NewGenerator(pipeline *Pipeline, catalog CatalogSource, docs docstore.Store, cancel CancelChecker, log *zap.SugaredLogger) *Generator {
	if log == nil {
		log = logger.Logger
	}
	return &Generator{
		pipeline: pipeline,
		catalog:  catalog,
		docs:     docs,
		cancel:   cancel,
		logger:   log.Named("generate"),
	}
}

// Execute runs job and returns the reference of what it stored
func (g *Generator) Execute(ctx context.Context, job *async.Job) (string, error) {
	payload, err := job.DecodePayload()
	if err != nil {
		return "", err
	}

	switch p := payload.(type) {
	case async.BusinessPlanPayload:
		return g.businessPlan(ctx, job, p)
	case async.DeliverablePayload:
		return g.deliverable(ctx, job, p)
	case async.PDFPayload:
		return g.pdf(ctx, job, p)
	default:
		return "", errors.NewValidationError("no generator for payload %T", payload)
	}
}

func (g *Generator) businessPlan(ctx context.Context, job *async.Job, p async.BusinessPlanPayload) (string, error) {
	vars := maps.Clone(p.Variables)
	if vars == nil {
		vars = map[string]string{}
	}
	vars["client_id"] = p.ClientID
	if vars["client_name"] == "" {
		vars["client_name"] = p.ClientID
	}

	req, err := g.request(job, checkpoint.KindBusinessPlan, p.ClientID, p.PlanID, p.TemplateVersion, nil, vars)
	if err != nil {
		return "", err
	}
	return g.generate(ctx, req)
}

func (g *Generator) deliverable(ctx context.Context, job *async.Job, p async.DeliverablePayload) (string, error) {
	vars := maps.Clone(p.Variables)
	if vars == nil {
		vars = map[string]string{}
	}
	vars["client_id"] = p.ClientID
	if vars["client_name"] == "" {
		vars["client_name"] = p.ClientID
	}
	vars["month"] = strconv.Itoa(p.Month)
	vars["month_name"] = time.Month(p.Month).String()
	vars["year"] = strconv.Itoa(p.Year)

	req, err := g.request(job, checkpoint.KindDeliverable, p.ClientID, p.DeliverableID, p.TemplateVersion, p.Sections, vars)
	if err != nil {
		return "", err
	}
	return g.generate(ctx, req)
}

// request builds a pipeline request from the catalog entry for kind
func (g *Generator) request(job *async.Job, kind checkpoint.EntityKind, clientID, entityID, version string, sections []string, vars map[string]string) (Request, error) {
	catalog := g.catalog.Current()
	spec, err := catalog.Entity(kind)
	if err != nil {
		return Request{}, err
	}
	if err := spec.CheckRequired(vars); err != nil {
		return Request{}, err
	}
	selected, err := spec.Select(sections)
	if err != nil {
		return Request{}, err
	}
	title, err := spec.RenderTitle(vars)
	if err != nil {
		return Request{}, err
	}
	system, err := catalog.System(vars)
	if err != nil {
		return Request{}, err
	}
	if version == "" {
		version = spec.TemplateVersion
	}

	return Request{
		JobID:           job.ID,
		ClientID:        clientID,
		EntityID:        entityID,
		EntityKind:      kind,
		Title:           title,
		TemplateVersion: version,
		System:          system,
		Sections:        selected,
		Variables:       vars,
	}, nil
}

func (g *Generator) generate(ctx context.Context, req Request) (string, error) {
	res, err := g.pipeline.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return res.DocumentRef, nil
}

// pdf records a render request for a stored document. Rendering itself
// happens outside this system.
func (g *Generator) pdf(ctx context.Context, job *async.Job, p async.PDFPayload) (string, error) {
	doc, err := g.docs.Load(ctx, p.DocumentRef)
	if errors.IsNotFoundError(err) {
		return "", errors.Mark(err, errors.ErrValidation)
	}
	if err != nil {
		return "", err
	}
	if doc.ClientID != "" && doc.ClientID != p.ClientID {
		return "", errors.NewValidationError("document %s belongs to another client", p.DocumentRef)
	}

	if g.cancel != nil {
		cancelled, err := g.cancel.IsCancelled(ctx, job.ID)
		if err != nil {
			return "", errors.Wrap(err, "failed to check cancellation")
		}
		if cancelled {
			return "", errors.Mark(errors.Newf("job %s was cancelled", job.ID), errors.ErrCancelled)
		}
	}

	ref, err := g.docs.SaveRender(ctx, docstore.RenderRequest{
		JobID:       job.ID,
		ClientID:    p.ClientID,
		DocumentRef: p.DocumentRef,
		Format:      "pdf",
		Title:       doc.Title,
		Sections:    len(doc.Sections),
	})
	if err != nil {
		return "", errors.MarkTransient(errors.Wrap(err, "failed to record render request"))
	}
	g.logger.Infow("Render requested",
		logger.FieldJobID, job.ID,
		"document_ref", p.DocumentRef,
		"render_ref", ref)
	return ref, nil
}

// handler adapts the generator to one job type
type handler struct {
	g *Generator
	t async.JobType
}

func (h handler) Type() async.JobType { return h.t }

func (h handler) Execute(ctx context.Context, job *async.Job) (string, error) {
	return h.g.Execute(ctx, job)
}

// BusinessPlanHandler serves GENERATE_BUSINESS_PLAN jobs
func (g *Generator) BusinessPlanHandler() async.JobHandler {
	return handler{g: g, t: async.TypeBusinessPlan}
}

// DeliverableHandler serves GENERATE_DELIVERABLE jobs
func (g *Generator) DeliverableHandler() async.JobHandler {
	return handler{g: g, t: async.TypeDeliverable}
}

// PDFHandler serves GENERATE_PDF jobs
func (g *Generator) PDFHandler() async.JobHandler {
	return handler{g: g, t: async.TypePDF}
}

// RegisterHandlers registers a handler for every job type
func (g *Generator) RegisterHandlers(registry *async.HandlerRegistry) {
	registry.Register(g.BusinessPlanHandler())
	registry.Register(g.DeliverableHandler())
	registry.Register(g.PDFHandler())
}
