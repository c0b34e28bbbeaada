// Package app assembles the scribe runtime from configuration. The HTTP
// server and the CLI share it so both run the same stack.
package app

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/scribe/ai"
	"github.com/teranos/scribe/ai/tokens"
	"github.com/teranos/scribe/ai/tracker"
	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/cache"
	"github.com/teranos/scribe/db"
	"github.com/teranos/scribe/docstore"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/generate"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/notify"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/budget"
	"github.com/teranos/scribe/pulse/checkpoint"
	"github.com/teranos/scribe/pulse/schedule"
)

// App holds the durable stores. Pulse (provider, pipeline, workers and the
// maintenance ticker) is built separately by StartPulse so read-only CLI
// commands never need provider credentials.
type App struct {
	Config      *am.Config
	DB          *sql.DB
	Queue       *async.Queue
	Ledger      *budget.Ledger
	Checkpoints *checkpoint.Store
	Cache       cache.Cache
	Docs        *docstore.Local
	Tracker     *tracker.UsageTracker
	Notifier    *notify.Dispatcher

	Pool    *async.WorkerPool
	Ticker  *schedule.Ticker
	catalog *generate.CatalogWatcher

	webhooks   []*notify.Webhook
	closeCache func() error
	logger     *zap.SugaredLogger
}

// New opens the database, applies migrations and builds the stores
func New(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app requires a config")
	}
	if log == nil {
		log = logger.Logger
	}

	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	c, closeCache, err := cache.New(ctx, cfg, database)
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to create cache")
	}

	notifier := notify.NewDispatcher(log, notify.NewLog(log))
	webhooks := make([]*notify.Webhook, 0, len(cfg.Notify.Webhooks))
	for _, url := range cfg.Notify.Webhooks {
		hook, err := notify.NewWebhook(notify.WebhookConfig{
			URL:          url,
			Timeout:      cfg.Notify.Timeout(),
			QueueSize:    cfg.Notify.QueueSize,
			AllowPrivate: cfg.Notify.AllowPrivate,
		}, log)
		if err != nil {
			for _, w := range webhooks {
				w.Close()
			}
			closeCache()
			database.Close()
			return nil, err
		}
		notifier.Add(hook)
		webhooks = append(webhooks, hook)
	}
	checkpoints := checkpoint.NewStore(database, log)

	queue := async.NewQueue(database, async.QueueConfigFromConfig(cfg), log)
	queue.SetCheckpoints(checkpoints)
	queue.SetFailureNotifier(notifier)

	return &App{
		Config:      cfg,
		DB:          database,
		Queue:       queue,
		Ledger:      budget.NewLedger(database, budget.DefaultsFromConfig(cfg), notifier, log),
		Checkpoints: checkpoints,
		Cache:       c,
		Docs:        docstore.NewLocal(cfg.Storage.Dir),
		Tracker:     tracker.NewUsageTracker(database),
		Notifier:    notifier,
		webhooks:    webhooks,
		closeCache:  closeCache,
		logger:      log,
	}, nil
}

// catalogSource returns the built-in catalog, or a watcher over the
// configured file so template edits apply without a restart
func (a *App) catalogSource() (generate.CatalogSource, error) {
	if a.Config.Storage.Catalog == "" {
		return generate.DefaultCatalog()
	}
	w, err := generate.WatchCatalogFile(a.Config.Storage.Catalog, a.logger)
	if err != nil {
		return nil, err
	}
	a.catalog = w
	return w, nil
}

// StartPulse builds the provider, pipeline and worker pool and starts the
// workers together with the maintenance ticker. ctx bounds their lifetime.
func (a *App) StartPulse(ctx context.Context) error {
	if a.Pool != nil {
		return errors.New("pulse already started")
	}

	p, err := ai.NewProvider(a.Config, a.logger)
	if err != nil {
		return err
	}
	catalog, err := a.catalogSource()
	if err != nil {
		return errors.Wrap(err, "failed to load section catalog")
	}

	pipeline, err := generate.NewPipeline(generate.Deps{
		Checkpoints: a.Checkpoints,
		Cache:       a.Cache,
		Ledger:      a.Ledger,
		Limiter:     budget.NewLimiter(a.Config.Pulse.MaxCallsPerMinute),
		Provider:    p,
		Estimator:   tokens.New(p.Model()),
		Tracker:     a.Tracker,
		Docs:        a.Docs,
		Cancel:      a.Queue,
	}, generate.ConfigFromConfig(a.Config), a.logger)
	if err != nil {
		a.closeCatalog()
		return err
	}

	registry := async.NewHandlerRegistry()
	generate.NewGenerator(pipeline, catalog, a.Docs, a.Queue, a.logger).RegisterHandlers(registry)

	a.Pool = async.NewWorkerPool(ctx, a.Queue, registry, async.WorkerPoolConfigFromConfig(a.Config), a.logger)
	a.Pool.Start()

	if a.Config.Pulse.SweepInterval() > 0 {
		a.Ticker = schedule.NewTicker(ctx, a.Queue, a.Ledger, a.Cache, a.Pool,
			schedule.TickerConfigFromConfig(a.Config), a.logger)
		a.Ticker.Start()
	}

	a.logger.Infow("Pulse running",
		"provider", p.Name(),
		"model", p.Model(),
		"workers", a.Pool.Workers(),
		"job_types", registry.Types())
	return nil
}

// StopPulse stops the ticker and drains the workers
func (a *App) StopPulse() {
	if a.Ticker != nil {
		a.Ticker.Stop()
		a.Ticker = nil
	}
	if a.Pool != nil {
		a.Pool.Stop()
		a.Pool = nil
	}
	a.closeCatalog()
}

func (a *App) closeCatalog() {
	if a.catalog != nil {
		a.catalog.Close()
		a.catalog = nil
	}
}

// Close stops Pulse, drains webhooks and releases the cache backend and
// the database
func (a *App) Close() error {
	a.StopPulse()
	for _, w := range a.webhooks {
		w.Close()
	}
	var first error
	if err := a.closeCache(); err != nil {
		first = errors.Wrap(err, "failed to close cache")
	}
	if err := a.DB.Close(); err != nil && first == nil {
		first = errors.Wrap(err, "failed to close database")
	}
	return first
}
