// Package schedule runs Pulse's periodic maintenance: stale lease recovery,
// leaked reservation release, cache purge, completed job cleanup with their
// ledger scopes, and queue depth gauges.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/cache"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/metrics"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/budget"
	"github.com/teranos/scribe/sym"
)

// Queue is the part of the job queue the ticker maintains
type Queue interface {
	RecoverStale(ctx context.Context) (async.RecoverResult, error)
	Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error)
	Stats(ctx context.Context) (*async.QueueStats, error)
}

// Ledger is the part of the token ledger the ticker maintains: leaked
// reservations and the job scopes of cleaned up jobs
type Ledger interface {
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error)
	Forget(ctx context.Context, scope budget.Scope) error
}

// SystemMetricsSource reports worker pool load for the tick line
type SystemMetricsSource interface {
	GetSystemMetrics(ctx context.Context) async.SystemMetrics
}

// TickerConfig configures the maintenance ticker
type TickerConfig struct {
	Interval       time.Duration // Sweep cadence
	Retention      time.Duration // COMPLETED jobs older than this are deleted; 0 keeps them
	ReservationTTL time.Duration // Reservations older than this are released; 0 skips
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:       30 * time.Second,
		Retention:      30 * 24 * time.Hour,
		ReservationTTL: 10 * time.Minute,
	}
}

// TickerConfigFromConfig reads ticker settings from the application config.
// A reservation outlives at most one provider call plus its lease, so it is
// released after twice the longer of the two.
func TickerConfigFromConfig(cfg *am.Config) TickerConfig {
	ttl := max(cfg.Pulse.Lease(), cfg.Pulse.ProviderTimeout())
	return TickerConfig{
		Interval:       cfg.Pulse.SweepInterval(),
		Retention:      cfg.Pulse.Retention(),
		ReservationTTL: 2 * ttl,
	}
}

// SweepResult summarises one maintenance pass
type SweepResult struct {
	Requeued   []string `json:"requeued"`
	Failed     []string `json:"failed"`
	Released   int      `json:"reservations_released"`
	Purged     int64    `json:"cache_purged"`
	Cleaned    int64    `json:"jobs_cleaned"`
	Forgotten  int      `json:"job_scopes_forgotten"`
	Pending    int      `json:"pending"`
	Processing int      `json:"processing"`
	Errors     int      `json:"errors"`
}

// Ticker runs the maintenance sweep on an interval
type Ticker struct {
	queue    Queue
	ledger   Ledger
	cache    cache.Cache
	system   SystemMetricsSource
	cfg      TickerConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger
	timeNow  func() time.Time

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// NewTicker creates a maintenance ticker. ledger, c and system may be nil.
func NewTicker(ctx context.Context, queue Queue, ledger Ledger, c cache.Cache, system SystemMetricsSource, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = logger.Logger
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		queue:          queue,
		ledger:         ledger,
		cache:          c,
		system:         system,
		cfg:            cfg,
		ctx:            tickerCtx,
		cancel:         cancel,
		logger:         log,
		pulseLog:       logger.AddPulseSymbol(log),
		timeNow:        time.Now,
		lastActiveWork: -1,
	}
}

// SetClock overrides the time source (tests)
func (t *Ticker) SetClock(now func() time.Time) { t.timeNow = now }

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.cfg.Interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			ticks := t.ticksSinceStart
			t.mu.Unlock()

			res, err := t.Sweep(t.ctx)
			if err != nil {
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", ticks)
				continue
			}
			t.logActivity(res)
		}
	}
}

// Sweep runs one maintenance pass. Each step runs even when an earlier one
// failed; the first error is returned.
func (t *Ticker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var first error
	fail := func(step string, err error) {
		res.Errors++
		t.pulseLog.Warnw("Maintenance step failed", "step", step, logger.FieldError, err)
		if first == nil {
			first = errors.Wrapf(err, "maintenance %s", step)
		}
	}

	recovered, err := t.queue.RecoverStale(ctx)
	if err != nil {
		fail("recover", err)
	}
	res.Requeued, res.Failed = recovered.Requeued, recovered.Failed

	if t.ledger != nil && t.cfg.ReservationTTL > 0 {
		n, err := t.ledger.ReleaseExpired(ctx, t.timeNow().UTC().Add(-t.cfg.ReservationTTL))
		if err != nil {
			fail("release", err)
		}
		res.Released = n
	}

	if p, ok := t.cache.(cache.Purger); ok {
		n, err := p.Purge(ctx)
		if err != nil {
			fail("purge", err)
		}
		res.Purged = n
	}

	if t.cfg.Retention > 0 {
		ids, err := t.queue.Cleanup(ctx, t.cfg.Retention)
		if err != nil {
			fail("cleanup", err)
		}
		res.Cleaned = int64(len(ids))
		if t.ledger != nil {
			for _, id := range ids {
				if err := t.ledger.Forget(ctx, budget.JobScope(id)); err != nil {
					fail("forget", err)
					continue
				}
				res.Forgotten++
			}
		}
	}

	stats, err := t.queue.Stats(ctx)
	if err != nil {
		fail("stats", err)
	} else {
		res.Pending, res.Processing = stats.Pending, stats.Processing
		metrics.SetQueueDepth(string(async.StatusPending), stats.Pending)
		metrics.SetQueueDepth(string(async.StatusProcessing), stats.Processing)
		metrics.SetQueueDepth(string(async.StatusCompleted), stats.Completed)
		metrics.SetQueueDepth(string(async.StatusFailed), stats.Failed)
	}

	if n := len(res.Requeued) + len(res.Failed) + res.Released + int(res.Purged) + int(res.Cleaned); n > 0 {
		t.pulseLog.Infow("Maintenance sweep",
			"requeued", len(res.Requeued),
			"failed", len(res.Failed),
			"reservations_released", res.Released,
			"cache_purged", res.Purged,
			"jobs_cleaned", res.Cleaned,
			"job_scopes_forgotten", res.Forgotten)
	}
	return res, first
}

// logActivity prints the tick line when the amount of active work changes
func (t *Ticker) logActivity(res SweepResult) {
	activeWork := res.Pending + res.Processing

	t.mu.Lock()
	changed := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !changed {
		return
	}

	if activeWork == 0 {
		t.pulseLog.Infow("Pulse - idle")
		return
	}

	// One glyph per five jobs, capped at sixty
	numSymbols := min(activeWork/5+1, 60)
	indicator := strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols))

	msg := fmt.Sprintf("%s Pulse - %d pending, %d processing", indicator, res.Pending, res.Processing)
	if t.system != nil {
		m := t.system.GetSystemMetrics(t.ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.cfg.Interval.String(),
	}
}
