package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
)

// DefaultThresholds are the alert percentages applied when none are configured.
var DefaultThresholds = []int{50, 75, 90, 100}

// Limits configures a scope. Nil limits mean unlimited.
type Limits struct {
	Tokens     *int64   `json:"limit_tokens,omitempty"`
	Cost       *float64 `json:"limit_cost,omitempty"`
	Thresholds []int    `json:"alert_thresholds,omitempty"`
	AutoPause  bool     `json:"auto_pause"`
}

// Validate rejects negative limits and thresholds outside 1-100.
func (l Limits) Validate() error {
	if l.Tokens != nil && *l.Tokens < 0 {
		return errors.NewValidationError("limit_tokens must be >= 0, got %d", *l.Tokens)
	}
	if l.Cost != nil && *l.Cost < 0 {
		return errors.NewValidationError("limit_cost must be >= 0, got %g", *l.Cost)
	}
	for _, t := range l.Thresholds {
		if t < 1 || t > 100 {
			return errors.NewValidationError("alert threshold %d out of range 1-100", t)
		}
	}
	return nil
}

// Defaults holds the limits applied to scopes on first use, per scope kind.
type Defaults struct {
	Global Limits
	Client Limits
	Job    Limits
}

func (d Defaults) forScope(s Scope) Limits {
	switch s.Kind() {
	case KindGlobal:
		return d.Global
	case KindClient:
		return d.Client
	default:
		return d.Job
	}
}

// Status is a read-only snapshot of a scope.
type Status struct {
	Scope          Scope     `json:"scope"`
	TokensUsed     int64     `json:"tokens_used"`
	TokensReserved int64     `json:"tokens_reserved"`
	CostUsed       float64   `json:"cost_used"`
	CostReserved   float64   `json:"cost_reserved"`
	LimitTokens    *int64    `json:"limit_tokens,omitempty"`
	LimitCost      *float64  `json:"limit_cost,omitempty"`
	PercentUsed    float64   `json:"percent_used"`
	IsPaused       bool      `json:"is_paused"`
	AutoPause      bool      `json:"auto_pause"`
	Thresholds     []int     `json:"alert_thresholds"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Request asks for tokens and cost on one or more scopes. All scopes must
// grant for the reservation to be granted.
type Request struct {
	Scopes []Scope
	Tokens int64
	Cost   float64
}

// Reservation is the outcome of Reserve. A denied reservation holds nothing
// and must not be recorded.
type Reservation struct {
	ID          string  `json:"id"`
	Scopes      []Scope `json:"scopes"`
	Tokens      int64   `json:"tokens"`
	Cost        float64 `json:"cost"`
	Granted     bool    `json:"granted"`
	DeniedScope Scope   `json:"denied_scope,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Alert is emitted when recorded usage crosses a configured threshold.
type Alert struct {
	Scope       Scope     `json:"scope"`
	Threshold   int       `json:"threshold"`
	PercentUsed float64   `json:"percent_used"`
	TokensUsed  int64     `json:"tokens_used"`
	CostUsed    float64   `json:"cost_used"`
	Paused      bool      `json:"paused"`
	At          time.Time `json:"at"`
}

// AlertNotifier receives threshold alerts. Calls are fire-and-forget.
type AlertNotifier interface {
	NotifyBudgetAlert(ctx context.Context, alert Alert)
}

// Ledger enforces token and cost budgets per scope.
//
// Reserve and Record each run in one write transaction, so check-then-reserve
// is atomic against every other writer on the same database. An in-process
// lock per scope keeps same-scope callers from queueing on SQLite's busy
// handler; unrelated scopes don't contend here.
type Ledger struct {
	store    *Store
	defaults Defaults
	notifier AlertNotifier
	locks    *scopeLocks
	logger   *zap.SugaredLogger
	timeNow  func() time.Time // Injectable for testing
	db       *sql.DB
}

// NewLedger creates a ledger over db.
func NewLedger(db *sql.DB, defaults Defaults, notifier AlertNotifier, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = logger.Logger
	}
	return &Ledger{
		store:    NewStore(db),
		defaults: defaults,
		notifier: notifier,
		locks:    newScopeLocks(),
		logger:   logger.AddLedgerSymbol(log.Named("ledger")),
		timeNow:  time.Now,
		db:       db,
	}
}

// SetClock replaces the ledger clock (tests).
func (l *Ledger) SetClock(now func() time.Time) {
	l.timeNow = now
}

// Reserve checks every scope in req and, if all grant, holds the requested
// amounts until Record or Release. A scope denies when it is paused, or when
// auto-pause is set, a limit is configured and the limit is already reached
// or would be exceeded by used + reserved + requested.
func (l *Ledger) Reserve(ctx context.Context, req Request) (Reservation, error) {
	scopes := uniqueSorted(req.Scopes)
	res := Reservation{Scopes: scopes, Tokens: req.Tokens, Cost: req.Cost}
	if len(scopes) == 0 {
		return res, errors.NewValidationError("reserve requires at least one scope")
	}
	if req.Tokens < 0 || req.Cost < 0 {
		return res, errors.NewValidationError("reserve amounts must be >= 0 (tokens=%d cost=%f)", req.Tokens, req.Cost)
	}

	unlock := l.locks.lock(scopes)
	defer unlock()

	now := l.timeNow().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return res, errors.Wrap(err, "failed to begin reserve")
	}
	defer tx.Rollback()

	for _, scope := range scopes {
		if err := l.store.ensureScope(ctx, tx, scope, l.defaults.forScope(scope), now); err != nil {
			return res, err
		}
		row, err := l.store.getScopeTx(ctx, tx, scope)
		if err != nil {
			return res, err
		}
		if reason := denyReason(row, req.Tokens, req.Cost); reason != "" {
			res.DeniedScope = scope
			res.Reason = reason
			l.logger.Infow("Reservation denied",
				logger.FieldScope, scope,
				logger.FieldTokens, req.Tokens,
				"reason", reason)
			return res, nil
		}
	}

	res.ID = uuid.NewString()
	for _, scope := range scopes {
		if err := l.store.addReservationTx(ctx, tx, res.ID, scope, req.Tokens, req.Cost, now); err != nil {
			return Reservation{Scopes: scopes}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Reservation{Scopes: scopes}, errors.Wrap(err, "failed to commit reservation")
	}

	res.Granted = true
	l.logger.Debugw("Reservation granted", "reservation", res.ID, logger.FieldTokens, req.Tokens, "scopes", scopes)
	return res, nil
}

func denyReason(row *scopeRow, tokens int64, cost float64) string {
	if row.IsPaused {
		return fmt.Sprintf("scope %s is paused", row.Scope)
	}
	if !row.AutoPause {
		return ""
	}
	if row.LimitTokens != nil {
		limit := *row.LimitTokens
		if row.TokensUsed >= limit {
			return fmt.Sprintf("token limit reached: used %d of %d", row.TokensUsed, limit)
		}
		if row.TokensUsed+row.TokensReserved+tokens > limit {
			return fmt.Sprintf("token limit would be exceeded: used %d + reserved %d + requested %d > limit %d",
				row.TokensUsed, row.TokensReserved, tokens, limit)
		}
	}
	if row.LimitCost != nil {
		limit := *row.LimitCost
		if row.CostUsed >= limit {
			return fmt.Sprintf("cost limit reached: used $%.4f of $%.2f", row.CostUsed, limit)
		}
		if row.CostUsed+row.CostReserved+cost > limit {
			return fmt.Sprintf("cost limit would be exceeded: used $%.4f + reserved $%.4f + requested $%.4f > limit $%.2f",
				row.CostUsed, row.CostReserved, cost, limit)
		}
	}
	return ""
}

// Record reconciles a granted reservation with actual usage and evaluates
// alert thresholds on every scope it touched. Actual usage is always
// recorded, even past a limit: the call already happened. When that
// pushes an auto-pause scope to its limit, the scope pauses and only later
// reservations are denied. Crossed thresholds are returned and sent to the
// notifier without waiting.
//
// A reservation with an empty ID records usage without releasing anything.
func (l *Ledger) Record(ctx context.Context, res Reservation, tokens int64, cost float64) ([]Alert, error) {
	scopes := uniqueSorted(res.Scopes)
	if len(scopes) == 0 {
		return nil, nil
	}

	unlock := l.locks.lock(scopes)
	defer unlock()

	now := l.timeNow().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin record")
	}
	defer tx.Rollback()

	var alerts []Alert
	for _, scope := range scopes {
		if err := l.store.ensureScope(ctx, tx, scope, l.defaults.forScope(scope), now); err != nil {
			return nil, err
		}
		if res.ID != "" {
			if err := l.store.releaseReservationTx(ctx, tx, res.ID, scope, now); err != nil {
				return nil, err
			}
		}
		if err := l.store.addUsageTx(ctx, tx, scope, tokens, cost, now); err != nil {
			return nil, err
		}

		row, err := l.store.getScopeTx(ctx, tx, scope)
		if err != nil {
			return nil, err
		}
		crossed, last := crossedThresholds(row.Thresholds, row.LastAlertPct, row.percentUsed())
		paused := row.IsPaused || (row.AutoPause && row.atLimit())
		if last != row.LastAlertPct || paused != row.IsPaused {
			if err := l.store.setAlertStateTx(ctx, tx, scope, last, paused, now); err != nil {
				return nil, err
			}
		}
		for _, threshold := range crossed {
			alerts = append(alerts, Alert{
				Scope:       scope,
				Threshold:   threshold,
				PercentUsed: row.percentUsed(),
				TokensUsed:  row.TokensUsed,
				CostUsed:    row.CostUsed,
				Paused:      paused,
				At:          now,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit usage")
	}

	for _, a := range alerts {
		l.logger.Warnw("Budget threshold crossed",
			logger.FieldScope, a.Scope,
			"threshold", a.Threshold,
			"percent_used", fmt.Sprintf("%.1f", a.PercentUsed),
			"paused", a.Paused)
		l.notify(a)
	}
	return alerts, nil
}

func (l *Ledger) notify(a Alert) {
	if l.notifier == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Errorw("Budget notifier panicked", "panic", r)
			}
		}()
		l.notifier.NotifyBudgetAlert(context.Background(), a)
	}()
}

// crossedThresholds returns thresholds in (last, pct] in ascending order and
// the new high-water mark.
func crossedThresholds(thresholds []int, last int, pct float64) ([]int, int) {
	var crossed []int
	high := last
	for _, t := range thresholds {
		if t > last && pct >= float64(t) {
			crossed = append(crossed, t)
			if t > high {
				high = t
			}
		}
	}
	return crossed, high
}

// Release drops a granted reservation without recording usage, e.g. when
// the provider call failed before producing anything billable.
func (l *Ledger) Release(ctx context.Context, res Reservation) error {
	if !res.Granted || res.ID == "" {
		return nil
	}
	scopes := uniqueSorted(res.Scopes)
	unlock := l.locks.lock(scopes)
	defer unlock()

	now := l.timeNow().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin release")
	}
	defer tx.Rollback()

	for _, scope := range scopes {
		if err := l.store.releaseReservationTx(ctx, tx, res.ID, scope, now); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit release")
}

// ReleaseExpired drops reservations created before cutoff. A worker that
// crashed between Reserve and Record leaves its reservation behind; the
// maintenance sweep returns it once no live call can still hold it.
func (l *Ledger) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	held, err := l.store.ListReservationsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	released := 0
	for id, scopes := range held {
		if err := l.Release(ctx, Reservation{ID: id, Scopes: scopes, Granted: true}); err != nil {
			return released, errors.Wrapf(err, "failed to release expired reservation %s", id)
		}
		released++
	}
	if released > 0 {
		logger.AddLedgerSymbol(l.logger).Infow("Released expired reservations",
			logger.FieldCount, released, "cutoff", cutoff)
	}
	return released, nil
}

// Status returns a snapshot of scope. Unknown scopes report zero usage with
// the default limits for their kind.
func (l *Ledger) Status(ctx context.Context, scope Scope) (Status, error) {
	row, err := l.store.GetScope(ctx, scope)
	if err != nil {
		return Status{}, err
	}
	if row == nil {
		d := l.defaults.forScope(scope)
		row = &scopeRow{
			Scope:       scope,
			LimitTokens: d.Tokens,
			LimitCost:   d.Cost,
			Thresholds:  thresholdsOrDefault(d.Thresholds),
			AutoPause:   d.AutoPause,
		}
	}
	return row.status(), nil
}

// List returns the status of every known scope.
func (l *Ledger) List(ctx context.Context) ([]Status, error) {
	rows, err := l.store.ListScopes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.status())
	}
	return out, nil
}

func (r *scopeRow) status() Status {
	return Status{
		Scope:          r.Scope,
		TokensUsed:     r.TokensUsed,
		TokensReserved: r.TokensReserved,
		CostUsed:       r.CostUsed,
		CostReserved:   r.CostReserved,
		LimitTokens:    r.LimitTokens,
		LimitCost:      r.LimitCost,
		PercentUsed:    r.percentUsed(),
		IsPaused:       r.IsPaused,
		AutoPause:      r.AutoPause,
		Thresholds:     r.Thresholds,
		UpdatedAt:      r.UpdatedAt,
	}
}

// Reset clears usage counters for a new billing period. Limits are kept.
func (l *Ledger) Reset(ctx context.Context, scope Scope) error {
	return l.withScope(ctx, scope, func(tx *sql.Tx, now time.Time) error {
		return l.store.resetTx(ctx, tx, scope, now)
	})
}

// SetLimits replaces the limits of scope. Pause state is re-evaluated on the
// next Record; raising a limit does not unpause a paused scope, Reset does.
func (l *Ledger) SetLimits(ctx context.Context, scope Scope, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	return l.withScope(ctx, scope, func(tx *sql.Tx, now time.Time) error {
		return l.store.setLimitsTx(ctx, tx, scope, limits, now)
	})
}

// Forget deletes a job scope and its reservations. The maintenance sweep
// calls it for completed jobs it removes.
func (l *Ledger) Forget(ctx context.Context, scope Scope) error {
	if scope.Kind() != KindJob {
		return errors.NewValidationError("only job scopes can be forgotten, got %s", scope)
	}
	unlock := l.locks.lock([]Scope{scope})
	defer unlock()
	return l.store.DeleteScope(ctx, scope)
}

func (l *Ledger) withScope(ctx context.Context, scope Scope, fn func(tx *sql.Tx, now time.Time) error) error {
	unlock := l.locks.lock([]Scope{scope})
	defer unlock()

	now := l.timeNow().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin ledger update on %s", scope)
	}
	defer tx.Rollback()

	if err := l.store.ensureScope(ctx, tx, scope, l.defaults.forScope(scope), now); err != nil {
		return err
	}
	if err := fn(tx, now); err != nil {
		return err
	}
	return errors.Wrapf(tx.Commit(), "failed to commit ledger update on %s", scope)
}

func thresholdsOrDefault(ts []int) []int {
	if len(ts) == 0 {
		return DefaultThresholds
	}
	return ts
}

func uniqueSorted(scopes []Scope) []Scope {
	seen := make(map[Scope]bool, len(scopes))
	out := make([]Scope, 0, len(scopes))
	for _, s := range scopes {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// scopeLocks hands out one mutex per scope. Callers lock scopes in sorted
// order so multi-scope reservations cannot deadlock.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[Scope]*sync.Mutex
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[Scope]*sync.Mutex)}
}

func (s *scopeLocks) lock(sorted []Scope) func() {
	held := make([]*sync.Mutex, 0, len(sorted))
	for _, scope := range sorted {
		s.mu.Lock()
		m, ok := s.locks[scope]
		if !ok {
			m = &sync.Mutex{}
			s.locks[scope] = m
		}
		s.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
