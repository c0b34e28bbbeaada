// Package budget is the token ledger: per-scope usage, limits, reservations
// and threshold alerts, persisted in SQLite.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/scribe/errors"
)

// scopeRow is one ledger_scopes row.
type scopeRow struct {
	Scope          Scope
	TokensUsed     int64
	CostUsed       float64
	TokensReserved int64
	CostReserved   float64
	LimitTokens    *int64
	LimitCost      *float64
	Thresholds     []int
	AutoPause      bool
	IsPaused       bool
	LastAlertPct   int
	UpdatedAt      time.Time
}

// percentUsed is the larger of token and cost consumption against their limits.
func (r *scopeRow) percentUsed() float64 {
	pct := 0.0
	if r.LimitTokens != nil && *r.LimitTokens > 0 {
		pct = float64(r.TokensUsed) / float64(*r.LimitTokens) * 100
	}
	if r.LimitCost != nil && *r.LimitCost > 0 {
		if c := r.CostUsed / *r.LimitCost * 100; c > pct {
			pct = c
		}
	}
	return pct
}

// atLimit reports whether recorded usage has reached a configured limit.
func (r *scopeRow) atLimit() bool {
	if r.LimitTokens != nil && r.TokensUsed >= *r.LimitTokens {
		return true
	}
	if r.LimitCost != nil && r.CostUsed >= *r.LimitCost {
		return true
	}
	return false
}

// Store handles ledger queries. Methods taking a *sql.Tx run inside the
// caller's transaction.
type Store struct {
	db *sql.DB
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const scopeColumns = `scope, tokens_used, cost_used, tokens_reserved, cost_reserved,
	limit_tokens, limit_cost, alert_thresholds, auto_pause, is_paused, last_alert_pct, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScope(s rowScanner) (*scopeRow, error) {
	var (
		row         scopeRow
		scope       string
		limitTokens sql.NullInt64
		limitCost   sql.NullFloat64
		thresholds  string
	)
	err := s.Scan(&scope, &row.TokensUsed, &row.CostUsed, &row.TokensReserved, &row.CostReserved,
		&limitTokens, &limitCost, &thresholds, &row.AutoPause, &row.IsPaused, &row.LastAlertPct, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	row.Scope = Scope(scope)
	if limitTokens.Valid {
		v := limitTokens.Int64
		row.LimitTokens = &v
	}
	if limitCost.Valid {
		v := limitCost.Float64
		row.LimitCost = &v
	}
	row.Thresholds = parseThresholds(thresholds)
	return &row, nil
}

// ensureScope inserts a row with the given defaults if the scope is new.
func (s *Store) ensureScope(ctx context.Context, tx *sql.Tx, scope Scope, defaults Limits, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_scopes (scope, limit_tokens, limit_cost, alert_thresholds, auto_pause, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(scope), nullInt(defaults.Tokens), nullFloat(defaults.Cost),
		formatThresholds(defaults.Thresholds), defaults.AutoPause, now)
	if err != nil {
		return errors.Wrapf(err, "failed to ensure ledger scope %s", scope)
	}
	return nil
}

func (s *Store) getScopeTx(ctx context.Context, tx *sql.Tx, scope Scope) (*scopeRow, error) {
	row, err := scanScope(tx.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM ledger_scopes WHERE scope = ?`, string(scope)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ledger scope %s", scope)
	}
	return row, nil
}

// GetScope returns the persisted row, or nil if the scope was never touched.
func (s *Store) GetScope(ctx context.Context, scope Scope) (*scopeRow, error) {
	row, err := scanScope(s.db.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM ledger_scopes WHERE scope = ?`, string(scope)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ledger scope %s", scope)
	}
	return row, nil
}

// ListScopes returns every ledger row ordered by scope.
func (s *Store) ListScopes(ctx context.Context) ([]*scopeRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scopeColumns+` FROM ledger_scopes ORDER BY scope`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger scopes")
	}
	defer rows.Close()

	var out []*scopeRow
	for rows.Next() {
		row, err := scanScope(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger scope")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) addReservationTx(ctx context.Context, tx *sql.Tx, id string, scope Scope, tokens int64, cost float64, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_reservations (id, scope, tokens, cost, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(scope), tokens, cost, now); err != nil {
		return errors.Wrapf(err, "failed to insert reservation for %s", scope)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_scopes
		SET tokens_reserved = tokens_reserved + ?, cost_reserved = cost_reserved + ?, updated_at = ?
		WHERE scope = ?`, tokens, cost, now, string(scope)); err != nil {
		return errors.Wrapf(err, "failed to reserve on %s", scope)
	}
	return nil
}

// releaseReservationTx drops the reservation row for scope and returns the
// amounts it held. A missing row (already released or reset) releases nothing.
func (s *Store) releaseReservationTx(ctx context.Context, tx *sql.Tx, id string, scope Scope, now time.Time) error {
	var tokens int64
	var cost float64
	err := tx.QueryRowContext(ctx,
		`SELECT tokens, cost FROM ledger_reservations WHERE id = ? AND scope = ?`, id, string(scope)).Scan(&tokens, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read reservation %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_reservations WHERE id = ? AND scope = ?`, id, string(scope)); err != nil {
		return errors.Wrapf(err, "failed to delete reservation %s", id)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_scopes
		SET tokens_reserved = MAX(0, tokens_reserved - ?), cost_reserved = MAX(0, cost_reserved - ?), updated_at = ?
		WHERE scope = ?`, tokens, cost, now, string(scope))
	if err != nil {
		return errors.Wrapf(err, "failed to release reservation on %s", scope)
	}
	return nil
}

// ListReservationsBefore returns reservations created before cutoff, keyed
// by reservation ID.
func (s *Store) ListReservationsBefore(ctx context.Context, cutoff time.Time) (map[string][]Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope FROM ledger_reservations WHERE created_at < ? ORDER BY id, scope`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reservations")
	}
	defer rows.Close()

	out := make(map[string][]Scope)
	for rows.Next() {
		var id, scope string
		if err := rows.Scan(&id, &scope); err != nil {
			return nil, errors.Wrap(err, "failed to scan reservation")
		}
		out[id] = append(out[id], Scope(scope))
	}
	return out, rows.Err()
}

func (s *Store) addUsageTx(ctx context.Context, tx *sql.Tx, scope Scope, tokens int64, cost float64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_scopes
		SET tokens_used = tokens_used + ?, cost_used = cost_used + ?, updated_at = ?
		WHERE scope = ?`, tokens, cost, now, string(scope))
	if err != nil {
		return errors.Wrapf(err, "failed to record usage on %s", scope)
	}
	return nil
}

func (s *Store) setAlertStateTx(ctx context.Context, tx *sql.Tx, scope Scope, lastAlertPct int, paused bool, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_scopes SET last_alert_pct = ?, is_paused = ?, updated_at = ? WHERE scope = ?`,
		lastAlertPct, paused, now, string(scope))
	if err != nil {
		return errors.Wrapf(err, "failed to update alert state on %s", scope)
	}
	return nil
}

// resetTx zeroes usage, reservations, pause and alert marks. Limits stay.
func (s *Store) resetTx(ctx context.Context, tx *sql.Tx, scope Scope, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_reservations WHERE scope = ?`, string(scope)); err != nil {
		return errors.Wrapf(err, "failed to clear reservations on %s", scope)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_scopes
		SET tokens_used = 0, cost_used = 0, tokens_reserved = 0, cost_reserved = 0,
			is_paused = 0, last_alert_pct = 0, updated_at = ?
		WHERE scope = ?`, now, string(scope))
	if err != nil {
		return errors.Wrapf(err, "failed to reset %s", scope)
	}
	return nil
}

func (s *Store) setLimitsTx(ctx context.Context, tx *sql.Tx, scope Scope, limits Limits, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE ledger_scopes
		SET limit_tokens = ?, limit_cost = ?, alert_thresholds = ?, auto_pause = ?, updated_at = ?
		WHERE scope = ?`,
		nullInt(limits.Tokens), nullFloat(limits.Cost), formatThresholds(limits.Thresholds), limits.AutoPause, now, string(scope))
	if err != nil {
		return errors.Wrapf(err, "failed to set limits on %s", scope)
	}
	return nil
}

// DeleteScope removes a scope and its reservations. Used to drop job scopes
// once their job is terminal.
func (s *Store) DeleteScope(ctx context.Context, scope Scope) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_scopes WHERE scope = ?`, string(scope)); err != nil {
		return errors.Wrapf(err, "failed to delete scope %s", scope)
	}
	return nil
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func formatThresholds(ts []int) string {
	if len(ts) == 0 {
		ts = DefaultThresholds
	}
	sorted := append([]int(nil), ts...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, ",")
}

func parseThresholds(raw string) []int {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func (r *scopeRow) String() string {
	return fmt.Sprintf("%s used=%d reserved=%d paused=%v", r.Scope, r.TokensUsed, r.TokensReserved, r.IsPaused)
}
