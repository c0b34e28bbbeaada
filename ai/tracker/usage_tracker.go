package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/scribe/errors"
)

// ModelUsage is one provider call as recorded in ai_model_usage
type ModelUsage struct {
	ID               int64     `json:"id"`
	JobID            string    `json:"job_id,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	SectionID        string    `json:"section_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageTracker persists the per-call audit trail that backs usage reports.
// The token ledger is the enforcement path; this table is the history.
type UsageTracker struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewUsageTracker creates a tracker over db
func NewUsageTracker(db *sql.DB) *UsageTracker {
	return &UsageTracker{db: db, timeNow: time.Now}
}

// TrackUsage records a provider call
func (t *UsageTracker) TrackUsage(ctx context.Context, usage ModelUsage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = t.timeNow().UTC()
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO ai_model_usage (
			job_id, client_id, section_id, provider, model,
			prompt_tokens, completion_tokens, cost, success, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(usage.JobID), nullable(usage.ClientID), nullable(usage.SectionID),
		usage.Provider, usage.Model,
		usage.PromptTokens, usage.CompletionTokens, usage.Cost,
		usage.Success, nullable(usage.Error), usage.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record model usage")
	}
	return nil
}

// UsageStats is aggregated usage over a period
type UsageStats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TotalTokens        int64   `json:"total_tokens"`
	TotalCost          float64 `json:"total_cost"`
	UniqueModels       int     `json:"unique_models"`
}

// GetUsageStats aggregates calls since the given time; clientID narrows the
// result to one client when non-empty.
func (t *UsageTracker) GetUsageStats(ctx context.Context, since time.Time, clientID string) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN success = 1 THEN 1 END),
			COALESCE(SUM(prompt_tokens + completion_tokens), 0),
			COALESCE(SUM(cost), 0),
			COUNT(DISTINCT model)
		FROM ai_model_usage
		WHERE created_at >= ?`
	args := []interface{}{since.UTC()}
	if clientID != "" {
		query += ` AND client_id = ?`
		args = append(args, clientID)
	}

	var stats UsageStats
	err := t.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests,
		&stats.TotalTokens, &stats.TotalCost, &stats.UniqueModels,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}
	return &stats, nil
}

// ModelBreakdown is usage for one provider/model pair
type ModelBreakdown struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	RequestCount int     `json:"request_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// GetModelBreakdown returns successful usage grouped by model, most expensive first
func (t *UsageTracker) GetModelBreakdown(ctx context.Context, since time.Time) ([]ModelBreakdown, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT provider, model, COUNT(*),
			SUM(prompt_tokens + completion_tokens),
			SUM(cost)
		FROM ai_model_usage
		WHERE created_at >= ? AND success = 1
		GROUP BY provider, model
		ORDER BY SUM(cost) DESC, model`, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query model breakdown")
	}
	defer rows.Close()

	var breakdown []ModelBreakdown
	for rows.Next() {
		var mb ModelBreakdown
		if err := rows.Scan(&mb.Provider, &mb.Model, &mb.RequestCount, &mb.TotalTokens, &mb.TotalCost); err != nil {
			return nil, errors.Wrap(err, "failed to scan model breakdown")
		}
		breakdown = append(breakdown, mb)
	}
	return breakdown, rows.Err()
}

// JobUsage sums the usage of every call made for a job
func (t *UsageTracker) JobUsage(ctx context.Context, jobID string) (calls int, tokens int64, cost float64, err error) {
	err = t.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens + completion_tokens), 0), COALESCE(SUM(cost), 0)
		FROM ai_model_usage WHERE job_id = ?`, jobID).Scan(&calls, &tokens, &cost)
	if err != nil {
		err = errors.Wrapf(err, "failed to query usage for job %s", jobID)
	}
	return calls, tokens, cost, err
}

// TimeSeriesPoint is one day of usage
type TimeSeriesPoint struct {
	Date     string  `json:"date"`
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
}

// GetTimeSeriesData returns daily request counts and cost for the last n days
func (t *UsageTracker) GetTimeSeriesData(ctx context.Context, days int) ([]TimeSeriesPoint, error) {
	since := t.timeNow().UTC().AddDate(0, 0, -days)
	rows, err := t.db.QueryContext(ctx, `
		SELECT DATE(created_at) AS day, COUNT(*), COALESCE(SUM(cost), 0)
		FROM ai_model_usage
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day ASC`, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage time series")
	}
	defer rows.Close()

	var points []TimeSeriesPoint
	for rows.Next() {
		var point TimeSeriesPoint
		if err := rows.Scan(&point.Date, &point.Requests, &point.Cost); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage time series")
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
