package tracker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scribetest "github.com/teranos/scribe/internal/testing"
)

func TestTrackUsage(t *testing.T) {
	db := scribetest.CreateTestDB(t)
	tr := NewUsageTracker(db)
	ctx := context.Background()

	require.NoError(t, tr.TrackUsage(ctx, ModelUsage{
		JobID:            "01JOB",
		ClientID:         "7",
		SectionID:        "executive_summary",
		Provider:         "openrouter",
		Model:            "openai/gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
		Cost:             0.05,
		Success:          true,
	}))

	var (
		model     string
		tokens    int
		cost      float64
		success   bool
		errString sql.NullString
	)
	err := db.QueryRow(`SELECT model, prompt_tokens + completion_tokens, cost, success, error
		FROM ai_model_usage WHERE job_id = '01JOB'`).Scan(&model, &tokens, &cost, &success, &errString)
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o-mini", model)
	assert.Equal(t, 150, tokens)
	assert.Equal(t, 0.05, cost)
	assert.True(t, success)
	assert.False(t, errString.Valid)
}

func TestUsageStatsAndBreakdown(t *testing.T) {
	db := scribetest.CreateTestDB(t)
	tr := NewUsageTracker(db)
	ctx := context.Background()
	hourAgo := time.Now().UTC().Add(-time.Hour)

	usages := []ModelUsage{
		{ClientID: "7", Provider: "openai", Model: "gpt-4o-mini", PromptTokens: 80, CompletionTokens: 20, Cost: 0.02, Success: true, CreatedAt: hourAgo},
		{ClientID: "7", Provider: "openai", Model: "gpt-4o", PromptTokens: 150, CompletionTokens: 50, Cost: 0.10, Success: true, CreatedAt: hourAgo},
		{ClientID: "8", Provider: "openai", Model: "gpt-4o-mini", Success: false, Error: "status 429", CreatedAt: hourAgo},
		{ClientID: "7", Provider: "openai", Model: "gpt-4o-mini", PromptTokens: 10, CompletionTokens: 10, Cost: 0.5, Success: true,
			CreatedAt: hourAgo.Add(-48 * time.Hour)},
	}
	for _, u := range usages {
		require.NoError(t, tr.TrackUsage(ctx, u))
	}

	stats, err := tr.GetUsageStats(ctx, hourAgo.Add(-time.Minute), "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 2, stats.SuccessfulRequests)
	assert.EqualValues(t, 300, stats.TotalTokens)
	assert.InDelta(t, 0.12, stats.TotalCost, 1e-9)
	assert.Equal(t, 2, stats.UniqueModels)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)

	clientStats, err := tr.GetUsageStats(ctx, hourAgo.Add(-time.Minute), "8")
	require.NoError(t, err)
	assert.Equal(t, 1, clientStats.TotalRequests)
	assert.Equal(t, 0.0, clientStats.SuccessRate)

	breakdown, err := tr.GetModelBreakdown(ctx, hourAgo.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	assert.Equal(t, "gpt-4o", breakdown[0].Model)
	assert.Equal(t, "gpt-4o-mini", breakdown[1].Model)
	assert.Equal(t, 1, breakdown[1].RequestCount)
}

func TestJobUsage(t *testing.T) {
	db := scribetest.CreateTestDB(t)
	tr := NewUsageTracker(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.TrackUsage(ctx, ModelUsage{JobID: "j1", Provider: "echo", Model: "echo",
			PromptTokens: 10, CompletionTokens: 5, Cost: 0.01, Success: true}))
	}

	calls, tokens, cost, err := tr.JobUsage(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.EqualValues(t, 45, tokens)
	assert.InDelta(t, 0.03, cost, 1e-9)

	calls, _, _, err = tr.JobUsage(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestTimeSeries(t *testing.T) {
	db := scribetest.CreateTestDB(t)
	tr := NewUsageTracker(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tr.timeNow = func() time.Time { return now }

	for _, at := range []time.Time{now.Add(-time.Hour), now.Add(-2 * time.Hour), now.Add(-25 * time.Hour)} {
		require.NoError(t, tr.TrackUsage(ctx, ModelUsage{Provider: "echo", Model: "echo", Cost: 0.5, Success: true, CreatedAt: at}))
	}

	points, err := tr.GetTimeSeriesData(ctx, 7)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "2026-03-09", points[0].Date)
	assert.Equal(t, 1, points[0].Requests)
	assert.Equal(t, "2026-03-10", points[1].Date)
	assert.Equal(t, 2, points[1].Requests)
	assert.InDelta(t, 1.0, points[1].Cost, 1e-9)
}

func TestTrackUsageDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO ai_model_usage").WillReturnError(sql.ErrConnDone)

	err = NewUsageTracker(db).TrackUsage(context.Background(), ModelUsage{Provider: "openai", Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record model usage")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUsageStatsDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)

	_, err = NewUsageTracker(db).GetUsageStats(context.Background(), time.Now(), "")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
