package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/budget"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestDispatcher_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	d := NewDispatcher(zap.NewNop().Sugar(), a)
	d.Add(b)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d.NotifyBudgetAlert(context.Background(), budget.Alert{Scope: budget.ClientScope("acme"), Threshold: 75, At: at})
	d.NotifyJobFailed(context.Background(), async.Failure{JobID: "01J", Kind: async.ErrorKindBudget, At: at})

	for _, r := range []*recorder{a, b} {
		require.Len(t, r.events, 2)
		assert.Equal(t, EventBudgetThreshold, r.events[0].Type)
		assert.Equal(t, at, r.events[0].At)
		assert.Equal(t, EventJobFailed, r.events[1].Type)
	}
}

func TestDispatcher_SurvivesPanickingSink(t *testing.T) {
	after := &recorder{}
	d := NewDispatcher(zap.NewNop().Sugar(),
		NotifierFunc(func(context.Context, Event) { panic("sink exploded") }),
		after)

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Event{Type: EventJobUpdated})
	})
	require.Len(t, after.events, 1)
	assert.False(t, after.events[0].At.IsZero(), "timestamp filled in")
}

func TestLog_WritesStructuredLines(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLog(zap.New(core).Sugar())

	l.Notify(context.Background(), Event{Type: EventJobFailed, Data: async.Failure{
		JobID: "01J", Type: async.TypeDeliverable, Kind: async.ErrorKindTransient, Attempts: 3, Error: "upstream down",
	}})
	l.Notify(context.Background(), Event{Type: EventBudgetThreshold, Data: budget.Alert{
		Scope: budget.GlobalScope, Threshold: 90, Paused: true,
	}})

	failed := logs.FilterMessage("Job failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "01J", failed[0].ContextMap()["job_id"])

	alerts := logs.FilterMessage("Budget threshold crossed").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, true, alerts[0].ContextMap()["paused"])
}
