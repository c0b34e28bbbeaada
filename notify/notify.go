// Package notify fans ledger alerts and terminal job failures out to sinks:
// the log, and the websocket event stream served by the HTTP server.
// Delivery is fire-and-forget; a slow or broken sink never blocks the
// component that raised the event.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/budget"
)

// EventType names an event on the stream
type EventType string

const (
	EventBudgetThreshold EventType = "budget.threshold"
	EventJobFailed       EventType = "job.failed"
	EventJobUpdated      EventType = "job.updated"
)

// Event is one notification. Data is JSON-encodable.
type Event struct {
	Type EventType   `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Notifier receives events
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Dispatcher forwards events to every registered sink. It satisfies the
// ledger's and the queue's notifier interfaces.
type Dispatcher struct {
	mu     sync.RWMutex
	sinks  []Notifier
	logger *zap.SugaredLogger
}

var (
	_ budget.AlertNotifier  = (*Dispatcher)(nil)
	_ async.FailureNotifier = (*Dispatcher)(nil)
)

// NewDispatcher creates a dispatcher over sinks
func NewDispatcher(log *zap.SugaredLogger, sinks ...Notifier) *Dispatcher {
	if log == nil {
		log = logger.Logger
	}
	return &Dispatcher{sinks: sinks, logger: log.Named("notify")}
}

// Add registers another sink
func (d *Dispatcher) Add(n Notifier) {
	d.mu.Lock()
	d.sinks = append(d.sinks, n)
	d.mu.Unlock()
}

// Notify delivers e to every sink. A panicking sink is logged and skipped.
func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	d.mu.RLock()
	sinks := append([]Notifier(nil), d.sinks...)
	d.mu.RUnlock()

	for _, s := range sinks {
		d.deliver(ctx, s, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Notifier, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Notifier sink panicked", "event", e.Type, "panic", r)
		}
	}()
	s.Notify(ctx, e)
}

// NotifyBudgetAlert implements budget.AlertNotifier
func (d *Dispatcher) NotifyBudgetAlert(ctx context.Context, a budget.Alert) {
	d.Notify(ctx, Event{Type: EventBudgetThreshold, At: a.At, Data: a})
}

// NotifyJobFailed implements async.FailureNotifier
func (d *Dispatcher) NotifyJobFailed(ctx context.Context, f async.Failure) {
	d.Notify(ctx, Event{Type: EventJobFailed, At: f.At, Data: f})
}

// Log writes events to a zap logger
type Log struct {
	logger *zap.SugaredLogger
}

// NewLog creates a log sink
func NewLog(log *zap.SugaredLogger) *Log {
	if log == nil {
		log = logger.Logger
	}
	return &Log{logger: log.Named("notify")}
}

func (l *Log) Notify(_ context.Context, e Event) {
	switch data := e.Data.(type) {
	case budget.Alert:
		logger.AddLedgerSymbol(l.logger).Warnw("Budget threshold crossed",
			logger.FieldScope, data.Scope,
			"threshold", data.Threshold,
			"percent_used", data.PercentUsed,
			logger.FieldTokens, data.TokensUsed,
			logger.FieldCost, data.CostUsed,
			"paused", data.Paused)
	case async.Failure:
		logger.AddPulseSymbol(l.logger).Errorw("Job failed",
			logger.FieldJobID, data.JobID,
			logger.FieldJobType, data.Type,
			logger.FieldClientID, data.ClientID,
			logger.FieldAttempt, data.Attempts,
			logger.FieldErrorKind, data.Kind,
			logger.FieldError, data.Error)
	default:
		l.logger.Debugw("Event", "type", e.Type)
	}
}
