package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/internal/httpclient"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/version"
)

// Webhook POSTs events as JSON to an operator-configured URL. Events are
// buffered and sent by one goroutine; when the buffer is full new events
// are dropped. job.updated is not forwarded.
type Webhook struct {
	url    string
	client *httpclient.Client
	events chan Event
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// WebhookConfig configures a webhook sink
type WebhookConfig struct {
	URL          string
	Timeout      time.Duration
	QueueSize    int // 0 = 64
	AllowPrivate bool
}

// NewWebhook validates the URL and starts the delivery goroutine. Close
// stops it.
func NewWebhook(cfg WebhookConfig, log *zap.SugaredLogger) (*Webhook, error) {
	if log == nil {
		log = logger.Logger
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	client := httpclient.New(httpclient.Options{Timeout: cfg.Timeout, AllowPrivate: cfg.AllowPrivate})
	if _, err := client.Validate(cfg.URL); err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "invalid webhook %q", cfg.URL),
			"set notify.allow_private = true for webhooks on a private network")
	}

	w := &Webhook{
		url:    cfg.URL,
		client: client,
		events: make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: log.Named("webhook").With("url", cfg.URL),
	}
	go w.run()
	return w, nil
}

// Notify queues e for delivery without blocking
func (w *Webhook) Notify(_ context.Context, e Event) {
	if e.Type == EventJobUpdated {
		return
	}
	select {
	case w.events <- e:
	default:
		w.dropped.Add(1)
		w.logger.Warnw("Webhook queue full, event dropped", "event", e.Type)
	}
}

// Close stops accepting events and waits for the queue to drain
func (w *Webhook) Close() {
	w.once.Do(func() { close(w.events) })
	<-w.done
}

// Stats reports delivered, dropped and failed events
func (w *Webhook) Stats() (sent, dropped, failed int64) {
	return w.sent.Load(), w.dropped.Load(), w.failed.Load()
}

func (w *Webhook) run() {
	defer close(w.done)
	for e := range w.events {
		if err := w.post(e); err != nil {
			w.failed.Add(1)
			w.logger.Warnw("Webhook delivery failed", "event", e.Type, logger.FieldError, err)
			continue
		}
		w.sent.Add(1)
	}
}

func (w *Webhook) post(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "scribe/"+version.Get().Version)
	req.Header.Set("X-Scribe-Event", string(e.Type))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook answered %d", resp.StatusCode)
	}
	return nil
}
