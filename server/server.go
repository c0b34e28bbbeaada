// Package server exposes the job queue, checkpoints, ledger and cache over
// HTTP and streams notifier events to WebSocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/internal/app"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/notify"
)

// ScribeServer serves the caller API and the /ws event stream. It is a
// notify.Notifier: events handed to Notify fan out to connected clients.
type ScribeServer struct {
	app            *app.App
	router         chi.Router
	httpServer     *http.Server
	allowedOrigins []string

	clients      map[*Client]bool
	broadcastReq chan *broadcastRequest // Requests to broadcast worker (thread-safe sends)
	register     chan *Client
	unregister   chan *Client
	mu           sync.RWMutex

	logger    *zap.SugaredLogger
	startedAt time.Time

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
	state          atomic.Int32
}

var _ notify.Notifier = (*ScribeServer)(nil)

// NewScribeServer creates a server over a and registers it as a notifier sink
func NewScribeServer(a *app.App, log *zap.SugaredLogger) (*ScribeServer, error) {
	if a == nil || a.Queue == nil || a.Ledger == nil {
		return nil, errors.New("server requires an assembled app")
	}
	if log == nil {
		log = logger.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ScribeServer{
		app:            a,
		allowedOrigins: a.Config.Server.AllowedOrigins,
		clients:        make(map[*Client]bool),
		broadcastReq:   make(chan *broadcastRequest, MaxClientMessageQueueSize),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		logger:         log.Named("server"),
		startedAt:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.router = s.routes()
	if a.Notifier != nil {
		a.Notifier.Add(s)
	}
	return s, nil
}

// Handler returns the HTTP handler (tests, embedding)
func (s *ScribeServer) Handler() http.Handler {
	return s.router
}

// Notify queues e for every connected client. It never blocks.
func (s *ScribeServer) Notify(_ context.Context, e notify.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.broadcastReq <- &broadcastRequest{reqType: "event", event: e}:
	case <-s.ctx.Done():
	default:
		s.broadcastDrops.Add(1)
		s.logger.Warnw("Broadcast request queue full, dropping event", "event", e.Type)
	}
}

// handleClientRegister handles a new client connection
func (s *ScribeServer) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"ws_client", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		client.conn.Close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"ws_client", client.id,
		logger.FieldClientID, client.filter(),
		"total_clients", total,
	)
}

// handleClientUnregister handles a client disconnection
func (s *ScribeServer) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	// The broadcast worker owns client channels
	select {
	case s.broadcastReq <- &broadcastRequest{reqType: "close", client: client}:
	case <-s.ctx.Done():
		client.close()
	}

	s.logger.Infow("Client disconnected",
		"ws_client", client.id,
		"total_clients", total,
	)
}

// removeSlowClient drops a client that can't keep up. Only called from the
// broadcast worker, so closing channels directly is safe.
func (s *ScribeServer) removeSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	client.close()
	s.logger.Warnw("Client send channel full, removing client",
		"ws_client", client.id,
		"total_drops", s.broadcastDrops.Load(),
	)
}

// Run starts the hub event loop
func (s *ScribeServer) Run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBroadcastWorker()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// clientCount returns the number of connected WebSocket clients
func (s *ScribeServer) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
