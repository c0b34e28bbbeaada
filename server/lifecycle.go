package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/sym"
	"github.com/teranos/scribe/version"
)

func (s *ScribeServer) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *ScribeServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the hub and the job update broadcaster
func (s *ScribeServer) startBackgroundServices() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()
	s.startJobUpdateBroadcaster()
}

// Start serves HTTP on port until Stop is called. It returns nil after a
// graceful shutdown.
func (s *ScribeServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on port %d", port),
			"set server.port or SCRIBE_SERVER_PORT to a free port")
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Stop is called
func (s *ScribeServer) Serve(ln net.Listener) error {
	s.startBackgroundServices()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.logger.Infow(fmt.Sprintf("%s HTTP server listening", sym.Pulse),
		"addr", ln.Addr().String(),
		"version", version.Get().Short(),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains HTTP requests, closes WebSocket clients and waits for server
// goroutines. Pulse is owned by the app and stopped by the caller.
func (s *ScribeServer) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		// Hijacked WebSocket connections are not tracked by Shutdown
		shutdownErr = s.httpServer.Shutdown(ctx)
		cancel()
	}

	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()
	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", "count", len(clientsToClose))
		for _, client := range clientsToClose {
			client.conn.Close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "http shutdown")
	}
	return nil
}

// HandleHealth reports liveness, build info and queue depth: GET /health.
// A database failure answers 503.
func (s *ScribeServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := map[string]interface{}{
		"status":     "ok",
		"state":      stateString(s.getState()),
		"version":    info.Version,
		"commit":     info.CommitHash,
		"build_time": info.BuildTime,
		"clients":    s.clientCount(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"pulse":      s.app.Pool != nil,
	}

	status := http.StatusOK
	stats, err := s.app.Queue.Stats(r.Context())
	if err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["queue"] = stats
	}
	writeJSON(w, status, health)
}
