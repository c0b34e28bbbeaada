package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/scribe/notify"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout is how long to wait for goroutines on Stop. Worker
	// pool draining has its own timeout (pulse.shutdown_timeout_seconds).
	ShutdownTimeout = 60 * time.Second

	defaultJobLimit = 50
	maxJobLimit     = 200
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// ClientMessage is a message from a WebSocket client
type ClientMessage struct {
	Type     string `json:"type"`                // "ping" or "filter"
	ClientID string `json:"client_id,omitempty"` // For filter: only events for this CRM client; empty = all
}

// WelcomeMessage is written once when a WebSocket connection opens
type WelcomeMessage struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	ClientID string `json:"client_id,omitempty"`
}

// EnqueueRequest is the body of POST /api/jobs
type EnqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueResponse answers POST /api/jobs
type EnqueueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CacheInvalidateResponse answers DELETE /api/cache
type CacheInvalidateResponse struct {
	Removed int64 `json:"removed"`
}

// broadcastRequest is handed to the broadcast worker, which owns every
// send on client channels.
type broadcastRequest struct {
	reqType string // "event" or "close"
	event   notify.Event
	client  *Client // target for "close"
}
