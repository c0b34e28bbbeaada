package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader creates a WebSocket upgrader with origin checking from config
func (s *ScribeServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates the Origin header against server.allowed_origins.
// Prefix matching allows any port.
func (s *ScribeServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Direct clients (CLI tools, tests) send no origin
	if origin == "" {
		return true
	}

	allowed := s.allowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "https://localhost"}
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
