package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/scribe/version"
)

// WebSocket timeouts, following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send small control messages
	maxMessageSize = 4096
)

// Client is one /ws connection
type Client struct {
	server    *ScribeServer
	conn      *websocket.Conn
	sendMsg   chan interface{}
	id        string
	closeOnce sync.Once

	mu       sync.RWMutex
	clientID string // CRM client filter; empty receives everything
}

func (c *Client) filter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *Client) setFilter(clientID string) {
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()
}

// HandleWebSocket upgrades the connection and starts the client pumps.
// ?client_id= restricts the stream to one CRM client's events.
func (s *ScribeServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server:   s,
		conn:     conn,
		sendMsg:  make(chan interface{}, MaxClientMessageQueueSize),
		id:       fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
		clientID: r.URL.Query().Get("client_id"),
	}

	// Written before the pumps start to avoid concurrent writes
	info := version.Get()
	welcome := WelcomeMessage{Type: "welcome", Version: info.Version, Commit: info.Short(), ClientID: client.clientID}
	if err := conn.WriteJSON(welcome); err != nil {
		s.logger.Debugw("Failed to send welcome", "ws_client", client.id, "error", err)
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// readPump reads control messages until the connection closes
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "ws_client", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.server.logger.Debugw("Ignoring malformed client message", "ws_client", c.id, "error", err)
			continue
		}
		c.routeMessage(msg)
	}
}

func (c *Client) routeMessage(msg ClientMessage) {
	switch msg.Type {
	case "filter":
		c.setFilter(msg.ClientID)
		c.server.logger.Debugw("Client filter changed", "ws_client", c.id, "client_id", msg.ClientID)
	case "ping":
		// Deadline is extended by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type", "type", msg.Type, "ws_client", c.id)
	}
}

// writePump writes queued events and keepalive pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Event write error", "ws_client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close closes the send channel once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.sendMsg)
	})
}
