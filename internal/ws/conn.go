// ABOUTME: Per-client WebSocket connection with buffered outbound queue
// ABOUTME: Standard gorilla read/write pump pairing with ping keepalive

package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor-gateway/internal/auth"
	"github.com/parlor-chat/parlor-gateway/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Conn is one authenticated client connection. Outbound frames go through a
// buffered channel; a client that cannot keep up gets disconnected rather
// than stalling room fan-out.
type Conn struct {
	ID       string
	Identity *auth.Identity

	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ident *auth.Identity, ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ID:       id,
		Identity: ident,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		logger:   logger.With("conn_id", id, "user_id", ident.UserID),
		closed:   make(chan struct{}),
	}
}

// Send queues an envelope for delivery. Returns false if the connection is
// closed or its buffer is full.
func (c *Conn) Send(env *events.Envelope) bool {
	raw, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshaling envelope", "event", env.Event, "error", err)
		return false
	}
	return c.sendRaw(raw)
}

func (c *Conn) sendRaw(raw []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with pings. One writer per connection; gorilla allows no more.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
