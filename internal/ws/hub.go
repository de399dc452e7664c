// ABOUTME: Connection registry and room fan-out
// ABOUTME: Implements the RoomBroadcaster contract over the presence tracker

package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/parlor-chat/parlor-gateway/internal/events"
	"github.com/parlor-chat/parlor-gateway/internal/presence"
)

// Hub tracks live connections and delivers room-scoped events. Which
// connections belong to a room is the presence tracker's answer; the hub just
// maps connection IDs back to sockets.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	presence *presence.Tracker
	logger   *slog.Logger
}

// NewHub creates a hub over the given presence tracker.
func NewHub(tracker *presence.Tracker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		presence: tracker,
		logger:   logger.With("component", "hub"),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("connection registered", "conn_id", c.ID, "user_id", c.Identity.UserID, "total", n)
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("connection unregistered", "conn_id", c.ID, "total", n)
}

// Close disconnects every live client. Called during shutdown; hijacked
// sockets are not covered by http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.logger.Info("all connections closed", "count", len(conns))
}

// ConnCount reports the number of live connections. Used by health reporting.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BroadcastRoom delivers an event to every connection present in the room.
func (h *Hub) BroadcastRoom(roomID, event string, data any) {
	h.broadcast(roomID, "", event, data)
}

// BroadcastRoomExcept delivers to the room minus one user's connections.
// Used for events the acting user already learns through an ack.
func (h *Hub) BroadcastRoomExcept(roomID, exceptUserID, event string, data any) {
	h.broadcast(roomID, exceptUserID, event, data)
}

func (h *Hub) broadcast(roomID, exceptUserID, event string, data any) {
	connIDs := h.presence.Connections(roomID, exceptUserID)
	if len(connIDs) == 0 {
		return
	}

	// Marshal once, not per connection.
	raw, err := json.Marshal(events.NewEnvelope(event, "", data))
	if err != nil {
		h.logger.Error("marshaling broadcast", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.sendRaw(raw)
	}
}
