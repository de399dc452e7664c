// ABOUTME: WebSocket endpoint: auth, upgrade, and inbound event routing
// ABOUTME: Presence and typing are handled here; turns delegate to the orchestrator

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor-gateway/internal/auth"
	"github.com/parlor-chat/parlor-gateway/internal/events"
	"github.com/parlor-chat/parlor-gateway/internal/presence"
)

// TurnService is the orchestrator surface the handler delegates to.
type TurnService interface {
	SendMessage(ctx context.Context, sender *auth.Identity, p *events.SendMessagePayload) *events.SendAck
	DeleteMessage(ctx context.Context, sender *auth.Identity, p *events.DeleteMessagePayload) error
	EnsureSessionRoom(ctx context.Context, kind, sessionID string, ident *auth.Identity) (string, error)
}

// Session room kinds for the dedicated generation flows.
const (
	SessionKindCharacter = "chargen"
	SessionKindStory     = "storygen"
)

// Handler owns the /ws endpoint.
type Handler struct {
	verifier *auth.JWTVerifier
	gate     *auth.Gate
	presence *presence.Tracker
	hub      *Hub
	turns    TurnService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler wires the endpoint.
func NewHandler(verifier *auth.JWTVerifier, gate *auth.Gate, tracker *presence.Tracker, hub *Hub, turns TurnService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		verifier: verifier,
		gate:     gate,
		presence: tracker,
		hub:      hub,
		turns:    turns,
		validate: validator.New(),
		logger:   logger.With("component", "ws"),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth is the trust boundary; browser origin is not.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	ident, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("rejected connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(uuid.New().String(), ident, sock, h.logger)
	h.hub.register(conn)
	go conn.writePump()

	conn.Send(events.NewEnvelope(events.OutConnectionEstablished, "", &events.ConnectionEstablished{
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		ServerTime:  time.Now().UTC().Format(time.RFC3339),
	}))

	h.readLoop(r.Context(), conn)
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	defer h.teardown(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Debug("read error", "error", err)
			}
			return
		}

		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.Send(events.NewEnvelope(events.OutError, "", &events.ErrorEvent{Message: "malformed frame"}))
			continue
		}
		h.dispatch(ctx, conn, &env)
	}
}

// teardown scrubs a dying connection out of every room and announces the
// departures it caused.
func (h *Handler) teardown(conn *Conn) {
	conn.close()
	departed := h.presence.Cleanup(conn.ID)
	h.hub.unregister(conn)
	for _, d := range departed {
		h.hub.BroadcastRoom(d.RoomID, events.OutUserLeft, &events.PresenceChange{
			RoomID: d.RoomID,
			UserID: d.UserID,
		})
		h.hub.BroadcastRoom(d.RoomID, events.OutPresenceUpdate, &events.PresenceUpdate{
			RoomID:      d.RoomID,
			OnlineUsers: h.presence.Online(d.RoomID),
		})
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, env *events.Envelope) {
	switch env.Event {
	case events.InJoinConversation:
		h.handleJoin(ctx, conn, env)
	case events.InLeaveConversation:
		h.handleLeave(conn, env)
	case events.InTypingStart:
		h.handleTyping(ctx, conn, env, events.OutTypingStart)
	case events.InTypingStop:
		h.handleTyping(ctx, conn, env, events.OutTypingStop)
	case events.InSendMessage:
		h.handleSend(ctx, conn, env)
	case events.InDeleteMessage:
		h.handleDelete(ctx, conn, env)
	case events.InJoinCharacterGen:
		h.handleJoinSession(ctx, conn, env, SessionKindCharacter)
	case events.InJoinStoryGeneration:
		h.handleJoinSession(ctx, conn, env, SessionKindStory)
	default:
		conn.Send(events.NewEnvelope(events.OutError, env.AckID, &events.ErrorEvent{
			Message: "unknown event: " + env.Event,
		}))
	}
}

// decode unmarshals and validates an inbound payload, reporting failures to
// the client. Returns false when the payload was rejected.
func (h *Handler) decode(conn *Conn, env *events.Envelope, out any) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		conn.Send(events.NewEnvelope(events.OutError, env.AckID, &events.ErrorEvent{Message: "malformed payload"}))
		return false
	}
	if err := h.validate.Struct(out); err != nil {
		conn.Send(events.NewEnvelope(events.OutError, env.AckID, &events.ErrorEvent{Message: "invalid payload: " + err.Error()}))
		return false
	}
	return true
}

func (h *Handler) handleJoin(ctx context.Context, conn *Conn, env *events.Envelope) {
	var p events.RoomPayload
	if !h.decode(conn, env, &p) {
		return
	}

	if err := h.gate.Check(ctx, p.RoomID, conn.Identity.UserID); err != nil {
		msg := "room lookup failed"
		if errors.Is(err, auth.ErrAccessDenied) {
			msg = "access denied"
		}
		conn.Send(events.NewEnvelope(events.OutError, env.AckID, &events.ErrorEvent{Message: msg}))
		return
	}

	h.enterRoom(conn, env.AckID, p.RoomID)
}

// enterRoom records presence and announces the arrival. Shared by room joins
// and generation session joins.
func (h *Handler) enterRoom(conn *Conn, ackID, roomID string) {
	online, first := h.presence.Join(roomID, conn.Identity.UserID, conn.ID)

	conn.Send(events.NewEnvelope(events.OutConversationJoined, ackID, &events.ConversationJoined{
		RoomID:      roomID,
		OnlineUsers: online,
	}))

	if first {
		h.hub.BroadcastRoomExcept(roomID, conn.Identity.UserID, events.OutUserJoined, &events.PresenceChange{
			RoomID:      roomID,
			UserID:      conn.Identity.UserID,
			DisplayName: conn.Identity.DisplayName,
		})
	}
	h.hub.BroadcastRoomExcept(roomID, conn.Identity.UserID, events.OutPresenceUpdate, &events.PresenceUpdate{
		RoomID:      roomID,
		OnlineUsers: online,
	})
}

func (h *Handler) handleLeave(conn *Conn, env *events.Envelope) {
	var p events.RoomPayload
	if !h.decode(conn, env, &p) {
		return
	}

	online, last := h.presence.Leave(p.RoomID, conn.Identity.UserID, conn.ID)
	conn.Send(events.NewEnvelope(events.OutAck, env.AckID, &events.OpAck{Success: true}))

	if last {
		h.hub.BroadcastRoom(p.RoomID, events.OutUserLeft, &events.PresenceChange{
			RoomID: p.RoomID,
			UserID: conn.Identity.UserID,
		})
	}
	h.hub.BroadcastRoom(p.RoomID, events.OutPresenceUpdate, &events.PresenceUpdate{
		RoomID:      p.RoomID,
		OnlineUsers: online,
	})
}

func (h *Handler) handleTyping(ctx context.Context, conn *Conn, env *events.Envelope, outEvent string) {
	var p events.RoomPayload
	if !h.decode(conn, env, &p) {
		return
	}

	// Membership is re-checked per operation; a revocation after join must
	// stop the indicator relay immediately, not at disconnect.
	if err := h.gate.Check(ctx, p.RoomID, conn.Identity.UserID); err != nil {
		msg := "room lookup failed"
		if errors.Is(err, auth.ErrAccessDenied) {
			msg = "access denied"
		}
		conn.Send(events.NewEnvelope(events.OutError, env.AckID, &events.ErrorEvent{Message: msg}))
		return
	}

	// Typing relays only for users actually present in the room.
	if !slices.Contains(h.presence.Online(p.RoomID), conn.Identity.UserID) {
		return
	}

	h.hub.BroadcastRoomExcept(p.RoomID, conn.Identity.UserID, outEvent, &events.Typing{
		RoomID:        p.RoomID,
		ParticipantID: conn.Identity.UserID,
	})
}

func (h *Handler) handleSend(ctx context.Context, conn *Conn, env *events.Envelope) {
	var p events.SendMessagePayload
	if !h.decode(conn, env, &p) {
		return
	}

	ack := h.turns.SendMessage(ctx, conn.Identity, &p)
	conn.Send(events.NewEnvelope(events.OutAck, env.AckID, ack))
}

func (h *Handler) handleDelete(ctx context.Context, conn *Conn, env *events.Envelope) {
	var p events.DeleteMessagePayload
	if !h.decode(conn, env, &p) {
		return
	}

	if err := h.turns.DeleteMessage(ctx, conn.Identity, &p); err != nil {
		conn.Send(events.NewEnvelope(events.OutAck, env.AckID, &events.OpAck{Success: false, Error: err.Error()}))
		return
	}
	conn.Send(events.NewEnvelope(events.OutAck, env.AckID, &events.OpAck{Success: true}))
}

func (h *Handler) handleJoinSession(ctx context.Context, conn *Conn, env *events.Envelope, kind string) {
	var p events.SessionPayload
	if !h.decode(conn, env, &p) {
		return
	}

	roomID, err := h.turns.EnsureSessionRoom(ctx, kind, p.SessionID, conn.Identity)
	if err != nil {
		conn.Send(events.NewEnvelope(events.OutError, env.AckID, &events.ErrorEvent{Message: "session unavailable"}))
		return
	}
	h.enterRoom(conn, env.AckID, roomID)
}
