// ABOUTME: End-to-end tests for the WebSocket endpoint over httptest
// ABOUTME: Covers auth, presence lifecycle, typing relay, and turn delegation

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-chat/parlor-gateway/internal/auth"
	"github.com/parlor-chat/parlor-gateway/internal/events"
	"github.com/parlor-chat/parlor-gateway/internal/presence"
)

var testSecret = []byte("test-secret-0123456789abcdef0123")

type fakeMembers struct {
	mu      sync.Mutex
	members map[string]bool // roomID:userID
}

func (f *fakeMembers) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID+":"+userID], nil
}

func (f *fakeMembers) add(roomID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members == nil {
		f.members = make(map[string]bool)
	}
	f.members[roomID+":"+userID] = true
}

func (f *fakeMembers) remove(roomID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, roomID+":"+userID)
}

type stubTurns struct {
	mu       sync.Mutex
	sent     []*events.SendMessagePayload
	ack      *events.SendAck
	sessions []string
}

func (s *stubTurns) SendMessage(_ context.Context, _ *auth.Identity, p *events.SendMessagePayload) *events.SendAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	if s.ack != nil {
		return s.ack
	}
	return &events.SendAck{Success: true}
}

func (s *stubTurns) DeleteMessage(_ context.Context, ident *auth.Identity, p *events.DeleteMessagePayload) error {
	return nil
}

func (s *stubTurns) EnsureSessionRoom(_ context.Context, kind, sessionID string, _ *auth.Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := kind + ":" + sessionID
	s.sessions = append(s.sessions, roomID)
	return roomID, nil
}

type testServer struct {
	srv     *httptest.Server
	members *fakeMembers
	turns   *stubTurns
	tracker *presence.Tracker
	hub     *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)

	members := &fakeMembers{}
	turns := &stubTurns{}
	tracker := presence.NewTracker(nil)
	hub := NewHub(tracker, nil)
	handler := NewHandler(verifier, auth.NewGate(members, nil), tracker, hub, turns, nil)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, members: members, turns: turns, tracker: tracker, hub: hub}
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	token, err := verifier.Generate(&auth.Identity{UserID: userID, DisplayName: strings.ToUpper(userID[:1]) + userID[1:], Language: "en"}, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every connection is greeted first.
	env := readEvent(t, conn, events.OutConnectionEstablished)
	var greeting events.ConnectionEstablished
	require.NoError(t, json.Unmarshal(env.Data, &greeting))
	require.Equal(t, userID, greeting.UserID)
	return conn
}

// readEvent reads frames until the wanted event arrives, failing on timeout.
func readEvent(t *testing.T, conn *websocket.Conn, want string) *events.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", want)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == want {
			return &env
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, event, ackID string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(events.NewEnvelope(event, ackID, data)))
}

func TestRejectsMissingAndInvalidTokens(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=not-a-jwt", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinDeniedForNonMember(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")

	send(t, alice, events.InJoinConversation, "ack-1", &events.RoomPayload{RoomID: "room-1"})
	env := readEvent(t, alice, events.OutError)
	assert.Equal(t, "ack-1", env.AckID)

	var ev events.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "access denied", ev.Message)
	assert.Empty(t, ts.tracker.Online("room-1"))
}

func TestJoinAnnouncesPresence(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "ack-1", &events.RoomPayload{RoomID: "room-1"})
	env := readEvent(t, alice, events.OutConversationJoined)
	var joined events.ConversationJoined
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, []string{"alice"}, joined.OnlineUsers)

	bob := ts.dial(t, "bob")
	send(t, bob, events.InJoinConversation, "ack-2", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob, events.OutConversationJoined)

	// Alice learns of Bob through user_joined and the refreshed roster.
	env = readEvent(t, alice, events.OutUserJoined)
	var change events.PresenceChange
	require.NoError(t, json.Unmarshal(env.Data, &change))
	assert.Equal(t, "bob", change.UserID)

	env = readEvent(t, alice, events.OutPresenceUpdate)
	var update events.PresenceUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, []string{"alice", "bob"}, update.OnlineUsers)
}

func TestSecondConnectionDoesNotReannounce(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, alice, events.OutConversationJoined)

	bob1 := ts.dial(t, "bob")
	send(t, bob1, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob1, events.OutConversationJoined)
	readEvent(t, alice, events.OutUserJoined)

	// Bob's second tab joins: roster refresh only, no second user_joined.
	bob2 := ts.dial(t, "bob")
	send(t, bob2, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob2, events.OutConversationJoined)

	env := readEvent(t, alice, events.OutPresenceUpdate)
	var update events.PresenceUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, []string{"alice", "bob"}, update.OnlineUsers)
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, alice, events.OutConversationJoined)

	bob := ts.dial(t, "bob")
	send(t, bob, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob, events.OutConversationJoined)
	readEvent(t, alice, events.OutUserJoined)

	send(t, alice, events.InTypingStart, "", &events.RoomPayload{RoomID: "room-1"})
	env := readEvent(t, bob, events.OutTypingStart)
	var typing events.Typing
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.Equal(t, "alice", typing.ParticipantID)

	send(t, alice, events.InTypingStop, "", &events.RoomPayload{RoomID: "room-1"})
	env = readEvent(t, bob, events.OutTypingStop)
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.Equal(t, "alice", typing.ParticipantID)

	// The sender must not see their own indicator echoed back.
	alice.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, raw, err := alice.ReadMessage()
	if err == nil {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.NotContains(t, []string{events.OutTypingStart, events.OutTypingStop}, env.Event)
	}
}

func TestTypingRejectedAfterMembershipRevoked(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, alice, events.OutConversationJoined)

	bob := ts.dial(t, "bob")
	send(t, bob, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob, events.OutConversationJoined)
	readEvent(t, alice, events.OutUserJoined)

	// Membership is revoked while alice is still connected and present.
	ts.members.remove("room-1", "alice")

	send(t, alice, events.InTypingStart, "ack-7", &events.RoomPayload{RoomID: "room-1"})

	// The operation is rejected back to alice, not silently dropped.
	env := readEvent(t, alice, events.OutError)
	assert.Equal(t, "ack-7", env.AckID)
	var ev events.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "access denied", ev.Message)

	// And nothing relays to the room.
	bob.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, raw, err := bob.ReadMessage()
	if err == nil {
		var leaked events.Envelope
		require.NoError(t, json.Unmarshal(raw, &leaked))
		assert.NotEqual(t, events.OutTypingStart, leaked.Event)
	}
}

func TestTypingIgnoredWhenNotPresent(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, alice, events.OutConversationJoined)

	// Bob never joined; his typing event goes nowhere.
	bob := ts.dial(t, "bob")
	send(t, bob, events.InTypingStart, "", &events.RoomPayload{RoomID: "room-1"})

	alice.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, raw, err := alice.ReadMessage()
	if err == nil {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.NotEqual(t, events.OutTypingStart, env.Event)
	}
}

func TestSendMessageDelegatesAndAcks(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.turns.ack = &events.SendAck{
		Success:             true,
		RespondingBots:      []string{"bot-1", "bot-2"},
		EstimatedCreditCost: 10,
	}

	alice := ts.dial(t, "alice")
	send(t, alice, events.InSendMessage, "ack-42", &events.SendMessagePayload{RoomID: "room-1", Content: "hello"})

	env := readEvent(t, alice, events.OutAck)
	assert.Equal(t, "ack-42", env.AckID)
	var ack events.SendAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, []string{"bot-1", "bot-2"}, ack.RespondingBots)
	assert.Equal(t, int64(10), ack.EstimatedCreditCost)

	ts.turns.mu.Lock()
	defer ts.turns.mu.Unlock()
	require.Len(t, ts.turns.sent, 1)
	assert.Equal(t, "hello", ts.turns.sent[0].Content)
}

func TestSendMessageValidation(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")

	// Empty content fails validation before the orchestrator is consulted.
	send(t, alice, events.InSendMessage, "ack-1", &events.SendMessagePayload{RoomID: "room-1"})
	env := readEvent(t, alice, events.OutError)
	assert.Equal(t, "ack-1", env.AckID)

	ts.turns.mu.Lock()
	defer ts.turns.mu.Unlock()
	assert.Empty(t, ts.turns.sent)
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, alice, events.OutConversationJoined)

	bob := ts.dial(t, "bob")
	send(t, bob, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob, events.OutConversationJoined)
	readEvent(t, alice, events.OutUserJoined)

	send(t, bob, events.InLeaveConversation, "ack-9", &events.RoomPayload{RoomID: "room-1"})
	env := readEvent(t, bob, events.OutAck)
	assert.Equal(t, "ack-9", env.AckID)

	env = readEvent(t, alice, events.OutUserLeft)
	var change events.PresenceChange
	require.NoError(t, json.Unmarshal(env.Data, &change))
	assert.Equal(t, "bob", change.UserID)
}

func TestDisconnectCleansPresence(t *testing.T) {
	ts := newTestServer(t)
	ts.members.add("room-1", "alice")
	ts.members.add("room-1", "bob")

	alice := ts.dial(t, "alice")
	send(t, alice, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, alice, events.OutConversationJoined)

	bob := ts.dial(t, "bob")
	send(t, bob, events.InJoinConversation, "", &events.RoomPayload{RoomID: "room-1"})
	readEvent(t, bob, events.OutConversationJoined)
	readEvent(t, alice, events.OutUserJoined)

	bob.Close()

	env := readEvent(t, alice, events.OutUserLeft)
	var change events.PresenceChange
	require.NoError(t, json.Unmarshal(env.Data, &change))
	assert.Equal(t, "bob", change.UserID)
	assert.Equal(t, []string{"alice"}, ts.tracker.Online("room-1"))
}

func TestJoinGenerationSessions(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")

	send(t, alice, events.InJoinCharacterGen, "ack-1", &events.SessionPayload{SessionID: "sess-7"})
	env := readEvent(t, alice, events.OutConversationJoined)
	var joined events.ConversationJoined
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "chargen:sess-7", joined.RoomID)

	send(t, alice, events.InJoinStoryGeneration, "ack-2", &events.SessionPayload{SessionID: "sess-8"})
	env = readEvent(t, alice, events.OutConversationJoined)
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "storygen:sess-8", joined.RoomID)
}

func TestUnknownEventReportsError(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")

	send(t, alice, "time_travel", "ack-1", nil)
	env := readEvent(t, alice, events.OutError)
	assert.Equal(t, "ack-1", env.AckID)
}
