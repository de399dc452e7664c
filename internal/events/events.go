// ABOUTME: Wire protocol for the WebSocket transport: event names, envelope, payloads
// ABOUTME: Shared by the ws layer, the conversation orchestrator and the job workers

package events

import (
	"encoding/json"
	"time"
)

// Inbound event names (client -> server)
const (
	InJoinConversation    = "join_conversation"
	InLeaveConversation   = "leave_conversation"
	InTypingStart         = "typing_start"
	InTypingStop          = "typing_stop"
	InSendMessage         = "send_message"
	InDeleteMessage       = "delete_message"
	InJoinCharacterGen    = "join_character_generation"
	InJoinStoryGeneration = "join_story_generation"
)

// Outbound event names (server -> client)
const (
	OutConnectionEstablished = "connection_established"
	OutConversationJoined    = "conversation_joined"
	OutUserJoined            = "user_joined"
	OutUserLeft              = "user_left"
	OutPresenceUpdate        = "presence_update"
	OutTypingStart           = "typing_start"
	OutTypingStop            = "typing_stop"
	OutMessageReceived       = "message_received"
	OutMessageDeleted        = "message_deleted"
	OutMessageTranslations   = "message_translations"
	OutCompactionStarted     = "memory_compression_started"
	OutCompactionComplete    = "memory_compression_complete"
	OutError                 = "error"
	OutAck                   = "ack"
)

// Envelope is the frame exchanged in both directions. AckID correlates an
// inbound request with its acknowledgement; it is echoed back verbatim.
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an outbound envelope. Marshal failures are
// programming errors (all payload types are plain structs), so they panic.
func NewEnvelope(event, ackID string, data any) *Envelope {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			panic("events: unmarshalable payload: " + err.Error())
		}
		raw = b
	}
	return &Envelope{Event: event, AckID: ackID, Data: raw}
}

// RoomPayload covers join_conversation, leave_conversation and typing events.
type RoomPayload struct {
	RoomID string `json:"room_id" validate:"required"`
}

// SendMessagePayload is the body of a send_message frame.
type SendMessagePayload struct {
	RoomID      string          `json:"room_id" validate:"required"`
	Content     string          `json:"content" validate:"required,max=8000"`
	Attachments []Attachment    `json:"attachments,omitempty" validate:"dive"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Attachment is a file reference carried alongside a message.
type Attachment struct {
	Name     string `json:"name" validate:"required"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url" validate:"required,url"`
}

// DeleteMessagePayload is the body of a delete_message frame.
type DeleteMessagePayload struct {
	RoomID    string `json:"room_id" validate:"required"`
	MessageID string `json:"message_id" validate:"required"`
}

// SessionPayload covers join_character_generation and join_story_generation.
type SessionPayload struct {
	SessionID string `json:"session_id" validate:"required"`
}

// ConnectionEstablished greets a freshly authenticated connection.
type ConnectionEstablished struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ServerTime  string `json:"server_time"`
}

// ConversationJoined acknowledges a successful room join.
type ConversationJoined struct {
	RoomID      string   `json:"room_id"`
	OnlineUsers []string `json:"online_users"`
}

// PresenceChange announces one user joining or leaving a room.
type PresenceChange struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// PresenceUpdate carries the full roster after every change.
type PresenceUpdate struct {
	RoomID      string   `json:"room_id"`
	OnlineUsers []string `json:"online_users"`
}

// Typing announces a participant's typing indicator state.
type Typing struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

// MessageBody is the serialized message shape broadcast to rooms and
// returned in acknowledgements.
type MessageBody struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	SenderID  string          `json:"sender_id"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageDeleted announces a message tombstone.
type MessageDeleted struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// MessageTranslations carries a batch of pre-generated translations.
type MessageTranslations struct {
	RoomID       string            `json:"room_id"`
	MessageID    string            `json:"message_id"`
	Translations map[string]string `json:"translations"` // language -> text
}

// Compaction announces memory compression lifecycle for a room.
type Compaction struct {
	RoomID string `json:"room_id"`
}

// ErrorEvent is a room-scoped or connection-scoped error report.
type ErrorEvent struct {
	Message       string `json:"message"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// SendAck is the acknowledgement payload for send_message.
type SendAck struct {
	Success             bool         `json:"success"`
	Data                *MessageBody `json:"data,omitempty"`
	RespondingBots      []string     `json:"responding_bots,omitempty"`
	EstimatedCreditCost int64        `json:"estimated_credit_cost,omitempty"`
	Error               string       `json:"error,omitempty"`
	Message             string       `json:"message,omitempty"`
	Required            int64        `json:"required,omitempty"`
	Current             int64        `json:"current,omitempty"`
}

// OpAck is the generic acknowledgement for non-message operations.
type OpAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RoomBroadcaster delivers an event to every online member of a room.
// Implemented by the ws hub; consumed by the orchestrator and job workers.
type RoomBroadcaster interface {
	BroadcastRoom(roomID, event string, data any)
	// BroadcastRoomExcept skips one user, used for user_joined/user_left
	// which go to all *other* members.
	BroadcastRoomExcept(roomID, exceptUserID, event string, data any)
}
