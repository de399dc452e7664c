// ABOUTME: Store interface and data types for parlor-gateway persistence
// ABOUTME: Defines Room, Message, CreditTransaction, GenerationJob and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRoom is returned when trying to create a room that already exists
var ErrDuplicateRoom = errors.New("room already exists")

// ErrDuplicateJob is returned when a job with the same dedupe key already exists
var ErrDuplicateJob = errors.New("job already enqueued")

// Member kinds distinguish human users from AI participants
const (
	MemberKindHuman = "human"
	MemberKindBot   = "bot"
)

// Room kinds
const (
	RoomKindDirect = "direct" // one human, one bot
	RoomKindGroup  = "group"  // multi-party
)

// Room is a conversation's broadcast scope. Membership lives in room_members.
type Room struct {
	ID          string
	Name        string
	OwnerID     string
	Kind        string // "direct" or "group"
	Sensitive   bool   // room-level mature-content flag, feeds the cost surcharge
	CompactedAt *time.Time
	CreatedAt   time.Time
}

// RoomMember is one participant (human or bot) of a room.
type RoomMember struct {
	RoomID        string
	UserID        string
	Kind          string // "human" or "bot"
	DisplayName   string
	Language      string // preferred language, ISO 639-1
	AutoTranslate bool   // opted into translation pre-generation
	JoinedAt      time.Time
}

// Message is one durable message in a room.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Content   string
	Metadata  string // optional raw JSON from the client
	CreatedAt time.Time
	DeletedAt *time.Time
}

// CreditTransaction is one append-only entry in the credit ledger.
// Negative deltas are charges, positive deltas are grants. A charge is
// recorded only after a participant's generation succeeds, never speculatively.
type CreditTransaction struct {
	ID        string
	UserID    string
	Delta     int64
	Memo      string
	MessageID string // generated message this charge pays for, empty for grants
	CreatedAt time.Time
}

// Job kinds
const (
	JobKindGeneration = "generation"
	JobKindCompaction = "compaction"
)

// Job statuses
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// GenerationJob is one unit of asynchronous work: either one participant's
// response within a turn, or a memory compaction pass for a room.
type GenerationJob struct {
	ID               string
	DedupeKey        string // roomID:participantID:lastMessageID, unique
	Kind             string // "generation" or "compaction"
	RoomID           string
	ParticipantID    string
	LastMessageID    string
	RequestingUserID string // the payer: always the sender of the triggering message
	CostShare        int64
	Sensitive        bool
	Language         string
	Status           string
	Attempts         int
	LastError        string
	CreatedAt        time.Time
	ClaimedAt        *time.Time
	FinishedAt       *time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Rooms and membership
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	AddMember(ctx context.Context, member *RoomMember) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListMembers(ctx context.Context, roomID string) ([]*RoomMember, error)
	SetRoomCompactedAt(ctx context.Context, roomID string, at time.Time) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListRoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)
	MarkMessageDeleted(ctx context.Context, id string, at time.Time) error
	CountMessagesSince(ctx context.Context, roomID string, since *time.Time) (int, error)

	// Credit ledger (append-only)
	RecordTransaction(ctx context.Context, tx *CreditTransaction) error
	Balance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error)

	// Job queue
	EnqueueJob(ctx context.Context, job *GenerationJob) error
	ClaimJob(ctx context.Context) (*GenerationJob, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, reason string) error
	PendingJobCount(ctx context.Context) (int, error)

	// Close releases any resources held by the store
	Close() error
}
