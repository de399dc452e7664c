// ABOUTME: Turn orchestrator: gate, persist, select, meter, dispatch
// ABOUTME: Background triggers (translation, compaction) run detached from the turn

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/parlor-chat/parlor-gateway/internal/auth"
	"github.com/parlor-chat/parlor-gateway/internal/credits"
	"github.com/parlor-chat/parlor-gateway/internal/events"
	"github.com/parlor-chat/parlor-gateway/internal/jobs"
	"github.com/parlor-chat/parlor-gateway/internal/oracle"
	"github.com/parlor-chat/parlor-gateway/internal/store"
	"github.com/parlor-chat/parlor-gateway/internal/translate"
)

// Ack error codes surfaced to clients.
const (
	ErrCodeAccessDenied        = "access_denied"
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeInternal            = "internal_error"
)

// Roster answers who is online in a room. Implemented by the presence
// tracker; scopes translation prefetch to members who can receive it.
type Roster interface {
	Online(roomID string) []string
}

// Service orchestrates message turns. One instance serves all rooms; the
// dispatch strategy is fixed at construction.
type Service struct {
	store       store.Store
	gate        *auth.Gate
	oracle      oracle.Oracle
	estimator   *credits.Estimator
	guard       *credits.Guard
	strategy    Strategy
	broadcaster events.RoomBroadcaster
	queue       *jobs.Queue
	prefetcher  *translate.Prefetcher
	roster      Roster
	threshold   int
	logger      *slog.Logger
}

// Config collects the service's collaborators.
type Config struct {
	Store       store.Store
	Gate        *auth.Gate
	Oracle      oracle.Oracle
	Estimator   *credits.Estimator
	Guard       *credits.Guard
	Strategy    Strategy
	Broadcaster events.RoomBroadcaster
	Queue       *jobs.Queue
	Prefetcher  *translate.Prefetcher
	Roster      Roster
	// CompactionThreshold is the message count since the last compaction
	// that triggers a new one. Zero disables the trigger.
	CompactionThreshold int
	Logger              *slog.Logger
}

// NewService wires the orchestrator.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       cfg.Store,
		gate:        cfg.Gate,
		oracle:      cfg.Oracle,
		estimator:   cfg.Estimator,
		guard:       cfg.Guard,
		strategy:    cfg.Strategy,
		broadcaster: cfg.Broadcaster,
		queue:       cfg.Queue,
		prefetcher:  cfg.Prefetcher,
		roster:      cfg.Roster,
		threshold:   cfg.CompactionThreshold,
		logger:      logger.With("component", "conversation"),
	}
}

// SendMessage runs one turn: authorization, persistence, participant
// selection, metering, dispatch. The returned ack is what the sender sees;
// generated responses arrive later through the broadcaster.
func (s *Service) SendMessage(ctx context.Context, sender *auth.Identity, p *events.SendMessagePayload) *events.SendAck {
	if err := s.gate.Check(ctx, p.RoomID, sender.UserID); err != nil {
		if errors.Is(err, auth.ErrAccessDenied) {
			return &events.SendAck{Success: false, Error: ErrCodeAccessDenied, Message: "not a member of this conversation"}
		}
		s.logger.Error("membership check", "room_id", p.RoomID, "error", err)
		return &events.SendAck{Success: false, Error: ErrCodeInternal}
	}

	room, err := s.store.GetRoom(ctx, p.RoomID)
	if err != nil {
		s.logger.Error("loading room", "room_id", p.RoomID, "error", err)
		return &events.SendAck{Success: false, Error: ErrCodeInternal}
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		SenderID:  sender.UserID,
		Content:   p.Content,
		Metadata:  string(p.Metadata),
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.logger.Error("persisting message", "room_id", room.ID, "error", err)
		return &events.SendAck{Success: false, Error: ErrCodeInternal}
	}

	body := &events.MessageBody{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Metadata:  json.RawMessage(msg.Metadata),
		CreatedAt: msg.CreatedAt,
	}
	// The sender gets the message back in the ack.
	s.broadcaster.BroadcastRoomExcept(room.ID, sender.UserID, events.OutMessageReceived, body)

	members, err := s.store.ListMembers(ctx, room.ID)
	if err != nil {
		s.logger.Error("listing members", "room_id", room.ID, "error", err)
		return &events.SendAck{Success: true, Data: body}
	}

	s.runBackgroundTriggers(ctx, room, msg, members)

	sel, err := s.oracle.Select(ctx, room, members, msg)
	if err != nil {
		// The message stands; only response generation is skipped this turn.
		s.logger.Error("participant selection", "room_id", room.ID, "message_id", msg.ID, "error", err)
		return &events.SendAck{Success: true, Data: body, Message: "responses unavailable"}
	}
	if len(sel.ParticipantIDs) == 0 {
		return &events.SendAck{Success: true, Data: body}
	}

	estimate := s.estimator.Estimate(len(sel.ParticipantIDs), sel.Sensitive)
	if err := s.guard.Authorize(ctx, sender.UserID, estimate); err != nil {
		var insufficient *credits.InsufficientError
		if errors.As(err, &insufficient) {
			return &events.SendAck{
				Success:  false,
				Data:     body,
				Error:    ErrCodeInsufficientCredits,
				Required: insufficient.Required,
				Current:  insufficient.Current,
			}
		}
		s.logger.Error("credit check", "user_id", sender.UserID, "error", err)
		return &events.SendAck{Success: false, Data: body, Error: ErrCodeInternal}
	}

	// One indicator per responding participant, before any work starts.
	for _, participantID := range sel.ParticipantIDs {
		s.broadcaster.BroadcastRoom(room.ID, events.OutTypingStart, &events.Typing{
			RoomID:        room.ID,
			ParticipantID: participantID,
		})
	}

	s.strategy.Dispatch(ctx, &Dispatch{
		Room:             room,
		Message:          msg,
		RequestingUserID: sender.UserID,
		Language:         sender.Language,
		ParticipantIDs:   sel.ParticipantIDs,
		CostShare:        s.estimator.Share(estimate, len(sel.ParticipantIDs)),
		Sensitive:        sel.Sensitive,
	})

	s.logger.Info("turn dispatched",
		"room_id", room.ID,
		"message_id", msg.ID,
		"participants", len(sel.ParticipantIDs),
		"estimate", estimate,
		"strategy", s.strategy.Name(),
	)

	return &events.SendAck{
		Success:             true,
		Data:                body,
		RespondingBots:      sel.ParticipantIDs,
		EstimatedCreditCost: estimate,
	}
}

// runBackgroundTriggers fires the detached post-persist work: translation
// prefetch and the memory compaction check. Neither can fail the turn.
func (s *Service) runBackgroundTriggers(ctx context.Context, room *store.Room, msg *store.Message, members []*store.RoomMember) {
	detached := context.WithoutCancel(ctx)

	// Prefetch serves multi-party rooms only, and only members who are
	// online to receive the batch.
	if s.prefetcher != nil && room.Kind == store.RoomKindGroup {
		targets := s.onlineMembers(room.ID, members)
		go func() {
			translations := s.prefetcher.Prefetch(detached, msg, targets)
			if len(translations) == 0 {
				return
			}
			s.broadcaster.BroadcastRoom(room.ID, events.OutMessageTranslations, &events.MessageTranslations{
				RoomID:       room.ID,
				MessageID:    msg.ID,
				Translations: translations,
			})
		}()
	}

	if s.queue != nil && s.threshold > 0 {
		go func() {
			count, err := s.store.CountMessagesSince(detached, room.ID, room.CompactedAt)
			if err != nil {
				s.logger.Warn("compaction check", "room_id", room.ID, "error", err)
				return
			}
			if count < s.threshold {
				return
			}
			if _, err := s.queue.SubmitCompaction(detached, room.ID, msg.ID); err != nil {
				if !errors.Is(err, jobs.ErrDuplicate) {
					s.logger.Warn("scheduling compaction", "room_id", room.ID, "error", err)
				}
				return
			}
			s.broadcaster.BroadcastRoom(room.ID, events.OutCompactionStarted, &events.Compaction{RoomID: room.ID})
		}()
	}
}

// onlineMembers filters the stored membership down to users currently online
// in the room. Without a roster source, everyone counts as online.
func (s *Service) onlineMembers(roomID string, members []*store.RoomMember) []*store.RoomMember {
	if s.roster == nil {
		return members
	}
	online := s.roster.Online(roomID)
	return lo.Filter(members, func(m *store.RoomMember, _ int) bool {
		return slices.Contains(online, m.UserID)
	})
}

// DeleteMessage tombstones a message. Only the author or the room owner may
// delete; the content stays in storage, the room sees a deletion event.
func (s *Service) DeleteMessage(ctx context.Context, sender *auth.Identity, p *events.DeleteMessagePayload) error {
	if err := s.gate.Check(ctx, p.RoomID, sender.UserID); err != nil {
		return err
	}

	msg, err := s.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}
	if msg.RoomID != p.RoomID {
		return store.ErrNotFound
	}

	if msg.SenderID != sender.UserID {
		room, err := s.store.GetRoom(ctx, p.RoomID)
		if err != nil {
			return fmt.Errorf("loading room: %w", err)
		}
		if room.OwnerID != sender.UserID {
			return auth.ErrAccessDenied
		}
	}

	if err := s.store.MarkMessageDeleted(ctx, p.MessageID, time.Now()); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	s.broadcaster.BroadcastRoom(p.RoomID, events.OutMessageDeleted, &events.MessageDeleted{
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
	})
	return nil
}

// EnsureSessionRoom creates or reuses the dedicated room backing a
// generation session. The room comes with one AI participant so turns in it
// produce responses.
func (s *Service) EnsureSessionRoom(ctx context.Context, kind, sessionID string, ident *auth.Identity) (string, error) {
	roomID := kind + ":" + sessionID

	_, err := s.store.GetRoom(ctx, roomID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		now := time.Now()
		room := &store.Room{
			ID:        roomID,
			Name:      fmt.Sprintf("%s session %s", kind, sessionID),
			OwnerID:   ident.UserID,
			Kind:      kind,
			CreatedAt: now,
		}
		if err := s.store.CreateRoom(ctx, room); err != nil && !errors.Is(err, store.ErrDuplicateRoom) {
			return "", fmt.Errorf("creating session room: %w", err)
		}
		if err := s.store.AddMember(ctx, &store.RoomMember{
			RoomID:      roomID,
			UserID:      kind + "-assistant",
			Kind:        store.MemberKindBot,
			DisplayName: "Assistant",
			JoinedAt:    now,
		}); err != nil {
			return "", fmt.Errorf("seeding session assistant: %w", err)
		}
	default:
		return "", fmt.Errorf("loading session room: %w", err)
	}

	// Membership upsert keeps rejoins idempotent.
	if err := s.store.AddMember(ctx, &store.RoomMember{
		RoomID:      roomID,
		UserID:      ident.UserID,
		Kind:        store.MemberKindHuman,
		DisplayName: ident.DisplayName,
		Language:    ident.Language,
		JoinedAt:    time.Now(),
	}); err != nil {
		return "", fmt.Errorf("joining session room: %w", err)
	}
	return roomID, nil
}
