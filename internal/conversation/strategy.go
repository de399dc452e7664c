// ABOUTME: Dispatch strategies: inline goroutines or the persistent job queue
// ABOUTME: One strategy is selected at startup and serves all turns

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlor-chat/parlor-gateway/internal/events"
	"github.com/parlor-chat/parlor-gateway/internal/generation"
	"github.com/parlor-chat/parlor-gateway/internal/jobs"
	"github.com/parlor-chat/parlor-gateway/internal/store"
)

// Dispatch is one turn's generation work: the responding participants and
// the billing terms settled during pre-flight.
type Dispatch struct {
	Room             *store.Room
	Message          *store.Message
	RequestingUserID string
	Language         string
	ParticipantIDs   []string
	CostShare        int64
	Sensitive        bool
}

// Strategy hands a turn's generation work to an execution path. Dispatch
// returns once the work is handed off; results arrive through the
// broadcaster as they complete.
type Strategy interface {
	Name() string
	Dispatch(ctx context.Context, d *Dispatch)
}

// QueuedStrategy persists one job per participant. Work survives process
// restarts and client disconnects; the worker pool picks it up.
type QueuedStrategy struct {
	queue       *jobs.Queue
	broadcaster events.RoomBroadcaster
	logger      *slog.Logger
}

// NewQueuedStrategy creates the queue-backed dispatch path.
func NewQueuedStrategy(queue *jobs.Queue, b events.RoomBroadcaster, logger *slog.Logger) *QueuedStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueuedStrategy{
		queue:       queue,
		broadcaster: b,
		logger:      logger.With("component", "dispatch", "strategy", "queued"),
	}
}

func (s *QueuedStrategy) Name() string { return "queued" }

func (s *QueuedStrategy) Dispatch(ctx context.Context, d *Dispatch) {
	for _, participantID := range d.ParticipantIDs {
		_, err := s.queue.SubmitGeneration(ctx, &store.GenerationJob{
			RoomID:           d.Room.ID,
			ParticipantID:    participantID,
			LastMessageID:    d.Message.ID,
			RequestingUserID: d.RequestingUserID,
			CostShare:        d.CostShare,
			Sensitive:        d.Sensitive,
			Language:         d.Language,
		})
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrDuplicate):
			// Already queued for this turn, nothing to do.
			s.logger.Debug("duplicate dispatch skipped",
				"room_id", d.Room.ID, "participant_id", participantID, "message_id", d.Message.ID)
		default:
			s.logger.Error("enqueueing participant",
				"room_id", d.Room.ID, "participant_id", participantID, "error", err)
			s.failParticipant(d.Room.ID, participantID)
		}
	}
}

func (s *QueuedStrategy) failParticipant(roomID, participantID string) {
	s.broadcaster.BroadcastRoom(roomID, events.OutError, &events.ErrorEvent{
		Message:       fmt.Sprintf("%s could not respond", participantID),
		ParticipantID: participantID,
	})
	s.broadcaster.BroadcastRoom(roomID, events.OutTypingStop, &events.Typing{
		RoomID:        roomID,
		ParticipantID: participantID,
	})
}

// InlineStrategy runs one goroutine per participant inside the gateway
// process. Lower latency, no durability: a crash loses in-flight work.
// Each participant fails independently; one engine error never blocks the
// others' responses.
type InlineStrategy struct {
	store       InlineStore
	generator   generation.Generator
	charger     jobs.Charger
	broadcaster events.RoomBroadcaster
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// InlineStore is what inline dispatch needs from storage.
type InlineStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// NewInlineStrategy creates the in-process dispatch path.
func NewInlineStrategy(s InlineStore, gen generation.Generator, charger jobs.Charger, b events.RoomBroadcaster, logger *slog.Logger) *InlineStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineStrategy{
		store:       s,
		generator:   gen,
		charger:     charger,
		broadcaster: b,
		logger:      logger.With("component", "dispatch", "strategy", "inline"),
	}
}

func (s *InlineStrategy) Name() string { return "inline" }

func (s *InlineStrategy) Dispatch(ctx context.Context, d *Dispatch) {
	// Generation outlives the triggering connection; a disconnect must not
	// cancel responses other room members are waiting for.
	detached := context.WithoutCancel(ctx)
	for _, participantID := range d.ParticipantIDs {
		s.wg.Add(1)
		go func(participantID string) {
			defer s.wg.Done()
			s.generate(detached, d, participantID)
		}(participantID)
	}
}

// Drain waits for in-flight inline generations. Called during shutdown.
func (s *InlineStrategy) Drain() {
	s.wg.Wait()
}

func (s *InlineStrategy) generate(ctx context.Context, d *Dispatch, participantID string) {
	result, err := s.generator.Generate(ctx, &generation.Request{
		RoomID:        d.Room.ID,
		ParticipantID: participantID,
		LastMessageID: d.Message.ID,
		Language:      d.Language,
		CostShare:     d.CostShare,
		Sensitive:     d.Sensitive,
	})
	if err != nil {
		s.logger.Warn("generation failed",
			"room_id", d.Room.ID, "participant_id", participantID, "error", err)
		s.broadcaster.BroadcastRoom(d.Room.ID, events.OutError, &events.ErrorEvent{
			Message:       fmt.Sprintf("%s could not respond", participantID),
			ParticipantID: participantID,
		})
		s.broadcaster.BroadcastRoom(d.Room.ID, events.OutTypingStop, &events.Typing{
			RoomID:        d.Room.ID,
			ParticipantID: participantID,
		})
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		RoomID:    d.Room.ID,
		SenderID:  participantID,
		Content:   result.Content,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.logger.Error("persisting generated message",
			"room_id", d.Room.ID, "participant_id", participantID, "error", err)
		s.broadcaster.BroadcastRoom(d.Room.ID, events.OutError, &events.ErrorEvent{
			Message:       fmt.Sprintf("%s could not respond", participantID),
			ParticipantID: participantID,
		})
		s.broadcaster.BroadcastRoom(d.Room.ID, events.OutTypingStop, &events.Typing{
			RoomID:        d.Room.ID,
			ParticipantID: participantID,
		})
		return
	}

	s.broadcaster.BroadcastRoom(d.Room.ID, events.OutMessageReceived, &events.MessageBody{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	s.broadcaster.BroadcastRoom(d.Room.ID, events.OutTypingStop, &events.Typing{
		RoomID:        d.Room.ID,
		ParticipantID: participantID,
	})

	// Billing settles after delivery; a ledger failure leaves the message
	// standing and the turn partially charged.
	if d.CostShare > 0 && d.RequestingUserID != "" {
		memo := fmt.Sprintf("generation by %s", participantID)
		if err := s.charger.Charge(ctx, d.RequestingUserID, d.CostShare, memo, msg.ID); err != nil {
			s.logger.Error("charging cost share",
				"user_id", d.RequestingUserID, "amount", d.CostShare, "error", err)
		}
	}
}
