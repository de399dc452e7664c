// ABOUTME: Worker pool draining the persistent job queue
// ABOUTME: Runs generation and compaction jobs and reconciles billing per outcome

package jobs

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
	"github.com/parlor-chat/parlor-gateway/internal/store"
)

// JobStore is what workers need from storage.
type JobStore interface {
	ClaimJob(ctx context.Context) (*store.GenerationJob, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, reason string) error
	SaveMessage(ctx context.Context, msg *store.Message) error
	SetRoomCompactedAt(ctx context.Context, roomID string, at time.Time) error
}

// Charger settles a participant's cost share after a successful generation.
type Charger interface {
	Charge(ctx context.Context, userID string, amount int64, memo, messageID string) error
}

// Pool runs a fixed set of workers that poll the queue. Each claimed job is
// executed to completion; billing happens only after the generated message is
// persisted and broadcast, and never on failure.
type Pool struct {
	store       JobStore
	generator   generation.Generator
	charger     Charger
	broadcaster events.RoomBroadcaster
	workers     int
	interval    time.Duration
	logger      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewPool creates a worker pool. workers and interval fall back to sane
// values when zero.
func NewPool(s JobStore, gen generation.Generator, charger Charger, b events.RoomBroadcaster, workers int, interval time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:       s,
		generator:   gen,
		charger:     charger,
		broadcaster: b,
		workers:     workers,
		interval:    interval,
		logger:      logger.With("component", "job-pool"),
	}
}

// Start launches the workers. Stop with Stop or by cancelling ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("job workers started", "workers", p.workers, "poll_interval", p.interval)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain everything available before going back to sleep.
		for {
			job, err := p.store.ClaimJob(ctx)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("claiming job", "error", err)
				break
			}
			p.execute(ctx, job, logger)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) execute(ctx context.Context, job *store.GenerationJob, logger *slog.Logger) {
	switch job.Kind {
	case store.JobKindCompaction:
		p.runCompaction(ctx, job, logger)
	default:
		p.runGeneration(ctx, job, logger)
	}
}

func (p *Pool) runGeneration(ctx context.Context, job *store.GenerationJob, logger *slog.Logger) {
	result, err := p.generator.Generate(ctx, &generation.Request{
		RoomID:        job.RoomID,
		ParticipantID: job.ParticipantID,
		LastMessageID: job.LastMessageID,
		Language:      job.Language,
		CostShare:     job.CostShare,
		Sensitive:     job.Sensitive,
	})
	if err != nil {
		logger.Warn("generation failed",
			"job_id", job.ID,
			"room_id", job.RoomID,
			"participant_id", job.ParticipantID,
			"error", err,
		)
		p.broadcaster.BroadcastRoom(job.RoomID, events.OutError, &events.ErrorEvent{
			Message:       fmt.Sprintf("%s could not respond", job.ParticipantID),
			ParticipantID: job.ParticipantID,
		})
		p.broadcaster.BroadcastRoom(job.RoomID, events.OutTypingStop, &events.Typing{
			RoomID:        job.RoomID,
			ParticipantID: job.ParticipantID,
		})
		if ferr := p.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			logger.Error("marking job failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		RoomID:    job.RoomID,
		SenderID:  job.ParticipantID,
		Content:   result.Content,
		CreatedAt: time.Now(),
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		logger.Error("persisting generated message", "job_id", job.ID, "error", err)
		p.broadcaster.BroadcastRoom(job.RoomID, events.OutError, &events.ErrorEvent{
			Message:       fmt.Sprintf("%s could not respond", job.ParticipantID),
			ParticipantID: job.ParticipantID,
		})
		p.broadcaster.BroadcastRoom(job.RoomID, events.OutTypingStop, &events.Typing{
			RoomID:        job.RoomID,
			ParticipantID: job.ParticipantID,
		})
		if ferr := p.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			logger.Error("marking job failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	p.broadcaster.BroadcastRoom(job.RoomID, events.OutMessageReceived, &events.MessageBody{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	p.broadcaster.BroadcastRoom(job.RoomID, events.OutTypingStop, &events.Typing{
		RoomID:        job.RoomID,
		ParticipantID: job.ParticipantID,
	})

	// Billing settles after delivery. The requesting user pays this
	// participant's share; a ledger failure here is logged and the message
	// stands, so a turn can end partially charged.
	if job.CostShare > 0 && job.RequestingUserID != "" {
		memo := fmt.Sprintf("generation by %s", job.ParticipantID)
		if err := p.charger.Charge(ctx, job.RequestingUserID, job.CostShare, memo, msg.ID); err != nil {
			logger.Error("charging cost share",
				"job_id", job.ID,
				"user_id", job.RequestingUserID,
				"amount", job.CostShare,
				"error", err,
			)
		}
	}

	if err := p.store.CompleteJob(ctx, job.ID); err != nil {
		logger.Error("marking job done", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) runCompaction(ctx context.Context, job *store.GenerationJob, logger *slog.Logger) {
	if err := p.store.SetRoomCompactedAt(ctx, job.RoomID, time.Now()); err != nil {
		logger.Error("compacting room memory", "job_id", job.ID, "room_id", job.RoomID, "error", err)
		if ferr := p.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			logger.Error("marking job failed", "job_id", job.ID, "error", ferr)
		}
		return
	}
	p.broadcaster.BroadcastRoom(job.RoomID, events.OutCompactionComplete, &events.Compaction{RoomID: job.RoomID})
	if err := p.store.CompleteJob(ctx, job.ID); err != nil {
		logger.Error("marking job done", "job_id", job.ID, "error", err)
	}
	logger.Info("room memory compacted", "room_id", job.RoomID)
}
