// ABOUTME: Enqueue side of the asynchronous execution facility
// ABOUTME: Pairs a TTL dedupe cache with the store's UNIQUE dedupe key

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlor-chat/parlor-gateway/internal/dedupe"
	"github.com/parlor-chat/parlor-gateway/internal/store"
)

// ErrDuplicate indicates the job was already submitted for this
// (room, participant, message) triple.
var ErrDuplicate = errors.New("duplicate job")

// Enqueuer is what the queue needs from storage.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *store.GenerationJob) error
}

// Queue submits generation and compaction jobs. Two dedupe layers: a fast
// in-memory TTL cache, and the store's UNIQUE dedupe_key index as the
// authoritative guard for keys that outlive the cache.
type Queue struct {
	store  Enqueuer
	cache  *dedupe.Cache
	logger *slog.Logger
}

// NewQueue creates a queue over the given store.
func NewQueue(s Enqueuer, cache *dedupe.Cache, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  s,
		cache:  cache,
		logger: logger.With("component", "job-queue"),
	}
}

// SubmitGeneration enqueues one participant's generation job for a turn.
// Returns the job ID, or ErrDuplicate if the dedupe key was already seen.
func (q *Queue) SubmitGeneration(ctx context.Context, job *store.GenerationJob) (string, error) {
	if job.DedupeKey == "" {
		job.DedupeKey = dedupe.JobKey(job.RoomID, job.ParticipantID, job.LastMessageID)
	}
	if q.cache != nil && q.cache.Contains(job.DedupeKey) {
		return "", ErrDuplicate
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Kind = store.JobKindGeneration
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	// The cache is marked only after the insert lands: a transient store
	// failure must leave the key clean so a retry is not misread as a
	// duplicate. The UNIQUE index covers the concurrent-submit race.
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("enqueueing generation job: %w", err)
	}
	if q.cache != nil {
		q.cache.Mark(job.DedupeKey)
	}

	q.logger.Debug("generation job submitted",
		"job_id", job.ID,
		"room_id", job.RoomID,
		"participant_id", job.ParticipantID,
		"cost_share", job.CostShare,
	)
	return job.ID, nil
}

// SubmitCompaction enqueues a memory compaction job for a room. Keyed by the
// triggering message so repeated threshold checks collapse to one job.
func (q *Queue) SubmitCompaction(ctx context.Context, roomID, lastMessageID string) (string, error) {
	job := &store.GenerationJob{
		ID:            uuid.New().String(),
		DedupeKey:     dedupe.JobKey(roomID, "compaction", lastMessageID),
		Kind:          store.JobKindCompaction,
		RoomID:        roomID,
		LastMessageID: lastMessageID,
		CreatedAt:     time.Now(),
	}
	if q.cache != nil && q.cache.Contains(job.DedupeKey) {
		return "", ErrDuplicate
	}

	if err := q.store.EnqueueJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("enqueueing compaction job: %w", err)
	}
	if q.cache != nil {
		q.cache.Mark(job.DedupeKey)
	}

	q.logger.Debug("compaction job submitted", "job_id", job.ID, "room_id", roomID)
	return job.ID, nil
}
