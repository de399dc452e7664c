// ABOUTME: SQLite-backed job queue for asynchronous generation and compaction work
// ABOUTME: Claim is exclusive via a conditional UPDATE; dedupe_key is UNIQUE to suppress redelivery

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnqueueJob inserts a pending job. Returns ErrDuplicateJob if a job with the
// same dedupe key was already enqueued, so at-least-once senders cannot cause
// a double charge.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *GenerationJob) error {
	query := `
		INSERT INTO generation_jobs (
			id, dedupe_key, kind, room_id, participant_id, last_message_id,
			requesting_user_id, cost_share, sensitive, language, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.DedupeKey,
		job.Kind,
		job.RoomID,
		job.ParticipantID,
		job.LastMessageID,
		job.RequestingUserID,
		job.CostShare,
		boolToInt(job.Sensitive),
		job.Language,
		JobStatusPending,
		job.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("job enqueued",
		"job_id", job.ID,
		"kind", job.Kind,
		"room_id", job.RoomID,
		"participant_id", job.ParticipantID,
	)
	return nil
}

// ClaimJob atomically moves the oldest pending job to running and returns it.
// Returns ErrNotFound when the queue is empty. The conditional UPDATE keeps
// the claim exclusive across concurrent workers.
func (s *SQLiteStore) ClaimJob(ctx context.Context) (*GenerationJob, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE generation_jobs
		SET status = ?, claimed_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM generation_jobs
			WHERE status = ?
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING id, dedupe_key, kind, room_id, participant_id, last_message_id,
			requesting_user_id, cost_share, sensitive, language, status, attempts,
			last_error, created_at, claimed_at, finished_at
	`
	row := s.db.QueryRowContext(ctx, query, JobStatusRunning, now, JobStatusPending)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// CompleteJob marks a running job as done.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobStatusDone, "")
}

// FailJob marks a running job as failed with the given reason.
func (s *SQLiteStore) FailJob(ctx context.Context, id string, reason string) error {
	return s.finishJob(ctx, id, JobStatusFailed, reason)
}

func (s *SQLiteStore) finishJob(ctx context.Context, id, status, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE generation_jobs SET status = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingJobCount returns the number of jobs waiting to be claimed.
func (s *SQLiteStore) PendingJobCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM generation_jobs WHERE status = ?`, JobStatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return count, nil
}

func scanJob(row rowScanner) (*GenerationJob, error) {
	var job GenerationJob
	var sensitive int
	var createdAt string
	var claimedAt, finishedAt sql.NullString

	err := row.Scan(
		&job.ID,
		&job.DedupeKey,
		&job.Kind,
		&job.RoomID,
		&job.ParticipantID,
		&job.LastMessageID,
		&job.RequestingUserID,
		&job.CostShare,
		&sensitive,
		&job.Language,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&createdAt,
		&claimedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	job.Sensitive = sensitive != 0
	if job.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if job.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parsing claimed_at: %w", err)
	}
	if job.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &job, nil
}
