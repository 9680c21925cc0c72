package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// JobStatus is the lifecycle of a job record.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps one row per job with its attempt count and terminal state.
type Store struct {
	pool querier
}

// NewStore initializes the job record store.
func NewStore(pool querier) *Store {
	if pool == nil {
		panic("jobs: pgx pool required")
	}
	return &Store{pool: pool}
}

// Insert records a freshly enqueued job.
func (s *Store) Insert(ctx context.Context, env Envelope) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, tenant_id, status, attempts, payload, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), 'pending', 0, $4, now(), now())
	`, env.JobID, env.Kind, env.TenantID, env.Payload)
	if err != nil {
		return fmt.Errorf("jobs: insert: %w", err)
	}
	return nil
}

// StartAttempt marks the job running and bumps the attempt counter with a
// relative update. It returns the attempt number just started.
func (s *Store) StartAttempt(ctx context.Context, jobID string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = $1
		RETURNING attempts
	`, jobID).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("jobs: unknown job %s", jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("jobs: start attempt: %w", err)
	}
	return attempts, nil
}

// Finish records the terminal state of an attempt.
func (s *Store) Finish(ctx context.Context, jobID string, status JobStatus, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, detail = NULLIF($2, ''), updated_at = now()
		WHERE id = $3
	`, status, detail, jobID)
	if err != nil {
		return fmt.Errorf("jobs: finish: %w", err)
	}
	return nil
}

// Requeue returns a non-terminal job to pending for the next attempt.
func (s *Store) Requeue(ctx context.Context, jobID, detail string) error {
	return s.Finish(ctx, jobID, JobPending, detail)
}
