package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

const jobColumns = `id, document_id, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// retryDelay is how long a job waits after its n-th failed attempt.
func retryDelay(attempts int) time.Duration {
	return time.Duration(1<<min(attempts, 10)) * time.Second
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.DocumentID, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &j.LastError); err != nil {
		return nil, err
	}
	var err error
	if j.RunAfter, err = parseTime("run_after", j.ID, runAfter); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime("created_at", j.ID, createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", j.ID, updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueIngest queues documentID for ingestion and returns the job id. A
// document that already has a pending job keeps it; its id is returned.
func (s *Store) EnqueueIngest(ctx context.Context, documentID string) (string, error) {
	return s.enqueue(ctx, documentID, defaultMaxAttempts, time.Time{})
}

func (s *Store) enqueue(ctx context.Context, documentID string, maxAttempts int, runAfter time.Time) (string, error) {
	now := time.Now()
	if runAfter.IsZero() {
		runAfter = now
	}
	// The pending job we collided with may be claimed before we read it back;
	// in that case insert again.
	for range 2 {
		id := uuid.NewString()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, document_id, status, max_attempts, run_after, created_at, updated_at)
			VALUES (?, ?, 'pending', ?, ?, ?, ?)
			ON CONFLICT (document_id) WHERE status = 'pending' DO NOTHING`,
			id, documentID, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now),
		)
		if err != nil {
			return "", fmt.Errorf("queueing document %s: %w", documentID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return id, nil
		}

		var existing string
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE document_id = ? AND status = 'pending'`, documentID,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("reading queued job for %s: %w", documentID, err)
		}
	}
	return "", fmt.Errorf("queueing document %s: pending job kept changing", documentID)
}

// ClaimNextJob moves the oldest runnable pending job to running in a single
// statement. A document with a job already running is skipped, so one
// document is never processed by two workers at once. It returns nil when
// nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	now := formatTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ?
				AND document_id NOT IN (SELECT document_id FROM jobs WHERE status = 'running')
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns, now, now)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

func (s *Store) finishJob(ctx context.Context, id string, status JobStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, boolInt(status == JobFailed), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobCompleted, "")
}

// AbandonJob marks a job failed without further attempts. Used when the
// failure is already recorded on the document and retrying cannot help.
func (s *Store) AbandonJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, JobFailed, errMsg)
}

// FailJob records a failed attempt. The job runs again after retryDelay
// until it has used max_attempts, then stays failed. If the document was
// queued again meanwhile, the newer job wins and this one is failed.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ? RETURNING attempts, max_attempts`,
		errMsg, formatTime(now), id,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed' WHERE id = ?`, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', run_after = ? WHERE id = ?`,
			formatTime(now.Add(retryDelay(attempts))), id)
		if isUniqueViolation(err) {
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed' WHERE id = ?`, id)
		}
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueRunning returns jobs left running by a previous process to pending.
// Where a document has several such jobs, or already has a pending one, only
// one job survives. Call it before any worker starts.
func (s *Store) RequeueRunning(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = 'superseded', updated_at = ?
		WHERE status = 'running' AND (
			document_id IN (SELECT document_id FROM jobs WHERE status = 'pending')
			OR id NOT IN (SELECT MAX(id) FROM jobs WHERE status = 'running' GROUP BY document_id)
		)`, now)
	if err != nil {
		return 0, fmt.Errorf("dropping superseded jobs: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// QueueDepth counts jobs that are pending or running.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued jobs: %w", err)
	}
	return n, nil
}
