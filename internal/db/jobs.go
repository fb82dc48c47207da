package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `job_id, tenant_id, doc_id, version_id, status, priority, attempts, max_attempts,
	locked_at, locked_by, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.DocumentID, &j.VersionID, &status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LockedAt, &j.LockedBy, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	return &j, nil
}

// EnqueueJob inserts a queued job and fills in its ID and creation time
func (db *DB) EnqueueJob(ctx context.Context, job *Job) error {
	job.Status = JobQueued
	err := db.pool.QueryRow(ctx,
		`INSERT INTO document_jobs (tenant_id, doc_id, version_id, status, priority, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING job_id, created_at`,
		job.TenantID, job.DocumentID, job.VersionID, string(job.Status),
		job.Priority, job.Attempts, job.MaxAttempts,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves one of the tenant's jobs
func (db *DB) GetJob(ctx context.Context, tenantID, jobID int64) (*Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM document_jobs WHERE job_id = $1 AND tenant_id = $2`,
		jobID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// NextQueuedJob picks the claim candidate without locking it
func (db *DB) NextQueuedJob(ctx context.Context) (*Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM document_jobs
		 WHERE status = 'queued' AND attempts < max_attempts
		 ORDER BY priority ASC, created_at ASC, job_id ASC
		 LIMIT 1`,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick job: %w", err)
	}
	return job, nil
}

// ClaimJob is a compare-and-swap on the job's status; exactly one caller sees true
func (db *DB) ClaimJob(ctx context.Context, jobID int64, workerID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE document_jobs
		 SET status = 'running',
		     locked_at = NOW(),
		     locked_by = $2,
		     updated_at = NOW(),
		     attempts = attempts + 1
		 WHERE job_id = $1
		   AND status = 'queued'
		   AND attempts < max_attempts`,
		jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// JobAttempts re-reads the attempt counters of a job
func (db *DB) JobAttempts(ctx context.Context, jobID int64) (int, int, error) {
	var attempts, maxAttempts int
	err := db.pool.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM document_jobs WHERE job_id = $1`,
		jobID,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read job attempts: %w", err)
	}
	return attempts, maxAttempts, nil
}

// CompleteJob marks a running job succeeded
func (db *DB) CompleteJob(ctx context.Context, jobID int64, workerID string) error {
	return db.finishJob(ctx,
		`UPDATE document_jobs
		 SET status = 'succeeded', updated_at = NOW(), last_error = NULL, locked_at = NULL, locked_by = NULL
		 WHERE job_id = $1 AND status = 'running' AND locked_by = $2`,
		jobID, workerID,
	)
}

// RequeueJob returns a running job to the queue for another attempt
func (db *DB) RequeueJob(ctx context.Context, jobID int64, workerID, lastError string) error {
	return db.finishJob(ctx,
		`UPDATE document_jobs
		 SET status = 'queued', updated_at = NOW(), last_error = $3, locked_at = NULL, locked_by = NULL
		 WHERE job_id = $1 AND status = 'running' AND locked_by = $2`,
		jobID, workerID, lastError,
	)
}

// FailJob marks a running job terminally failed
func (db *DB) FailJob(ctx context.Context, jobID int64, workerID, lastError string) error {
	return db.finishJob(ctx,
		`UPDATE document_jobs
		 SET status = 'failed', updated_at = NOW(), last_error = $3, locked_at = NULL, locked_by = NULL
		 WHERE job_id = $1 AND status = 'running' AND locked_by = $2`,
		jobID, workerID, lastError,
	)
}

func (db *DB) finishJob(ctx context.Context, sql string, args ...any) error {
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lease was reclaimed by another worker; their state wins.
		db.logger.Warn("job no longer owned, finalize skipped", "job_id", args[0])
	}
	return nil
}

// ReclaimExpiredJobs releases jobs locked more than lease ago. The cutoff is
// computed by the database so it shares a clock with locked_at.
func (db *DB) ReclaimExpiredJobs(ctx context.Context, lease time.Duration, reason string) (int64, int64, error) {
	secs := lease.Seconds()
	requeued, err := db.pool.Exec(ctx,
		`UPDATE document_jobs
		 SET status = 'queued', updated_at = NOW(), last_error = $2, locked_at = NULL, locked_by = NULL
		 WHERE status = 'running' AND locked_at < NOW() - make_interval(secs => $1) AND attempts < max_attempts`,
		secs, reason,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}
	failed, err := db.pool.Exec(ctx,
		`UPDATE document_jobs
		 SET status = 'failed', updated_at = NOW(), last_error = $2, locked_at = NULL, locked_by = NULL
		 WHERE status = 'running' AND locked_at < NOW() - make_interval(secs => $1) AND attempts >= max_attempts`,
		secs, reason,
	)
	if err != nil {
		return requeued.RowsAffected(), 0, fmt.Errorf("failed to fail expired jobs: %w", err)
	}
	return requeued.RowsAffected(), failed.RowsAffected(), nil
}
