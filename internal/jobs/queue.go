package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dream-ai/docrag/internal/db"
)

const (
	DefaultPriority    = 100
	DefaultMaxAttempts = 3
)

// QueueStore is the persistence the queue needs
type QueueStore interface {
	LatestVersion(ctx context.Context, docID int64) (*db.DocumentVersion, error)
	EnqueueJob(ctx context.Context, job *db.Job) error
	GetJob(ctx context.Context, tenantID, jobID int64) (*db.Job, error)
}

// Handle is what callers receive after enqueueing
type Handle struct {
	JobID       int64        `json:"job_id"`
	Status      db.JobStatus `json:"status"`
	Priority    int          `json:"priority"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
}

// QueueOptions sets the defaults stamped on new jobs. Lower priority runs first.
type QueueOptions struct {
	Priority    int
	MaxAttempts int
}

// Queue creates and looks up ingestion jobs
type Queue struct {
	store  QueueStore
	opts   QueueOptions
	logger *slog.Logger
}

// NewQueue creates a queue. Zero options fall back to the defaults.
func NewQueue(store QueueStore, opts QueueOptions, logger *slog.Logger) *Queue {
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, opts: opts, logger: logger.With("component", "queue")}
}

// Enqueue adds a queued ingestion job for the latest version of a document
func (q *Queue) Enqueue(ctx context.Context, tenantID, docID int64) (*Handle, error) {
	job := &db.Job{
		TenantID:    tenantID,
		DocumentID:  docID,
		Status:      db.JobQueued,
		Priority:    q.opts.Priority,
		MaxAttempts: q.opts.MaxAttempts,
	}

	v, err := q.store.LatestVersion(ctx, docID)
	switch {
	case err == nil:
		job.VersionID = &v.ID
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("failed to resolve latest version: %w", err)
	}

	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.Info("job enqueued", "job_id", job.ID, "doc_id", docID, "tenant_id", tenantID)
	return handleOf(job), nil
}

// Get returns a job of the tenant
func (q *Queue) Get(ctx context.Context, tenantID, jobID int64) (*db.Job, error) {
	return q.store.GetJob(ctx, tenantID, jobID)
}

func handleOf(j *db.Job) *Handle {
	return &Handle{
		JobID:       j.ID,
		Status:      j.Status,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}
}
