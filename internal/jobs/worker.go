package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dream-ai/docrag/internal/db"
	"github.com/dream-ai/docrag/internal/documents"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultLeaseTimeout = 15 * time.Minute

	leaseExpired = "lease expired"
)

// WorkerStore is the slice of the job store a worker uses
type WorkerStore interface {
	NextQueuedJob(ctx context.Context) (*db.Job, error)
	ClaimJob(ctx context.Context, jobID int64, workerID string) (bool, error)
	JobAttempts(ctx context.Context, jobID int64) (attempts, maxAttempts int, err error)
	CompleteJob(ctx context.Context, jobID int64, workerID string) error
	RequeueJob(ctx context.Context, jobID int64, workerID, lastError string) error
	FailJob(ctx context.Context, jobID int64, workerID, lastError string) error
	ReclaimExpiredJobs(ctx context.Context, lease time.Duration, reason string) (requeued, failed int64, err error)
}

// Pipeline processes one document
type Pipeline interface {
	ProcessDocument(ctx context.Context, tenantID, docID int64) (*documents.Result, error)
}

// WorkerOptions tunes the poll loop. LeaseTimeout zero disables reclaiming
// stale running jobs; a negative value selects the default.
type WorkerOptions struct {
	ID           string
	PollInterval time.Duration
	LeaseTimeout time.Duration
}

// Worker claims queued jobs one at a time and runs them through the pipeline
type Worker struct {
	id       string
	store    WorkerStore
	pipeline Pipeline
	poll     time.Duration
	lease    time.Duration
	logger   *slog.Logger
}

// NewWorker creates a worker. Without an explicit ID it is named hostname:uuid.
func NewWorker(store WorkerStore, pipeline Pipeline, opts WorkerOptions, logger *slog.Logger) (*Worker, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if pipeline == nil {
		return nil, ErrPipelineRequired
	}
	if opts.ID == "" {
		opts.ID = NewWorkerID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LeaseTimeout < 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:       opts.ID,
		store:    store,
		pipeline: pipeline,
		poll:     opts.PollInterval,
		lease:    opts.LeaseTimeout,
		logger:   logger.With("component", "worker", "worker_id", opts.ID),
	}, nil
}

// NewWorkerID returns hostname:uuid
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + uuid.NewString()
}

// ID returns the lock owner name written to claimed jobs
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. Cancellation is observed between
// iterations only; a job already claimed runs to its terminal state.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.poll, "lease_timeout", w.lease)
	defer w.logger.Info("worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		did, err := w.TryProcessOne(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "err", err)
		}
		if did {
			continue
		}

		timer.Reset(w.poll)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// TryProcessOne claims and processes at most one job. It reports whether
// there was work, which includes losing a claim race to another worker.
func (w *Worker) TryProcessOne(ctx context.Context) (bool, error) {
	job, err := w.store.NextQueuedJob(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pick job: %w", err)
	}
	if job == nil {
		return w.reclaim(ctx)
	}

	claimed, err := w.store.ClaimJob(ctx, job.ID, w.id)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %d: %w", job.ID, err)
	}
	if !claimed {
		w.logger.Debug("lost claim race", "job_id", job.ID)
		return true, nil
	}

	return true, w.process(context.WithoutCancel(ctx), job)
}

func (w *Worker) reclaim(ctx context.Context) (bool, error) {
	if w.lease == 0 {
		return false, nil
	}
	requeued, failed, err := w.store.ReclaimExpiredJobs(ctx, w.lease, leaseExpired)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim expired jobs: %w", err)
	}
	if requeued > 0 || failed > 0 {
		w.logger.Warn("reclaimed expired jobs", "requeued", requeued, "failed", failed)
	}
	return requeued > 0, nil
}

func (w *Worker) process(ctx context.Context, job *db.Job) error {
	logger := w.logger.With("job_id", job.ID, "doc_id", job.DocumentID, "attempt", job.Attempts+1)
	logger.Info("processing job")

	res, err := w.runPipeline(ctx, job)
	if err != nil {
		logger.Error("pipeline error", "err", err)
		return w.fail(ctx, job.ID, err.Error())
	}

	if res.Status == db.DocumentReady {
		if err := w.store.CompleteJob(ctx, job.ID, w.id); err != nil {
			return fmt.Errorf("failed to complete job %d: %w", job.ID, err)
		}
		logger.Info("job succeeded", "chunks", res.Chunks, "embedded", res.Embedded)
		return nil
	}

	msg := ErrUnknownFailure.Error()
	if res.Error != nil && *res.Error != "" {
		msg = *res.Error
	}
	attempts, maxAttempts, err := w.store.JobAttempts(ctx, job.ID)
	if err != nil {
		return w.fail(ctx, job.ID, fmt.Sprintf("failed to read attempts: %v", err))
	}
	if attempts < maxAttempts {
		if err := w.store.RequeueJob(ctx, job.ID, w.id, msg); err != nil {
			return fmt.Errorf("failed to requeue job %d: %w", job.ID, err)
		}
		logger.Warn("job requeued", "attempts", attempts, "max_attempts", maxAttempts, "err", msg)
		return nil
	}
	logger.Error("job failed", "attempts", attempts, "err", msg)
	return w.fail(ctx, job.ID, msg)
}

func (w *Worker) fail(ctx context.Context, jobID int64, msg string) error {
	if err := w.store.FailJob(ctx, jobID, w.id, msg); err != nil {
		return fmt.Errorf("failed to mark job %d failed: %w", jobID, err)
	}
	return nil
}

func (w *Worker) runPipeline(ctx context.Context, job *db.Job) (res *documents.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	res, err = w.pipeline.ProcessDocument(ctx, job.TenantID, job.DocumentID)
	if err == nil && res == nil {
		err = ErrUnknownFailure
	}
	return res, err
}

// RunAll runs independent poll loops until ctx is cancelled
func RunAll(ctx context.Context, workers ...*Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
