package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dream-ai/docrag/internal/db"
	"github.com/dream-ai/docrag/internal/db/memdb"
	"github.com/dream-ai/docrag/internal/documents"
)

type pipelineFunc func(ctx context.Context, tenantID, docID int64) (*documents.Result, error)

func (f pipelineFunc) ProcessDocument(ctx context.Context, tenantID, docID int64) (*documents.Result, error) {
	return f(ctx, tenantID, docID)
}

func ready(ctx context.Context, tenantID, docID int64) (*documents.Result, error) {
	return &documents.Result{DocID: docID, Status: db.DocumentReady}, nil
}

func failed(msg string) pipelineFunc {
	return func(ctx context.Context, tenantID, docID int64) (*documents.Result, error) {
		return &documents.Result{DocID: docID, Status: db.DocumentFailed, Error: &msg}, nil
	}
}

func newTestWorker(t *testing.T, store WorkerStore, p Pipeline) *Worker {
	t.Helper()
	w, err := NewWorker(store, p, WorkerOptions{ID: "test:1", PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	return w
}

func enqueue(t *testing.T, store *memdb.Store, docID int64) int64 {
	t.Helper()
	h, err := NewQueue(store, QueueOptions{}, nil).Enqueue(context.Background(), 1, docID)
	require.NoError(t, err)
	return h.JobID
}

func TestWorkerSucceeds(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	jobID := enqueue(t, store, 10)

	var gotDoc int64
	w := newTestWorker(t, store, pipelineFunc(func(ctx context.Context, tenantID, docID int64) (*documents.Result, error) {
		gotDoc = docID
		job, _ := store.Job(jobID)
		assert.Equal(t, db.JobRunning, job.Status)
		require.NotNil(t, job.LockedBy)
		assert.Equal(t, "test:1", *job.LockedBy)
		return ready(ctx, tenantID, docID)
	}))

	did, err := w.TryProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, int64(10), gotDoc)

	job, _ := store.Job(jobID)
	assert.Equal(t, db.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.LockedBy)
	assert.Nil(t, job.LockedAt)
	assert.Nil(t, job.LastError)

	did, err = w.TryProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestWorkerRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	jobID := enqueue(t, store, 10)
	w := newTestWorker(t, store, failed("embedding dim mismatch: got 10 expected 4096"))

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		did, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, did)

		job, _ := store.Job(jobID)
		assert.Equal(t, attempt, job.Attempts)
		require.NotNil(t, job.LastError)
		assert.Contains(t, *job.LastError, "dim mismatch")
		if attempt < DefaultMaxAttempts {
			assert.Equal(t, db.JobQueued, job.Status, "attempt %d", attempt)
		} else {
			assert.Equal(t, db.JobFailed, job.Status)
		}
	}

	did, err := w.TryProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestWorkerUnexpectedErrorsFailImmediately(t *testing.T) {
	ctx := context.Background()

	t.Run("pipeline error", func(t *testing.T) {
		store := memdb.New()
		jobID := enqueue(t, store, 10)
		w := newTestWorker(t, store, pipelineFunc(func(context.Context, int64, int64) (*documents.Result, error) {
			return nil, db.ErrNotFound
		}))

		_, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
		job, _ := store.Job(jobID)
		assert.Equal(t, db.JobFailed, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, "not found", *job.LastError)
	})

	t.Run("panic", func(t *testing.T) {
		store := memdb.New()
		jobID := enqueue(t, store, 10)
		w := newTestWorker(t, store, pipelineFunc(func(context.Context, int64, int64) (*documents.Result, error) {
			panic("boom")
		}))

		_, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
		job, _ := store.Job(jobID)
		assert.Equal(t, db.JobFailed, job.Status)
		assert.Contains(t, *job.LastError, "pipeline panic: boom")
	})

	t.Run("failed result without message", func(t *testing.T) {
		store := memdb.New()
		jobID := enqueue(t, store, 10)
		w := newTestWorker(t, store, pipelineFunc(func(context.Context, int64, int64) (*documents.Result, error) {
			return &documents.Result{Status: db.DocumentFailed}, nil
		}))

		_, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
		job, _ := store.Job(jobID)
		assert.Equal(t, db.JobQueued, job.Status)
		assert.Equal(t, ErrUnknownFailure.Error(), *job.LastError)
	})
}

// racingStore loses every claim, as if another worker got there first
type racingStore struct {
	*memdb.Store
}

func (racingStore) ClaimJob(context.Context, int64, string) (bool, error) {
	return false, nil
}

func TestWorkerClaimRace(t *testing.T) {
	store := memdb.New()
	jobID := enqueue(t, store, 10)

	var calls atomic.Int32
	w := newTestWorker(t, racingStore{store}, pipelineFunc(func(ctx context.Context, tenantID, docID int64) (*documents.Result, error) {
		calls.Add(1)
		return ready(ctx, tenantID, docID)
	}))

	did, err := w.TryProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, int32(0), calls.Load())

	job, _ := store.Job(jobID)
	assert.Equal(t, db.JobQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	jobID := enqueue(t, store, 10)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimJob(ctx, jobID, NewWorkerID())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestWorkerPicksByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	low := NewQueue(store, QueueOptions{Priority: 200}, nil)
	high := NewQueue(store, QueueOptions{Priority: 50}, nil)
	_, err := low.Enqueue(ctx, 1, 1)
	require.NoError(t, err)
	_, err = high.Enqueue(ctx, 1, 2)
	require.NoError(t, err)
	_, err = high.Enqueue(ctx, 1, 3)
	require.NoError(t, err)

	var order []int64
	w := newTestWorker(t, store, pipelineFunc(func(ctx context.Context, tenantID, docID int64) (*documents.Result, error) {
		order = append(order, docID)
		return ready(ctx, tenantID, docID)
	}))
	for i := 0; i < 3; i++ {
		_, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{2, 3, 1}, order)
}

func TestWorkerReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return start }

	stuck := enqueue(t, store, 10)
	ok, err := store.ClaimJob(ctx, stuck, "crashed:1")
	require.NoError(t, err)
	require.True(t, ok)

	exhausted, err := NewQueue(store, QueueOptions{MaxAttempts: 1}, nil).Enqueue(ctx, 1, 11)
	require.NoError(t, err)
	ok, err = store.ClaimJob(ctx, exhausted.JobID, "crashed:1")
	require.NoError(t, err)
	require.True(t, ok)

	w, err := NewWorker(store, pipelineFunc(ready), WorkerOptions{ID: "test:1", LeaseTimeout: 15 * time.Minute}, nil)
	require.NoError(t, err)

	t.Run("fresh lease is kept", func(t *testing.T) {
		store.Now = func() time.Time { return start.Add(10 * time.Minute) }
		did, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
		assert.False(t, did)
		job, _ := store.Job(stuck)
		assert.Equal(t, db.JobRunning, job.Status)
	})

	t.Run("expired lease is released", func(t *testing.T) {
		store.Now = func() time.Time { return start.Add(20 * time.Minute) }
		did, err := w.TryProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, did)

		job, _ := store.Job(stuck)
		assert.Equal(t, db.JobQueued, job.Status)
		assert.Equal(t, leaseExpired, *job.LastError)
		assert.Nil(t, job.LockedBy)

		job, _ = store.Job(exhausted.JobID)
		assert.Equal(t, db.JobFailed, job.Status)
	})

	t.Run("stale owner cannot finalize", func(t *testing.T) {
		require.NoError(t, store.CompleteJob(ctx, stuck, "crashed:1"))
		job, _ := store.Job(stuck)
		assert.Equal(t, db.JobQueued, job.Status)
	})
}

func TestWorkerRunStops(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		store := memdb.New()
		w := newTestWorker(t, store, pipelineFunc(ready))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.NoError(t, w.Run(ctx))
	})

	t.Run("in-flight job completes", func(t *testing.T) {
		store := memdb.New()
		jobID := enqueue(t, store, 10)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		w := newTestWorker(t, store, pipelineFunc(func(pctx context.Context, tenantID, docID int64) (*documents.Result, error) {
			cancel()
			assert.NoError(t, pctx.Err())
			return ready(pctx, tenantID, docID)
		}))

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}

		job, _ := store.Job(jobID)
		assert.Equal(t, db.JobSucceeded, job.Status)
	})
}

func TestRunAll(t *testing.T) {
	store := memdb.New()
	const n = 6
	for i := int64(1); i <= n; i++ {
		enqueue(t, store, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	p := pipelineFunc(func(pctx context.Context, tenantID, docID int64) (*documents.Result, error) {
		mu.Lock()
		seen[docID]++
		if len(seen) == n {
			cancel()
		}
		mu.Unlock()
		return ready(pctx, tenantID, docID)
	})

	w1, err := NewWorker(store, p, WorkerOptions{PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	w2, err := NewWorker(store, p, WorkerOptions{PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, w1.ID(), w2.ID())

	done := make(chan error, 1)
	go func() { done <- RunAll(ctx, w1, w2) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for docID, count := range seen {
		assert.Equal(t, 1, count, "doc %d", docID)
	}
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(nil, pipelineFunc(ready), WorkerOptions{}, nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
	_, err = NewWorker(memdb.New(), nil, WorkerOptions{}, nil)
	assert.ErrorIs(t, err, ErrPipelineRequired)
}

func TestQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	q := NewQueue(store, QueueOptions{}, nil)

	t.Run("without version", func(t *testing.T) {
		h, err := q.Enqueue(ctx, 1, 42)
		require.NoError(t, err)
		assert.Equal(t, db.JobQueued, h.Status)
		assert.Equal(t, DefaultPriority, h.Priority)
		assert.Equal(t, 0, h.Attempts)
		assert.Equal(t, DefaultMaxAttempts, h.MaxAttempts)

		job, err := q.Get(ctx, 1, h.JobID)
		require.NoError(t, err)
		assert.Nil(t, job.VersionID)
		assert.Equal(t, int64(42), job.DocumentID)
	})

	t.Run("latest version", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		doc := &db.Document{TenantID: 1, SHA256: "a"}
		require.NoError(t, tx.CreateDocument(ctx, doc))
		_, err = tx.CreateVersion(ctx, doc.ID, "a")
		require.NoError(t, err)
		v2, err := tx.CreateVersion(ctx, doc.ID, "b")
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		h, err := q.Enqueue(ctx, 1, doc.ID)
		require.NoError(t, err)
		job, err := q.Get(ctx, 1, h.JobID)
		require.NoError(t, err)
		require.NotNil(t, job.VersionID)
		assert.Equal(t, v2.ID, *job.VersionID)
	})

	t.Run("tenant scoped lookup", func(t *testing.T) {
		h, err := q.Enqueue(ctx, 1, 7)
		require.NoError(t, err)
		_, err = q.Get(ctx, 2, h.JobID)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		store.FailOn("EnqueueJob", errors.New("connection reset"))
		defer store.FailOn("EnqueueJob", nil)
		_, err := q.Enqueue(ctx, 1, 8)
		assert.ErrorContains(t, err, "connection reset")
	})
}
