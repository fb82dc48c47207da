package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to DOCRAG_TEST_DSN and applies the schema. Tests run
// against whatever data the database already holds, so each one works in
// its own tenant.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("DOCRAG_TEST_DSN")
	if dsn == "" {
		t.Skip("DOCRAG_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := New(ctx, dsn, PoolConfig{MaxConns: 8, ConnectAttempts: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	_, err = db.EnsureSchema(ctx)
	require.NoError(t, err)
	return db
}

func testTenant() int64 { return time.Now().UnixNano() }

func seedDocument(t *testing.T, db *DB, tenantID int64) (*Document, *DocumentVersion) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	doc := &Document{TenantID: tenantID, SHA256: "0000000000000000000000000000000000000000000000000000000000000000"}
	require.NoError(t, tx.CreateDocument(ctx, doc))
	v, err := tx.CreateVersion(ctx, doc.ID, doc.SHA256)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return doc, v
}

func TestPostgresVersionsAndRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	doc, v1 := seedDocument(t, db, testTenant())
	assert.Equal(t, 1, v1.VersionNum)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	v2, err := tx.CreateVersion(ctx, doc.ID, doc.SHA256)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNum)
	require.NoError(t, tx.SetDocumentStatus(ctx, doc.ID, DocumentReady))
	require.NoError(t, tx.Rollback(ctx))

	latest, err := db.LatestVersion(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, latest.ID)
	got, err := db.GetDocument(ctx, doc.TenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentUploaded, got.Status)

	_, err = db.GetDocument(ctx, doc.TenantID+1, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresChunkUpsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := testTenant()
	doc, v := seedDocument(t, db, tenant)
	other, ov := seedDocument(t, db, tenant)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	chunks := []*Chunk{
		{VersionID: v.ID, DocumentID: doc.ID, TenantID: tenant, ChunkIndex: 0, Text: "late payment interest accrues"},
		{VersionID: v.ID, DocumentID: doc.ID, TenantID: tenant, ChunkIndex: 1, Text: "quarterly revenue grew"},
		{VersionID: ov.ID, DocumentID: other.ID, TenantID: tenant, ChunkIndex: 0, Text: "late payment fee schedule"},
	}
	require.NoError(t, tx.UpsertChunks(ctx, chunks))
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}}
	for i, c := range chunks {
		require.NotZero(t, c.ID)
		emb := &Embedding{ChunkID: c.ID, TenantID: tenant, ModelID: "test-model", Dim: 3, Vector: pgvector.NewVector(vectors[i])}
		require.NoError(t, tx.InsertEmbedding(ctx, emb))
		require.NoError(t, tx.InsertEmbedding(ctx, emb))
	}

	again := []*Chunk{{VersionID: v.ID, DocumentID: doc.ID, TenantID: tenant, ChunkIndex: 1, Text: "quarterly revenue grew fast"}}
	require.NoError(t, tx.UpsertChunks(ctx, again))
	assert.Equal(t, chunks[1].ID, again[0].ID)

	embedded, err := tx.EmbeddedChunkIDs(ctx, v.ID, "test-model")
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{chunks[0].ID: true, chunks[1].ID: true}, embedded)
	require.NoError(t, tx.Commit(ctx))

	t.Run("vector", func(t *testing.T) {
		q := VectorQuery{TenantID: tenant, Vector: pgvector.NewVector([]float32{1, 0, 0}), ModelID: "test-model", Dim: 3, Metric: MetricCosine, Limit: 10}
		hits, err := db.VectorSearch(ctx, q)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, chunks[0].ID, hits[0].ChunkID)
		assert.InDelta(t, 0.0, hits[0].Score, 1e-6)
		assert.Equal(t, chunks[2].ID, hits[1].ChunkID)

		q.DocIDs = []int64{other.ID}
		hits, err = db.VectorSearch(ctx, q)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, chunks[2].ID, hits[0].ChunkID)

		q.DocIDs = nil
		q.ModelID = "other-model"
		hits, err = db.VectorSearch(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("text", func(t *testing.T) {
		q := TextQuery{TenantID: tenant, Query: "late & payment", Limit: 10}
		hits, err := db.TextSearch(ctx, q)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.ElementsMatch(t, []int64{chunks[0].ID, chunks[2].ID}, []int64{hits[0].ChunkID, hits[1].ChunkID})
		assert.Greater(t, hits[0].Score, 0.0)

		q.DocIDs = []int64{doc.ID}
		hits, err = db.TextSearch(ctx, q)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, chunks[0].ID, hits[0].ChunkID)

		q = TextQuery{TenantID: tenant + 1, Query: "late & payment", Limit: 10}
		hits, err = db.TextSearch(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestPostgresJobClaimIsExclusive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	doc, _ := seedDocument(t, db, testTenant())

	job := &Job{TenantID: doc.TenantID, DocumentID: doc.ID, Priority: 100, MaxAttempts: 2}
	require.NoError(t, db.EnqueueJob(ctx, job))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			ok, err := db.ClaimJob(ctx, job.ID, id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins = append(wins, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, wins, 1)

	got, err := db.GetJob(ctx, doc.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, wins[0], *got.LockedBy)

	require.NoError(t, db.CompleteJob(ctx, job.ID, "someone-else"))
	got, err = db.GetJob(ctx, doc.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)

	require.NoError(t, db.RequeueJob(ctx, job.ID, wins[0], "transient"))
	got, err = db.GetJob(ctx, doc.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, got.Status)
	assert.Nil(t, got.LockedBy)
}

func TestPostgresReclaimUsesDatabaseClock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	doc, _ := seedDocument(t, db, testTenant())

	job := &Job{TenantID: doc.TenantID, DocumentID: doc.ID, Priority: 100, MaxAttempts: 3}
	require.NoError(t, db.EnqueueJob(ctx, job))
	ok, err := db.ClaimJob(ctx, job.ID, "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = db.ReclaimExpiredJobs(ctx, time.Hour, "lease expired")
	require.NoError(t, err)
	got, err := db.GetJob(ctx, doc.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)

	time.Sleep(50 * time.Millisecond)
	_, _, err = db.ReclaimExpiredJobs(ctx, 10*time.Millisecond, "lease expired")
	require.NoError(t, err)
	got, err = db.GetJob(ctx, doc.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "lease expired", *got.LastError)
}
