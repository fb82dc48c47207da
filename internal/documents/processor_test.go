package documents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dream-ai/docrag/internal/db"
	"github.com/dream-ai/docrag/internal/db/memdb"
	"github.com/dream-ai/docrag/internal/embeddings"
	"github.com/dream-ai/docrag/internal/embeddings/mock"
	"github.com/dream-ai/docrag/internal/storage"
)

const testModel = "qwen3-embedding"

// seedDocument stores a document with one version whose blob is data
func seedDocument(t *testing.T, store *memdb.Store, tenantID int64, data []byte, mimeType string) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	doc := &db.Document{TenantID: tenantID, SHA256: "sha", MimeType: &mimeType}
	require.NoError(t, tx.CreateDocument(ctx, doc))
	v, err := tx.CreateVersion(ctx, doc.ID, "sha")
	require.NoError(t, err)
	if data != nil {
		require.NoError(t, tx.PutBlob(ctx, &db.Blob{VersionID: v.ID, Data: data, SizeBytes: int64(len(data))}))
	}
	require.NoError(t, tx.Commit(ctx))
	return doc.ID, v.ID
}

func newTestProcessor(t *testing.T, store Store, provider embeddings.Provider, dim int, opts ...Option) *Processor {
	t.Helper()
	emb, err := embeddings.NewEmbedder(provider, testModel, dim)
	require.NoError(t, err)
	opts = append([]Option{WithChunkOptions(ChunkOptions{MaxChars: 60, MinChars: 20})}, opts...)
	p, err := NewProcessor(store, emb, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

var sampleText = []byte(strings.Join([]string{
	"Invoices are payable within thirty days of receipt.",
	"Late payments accrue interest at two percent monthly.",
	"Disputes must be raised in writing before the due date.",
}, "\n\n"))

func TestProcessDocument(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	provider := mock.NewProvider(8)
	p := newTestProcessor(t, store, provider, 8)

	docID, versionID := seedDocument(t, store, 1, sampleText, "text/plain")

	res, err := p.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)
	assert.Equal(t, db.DocumentReady, res.Status)
	require.NotNil(t, res.VersionID)
	assert.Equal(t, versionID, *res.VersionID)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, res.Embedded)
	assert.Nil(t, res.Error)
	assert.Equal(t, MethodText, res.Notes.Method)
	require.NotNil(t, res.Notes.OCRNeeded)
	assert.False(t, *res.Notes.OCRNeeded)

	doc, _ := store.Document(docID)
	assert.Equal(t, db.DocumentReady, doc.Status)

	text, ok := store.ExtractedText(versionID)
	require.True(t, ok)
	assert.Equal(t, string(sampleText), text.Text)
	var diag Diagnostics
	require.NoError(t, json.Unmarshal(text.Structure, &diag))
	assert.Equal(t, 1, diag.Stats.NumPages)

	chunks := store.VersionChunks(versionID)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, docID, c.DocumentID)
		assert.Equal(t, int64(1), c.TenantID)
		require.NotNil(t, c.PageStart)
		assert.Equal(t, 1, *c.PageStart)
	}
	assert.Equal(t, 3, store.EmbeddingCount(testModel))
	assert.Equal(t, 3, provider.CallCount())
}

func TestProcessDocumentIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	provider := mock.NewProvider(8)
	p := newTestProcessor(t, store, provider, 8)
	docID, versionID := seedDocument(t, store, 1, sampleText, "text/plain")

	_, err := p.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)
	before := store.VersionChunks(versionID)

	res, err := p.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)
	assert.Equal(t, db.DocumentReady, res.Status)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 0, res.Embedded)
	assert.Equal(t, 3, provider.CallCount())

	after := store.VersionChunks(versionID)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
	assert.Equal(t, 3, store.EmbeddingCount(testModel))
}

func TestProcessDocumentEmbedsOnlyMissing(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	provider := mock.NewProvider(8)
	p := newTestProcessor(t, store, provider, 8)
	docID, versionID := seedDocument(t, store, 1, sampleText, "text/plain")

	_, err := p.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)

	// A second model sees every chunk as missing.
	other, err := embeddings.NewEmbedder(provider, "other-model", 8)
	require.NoError(t, err)
	p2, err := NewProcessor(store, other, WithChunkOptions(ChunkOptions{MaxChars: 60, MinChars: 20}))
	require.NoError(t, err)
	defer p2.Release()

	res, err := p2.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Embedded)
	assert.Equal(t, 3, store.EmbeddingCount("other-model"))
	assert.Len(t, store.VersionChunks(versionID), 3)
}

func TestProcessDocumentDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	p := newTestProcessor(t, store, mock.NewProvider(10), 4096, WithEmbedConcurrency(2))
	docID, versionID := seedDocument(t, store, 1, sampleText, "text/plain")

	res, err := p.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)
	assert.Equal(t, db.DocumentFailed, res.Status)
	assert.Equal(t, 0, res.Chunks)
	assert.Equal(t, 0, res.Embedded)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "dim mismatch")

	doc, _ := store.Document(docID)
	assert.Equal(t, db.DocumentFailed, doc.Status)

	// Rolled back: nothing from the failed run is left behind.
	assert.Empty(t, store.VersionChunks(versionID))
	_, ok := store.ExtractedText(versionID)
	assert.False(t, ok)
	assert.Equal(t, 0, store.EmbeddingCount(testModel))
}

func TestProcessDocumentFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing document", func(t *testing.T) {
		store := memdb.New()
		p := newTestProcessor(t, store, mock.NewProvider(8), 8)
		_, err := p.ProcessDocument(ctx, 1, 99)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("other tenant", func(t *testing.T) {
		store := memdb.New()
		p := newTestProcessor(t, store, mock.NewProvider(8), 8)
		docID, _ := seedDocument(t, store, 1, sampleText, "text/plain")

		_, err := p.ProcessDocument(ctx, 2, docID)
		assert.ErrorIs(t, err, db.ErrNotFound)
		doc, _ := store.Document(docID)
		assert.Equal(t, db.DocumentUploaded, doc.Status)
	})

	t.Run("missing blob", func(t *testing.T) {
		store := memdb.New()
		p := newTestProcessor(t, store, mock.NewProvider(8), 8)
		docID, versionID := seedDocument(t, store, 1, nil, "text/plain")

		res, err := p.ProcessDocument(ctx, 1, docID)
		require.NoError(t, err)
		assert.Equal(t, db.DocumentFailed, res.Status)
		assert.Equal(t, ErrNoBlob.Error(), *res.Error)
		require.NotNil(t, res.VersionID)
		assert.Equal(t, versionID, *res.VersionID)
	})

	t.Run("missing version", func(t *testing.T) {
		store := memdb.New()
		p := newTestProcessor(t, store, mock.NewProvider(8), 8)
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		doc := &db.Document{TenantID: 1, SHA256: "x"}
		require.NoError(t, tx.CreateDocument(ctx, doc))
		require.NoError(t, tx.Commit(ctx))

		res, err := p.ProcessDocument(ctx, 1, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, db.DocumentFailed, res.Status)
		assert.Equal(t, "version missing", *res.Error)
		assert.Nil(t, res.VersionID)
	})

	t.Run("storage error", func(t *testing.T) {
		store := memdb.New()
		p := newTestProcessor(t, store, mock.NewProvider(8), 8)
		docID, versionID := seedDocument(t, store, 1, sampleText, "text/plain")
		store.FailOn("InsertEmbedding", errors.New("disk full"))

		res, err := p.ProcessDocument(ctx, 1, docID)
		require.NoError(t, err)
		assert.Equal(t, db.DocumentFailed, res.Status)
		assert.Contains(t, *res.Error, "disk full")
		assert.Empty(t, store.VersionChunks(versionID))
	})

	t.Run("provider error", func(t *testing.T) {
		store := memdb.New()
		provider := &mock.Provider{EmbedFunc: func(context.Context, string, string) ([]float32, error) {
			return nil, errors.New("timeout")
		}}
		p := newTestProcessor(t, store, provider, 8)
		docID, _ := seedDocument(t, store, 1, sampleText, "text/plain")

		res, err := p.ProcessDocument(ctx, 1, docID)
		require.NoError(t, err)
		assert.Equal(t, db.DocumentFailed, res.Status)
		assert.Contains(t, *res.Error, "timeout")
	})
}

func TestProcessDocumentObjectStore(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	objects := storage.NewMemory()
	p := newTestProcessor(t, store, mock.NewProvider(8), 8, WithObjectStore(objects))

	docID, versionID := seedDocument(t, store, 1, nil, "text/plain")
	key := "tenants/1/documents/1/blob.txt"
	require.NoError(t, objects.Put(ctx, key, sampleText, "text/plain"))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutBlob(ctx, &db.Blob{VersionID: versionID, StorageKey: &key, SizeBytes: int64(len(sampleText))}))
	require.NoError(t, tx.Commit(ctx))

	res, err := p.ProcessDocument(ctx, 1, docID)
	require.NoError(t, err)
	assert.Equal(t, db.DocumentReady, res.Status)
	assert.Equal(t, 3, res.Chunks)

	t.Run("without object store", func(t *testing.T) {
		bare := newTestProcessor(t, store, mock.NewProvider(8), 8)
		res, err := bare.ProcessDocument(ctx, 1, docID)
		require.NoError(t, err)
		assert.Equal(t, db.DocumentFailed, res.Status)
		assert.Equal(t, ErrNoObjects.Error(), *res.Error)
	})
}

func TestResultJSON(t *testing.T) {
	msg := "version missing"
	out, err := json.Marshal(&Result{DocID: 4, Status: db.DocumentFailed, Error: &msg})
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc_id":4,"version_id":null,"status":"failed","chunks":0,"embedded":0,"notes":{},"error":"version missing"}`, string(out))
}
