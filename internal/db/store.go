package db

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Store is the full persistence surface. *DB implements it over Postgres and
// memdb.Store implements it in memory.
type Store interface {
	DocumentStore
	JobStore
	SearchStore

	// Begin starts a transaction for multi-step writes.
	Begin(ctx context.Context) (Tx, error)
}

// DocumentStore reads documents and applies single-statement status changes.
type DocumentStore interface {
	GetDocument(ctx context.Context, tenantID, docID int64) (*Document, error)
	ListDocuments(ctx context.Context, tenantID int64) ([]*Document, error)
	SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error
	LatestVersion(ctx context.Context, docID int64) (*DocumentVersion, error)
	GetChunks(ctx context.Context, tenantID int64, chunkIDs []int64) ([]*Chunk, error)
}

// Tx groups the writes of an intake or a pipeline run. Nothing is visible to
// other readers until Commit.
type Tx interface {
	CreateDocument(ctx context.Context, doc *Document) error
	CreateVersion(ctx context.Context, docID int64, sha256 string) (*DocumentVersion, error)
	PutBlob(ctx context.Context, blob *Blob) error
	GetBlob(ctx context.Context, versionID int64) (*Blob, error)
	LatestVersion(ctx context.Context, docID int64) (*DocumentVersion, error)
	SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error
	UpsertExtractedText(ctx context.Context, text *ExtractedText) error
	// UpsertChunks inserts or updates chunks keyed by (version_id, chunk_index)
	// and fills in their IDs.
	UpsertChunks(ctx context.Context, chunks []*Chunk) error
	// EmbeddedChunkIDs returns the set of chunk IDs of a version that already
	// have an embedding for modelID.
	EmbeddedChunkIDs(ctx context.Context, versionID int64, modelID string) (map[int64]bool, error)
	InsertEmbedding(ctx context.Context, emb *Embedding) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// JobStore is the DB-resident work queue.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, tenantID, jobID int64) (*Job, error)
	// NextQueuedJob returns the best claim candidate, or nil when the queue is empty.
	// It does not lock anything.
	NextQueuedJob(ctx context.Context) (*Job, error)
	// ClaimJob moves a queued job to running for workerID. It reports false when
	// another worker claimed it first.
	ClaimJob(ctx context.Context, jobID int64, workerID string) (bool, error)
	JobAttempts(ctx context.Context, jobID int64) (attempts, maxAttempts int, err error)
	CompleteJob(ctx context.Context, jobID int64, workerID string) error
	RequeueJob(ctx context.Context, jobID int64, workerID, lastError string) error
	FailJob(ctx context.Context, jobID int64, workerID, lastError string) error
	// ReclaimExpiredJobs releases running jobs locked longer than lease ago,
	// measured on the store's clock: requeued while attempts remain, failed
	// otherwise.
	ReclaimExpiredJobs(ctx context.Context, lease time.Duration, reason string) (requeued, failed int64, err error)
}

// SearchStore runs the two retrieval queries.
type SearchStore interface {
	VectorSearch(ctx context.Context, q VectorQuery) ([]*ChunkHit, error)
	TextSearch(ctx context.Context, q TextQuery) ([]*ChunkHit, error)
}

// Metric selects the pgvector distance operator
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// VectorQuery is a nearest-neighbour query over chunk embeddings. Hits carry
// the distance as Score, ascending.
type VectorQuery struct {
	TenantID int64
	Vector   pgvector.Vector
	ModelID  string
	Dim      int
	Metric   Metric
	// DocIDs nil means every document of the tenant.
	DocIDs []int64
	Limit  int
}

// TextQuery is a relevance-ranked full-text query. Query uses tsquery syntax
// ("alpha & beta"). Hits carry the rank as Score, descending.
type TextQuery struct {
	TenantID int64
	Query    string
	DocIDs   []int64
	Limit    int
}
