package db

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
)

// DocumentStatus is the coarse pipeline state of a document
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentFailed     DocumentStatus = "failed"
)

// JobStatus is the lifecycle state of an ingestion job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Document represents an uploaded document owned by a tenant
type Document struct {
	ID          int64
	TenantID    int64
	OwnerUserID *int64
	Title       *string
	Filename    *string
	MimeType    *string
	SHA256      string
	Status      DocumentStatus
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// DocumentVersion is an immutable snapshot of a document's content
type DocumentVersion struct {
	ID         int64
	DocumentID int64
	VersionNum int
	SHA256     string
	CreatedAt  time.Time
}

// Blob holds the raw bytes of a version, either inline or behind an object key
type Blob struct {
	VersionID  int64
	Data       []byte
	StorageKey *string
	SizeBytes  int64
}

// ExtractedText is the normalized text and diagnostics derived from a blob
type ExtractedText struct {
	VersionID int64
	Text      string
	Structure json.RawMessage
}

// Chunk is a citation-addressable slice of a version's text
type Chunk struct {
	ID          int64
	VersionID   int64
	DocumentID  int64
	TenantID    int64
	ChunkIndex  int
	PageStart   *int
	PageEnd     *int
	SectionPath *string
	TokenCount  *int
	Text        string
}

// Embedding is the vector of a chunk under one embedding model
type Embedding struct {
	ChunkID  int64
	TenantID int64
	ModelID  string
	Dim      int
	Vector   pgvector.Vector
}

// Job is a unit of asynchronous ingestion work
type Job struct {
	ID          int64
	TenantID    int64
	DocumentID  int64
	VersionID   *int64
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// ChunkHit is a chunk row returned by a vector or text search, with its raw score
type ChunkHit struct {
	ChunkID     int64
	DocumentID  int64
	PageStart   *int
	PageEnd     *int
	SectionPath *string
	Text        string
	Score       float64
}
