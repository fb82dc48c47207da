// Package intake stores uploaded files as new document versions and queues
// them for ingestion.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dream-ai/docrag/internal/db"
	"github.com/dream-ai/docrag/internal/jobs"
	"github.com/dream-ai/docrag/internal/storage"
)

// ErrEmptyFile rejects uploads without content
var ErrEmptyFile = errors.New("empty file")

// Store is the persistence intake needs
type Store interface {
	GetDocument(ctx context.Context, tenantID, docID int64) (*db.Document, error)
	Begin(ctx context.Context) (db.Tx, error)
}

// Enqueuer schedules ingestion of a document
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, docID int64) (*jobs.Handle, error)
}

// Upload describes an incoming file
type Upload struct {
	TenantID    int64
	OwnerUserID *int64
	Filename    string
	Title       string
	MimeType    string
	Data        []byte
}

// Receipt is returned once the file is stored and queued
type Receipt struct {
	DocID     int64             `json:"doc_id"`
	VersionID int64             `json:"version_id"`
	Status    db.DocumentStatus `json:"status"`
	JobID     int64             `json:"job_id"`
}

// Service accepts uploads. With an object store configured the bytes go
// there and only the key is kept in the database.
type Service struct {
	docs    Store
	queue   Enqueuer
	objects storage.ObjectStore
	prefix  string
	logger  *slog.Logger
}

// NewService creates an intake service. objects may be nil.
func NewService(store Store, queue Enqueuer, objects storage.ObjectStore, prefix string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docs:    store,
		queue:   queue,
		objects: objects,
		prefix:  prefix,
		logger:  logger.With("component", "intake"),
	}
}

// Upload creates a document with its first version and enqueues it
func (s *Service) Upload(ctx context.Context, up Upload) (*Receipt, error) {
	if len(up.Data) == 0 {
		return nil, ErrEmptyFile
	}
	title := up.Title
	if title == "" {
		title = up.Filename
	}
	return s.store(ctx, up, func(tx db.Tx, sum string) (*db.Document, error) {
		doc := &db.Document{
			TenantID:    up.TenantID,
			OwnerUserID: up.OwnerUserID,
			Title:       optional(title),
			Filename:    optional(up.Filename),
			MimeType:    optional(up.MimeType),
			SHA256:      sum,
			Status:      db.DocumentUploaded,
		}
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to create document: %w", err)
		}
		return doc, nil
	})
}

// AddVersion stores data as a new version of an existing document and enqueues it
func (s *Service) AddVersion(ctx context.Context, docID int64, up Upload) (*Receipt, error) {
	if len(up.Data) == 0 {
		return nil, ErrEmptyFile
	}
	doc, err := s.docs.GetDocument(ctx, up.TenantID, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %d: %w", docID, err)
	}
	if up.Filename == "" && doc.Filename != nil {
		up.Filename = *doc.Filename
	}
	return s.store(ctx, up, func(tx db.Tx, _ string) (*db.Document, error) {
		if err := tx.SetDocumentStatus(ctx, doc.ID, db.DocumentUploaded); err != nil {
			return nil, fmt.Errorf("failed to reset document status: %w", err)
		}
		doc.Status = db.DocumentUploaded
		return doc, nil
	})
}

// store uploads the object first so no row lock is held across the network
// call, then writes the version and blob in one transaction. The object is
// removed again if the transaction does not commit.
func (s *Service) store(ctx context.Context, up Upload, prepare func(tx db.Tx, sum string) (*db.Document, error)) (*Receipt, error) {
	sum := checksum(up.Data)

	var (
		key       string
		committed bool
	)
	if s.objects != nil {
		key = storage.NewKey(s.prefix, up.TenantID, up.Filename)
		if err := s.objects.Put(ctx, key, up.Data, up.MimeType); err != nil {
			return nil, fmt.Errorf("failed to store object: %w", err)
		}
		defer func() {
			if !committed {
				s.discard(ctx, key)
			}
		}()
	}

	tx, err := s.docs.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	doc, err := prepare(tx, sum)
	if err != nil {
		return nil, err
	}
	version, err := tx.CreateVersion(ctx, doc.ID, sum)
	if err != nil {
		return nil, fmt.Errorf("failed to create version: %w", err)
	}

	blob := &db.Blob{VersionID: version.ID, SizeBytes: int64(len(up.Data))}
	if key != "" {
		blob.StorageKey = &key
	} else {
		blob.Data = up.Data
	}
	if err := tx.PutBlob(ctx, blob); err != nil {
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}
	committed = true

	logger := s.logger.With("doc_id", doc.ID, "version_id", version.ID, "tenant_id", doc.TenantID)
	logger.Info("document stored", "version", version.VersionNum, "size", len(up.Data))

	h, err := s.queue.Enqueue(ctx, doc.TenantID, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("document %d stored but not queued: %w", doc.ID, err)
	}
	return &Receipt{DocID: doc.ID, VersionID: version.ID, Status: doc.Status, JobID: h.JobID}, nil
}

func (s *Service) discard(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to remove orphaned object", "key", key, "err", err)
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
