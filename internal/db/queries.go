package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const documentColumns = `doc_id, tenant_id, owner_user_id, title, filename, mime_type, sha256, status, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var status string
	if err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.OwnerUserID, &doc.Title, &doc.Filename,
		&doc.MimeType, &doc.SHA256, &status, &doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	return &doc, nil
}

// GetDocument retrieves a document owned by the tenant
func (db *DB) GetDocument(ctx context.Context, tenantID, docID int64) (*Document, error) {
	doc, err := scanDocument(db.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE doc_id = $1 AND tenant_id = $2`,
		docID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// ListDocuments retrieves the tenant's documents, newest first
func (db *DB) ListDocuments(ctx context.Context, tenantID int64) ([]*Document, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 ORDER BY created_at DESC, doc_id DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetDocumentStatus updates a document's status in its own statement
func (db *DB) SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error {
	return setDocumentStatus(ctx, db.pool, docID, status)
}

func setDocumentStatus(ctx context.Context, q querier, docID int64, status DocumentStatus) error {
	tag, err := q.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = NOW() WHERE doc_id = $1`,
		docID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to set document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestVersion returns the version with the highest version_num
func (db *DB) LatestVersion(ctx context.Context, docID int64) (*DocumentVersion, error) {
	return latestVersion(ctx, db.pool, docID)
}

func latestVersion(ctx context.Context, q querier, docID int64) (*DocumentVersion, error) {
	var v DocumentVersion
	err := q.QueryRow(ctx,
		`SELECT version_id, doc_id, version_num, sha256, created_at
		 FROM document_versions WHERE doc_id = $1
		 ORDER BY version_num DESC LIMIT 1`,
		docID,
	).Scan(&v.ID, &v.DocumentID, &v.VersionNum, &v.SHA256, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version: %w", err)
	}
	return &v, nil
}

// GetChunks retrieves the tenant's chunks with the given IDs, in no particular order
func (db *DB) GetChunks(ctx context.Context, tenantID int64, chunkIDs []int64) ([]*Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT chunk_id, version_id, doc_id, tenant_id, chunk_index, page_start, page_end,
		        section_path, token_count, chunk_text
		 FROM document_chunks
		 WHERE tenant_id = $1 AND chunk_id = ANY($2)`,
		tenantID, chunkIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.VersionID, &c.DocumentID, &c.TenantID, &c.ChunkIndex,
			&c.PageStart, &c.PageEnd, &c.SectionPath, &c.TokenCount, &c.Text,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}
