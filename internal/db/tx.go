package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

// Begin starts a transaction
func (db *DB) Begin(ctx context.Context) (Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback is a no-op after Commit.
func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *pgTx) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.Status == "" {
		doc.Status = DocumentUploaded
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO documents (tenant_id, owner_user_id, title, filename, mime_type, sha256, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING doc_id, created_at`,
		doc.TenantID, doc.OwnerUserID, doc.Title, doc.Filename, doc.MimeType, doc.SHA256, string(doc.Status),
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (t *pgTx) CreateVersion(ctx context.Context, docID int64, sha256 string) (*DocumentVersion, error) {
	v := DocumentVersion{DocumentID: docID, SHA256: sha256}
	// Row lock on the parent serialises concurrent version numbering.
	if _, err := t.tx.Exec(ctx, `SELECT 1 FROM documents WHERE doc_id = $1 FOR UPDATE`, docID); err != nil {
		return nil, fmt.Errorf("failed to lock document: %w", err)
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO document_versions (doc_id, version_num, sha256)
		 SELECT $1, COALESCE(MAX(version_num), 0) + 1, $2
		 FROM document_versions WHERE doc_id = $1
		 RETURNING version_id, version_num, created_at`,
		docID, sha256,
	).Scan(&v.ID, &v.VersionNum, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create version: %w", err)
	}
	return &v, nil
}

func (t *pgTx) PutBlob(ctx context.Context, blob *Blob) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO document_blobs (version_id, blob_data, storage_key, size_bytes)
		 VALUES ($1, $2, $3, $4)`,
		blob.VersionID, blob.Data, blob.StorageKey, blob.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

func (t *pgTx) GetBlob(ctx context.Context, versionID int64) (*Blob, error) {
	b := Blob{VersionID: versionID}
	err := t.tx.QueryRow(ctx,
		`SELECT blob_data, storage_key, size_bytes FROM document_blobs WHERE version_id = $1`,
		versionID,
	).Scan(&b.Data, &b.StorageKey, &b.SizeBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return &b, nil
}

func (t *pgTx) LatestVersion(ctx context.Context, docID int64) (*DocumentVersion, error) {
	return latestVersion(ctx, t.tx, docID)
}

func (t *pgTx) SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus) error {
	return setDocumentStatus(ctx, t.tx, docID, status)
}

func (t *pgTx) UpsertExtractedText(ctx context.Context, text *ExtractedText) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO document_text (version_id, extracted_text, structure_json)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (version_id) DO UPDATE
		 SET extracted_text = EXCLUDED.extracted_text,
		     structure_json = EXCLUDED.structure_json,
		     updated_at = NOW()`,
		text.VersionID, text.Text, []byte(text.Structure),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert extracted text: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO document_chunks
			   (version_id, doc_id, tenant_id, chunk_index, page_start, page_end, section_path, token_count, chunk_text)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (version_id, chunk_index) DO UPDATE
			 SET doc_id = EXCLUDED.doc_id,
			     tenant_id = EXCLUDED.tenant_id,
			     page_start = EXCLUDED.page_start,
			     page_end = EXCLUDED.page_end,
			     section_path = EXCLUDED.section_path,
			     token_count = EXCLUDED.token_count,
			     chunk_text = EXCLUDED.chunk_text,
			     updated_at = NOW()
			 RETURNING chunk_id`,
			c.VersionID, c.DocumentID, c.TenantID, c.ChunkIndex,
			c.PageStart, c.PageEnd, c.SectionPath, c.TokenCount, c.Text,
		)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for i, c := range chunks {
		if err := br.QueryRow().Scan(&c.ID); err != nil {
			return fmt.Errorf("failed to upsert chunk %d: %w", i, err)
		}
	}
	return br.Close()
}

func (t *pgTx) EmbeddedChunkIDs(ctx context.Context, versionID int64, modelID string) (map[int64]bool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT e.chunk_id
		 FROM chunk_embeddings e
		 JOIN document_chunks c ON c.chunk_id = e.chunk_id
		 WHERE c.version_id = $1 AND e.embedding_model_id = $2`,
		versionID, modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded chunks: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (t *pgTx) InsertEmbedding(ctx context.Context, emb *Embedding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, tenant_id, embedding_model_id, embedding_dim, embedding)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chunk_id, embedding_model_id) DO NOTHING`,
		emb.ChunkID, emb.TenantID, emb.ModelID, emb.Dim, emb.Vector,
	)
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}
