package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func distanceOperator(m Metric) (string, error) {
	switch m {
	case MetricCosine, "":
		return "<=>", nil
	case MetricL2:
		return "<->", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, m)
	}
}

// VectorSearch finds the nearest chunk embeddings of one model and dimension
func (db *DB) VectorSearch(ctx context.Context, q VectorQuery) ([]*ChunkHit, error) {
	op, err := distanceOperator(q.Metric)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT c.chunk_id, c.doc_id, c.page_start, c.page_end, c.section_path, c.chunk_text,
		        e.embedding `+op+` $1 AS distance
		 FROM chunk_embeddings e
		 JOIN document_chunks c ON c.chunk_id = e.chunk_id
		 WHERE e.tenant_id = $2
		   AND c.tenant_id = $2
		   AND e.embedding_model_id = $3
		   AND e.embedding_dim = $4
		   AND ($5::bigint[] IS NULL OR c.doc_id = ANY($5))
		 ORDER BY distance ASC
		 LIMIT $6`,
		q.Vector, q.TenantID, q.ModelID, q.Dim, q.DocIDs, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	return collectHits(rows)
}

// TextSearch ranks chunks against a tsquery using the simple text search config
func (db *DB) TextSearch(ctx context.Context, q TextQuery) ([]*ChunkHit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.chunk_id, c.doc_id, c.page_start, c.page_end, c.section_path, c.chunk_text,
		        ts_rank(c.chunk_tsv, query) AS score
		 FROM document_chunks c, to_tsquery('simple', $1) query
		 WHERE c.tenant_id = $2
		   AND ($3::bigint[] IS NULL OR c.doc_id = ANY($3))
		   AND c.chunk_tsv @@ query
		 ORDER BY score DESC, c.chunk_id ASC
		 LIMIT $4`,
		q.Query, q.TenantID, q.DocIDs, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search text: %w", err)
	}
	return collectHits(rows)
}

func collectHits(rows pgx.Rows) ([]*ChunkHit, error) {
	defer rows.Close()

	var hits []*ChunkHit
	for rows.Next() {
		var h ChunkHit
		if err := rows.Scan(
			&h.ChunkID, &h.DocumentID, &h.PageStart, &h.PageEnd,
			&h.SectionPath, &h.Text, &h.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, &h)
	}
	return hits, rows.Err()
}
