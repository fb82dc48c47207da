package rag

import (
	"context"
	"fmt"

	"github.com/dream-ai/docrag/internal/db"
)

const (
	DefaultExcerptChars = 2000
	minExcerptChars     = 200
	maxExcerptChars     = 10000
)

// ChunkReader loads chunks by id within a tenant
type ChunkReader interface {
	GetChunks(ctx context.Context, tenantID int64, chunkIDs []int64) ([]*db.Chunk, error)
}

// Excerpt is a chunk trimmed for display
type Excerpt struct {
	ChunkID     int64   `json:"chunk_id"`
	DocID       int64   `json:"doc_id"`
	PageStart   *int    `json:"page_start"`
	PageEnd     *int    `json:"page_end"`
	SectionPath *string `json:"section_path"`
	Text        string  `json:"chunk_text"`
}

// FetchChunks returns the tenant's chunks in the requested order. Unknown
// and non-positive ids are skipped; maxChars is clamped to [200, 10000] and
// defaults to 2000 when zero.
func FetchChunks(ctx context.Context, store ChunkReader, tenantID int64, ids []int64, maxChars int) ([]Excerpt, error) {
	wanted := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return []Excerpt{}, nil
	}

	if maxChars == 0 {
		maxChars = DefaultExcerptChars
	}
	maxChars = min(max(maxChars, minExcerptChars), maxExcerptChars)

	rows, err := store.GetChunks(ctx, tenantID, wanted)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	byID := make(map[int64]*db.Chunk, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}

	out := make([]Excerpt, 0, len(wanted))
	for _, id := range wanted {
		c, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, Excerpt{
			ChunkID:     c.ID,
			DocID:       c.DocumentID,
			PageStart:   c.PageStart,
			PageEnd:     c.PageEnd,
			SectionPath: c.SectionPath,
			Text:        truncate(c.Text, maxChars),
		})
	}
	return out, nil
}
