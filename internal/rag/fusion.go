package rag

import (
	"math"
	"sort"

	"github.com/dream-ai/docrag/internal/db"
)

// Source tells which searches found a hit
type Source string

const (
	SourceVector Source = "vector"
	SourceText   Source = "text"
	SourceHybrid Source = "hybrid"
)

// Hit is a fused retrieval result with its citation metadata. Sub-scores
// are nil when the corresponding search did not return the chunk.
type Hit struct {
	ChunkID     int64   `json:"chunk_id"`
	DocID       int64   `json:"doc_id"`
	PageStart   *int    `json:"page_start"`
	PageEnd     *int    `json:"page_end"`
	SectionPath *string `json:"section_path"`
	Text        string  `json:"chunk_text"`
	Source      Source  `json:"source"`

	VectorDistance   *float64 `json:"vector_distance"`
	VectorSimilarity *float64 `json:"vector_similarity"`
	TextScore        *float64 `json:"text_score"`
	TextNorm         *float64 `json:"text_norm"`
	HybridScore      *float64 `json:"hybrid_score"`
}

func newHit(c *db.ChunkHit, src Source) *Hit {
	return &Hit{
		ChunkID:     c.ChunkID,
		DocID:       c.DocumentID,
		PageStart:   c.PageStart,
		PageEnd:     c.PageEnd,
		SectionPath: c.SectionPath,
		Text:        c.Text,
		Source:      src,
	}
}

// fuse merges vector hits (Score is a distance, ascending) with text hits
// (Score is a rank, descending) and returns the top k by hybrid score.
// Ties keep merge order: vector hits first, then text-only hits.
func fuse(vec, text []*db.ChunkHit, alpha float64, k int) []Hit {
	merged := make([]*Hit, 0, len(vec)+len(text))
	byID := make(map[int64]*Hit, len(vec)+len(text))

	for _, c := range vec {
		if _, dup := byID[c.ChunkID]; dup {
			continue
		}
		h := newHit(c, SourceVector)
		d := c.Score
		sim := 1 / (1 + d)
		h.VectorDistance, h.VectorSimilarity = &d, &sim
		byID[c.ChunkID] = h
		merged = append(merged, h)
	}
	for _, c := range text {
		s := c.Score
		if h, ok := byID[c.ChunkID]; ok {
			if h.TextScore == nil {
				h.Source = SourceHybrid
				h.TextScore = &s
			}
			continue
		}
		h := newHit(c, SourceText)
		h.TextScore = &s
		byID[c.ChunkID] = h
		merged = append(merged, h)
	}

	denom := 0.0
	for _, h := range merged {
		if h.TextScore != nil {
			denom = math.Max(denom, math.Log1p(*h.TextScore))
		}
	}
	if denom <= 0 {
		denom = 1
	}

	for _, h := range merged {
		var sim, norm float64
		if h.VectorSimilarity != nil {
			sim = *h.VectorSimilarity
		}
		if h.TextScore != nil {
			norm = math.Log1p(*h.TextScore) / denom
			h.TextNorm = &norm
		}
		score := alpha*sim + (1-alpha)*norm
		h.HybridScore = &score
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return *merged[i].HybridScore > *merged[j].HybridScore
	})
	if len(merged) > k {
		merged = merged[:k]
	}

	out := make([]Hit, len(merged))
	for i, h := range merged {
		out[i] = *h
	}
	return out
}
