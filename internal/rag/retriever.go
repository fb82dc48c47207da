package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/dream-ai/docrag/internal/db"
)

const (
	DefaultK     = 10
	DefaultAlpha = 0.70
)

// Searcher runs the two underlying searches
type Searcher interface {
	VectorSearch(ctx context.Context, q db.VectorQuery) ([]*db.ChunkHit, error)
	TextSearch(ctx context.Context, q db.TextQuery) ([]*db.ChunkHit, error)
}

// QueryEmbedder embeds query text with the model chunks were embedded with
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dim() int
}

// Options are the retriever defaults applied to queries that leave a field unset
type Options struct {
	KVec    int
	KText   int
	Alpha   float64
	UseText bool
	Metric  db.Metric
}

// DefaultOptions returns k=10/10, alpha 0.70, text search on, cosine distance
func DefaultOptions() Options {
	return Options{KVec: DefaultK, KText: DefaultK, Alpha: DefaultAlpha, UseText: true, Metric: db.MetricCosine}
}

// Query is one hybrid retrieval request. DocIDs nil searches every document
// of the tenant; a non-nil empty slice matches nothing. Nil Alpha and
// UseText take the retriever defaults.
type Query struct {
	TenantID int64
	Vector   []float32
	Text     string
	DocIDs   []int64
	KVec     int
	KText    int
	UseText  *bool
	Alpha    *float64
}

// Retriever performs hybrid vector and full-text retrieval over chunks
type Retriever struct {
	store    Searcher
	embedder QueryEmbedder
	opts     Options
	logger   *slog.Logger
}

// NewRetriever creates a new RAG retriever
func NewRetriever(store Searcher, embedder QueryEmbedder, opts Options, logger *slog.Logger) *Retriever {
	if opts.KVec <= 0 {
		opts.KVec = DefaultK
	}
	if opts.KText <= 0 {
		opts.KText = DefaultK
	}
	if opts.Metric == "" {
		opts.Metric = db.MetricCosine
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger.With("component", "retriever"),
	}
}

// Search embeds q.Text and runs HybridSearch with it
func (r *Retriever) Search(ctx context.Context, q Query) ([]Hit, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, ErrEmptyQuery
	}
	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	q.Vector = vec
	return r.HybridSearch(ctx, q)
}

// HybridSearch runs vector and text search concurrently and fuses the results
func (r *Retriever) HybridSearch(ctx context.Context, q Query) ([]Hit, error) {
	kVec, kText := q.KVec, q.KText
	if kVec <= 0 {
		kVec = r.opts.KVec
	}
	if kText <= 0 {
		kText = r.opts.KText
	}
	alpha := r.opts.Alpha
	if q.Alpha != nil {
		alpha = *q.Alpha
	}
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlpha, alpha)
	}
	useText := r.opts.UseText
	if q.UseText != nil {
		useText = *q.UseText
	}

	if q.DocIDs != nil && len(q.DocIDs) == 0 {
		return []Hit{}, nil
	}
	if len(q.Vector) != r.embedder.Dim() {
		return nil, fmt.Errorf("%w: got %d expected %d", ErrQueryDimension, len(q.Vector), r.embedder.Dim())
	}

	tsQuery := ""
	if useText {
		tsQuery = SanitizeQuery(q.Text)
	}

	var vecHits, textHits []*db.ChunkHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.store.VectorSearch(gctx, db.VectorQuery{
			TenantID: q.TenantID,
			Vector:   pgvector.NewVector(q.Vector),
			ModelID:  r.embedder.Model(),
			Dim:      r.embedder.Dim(),
			Metric:   r.opts.Metric,
			DocIDs:   q.DocIDs,
			Limit:    kVec,
		})
		if err != nil {
			return fmt.Errorf("failed to search vectors: %w", err)
		}
		vecHits = hits
		return nil
	})
	if tsQuery != "" {
		g.Go(func() error {
			hits, err := r.store.TextSearch(gctx, db.TextQuery{
				TenantID: q.TenantID,
				Query:    tsQuery,
				DocIDs:   q.DocIDs,
				Limit:    kText,
			})
			if err != nil {
				return fmt.Errorf("failed to search text: %w", err)
			}
			textHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := fuse(vecHits, textHits, alpha, max(kVec, kText))
	r.logger.Debug("hybrid search",
		"tenant_id", q.TenantID, "vector_hits", len(vecHits), "text_hits", len(textHits),
		"tsquery", tsQuery, "returned", len(hits))
	return hits, nil
}
