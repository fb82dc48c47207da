package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/dream-ai/docrag/internal/db"
	"github.com/dream-ai/docrag/internal/storage"
)

// Store is the persistence the pipeline needs
type Store interface {
	GetDocument(ctx context.Context, tenantID, docID int64) (*db.Document, error)
	SetDocumentStatus(ctx context.Context, docID int64, status db.DocumentStatus) error
	Begin(ctx context.Context) (db.Tx, error)
}

// Embedder produces validated vectors for one model
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dim() int
}

// Notes summarises how a document was extracted
type Notes struct {
	Method    Method `json:"method,omitempty"`
	OCRNeeded *bool  `json:"ocr_needed,omitempty"`
	Stats     *Stats `json:"stats,omitempty"`
}

// Result is the outcome of one pipeline run
type Result struct {
	DocID     int64             `json:"doc_id"`
	VersionID *int64            `json:"version_id"`
	Status    db.DocumentStatus `json:"status"`
	Chunks    int               `json:"chunks"`
	Embedded  int               `json:"embedded"`
	Notes     Notes             `json:"notes"`
	Error     *string           `json:"error"`
}

// Processor runs extraction, chunking and embedding for the latest version of a document
type Processor struct {
	store     Store
	embedder  Embedder
	extractor *Extractor
	objects   storage.ObjectStore
	chunkOpts ChunkOptions
	pool      *ants.Pool
	logger    *slog.Logger
}

// Option configures a Processor
type Option func(*Processor) error

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithChunkOptions overrides the chunk size bounds
func WithChunkOptions(opts ChunkOptions) Option {
	return func(p *Processor) error {
		p.chunkOpts = opts
		return nil
	}
}

// WithEmbedConcurrency sets how many chunks are embedded at once. Default is 4.
func WithEmbedConcurrency(size int) Option {
	return func(p *Processor) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.pool != nil {
			p.pool.Release()
		}
		p.pool = pool
		return nil
	}
}

// WithObjectStore resolves blobs that carry a storage key instead of inline bytes
func WithObjectStore(objects storage.ObjectStore) Option {
	return func(p *Processor) error {
		p.objects = objects
		return nil
	}
}

// WithExtractor replaces the default extractor
func WithExtractor(e *Extractor) Option {
	return func(p *Processor) error {
		if e != nil {
			p.extractor = e
		}
		return nil
	}
}

// NewProcessor creates a new document processor
func NewProcessor(store Store, embedder Embedder, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if embedder == nil {
		return nil, ErrEmbedderNil
	}

	pool, err := ants.NewPool(4)
	if err != nil {
		return nil, err
	}
	p := &Processor{
		store:     store,
		embedder:  embedder,
		extractor: NewExtractor(),
		chunkOpts: DefaultChunkOptions(),
		pool:      pool,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.Release()
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "processor")
	return p, nil
}

// Release frees the embedding worker pool
func (p *Processor) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// ProcessDocument ingests the latest version of a document. Processing
// failures leave the document failed and are reported in the Result; the
// error return is reserved for a missing document or unreachable store.
func (p *Processor) ProcessDocument(ctx context.Context, tenantID, docID int64) (*Result, error) {
	doc, err := p.store.GetDocument(ctx, tenantID, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %d: %w", docID, err)
	}
	if err := p.store.SetDocumentStatus(ctx, docID, db.DocumentProcessing); err != nil {
		return nil, fmt.Errorf("failed to mark document processing: %w", err)
	}

	logger := p.logger.With("doc_id", docID, "tenant_id", tenantID)
	res, versionID, err := p.run(ctx, doc)
	if err == nil {
		logger.Info("document ready", "version_id", res.VersionID, "chunks", res.Chunks, "embedded", res.Embedded)
		return res, nil
	}

	logger.Warn("document processing failed", "err", err)
	if serr := p.store.SetDocumentStatus(context.WithoutCancel(ctx), docID, db.DocumentFailed); serr != nil {
		return nil, fmt.Errorf("failed to mark document failed: %w (processing error: %v)", serr, err)
	}
	msg := err.Error()
	return &Result{
		DocID:     docID,
		VersionID: versionID,
		Status:    db.DocumentFailed,
		Error:     &msg,
	}, nil
}

func (p *Processor) run(ctx context.Context, doc *db.Document) (*Result, *int64, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	version, err := tx.LatestVersion(ctx, doc.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, ErrNoVersion
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load version: %w", err)
	}
	versionID := version.ID

	data, err := p.loadBlob(ctx, tx, versionID)
	if err != nil {
		return nil, &versionID, err
	}

	mimeType := ""
	if doc.MimeType != nil {
		mimeType = *doc.MimeType
	}
	ex := p.extractor.Extract(data, mimeType)
	structure, err := json.Marshal(ex.Diagnostics)
	if err != nil {
		return nil, &versionID, fmt.Errorf("failed to encode structure: %w", err)
	}
	if err := tx.UpsertExtractedText(ctx, &db.ExtractedText{
		VersionID: versionID,
		Text:      ex.FullText,
		Structure: structure,
	}); err != nil {
		return nil, &versionID, fmt.Errorf("failed to store extracted text: %w", err)
	}

	specs := Chunk(ex, p.chunkOpts)
	rows := make([]*db.Chunk, len(specs))
	for i, s := range specs {
		pageStart, pageEnd, tokens := s.PageStart, s.PageEnd, s.TokenCount
		rows[i] = &db.Chunk{
			VersionID:   versionID,
			DocumentID:  doc.ID,
			TenantID:    doc.TenantID,
			ChunkIndex:  s.Index,
			PageStart:   &pageStart,
			PageEnd:     &pageEnd,
			SectionPath: s.SectionPath,
			TokenCount:  &tokens,
			Text:        s.Text,
		}
	}
	if err := tx.UpsertChunks(ctx, rows); err != nil {
		return nil, &versionID, fmt.Errorf("failed to store chunks: %w", err)
	}

	embedded, err := p.embedMissing(ctx, tx, doc.TenantID, versionID, rows)
	if err != nil {
		return nil, &versionID, err
	}

	if err := tx.SetDocumentStatus(ctx, doc.ID, db.DocumentReady); err != nil {
		return nil, &versionID, fmt.Errorf("failed to mark document ready: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &versionID, fmt.Errorf("failed to commit: %w", err)
	}

	ocr := ex.Diagnostics.Extraction.OCRNeeded
	stats := ex.Diagnostics.Stats
	return &Result{
		DocID:     doc.ID,
		VersionID: &versionID,
		Status:    db.DocumentReady,
		Chunks:    len(rows),
		Embedded:  embedded,
		Notes:     Notes{Method: ex.Method, OCRNeeded: &ocr, Stats: &stats},
	}, &versionID, nil
}

func (p *Processor) loadBlob(ctx context.Context, tx db.Tx, versionID int64) ([]byte, error) {
	blob, err := tx.GetBlob(ctx, versionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoBlob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}

	data := blob.Data
	if len(data) == 0 && blob.StorageKey != nil && *blob.StorageKey != "" {
		if p.objects == nil {
			return nil, ErrNoObjects
		}
		data, err = p.objects.Get(ctx, *blob.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch blob %s: %w", *blob.StorageKey, err)
		}
	}
	if len(data) == 0 {
		return nil, ErrNoBlob
	}
	return data, nil
}

// embedMissing embeds the chunks that have no vector for the active model.
// Vectors are computed on the pool and written sequentially on the tx.
func (p *Processor) embedMissing(ctx context.Context, tx db.Tx, tenantID, versionID int64, chunks []*db.Chunk) (int, error) {
	model := p.embedder.Model()
	have, err := tx.EmbeddedChunkIDs(ctx, versionID, model)
	if err != nil {
		return 0, fmt.Errorf("failed to load existing embeddings: %w", err)
	}

	var todo []*db.Chunk
	for _, c := range chunks {
		if !have[c.ID] {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	vectors := make([][]float32, len(todo))
	for i, c := range todo {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			vec, err := p.embedder.Embed(ctx, c.Text)
			if err != nil {
				fail(fmt.Errorf("chunk %d: %w", c.ChunkIndex, err))
				return
			}
			vectors[i] = vec
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to schedule embedding: %w", err))
			break
		}
	}
	wg.Wait()
	if firstErr != nil {
		return 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	for i, c := range todo {
		if err := tx.InsertEmbedding(ctx, &db.Embedding{
			ChunkID:  c.ID,
			TenantID: tenantID,
			ModelID:  model,
			Dim:      p.embedder.Dim(),
			Vector:   pgvector.NewVector(vectors[i]),
		}); err != nil {
			return 0, fmt.Errorf("failed to store embedding: %w", err)
		}
	}
	return len(todo), nil
}
