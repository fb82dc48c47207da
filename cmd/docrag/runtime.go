package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/dream-ai/docrag/config"
	"github.com/dream-ai/docrag/internal/db"
	"github.com/dream-ai/docrag/internal/documents"
	"github.com/dream-ai/docrag/internal/embeddings"
	"github.com/dream-ai/docrag/internal/intake"
	"github.com/dream-ai/docrag/internal/jobs"
	"github.com/dream-ai/docrag/internal/ollama"
	"github.com/dream-ai/docrag/internal/rag"
	"github.com/dream-ai/docrag/internal/storage"
)

// runtime builds components from the config and owns what must be closed
type runtime struct {
	cfg     *config.Config
	db      *db.DB
	logger  *slog.Logger
	closers []func()
}

func openRuntime(c *cli.Context) (*runtime, error) {
	cfg := configFrom(c)
	logger := slog.Default()

	database, err := db.New(c.Context, cfg.Database.ConnectionString, db.PoolConfig{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &runtime{cfg: cfg, db: database, logger: logger, closers: []func(){database.Close}}, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func newOllamaClient(cfg *config.Config) *ollama.Client {
	return ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Timeout)
}

func (rt *runtime) embedder(ctx context.Context) (*embeddings.Embedder, error) {
	ec := rt.cfg.Embeddings

	var provider embeddings.Provider
	switch ec.Provider {
	case config.ProviderOpenAI:
		p, err := embeddings.NewOpenAIProvider(ec.BaseURL, ec.APIKey, ec.Model)
		if err != nil {
			return nil, err
		}
		provider = p
	case config.ProviderGemini:
		p, err := embeddings.NewGeminiProvider(ctx, ec.APIKey)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = p.Close() })
		provider = p
	default:
		provider = embeddings.NewOllamaProvider(newOllamaClient(rt.cfg))
	}
	return embeddings.NewEmbedder(provider, ec.Model, ec.Dim)
}

// objects returns nil when blobs are stored inline in Postgres
func (rt *runtime) objects(ctx context.Context) (storage.ObjectStore, error) {
	sc := rt.cfg.Storage
	if sc.Backend != config.BackendS3 {
		return nil, nil
	}
	s3, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    sc.Bucket,
		Region:    sc.Region,
		AccessKey: sc.AccessKey,
		SecretKey: sc.SecretKey,
		Endpoint:  sc.Endpoint,
	}, rt.logger)
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func (rt *runtime) processor(ctx context.Context) (*documents.Processor, error) {
	emb, err := rt.embedder(ctx)
	if err != nil {
		return nil, err
	}
	opts := []documents.Option{
		documents.WithLogger(rt.logger),
		documents.WithChunkOptions(documents.ChunkOptions{
			MaxChars: rt.cfg.Processing.MaxChars,
			MinChars: rt.cfg.Processing.MinChars,
		}),
		documents.WithEmbedConcurrency(rt.cfg.Embeddings.Concurrency),
	}
	objects, err := rt.objects(ctx)
	if err != nil {
		return nil, err
	}
	if objects != nil {
		opts = append(opts, documents.WithObjectStore(objects))
	}

	p, err := documents.NewProcessor(rt.db, emb, opts...)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, p.Release)
	return p, nil
}

func (rt *runtime) queue() *jobs.Queue {
	return jobs.NewQueue(rt.db, jobs.QueueOptions{
		Priority:    rt.cfg.Worker.Priority,
		MaxAttempts: rt.cfg.Worker.MaxAttempts,
	}, rt.logger)
}

func (rt *runtime) intake(ctx context.Context) (*intake.Service, error) {
	objects, err := rt.objects(ctx)
	if err != nil {
		return nil, err
	}
	return intake.NewService(rt.db, rt.queue(), objects, rt.cfg.Storage.Prefix, rt.logger), nil
}

func (rt *runtime) retriever(ctx context.Context) (*rag.Retriever, error) {
	emb, err := rt.embedder(ctx)
	if err != nil {
		return nil, err
	}
	rc := rt.cfg.Retrieval
	return rag.NewRetriever(rt.db, emb, rag.Options{
		KVec:    rc.KVec,
		KText:   rc.KText,
		Alpha:   rc.Alpha,
		UseText: rc.UseText,
		Metric:  db.Metric(rc.Distance),
	}, rt.logger), nil
}

func (rt *runtime) workers(ctx context.Context, n int) ([]*jobs.Worker, error) {
	p, err := rt.processor(ctx)
	if err != nil {
		return nil, err
	}
	wc := rt.cfg.Worker
	workers := make([]*jobs.Worker, 0, n)
	for range max(n, 1) {
		w, err := jobs.NewWorker(rt.db, p, jobs.WorkerOptions{
			PollInterval: wc.PollInterval,
			LeaseTimeout: wc.LeaseTimeout,
		}, rt.logger)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
