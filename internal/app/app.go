// Package app wires configuration into a ready pipeline. The API server and
// the ingestion worker share it so both build identical components.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"filing-analyzer/internal/ai"
	"filing-analyzer/internal/config"
	"filing-analyzer/internal/fetcher"
	"filing-analyzer/internal/logger"
	"filing-analyzer/internal/retry"
	"filing-analyzer/services"
)

type App struct {
	Config   *config.Config
	Pipeline *services.PipelineService
	Index    *services.VectorIndexService
	Cache    *services.IngestionCacheService
	Redis    *redis.Client

	store     *services.SQLiteCollectionStore
	embedder  ai.Embedder
	generator ai.Generator
}

// New connects every dependency named by cfg. Redis is optional: without it
// documents are not cached across restarts and rate limiting is per process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var docCache fetcher.DocumentCache
	if cfg.RedisEnabled() {
		rdb, err := config.NewRedisClient(cfg)
		if err != nil {
			// The cache is an optimization; keep serving without it.
			logger.Warn("Redis unavailable, continuing without document cache", "error", err)
		} else {
			a.Redis = rdb
			docCache = fetcher.NewRedisDocumentCache(rdb)
		}
	}

	store, err := services.NewSQLiteCollectionStore(cfg.VectorDBPath, cfg.CollectionName)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.embedder, err = ai.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embeddings client: %w", err)
	}
	a.generator, err = ai.NewGenerator(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generation client: %w", err)
	}

	chunker, err := services.NewChunkingService(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MaxChunks)
	if err != nil {
		return nil, err
	}
	embeddings := services.NewEmbeddingService(a.embedder, services.EmbeddingOptions{
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		Dimensions:  a.embedder.Dimensions(),
		Timeout:     cfg.EmbedTimeout,
		Policy:      retry.EmbeddingPolicy(cfg.EmbedMaxRetries),
	})
	a.Index = services.NewVectorIndexService(store, a.embedder.Dimensions())
	a.Cache = services.NewIngestionCacheService(a.Index, cfg.CacheTTL, cfg.IngestMaxAttempts)

	a.Pipeline = services.NewPipelineService(services.PipelineDeps{
		Fetcher:     fetcher.New(fetcher.OptionsFromConfig(cfg), docCache),
		Chunker:     chunker,
		Embeddings:  embeddings,
		Index:       a.Index,
		Cache:       a.Cache,
		Retriever:   services.NewRetrieverService(embeddings, a.Index, cfg.TopK),
		Prompts:     services.NewPromptService(cfg.MaxPromptChars),
		Synthesizer: services.NewAnswerSynthesizer(a.generator, retry.GenerationPolicy(cfg.RateLimitRetries), cfg.Temperature, cfg.MaxResponseLength),
		Confidence:  services.NewConfidenceEstimator(services.DefaultConfidenceWeights()),
	}, services.PipelineOptions{
		AllowedHosts:      cfg.AllowedFilingHosts,
		TopK:              cfg.TopK,
		MaxResponseLength: cfg.MaxResponseLength,
		TruncationPolicy:  cfg.ChunkTruncationPolicy,
	})

	logger.Info("Pipeline ready",
		"llm", a.generator.ModelName(),
		"embeddings", a.embedder.ModelName(),
		"dimensions", a.embedder.Dimensions(),
		"vector_db", cfg.VectorDBPath,
		"redis", a.Redis != nil,
	)
	ok = true
	return a, nil
}

func (a *App) LLMModel() string       { return a.generator.ModelName() }
func (a *App) EmbeddingModel() string { return a.embedder.ModelName() }

// Close releases provider clients and storage. Safe on a partly built App.
func (a *App) Close() {
	if a.generator != nil {
		if err := a.generator.Close(); err != nil {
			logger.Warn("Failed to close generation client", "error", err)
		}
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			logger.Warn("Failed to close embeddings client", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close vector db", "error", err)
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}
