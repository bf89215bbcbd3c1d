package ai

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/config"
)

// GeminiEmbedder embeds text with Google Generative AI (text-embedding-004
// by default) using the batch endpoint.
type GeminiEmbedder struct {
	client      *genai.Client
	model       string
	dimensions  int
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimensions int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiEmbedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
		breaker:    newBreaker("GeminiEmbeddings"),
		// Embedding quotas are per request, not per text; 1500 RPM is the
		// documented free-tier batch limit.
		rateLimiter: newLimiter(RateLimits{RPM: 1500}),
	}, nil
}

func (e *GeminiEmbedder) ModelName() string { return e.model }
func (e *GeminiEmbedder) Dimensions() int   { return e.dimensions }

// EmbedBatch returns one vector per input, in input order.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := otel.Tracer("gemini-client").Start(ctx, "gemini.batch_embed_contents")
	defer span.End()
	span.SetAttributes(attribute.Int("gemini.batch_size", len(texts)), attribute.String("gemini.model", e.model))

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, ClassifyEmbedding(ctx, err)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		em := e.client.EmbeddingModel(e.model)
		batch := em.NewBatch()
		for _, t := range texts {
			batch.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, ClassifyEmbedding(ctx, err)
		}
		return res, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, ClassifyEmbedding(ctx, err)
	}

	res := result.(*genai.BatchEmbedContentsResponse)
	if len(res.Embeddings) != len(texts) {
		return nil, apperr.Embedding(
			fmt.Sprintf("embedding service returned %d vectors for %d inputs", len(res.Embeddings), len(texts)), nil, false)
	}
	vectors := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil {
			return nil, apperr.Embedding("no embedding returned", nil, false)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}

// Embedder is satisfied by every embedding adapter in this package.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimensions() int
	Close() error
}

// Generator is satisfied by every generation adapter in this package.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error)
	ModelName() string
	Close() error
}

// NewEmbedder builds the embedding adapter selected by EMBEDDINGS_PROVIDER.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	switch cfg.EmbeddingsProvider {
	case "google", "":
		return NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.GoogleEmbeddingsModel, cfg.VectorDimensions)
	case "openai":
		return NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIEmbeddingsModel, cfg.VectorDimensions), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %s", cfg.EmbeddingsProvider)
	}
}

// NewGenerator builds the generation adapter selected by LLM_PROVIDER.
func NewGenerator(ctx context.Context, cfg *config.Config) (Generator, error) {
	switch cfg.LLMProvider {
	case "google", "":
		return NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTier, cfg.GenerationTimeout)
	case "openai":
		return NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.GenerationTimeout), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLMProvider)
	}
}
