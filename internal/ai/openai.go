package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"filing-analyzer/internal/apperr"
)

type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	breaker    *gobreaker.CircuitBreaker
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
		breaker:    newBreaker("OpenAIEmbeddings"),
	}
}

func (e *OpenAIEmbedder) ModelName() string { return e.model }
func (e *OpenAIEmbedder) Dimensions() int   { return e.dimensions }
func (e *OpenAIEmbedder) Close() error      { return nil }

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := otel.Tracer("openai-client").Start(ctx, "openai.create_embeddings")
	defer span.End()
	span.SetAttributes(attribute.Int("openai.batch_size", len(texts)), attribute.String("openai.model", e.model))

	result, err := e.breaker.Execute(func() (interface{}, error) {
		req := openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts,
		}
		// text-embedding-3 models can shorten vectors server side.
		if strings.HasPrefix(e.model, "text-embedding-3") && e.dimensions > 0 {
			req.Dimensions = e.dimensions
		}
		resp, err := e.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, ClassifyEmbedding(ctx, err)
		}
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("openai.error", true))
		return nil, ClassifyEmbedding(ctx, err)
	}

	resp := result.(openai.EmbeddingResponse)
	if len(resp.Data) != len(texts) {
		return nil, apperr.Embedding(
			fmt.Sprintf("embedding service returned %d vectors for %d inputs", len(resp.Data), len(texts)), nil, false)
	}
	vectors := make([][]float32, len(texts))
	for _, datum := range resp.Data {
		if datum.Index < 0 || datum.Index >= len(vectors) {
			return nil, apperr.Embedding("embedding service returned an out of range index", nil, false)
		}
		vectors[datum.Index] = datum.Embedding
	}
	return vectors, nil
}

type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewOpenAIGenerator(apiKey, baseURL, model string, timeout time.Duration) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		breaker: newBreaker("OpenAIChat"),
	}
}

func (g *OpenAIGenerator) ModelName() string { return g.model }
func (g *OpenAIGenerator) Close() error      { return nil }

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	ctx, span := otel.Tracer("openai-client").Start(ctx, "openai.create_chat_completion")
	defer span.End()
	span.SetAttributes(attribute.String("openai.model", g.model), attribute.Int("openai.estimated_tokens", EstimateTokens(prompt)))

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.1
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
			Temperature: temperature,
			TopP:        0.8,
			MaxTokens:   int(opts.MaxOutputTokens),
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return nil, ClassifyGeneration(ctx, err)
		}
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("openai.error", true))
		return nil, ClassifyGeneration(ctx, err)
	}

	resp := result.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindGeneration, "language model returned no choices")
	}
	gen := &Generation{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        g.model,
		FinishReason: string(resp.Choices[0].FinishReason),
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	recordTokens(ctx, "openai", gen.PromptTokens, gen.OutputTokens)
	span.SetAttributes(attribute.String("openai.finish_reason", gen.FinishReason))
	return gen, nil
}
