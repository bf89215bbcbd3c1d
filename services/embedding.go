package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/logger"
	"filing-analyzer/internal/retry"
	"filing-analyzer/models"
)

// Embedder is the external embedding model. Implementations return exactly
// one vector per input, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

type EmbeddingOptions struct {
	BatchSize   int
	Concurrency int
	// Dimensions, when positive, is enforced on every returned vector.
	Dimensions int
	// Timeout bounds each external call, not the whole EmbedTexts.
	Timeout time.Duration
	Policy  *retry.Policy
}

// EmbeddingService turns chunk and query text into vectors. Large inputs are
// split into batches that run concurrently up to Concurrency; transient
// faults are retried per batch.
type EmbeddingService struct {
	embedder Embedder
	opts     EmbeddingOptions
}

func NewEmbeddingService(embedder Embedder, opts EmbeddingOptions) *EmbeddingService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Policy == nil {
		opts.Policy = retry.EmbeddingPolicy(3)
	}
	policy := *opts.Policy
	opts.Policy = &policy
	if opts.Policy.OnRetry == nil {
		opts.Policy.OnRetry = func(kind apperr.Kind, n int, wait time.Duration, err error) {
			logger.Warn("Retrying embedding batch", "kind", kind, "retry", n, "wait", wait.String(), "error", err)
		}
	}
	return &EmbeddingService{embedder: embedder, opts: opts}
}

func (es *EmbeddingService) ModelName() string { return es.embedder.ModelName() }

// EmbedTexts returns one vector per text, preserving order.
func (es *EmbeddingService) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, apperr.Embedding(fmt.Sprintf("input %d is empty", i), nil, false)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(es.opts.Concurrency)

	for start := 0; start < len(texts); start += es.opts.BatchSize {
		end := start + es.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start := start
		batch := texts[start:end]
		g.Go(func() error {
			vectors, err := es.embedBatch(gctx, batch)
			if err != nil {
				return err
			}
			copy(out[start:], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, es.checkDimensions(out)
}

// EmbedQuery embeds a single question.
func (es *EmbeddingService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := es.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedChunks fills in the Embedding of every chunk in place.
func (es *EmbeddingService) EmbedChunks(ctx context.Context, chunks []models.Chunk) error {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vectors, err := es.EmbedTexts(ctx, texts)
	if err != nil {
		return err
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return nil
}

func (es *EmbeddingService) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32
	err := es.opts.Policy.Do(ctx, func(ctx context.Context) error {
		callCtx := ctx
		if es.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, es.opts.Timeout)
			defer cancel()
		}
		v, err := es.embedder.EmbedBatch(callCtx, batch)
		if err != nil {
			return classifyEmbedError(ctx, err)
		}
		if len(v) != len(batch) {
			return apperr.Embedding(fmt.Sprintf("embedding service returned %d vectors for %d inputs", len(v), len(batch)), nil, false)
		}
		vectors = v
		return nil
	})
	return vectors, err
}

// classifyEmbedError keeps adapter classifications and maps anything else.
// A deadline that fired while the caller's context is still live was the
// per-call timeout and is worth retrying.
func classifyEmbedError(ctx context.Context, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Embedding("embedding service timed out", err, true)
	}
	return apperr.Embedding("embedding service request failed", err, false)
}

func (es *EmbeddingService) checkDimensions(vectors [][]float32) error {
	want := es.opts.Dimensions
	for i, v := range vectors {
		if want <= 0 {
			want = len(v)
		}
		if len(v) == 0 || len(v) != want {
			return apperr.Embedding(fmt.Sprintf("vector %d has dimension %d, expected %d", i, len(v), want), nil, false)
		}
	}
	return nil
}
