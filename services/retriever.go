package services

import (
	"context"
	"strings"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/models"
)

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type ChunkSearcher interface {
	Search(ctx context.Context, docID string, query []float32, k int) ([]models.ScoredChunk, error)
}

// RetrieverService finds the chunks of one document most similar to a
// question.
type RetrieverService struct {
	embeddings QueryEmbedder
	index      ChunkSearcher
	topK       int
}

func NewRetrieverService(embeddings QueryEmbedder, index ChunkSearcher, topK int) *RetrieverService {
	if topK <= 0 {
		topK = 8
	}
	return &RetrieverService{embeddings: embeddings, index: index, topK: topK}
}

func (rs *RetrieverService) TopK() int { return rs.topK }

// Retrieve embeds question and searches docID's collection. k <= 0 uses the
// configured top-k. Overlap regions shared with a better ranked chunk are
// trimmed away, and chunks left with nothing new are dropped, so the result
// may be shorter than k. A document with no chunks yields an empty result.
func (rs *RetrieverService) Retrieve(ctx context.Context, docID, question string, k int) (*models.RetrievalResult, error) {
	if k <= 0 {
		k = rs.topK
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Validation("question is required")
	}

	query, err := rs.embeddings.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}

	hits, err := rs.index.Search(ctx, docID, query, k)
	if err != nil {
		return nil, err
	}

	return &models.RetrievalResult{
		Items:     dedupeOverlaps(hits),
		Requested: k,
		Found:     len(hits),
	}, nil
}

// dedupeOverlaps walks hits in rank order. Identical texts are dropped, and
// a chunk's leading or trailing region already covered by a kept chunk is
// cut off. Order, and therefore the non-increasing score order, is kept.
func dedupeOverlaps(hits []models.ScoredChunk) []models.ScoredChunk {
	kept := make([]models.ScoredChunk, 0, len(hits))
	seen := make(map[string]bool, len(hits))

	for _, hit := range hits {
		key := strings.TrimSpace(hit.Chunk.Text)
		if key == "" || seen[key] {
			continue
		}

		start, end := uncovered(hit.Chunk.Start, hit.Chunk.End, kept)
		if start >= end {
			continue
		}
		if start != hit.Chunk.Start || end != hit.Chunk.End {
			trimmed, ok := trimChunk(hit.Chunk, start, end)
			if !ok {
				continue
			}
			hit.Chunk = trimmed
		}

		seen[key] = true
		kept = append(kept, hit)
	}
	return kept
}

// uncovered shrinks [start, end) from both sides while a kept span covers
// its edge. A kept span strictly inside the range is left alone; splitting
// a chunk in two would hand the model fragments without context.
func uncovered(start, end int, kept []models.ScoredChunk) (int, int) {
	for changed := true; changed && start < end; {
		changed = false
		for _, k := range kept {
			ks, ke := k.Chunk.Start, k.Chunk.End
			if ks <= start && start < ke {
				start = ke
				changed = true
			}
			if ks < end && end <= ke {
				end = ks
				changed = true
			}
			if start >= end {
				break
			}
		}
	}
	return start, end
}

func trimChunk(c models.Chunk, start, end int) (models.Chunk, bool) {
	runes := []rune(c.Text)
	if len(runes) != c.End-c.Start {
		// Offsets don't describe this text; keep it whole.
		return c, true
	}
	text := string(runes[start-c.Start : end-c.Start])
	if strings.TrimSpace(text) == "" {
		return c, false
	}
	c.Text = text
	c.Start = start
	c.End = end
	return c, true
}
