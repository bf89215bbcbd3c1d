package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/models"
)

// collection is immutable once built; Upsert replaces the pointer.
type collection struct {
	info   models.DocumentInfo
	chunks []models.Chunk
	norms  []float64
}

// VectorIndexService holds one collection per document identity and mirrors
// each collection to a CollectionStore. Searches run against an immutable
// snapshot, so a concurrent Upsert is observed either entirely or not at all.
type VectorIndexService struct {
	mu          sync.RWMutex
	collections map[string]*collection

	// writeMu serializes Upsert, Evict and lazy loads so an eviction can't
	// race a load that re-installs the evicted collection.
	writeMu sync.Mutex

	store      CollectionStore
	dimensions int
}

// NewVectorIndexService creates an index. store may be nil for a purely
// in-memory index; dimensions <= 0 accepts any consistent dimensionality.
func NewVectorIndexService(store CollectionStore, dimensions int) *VectorIndexService {
	return &VectorIndexService{
		collections: make(map[string]*collection),
		store:       store,
		dimensions:  dimensions,
	}
}

// Upsert atomically replaces the document's collection. Persistence happens
// first; on failure the previous collection stays searchable.
func (vi *VectorIndexService) Upsert(ctx context.Context, info models.DocumentInfo, chunks []models.Chunk) error {
	col, err := vi.buildCollection(info, chunks)
	if err != nil {
		return err
	}

	vi.writeMu.Lock()
	defer vi.writeMu.Unlock()

	if vi.store != nil {
		if err := vi.store.SaveCollection(ctx, col.info, col.chunks); err != nil {
			return apperr.Index("failed to persist collection", err)
		}
	}

	vi.mu.Lock()
	vi.collections[info.ID] = col
	vi.mu.Unlock()
	return nil
}

func (vi *VectorIndexService) buildCollection(info models.DocumentInfo, chunks []models.Chunk) (*collection, error) {
	dims := vi.dimensions
	owned := make([]models.Chunk, len(chunks))
	norms := make([]float64, len(chunks))

	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return nil, apperr.Index("chunk has no embedding", nil)
		}
		if dims <= 0 {
			dims = len(c.Embedding)
		}
		if len(c.Embedding) != dims {
			return nil, apperr.Index("embedding dimension mismatch", nil)
		}
		c.DocumentID = info.ID
		owned[i] = c
		norms[i] = norm(c.Embedding)
	}

	info.ChunkCount = len(owned)
	return &collection{info: info, chunks: owned, norms: norms}, nil
}

// Search returns up to k chunks by cosine similarity, highest first. Equal
// scores are ordered by chunk ordinal.
func (vi *VectorIndexService) Search(ctx context.Context, docID string, query []float32, k int) ([]models.ScoredChunk, error) {
	col, err := vi.get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if k <= 0 || len(col.chunks) == 0 {
		return []models.ScoredChunk{}, nil
	}
	if len(query) != len(col.chunks[0].Embedding) {
		return nil, apperr.Index("query dimension does not match collection", nil)
	}

	qnorm := norm(query)
	scored := make([]models.ScoredChunk, len(col.chunks))
	for i, c := range col.chunks {
		scored[i] = models.ScoredChunk{Chunk: c, Similarity: cosine(query, c.Embedding, qnorm, col.norms[i])}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Chunk.Ordinal < scored[j].Chunk.Ordinal
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Lookup reports the indexed document's info, loading a persisted
// collection into memory if needed.
func (vi *VectorIndexService) Lookup(ctx context.Context, docID string) (*models.DocumentInfo, error) {
	col, err := vi.get(ctx, docID)
	if err != nil {
		return nil, err
	}
	info := col.info
	return &info, nil
}

// Evict removes the document from memory and from the store.
func (vi *VectorIndexService) Evict(ctx context.Context, docID string) error {
	vi.writeMu.Lock()
	defer vi.writeMu.Unlock()

	vi.mu.Lock()
	delete(vi.collections, docID)
	vi.mu.Unlock()

	if vi.store != nil {
		if err := vi.store.DeleteCollection(ctx, docID); err != nil {
			return apperr.Index("failed to delete collection", err)
		}
	}
	return nil
}

// Len reports the number of collections held in memory.
func (vi *VectorIndexService) Len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.collections)
}

func (vi *VectorIndexService) Ping(ctx context.Context) error {
	if vi.store == nil {
		return nil
	}
	return vi.store.Ping(ctx)
}

func (vi *VectorIndexService) get(ctx context.Context, docID string) (*collection, error) {
	vi.mu.RLock()
	col, ok := vi.collections[docID]
	vi.mu.RUnlock()
	if ok {
		return col, nil
	}
	if vi.store == nil {
		return nil, apperr.IndexNotFound(docID)
	}

	vi.writeMu.Lock()
	defer vi.writeMu.Unlock()

	vi.mu.RLock()
	col, ok = vi.collections[docID]
	vi.mu.RUnlock()
	if ok {
		return col, nil
	}

	info, chunks, err := vi.store.LoadCollection(ctx, docID)
	if errors.Is(err, ErrCollectionNotFound) {
		return nil, apperr.IndexNotFound(docID)
	}
	if err != nil {
		return nil, apperr.Index("persisted collection is unreadable", err)
	}

	col, err = vi.buildCollection(*info, chunks)
	if err != nil {
		return nil, apperr.Index("persisted collection is corrupt", err)
	}

	vi.mu.Lock()
	vi.collections[docID] = col
	vi.mu.Unlock()
	return col, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	sim := dot / (na * nb)
	// Rounding can push identical vectors just past 1.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}
