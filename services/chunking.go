package services

import (
	"time"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/models"
)

// ChunkingService splits normalized filing text into fixed-size overlapping
// windows. Output depends only on the text and the options.
type ChunkingService struct {
	size      int
	overlap   int
	maxChunks int
	now       func() time.Time
}

// ChunkSet is the result of one split. Truncated is set when the document
// produced more windows than maxChunks allows.
type ChunkSet struct {
	Chunks    []models.Chunk
	Truncated bool
	// Total is the number of windows before truncation.
	Total int
}

// NewChunkingService validates the window parameters. maxChunks <= 0 means
// unlimited.
func NewChunkingService(size, overlap, maxChunks int) (*ChunkingService, error) {
	if size <= 0 {
		return nil, apperr.InvalidParameters("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, apperr.InvalidParameters("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &ChunkingService{
		size:      size,
		overlap:   overlap,
		maxChunks: maxChunks,
		now:       time.Now,
	}, nil
}

// Split windows text by rune offsets. The start advances by size-overlap;
// once a window reaches the end of the text no further window is emitted,
// since it would be shorter than the overlap and fully contained in the
// window before it. Empty text yields an empty set.
func (cs *ChunkingService) Split(docID, text string) ChunkSet {
	runes := []rune(text)
	n := len(runes)
	step := cs.size - cs.overlap
	createdAt := cs.now().UTC()

	var set ChunkSet
	for start := 0; start < n; start += step {
		end := start + cs.size
		if end > n {
			end = n
		}
		set.Total++
		if cs.maxChunks <= 0 || len(set.Chunks) < cs.maxChunks {
			set.Chunks = append(set.Chunks, models.Chunk{
				DocumentID: docID,
				Ordinal:    len(set.Chunks),
				Start:      start,
				End:        end,
				Text:       string(runes[start:end]),
				CreatedAt:  createdAt,
			})
		} else {
			set.Truncated = true
		}
		if end == n {
			break
		}
	}
	return set
}

func (cs *ChunkingService) Size() int    { return cs.size }
func (cs *ChunkingService) Overlap() int { return cs.overlap }
