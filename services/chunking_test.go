package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filing-analyzer/internal/apperr"
)

func TestSplitExampleDocument(t *testing.T) {
	cs, err := NewChunkingService(1000, 200, 100)
	require.NoError(t, err)

	set := cs.Split("doc_1", strings.Repeat("a", 2500))

	require.Len(t, set.Chunks, 3)
	assert.False(t, set.Truncated)
	bounds := [][2]int{{0, 1000}, {800, 1800}, {1600, 2500}}
	for i, c := range set.Chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, bounds[i][0], c.Start)
		assert.Equal(t, bounds[i][1], c.End)
		assert.Equal(t, c.End-c.Start, len([]rune(c.Text)))
		assert.Equal(t, "doc_1", c.DocumentID)
	}
}

func TestSplitConsecutiveOverlap(t *testing.T) {
	cs, err := NewChunkingService(100, 30, 0)
	require.NoError(t, err)

	text := strings.Repeat("0123456789", 107)
	set := cs.Split("doc", text)

	require.NotEmpty(t, set.Chunks)
	assert.Equal(t, 0, set.Chunks[0].Start)
	for i := 1; i < len(set.Chunks); i++ {
		prev, cur := set.Chunks[i-1], set.Chunks[i]
		assert.Equal(t, 30, prev.End-cur.Start, "chunk %d", i)
		assert.Greater(t, cur.Start, prev.Start)
		assert.Equal(t, text[cur.Start:cur.Start+30], text[prev.End-30:prev.End])
	}
	assert.Equal(t, len(text), set.Chunks[len(set.Chunks)-1].End)
}

func TestSplitIsDeterministic(t *testing.T) {
	cs, err := NewChunkingService(64, 16, 0)
	require.NoError(t, err)

	text := strings.Repeat("Item 7. Management's Discussion and Analysis. ", 40)
	a := cs.Split("doc", text)
	b := cs.Split("doc", text)

	require.Equal(t, len(a.Chunks), len(b.Chunks))
	for i := range a.Chunks {
		assert.Equal(t, a.Chunks[i].Text, b.Chunks[i].Text)
		assert.Equal(t, a.Chunks[i].Start, b.Chunks[i].Start)
	}
}

func TestSplitTruncatesAtMaxChunks(t *testing.T) {
	cs, err := NewChunkingService(10, 2, 3)
	require.NoError(t, err)

	set := cs.Split("doc", strings.Repeat("x", 100))

	assert.Len(t, set.Chunks, 3)
	assert.True(t, set.Truncated)
	assert.Equal(t, 13, set.Total)
}

func TestSplitShortAndEmptyText(t *testing.T) {
	cs, err := NewChunkingService(1000, 200, 100)
	require.NoError(t, err)

	set := cs.Split("doc", "short filing")
	require.Len(t, set.Chunks, 1)
	assert.Equal(t, "short filing", set.Chunks[0].Text)

	assert.Empty(t, cs.Split("doc", "").Chunks)
}

func TestSplitCountsRunes(t *testing.T) {
	cs, err := NewChunkingService(4, 1, 0)
	require.NoError(t, err)

	set := cs.Split("doc", "€€€€€€€")
	require.Len(t, set.Chunks, 2)
	assert.Equal(t, "€€€€", set.Chunks[0].Text)
	assert.Equal(t, "€€€€", set.Chunks[1].Text)
	assert.Equal(t, 3, set.Chunks[1].Start)
}

func TestNewChunkingServiceRejectsBadParameters(t *testing.T) {
	cases := []struct{ size, overlap int }{
		{0, 0},
		{-5, 0},
		{100, 100},
		{100, 150},
		{100, -1},
	}
	for _, tc := range cases {
		_, err := NewChunkingService(tc.size, tc.overlap, 10)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidParameters, apperr.KindOf(err))
	}
}
