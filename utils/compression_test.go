package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressTextSmallStaysRaw(t *testing.T) {
	data, algo, err := CompressText("Net sales increased 5%.")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, algo)
	assert.Equal(t, "Net sales increased 5%.", string(data))
}

func TestCompressTextUsesBrotli(t *testing.T) {
	text := strings.Repeat("Total net sales for the quarter were $85.8 billion. ", 40)

	data, algo, err := CompressText(text)
	require.NoError(t, err)
	assert.Equal(t, CompressionBrotli, algo)
	assert.Less(t, len(data), len(text))

	out, err := DecompressText(data, algo)
	require.NoError(t, err)
	assert.Equal(t, text, out)
}

func TestDecompressRejectsUnknownAlgorithm(t *testing.T) {
	_, err := DecompressData([]byte{1, 2, 3}, "lz4")
	assert.Error(t, err)
}

func TestDocumentIDStable(t *testing.T) {
	a := DocumentID("https://www.sec.gov/Archives/edgar/data/320193/aapl.htm")
	b := DocumentID("https://www.sec.gov/Archives/edgar/data/320193/aapl.htm")
	c := DocumentID("https://www.sec.gov/Archives/edgar/data/789019/msft.htm")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "doc_"))
	assert.Len(t, a, 20)
}
