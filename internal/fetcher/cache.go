package fetcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"filing-analyzer/internal/logger"
	"filing-analyzer/models"
	"filing-analyzer/utils"
)

// DocumentCache stores normalized filings by document id. Implementations
// must treat every failure as a miss.
type DocumentCache interface {
	Get(ctx context.Context, docID string) (*models.Document, bool)
	Set(ctx context.Context, doc *models.Document, ttl time.Duration)
}

// RedisDocumentCache keeps brotli-compressed normalized filings in Redis so
// that the API server and the ingestion worker share downloads.
type RedisDocumentCache struct {
	rdb    *redis.Client
	prefix string
}

type cachedDocument struct {
	Document    models.Document            `json:"document"`
	Text        []byte                     `json:"text"`
	Compression utils.CompressionAlgorithm `json:"compression"`
}

func NewRedisDocumentCache(rdb *redis.Client) *RedisDocumentCache {
	return &RedisDocumentCache{rdb: rdb, prefix: "filing:doc:"}
}

func (c *RedisDocumentCache) Get(ctx context.Context, docID string) (*models.Document, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+docID).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("Document cache read failed", "doc_id", docID, "error", err)
		}
		return nil, false
	}

	var cd cachedDocument
	if err := json.Unmarshal(raw, &cd); err != nil {
		logger.Warn("Document cache entry is corrupt", "doc_id", docID, "error", err)
		return nil, false
	}
	text, err := utils.DecompressText(cd.Text, cd.Compression)
	if err != nil {
		logger.Warn("Document cache entry is corrupt", "doc_id", docID, "error", err)
		return nil, false
	}

	doc := cd.Document
	doc.Text = text
	return &doc, true
}

func (c *RedisDocumentCache) Set(ctx context.Context, doc *models.Document, ttl time.Duration) {
	text, algo, err := utils.CompressText(doc.Text)
	if err != nil {
		logger.Warn("Document cache compression failed", "doc_id", doc.ID, "error", err)
		return
	}
	raw, err := json.Marshal(cachedDocument{Document: *doc, Text: text, Compression: algo})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+doc.ID, raw, ttl).Err(); err != nil {
		logger.Warn("Document cache write failed", "doc_id", doc.ID, "error", err)
	}
}

// Delete drops a cached filing; used when a document is invalidated.
func (c *RedisDocumentCache) Delete(ctx context.Context, docID string) error {
	return c.rdb.Del(ctx, c.prefix+docID).Err()
}
