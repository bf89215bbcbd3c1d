package models

import (
	"strings"
	"time"
)

type FilingType string

const (
	FilingType10K    FilingType = "10-K"
	FilingType10Q    FilingType = "10-Q"
	FilingType8K     FilingType = "8-K"
	FilingType20F    FilingType = "20-F"
	FilingTypeDEF14A FilingType = "DEF 14A"
	FilingTypeOther  FilingType = "OTHER"
)

var KnownFilingTypes = []FilingType{
	FilingType10K, FilingType10Q, FilingType8K, FilingType20F, FilingTypeDEF14A, FilingTypeOther,
}

// ParseFilingType normalizes a user or header supplied form type. Unknown
// values map to OTHER; an empty string stays empty (auto-detect).
func ParseFilingType(s string) FilingType {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	for _, ft := range KnownFilingTypes {
		if string(ft) == s {
			return ft
		}
	}
	if s == "DEF14A" {
		return FilingTypeDEF14A
	}
	return FilingTypeOther
}

// FilingMetadata is parsed from the EDGAR header block when present.
type FilingMetadata struct {
	CompanyName string `json:"company_name,omitempty"`
	FormType    string `json:"filing_type,omitempty"`
	FilingDate  string `json:"filing_date,omitempty"`
	CIK         string `json:"cik,omitempty"`
}

// Document is one fetched and normalized filing. It is immutable once
// built; re-ingestion produces a new Document.
type Document struct {
	ID          string         `json:"id"`
	SourceURL   string         `json:"source_url"`
	ContentHash string         `json:"content_hash"`
	ContentType string         `json:"content_type"`
	Text        string         `json:"-"`
	FilingType  FilingType     `json:"filing_type"`
	Metadata    FilingMetadata `json:"metadata"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// DocumentInfo is what survives ingestion once the text has been chunked:
// enough to describe the filing without holding the full text in memory.
type DocumentInfo struct {
	ID          string         `json:"id"`
	SourceURL   string         `json:"source_url"`
	ContentHash string         `json:"content_hash"`
	FilingType  FilingType     `json:"filing_type"`
	Metadata    FilingMetadata `json:"metadata"`
	DocumentLen int            `json:"document_size"`
	ChunkCount  int            `json:"processed_chunks"`
	Truncated   bool           `json:"truncated"`
	IndexedAt   time.Time      `json:"indexed_at"`
}

func (d *Document) Info() DocumentInfo {
	return DocumentInfo{
		ID:          d.ID,
		SourceURL:   d.SourceURL,
		ContentHash: d.ContentHash,
		FilingType:  d.FilingType,
		Metadata:    d.Metadata,
		DocumentLen: len([]rune(d.Text)),
	}
}

// Chunk is a contiguous window of a document's text. Start and End are rune
// offsets into Document.Text, End exclusive.
type Chunk struct {
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c Chunk) Len() int { return c.End - c.Start }

// ScoredChunk pairs a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// RetrievalResult is ordered by non-increasing similarity.
type RetrievalResult struct {
	Items     []ScoredChunk `json:"items"`
	Requested int           `json:"requested"`
	// Found counts index hits before overlap deduplication.
	Found int `json:"found"`
}
