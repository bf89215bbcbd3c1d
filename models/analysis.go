package models

import "time"

// AnalysisRequest is the body of POST /api/v1/analyze.
type AnalysisRequest struct {
	FilingURL         string `json:"filing_url" binding:"required"`
	Question          string `json:"question" binding:"required"`
	FilingType        string `json:"filing_type,omitempty"`
	IncludeContext    *bool  `json:"include_context,omitempty"`
	MaxResponseLength int    `json:"max_response_length,omitempty"`
}

// WantsContext defaults to true when the client omits the flag.
func (r AnalysisRequest) WantsContext() bool {
	return r.IncludeContext == nil || *r.IncludeContext
}

type ContextChunk struct {
	ChunkID         string  `json:"chunk_id"`
	Content         string  `json:"content"`
	SimilarityScore float64 `json:"similarity_score"`
	Start           int     `json:"start"`
	End             int     `json:"end"`
}

type ModelInfo struct {
	LLM        string `json:"llm"`
	Embeddings string `json:"embeddings"`
}

// AnalysisResponse is the success body of POST /api/v1/analyze.
type AnalysisResponse struct {
	Question         string         `json:"question"`
	Answer           string         `json:"answer"`
	ConfidenceScore  float64        `json:"confidence_score"`
	FilingInfo       FilingInfo     `json:"filing_info"`
	RelevantChunks   []ContextChunk `json:"relevant_chunks,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	Timestamp        time.Time      `json:"timestamp"`
	AIModelInfo      ModelInfo      `json:"ai_model_info"`
	// PipelineStages lists the states visited, in order.
	PipelineStages []string `json:"pipeline_stages,omitempty"`
}

type FilingInfo struct {
	DocumentID  string `json:"document_id"`
	SourceURL   string `json:"source_url"`
	CompanyName string `json:"company_name,omitempty"`
	FilingType  string `json:"filing_type,omitempty"`
	FilingDate  string `json:"filing_date,omitempty"`
	Chunks      int    `json:"processed_chunks"`
	Truncated   bool   `json:"truncated,omitempty"`
	Cached      bool   `json:"cached"`
}

// IngestRequest is the body of POST /api/v1/filings/ingest.
type IngestRequest struct {
	FilingURL string `json:"filing_url" binding:"required"`
}

type IngestStatus struct {
	DocumentID string        `json:"document_id"`
	State      string        `json:"state"`
	Attempts   int           `json:"attempts"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Document   *DocumentInfo `json:"document,omitempty"`
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Service     string            `json:"service"`
	Version     string            `json:"version"`
	AIProviders map[string]string `json:"ai_providers"`
	Components  map[string]string `json:"components,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
