package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/fetcher"
	"filing-analyzer/internal/logger"
	"filing-analyzer/internal/telemetry"
	"filing-analyzer/models"
	"filing-analyzer/utils"
)

type PipelineState string

const (
	StateFetching     PipelineState = "fetching"
	StateChunking     PipelineState = "chunking"
	StateEmbedding    PipelineState = "embedding"
	StateIndexing     PipelineState = "indexing"
	StateRetrieving   PipelineState = "retrieving"
	StatePrompting    PipelineState = "prompting"
	StateSynthesizing PipelineState = "synthesizing"
	StateScoring      PipelineState = "scoring"
	StateDone         PipelineState = "done"
	StateFailed       PipelineState = "failed"
)

const (
	MinQuestionLength = 10
	MaxQuestionLength = 500
	MinResponseLength = 100
	MaxResponseLength = 4000
)

var prohibitedWordsRe = regexp.MustCompile(`(?i)\b(hack|exploit|bypass|jailbreak)`)

// DocumentFetcher downloads and normalizes a filing.
type DocumentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*models.Document, error)
}

type PipelineDeps struct {
	Fetcher     DocumentFetcher
	Chunker     *ChunkingService
	Embeddings  *EmbeddingService
	Index       *VectorIndexService
	Cache       *IngestionCacheService
	Retriever   *RetrieverService
	Prompts     *PromptService
	Synthesizer *AnswerSynthesizer
	Confidence  *ConfidenceEstimator
}

type PipelineOptions struct {
	AllowedHosts      []string
	TopK              int
	MaxResponseLength int
	// TruncationPolicy is "warn" (log when MAX_CHUNKS cuts a filing) or
	// "silent". The truncated flag is reported to clients either way.
	TruncationPolicy string
}

// PipelineService drives one analysis through
//
//	fetching -> chunking -> embedding -> indexing -> retrieving ->
//	prompting -> synthesizing -> scoring -> done
//
// moving to failed from any state on an unrecovered error. Ingestion states
// are skipped when the ingestion cache already holds the document. It is the
// only place that decides what to do per error kind: an IndexError while
// retrieving triggers one invalidate-and-reingest, transient external
// faults are retried inside the owning component, and everything else
// surfaces.
type PipelineService struct {
	PipelineDeps
	opts PipelineOptions
	now  func() time.Time
}

func NewPipelineService(deps PipelineDeps, opts PipelineOptions) *PipelineService {
	if opts.TopK <= 0 {
		opts.TopK = deps.Retriever.TopK()
	}
	if opts.TruncationPolicy == "" {
		opts.TruncationPolicy = "warn"
	}
	return &PipelineService{PipelineDeps: deps, opts: opts, now: time.Now}
}

// ValidatedRequest is an AnalysisRequest that passed ValidateRequest.
type ValidatedRequest struct {
	CanonicalURL      string
	DocumentID        string
	Question          string
	FilingType        models.FilingType
	IncludeContext    bool
	MaxResponseLength int
}

// ValidateRequest checks client input before any external call is made.
func (p *PipelineService) ValidateRequest(req models.AnalysisRequest) (*ValidatedRequest, error) {
	canonical, err := fetcher.CanonicalURL(req.FilingURL, p.opts.AllowedHosts)
	if err != nil {
		return nil, err
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apperr.Validation("question cannot be empty")
	}
	if n := utf8.RuneCountInString(question); n < MinQuestionLength || n > MaxQuestionLength {
		return nil, apperr.Validation(fmt.Sprintf("question must be between %d and %d characters, got %d", MinQuestionLength, MaxQuestionLength, n))
	}
	if prohibitedWordsRe.MatchString(question) {
		return nil, apperr.Validation("question contains prohibited content")
	}

	var filingType models.FilingType
	if strings.TrimSpace(req.FilingType) != "" {
		filingType = models.ParseFilingType(req.FilingType)
		if filingType == models.FilingTypeOther && !strings.EqualFold(strings.TrimSpace(req.FilingType), string(models.FilingTypeOther)) {
			return nil, apperr.Validation(fmt.Sprintf("unsupported filing_type %q", req.FilingType))
		}
	}

	maxLen := req.MaxResponseLength
	if maxLen != 0 && (maxLen < MinResponseLength || maxLen > MaxResponseLength) {
		return nil, apperr.Validation(fmt.Sprintf("max_response_length must be between %d and %d", MinResponseLength, MaxResponseLength))
	}

	return &ValidatedRequest{
		CanonicalURL:      canonical,
		DocumentID:        utils.DocumentID(canonical),
		Question:          question,
		FilingType:        filingType,
		IncludeContext:    req.WantsContext(),
		MaxResponseLength: maxLen,
	}, nil
}

// pipelineRun tracks the state of one analysis.
type pipelineRun struct {
	states     []PipelineState
	current    PipelineState
	enteredAt  time.Time
	span       trace.Span
	cacheHit   bool
	reingested bool
	now        func() time.Time
}

func (r *pipelineRun) enter(ctx context.Context, state PipelineState) {
	r.finishStage(ctx, true)
	r.current = state
	r.enteredAt = r.now()
	r.states = append(r.states, state)
	r.span.AddEvent(string(state))
}

func (r *pipelineRun) finishStage(ctx context.Context, ok bool) {
	if r.current == "" || r.current == StateDone || r.current == StateFailed {
		return
	}
	telemetry.Global().RecordStage(ctx, string(r.current), r.now().Sub(r.enteredAt).Seconds(), ok)
}

// fail moves the run to failed, tagging err with the state it surfaced in.
func (r *pipelineRun) fail(ctx context.Context, err error) error {
	r.finishStage(ctx, false)
	staged := apperr.WithStage(err, string(r.current))
	r.current = StateFailed
	r.states = append(r.states, StateFailed)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(staged.Kind))
	return staged
}

func (r *pipelineRun) stageNames() []string {
	names := make([]string, len(r.states))
	for i, s := range r.states {
		names[i] = string(s)
	}
	return names
}

// Analyze answers one question about one filing.
func (p *PipelineService) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisResponse, error) {
	started := p.now()

	vr, err := p.ValidateRequest(req)
	if err != nil {
		telemetry.Global().RecordPipeline(ctx, string(apperr.KindOf(err)), false)
		return nil, err
	}

	ctx, span := otel.Tracer("filing-pipeline").Start(ctx, "pipeline.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("filing.doc_id", vr.DocumentID),
		attribute.String("filing.url", vr.CanonicalURL),
		attribute.Int("question.length", utf8.RuneCountInString(vr.Question)),
	)
	ctx = logger.WithContext(ctx, "doc_id", vr.DocumentID)
	log := logger.FromContext(ctx)

	run := &pipelineRun{span: span, now: p.now}

	resp, err := p.analyze(ctx, run, vr)
	if err != nil {
		telemetry.Global().RecordPipeline(ctx, string(apperr.KindOf(err)), run.cacheHit)
		log.Warn("Analysis failed", "stages", run.stageNames(), "error", err)
		return nil, err
	}

	resp.ProcessingTimeMS = p.now().Sub(started).Milliseconds()
	resp.PipelineStages = run.stageNames()
	telemetry.Global().RecordPipeline(ctx, "", run.cacheHit)
	telemetry.Global().RecordConfidence(ctx, resp.ConfidenceScore)
	span.SetAttributes(
		attribute.Bool("pipeline.cache_hit", run.cacheHit),
		attribute.Float64("analysis.confidence", resp.ConfidenceScore),
	)
	log.Info("Analysis completed",
		"cache_hit", run.cacheHit,
		"chunks_used", len(resp.RelevantChunks),
		"confidence", resp.ConfidenceScore,
		"processing_time_ms", resp.ProcessingTimeMS,
	)
	return resp, nil
}

func (p *PipelineService) analyze(ctx context.Context, run *pipelineRun, vr *ValidatedRequest) (*models.AnalysisResponse, error) {
	info, err := p.ensureIngested(ctx, run, vr.CanonicalURL, vr.FilingType)
	if err != nil {
		return nil, err
	}

	run.enter(ctx, StateRetrieving)
	retrieved, err := p.Retriever.Retrieve(ctx, vr.DocumentID, vr.Question, p.opts.TopK)
	if err != nil && apperr.KindOf(err) == apperr.KindIndex && !run.reingested {
		// Missing or corrupt collection: rebuild it once and try again.
		logger.FromContext(ctx).Warn("Index unusable, re-ingesting document", "error", err)
		run.reingested = true
		if ierr := p.Cache.Invalidate(ctx, vr.DocumentID); ierr != nil && apperr.KindOf(ierr) != apperr.KindIndex {
			return nil, run.fail(ctx, ierr)
		}
		info, err = p.ensureIngested(ctx, run, vr.CanonicalURL, vr.FilingType)
		if err != nil {
			return nil, err
		}
		run.enter(ctx, StateRetrieving)
		retrieved, err = p.Retriever.Retrieve(ctx, vr.DocumentID, vr.Question, p.opts.TopK)
	}
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	run.enter(ctx, StatePrompting)
	prompt, err := p.Prompts.Assemble(PromptInput{
		Question:          vr.Question,
		Document:          *info,
		Chunks:            retrieved.Items,
		MaxResponseLength: vr.MaxResponseLength,
	})
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	if prompt.Dropped > 0 {
		logger.FromContext(ctx).Debug("Dropped excerpts to fit prompt budget", "dropped", prompt.Dropped)
	}

	run.enter(ctx, StateSynthesizing)
	maxLen := vr.MaxResponseLength
	if maxLen == 0 {
		maxLen = p.opts.MaxResponseLength
	}
	answer, err := p.Synthesizer.Synthesize(ctx, prompt.Text, maxLen)
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	run.enter(ctx, StateScoring)
	score := p.Confidence.Score(prompt.Used, retrieved.Found, retrieved.Requested, answer.Text)

	run.enter(ctx, StateDone)

	resp := &models.AnalysisResponse{
		Question:        vr.Question,
		Answer:          answer.Text,
		ConfidenceScore: score,
		FilingInfo: models.FilingInfo{
			DocumentID:  info.ID,
			SourceURL:   info.SourceURL,
			CompanyName: info.Metadata.CompanyName,
			FilingType:  string(info.FilingType),
			FilingDate:  info.Metadata.FilingDate,
			Chunks:      info.ChunkCount,
			Truncated:   info.Truncated,
			Cached:      run.cacheHit,
		},
		Timestamp: p.now().UTC(),
		AIModelInfo: models.ModelInfo{
			LLM:        answer.Model,
			Embeddings: p.Embeddings.ModelName(),
		},
	}
	if vr.IncludeContext {
		resp.RelevantChunks = contextChunks(prompt.Used)
	}
	return resp, nil
}

// Ingest makes sure the filing at rawURL is indexed, without answering
// anything. Used by the ingest endpoint and the background worker.
func (p *PipelineService) Ingest(ctx context.Context, rawURL string) (*models.DocumentInfo, error) {
	canonical, err := fetcher.CanonicalURL(rawURL, p.opts.AllowedHosts)
	if err != nil {
		return nil, err
	}
	docID := utils.DocumentID(canonical)

	ctx, span := otel.Tracer("filing-pipeline").Start(ctx, "pipeline.ingest")
	defer span.End()
	span.SetAttributes(attribute.String("filing.doc_id", docID))
	ctx = logger.WithContext(ctx, "doc_id", docID)

	run := &pipelineRun{span: span, now: p.now}
	return p.ensureIngested(ctx, run, canonical, "")
}

// DocumentID canonicalizes rawURL into a document identity.
func (p *PipelineService) DocumentID(rawURL string) (string, error) {
	canonical, err := fetcher.CanonicalURL(rawURL, p.opts.AllowedHosts)
	if err != nil {
		return "", err
	}
	return utils.DocumentID(canonical), nil
}

// Status reports the ingestion state of a filing. A collection persisted by
// another process (the worker) counts as ready even before this process
// has loaded it.
func (p *PipelineService) Status(ctx context.Context, rawURL string) (models.IngestStatus, error) {
	docID, err := p.DocumentID(rawURL)
	if err != nil {
		return models.IngestStatus{}, err
	}
	st := p.Cache.Status(docID)
	if st.State == string(IngestAbsent) {
		if info, err := p.Index.Lookup(ctx, docID); err == nil {
			st.State = string(IngestReady)
			st.Document = info
		}
	}
	return st, nil
}

// Invalidate forgets a filing so the next request re-ingests it.
func (p *PipelineService) Invalidate(ctx context.Context, rawURL string) (string, error) {
	docID, err := p.DocumentID(rawURL)
	if err != nil {
		return "", err
	}
	return docID, p.Cache.Invalidate(ctx, docID)
}

func (p *PipelineService) ensureIngested(ctx context.Context, run *pipelineRun, canonical string, hint models.FilingType) (*models.DocumentInfo, error) {
	docID := utils.DocumentID(canonical)

	ran := false
	info, hit, err := p.Cache.Ensure(ctx, docID, func(ctx context.Context) (*models.DocumentInfo, error) {
		ran = true
		return p.ingest(ctx, run, canonical, docID, hint)
	})
	if err != nil {
		if ran {
			// ingest already moved the run to failed.
			return nil, err
		}
		return nil, run.fail(ctx, err)
	}

	if hit {
		run.cacheHit = true
		// Ingestion states are satisfied from cache.
		run.states = append(run.states, StateFetching, StateChunking, StateEmbedding, StateIndexing)
		run.span.AddEvent("ingestion_cache_hit")
	}
	return info, nil
}

func (p *PipelineService) ingest(ctx context.Context, run *pipelineRun, canonical, docID string, hint models.FilingType) (*models.DocumentInfo, error) {
	log := logger.FromContext(ctx)

	// A collection persisted by an earlier process is reused as is.
	if info, err := p.Index.Lookup(ctx, docID); err == nil {
		log.Info("Reusing persisted collection", "chunks", info.ChunkCount)
		telemetry.Global().RecordIngestion(ctx, "warm_start")
		run.states = append(run.states, StateFetching, StateChunking, StateEmbedding, StateIndexing)
		run.cacheHit = true
		return info, nil
	} else if !errors.Is(err, apperr.ErrIndexNotFound) {
		log.Warn("Persisted collection unusable, rebuilding", "error", err)
		if eerr := p.Index.Evict(ctx, docID); eerr != nil {
			log.Error("Failed to drop unusable collection", "error", eerr)
		}
	}

	run.enter(ctx, StateFetching)
	fetchStarted := p.now()
	doc, err := p.Fetcher.Fetch(ctx, canonical)
	if err != nil {
		telemetry.Global().RecordFetch(ctx, p.now().Sub(fetchStarted).Seconds(), "error")
		telemetry.Global().RecordIngestion(ctx, "failed")
		return nil, run.fail(ctx, err)
	}
	telemetry.Global().RecordFetch(ctx, p.now().Sub(fetchStarted).Seconds(), "ok")
	if hint != "" && (doc.FilingType == "" || doc.FilingType == models.FilingTypeOther) {
		doc.FilingType = hint
	}

	run.enter(ctx, StateChunking)
	set := p.Chunker.Split(docID, doc.Text)
	if set.Truncated && p.opts.TruncationPolicy == "warn" {
		log.Warn("Filing truncated to chunk limit", "chunks_kept", len(set.Chunks), "chunks_total", set.Total)
	}
	if len(set.Chunks) == 0 {
		telemetry.Global().RecordIngestion(ctx, "failed")
		return nil, run.fail(ctx, apperr.Fetch("filing contains no text", nil, false))
	}

	run.enter(ctx, StateEmbedding)
	if err := p.Embeddings.EmbedChunks(ctx, set.Chunks); err != nil {
		telemetry.Global().RecordIngestion(ctx, "failed")
		return nil, run.fail(ctx, err)
	}

	run.enter(ctx, StateIndexing)
	info := doc.Info()
	info.ID = docID
	info.ChunkCount = len(set.Chunks)
	info.Truncated = set.Truncated
	info.IndexedAt = p.now().UTC()
	if err := p.Index.Upsert(ctx, info, set.Chunks); err != nil {
		telemetry.Global().RecordIngestion(ctx, "failed")
		return nil, run.fail(ctx, err)
	}

	telemetry.Global().RecordIngestion(ctx, "indexed")
	log.Info("Filing indexed",
		"company", info.Metadata.CompanyName,
		"filing_type", info.FilingType,
		"chars", info.DocumentLen,
		"chunks", info.ChunkCount,
		"truncated", info.Truncated,
	)
	return &info, nil
}

func contextChunks(used []models.ScoredChunk) []models.ContextChunk {
	out := make([]models.ContextChunk, len(used))
	for i, c := range used {
		out[i] = models.ContextChunk{
			ChunkID:         fmt.Sprintf("%s-%d", c.Chunk.DocumentID, c.Chunk.Ordinal),
			Content:         c.Chunk.Text,
			SimilarityScore: clamp01(c.Similarity),
			Start:           c.Chunk.Start,
			End:             c.Chunk.End,
		}
	}
	return out
}
