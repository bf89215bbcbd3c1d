package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/logger"
	"filing-analyzer/models"
	"filing-analyzer/services"
	"filing-analyzer/utils"
)

// FilingPipeline is what the HTTP layer needs from services.PipelineService.
type FilingPipeline interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisResponse, error)
	Ingest(ctx context.Context, filingURL string) (*models.DocumentInfo, error)
	Status(ctx context.Context, filingURL string) (models.IngestStatus, error)
	Invalidate(ctx context.Context, filingURL string) (string, error)
}

// IngestQueue hands ingestion to a background worker.
type IngestQueue interface {
	EnqueueIngest(ctx context.Context, filingURL, docID string) error
}

// HealthCheck probes one dependency; nil means healthy.
type HealthCheck func(ctx context.Context) error

type AnalyzerDeps struct {
	Pipeline FilingPipeline
	// Queue is optional. Without it ingestion runs in-process.
	Queue          IngestQueue
	Checks         map[string]HealthCheck
	ServiceName    string
	ServiceVersion string
	LLMModel       string
	EmbeddingModel string
}

func SetupAnalyzerRoutes(router *gin.Engine, deps AnalyzerDeps) {
	h := &analyzerHandler{deps: deps}

	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.GET("/health", h.health)
	api.POST("/analyze", h.analyze)
	api.GET("/supported-filings", supportedFilings)
	api.GET("/examples", examples)

	filings := api.Group("/filings")
	filings.POST("/ingest", h.ingest)
	filings.GET("/status", h.status)
	filings.DELETE("", h.invalidate)
}

type analyzerHandler struct {
	deps AnalyzerDeps
}

func (h *analyzerHandler) analyze(c *gin.Context) {
	var req models.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusUnprocessableEntity,
			string(apperr.KindValidation),
			"Invalid request data",
			gin.H{"error": err.Error()})
		return
	}

	resp, err := h.deps.Pipeline.Analyze(c.Request.Context(), req)
	if err != nil {
		utils.RespondWithAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ingest returns 200 when the filing is already indexed and 202 once
// ingestion has been scheduled.
func (h *analyzerHandler) ingest(c *gin.Context) {
	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithError(c, http.StatusUnprocessableEntity,
			string(apperr.KindValidation),
			"Invalid request data",
			gin.H{"error": err.Error()})
		return
	}

	st, err := h.deps.Pipeline.Status(c.Request.Context(), req.FilingURL)
	if err != nil {
		utils.RespondWithAppError(c, err)
		return
	}
	if st.State == string(services.IngestReady) || st.State == string(services.IngestPending) {
		code := http.StatusOK
		if st.State == string(services.IngestPending) {
			code = http.StatusAccepted
		}
		c.JSON(code, st)
		return
	}

	ctx := c.Request.Context()
	if h.deps.Queue != nil {
		if err := h.deps.Queue.EnqueueIngest(ctx, req.FilingURL, st.DocumentID); err != nil {
			logger.FromContext(ctx).Error("Failed to queue ingestion", "doc_id", st.DocumentID, "error", err)
			utils.RespondWithAppError(c, apperr.Wrap(apperr.KindInternal, "failed to schedule ingestion", err))
			return
		}
	} else {
		bg, cancel := utils.Detached(ctx, utils.BackgroundIngestTimeout)
		go func() {
			defer cancel()
			if _, err := h.deps.Pipeline.Ingest(bg, req.FilingURL); err != nil {
				logger.FromContext(bg).Warn("Background ingestion failed", "error", err)
			}
		}()
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": st.DocumentID,
		"state":       services.IngestPending,
		"message":     "Ingestion scheduled",
	})
}

func (h *analyzerHandler) status(c *gin.Context) {
	filingURL := c.Query("filing_url")
	if filingURL == "" {
		utils.RespondWithAppError(c, apperr.Validation("filing_url query parameter is required"))
		return
	}
	st, err := h.deps.Pipeline.Status(c.Request.Context(), filingURL)
	if err != nil {
		utils.RespondWithAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *analyzerHandler) invalidate(c *gin.Context) {
	filingURL := c.Query("filing_url")
	if filingURL == "" {
		utils.RespondWithAppError(c, apperr.Validation("filing_url query parameter is required"))
		return
	}
	docID, err := h.deps.Pipeline.Invalidate(c.Request.Context(), filingURL)
	if err != nil {
		utils.RespondWithAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": docID, "state": services.IngestAbsent})
}

func (h *analyzerHandler) health(c *gin.Context) {
	resp := models.HealthResponse{
		Status:  "healthy",
		Service: h.deps.ServiceName,
		Version: h.deps.ServiceVersion,
		AIProviders: map[string]string{
			"llm":        h.deps.LLMModel,
			"embeddings": h.deps.EmbeddingModel,
		},
		Timestamp: time.Now().UTC(),
	}

	code := http.StatusOK
	if len(h.deps.Checks) > 0 {
		resp.Components = make(map[string]string, len(h.deps.Checks))
		for name, check := range h.deps.Checks {
			ctx, cancel := utils.WithProbeTimeout(c.Request.Context())
			err := check(ctx)
			cancel()
			if err != nil {
				resp.Components[name] = "unhealthy"
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				logger.Warn("Health check failed", "component", name, "error", err)
				continue
			}
			resp.Components[name] = "healthy"
		}
	}
	c.JSON(code, resp)
}
