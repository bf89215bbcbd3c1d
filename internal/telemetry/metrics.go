package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	TokensUsed          metric.Int64Counter
	FetchDuration       metric.Float64Histogram
	StageDuration       metric.Float64Histogram
	PipelineRuns        metric.Int64Counter
	Ingestions          metric.Int64Counter
	ConfidenceScore     metric.Float64Histogram
	CircuitBreakerState metric.Int64Counter
}

var (
	globalOnce    sync.Once
	globalMetrics *Metrics
)

// Global returns the process-wide metrics, creating them against the current
// meter provider on first use. Instruments fall back to no-ops if creation
// fails so callers never need a nil check.
func Global() *Metrics {
	globalOnce.Do(func() {
		m, err := InitMetrics()
		if err != nil {
			m = &Metrics{}
		}
		globalMetrics = m
	})
	return globalMetrics
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("filing-analyzer")

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	tokensUsed, err := meter.Int64Counter(
		"llm.tokens.used",
		metric.WithDescription("Total language model tokens used"),
	)
	if err != nil {
		return nil, err
	}

	fetchDuration, err := meter.Float64Histogram(
		"filing.fetch.duration",
		metric.WithDescription("Filing download and normalization duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Duration of each analysis pipeline stage in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pipelineRuns, err := meter.Int64Counter(
		"pipeline.runs.total",
		metric.WithDescription("Analysis pipeline runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	ingestions, err := meter.Int64Counter(
		"ingestion.attempts.total",
		metric.WithDescription("Filing ingestion attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	confidence, err := meter.Float64Histogram(
		"analysis.confidence",
		metric.WithDescription("Confidence score of produced answers"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		TokensUsed:          tokensUsed,
		FetchDuration:       fetchDuration,
		StageDuration:       stageDuration,
		PipelineRuns:        pipelineRuns,
		Ingestions:          ingestions,
		ConfidenceScore:     confidence,
		CircuitBreakerState: circuitBreakerState,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m.RequestCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordTokensUsed records language model token usage
func (m *Metrics) RecordTokensUsed(ctx context.Context, provider, direction string, tokens int64) {
	if m.TokensUsed == nil || tokens <= 0 {
		return
	}
	m.TokensUsed.Add(ctx, tokens, metric.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.direction", direction),
	))
}

func (m *Metrics) RecordFetch(ctx context.Context, duration float64, status string) {
	if m.FetchDuration == nil {
		return
	}
	m.FetchDuration.Record(ctx, duration, metric.WithAttributes(attribute.String("fetch.status", status)))
}

func (m *Metrics) RecordStage(ctx context.Context, stage string, duration float64, ok bool) {
	if m.StageDuration == nil {
		return
	}
	m.StageDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.String("pipeline.stage", stage),
		attribute.Bool("pipeline.success", ok),
	))
}

// RecordPipeline counts a finished analysis; kind is empty on success.
func (m *Metrics) RecordPipeline(ctx context.Context, kind string, cacheHit bool) {
	if m.PipelineRuns == nil {
		return
	}
	outcome := "success"
	if kind != "" {
		outcome = kind
	}
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.Bool("pipeline.cache_hit", cacheHit),
	))
}

func (m *Metrics) RecordIngestion(ctx context.Context, outcome string) {
	if m.Ingestions == nil {
		return
	}
	m.Ingestions.Add(ctx, 1, metric.WithAttributes(attribute.String("ingestion.outcome", outcome)))
}

func (m *Metrics) RecordConfidence(ctx context.Context, score float64) {
	if m.ConfidenceScore == nil {
		return
	}
	m.ConfidenceScore.Record(ctx, score)
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m.CircuitBreakerState == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
