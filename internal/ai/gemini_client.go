package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/logger"
)

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	// MaxOutputTokens caps the answer; zero leaves the provider default.
	MaxOutputTokens int32
	Temperature     float32
}

// Generation is the text produced for one prompt plus usage accounting.
type Generation struct {
	Text         string
	Model        string
	FinishReason string
	PromptTokens int
	OutputTokens int
}

type GeminiClient struct {
	breaker      *gobreaker.CircuitBreaker
	rateLimiter  *rate.Limiter
	tokenCounter *TokenCounter
	client       *genai.Client
	model        string
	timeout      time.Duration
	tier         string
}

type TokenCounter struct {
	mu              sync.Mutex
	limits          RateLimits
	minuteTokens    int
	dailyTokens     int
	minuteRequests  int
	dailyRequests   int
	lastMinuteReset time.Time
	lastDayReset    time.Time
	now             func() time.Time
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

// NewGeminiClient builds the Gemini generator. timeout bounds each call,
// including the wait for a rate limiter slot.
func NewGeminiClient(ctx context.Context, apiKey, model, tier string, timeout time.Duration) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	limits := getRateLimits(tier)

	return &GeminiClient{
		breaker:      newBreaker("GeminiAPI"),
		rateLimiter:  newLimiter(limits),
		tokenCounter: NewTokenCounter(limits),
		client:       client,
		model:        model,
		timeout:      timeout,
		tier:         tier,
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		// Client mistakes must not open the breaker for everyone else.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			e, ok := apperr.As(err)
			return ok && !e.Transient && e.Kind != apperr.KindGenerationAuth
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			recordBreakerState(name, to)
		},
	})
}

// RPM limit with some buffer
func newLimiter(limits RateLimits) *rate.Limiter {
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst)
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "free":
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

func (gc *GeminiClient) ModelName() string { return gc.model }

// Generate sends one prompt. Sampling is kept tight (temperature 0.1,
// top-p 0.8, top-k 40) since answers must stay close to the excerpts.
func (gc *GeminiClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.generate_content")
	defer span.End()

	if gc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gc.timeout)
		defer cancel()
	}

	// Estimate tokens BEFORE making request
	estimatedTokens := EstimateTokens(prompt)
	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", estimatedTokens),
		attribute.String("gemini.model", gc.model),
		attribute.Int("gemini.max_output_tokens", int(opts.MaxOutputTokens)),
	)

	if !gc.tokenCounter.CanConsume(estimatedTokens, 1) {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return nil, &apperr.Error{Kind: apperr.KindRateLimited, Message: "language model quota exhausted for this window", Transient: true}
	}

	if err := gc.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		if ctx.Err() != nil {
			return nil, ClassifyGeneration(ctx, ctx.Err())
		}
		return nil, &apperr.Error{Kind: apperr.KindRateLimited, Message: "language model rate limit exceeded", Err: err, Transient: true}
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.model)
		temperature := opts.Temperature
		if temperature <= 0 {
			temperature = 0.1
		}
		model.SetTemperature(temperature)
		model.SetTopP(0.8)
		model.SetTopK(40)
		if opts.MaxOutputTokens > 0 {
			model.SetMaxOutputTokens(opts.MaxOutputTokens)
		}

		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			span.SetAttributes(attribute.String("gemini.error_message", err.Error()))
			return nil, ClassifyGeneration(ctx, err)
		}
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		if errors.Is(err, gobreaker.ErrOpenState) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
		}
		return nil, ClassifyGeneration(ctx, err)
	}

	resp := result.(*genai.GenerateContentResponse)
	gen := &Generation{
		Text:  responseText(resp),
		Model: gc.model,
	}
	if len(resp.Candidates) > 0 {
		gen.FinishReason = resp.Candidates[0].FinishReason.String()
	}
	if resp.UsageMetadata != nil {
		gen.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		gen.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	actualTokens := extractTokenUsage(resp)
	gc.tokenCounter.RecordUsage(actualTokens, 1)
	recordTokens(ctx, "gemini", gen.PromptTokens, gen.OutputTokens)

	span.SetAttributes(
		attribute.Int("gemini.actual_tokens", actualTokens),
		attribute.String("gemini.finish_reason", gen.FinishReason),
		attribute.Bool("gemini.success", true),
	)
	return gen, nil
}

func NewTokenCounter(limits RateLimits) *TokenCounter {
	now := time.Now()
	return &TokenCounter{limits: limits, lastMinuteReset: now, lastDayReset: now, now: time.Now}
}

func (tc *TokenCounter) CanConsume(tokens, requests int) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()

	// Reset counters if time windows expired
	if now.Sub(tc.lastMinuteReset) >= time.Minute {
		tc.minuteTokens = 0
		tc.minuteRequests = 0
		tc.lastMinuteReset = now
	}

	if now.Sub(tc.lastDayReset) >= 24*time.Hour {
		tc.dailyTokens = 0
		tc.dailyRequests = 0
		tc.lastDayReset = now
	}

	if tc.minuteRequests+requests > tc.limits.RPM {
		return false
	}
	if tc.minuteTokens+tokens > tc.limits.TPM {
		return false
	}
	if tc.dailyRequests+requests > tc.limits.RPD {
		return false
	}

	return true
}

func (tc *TokenCounter) RecordUsage(tokens, requests int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.minuteTokens += tokens
	tc.minuteRequests += requests
	tc.dailyTokens += tokens
	tc.dailyRequests += requests
}

// EstimateTokens is the usual 4 characters per token approximation.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		// Only the first candidate is requested.
		break
	}
	return strings.TrimSpace(b.String())
}

// Extract token usage from Gemini response
func extractTokenUsage(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}
	return EstimateTokens(responseText(resp))
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
