package services

import (
	"context"
	"strings"
	"time"

	"filing-analyzer/internal/ai"
	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/logger"
	"filing-analyzer/internal/retry"
)

// Generator is the external language model.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts ai.GenerateOptions) (*ai.Generation, error)
	ModelName() string
}

type Answer struct {
	Text     string
	Model    string
	Attempts int
	// Truncated is set when the model stopped at the output token cap.
	Truncated bool
}

// AnswerSynthesizer calls the generator under the generation retry policy:
// one retry on timeout, a few backed-off retries on rate limiting and none
// for anything else.
type AnswerSynthesizer struct {
	generator   Generator
	policy      *retry.Policy
	temperature float32
	// maxResponseChars applies when a request doesn't set its own cap.
	maxResponseChars int
}

func NewAnswerSynthesizer(generator Generator, policy *retry.Policy, temperature float32, maxResponseChars int) *AnswerSynthesizer {
	if policy == nil {
		policy = retry.GenerationPolicy(3)
	}
	// Copy so a policy shared with other components keeps its own hook.
	p := *policy
	policy = &p
	if policy.OnRetry == nil {
		policy.OnRetry = func(kind apperr.Kind, n int, wait time.Duration, err error) {
			logger.Warn("Retrying generation", "kind", kind, "retry", n, "wait", wait.String(), "error", err)
		}
	}
	return &AnswerSynthesizer{
		generator:        generator,
		policy:           policy,
		temperature:      temperature,
		maxResponseChars: maxResponseChars,
	}
}

func (as *AnswerSynthesizer) ModelName() string { return as.generator.ModelName() }

// Synthesize returns the model's answer to prompt. maxResponseChars <= 0
// falls back to the configured default.
func (as *AnswerSynthesizer) Synthesize(ctx context.Context, prompt string, maxResponseChars int) (*Answer, error) {
	if maxResponseChars <= 0 {
		maxResponseChars = as.maxResponseChars
	}
	opts := ai.GenerateOptions{
		MaxOutputTokens: outputTokenCap(maxResponseChars),
		Temperature:     as.temperature,
	}

	var (
		gen      *ai.Generation
		attempts int
	)
	err := as.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		g, err := as.generator.Generate(ctx, prompt, opts)
		if err != nil {
			return classifyGenerateError(ctx, err)
		}
		if strings.TrimSpace(g.Text) == "" {
			return apperr.New(apperr.KindGeneration, "language model returned an empty answer")
		}
		gen = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	model := gen.Model
	if model == "" {
		model = as.generator.ModelName()
	}
	return &Answer{
		Text:      strings.TrimSpace(gen.Text),
		Model:     model,
		Attempts:  attempts,
		Truncated: isLengthStop(gen.FinishReason),
	}, nil
}

func classifyGenerateError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ai.ClassifyGeneration(ctx, err)
}

// outputTokenCap converts a character cap into an output token cap with
// headroom, since the character limit is an instruction, not a hard stop.
func outputTokenCap(chars int) int32 {
	if chars <= 0 {
		return 0
	}
	tokens := chars/3 + 64
	if tokens > 8192 {
		tokens = 8192
	}
	return int32(tokens)
}

func isLengthStop(reason string) bool {
	r := strings.ToLower(reason)
	return r == "length" || strings.Contains(r, "max_tokens") || strings.Contains(r, "maxtokens")
}
