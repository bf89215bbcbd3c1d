package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filing-analyzer/internal/ai"
	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/retry"
)

type fakeGenerator struct {
	mu      sync.Mutex
	errs    []error
	answer  string
	finish  string
	calls   int
	prompts []string
	opts    []ai.GenerateOptions
	delay   time.Duration
}

func (f *fakeGenerator) ModelName() string { return "fake-llm" }

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts ai.GenerateOptions) (*ai.Generation, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	answer := f.answer
	if answer == "" {
		answer = "Total net sales were $85.8 billion."
	}
	return &ai.Generation{Text: answer, Model: "fake-llm", FinishReason: f.finish}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) policy(p *retry.Policy) *retry.Policy {
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		r.mu.Lock()
		r.sleeps = append(r.sleeps, d)
		r.mu.Unlock()
		return nil
	}
	return p
}

func timeoutErr() error {
	return &apperr.Error{Kind: apperr.KindGenerationTimeout, Message: "timeout", Transient: true}
}

func rateLimitErr() error {
	return &apperr.Error{Kind: apperr.KindRateLimited, Message: "429", Transient: true}
}

func TestSynthesizeRetriesTimeoutOnce(t *testing.T) {
	var rec recordedSleeps
	gen := &fakeGenerator{errs: []error{timeoutErr()}}
	as := NewAnswerSynthesizer(gen, rec.policy(retry.GenerationPolicy(3)), 0.1, 4000)

	ans, err := as.Synthesize(context.Background(), "prompt", 0)
	require.NoError(t, err)
	assert.Equal(t, "Total net sales were $85.8 billion.", ans.Text)
	assert.Equal(t, 2, ans.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, rec.sleeps)
}

func TestSynthesizeSurfacesSecondTimeout(t *testing.T) {
	var rec recordedSleeps
	gen := &fakeGenerator{errs: []error{timeoutErr(), timeoutErr(), timeoutErr()}}
	as := NewAnswerSynthesizer(gen, rec.policy(retry.GenerationPolicy(3)), 0.1, 4000)

	_, err := as.Synthesize(context.Background(), "prompt", 0)
	assert.Equal(t, apperr.KindGenerationTimeout, apperr.KindOf(err))
	assert.Equal(t, 2, gen.callCount())
}

func TestSynthesizeBacksOffOnRateLimit(t *testing.T) {
	var rec recordedSleeps
	gen := &fakeGenerator{errs: []error{rateLimitErr(), rateLimitErr(), rateLimitErr(), rateLimitErr()}}
	as := NewAnswerSynthesizer(gen, rec.policy(retry.GenerationPolicy(3)), 0.1, 4000)

	_, err := as.Synthesize(context.Background(), "prompt", 0)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	assert.Equal(t, 4, gen.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.sleeps)
}

func TestSynthesizeNeverRetriesAuth(t *testing.T) {
	var rec recordedSleeps
	gen := &fakeGenerator{errs: []error{apperr.New(apperr.KindGenerationAuth, "bad key")}}
	as := NewAnswerSynthesizer(gen, rec.policy(retry.GenerationPolicy(3)), 0.1, 4000)

	_, err := as.Synthesize(context.Background(), "prompt", 0)
	assert.Equal(t, apperr.KindGenerationAuth, apperr.KindOf(err))
	assert.Equal(t, 1, gen.callCount())
	assert.Empty(t, rec.sleeps)
}

func TestSynthesizeRejectsEmptyAnswer(t *testing.T) {
	gen := &fakeGenerator{answer: "   "}
	as := NewAnswerSynthesizer(gen, nil, 0.1, 4000)

	_, err := as.Synthesize(context.Background(), "prompt", 0)
	assert.Equal(t, apperr.KindGeneration, apperr.KindOf(err))
}

func TestSynthesizeDerivesTokenCap(t *testing.T) {
	gen := &fakeGenerator{finish: "length"}
	as := NewAnswerSynthesizer(gen, nil, 0.1, 4000)

	ans, err := as.Synthesize(context.Background(), "prompt", 300)
	require.NoError(t, err)
	assert.True(t, ans.Truncated)
	assert.Equal(t, int32(164), gen.opts[0].MaxOutputTokens)
	assert.Equal(t, float32(0.1), gen.opts[0].Temperature)

	_, err = as.Synthesize(context.Background(), "prompt", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1397), gen.opts[1].MaxOutputTokens)
}

func TestSynthesizeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGenerator{delay: time.Second}
	as := NewAnswerSynthesizer(gen, nil, 0.1, 4000)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := as.Synthesize(ctx, "prompt", 0)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))
	assert.Equal(t, 1, gen.callCount())
}

func TestConstructorsDoNotMutateSharedPolicy(t *testing.T) {
	shared := noSleepPolicy(retry.GenerationPolicy(1))

	as := NewAnswerSynthesizer(&fakeGenerator{}, shared, 0.1, 4000)
	es := NewEmbeddingService(&fakeEmbedder{}, EmbeddingOptions{Policy: shared})

	assert.Nil(t, shared.OnRetry)
	assert.NotSame(t, shared, as.policy)
	assert.NotSame(t, shared, es.opts.Policy)
	assert.NotNil(t, as.policy.OnRetry)
	assert.NotNil(t, es.opts.Policy.OnRetry)
	assert.NotNil(t, as.policy.Sleep, "caller settings are kept")
}
