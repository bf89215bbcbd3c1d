package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filing-analyzer/internal/apperr"
)

type waitRecorder struct {
	waits []time.Duration
}

func (w *waitRecorder) sleep(_ context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	return nil
}

func TestGenerationTimeoutRetriedOnce(t *testing.T) {
	rec := &waitRecorder{}
	p := GenerationPolicy(3)
	p.Sleep = rec.sleep

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.New(apperr.KindGenerationTimeout, "timed out")
	})

	require.Error(t, err)
	assert.Equal(t, apperr.KindGenerationTimeout, apperr.KindOf(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, rec.waits)
}

func TestTimeoutThenSuccess(t *testing.T) {
	p := GenerationPolicy(3)
	p.Sleep = (&waitRecorder{}).sleep

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return apperr.New(apperr.KindGenerationTimeout, "timed out")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRateLimitedBackoffIsExponentialAndBounded(t *testing.T) {
	rec := &waitRecorder{}
	p := GenerationPolicy(3)
	p.Sleep = rec.sleep

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.New(apperr.KindRateLimited, "429")
	})

	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.waits)
}

func TestAuthErrorNeverRetried(t *testing.T) {
	p := GenerationPolicy(3)
	p.Sleep = (&waitRecorder{}).sleep

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.New(apperr.KindGenerationAuth, "bad key")
	})

	assert.Equal(t, apperr.KindGenerationAuth, apperr.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestTransientOnlyRule(t *testing.T) {
	p := EmbeddingPolicy(2)
	p.Sleep = (&waitRecorder{}).sleep

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.Embedding("bad input", nil, false)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.Embedding("503", nil, true)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	p := GenerationPolicy(5)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return apperr.New(apperr.KindRateLimited, "429")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestUnclassifiedErrorReturnedAsIs(t *testing.T) {
	p := GenerationPolicy(3)
	boom := errors.New("boom")

	err := p.Do(context.Background(), func(context.Context) error { return boom })
	assert.Same(t, boom, err)
}
