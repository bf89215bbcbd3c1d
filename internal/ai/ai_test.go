package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"filing-analyzer/internal/apperr"
)

func TestClassifyGeneration(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		err       error
		kind      apperr.Kind
		transient bool
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), apperr.KindGenerationTimeout, true},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), apperr.KindRateLimited, true},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "bad key"), apperr.KindGenerationAuth, false},
		{"grpc permission", status.Error(codes.PermissionDenied, "nope"), apperr.KindGenerationAuth, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), apperr.KindGeneration, true},
		{"googleapi 429", &googleapi.Error{Code: 429}, apperr.KindRateLimited, true},
		{"googleapi 403", &googleapi.Error{Code: 403}, apperr.KindGenerationAuth, false},
		{"googleapi 400", &googleapi.Error{Code: 400}, apperr.KindGeneration, false},
		{"plain", errors.New("boom"), apperr.KindGeneration, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyGeneration(ctx, tc.err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Equal(t, tc.transient, apperr.IsTransient(err))
		})
	}
}

func TestClassifyGenerationKeepsCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ClassifyGeneration(ctx, context.Canceled)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))
}

func TestClassifyEmbedding(t *testing.T) {
	ctx := context.Background()

	err := ClassifyEmbedding(ctx, &googleapi.Error{Code: 503})
	assert.Equal(t, apperr.KindEmbedding, apperr.KindOf(err))
	assert.True(t, apperr.IsTransient(err))

	err = ClassifyEmbedding(ctx, &googleapi.Error{Code: 400})
	assert.Equal(t, apperr.KindEmbedding, apperr.KindOf(err))
	assert.False(t, apperr.IsTransient(err))

	err = ClassifyEmbedding(ctx, status.Error(codes.ResourceExhausted, "quota"))
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))

	err = ClassifyEmbedding(ctx, context.DeadlineExceeded)
	assert.True(t, apperr.IsTransient(err))
}

func TestTokenCounterWindow(t *testing.T) {
	now := time.Date(2024, 8, 2, 12, 0, 0, 0, time.UTC)
	tc := NewTokenCounter(RateLimits{RPM: 2, TPM: 100, RPD: 3})
	tc.now = func() time.Time { return now }
	tc.lastMinuteReset, tc.lastDayReset = now, now

	assert.True(t, tc.CanConsume(50, 1))
	tc.RecordUsage(50, 1)
	assert.False(t, tc.CanConsume(60, 1), "token budget exceeded")
	tc.RecordUsage(10, 1)
	assert.False(t, tc.CanConsume(1, 1), "request budget exceeded")

	now = now.Add(time.Minute)
	assert.True(t, tc.CanConsume(1, 1))
	tc.RecordUsage(1, 1)
	assert.False(t, tc.CanConsume(1, 1), "daily request budget exceeded")
}

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedderPreservesOrder(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)

		// Reply out of order; the adapter must reorder by index.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1,0]},
			{"object":"embedding","index":0,"embedding":[1,0,0]}],
			"usage":{"prompt_tokens":4,"total_tokens":4}}`)
	})

	e := NewOpenAIEmbedder("test-key", srv.URL+"/v1", "text-embedding-3-small", 3)
	vectors, err := e.EmbedBatch(context.Background(), []string{"revenue", "risk"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vectors)
}

func TestOpenAIEmbedderRateLimited(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	})

	e := NewOpenAIEmbedder("test-key", srv.URL+"/v1", "text-embedding-3-small", 3)
	_, err := e.EmbedBatch(context.Background(), []string{"revenue"})
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestOpenAIGenerator(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req struct {
			MaxTokens int `json:"max_tokens"`
			Messages  []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 256, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "What was revenue?", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  Revenue was $85.8 billion. "},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`)
	})

	g := NewOpenAIGenerator("test-key", srv.URL+"/v1", "gpt-4o-mini", 5*time.Second)
	gen, err := g.Generate(context.Background(), "What was revenue?", GenerateOptions{MaxOutputTokens: 256})
	require.NoError(t, err)
	assert.Equal(t, "Revenue was $85.8 billion.", gen.Text)
	assert.Equal(t, "stop", gen.FinishReason)
	assert.Equal(t, 12, gen.PromptTokens)
	assert.Equal(t, 7, gen.OutputTokens)
}

func TestOpenAIGeneratorAuthError(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	})

	g := NewOpenAIGenerator("bad-key", srv.URL+"/v1", "gpt-4o-mini", 5*time.Second)
	_, err := g.Generate(context.Background(), "What was revenue?", GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindGenerationAuth, apperr.KindOf(err))
	e, _ := apperr.As(err)
	assert.NotContains(t, e.Message, "Incorrect API key")
}
