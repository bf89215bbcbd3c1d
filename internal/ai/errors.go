package ai

import (
	"context"
	"errors"
	"net"
	"net/http"

	genai "github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"filing-analyzer/internal/apperr"
)

// providerStatus reduces a provider error to an HTTP-like status code.
// Zero means the error carried no status (network failure, local bug).
func providerStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted:
			return http.StatusTooManyRequests
		case codes.Unauthenticated:
			return http.StatusUnauthorized
		case codes.PermissionDenied:
			return http.StatusForbidden
		case codes.DeadlineExceeded:
			return http.StatusGatewayTimeout
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return http.StatusBadRequest
		case codes.NotFound:
			return http.StatusNotFound
		case codes.Unavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return 0
}

// ClassifyGeneration maps a generation provider error onto the error taxonomy.
// The provider message is kept as the cause, never as the client message.
func ClassifyGeneration(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.Error{Kind: apperr.KindGenerationTimeout, Message: "language model did not respond in time", Err: err, Transient: true}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &apperr.Error{Kind: apperr.KindGeneration, Message: "language model is temporarily unavailable", Err: err, Transient: true}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return apperr.Wrap(apperr.KindGeneration, "language model refused to answer this question", err)
	}

	switch code := providerStatus(err); {
	case code == http.StatusTooManyRequests:
		return &apperr.Error{Kind: apperr.KindRateLimited, Message: "language model rate limit exceeded", Err: err, Transient: true}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.Wrap(apperr.KindGenerationAuth, "language model credentials were rejected", err)
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return &apperr.Error{Kind: apperr.KindGenerationTimeout, Message: "language model did not respond in time", Err: err, Transient: true}
	case code >= 500:
		return &apperr.Error{Kind: apperr.KindGeneration, Message: "language model request failed", Err: err, Transient: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &apperr.Error{Kind: apperr.KindGenerationTimeout, Message: "language model did not respond in time", Err: err, Transient: true}
	}
	return apperr.Wrap(apperr.KindGeneration, "language model request failed", err)
}

// ClassifyEmbedding maps an embedding provider error onto EmbeddingServiceError
// (or RateLimited), flagging timeouts, 429 and 5xx as transient.
func ClassifyEmbedding(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Embedding("embedding service timed out", err, true)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Embedding("embedding service is temporarily unavailable", err, true)
	}

	code := providerStatus(err)
	switch {
	case code == http.StatusTooManyRequests:
		return &apperr.Error{Kind: apperr.KindRateLimited, Message: "embedding service rate limit exceeded", Err: err, Transient: true}
	case code == http.StatusRequestTimeout || code >= 500:
		return apperr.Embedding("embedding service request failed", err, true)
	case code >= 400:
		return apperr.Embedding("embedding service rejected the request", err, false)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Embedding("embedding service could not be reached", err, true)
	}
	return apperr.Embedding("embedding service request failed", err, false)
}
