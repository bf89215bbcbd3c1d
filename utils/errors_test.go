package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filing-analyzer/internal/apperr"
)

func TestStatusForKind(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:        http.StatusUnprocessableEntity,
		apperr.KindInvalidParameters: http.StatusUnprocessableEntity,
		apperr.KindFetch:             http.StatusBadRequest,
		apperr.KindEmbedding:         http.StatusBadGateway,
		apperr.KindIndex:             http.StatusInternalServerError,
		apperr.KindGenerationTimeout: http.StatusGatewayTimeout,
		apperr.KindRateLimited:       http.StatusTooManyRequests,
		apperr.KindGenerationAuth:    http.StatusInternalServerError,
		apperr.KindGeneration:        http.StatusBadGateway,
		apperr.KindContextTooLarge:   http.StatusInternalServerError,
		apperr.KindCanceled:          StatusClientClosedRequest,
		apperr.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusForKind(kind), kind)
	}
}

func respond(err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/analyze", nil)
	RespondWithAppError(c, err)
	return w
}

func TestRespondWithAppErrorCarriesStage(t *testing.T) {
	err := apperr.WithStage(&apperr.Error{Kind: apperr.KindRateLimited, Message: "provider rate limit exceeded", Transient: true}, "synthesizing")
	w := respond(err)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.ErrorCode)
	assert.Equal(t, "provider rate limit exceeded", body.Message)
	details := body.Details.(map[string]interface{})
	assert.Equal(t, "synthesizing", details["stage"])
	assert.Equal(t, true, details["retryable"])
}

func TestRespondWithAppErrorHidesUnclassifiedText(t *testing.T) {
	w := respond(errors.New("dial tcp 10.0.0.3:5432: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
	assert.Contains(t, w.Body.String(), `"error_code":"internal_error"`)
	assert.NotContains(t, w.Body.String(), "details")
}

func TestRespondWithAppErrorCanceled(t *testing.T) {
	w := respond(context.Canceled)
	assert.Equal(t, StatusClientClosedRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error_code":"canceled"`)
}
