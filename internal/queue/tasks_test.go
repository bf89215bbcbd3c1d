package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/models"
)

type stubIngester struct {
	err  error
	urls []string
}

func (s *stubIngester) Ingest(ctx context.Context, filingURL string) (*models.DocumentInfo, error) {
	s.urls = append(s.urls, filingURL)
	if s.err != nil {
		return nil, s.err
	}
	return &models.DocumentInfo{ID: "doc_1", ChunkCount: 12}, nil
}

const filingURL = "https://www.sec.gov/Archives/edgar/data/320193/000032019324000081/aapl-20240629.htm"

func TestNewIngestTaskPayload(t *testing.T) {
	task, err := NewIngestTask(filingURL, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, TaskIngestFiling, task.Type())

	var payload IngestPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, filingURL, payload.FilingURL)
	assert.Equal(t, "doc_1", payload.DocumentID)
	assert.False(t, payload.RequestedAt.IsZero())
}

func TestProcessIngestSuccess(t *testing.T) {
	ing := &stubIngester{}
	task, err := NewIngestTask(filingURL, "doc_1")
	require.NoError(t, err)

	require.NoError(t, NewTaskProcessor(ing).ProcessIngest(context.Background(), task))
	assert.Equal(t, []string{filingURL}, ing.urls)
}

func TestProcessIngestRetryClassification(t *testing.T) {
	task, err := NewIngestTask(filingURL, "doc_1")
	require.NoError(t, err)

	transient := &stubIngester{err: apperr.Fetch("filing host returned HTTP 503", nil, true)}
	err = NewTaskProcessor(transient).ProcessIngest(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	permanent := &stubIngester{err: apperr.Fetch("filing host returned HTTP 404", nil, false)}
	err = NewTaskProcessor(permanent).ProcessIngest(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessIngestRejectsBadPayload(t *testing.T) {
	ing := &stubIngester{}
	err := NewTaskProcessor(ing).ProcessIngest(context.Background(), asynq.NewTask(TaskIngestFiling, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = NewTaskProcessor(ing).ProcessIngest(context.Background(), asynq.NewTask(TaskIngestFiling, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, ing.urls)
}
