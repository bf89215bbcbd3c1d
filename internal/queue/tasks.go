package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/config"
	"filing-analyzer/internal/logger"
	"filing-analyzer/models"
)

const (
	TaskIngestFiling = "filing:ingest"

	QueueIngest = "ingest"
)

type IngestPayload struct {
	FilingURL   string    `json:"filing_url"`
	DocumentID  string    `json:"document_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewIngestTask builds an ingestion task keyed by document identity, so a
// filing already waiting in the queue is not enqueued twice.
func NewIngestTask(filingURL, docID string) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestPayload{
		FilingURL:   filingURL,
		DocumentID:  docID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestFiling,
		payload,
		asynq.TaskID("ingest:"+docID),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueIngest),
	), nil
}

// RedisConnOpt adapts the shared Redis settings for asynq.
func RedisConnOpt(cfg *config.Config) (asynq.RedisClientOpt, error) {
	opt, err := cfg.RedisOptions()
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// Enqueuer hands ingestion off to the worker process.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(opt asynq.RedisConnOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(opt)}
}

// EnqueueIngest schedules ingestion of docID. A task already queued for the
// same document counts as success.
func (e *Enqueuer) EnqueueIngest(ctx context.Context, filingURL, docID string) error {
	task, err := NewIngestTask(filingURL, docID)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.FromContext(ctx).Debug("Ingestion already queued", "doc_id", docID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue ingest task: %w", err)
	}
	logger.FromContext(ctx).Info("Ingestion queued", "doc_id", docID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// Ingester is the slice of the pipeline the worker needs.
type Ingester interface {
	Ingest(ctx context.Context, filingURL string) (*models.DocumentInfo, error)
}

// Task handlers
type TaskProcessor struct {
	ingester Ingester
}

func NewTaskProcessor(ingester Ingester) *TaskProcessor {
	return &TaskProcessor{ingester: ingester}
}

// ProcessIngest runs one ingestion. Permanent failures skip asynq's retries;
// transient ones are returned so the task is retried with backoff.
func (p *TaskProcessor) ProcessIngest(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	if payload.FilingURL == "" {
		return fmt.Errorf("payload has no filing_url: %w", asynq.SkipRetry)
	}

	ctx = logger.WithContext(ctx, "doc_id", payload.DocumentID, "task", t.Type())
	log := logger.FromContext(ctx)
	log.Info("Processing ingest task", "queued_for", time.Since(payload.RequestedAt).Round(time.Millisecond).String())

	info, err := p.ingester.Ingest(ctx, payload.FilingURL)
	if err != nil {
		if apperr.IsTransient(err) || apperr.KindOf(err) == apperr.KindCanceled {
			log.Warn("Ingest task failed, will retry", "error", err)
			return err
		}
		log.Error("Ingest task failed permanently", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log.Info("Ingest task completed", "chunks", info.ChunkCount)
	return nil
}
