package main

import (
	"context"
	"log"
	"os"

	"github.com/hibiken/asynq"

	"filing-analyzer/internal/app"
	"filing-analyzer/internal/config"
	"filing-analyzer/internal/logger"
	"filing-analyzer/internal/queue"
	"filing-analyzer/internal/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	if !cfg.RedisEnabled() {
		logger.Error("REDIS_URL is required to run the ingestion worker")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracer(cfg)
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		shutdownTracer = func() {}
	}
	defer shutdownTracer()

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	redisOpt, err := queue.RedisConnOpt(cfg)
	if err != nil {
		logger.Error("Invalid Redis settings", "error", err)
		os.Exit(1)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queue.QueueIngest: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
			}),
			Logger: newAsynqLogger(),
		},
	)

	processor := queue.NewTaskProcessor(a.Pipeline)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskIngestFiling, processor.ProcessIngest)

	logger.Info("Starting ingestion worker",
		"concurrency", cfg.WorkerConcurrency,
		"queue", queue.QueueIngest,
		"redis", redisOpt.Addr,
	)

	// Run blocks until SIGTERM/SIGINT and drains in-flight tasks.
	if err := server.Run(mux); err != nil {
		logger.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
}
