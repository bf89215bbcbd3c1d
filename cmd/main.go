package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"filing-analyzer/internal/app"
	"filing-analyzer/internal/config"
	"filing-analyzer/internal/logger"
	"filing-analyzer/internal/queue"
	"filing-analyzer/internal/scheduler"
	"filing-analyzer/internal/telemetry"
	"filing-analyzer/middleware"
	"filing-analyzer/routes"
)

// Request bodies are small JSON documents.
const maxRequestBytes = 64 << 10

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg)
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		shutdownTracer = func() {}
	}
	defer shutdownTracer()
	metrics := telemetry.Global()

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	sched := scheduler.NewScheduler()
	if err := sched.ScheduleCacheSweep(cfg.CacheSweepInterval, a.Cache); err != nil {
		logger.Error("Failed to schedule cache sweep", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	deps := routes.AnalyzerDeps{
		Pipeline:       a.Pipeline,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		LLMModel:       a.LLMModel(),
		EmbeddingModel: a.EmbeddingModel(),
		Checks: map[string]routes.HealthCheck{
			"vector_index": a.Index.Ping,
		},
	}
	if a.Redis != nil {
		deps.Checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }

		redisOpt, err := queue.RedisConnOpt(cfg)
		if err != nil {
			logger.Error("Invalid Redis settings for ingest queue", "error", err)
			os.Exit(1)
		}
		enqueuer := queue.NewEnqueuer(redisOpt)
		defer enqueuer.Close()
		deps.Queue = enqueuer
	}

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddlewareWithOrigins(cfg.CORSOrigins))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.RequestSizeLimit(maxRequestBytes))
	router.Use(middleware.RateLimitMiddleware(a.Redis, cfg))

	routes.SetupAnalyzerRoutes(router, deps)

	// Create HTTP server. WriteTimeout leaves room for a cold ingestion plus
	// generation retries.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 2*cfg.GenerationTimeout + time.Minute,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
