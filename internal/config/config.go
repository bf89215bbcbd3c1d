package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is read once at startup and passed by pointer to every component.
// Nothing mutates it after LoadConfig returns.
type Config struct {
	Port        string
	GinMode     string
	CORSOrigins []string

	RateLimitReqs   int
	RateLimitWindow int

	// Generation
	LLMProvider       string // "google" (default), "openai"
	GeminiAPIKey      string
	GeminiModel       string
	GeminiTier        string
	OpenAIModel       string
	Temperature       float32
	GenerationTimeout time.Duration
	RateLimitRetries  int

	// Embeddings
	EmbeddingsProvider    string // "google" (default), "openai"
	GoogleEmbeddingsModel string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIEmbeddingsModel string
	VectorDimensions      int
	EmbedBatchSize        int
	EmbedConcurrency      int
	EmbedTimeout          time.Duration
	EmbedMaxRetries       int

	// Chunking and retrieval
	ChunkSize             int
	ChunkOverlap          int
	MaxChunks             int
	ChunkTruncationPolicy string // "warn" (default), "silent"
	TopK                  int
	MaxPromptChars        int
	MaxResponseLength     int

	// Fetching
	RequestTimeout     time.Duration
	MaxDocumentBytes   int64
	AllowedFilingHosts []string
	UserAgent          string

	// Ingestion cache and vector index
	IngestMaxAttempts  int
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	VectorDBPath       string
	CollectionName     string

	// Redis Configuration (optional, empty URL disables it)
	RedisURL         string
	RedisPassword    string
	RedisDB          int
	DocumentCacheTTL time.Duration

	// Worker
	WorkerConcurrency int

	// Telemetry
	OTLPEndpoint     string
	TraceSampleRatio float64
	ServiceName      string
	ServiceVersion   string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080")),
		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		LLMProvider:       getEnv("LLM_PROVIDER", "google"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTier:        getEnv("GEMINI_TIER", "free"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		Temperature:       float32(getEnvFloat64("GENERATION_TEMPERATURE", 0.1)),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
		RateLimitRetries:  getEnvInt("GENERATION_MAX_RATE_LIMIT_RETRIES", 3),

		EmbeddingsProvider:    getEnv("EMBEDDINGS_PROVIDER", "google"),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", ""),
		OpenAIEmbeddingsModel: getEnv("OPENAI_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		VectorDimensions:      getEnvInt("VECTOR_DIM", 768),
		EmbedBatchSize:        getEnvInt("EMBED_BATCH_SIZE", 100),
		EmbedConcurrency:      getEnvInt("EMBED_CONCURRENCY", 4),
		EmbedTimeout:          getEnvDuration("EMBED_TIMEOUT", 30*time.Second),
		EmbedMaxRetries:       getEnvInt("EMBED_MAX_RETRIES", 3),

		ChunkSize:             getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:          getEnvInt("CHUNK_OVERLAP", 200),
		MaxChunks:             getEnvInt("MAX_CHUNKS", 100),
		ChunkTruncationPolicy: strings.ToLower(getEnv("CHUNK_TRUNCATION_POLICY", "warn")),
		TopK:                  getEnvInt("TOP_K", 8),
		MaxPromptChars:        getEnvInt("MAX_PROMPT_CHARS", 24000),
		MaxResponseLength:     getEnvInt("MAX_RESPONSE_LENGTH", 4000),

		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxDocumentBytes:   getEnvInt64("MAX_DOCUMENT_BYTES", 50*1024*1024),
		AllowedFilingHosts: splitList(getEnv("ALLOWED_FILING_HOSTS", "sec.gov,www.sec.gov")),
		UserAgent:          getEnv("FETCH_USER_AGENT", "filing-analyzer/1.0 (admin@example.com)"),

		IngestMaxAttempts:  getEnvInt("INGEST_MAX_ATTEMPTS", 3),
		CacheTTL:           getEnvDuration("CACHE_TTL", 6*time.Hour),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		VectorDBPath:       getEnv("VECTOR_DB_PATH", "./vector_db/filings.db"),
		CollectionName:     getEnv("COLLECTION_NAME", "sec_filings"),

		RedisURL:         getEnv("REDIS_URL", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		DocumentCacheTTL: getEnvDuration("DOCUMENT_CACHE_TTL", 24*time.Hour),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),

		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat64("OTEL_TRACE_SAMPLE_RATIO", 0.1),
		ServiceName:      getEnv("SERVICE_NAME", "filing-analyzer"),
		ServiceVersion:   getEnv("SERVICE_VERSION", "1.0.0"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values LoadConfig cannot default its way out of.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "google", "":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER: %s", c.LLMProvider)
	}

	switch c.EmbeddingsProvider {
	case "google", "":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for google embeddings")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when EMBEDDINGS_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unknown EMBEDDINGS_PROVIDER: %s", c.EmbeddingsProvider)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.MaxChunks <= 0 {
		return fmt.Errorf("MAX_CHUNKS must be positive, got %d", c.MaxChunks)
	}
	if c.ChunkTruncationPolicy != "warn" && c.ChunkTruncationPolicy != "silent" {
		return fmt.Errorf("CHUNK_TRUNCATION_POLICY must be warn or silent, got %q", c.ChunkTruncationPolicy)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("TOP_K must be positive, got %d", c.TopK)
	}
	if c.MaxPromptChars <= 0 {
		return fmt.Errorf("MAX_PROMPT_CHARS must be positive, got %d", c.MaxPromptChars)
	}
	if c.EmbedBatchSize <= 0 || c.EmbedConcurrency <= 0 {
		return fmt.Errorf("EMBED_BATCH_SIZE and EMBED_CONCURRENCY must be positive")
	}
	if c.IngestMaxAttempts <= 0 {
		return fmt.Errorf("INGEST_MAX_ATTEMPTS must be positive, got %d", c.IngestMaxAttempts)
	}
	if len(c.AllowedFilingHosts) == 0 {
		return fmt.Errorf("ALLOWED_FILING_HOSTS must list at least one host")
	}
	return nil
}

// EmbeddingsModelName is the identifier reported back to API clients.
func (c *Config) EmbeddingsModelName() string {
	if c.EmbeddingsProvider == "openai" {
		return c.OpenAIEmbeddingsModel
	}
	return c.GoogleEmbeddingsModel
}

func (c *Config) LLMModelName() string {
	if c.LLMProvider == "openai" {
		return c.OpenAIModel
	}
	return c.GeminiModel
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
