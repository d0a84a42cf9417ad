// Package config loads worker configuration from the environment, optionally
// seeded from a dotenv file passed on the command line.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every recognized option for the pipeline workers.
type Config struct {
	// Endpoints
	QueueURL      string
	QueueEmbedded bool
	RelationalURL string
	VectorURL     string
	VectorScheme  string
	SessionsURL   string

	// LLM provider
	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string
	LLMBaseURL     string
	LLMTimeout     time.Duration
	LLMMaxRetries  int
	LLMTemperature float64

	// Embedding provider
	EmbeddingProvider       string
	EmbeddingModel          string
	EmbeddingAPIKey         string
	EmbeddingBaseURL        string
	EmbeddingDimensions     int
	EmbeddingBatchSize      int
	EmbeddingMaxInputTokens int

	// Extraction
	ExtractionMinEvents     int
	ExtractionMaxFacts      int
	ExtractionMinConfidence float64
	ExtractionFewShot       bool

	// Consolidation
	ConsolidationMergeThreshold    float64
	ConsolidationConflictThreshold float64
	ConsolidationMergeStrategy     string
	ConsolidationConfidenceBoost   float64
	ConsolidationMaxBatch          int
	ConsolidationTriggerCount      int

	// Worker runtime
	WorkerName         string
	WorkerPrefetch     int
	WorkerConcurrency  int
	WorkerDrainTimeout time.Duration
	DeadLetterAfter    int
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// Load reads configuration from the environment. If configPath is non-empty
// it is loaded as a dotenv file first; already-set environment variables win.
func Load(configPath string) (*Config, error) {
	if configPath != "" {
		if err := godotenv.Load(configPath); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		QueueURL:      getEnv("ENGRAM_QUEUE_URL", "nats://127.0.0.1:4222"),
		QueueEmbedded: getEnvBool("ENGRAM_QUEUE_EMBEDDED", false),
		RelationalURL: getEnv("ENGRAM_RELATIONAL_URL", ""),
		VectorURL:     getEnv("ENGRAM_VECTOR_URL", "localhost:8080"),
		VectorScheme:  getEnv("ENGRAM_VECTOR_SCHEME", "http"),
		SessionsURL:   getEnv("ENGRAM_SESSIONS_URL", ""),

		LLMProvider: getEnv("ENGRAM_LLM_PROVIDER", "openai"),
		LLMModel:    getEnv("ENGRAM_LLM_MODEL", "gpt-4.1-mini"),
		LLMAPIKey:   getEnv("ENGRAM_LLM_API_KEY", ""),
		LLMBaseURL:  getEnv("ENGRAM_LLM_BASE_URL", "https://api.openai.com/v1"),

		EmbeddingProvider: getEnv("ENGRAM_EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:    getEnv("ENGRAM_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingAPIKey:   getEnv("ENGRAM_EMBEDDING_API_KEY", ""),
		EmbeddingBaseURL:  getEnv("ENGRAM_EMBEDDING_BASE_URL", "https://api.openai.com/v1"),

		ConsolidationMergeStrategy: getEnv("ENGRAM_CONSOLIDATION_MERGE_STRATEGY", "highest_confidence"),
		WorkerName:                 getEnv("ENGRAM_WORKER_NAME", defaultWorkerName()),
	}

	var err error
	intFields := []struct {
		dst *int
		key string
		def int
	}{
		{&cfg.LLMMaxRetries, "ENGRAM_LLM_MAX_RETRIES", 3},
		{&cfg.EmbeddingDimensions, "ENGRAM_EMBEDDING_DIMENSIONS", 1536},
		{&cfg.EmbeddingBatchSize, "ENGRAM_EMBEDDING_BATCH_SIZE", 64},
		{&cfg.EmbeddingMaxInputTokens, "ENGRAM_EMBEDDING_MAX_INPUT_TOKENS", 8192},
		{&cfg.ExtractionMinEvents, "ENGRAM_EXTRACTION_MIN_EVENTS", 2},
		{&cfg.ExtractionMaxFacts, "ENGRAM_EXTRACTION_MAX_FACTS", 20},
		{&cfg.ConsolidationMaxBatch, "ENGRAM_CONSOLIDATION_MAX_BATCH", 500},
		{&cfg.ConsolidationTriggerCount, "ENGRAM_CONSOLIDATION_TRIGGER_COUNT", 50},
		{&cfg.WorkerPrefetch, "ENGRAM_WORKER_PREFETCH", 8},
		{&cfg.WorkerConcurrency, "ENGRAM_WORKER_CONCURRENCY", 4},
		{&cfg.DeadLetterAfter, "ENGRAM_DEAD_LETTER_AFTER", 5},
	}
	for _, f := range intFields {
		if *f.dst, err = getEnvInt(f.key, f.def); err != nil {
			return nil, err
		}
	}

	floatFields := []struct {
		dst *float64
		key string
		def float64
	}{
		{&cfg.LLMTemperature, "ENGRAM_LLM_TEMPERATURE", 0.1},
		{&cfg.ExtractionMinConfidence, "ENGRAM_EXTRACTION_MIN_CONFIDENCE", 0.5},
		{&cfg.ConsolidationMergeThreshold, "ENGRAM_CONSOLIDATION_MERGE_THRESHOLD", 0.85},
		{&cfg.ConsolidationConflictThreshold, "ENGRAM_CONSOLIDATION_CONFLICT_THRESHOLD", 0.70},
		{&cfg.ConsolidationConfidenceBoost, "ENGRAM_CONSOLIDATION_CONFIDENCE_BOOST", 0.10},
	}
	for _, f := range floatFields {
		if *f.dst, err = getEnvFloat(f.key, f.def); err != nil {
			return nil, err
		}
	}

	llmTimeoutS, err := getEnvInt("ENGRAM_LLM_TIMEOUT_S", 60)
	if err != nil {
		return nil, err
	}
	cfg.LLMTimeout = time.Duration(llmTimeoutS) * time.Second

	drainS, err := getEnvInt("ENGRAM_WORKER_DRAIN_TIMEOUT_S", 30)
	if err != nil {
		return nil, err
	}
	cfg.WorkerDrainTimeout = time.Duration(drainS) * time.Second

	cfg.ExtractionFewShot = getEnvBool("ENGRAM_EXTRACTION_FEW_SHOT", true)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the documented ranges on every option.
func (c *Config) Validate() error {
	if c.RelationalURL == "" {
		return fmt.Errorf("ENGRAM_RELATIONAL_URL is required")
	}
	if c.SessionsURL == "" {
		return fmt.Errorf("ENGRAM_SESSIONS_URL is required")
	}
	if c.EmbeddingDimensions < 256 || c.EmbeddingDimensions > 3072 {
		return fmt.Errorf("embedding dimensions %d outside [256,3072]", c.EmbeddingDimensions)
	}
	if c.EmbeddingBatchSize < 1 || c.EmbeddingBatchSize > 2048 {
		return fmt.Errorf("embedding batch size %d outside [1,2048]", c.EmbeddingBatchSize)
	}
	for name, v := range map[string]float64{
		"merge threshold":    c.ConsolidationMergeThreshold,
		"conflict threshold": c.ConsolidationConflictThreshold,
		"confidence boost":   c.ConsolidationConfidenceBoost,
		"min confidence":     c.ExtractionMinConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.3f outside [0,1]", name, v)
		}
	}
	if c.ConsolidationConflictThreshold > c.ConsolidationMergeThreshold {
		return fmt.Errorf("conflict threshold %.2f exceeds merge threshold %.2f",
			c.ConsolidationConflictThreshold, c.ConsolidationMergeThreshold)
	}
	switch c.ConsolidationMergeStrategy {
	case "highest_confidence", "most_recent", "longest":
	default:
		return fmt.Errorf("unknown merge strategy %q", c.ConsolidationMergeStrategy)
	}
	if c.WorkerPrefetch < 1 {
		return fmt.Errorf("worker prefetch must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.DeadLetterAfter < 1 {
		return fmt.Errorf("dead letter after must be at least 1")
	}
	return nil
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil {
		return "engram-worker"
	}
	return "engram-" + host
}
