package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets the two options Load refuses to default.
func setRequired(t *testing.T) {
	t.Setenv("ENGRAM_RELATIONAL_URL", "postgres://localhost:5432/engram?sslmode=disable")
	t.Setenv("ENGRAM_SESSIONS_URL", "http://localhost:9000")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.QueueURL)
	assert.False(t, cfg.QueueEmbedded)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 1536, cfg.EmbeddingDimensions)
	assert.Equal(t, 64, cfg.EmbeddingBatchSize)
	assert.Equal(t, 2, cfg.ExtractionMinEvents)
	assert.Equal(t, 20, cfg.ExtractionMaxFacts)
	assert.True(t, cfg.ExtractionFewShot)
	assert.InDelta(t, 0.85, cfg.ConsolidationMergeThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.ConsolidationConflictThreshold, 1e-9)
	assert.Equal(t, "highest_confidence", cfg.ConsolidationMergeStrategy)
	assert.Equal(t, 50, cfg.ConsolidationTriggerCount)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 5, cfg.DeadLetterAfter)
	assert.Equal(t, 30*time.Second, cfg.WorkerDrainTimeout)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ENGRAM_QUEUE_EMBEDDED", "true")
	t.Setenv("ENGRAM_LLM_MODEL", "gpt-4.1")
	t.Setenv("ENGRAM_LLM_TIMEOUT_S", "120")
	t.Setenv("ENGRAM_EMBEDDING_DIMENSIONS", "3072")
	t.Setenv("ENGRAM_CONSOLIDATION_MERGE_STRATEGY", "most_recent")
	t.Setenv("ENGRAM_WORKER_CONCURRENCY", "16")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.QueueEmbedded)
	assert.Equal(t, "gpt-4.1", cfg.LLMModel)
	assert.Equal(t, 2*time.Minute, cfg.LLMTimeout)
	assert.Equal(t, 3072, cfg.EmbeddingDimensions)
	assert.Equal(t, "most_recent", cfg.ConsolidationMergeStrategy)
	assert.Equal(t, 16, cfg.WorkerConcurrency)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("ENGRAM_WORKER_PREFETCH", "eight")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENGRAM_WORKER_PREFETCH")
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/engram.env")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		setRequired(t)
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing relational url", func(c *Config) { c.RelationalURL = "" }},
		{"missing sessions url", func(c *Config) { c.SessionsURL = "" }},
		{"dimensions too small", func(c *Config) { c.EmbeddingDimensions = 128 }},
		{"dimensions too large", func(c *Config) { c.EmbeddingDimensions = 4096 }},
		{"batch size zero", func(c *Config) { c.EmbeddingBatchSize = 0 }},
		{"merge threshold above one", func(c *Config) { c.ConsolidationMergeThreshold = 1.2 }},
		{"conflict above merge", func(c *Config) {
			c.ConsolidationConflictThreshold = 0.9
			c.ConsolidationMergeThreshold = 0.8
		}},
		{"unknown strategy", func(c *Config) { c.ConsolidationMergeStrategy = "newest" }},
		{"zero prefetch", func(c *Config) { c.WorkerPrefetch = 0 }},
		{"zero concurrency", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"zero dead letter after", func(c *Config) { c.DeadLetterAfter = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
