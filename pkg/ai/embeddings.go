package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/samber/lo"

	"github.com/engramlabs/engram/pkg/memory"
)

// charsPerToken is the character-based approximation used to honor the
// provider's token budget without a tokenizer dependency.
const charsPerToken = 4

// embeddingsClient is the minimal provider surface, split out so tests can
// substitute a fake.
type embeddingsClient interface {
	Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error)
}

type openaiEmbeddings struct {
	client *openai.Client
}

func (c *openaiEmbeddings) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	})
	if err != nil {
		return nil, err
	}
	vectors := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) >= len(vectors) {
			return nil, fmt.Errorf("provider returned index %d for %d inputs", d.Index, len(inputs))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// EmbeddingConfig controls the embedding service behavior.
type EmbeddingConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	MaxInputTokens int
	MaxRetries     int
}

// EmbeddingService vectorizes text through an OpenAI-compatible endpoint with
// a fixed output dimension per instance.
type EmbeddingService struct {
	client        embeddingsClient
	logger        *log.Logger
	model         string
	dimensions    int
	maxInputChars int
	maxRetries    int
}

var _ Embedder = (*EmbeddingService)(nil)

// NewEmbeddingService creates an embedding service against the configured
// provider.
func NewEmbeddingService(logger *log.Logger, cfg EmbeddingConfig) (*EmbeddingService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	return newEmbeddingService(logger, &openaiEmbeddings{client: &client}, cfg)
}

func newEmbeddingService(logger *log.Logger, client embeddingsClient, cfg EmbeddingConfig) (*EmbeddingService, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	maxTokens := cfg.MaxInputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &EmbeddingService{
		client:        client,
		logger:        logger,
		model:         cfg.Model,
		dimensions:    cfg.Dimensions,
		maxInputChars: maxTokens * charsPerToken,
		maxRetries:    maxRetries,
	}, nil
}

// Dimension returns the fixed vector length this instance produces.
func (s *EmbeddingService) Dimension() int { return s.dimensions }

// ModelID returns the provider model tag stamped onto memories.
func (s *EmbeddingService) ModelID() string { return s.model }

// Truncate deterministically bounds a text to the provider's input budget.
// Truncation happens on rune boundaries so the same input always yields the
// same output.
func (s *EmbeddingService) Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= s.maxInputChars {
		return text
	}
	return string(runes[:s.maxInputChars])
}

// EmbedOne vectorizes a single text.
func (s *EmbeddingService) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	result := s.EmbedMany(ctx, []string{text})
	if result.Err != nil {
		return nil, result.Err
	}
	if result.Skipped[0] {
		return nil, memory.InvalidInput("embed one", fmt.Errorf("input text is empty"))
	}
	return result.Vectors[0], nil
}

// EmbedMany vectorizes one batch. Order is preserved; empty inputs come back
// as zero vectors with the Skipped flag set so callers do not index them.
// On provider failure the whole batch is flagged; no partial vectors are
// returned.
func (s *EmbeddingService) EmbedMany(ctx context.Context, texts []string) EmbedResult {
	result := EmbedResult{
		Vectors: make([][]float32, len(texts)),
		Skipped: make([]bool, len(texts)),
		ModelID: s.model,
	}

	// Collect non-empty inputs, remembering original positions.
	var inputs []string
	var positions []int
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			result.Skipped[i] = true
			result.Vectors[i] = make([]float32, s.dimensions)
			continue
		}
		inputs = append(inputs, s.Truncate(text))
		positions = append(positions, i)
	}

	if len(inputs) == 0 {
		return result
	}

	var vectors [][]float64
	operation := func() error {
		var err error
		vectors, err = s.client.Embeddings(ctx, inputs, s.model)
		if err != nil {
			classified := classifyProviderError("embeddings", err)
			if memory.IsTransient(classified) {
				return classified
			}
			return backoff.Permanent(classified)
		}
		return nil
	}
	if err := backoff.Retry(operation, retryPolicy(ctx, s.maxRetries)); err != nil {
		result.Err = err
		result.Vectors = nil
		return result
	}

	if len(vectors) != len(inputs) {
		result.Err = memory.Permanent("embeddings",
			fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(inputs)))
		result.Vectors = nil
		return result
	}

	for i, vec := range vectors {
		if len(vec) != s.dimensions {
			result.Err = memory.Permanent("embeddings",
				fmt.Errorf("provider returned dimension %d, expected %d", len(vec), s.dimensions))
			result.Vectors = nil
			return result
		}
		result.Vectors[positions[i]] = toFloat32(vec)
	}
	return result
}

// EmbedBatched splits texts into provider-sized batches and embeds each
// independently, so one failing batch does not poison the rest.
func (s *EmbeddingService) EmbedBatched(ctx context.Context, texts []string, batchSize int) []EmbedResult {
	if batchSize <= 0 {
		batchSize = 64
	}
	batches := lo.Chunk(texts, batchSize)
	results := make([]EmbedResult, 0, len(batches))
	for _, batch := range batches {
		results = append(results, s.EmbedMany(ctx, batch))
	}
	return results
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
