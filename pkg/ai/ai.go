// Package ai wraps the LLM and embedding providers behind the two narrow
// capability sets the pipeline needs: schema-constrained extraction and batch
// text vectorization. Vendor error types never escape this package; every
// failure comes back classified as transient or permanent.
package ai

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
)

// Completion is the capability the extraction stage depends on.
type Completion interface {
	// ExtractStructured sends a system/user prompt pair with a single tool
	// whose parameters act as the response schema. It returns the raw
	// arguments of the matching tool call.
	ExtractStructured(ctx context.Context, systemPrompt, userPrompt string, tool openai.ChatCompletionToolParam) (json.RawMessage, error)
}

// EmbedResult is the outcome of vectorizing one batch of texts. Vectors keeps
// the same length and order as the input. Skipped marks entries whose input
// was empty; such vectors are zero-valued and must not be indexed.
type EmbedResult struct {
	Vectors [][]float32
	Skipped []bool
	ModelID string
	Err     error
}

// Embedder is the capability the embedding stage depends on.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) EmbedResult
	EmbedBatched(ctx context.Context, texts []string, batchSize int) []EmbedResult
	Dimension() int
	ModelID() string
}
