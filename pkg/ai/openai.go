package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/engramlabs/engram/pkg/memory"
)

// ServiceConfig controls the completion service behavior.
type ServiceConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxRetries  int
}

// Service talks to an OpenAI-compatible chat completion endpoint.
type Service struct {
	client      *openai.Client
	logger      *log.Logger
	model       string
	temperature float64
	maxRetries  int
}

var _ Completion = (*Service)(nil)

// NewService creates a completion service. Temperature defaults low so
// extraction output stays stable across replays.
func NewService(logger *log.Logger, cfg ServiceConfig) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		client:      &client,
		logger:      logger,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxRetries:  maxRetries,
	}, nil
}

// ExtractStructured implements the Completion capability. The tool's
// parameter schema constrains the model output; a response without the
// expected tool call is a schema violation and therefore permanent.
func (s *Service) ExtractStructured(ctx context.Context, systemPrompt, userPrompt string, tool openai.ChatCompletionToolParam) (json.RawMessage, error) {
	params := openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Tools:       []openai.ChatCompletionToolParam{tool},
		Temperature: param.NewOpt(s.temperature),
	}

	var message openai.ChatCompletionMessage
	operation := func() error {
		completion, err := s.client.Chat.Completions.New(ctx, params)
		if err != nil {
			classified := classifyProviderError("llm completion", err)
			if memory.IsTransient(classified) {
				return classified
			}
			return backoff.Permanent(classified)
		}
		if len(completion.Choices) == 0 {
			return backoff.Permanent(memory.Permanent("llm completion", fmt.Errorf("provider returned no choices")))
		}
		message = completion.Choices[0].Message
		return nil
	}

	if err := backoff.Retry(operation, retryPolicy(ctx, s.maxRetries)); err != nil {
		return nil, err
	}

	for _, toolCall := range message.ToolCalls {
		if toolCall.Function.Name != tool.Function.Name {
			s.logger.Debug("Skipping unexpected tool call", "name", toolCall.Function.Name)
			continue
		}
		raw := json.RawMessage(toolCall.Function.Arguments)
		if !json.Valid(raw) {
			return nil, memory.Permanent("llm completion", fmt.Errorf("tool call arguments are not valid JSON"))
		}
		return raw, nil
	}

	return nil, memory.Permanent("llm completion",
		fmt.Errorf("response contains no %s tool call", tool.Function.Name))
}
