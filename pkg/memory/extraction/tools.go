package extraction

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/engramlabs/engram/pkg/memory"
)

// ExtractFactsToolName is the function name the model must call.
const ExtractFactsToolName = "EXTRACT_FACTS"

// extractedFact mirrors one item of the tool-call payload before validation.
type extractedFact struct {
	Fact       string  `json:"fact"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Topic      string  `json:"topic,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

// extractFactsArguments is the full tool-call payload.
type extractFactsArguments struct {
	Facts []extractedFact `json:"facts"`
}

func categoryEnum() []string {
	out := make([]string, 0, len(memory.Categories))
	for c := range memory.Categories {
		out = append(out, string(c))
	}
	return out
}

// ExtractFactsTool is the schema constraint handed to the LLM adapter.
var ExtractFactsTool = openai.ChatCompletionToolParam{
	Type: "function",
	Function: openai.FunctionDefinitionParam{
		Name: ExtractFactsToolName,
		Description: param.NewOpt(
			"Report the structured, memorable user facts extracted from the conversation. " +
				"Return an empty facts array when nothing durable was said.",
		),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]any{
				"facts": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"fact": map[string]any{
								"type":        "string",
								"description": "Short third-person statement about the user",
							},
							"category": map[string]any{
								"type":        "string",
								"enum":        categoryEnum(),
								"description": "Category of the fact",
							},
							"confidence": map[string]any{
								"type":        "number",
								"minimum":     0,
								"maximum":     1,
								"description": "How clearly the conversation supports the fact",
							},
							"topic": map[string]any{
								"type":        "string",
								"description": "Optional short topic tag",
							},
							"importance": map[string]any{
								"type":        "number",
								"minimum":     0,
								"maximum":     1,
								"description": "How much the fact should influence future interactions",
							},
						},
						"required":             []string{"fact", "category", "confidence"},
						"additionalProperties": false,
					},
					"description": "Extracted facts, highest confidence first",
				},
			},
			"required": []string{"facts"},
		},
	},
}
