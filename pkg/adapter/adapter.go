package adapter

import "context"

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a request to the model and returns the full response.
	Generate(ctx context.Context, model string, req GenerateRequest) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// DefaultMaxTokens caps completions when the request does not.
const DefaultMaxTokens = 4096

// GenerateRequest carries the prompt and sampling parameters.
type GenerateRequest struct {
	Prompt      string
	System      string
	Temperature *float64
	MaxTokens   int
}

func (r GenerateRequest) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete provider reply. Adapters never return partial
// output, so a failed call leaves nothing for the caller to surface.
type Response struct {
	Content string `json:"content"`
	Adapter string `json:"adapter"`
	Model   string `json:"model"`
	Usage   *Usage `json:"usage,omitempty"`
}

func newUsage(prompt, completion int) *Usage {
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
