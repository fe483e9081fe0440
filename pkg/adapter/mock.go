package adapter

import (
	"context"
	"fmt"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	responses       map[string]string
	defaultResponse string
	Usage           *Usage
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockAdapter{responses: responses, defaultResponse: defaultResponse}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns a deterministic response for the prompt. Usage is
// estimated from text length unless a fixed Usage is set.
func (a *MockAdapter) Generate(_ context.Context, model string, req GenerateRequest) (*Response, error) {
	if model == "" {
		model = "mock-1"
	}
	content, ok := a.responses[req.Prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
	}
	usage := a.Usage
	if usage == nil {
		usage = newUsage(EstimateTokens(req.System+req.Prompt), EstimateTokens(content))
	}
	return &Response{Content: content, Adapter: a.Name(), Model: model, Usage: usage}, nil
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
