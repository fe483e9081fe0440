package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekAdapter implements the Adapter interface for DeepSeek models.
// DeepSeek uses an OpenAI-compatible API format.
type DeepSeekAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type deepseekRequest struct {
	Model       string            `json:"model"`
	Messages    []deepseekMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
}

type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// DeepSeekOption configures a DeepSeekAdapter.
type DeepSeekOption func(*DeepSeekAdapter)

// WithDeepSeekBaseURL points the adapter at a compatible endpoint.
func WithDeepSeekBaseURL(url string) DeepSeekOption {
	return func(a *DeepSeekAdapter) {
		a.baseURL = strings.TrimRight(url, "/")
	}
}

// WithDeepSeekHTTPClient sets the HTTP client.
func WithDeepSeekHTTPClient(c *http.Client) DeepSeekOption {
	return func(a *DeepSeekAdapter) {
		a.httpClient = c
	}
}

// NewDeepSeekAdapter creates a new DeepSeek adapter.
func NewDeepSeekAdapter(apiKey string, opts ...DeepSeekOption) (*DeepSeekAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}

	a := &DeepSeekAdapter{
		apiKey:     apiKey,
		baseURL:    deepseekBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the adapter identifier.
func (a *DeepSeekAdapter) Name() string {
	return "deepseek"
}

// Models returns the list of supported DeepSeek models.
func (a *DeepSeekAdapter) Models() []string {
	return []string{
		"deepseek-chat",
		"deepseek-coder",
		"deepseek-reasoner",
	}
}

// Generate sends a prompt to DeepSeek.
func (a *DeepSeekAdapter) Generate(ctx context.Context, model string, req GenerateRequest) (*Response, error) {
	reqBody := deepseekRequest{
		Model:       model,
		MaxTokens:   req.maxTokens(),
		Temperature: req.Temperature,
	}
	if req.System != "" {
		reqBody.Messages = append(reqBody.Messages, deepseekMessage{Role: "system", Content: req.System})
	}
	reqBody.Messages = append(reqBody.Messages, deepseekMessage{Role: "user", Content: req.Prompt})

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &AdapterError{Adapter: a.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AdapterError{Adapter: a.Name(), Status: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &AdapterError{
			Adapter: a.Name(),
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
		}
	}

	var deepseekResp deepseekResponse
	if err := json.Unmarshal(body, &deepseekResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if deepseekResp.Error != nil {
		return nil, &AdapterError{
			Adapter: a.Name(),
			Status:  resp.StatusCode,
			Err: fmt.Errorf("%s (type: %s, code: %s)",
				deepseekResp.Error.Message, deepseekResp.Error.Type, deepseekResp.Error.Code),
		}
	}

	if len(deepseekResp.Choices) == 0 {
		return nil, fmt.Errorf("deepseek returned no choices")
	}

	return &Response{
		Content: deepseekResp.Choices[0].Message.Content,
		Adapter: a.Name(),
		Model:   model,
		Usage:   newUsage(deepseekResp.Usage.PromptTokens, deepseekResp.Usage.CompletionTokens),
	}, nil
}
