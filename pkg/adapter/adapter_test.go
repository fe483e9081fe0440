package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMockAdapterResponses(t *testing.T) {
	a := NewMockAdapterWithResponses(map[string]string{"ping": "pong"}, "")

	resp, err := a.Generate(context.Background(), "", GenerateRequest{Prompt: "ping"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "pong" || resp.Model != "mock-1" || resp.Adapter != "mock" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("expected estimated usage, got %+v", resp.Usage)
	}

	resp, _ = a.Generate(context.Background(), "m", GenerateRequest{Prompt: "other"})
	if resp.Content != "mock response:\nother" {
		t.Fatalf("unexpected default content %q", resp.Content)
	}
}

func TestMockAdapterFixedUsage(t *testing.T) {
	a := NewMockAdapter()
	a.Usage = &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	resp, _ := a.Generate(context.Background(), "", GenerateRequest{Prompt: "x"})
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected fixed usage, got %+v", resp.Usage)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"net timeout", timeoutErr{}, true},
		{"429", &AdapterError{Status: 429}, true},
		{"503", &AdapterError{Status: 503}, true},
		{"400", &AdapterError{Status: 400}, false},
		{"temporary flag", &AdapterError{Temporary: true}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDeepSeekAdapter(t *testing.T) {
	var got deepseekRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key", WithDeepSeekBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewDeepSeekAdapter: %v", err)
	}
	temp := 0.2
	resp, err := a.Generate(context.Background(), "deepseek-chat", GenerateRequest{Prompt: "hello", System: "be brief", Temperature: &temp})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hi" || resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Temperature == nil || *got.Temperature != 0.2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected default max tokens, got %d", got.MaxTokens)
	}
}

func TestDeepSeekAdapterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	a, _ := NewDeepSeekAdapter("key", WithDeepSeekBaseURL(srv.URL))
	_, err := a.Generate(context.Background(), "deepseek-chat", GenerateRequest{Prompt: "hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if StatusOf(err) != http.StatusServiceUnavailable || !IsTransient(err) {
		t.Fatalf("expected transient 503, got %v", err)
	}
}

func TestConstructorsRequireKeys(t *testing.T) {
	if _, err := NewAnthropicAdapter(""); err == nil {
		t.Fatalf("anthropic: expected error")
	}
	if _, err := NewOpenAIAdapter(""); err == nil {
		t.Fatalf("openai: expected error")
	}
	if _, err := NewGoogleAdapter(""); err == nil {
		t.Fatalf("google: expected error")
	}
	if _, err := NewDeepSeekAdapter(""); err == nil {
		t.Fatalf("deepseek: expected error")
	}
}
