// Package action implements the external collaborators invoked by
// workflow steps.
package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxBody caps how much of a response body is kept as step output.
const DefaultMaxBody = 64 << 10

// Request is one outbound HTTP call.
type Request struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         string
	ExpectStatus []int
}

// Response is the captured result of a call.
type Response struct {
	Status int
	Body   string
}

// StatusError reports an unexpected response status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// HTTPCaller performs http-call steps.
type HTTPCaller struct {
	client  *http.Client
	maxBody int64
	logger  *slog.Logger
}

// HTTPOption configures an HTTPCaller.
type HTTPOption func(*HTTPCaller)

// WithHTTPClient sets the client used for calls.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPCaller) {
		h.client = c
	}
}

// WithMaxBody caps captured response bodies.
func WithMaxBody(n int64) HTTPOption {
	return func(h *HTTPCaller) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPCaller) {
		h.logger = l
	}
}

// NewHTTPCaller returns a caller with a 30s client timeout.
func NewHTTPCaller(opts ...HTTPOption) *HTTPCaller {
	h := &HTTPCaller{
		client:  &http.Client{Timeout: 30 * time.Second},
		maxBody: DefaultMaxBody,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Call sends req. Statuses outside ExpectStatus (or outside 2xx when
// ExpectStatus is empty) return a *StatusError with the captured body.
func (h *HTTPCaller) Call(ctx context.Context, req Request) (Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
		if req.Body != "" {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	out := Response{Status: resp.StatusCode, Body: string(data)}
	h.logger.Debug("action.http.completed", "method", method, "url", req.URL,
		"status", resp.StatusCode, "duration", time.Since(started))

	if !statusAccepted(resp.StatusCode, req.ExpectStatus) {
		return out, &StatusError{Status: resp.StatusCode, Body: truncate(out.Body, 256)}
	}
	return out, nil
}

func statusAccepted(status int, expect []int) bool {
	if len(expect) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range expect {
		if s == status {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
