package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Adapter   string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		if e.Status > 0 {
			return fmt.Sprintf("%s API error (status=%d): %v", e.Adapter, e.Status, e.Err)
		}
		return fmt.Sprintf("%s API error: %v", e.Adapter, e.Err)
	}
	return fmt.Sprintf("%s adapter error (status=%d)", e.Adapter, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether an error is likely to clear on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status == 429 || (adapterErr.Status >= 500 && adapterErr.Status <= 599) {
			return true
		}
	}
	return false
}

// StatusOf returns the provider HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Status
	}
	return 0
}

// wrapSDKError lifts the HTTP status out of each SDK's error type.
func wrapSDKError(name string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	var genaiErr genai.APIError
	switch {
	case errors.As(err, &anthropicErr):
		status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	case errors.As(err, &genaiErr):
		status = genaiErr.Code
	}
	return &AdapterError{Adapter: name, Status: status, Err: err}
}
