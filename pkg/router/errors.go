package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/flowroute/pkg/task"
)

// Stable error codes exposed to callers.
const (
	CodeValidation         = "ValidationError"
	CodeRateLimited        = "RateLimited"
	CodeBudgetExceeded     = "BudgetExceeded"
	CodeAllProvidersFailed = "AllProvidersFailed"
	CodeUnavailable        = "Unavailable"
	CodeInternal           = "Internal"
)

// ValidationError rejects a malformed request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// RateLimitedError is returned when the caller's window is full.
type RateLimitedError struct {
	Identity   string
	Tier       task.CallerTier
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s (%s) exceeded %d requests, retry after %s",
		e.Identity, e.Tier, e.Limit, e.RetryAfter)
}

// BudgetExceededError means no candidate fits the caller's ceiling.
type BudgetExceededError struct {
	Ceiling  float64
	Cheapest float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: ceiling %.6f per unit, cheapest candidate %.6f", e.Ceiling, e.Cheapest)
}

// ProviderError records one failed dispatch attempt. It only surfaces
// inside AllProvidersFailedError.
type ProviderError struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model,omitempty"`
	Reason    string        `json:"reason"`
	Transient bool          `json:"transient"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AllProvidersFailedError lists every attempt of an exhausted fallback chain.
type AllProvidersFailedError struct {
	Attempts []ProviderError
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all providers failed: no candidate provider available"
	}
	reasons := make([]string, len(e.Attempts))
	for i := range e.Attempts {
		reasons[i] = e.Attempts[i].Error()
	}
	return fmt.Sprintf("all providers failed after %d attempts: %s", len(e.Attempts), strings.Join(reasons, "; "))
}

// Code maps an error to its stable code.
func Code(err error) string {
	var (
		validation *ValidationError
		limited    *RateLimitedError
		budget     *BudgetExceededError
		failed     *AllProvidersFailedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &limited):
		return CodeRateLimited
	case errors.As(err, &budget):
		return CodeBudgetExceeded
	case errors.As(err, &failed):
		return CodeAllProvidersFailed
	case errors.Is(err, ErrPoolClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
