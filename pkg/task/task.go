// Package task defines the request value object shared by the router, the
// complexity analyzer and the workflow executor.
package task

import "strings"

// Type is the declared kind of work a request asks for.
type Type string

const (
	TypeChat      Type = "chat"
	TypeCode      Type = "code"
	TypeAnalysis  Type = "analysis"
	TypeSummarize Type = "summarize"
	TypeReasoning Type = "reasoning"
	TypeCreative  Type = "creative"
)

// KnownTypes lists the task types the analyzer has baselines for.
var KnownTypes = []Type{TypeChat, TypeCode, TypeAnalysis, TypeSummarize, TypeReasoning, TypeCreative}

// ParseType normalizes a user supplied task type. Unknown values are kept
// as-is so the analyzer can apply its default.
func ParseType(s string) Type {
	return Type(strings.ToLower(strings.TrimSpace(s)))
}

// CallerTier classifies the caller for throughput limits.
type CallerTier string

const (
	TierAnonymous     CallerTier = "anonymous"
	TierAuthenticated CallerTier = "authenticated"
	TierPremium       CallerTier = "premium"
)

// ParseCallerTier maps a header or config value to a tier. Empty and
// unknown values resolve to anonymous.
func ParseCallerTier(s string) CallerTier {
	switch CallerTier(strings.ToLower(strings.TrimSpace(s))) {
	case TierAuthenticated:
		return TierAuthenticated
	case TierPremium:
		return TierPremium
	default:
		return TierAnonymous
	}
}

// Valid reports whether t is one of the three known tiers.
func (t CallerTier) Valid() bool {
	return t == TierAnonymous || t == TierAuthenticated || t == TierPremium
}

// Request is one unit of work submitted to the router. It is created per
// call and never persisted.
type Request struct {
	Input      string     `json:"input"`
	System     string     `json:"system,omitempty"`
	TaskType   Type       `json:"task_type"`
	Identity   string     `json:"identity"`
	CallerTier CallerTier `json:"caller_tier"`

	// BudgetTier names a ceiling from the active pricing snapshot.
	BudgetTier string `json:"budget_tier,omitempty"`
	// MaxUnitCost overrides the tier ceiling when positive.
	MaxUnitCost float64 `json:"max_unit_cost,omitempty"`

	// Override is a provider id to try first.
	Override string `json:"override,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}
