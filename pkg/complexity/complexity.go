// Package complexity scores task requests into coarse tiers used to pick
// provider capability.
package complexity

import (
	"fmt"
	"strings"

	"github.com/zen-systems/flowroute/pkg/task"
)

// Tier is the complexity level of a request. Providers advertise the
// highest tier they can serve.
type Tier int

const (
	Low Tier = iota + 1
	Medium
	High
)

func (t Tier) String() string {
	switch t {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier converts a config value to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium", "":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return 0, fmt.Errorf("unknown complexity tier %q", s)
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Score is the immutable classification of one request.
type Score struct {
	Tier       Tier     `json:"tier"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Analyzer classifies requests. It holds only read-only tables, so a single
// instance is safe for concurrent use.
type Analyzer struct {
	baselines  map[task.Type]Tier
	indicators []string
	shortLimit int
	longLimit  int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithBaseline overrides the baseline tier for a task type.
func WithBaseline(t task.Type, tier Tier) Option {
	return func(a *Analyzer) {
		a.baselines[t] = tier
	}
}

// WithIndicators replaces the indicator phrase list.
func WithIndicators(phrases []string) Option {
	return func(a *Analyzer) {
		a.indicators = nil
		for _, p := range phrases {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				a.indicators = append(a.indicators, p)
			}
		}
	}
}

// WithLengthBuckets sets the character thresholds separating low, medium
// and high length tiers.
func WithLengthBuckets(short, long int) Option {
	return func(a *Analyzer) {
		if short > 0 && long > short {
			a.shortLimit = short
			a.longLimit = long
		}
	}
}

// DefaultIndicators are phrases that push a request up one tier.
var DefaultIndicators = []string{
	"step-by-step",
	"step by step",
	"multi-file",
	"multiple files",
	"across files",
	"entire codebase",
	"whole repository",
	"long context",
	"full document",
	"prove",
	"in depth",
}

// New returns an Analyzer with the default tables.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		baselines: map[task.Type]Tier{
			task.TypeChat:      Low,
			task.TypeSummarize: Low,
			task.TypeCreative:  Medium,
			task.TypeCode:      Medium,
			task.TypeAnalysis:  High,
			task.TypeReasoning: High,
		},
		shortLimit: 200,
		longLimit:  2000,
	}
	WithIndicators(DefaultIndicators)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Classify scores a request. It is a pure function of the request input and
// task type.
func (a *Analyzer) Classify(req task.Request) Score {
	var reasons []string

	baseline, known := a.baselines[req.TaskType]
	if !known {
		baseline = Medium
		reasons = append(reasons, fmt.Sprintf("task_type %q unknown; baseline medium", req.TaskType))
	} else {
		reasons = append(reasons, fmt.Sprintf("task_type %s baseline %s", req.TaskType, baseline))
	}

	length := len(req.Input)
	lengthTier := a.lengthTier(length)
	reasons = append(reasons, fmt.Sprintf("length=%d tier %s", length, lengthTier))

	tier := baseline
	if lengthTier > tier {
		tier = lengthTier
	}

	matched := a.matchIndicators(req.Input)
	if len(matched) > 0 {
		bumped := tier + 1
		if bumped > High {
			bumped = High
		}
		reasons = append(reasons, fmt.Sprintf("indicators %s", strings.Join(matched, ", ")))
		tier = bumped
	}

	confidence := 0.5
	if known {
		confidence += 0.2
	}
	if lengthTier == baseline {
		confidence += 0.15
	}
	confidence += 0.05 * float64(minInt(len(matched), 3))
	if confidence > 1 {
		confidence = 1
	}

	return Score{Tier: tier, Confidence: confidence, Reasons: reasons}
}

func (a *Analyzer) lengthTier(n int) Tier {
	switch {
	case n < a.shortLimit:
		return Low
	case n < a.longLimit:
		return Medium
	default:
		return High
	}
}

func (a *Analyzer) matchIndicators(input string) []string {
	lower := strings.ToLower(input)
	var matched []string
	for _, phrase := range a.indicators {
		if containsPhrase(lower, phrase) {
			matched = append(matched, phrase)
		}
	}
	// Two or more fenced blocks read as a multi-file request.
	if strings.Count(input, "```") >= 4 {
		matched = append(matched, "multiple code blocks")
	}
	return matched
}

// containsPhrase reports whether phrase occurs in s on word boundaries.
func containsPhrase(s, phrase string) bool {
	offset := 0
	for {
		idx := strings.Index(s[offset:], phrase)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(phrase)
		if (start == 0 || !isWordChar(s[start-1])) && (end == len(s) || !isWordChar(s[end])) {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
