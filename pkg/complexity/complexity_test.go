package complexity

import (
	"reflect"
	"strings"
	"testing"

	"github.com/zen-systems/flowroute/pkg/task"
)

func TestClassifyBaselines(t *testing.T) {
	a := New()
	tests := []struct {
		name     string
		req      task.Request
		expected Tier
	}{
		{"short chat", task.Request{Input: "hello there", TaskType: task.TypeChat}, Low},
		{"short code", task.Request{Input: "reverse a list", TaskType: task.TypeCode}, Medium},
		{"short analysis", task.Request{Input: "compare these", TaskType: task.TypeAnalysis}, High},
		{"unknown type", task.Request{Input: "hi", TaskType: "poetry-slam"}, Medium},
		{"empty type", task.Request{Input: "hi"}, Medium},
		{"long chat", task.Request{Input: strings.Repeat("a", 2500), TaskType: task.TypeChat}, High},
		{"medium chat", task.Request{Input: strings.Repeat("word ", 100), TaskType: task.TypeChat}, Medium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := a.Classify(tt.req)
			if score.Tier != tt.expected {
				t.Errorf("Classify() tier = %s, want %s (reasons: %v)", score.Tier, tt.expected, score.Reasons)
			}
		})
	}
}

func TestClassifyIndicatorBumpsOneLevel(t *testing.T) {
	a := New()

	score := a.Classify(task.Request{Input: "Explain step-by-step how DNS works", TaskType: task.TypeChat})
	if score.Tier != Medium {
		t.Fatalf("expected medium after bump, got %s", score.Tier)
	}

	score = a.Classify(task.Request{Input: "refactor across files and walk me through it step by step", TaskType: task.TypeCode})
	if score.Tier != High {
		t.Fatalf("expected high, got %s", score.Tier)
	}
}

func TestClassifyIndicatorCappedAtHigh(t *testing.T) {
	a := New()
	score := a.Classify(task.Request{Input: "prove this step by step", TaskType: task.TypeReasoning})
	if score.Tier != High {
		t.Fatalf("expected high cap, got %s", score.Tier)
	}
}

func TestClassifyIndicatorWordBoundary(t *testing.T) {
	a := New()
	score := a.Classify(task.Request{Input: "how do I improve my essay", TaskType: task.TypeChat})
	if score.Tier != Low {
		t.Fatalf("expected low (no indicator inside 'improve'), got %s", score.Tier)
	}
}

func TestClassifyCodeBlocksCountAsMultiFile(t *testing.T) {
	a := New()
	input := "```go\npackage a\n```\n```go\npackage b\n```"
	score := a.Classify(task.Request{Input: input, TaskType: task.TypeChat})
	if score.Tier != Medium {
		t.Fatalf("expected medium, got %s", score.Tier)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	a := New()
	req := task.Request{Input: "Summarize the full document below in depth", TaskType: task.TypeSummarize}
	first := a.Classify(req)
	for i := 0; i < 10; i++ {
		if got := a.Classify(req); !reflect.DeepEqual(got, first) {
			t.Fatalf("classification changed between runs: %+v vs %+v", got, first)
		}
	}
}

func TestClassifyConfidence(t *testing.T) {
	a := New()
	known := a.Classify(task.Request{Input: "hi", TaskType: task.TypeChat})
	unknown := a.Classify(task.Request{Input: "hi", TaskType: "mystery"})
	if known.Confidence <= unknown.Confidence {
		t.Fatalf("expected known type to be more confident: %.2f vs %.2f", known.Confidence, unknown.Confidence)
	}
	if known.Confidence > 1 || unknown.Confidence < 0 {
		t.Fatalf("confidence out of range")
	}
}

func TestOptions(t *testing.T) {
	a := New(
		WithBaseline(task.TypeChat, High),
		WithIndicators([]string{"urgent"}),
		WithLengthBuckets(10, 20),
	)
	if got := a.Classify(task.Request{Input: "hi", TaskType: task.TypeChat}).Tier; got != High {
		t.Fatalf("baseline override ignored: %s", got)
	}
	if got := a.Classify(task.Request{Input: "step by step", TaskType: task.TypeSummarize}).Tier; got != Medium {
		t.Fatalf("expected length bucket medium without default indicators, got %s", got)
	}
	if got := a.Classify(task.Request{Input: "urgent", TaskType: task.TypeSummarize}).Tier; got != Medium {
		t.Fatalf("custom indicator ignored: %s", got)
	}
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"low": Low, "MEDIUM": Medium, "": Medium, " high ": High} {
		got, err := ParseTier(in)
		if err != nil || got != want {
			t.Fatalf("ParseTier(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseTier("extreme"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}
