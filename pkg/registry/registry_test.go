package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/zen-systems/flowroute/pkg/complexity"
	"github.com/zen-systems/flowroute/pkg/task"
)

func testDescriptors() []Descriptor {
	return []Descriptor{
		{ID: "big", Adapter: "anthropic", Model: "opus", Capability: complexity.High, CostPerUnit: 15},
		{ID: "mid", Adapter: "openai", Model: "gpt", Capability: complexity.Medium, CostPerUnit: 3},
		{ID: "small", Adapter: "google", Model: "flash", Capability: complexity.Low, CostPerUnit: 0.5},
		{ID: "coder", Adapter: "deepseek", Model: "coder", Capability: complexity.High, CostPerUnit: 1,
			TaskTypes: []task.Type{task.TypeCode}},
	}
}

func ids(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListCandidatesOrdering(t *testing.T) {
	r, err := New(testDescriptors())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := ids(r.ListCandidates(task.TypeChat, complexity.Medium))
	want := []string{"mid", "big", "small"}
	if !equalIDs(got, want) {
		t.Fatalf("ListCandidates(chat, medium) = %v, want %v", got, want)
	}

	got = ids(r.ListCandidates(task.TypeCode, complexity.High))
	want = []string{"coder", "big", "small", "mid"}
	if !equalIDs(got, want) {
		t.Fatalf("ListCandidates(code, high) = %v, want %v", got, want)
	}
}

func TestListCandidatesHealthTieBreak(t *testing.T) {
	r, err := New([]Descriptor{
		{ID: "a", Capability: complexity.Medium, CostPerUnit: 1},
		{ID: "b", Capability: complexity.Medium, CostPerUnit: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = r.ReportOutcome("a", false)
	}

	got := ids(r.ListCandidates(task.TypeChat, complexity.Low))
	if !equalIDs(got, []string{"b", "a"}) {
		t.Fatalf("expected degraded provider last among equal cost, got %v", got)
	}
}

func TestThreeConsecutiveFailuresDegrade(t *testing.T) {
	r, _ := New(testDescriptors())

	for i := 0; i < 2; i++ {
		_ = r.ReportOutcome("mid", false)
	}
	if s, _ := r.Get("mid"); s.Health != Available {
		t.Fatalf("expected available after two failures, got %s", s.Health)
	}
	_ = r.ReportOutcome("mid", false)
	s, _ := r.Get("mid")
	if s.Health != Degraded {
		t.Fatalf("expected degraded after three failures, got %s", s.Health)
	}
	if s.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", s.ConsecutiveFailures)
	}
}

func TestSuccessRestoresAvailable(t *testing.T) {
	r, _ := New(testDescriptors())
	for i := 0; i < 3; i++ {
		_ = r.ReportOutcome("mid", false)
	}
	_ = r.ReportOutcome("mid", true)

	s, _ := r.Get("mid")
	if s.Health != Available || s.ConsecutiveFailures != 0 {
		t.Fatalf("expected optimistic recovery, got %+v", s)
	}
}

func TestSustainedFailureExhausts(t *testing.T) {
	var transitions []Health
	r, _ := New(testDescriptors(),
		WithPolicy(Policy{ConsecutiveFailures: 3, Window: 10, MinSamples: 5, ExhaustedBelow: 0.2}),
		WithTransitionHook(func(_ string, _, to Health) { transitions = append(transitions, to) }),
	)

	for i := 0; i < 5; i++ {
		_ = r.ReportOutcome("small", false)
	}

	s, _ := r.Get("small")
	if s.Health != Exhausted {
		t.Fatalf("expected exhausted, got %s", s.Health)
	}
	for _, c := range r.ListCandidates(task.TypeChat, complexity.Low) {
		if c.ID == "small" {
			t.Fatalf("exhausted provider must not be a candidate")
		}
	}
	if len(transitions) != 2 || transitions[0] != Degraded || transitions[1] != Exhausted {
		t.Fatalf("unexpected transitions: %v", transitions)
	}

	if err := r.Reload(testDescriptors()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if s, _ := r.Get("small"); s.Health != Available || s.Samples != 0 {
		t.Fatalf("expected reload to reset health, got %+v", s)
	}
}

func TestReportOutcomeUnknown(t *testing.T) {
	r, _ := New(testDescriptors())
	if err := r.ReportOutcome("ghost", true); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestReloadValidation(t *testing.T) {
	if _, err := New([]Descriptor{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := New([]Descriptor{{ID: ""}}); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := New([]Descriptor{{ID: "neg", CostPerUnit: -1}}); err == nil {
		t.Fatalf("expected negative cost error")
	}
}

func TestConcurrentReports(t *testing.T) {
	r, _ := New(testDescriptors(), WithPolicy(Policy{Window: 100, MinSamples: 100}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.ReportOutcome("big", true)
		}()
		go func() {
			defer wg.Done()
			_ = r.ReportOutcome("mid", true)
		}()
	}
	wg.Wait()

	for _, id := range []string{"big", "mid"} {
		s, _ := r.Get(id)
		if s.Samples != 50 || s.SuccessRate != 1 {
			t.Fatalf("%s: unexpected status %+v", id, s)
		}
	}
}

func TestSnapshotSorted(t *testing.T) {
	r, _ := New(testDescriptors())
	got := ids(r.Snapshot())
	want := []string{"big", "coder", "mid", "small"}
	if !equalIDs(got, want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
}
