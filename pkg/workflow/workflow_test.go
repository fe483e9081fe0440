package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const digestYAML = `
id: daily-digest
name: Daily digest
trigger:
  type: schedule
  schedule: "0 8 * * 1-5"
steps:
  - name: fetch
    type: http-call
    config:
      method: GET
      url: https://example.com/feed
  - name: summarize
    type: invoke-model
    continue_on_error: true
    timeout: 45s
    config:
      prompt: "Summarize: {{.Steps.fetch.Output}}"
      task_type: summarize
      budget_tier: economy
  - name: announce
    type: notify
    config:
      channel: digest
      message: "{{.Steps.summarize.Output}}"
`

func TestStepDecodesTaggedConfig(t *testing.T) {
	var def Definition
	if err := yaml.Unmarshal([]byte(digestYAML), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !def.Trigger.Enabled {
		t.Fatalf("expected trigger enabled by default")
	}
	if len(def.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(def.Steps))
	}

	fetch := def.Steps[0]
	if fetch.Kind != StepHTTPCall || fetch.HTTPCall == nil || fetch.HTTPCall.URL != "https://example.com/feed" {
		t.Fatalf("unexpected http step: %+v", fetch)
	}
	if fetch.InvokeModel != nil || fetch.Notify != nil {
		t.Fatalf("only the matching config should be set")
	}

	summarize := def.Steps[1]
	if summarize.InvokeModel == nil || summarize.InvokeModel.TaskType != "summarize" {
		t.Fatalf("unexpected invoke step: %+v", summarize)
	}
	if !summarize.ContinueOnError || summarize.Timeout != 45*time.Second {
		t.Fatalf("step header not decoded: %+v", summarize)
	}

	if def.Steps[2].Notify == nil || def.Steps[2].Notify.Channel != "digest" {
		t.Fatalf("unexpected notify step: %+v", def.Steps[2])
	}
}

func TestStepRejectsUnknownKind(t *testing.T) {
	var def Definition
	err := yaml.Unmarshal([]byte(`
id: x
trigger: {type: manual}
steps:
  - name: s
    type: shell
    config: {cmd: ls}
`), &def)
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("expected unknown step type error, got %v", err)
	}
}

func TestStepRequiresConfig(t *testing.T) {
	var def Definition
	err := yaml.Unmarshal([]byte(`
id: x
trigger: {type: manual}
steps:
  - name: s
    type: notify
`), &def)
	if err == nil || !strings.Contains(err.Error(), "config is required") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestTriggerEnabledExplicitFalse(t *testing.T) {
	var spec TriggerSpec
	if err := yaml.Unmarshal([]byte("type: Webhook\ntoken: abc\nenabled: false\n"), &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if spec.Enabled || spec.Type != TriggerWebhook {
		t.Fatalf("unexpected trigger: %+v", spec)
	}
}

func notifyStep(name string) Step {
	return Step{Name: name, Kind: StepNotify, Notify: &NotifyStep{Message: "hi"}}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
		want string
	}{
		{"missing id", Definition{Trigger: TriggerSpec{Type: TriggerManual}, Steps: []Step{notifyStep("a")}}, "id is required"},
		{"no trigger", Definition{ID: "w", Steps: []Step{notifyStep("a")}}, "trigger type is required"},
		{"bad trigger", Definition{ID: "w", Trigger: TriggerSpec{Type: "cron"}, Steps: []Step{notifyStep("a")}}, "unknown trigger type"},
		{"schedule without expr", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerSchedule}, Steps: []Step{notifyStep("a")}}, "requires a schedule"},
		{"webhook without token", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerWebhook}, Steps: []Step{notifyStep("a")}}, "requires a token"},
		{"event without topic", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerEvent}, Steps: []Step{notifyStep("a")}}, "requires a topic"},
		{"no steps", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerManual}}, "at least one step"},
		{"duplicate step", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerManual}, Steps: []Step{notifyStep("a"), notifyStep("a")}}, "duplicate step name"},
		{"empty prompt", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerManual}, Steps: []Step{{Name: "a", Kind: StepInvokeModel, InvokeModel: &InvokeModelStep{}}}}, "prompt is required"},
		{"bad method", Definition{ID: "w", Trigger: TriggerSpec{Type: TriggerManual}, Steps: []Step{{Name: "a", Kind: StepHTTPCall, HTTPCall: &HTTPCallStep{URL: "http://x", Method: "TRACE"}}}}, "unsupported method"},
	}
	for _, tc := range cases {
		err := tc.def.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestStateMachine(t *testing.T) {
	if !CanTransition(StatePending, StateRunning) || !CanTransition(StateRunning, StateCompleted) {
		t.Fatalf("expected forward transitions to be legal")
	}
	for _, terminal := range []State{StateCompleted, StateFailed} {
		if !terminal.Terminal() {
			t.Fatalf("%s should be terminal", terminal)
		}
		for _, to := range []State{StatePending, StateRunning, StateCompleted, StateFailed} {
			if CanTransition(terminal, to) {
				t.Fatalf("no transition may leave %s", terminal)
			}
		}
	}
	if CanTransition(StatePending, StateCompleted) {
		t.Fatalf("pending cannot complete without running")
	}
}

func manual(id string) Definition {
	return Definition{ID: id, Trigger: TriggerSpec{Type: TriggerManual, Enabled: true}, Steps: []Step{notifyStep("a")}}
}

func TestMemoryStoreLookups(t *testing.T) {
	hook := manual("hook")
	hook.Trigger = TriggerSpec{Type: TriggerWebhook, Token: "tok", Enabled: true}
	ev1 := manual("ev1")
	ev1.Trigger = TriggerSpec{Type: TriggerEvent, Topic: "orders", Enabled: true}
	ev2 := manual("ev2")
	ev2.Trigger = TriggerSpec{Type: TriggerEvent, Topic: "orders", Enabled: false}
	sched := manual("sched")
	sched.Trigger = TriggerSpec{Type: TriggerSchedule, Schedule: "@hourly", Enabled: true}

	s, err := NewMemoryStore(hook, ev1, ev2, sched, manual("m"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if got, err := s.FindByWebhook("tok"); err != nil || got.ID != "hook" {
		t.Fatalf("webhook lookup: %v %v", got.ID, err)
	}
	if _, err := s.FindByWebhook("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := s.FindByTopic("orders"); len(got) != 1 || got[0].ID != "ev1" {
		t.Fatalf("expected only enabled subscriber, got %v", got)
	}
	if got := s.ListScheduled(); len(got) != 1 || got[0].ID != "sched" {
		t.Fatalf("unexpected scheduled list %v", got)
	}
	if got := s.List(); len(got) != 5 || got[0].ID != "ev1" {
		t.Fatalf("expected sorted list of 5, got %d", len(got))
	}

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.MarkFired("sched", at); err != nil {
		t.Fatalf("mark fired: %v", err)
	}
	if got, _ := s.Get("sched"); !got.Trigger.LastFiredAt.Equal(at) {
		t.Fatalf("last fired not recorded")
	}

	if err := s.DisableTrigger("hook", "revoked"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := s.FindByWebhook("tok"); !errors.Is(err, ErrTriggerDisabled) {
		t.Fatalf("expected ErrTriggerDisabled, got %v", err)
	}
	if err := s.DisableTrigger("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	if _, err := NewMemoryStore(manual("a"), manual("a")); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	h1, h2 := manual("h1"), manual("h2")
	h1.Trigger = TriggerSpec{Type: TriggerWebhook, Token: "same", Enabled: true}
	h2.Trigger = TriggerSpec{Type: TriggerWebhook, Token: "same", Enabled: true}
	if _, err := NewMemoryStore(h1, h2); err == nil {
		t.Fatalf("expected shared token error")
	}
}

func TestReplaceKeepsLastFired(t *testing.T) {
	sched := manual("sched")
	sched.Trigger = TriggerSpec{Type: TriggerSchedule, Schedule: "@hourly", Enabled: true}
	s, _ := NewMemoryStore(sched)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.MarkFired("sched", at)

	if err := s.Replace([]Definition{sched}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got, _ := s.Get("sched"); !got.Trigger.LastFiredAt.Equal(at) {
		t.Fatalf("reload should keep last fired time")
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "digest.yaml"), []byte(digestYAML), 0600); err != nil {
		t.Fatal(err)
	}
	list := `
workflows:
  - id: on-order
    trigger: {type: event, topic: orders}
    steps:
      - name: note
        type: notify
        config: {message: "order {{.Trigger.Payload.id}}"}
  - id: hook
    trigger: {type: webhook, token: s3cret}
    steps:
      - name: note
        type: notify
        config: {message: hi}
`
	if err := os.WriteFile(filepath.Join(dir, "more.yaml"), []byte(list), 0600); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitions(filepath.Join(dir, "*.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	if defs[0].ID != "daily-digest" || defs[1].ID != "on-order" || defs[1].Name != "on-order" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}

	if _, err := LoadDefinitions(filepath.Join(dir, "*.yml")); err == nil {
		t.Fatalf("expected error for pattern with no matches")
	}
}
