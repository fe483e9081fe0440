// Package workflow defines automation workflows, their triggers and
// execution records.
package workflow

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/flowroute/pkg/task"
)

// TriggerType is the event class that starts an execution.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
	TriggerEvent    TriggerType = "event"
)

// TriggerSpec is the single trigger of a workflow.
type TriggerSpec struct {
	Type     TriggerType `yaml:"type" json:"type"`
	Schedule string      `yaml:"schedule,omitempty" json:"schedule,omitempty"` // cron expression
	Timezone string      `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Token    string      `yaml:"token,omitempty" json:"-"`
	Topic    string      `yaml:"topic,omitempty" json:"topic,omitempty"`
	Enabled  bool        `yaml:"enabled" json:"enabled"`

	// Maintained at runtime.
	LastFiredAt    time.Time `yaml:"-" json:"last_fired_at,omitempty"`
	DisabledReason string    `yaml:"-" json:"disabled_reason,omitempty"`
}

// UnmarshalYAML defaults Enabled to true when the key is absent.
func (t *TriggerSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type     TriggerType `yaml:"type"`
		Schedule string      `yaml:"schedule"`
		Timezone string      `yaml:"timezone"`
		Token    string      `yaml:"token"`
		Topic    string      `yaml:"topic"`
		Enabled  *bool       `yaml:"enabled"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*t = TriggerSpec{
		Type:     TriggerType(strings.ToLower(string(raw.Type))),
		Schedule: raw.Schedule,
		Timezone: raw.Timezone,
		Token:    raw.Token,
		Topic:    raw.Topic,
		Enabled:  raw.Enabled == nil || *raw.Enabled,
	}
	return nil
}

// StepKind is the closed set of action step types.
type StepKind string

const (
	StepInvokeModel StepKind = "invoke-model"
	StepHTTPCall    StepKind = "http-call"
	StepNotify      StepKind = "notify"
)

// InvokeModelStep routes a templated prompt through the model router.
type InvokeModelStep struct {
	Prompt      string          `yaml:"prompt" json:"prompt"`
	System      string          `yaml:"system,omitempty" json:"system,omitempty"`
	TaskType    task.Type       `yaml:"task_type,omitempty" json:"task_type,omitempty"`
	Identity    string          `yaml:"identity,omitempty" json:"identity,omitempty"`
	CallerTier  task.CallerTier `yaml:"caller_tier,omitempty" json:"caller_tier,omitempty"`
	BudgetTier  string          `yaml:"budget_tier,omitempty" json:"budget_tier,omitempty"`
	MaxUnitCost float64         `yaml:"max_unit_cost,omitempty" json:"max_unit_cost,omitempty"`
	Override    string          `yaml:"override,omitempty" json:"override,omitempty"`
	Temperature *float64        `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int             `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// HTTPCallStep calls an external endpoint.
type HTTPCallStep struct {
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
	// ExpectStatus lists accepted statuses. Empty accepts any 2xx.
	ExpectStatus []int `yaml:"expect_status,omitempty" json:"expect_status,omitempty"`
}

// NotifyStep sends a message through a notification channel.
type NotifyStep struct {
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Message string `yaml:"message" json:"message"`
}

// Step is one action in a workflow. Exactly one of the kind-specific
// fields is set, matching Kind.
type Step struct {
	Name            string        `json:"name"`
	Kind            StepKind      `json:"kind"`
	ContinueOnError bool          `json:"continue_on_error,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`

	InvokeModel *InvokeModelStep `json:"invoke_model,omitempty"`
	HTTPCall    *HTTPCallStep    `json:"http_call,omitempty"`
	Notify      *NotifyStep      `json:"notify,omitempty"`
}

// UnmarshalYAML decodes the step header, then its config block into the
// struct selected by the step type.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name            string        `yaml:"name"`
		Type            StepKind      `yaml:"type"`
		ContinueOnError bool          `yaml:"continue_on_error"`
		Timeout         time.Duration `yaml:"timeout"`
		Config          yaml.Node     `yaml:"config"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = Step{
		Name:            raw.Name,
		Kind:            raw.Type,
		ContinueOnError: raw.ContinueOnError,
		Timeout:         raw.Timeout,
	}

	hasConfig := raw.Config.Kind != 0
	var target any
	switch raw.Type {
	case StepInvokeModel:
		s.InvokeModel = &InvokeModelStep{}
		target = s.InvokeModel
	case StepHTTPCall:
		s.HTTPCall = &HTTPCallStep{}
		target = s.HTTPCall
	case StepNotify:
		s.Notify = &NotifyStep{}
		target = s.Notify
	default:
		return fmt.Errorf("step %q: unknown type %q", raw.Name, raw.Type)
	}
	if !hasConfig {
		return fmt.Errorf("step %q: config is required", raw.Name)
	}
	if err := raw.Config.Decode(target); err != nil {
		return fmt.Errorf("step %q: %w", raw.Name, err)
	}
	return nil
}

// Definition is a named workflow: one trigger and an ordered pipeline of
// steps.
type Definition struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     TriggerSpec `yaml:"trigger" json:"trigger"`
	Steps       []Step      `yaml:"steps" json:"steps"`
}

// Clone returns a copy that shares no mutable state with d.
func (d Definition) Clone() Definition {
	d.Steps = append([]Step(nil), d.Steps...)
	return d
}

// Validate checks a definition for structural errors. Cron expressions are
// not parsed here; a bad schedule disables the trigger at runtime.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}

	switch d.Trigger.Type {
	case TriggerSchedule:
		if strings.TrimSpace(d.Trigger.Schedule) == "" {
			return fmt.Errorf("workflow %s: schedule trigger requires a schedule", d.ID)
		}
	case TriggerWebhook:
		if d.Trigger.Token == "" {
			return fmt.Errorf("workflow %s: webhook trigger requires a token", d.ID)
		}
	case TriggerEvent:
		if d.Trigger.Topic == "" {
			return fmt.Errorf("workflow %s: event trigger requires a topic", d.ID)
		}
	case TriggerManual:
	case "":
		return fmt.Errorf("workflow %s: trigger type is required", d.ID)
	default:
		return fmt.Errorf("workflow %s: unknown trigger type %q", d.ID, d.Trigger.Type)
	}

	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s must define at least one step", d.ID)
	}
	seen := make(map[string]struct{})
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("workflow %s: step %d name is required", d.ID, i)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("workflow %s: duplicate step name: %s", d.ID, step.Name)
		}
		seen[step.Name] = struct{}{}
		if step.Timeout < 0 {
			return fmt.Errorf("workflow %s: step %s timeout must not be negative", d.ID, step.Name)
		}
		if err := step.validate(); err != nil {
			return fmt.Errorf("workflow %s: step %s: %w", d.ID, step.Name, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	switch s.Kind {
	case StepInvokeModel:
		if s.InvokeModel == nil {
			return fmt.Errorf("invoke-model config is required")
		}
		if strings.TrimSpace(s.InvokeModel.Prompt) == "" {
			return fmt.Errorf("prompt is required")
		}
	case StepHTTPCall:
		if s.HTTPCall == nil {
			return fmt.Errorf("http-call config is required")
		}
		if s.HTTPCall.URL == "" {
			return fmt.Errorf("url is required")
		}
		switch strings.ToUpper(s.HTTPCall.Method) {
		case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("unsupported method %q", s.HTTPCall.Method)
		}
	case StepNotify:
		if s.Notify == nil {
			return fmt.Errorf("notify config is required")
		}
		if s.Notify.Message == "" {
			return fmt.Errorf("message is required")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}
