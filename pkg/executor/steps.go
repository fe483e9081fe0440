package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zen-systems/flowroute/pkg/action"
	"github.com/zen-systems/flowroute/pkg/task"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// StepError is the failure of one step.
type StepError struct {
	Step string
	Kind workflow.StepKind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

var errNoCollaborator = errors.New("no collaborator configured")

// StepOutput is what later steps see of an earlier one.
type StepOutput struct {
	Output string
	Status workflow.StepStatus
	Error  string
}

// templateState is the data exposed to step templates.
type templateState struct {
	Workflow  workflow.Definition
	Execution string
	Trigger   workflow.TriggerContext
	Steps     map[string]StepOutput
}

func newTemplateState(def workflow.Definition, exec workflow.Execution) *templateState {
	return &templateState{
		Workflow:  def,
		Execution: exec.ID,
		Trigger:   exec.Trigger,
		Steps:     make(map[string]StepOutput),
	}
}

func (s *templateState) record(r workflow.StepResult) {
	s.Steps[r.Name] = StepOutput{Output: r.Output, Status: r.Status, Error: r.Error}
}

// render expands a step template against the payload and earlier outputs.
func (s *templateState) render(name, text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	data := map[string]any{
		"Trigger":   s.Trigger,
		"trigger":   s.Trigger,
		"Payload":   s.Trigger.Payload,
		"payload":   s.Trigger.Payload,
		"Steps":     s.Steps,
		"steps":     s.Steps,
		"Workflow":  s.Workflow,
		"Execution": s.Execution,
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return sb.String(), nil
}

func (e *Executor) runStep(ctx context.Context, def workflow.Definition, execID string, step workflow.Step, state *templateState) (workflow.StepResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "executor.step")
	span.SetAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("execution.id", execID),
		attribute.String("step.name", step.Name),
		attribute.String("step.kind", string(step.Kind)),
	)
	defer span.End()

	start := e.clock.Now()
	var (
		output string
		err    error
	)
	switch step.Kind {
	case workflow.StepInvokeModel:
		output, err = e.invokeModel(ctx, def, step, state)
	case workflow.StepHTTPCall:
		output, err = e.httpCall(ctx, step, state)
	case workflow.StepNotify:
		output, err = e.notify(ctx, def, execID, step, state)
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}
	end := e.clock.Now()

	result := workflow.StepResult{
		Name:            step.Name,
		Kind:            step.Kind,
		Status:          workflow.StepSucceeded,
		Output:          output,
		ContinueOnError: step.ContinueOnError,
		StartedAt:       start,
		EndedAt:         end,
	}
	var stepErr error
	if err != nil {
		stepErr = &StepError{Step: step.Name, Kind: step.Kind, Err: err}
		result.Status = workflow.StepFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.observer != nil {
		e.observer.StepFinished(step.Kind, result.Status, end.Sub(start))
	}
	return result, stepErr
}

func (e *Executor) invokeModel(ctx context.Context, def workflow.Definition, step workflow.Step, state *templateState) (string, error) {
	if e.router == nil {
		return "", fmt.Errorf("invoke-model: %w", errNoCollaborator)
	}
	cfg := step.InvokeModel
	prompt, err := state.render(step.Name+".prompt", cfg.Prompt)
	if err != nil {
		return "", err
	}
	system, err := state.render(step.Name+".system", cfg.System)
	if err != nil {
		return "", err
	}

	req := task.Request{
		Input:       prompt,
		System:      system,
		TaskType:    cfg.TaskType,
		Identity:    cfg.Identity,
		CallerTier:  cfg.CallerTier,
		BudgetTier:  cfg.BudgetTier,
		MaxUnitCost: cfg.MaxUnitCost,
		Override:    cfg.Override,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if req.TaskType == "" {
		req.TaskType = task.TypeChat
	}
	if req.Identity == "" {
		req.Identity = "workflow:" + def.ID
	}
	if req.CallerTier == "" {
		req.CallerTier = task.TierAuthenticated
	}

	res, err := e.router.Route(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func (e *Executor) httpCall(ctx context.Context, step workflow.Step, state *templateState) (string, error) {
	if e.http == nil {
		return "", fmt.Errorf("http-call: %w", errNoCollaborator)
	}
	cfg := step.HTTPCall
	url, err := state.render(step.Name+".url", cfg.URL)
	if err != nil {
		return "", err
	}
	body, err := state.render(step.Name+".body", cfg.Body)
	if err != nil {
		return "", err
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		rendered, err := state.render(step.Name+".header."+k, v)
		if err != nil {
			return "", err
		}
		headers[k] = rendered
	}

	resp, err := e.http.Call(ctx, action.Request{
		Method:       cfg.Method,
		URL:          url,
		Headers:      headers,
		Body:         body,
		ExpectStatus: cfg.ExpectStatus,
	})
	return resp.Body, err
}

func (e *Executor) notify(ctx context.Context, def workflow.Definition, execID string, step workflow.Step, state *templateState) (string, error) {
	cfg := step.Notify
	msg, err := state.render(step.Name+".message", cfg.Message)
	if err != nil {
		return "", err
	}
	err = e.notifier.Notify(ctx, action.Notification{
		Channel:     cfg.Channel,
		Message:     msg,
		WorkflowID:  def.ID,
		ExecutionID: execID,
		Step:        step.Name,
	})
	if err != nil {
		return "", err
	}
	return msg, nil
}
