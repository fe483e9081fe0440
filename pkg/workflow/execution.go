package workflow

import (
	"time"
)

// State is the lifecycle state of an execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// TriggerContext describes what fired an execution.
type TriggerContext struct {
	Type    TriggerType    `json:"type"`
	Source  string         `json:"source,omitempty"` // topic, "scheduler" or caller
	Payload map[string]any `json:"payload,omitempty"`
	FiredAt time.Time      `json:"fired_at"`
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepResult is one entry in an execution's step log.
type StepResult struct {
	Name            string     `json:"name"`
	Kind            StepKind   `json:"kind"`
	Status          StepStatus `json:"status"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	ContinueOnError bool       `json:"continue_on_error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         time.Time  `json:"ended_at"`
}

// Execution is the record of one triggered run.
type Execution struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Trigger    TriggerContext `json:"trigger"`
	State      State          `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	EndedAt    time.Time      `json:"ended_at,omitempty"`
	Steps      []StepResult   `json:"steps"`
	Error      string         `json:"error,omitempty"`
	// PartialFailure is set when a continue-on-error step failed.
	PartialFailure bool `json:"partial_failure,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine.
func (e Execution) Clone() Execution {
	e.Steps = append([]StepResult(nil), e.Steps...)
	return e
}
