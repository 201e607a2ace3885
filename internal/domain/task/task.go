// Package task defines the task projection the workflow engine keeps in sync.
package task

import (
	"slices"
	"time"
)

// State represents where a task is in its lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateReview    State = "review"
	StateRework    State = "rework"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ActiveStates are the states in which a workflow execution may be in flight.
var ActiveStates = []State{StateAssigned, StateRunning, StateReview, StateRework}

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Active reports whether s is one of ActiveStates.
func (s State) Active() bool {
	return slices.Contains(ActiveStates, s)
}

// Error codes recorded on a task.
const (
	CodeEscalated  = "ESCALATED"
	CodeStepFailed = "STEP_FAILED"
	CodeDispatch   = "DISPATCH_FAILED"
	CodeTimeout    = "TIMEOUT"
	CodeBudget     = "BUDGET_EXCEEDED"
)

// ErrorInfo describes why a task needs attention.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Task is the persisted projection of a unit of work.
type Task struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	ThreadID        string     `json:"thread_id,omitempty"`
	Title           string     `json:"title,omitempty"`
	State           State      `json:"state"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	WorkflowID      string     `json:"workflow_id,omitempty"`
	WorkflowStepID  string     `json:"workflow_step_id,omitempty"`
	WorkflowVersion int        `json:"workflow_version,omitempty"`
	Error           *ErrorInfo `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// InWorkflow reports whether the task is bound to a workflow step.
func (t *Task) InWorkflow() bool {
	return t.WorkflowID != "" && t.WorkflowStepID != ""
}
