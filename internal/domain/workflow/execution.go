package workflow

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable id for executions and dispatches.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Execution is the live state of one task moving through a workflow.
type Execution struct {
	ID              string    `json:"id"`
	WorkflowID      string    `json:"workflow_id"`
	WorkflowVersion int       `json:"workflow_version"`
	CurrentStepID   string    `json:"current_step_id"`
	TaskID          string    `json:"task_id"`
	RunID           string    `json:"run_id"`
	ThreadID        string    `json:"thread_id,omitempty"`
	ReworkCount     int       `json:"rework_count"`
	StartedAt       time.Time `json:"started_at"`
	AgentID         string    `json:"agent_id,omitempty"`
	DispatchedAt    time.Time `json:"dispatched_at,omitzero"`
	AwaitingReview  bool      `json:"awaiting_review,omitempty"`
}

// Dispatch is the work order handed to an agent runtime.
type Dispatch struct {
	ID                 string        `json:"id"`
	TaskID             string        `json:"task_id"`
	RunID              string        `json:"run_id"`
	ThreadID           string        `json:"thread_id,omitempty"`
	AgentID            string        `json:"agent_id"`
	WorkflowID         string        `json:"workflow_id,omitempty"`
	StepID             string        `json:"step_id,omitempty"`
	Action             string        `json:"action,omitempty"`
	ExpectedOutputType string        `json:"expected_output_type,omitempty"`
	RequiresReview     bool          `json:"requires_review,omitempty"`
	Attempt            int           `json:"attempt"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// EventKind names a workflow lifecycle event.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow_started"
	EventStepStarted       EventKind = "step_started"
	EventAwaitingReview    EventKind = "awaiting_review"
	EventWorkflowAdvanced  EventKind = "workflow_advanced"
	EventWorkflowComplete  EventKind = "workflow_complete"
	EventMaxReworkExceeded EventKind = "max_rework_exceeded"
	EventEscalated         EventKind = "escalated"
	EventWorkflowError     EventKind = "workflow_error"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
	EventBudgetExceeded    EventKind = "budget_exceeded"
)

// Event is the payload of every message the workflow engine records.
type Event struct {
	Kind        EventKind `json:"kind"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	StepID      string    `json:"step_id,omitempty"`
	NextStepID  string    `json:"next_step_id,omitempty"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Decision    Decision  `json:"decision,omitempty"`
	ReworkCount int       `json:"rework_count"`
	Reason      string    `json:"reason,omitempty"`
	Dispatch    *Dispatch `json:"dispatch,omitempty"`
}

// StartRequest names the task a workflow is started for.
type StartRequest struct {
	TaskID   string `json:"task_id"`
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Title    string `json:"title,omitempty"`
}
