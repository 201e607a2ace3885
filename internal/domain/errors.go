// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation collides with existing state,
// e.g. a second workflow started for a task that already has one.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates malformed input. Concrete validation errors wrap it.
var ErrValidation = errors.New("validation failed")

// ErrAgentNotFound indicates an operation addressed an unregistered agent.
var ErrAgentNotFound = errors.New("agent not found")

// ErrWorkflowNotFound indicates an unknown workflow definition.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowEmpty indicates a workflow definition without steps.
var ErrWorkflowEmpty = errors.New("workflow has no steps")

// ErrStepNotFound indicates a step id that does not exist in its workflow.
var ErrStepNotFound = errors.New("workflow step not found")

// ErrNoExecution indicates there is no active workflow execution for a task.
var ErrNoExecution = errors.New("no active workflow execution")

// ErrSubscriberLagged is reported by a subscription that was dropped
// because its consumer did not keep up.
var ErrSubscriberLagged = errors.New("subscriber lagged behind and was dropped")
