// Package workflow defines workflow definitions, executions and the events
// the workflow engine records.
package workflow

import (
	"errors"
	"fmt"
	"slices"
)

// Done is the terminal next-step target.
const Done = "done"

// Decision is the verdict on a finished step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Next maps decisions to the following step id or Done.
type Next struct {
	Approved string `json:"approved,omitempty" yaml:"approved"`
	Rejected string `json:"rejected,omitempty" yaml:"rejected"`
}

// Step is one stage of a workflow.
type Step struct {
	ID             string   `json:"id" yaml:"id"`
	Type           string   `json:"type,omitempty" yaml:"type"` // expected payload type of the step's result
	AgentRole      string   `json:"agent_role" yaml:"agent_role"`
	Requires       []string `json:"requires,omitempty" yaml:"requires"`
	Action         string   `json:"action,omitempty" yaml:"action"`
	RequiresReview bool     `json:"requires_review,omitempty" yaml:"requires_review"`
	ReviewerRole   string   `json:"reviewer_role,omitempty" yaml:"reviewer_role"`
	TimeoutSec     int      `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
	Next           Next     `json:"next" yaml:"next"`
}

// Policy bounds rework loops. Zero values fall back to engine defaults,
// so a definition cannot switch either check off. EscalateAfter is only
// looked at once MaxReworkCycles has been reached: an EscalateAfter below
// MaxReworkCycles escalates at MaxReworkCycles.
type Policy struct {
	MaxReworkCycles int `json:"max_rework_cycles,omitempty" yaml:"max_rework_cycles"`
	EscalateAfter   int `json:"escalate_after,omitempty" yaml:"escalate_after"`
}

// Definition is an immutable, versioned workflow.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Version     int    `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description"`
	Steps       []Step `json:"steps" yaml:"steps"`
	Policy      Policy `json:"policy" yaml:"policy"`
}

var (
	ErrNameRequired      = errors.New("workflow name is required")
	ErrStepIDRequired    = errors.New("step id is required")
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrStepRoleRequired  = errors.New("step agent_role is required")
	ErrUnknownNextTarget = errors.New("next target does not name a step")
	ErrNegativePolicy    = errors.New("policy values must be >= 0")
)

// Validate checks the definition for structural correctness. An empty step
// list is not rejected here; starting such a workflow fails instead.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return ErrNameRequired
	}
	if d.Policy.MaxReworkCycles < 0 || d.Policy.EscalateAfter < 0 {
		return ErrNegativePolicy
	}
	ids := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepIDRequired)
		}
		if s.ID == Done || ids[s.ID] {
			return fmt.Errorf("step %q: %w", s.ID, ErrDuplicateStep)
		}
		if s.AgentRole == "" {
			return fmt.Errorf("step %q: %w", s.ID, ErrStepRoleRequired)
		}
		ids[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, target := range []string{s.Next.Approved, s.Next.Rejected} {
			if target != "" && target != Done && !ids[target] {
				return fmt.Errorf("step %q next %q: %w", s.ID, target, ErrUnknownNextTarget)
			}
		}
	}
	return nil
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	i := slices.IndexFunc(d.Steps, func(s Step) bool { return s.ID == id })
	if i < 0 {
		return nil, false
	}
	return &d.Steps[i], true
}

// NextStepID resolves the target for decision on step id. A missing
// approved target means the following step, or Done after the last step.
// A missing rejected target means the same step again.
func (d *Definition) NextStepID(id string, decision Decision) string {
	i := slices.IndexFunc(d.Steps, func(s Step) bool { return s.ID == id })
	if i < 0 {
		return ""
	}
	s := d.Steps[i]
	switch decision {
	case DecisionRejected:
		if s.Next.Rejected != "" {
			return s.Next.Rejected
		}
		return s.ID
	default:
		if s.Next.Approved != "" {
			return s.Next.Approved
		}
		if i+1 < len(d.Steps) {
			return d.Steps[i+1].ID
		}
		return Done
	}
}

// Error is a workflow-level failure with its workflow and step context.
type Error struct {
	WorkflowID string
	StepID     string
	TaskID     string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workflow %s step %s task %s: %v", e.WorkflowID, e.StepID, e.TaskID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
