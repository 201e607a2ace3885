package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	cfotel "github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/agent"
	"github.com/Strob0t/Conductor/internal/domain/contract"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/domain/workflow"
	"github.com/Strob0t/Conductor/internal/port/dispatch"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

// WorkflowEngine drives one execution per task through the steps of a
// workflow definition. Operations on the same task are serialized; the
// execution map lock is never held across I/O.
type WorkflowEngine struct {
	store    eventstore.Appender
	registry *AgentRegistry
	tasks    taskstore.Store
	sink     dispatch.Sink
	metrics  *cfotel.Metrics
	now      func() time.Time

	policy  workflow.Policy
	reviews map[string]workflow.ReviewPolicy

	defMu  sync.RWMutex
	defs   map[string]map[int]*workflow.Definition
	latest map[string]int

	mu         sync.RWMutex
	executions map[string]workflow.Execution

	taskLocks keyedMutex
}

// NewWorkflowEngine creates an engine without definitions.
func NewWorkflowEngine(store eventstore.Appender, registry *AgentRegistry, tasks taskstore.Store, sink dispatch.Sink) *WorkflowEngine {
	return &WorkflowEngine{
		store:      store,
		registry:   registry,
		tasks:      tasks,
		sink:       sink,
		now:        time.Now,
		policy:     workflow.Policy{MaxReworkCycles: 3, EscalateAfter: 3},
		reviews:    make(map[string]workflow.ReviewPolicy),
		defs:       make(map[string]map[int]*workflow.Definition),
		latest:     make(map[string]int),
		executions: make(map[string]workflow.Execution),
	}
}

// SetMetrics attaches metric instruments.
func (e *WorkflowEngine) SetMetrics(m *cfotel.Metrics) {
	e.metrics = m
}

// SetDefaultPolicy sets the rework policy for definitions that leave it unset.
func (e *WorkflowEngine) SetDefaultPolicy(p workflow.Policy) {
	e.policy = p
}

// SetReviewPolicies replaces the named review policies.
func (e *WorkflowEngine) SetReviewPolicies(policies map[string]workflow.ReviewPolicy) {
	e.reviews = make(map[string]workflow.ReviewPolicy, len(policies))
	for name, p := range policies {
		e.reviews[name] = p
	}
}

// RegisterDefinition adds a workflow version. Registered versions are
// immutable; the highest version is used for new starts.
func (e *WorkflowEngine) RegisterDefinition(def workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("workflow %q: %w: %w", def.Name, domain.ErrValidation, err)
	}
	def = cloneDefinition(def)

	e.defMu.Lock()
	defer e.defMu.Unlock()
	versions, ok := e.defs[def.Name]
	if !ok {
		versions = make(map[int]*workflow.Definition)
		e.defs[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("workflow %q version %d: %w", def.Name, def.Version, domain.ErrConflict)
	}
	versions[def.Version] = &def
	if cur, ok := e.latest[def.Name]; !ok || def.Version > cur {
		e.latest[def.Name] = def.Version
	}
	slog.Info("workflow registered", "workflow_id", def.Name, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// Definition returns the latest version of the named workflow.
func (e *WorkflowEngine) Definition(name string) (workflow.Definition, error) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	v, ok := e.latest[name]
	if !ok {
		return workflow.Definition{}, fmt.Errorf("workflow %q: %w", name, domain.ErrWorkflowNotFound)
	}
	return cloneDefinition(*e.defs[name][v]), nil
}

// HasDefinition reports whether the exact name and version is registered.
func (e *WorkflowEngine) HasDefinition(name string, version int) bool {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	_, ok := e.defs[name][version]
	return ok
}

// Definitions returns the latest version of every workflow, sorted by name.
func (e *WorkflowEngine) Definitions() []workflow.Definition {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	out := make([]workflow.Definition, 0, len(e.latest))
	for name, v := range e.latest {
		out = append(out, cloneDefinition(*e.defs[name][v]))
	}
	slices.SortFunc(out, func(a, b workflow.Definition) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// definitionFor returns the version an execution was started with.
func (e *WorkflowEngine) definitionFor(exec *workflow.Execution) (*workflow.Definition, error) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	def, ok := e.defs[exec.WorkflowID][exec.WorkflowVersion]
	if !ok {
		return nil, fmt.Errorf("workflow %q version %d: %w", exec.WorkflowID, exec.WorkflowVersion, domain.ErrWorkflowNotFound)
	}
	return def, nil
}

func cloneDefinition(d workflow.Definition) workflow.Definition {
	d.Steps = slices.Clone(d.Steps)
	for i := range d.Steps {
		d.Steps[i].Requires = slices.Clone(d.Steps[i].Requires)
	}
	return d
}

// Execution returns a snapshot of the task's active execution.
func (e *WorkflowEngine) Execution(taskID string) (workflow.Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[taskID]
	return exec, ok
}

// Executions returns snapshots of every active execution, oldest first.
func (e *WorkflowEngine) Executions() []workflow.Execution {
	e.mu.RLock()
	out := make([]workflow.Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, exec)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b workflow.Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (e *WorkflowEngine) put(exec *workflow.Execution) {
	e.mu.Lock()
	e.executions[exec.TaskID] = *exec
	e.mu.Unlock()
}

func (e *WorkflowEngine) remove(taskID string) {
	e.mu.Lock()
	delete(e.executions, taskID)
	e.mu.Unlock()
}

// StartWorkflow creates an execution for the task at the first step of the
// named workflow and executes that step.
func (e *WorkflowEngine) StartWorkflow(ctx context.Context, name string, req workflow.StartRequest) (workflow.Execution, error) {
	ctx, span := cfotel.StartWorkflowSpan(ctx, "start", name, req.TaskID)
	exec, err := e.startWorkflow(ctx, name, req)
	cfotel.EndSpan(span, err)
	return exec, err
}

func (e *WorkflowEngine) startWorkflow(ctx context.Context, name string, req workflow.StartRequest) (workflow.Execution, error) {
	if req.TaskID == "" || req.RunID == "" {
		return workflow.Execution{}, fmt.Errorf("start workflow %q: task_id and run_id are required: %w", name, domain.ErrValidation)
	}
	def, err := e.Definition(name)
	if err != nil {
		return workflow.Execution{}, err
	}
	if len(def.Steps) == 0 {
		return workflow.Execution{}, fmt.Errorf("workflow %q: %w", name, domain.ErrWorkflowEmpty)
	}

	unlock := e.taskLocks.Lock(req.TaskID)
	defer unlock()

	if _, ok := e.Execution(req.TaskID); ok {
		return workflow.Execution{}, fmt.Errorf("task %s already in a workflow: %w", req.TaskID, domain.ErrConflict)
	}
	cur, err := e.tasks.Get(ctx, req.TaskID)
	switch {
	case err == nil && cur.AssigneeID != "" && !cur.State.Terminal():
		return workflow.Execution{}, fmt.Errorf("task %s is assigned to %s: %w", req.TaskID, cur.AssigneeID, domain.ErrConflict)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return workflow.Execution{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}

	exec := workflow.Execution{
		ID:              workflow.NewID(),
		WorkflowID:      def.Name,
		WorkflowVersion: def.Version,
		CurrentStepID:   def.Steps[0].ID,
		TaskID:          req.TaskID,
		RunID:           req.RunID,
		ThreadID:        req.ThreadID,
		StartedAt:       e.now().UTC(),
	}
	err = e.updateTask(ctx, &exec, func(t *task.Task) {
		t.State = task.StateCreated
		t.AssigneeID = ""
		t.Error = nil
		if req.Title != "" {
			t.Title = req.Title
		}
	})
	if err != nil {
		return workflow.Execution{}, err
	}
	e.put(&exec)

	slog.Info("workflow started", "workflow_id", def.Name, "task_id", req.TaskID, "execution_id", exec.ID)
	e.emit(ctx, &exec, workflow.Event{Kind: workflow.EventWorkflowStarted}, message.TypeChatSystem, message.SystemWorkflow)

	if err := e.executeStep(ctx, &exec, &def.Steps[0]); err != nil {
		return exec, err
	}
	return exec, nil
}

// executeStep assigns step to the best available agent for its role and
// hands the dispatch to the sink. Without an available agent the execution
// halts in place. Must be called with the task lock held.
func (e *WorkflowEngine) executeStep(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	var agentID string
	for _, m := range e.registry.FindByRole(step.AgentRole, step.Requires) {
		if e.registry.Reserve(m.Card.AgentID) {
			agentID = m.Card.AgentID
			break
		}
	}
	if agentID == "" {
		reason := fmt.Sprintf("no available agent for role %q", step.AgentRole)
		slog.Warn("workflow step halted", "task_id", exec.TaskID, "step_id", step.ID, "reason", reason)
		e.metrics.RoutingFailed(ctx, "no_agent_for_role")
		e.emit(ctx, exec, workflow.Event{Kind: workflow.EventWorkflowError, Reason: reason},
			message.TypeRoutingFailure, message.SystemWorkflow)
		return nil
	}

	exec.AgentID = agentID
	exec.AwaitingReview = false
	e.put(exec)
	err := e.updateTask(ctx, exec, func(t *task.Task) {
		t.State = task.StateAssigned
		t.AssigneeID = agentID
	})
	if err != nil {
		e.releaseAgent(exec)
		return err
	}

	d := &workflow.Dispatch{
		ID:                 workflow.NewID(),
		TaskID:             exec.TaskID,
		RunID:              exec.RunID,
		ThreadID:           exec.ThreadID,
		AgentID:            agentID,
		WorkflowID:         exec.WorkflowID,
		StepID:             step.ID,
		Action:             step.Action,
		ExpectedOutputType: step.Type,
		RequiresReview:     step.RequiresReview,
		Attempt:            exec.ReworkCount + 1,
		Timeout:            time.Duration(step.TimeoutSec) * time.Second,
		CreatedAt:          e.now().UTC(),
	}
	e.emit(ctx, exec, workflow.Event{Kind: workflow.EventStepStarted, AgentID: agentID, Dispatch: d},
		message.TypeTaskRequest, message.AgentRef{AgentID: agentID, Role: step.AgentRole})

	dctx, span := cfotel.StartDispatchSpan(ctx, d.ID, agentID)
	err = e.sink.Dispatch(dctx, d)
	cfotel.EndSpan(span, err)
	e.metrics.Dispatched(ctx, exec.WorkflowID, err)
	if err != nil {
		slog.Error("dispatch failed", "task_id", exec.TaskID, "agent_id", agentID, "error", err)
		e.releaseAgent(exec)
		e.put(exec)
		if terr := e.updateTask(ctx, exec, func(t *task.Task) {
			t.AssigneeID = ""
			t.Error = &task.ErrorInfo{Code: task.CodeDispatch, Message: err.Error(), Retryable: true}
		}); terr != nil {
			slog.Error("record dispatch failure", "task_id", exec.TaskID, "error", terr)
		}
		e.emit(ctx, exec, workflow.Event{Kind: workflow.EventWorkflowError, AgentID: agentID, Reason: err.Error()},
			message.TypeTaskError, message.SystemWorkflow)
		return &workflow.Error{WorkflowID: exec.WorkflowID, StepID: step.ID, TaskID: exec.TaskID, Err: fmt.Errorf("dispatch: %w", err)}
	}

	exec.DispatchedAt = d.CreatedAt
	e.put(exec)
	return e.updateTask(ctx, exec, func(t *task.Task) {
		t.State = task.StateRunning
	})
}

// RetryStep executes the current step again for an execution that halted
// without an agent.
func (e *WorkflowEngine) RetryStep(ctx context.Context, taskID string) error {
	unlock := e.taskLocks.Lock(taskID)
	defer unlock()

	exec, ok := e.Execution(taskID)
	if !ok {
		return fmt.Errorf("retry %s: %w", taskID, domain.ErrNoExecution)
	}
	if exec.AgentID != "" || exec.AwaitingReview {
		return fmt.Errorf("retry %s: step %s is in progress: %w", taskID, exec.CurrentStepID, domain.ErrConflict)
	}
	def, err := e.definitionFor(&exec)
	if err != nil {
		return err
	}
	step, ok := def.Step(exec.CurrentStepID)
	if !ok {
		return &workflow.Error{WorkflowID: exec.WorkflowID, StepID: exec.CurrentStepID, TaskID: taskID, Err: domain.ErrStepNotFound}
	}
	return e.executeStep(ctx, &exec, step)
}

// HandleStepComplete records the result of the current step. Steps that
// require review wait for a decision unless the fast-track policy approves
// the result; other steps advance as approved.
func (e *WorkflowEngine) HandleStepComplete(ctx context.Context, taskID string, result *message.Message) error {
	unlock := e.taskLocks.Lock(taskID)
	defer unlock()

	exec, ok := e.Execution(taskID)
	if !ok {
		return fmt.Errorf("step complete %s: %w", taskID, domain.ErrNoExecution)
	}
	ctx, span := cfotel.StartWorkflowSpan(ctx, "step_complete", exec.WorkflowID, taskID)
	err := e.handleStepComplete(ctx, &exec, result)
	cfotel.EndSpan(span, err)
	return err
}

func (e *WorkflowEngine) handleStepComplete(ctx context.Context, exec *workflow.Execution, result *message.Message) error {
	def, err := e.definitionFor(exec)
	if err != nil {
		return err
	}
	step, ok := def.Step(exec.CurrentStepID)
	if !ok {
		return &workflow.Error{WorkflowID: exec.WorkflowID, StepID: exec.CurrentStepID, TaskID: exec.TaskID, Err: domain.ErrStepNotFound}
	}
	if exec.AwaitingReview {
		slog.Warn("result ignored while awaiting review", "task_id", exec.TaskID, "step_id", step.ID, "message_id", result.ID)
		return nil
	}

	var payload contract.TaskResultPayload
	measured := result.PayloadType == contract.TaskResult
	if measured {
		if err := result.DecodePayload(&payload); err != nil {
			slog.Warn("undecodable task result", "task_id", exec.TaskID, "error", err)
			measured = false
		}
	}
	runtime := time.Duration(payload.RuntimeMs) * time.Millisecond
	if runtime == 0 && !exec.DispatchedAt.IsZero() {
		runtime = e.now().Sub(exec.DispatchedAt)
	}

	agentID := exec.AgentID
	overBudget := e.registry.budgetError(ctx, agentID,
		agent.Usage{Cost: payload.CostUSD, Tokens: payload.Tokens, Runtime: runtime})
	if agentID != "" {
		if err := e.registry.RecordOutcome(agentID, true, runtime, payload.CostUSD); err != nil {
			slog.Warn("record outcome", "agent_id", agentID, "error", err)
		}
		e.releaseAgent(exec)
		e.put(exec)
	}
	if overBudget != nil {
		if err := e.updateTask(ctx, exec, func(t *task.Task) { t.Error = overBudget }); err != nil {
			return err
		}
		e.emit(ctx, exec, workflow.Event{Kind: workflow.EventBudgetExceeded, AgentID: agentID, Reason: overBudget.Message},
			message.TypeChatSystem, message.SystemWorkflow)
	}

	if step.Type != "" && result.PayloadType != step.Type {
		slog.Warn("step result type mismatch",
			"task_id", exec.TaskID, "step_id", step.ID,
			"expected", step.Type, "got", result.PayloadType)
	}

	if step.RequiresReview {
		if measured && overBudget == nil && e.ShouldAutoApprove(payload.CostUSD, runtime) {
			slog.Info("step auto-approved", "task_id", exec.TaskID, "step_id", step.ID)
			return e.advance(ctx, exec, def, workflow.DecisionApproved)
		}
		exec.AwaitingReview = true
		e.put(exec)
		if err := e.updateTask(ctx, exec, func(t *task.Task) {
			t.State = task.StateReview
			t.AssigneeID = ""
		}); err != nil {
			return err
		}
		reviewer := message.SystemWorkflow
		if step.ReviewerRole != "" {
			reviewer = message.AgentRef{AgentID: "role:" + step.ReviewerRole, Role: step.ReviewerRole}
		}
		e.emit(ctx, exec, workflow.Event{Kind: workflow.EventAwaitingReview, Reason: step.ReviewerRole},
			message.TypeChatSystem, reviewer)
		return nil
	}
	return e.advance(ctx, exec, def, workflow.DecisionApproved)
}

// HandleStepFailed ends the execution after the assignee reported an error
// or the dispatcher reported a timeout.
func (e *WorkflowEngine) HandleStepFailed(ctx context.Context, taskID string, errMsg *message.Message) error {
	unlock := e.taskLocks.Lock(taskID)
	defer unlock()

	exec, ok := e.Execution(taskID)
	if !ok {
		return fmt.Errorf("step failed %s: %w", taskID, domain.ErrNoExecution)
	}
	ctx, span := cfotel.StartWorkflowSpan(ctx, "step_failed", exec.WorkflowID, taskID)
	defer span.End()

	info := failureOf(errMsg)
	reason := info.Message
	if info.Code != "" {
		reason = info.Code + ": " + info.Message
	}
	code := task.CodeStepFailed
	if errMsg.Type == message.TypeTaskTimeout {
		code = task.CodeTimeout
	}

	if exec.AgentID != "" {
		var runtime time.Duration
		if !exec.DispatchedAt.IsZero() {
			runtime = e.now().Sub(exec.DispatchedAt)
		}
		if err := e.registry.RecordOutcome(exec.AgentID, false, runtime, 0); err != nil {
			slog.Warn("record outcome", "agent_id", exec.AgentID, "error", err)
		}
	}
	agentID := exec.AgentID
	e.releaseAgent(&exec)
	e.remove(taskID)

	err := e.updateTask(ctx, &exec, func(t *task.Task) {
		t.State = task.StateFailed
		t.AssigneeID = ""
		t.Error = &task.ErrorInfo{Code: code, Message: reason, Retryable: info.Retryable}
	})
	slog.Warn("workflow step failed", "task_id", taskID, "step_id", exec.CurrentStepID, "reason", reason)
	e.emit(ctx, &exec, workflow.Event{Kind: workflow.EventWorkflowError, AgentID: agentID, Reason: reason},
		message.TypeTaskError, message.SystemWorkflow)
	return err
}

// AdvanceWorkflow applies a decision to the current step.
func (e *WorkflowEngine) AdvanceWorkflow(ctx context.Context, taskID string, decision workflow.Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("decision %q: %w", decision, domain.ErrValidation)
	}
	unlock := e.taskLocks.Lock(taskID)
	defer unlock()

	exec, ok := e.Execution(taskID)
	if !ok {
		return fmt.Errorf("advance %s: %w", taskID, domain.ErrNoExecution)
	}
	ctx, span := cfotel.StartWorkflowSpan(ctx, "advance", exec.WorkflowID, taskID)
	def, err := e.definitionFor(&exec)
	if err == nil {
		err = e.advance(ctx, &exec, def, decision)
	}
	cfotel.EndSpan(span, err)
	return err
}

// advance moves exec to the step the decision leads to. Must be called with
// the task lock held.
func (e *WorkflowEngine) advance(ctx context.Context, exec *workflow.Execution, def *workflow.Definition, decision workflow.Decision) error {
	if _, ok := def.Step(exec.CurrentStepID); !ok {
		return &workflow.Error{WorkflowID: exec.WorkflowID, StepID: exec.CurrentStepID, TaskID: exec.TaskID, Err: domain.ErrStepNotFound}
	}
	nextID := def.NextStepID(exec.CurrentStepID, decision)

	if nextID == workflow.Done {
		e.releaseAgent(exec)
		e.remove(exec.TaskID)
		err := e.updateTask(ctx, exec, func(t *task.Task) {
			t.State = task.StateDone
			t.AssigneeID = ""
		})
		slog.Info("workflow complete", "workflow_id", exec.WorkflowID, "task_id", exec.TaskID, "rework_count", exec.ReworkCount)
		e.emit(ctx, exec, workflow.Event{Kind: workflow.EventWorkflowComplete, Decision: decision}, message.TypeChatSystem, message.SystemWorkflow)
		e.metrics.WorkflowCompleted(ctx, exec.WorkflowID, e.now().Sub(exec.StartedAt).Seconds())
		return err
	}

	next, ok := def.Step(nextID)
	if !ok {
		return &workflow.Error{
			WorkflowID: exec.WorkflowID, StepID: exec.CurrentStepID, TaskID: exec.TaskID,
			Err: fmt.Errorf("next step %q: %w", nextID, domain.ErrStepNotFound),
		}
	}

	e.releaseAgent(exec)
	var escalation *task.ErrorInfo
	if decision == workflow.DecisionRejected {
		exec.ReworkCount++
		policy := e.policyFor(def)
		if policy.MaxReworkCycles > 0 && exec.ReworkCount >= policy.MaxReworkCycles {
			slog.Warn("max rework cycles reached", "task_id", exec.TaskID, "rework_count", exec.ReworkCount, "max", policy.MaxReworkCycles)
			e.emit(ctx, exec, workflow.Event{Kind: workflow.EventMaxReworkExceeded, Decision: decision}, message.TypeChatSystem, message.SystemWorkflow)
			if policy.EscalateAfter > 0 && exec.ReworkCount >= policy.EscalateAfter {
				escalation = &task.ErrorInfo{
					Code:      task.CodeEscalated,
					Message:   fmt.Sprintf("rejected %d times at step %s", exec.ReworkCount, exec.CurrentStepID),
					Retryable: true,
				}
				slog.Warn("task escalated", "task_id", exec.TaskID, "rework_count", exec.ReworkCount)
				e.emit(ctx, exec, workflow.Event{Kind: workflow.EventEscalated, Decision: decision, Reason: escalation.Message}, message.TypeChatSystem, message.SystemWorkflow)
			}
		}
	}

	from := exec.CurrentStepID
	exec.CurrentStepID = next.ID
	exec.AwaitingReview = false
	exec.DispatchedAt = time.Time{}
	e.put(exec)

	state := task.StateAssigned
	if decision == workflow.DecisionRejected {
		state = task.StateRework
	}
	if err := e.updateTask(ctx, exec, func(t *task.Task) {
		t.State = state
		t.AssigneeID = ""
		if escalation != nil {
			t.Error = escalation
		}
	}); err != nil {
		return err
	}
	e.emit(ctx, exec, workflow.Event{Kind: workflow.EventWorkflowAdvanced, StepID: from, NextStepID: next.ID, Decision: decision},
		message.TypeChatSystem, message.SystemWorkflow)

	return e.executeStep(ctx, exec, next)
}

func (e *WorkflowEngine) policyFor(def *workflow.Definition) workflow.Policy {
	p := def.Policy
	if p.MaxReworkCycles == 0 {
		p.MaxReworkCycles = e.policy.MaxReworkCycles
	}
	if p.EscalateAfter == 0 {
		p.EscalateAfter = e.policy.EscalateAfter
	}
	return p
}

// CancelWorkflow removes the task's execution and cancels its dispatch.
// It returns false when the task has no active execution.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, taskID, reason string) (bool, error) {
	unlock := e.taskLocks.Lock(taskID)
	defer unlock()

	exec, ok := e.Execution(taskID)
	if !ok {
		return false, nil
	}
	ctx, span := cfotel.StartWorkflowSpan(ctx, "cancel", exec.WorkflowID, taskID)
	defer span.End()

	agentID := exec.AgentID
	e.remove(taskID)
	e.releaseAgent(&exec)

	err := e.updateTask(ctx, &exec, func(t *task.Task) {
		t.State = task.StateCancelled
		t.AssigneeID = ""
	})

	to := message.SystemWorkflow
	if agentID != "" {
		to = message.AgentRef{AgentID: agentID}
	}
	e.emit(ctx, &exec, workflow.Event{Kind: workflow.EventWorkflowCancelled, AgentID: agentID, Reason: reason}, message.TypeTaskCancel, to)
	slog.Info("workflow cancelled", "task_id", taskID, "reason", reason)

	if agentID != "" {
		if cerr := e.sink.Cancel(ctx, taskID, agentID, reason); cerr != nil {
			slog.Error("cancel dispatch", "task_id", taskID, "agent_id", agentID, "error", cerr)
		}
	}
	return true, err
}

// ShouldAutoApprove reports whether the fast-track review policy lets a
// result with the given cost and runtime skip review.
func (e *WorkflowEngine) ShouldAutoApprove(cost float64, runtime time.Duration) bool {
	p, ok := e.reviews[workflow.FastTrack]
	if !ok {
		return false
	}
	return p.Allows(cost, runtime)
}

// RestoreExecutions rebuilds executions for tasks persisted in an active
// state with a workflow step, against the definition version each task was
// started with. Rework counts are not persisted and restart at zero.
// Nothing is re-dispatched.
func (e *WorkflowEngine) RestoreExecutions(ctx context.Context) (int, error) {
	tasks, err := e.tasks.ListByStates(ctx, task.ActiveStates...)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	restored := 0
	for i := range tasks {
		t := &tasks[i]
		if !t.InWorkflow() {
			continue
		}
		def, err := e.restoreDefinition(t)
		if err != nil {
			slog.Warn("skip restore: unknown workflow", "task_id", t.ID, "workflow_id", t.WorkflowID, "version", t.WorkflowVersion)
			continue
		}
		if _, ok := def.Step(t.WorkflowStepID); !ok {
			slog.Warn("skip restore: unknown step", "task_id", t.ID, "workflow_id", t.WorkflowID, "step_id", t.WorkflowStepID)
			continue
		}

		unlock := e.taskLocks.Lock(t.ID)
		if _, ok := e.Execution(t.ID); ok {
			unlock()
			continue
		}
		exec := workflow.Execution{
			ID:              workflow.NewID(),
			WorkflowID:      def.Name,
			WorkflowVersion: def.Version,
			CurrentStepID:   t.WorkflowStepID,
			TaskID:          t.ID,
			RunID:           t.RunID,
			ThreadID:        t.ThreadID,
			StartedAt:       t.CreatedAt,
			AwaitingReview:  t.State == task.StateReview,
		}
		if t.State == task.StateAssigned || t.State == task.StateRunning {
			exec.AgentID = t.AssigneeID
		}
		e.put(&exec)
		unlock()
		restored++
	}
	slog.Info("workflow executions restored", "count", restored)
	return restored, nil
}

// restoreDefinition returns the definition version t was started with.
// Tasks saved without a version use the latest one.
func (e *WorkflowEngine) restoreDefinition(t *task.Task) (*workflow.Definition, error) {
	if t.WorkflowVersion == 0 {
		def, err := e.Definition(t.WorkflowID)
		if err != nil {
			return nil, err
		}
		return &def, nil
	}
	return e.definitionFor(&workflow.Execution{WorkflowID: t.WorkflowID, WorkflowVersion: t.WorkflowVersion})
}

// releaseAgent frees the assignee's task slot and clears it from exec.
func (e *WorkflowEngine) releaseAgent(exec *workflow.Execution) {
	if exec.AgentID == "" {
		return
	}
	e.registry.release(exec.AgentID)
	exec.AgentID = ""
}

// updateTask loads (or creates) the task projection for exec, applies fn
// and saves it.
func (e *WorkflowEngine) updateTask(ctx context.Context, exec *workflow.Execution, fn func(*task.Task)) error {
	now := e.now().UTC()
	t, err := e.tasks.Get(ctx, exec.TaskID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		t = &task.Task{ID: exec.TaskID, RunID: exec.RunID, ThreadID: exec.ThreadID, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("load task %s: %w", exec.TaskID, err)
	}
	fn(t)
	t.WorkflowID = exec.WorkflowID
	t.WorkflowStepID = exec.CurrentStepID
	t.WorkflowVersion = exec.WorkflowVersion
	t.UpdatedAt = now
	if err := e.tasks.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", exec.TaskID, err)
	}
	return nil
}

// emit records a workflow event. Failures are logged; the transition that
// produced the event has already happened.
func (e *WorkflowEngine) emit(ctx context.Context, exec *workflow.Execution, ev workflow.Event, t message.Type, to message.AgentRef) {
	ev.ExecutionID = exec.ID
	ev.WorkflowID = exec.WorkflowID
	ev.TaskID = exec.TaskID
	ev.ReworkCount = exec.ReworkCount
	if ev.StepID == "" {
		ev.StepID = exec.CurrentStepID
	}

	msg := message.New(t, message.SystemWorkflow, to)
	msg.RunID = exec.RunID
	msg.ThreadID = exec.ThreadID
	msg.TaskID = exec.TaskID
	msg.Domain = "workflow"
	msg, err := msg.WithPayload(contract.WorkflowEvent, ev)
	if err == nil {
		_, err = e.store.Append(ctx, msg)
	}
	if err != nil {
		slog.Error("record workflow event", "kind", ev.Kind, "task_id", exec.TaskID, "error", err)
	}
	e.metrics.WorkflowEvent(ctx, exec.WorkflowID, string(ev.Kind))
}
