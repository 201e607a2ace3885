package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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

// MessageService is the publish-and-route entry point: it validates a
// message, records it and hands it to the registry, the workflow engine
// or capability routing.
type MessageService struct {
	store     eventstore.Store
	registry  *AgentRegistry
	engine    *WorkflowEngine
	tasks     taskstore.Store
	sink      dispatch.Sink
	contracts *contract.Registry
	metrics   *cfotel.Metrics
	now       func() time.Time
}

// NewMessageService wires the router.
func NewMessageService(
	store eventstore.Store,
	registry *AgentRegistry,
	engine *WorkflowEngine,
	tasks taskstore.Store,
	sink dispatch.Sink,
	contracts *contract.Registry,
) *MessageService {
	return &MessageService{
		store:     store,
		registry:  registry,
		engine:    engine,
		tasks:     tasks,
		sink:      sink,
		contracts: contracts,
		now:       time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (s *MessageService) SetMetrics(m *cfotel.Metrics) {
	s.metrics = m
}

// Publish validates and records msg, then routes it. A message that was
// already stored is returned without routing it again.
func (s *MessageService) Publish(ctx context.Context, msg message.Message) (message.Stored, error) {
	msg = msg.WithDefaults()
	ctx, span := cfotel.StartPublishSpan(ctx, msg.ID, string(msg.Type))
	stored, err := s.publish(ctx, msg)
	cfotel.EndSpan(span, err)
	return stored, err
}

func (s *MessageService) publish(ctx context.Context, msg message.Message) (message.Stored, error) {
	if err := msg.Validate(); err != nil {
		return message.Stored{}, err
	}
	if err := s.contracts.Check(&msg); err != nil {
		return message.Stored{}, err
	}

	if msg.Type.Family() == "agent" {
		return s.registry.Apply(ctx, msg)
	}

	stored, created, err := s.store.Insert(ctx, msg)
	if err != nil {
		return message.Stored{}, err
	}
	if !created {
		slog.Debug("duplicate message not routed", "message_id", msg.ID, "run_id", msg.RunID)
		return stored, nil
	}

	switch msg.Type {
	case message.TypeTaskResult, message.TypeTaskError, message.TypeTaskTimeout, message.TypeTaskCancel:
		err = s.routeTaskOutcome(ctx, &stored.Message)
	case message.TypeTaskRequest:
		if len(msg.Requires) > 0 {
			err = s.routeByCapability(ctx, &stored.Message)
		}
	}
	return stored, err
}

// routeTaskOutcome hands results, errors and cancels to the workflow
// engine when the task has an execution, and settles ad-hoc tasks itself.
func (s *MessageService) routeTaskOutcome(ctx context.Context, msg *message.Message) error {
	if _, ok := s.engine.Execution(msg.TaskID); ok {
		var err error
		switch msg.Type {
		case message.TypeTaskResult:
			err = s.engine.HandleStepComplete(ctx, msg.TaskID, msg)
		case message.TypeTaskError:
			err = s.engine.HandleStepFailed(ctx, msg.TaskID, msg)
		case message.TypeTaskCancel:
			var p contract.TaskCancelPayload
			_ = msg.DecodePayload(&p)
			_, err = s.engine.CancelWorkflow(ctx, msg.TaskID, p.Reason)
		}
		// The execution ended between the lookup and the call.
		if errors.Is(err, domain.ErrNoExecution) {
			slog.Info("task outcome arrived after workflow ended", "task_id", msg.TaskID, "type", msg.Type)
			return nil
		}
		return err
	}
	return s.settleAdHoc(ctx, msg)
}

// settleAdHoc applies a result, error or cancel to a task routed outside
// any workflow.
func (s *MessageService) settleAdHoc(ctx context.Context, msg *message.Message) error {
	unlock := s.lockTask(msg.TaskID)
	defer unlock()

	t, err := s.tasks.Get(ctx, msg.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("outcome for untracked task", "task_id", msg.TaskID, "type", msg.Type)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}
	if t.State.Terminal() {
		slog.Info("outcome for finished task ignored", "task_id", t.ID, "state", t.State, "type", msg.Type)
		return nil
	}

	assignee := t.AssigneeID
	switch msg.Type {
	case message.TypeTaskResult:
		var p contract.TaskResultPayload
		if msg.PayloadType == contract.TaskResult {
			_ = msg.DecodePayload(&p)
		}
		runtime := time.Duration(p.RuntimeMs) * time.Millisecond
		s.recordOutcome(assignee, true, runtime, p.CostUSD)
		t.State = task.StateDone
		t.Error = s.registry.budgetError(ctx, assignee, agent.Usage{Cost: p.CostUSD, Tokens: p.Tokens, Runtime: runtime})
	case message.TypeTaskError, message.TypeTaskTimeout:
		s.recordOutcome(assignee, false, 0, 0)
		t.State = task.StateFailed
		t.Error = failureOf(msg)
	case message.TypeTaskCancel:
		var p contract.TaskCancelPayload
		_ = msg.DecodePayload(&p)
		t.State = task.StateCancelled
		if assignee != "" {
			if err := s.sink.Cancel(ctx, t.ID, assignee, p.Reason); err != nil {
				slog.Error("cancel dispatch", "task_id", t.ID, "agent_id", assignee, "error", err)
			}
		}
	}
	s.registry.release(assignee)
	t.AssigneeID = ""
	t.UpdatedAt = s.now().UTC()
	if err := s.tasks.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	slog.Info("ad-hoc task settled", "task_id", t.ID, "state", t.State)
	return nil
}

// lockTask serializes work on a task with the workflow engine, so a task
// cannot be routed ad hoc while a workflow starts for it.
func (s *MessageService) lockTask(taskID string) func() {
	return s.engine.taskLocks.Lock(taskID)
}

// failureOf reads the error a task.error or task.timeout message reports.
func failureOf(msg *message.Message) *task.ErrorInfo {
	info := &task.ErrorInfo{}
	if msg.Type == message.TypeTaskTimeout {
		info = &task.ErrorInfo{Code: task.CodeTimeout, Message: "task timed out", Retryable: true}
	}
	switch msg.PayloadType {
	case contract.TaskError:
		var p contract.TaskErrorPayload
		if err := msg.DecodePayload(&p); err != nil {
			slog.Warn("undecodable task error", "task_id", msg.TaskID, "error", err)
			break
		}
		info = &task.ErrorInfo{Code: p.Code, Message: p.Message, Retryable: p.Retryable}
	case contract.TaskTimeout:
		var p contract.TaskTimeoutPayload
		if err := msg.DecodePayload(&p); err == nil && p.Reason != "" {
			info.Message = p.Reason
		}
	}
	return info
}

func (s *MessageService) recordOutcome(agentID string, success bool, runtime time.Duration, cost float64) {
	if agentID == "" {
		return
	}
	if err := s.registry.RecordOutcome(agentID, success, runtime, cost); err != nil {
		slog.Warn("record outcome", "agent_id", agentID, "error", err)
	}
}

// routeByCapability assigns an ad-hoc task request to the best available
// agent holding every required capability. A first attempt for a task that
// already has an assignee is not routed again; a later attempt takes the
// task away from its current assignee first.
func (s *MessageService) routeByCapability(ctx context.Context, req *message.Message) error {
	unlock := s.lockTask(req.TaskID)
	defer unlock()

	if _, inWorkflow := s.engine.Execution(req.TaskID); inWorkflow {
		slog.Debug("task request left to its workflow", "task_id", req.TaskID, "message_id", req.ID)
		return nil
	}

	var p contract.TaskRequestPayload
	if req.PayloadType == contract.TaskRequest {
		_ = req.DecodePayload(&p)
	}
	now := s.now().UTC()
	t, err := s.tasks.Get(ctx, req.TaskID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		t = &task.Task{ID: req.TaskID, RunID: req.RunID, ThreadID: req.ThreadID, Title: p.Title, State: task.StateCreated, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("load task %s: %w", req.TaskID, err)
	}
	if t.AssigneeID != "" && !t.State.Terminal() {
		if req.Attempt <= 1 {
			slog.Info("task already routed", "task_id", t.ID, "agent_id", t.AssigneeID, "message_id", req.ID)
			return nil
		}
		if err := s.unassign(ctx, t, fmt.Sprintf("superseded by attempt %d", req.Attempt)); err != nil {
			return err
		}
	}

	matches := s.registry.FindByCapabilities(req.Requires, req.Prefers)
	candidates := make([]contract.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, contract.Candidate{AgentID: m.Card.AgentID, Score: m.Score})
	}

	chosen := -1
	for i, m := range matches {
		if s.registry.Reserve(m.Card.AgentID) {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		reason := "no agent satisfies requires"
		if len(matches) > 0 {
			reason = "no matching agent is available"
		}
		slog.Warn("routing failed", "task_id", req.TaskID, "requires", req.Requires, "reason", reason)
		s.metrics.RoutingFailed(ctx, reason)
		s.record(ctx, req, message.TypeRoutingFailure, req.From, contract.RoutingFailure,
			contract.RoutingFailurePayload{Reason: reason, Requires: req.Requires, Prefers: req.Prefers})
		return nil
	}

	best := matches[chosen]
	agentID := best.Card.AgentID
	s.record(ctx, req, message.TypeRoutingDecision, message.AgentRef{AgentID: agentID}, contract.RoutingDecision,
		contract.RoutingDecisionPayload{AgentID: agentID, Score: best.Score, Candidates: candidates})

	if p.Title != "" {
		t.Title = p.Title
	}
	t.State = task.StateAssigned
	t.AssigneeID = agentID
	t.Error = nil
	t.UpdatedAt = now
	if err := s.tasks.Save(ctx, t); err != nil {
		s.registry.release(agentID)
		return fmt.Errorf("save task %s: %w", req.TaskID, err)
	}

	d := &workflow.Dispatch{
		ID:        workflow.NewID(),
		TaskID:    req.TaskID,
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		AgentID:   agentID,
		Action:    p.Title,
		Attempt:   req.Attempt,
		CreatedAt: now,
	}
	if lim := best.Card.Limits.MaxRuntimeSec; lim > 0 {
		d.Timeout = time.Duration(lim) * time.Second
	}
	dctx, span := cfotel.StartDispatchSpan(ctx, d.ID, agentID)
	err = s.sink.Dispatch(dctx, d)
	cfotel.EndSpan(span, err)
	s.metrics.Dispatched(ctx, "", err)
	if err != nil {
		s.registry.release(agentID)
		t.AssigneeID = ""
		t.Error = &task.ErrorInfo{Code: task.CodeDispatch, Message: err.Error(), Retryable: true}
		if serr := s.tasks.Save(ctx, t); serr != nil {
			slog.Error("record dispatch failure", "task_id", t.ID, "error", serr)
		}
		return fmt.Errorf("dispatch task %s: %w", req.TaskID, err)
	}

	t.State = task.StateRunning
	t.UpdatedAt = s.now().UTC()
	if err := s.tasks.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", req.TaskID, err)
	}
	slog.Info("task routed", "task_id", req.TaskID, "agent_id", agentID, "score", best.Score)
	return nil
}

// unassign cancels t's dispatch, frees its assignee's slot and saves the
// task without an assignee. Must be called with the task lock held.
func (s *MessageService) unassign(ctx context.Context, t *task.Task, reason string) error {
	prev := t.AssigneeID
	if err := s.sink.Cancel(ctx, t.ID, prev, reason); err != nil {
		slog.Error("cancel dispatch", "task_id", t.ID, "agent_id", prev, "error", err)
	}
	s.registry.release(prev)
	t.AssigneeID = ""
	t.State = task.StateCreated
	t.UpdatedAt = s.now().UTC()
	if err := s.tasks.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	slog.Info("task unassigned", "task_id", t.ID, "agent_id", prev, "reason", reason)
	return nil
}

// record appends a router message in reply to req. Failures are logged.
func (s *MessageService) record(ctx context.Context, req *message.Message, t message.Type, to message.AgentRef, payloadType string, payload any) {
	msg := message.New(t, message.SystemRouter, to)
	msg.RunID = req.RunID
	msg.ThreadID = req.ThreadID
	msg.TaskID = req.TaskID
	msg.ParentTaskID = req.ParentTaskID
	msg.Domain = req.Domain
	msg, err := msg.WithPayload(payloadType, payload)
	if err == nil {
		_, err = s.store.Append(ctx, msg)
	}
	if err != nil {
		slog.Error("record routing message", "type", t, "task_id", req.TaskID, "error", err)
	}
}

// HandleInbound decodes a JSON message received from the transport and
// publishes it. Validation failures are logged and acknowledged so the
// transport does not redeliver them.
func (s *MessageService) HandleInbound(ctx context.Context, subject string, data []byte) error {
	var msg message.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("inbound message dropped", "subject", subject, "error", err)
		return nil
	}
	_, err := s.Publish(ctx, msg)
	if errors.Is(err, domain.ErrValidation) {
		slog.Warn("inbound message rejected", "subject", subject, "message_id", msg.ID, "error", err)
		return nil
	}
	return err
}
