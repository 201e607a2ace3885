package service_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/memory"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/agent"
	"github.com/Strob0t/Conductor/internal/domain/contract"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/domain/workflow"
	"github.com/Strob0t/Conductor/internal/port/dispatch"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
	"github.com/Strob0t/Conductor/internal/service"
)

// fakeSink records dispatches and cancels.
type fakeSink struct {
	mu         sync.Mutex
	dispatches []workflow.Dispatch
	cancels    []string
	err        error
}

var _ dispatch.Sink = (*fakeSink)(nil)

func (s *fakeSink) Dispatch(_ context.Context, d *workflow.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.dispatches = append(s.dispatches, *d)
	return nil
}

func (s *fakeSink) Cancel(_ context.Context, taskID, agentID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, taskID+"@"+agentID)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatches)
}

// recordingTasks remembers every state a task was saved in.
type recordingTasks struct {
	*memory.TaskStore
	mu     sync.Mutex
	states map[string][]task.State
}

var _ taskstore.Store = (*recordingTasks)(nil)

func (r *recordingTasks) Save(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	r.states[t.ID] = append(r.states[t.ID], t.State)
	r.mu.Unlock()
	return r.TaskStore.Save(ctx, t)
}

// transitions returns the saved states with consecutive repeats collapsed.
func (r *recordingTasks) transitions(id string) []task.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Compact(slices.Clone(r.states[id]))
}

type fixture struct {
	es     *service.EventStore
	reg    *service.AgentRegistry
	tasks  *recordingTasks
	sink   *fakeSink
	engine *service.WorkflowEngine
}

func newFixture(t *testing.T, defs ...workflow.Definition) *fixture {
	t.Helper()
	f := &fixture{
		es:    service.NewEventStore(64),
		tasks: &recordingTasks{TaskStore: memory.NewTaskStore(), states: make(map[string][]task.State)},
		sink:  &fakeSink{},
	}
	f.reg = service.NewAgentRegistry(f.es)
	f.engine = service.NewWorkflowEngine(f.es, f.reg, f.tasks, f.sink)
	for _, d := range defs {
		if err := f.engine.RegisterDefinition(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return f
}

func (f *fixture) addAgent(t *testing.T, id, role string) {
	t.Helper()
	c := agent.Card{AgentID: id, Name: id, Roles: []string{role}}
	if _, err := f.reg.Register(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) task(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

// events returns the workflow events recorded for a task, in order.
func (f *fixture) events(t *testing.T, taskID string) []workflow.Event {
	t.Helper()
	msgs, err := f.es.ByTask(context.Background(), taskID, eventstore.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var out []workflow.Event
	for _, m := range msgs {
		if m.PayloadType != contract.WorkflowEvent {
			continue
		}
		var ev workflow.Event
		if err := m.DecodePayload(&ev); err != nil {
			t.Fatal(err)
		}
		out = append(out, ev)
	}
	return out
}

func (f *fixture) kinds(t *testing.T, taskID string) []workflow.EventKind {
	var out []workflow.EventKind
	for _, ev := range f.events(t, taskID) {
		out = append(out, ev.Kind)
	}
	return out
}

func countKind(kinds []workflow.EventKind, k workflow.EventKind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func twoStep() workflow.Definition {
	return workflow.Definition{
		Name:    "W",
		Version: 1,
		Steps: []workflow.Step{
			{ID: "A", AgentRole: "coder", Action: "implement", Type: contract.TaskResult},
			{ID: "B", AgentRole: "coder", Action: "polish", Type: contract.TaskResult},
		},
	}
}

func start(t *testing.T, f *fixture, name, taskID string) workflow.Execution {
	t.Helper()
	exec, err := f.engine.StartWorkflow(context.Background(), name, workflow.StartRequest{TaskID: taskID, RunID: "run-" + taskID, Title: "demo"})
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return exec
}

func resultMsg(t *testing.T, taskID string, cost float64, runtimeMs int64) *message.Message {
	t.Helper()
	m := message.New(message.TypeTaskResult, message.AgentRef{AgentID: "coder-1"}, message.SystemWorkflow)
	m.RunID = "run-" + taskID
	m.TaskID = taskID
	m, err := m.WithPayload(contract.TaskResult, contract.TaskResultPayload{Summary: "ok", CostUSD: cost, RuntimeMs: runtimeMs})
	if err != nil {
		t.Fatal(err)
	}
	return &m
}

func TestWorkflowHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")

	exec := start(t, f, "W", "t1")
	if exec.CurrentStepID != "A" || exec.AgentID != "coder-1" {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if got := f.task(t, "t1"); got.State != task.StateRunning || got.AssigneeID != "coder-1" || got.WorkflowStepID != "A" {
		t.Fatalf("unexpected task %+v", got)
	}

	if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	if exec, _ := f.engine.Execution("t1"); exec.CurrentStepID != "B" {
		t.Fatalf("expected step B, got %s", exec.CurrentStepID)
	}
	if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionApproved); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.engine.Execution("t1"); ok {
		t.Error("execution must be removed when done")
	}
	if got := f.task(t, "t1"); got.State != task.StateDone {
		t.Errorf("expected task done, got %s", got.State)
	}
	want := []task.State{task.StateCreated, task.StateAssigned, task.StateRunning, task.StateAssigned, task.StateRunning, task.StateDone}
	if got := f.tasks.transitions("t1"); !slices.Equal(got, want) {
		t.Errorf("expected transitions %v, got %v", want, got)
	}

	wantKinds := []workflow.EventKind{
		workflow.EventWorkflowStarted, workflow.EventStepStarted,
		workflow.EventWorkflowAdvanced, workflow.EventStepStarted,
		workflow.EventWorkflowComplete,
	}
	if got := f.kinds(t, "t1"); !slices.Equal(got, wantKinds) {
		t.Errorf("expected events %v, got %v", wantKinds, got)
	}
	for _, ev := range f.events(t, "t1") {
		if ev.ReworkCount != 0 {
			t.Errorf("no rework expected, got %d on %s", ev.ReworkCount, ev.Kind)
		}
	}

	if f.sink.count() != 2 {
		t.Errorf("expected 2 dispatches, got %d", f.sink.count())
	}
	if st, _ := f.reg.Get("coder-1"); st.CurrentTaskCount != 0 || st.Status != agent.StatusOnline {
		t.Errorf("agent must be released, got %+v", st)
	}
}

func TestStepStartedIsTaskRequestToAgent(t *testing.T) {
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	msgs, _ := f.es.ByTask(context.Background(), "t1", eventstore.QueryOptions{Types: []message.Type{message.TypeTaskRequest}})
	if len(msgs) != 1 {
		t.Fatalf("expected one task.request, got %d", len(msgs))
	}
	m := msgs[0]
	if !m.Addressed("coder-1") || m.From != message.SystemWorkflow || m.RunID != "run-t1" {
		t.Errorf("unexpected envelope %+v", m.Message)
	}
	var ev workflow.Event
	if err := m.DecodePayload(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Dispatch == nil || ev.Dispatch.Action != "implement" || ev.Dispatch.ExpectedOutputType != contract.TaskResult {
		t.Errorf("unexpected dispatch %+v", ev.Dispatch)
	}
}

func TestWorkflowReworkCap(t *testing.T) {
	ctx := context.Background()
	def := twoStep()
	def.Policy = workflow.Policy{MaxReworkCycles: 2, EscalateAfter: 3}
	f := newFixture(t, def)
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	wantExceeded := []int{0, 1, 2}
	for i, want := range wantExceeded {
		if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionRejected); err != nil {
			t.Fatalf("reject %d: %v", i+1, err)
		}
		if got := countKind(f.kinds(t, "t1"), workflow.EventMaxReworkExceeded); got != want {
			t.Errorf("after reject %d: expected %d max_rework_exceeded, got %d", i+1, want, got)
		}
	}

	exec, ok := f.engine.Execution("t1")
	if !ok {
		t.Fatal("escalation must not remove the execution")
	}
	if exec.ReworkCount != 3 || exec.CurrentStepID != "A" {
		t.Errorf("expected rework 3 at A, got %d at %s", exec.ReworkCount, exec.CurrentStepID)
	}

	kinds := f.kinds(t, "t1")
	if countKind(kinds, workflow.EventEscalated) != 1 {
		t.Errorf("expected exactly one escalation, got %v", kinds)
	}
	got := f.task(t, "t1")
	if got.Error == nil || got.Error.Code != task.CodeEscalated || !got.Error.Retryable {
		t.Errorf("expected retryable ESCALATED error, got %+v", got.Error)
	}
	if !slices.Contains(f.tasks.transitions("t1"), task.StateRework) {
		t.Error("rejected advance should pass through rework")
	}
	if f.sink.count() != 4 {
		t.Errorf("each attempt is dispatched, expected 4 got %d", f.sink.count())
	}
}

func TestDefaultPolicyApplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())
	f.engine.SetDefaultPolicy(workflow.Policy{MaxReworkCycles: 1, EscalateAfter: 1})
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionRejected); err != nil {
		t.Fatal(err)
	}
	kinds := f.kinds(t, "t1")
	if countKind(kinds, workflow.EventMaxReworkExceeded) != 1 || countKind(kinds, workflow.EventEscalated) != 1 {
		t.Errorf("expected default policy to trigger on first reject, got %v", kinds)
	}
}

func TestRestoreExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())

	now := time.Now().UTC()
	for _, tk := range []task.Task{
		{ID: "t1", RunID: "r1", State: task.StateRework, WorkflowID: "W", WorkflowStepID: "B", CreatedAt: now},
		{ID: "t2", RunID: "r2", State: task.StateReview, WorkflowID: "W", WorkflowStepID: "A", CreatedAt: now},
		{ID: "t3", RunID: "r3", State: task.StateRunning, WorkflowID: "gone", WorkflowStepID: "A", CreatedAt: now},
		{ID: "t4", RunID: "r4", State: task.StateRunning, CreatedAt: now},
		{ID: "t5", RunID: "r5", State: task.StateDone, WorkflowID: "W", WorkflowStepID: "B", CreatedAt: now},
	} {
		if err := f.tasks.Save(ctx, &tk); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.engine.RestoreExecutions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 restored, got %d", n)
	}
	exec, ok := f.engine.Execution("t1")
	if !ok || exec.CurrentStepID != "B" || exec.ReworkCount != 0 || exec.WorkflowID != "W" {
		t.Errorf("unexpected restored execution %+v", exec)
	}
	if exec, _ := f.engine.Execution("t2"); !exec.AwaitingReview {
		t.Error("task in review should restore awaiting review")
	}
	if f.sink.count() != 0 {
		t.Error("restore must not dispatch")
	}
	if len(f.engine.Executions()) != 2 {
		t.Errorf("expected 2 executions, got %d", len(f.engine.Executions()))
	}
}

func TestCancelAfterDone(t *testing.T) {
	ctx := context.Background()
	def := workflow.Definition{Name: "one", Version: 1, Steps: []workflow.Step{{ID: "only", AgentRole: "coder"}}}
	f := newFixture(t, def)
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "one", "t1")

	if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	ok, err := f.engine.CancelWorkflow(ctx, "t1", "too late")
	if err != nil || ok {
		t.Errorf("expected (false, nil), got (%v, %v)", ok, err)
	}
	if got := f.task(t, "t1"); got.State != task.StateDone {
		t.Errorf("task must stay done, got %s", got.State)
	}
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	ok, err := f.engine.CancelWorkflow(ctx, "t1", "user request")
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
	if got := f.task(t, "t1"); got.State != task.StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
	if st, _ := f.reg.Get("coder-1"); st.CurrentTaskCount != 0 {
		t.Errorf("assignee must be released, count %d", st.CurrentTaskCount)
	}
	if len(f.sink.cancels) != 1 || f.sink.cancels[0] != "t1@coder-1" {
		t.Errorf("expected sink cancel for t1@coder-1, got %v", f.sink.cancels)
	}
	cancels, _ := f.es.ByTask(ctx, "t1", eventstore.QueryOptions{Types: []message.Type{message.TypeTaskCancel}})
	if len(cancels) != 1 || !cancels[0].Addressed("coder-1") {
		t.Errorf("expected a task.cancel to the assignee, got %v", cancels)
	}
	if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionApproved); !errors.Is(err, domain.ErrNoExecution) {
		t.Errorf("advance after cancel: expected ErrNoExecution, got %v", err)
	}
}

func TestCancelRacesAdvance(t *testing.T) {
	ctx := context.Background()
	def := workflow.Definition{Name: "one", Version: 1, Steps: []workflow.Step{{ID: "only", AgentRole: "coder"}}}
	f := newFixture(t, def)
	c := agent.Card{AgentID: "coder-1", Roles: []string{"coder"}, Limits: agent.Limits{MaxConcurrency: 100}}
	if _, err := f.reg.Register(ctx, c); err != nil {
		t.Fatal(err)
	}

	for i := range 20 {
		id := fmt.Sprintf("race-%d", i)
		start(t, f, "one", id)

		var wg sync.WaitGroup
		var advErr error
		var cancelled bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			advErr = f.engine.AdvanceWorkflow(ctx, id, workflow.DecisionApproved)
		}()
		go func() {
			defer wg.Done()
			cancelled, _ = f.engine.CancelWorkflow(ctx, id, "race")
		}()
		wg.Wait()

		got := f.task(t, id)
		switch {
		case cancelled:
			if !errors.Is(advErr, domain.ErrNoExecution) || got.State != task.StateCancelled {
				t.Errorf("%s: cancel won but advance=%v state=%s", id, advErr, got.State)
			}
		default:
			if advErr != nil || got.State != task.StateDone {
				t.Errorf("%s: advance won but err=%v state=%s", id, advErr, got.State)
			}
		}
	}
	if st, _ := f.reg.Get("coder-1"); st.CurrentTaskCount != 0 {
		t.Errorf("every slot must be released, count %d", st.CurrentTaskCount)
	}
}

func TestRoutingFailureHaltsInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())

	exec := start(t, f, "W", "t1")
	if exec.AgentID != "" || exec.CurrentStepID != "A" {
		t.Fatalf("expected halted execution at A, got %+v", exec)
	}
	if f.sink.count() != 0 {
		t.Error("nothing should be dispatched")
	}
	failures, _ := f.es.ByTask(ctx, "t1", eventstore.QueryOptions{Types: []message.Type{message.TypeRoutingFailure}})
	if len(failures) != 1 {
		t.Fatalf("expected one routing.failure, got %d", len(failures))
	}
	var ev workflow.Event
	_ = failures[0].DecodePayload(&ev)
	if ev.Kind != workflow.EventWorkflowError {
		t.Errorf("expected workflow_error, got %s", ev.Kind)
	}

	// A busy agent is not available either.
	f.addAgent(t, "coder-1", "coder")
	_ = f.reg.IncrementTasks("coder-1")
	if err := f.engine.RetryStep(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if f.sink.count() != 0 {
		t.Error("busy agent must not receive the step")
	}

	_ = f.reg.DecrementTasks("coder-1")
	if err := f.engine.RetryStep(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if f.sink.count() != 1 {
		t.Fatalf("expected dispatch after retry, got %d", f.sink.count())
	}
	if err := f.engine.RetryStep(ctx, "t1"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("retry of an assigned step: expected ErrConflict, got %v", err)
	}
}

func TestStepRequiresCapabilities(t *testing.T) {
	def := workflow.Definition{Name: "cap", Version: 1, Steps: []workflow.Step{{ID: "s", AgentRole: "coder", Requires: []string{"go"}}}}
	f := newFixture(t, def)
	f.addAgent(t, "plain", "coder")
	skilled := agent.Card{AgentID: "skilled", Roles: []string{"coder"}, Capabilities: []agent.Capability{{ID: "go"}}}
	if _, err := f.reg.Register(context.Background(), skilled); err != nil {
		t.Fatal(err)
	}

	exec := start(t, f, "cap", "t1")
	if exec.AgentID != "skilled" {
		t.Errorf("expected the agent holding the capability, got %q", exec.AgentID)
	}
}

func TestDispatchFailure(t *testing.T) {
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")
	f.sink.err = errors.New("queue down")

	_, err := f.engine.StartWorkflow(context.Background(), "W", workflow.StartRequest{TaskID: "t1", RunID: "r1"})
	var werr *workflow.Error
	if !errors.As(err, &werr) || werr.StepID != "A" {
		t.Fatalf("expected workflow error at A, got %v", err)
	}
	if st, _ := f.reg.Get("coder-1"); st.CurrentTaskCount != 0 {
		t.Error("agent must be released after a failed dispatch")
	}
	if exec, ok := f.engine.Execution("t1"); !ok || exec.AgentID != "" {
		t.Errorf("execution should stay at its step without assignee, got %+v", exec)
	}
	if got := f.task(t, "t1"); got.Error == nil || got.Error.Code != task.CodeDispatch {
		t.Errorf("expected dispatch error on task, got %+v", got.Error)
	}
	if countKind(f.kinds(t, "t1"), workflow.EventWorkflowError) != 1 {
		t.Error("expected a workflow_error event")
	}
}

func TestStartWorkflowErrors(t *testing.T) {
	f := newFixture(t, twoStep(), workflow.Definition{Name: "empty", Version: 1})
	f.addAgent(t, "coder-1", "coder")
	ctx := context.Background()

	tests := []struct {
		name     string
		workflow string
		req      workflow.StartRequest
		want     error
	}{
		{"unknown", "nope", workflow.StartRequest{TaskID: "t1", RunID: "r1"}, domain.ErrWorkflowNotFound},
		{"empty", "empty", workflow.StartRequest{TaskID: "t1", RunID: "r1"}, domain.ErrWorkflowEmpty},
		{"missing run", "W", workflow.StartRequest{TaskID: "t1"}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartWorkflow(ctx, tt.workflow, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	start(t, f, "W", "t2")
	_, err := f.engine.StartWorkflow(ctx, "W", workflow.StartRequest{TaskID: "t2", RunID: "run-t2"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second start: expected ErrConflict, got %v", err)
	}
}

func reviewFlow() workflow.Definition {
	return workflow.Definition{
		Name:    "reviewed",
		Version: 1,
		Steps: []workflow.Step{
			{ID: "write", AgentRole: "coder", Type: contract.TaskResult, RequiresReview: true, ReviewerRole: "lead"},
		},
	}
}

func TestReviewPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, reviewFlow())
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "reviewed", "t1")

	if err := f.engine.HandleStepComplete(ctx, "t1", resultMsg(t, "t1", 0.2, 1500)); err != nil {
		t.Fatal(err)
	}
	exec, ok := f.engine.Execution("t1")
	if !ok || !exec.AwaitingReview || exec.AgentID != "" {
		t.Fatalf("expected execution awaiting review without assignee, got %+v", exec)
	}
	if got := f.task(t, "t1"); got.State != task.StateReview {
		t.Errorf("expected review, got %s", got.State)
	}
	st, _ := f.reg.Get("coder-1")
	if st.CurrentTaskCount != 0 || st.Metrics.TasksCompleted != 1 || st.Metrics.TotalCost != 0.2 {
		t.Errorf("expected released agent with recorded outcome, got %+v", st)
	}
	if countKind(f.kinds(t, "t1"), workflow.EventAwaitingReview) != 1 {
		t.Error("expected awaiting_review")
	}

	// A second result while awaiting review changes nothing.
	if err := f.engine.HandleStepComplete(ctx, "t1", resultMsg(t, "t1", 0.2, 1500)); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	if got := f.task(t, "t1"); got.State != task.StateDone {
		t.Errorf("expected done after approval, got %s", got.State)
	}
}

func TestReviewAutoApprove(t *testing.T) {
	ctx := context.Background()
	cost := 1.0
	runtime := 10 * time.Second

	tests := []struct {
		name      string
		cost      float64
		runtimeMs int64
		wantState task.State
	}{
		{"under thresholds", 0.5, 2000, task.StateDone},
		{"cost over", 1.5, 2000, task.StateReview},
		{"runtime over", 0.5, 20000, task.StateReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, reviewFlow())
			f.engine.SetReviewPolicies(map[string]workflow.ReviewPolicy{
				workflow.FastTrack: {AutoApprove: true, Conditions: workflow.ReviewConditions{CostUnder: &cost, RuntimeUnder: &runtime}},
			})
			f.addAgent(t, "coder-1", "coder")
			start(t, f, "reviewed", "t1")

			if err := f.engine.HandleStepComplete(ctx, "t1", resultMsg(t, "t1", tt.cost, tt.runtimeMs)); err != nil {
				t.Fatal(err)
			}
			if got := f.task(t, "t1"); got.State != tt.wantState {
				t.Errorf("expected %s, got %s", tt.wantState, got.State)
			}
		})
	}
}

func TestShouldAutoApprove(t *testing.T) {
	f := newFixture(t)
	if f.engine.ShouldAutoApprove(0, 0) {
		t.Error("absent policy must not auto-approve")
	}
	f.engine.SetReviewPolicies(map[string]workflow.ReviewPolicy{workflow.FastTrack: {AutoApprove: false}})
	if f.engine.ShouldAutoApprove(0, 0) {
		t.Error("disabled policy must not auto-approve")
	}
	f.engine.SetReviewPolicies(map[string]workflow.ReviewPolicy{workflow.FastTrack: {AutoApprove: true}})
	if !f.engine.ShouldAutoApprove(100, time.Hour) {
		t.Error("enabled policy without conditions should approve")
	}
}

func TestHandleStepCompleteAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	if err := f.engine.HandleStepComplete(ctx, "t1", resultMsg(t, "t1", 0, 10)); err != nil {
		t.Fatal(err)
	}
	exec, _ := f.engine.Execution("t1")
	if exec.CurrentStepID != "B" || exec.AgentID != "coder-1" {
		t.Errorf("expected B assigned to coder-1, got %+v", exec)
	}
	if err := f.engine.HandleStepComplete(ctx, "missing", resultMsg(t, "missing", 0, 0)); !errors.Is(err, domain.ErrNoExecution) {
		t.Errorf("expected ErrNoExecution, got %v", err)
	}
}

func TestHandleStepFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	m := message.New(message.TypeTaskError, message.AgentRef{AgentID: "coder-1"}, message.SystemWorkflow)
	m.RunID, m.TaskID = "run-t1", "t1"
	m, _ = m.WithPayload(contract.TaskError, contract.TaskErrorPayload{Code: "BUILD", Message: "compile error", Retryable: true})

	if err := f.engine.HandleStepFailed(ctx, "t1", &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.engine.Execution("t1"); ok {
		t.Error("execution must be removed")
	}
	got := f.task(t, "t1")
	if got.State != task.StateFailed || got.Error == nil || got.Error.Code != task.CodeStepFailed || !got.Error.Retryable {
		t.Errorf("unexpected failed task %+v", got)
	}
	st, _ := f.reg.Get("coder-1")
	if st.CurrentTaskCount != 0 || st.Metrics.TasksFailed != 1 {
		t.Errorf("expected released agent with failure recorded, got %+v", st)
	}
}

func TestAdvanceInvalidDecision(t *testing.T) {
	f := newFixture(t, twoStep())
	if err := f.engine.AdvanceWorkflow(context.Background(), "t1", "maybe"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestDefinitionVersions(t *testing.T) {
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")

	if err := f.engine.RegisterDefinition(twoStep()); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("re-registering a version: expected ErrConflict, got %v", err)
	}
	old := start(t, f, "W", "t1")

	v2 := twoStep()
	v2.Version = 2
	v2.Steps = v2.Steps[:1]
	if err := f.engine.RegisterDefinition(v2); err != nil {
		t.Fatal(err)
	}
	def, err := f.engine.Definition("W")
	if err != nil || def.Version != 2 {
		t.Fatalf("expected latest version 2, got %d (%v)", def.Version, err)
	}

	// The running execution keeps version 1 and still has step B.
	if old.WorkflowVersion != 1 {
		t.Errorf("expected version 1, got %d", old.WorkflowVersion)
	}
	if err := f.engine.AdvanceWorkflow(context.Background(), "t1", workflow.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	if exec, _ := f.engine.Execution("t1"); exec.CurrentStepID != "B" {
		t.Errorf("expected step B from version 1, got %s", exec.CurrentStepID)
	}

	if err := f.engine.RegisterDefinition(workflow.Definition{Name: ""}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestStepResultOverBudgetSkipsFastTrack(t *testing.T) {
	ctx := context.Background()
	def := twoStep()
	def.Steps[0].RequiresReview = true
	f := newFixture(t, def)
	f.engine.SetReviewPolicies(map[string]workflow.ReviewPolicy{workflow.FastTrack: {AutoApprove: true}})
	c := agent.Card{AgentID: "coder-1", Roles: []string{"coder"}, Limits: agent.Limits{MaxCost: 1}}
	if _, err := f.reg.Register(ctx, c); err != nil {
		t.Fatal(err)
	}
	start(t, f, "W", "t1")

	if err := f.engine.HandleStepComplete(ctx, "t1", resultMsg(t, "t1", 2, 5)); err != nil {
		t.Fatal(err)
	}
	exec, _ := f.engine.Execution("t1")
	if !exec.AwaitingReview || exec.CurrentStepID != "A" {
		t.Errorf("over-budget result must wait for review, got %+v", exec)
	}
	got := f.task(t, "t1")
	if got.Error == nil || got.Error.Code != task.CodeBudget {
		t.Errorf("expected %s error, got %+v", task.CodeBudget, got.Error)
	}
	evs := f.events(t, "t1")
	found := false
	for _, ev := range evs {
		if ev.Kind == workflow.EventBudgetExceeded {
			found = ev.AgentID == "coder-1" && ev.Reason != ""
		}
	}
	if !found {
		t.Errorf("expected budget_exceeded event for coder-1, got %v", f.kinds(t, "t1"))
	}
	if st, _ := f.reg.Get("coder-1"); st.CurrentTaskCount != 0 {
		t.Errorf("agent must be released, got %d", st.CurrentTaskCount)
	}
}

func TestStepTimeoutFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoStep())
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	m := message.New(message.TypeTaskTimeout, message.SystemRouter, message.SystemWorkflow)
	m.RunID, m.TaskID = "run-t1", "t1"
	m, _ = m.WithPayload(contract.TaskTimeout, contract.TaskTimeoutPayload{TimeoutSec: 30, Reason: "no answer in 30s"})
	if err := f.engine.HandleStepFailed(ctx, "t1", &m); err != nil {
		t.Fatal(err)
	}
	got := f.task(t, "t1")
	if got.State != task.StateFailed || got.Error == nil || got.Error.Code != task.CodeTimeout || !got.Error.Retryable {
		t.Errorf("expected retryable timeout failure, got %+v", got.Error)
	}
	if _, ok := f.engine.Execution("t1"); ok {
		t.Error("execution should be removed")
	}
}

func TestEscalateAfterBelowCapWaitsForCap(t *testing.T) {
	ctx := context.Background()
	def := twoStep()
	def.Policy = workflow.Policy{MaxReworkCycles: 3, EscalateAfter: 2}
	f := newFixture(t, def)
	f.addAgent(t, "coder-1", "coder")
	start(t, f, "W", "t1")

	for i := 1; i <= 3; i++ {
		if err := f.engine.AdvanceWorkflow(ctx, "t1", workflow.DecisionRejected); err != nil {
			t.Fatal(err)
		}
		want := 0
		if i == 3 {
			want = 1
		}
		if got := countKind(f.kinds(t, "t1"), workflow.EventEscalated); got != want {
			t.Errorf("reject %d: expected %d escalations, got %d", i, want, got)
		}
	}
}

func TestRestoreUsesStartedVersion(t *testing.T) {
	ctx := context.Background()
	v2 := twoStep()
	v2.Version = 2
	v2.Steps = v2.Steps[:1]
	f := newFixture(t, twoStep(), v2)
	f.addAgent(t, "coder-1", "coder")

	now := time.Now().UTC()
	tk := task.Task{ID: "t1", RunID: "r1", State: task.StateRework, WorkflowID: "W", WorkflowStepID: "B", WorkflowVersion: 1, CreatedAt: now}
	if err := f.tasks.Save(ctx, &tk); err != nil {
		t.Fatal(err)
	}
	if n, err := f.engine.RestoreExecutions(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 restored, got %d (%v)", n, err)
	}
	exec, _ := f.engine.Execution("t1")
	if exec.WorkflowVersion != 1 || exec.CurrentStepID != "B" {
		t.Errorf("expected version 1 at B, got version %d at %s", exec.WorkflowVersion, exec.CurrentStepID)
	}

	// A new execution records the version it runs.
	start(t, f, "W", "t2")
	if got := f.task(t, "t2"); got.WorkflowVersion != 2 {
		t.Errorf("expected task to record version 2, got %d", got.WorkflowVersion)
	}
}
