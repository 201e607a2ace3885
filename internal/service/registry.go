package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	cfotel "github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/agent"
	"github.com/Strob0t/Conductor/internal/domain/contract"
	"github.com/Strob0t/Conductor/internal/domain/message"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
)

// registered is the registry's bookkeeping for one agent.
type registered struct {
	state agent.State
	order int64
	// stale is set by the heartbeat sweep, as opposed to a manual offline.
	stale bool
}

// AgentRegistry tracks registered agents, their load and their metrics,
// and answers capability and role lookups.
type AgentRegistry struct {
	store   eventstore.Store
	metrics *cfotel.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	agents map[string]*registered
	order  int64
}

// NewAgentRegistry creates a registry that records agent.* events in store.
func NewAgentRegistry(store eventstore.Store) *AgentRegistry {
	return &AgentRegistry{
		store:  store,
		now:    time.Now,
		agents: make(map[string]*registered),
	}
}

// SetMetrics attaches metric instruments.
func (r *AgentRegistry) SetMetrics(m *cfotel.Metrics) {
	r.metrics = m
}

// Register records an agent.register event and stores the card.
func (r *AgentRegistry) Register(ctx context.Context, card agent.Card) (agent.State, error) {
	msg, err := message.New(message.TypeAgentRegister,
		message.AgentRef{AgentID: card.AgentID, Role: "agent"}, message.SystemRegistry).
		WithPayload(contract.AgentCard, card)
	if err != nil {
		return agent.State{}, fmt.Errorf("encode card: %w", err)
	}
	if _, err := r.Apply(ctx, msg); err != nil {
		return agent.State{}, err
	}
	return r.Get(card.AgentID)
}

// Update merges patch into the agent's card and records agent.update.
func (r *AgentRegistry) Update(ctx context.Context, id string, patch agent.CardPatch) (agent.State, error) {
	msg, err := message.New(message.TypeAgentUpdate,
		message.AgentRef{AgentID: id, Role: "agent"}, message.SystemRegistry).
		WithPayload(contract.AgentUpdate, patch)
	if err != nil {
		return agent.State{}, fmt.Errorf("encode patch: %w", err)
	}
	if _, err := r.Apply(ctx, msg); err != nil {
		return agent.State{}, err
	}
	return r.Get(id)
}

// Heartbeat refreshes the agent's liveness and merges reported metrics.
func (r *AgentRegistry) Heartbeat(ctx context.Context, id string, metrics *agent.Metrics) error {
	msg, err := message.New(message.TypeAgentHeartbeat,
		message.AgentRef{AgentID: id, Role: "agent"}, message.SystemRegistry).
		WithPayload(contract.AgentHeartbeat, contract.AgentHeartbeatPayload{Metrics: metrics})
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	_, err = r.Apply(ctx, msg)
	return err
}

// Apply handles an inbound agent.* message. The message is recorded as
// the event before the registry changes; a message already stored is a
// no-op that returns the stored copy.
func (r *AgentRegistry) Apply(ctx context.Context, msg message.Message) (message.Stored, error) {
	switch msg.Type {
	case message.TypeAgentRegister:
		var card agent.Card
		if err := msg.DecodePayload(&card); err != nil {
			return message.Stored{}, fmt.Errorf("decode card: %w: %w", domain.ErrValidation, err)
		}
		if err := card.Validate(); err != nil {
			return message.Stored{}, fmt.Errorf("register agent: %w: %w", domain.ErrValidation, err)
		}
		if card.AgentID != msg.From.AgentID {
			return message.Stored{}, fmt.Errorf("register agent %s from %s: %w", card.AgentID, msg.From.AgentID, domain.ErrValidation)
		}
		return r.record(ctx, msg, "", func(*registered) {
			r.registerLocked(card)
		})

	case message.TypeAgentUpdate:
		var patch agent.CardPatch
		if err := msg.DecodePayload(&patch); err != nil {
			return message.Stored{}, fmt.Errorf("decode patch: %w: %w", domain.ErrValidation, err)
		}
		id := msg.From.AgentID
		current, err := r.Get(id)
		if err != nil {
			return message.Stored{}, err
		}
		merged := patch.Apply(current.Card)
		merged.AgentID = id
		if err := merged.Validate(); err != nil {
			return message.Stored{}, fmt.Errorf("update agent %s: %w: %w", id, domain.ErrValidation, err)
		}
		return r.record(ctx, msg, id, func(a *registered) {
			a.state.Card = patch.Apply(a.state.Card)
			a.state.Card.AgentID = id
			r.refreshLocked(a)
		})

	case message.TypeAgentHeartbeat:
		var hb contract.AgentHeartbeatPayload
		if err := msg.DecodePayload(&hb); err != nil {
			return message.Stored{}, fmt.Errorf("decode heartbeat: %w: %w", domain.ErrValidation, err)
		}
		id := msg.From.AgentID
		if _, err := r.Get(id); err != nil {
			return message.Stored{}, err
		}
		return r.record(ctx, msg, id, func(a *registered) {
			a.state.LastHeartbeat = r.now().UTC()
			if hb.Metrics != nil {
				a.state.Metrics.Merge(*hb.Metrics)
			}
			if a.stale {
				a.stale = false
				slog.Info("agent back online", "agent_id", id)
			}
			r.refreshLocked(a)
		})
	}
	return message.Stored{}, fmt.Errorf("registry cannot apply %s: %w", msg.Type, domain.ErrValidation)
}

// record stores msg and, when it is new, runs mutate. Both happen under
// the write lock. A non-empty agentID must be registered at that point, so
// no event is stored for an agent that unregistered in the meantime.
func (r *AgentRegistry) record(ctx context.Context, msg message.Message, agentID string, mutate func(*registered)) (message.Stored, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var a *registered
	if agentID != "" {
		var ok bool
		if a, ok = r.agents[agentID]; !ok {
			return message.Stored{}, fmt.Errorf("%s %s: %w", msg.Type, agentID, domain.ErrAgentNotFound)
		}
	}
	stored, created, err := r.store.Insert(ctx, msg)
	if err != nil {
		return message.Stored{}, fmt.Errorf("record %s: %w", msg.Type, err)
	}
	if created {
		mutate(a)
	}
	return stored, nil
}

func (r *AgentRegistry) registerLocked(card agent.Card) {
	now := r.now().UTC()
	card = card.Clone()
	if a, ok := r.agents[card.AgentID]; ok {
		a.state.Card = card
		a.state.ManualOffline = false
		a.state.LastHeartbeat = now
		a.stale = false
		r.refreshLocked(a)
		slog.Info("agent re-registered", "agent_id", card.AgentID)
		return
	}
	r.order++
	a := &registered{
		order: r.order,
		state: agent.State{
			Card:          card,
			Status:        agent.StatusOnline,
			LastHeartbeat: now,
			RegisteredAt:  now,
		},
	}
	r.agents[card.AgentID] = a
	r.refreshLocked(a)
	slog.Info("agent registered", "agent_id", card.AgentID, "roles", card.Roles)
}

// refreshLocked derives the status from the override flags and the load.
// A manual or stale offline wins; otherwise a full agent is busy.
func (r *AgentRegistry) refreshLocked(a *registered) {
	switch {
	case a.state.ManualOffline || a.stale:
		a.state.Status = agent.StatusOffline
	case a.state.AtCapacity():
		a.state.Status = agent.StatusBusy
	default:
		a.state.Status = agent.StatusOnline
	}
}

// Unregister removes the agent. Unknown ids are ignored.
func (r *AgentRegistry) Unregister(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		delete(r.agents, id)
		slog.Info("agent unregistered", "agent_id", id)
	}
}

// SetStatus overrides the agent's status. Offline is a manual override
// that task count changes do not undo; online or busy clears it.
func (r *AgentRegistry) SetStatus(id string, status agent.Status) error {
	if !status.Valid() {
		return fmt.Errorf("status %q: %w", status, domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("set status %s: %w", id, domain.ErrAgentNotFound)
	}
	a.stale = false
	switch status {
	case agent.StatusOffline:
		a.state.ManualOffline = true
		a.state.Status = agent.StatusOffline
	case agent.StatusBusy:
		a.state.ManualOffline = false
		a.state.Status = agent.StatusBusy
	default:
		a.state.ManualOffline = false
		r.refreshLocked(a)
	}
	return nil
}

func (r *AgentRegistry) GetStatus(id string) (agent.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return "", fmt.Errorf("status %s: %w", id, domain.ErrAgentNotFound)
	}
	return a.state.Status, nil
}

// Get returns a snapshot of the agent's state.
func (r *AgentRegistry) Get(id string) (agent.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return agent.State{}, fmt.Errorf("agent %s: %w", id, domain.ErrAgentNotFound)
	}
	return snapshot(a), nil
}

// List returns every agent in registration order.
func (r *AgentRegistry) List() []agent.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.State, 0, len(r.agents))
	for _, a := range r.ordered() {
		out = append(out, snapshot(a))
	}
	return out
}

// ordered returns the agents sorted by registration. r.mu must be held.
func (r *AgentRegistry) ordered() []*registered {
	list := make([]*registered, 0, len(r.agents))
	for _, a := range r.agents {
		list = append(list, a)
	}
	slices.SortFunc(list, func(x, y *registered) int { return int(x.order - y.order) })
	return list
}

func snapshot(a *registered) agent.State {
	st := a.state
	st.Card = st.Card.Clone()
	return st
}

// FindByCapabilities returns non-offline agents holding every capability
// in requires, best first. Ties keep registration order.
func (r *AgentRegistry) FindByCapabilities(requires, prefers []string) []agent.Match {
	return r.find(func(c *agent.Card) bool { return c.Satisfies(requires) }, prefers)
}

// FindByRole is FindByCapabilities restricted to agents holding role.
func (r *AgentRegistry) FindByRole(role string, requires []string) []agent.Match {
	return r.find(func(c *agent.Card) bool { return c.HasRole(role) && c.Satisfies(requires) }, nil)
}

func (r *AgentRegistry) find(keep func(*agent.Card) bool, prefers []string) []agent.Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []agent.Match
	for _, a := range r.ordered() {
		if a.state.Status == agent.StatusOffline || !keep(&a.state.Card) {
			continue
		}
		load := a.state.Load()
		out = append(out, agent.Match{
			Card:  a.state.Card.Clone(),
			Score: score(&a.state, prefers, load),
			Load:  load,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// score weights preference hits, free capacity and track record.
func score(st *agent.State, prefers []string, load float64) float64 {
	s := 1.0
	for _, p := range prefers {
		if st.Card.MatchesPreference(p) {
			s += 0.1
		}
	}
	s *= 1 - min(load, 1)*0.5
	s *= 0.5 + st.Metrics.SuccessRate()*0.5
	return s
}

// FindByCapabilityID returns the cards holding capability id in
// registration order.
func (r *AgentRegistry) FindByCapabilityID(id string) []agent.Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []agent.Card
	for _, a := range r.ordered() {
		if a.state.Card.HasCapability(id) {
			out = append(out, a.state.Card.Clone())
		}
	}
	return out
}

// IsAvailable reports whether the agent is online with a free task slot.
func (r *AgentRegistry) IsAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return ok && a.state.Status == agent.StatusOnline && !a.state.AtCapacity()
}

// GetLoad returns the agent's load, 1 for unknown agents.
func (r *AgentRegistry) GetLoad(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return 1
	}
	return a.state.Load()
}

// Reserve takes a task slot on the agent if it is available. Checking
// and incrementing happen under one lock.
func (r *AgentRegistry) Reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || a.state.Status != agent.StatusOnline || a.state.AtCapacity() {
		return false
	}
	a.state.CurrentTaskCount++
	r.refreshLocked(a)
	return true
}

// IncrementTasks adds a task to the agent's count.
func (r *AgentRegistry) IncrementTasks(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("increment %s: %w", id, domain.ErrAgentNotFound)
	}
	a.state.CurrentTaskCount++
	r.refreshLocked(a)
	return nil
}

// DecrementTasks removes a task from the agent's count, never below zero.
func (r *AgentRegistry) DecrementTasks(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("decrement %s: %w", id, domain.ErrAgentNotFound)
	}
	if a.state.CurrentTaskCount > 0 {
		a.state.CurrentTaskCount--
	}
	r.refreshLocked(a)
	return nil
}

// RecordOutcome rolls a task outcome into the agent's metrics.
func (r *AgentRegistry) RecordOutcome(id string, success bool, runtime time.Duration, cost float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("record outcome %s: %w", id, domain.ErrAgentNotFound)
	}
	a.state.Metrics.Record(success, runtime, cost)
	return nil
}

// CheckBudget compares usage against the agent's card limits. Each
// violated limit is counted in the budget metric.
func (r *AgentRegistry) CheckBudget(ctx context.Context, id string, u agent.Usage) (agent.BudgetResult, error) {
	st, err := r.Get(id)
	if err != nil {
		return agent.BudgetResult{}, err
	}
	res := st.Card.CheckBudget(u)
	if !res.WithinBudget {
		slog.Warn("agent over budget", "agent_id", id, "violations", res.String())
		for _, v := range res.Violations {
			r.metrics.BudgetExceeded(ctx, id, v.Limit)
		}
	}
	return res, nil
}

// budgetError checks usage for agentID and returns the task error to record
// when a limit was exceeded. Unknown agents are not checked.
func (r *AgentRegistry) budgetError(ctx context.Context, agentID string, u agent.Usage) *task.ErrorInfo {
	if agentID == "" {
		return nil
	}
	res, err := r.CheckBudget(ctx, agentID, u)
	if err != nil || res.WithinBudget {
		return nil
	}
	return &task.ErrorInfo{Code: task.CodeBudget, Message: res.String()}
}

// SweepStale marks agents whose last heartbeat is older than timeout as
// offline and returns their ids. A later heartbeat brings them back.
func (r *AgentRegistry) SweepStale(ctx context.Context, now time.Time, timeout time.Duration) []string {
	cutoff := now.Add(-timeout)
	r.mu.Lock()
	var swept []string
	for _, a := range r.ordered() {
		if a.state.Status == agent.StatusOffline || !a.state.LastHeartbeat.Before(cutoff) {
			continue
		}
		a.stale = true
		r.refreshLocked(a)
		swept = append(swept, a.state.Card.AgentID)
	}
	r.mu.Unlock()

	for _, id := range swept {
		slog.Warn("agent heartbeat stale", "agent_id", id, "timeout", timeout)
	}
	if len(swept) > 0 {
		r.metrics.Swept(ctx, len(swept))
	}
	return swept
}

// release frees the agent's task slot. Errors are logged: the agent may
// have unregistered while it held the task.
func (r *AgentRegistry) release(agentID string) {
	if agentID == "" {
		return
	}
	if err := r.DecrementTasks(agentID); err != nil && !errors.Is(err, domain.ErrAgentNotFound) {
		slog.Error("release agent", "agent_id", agentID, "error", err)
	}
}
