// Package agent defines the AgentCard and the runtime state the registry
// keeps for each registered agent.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status represents the availability of an agent.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Capability is something an agent can do, with optional tags and tool names
// used for soft preference matching.
type Capability struct {
	ID      string   `json:"id" yaml:"id"`
	Version string   `json:"version,omitempty" yaml:"version"`
	Tags    []string `json:"tags,omitempty" yaml:"tags"`
	Tools   []string `json:"tools,omitempty" yaml:"tools"`
}

// Limits bounds what a single agent may consume. Zero means unset.
type Limits struct {
	MaxConcurrency int     `json:"max_concurrency,omitempty" yaml:"max_concurrency"`
	MaxCost        float64 `json:"max_cost,omitempty" yaml:"max_cost"`
	MaxTokens      int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	MaxRuntimeSec  int     `json:"max_runtime_sec,omitempty" yaml:"max_runtime_sec"`
}

// Concurrency returns MaxConcurrency, defaulting to 1.
func (l Limits) Concurrency() int {
	if l.MaxConcurrency < 1 {
		return 1
	}
	return l.MaxConcurrency
}

// Security carries the agent's declared sandbox constraints.
type Security struct {
	AllowedDomains []string `json:"allowed_domains,omitempty" yaml:"allowed_domains"`
	Sandbox        bool     `json:"sandbox,omitempty" yaml:"sandbox"`
}

// Card is the static description of an agent.
// Roles and capability ids are separate namespaces: workflows address
// agents by role, routing matches on capabilities.
type Card struct {
	AgentID      string       `json:"agent_id" yaml:"agent_id"`
	Name         string       `json:"name" yaml:"name"`
	Roles        []string     `json:"roles,omitempty" yaml:"roles"`
	Capabilities []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Limits       Limits       `json:"limits" yaml:"limits"`
	Security     Security     `json:"security" yaml:"security"`
	Version      string       `json:"version,omitempty" yaml:"version"`
}

var (
	ErrAgentIDRequired      = errors.New("agent_id is required")
	ErrCapabilityIDRequired = errors.New("capability id is required")
	ErrDuplicateCapability  = errors.New("duplicate capability id")
	ErrNegativeLimit        = errors.New("limits must be >= 0")
)

// Validate checks the card for structural correctness.
func (c *Card) Validate() error {
	if c.AgentID == "" {
		return ErrAgentIDRequired
	}
	seen := make(map[string]bool, len(c.Capabilities))
	for i, capb := range c.Capabilities {
		if capb.ID == "" {
			return fmt.Errorf("capability %d: %w", i, ErrCapabilityIDRequired)
		}
		if seen[capb.ID] {
			return fmt.Errorf("capability %q: %w", capb.ID, ErrDuplicateCapability)
		}
		seen[capb.ID] = true
	}
	l := c.Limits
	if l.MaxConcurrency < 0 || l.MaxCost < 0 || l.MaxTokens < 0 || l.MaxRuntimeSec < 0 {
		return ErrNegativeLimit
	}
	return nil
}

// HasCapability reports whether the card declares capability id.
func (c *Card) HasCapability(id string) bool {
	return slices.ContainsFunc(c.Capabilities, func(capb Capability) bool { return capb.ID == id })
}

// HasRole reports whether the card declares role.
func (c *Card) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Satisfies reports whether the card declares every capability in requires.
func (c *Card) Satisfies(requires []string) bool {
	for _, r := range requires {
		if !c.HasCapability(r) {
			return false
		}
	}
	return true
}

// MatchesPreference reports whether pref names one of the card's
// capability ids, capability tags or tools.
func (c *Card) MatchesPreference(pref string) bool {
	for _, capb := range c.Capabilities {
		if capb.ID == pref || slices.Contains(capb.Tags, pref) || slices.Contains(capb.Tools, pref) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the card.
func (c Card) Clone() Card {
	c.Roles = slices.Clone(c.Roles)
	caps := make([]Capability, len(c.Capabilities))
	for i, capb := range c.Capabilities {
		capb.Tags = slices.Clone(capb.Tags)
		capb.Tools = slices.Clone(capb.Tools)
		caps[i] = capb
	}
	c.Capabilities = caps
	c.Security.AllowedDomains = slices.Clone(c.Security.AllowedDomains)
	return c
}

// CardPatch holds the fields of a partial card update. Nil means unchanged.
type CardPatch struct {
	Name         *string      `json:"name,omitempty"`
	Roles        []string     `json:"roles,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Limits       *Limits      `json:"limits,omitempty"`
	Security     *Security    `json:"security,omitempty"`
	Version      *string      `json:"version,omitempty"`
}

// Apply returns card with the patch merged in.
func (p *CardPatch) Apply(card Card) Card {
	out := card.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Roles != nil {
		out.Roles = slices.Clone(p.Roles)
	}
	if p.Capabilities != nil {
		out.Capabilities = Card{Capabilities: p.Capabilities}.Clone().Capabilities
	}
	if p.Limits != nil {
		out.Limits = *p.Limits
	}
	if p.Security != nil {
		out.Security = *p.Security
		out.Security.AllowedDomains = slices.Clone(p.Security.AllowedDomains)
	}
	if p.Version != nil {
		out.Version = *p.Version
	}
	return out
}

// Metrics are rolling performance figures reported by or recorded for an agent.
type Metrics struct {
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	AvgRuntimeMs   float64 `json:"avg_runtime_ms"`
	TotalCost      float64 `json:"total_cost"`
}

// SuccessRate returns completed/(completed+failed), or 1 without history.
func (m Metrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 1
	}
	return float64(m.TasksCompleted) / float64(total)
}

// Merge overwrites the receiver's fields with the non-zero fields of other.
func (m *Metrics) Merge(other Metrics) {
	if other.TasksCompleted != 0 {
		m.TasksCompleted = other.TasksCompleted
	}
	if other.TasksFailed != 0 {
		m.TasksFailed = other.TasksFailed
	}
	if other.AvgRuntimeMs != 0 {
		m.AvgRuntimeMs = other.AvgRuntimeMs
	}
	if other.TotalCost != 0 {
		m.TotalCost = other.TotalCost
	}
}

// Record rolls one task outcome into the metrics.
func (m *Metrics) Record(success bool, runtime time.Duration, cost float64) {
	prev := m.TasksCompleted + m.TasksFailed
	if success {
		m.TasksCompleted++
	} else {
		m.TasksFailed++
	}
	if runtime > 0 {
		ms := float64(runtime.Milliseconds())
		m.AvgRuntimeMs = (m.AvgRuntimeMs*float64(prev) + ms) / float64(prev+1)
	}
	m.TotalCost += cost
}

// State is the runtime view of a registered agent.
type State struct {
	Card             Card      `json:"card"`
	Status           Status    `json:"status"`
	ManualOffline    bool      `json:"manual_offline"`
	CurrentTaskCount int       `json:"current_task_count"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	Metrics          Metrics   `json:"metrics"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// Load returns currentTaskCount/maxConcurrency.
func (s *State) Load() float64 {
	return float64(s.CurrentTaskCount) / float64(s.Card.Limits.Concurrency())
}

// AtCapacity reports whether the agent has no free task slot.
func (s *State) AtCapacity() bool {
	return s.CurrentTaskCount >= s.Card.Limits.Concurrency()
}

// Match is a scored capability lookup result.
type Match struct {
	Card  Card    `json:"card"`
	Score float64 `json:"score"`
	Load  float64 `json:"load"`
}

// Violation names a budget limit that a measurement exceeded.
type Violation struct {
	Limit  string  `json:"limit"`
	Max    float64 `json:"max"`
	Actual float64 `json:"actual"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s exceeded: %g > %g", v.Limit, v.Actual, v.Max)
}

// BudgetResult is the outcome of a budget check.
type BudgetResult struct {
	WithinBudget bool        `json:"within_budget"`
	Violations   []Violation `json:"violations,omitempty"`
}

// String joins the violations, or returns "" when within budget.
func (r BudgetResult) String() string {
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Usage is the consumption measured for a task.
type Usage struct {
	Cost    float64       `json:"cost"`
	Tokens  int           `json:"tokens"`
	Runtime time.Duration `json:"runtime"`
}

// CheckBudget compares usage against the card's limits. Unset limits are ignored.
func (c *Card) CheckBudget(u Usage) BudgetResult {
	var v []Violation
	l := c.Limits
	if l.MaxCost > 0 && u.Cost > l.MaxCost {
		v = append(v, Violation{Limit: "maxCost", Max: l.MaxCost, Actual: u.Cost})
	}
	if l.MaxTokens > 0 && u.Tokens > l.MaxTokens {
		v = append(v, Violation{Limit: "maxTokens", Max: float64(l.MaxTokens), Actual: float64(u.Tokens)})
	}
	if l.MaxRuntimeSec > 0 && u.Runtime > time.Duration(l.MaxRuntimeSec)*time.Second {
		v = append(v, Violation{Limit: "maxRuntimeSec", Max: float64(l.MaxRuntimeSec), Actual: u.Runtime.Seconds()})
	}
	return BudgetResult{WithinBudget: len(v) == 0, Violations: v}
}
