// Package contract holds the closed registry of payload contracts. Every
// payload carried by a message names its contract through payloadType.
package contract

import "github.com/Strob0t/Conductor/internal/domain/agent"

// Payload type tags.
const (
	ChatText        = "chat.text.v1"
	TaskRequest     = "task.request.v1"
	TaskAccept      = "task.accept.v1"
	TaskProgress    = "task.progress.v1"
	TaskResult      = "task.result.v1"
	TaskError       = "task.error.v1"
	TaskCancel      = "task.cancel.v1"
	TaskTimeout     = "task.timeout.v1"
	ToolCall        = "tool.call.v1"
	ToolResult      = "tool.result.v1"
	ToolError       = "tool.error.v1"
	RoutingDecision = "routing.decision.v1"
	RoutingFailure  = "routing.failure.v1"
	AgentCard       = "agent.card.v1"
	AgentUpdate     = "agent.update.v1"
	AgentHeartbeat  = "agent.heartbeat.v1"
	WorkflowEvent   = "workflow.event.v1"
)

// ChatTextPayload is a plain conversational message.
type ChatTextPayload struct {
	Text string `json:"text"`
}

// TaskRequestPayload describes work to be done.
type TaskRequestPayload struct {
	Title        string         `json:"title"`
	Instructions string         `json:"instructions,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

// TaskAcceptPayload is an agent's acknowledgement that it took the task.
type TaskAcceptPayload struct {
	AgentID      string `json:"agent_id"`
	EstimatedSec int    `json:"estimated_sec,omitempty"`
}

// TaskProgressPayload reports partial progress.
type TaskProgressPayload struct {
	Percent float64 `json:"percent"`
	Note    string  `json:"note,omitempty"`
}

// TaskResultPayload is the outcome of a finished task or step.
type TaskResultPayload struct {
	Summary   string   `json:"summary,omitempty"`
	Output    any      `json:"output,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	CostUSD   float64  `json:"cost_usd"`
	Tokens    int      `json:"tokens"`
	RuntimeMs int64    `json:"runtime_ms"`
}

// TaskErrorPayload reports a failed task or step.
type TaskErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// TaskCancelPayload asks for a task to stop.
type TaskCancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TaskTimeoutPayload reports that a dispatched task ran past its deadline.
type TaskTimeoutPayload struct {
	TimeoutSec int    `json:"timeout_sec,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ToolCallPayload asks an agent to run a tool.
type ToolCallPayload struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResultPayload carries a tool's output.
type ToolResultPayload struct {
	Tool   string `json:"tool"`
	Output any    `json:"output,omitempty"`
}

// ToolErrorPayload reports a failed tool call.
type ToolErrorPayload struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
}

// Candidate is one scored agent in a routing decision.
type Candidate struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// RoutingDecisionPayload records which agent a task was routed to.
type RoutingDecisionPayload struct {
	AgentID    string      `json:"agent_id"`
	Score      float64     `json:"score"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// RoutingFailurePayload records why no agent could be selected.
type RoutingFailurePayload struct {
	Reason   string   `json:"reason"`
	Role     string   `json:"role,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Prefers  []string `json:"prefers,omitempty"`
}

// AgentHeartbeatPayload carries optional metrics with a liveness ping.
type AgentHeartbeatPayload struct {
	Metrics *agent.Metrics `json:"metrics,omitempty"`
}

// AgentUpdatePayload carries a partial card update.
type AgentUpdatePayload = agent.CardPatch
