// Package message defines the Message envelope exchanged between agents
// and the control plane.
package message

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = "1"

// Type is the closed set of message types.
type Type string

const (
	TypeTaskRequest     Type = "task.request"
	TypeTaskAccept      Type = "task.accept"
	TypeTaskProgress    Type = "task.progress"
	TypeTaskResult      Type = "task.result"
	TypeTaskError       Type = "task.error"
	TypeTaskCancel      Type = "task.cancel"
	TypeTaskTimeout     Type = "task.timeout"
	TypeChatMessage     Type = "chat.message"
	TypeChatSystem      Type = "chat.system"
	TypeToolCall        Type = "tool.call"
	TypeToolResult      Type = "tool.result"
	TypeToolError       Type = "tool.error"
	TypeAgentRegister   Type = "agent.register"
	TypeAgentHeartbeat  Type = "agent.heartbeat"
	TypeAgentUpdate     Type = "agent.update"
	TypeRoutingDecision Type = "routing.decision"
	TypeRoutingFailure  Type = "routing.failure"
)

var knownTypes = map[Type]bool{
	TypeTaskRequest: true, TypeTaskAccept: true, TypeTaskProgress: true,
	TypeTaskResult: true, TypeTaskError: true, TypeTaskCancel: true, TypeTaskTimeout: true,
	TypeChatMessage: true, TypeChatSystem: true,
	TypeToolCall: true, TypeToolResult: true, TypeToolError: true,
	TypeAgentRegister: true, TypeAgentHeartbeat: true, TypeAgentUpdate: true,
	TypeRoutingDecision: true, TypeRoutingFailure: true,
}

// Types returns every known message type.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is one of the known message types.
func (t Type) Valid() bool { return knownTypes[t] }

// Family returns the part of the type before the dot ("task", "agent", ...).
func (t Type) Family() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// AgentRef identifies a sender or recipient.
type AgentRef struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"`
}

// Well-known system participants.
var (
	SystemRegistry = AgentRef{AgentID: "system:registry", Role: "system"}
	SystemWorkflow = AgentRef{AgentID: "system:workflow", Role: "system"}
	SystemRouter   = AgentRef{AgentID: "system:router", Role: "system"}
)

// AttachmentKind selects which reference field of an Attachment is set.
type AttachmentKind string

const (
	AttachmentArtifact AttachmentKind = "artifact"
	AttachmentInline   AttachmentKind = "inline"
	AttachmentURL      AttachmentKind = "url"
)

// Attachment references content carried alongside a message. Artifact
// bodies live outside the control plane; only the reference is stored.
type Attachment struct {
	Kind       AttachmentKind `json:"kind"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	Content    string         `json:"content,omitempty"`
	URL        string         `json:"url,omitempty"`
	Name       string         `json:"name,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
}

// Message is the uniform envelope for every interaction in the system.
type Message struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	ThreadID       string          `json:"thread_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	ParentTaskID   string          `json:"parent_task_id,omitempty"`
	From           AgentRef        `json:"from"`
	To             []AgentRef      `json:"to"`
	Type           Type            `json:"type"`
	Domain         string          `json:"domain,omitempty"`
	PayloadType    string          `json:"payload_type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Requires       []string        `json:"requires,omitempty"`
	Prefers        []string        `json:"prefers,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempt        int             `json:"attempt"`
}

// New builds a message of the given type with id, timestamp, attempt and
// version defaults filled in.
func New(t Type, from AgentRef, to ...AgentRef) Message {
	return Message{Type: t, From: from, To: to}.WithDefaults()
}

// WithDefaults returns a copy of m with missing id, createdAt, attempt and
// version filled in. Fields already set are left alone.
func (m Message) WithDefaults() Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Attempt == 0 {
		m.Attempt = 1
	}
	if m.Version == "" {
		m.Version = EnvelopeVersion
	}
	return m
}

// WithPayload marshals v into the payload and tags it with payloadType.
func (m Message) WithPayload(payloadType string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return m, err
	}
	m.PayloadType = payloadType
	m.Payload = data
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Addressed reports whether agentID is one of the recipients.
func (m *Message) Addressed(agentID string) bool {
	for _, r := range m.To {
		if r.AgentID == agentID {
			return true
		}
	}
	return false
}

// Stored is a message as held by the event store.
type Stored struct {
	Message
	Seq      int64     `json:"seq"`
	StoredAt time.Time `json:"stored_at"`
}
