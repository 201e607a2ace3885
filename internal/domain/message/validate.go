package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/Conductor/internal/domain"
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field-level problem found in a message.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid message: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match with errors.Is(err, domain.ErrValidation).
func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Add appends a field problem.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns e when it holds problems, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks the envelope. It does not look at the payload contract.
func (m *Message) Validate() error {
	ve := &ValidationError{}

	if m.ID == "" {
		ve.Add("id", "required")
	}
	if m.CreatedAt.IsZero() {
		ve.Add("created_at", "required")
	}
	if m.From.AgentID == "" {
		ve.Add("from.agent_id", "required")
	}
	if len(m.To) == 0 {
		ve.Add("to", "at least one recipient is required")
	}
	for i, r := range m.To {
		if r.AgentID == "" {
			ve.Add(fmt.Sprintf("to[%d].agent_id", i), "required")
		}
	}
	if !m.Type.Valid() {
		ve.Add("type", fmt.Sprintf("unknown type %q", m.Type))
	}
	if m.Attempt < 1 {
		ve.Add("attempt", "must be >= 1")
	}

	switch m.Type.Family() {
	case "task", "tool":
		if m.RunID == "" {
			ve.Add("run_id", "required for "+string(m.Type))
		}
		if m.TaskID == "" {
			ve.Add("task_id", "required for "+string(m.Type))
		}
	}

	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		ve.Add("payload", "not valid JSON")
	}
	if len(m.Payload) > 0 && m.PayloadType == "" {
		ve.Add("payload_type", "required when payload is set")
	}

	for i, a := range m.Attachments {
		validateAttachment(ve, i, a)
	}
	for i, c := range m.Requires {
		if strings.TrimSpace(c) == "" {
			ve.Add(fmt.Sprintf("requires[%d]", i), "empty capability id")
		}
	}
	for i, c := range m.Prefers {
		if strings.TrimSpace(c) == "" {
			ve.Add(fmt.Sprintf("prefers[%d]", i), "empty preference")
		}
	}

	return ve.OrNil()
}

func validateAttachment(ve *ValidationError, i int, a Attachment) {
	field := fmt.Sprintf("attachments[%d]", i)
	switch a.Kind {
	case AttachmentArtifact:
		if a.ArtifactID == "" {
			ve.Add(field+".artifact_id", "required for artifact attachment")
		}
	case AttachmentInline:
		if a.Content == "" {
			ve.Add(field+".content", "required for inline attachment")
		}
	case AttachmentURL:
		if a.URL == "" {
			ve.Add(field+".url", "required for url attachment")
		}
	default:
		ve.Add(field+".kind", fmt.Sprintf("unknown kind %q", a.Kind))
	}
}
