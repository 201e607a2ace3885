package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/Strob0t/Conductor/internal/domain/message"
)

// Registry maps payload type tags to compiled schemas. Tags outside the
// registry are rejected.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns a registry preloaded with the built-in contracts.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema, len(builtin))}
	for tag, s := range builtin {
		if err := r.Register(tag, []byte(s)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles schema and adds it under tag. A tag can be registered once.
func (r *Registry) Register(tag string, schema []byte) error {
	compiled, err := jsonschema.NewCompiler().Compile(schema)
	if err != nil {
		return fmt.Errorf("compile contract %s: %w", tag, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[tag]; ok {
		return fmt.Errorf("contract %s already registered", tag)
	}
	r.schemas[tag] = compiled
	return nil
}

// Known reports whether tag is registered.
func (r *Registry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[tag]
	return ok
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Check validates the payload of m against its contract. Messages without
// a payloadType carry no payload contract and pass.
func (r *Registry) Check(m *message.Message) error {
	if m.PayloadType == "" {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[m.PayloadType]
	r.mu.RUnlock()

	ve := &message.ValidationError{}
	if !ok {
		ve.Add("payload_type", fmt.Sprintf("unknown payload contract %q", m.PayloadType))
		return ve
	}

	var data any = map[string]any{}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &data); err != nil {
			ve.Add("payload", "not valid JSON")
			return ve
		}
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		ve.Add("payload", fmt.Sprintf("violates %s: %s", m.PayloadType, result.Error()))
		return ve
	}
	return nil
}
