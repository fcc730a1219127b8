package tools

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
)

// Tool is a capability offered to an agent during a review stage.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is the format for tool definitions expected by the AI API, derived from the Tool interface.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds available tools and converts them to the AI API format.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, keyed by its Name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, returns the tool and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subset returns a registry holding only the named tools. Names that are not
// registered are returned in missing.
func (r *Registry) Subset(names ...string) (sub *Registry, missing []string) {
	sub = NewRegistry()
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			continue
		}
		sub.Register(t)
	}
	return sub, missing
}

// ToToolDefs returns the tool definitions in Claude API format, ordered by name.
func (r *Registry) ToToolDefs() []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		out = append(out, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return out
}
