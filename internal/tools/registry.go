package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// Handler executes one tool call. Handlers report tool-level failures in
// the result; a non-nil error is an infrastructure failure.
type Handler func(ctx context.Context, ec *ExecContext, args json.RawMessage) (*models.ToolResult, error)

// Descriptor declares a tool's safety posture to the gate.
type Descriptor struct {
	// RequiresApproval forces the ask path regardless of mode.
	RequiresApproval bool

	// WrapsSandbox is true for tools that spawn child processes under the
	// sandbox adapter.
	WrapsSandbox bool

	// Recipe names the sanitation recipe applied to the arguments before
	// anything is logged or shown to an approver.
	Recipe string

	// Builtin distinguishes runtime-provided tools from custom ones.
	Builtin bool
}

// Entry is one registered tool.
type Entry struct {
	Spec    models.ToolSpec
	Handler Handler
	Safety  Descriptor

	schema *jsonschema.Schema
}

// Registry maps tool names to entries. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a tool. Duplicate names are rejected unless override is
// set. The parameter schema is compiled at registration so dispatch-time
// validation cannot fail on a malformed schema.
func (r *Registry) Register(entry Entry, override bool) error {
	if entry.Spec.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if entry.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", entry.Spec.Name)
	}
	if len(entry.Spec.Parameters) > 0 {
		schema, err := compileSchema(entry.Spec.Name, entry.Spec.Parameters)
		if err != nil {
			return fmt.Errorf("register tool %q: %w", entry.Spec.Name, err)
		}
		entry.schema = schema
	}
	if entry.Safety.Recipe == "" {
		entry.Safety.Recipe = "generic"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.Spec.Name]; exists && !override {
		return fmt.Errorf("register tool %q: already registered", entry.Spec.Name)
	}
	r.entries[entry.Spec.Name] = &entry
	return nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Specs returns the tool surface shown to the model, sorted by name.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.ToolSpec, 0, len(r.entries))
	for _, entry := range r.entries {
		specs = append(specs, entry.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks args against the tool's compiled schema.
func (e *Entry) Validate(args json.RawMessage) error {
	if e.schema == nil {
		return nil
	}
	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match tool schema: %w", err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// SchemaFor derives a JSON schema from a Go parameter struct. Builtin
// tools describe their surface with tagged structs instead of hand-written
// schema documents.
func SchemaFor(v any) json.RawMessage {
	reflector := invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection output always marshals; a failure here is a
		// programming error in the parameter struct.
		panic(fmt.Sprintf("marshal derived schema: %v", err))
	}
	return data
}
