package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/llm"
)

type registration struct {
	desc    Descriptor
	schema  *jsonschema.Schema
	handler Handler
}

// Registry holds the registered tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registration)}
}

// Register adds a tool. The parameter schema is compiled here so malformed
// descriptors fail at startup, not at call time.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	schema, err := compileSchema(desc.Name, desc.Parameters)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %s is already registered", desc.Name)
	}
	r.tools[desc.Name] = &registration{desc: desc, schema: schema, handler: handler}
	return nil
}

// Descriptor looks up a tool by name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return reg.desc, true
}

// Resolve returns the descriptor and handler for a tool, or an
// unknown_tool fault.
func (r *Registry) Resolve(name string) (Descriptor, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Descriptor{}, nil, fault.Newf(fault.UnknownTool, "%s", name)
	}
	return reg.desc, reg.handler, nil
}

// ValidateArgs checks arguments against the tool's parameter schema.
// Violations of a "required" constraint map to missing_parameter, anything
// else to execution_error.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.UnknownTool, "%s", name)
	}
	if reg.schema == nil {
		return nil
	}

	// Round-trip through JSON so handler argument types match what the
	// schema library expects (json.Number-free plain values).
	raw, err := json.Marshal(args)
	if err != nil {
		return fault.Wrap(fault.ExecutionError, err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fault.Wrap(fault.ExecutionError, err)
	}
	if err := reg.schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok && hasRequiredViolation(ve) {
			return fault.Newf(fault.MissingParameter, "tool %s: %s", name, ve.Message)
		}
		return fault.Wrap(fault.ExecutionError, err)
	}
	return nil
}

// Descriptors returns all registered descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LLMTools returns the registered tools in provider-neutral form, sorted
// by name.
func (r *Registry) LLMTools() []llm.Tool {
	descs := r.Descriptors()
	out := make([]llm.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.LLMTool())
	}
	return out
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

func hasRequiredViolation(ve *jsonschema.ValidationError) bool {
	if strings.HasSuffix(ve.KeywordLocation, "/required") {
		return true
	}
	for _, cause := range ve.Causes {
		if hasRequiredViolation(cause) {
			return true
		}
	}
	return false
}
