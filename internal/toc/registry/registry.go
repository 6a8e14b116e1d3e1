// Package registry implements the Tool Registry: a read-mostly map from
// tool name to descriptor. Registrations produce a new immutable snapshot
// atomically rather than guarding a shared map with a reader/writer lock,
// so a plan execution holding a snapshot never races a concurrent
// registration (see DESIGN.md, "favor an immutable snapshot").
package registry

import (
	"sort"
	"sync/atomic"

	"browsernerd-mcp-server/internal/toc/types"
)

// snapshot is the immutable view swapped atomically on every registration.
type snapshot struct {
	byName map[types.ToolName]*types.ToolDescriptor
	order  map[types.ToolName]int // registration order, for stage tie-breaks
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byName: make(map[types.ToolName]*types.ToolDescriptor),
		order:  make(map[types.ToolName]int),
	}
}

// Registry maps tool name to descriptor. The zero value is not usable; use
// New.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// New builds an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(emptySnapshot())
	return r
}

// Register inserts a descriptor. Duplicate names return AlreadyRegistered.
// Unknown categories are rejected at registration time rather than
// deferred to graph construction, following original_source's
// registry.rs precedent (see SPEC_FULL.md, SUPPLEMENTED FEATURES).
func (r *Registry) Register(desc types.ToolDescriptor) error {
	if desc.Name == "" {
		return types.NewError(types.ErrInvalidInput, "tool name must not be empty")
	}
	if !types.ValidCategory(desc.Category) {
		return &types.Error{Kind: types.ErrInvalidInput, Field: "category", Reason: "unknown category " + string(desc.Category)}
	}
	if desc.Handler == nil {
		return &types.Error{Kind: types.ErrInvalidInput, Field: "handler", Reason: "handler must not be nil"}
	}

	old := r.current.Load()
	if _, exists := old.byName[desc.Name]; exists {
		return &types.Error{Kind: types.ErrAlreadyRegistered, Reason: string(desc.Name)}
	}

	next := &snapshot{
		byName: make(map[types.ToolName]*types.ToolDescriptor, len(old.byName)+1),
		order:  make(map[types.ToolName]int, len(old.order)+1),
	}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	for k, v := range old.order {
		next.order[k] = v
	}

	descCopy := desc
	next.byName[desc.Name] = &descCopy
	next.order[desc.Name] = len(next.order)

	r.current.Store(next)
	return nil
}

// Lookup returns the descriptor for name, or NotFound.
func (r *Registry) Lookup(name types.ToolName) (*types.ToolDescriptor, error) {
	snap := r.current.Load()
	desc, ok := snap.byName[name]
	if !ok {
		return nil, &types.Error{Kind: types.ErrNotFound, Reason: string(name)}
	}
	return desc, nil
}

// RegistrationOrder returns the position name was registered at, used by
// the Dependency Graph for deterministic stage tie-breaking. Returns -1 if
// name is not registered.
func (r *Registry) RegistrationOrder(name types.ToolName) int {
	snap := r.current.Load()
	if pos, ok := snap.order[name]; ok {
		return pos
	}
	return -1
}

// List returns a snapshot view of every registered descriptor, sorted by
// name for determinism.
func (r *Registry) List() []*types.ToolDescriptor {
	snap := r.current.Load()
	out := make([]*types.ToolDescriptor, 0, len(snap.byName))
	for _, d := range snap.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByCategory returns every descriptor in the given category, sorted by
// name.
func (r *Registry) ListByCategory(cat types.ToolCategory) []*types.ToolDescriptor {
	all := r.List()
	out := make([]*types.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if d.Category == cat {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks input against the descriptor's schema, returning
// InvalidInput{field, reason} on the first violation.
func (r *Registry) Validate(name types.ToolName, input types.ToolInput) error {
	desc, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return ValidateSchema(desc.Schema, input)
}

// ValidateSchema checks input against schema directly, without a registry
// lookup; exported so the Planner Adapter and tests can validate ad hoc.
func ValidateSchema(schema types.Schema, input types.ToolInput) error {
	for _, field := range schema.Fields {
		val, present := input[field.Name]
		if !present {
			if field.Required {
				return &types.Error{Kind: types.ErrInvalidInput, Field: field.Name, Reason: "required field missing"}
			}
			continue
		}
		if err := checkKind(field, val); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(field types.FieldSchema, val interface{}) error {
	switch field.Kind {
	case "", types.KindAny:
		return nil
	case types.KindString:
		s, ok := val.(string)
		if !ok {
			return &types.Error{Kind: types.ErrInvalidInput, Field: field.Name, Reason: "expected string"}
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			return &types.Error{Kind: types.ErrInvalidInput, Field: field.Name, Reason: "value not in enum " + join(field.Enum)}
		}
		return nil
	case types.KindInt:
		switch val.(type) {
		case int, int32, int64, float64:
			return nil
		default:
			return &types.Error{Kind: types.ErrInvalidInput, Field: field.Name, Reason: "expected int"}
		}
	case types.KindFloat:
		switch val.(type) {
		case float32, float64, int, int64:
			return nil
		default:
			return &types.Error{Kind: types.ErrInvalidInput, Field: field.Name, Reason: "expected float"}
		}
	case types.KindBool:
		if _, ok := val.(bool); !ok {
			return &types.Error{Kind: types.ErrInvalidInput, Field: field.Name, Reason: "expected bool"}
		}
		return nil
	default:
		return nil
	}
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func join(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
