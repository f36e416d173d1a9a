package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Skill is one tool the assistant can invoke. Implementations must be
// safe for concurrent invocation; sandbox enforcement happens in the
// dispatcher, not in the skill itself.
type Skill interface {
	Descriptor() SkillDescriptor
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry holds the fixed set of skills for a process. It is assembled
// once at startup and never mutated afterwards, so lookups need no lock.
// Parameter schemas are compiled at registration; a skill with an invalid
// schema fails registration rather than failing on first call.
type Registry struct {
	skills  map[string]Skill
	schemas map[string]*jsonschema.Schema
	names   []string
}

// NewRegistry compiles and registers the given skills. Duplicate names
// and invalid parameter schemas are rejected.
func NewRegistry(skills ...Skill) (*Registry, error) {
	r := &Registry{
		skills:  make(map[string]Skill, len(skills)),
		schemas: make(map[string]*jsonschema.Schema, len(skills)),
	}
	for _, s := range skills {
		d := s.Descriptor()
		if d.Name == "" {
			return nil, fmt.Errorf("skill with empty name")
		}
		if _, dup := r.skills[d.Name]; dup {
			return nil, fmt.Errorf("duplicate skill: %s", d.Name)
		}
		sch, err := compileSchema(d.Name, d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", d.Name, err)
		}
		r.skills[d.Name] = s
		r.schemas[d.Name] = sch
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse parameter schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add parameter schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return sch, nil
}

// Get returns the named skill, or ErrNotFound.
func (r *Registry) Get(name string) (Skill, error) {
	s, ok := r.skills[name]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Names lists registered skill names in sorted order.
func (r *Registry) Names() []string { return r.names }

// Descriptors returns all skill descriptors, sorted by name. The slice is
// fresh on every call; callers may mutate it.
func (r *Registry) Descriptors() []SkillDescriptor {
	out := make([]SkillDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.skills[n].Descriptor())
	}
	return out
}

// Validate checks args against the named skill's compiled parameter
// schema. Returns ErrNotFound for an unknown skill.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	sch, ok := r.schemas[name]
	if !ok {
		return ErrNotFound
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("skill %s: arguments are not valid JSON: %w", name, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("skill %s: invalid arguments: %w", name, err)
	}
	return nil
}
