package domain

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ComponentKind names the namespace a pipeline component lives in.
type ComponentKind string

const (
	KindSource    ComponentKind = "source"
	KindTransform ComponentKind = "transform"
	KindSink      ComponentKind = "sink"
)

// ComponentSpec describes a single pipeline component. Params carries every
// engine option other than type and inputs; on the wire they sit flat next to
// those two keys, the way the engine expects them.
type ComponentSpec struct {
	Type   string
	Inputs []string
	Params map[string]any
}

// PipelineConfig is a tenant's declarative dataflow graph.
type PipelineConfig struct {
	Sources    map[string]ComponentSpec `json:"sources" yaml:"sources"`
	Transforms map[string]ComponentSpec `json:"transforms" yaml:"transforms"`
	Sinks      map[string]ComponentSpec `json:"sinks" yaml:"sinks"`
}

// EmptyPipelineConfig returns the skeleton used when an org has no instance yet.
func EmptyPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Sources:    map[string]ComponentSpec{},
		Transforms: map[string]ComponentSpec{},
		Sinks:      map[string]ComponentSpec{},
	}
}

// Normalized returns the config with nil namespaces replaced by empty maps.
func (c PipelineConfig) Normalized() PipelineConfig {
	if c.Sources == nil {
		c.Sources = map[string]ComponentSpec{}
	}
	if c.Transforms == nil {
		c.Transforms = map[string]ComponentSpec{}
	}
	if c.Sinks == nil {
		c.Sinks = map[string]ComponentSpec{}
	}
	return c
}

// Clone deep-copies the config so callers can mutate the result freely.
func (c PipelineConfig) Clone() PipelineConfig {
	return PipelineConfig{
		Sources:    cloneComponents(c.Sources),
		Transforms: cloneComponents(c.Transforms),
		Sinks:      cloneComponents(c.Sinks),
	}
}

// Lookup finds a component by id in any namespace.
func (c PipelineConfig) Lookup(id string) (ComponentSpec, ComponentKind, bool) {
	if spec, ok := c.Sources[id]; ok {
		return spec, KindSource, true
	}
	if spec, ok := c.Transforms[id]; ok {
		return spec, KindTransform, true
	}
	if spec, ok := c.Sinks[id]; ok {
		return spec, KindSink, true
	}
	return ComponentSpec{}, "", false
}

// Has reports whether id is taken in any namespace.
func (c PipelineConfig) Has(id string) bool {
	_, _, ok := c.Lookup(id)
	return ok
}

// Len counts components across all namespaces.
func (c PipelineConfig) Len() int {
	return len(c.Sources) + len(c.Transforms) + len(c.Sinks)
}

// SortedIDs returns the keys of a component map in ascending order.
func SortedIDs(components map[string]ComponentSpec) []string {
	ids := make([]string, 0, len(components))
	for id := range components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone deep-copies a component spec.
func (s ComponentSpec) Clone() ComponentSpec {
	out := ComponentSpec{Type: s.Type}
	if s.Inputs != nil {
		out.Inputs = append([]string{}, s.Inputs...)
	}
	if s.Params != nil {
		out.Params = cloneValue(s.Params).(map[string]any)
	}
	return out
}

// MarshalJSON flattens params next to type and inputs.
func (s ComponentSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.flatten())
}

// UnmarshalJSON splits an engine-native component body into type, inputs and params.
func (s *ComponentSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.fromMap(raw)
}

// MarshalYAML flattens params next to type and inputs.
func (s ComponentSpec) MarshalYAML() (any, error) {
	return s.flatten(), nil
}

// UnmarshalYAML splits an engine-native component body into type, inputs and params.
func (s *ComponentSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return s.fromMap(raw)
}

func (s ComponentSpec) flatten() map[string]any {
	out := make(map[string]any, len(s.Params)+2)
	for k, v := range s.Params {
		out[k] = v
	}
	out["type"] = s.Type
	if s.Inputs != nil {
		out["inputs"] = s.Inputs
	}
	return out
}

func (s *ComponentSpec) fromMap(raw map[string]any) error {
	*s = ComponentSpec{}
	if raw == nil {
		return nil
	}
	if v, ok := raw["type"]; ok {
		typ, isString := v.(string)
		if !isString {
			return fmt.Errorf("component type must be a string, got %T", v)
		}
		s.Type = typ
	}
	if v, ok := raw["inputs"]; ok && v != nil {
		list, isList := v.([]any)
		if !isList {
			return fmt.Errorf("component inputs must be a list, got %T", v)
		}
		s.Inputs = make([]string, 0, len(list))
		for _, item := range list {
			id, isString := item.(string)
			if !isString {
				return fmt.Errorf("component input must be a string, got %T", item)
			}
			s.Inputs = append(s.Inputs, id)
		}
	}
	for k, v := range raw {
		if k == "type" || k == "inputs" {
			continue
		}
		if s.Params == nil {
			s.Params = make(map[string]any, len(raw))
		}
		s.Params[k] = v
	}
	return nil
}

func cloneComponents(in map[string]ComponentSpec) map[string]ComponentSpec {
	if in == nil {
		return nil
	}
	out := make(map[string]ComponentSpec, len(in))
	for id, spec := range in {
		out[id] = spec.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string{}, typed...)
	default:
		return v
	}
}
