package tools

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

type Kind string

const (
	KindObject  Kind = "object"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	// KindAny accepts every value. Schema shapes we do not understand end up
	// here instead of failing the tool.
	KindAny Kind = "any"
)

// Param is a typed tool parameter.
type Param struct {
	Kind        Kind
	Description string

	// object
	Properties map[string]*Param
	Required   []string

	// array
	Items *Param

	// Optional is set for members of a union with null.
	Optional bool
	Default  any
	Enum     []any
}

func Any() *Param { return &Param{Kind: KindAny} }

// Object builds an object parameter. Every name in required must be a key
// of props.
func Object(props map[string]*Param, required ...string) *Param {
	if props == nil {
		props = map[string]*Param{}
	}
	return &Param{Kind: KindObject, Properties: props, Required: required}
}

func String(description string) *Param {
	return &Param{Kind: KindString, Description: description}
}

// FromJSONSchema translates a JSON Schema node. An object without a
// "required" list has only optional fields. A union with null becomes its
// non-null member marked optional; any other union uses its first member.
func FromJSONSchema(node any) *Param {
	schema, ok := node.(map[string]any)
	if !ok {
		return Any()
	}
	p := fromSchemaMap(schema)
	if d, ok := schema["description"].(string); ok && p.Description == "" {
		p.Description = d
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 && p.scalar() {
		p.Enum = enum
	}
	return p
}

func fromSchemaMap(schema map[string]any) *Param {
	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		props, ok := schema["properties"].(map[string]any)
		if !ok {
			return Object(nil)
		}
		p := Object(make(map[string]*Param, len(props)))
		for name, child := range props {
			p.Properties[name] = FromJSONSchema(child)
		}
		for _, r := range stringList(schema["required"]) {
			if _, ok := p.Properties[r]; ok {
				p.Required = append(p.Required, r)
			}
		}
		return p
	case "string", "number", "integer", "boolean":
		return &Param{Kind: Kind(typ), Default: schema["default"]}
	case "array":
		if items, ok := schema["items"]; ok {
			return &Param{Kind: KindArray, Items: FromJSONSchema(items)}
		}
		return &Param{Kind: KindArray, Items: Any()}
	}

	members, ok := schema["anyOf"].([]any)
	if !ok || len(members) == 0 {
		return Any()
	}
	hasNull := false
	var nonNull any
	for _, m := range members {
		mm, _ := m.(map[string]any)
		if t, _ := mm["type"].(string); t == "null" {
			hasNull = true
			continue
		}
		if nonNull == nil {
			nonNull = m
		}
	}
	if hasNull && nonNull != nil {
		p := FromJSONSchema(nonNull)
		p.Optional = true
		return p
	}
	return FromJSONSchema(members[0])
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// JSONSchema renders p for model providers.
func (p *Param) JSONSchema() map[string]any {
	out := map[string]any{}
	if p.Description != "" {
		out["description"] = p.Description
	}
	switch p.Kind {
	case KindAny:
		return out
	case KindObject:
		out["type"] = "object"
		props := make(map[string]any, len(p.Properties))
		for name, child := range p.Properties {
			props[name] = child.JSONSchema()
		}
		out["properties"] = props
		var required []string
		for _, r := range p.Required {
			if child := p.Properties[r]; child != nil && child.Default == nil && !child.Optional {
				required = append(required, r)
			}
		}
		if len(required) > 0 {
			out["required"] = required
		}
	case KindArray:
		out["type"] = "array"
		items := p.Items
		if items == nil {
			items = Any()
		}
		out["items"] = items.JSONSchema()
	default:
		out["type"] = string(p.Kind)
	}
	if p.Optional {
		out["nullable"] = true
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	return out
}

// Validate checks v against p and returns it with defaults applied. v is
// expected to come from encoding/json, so numbers are float64.
func (p *Param) Validate(v any) (any, error) {
	return p.validate("", v)
}

func (p *Param) validate(path string, v any) (any, error) {
	if v == nil {
		if p.Default != nil {
			return p.Default, nil
		}
		if p.Optional || p.Kind == KindAny {
			return nil, nil
		}
		return nil, fieldError(path, "is required")
	}

	var out any
	switch p.Kind {
	case KindAny:
		return v, nil
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fieldError(path, "expected object")
		}
		res := make(map[string]any, len(p.Properties))
		names := make([]string, 0, len(p.Properties))
		for name := range p.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := p.Properties[name]
			raw, present := obj[name]
			if !present || raw == nil {
				switch {
				case child.Default != nil:
					res[name] = child.Default
				case slices.Contains(p.Required, name) && !child.Optional:
					return nil, fieldError(join(path, name), "is required")
				}
				continue
			}
			val, err := child.validate(join(path, name), raw)
			if err != nil {
				return nil, err
			}
			res[name] = val
		}
		out = res
	case KindString:
		if _, ok := v.(string); !ok {
			return nil, fieldError(path, "expected string")
		}
		out = v
	case KindNumber:
		if _, ok := v.(float64); !ok {
			return nil, fieldError(path, "expected number")
		}
		out = v
	case KindInteger:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, fieldError(path, "expected integer")
		}
		out = v
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return nil, fieldError(path, "expected boolean")
		}
		out = v
	case KindArray:
		list, ok := v.([]any)
		if !ok {
			return nil, fieldError(path, "expected array")
		}
		items := p.Items
		if items == nil {
			items = Any()
		}
		res := make([]any, 0, len(list))
		for i, item := range list {
			val, err := items.validate(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			res = append(res, val)
		}
		out = res
	default:
		return v, nil
	}

	if len(p.Enum) > 0 && p.scalar() && !slices.Contains(p.Enum, out) {
		return nil, fieldError(path, fmt.Sprintf("must be one of %v", p.Enum))
	}
	return out, nil
}

func (p *Param) scalar() bool {
	switch p.Kind {
	case KindString, KindNumber, KindInteger, KindBoolean:
		return true
	}
	return false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func fieldError(path, msg string) error {
	if path == "" {
		return fmt.Errorf("%w: input %s", ErrInvalidInput, msg)
	}
	return fmt.Errorf("%w: %s %s", ErrInvalidInput, path, msg)
}
