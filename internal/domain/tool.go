package domain

import (
	"context"
	"fmt"
	"reflect"
)

// ParamKind is the primitive kind a tool parameter accepts.
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
	KindArray   ParamKind = "array"
	KindObject  ParamKind = "object"
)

// ToolParameter declares one input of a tool.
type ToolParameter struct {
	Name        string    `json:"name" yaml:"name"`
	Kind        ParamKind `json:"type" yaml:"type"`
	Description string    `json:"description" yaml:"description"`
	Required    bool      `json:"required" yaml:"required"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// ToolDefinition is the externally visible shape of a tool. Name is the dispatch key.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Parameters  []ToolParameter `json:"parameters"`
}

// ToolResult is the envelope every execution returns to the caller.
// A failed result always carries Error; Message is always set.
type ToolResult struct {
	Success bool   `json:"success"`
	Message string `json:"result"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is the interface every agent capability implements.
//
// Execute reports expected failures through ToolResult. A non-nil error is
// reserved for unexpected faults; the dispatcher turns it into a generic
// execution failure.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, params map[string]any) (ToolResult, error)
}

// ParamValidator lets a tool replace the schema-generated validation.
type ParamValidator interface {
	ValidateParams(params map[string]any) error
}

// Validate checks params against the declared schema: required parameters
// must be present and present values must match their declared kind. Extra
// parameters are accepted.
func (d ToolDefinition) Validate(params map[string]any) error {
	for _, p := range d.Parameters {
		v, ok := params[p.Name]
		if !ok {
			if p.Required {
				return fmt.Errorf("missing required parameter: %s", p.Name)
			}
			continue
		}
		if v == nil {
			continue
		}
		if actual := KindOf(v); actual != p.Kind {
			return fmt.Errorf("invalid type for parameter %s: expected %s, got %s", p.Name, p.Kind, actual)
		}
	}
	return nil
}

// CheckSchema reports schema problems that make a definition unusable.
func (d ToolDefinition) CheckSchema() error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name is required", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindString, KindNumber, KindBoolean, KindArray, KindObject:
		default:
			return fmt.Errorf("tool %s: parameter %s has unknown kind %q", d.Name, p.Name, p.Kind)
		}
	}
	return nil
}

// WithDefaults returns a copy of params with declared defaults filled in for
// absent parameters. The input map is not modified.
func (d ToolDefinition) WithDefaults(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(d.Parameters))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range d.Parameters {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// KindOf classifies a runtime value the way decoded JSON would be classified.
func KindOf(v any) ParamKind {
	switch v.(type) {
	case string:
		return KindString
	case bool:
		return KindBoolean
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return KindNumber
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return KindArray
	case reflect.String:
		return KindString
	case reflect.Bool:
		return KindBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber
	default:
		return KindObject
	}
}
