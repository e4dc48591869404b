// Package filter provides CEL expression evaluation for subscription
// attribute filtering.
package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Filter is a compiled CEL expression matched against event attributes.
type Filter struct {
	program cel.Program
}

// Compile parses and compiles a CEL expression. Expressions see the
// variables `attributes` (the event's resource attributes), `eventType`,
// `resourceId`, and `resourceType`. Missing keys and evaluation errors
// produce false (not an error).
func Compile(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("resourceId", cel.StringType),
		cel.Variable("resourceType", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return &Filter{program: prog}, nil
}

// Match evaluates the filter against the given event fields.
// Returns false (not error) on missing keys, type mismatches, or evaluation errors.
func (f *Filter) Match(eventType, resourceID, resourceType string, attrs map[string]any) bool {
	if attrs == nil {
		attrs = map[string]any{}
	}
	out, _, err := f.program.Eval(map[string]any{
		"attributes":   attrs,
		"eventType":    eventType,
		"resourceId":   resourceID,
		"resourceType": resourceType,
	})
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
