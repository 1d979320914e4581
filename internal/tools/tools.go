// Package tools implements the function-calling protocol: tool definitions,
// tool_choice directives, argument parsing and tool result formatting.
package tools

import (
	"encoding/json"
	"maps"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/types"
)

// DefineFunctionTool returns a normalized function tool definition.
// Name, description and a parameter schema are all required.
func DefineFunctionTool(name, description string, params map[string]any) (types.ToolDefinition, error) {
	const op = "tools.define"
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	switch {
	case name == "":
		return types.ToolDefinition{}, apierr.NewRequestError(op, "name", "tool name is required")
	case description == "":
		return types.ToolDefinition{}, apierr.NewRequestError(op, "description", "tool description is required")
	case params == nil:
		return types.ToolDefinition{}, apierr.NewRequestError(op, "parameters", "parameter schema is required")
	}

	schema := maps.Clone(params)
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if schema["type"] == "object" {
		if _, ok := schema["properties"]; !ok {
			schema["properties"] = map[string]any{}
		}
	}
	return types.ToolDefinition{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters:  schema,
	}, nil
}

// FunctionToolFor derives the parameter schema from T's struct fields and tags.
func FunctionToolFor[T any](name, description string) (types.ToolDefinition, error) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	data, err := schema.MarshalJSON()
	if err != nil {
		return types.ToolDefinition{}, &apierr.RequestError{Op: "tools.reflect", Field: "parameters", Err: err}
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return types.ToolDefinition{}, &apierr.RequestError{Op: "tools.reflect", Field: "parameters", Err: err}
	}
	delete(params, "$schema")
	delete(params, "$id")
	return DefineFunctionTool(name, description, params)
}

// ForceFunctionCall builds a tool_choice that forces the named function.
func ForceFunctionCall(name string) types.ToolChoice {
	return types.ToolChoice{Function: strings.TrimSpace(name)}
}

// AutoToolChoice lets the model decide whether to call a tool.
func AutoToolChoice() types.ToolChoice {
	return types.ToolChoice{Mode: types.ToolChoiceAuto}
}

// RequireToolCall forces the model to call at least one tool.
func RequireToolCall() types.ToolChoice {
	return types.ToolChoice{Mode: types.ToolChoiceRequired}
}

// NoTools prevents the model from calling tools.
func NoTools() types.ToolChoice {
	return types.ToolChoice{Mode: types.ToolChoiceNone}
}

// Find returns the definition with the given name.
func Find(defs []types.ToolDefinition, name string) (types.ToolDefinition, bool) {
	for _, def := range defs {
		if def.Name == name {
			return def, true
		}
	}
	return types.ToolDefinition{}, false
}
