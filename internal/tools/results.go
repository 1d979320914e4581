package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/types"
)

// Result pairs a tool call id with the value the tool produced.
type Result struct {
	ToolCallID string
	Output     any
}

// ParseToolArguments decodes the JSON arguments of a tool call.
// Empty arguments decode to an empty object.
func ParseToolArguments(call types.ToolCall) (any, error) {
	raw := strings.TrimSpace(call.Function.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, argumentsError(call, err)
	}
	return v, nil
}

// DecodeToolArguments decodes the JSON arguments of a tool call into T.
func DecodeToolArguments[T any](call types.ToolCall) (T, error) {
	var out T
	raw := strings.TrimSpace(call.Function.Arguments)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, argumentsError(call, err)
	}
	return out, nil
}

func argumentsError(call types.ToolCall, err error) error {
	return &apierr.ResponseHandlingError{
		Op:      "tools.arguments",
		ItemID:  call.ID,
		Message: fmt.Sprintf("invalid JSON arguments for %s", call.Function.Name),
		Err:     err,
	}
}

// FormatToolResult serializes a tool output for submission.
// Strings pass through; other values are JSON encoded.
func FormatToolResult(toolCallID string, output any) (types.ToolOutputs, error) {
	out, err := formatOne(toolCallID, output)
	if err != nil {
		return types.ToolOutputs{}, err
	}
	return types.ToolOutputs{ToolOutputs: []types.ToolOutput{out}}, nil
}

// FormatMultipleToolResults formats every result, failing on the first invalid entry.
func FormatMultipleToolResults(results []Result) (types.ToolOutputs, error) {
	outputs := make([]types.ToolOutput, 0, len(results))
	for i, r := range results {
		out, err := formatOne(r.ToolCallID, r.Output)
		if err != nil {
			return types.ToolOutputs{}, fmt.Errorf("tool result %d (%s): %w", i, r.ToolCallID, err)
		}
		outputs = append(outputs, out)
	}
	return types.ToolOutputs{ToolOutputs: outputs}, nil
}

func formatOne(toolCallID string, output any) (types.ToolOutput, error) {
	const op = "tools.format"
	if strings.TrimSpace(toolCallID) == "" {
		return types.ToolOutput{}, apierr.NewRequestError(op, "tool_call_id", "tool call id is required")
	}
	text, err := stringify(output)
	if err != nil {
		return types.ToolOutput{}, &apierr.ResponseHandlingError{Op: op, ItemID: toolCallID, Message: "encode tool output", Err: err}
	}
	if n := utf8.RuneCountInString(text); n > types.MaxToolOutputChars {
		return types.ToolOutput{}, &apierr.ResponseHandlingError{
			Op:      op,
			ItemID:  toolCallID,
			Message: fmt.Sprintf("tool output is %d characters, limit is %d", n, types.MaxToolOutputChars),
		}
	}
	return types.ToolOutput{ToolCallID: toolCallID, Output: text}, nil
}

func stringify(output any) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(output); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// CreateToolResultInput builds the next turn from tool outputs and optional new input.
// The caller supplies previous_response_id when sending it.
func CreateToolResultInput(userInput *types.Input, outputs types.ToolOutputs) types.Message {
	msg := types.Message{ToolOutputs: outputs.ToolOutputs}
	if userInput != nil {
		msg.Input = *userInput
	}
	return msg
}
