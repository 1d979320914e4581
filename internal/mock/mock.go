// Package mock provides a deterministic transport used when no credential is configured.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/tools"
	"github.com/n0madic/go-responses/internal/types"
)

// DefaultModel is reported when neither the payload nor the transport names a model.
const DefaultModel = "gpt-4o-mini"

// Transport answers requests locally with structurally valid responses.
type Transport struct {
	model string

	mu  sync.Mutex
	seq int
	now func() time.Time
}

// New creates a mock transport that reports model when the payload has none.
func New(model string) *Transport {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Transport{model: model, now: time.Now}
}

// Create returns a synthesized response for payload.
func (t *Transport) Create(ctx context.Context, payload *types.RequestPayload) (*types.ResponseObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError("mock.create", err)
	}
	return t.respond(payload), nil
}

func (t *Transport) respond(p *types.RequestPayload) *types.ResponseObject {
	t.mu.Lock()
	t.seq++
	n := t.seq
	created := t.now().Unix()
	t.mu.Unlock()

	model := p.Model
	if model == "" {
		model = t.model
	}
	resp := &types.ResponseObject{
		ID:                 fmt.Sprintf("resp_mock_%06d", n),
		Object:             "response",
		CreatedAt:          created,
		Status:             types.StatusCompleted,
		Model:              model,
		PreviousResponseID: p.PreviousResponseID,
		Metadata:           p.Metadata,
	}

	var outText string
	if def, ok := toolToCall(p); ok {
		args := sampleArguments(def.Parameters)
		outText = args
		resp.Output = []types.OutputItem{{
			Type:      types.OutputFunctionCall,
			ID:        fmt.Sprintf("fc_mock_%06d", n),
			Status:    string(types.StatusCompleted),
			CallID:    fmt.Sprintf("call_mock_%06d", n),
			Name:      def.Name,
			Arguments: args,
		}}
	} else {
		outText = replyText(p)
		resp.Output = []types.OutputItem{{
			Type:    types.OutputMessage,
			ID:      fmt.Sprintf("msg_mock_%06d", n),
			Status:  string(types.StatusCompleted),
			Role:    "assistant",
			Content: []types.ContentPart{{Type: "output_text", Text: outText}},
		}}
	}

	in := countTokens(inputText(p)) + countTokens(p.Instructions)
	out := countTokens(outText)
	resp.Usage = &types.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	return resp
}

// toolToCall picks the tool a forced or required tool choice asks for.
// Requests carrying tool outputs always get a message back.
func toolToCall(p *types.RequestPayload) (types.ToolDefinition, bool) {
	if len(p.ToolOutputs) > 0 || len(p.Tools) == 0 || p.ToolChoice == nil {
		return types.ToolDefinition{}, false
	}
	if name, ok := p.ToolChoice.Forced(); ok {
		return tools.Find(p.Tools, name)
	}
	if p.ToolChoice.Mode == types.ToolChoiceRequired {
		return p.Tools[0], true
	}
	return types.ToolDefinition{}, false
}

func replyText(p *types.RequestPayload) string {
	prompt := inputText(p)
	if p.IsJSONMode() {
		body := map[string]any{"mock": true, "input": prompt}
		if len(p.ToolOutputs) > 0 {
			body["tool_outputs"] = len(p.ToolOutputs)
		}
		data, _ := json.Marshal(body)
		return string(data)
	}
	if len(p.ToolOutputs) > 0 {
		parts := make([]string, 0, len(p.ToolOutputs))
		for _, out := range p.ToolOutputs {
			parts = append(parts, fmt.Sprintf("%s=%s", out.ToolCallID, out.Output))
		}
		reply := "Mock response using tool results: " + strings.Join(parts, "; ")
		if prompt != "" {
			reply += ". Follow-up: " + prompt
		}
		return reply
	}
	if prompt == "" {
		return "Mock response."
	}
	return "Mock response to: " + prompt
}

// inputText returns the text of the last user message in the payload.
func inputText(p *types.RequestPayload) string {
	if p.Input.Text != "" {
		return p.Input.Text
	}
	for i := len(p.Input.Items) - 1; i >= 0; i-- {
		item := p.Input.Items[i]
		if item.Type != "" && item.Type != "message" {
			continue
		}
		var b strings.Builder
		for _, part := range item.Content {
			b.WriteString(part.Text)
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

func countTokens(s string) int {
	return len(strings.Fields(s))
}

// sampleArguments builds a JSON object holding a placeholder for every required property.
func sampleArguments(schema map[string]any) string {
	data, err := json.Marshal(sampleObject(schema))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sampleObject(schema map[string]any) map[string]any {
	out := map[string]any{}
	props, _ := schema["properties"].(map[string]any)
	for _, name := range requiredNames(schema["required"]) {
		prop, _ := props[name].(map[string]any)
		out[name] = sampleValue(prop)
	}
	return out
}

func requiredNames(v any) []string {
	var names []string
	switch req := v.(type) {
	case []string:
		names = append(names, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
	}
	sort.Strings(names)
	return names
}

func sampleValue(schema map[string]any) any {
	if schema == nil {
		return nil
	}
	switch enum := schema["enum"].(type) {
	case []any:
		if len(enum) > 0 {
			return enum[0]
		}
	case []string:
		if len(enum) > 0 {
			return enum[0]
		}
	}
	switch schemaType(schema["type"]) {
	case "string":
		return "mock"
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return sampleObject(schema)
	}
	return nil
}

// schemaType resolves "type", skipping "null" when it lists several types.
func schemaType(v any) string {
	switch typ := v.(type) {
	case string:
		return typ
	case []any:
		for _, t := range typ {
			if s, ok := t.(string); ok && s != "null" {
				return s
			}
		}
	case []string:
		for _, s := range typ {
			if s != "null" {
				return s
			}
		}
	}
	return ""
}

func contextError(op string, err error) error {
	msg := "request cancelled"
	if err == context.DeadlineExceeded {
		msg = "request timed out"
	}
	return &apierr.ResponseError{Op: op, Message: msg, Err: err}
}
