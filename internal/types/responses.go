package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MaxToolOutputChars is the largest tool output, in characters, accepted for submission.
const MaxToolOutputChars = 20000

// InputItem represents a single item in the Responses API input array.
// Uses a flat discriminated union pattern: Type determines which fields are relevant.
type InputItem struct {
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is a content entry of an input or output message.
type ContentPart struct {
	Type        string            `json:"type"`
	Text        string            `json:"text"`
	ImageURL    string            `json:"image_url,omitempty"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
}

// UserMessage builds a user message input item carrying text.
func UserMessage(text string) InputItem {
	return InputItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
}

// FunctionCallOutput builds the input item that answers a function call.
func FunctionCallOutput(callID, output string) InputItem {
	return InputItem{Type: "function_call_output", CallID: callID, Output: output}
}

// Input is the user-facing part of a turn: either plain text or structured items.
type Input struct {
	Text  string
	Items []InputItem
}

// TextInput wraps plain text as an Input.
func TextInput(text string) Input {
	return Input{Text: text}
}

// ItemsInput wraps structured items as an Input.
func ItemsInput(items ...InputItem) Input {
	return Input{Items: items}
}

// IsEmpty reports whether the input carries neither text nor items.
func (in Input) IsEmpty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Items) == 0
}

// AsItems returns the input as a list of items, wrapping text as a user message.
func (in Input) AsItems() []InputItem {
	if len(in.Items) > 0 {
		return in.Items
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil
	}
	return []InputItem{UserMessage(in.Text)}
}

// MarshalJSON encodes text input as a JSON string and item input as an array.
func (in Input) MarshalJSON() ([]byte, error) {
	if len(in.Items) > 0 {
		return json.Marshal(in.Items)
	}
	return json.Marshal(in.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of input items.
func (in *Input) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*in = Input{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*in = Input{Text: s}
		return nil
	}
	var items []InputItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("input must be a string or an array of items: %w", err)
	}
	*in = Input{Items: items}
	return nil
}

// ToolOutput is the result of one tool call, addressed by the call's id.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ToolOutputs is the envelope produced when formatting tool results.
type ToolOutputs struct {
	ToolOutputs []ToolOutput `json:"tool_outputs"`
}

// Message is a single turn sent by the caller: new input, tool outputs, or both.
type Message struct {
	Input       Input
	ToolOutputs []ToolOutput
}

// ToolDefinition represents a function tool in the Responses API format.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// ToolChoice is either a mode string or a directive forcing one named function.
type ToolChoice struct {
	Mode     string
	Function string
}

// Forced returns the forced function name, if any.
func (tc ToolChoice) Forced() (string, bool) {
	return tc.Function, tc.Function != ""
}

// MarshalJSON encodes a forced function as {"type":"function","name":...} and modes as strings.
func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Function != "" {
		return json.Marshal(struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}{Type: "function", Name: tc.Function})
	}
	mode := tc.Mode
	if mode == "" {
		mode = ToolChoiceAuto
	}
	return json.Marshal(mode)
}

// UnmarshalJSON accepts both the mode string and the function directive forms.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var mode string
		if err := json.Unmarshal(data, &mode); err != nil {
			return err
		}
		*tc = ToolChoice{Mode: mode}
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function *struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	name := obj.Name
	if name == "" && obj.Function != nil {
		name = obj.Function.Name
	}
	*tc = ToolChoice{Function: name}
	return nil
}

// TextConfig controls the output text format.
type TextConfig struct {
	Format TextFormat `json:"format"`
}

// TextFormat names the output format; "json_object" enables JSON mode.
type TextFormat struct {
	Type string `json:"type"`
}

// JSONObjectText is the text configuration that requests JSON output.
func JSONObjectText() *TextConfig {
	return &TextConfig{Format: TextFormat{Type: "json_object"}}
}

// IsJSONMode reports whether the payload requests JSON output.
func (p *RequestPayload) IsJSONMode() bool {
	return p.Text != nil && p.Text.Format.Type == "json_object"
}

// RequestPayload is the body sent to the responses endpoint.
// ToolOutputs are folded into the wire input as function_call_output items.
type RequestPayload struct {
	Model              string            `json:"model"`
	Input              Input             `json:"input"`
	Instructions       string            `json:"instructions,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	MaxOutputTokens    int               `json:"max_output_tokens,omitempty"`
	Tools              []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice         *ToolChoice       `json:"tool_choice,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Truncation         string            `json:"truncation,omitempty"`
	User               string            `json:"user,omitempty"`
	Text               *TextConfig       `json:"text,omitempty"`
	Stream             bool              `json:"stream,omitempty"`

	ToolOutputs []ToolOutput `json:"-"`
}

// WireInput merges tool outputs and caller input into the items sent upstream.
// Tool outputs come first so the follow-up message reads after them.
func (p *RequestPayload) WireInput() Input {
	if len(p.ToolOutputs) == 0 {
		return p.Input
	}
	items := make([]InputItem, 0, len(p.ToolOutputs)+len(p.Input.Items)+1)
	for _, out := range p.ToolOutputs {
		items = append(items, FunctionCallOutput(out.ToolCallID, out.Output))
	}
	items = append(items, p.Input.AsItems()...)
	return Input{Items: items}
}

// MarshalJSON encodes the payload with tool outputs folded into input.
func (p RequestPayload) MarshalJSON() ([]byte, error) {
	type alias RequestPayload
	wire := alias(p)
	wire.Input = p.WireInput()
	return json.Marshal(wire)
}
