package types

import "strings"

// ResponseStatus is the lifecycle state of a response.
type ResponseStatus string

const (
	StatusQueued     ResponseStatus = "queued"
	StatusInProgress ResponseStatus = "in_progress"
	StatusCompleted  ResponseStatus = "completed"
	StatusFailed     ResponseStatus = "failed"
	StatusIncomplete ResponseStatus = "incomplete"
	StatusCancelled  ResponseStatus = "cancelled"
)

// Output item types the client understands. Others are ignored.
const (
	OutputMessage      = "message"
	OutputFunctionCall = "function_call"
)

// ResponseObject is a response returned by the responses endpoint.
type ResponseObject struct {
	ID                 string             `json:"id"`
	Object             string             `json:"object,omitempty"`
	CreatedAt          int64              `json:"created_at,omitempty"`
	Status             ResponseStatus     `json:"status"`
	Model              string             `json:"model,omitempty"`
	Output             []OutputItem       `json:"output"`
	Usage              *Usage             `json:"usage,omitempty"`
	Error              *ErrorObject       `json:"error,omitempty"`
	IncompleteDetails  *IncompleteDetails `json:"incomplete_details,omitempty"`
	PreviousResponseID string             `json:"previous_response_id,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// OutputItem is one entry of a response's output list.
type OutputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

// Usage reports token counts for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ErrorObject is the provider error attached to failed responses and error events.
type ErrorObject struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// IncompleteDetails explains why a response stopped early.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Text concatenates the output_text parts of a message item.
func (it OutputItem) Text() string {
	var sb strings.Builder
	for _, part := range it.Content {
		if part.Type == "output_text" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCall converts a function_call item into a ToolCall.
func (it OutputItem) ToolCall() (ToolCall, bool) {
	if it.Type != OutputFunctionCall {
		return ToolCall{}, false
	}
	id := it.CallID
	if id == "" {
		id = it.ID
	}
	return ToolCall{
		ID:   id,
		Type: "function",
		Function: FunctionCall{
			Name:      it.Name,
			Arguments: it.Arguments,
		},
	}, true
}

// OutputText concatenates the text of every message item in order.
func (r *ResponseObject) OutputText() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type == OutputMessage {
			sb.WriteString(item.Text())
		}
	}
	return sb.String()
}

// ToolCalls returns the function calls requested by the response, in output order.
func (r *ResponseObject) ToolCalls() []ToolCall {
	if r == nil {
		return nil
	}
	var calls []ToolCall
	for _, item := range r.Output {
		if call, ok := item.ToolCall(); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// HasMessage reports whether the response carries at least one message item.
func (r *ResponseObject) HasMessage() bool {
	if r == nil {
		return false
	}
	for _, item := range r.Output {
		if item.Type == OutputMessage {
			return true
		}
	}
	return false
}
