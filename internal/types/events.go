package types

import (
	"encoding/json"
	"time"
)

// EventKind is the normalized kind of a streaming event.
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventInProgress        EventKind = "in_progress"
	EventItemAdded         EventKind = "item_added"
	EventItemDone          EventKind = "item_done"
	EventContentPartAdded  EventKind = "content_part_added"
	EventContentPartDone   EventKind = "content_part_done"
	EventTextDelta         EventKind = "text_delta"
	EventTextDone          EventKind = "text_done"
	EventAnnotationAdded   EventKind = "annotation_added"
	EventFunctionArgsDelta EventKind = "function_args_delta"
	EventFunctionArgsDone  EventKind = "function_args_done"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventIncomplete        EventKind = "incomplete"
	EventError             EventKind = "error"
	EventUnknown           EventKind = "unknown"
)

var wireToKind = map[string]EventKind{
	"response.created":                       EventCreated,
	"response.in_progress":                   EventInProgress,
	"response.output_item.added":             EventItemAdded,
	"response.output_item.done":              EventItemDone,
	"response.content_part.added":            EventContentPartAdded,
	"response.content_part.done":             EventContentPartDone,
	"response.output_text.delta":             EventTextDelta,
	"response.output_text.done":              EventTextDone,
	"response.output_text.annotation.added":  EventAnnotationAdded,
	"response.function_call_arguments.delta": EventFunctionArgsDelta,
	"response.function_call_arguments.done":  EventFunctionArgsDone,
	"response.completed":                     EventCompleted,
	"response.failed":                        EventFailed,
	"response.incomplete":                    EventIncomplete,
	"error":                                  EventError,
}

var kindToWire = func() map[EventKind]string {
	m := make(map[EventKind]string, len(wireToKind))
	for wire, kind := range wireToKind {
		m[kind] = wire
	}
	return m
}()

// KindOf maps a wire event type to its kind.
func KindOf(wireType string) EventKind {
	if kind, ok := wireToKind[wireType]; ok {
		return kind
	}
	return EventUnknown
}

// WireType maps a kind back to its wire event type.
func WireType(kind EventKind) string {
	return kindToWire[kind]
}

// IsTerminal reports whether the kind ends a stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventIncomplete, EventError:
		return true
	}
	return false
}

// StreamEvent is one server-sent event of a streaming response.
type StreamEvent struct {
	Kind           EventKind       `json:"-"`
	Type           string          `json:"type"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	OutputIndex    int             `json:"output_index,omitempty"`
	ContentIndex   int             `json:"content_index,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	Text           string          `json:"text,omitempty"`
	Arguments      string          `json:"arguments,omitempty"`
	Item           *OutputItem     `json:"item,omitempty"`
	Part           *ContentPart    `json:"part,omitempty"`
	Annotation     json.RawMessage `json:"annotation,omitempty"`
	Response       *ResponseObject `json:"response,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// NewEvent builds an event of the given kind with its wire type set.
func NewEvent(kind EventKind) StreamEvent {
	return StreamEvent{Kind: kind, Type: WireType(kind)}
}

// DecodeStreamEvent parses an event payload and resolves its kind.
func DecodeStreamEvent(data []byte) (StreamEvent, error) {
	var evt StreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return StreamEvent{}, err
	}
	evt.Kind = KindOf(evt.Type)
	return evt, nil
}

// ConversationState is the persisted record that threads a user's conversation.
type ConversationState struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	Context        string            `json:"context"`
	LastResponseID *string           `json:"lastResponseId"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}
