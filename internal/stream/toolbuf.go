package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/n0madic/go-responses/internal/types"
)

// MaxToolArgBufSize is the upper bound (in bytes) for buffered function-call
// argument deltas per tool call.
const MaxToolArgBufSize = 1 << 20 // 1 MB

// ErrArgumentsTooLarge reports a function call whose arguments exceed MaxToolArgBufSize.
var ErrArgumentsTooLarge = errors.New("function call arguments exceed limit")

// toolCallBuf accumulates one function call while it streams.
type toolCallBuf struct {
	itemID   string
	callID   string
	name     string
	args     strings.Builder
	final    string
	argsDone bool
	invalid  bool
	overflow bool
}

// ToolBuffer accumulates function-call arguments keyed by item id.
type ToolBuffer struct {
	calls map[string]*toolCallBuf
	order []string
}

// NewToolBuffer creates a new empty ToolBuffer.
func NewToolBuffer() *ToolBuffer {
	return &ToolBuffer{calls: map[string]*toolCallBuf{}}
}

// OnOutputItemAdded opens an accumulator for a function_call item.
func (tb *ToolBuffer) OnOutputItemAdded(item *types.OutputItem) {
	if item == nil || item.Type != types.OutputFunctionCall {
		return
	}
	itemID := strings.TrimSpace(item.ID)
	if itemID == "" {
		itemID = strings.TrimSpace(item.CallID)
	}
	if itemID == "" {
		return
	}
	buf, ok := tb.calls[itemID]
	if !ok {
		buf = &toolCallBuf{itemID: itemID}
		tb.calls[itemID] = buf
		tb.order = append(tb.order, itemID)
	}
	buf.callID = item.CallID
	buf.name = item.Name
	if item.Arguments != "" && buf.args.Len() == 0 {
		buf.args.WriteString(item.Arguments)
	}
}

// OnArgumentsDelta appends a delta to the arguments of itemID.
// It returns ErrArgumentsTooLarge once, when the buffer first overflows;
// the call is then dropped.
func (tb *ToolBuffer) OnArgumentsDelta(itemID, delta string) error {
	buf := tb.lookup(itemID)
	if buf == nil || delta == "" || buf.overflow {
		return nil
	}
	if buf.args.Len()+len(delta) > MaxToolArgBufSize {
		slog.Warn("stream.tool_args_overflow", "item_id", itemID, "buf_len", buf.args.Len(), "delta_len", len(delta))
		buf.overflow = true
		buf.invalid = true
		buf.args.Reset()
		return ErrArgumentsTooLarge
	}
	buf.args.WriteString(delta)
	return nil
}

// OnArgumentsDone finalizes the arguments of itemID and checks they parse as JSON.
// The done value wins over the accumulated deltas when present.
func (tb *ToolBuffer) OnArgumentsDone(itemID, arguments string) error {
	buf := tb.lookup(itemID)
	if buf == nil || buf.overflow {
		return nil
	}
	if len(arguments) > MaxToolArgBufSize {
		buf.overflow = true
		buf.invalid = true
		buf.args.Reset()
		return ErrArgumentsTooLarge
	}
	final := arguments
	if final == "" {
		final = buf.args.String()
	}
	buf.final = final
	buf.argsDone = true

	raw := strings.TrimSpace(final)
	if raw == "" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		buf.invalid = true
		return err
	}
	return nil
}

// Resolve builds the finished tool call for a done function_call item.
// It returns false when the item is unknown, its arguments failed to parse or
// exceeded MaxToolArgBufSize.
func (tb *ToolBuffer) Resolve(item *types.OutputItem) (types.ToolCall, bool) {
	if item == nil || item.Type != types.OutputFunctionCall {
		return types.ToolCall{}, false
	}
	itemID := item.ID
	if itemID == "" {
		itemID = item.CallID
	}
	buf := tb.lookup(itemID)
	if buf == nil {
		if len(item.Arguments) > MaxToolArgBufSize {
			return types.ToolCall{}, false
		}
		call, ok := item.ToolCall()
		return call, ok
	}
	delete(tb.calls, buf.itemID)
	if buf.invalid {
		return types.ToolCall{}, false
	}
	resolved := *item
	if resolved.CallID == "" {
		resolved.CallID = buf.callID
	}
	if resolved.Name == "" {
		resolved.Name = buf.name
	}
	if resolved.Arguments == "" {
		if buf.argsDone {
			resolved.Arguments = buf.final
		} else {
			resolved.Arguments = buf.args.String()
		}
	}
	return resolved.ToolCall()
}

// Pending returns the item ids whose calls never reached item_done.
func (tb *ToolBuffer) Pending() []string {
	var ids []string
	for _, id := range tb.order {
		if _, ok := tb.calls[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (tb *ToolBuffer) lookup(itemID string) *toolCallBuf {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil
	}
	if buf, ok := tb.calls[itemID]; ok {
		return buf
	}
	for _, buf := range tb.calls {
		if buf.callID == itemID {
			return buf
		}
	}
	return nil
}

// textBuf accumulates the text of one message item.
type textBuf struct {
	text strings.Builder
	done bool
}

// TextBuffer accumulates assistant text per message item.
type TextBuffer struct {
	items map[string]*textBuf
	order []string
}

// NewTextBuffer creates a new empty TextBuffer.
func NewTextBuffer() *TextBuffer {
	return &TextBuffer{items: map[string]*textBuf{}}
}

// Open starts an accumulator for itemID.
func (tb *TextBuffer) Open(itemID string) {
	if _, ok := tb.items[itemID]; ok {
		return
	}
	tb.items[itemID] = &textBuf{}
	tb.order = append(tb.order, itemID)
}

// Append adds delta to itemID. Unknown items are opened.
func (tb *TextBuffer) Append(itemID, delta string) {
	tb.Open(itemID)
	tb.items[itemID].text.WriteString(delta)
}

// Finalize sets the final text for itemID and reports whether it matched the deltas.
func (tb *TextBuffer) Finalize(itemID, text string) bool {
	tb.Open(itemID)
	buf := tb.items[itemID]
	matched := buf.text.String() == text
	if !matched {
		buf.text.Reset()
		buf.text.WriteString(text)
	}
	buf.done = true
	return matched
}

// Text concatenates the accumulated text of every item in arrival order.
func (tb *TextBuffer) Text() string {
	var sb strings.Builder
	for _, id := range tb.order {
		sb.WriteString(tb.items[id].text.String())
	}
	return sb.String()
}

// Pending returns the item ids whose text never reached text_done.
func (tb *TextBuffer) Pending() []string {
	var ids []string
	for _, id := range tb.order {
		if !tb.items[id].done {
			ids = append(ids, id)
		}
	}
	return ids
}
