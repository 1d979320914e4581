// Package stream reads Responses API event streams and folds them into text,
// tool calls and a terminal outcome.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/types"
)

// Handlers are the optional callbacks a Processor invokes.
// They run on the goroutine that feeds events and must not block for long.
type Handlers struct {
	OnText     func(text, delta string)
	OnToolCall func(call types.ToolCall)
	OnComplete func(resp *types.ResponseObject)
	OnError    func(err error)
}

// Outcome is how a stream ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "pending"
}

// Processor folds the events of one stream into accumulated state.
// A Processor serves exactly one stream.
type Processor struct {
	handlers Handlers
	logger   *slog.Logger

	cancelled atomic.Bool
	done      chan struct{}

	mu        sync.Mutex
	terminal  bool
	outcome   Outcome
	err       error
	status    types.ResponseStatus
	respID    string
	text      *TextBuffer
	tools     *ToolBuffer
	toolCalls []types.ToolCall
	response  *types.ResponseObject
}

// NewProcessor creates a processor for a single stream.
func NewProcessor(h Handlers, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		handlers: h,
		logger:   logger,
		done:     make(chan struct{}),
		text:     NewTextBuffer(),
		tools:    NewToolBuffer(),
	}
}

// Process applies one event. Events must be fed in arrival order from a single goroutine.
// It returns true once the stream has reached a terminal state.
func (p *Processor) Process(evt types.StreamEvent) bool {
	if p.isTerminal() {
		p.logger.Debug("stream.event_after_done", "type", evt.Type)
		return true
	}

	switch evt.Kind {
	case types.EventCreated, types.EventInProgress:
		p.mu.Lock()
		if evt.Response != nil {
			p.status = evt.Response.Status
			p.respID = evt.Response.ID
		}
		p.mu.Unlock()

	case types.EventItemAdded:
		if evt.Item == nil {
			return false
		}
		p.mu.Lock()
		switch evt.Item.Type {
		case types.OutputMessage:
			p.text.Open(evt.Item.ID)
		case types.OutputFunctionCall:
			p.tools.OnOutputItemAdded(evt.Item)
		default:
			p.logger.Debug("stream.unknown_item", "type", evt.Item.Type, "item_id", evt.Item.ID)
		}
		p.mu.Unlock()

	case types.EventTextDelta:
		p.mu.Lock()
		p.text.Append(evt.ItemID, evt.Delta)
		full := p.text.Text()
		p.mu.Unlock()
		if h := p.handlers.OnText; h != nil && !p.cancelled.Load() {
			h(full, evt.Delta)
		}

	case types.EventTextDone:
		p.mu.Lock()
		matched := p.text.Finalize(evt.ItemID, evt.Text)
		p.mu.Unlock()
		if !matched {
			p.logger.Warn("stream.text_mismatch", "item_id", evt.ItemID, "done_len", len(evt.Text))
		}

	case types.EventFunctionArgsDelta:
		p.mu.Lock()
		err := p.tools.OnArgumentsDelta(evt.ItemID, evt.Delta)
		p.mu.Unlock()
		if err != nil {
			p.emitError(argumentsError(evt.ItemID, err))
		}

	case types.EventFunctionArgsDone:
		p.mu.Lock()
		err := p.tools.OnArgumentsDone(evt.ItemID, evt.Arguments)
		p.mu.Unlock()
		if err != nil {
			p.emitError(argumentsError(evt.ItemID, err))
		}

	case types.EventItemDone:
		if evt.Item == nil || evt.Item.Type != types.OutputFunctionCall {
			return false
		}
		p.mu.Lock()
		call, ok := p.tools.Resolve(evt.Item)
		if ok {
			p.toolCalls = append(p.toolCalls, call)
		}
		p.mu.Unlock()
		if ok && p.handlers.OnToolCall != nil && !p.cancelled.Load() {
			p.handlers.OnToolCall(call)
		}

	case types.EventCompleted:
		if evt.Response == nil {
			err := &apierr.ResponseError{Op: "stream.completed", Message: "completed event has no response", ResponseID: p.ResponseID()}
			if !p.claimTerminal(OutcomeFailed, err, nil) {
				return true
			}
			if h := p.handlers.OnError; h != nil {
				h(err)
			}
			close(p.done)
			return true
		}
		if !p.claimTerminal(OutcomeCompleted, nil, evt.Response) {
			return true
		}
		p.warnOpenItems()
		if h := p.handlers.OnComplete; h != nil {
			h(evt.Response)
		}
		close(p.done)
		return true

	case types.EventFailed, types.EventIncomplete, types.EventError:
		err := terminalError(evt)
		if !p.claimTerminal(OutcomeFailed, err, evt.Response) {
			return true
		}
		if h := p.handlers.OnError; h != nil {
			h(err)
		}
		close(p.done)
		return true

	case types.EventContentPartAdded, types.EventContentPartDone, types.EventAnnotationAdded:

	default:
		p.logger.Debug("stream.unknown_event", "type", evt.Type)
	}
	return false
}

// Finish ends a stream whose source stopped without a terminal event.
func (p *Processor) Finish(cause error) {
	if p.isTerminal() {
		return
	}
	err := &apierr.ResponseError{Op: "stream.read", Message: "stream ended before completion", ResponseID: p.ResponseID(), Err: cause}
	if cause == nil {
		err.Err = apierr.ErrStreamTruncated
	}
	if !p.claimTerminal(OutcomeFailed, err, nil) {
		return
	}
	if h := p.handlers.OnError; h != nil {
		h(err)
	}
	close(p.done)
}

// Cancel stops callback delivery and resolves the processor as cancelled.
// Calling Cancel more than once, or after the stream ended, is a no-op.
func (p *Processor) Cancel() {
	p.cancelled.Store(true)
	if p.claimTerminal(OutcomeCancelled, apierr.ErrCancelled, nil) {
		close(p.done)
	}
}

// Done is closed once the stream reaches a terminal state.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome and, for failed or cancelled streams, the error.
func (p *Processor) Result() (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.err
}

// Text returns the assistant text accumulated so far.
func (p *Processor) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text.Text()
}

// ToolCalls returns the completed tool calls seen so far.
func (p *Processor) ToolCalls() []types.ToolCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.ToolCall, len(p.toolCalls))
	copy(out, p.toolCalls)
	return out
}

// Response returns the final response of a terminal event, if any.
func (p *Processor) Response() *types.ResponseObject {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response
}

// ResponseID returns the id announced by the stream.
func (p *Processor) ResponseID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.response != nil && p.response.ID != "" {
		return p.response.ID
	}
	return p.respID
}

func (p *Processor) isTerminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal
}

// claimTerminal records the terminal outcome. Only the first caller wins.
func (p *Processor) claimTerminal(outcome Outcome, err error, resp *types.ResponseObject) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminal {
		return false
	}
	p.terminal = true
	p.outcome = outcome
	p.err = err
	if resp != nil {
		p.response = resp
		p.status = resp.Status
	}
	return true
}

func (p *Processor) emitError(err error) {
	p.logger.Warn("stream.item_error", "error", err)
	if h := p.handlers.OnError; h != nil && !p.cancelled.Load() {
		h(err)
	}
}

func (p *Processor) warnOpenItems() {
	p.mu.Lock()
	texts := p.text.Pending()
	calls := p.tools.Pending()
	p.mu.Unlock()
	if len(texts) > 0 || len(calls) > 0 {
		p.logger.Warn("stream.open_items_at_completion", "text_items", texts, "tool_items", calls)
	}
}

// argumentsError reports a function call item whose arguments were rejected.
func argumentsError(itemID string, err error) error {
	msg := "function call arguments are not valid JSON"
	if errors.Is(err, ErrArgumentsTooLarge) {
		msg = "arguments exceed limit"
	}
	return &apierr.ResponseHandlingError{Op: "stream.arguments", ItemID: itemID, Message: msg, Err: err}
}

func terminalError(evt types.StreamEvent) error {
	op := "stream." + string(evt.Kind)
	switch evt.Kind {
	case types.EventError:
		msg := evt.Message
		if msg == "" {
			msg = "stream error"
		}
		return &apierr.ResponseError{Op: op, Message: msg, Code: evt.Code}
	case types.EventIncomplete:
		reason := "unknown"
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
			if evt.Response.IncompleteDetails != nil && evt.Response.IncompleteDetails.Reason != "" {
				reason = evt.Response.IncompleteDetails.Reason
			}
		}
		return &apierr.ResponseError{Op: op, Message: fmt.Sprintf("response incomplete: %s", reason), Code: "incomplete", ResponseID: id}
	}
	err := &apierr.ResponseError{Op: op, Message: "response failed"}
	if evt.Response != nil {
		err.ResponseID = evt.Response.ID
		if evt.Response.Error != nil {
			err.Message = evt.Response.Error.Message
			err.Code = evt.Response.Error.Code
		}
	}
	return err
}
