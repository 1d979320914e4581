package conversation

import (
	"context"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/tools"
	"github.com/n0madic/go-responses/internal/types"
)

// ToolHandler executes one tool call and returns its output.
// Non-string outputs are encoded as JSON.
type ToolHandler interface {
	HandleToolCall(ctx context.Context, call types.ToolCall) (any, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, call types.ToolCall) (any, error)

// HandleToolCall calls f(ctx, call).
func (f ToolHandlerFunc) HandleToolCall(ctx context.Context, call types.ToolCall) (any, error) {
	return f(ctx, call)
}

// RunToolLoop sends msg with defs, runs every requested tool call through h and
// submits the results until the model answers without tool calls. The caller's
// tool choice applies to the first turn only; later turns use auto. More than
// the configured number of rounds fails with ErrToolRoundsExceeded.
func (c *Client) RunToolLoop(ctx context.Context, msg types.Message, defs []types.ToolDefinition, h ToolHandler, opts Options) (*types.ResponseObject, error) {
	const op = "conversation.tool_loop"
	if h == nil {
		return nil, apierr.NewRequestError(op, "handler", "tool handler is required")
	}
	resp, err := c.SendWithTools(ctx, msg, defs, opts)
	if err != nil {
		return nil, err
	}

	auto := tools.AutoToolChoice()
	for round := 0; ; round++ {
		calls := resp.ToolCalls()
		if len(calls) == 0 {
			return resp, nil
		}
		if round >= c.cfg.MaxToolRounds {
			return resp, &apierr.ResponseHandlingError{
				Op:      op,
				Message: "model kept requesting tools",
				Err:     apierr.ErrToolRoundsExceeded,
			}
		}

		results := make([]tools.Result, 0, len(calls))
		for _, call := range calls {
			c.metrics.observeToolCall(call.Function.Name)
			c.logger.Debug("responses.tool_call", "tool", call.Function.Name, "call_id", call.ID, "round", round+1)
			out, err := h.HandleToolCall(ctx, call)
			if err != nil {
				return resp, &apierr.ResponseHandlingError{
					Op:      op,
					ItemID:  call.ID,
					Message: "tool " + call.Function.Name + " failed",
					Err:     err,
				}
			}
			results = append(results, tools.Result{ToolCallID: call.ID, Output: out})
		}
		outputs, err := tools.FormatMultipleToolResults(results)
		if err != nil {
			return resp, err
		}

		next := opts
		next.Tools = defs
		next.ToolChoice = &auto
		next.PreviousResponseID = resp.ID
		if resp, err = c.SubmitToolResults(ctx, outputs, nil, next); err != nil {
			return nil, err
		}
	}
}
