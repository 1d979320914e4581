package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/tools"
	"github.com/n0madic/go-responses/internal/types"
)

func TestRunToolLoop(t *testing.T) {
	spy := newSpy()
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newTestClient(t, Dependencies{Transport: spy, Metrics: metrics})
	choice := tools.ForceFunctionCall("get_weather")

	var handled []types.ToolCall
	handler := ToolHandlerFunc(func(ctx context.Context, call types.ToolCall) (any, error) {
		handled = append(handled, call)
		args, err := tools.DecodeToolArguments[struct {
			City string `json:"city"`
		}](call)
		if err != nil {
			return nil, err
		}
		return map[string]any{"city": args.City, "tempC": 21}, nil
	})

	resp, err := c.RunToolLoop(context.Background(), text("Weather in Paris?"), []types.ToolDefinition{weatherTool(t)}, handler, Options{ToolChoice: &choice})
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if !resp.HasMessage() || len(resp.ToolCalls()) != 0 {
		t.Fatalf("expected final message, got %+v", resp)
	}
	if len(handled) != 1 || handled[0].Function.Name != "get_weather" {
		t.Fatalf("handled: %+v", handled)
	}

	if spy.calls() != 2 {
		t.Fatalf("transport calls: got %d, want 2", spy.calls())
	}
	follow := spy.payload(1)
	if follow.PreviousResponseID != "resp_mock_000001" {
		t.Errorf("follow-up previous id: %q", follow.PreviousResponseID)
	}
	if follow.ToolChoice == nil || follow.ToolChoice.Mode != types.ToolChoiceAuto {
		t.Errorf("follow-up tool choice: %+v", follow.ToolChoice)
	}
	if len(follow.ToolOutputs) != 1 || follow.ToolOutputs[0].ToolCallID != handled[0].ID {
		t.Errorf("follow-up outputs: %+v", follow.ToolOutputs)
	}
	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("get_weather")); got != 1 {
		t.Errorf("tool call metric: got %v", got)
	}
}

func TestRunToolLoopRoundLimit(t *testing.T) {
	spy := newSpy()
	n := 0
	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		n++
		return &types.ResponseObject{
			ID:     fmt.Sprintf("resp_%d", n),
			Status: types.StatusCompleted,
			Output: []types.OutputItem{{Type: types.OutputFunctionCall, CallID: fmt.Sprintf("call_%d", n), Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
		}, nil
	}
	c := newTestClient(t, Dependencies{Transport: spy})

	calls := 0
	handler := ToolHandlerFunc(func(ctx context.Context, call types.ToolCall) (any, error) {
		calls++
		return "sunny", nil
	})
	resp, err := c.RunToolLoop(context.Background(), text("weather"), []types.ToolDefinition{weatherTool(t)}, handler, Options{})
	if !errors.Is(err, apierr.ErrToolRoundsExceeded) || !apierr.IsHandling(err) {
		t.Fatalf("expected rounds exceeded, got %v", err)
	}
	if resp == nil || len(resp.ToolCalls()) != 1 {
		t.Fatalf("expected last response with pending call, got %+v", resp)
	}
	if calls != 3 || spy.calls() != 4 {
		t.Errorf("handler calls %d, transport calls %d", calls, spy.calls())
	}
}

func TestRunToolLoopHandlerError(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})
	choice := tools.RequireToolCall()
	boom := errors.New("weather service down")

	_, err := c.RunToolLoop(context.Background(), text("weather"), []types.ToolDefinition{weatherTool(t)},
		ToolHandlerFunc(func(ctx context.Context, call types.ToolCall) (any, error) { return nil, boom }),
		Options{ToolChoice: &choice})

	var he *apierr.ResponseHandlingError
	if !errors.As(err, &he) || !errors.Is(err, boom) || he.ItemID != "call_mock_000001" {
		t.Fatalf("expected handling error for the call, got %v", err)
	}
	if spy.calls() != 1 {
		t.Errorf("no results should be submitted after a failure, got %d calls", spy.calls())
	}
}

func TestRunToolLoopRequiresHandler(t *testing.T) {
	c := newTestClient(t, Dependencies{})
	if _, err := c.RunToolLoop(context.Background(), text("x"), []types.ToolDefinition{weatherTool(t)}, nil, Options{}); !apierr.IsRequest(err) {
		t.Fatalf("expected RequestError, got %v", err)
	}
}
