package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/config"
	"github.com/n0madic/go-responses/internal/mock"
	"github.com/n0madic/go-responses/internal/stream"
	"github.com/n0madic/go-responses/internal/tools"
	"github.com/n0madic/go-responses/internal/types"
	"github.com/n0madic/go-responses/internal/validate"
)

// spyTransport records every payload and answers through the mock transport
// unless createFn or streamFn is set.
type spyTransport struct {
	mu       sync.Mutex
	inner    *mock.Transport
	payloads []types.RequestPayload
	createFn func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error)
	streamFn func(ctx context.Context, p *types.RequestPayload) (stream.Source, error)
}

func newSpy() *spyTransport {
	return &spyTransport{inner: mock.New("")}
}

func (s *spyTransport) Create(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
	s.mu.Lock()
	s.payloads = append(s.payloads, *p)
	fn := s.createFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	return s.inner.Create(ctx, p)
}

func (s *spyTransport) Stream(ctx context.Context, p *types.RequestPayload) (stream.Source, error) {
	s.mu.Lock()
	s.payloads = append(s.payloads, *p)
	fn := s.streamFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	return s.inner.Stream(ctx, p)
}

func (s *spyTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *spyTransport) payload(i int) types.RequestPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[i]
}

func testConfig() *config.ClientConfig {
	return &config.ClientConfig{
		Model:         "gpt-4o-mini",
		Timeout:       2 * time.Second,
		StreamTimeout: 2 * time.Second,
		StateTTL:      time.Hour,
		StateCapacity: 100,
		MaxToolRounds: 3,
	}
}

func newTestClient(t *testing.T, deps Dependencies) *Client {
	t.Helper()
	c := New(testConfig(), deps)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return c
}

func weatherTool(t *testing.T) types.ToolDefinition {
	t.Helper()
	def, err := tools.DefineFunctionTool("get_weather", "Get the current weather for a city", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	})
	if err != nil {
		t.Fatalf("define tool: %v", err)
	}
	return def
}

func text(s string) types.Message {
	return types.Message{Input: types.TextInput(s)}
}

func TestSendValidationFailsBeforeTransport(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})
	ctx := context.Background()
	forced := tools.ForceFunctionCall("get_weather")
	required := tools.RequireToolCall()
	blankForced := tools.ForceFunctionCall("  ")
	unknownMode := types.ToolChoice{Mode: "sometimes"}

	cases := []struct {
		name string
		msg  types.Message
		opts Options
	}{
		{"empty message", types.Message{}, Options{}},
		{"blank text", text("   "), Options{}},
		{"bad metadata key", text("hi"), Options{Metadata: map[string]string{"bad key": "v"}}},
		{"pii user", text("hi"), Options{User: "someone@example.com"}},
		{"forced tool missing", text("hi"), Options{ToolChoice: &forced}},
		{"required without tools", text("hi"), Options{ToolChoice: &required}},
		{"forced tool without name", text("hi"), Options{Tools: []types.ToolDefinition{weatherTool(t)}, ToolChoice: &blankForced}},
		{"unknown tool choice mode", text("hi"), Options{Tools: []types.ToolDefinition{weatherTool(t)}, ToolChoice: &unknownMode}},
		{"temperature out of range", text("hi"), Options{Temperature: types.Float64Ptr(3)}},
		{"tool output without call id", types.Message{ToolOutputs: []types.ToolOutput{{Output: "x"}}}, Options{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Send(ctx, tc.msg, tc.opts)
			if !apierr.IsRequest(err) {
				t.Fatalf("expected RequestError, got %v", err)
			}
		})
	}

	oversized := types.Message{ToolOutputs: []types.ToolOutput{{ToolCallID: "call_1", Output: strings.Repeat("x", types.MaxToolOutputChars+1)}}}
	if _, err := c.Send(ctx, oversized, Options{PreviousResponseID: "resp_1"}); !apierr.IsHandling(err) {
		t.Fatalf("expected ResponseHandlingError for oversized output, got %v", err)
	}

	if n := spy.calls(); n != 0 {
		t.Fatalf("transport called %d times for invalid input", n)
	}
}

func TestMockModeWithoutCredential(t *testing.T) {
	c := newTestClient(t, Dependencies{})
	if !c.MockMode() {
		t.Fatal("expected mock mode without a credential")
	}
	resp, err := c.Send(context.Background(), text("ping"), Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := validate.ResponseStructure(resp); err != nil {
		t.Fatalf("mock response failed validation: %v", err)
	}
	if resp.Status != types.StatusCompleted || len(resp.Output) == 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestLiveTransportWithCredential(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "sk-test"
	c := New(cfg, Dependencies{})
	defer c.Close() //nolint:errcheck
	if c.MockMode() {
		t.Fatal("expected live transport with a credential")
	}
}

func TestSendPayload(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})

	_, err := c.Send(context.Background(), text("hello"), Options{
		Instructions:       "Be brief.",
		PreviousResponseID: "resp_prev",
		Metadata:           map[string]string{"purpose": "test"},
		User:               "user_42",
		Temperature:        types.Float64Ptr(0.2),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := spy.payload(0)
	if p.Model != "gpt-4o-mini" || p.PreviousResponseID != "resp_prev" || p.User != "user_42" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Metadata["purpose"] != "test" || p.Instructions != "Be brief." {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Stream {
		t.Error("non-streaming send should not set stream")
	}
}

// TestToolRoundTrip forces a weather tool call, then submits its result.
func TestToolRoundTrip(t *testing.T) {
	c := newTestClient(t, Dependencies{})
	ctx := context.Background()
	choice := tools.ForceFunctionCall("get_weather")

	first, err := c.SendWithTools(ctx, text("What's the weather?"), []types.ToolDefinition{weatherTool(t)}, Options{ToolChoice: &choice})
	if err != nil {
		t.Fatalf("SendWithTools: %v", err)
	}
	calls := first.ToolCalls()
	if len(calls) != 1 || calls[0].Function.Name != "get_weather" {
		t.Fatalf("expected one get_weather call, got %+v", calls)
	}

	outputs, err := tools.FormatToolResult(calls[0].ID, map[string]any{"tempC": 21})
	if err != nil {
		t.Fatalf("FormatToolResult: %v", err)
	}
	second, err := c.SubmitToolResults(ctx, outputs, nil, Options{PreviousResponseID: first.ID})
	if err != nil {
		t.Fatalf("SubmitToolResults: %v", err)
	}
	if second.Status != types.StatusCompleted || !second.HasMessage() {
		t.Fatalf("expected completed message, got %+v", second)
	}
	if second.PreviousResponseID != first.ID {
		t.Errorf("previous id: got %q, want %q", second.PreviousResponseID, first.ID)
	}
}

func TestSendWithToolsDefaultsToAuto(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})
	if _, err := c.SendWithTools(context.Background(), text("hi"), []types.ToolDefinition{weatherTool(t)}, Options{}); err != nil {
		t.Fatalf("SendWithTools: %v", err)
	}
	p := spy.payload(0)
	if p.ToolChoice == nil || p.ToolChoice.Mode != types.ToolChoiceAuto || len(p.Tools) != 1 {
		t.Fatalf("unexpected tools payload: %+v", p)
	}
	if _, err := c.SendWithTools(context.Background(), text("hi"), nil, Options{}); !apierr.IsRequest(err) {
		t.Fatalf("expected RequestError without tools, got %v", err)
	}
}

func TestSubmitToolResultsRequiresPreviousResponseID(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})
	outputs, _ := tools.FormatToolResult("call_1", "ok")

	_, err := c.SubmitToolResults(context.Background(), outputs, nil, Options{})
	if !apierr.IsRequest(err) || !errors.Is(err, apierr.ErrMissingPreviousResponseID) {
		t.Fatalf("expected missing previous id error, got %v", err)
	}
	if _, err := c.SubmitToolResults(context.Background(), types.ToolOutputs{}, nil, Options{PreviousResponseID: "resp_1"}); !apierr.IsRequest(err) {
		t.Fatalf("expected RequestError for empty outputs, got %v", err)
	}
	if spy.calls() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestSubmitToolResultsWithFollowUpInput(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})
	outputs, _ := tools.FormatToolResult("call_1", "sunny")
	follow := types.TextInput("And tomorrow?")

	if _, err := c.SubmitToolResults(context.Background(), outputs, &follow, Options{PreviousResponseID: "resp_1"}); err != nil {
		t.Fatalf("SubmitToolResults: %v", err)
	}
	p := spy.payload(0)
	items := p.WireInput().AsItems()
	if len(items) != 2 || items[0].Type != "function_call_output" || items[1].Role != "user" {
		t.Fatalf("unexpected wire input: %+v", items)
	}
}

func TestSendJSON(t *testing.T) {
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})

	var out struct {
		Mock  bool   `json:"mock"`
		Input string `json:"input"`
	}
	if _, err := c.SendJSON(context.Background(), text("summarize"), Options{}, &out); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	if !out.Mock || out.Input != "summarize" {
		t.Errorf("unexpected decode: %+v", out)
	}
	p := spy.payload(0)
	if !p.IsJSONMode() {
		t.Error("expected JSON mode")
	}
	if !strings.Contains(p.Instructions, jsonModeHint) {
		t.Errorf("expected JSON hint in instructions, got %q", p.Instructions)
	}

	if _, err := c.SendJSON(context.Background(), text("reply in JSON"), Options{}, nil); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	if got := spy.payload(1).Instructions; got != "" {
		t.Errorf("input mentioning JSON needs no hint, got %q", got)
	}
}

func TestSendJSONRejectsNonJSONText(t *testing.T) {
	spy := newSpy()
	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		return &types.ResponseObject{
			ID:     "resp_x",
			Status: types.StatusCompleted,
			Output: []types.OutputItem{{Type: types.OutputMessage, Role: "assistant", Content: []types.ContentPart{{Type: "output_text", Text: "not json"}}}},
		}, nil
	}
	c := newTestClient(t, Dependencies{Transport: spy})
	var out map[string]any
	_, err := c.SendJSON(context.Background(), text("json please"), Options{}, &out)
	var re *apierr.ResponseError
	if !errors.As(err, &re) || re.ResponseID != "resp_x" {
		t.Fatalf("expected ResponseError, got %v", err)
	}

	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		return &types.ResponseObject{
			ID:     "resp_y",
			Status: types.StatusCompleted,
			Output: []types.OutputItem{{Type: types.OutputFunctionCall, CallID: "call_1", Name: "f", Arguments: "{}"}},
		}, nil
	}
	if _, err := c.SendJSON(context.Background(), text("json please"), Options{}, &out); !apierr.IsResponse(err) {
		t.Fatalf("expected ResponseError without text, got %v", err)
	}
}

func TestTransportErrorsAreWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	spy := newSpy()
	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		return nil, boom
	}
	c := newTestClient(t, Dependencies{Transport: spy})
	_, err := c.Send(context.Background(), text("hi"), Options{})
	if !apierr.IsResponse(err) || !errors.Is(err, boom) {
		t.Fatalf("expected ResponseError wrapping cause, got %v", err)
	}
}

func TestFailedResponseSurfacesProviderError(t *testing.T) {
	spy := newSpy()
	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		return &types.ResponseObject{
			ID:     "resp_f",
			Status: types.StatusFailed,
			Error:  &types.ErrorObject{Code: "server_error", Message: "model overloaded"},
		}, nil
	}
	c := newTestClient(t, Dependencies{Transport: spy})
	_, err := c.Send(context.Background(), text("hi"), Options{})
	var re *apierr.ResponseError
	if !errors.As(err, &re) || re.Code != "server_error" || re.Message != "model overloaded" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	spy := newSpy()
	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := newTestClient(t, Dependencies{Transport: spy})
	_, err := c.Send(context.Background(), text("hi"), Options{Timeout: 20 * time.Millisecond})
	if !apierr.IsResponse(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout ResponseError, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	if got := newTestClient(t, Dependencies{}).CheckHealth(context.Background()); got.Status != HealthMock {
		t.Errorf("mock client: got status %q", got.Status)
	}

	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy})
	report := c.CheckHealth(context.Background())
	if report.Status != HealthHealthy || report.Model != "gpt-4o-mini" || report.Error != "" {
		t.Errorf("healthy: got %+v", report)
	}
	if p := spy.payload(0); p.MaxOutputTokens != healthMaxOutputTokens {
		t.Errorf("health probe should cap output tokens, got %d", p.MaxOutputTokens)
	}

	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		return nil, &apierr.ResponseError{Op: "upstream.create", StatusCode: 401, Message: "Incorrect API key provided"}
	}
	report = c.CheckHealth(context.Background())
	if report.Status != HealthUnhealthy || !strings.Contains(report.Error, "Incorrect API key") {
		t.Errorf("unhealthy: got %+v", report)
	}
}

func TestMetricsRecordTurns(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	spy := newSpy()
	c := newTestClient(t, Dependencies{Transport: spy, Metrics: metrics})

	c.Send(context.Background(), text("hi"), Options{}) //nolint:errcheck
	spy.createFn = func(ctx context.Context, p *types.RequestPayload) (*types.ResponseObject, error) {
		return nil, errors.New("down")
	}
	c.Send(context.Background(), text("hi"), Options{}) //nolint:errcheck

	if got := testutil.ToFloat64(metrics.TurnsTotal.WithLabelValues("send", "ok")); got != 1 {
		t.Errorf("ok turns: got %v", got)
	}
	if got := testutil.ToFloat64(metrics.TurnsTotal.WithLabelValues("send", "response_error")); got != 1 {
		t.Errorf("failed turns: got %v", got)
	}
	if NewMetrics(nil) != nil {
		t.Error("nil registerer should disable metrics")
	}
}

func TestOutcomeLabel(t *testing.T) {
	cases := map[string]error{
		"ok":              nil,
		"cancelled":       apierr.ErrCancelled,
		"timeout":         &apierr.ResponseError{Err: context.DeadlineExceeded},
		"invalid_request": apierr.NewRequestError("op", "f", "bad"),
		"handling_error":  apierr.NewHandlingError("op", "bad"),
		"state_error":     &apierr.StateManagementError{Op: "op"},
		"response_error":  apierr.NewResponseError("op", "bad"),
	}
	for want, err := range cases {
		if got := outcomeLabel(err); got != want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestHealthReportJSON(t *testing.T) {
	data, err := json.Marshal(HealthReport{Status: HealthHealthy, ResponseTimeMs: 12, Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"status":"healthy","responseTimeMs":12,"model":"m"}` {
		t.Errorf("got %s", data)
	}
}
