// Package conversation implements the stateful Responses API client: request
// building and validation, dispatch to a live or mock transport, streaming,
// tool-call round trips and per-conversation response id threading.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/config"
	"github.com/n0madic/go-responses/internal/limits"
	"github.com/n0madic/go-responses/internal/mock"
	"github.com/n0madic/go-responses/internal/statestore"
	"github.com/n0madic/go-responses/internal/tools"
	"github.com/n0madic/go-responses/internal/types"
	"github.com/n0madic/go-responses/internal/upstream"
	"github.com/n0madic/go-responses/internal/validate"
)

const tracerName = "github.com/n0madic/go-responses/conversation"

// jsonModeHint is appended to the instructions when JSON mode is requested
// and neither the instructions nor the input mention JSON.
const jsonModeHint = "Respond with a single valid JSON object."

// Dependencies are the collaborators of a Client. Zero values get defaults:
// an in-memory store, and a live transport when a credential is configured
// or the mock transport otherwise.
type Dependencies struct {
	Store      statestore.Store
	Transport  upstream.Transport
	Logger     *slog.Logger
	Metrics    *Metrics
	Limits     *limits.Tracker
	HTTPClient *http.Client
}

// Options are the per-call request settings.
type Options struct {
	Model              string
	Instructions       string
	Temperature        *float64
	MaxOutputTokens    int
	Tools              []types.ToolDefinition
	ToolChoice         *types.ToolChoice
	PreviousResponseID string
	Metadata           map[string]string
	Truncation         string
	User               string
	// Timeout overrides the configured request timeout.
	Timeout time.Duration
}

// Client is the conversation client. It is safe for concurrent use.
type Client struct {
	cfg       config.ClientConfig
	store     statestore.Store
	ownsStore bool
	transport upstream.Transport
	mock      bool
	logger    *slog.Logger
	metrics   *Metrics
	limits    *limits.Tracker
	tracer    trace.Tracer
	group     singleflight.Group
	locks     *keyLocks
	now       func() time.Time
}

// New creates a client. A nil cfg is read from the environment.
func New(cfg *config.ClientConfig, deps Dependencies) *Client {
	if cfg == nil {
		cfg = config.DefaultFromEnv()
	}
	c := &Client{
		cfg:     *cfg,
		store:   deps.Store,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		limits:  deps.Limits,
		tracer:  otel.Tracer(tracerName),
		locks:   newKeyLocks(),
		now:     time.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.limits == nil {
		c.limits = &limits.Tracker{}
	}
	if c.cfg.Model == "" {
		c.cfg.Model = config.ModelDefault
	}
	if c.cfg.MaxToolRounds <= 0 {
		c.cfg.MaxToolRounds = config.MaxToolRoundsDefault
	}
	if c.store == nil {
		c.store = statestore.NewMemory(c.cfg.StateTTL, c.cfg.StateCapacity)
		c.ownsStore = true
	}

	switch t := deps.Transport.(type) {
	case nil:
		if c.cfg.MockMode() {
			c.transport = mock.New(c.cfg.Model)
			c.mock = true
		} else {
			c.transport = upstream.NewClient(upstream.Config{
				BaseURL:    c.cfg.BaseURL,
				APIKey:     c.cfg.APIKey,
				MaxRetries: c.cfg.MaxRetries,
				Verbose:    c.cfg.Verbose,
				HTTPClient: deps.HTTPClient,
				Limits:     c.limits,
				Logger:     c.logger,
			})
		}
	case *mock.Transport:
		c.transport = t
		c.mock = true
	default:
		c.transport = t
	}
	return c
}

// MockMode reports whether requests are answered by the mock transport.
func (c *Client) MockMode() bool { return c.mock }

// Close releases the state store when the client created it.
func (c *Client) Close() error {
	if !c.ownsStore {
		return nil
	}
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Send validates msg, sends one turn and checks the response structure.
func (c *Client) Send(ctx context.Context, msg types.Message, opts Options) (*types.ResponseObject, error) {
	payload, err := c.buildPayload("conversation.send", msg, opts)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, "send", payload, opts.Timeout)
}

// SendJSON requests JSON output and decodes the response text into out.
// A nil out only checks that the text is valid JSON.
func (c *Client) SendJSON(ctx context.Context, msg types.Message, opts Options, out any) (*types.ResponseObject, error) {
	const op = "conversation.send_json"
	payload, err := c.buildPayload(op, msg, opts)
	if err != nil {
		return nil, err
	}
	payload.Text = types.JSONObjectText()
	if !mentionsJSON(payload) {
		payload.Instructions = strings.TrimSpace(payload.Instructions + "\n\n" + jsonModeHint)
	}

	resp, err := c.create(ctx, "send_json", payload, opts.Timeout)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return resp, &apierr.ResponseError{Op: op, Message: "response has no text content", ResponseID: resp.ID}
	}
	if out == nil {
		var discard any
		out = &discard
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return resp, &apierr.ResponseError{Op: op, Message: "response text is not valid JSON", ResponseID: resp.ID, Err: err}
	}
	return resp, nil
}

// SendWithTools sends msg with tool definitions. The tool choice defaults to auto.
func (c *Client) SendWithTools(ctx context.Context, msg types.Message, defs []types.ToolDefinition, opts Options) (*types.ResponseObject, error) {
	if len(defs) == 0 {
		return nil, apierr.NewRequestError("conversation.send_with_tools", "tools", "at least one tool is required")
	}
	opts.Tools = defs
	if opts.ToolChoice == nil {
		choice := tools.AutoToolChoice()
		opts.ToolChoice = &choice
	}
	payload, err := c.buildPayload("conversation.send_with_tools", msg, opts)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, "send_with_tools", payload, opts.Timeout)
}

// SubmitToolResults continues the response named by opts.PreviousResponseID
// with tool outputs and optional new input.
func (c *Client) SubmitToolResults(ctx context.Context, outputs types.ToolOutputs, userInput *types.Input, opts Options) (*types.ResponseObject, error) {
	const op = "conversation.submit_tool_results"
	if strings.TrimSpace(opts.PreviousResponseID) == "" {
		return nil, &apierr.RequestError{
			Op:      op,
			Field:   "previous_response_id",
			Message: "tool results must continue a previous response",
			Err:     apierr.ErrMissingPreviousResponseID,
		}
	}
	if len(outputs.ToolOutputs) == 0 {
		return nil, apierr.NewRequestError(op, "tool_outputs", "at least one tool output is required")
	}
	payload, err := c.buildPayload(op, tools.CreateToolResultInput(userInput, outputs), opts)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, "submit_tool_results", payload, opts.Timeout)
}

// buildPayload validates everything the caller supplied. Nothing is sent on failure.
func (c *Client) buildPayload(op string, msg types.Message, opts Options) (*types.RequestPayload, error) {
	if err := validate.MessageFormat(msg); err != nil {
		return nil, err
	}
	for _, out := range msg.ToolOutputs {
		if n := utf8.RuneCountInString(out.Output); n > types.MaxToolOutputChars {
			return nil, &apierr.ResponseHandlingError{
				Op:      op,
				ItemID:  out.ToolCallID,
				Message: "tool output exceeds size limit",
			}
		}
	}
	metadata, err := validate.Metadata(opts.Metadata)
	if err != nil {
		return nil, err
	}
	user := opts.User
	if user != "" {
		if user, err = validate.UserIdentifier(user); err != nil {
			return nil, err
		}
	}
	if t := opts.Temperature; t != nil && (*t < 0 || *t > 2) {
		return nil, apierr.NewRequestError(op, "temperature", "must be between 0 and 2, got %v", *t)
	}
	for i, def := range opts.Tools {
		if strings.TrimSpace(def.Name) == "" {
			return nil, apierr.NewRequestError(op, "tools", "tool %d has no name", i)
		}
	}
	if choice := opts.ToolChoice; choice != nil {
		if name, ok := choice.Forced(); ok {
			if _, found := tools.Find(opts.Tools, name); !found {
				return nil, apierr.NewRequestError(op, "tool_choice", "forced tool %q is not defined", name)
			}
		} else {
			switch choice.Mode {
			case types.ToolChoiceAuto, types.ToolChoiceNone:
			case types.ToolChoiceRequired:
				if len(opts.Tools) == 0 {
					return nil, apierr.NewRequestError(op, "tool_choice", "required tool choice without tools")
				}
			default:
				return nil, apierr.NewRequestError(op, "tool_choice", "tool choice needs a mode or a function name, got %q", choice.Mode)
			}
		}
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.cfg.Model
	}
	return &types.RequestPayload{
		Model:              model,
		Input:              msg.Input,
		Instructions:       opts.Instructions,
		Temperature:        opts.Temperature,
		MaxOutputTokens:    opts.MaxOutputTokens,
		Tools:              opts.Tools,
		ToolChoice:         opts.ToolChoice,
		PreviousResponseID: strings.TrimSpace(opts.PreviousResponseID),
		Metadata:           metadata,
		Truncation:         opts.Truncation,
		User:               user,
		ToolOutputs:        msg.ToolOutputs,
	}, nil
}

// create dispatches a non-streaming payload under the request timeout.
func (c *Client) create(ctx context.Context, operation string, payload *types.RequestPayload, timeout time.Duration) (*types.ResponseObject, error) {
	ctx, span := c.startSpan(ctx, operation, payload)
	defer span.End()

	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := c.now()
	resp, err := c.transport.Create(ctx, payload)
	if err != nil {
		err = transportError("conversation."+operation, err)
	} else {
		resp, err = validate.ResponseStructure(resp)
	}
	elapsed := c.now().Sub(start)
	c.metrics.observeTurn(operation, err, elapsed)

	if err != nil {
		recordSpanError(span, err)
		c.logger.Warn("responses.error", "operation", operation, "error", err, "elapsed_ms", elapsed.Milliseconds())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("response.id", resp.ID),
		attribute.String("response.status", string(resp.Status)),
	)
	c.logger.Debug("responses.response",
		"operation", operation,
		"response_id", resp.ID,
		"status", resp.Status,
		"tool_calls", len(resp.ToolCalls()),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

func (c *Client) startSpan(ctx context.Context, operation string, payload *types.RequestPayload) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("responses.operation", operation),
		attribute.Bool("responses.mock", c.mock),
	}
	if payload != nil {
		attrs = append(attrs,
			attribute.String("responses.model", payload.Model),
			attribute.Int("responses.tools", len(payload.Tools)),
			attribute.Int("responses.tool_outputs", len(payload.ToolOutputs)),
			attribute.Bool("responses.threaded", payload.PreviousResponseID != ""),
		)
	}
	return c.tracer.Start(ctx, "responses."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// transportError keeps taxonomy errors as they are and wraps anything else in a ResponseError.
func transportError(op string, err error) error {
	if apierr.IsRequest(err) || apierr.IsResponse(err) || apierr.IsHandling(err) || apierr.IsState(err) {
		return err
	}
	re := &apierr.ResponseError{Op: op, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		re.Message = "request timed out"
	case errors.Is(err, context.Canceled):
		re.Message = "request cancelled"
	}
	return re
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apierr.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case apierr.IsRequest(err):
		return "invalid_request"
	case apierr.IsHandling(err):
		return "handling_error"
	case apierr.IsState(err):
		return "state_error"
	default:
		return "response_error"
	}
}

func mentionsJSON(p *types.RequestPayload) bool {
	if strings.Contains(strings.ToLower(p.Instructions), "json") {
		return true
	}
	for _, item := range p.WireInput().AsItems() {
		for _, part := range item.Content {
			if strings.Contains(strings.ToLower(part.Text), "json") {
				return true
			}
		}
		if strings.Contains(strings.ToLower(item.Output), "json") {
			return true
		}
	}
	return false
}
