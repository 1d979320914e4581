package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/oauth2"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/config"
	"github.com/n0madic/go-responses/internal/limits"
	"github.com/n0madic/go-responses/internal/stream"
	"github.com/n0madic/go-responses/internal/types"
	"github.com/n0madic/go-responses/internal/validate"
)

const responsesPath = "responses"

// Config holds the settings of a live Client.
type Config struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	Verbose    bool
	// HTTPClient supplies the base transport. The bearer token is layered on top.
	HTTPClient *http.Client
	// Limits receives rate limit headers from every response.
	Limits *limits.Tracker
	Logger *slog.Logger
}

// Client makes requests to the responses endpoint through the OpenAI SDK.
type Client struct {
	sdk     openai.Client
	verbose bool
	logger  *slog.Logger
	limits  *limits.Tracker
}

// NewClient creates a new upstream client.
func NewClient(cfg Config) *Client {
	c := &Client{
		verbose: cfg.Verbose,
		logger:  cfg.Logger,
		limits:  cfg.Limits,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.APIKey,
		TokenType:   "Bearer",
	}))

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = config.BaseURLDefault
	}
	c.sdk = openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
		option.WithMiddleware(c.observe),
	)
	return c
}

// Create sends a non-streaming request and decodes the response body.
func (c *Client) Create(ctx context.Context, payload *types.RequestPayload) (*types.ResponseObject, error) {
	const op = "upstream.create"
	wire := *payload
	wire.Stream = false
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &apierr.RequestError{Op: op, Message: "encode payload", Err: err}
	}
	c.logRequest(&wire)

	var raw []byte
	var httpResp *http.Response
	if err := c.sdk.Post(ctx, responsesPath, body, &raw, option.WithResponseInto(&httpResp)); err != nil {
		return nil, mapError(op, err, httpResp)
	}
	return validate.DecodeResponse(raw)
}

// Stream sends a streaming request and returns a reader over its events.
func (c *Client) Stream(ctx context.Context, payload *types.RequestPayload) (stream.Source, error) {
	const op = "upstream.stream"
	wire := *payload
	wire.Stream = true
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &apierr.RequestError{Op: op, Message: "encode payload", Err: err}
	}
	c.logRequest(&wire)

	var httpResp *http.Response
	err = c.sdk.Post(ctx, responsesPath, body, &httpResp, option.WithHeader("Accept", "text/event-stream"))
	if err != nil {
		return nil, mapError(op, err, httpResp)
	}
	if httpResp == nil || httpResp.Body == nil {
		return nil, apierr.NewResponseError(op, "empty stream response")
	}
	return stream.NewReader(httpResp.Body), nil
}

// observe sets client headers, records rate limits and logs each HTTP attempt.
func (c *Client) observe(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	config.ApplyDefaultHeaders(req.Header)
	start := time.Now()
	resp, err := next(req)
	if err != nil {
		if c.verbose {
			c.logger.Info("upstream.transport_error", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		}
		return resp, err
	}
	c.limits.Record(resp.Header, time.Now())
	if c.verbose {
		attrs := []any{"status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds()}
		if requestID := upstreamRequestID(resp.Header); requestID != "" {
			attrs = append(attrs, "request_id", requestID)
		}
		c.logger.Info("upstream.response", attrs...)
	}
	return resp, nil
}

func (c *Client) logRequest(p *types.RequestPayload) {
	if !c.verbose {
		return
	}
	c.logger.Info("upstream.request",
		"model", p.Model,
		"input_items", len(p.WireInput().AsItems()),
		"tool_outputs", len(p.ToolOutputs),
		"tools", len(p.Tools),
		"tool_choice", summarizeToolChoice(p.ToolChoice),
		"previous_response_id", p.PreviousResponseID != "",
		"json_mode", p.IsJSONMode(),
		"stream", p.Stream,
		"instructions_chars", len(p.Instructions),
	)
}

// mapError converts SDK and transport failures into a ResponseError.
func mapError(op string, err error, resp *http.Response) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &apierr.ResponseError{
			Op:         op,
			StatusCode: apiErr.StatusCode,
			Code:       firstNonEmpty(apiErr.Code, apiErr.Type),
			Message:    msg,
			Err:        err,
		}
	}
	re := &apierr.ResponseError{Op: op, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		re.Message = "request timed out"
	case errors.Is(err, context.Canceled):
		re.Message = "request cancelled"
	}
	if resp != nil && resp.StatusCode >= 400 {
		re.StatusCode = resp.StatusCode
	}
	return re
}

func summarizeToolChoice(choice *types.ToolChoice) string {
	if choice == nil {
		return "auto"
	}
	if name, ok := choice.Forced(); ok {
		return "function:" + name
	}
	if mode := strings.TrimSpace(choice.Mode); mode != "" {
		return mode
	}
	return "auto"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func upstreamRequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return firstNonEmpty(
		headers.Get("x-request-id"),
		headers.Get("openai-request-id"),
		headers.Get("request-id"),
		headers.Get("cf-ray"),
	)
}
