package conversation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/n0madic/go-responses/internal/stream"
	"github.com/n0madic/go-responses/internal/types"
)

// StreamMessage opens a streaming turn and returns a pull iterator over its events.
// The caller must Close the stream.
func (c *Client) StreamMessage(ctx context.Context, msg types.Message, opts Options) (*stream.Stream, error) {
	src, release, err := c.openStream(ctx, "stream", msg, opts)
	if err != nil {
		return nil, err
	}
	return stream.NewStream(src, stream.Options{
		Logger:  c.logger,
		OnEvent: c.metrics.observeEvent,
		Release: release,
	}), nil
}

// CreateStreamController opens a streaming turn and starts delivering events to h
// on a background goroutine. Cancel on the controller stops delivery.
func (c *Client) CreateStreamController(ctx context.Context, msg types.Message, opts Options, h stream.Handlers) (*stream.Controller, error) {
	start := c.now()
	src, release, err := c.openStream(ctx, "stream_controller", msg, opts)
	if err != nil {
		return nil, err
	}

	ctrl := stream.NewController(src, h, stream.Options{
		Logger:  c.logger,
		OnEvent: c.metrics.observeEvent,
		Release: release,
	}).Start()
	go c.observeController(ctrl, start)
	return ctrl, nil
}

// observeController records one turn per controller once it reaches a terminal state.
// Per-item errors that do not end the stream leave the turn successful.
func (c *Client) observeController(ctrl *stream.Controller, start time.Time) {
	<-ctrl.Done()
	_, err := ctrl.Wait(context.Background())
	c.metrics.observeTurn("stream_controller", err, c.now().Sub(start))
}

// openStream validates and sends a streaming payload. The returned release
// cancels the request context and ends the span.
func (c *Client) openStream(ctx context.Context, operation string, msg types.Message, opts Options) (stream.Source, context.CancelFunc, error) {
	payload, err := c.buildPayload("conversation."+operation, msg, opts)
	if err != nil {
		return nil, nil, err
	}
	payload.Stream = true

	ctx, span := c.startSpan(ctx, operation, payload)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.StreamTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	src, err := c.transport.Stream(ctx, payload)
	if err != nil {
		err = transportError("conversation."+operation, err)
		recordSpanError(span, err)
		span.End()
		cancel()
		c.metrics.observeTurn(operation, err, 0)
		c.logger.Warn("responses.stream_error", "operation", operation, "error", err)
		return nil, nil, err
	}
	c.logger.Debug("responses.stream_open", "operation", operation, "model", payload.Model)
	return src, releaseFunc(cancel, span), nil
}

func releaseFunc(cancel context.CancelFunc, span trace.Span) context.CancelFunc {
	return func() {
		cancel()
		span.End()
	}
}
