package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/n0madic/go-responses/internal/types"
)

// Options configure how a stream is consumed.
type Options struct {
	Logger *slog.Logger
	// OnEvent observes every event before it is processed.
	OnEvent func(types.StreamEvent)
	// Release cancels the request context that owns the connection.
	Release context.CancelFunc
}

// Controller drives a Processor from a Source on its own goroutine.
type Controller struct {
	src       Source
	proc      *Processor
	opts      Options
	startOnce sync.Once
	stopOnce  sync.Once
	finished  chan struct{}
}

// NewController attaches handlers to src. Call Start to begin reading.
func NewController(src Source, h Handlers, opts Options) *Controller {
	return &Controller{
		src:      src,
		proc:     NewProcessor(h, opts.Logger),
		opts:     opts,
		finished: make(chan struct{}),
	}
}

// Start launches the reading goroutine. Subsequent calls do nothing.
func (c *Controller) Start() *Controller {
	c.startOnce.Do(func() { go c.run() })
	return c
}

func (c *Controller) run() {
	defer close(c.finished)
	defer c.release()

	for {
		evt, err := c.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.proc.Finish(nil)
			} else {
				c.proc.Finish(err)
			}
			return
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(*evt)
		}
		if c.proc.Process(*evt) {
			return
		}
	}
}

// release closes the source and cancels the request context exactly once.
func (c *Controller) release() {
	c.stopOnce.Do(func() {
		if c.opts.Release != nil {
			c.opts.Release()
		}
		if err := c.src.Close(); err != nil {
			logger(c.opts.Logger).Debug("stream.close", "error", err)
		}
	})
}

// Cancel stops callback delivery and releases the connection. It is idempotent.
func (c *Controller) Cancel() {
	c.proc.Cancel()
	if c.opts.Release != nil {
		c.opts.Release()
	}
}

// Done is closed once the stream reaches a terminal state, including cancellation.
func (c *Controller) Done() <-chan struct{} {
	return c.proc.Done()
}

// Wait blocks until the stream ends or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.proc.Done():
		return c.proc.Result()
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

// Text returns the assistant text accumulated so far.
func (c *Controller) Text() string { return c.proc.Text() }

// ToolCalls returns the completed tool calls seen so far.
func (c *Controller) ToolCalls() []types.ToolCall { return c.proc.ToolCalls() }

// Response returns the final response once the stream completed.
func (c *Controller) Response() *types.ResponseObject { return c.proc.Response() }

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
