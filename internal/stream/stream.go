package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/n0madic/go-responses/internal/types"
)

// Stream is a pull-based iterator over the events of one response.
// Events are folded into a Processor as they are read, so Text, ToolCalls
// and Response reflect everything returned by Next so far.
//
//	for s.Next() {
//		evt := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	src      Source
	proc     *Processor
	opts     Options
	cur      types.StreamEvent
	finished bool
	stopOnce sync.Once
}

// NewStream wraps src. Close must be called to release the connection.
func NewStream(src Source, opts Options) *Stream {
	return &Stream{
		src:  src,
		proc: NewProcessor(Handlers{}, opts.Logger),
		opts: opts,
	}
}

// Next advances to the next event. It returns false after the terminal event,
// at end of input, on a read error, or after Close.
func (s *Stream) Next() bool {
	if s.finished {
		s.finish()
		return false
	}
	evt, err := s.src.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.proc.Finish(nil)
		} else {
			s.proc.Finish(err)
		}
		s.finish()
		return false
	}
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(*evt)
	}
	s.cur = *evt
	if s.proc.Process(*evt) {
		s.finished = true
	}
	return true
}

// Current returns the event read by the last successful Next.
func (s *Stream) Current() types.StreamEvent {
	return s.cur
}

// Err returns the error that ended the stream, or nil if it completed.
func (s *Stream) Err() error {
	select {
	case <-s.proc.Done():
	default:
		return nil
	}
	outcome, err := s.proc.Result()
	if outcome == OutcomeCompleted {
		return nil
	}
	return err
}

// Close stops the stream and releases the connection. It is idempotent.
func (s *Stream) Close() error {
	s.proc.Cancel()
	return s.finish()
}

func (s *Stream) finish() error {
	var err error
	s.finished = true
	s.stopOnce.Do(func() {
		if s.opts.Release != nil {
			s.opts.Release()
		}
		err = s.src.Close()
	})
	return err
}

// Text returns the assistant text accumulated so far.
func (s *Stream) Text() string { return s.proc.Text() }

// ToolCalls returns the completed tool calls seen so far.
func (s *Stream) ToolCalls() []types.ToolCall { return s.proc.ToolCalls() }

// Response returns the final response once the stream completed.
func (s *Stream) Response() *types.ResponseObject { return s.proc.Response() }
