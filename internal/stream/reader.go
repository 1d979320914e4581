package stream

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-responses/internal/types"
)

// Source yields stream events in arrival order. Next returns io.EOF when the stream ends.
type Source interface {
	Next() (*types.StreamEvent, error)
	Close() error
}

// Reader reads Responses API events from a server-sent event body.
type Reader struct {
	dec ssestream.Decoder
}

// NewReader creates a new SSE reader over body.
func NewReader(body io.ReadCloser) *Reader {
	res := &http.Response{
		Header: http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:   body,
	}
	return &Reader{dec: ssestream.NewDecoder(res)}
}

// Next returns the next event. Returns nil, io.EOF when done.
func (r *Reader) Next() (*types.StreamEvent, error) {
	for r.dec.Next() {
		evt := r.dec.Event()
		data := bytes.TrimSpace(evt.Data)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil, io.EOF
		}
		if !gjson.ValidBytes(data) {
			slog.Debug("stream.malformed_event", "event", evt.Type, "bytes", len(data))
			continue
		}
		parsed, err := types.DecodeStreamEvent(data)
		if err != nil {
			slog.Debug("stream.undecodable_event", "event", evt.Type, "error", err)
			continue
		}
		if parsed.Type == "" {
			parsed.Type = evt.Type
			parsed.Kind = types.KindOf(evt.Type)
		}
		if parsed.Type == "" {
			continue
		}
		return &parsed, nil
	}
	if err := r.dec.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the underlying body.
func (r *Reader) Close() error {
	return r.dec.Close()
}
