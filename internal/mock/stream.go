package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/n0madic/go-responses/internal/stream"
	"github.com/n0madic/go-responses/internal/types"
)

const argChunkSize = 16

// Stream replays the scripted event sequence for payload as a server-sent event body.
func (t *Transport) Stream(ctx context.Context, payload *types.RequestPayload) (stream.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError("mock.stream", err)
	}
	resp := t.respond(payload)
	var buf bytes.Buffer
	if err := writeSSE(&buf, Script(resp)); err != nil {
		return nil, err
	}
	return stream.NewReader(io.NopCloser(&buf)), nil
}

// Script returns the events a live server emits while producing resp, in order.
func Script(resp *types.ResponseObject) []types.StreamEvent {
	var seq int64
	var events []types.StreamEvent
	emit := func(kind types.EventKind, fill func(*types.StreamEvent)) {
		evt := types.NewEvent(kind)
		evt.SequenceNumber = seq
		seq++
		if fill != nil {
			fill(&evt)
		}
		events = append(events, evt)
	}

	pending := *resp
	pending.Status = types.StatusInProgress
	pending.Output = nil
	pending.Usage = nil
	emit(types.EventCreated, func(e *types.StreamEvent) { e.Response = &pending })
	emit(types.EventInProgress, func(e *types.StreamEvent) { e.Response = &pending })

	for i := range resp.Output {
		item := resp.Output[i]
		opened := item
		opened.Status = string(types.StatusInProgress)
		opened.Content = nil
		opened.Arguments = ""
		emit(types.EventItemAdded, func(e *types.StreamEvent) { e.OutputIndex = i; e.Item = &opened })

		switch item.Type {
		case types.OutputMessage:
			for ci, part := range item.Content {
				empty := types.ContentPart{Type: part.Type}
				full := part
				emit(types.EventContentPartAdded, func(e *types.StreamEvent) {
					e.ItemID, e.OutputIndex, e.ContentIndex, e.Part = item.ID, i, ci, &empty
				})
				for _, delta := range strings.SplitAfter(part.Text, " ") {
					if delta == "" {
						continue
					}
					emit(types.EventTextDelta, func(e *types.StreamEvent) {
						e.ItemID, e.OutputIndex, e.ContentIndex, e.Delta = item.ID, i, ci, delta
					})
				}
				emit(types.EventTextDone, func(e *types.StreamEvent) {
					e.ItemID, e.OutputIndex, e.ContentIndex, e.Text = item.ID, i, ci, part.Text
				})
				emit(types.EventContentPartDone, func(e *types.StreamEvent) {
					e.ItemID, e.OutputIndex, e.ContentIndex, e.Part = item.ID, i, ci, &full
				})
			}
		case types.OutputFunctionCall:
			for _, delta := range chunk(item.Arguments, argChunkSize) {
				emit(types.EventFunctionArgsDelta, func(e *types.StreamEvent) {
					e.ItemID, e.OutputIndex, e.Delta = item.ID, i, delta
				})
			}
			emit(types.EventFunctionArgsDone, func(e *types.StreamEvent) {
				e.ItemID, e.OutputIndex, e.Arguments = item.ID, i, item.Arguments
			})
		}

		done := item
		emit(types.EventItemDone, func(e *types.StreamEvent) { e.OutputIndex = i; e.Item = &done })
	}

	final := *resp
	emit(types.EventCompleted, func(e *types.StreamEvent) { e.Response = &final })
	return events
}

func writeSSE(w io.Writer, events []types.StreamEvent) error {
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "event: %s\n", evt.Type)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	_, err := fmt.Fprint(w, "data: [DONE]\n\n")
	return err
}

// chunk splits s into pieces of at most size runes.
func chunk(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
