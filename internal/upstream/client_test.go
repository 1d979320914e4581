package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/config"
	"github.com/n0madic/go-responses/internal/limits"
	"github.com/n0madic/go-responses/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *limits.Tracker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tracker := &limits.Tracker{}
	c := NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "sk-test",
		MaxRetries: 0,
		Limits:     tracker,
	})
	return c, tracker
}

func testPayload() *types.RequestPayload {
	return &types.RequestPayload{
		Model: "gpt-4o-mini",
		Input: types.TextInput("hello"),
	}
}

func TestCreateSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotUA string
	var gotBody map[string]any
	c, tracker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-ratelimit-limit-requests", "100")
		w.Header().Set("x-ratelimit-remaining-requests", "75")
		_, _ = io.WriteString(w, `{"id":"resp_1","object":"response","status":"completed","model":"gpt-4o-mini",
			"output":[{"type":"message","id":"msg_1","role":"assistant","content":[{"type":"output_text","text":"hi"}]}]}`)
	})

	resp, err := c.Create(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization: got %q", gotAuth)
	}
	if gotPath != "/responses" {
		t.Errorf("path: got %q", gotPath)
	}
	if !strings.HasPrefix(gotUA, config.ClientName+"/") {
		t.Errorf("user agent: got %q", gotUA)
	}
	if gotBody["input"] != "hello" || gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("unexpected body: %v", gotBody)
	}
	if _, ok := gotBody["stream"]; ok && gotBody["stream"] != false {
		t.Errorf("stream should be off, got %v", gotBody["stream"])
	}
	if resp.ID != "resp_1" || resp.OutputText() != "hi" {
		t.Errorf("unexpected response: %+v", resp)
	}
	latest := tracker.Latest()
	if latest == nil || latest.Snapshot.Requests == nil || latest.Snapshot.Requests.Remaining != 75 {
		t.Errorf("expected rate limits to be recorded, got %+v", latest)
	}
}

func TestCreateMapsAPIError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Previous response not found","type":"invalid_request_error","code":"previous_response_not_found"}}`)
	})

	_, err := c.Create(context.Background(), testPayload())
	var re *apierr.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResponseError, got %T: %v", err, err)
	}
	if re.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d", re.StatusCode)
	}
	if re.Code != "previous_response_not_found" {
		t.Errorf("code: got %q", re.Code)
	}
	if !strings.Contains(re.Message, "Previous response not found") {
		t.Errorf("message: got %q", re.Message)
	}
}

func TestCreateRejectsMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"resp_1","output":"nope"}`)
	})
	_, err := c.Create(context.Background(), testPayload())
	if !apierr.IsResponse(err) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
}

func TestCreateTimeout(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Create(ctx, testPayload())
	var re *apierr.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResponseError, got %T: %v", err, err)
	}
	if re.Message != "request timed out" {
		t.Errorf("message: got %q", re.Message)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected wrapped deadline error")
	}
}

func TestStreamReadsEvents(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: response.created\n"+
			`data: {"type":"response.created","sequence_number":0,"response":{"id":"resp_s","status":"in_progress"}}`+"\n\n"+
			"event: response.output_text.delta\n"+
			`data: {"type":"response.output_text.delta","sequence_number":1,"item_id":"msg_1","delta":"Hi"}`+"\n\n"+
			"data: [DONE]\n\n")
	})

	src, err := c.Stream(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer src.Close()

	if gotBody["stream"] != true {
		t.Errorf("expected stream flag, got %v", gotBody["stream"])
	}
	first, err := src.Next()
	if err != nil || first.Kind != types.EventCreated || first.Response.ID != "resp_s" {
		t.Fatalf("first event: %+v err=%v", first, err)
	}
	second, err := src.Next()
	if err != nil || second.Kind != types.EventTextDelta || second.Delta != "Hi" {
		t.Fatalf("second event: %+v err=%v", second, err)
	}
	if _, err := src.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamMapsAPIError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})
	_, err := c.Stream(context.Background(), testPayload())
	var re *apierr.ResponseError
	if !errors.As(err, &re) || re.StatusCode != http.StatusUnauthorized || re.Code != "invalid_api_key" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestSummarizeToolChoice(t *testing.T) {
	if got := summarizeToolChoice(nil); got != "auto" {
		t.Errorf("nil: got %q", got)
	}
	if got := summarizeToolChoice(&types.ToolChoice{Function: "get_weather"}); got != "function:get_weather" {
		t.Errorf("forced: got %q", got)
	}
	if got := summarizeToolChoice(&types.ToolChoice{Mode: types.ToolChoiceRequired}); got != "required" {
		t.Errorf("required: got %q", got)
	}
}

func TestUpstreamRequestID(t *testing.T) {
	h := http.Header{}
	h.Set("openai-request-id", "req_9")
	if got := upstreamRequestID(h); got != "req_9" {
		t.Errorf("got %q", got)
	}
	if upstreamRequestID(nil) != "" {
		t.Error("nil headers should yield empty id")
	}
}
