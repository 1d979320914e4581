package apierr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKindsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", &StateManagementError{Op: "state.update", Key: "state:u:c", Err: cause})

	if !IsState(wrapped) {
		t.Fatal("expected state error")
	}
	if IsRequest(wrapped) || IsResponse(wrapped) || IsHandling(wrapped) {
		t.Fatal("state error matched another kind")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}

func TestSentinelThroughRequestError(t *testing.T) {
	err := &RequestError{Op: "conversation.submit", Field: "previous_response_id", Err: ErrMissingPreviousResponseID}
	if !errors.Is(err, ErrMissingPreviousResponseID) {
		t.Fatal("sentinel not reachable")
	}
	if !strings.Contains(err.Error(), "previous_response_id") {
		t.Errorf("message missing field: %q", err.Error())
	}
}

func TestResponseErrorMessage(t *testing.T) {
	err := &ResponseError{Op: "upstream.create", StatusCode: 429, Code: "rate_limit_exceeded", Message: "slow down"}
	got := err.Error()
	for _, want := range []string{"status 429", "rate_limit_exceeded", "slow down"} {
		if !strings.Contains(got, want) {
			t.Errorf("message %q missing %q", got, want)
		}
	}
}

func TestHandlingErrorCarriesItem(t *testing.T) {
	err := NewHandlingError("stream.args", "invalid JSON")
	err.ItemID = "fc_1"
	if !strings.Contains(err.Error(), "fc_1") {
		t.Errorf("message missing item id: %q", err.Error())
	}
}
