// Package validate checks requests before they are sent and responses after they arrive.
package validate

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/types"
)

const (
	MaxMetadataPairs       = 16
	MaxMetadataValueLength = 512
	MaxUserIDLength        = 100
)

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// piiPatterns flags identifiers that look like an email, phone number, SSN or long digit run.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[^\s@]+@[^\s@]+\.[^\s@]+`),
	regexp.MustCompile(`\d{10,}`),
	regexp.MustCompile(`\b\d{3}[-. ]\d{3}[-. ]\d{4}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// MessageFormat fails unless the message carries non-empty input or tool outputs.
func MessageFormat(msg types.Message) error {
	const op = "validate.message"
	if msg.Input.IsEmpty() && len(msg.ToolOutputs) == 0 {
		return apierr.NewRequestError(op, "input", "input or tool_outputs is required")
	}
	for i, item := range msg.Input.Items {
		if strings.TrimSpace(item.Type) == "" {
			return apierr.NewRequestError(op, "input", "item %d has no type", i)
		}
	}
	for i, out := range msg.ToolOutputs {
		if strings.TrimSpace(out.ToolCallID) == "" {
			return apierr.NewRequestError(op, "tool_outputs", "entry %d has no tool_call_id", i)
		}
	}
	return nil
}

// Metadata checks keys and values and returns a copy. The input map is never modified.
func Metadata(md map[string]string) (map[string]string, error) {
	const op = "validate.metadata"
	if md == nil {
		return nil, nil
	}
	if len(md) > MaxMetadataPairs {
		return nil, apierr.NewRequestError(op, "metadata", "at most %d pairs allowed, got %d", MaxMetadataPairs, len(md))
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if !metadataKeyPattern.MatchString(k) {
			return nil, apierr.NewRequestError(op, "metadata", "invalid key %q", k)
		}
		if utf8.RuneCountInString(v) > MaxMetadataValueLength {
			return nil, apierr.NewRequestError(op, "metadata", "value for %q exceeds %d characters", k, MaxMetadataValueLength)
		}
		out[k] = v
	}
	return out, nil
}

// UserIdentifier rejects empty, oversized or PII-looking identifiers.
func UserIdentifier(id string) (string, error) {
	const op = "validate.user"
	if strings.TrimSpace(id) == "" {
		return "", apierr.NewRequestError(op, "user", "identifier is required")
	}
	if utf8.RuneCountInString(id) > MaxUserIDLength {
		return "", apierr.NewRequestError(op, "user", "identifier exceeds %d characters", MaxUserIDLength)
	}
	for _, re := range piiPatterns {
		if re.MatchString(id) {
			return "", apierr.NewRequestError(op, "user", "identifier looks like personal data")
		}
	}
	return id, nil
}

// DecodeResponse checks the raw JSON shape of a response body and decodes it.
func DecodeResponse(raw []byte) (*types.ResponseObject, error) {
	const op = "validate.decode"
	if !gjson.ValidBytes(raw) {
		return nil, apierr.NewResponseError(op, "response body is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, apierr.NewResponseError(op, "response is not an object")
	}
	if out := root.Get("output"); out.Exists() && !out.IsArray() {
		return nil, apierr.NewResponseError(op, "output is not an array")
	}
	var resp types.ResponseObject
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &apierr.ResponseError{Op: op, Message: "decode response", Err: err}
	}
	return &resp, nil
}

// ResponseStructure checks a completed, non-streamed response and returns it unchanged.
func ResponseStructure(resp *types.ResponseObject) (*types.ResponseObject, error) {
	const op = "validate.response"
	if resp == nil {
		return nil, apierr.NewResponseError(op, "response is missing")
	}
	if strings.TrimSpace(resp.ID) == "" {
		return nil, apierr.NewResponseError(op, "response id is missing")
	}
	if resp.Status == types.StatusFailed {
		if resp.Error != nil {
			return nil, &apierr.ResponseError{Op: op, Message: resp.Error.Message, Code: resp.Error.Code, ResponseID: resp.ID}
		}
		return nil, &apierr.ResponseError{Op: op, Message: "response failed without error details", ResponseID: resp.ID}
	}
	if len(resp.Output) == 0 {
		return nil, &apierr.ResponseError{Op: op, Message: "response output is empty", ResponseID: resp.ID}
	}
	for _, item := range resp.Output {
		switch item.Type {
		case types.OutputMessage, types.OutputFunctionCall:
		default:
			slog.Debug("validate.unknown_output_item", "type", item.Type, "response_id", resp.ID)
		}
	}
	return resp, nil
}
