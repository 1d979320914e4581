// Package upstream sends requests to the responses endpoint.
package upstream

import (
	"context"

	"github.com/n0madic/go-responses/internal/stream"
	"github.com/n0madic/go-responses/internal/types"
)

// Transport dispatches one request payload.
// Create returns the decoded response without checking its semantics.
// Stream returns a Source the caller must Close.
type Transport interface {
	Create(ctx context.Context, payload *types.RequestPayload) (*types.ResponseObject, error)
	Stream(ctx context.Context, payload *types.RequestPayload) (stream.Source, error)
}
