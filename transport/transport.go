package transport

import (
	"context"

	"github.com/viant/mcp/jsonrpc"
)

// Transport sends requests and notifications to the remote peer.
type Transport interface {
	Notifier
	Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error)
}

// Sequencer issues request ids for outbound requests.
type Sequencer interface {
	NextRequestID() jsonrpc.RequestId

	// LastRequestID returns the most recently generated request id without
	// mutating the underlying sequence counter.
	LastRequestID() jsonrpc.RequestId
}
