// Package channel provides BridgeChannel transports between the relay and
// the mediator.
//
// A channel is best-effort and may fail closed at any time: the background
// worker may be suspended, or the socket torn down. Each SendMessage is one
// call whose reply is matched by the channel itself; callers never correlate
// replies by message content.
package channel

import (
	"context"
	"errors"

	"walletbridge/go-backend/internal/bridge/protocol"
)

// ErrClosed reports that the privileged side is not reachable.
var ErrClosed = errors.New("bridge channel closed")

// Channel is the relay's view of the transport.
type Channel interface {
	SendMessage(ctx context.Context, sender protocol.Sender, req protocol.WireRequest) (protocol.WireResponse, error)
}

// Handler is the mediator's view of the transport.
type Handler interface {
	HandleMessage(ctx context.Context, sender protocol.Sender, req protocol.WireRequest) protocol.WireResponse
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sender protocol.Sender, req protocol.WireRequest) protocol.WireResponse

func (f HandlerFunc) HandleMessage(ctx context.Context, sender protocol.Sender, req protocol.WireRequest) protocol.WireResponse {
	return f(ctx, sender, req)
}
