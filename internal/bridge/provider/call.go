package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"walletbridge/go-backend/internal/bridge/protocol"
)

var ErrPending = errors.New("call is still pending")

// Call is the page-side handle of one request. It settles exactly once:
// by the matching response, by its deadline, by synthesized unavailability
// or by page teardown.
type Call struct {
	id     protocol.CorrelationID
	method string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id protocol.CorrelationID, method string) *Call {
	return &Call{id: id, method: method, done: make(chan struct{})}
}

func (c *Call) ID() protocol.CorrelationID { return c.id }
func (c *Call) Method() string             { return c.method }

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the settled value, or ErrPending before settlement.
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, ErrPending
	}
}

// Await blocks until the call settles or ctx ends. Ending ctx abandons the
// wait only; the call itself keeps its own deadline.
func (c *Call) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle reports whether this outcome was the one that settled the call.
func (c *Call) settle(o protocol.Outcome) bool {
	settled := false
	c.once.Do(func() {
		if o.Err != nil {
			c.err = o.Err
		} else {
			c.result = o.Result
		}
		close(c.done)
		settled = true
	})
	return settled
}
