package channel

import (
	"context"
	"sync"

	"walletbridge/go-backend/internal/bridge/protocol"
)

// Local is an in-process channel to a handler. Close emulates the
// background worker going away: in-flight and later sends fail with
// ErrClosed until Reopen.
type Local struct {
	handler Handler

	mu     sync.Mutex
	closed bool
	gen    chan struct{}
}

func NewLocal(h Handler) *Local {
	return &Local{handler: h, gen: make(chan struct{})}
}

// SendMessage runs the handler detached from ctx: a caller that stops
// waiting abandons the reply, it does not cancel the operation.
func (l *Local) SendMessage(ctx context.Context, sender protocol.Sender, req protocol.WireRequest) (protocol.WireResponse, error) {
	l.mu.Lock()
	if l.closed || l.handler == nil {
		l.mu.Unlock()
		return protocol.WireResponse{}, ErrClosed
	}
	gen := l.gen
	l.mu.Unlock()

	out := make(chan protocol.WireResponse, 1)
	go func() {
		out <- l.handler.HandleMessage(context.WithoutCancel(ctx), sender, req)
	}()

	select {
	case <-gen:
		return protocol.WireResponse{}, ErrClosed
	case <-ctx.Done():
		return protocol.WireResponse{}, ctx.Err()
	case resp := <-out:
		select {
		case <-gen:
			// The port closed before the reply could be delivered.
			return protocol.WireResponse{}, ErrClosed
		default:
			return resp, nil
		}
	}
}

func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.gen)
}

func (l *Local) Reopen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		return
	}
	l.closed = false
	l.gen = make(chan struct{})
}
