// Package relay is the content-script side of the bridge. It sits on a
// page window, forwards provider requests over a BridgeChannel and posts
// the replies back.
//
// The relay keeps no per-request state. It trusts nothing in the page
// payload about who is calling: the sender origin and document come from
// the window it is attached to.
package relay

import (
	"errors"
	"log/slog"
	"sync"

	"walletbridge/go-backend/internal/bridge/channel"
	"walletbridge/go-backend/internal/bridge/page"
	"walletbridge/go-backend/internal/bridge/protocol"
)

const requestTooLargeMessage = "request too large"

type Option func(*Relay)

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

type Relay struct {
	w      *page.Window
	ch     channel.Channel
	sender protocol.Sender
	logger *slog.Logger

	remove   func()
	detached chan struct{}
	once     sync.Once
	inflight sync.WaitGroup
}

// Attach starts relaying on w. The relay detaches itself when w unloads.
func Attach(w *page.Window, ch channel.Channel, opts ...Option) *Relay {
	r := &Relay{
		w:        w,
		ch:       ch,
		sender:   protocol.Sender{Origin: w.Origin(), DocumentID: w.ID()},
		logger:   slog.Default(),
		detached: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay", "document_id", r.sender.DocumentID)
	r.remove = w.AddMessageListener(r.onMessage)
	go func() {
		select {
		case <-w.Done():
			r.Detach()
		case <-r.detached:
		}
	}()
	return r
}

// Detach stops accepting page messages. Forwards already in flight still
// post their reply if the page is alive.
func (r *Relay) Detach() {
	r.once.Do(func() {
		r.remove()
		close(r.detached)
	})
}

// Wait blocks until every accepted request has been answered or dropped.
func (r *Relay) Wait() {
	r.inflight.Wait()
}

// onMessage runs on the window event loop and must not block.
func (r *Relay) onMessage(m page.Message) {
	if !m.SameDocument || m.Origin != r.sender.Origin {
		return
	}
	req, err := protocol.DecodePageRequest(m.Data)
	if err != nil {
		return
	}
	select {
	case <-r.detached:
		return
	default:
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.forward(req)
	}()
}

func (r *Relay) forward(req protocol.PageRequest) {
	ctx := r.w.Context()
	wire := protocol.NewWireRequest(req.Method, req.Params)
	resp, err := r.ch.SendMessage(ctx, r.sender, wire)

	var outcome protocol.Outcome
	switch {
	case err == nil:
		outcome = resp.Outcome()
	case ctx.Err() != nil:
		// Page went away; nobody is listening for the reply.
		return
	case errors.Is(err, channel.ErrRequestTooLarge):
		outcome = protocol.Fail(protocol.KindExecutionFailed, requestTooLargeMessage)
	default:
		if !errors.Is(err, channel.ErrClosed) {
			r.logger.Warn("bridge channel send failed",
				"operation", "relay.forward",
				"correlation_id", string(req.ID),
				"method", req.Method,
				"error", err.Error(),
			)
		}
		outcome = protocol.Fail(protocol.KindUnavailable, "")
	}

	err = r.w.PostMessage(protocol.PageResponse{
		Target:  protocol.TargetProvider,
		Type:    protocol.TypeProviderResponse,
		ID:      req.ID,
		Outcome: outcome,
	})
	if err != nil && !errors.Is(err, page.ErrUnloaded) {
		r.logger.Warn("post response failed", "operation", "relay.forward", "correlation_id", string(req.ID), "error", err.Error())
	}
}

