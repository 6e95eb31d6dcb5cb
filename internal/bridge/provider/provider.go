// Package provider implements the injected provider: the object a page
// finds on its global scope and calls to reach the wallet.
//
// The provider owns the pending-call table for its page lifetime. Every
// call gets a fresh correlation id and an independent deadline; responses
// are matched by id only, in whatever order they arrive.
package provider

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"walletbridge/go-backend/internal/bridge/page"
	"walletbridge/go-backend/internal/bridge/protocol"
)

const DefaultTimeout = 30 * time.Second

// Host is the page-global surface the provider installs itself on.
type Host interface {
	Origin() string
	Done() <-chan struct{}
	Global(name string) (any, bool)
	SetGlobal(name string, v any)
	DeleteGlobal(name string)
	DispatchEvent(name string)
}

// Transport is the page messaging port used to reach the relay.
type Transport interface {
	PostMessage(data any) error
	AddMessageListener(fn func(page.Message)) (remove func())
}

type Config struct {
	// Timeout is the per-call deadline; DefaultTimeout when zero.
	Timeout time.Duration
	// MethodTimeouts overrides Timeout for individual methods.
	MethodTimeouts map[string]time.Duration
	Logger         *slog.Logger
}

type Provider struct {
	host      Host
	transport Transport
	cfg       Config
	logger    *slog.Logger
	prefix    string
	seq       atomic.Uint64

	mu      sync.Mutex
	pending map[protocol.CorrelationID]*pendingCall
	closed  bool
	detach  func()
}

type pendingCall struct {
	call  *Call
	timer *time.Timer
}

var installMu sync.Mutex

// Install places a provider on host and dispatches the initialized event.
// When a live provider is already installed it is returned as is, so a
// re-injected script neither fires a second event nor orphans pending calls.
func Install(host Host, transport Transport, cfg Config) *Provider {
	installMu.Lock()
	defer installMu.Unlock()

	if existing, ok := host.Global(protocol.GlobalName); ok {
		if p, ok := existing.(*Provider); ok && !p.isClosed() {
			return p
		}
	}

	p := newProvider(host, transport, cfg)
	host.SetGlobal(protocol.GlobalName, p)
	host.DispatchEvent(protocol.InitializedEvent)
	go p.watch()
	return p
}

func newProvider(host Host, transport Transport, cfg Config) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		host:      host,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "provider"),
		prefix:    newIDPrefix(),
		pending:   make(map[protocol.CorrelationID]*pendingCall),
	}
	if transport != nil {
		p.detach = transport.AddMessageListener(p.onMessage)
	}
	return p
}

func newIDPrefix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base58.Encode(buf)
}

// Version is the page-facing API version.
func (p *Provider) Version() int { return protocol.APIVersion }

// Pending reports how many calls are awaiting a response.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Request issues method with params. The only synchronous failure is a
// missing transport; every other failure settles the returned call.
//
// A call failing with Unavailable means the wallet could not be reached,
// except when protocol.IsRateLimited reports true: then the wallet is up
// and asks the page to slow down before retrying.
func (p *Provider) Request(method string, params ...any) (*Call, error) {
	if p.transport == nil {
		return nil, protocol.NewError(protocol.KindUnavailable, "wallet extension not available")
	}
	method = strings.TrimSpace(method)
	id := p.nextID()
	call := newCall(id, method)

	rawParams, err := encodeParams(params)
	if err != nil {
		call.settle(protocol.Fail(protocol.KindExecutionFailed, "params are not serializable"))
		return call, nil
	}

	timeout := p.timeoutFor(method)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		call.settle(protocol.Fail(protocol.KindUnavailable, "page unloaded"))
		return call, nil
	}
	entry := &pendingCall{call: call}
	p.pending[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		p.finish(id, protocol.Fail(protocol.KindTimeout, fmt.Sprintf("no response within %s", timeout)))
	})
	p.mu.Unlock()

	msg := protocol.PageRequest{
		Target: protocol.TargetRelay,
		Type:   protocol.TypeProviderRequest,
		ID:     id,
		Method: method,
		Params: rawParams,
		Origin: p.host.Origin(),
	}
	if err := p.transport.PostMessage(msg); err != nil {
		p.finish(id, protocol.Fail(protocol.KindUnavailable, "wallet extension not available"))
	}
	return call, nil
}

// Do is Request followed by Await.
func (p *Provider) Do(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	call, err := p.Request(method, params...)
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

func (p *Provider) nextID() protocol.CorrelationID {
	return protocol.CorrelationID(fmt.Sprintf("%s-%d", p.prefix, p.seq.Add(1)))
}

func (p *Provider) timeoutFor(method string) time.Duration {
	if d, ok := p.cfg.MethodTimeouts[method]; ok && d > 0 {
		return d
	}
	return p.cfg.Timeout
}

func (p *Provider) onMessage(m page.Message) {
	if !m.SameDocument {
		return
	}
	resp, err := protocol.DecodePageResponse(m.Data)
	if err != nil {
		return
	}
	p.finish(resp.ID, resp.Outcome)
}

// finish settles and forgets the pending entry for id. Unknown ids (late
// responses after a deadline, foreign ids) are discarded.
func (p *Provider) finish(id protocol.CorrelationID, outcome protocol.Outcome) bool {
	p.mu.Lock()
	entry, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("discarding response for unknown call", "correlation_id", string(id))
		return false
	}
	entry.timer.Stop()
	return entry.call.settle(outcome)
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) watch() {
	<-p.host.Done()
	p.teardown()
}

// teardown runs on page unload. Pending calls settle as unavailable so no
// waiter outlives the page.
func (p *Provider) teardown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := p.pending
	p.pending = make(map[protocol.CorrelationID]*pendingCall)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.call.settle(protocol.Fail(protocol.KindUnavailable, "page unloaded"))
	}
	if p.detach != nil {
		p.detach()
	}
	if current, ok := p.host.Global(protocol.GlobalName); ok && current == any(p) {
		p.host.DeleteGlobal(protocol.GlobalName)
	}
	if len(entries) > 0 {
		p.logger.Info("provider torn down", "abandoned_calls", len(entries))
	}
}

func encodeParams(params []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(params))
	for _, v := range params {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
