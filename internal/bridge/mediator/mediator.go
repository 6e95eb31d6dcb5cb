// Package mediator is the privileged request router of the bridge.
//
// Every ProviderRequest runs the same lifecycle:
// Received -> Validated -> Authorized -> Executing -> Completed|Failed.
// Validation and authorization happen before any storage write, so a
// rejected request leaves wallet state untouched. The grant is checked
// before params are decoded. Execution runs inside a
// scoped storage acquisition that is released on every path, and any
// failure (including a panic) becomes exactly one error response.
package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"walletbridge/go-backend/internal/bridge/protocol"
	"walletbridge/go-backend/internal/platform/ratelimiter"
	"walletbridge/go-backend/internal/storage"
	"walletbridge/go-backend/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
)

const panicMessage = "internal error"

// Wallet is the key-holding collaborator.
type Wallet interface {
	Accounts(tx storage.Tx) ([]string, error)
	ResolveAccount(tx storage.Tx, address string) (string, error)
	ActiveChain(tx storage.Tx) (wallet.Chain, error)
	SwitchChain(tx storage.Tx, chainID string) (wallet.Chain, error)
	SignMessage(tx storage.Tx, address string, message []byte) (wallet.Signature, error)
	SignTransaction(tx storage.Tx, address string, payload json.RawMessage) (wallet.SignedTransaction, error)
}

// Policy answers trust questions for an origin.
type Policy interface {
	Allows(tx storage.Tx, origin, capability string) (bool, error)
	Granted(tx storage.Tx, origin string) ([]string, error)
	Touch(tx storage.Tx, origin string) error
}

type Deps struct {
	Store  storage.Store
	Wallet Wallet
	Policy Policy
	Logger *slog.Logger
	// Registerer receives the router's metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

type RateLimit struct {
	RPS   float64
	Burst int
}

type Config struct {
	// AutoApprovedMethods skip the grant check. Only read-only methods are
	// accepted here.
	AutoApprovedMethods []string
	// RateLimit bounds requests per origin; nil disables limiting.
	RateLimit *RateLimit
	// OnTransition observes every state change. It runs on the handling
	// goroutine and must not block.
	OnTransition func(Transition)
}

// DefaultAutoApproved is used when Config.AutoApprovedMethods is nil.
var DefaultAutoApproved = protocol.ReadOnlyMethods

type Router struct {
	store        storage.Store
	vault        Wallet
	policy       Policy
	logger       *slog.Logger
	autoApproved map[string]bool
	limiter      *ratelimiter.Keyed
	onTransition func(Transition)
	metrics      *metrics
	locks        *keyedLocks
	now          func() time.Time
	seq          atomic.Uint64
}

func New(deps Deps, cfg Config) (*Router, error) {
	if deps.Store == nil || deps.Wallet == nil || deps.Policy == nil {
		return nil, errors.New("mediator: store, wallet and policy are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	approved := cfg.AutoApprovedMethods
	if approved == nil {
		approved = DefaultAutoApproved
	}
	autoApproved := make(map[string]bool, len(approved))
	for _, name := range approved {
		if _, ok := registry[name]; !ok {
			return nil, fmt.Errorf("mediator: auto-approved method %q is not registered", name)
		}
		if !protocol.IsReadOnly(name) {
			return nil, fmt.Errorf("mediator: method %q has effects and cannot be auto-approved", name)
		}
		autoApproved[name] = true
	}
	var limiter *ratelimiter.Keyed
	if cfg.RateLimit != nil {
		limiter = ratelimiter.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 0)
		if limiter == nil {
			return nil, errors.New("mediator: rate limit needs positive rps and burst")
		}
	}
	m, err := newMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("mediator: register metrics: %w", err)
	}
	return &Router{
		store:        deps.Store,
		vault:        deps.Wallet,
		policy:       deps.Policy,
		logger:       logger.With("component", "mediator"),
		autoApproved: autoApproved,
		limiter:      limiter,
		onTransition: cfg.OnTransition,
		metrics:      m,
		locks:        newKeyedLocks(),
		now:          time.Now,
	}, nil
}

// Methods lists the registered method names in sorted order.
func Methods() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Handle runs req to completion and returns its single response.
func (r *Router) Handle(ctx context.Context, req protocol.ProviderRequest) protocol.ProviderResponse {
	start := r.now()
	r.metrics.inFlight.Inc()
	defer r.metrics.inFlight.Dec()

	t := &tracker{req: req, notify: r.onTransition}
	t.advance(StateReceived)
	outcome := r.run(ctx, t, req)

	label := req.Method
	if _, ok := registry[label]; !ok {
		label = "unknown"
	}
	result := outcomeOK
	if outcome.Err != nil {
		result = string(outcome.Err.Kind)
		t.fail(outcome.Err.Kind)
	} else {
		t.advance(StateCompleted)
	}
	r.metrics.requests.WithLabelValues(label, result).Inc()
	r.metrics.latency.WithLabelValues(label).Observe(r.now().Sub(start).Seconds())
	r.logger.Debug("request handled",
		"operation", "mediator.handle",
		"correlation_id", string(req.ID),
		"method", req.Method,
		"origin", req.Origin,
		"outcome", result,
		"latency_ms", r.now().Sub(start).Milliseconds(),
	)
	return protocol.Respond(req.ID, outcome)
}

// HandleMessage adapts Handle to channel.Handler. The origin always comes
// from sender.
func (r *Router) HandleMessage(ctx context.Context, sender protocol.Sender, msg protocol.WireRequest) protocol.WireResponse {
	if msg.Type != protocol.TypeProviderRequest {
		r.logger.Warn("unexpected wire message", "operation", "mediator.message", "type", msg.Type, "origin", sender.Origin)
		return protocol.WireFromOutcome(protocol.Fail(protocol.KindExecutionFailed, "unsupported message type"))
	}
	req := protocol.ProviderRequest{
		ID:     protocol.CorrelationID("msg-" + strconv.FormatUint(r.seq.Add(1), 10)),
		Method: msg.Payload.Method,
		Params: msg.Payload.Params,
		Origin: sender.Origin,
	}
	return protocol.WireFromOutcome(r.Handle(ctx, req).Outcome)
}

func (r *Router) run(ctx context.Context, t *tracker, req protocol.ProviderRequest) protocol.Outcome {
	m, ok := registry[req.Method]
	if !ok {
		return protocol.Fail(protocol.KindUnsupportedMethod, fmt.Sprintf("method %q is not supported", req.Method))
	}
	if !r.limiter.Allow(req.Origin, r.now()) {
		return protocol.Fail(protocol.KindUnavailable, protocol.RateLimitedMessage)
	}
	// Grant before params: an origin without one gets Unauthorized for any params.
	if out, ok := r.authorize(ctx, req, m); !ok {
		return out
	}
	a, err := m.parse(req.Params)
	if err != nil {
		return protocol.Fail(protocol.KindExecutionFailed, err.Error())
	}
	t.advance(StateValidated)
	t.advance(StateAuthorized)

	result, err := r.execute(ctx, t, req, m, a)
	if err != nil {
		out, public := toOutcome(err)
		if !public {
			r.logger.Warn("request failed",
				"operation", "mediator.execute",
				"correlation_id", string(req.ID),
				"method", req.Method,
				"error", err.Error(),
			)
		}
		return out
	}
	raw, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("encode result failed", "operation", "mediator.execute", "method", req.Method, "error", err.Error())
		return protocol.Fail(protocol.KindExecutionFailed, "")
	}
	return protocol.Ok(raw)
}

// authorize applies the trust policy without writing anything.
func (r *Router) authorize(ctx context.Context, req protocol.ProviderRequest, m method) (protocol.Outcome, bool) {
	if m.readOnly && r.autoApproved[req.Method] {
		return protocol.Outcome{}, true
	}
	var allowed bool
	err := r.store.View(ctx, func(tx storage.Tx) error {
		var err error
		allowed, err = r.policy.Allows(tx, req.Origin, m.capability)
		return err
	})
	if err != nil {
		r.logger.Warn("trust lookup failed", "operation", "mediator.authorize", "method", req.Method, "error", err.Error())
		return protocol.Fail(protocol.KindExecutionFailed, ""), false
	}
	if !allowed {
		return protocol.Fail(protocol.KindUnauthorized, fmt.Sprintf("origin is not authorized for %s", req.Method)), false
	}
	return protocol.Outcome{}, true
}

// execute runs the method under its storage acquisition. Effects hold the
// lock of the account they touch, or the wallet-wide lock.
func (r *Router) execute(ctx context.Context, t *tracker, req protocol.ProviderRequest, m method, a args) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("request panicked",
				"operation", "mediator.execute",
				"correlation_id", string(req.ID),
				"method", req.Method,
				"panic", fmt.Sprint(p),
			)
			result, err = nil, protocol.NewError(protocol.KindExecutionFailed, panicMessage)
		}
	}()

	if m.readOnly {
		t.advance(StateExecuting)
		err = r.store.View(ctx, func(tx storage.Tx) error {
			var err error
			result, err = m.run(r, tx, req, a)
			return err
		})
		return result, err
	}

	key := globalLockKey
	if m.perAccount {
		err := r.store.View(ctx, func(tx storage.Tx) error {
			var err error
			a.Address, err = r.vault.ResolveAccount(tx, a.Address)
			return err
		})
		if err != nil {
			return nil, err
		}
		key = a.Address
	}
	unlock := r.locks.lock(key)
	defer unlock()

	t.advance(StateExecuting)
	err = r.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		result, err = m.run(r, tx, req, a)
		return err
	})
	return result, err
}
