package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"walletbridge/go-backend/internal/bridge/protocol"
	"walletbridge/go-backend/internal/storage"
	"walletbridge/go-backend/internal/trust"
	"walletbridge/go-backend/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testOrigin   = "https://dapp.example"
)

type fixture struct {
	store  *storage.Memory
	vault  *wallet.Vault
	policy *trust.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	vault, err := wallet.NewVault(store, wallet.Options{
		Accounts: 2,
		Chains:   []wallet.Chain{{ID: "0x1", Name: "Mainnet"}, {ID: "0x5", Name: "Testnet"}},
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if err := vault.Import(context.Background(), testMnemonic, "pass"); err != nil {
		t.Fatalf("import: %v", err)
	}
	return &fixture{store: store, vault: vault, policy: trust.NewPolicy(store)}
}

func (f *fixture) router(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := New(Deps{
		Store:  f.store,
		Wallet: f.vault,
		Policy: f.policy,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func (f *fixture) grant(t *testing.T, caps ...string) {
	t.Helper()
	if err := f.policy.Grant(context.Background(), testOrigin, caps...); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func request(method string, params ...any) protocol.ProviderRequest {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, _ := json.Marshal(p)
		raw = append(raw, b)
	}
	return protocol.ProviderRequest{ID: "req-1", Method: method, Params: raw, Origin: testOrigin}
}

func mustOk(t *testing.T, resp protocol.ProviderResponse, v any) {
	t.Helper()
	if !resp.Outcome.IsOk() {
		t.Fatalf("expected success, got %v", resp.Outcome.Err)
	}
	if v != nil {
		if err := json.Unmarshal(resp.Outcome.Result, v); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
}

func mustFail(t *testing.T, resp protocol.ProviderResponse, kind protocol.ErrorKind) *protocol.Error {
	t.Helper()
	if resp.Outcome.Err == nil || resp.Outcome.Err.Kind != kind {
		t.Fatalf("expected %s, got %+v", kind, resp.Outcome)
	}
	return resp.Outcome.Err
}

func TestGetAccountsIsAutoApproved(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, Config{})
	resp := r.Handle(context.Background(), request(protocol.MethodGetAccounts))
	if resp.ID != "req-1" {
		t.Fatalf("response must carry the request id, got %q", resp.ID)
	}
	var accounts []string
	mustOk(t, resp, &accounts)
	var want []string
	_ = f.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		want, err = f.vault.Accounts(tx)
		return err
	})
	if !reflect.DeepEqual(accounts, want) || len(accounts) != 2 {
		t.Fatalf("unexpected accounts: %v want %v", accounts, want)
	}
}

func TestReadOnlyMethodNeedsGrantWhenNotAutoApproved(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, Config{AutoApprovedMethods: []string{}})
	mustFail(t, r.Handle(context.Background(), request(protocol.MethodGetAccounts)), protocol.KindUnauthorized)
	f.grant(t, CapAccounts)
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodGetAccounts)), nil)
}

func TestUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	var seen []Transition
	r := f.router(t, Config{OnTransition: func(tr Transition) { seen = append(seen, tr) }})
	mustFail(t, r.Handle(context.Background(), request("eth_mine")), protocol.KindUnsupportedMethod)
	if len(seen) != 2 || seen[0].To != StateReceived || seen[1].From != StateReceived || seen[1].To != StateFailed {
		t.Fatalf("unexpected transitions: %+v", seen)
	}
	if seen[1].Kind != protocol.KindUnsupportedMethod {
		t.Fatalf("failed transition must carry the kind, got %q", seen[1].Kind)
	}
}

func TestUnauthorizedEffectLeavesStorageUnchanged(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, Config{})
	before := f.store.Snapshot()

	resp := r.Handle(context.Background(), request(protocol.MethodSignTransaction, "", map[string]any{"to": "0xabc"}))
	mustFail(t, resp, protocol.KindUnauthorized)
	mustFail(t, r.Handle(context.Background(), request(protocol.MethodSwitchChain, "0x5")), protocol.KindUnauthorized)

	if !reflect.DeepEqual(before, f.store.Snapshot()) {
		t.Fatal("unauthorized requests must not touch storage")
	}
}

func TestMalformedParamsWithoutGrantAreUnauthorized(t *testing.T) {
	f := newFixture(t)
	var states []State
	r := f.router(t, Config{OnTransition: func(tr Transition) { states = append(states, tr.To) }})

	for _, req := range []protocol.ProviderRequest{
		request(protocol.MethodSignMessage, "only-one"),
		request(protocol.MethodSignTransaction, "", "not-an-object"),
		request(protocol.MethodSwitchChain),
	} {
		states = nil
		mustFail(t, r.Handle(context.Background(), req), protocol.KindUnauthorized)
		want := []State{StateReceived, StateFailed}
		if !reflect.DeepEqual(states, want) {
			t.Fatalf("%s: unexpected transitions %v", req.Method, states)
		}
	}
}

func TestOpaqueOriginIsNeverAuthorized(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapSign)
	r := f.router(t, Config{})
	req := request(protocol.MethodSignMessage, "", "hi")
	req.Origin = "null"
	mustFail(t, r.Handle(context.Background(), req), protocol.KindUnauthorized)
}

func TestSignTransactionTransitionsAndNonce(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapSign)
	var states []State
	r := f.router(t, Config{OnTransition: func(tr Transition) { states = append(states, tr.To) }})

	var first, second wallet.SignedTransaction
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodSignTransaction, "", map[string]any{"to": "0xabc"})), &first)
	want := []State{StateReceived, StateValidated, StateAuthorized, StateExecuting, StateCompleted}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("unexpected transitions: %v", states)
	}
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodSignTransaction, first.Address, map[string]any{"to": "0xabc"})), &second)
	if first.Nonce != 0 || second.Nonce != 1 {
		t.Fatalf("unexpected nonces %d %d", first.Nonce, second.Nonce)
	}
}

func TestInvalidParams(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapSign, CapChainSwitch)
	r := f.router(t, Config{})
	cases := []protocol.ProviderRequest{
		request(protocol.MethodGetAccounts, "extra"),
		request(protocol.MethodSignMessage, "only-one"),
		request(protocol.MethodSignMessage, 1, "hi"),
		request(protocol.MethodSignTransaction, "", "not-an-object"),
		request(protocol.MethodSwitchChain, ""),
	}
	for _, req := range cases {
		err := mustFail(t, r.Handle(context.Background(), req), protocol.KindExecutionFailed)
		if err.Message != "invalid params" {
			t.Fatalf("unexpected message for %s: %q", req.Method, err.Message)
		}
	}
}

func TestPublicWalletErrors(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapSign, CapChainSwitch)
	r := f.router(t, Config{})

	err := mustFail(t, r.Handle(context.Background(), request(protocol.MethodSwitchChain, "0x999")), protocol.KindExecutionFailed)
	if err.Message != wallet.ErrUnknownChain.Error() {
		t.Fatalf("unexpected message: %q", err.Message)
	}
	f.vault.Lock()
	err = mustFail(t, r.Handle(context.Background(), request(protocol.MethodSignMessage, "", "hi")), protocol.KindExecutionFailed)
	if err.Message != wallet.ErrLocked.Error() {
		t.Fatalf("unexpected message: %q", err.Message)
	}
}

func TestSwitchChainAndPermissions(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapChainSwitch, CapAccountsConnect)
	r := f.router(t, Config{})

	var chain wallet.Chain
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodSwitchChain, "0x5")), &chain)
	if chain.ID != "0x5" {
		t.Fatalf("unexpected chain: %+v", chain)
	}
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodGetChainInfo)), &chain)
	if chain.Name != "Testnet" {
		t.Fatalf("active chain not persisted: %+v", chain)
	}
	var caps []string
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodGetPermissions)), &caps)
	if !reflect.DeepEqual(caps, []string{CapAccountsConnect, CapChainSwitch}) {
		t.Fatalf("unexpected permissions: %v", caps)
	}
	var accounts []string
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodRequestAccounts)), &accounts)
	grants, _ := f.policy.List(context.Background())
	if len(accounts) != 2 || grants[0].LastConnectedAt.IsZero() {
		t.Fatalf("requestAccounts must return accounts and record the connection: %v %+v", accounts, grants)
	}
}

func TestConcurrentSignaturesGetDistinctNonces(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapSign)
	r := f.router(t, Config{})

	const n = 16
	nonces := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := r.Handle(context.Background(), request(protocol.MethodSignTransaction, "", map[string]any{"i": 1}))
			var tx wallet.SignedTransaction
			if resp.Outcome.IsOk() && json.Unmarshal(resp.Outcome.Result, &tx) == nil {
				nonces <- tx.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)
	seen := make(map[uint64]bool)
	for nonce := range nonces {
		if seen[nonce] {
			t.Fatalf("nonce %d issued twice", nonce)
		}
		seen[nonce] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d signatures, got %d", n, len(seen))
	}
	if r.locks.size() != 0 {
		t.Fatalf("account locks leaked: %d", r.locks.size())
	}
}

type panickyWallet struct {
	*wallet.Vault
}

func (panickyWallet) SignMessage(storage.Tx, string, []byte) (wallet.Signature, error) {
	panic("signer exploded")
}

func TestPanicBecomesExecutionFailed(t *testing.T) {
	f := newFixture(t)
	f.grant(t, CapSign)
	r, err := New(Deps{
		Store:  f.store,
		Wallet: panickyWallet{f.vault},
		Policy: f.policy,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	perr := mustFail(t, r.Handle(context.Background(), request(protocol.MethodSignMessage, "", "hi")), protocol.KindExecutionFailed)
	if perr.Message != panicMessage {
		t.Fatalf("panic detail must not leak: %q", perr.Message)
	}
	// storage and the account lock were released
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodSignTransaction, "", map[string]any{})), nil)
}

func TestRateLimitPerOrigin(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, Config{RateLimit: &RateLimit{RPS: 0.001, Burst: 1}})
	mustOk(t, r.Handle(context.Background(), request(protocol.MethodGetAccounts)), nil)
	err := mustFail(t, r.Handle(context.Background(), request(protocol.MethodGetAccounts)), protocol.KindUnavailable)
	if err.Message != protocol.RateLimitedMessage || !protocol.IsRateLimited(err) {
		t.Fatalf("unexpected message: %q", err.Message)
	}
	other := request(protocol.MethodGetAccounts)
	other.Origin = "https://other.example"
	mustOk(t, r.Handle(context.Background(), other), nil)
}

func TestNewRejectsEffectAutoApproval(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{protocol.MethodSignMessage, "nope"} {
		_, err := New(Deps{Store: f.store, Wallet: f.vault, Policy: f.policy}, Config{AutoApprovedMethods: []string{name}})
		if err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Fatal("expected missing deps to be rejected")
	}
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, Config{})
	sender := protocol.Sender{Origin: testOrigin, DocumentID: "doc_1"}

	resp := r.HandleMessage(context.Background(), sender, protocol.NewWireRequest(protocol.MethodGetChainInfo, nil))
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
	resp = r.HandleMessage(context.Background(), sender, protocol.WireRequest{Type: "PING"})
	if resp.Success || resp.Error == nil || resp.Error.Kind != protocol.KindExecutionFailed {
		t.Fatalf("unexpected reply to foreign message type: %+v", resp)
	}
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	r, err := New(Deps{Store: f.store, Wallet: f.vault, Policy: f.policy, Registerer: reg}, Config{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	r.Handle(context.Background(), request(protocol.MethodGetAccounts))
	r.Handle(context.Background(), request("bogus"))

	if got := testutil.ToFloat64(r.metrics.requests.WithLabelValues(protocol.MethodGetAccounts, outcomeOK)); got != 1 {
		t.Fatalf("unexpected ok count: %v", got)
	}
	if got := testutil.ToFloat64(r.metrics.requests.WithLabelValues("unknown", string(protocol.KindUnsupportedMethod))); got != 1 {
		t.Fatalf("unexpected unsupported count: %v", got)
	}
	if got := testutil.ToFloat64(r.metrics.inFlight); got != 0 {
		t.Fatalf("in-flight gauge should return to zero, got %v", got)
	}

	// A second router on the same registry shares the collectors.
	r2, err := New(Deps{Store: f.store, Wallet: f.vault, Policy: f.policy, Registerer: reg}, Config{})
	if err != nil {
		t.Fatalf("second router: %v", err)
	}
	r2.Handle(context.Background(), request(protocol.MethodGetAccounts))
	if got := testutil.ToFloat64(r.metrics.requests.WithLabelValues(protocol.MethodGetAccounts, outcomeOK)); got != 2 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func TestCapabilityLookup(t *testing.T) {
	if c, ok := Capability(protocol.MethodSignTransaction); !ok || c != CapSign {
		t.Fatalf("unexpected capability: %q %v", c, ok)
	}
	if _, ok := Capability("nope"); ok {
		t.Fatal("unknown method must not have a capability")
	}
	if len(Methods()) != 7 {
		t.Fatalf("unexpected registry size: %v", Methods())
	}
	if !errors.Is(protocol.NewError(protocol.KindUnauthorized, "x"), protocol.ErrUnauthorized) {
		t.Fatal("kind sentinel mismatch")
	}
}
