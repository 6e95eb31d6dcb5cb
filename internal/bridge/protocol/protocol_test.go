package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("relay: %w", NewError(KindTimeout, "slow"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("timeout must not match unavailable")
	}
	if got := KindOf(err); got != KindTimeout {
		t.Fatalf("unexpected kind: %s", got)
	}
	if got := KindOf(errors.New("boom")); got != KindExecutionFailed {
		t.Fatalf("plain errors must map to execution failed, got %s", got)
	}
}

func TestNewErrorNormalizesUnknownKind(t *testing.T) {
	e := NewError("SOMETHING_ELSE", "")
	if e.Kind != KindExecutionFailed {
		t.Fatalf("unexpected kind: %s", e.Kind)
	}
	if e.Message != "request failed" {
		t.Fatalf("unexpected default message: %q", e.Message)
	}
}

func TestDecodePageRequestRejectsWrongDiscriminator(t *testing.T) {
	cases := []string{
		`not json`,
		`{"target":"wallet-provider","type":"PROVIDER_REQUEST","id":"a","method":"getAccounts"}`,
		`{"target":"wallet-relay","type":"PROVIDER_RESPONSE","id":"a","method":"getAccounts"}`,
		`{"target":"wallet-relay","type":"PROVIDER_REQUEST","id":"","method":"getAccounts"}`,
		`{"target":"wallet-relay","type":"PROVIDER_REQUEST","id":"a","method":" "}`,
		`{"type":"PROVIDER_REQUEST","payload":{"method":"getAccounts"}}`,
	}
	for _, raw := range cases {
		if _, err := DecodePageRequest([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected malformed for %s, got %v", raw, err)
		}
	}
}

func TestDecodePageRequestDefaultsParams(t *testing.T) {
	msg, err := DecodePageRequest([]byte(`{"target":"wallet-relay","type":"PROVIDER_REQUEST","id":"p-1","method":"getAccounts"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Params == nil || len(msg.Params) != 0 {
		t.Fatalf("expected empty params, got %#v", msg.Params)
	}
}

func TestWireOutcomeConversion(t *testing.T) {
	ok := WireFromOutcome(Ok(json.RawMessage(`["0xabc"]`)))
	if !ok.Success || string(ok.Data) != `["0xabc"]` {
		t.Fatalf("unexpected wire success: %+v", ok)
	}
	if out := ok.Outcome(); !out.IsOk() || string(out.Result) != `["0xabc"]` {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	failed := WireFromOutcome(Fail(KindUnauthorized, "no grant"))
	out := failed.Outcome()
	if out.IsOk() || out.Err.Kind != KindUnauthorized || out.Err.Message != "no grant" {
		t.Fatalf("unexpected failed outcome: %+v", out)
	}

	bare := WireResponse{Success: false}
	if out := bare.Outcome(); out.Err == nil || out.Err.Kind != KindExecutionFailed {
		t.Fatalf("expected execution failed for bare failure, got %+v", out)
	}
}

func TestIsReadOnly(t *testing.T) {
	if !IsReadOnly(MethodGetAccounts) {
		t.Fatal("getAccounts is read-only")
	}
	if IsReadOnly(MethodSignTransaction) {
		t.Fatal("signTransaction has effects")
	}
}

func TestIsRateLimitedSeparatesBackoffFromAbsence(t *testing.T) {
	limited := fmt.Errorf("call: %w", NewError(KindUnavailable, RateLimitedMessage))
	if !IsRateLimited(limited) {
		t.Fatal("rate-limited error not recognized")
	}
	if !errors.Is(limited, ErrUnavailable) {
		t.Fatal("rate-limited error must keep the Unavailable kind")
	}
	if IsRateLimited(NewError(KindUnavailable, "")) {
		t.Fatal("absent wallet must not read as rate limited")
	}
	if IsRateLimited(NewError(KindExecutionFailed, RateLimitedMessage)) {
		t.Fatal("only Unavailable can be rate limited")
	}
}
