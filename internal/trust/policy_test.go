package trust

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"walletbridge/go-backend/internal/storage"
)

func TestNormalizeOrigin(t *testing.T) {
	cases := map[string]string{
		"https://DApp.Example":          "https://dapp.example",
		"https://dapp.example:443":      "https://dapp.example",
		"http://localhost:8080/":        "http://localhost:8080",
		"http://[::1]":                  "http://[::1]",
		"chrome-extension://abcdefghij": "chrome-extension://abcdefghij",
	}
	for in, want := range cases {
		got, err := NormalizeOrigin(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeOrigin(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := NormalizeOrigin("null"); !errors.Is(err, ErrOpaqueOrigin) {
		t.Fatalf("expected ErrOpaqueOrigin, got %v", err)
	}
	for _, bad := range []string{"", "dapp.example", "https://dapp.example/path", "https://user@dapp.example"} {
		if _, err := NormalizeOrigin(bad); !errors.Is(err, ErrInvalidOrigin) {
			t.Fatalf("expected ErrInvalidOrigin for %q, got %v", bad, err)
		}
	}
}

func allows(t *testing.T, p *Policy, s storage.Store, origin, capability string) bool {
	t.Helper()
	var ok bool
	err := s.View(context.Background(), func(tx storage.Tx) error {
		var err error
		ok, err = p.Allows(tx, origin, capability)
		return err
	})
	if err != nil {
		t.Fatalf("allows failed: %v", err)
	}
	return ok
}

func TestGrantAndRevoke(t *testing.T) {
	s := storage.NewMemory()
	p := NewPolicy(s)
	ctx := context.Background()
	if err := p.Grant(ctx, "https://dapp.example", "sign", "accounts.connect"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := p.Grant(ctx, "https://DAPP.example:443", "sign"); err != nil {
		t.Fatalf("second grant failed: %v", err)
	}
	if !allows(t, p, s, "https://dapp.example", "sign") {
		t.Fatal("expected sign to be allowed")
	}
	if allows(t, p, s, "https://other.example", "sign") {
		t.Fatal("grants must not leak across origins")
	}

	var caps []string
	_ = s.View(ctx, func(tx storage.Tx) error {
		var err error
		caps, err = p.Granted(tx, "https://dapp.example")
		return err
	})
	if !reflect.DeepEqual(caps, []string{"accounts.connect", "sign"}) {
		t.Fatalf("unexpected capabilities: %v", caps)
	}

	if err := p.Revoke(ctx, "https://dapp.example", "sign"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if allows(t, p, s, "https://dapp.example", "sign") {
		t.Fatal("revoked capability still allowed")
	}
	if err := p.Revoke(ctx, "https://dapp.example"); err != nil {
		t.Fatalf("revoke all failed: %v", err)
	}
	grants, err := p.List(ctx)
	if err != nil || len(grants) != 0 {
		t.Fatalf("expected no grants, got %v %v", grants, err)
	}
}

func TestOpaqueOriginNeverGranted(t *testing.T) {
	s := storage.NewMemory()
	p := NewPolicy(s)
	if err := p.Grant(context.Background(), "null", "sign"); !errors.Is(err, ErrOpaqueOrigin) {
		t.Fatalf("expected ErrOpaqueOrigin, got %v", err)
	}
	if allows(t, p, s, "null", "sign") {
		t.Fatal("opaque origin must not be allowed")
	}
	if err := p.Grant(context.Background(), "https://dapp.example"); !errors.Is(err, ErrNoCapabilities) {
		t.Fatalf("expected ErrNoCapabilities, got %v", err)
	}
}

func TestTouchRecordsConnection(t *testing.T) {
	s := storage.NewMemory()
	p := NewPolicy(s)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()
	if err := p.Grant(ctx, "https://dapp.example", "accounts.connect"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	now = now.Add(time.Hour)
	err := s.Update(ctx, func(tx storage.Tx) error {
		if err := p.Touch(tx, "https://other.example"); err != nil {
			return err
		}
		return p.Touch(tx, "https://dapp.example")
	})
	if err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	grants, err := p.List(ctx)
	if err != nil || len(grants) != 1 {
		t.Fatalf("unexpected grants: %v %v", grants, err)
	}
	if !grants[0].LastConnectedAt.Equal(now) || grants[0].GrantedAt.Equal(now) {
		t.Fatalf("unexpected timestamps: %+v", grants[0])
	}
}
