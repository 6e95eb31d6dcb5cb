// Package trust records which origins may use which wallet capabilities.
package trust

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"walletbridge/go-backend/internal/storage"
)

const prefixGrants = "trust/grants/"

var ErrNoCapabilities = errors.New("at least one capability is required")

// Grant is the stored record for one origin.
type Grant struct {
	Origin          string    `json:"origin"`
	Capabilities    []string  `json:"capabilities"`
	GrantedAt       time.Time `json:"granted_at"`
	LastConnectedAt time.Time `json:"last_connected_at,omitzero"`
}

func (g Grant) has(capability string) bool {
	return slices.Contains(g.Capabilities, capability)
}

type Policy struct {
	store storage.Store
	now   func() time.Time
}

func NewPolicy(store storage.Store) *Policy {
	return &Policy{store: store, now: time.Now}
}

// Grant adds capabilities for origin. Existing capabilities are kept.
func (p *Policy) Grant(ctx context.Context, origin string, capabilities ...string) error {
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return err
	}
	caps := normalizeCapabilities(capabilities)
	if len(caps) == 0 {
		return ErrNoCapabilities
	}
	return p.store.Update(ctx, func(tx storage.Tx) error {
		g, _, err := load(tx, origin)
		if err != nil {
			return err
		}
		if g.GrantedAt.IsZero() {
			g.GrantedAt = p.now().UTC()
		}
		g.Capabilities = normalizeCapabilities(append(g.Capabilities, caps...))
		return storage.SetJSON(tx, prefixGrants+origin, g)
	})
}

// Revoke removes capabilities from origin, or every grant when none are
// named.
func (p *Policy) Revoke(ctx context.Context, origin string, capabilities ...string) error {
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return err
	}
	return p.store.Update(ctx, func(tx storage.Tx) error {
		g, ok, err := load(tx, origin)
		if err != nil || !ok {
			return err
		}
		if len(capabilities) == 0 {
			return tx.Remove(prefixGrants + origin)
		}
		drop := normalizeCapabilities(capabilities)
		g.Capabilities = slices.DeleteFunc(g.Capabilities, func(c string) bool {
			return slices.Contains(drop, c)
		})
		if len(g.Capabilities) == 0 {
			return tx.Remove(prefixGrants + origin)
		}
		return storage.SetJSON(tx, prefixGrants+origin, g)
	})
}

// Granted lists the capabilities origin holds. Invalid and opaque
// origins hold none.
func (p *Policy) Granted(tx storage.Tx, origin string) ([]string, error) {
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return []string{}, nil
	}
	g, _, err := load(tx, origin)
	if err != nil {
		return nil, err
	}
	return append([]string{}, g.Capabilities...), nil
}

func (p *Policy) Allows(tx storage.Tx, origin, capability string) (bool, error) {
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return false, nil
	}
	g, _, err := load(tx, origin)
	if err != nil {
		return false, err
	}
	return g.has(capability), nil
}

// Touch records a successful connection from origin. It is a no-op for
// origins without a grant.
func (p *Policy) Touch(tx storage.Tx, origin string) error {
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return nil
	}
	g, ok, err := load(tx, origin)
	if err != nil || !ok {
		return err
	}
	g.LastConnectedAt = p.now().UTC()
	return storage.SetJSON(tx, prefixGrants+origin, g)
}

// List returns every stored grant ordered by origin.
func (p *Policy) List(ctx context.Context) ([]Grant, error) {
	var out []Grant
	err := p.store.View(ctx, func(tx storage.Tx) error {
		keys, err := tx.Keys(prefixGrants)
		if err != nil {
			return err
		}
		for _, key := range keys {
			g, ok, err := load(tx, strings.TrimPrefix(key, prefixGrants))
			if err != nil {
				return err
			}
			if ok {
				out = append(out, g)
			}
		}
		return nil
	})
	return out, err
}

func load(tx storage.Tx, origin string) (Grant, bool, error) {
	var g Grant
	ok, err := storage.GetJSON(tx, prefixGrants+origin, &g)
	if err != nil {
		return Grant{}, false, err
	}
	if !ok {
		return Grant{Origin: origin}, false, nil
	}
	g.Origin = origin
	return g, true, nil
}

func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
