// Package storage is the key-based persistence collaborator of the wallet
// state layer.
//
// Access is scoped: View and Update acquire whatever isolation the backend
// needs, hand the callback a Tx and release it on every exit path,
// including errors and panics. Update commits only when the callback
// returns nil.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrReadOnly   = errors.New("storage: write in read-only transaction")
	ErrEmptyKey   = errors.New("storage: key is required")
	ErrStoreClose = errors.New("storage: store is closed")
)

// Tx is one scoped acquisition.
type Tx interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
}

// Store is implemented by Memory and by storage/sqlite.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// GetJSON decodes the value at key into v. It reports false when the key
// is absent.
func GetJSON(tx Tx, key string, v any) (bool, error) {
	raw, ok, err := tx.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(tx Tx, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Set(key, raw)
}

// Get is a one-shot read in its own View.
func Get(ctx context.Context, s Store, key string) ([]byte, bool, error) {
	var (
		out []byte
		ok  bool
	)
	err := s.View(ctx, func(tx Tx) error {
		var err error
		out, ok, err = tx.Get(key)
		return err
	})
	return out, ok, err
}

// Set is a one-shot write in its own Update.
func Set(ctx context.Context, s Store, key string, value []byte) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Set(key, value)
	})
}

// Remove is a one-shot delete in its own Update.
func Remove(ctx context.Context, s Store, key string) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Remove(key)
	})
}
