// Package storagetest holds behaviour checks shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"walletbridge/go-backend/internal/storage"
)

// Run exercises open(): each subtest gets a fresh store.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("SetGetRemove", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := storage.Set(ctx, s, "wallet/chain", []byte(`"0x1"`)); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		got, ok, err := storage.Get(ctx, s, "wallet/chain")
		if err != nil || !ok || string(got) != `"0x1"` {
			t.Fatalf("unexpected get: %q %v %v", got, ok, err)
		}
		if err := storage.Remove(ctx, s, "wallet/chain"); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		if _, ok, err := storage.Get(ctx, s, "wallet/chain"); err != nil || ok {
			t.Fatalf("expected key to be gone, ok=%v err=%v", ok, err)
		}
	})

	t.Run("EmptyValueIsStored", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := storage.Set(ctx, s, "k", []byte{}); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		got, ok, err := storage.Get(ctx, s, "k")
		if err != nil || !ok || len(got) != 0 {
			t.Fatalf("unexpected get: %q %v %v", got, ok, err)
		}
	})

	t.Run("FailedUpdateRollsBack", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := storage.Set(ctx, s, "nonce", []byte("1")); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx storage.Tx) error {
			if err := tx.Set("nonce", []byte("2")); err != nil {
				return err
			}
			if err := tx.Set("other", []byte("x")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
		got, _, _ := storage.Get(ctx, s, "nonce")
		if string(got) != "1" {
			t.Fatalf("write leaked from failed update: %q", got)
		}
		if _, ok, _ := storage.Get(ctx, s, "other"); ok {
			t.Fatal("write leaked from failed update")
		}
	})

	t.Run("PanicReleasesAcquisition", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		func() {
			defer func() { _ = recover() }()
			_ = s.Update(ctx, func(tx storage.Tx) error {
				_ = tx.Set("k", []byte("v"))
				panic("handler crashed")
			})
		}()
		// A second update must not deadlock on a leaked lock.
		if err := storage.Set(ctx, s, "k2", []byte("v2")); err != nil {
			t.Fatalf("update after panic failed: %v", err)
		}
		if _, ok, _ := storage.Get(ctx, s, "k"); ok {
			t.Fatal("write from panicking update must be discarded")
		}
	})

	t.Run("ViewIsReadOnly", func(t *testing.T) {
		s := open(t)
		err := s.View(context.Background(), func(tx storage.Tx) error {
			return tx.Set("k", []byte("v"))
		})
		if !errors.Is(err, storage.ErrReadOnly) {
			t.Fatalf("expected ErrReadOnly, got %v", err)
		}
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		err := s.Update(ctx, func(tx storage.Tx) error {
			for _, k := range []string{"trust/grants/b", "trust/grants/a", "wallet/vault"} {
				if err := tx.Set(k, []byte("1")); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		var keys []string
		err = s.View(ctx, func(tx storage.Tx) error {
			var err error
			keys, err = tx.Keys("trust/grants/")
			return err
		})
		if err != nil {
			t.Fatalf("keys failed: %v", err)
		}
		want := []string{"trust/grants/a", "trust/grants/b"}
		if !reflect.DeepEqual(keys, want) {
			t.Fatalf("unexpected keys: %v", keys)
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		type grant struct {
			Caps []string `json:"caps"`
		}
		err := s.Update(ctx, func(tx storage.Tx) error {
			return storage.SetJSON(tx, "g", grant{Caps: []string{"sign"}})
		})
		if err != nil {
			t.Fatalf("set json failed: %v", err)
		}
		var got grant
		err = s.View(ctx, func(tx storage.Tx) error {
			ok, err := storage.GetJSON(tx, "g", &got)
			if !ok && err == nil {
				return errors.New("missing")
			}
			return err
		})
		if err != nil || len(got.Caps) != 1 || got.Caps[0] != "sign" {
			t.Fatalf("unexpected json value: %+v %v", got, err)
		}
	})
}
