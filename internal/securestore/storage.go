package securestore

import (
	"encoding/json"
	"fmt"

	"walletbridge/go-backend/internal/storage"
)

// PutJSON seals the JSON encoding of v at key. The key is the aad.
func PutJSON(tx storage.Tx, key, passphrase string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	defer zeroBytes(payload)
	sealed, err := Seal(passphrase, payload, []byte(key))
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return tx.Set(key, sealed)
}

// GetJSON opens the value at key into v. It reports false when the key is
// absent.
func GetJSON(tx storage.Tx, key, passphrase string, v any) (bool, error) {
	raw, ok, err := tx.Get(key)
	if err != nil || !ok {
		return false, err
	}
	payload, err := Open(passphrase, raw, []byte(key))
	if err != nil {
		return false, err
	}
	defer zeroBytes(payload)
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
