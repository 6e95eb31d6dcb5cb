// Package wallet holds the account keys the mediator signs with.
//
// The mnemonic is sealed with securestore before it is written; account
// addresses, nonces and the active chain are stored in the clear. Methods
// that take a storage.Tx run inside the caller's acquisition so a failed
// request leaves no partial writes behind.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"walletbridge/go-backend/internal/securestore"
	"walletbridge/go-backend/internal/storage"

	"github.com/tyler-smith/go-bip39"
)

type Options struct {
	// Accounts is the number of accounts derived on create or import.
	Accounts     int
	Chains       []Chain
	DefaultChain string
}

type Vault struct {
	store        storage.Store
	accounts     int
	chains       []Chain
	defaultChain string
	now          func() time.Time

	mu      sync.RWMutex
	keys    map[string]ed25519.PrivateKey
	lockout lockout
}

func NewVault(store storage.Store, opts Options) (*Vault, error) {
	if store == nil {
		return nil, errors.New("wallet: store is required")
	}
	if opts.Accounts <= 0 {
		opts.Accounts = 1
	}
	chains := opts.Chains
	if len(chains) == 0 {
		chains = DefaultChains
	}
	def := strings.TrimSpace(opts.DefaultChain)
	if def == "" {
		def = chains[0].ID
	}
	v := &Vault{
		store:        store,
		accounts:     opts.Accounts,
		chains:       append([]Chain(nil), chains...),
		defaultChain: def,
		now:          time.Now,
	}
	if _, ok := v.chain(def); !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownChain, def)
	}
	return v, nil
}

// Initialized reports whether a sealed seed is stored.
func (v *Vault) Initialized(ctx context.Context) (bool, error) {
	_, ok, err := storage.Get(ctx, v.store, keySeed)
	return ok, err
}

// Create generates a 24-word mnemonic, stores it and leaves the vault
// unlocked.
func (v *Vault) Create(ctx context.Context, passphrase string) (string, error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", ErrPassphraseRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	if err := v.Import(ctx, mnemonic, passphrase); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// Import stores mnemonic sealed under passphrase and unlocks the vault.
func (v *Vault) Import(ctx context.Context, mnemonic, passphrase string) error {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" {
		return ErrMnemonicRequired
	}
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	accounts := make([]Account, 0, v.accounts)
	keys := make(map[string]ed25519.PrivateKey, v.accounts)
	for i := 0; i < v.accounts; i++ {
		acct, priv, err := deriveAccount(seed, uint32(i))
		if err != nil {
			return err
		}
		accounts = append(accounts, acct)
		keys[acct.Address] = priv
	}

	err := v.store.Update(ctx, func(tx storage.Tx) error {
		if _, ok, err := tx.Get(keySeed); err != nil {
			return err
		} else if ok {
			return ErrAlreadyInitialized
		}
		if err := securestore.PutJSON(tx, keySeed, passphrase, sealedSeed{Mnemonic: mnemonic}); err != nil {
			return err
		}
		if err := storage.SetJSON(tx, keyAccounts, accounts); err != nil {
			return err
		}
		if _, ok, err := tx.Get(keyChain); err != nil {
			return err
		} else if !ok {
			return storage.SetJSON(tx, keyChain, v.defaultChain)
		}
		return nil
	})
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.keys = keys
	v.lockout.reset()
	v.mu.Unlock()
	return nil
}

// Unlock opens the sealed seed and rederives the stored accounts. Each
// wrong passphrase doubles the lockout window.
func (v *Vault) Unlock(ctx context.Context, passphrase string) error {
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	v.mu.Lock()
	if err := v.lockout.check(v.now()); err != nil {
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	var (
		sealed   sealedSeed
		accounts []Account
	)
	err := v.store.View(ctx, func(tx storage.Tx) error {
		ok, err := securestore.GetJSON(tx, keySeed, passphrase, &sealed)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotInitialized
		}
		_, err = storage.GetJSON(tx, keyAccounts, &accounts)
		return err
	})
	if errors.Is(err, securestore.ErrAuthFailed) {
		v.mu.Lock()
		v.lockout.fail(v.now())
		v.mu.Unlock()
		return ErrInvalidPassphrase
	}
	if err != nil {
		return err
	}

	seed := bip39.NewSeed(sealed.Mnemonic, "")
	defer zero(seed)
	keys := make(map[string]ed25519.PrivateKey, len(accounts))
	for _, stored := range accounts {
		acct, priv, err := deriveAccount(seed, stored.Index)
		if err != nil {
			return err
		}
		if acct.Address != stored.Address {
			return fmt.Errorf("account %d does not match stored address", stored.Index)
		}
		keys[acct.Address] = priv
	}

	v.mu.Lock()
	v.keys = keys
	v.lockout.reset()
	v.mu.Unlock()
	return nil
}

// Lock drops every private key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = nil
}

func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys != nil
}

// Accounts lists addresses in derivation order.
func (v *Vault) Accounts(tx storage.Tx) ([]string, error) {
	accounts, err := v.storedAccounts(tx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Address)
	}
	return out, nil
}

// ResolveAccount maps an empty address to the first account and rejects
// addresses the vault does not hold.
func (v *Vault) ResolveAccount(tx storage.Tx, address string) (string, error) {
	accounts, err := v.storedAccounts(tx)
	if err != nil {
		return "", err
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return accounts[0].Address, nil
	}
	for _, a := range accounts {
		if a.Address == address {
			return address, nil
		}
	}
	return "", ErrUnknownAccount
}

func (v *Vault) ActiveChain(tx storage.Tx) (Chain, error) {
	var id string
	ok, err := storage.GetJSON(tx, keyChain, &id)
	if err != nil {
		return Chain{}, err
	}
	if !ok {
		id = v.defaultChain
	}
	c, known := v.chain(id)
	if !known {
		return Chain{}, fmt.Errorf("%w: %q", ErrUnknownChain, id)
	}
	return c, nil
}

func (v *Vault) SwitchChain(tx storage.Tx, chainID string) (Chain, error) {
	c, ok := v.chain(strings.TrimSpace(chainID))
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrUnknownChain, chainID)
	}
	if err := storage.SetJSON(tx, keyChain, c.ID); err != nil {
		return Chain{}, err
	}
	return c, nil
}

func (v *Vault) Nonce(tx storage.Tx, address string) (uint64, error) {
	raw, ok, err := tx.Get(prefixNonce + address)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode nonce for %s: %w", address, err)
	}
	return n, nil
}

// SignMessage signs message with the key for address.
func (v *Vault) SignMessage(tx storage.Tx, address string, message []byte) (Signature, error) {
	address, err := v.ResolveAccount(tx, address)
	if err != nil {
		return Signature{}, err
	}
	priv, err := v.privateKey(address)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		Address:   address,
		Signature: hex.EncodeToString(ed25519.Sign(priv, message)),
	}, nil
}

// SignTransaction signs payload at the account's current nonce on the
// active chain and advances the nonce.
func (v *Vault) SignTransaction(tx storage.Tx, address string, payload json.RawMessage) (SignedTransaction, error) {
	address, err := v.ResolveAccount(tx, address)
	if err != nil {
		return SignedTransaction{}, err
	}
	priv, err := v.privateKey(address)
	if err != nil {
		return SignedTransaction{}, err
	}
	chain, err := v.ActiveChain(tx)
	if err != nil {
		return SignedTransaction{}, err
	}
	nonce, err := v.Nonce(tx, address)
	if err != nil {
		return SignedTransaction{}, err
	}
	digest, err := transactionDigest(chain.ID, nonce, payload)
	if err != nil {
		return SignedTransaction{}, err
	}
	if err := tx.Set(prefixNonce+address, []byte(strconv.FormatUint(nonce+1, 10))); err != nil {
		return SignedTransaction{}, err
	}
	return SignedTransaction{
		Address:   address,
		ChainID:   chain.ID,
		Nonce:     nonce,
		Hash:      "0x" + hex.EncodeToString(digest),
		Signature: hex.EncodeToString(ed25519.Sign(priv, digest)),
	}, nil
}

func transactionDigest(chainID string, nonce uint64, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := compactJSON(payload)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(chainID + "\n" + strconv.FormatUint(nonce, 10) + "\n"))
	h.Write(body)
	return h.Sum(nil), nil
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.Marshal(v)
}

func (v *Vault) storedAccounts(tx storage.Tx) ([]Account, error) {
	var accounts []Account
	ok, err := storage.GetJSON(tx, keyAccounts, &accounts)
	if err != nil {
		return nil, err
	}
	if !ok || len(accounts) == 0 {
		return nil, ErrNotInitialized
	}
	return accounts, nil
}

func (v *Vault) privateKey(address string) (ed25519.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return nil, ErrLocked
	}
	priv, ok := v.keys[address]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return priv, nil
}

func (v *Vault) chain(id string) (Chain, bool) {
	for _, c := range v.chains {
		if strings.EqualFold(c.ID, id) {
			return c, true
		}
	}
	return Chain{}, false
}
