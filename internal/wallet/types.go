package wallet

import "errors"

var (
	ErrNotInitialized     = errors.New("wallet is not initialized")
	ErrAlreadyInitialized = errors.New("wallet is already initialized")
	ErrLocked             = errors.New("wallet is locked")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrMnemonicRequired   = errors.New("mnemonic is required")
	ErrPassphraseRequired = errors.New("passphrase is required")
	ErrInvalidPassphrase  = errors.New("invalid passphrase")
	ErrPassphraseLocked   = errors.New("passphrase attempts are temporarily locked")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrUnknownChain       = errors.New("unknown chain")
	ErrInvalidPayload     = errors.New("invalid transaction payload")
)

// Chain is a network the wallet can be pointed at.
type Chain struct {
	ID   string `json:"chainId" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// DefaultChains is used when no chain list is configured.
var DefaultChains = []Chain{{ID: "0x1", Name: "Mainnet"}}

// Account is the public half of a derived key. It is stored in the clear
// so getAccounts works while the vault is locked.
type Account struct {
	Index     uint32 `json:"index"`
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
}

type Signature struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type SignedTransaction struct {
	Address   string `json:"address"`
	ChainID   string `json:"chainId"`
	Nonce     uint64 `json:"nonce"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

type sealedSeed struct {
	Mnemonic string `json:"mnemonic"`
}

const (
	keySeed     = "wallet/vault"
	keyAccounts = "wallet/accounts"
	keyChain    = "wallet/chain"
	prefixNonce = "wallet/nonce/"
)
