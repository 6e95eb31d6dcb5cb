package wallet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

func accountInfo(index uint32) string {
	return fmt.Sprintf("wallet/account/%d/v1", index)
}

// deriveAccount expands the bip39 seed into the ed25519 key at index.
func deriveAccount(seed []byte, index uint32) (Account, ed25519.PrivateKey, error) {
	keySeed, err := hkdfExpand(seed, accountInfo(index), ed25519.SeedSize)
	if err != nil {
		return Account{}, nil, err
	}
	defer zero(keySeed)
	priv := ed25519.NewKeyFromSeed(keySeed)
	pub := priv.Public().(ed25519.PublicKey)
	return Account{
		Index:     index,
		Address:   AddressOf(pub),
		PublicKey: hex.EncodeToString(pub),
	}, priv, nil
}

// AddressOf is 0x followed by the first 20 bytes of sha256(pub), hex encoded.
func AddressOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[:20])
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
