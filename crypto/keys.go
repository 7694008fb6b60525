// Package crypto manages the operator key: the single secp256k1 key the
// runtime signs treasury transactions with. The key is read once at boot and
// never logged; a process without one runs read-only.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps the operator's ECDSA key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh operator key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(gethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw 32-byte private scalar.
func (k *PrivateKey) Bytes() []byte {
	return gethcrypto.FromECDSA(k.PrivateKey)
}

// Address derives the operator wallet address.
func (k *PrivateKey) Address() common.Address {
	return gethcrypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// PrivateKeyFromBytes rebuilds a key from its raw scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := gethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex-encoded scalar, tolerating a 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("crypto: empty private key")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromBytes(b)
}
