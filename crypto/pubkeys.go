package crypto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrPublicKeyNotFound is returned when neither the cache nor its source knows
// the address.
var ErrPublicKeyNotFound = errors.New("crypto: public key not found")

// PublicKeySource resolves public keys missing from the cache.
type PublicKeySource interface {
	LookupPublicKey(ctx context.Context, address common.Address) ([]byte, error)
}

// PubKeyCache memoises address to compressed public key lookups. Entries are
// append-only: once an address is cached its key is never replaced, so readers
// never observe a key change.
type PubKeyCache struct {
	source PublicKeySource

	mu   sync.RWMutex
	keys map[common.Address][]byte
}

// NewPubKeyCache constructs a cache backed by source. A nil source makes the
// cache purely in-memory.
func NewPubKeyCache(source PublicKeySource) *PubKeyCache {
	return &PubKeyCache{source: source, keys: make(map[common.Address][]byte)}
}

// Get returns the compressed key for address.
func (c *PubKeyCache) Get(ctx context.Context, address common.Address) ([]byte, error) {
	c.mu.RLock()
	key, ok := c.keys[address]
	c.mu.RUnlock()
	if ok {
		return bytes.Clone(key), nil
	}
	if c.source == nil {
		return nil, ErrPublicKeyNotFound
	}
	raw, err := c.source.LookupPublicKey(ctx, address)
	if err != nil {
		return nil, err
	}
	return c.Remember(address, raw)
}

// Remember validates raw against address and caches it. When the address is
// already cached the existing key is returned and raw is ignored.
func (c *PubKeyCache) Remember(address common.Address, raw []byte) ([]byte, error) {
	pub, err := ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}
	if pub.Address() != address {
		return nil, fmt.Errorf("crypto: public key belongs to %s, not %s", pub.Address().Hex(), address.Hex())
	}
	compressed := pub.Compressed()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.keys[address]; ok {
		return bytes.Clone(existing), nil
	}
	c.keys[address] = compressed
	return bytes.Clone(compressed), nil
}

// Len reports the number of cached addresses.
func (c *PubKeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// RegistrationMessage is the text a wallet signs to publish its public key.
func RegistrationMessage(address common.Address) string {
	return "taskbridge public key registration for " + strings.ToLower(address.Hex())
}

// RecoverRegistration recovers the compressed public key from an EIP-191
// signature over RegistrationMessage and checks it belongs to address.
func RecoverRegistration(address common.Address, signature []byte) ([]byte, error) {
	if len(signature) != crypto.SignatureLength {
		return nil, fmt.Errorf("crypto: signature must be %d bytes", crypto.SignatureLength)
	}
	sig := bytes.Clone(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	hash := accounts.TextHash([]byte(RegistrationMessage(address)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, fmt.Errorf("crypto: recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != address {
		return nil, errors.New("crypto: signature does not match address")
	}
	return crypto.CompressPubkey(pub), nil
}

// SignRegistration produces the signature RecoverRegistration expects. Wallets
// do this client side; it is used by tooling and tests.
func SignRegistration(key *PrivateKey) ([]byte, error) {
	hash := accounts.TextHash([]byte(RegistrationMessage(key.Address())))
	sig, err := crypto.Sign(hash, key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
