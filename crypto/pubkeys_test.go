package crypto

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource struct {
	mu    sync.Mutex
	keys  map[common.Address][]byte
	calls int
}

func (m *mapSource) LookupPublicKey(_ context.Context, address common.Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	key, ok := m.keys[address]
	if !ok {
		return nil, ErrPublicKeyNotFound
	}
	return key, nil
}

func TestPubKeyCacheMemoisesSourceLookups(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	source := &mapSource{keys: map[common.Address][]byte{key.Address(): key.PubKey().Compressed()}}
	cache := NewPubKeyCache(source)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Get(context.Background(), key.Address())
			assert.NoError(t, err)
			assert.Equal(t, key.PubKey().Compressed(), got)
		}()
	}
	wg.Wait()

	calls := source.calls
	_, err = cache.Get(context.Background(), key.Address())
	require.NoError(t, err)
	require.Equal(t, calls, source.calls, "cached lookups must not hit the source")
	require.Equal(t, 1, cache.Len())
}

func TestPubKeyCacheIsAppendOnly(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	cache := NewPubKeyCache(nil)

	first, err := cache.Remember(key.Address(), key.PubKey().Compressed())
	require.NoError(t, err)

	uncompressed := append([]byte{0x04}, key.PublicKey.X.FillBytes(make([]byte, 32))...)
	uncompressed = append(uncompressed, key.PublicKey.Y.FillBytes(make([]byte, 32))...)
	second, err := cache.Remember(key.Address(), uncompressed)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPubKeyCacheRejectsForeignKey(t *testing.T) {
	owner, err := GeneratePrivateKey()
	require.NoError(t, err)
	other, err := GeneratePrivateKey()
	require.NoError(t, err)

	_, err = NewPubKeyCache(nil).Remember(owner.Address(), other.PubKey().Compressed())
	require.Error(t, err)

	_, err = NewPubKeyCache(nil).Get(context.Background(), owner.Address())
	require.True(t, errors.Is(err, ErrPublicKeyNotFound))
}

func TestRegistrationSignatureRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	sig, err := SignRegistration(key)
	require.NoError(t, err)

	pub, err := RecoverRegistration(key.Address(), sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Compressed(), pub)

	other, err := GeneratePrivateKey()
	require.NoError(t, err)
	_, err = RecoverRegistration(other.Address(), sig)
	require.Error(t, err)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "signer.json")
	require.NoError(t, SaveToKeystore(path, key, "correct horse", true))

	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
