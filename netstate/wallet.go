package netstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"taskbridge/crypto"
	"taskbridge/ledger"
)

const subscriberBuffer = 8

// KeyedWallet is a server-side wallet backed by a single private key. It only
// switches to chains it has registered and broadcasts each switch to its
// subscribers.
type KeyedWallet struct {
	key *crypto.PrivateKey

	mu       sync.Mutex
	chainID  uint64
	networks map[uint64]Network
	subs     map[int]chan uint64
	nextSub  int
}

// NewKeyedWallet starts on initial, which must be one of networks.
func NewKeyedWallet(key *crypto.PrivateKey, initial uint64, networks ...Network) (*KeyedWallet, error) {
	if key == nil {
		return nil, errors.New("netstate: wallet key required")
	}
	w := &KeyedWallet{
		key:      key,
		networks: make(map[uint64]Network, len(networks)),
		subs:     make(map[int]chan uint64),
	}
	for _, n := range networks {
		w.networks[n.ChainID] = n
	}
	if _, ok := w.networks[initial]; !ok {
		return nil, fmt.Errorf("%w: initial chain %d", ErrUnknownChain, initial)
	}
	w.chainID = initial
	return w, nil
}

// Address returns the wallet account.
func (w *KeyedWallet) Address() common.Address {
	return w.key.Address()
}

// ChainID implements Wallet.
func (w *KeyedWallet) ChainID(context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

// SwitchChain implements Wallet.
func (w *KeyedWallet) SwitchChain(ctx context.Context, chainID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.networks[chainID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	w.chainID = chainID
	for _, ch := range w.subs {
		select {
		case ch <- chainID:
		default:
		}
	}
	return nil
}

// AddChain implements Wallet. Re-adding a known chain replaces its details.
func (w *KeyedWallet) AddChain(ctx context.Context, network Network) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if network.ChainID == 0 {
		return errors.New("netstate: network chain id required")
	}
	w.mu.Lock()
	w.networks[network.ChainID] = network
	w.mu.Unlock()
	return nil
}

// Network returns the registered details for chainID.
func (w *KeyedWallet) Network(chainID uint64) (Network, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.networks[chainID]
	return n, ok
}

// Subscribe implements Wallet.
func (w *KeyedWallet) Subscribe() (<-chan uint64, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan uint64, subscriberBuffer)
	w.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
			close(ch)
		})
	}
}

// Signer returns a signer bound to the current chain. Signers are not
// refreshed on switch; callers must ask again.
func (w *KeyedWallet) Signer(context.Context) (*ledger.Signer, error) {
	w.mu.Lock()
	chainID := w.chainID
	w.mu.Unlock()
	return ledger.NewSigner(w.key.PrivateKey, chainID)
}
