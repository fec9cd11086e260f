// Package netstate decides which chain a wallet must be on before a write is
// signed and serialises the switches needed to get there.
package netstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskbridge/failure"
	"taskbridge/observability"
)

// DefaultConfirmTimeout bounds the wait for a wallet to report the new chain.
const DefaultConfirmTimeout = 15 * time.Second

var (
	// ErrSwitchInProgress is reported when another switch holds the mutex.
	ErrSwitchInProgress = errors.New("netstate: network switch in progress")
	// ErrSwitchTimeout is reported when the wallet never confirms the switch.
	ErrSwitchTimeout = errors.New("netstate: timed out waiting for network switch")
	// ErrInvalidTransition is reported for mode changes the table forbids.
	ErrInvalidTransition = errors.New("netstate: invalid mode transition")
	// ErrUnknownChain is returned by wallets asked to switch to a chain they
	// have not registered.
	ErrUnknownChain = errors.New("netstate: unrecognised chain")
	// ErrNoSourceChain is reported for deposits of assets without a source chain.
	ErrNoSourceChain = errors.New("netstate: asset has no source chain")
)

// Network describes a chain a wallet can be asked to register.
type Network struct {
	ChainID        uint64 `yaml:"chainId" json:"chainId"`
	Name           string `yaml:"name" json:"name"`
	RPCURL         string `yaml:"rpcUrl" json:"rpcUrl"`
	NativeCurrency string `yaml:"nativeCurrency" json:"nativeCurrency"`
	ExplorerURL    string `yaml:"explorerUrl" json:"explorerUrl"`
}

// Asset is a depositable token and the chain it lives on.
type Asset struct {
	Symbol        string `yaml:"symbol" json:"symbol"`
	SourceChainID uint64 `yaml:"sourceChainId" json:"sourceChainId"`
	Address       string `yaml:"address" json:"address"`
}

// Wallet is the chain-switching surface of a signing wallet.
type Wallet interface {
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, network Network) error
	// Subscribe delivers every chain the wallet moves to until cancel is called.
	Subscribe() (changes <-chan uint64, cancel func())
}

// Config wires a Machine.
type Config struct {
	Wallet         Wallet
	SystemChainID  uint64
	Networks       []Network
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.NetworkMetrics
}

// Result is the outcome of EnsureNetworkFor.
type Result struct {
	OK       bool   `json:"ok"`
	Switched bool   `json:"switched"`
	Reason   string `json:"reason,omitempty"`
	ChainID  uint64 `json:"chainId"`
	Mode     Mode   `json:"mode"`
	Err      error  `json:"-"`
}

// Machine tracks the single network mode. Switches are serialised by a mutex
// that rejects rather than queues concurrent attempts.
type Machine struct {
	wallet   Wallet
	system   uint64
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.NetworkMetrics
	networks map[uint64]Network

	switchMu sync.Mutex

	stateMu    sync.RWMutex
	mode       Mode
	lastChain  uint64
	publishers int
}

// New constructs a machine in idle mode.
func New(cfg Config) (*Machine, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("netstate: wallet required")
	}
	if cfg.SystemChainID == 0 {
		return nil, errors.New("netstate: system chain id required")
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	networks := make(map[uint64]Network, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networks[n.ChainID] = n
	}
	return &Machine{
		wallet:   cfg.Wallet,
		system:   cfg.SystemChainID,
		timeout:  timeout,
		logger:   logger,
		metrics:  cfg.Metrics,
		networks: networks,
		mode:     ModeIdle,
	}, nil
}

// SystemChainID returns the chain every publish targets.
func (m *Machine) SystemChainID() uint64 { return m.system }

// Mode reports the current mode.
func (m *Machine) Mode() Mode {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.mode
}

// LastObservedChain returns the most recent chain reported by the watcher.
func (m *Machine) LastObservedChain() uint64 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastChain
}

func (m *Machine) transition(to Mode) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if !isAllowedTransition(m.mode, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.mode, to)
	}
	m.mode = to
	if to == ModePublishing {
		m.publishers++
	}
	return nil
}

// MarkDepositReady records that the deposit leg finished.
func (m *Machine) MarkDepositReady() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.mode != ModeDepositing && m.mode != ModeDepositReady {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.mode, ModeDepositReady)
	}
	m.mode = ModeDepositReady
	return nil
}

// CancelDeposit abandons a deposit leg and returns to idle. Publishes in
// flight are left alone.
func (m *Machine) CancelDeposit() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.mode != ModeDepositing && m.mode != ModeDepositReady {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.mode, ModeIdle)
	}
	m.mode = ModeIdle
	return nil
}

// Reset returns the machine to idle and forgets every publish holder.
func (m *Machine) Reset() {
	m.stateMu.Lock()
	m.mode = ModeIdle
	m.publishers = 0
	m.stateMu.Unlock()
}

// ReleasePublish ends one successful publish EnsureNetworkFor. The mode only
// returns to idle once the last concurrent publisher has released.
func (m *Machine) ReleasePublish() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.publishers > 0 {
		m.publishers--
	}
	if m.publishers == 0 && m.mode == ModePublishing {
		m.mode = ModeIdle
	}
}

// TargetChain resolves the chain action must be signed on.
func (m *Machine) TargetChain(action Action, asset *Asset) (uint64, error) {
	switch action {
	case ActionPublish:
		return m.system, nil
	case ActionDeposit:
		if asset == nil || asset.SourceChainID == 0 {
			return 0, ErrNoSourceChain
		}
		return asset.SourceChainID, nil
	default:
		_, err := action.mode()
		return 0, err
	}
}

// EnsureNetworkFor moves the wallet onto the chain action needs. Mode only
// changes when the wallet is confirmed on the target chain. Callers must
// re-acquire their signer after a result with Switched set.
func (m *Machine) EnsureNetworkFor(ctx context.Context, action Action, asset *Asset) Result {
	target, err := m.TargetChain(action, asset)
	if err != nil {
		return m.fail(action, 0, err)
	}
	nextMode, _ := action.mode()

	if !m.switchMu.TryLock() {
		m.metrics.RecordSwitch(string(action), "busy")
		return Result{OK: false, Reason: ErrSwitchInProgress.Error(), ChainID: target, Mode: m.Mode(), Err: ErrSwitchInProgress}
	}
	defer m.switchMu.Unlock()

	m.stateMu.RLock()
	allowed := isAllowedTransition(m.mode, nextMode)
	current := m.mode
	m.stateMu.RUnlock()
	if !allowed {
		return m.fail(action, target, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, nextMode))
	}

	chainID, err := m.wallet.ChainID(ctx)
	if err != nil {
		return m.fail(action, target, fmt.Errorf("netstate: read wallet chain: %w", err))
	}
	if chainID == target {
		if err := m.transition(nextMode); err != nil {
			return m.fail(action, target, err)
		}
		m.metrics.RecordSwitch(string(action), "noop")
		return Result{OK: true, Switched: false, ChainID: target, Mode: nextMode}
	}

	if err := m.switchAndConfirm(ctx, target); err != nil {
		return m.fail(action, target, err)
	}
	if err := m.transition(nextMode); err != nil {
		return m.fail(action, target, err)
	}
	m.metrics.RecordSwitch(string(action), "switched")
	m.logger.Info("wallet network switched",
		slog.String("operation", string(action)),
		slog.Uint64("chain_id", target),
		slog.Uint64("previous_chain_id", chainID))
	return Result{OK: true, Switched: true, ChainID: target, Mode: nextMode}
}

func (m *Machine) switchAndConfirm(ctx context.Context, target uint64) error {
	changes, cancel := m.wallet.Subscribe()
	defer cancel()

	err := m.wallet.SwitchChain(ctx, target)
	if errors.Is(err, ErrUnknownChain) {
		network, ok := m.networks[target]
		if !ok {
			return fmt.Errorf("netstate: chain %d is not in the network registry: %w", target, err)
		}
		if err := m.wallet.AddChain(ctx, network); err != nil {
			return fmt.Errorf("netstate: register chain %d: %w", target, err)
		}
		err = m.wallet.SwitchChain(ctx, target)
	}
	if err != nil {
		return fmt.Errorf("netstate: switch to chain %d: %w", target, err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("netstate: switch to chain %d: %w", target, ctx.Err())
		case <-timer.C:
			return fmt.Errorf("%w: chain %d after %s", ErrSwitchTimeout, target, m.timeout)
		case id, ok := <-changes:
			if !ok {
				return fmt.Errorf("%w: chain %d: subscription closed", ErrSwitchTimeout, target)
			}
			if id == target {
				return nil
			}
		}
	}
}

func (m *Machine) fail(action Action, target uint64, err error) Result {
	outcome := "failed"
	switch {
	case errors.Is(err, ErrSwitchTimeout):
		outcome = "timeout"
	case failure.Is(err, failure.KindUserRejected):
		outcome = "rejected"
	}
	m.metrics.RecordSwitch(string(action), outcome)
	m.logger.Warn("wallet network switch failed",
		slog.String("operation", string(action)),
		slog.Uint64("chain_id", target),
		slog.String("error", err.Error()))
	return Result{OK: false, Reason: err.Error(), ChainID: target, Mode: m.Mode(), Err: err}
}

// ShouldTolerateWalletNetwork reports whether the wallet's current chain is
// acceptable. Foreign chains are expected during deposits; publishing requires
// the system chain; idle is advisory only.
func (m *Machine) ShouldTolerateWalletNetwork(ctx context.Context) bool {
	switch m.Mode() {
	case ModeDepositing, ModeDepositReady:
		return true
	case ModePublishing:
		chainID, err := m.wallet.ChainID(ctx)
		return err == nil && chainID == m.system
	default:
		return true
	}
}

// Watch records wallet chain changes until ctx is cancelled, warning when the
// wallet leaves the system chain while publishing.
func (m *Machine) Watch(ctx context.Context) {
	changes, cancel := m.wallet.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-changes:
			if !ok {
				return
			}
			m.stateMu.Lock()
			m.lastChain = id
			mode := m.mode
			m.stateMu.Unlock()
			if mode == ModePublishing && id != m.system {
				m.metrics.RecordSwitch("watch", "drift")
				m.logger.Warn("wallet left the system chain while publishing",
					slog.Uint64("chain_id", id),
					slog.Uint64("system_chain_id", m.system))
			}
		}
	}
}
