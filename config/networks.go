package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"taskbridge/netstate"
)

// Registry is the static list of chains and depositable assets.
type Registry struct {
	Networks []netstate.Network `yaml:"networks"`
	Assets   []netstate.Asset   `yaml:"assets"`
}

// LoadNetworks reads a YAML network registry from path.
func LoadNetworks(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read networks: %w", err)
	}
	return ParseNetworks(raw)
}

// ParseNetworks decodes and validates a YAML registry document.
func ParseNetworks(raw []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("config: decode networks: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks for duplicate chains and assets on unknown chains.
func (r *Registry) Validate() error {
	if r == nil {
		return errors.New("config: nil registry")
	}
	seen := make(map[uint64]struct{}, len(r.Networks))
	for _, n := range r.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("config: network %q has no chainId", n.Name)
		}
		if _, dup := seen[n.ChainID]; dup {
			return fmt.Errorf("config: chain %d listed twice", n.ChainID)
		}
		if strings.TrimSpace(n.RPCURL) == "" {
			return fmt.Errorf("config: chain %d has no rpcUrl", n.ChainID)
		}
		seen[n.ChainID] = struct{}{}
	}
	for _, a := range r.Assets {
		if _, ok := seen[a.SourceChainID]; !ok {
			return fmt.Errorf("config: asset %s references unknown chain %d", a.Symbol, a.SourceChainID)
		}
		if a.Address != "" && !common.IsHexAddress(a.Address) {
			return fmt.Errorf("config: asset %s address %q is invalid", a.Symbol, a.Address)
		}
	}
	return nil
}

// Network returns the registered chain with id.
func (r *Registry) Network(id uint64) (netstate.Network, bool) {
	for _, n := range r.Networks {
		if n.ChainID == id {
			return n, true
		}
	}
	return netstate.Network{}, false
}

// Asset looks up a depositable asset by symbol, case-insensitively.
func (r *Registry) Asset(symbol string) (netstate.Asset, bool) {
	for _, a := range r.Assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return netstate.Asset{}, false
}
