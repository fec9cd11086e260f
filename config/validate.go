package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"taskbridge/ledger"
)

// Validate reports the first setting that would prevent taskd from starting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: ListenAddress is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return errors.New("config: DatabaseDSN is required")
	}
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return errors.New("config: ledger.RPCURL is required")
	}
	if c.Ledger.ChainID == 0 {
		return errors.New("config: ledger.ChainID is required")
	}
	for name, addr := range map[string]string{
		"EscrowAddress": c.Ledger.EscrowAddress,
		"TokenAddress":  c.Ledger.TokenAddress,
		"VaultAddress":  c.Ledger.VaultAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("config: ledger.%s %q is not an address", name, addr)
		}
	}
	if c.Recon.BatchSize <= 0 {
		return errors.New("config: recon.BatchSize must be positive")
	}
	if c.Recon.DaysBack < 0 {
		return errors.New("config: recon.DaysBack must not be negative")
	}
	if c.Recon.Concurrency <= 0 {
		return errors.New("config: recon.Concurrency must be positive")
	}
	if c.Recon.RunHour < 0 || c.Recon.RunHour > 23 {
		return fmt.Errorf("config: recon.RunHour %d out of range", c.Recon.RunHour)
	}
	if c.Recon.RunMinute < 0 || c.Recon.RunMinute > 59 {
		return fmt.Errorf("config: recon.RunMinute %d out of range", c.Recon.RunMinute)
	}
	if c.Retry.BaseDelayMillis < 0 || c.Retry.MaxDelaySeconds < 0 {
		return errors.New("config: retry delays must not be negative")
	}
	if c.Retry.MaxDelaySeconds > 0 && c.Retry.MaxDelay() < c.Retry.BaseDelay() {
		return errors.New("config: retry.MaxDelaySeconds is below BaseDelayMillis")
	}
	if _, _, err := c.Creation.Amounts(); err != nil {
		return err
	}
	if c.Gateway.RateLimitPerSecond < 0 || c.Gateway.RateLimitBurst < 0 {
		return errors.New("config: gateway rate limits must not be negative")
	}
	if c.Telemetry.Traces || c.Telemetry.Metrics {
		if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
			return errors.New("config: telemetry.Endpoint is required when exporting")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("config: telemetry.SampleRatio must be within [0, 1]")
	}
	if c.Telemetry.MetricIntervalSeconds < 0 {
		return errors.New("config: telemetry.MetricIntervalSeconds must not be negative")
	}
	return nil
}

// Amounts parses MaxReward and PostingFee into token base units. Empty values
// yield nil so callers apply their own defaults.
func (c Creation) Amounts() (maxReward, postingFee *big.Int, err error) {
	if strings.TrimSpace(c.MaxReward) != "" {
		maxReward, err = ledger.ParseTokenAmount(c.MaxReward, ledger.TokenDecimals)
		if err != nil {
			return nil, nil, fmt.Errorf("config: creation.MaxReward: %w", err)
		}
		if maxReward.Sign() == 0 {
			return nil, nil, errors.New("config: creation.MaxReward must be positive")
		}
	}
	if strings.TrimSpace(c.PostingFee) != "" {
		postingFee, err = ledger.ParseTokenAmount(c.PostingFee, ledger.TokenDecimals)
		if err != nil {
			return nil, nil, fmt.Errorf("config: creation.PostingFee: %w", err)
		}
	}
	return maxReward, postingFee, nil
}

// Contracts converts the configured addresses.
func (l Ledger) Contracts() ledger.Contracts {
	return ledger.Contracts{
		Escrow: common.HexToAddress(l.EscrowAddress),
		Token:  common.HexToAddress(l.TokenAddress),
		Vault:  common.HexToAddress(l.VaultAddress),
	}
}
