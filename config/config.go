package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"taskbridge/crypto"
)

// Config is the taskd node configuration.
type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	Environment     string `toml:"Environment"`
	DatabaseDSN     string `toml:"DatabaseDSN"`
	KeystorePath    string `toml:"KeystorePath"`
	NetworksFile    string `toml:"NetworksFile"`
	AdminHMACSecret string `toml:"AdminHMACSecret"`

	Ledger    Ledger    `toml:"ledger"`
	Validator Validator `toml:"validator"`
	Retry     Retry     `toml:"retry"`
	Recon     Recon     `toml:"recon"`
	Network   Network   `toml:"network"`
	Creation  Creation  `toml:"creation"`
	Gateway   Gateway   `toml:"gateway"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Environment variables that override the file.
const (
	EnvDatabaseDSN   = "TASKBRIDGE_DATABASE_DSN"
	EnvRPCURL        = "TASKBRIDGE_RPC_URL"
	EnvAdminSecret   = "TASKBRIDGE_ADMIN_SECRET"
	EnvListenAddress = "TASKBRIDGE_LISTEN_ADDRESS"
	EnvSystemChainID = "TASKBRIDGE_CHAIN_ID"
	EnvKeystorePath  = "TASKBRIDGE_KEYSTORE_PATH"
)

// Load loads the configuration from the given path. A missing file is replaced
// by a default configuration written to disk together with a fresh signer
// keystore.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays TASKBRIDGE_* variables using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(EnvDatabaseDSN); ok && strings.TrimSpace(v) != "" {
		c.DatabaseDSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvRPCURL); ok && strings.TrimSpace(v) != "" {
		c.Ledger.RPCURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAdminSecret); ok && v != "" {
		c.AdminHMACSecret = v
	}
	if v, ok := lookup(EnvListenAddress); ok && strings.TrimSpace(v) != "" {
		c.ListenAddress = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvKeystorePath); ok && strings.TrimSpace(v) != "" {
		c.KeystorePath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvSystemChainID); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvSystemChainID, err)
		}
		c.Ledger.ChainID = id
	}
	return nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, "", true); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, "", true); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.KeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "signer.keystore")
}
