package config

import "time"

// Ledger locates the system chain and its contracts.
type Ledger struct {
	RPCURL                string `toml:"RPCURL"`
	ChainID               uint64 `toml:"ChainID"`
	EscrowAddress         string `toml:"EscrowAddress"`
	TokenAddress          string `toml:"TokenAddress"`
	VaultAddress          string `toml:"VaultAddress"`
	PollIntervalMillis    int64  `toml:"PollIntervalMillis"`
	ConfirmTimeoutSeconds int64  `toml:"ConfirmTimeoutSeconds"`
}

// PollInterval returns the receipt polling interval.
func (l Ledger) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMillis) * time.Millisecond
}

// ConfirmTimeout returns how long to wait for a receipt.
func (l Ledger) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutSeconds) * time.Second
}

// Validator bounds each task existence check.
type Validator struct {
	TimeoutMillis int64 `toml:"TimeoutMillis"`
}

func (v Validator) Timeout() time.Duration {
	return time.Duration(v.TimeoutMillis) * time.Millisecond
}

// Retry tunes the deferred operation queue.
type Retry struct {
	BaseDelayMillis    int64 `toml:"BaseDelayMillis"`
	MaxDelaySeconds    int64 `toml:"MaxDelaySeconds"`
	TickIntervalMillis int64 `toml:"TickIntervalMillis"`
}

func (r Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMillis) * time.Millisecond
}

func (r Retry) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

func (r Retry) TickInterval() time.Duration {
	return time.Duration(r.TickIntervalMillis) * time.Millisecond
}

// Recon controls the orphan scanner and its daily schedule.
type Recon struct {
	DaysBack          int     `toml:"DaysBack"`
	BatchSize         int     `toml:"BatchSize"`
	Concurrency       int     `toml:"Concurrency"`
	BatchDelayMillis  int64   `toml:"BatchDelayMillis"`
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	OutputDir         string  `toml:"OutputDir"`
	Schedule          bool    `toml:"Schedule"`
	RunHour           int     `toml:"RunHour"`
	RunMinute         int     `toml:"RunMinute"`
	Timezone          string  `toml:"Timezone"`
	Cleanup           bool    `toml:"Cleanup"`
	DryRun            bool    `toml:"DryRun"`
}

func (r Recon) BatchDelay() time.Duration {
	return time.Duration(r.BatchDelayMillis) * time.Millisecond
}

// Location resolves Timezone, falling back to UTC.
func (r Recon) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Network configures the wallet network state machine.
type Network struct {
	ConfirmTimeoutSeconds int64 `toml:"ConfirmTimeoutSeconds"`
}

func (n Network) ConfirmTimeout() time.Duration {
	return time.Duration(n.ConfirmTimeoutSeconds) * time.Second
}

// Creation bounds task creation. Amounts are decimal token strings.
type Creation struct {
	MaxReward        string `toml:"MaxReward"`
	PostingFee       string `toml:"PostingFee"`
	RetryStepMillis  int64  `toml:"RetryStepMillis"`
	MetadataAttempts int    `toml:"MetadataAttempts"`
}

func (c Creation) RetryStep() time.Duration {
	return time.Duration(c.RetryStepMillis) * time.Millisecond
}

// Gateway configures the HTTP surface.
type Gateway struct {
	RateLimitPerSecond float64  `toml:"RateLimitPerSecond"`
	RateLimitBurst     int      `toml:"RateLimitBurst"`
	AllowedOrigins     []string `toml:"AllowedOrigins"`
	AdminIssuer        string   `toml:"AdminIssuer"`
	AdminAudience      string   `toml:"AdminAudience"`
	ReadTimeoutSeconds int64    `toml:"ReadTimeoutSeconds"`
	ShutdownSeconds    int64    `toml:"ShutdownSeconds"`
}

func (g Gateway) ReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeoutSeconds) * time.Second
}

func (g Gateway) ShutdownTimeout() time.Duration {
	return time.Duration(g.ShutdownSeconds) * time.Second
}

// Logging configures the slog handler and optional rotated file.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP export. Headers uses the OTEL "k=v,k2=v2" form
// and is overridden by OTEL_EXPORTER_OTLP_HEADERS.
type Telemetry struct {
	Endpoint              string  `toml:"Endpoint"`
	Insecure              bool    `toml:"Insecure"`
	Traces                bool    `toml:"Traces"`
	Metrics               bool    `toml:"Metrics"`
	Headers               string  `toml:"Headers"`
	SampleRatio           float64 `toml:"SampleRatio"`
	MetricIntervalSeconds int     `toml:"MetricIntervalSeconds"`
}

func (t Telemetry) MetricInterval() time.Duration {
	return time.Duration(t.MetricIntervalSeconds) * time.Second
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		Environment:   "dev",
		DatabaseDSN:   "sqlite://taskbridge.db",
		NetworksFile:  "networks.yaml",
		Ledger: Ledger{
			RPCURL:                "http://127.0.0.1:8545",
			ChainID:               31337,
			PollIntervalMillis:    2000,
			ConfirmTimeoutSeconds: 120,
		},
		Validator: Validator{TimeoutMillis: 3000},
		Retry: Retry{
			BaseDelayMillis:    1000,
			MaxDelaySeconds:    300,
			TickIntervalMillis: 1000,
		},
		Recon: Recon{
			DaysBack:          7,
			BatchSize:         50,
			Concurrency:       5,
			BatchDelayMillis:  250,
			RequestsPerSecond: 20,
			OutputDir:         "reports",
			Schedule:          true,
			RunHour:           3,
			DryRun:            true,
		},
		Network: Network{ConfirmTimeoutSeconds: 15},
		Creation: Creation{
			MaxReward:        "1000000",
			PostingFee:       "0",
			RetryStepMillis:  2000,
			MetadataAttempts: 5,
		},
		Gateway: Gateway{
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
			AllowedOrigins:     []string{},
			AdminIssuer:        "taskbridge",
			AdminAudience:      "taskbridge-admin",
			ReadTimeoutSeconds: 15,
			ShutdownSeconds:    10,
		},
		Logging:   Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Telemetry: Telemetry{Endpoint: "localhost:4318", SampleRatio: 1, MetricIntervalSeconds: 15},
	}
}
