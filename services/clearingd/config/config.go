package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/publu/spacecommand/native/clearing"
)

// Duration wraps time.Duration so both YAML and TOML files can use strings
// such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for clearingd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	LogLevel      string          `yaml:"log_level" toml:"log_level"`
	Pool          string          `yaml:"pool" toml:"pool"`
	Owner         string          `yaml:"owner" toml:"owner"`
	SwapVenue     string          `yaml:"swap_venue" toml:"swap_venue"`
	Paused        bool            `yaml:"paused" toml:"paused"`
	Vaults        []string        `yaml:"vaults" toml:"vaults"`
	TLS           TLSConfig       `yaml:"tls" toml:"tls"`
	Storage       StorageConfig   `yaml:"storage" toml:"storage"`
	Node          NodeConfig      `yaml:"node" toml:"node"`
	Params        ParamsConfig    `yaml:"params" toml:"params"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Audit         AuditConfig     `yaml:"audit" toml:"audit"`
	Keeper        KeeperConfig    `yaml:"keeper" toml:"keeper"`
	Broker        BrokerConfig    `yaml:"broker" toml:"broker"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// TLSConfig enables HTTPS on the listener when both paths are set.
type TLSConfig struct {
	CertFile string `yaml:"cert" toml:"cert"`
	KeyFile  string `yaml:"key" toml:"key"`
}

// Enabled reports whether TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return strings.TrimSpace(t.CertFile) != "" && strings.TrimSpace(t.KeyFile) != ""
}

// StorageConfig selects the engine state store. An empty path keeps state
// in memory.
type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// NodeConfig points at the JSON-RPC endpoint fronting vaults, tokens and the
// swap venue.
type NodeConfig struct {
	URL           string   `yaml:"url" toml:"url"`
	BearerToken   string   `yaml:"bearer_token" toml:"bearer_token"`
	CAFile        string   `yaml:"ca_file" toml:"ca_file"`
	AllowInsecure bool     `yaml:"allow_insecure" toml:"allow_insecure"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	ReadAttempts  uint     `yaml:"read_attempts" toml:"read_attempts"`
	RetryInterval Duration `yaml:"retry_interval" toml:"retry_interval"`
}

// ParamsConfig seeds the engine defaults. Amounts are base-10 strings.
type ParamsConfig struct {
	FeeSplitBps       *uint64 `yaml:"fee_split_bps" toml:"fee_split_bps"`
	MinPurchase       string  `yaml:"min_purchase" toml:"min_purchase"`
	MinDeposit        string  `yaml:"min_deposit" toml:"min_deposit"`
	LiquidationReward string  `yaml:"liquidation_reward" toml:"liquidation_reward"`
}

// AuthConfig configures HMAC signed bearer tokens.
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	AdminScope string   `yaml:"admin_scope" toml:"admin_scope"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rps" toml:"rps"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// AuditConfig selects the audit log database.
type AuditConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// KeeperConfig schedules background sweeps. Schedules use six-field cron
// syntax with seconds.
type KeeperConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	CollectSchedule  string   `yaml:"collect_schedule" toml:"collect_schedule"`
	SnapshotSchedule string   `yaml:"snapshot_schedule" toml:"snapshot_schedule"`
	Timeout          Duration `yaml:"timeout" toml:"timeout"`
}

// BrokerConfig enables AMQP publication of committed events.
type BrokerConfig struct {
	URL        string `yaml:"url" toml:"url"`
	Exchange   string `yaml:"exchange" toml:"exchange"`
	RoutingKey string `yaml:"routing_prefix" toml:"routing_prefix"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML; everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Node.Timeout.Duration == 0 {
		cfg.Node.Timeout.Duration = 10 * time.Second
	}
	if cfg.Node.ReadAttempts == 0 {
		cfg.Node.ReadAttempts = 3
	}
	if cfg.Node.RetryInterval.Duration == 0 {
		cfg.Node.RetryInterval.Duration = 250 * time.Millisecond
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "clearing:admin"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RatePerSecond == 0 {
		cfg.RateLimit.RatePerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "sqlite"
	}
	if cfg.Audit.DSN == "" && cfg.Audit.Driver == "sqlite" {
		cfg.Audit.DSN = "file:clearingd-audit.db"
	}
	if cfg.Keeper.CollectSchedule == "" {
		cfg.Keeper.CollectSchedule = "0 */5 * * * *"
	}
	if cfg.Keeper.SnapshotSchedule == "" {
		cfg.Keeper.SnapshotSchedule = "*/30 * * * * *"
	}
	if cfg.Keeper.Timeout.Duration == 0 {
		cfg.Keeper.Timeout.Duration = time.Minute
	}
	if cfg.Broker.Exchange == "" {
		cfg.Broker.Exchange = "clearing.events"
	}
	if cfg.Broker.RoutingKey == "" {
		cfg.Broker.RoutingKey = "clearing"
	}
}

func validate(cfg Config) error {
	if !common.IsHexAddress(cfg.Pool) {
		return fmt.Errorf("pool must be a hex address")
	}
	if !common.IsHexAddress(cfg.Owner) {
		return fmt.Errorf("owner must be a hex address")
	}
	if cfg.SwapVenue != "" && !common.IsHexAddress(cfg.SwapVenue) {
		return fmt.Errorf("swap_venue must be a hex address")
	}
	for _, v := range cfg.Vaults {
		if !common.IsHexAddress(v) {
			return fmt.Errorf("vault %q must be a hex address", v)
		}
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node.url must be configured")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	switch cfg.Audit.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("audit.driver %q not supported", cfg.Audit.Driver)
	}
	if cfg.Audit.Driver == "postgres" && strings.TrimSpace(cfg.Audit.DSN) == "" {
		return fmt.Errorf("audit.dsn must be configured for postgres")
	}
	if cfg.RateLimit.RatePerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	if _, err := cfg.Params.Resolve(); err != nil {
		return err
	}
	return nil
}

// Resolve converts the configured values into engine parameters, falling
// back to clearing.DefaultParams for unset fields.
func (p ParamsConfig) Resolve() (clearing.Params, error) {
	out := clearing.DefaultParams()
	if p.FeeSplitBps != nil {
		if *p.FeeSplitBps > 10_000 {
			return out, fmt.Errorf("params.fee_split_bps must not exceed 10000")
		}
		out.FeeSplitBps = *p.FeeSplitBps
	}
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"min_purchase", p.MinPurchase, &out.MinPurchase},
		{"min_deposit", p.MinDeposit, &out.MinDeposit},
		{"liquidation_reward", p.LiquidationReward, &out.LiquidationReward},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return out, fmt.Errorf("params.%s must be a non-negative integer", f.name)
		}
		*f.dst = v
	}
	return out, nil
}

// VaultAddresses returns the configured bootstrap vaults.
func (c Config) VaultAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Vaults))
	for _, v := range c.Vaults {
		out = append(out, common.HexToAddress(v))
	}
	return out
}
