// Package config loads the lending engine settings from a YAML or TOML file,
// applies environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/ratelimit"
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	Server    ServerConfig               `yaml:"server" toml:"server"`
	Store     StoreConfig                `yaml:"store" toml:"store"`
	Risk      RiskConfig                 `yaml:"risk" toml:"risk"`
	Log       LogConfig                  `yaml:"log" toml:"log"`
	RateLimit map[string]ratelimit.Limit `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port" toml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// TrustedProxies lists CIDRs or addresses whose forwarding headers
	// identify the client for rate limiting.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// StoreConfig selects the persistence backend. DatabaseURL wins over
// SQLitePath; with neither set the in-memory store is used.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url" toml:"database_url"`
	RedisURL    string        `yaml:"redis_url" toml:"redis_url"`
	SQLitePath  string        `yaml:"sqlite_path" toml:"sqlite_path"`
	CacheTTL    time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// RiskConfig holds the protocol parameters.
type RiskConfig struct {
	LiquidationThresholdPct int `yaml:"liquidation_threshold_pct" toml:"liquidation_threshold_pct"`
	// DefaultOraclePrice is in feed units (USD × 10^8).
	DefaultOraclePrice  int64         `yaml:"default_oracle_price" toml:"default_oracle_price"`
	InitialTokenBalance string        `yaml:"initial_token_balance" toml:"initial_token_balance"`
	Latency             time.Duration `yaml:"latency" toml:"latency"`
}

// LogConfig controls slog output and file rotation.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			CacheTTL: 30 * time.Second,
		},
		Risk: RiskConfig{
			LiquidationThresholdPct: 80,
			DefaultOraclePrice:      2000_00000000,
			InitialTokenBalance:     "1000",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RateLimit: map[string]ratelimit.Limit{
			"read":  {RequestsPerMinute: 600, Burst: 50},
			"write": {RequestsPerMinute: 120, Burst: 10},
		},
	}
}

// Load reads the configuration at path, applies environment overrides and
// validates the result. The format follows the extension: .yaml, .yml or
// .toml. An empty path yields the defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := getenv("SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = strings.Split(v, ",")
	}
	if v := getenv("LIQUIDATION_THRESHOLD_PCT"); v != "" {
		pct, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("LIQUIDATION_THRESHOLD_PCT: %w", err)
		}
		cfg.Risk.LiquidationThresholdPct = pct
	}
	if v := getenv("DEFAULT_ORACLE_PRICE"); v != "" {
		price, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("DEFAULT_ORACLE_PRICE: %w", err)
		}
		cfg.Risk.DefaultOraclePrice = price
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Server.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Server.Port), ":")
	proxies := cfg.Server.TrustedProxies[:0]
	for _, p := range cfg.Server.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	cfg.Server.TrustedProxies = proxies
	cfg.Store.DatabaseURL = strings.TrimSpace(cfg.Store.DatabaseURL)
	cfg.Store.RedisURL = strings.TrimSpace(cfg.Store.RedisURL)
	cfg.Store.SQLitePath = strings.TrimSpace(cfg.Store.SQLitePath)
	cfg.Risk.InitialTokenBalance = strings.TrimSpace(cfg.Risk.InitialTokenBalance)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
}

// Validate checks every field that has a constrained range.
func (cfg Config) Validate() error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server: port is required")
	}
	if _, err := strconv.ParseUint(cfg.Server.Port, 10, 16); err != nil {
		return fmt.Errorf("server: invalid port %q", cfg.Server.Port)
	}
	if pct := cfg.Risk.LiquidationThresholdPct; pct <= 0 || pct > 100 {
		return fmt.Errorf("risk: liquidation_threshold_pct must be in (0, 100], got %d", pct)
	}
	if _, err := oracle.FromScaled(cfg.Risk.DefaultOraclePrice); err != nil {
		return fmt.Errorf("risk: default_oracle_price: %w", err)
	}
	balance, err := decimal.NewFromString(cfg.Risk.InitialTokenBalance)
	if err != nil {
		return fmt.Errorf("risk: initial_token_balance: %w", err)
	}
	if balance.IsNegative() {
		return fmt.Errorf("risk: initial_token_balance must not be negative")
	}
	if cfg.Risk.Latency < 0 {
		return fmt.Errorf("risk: latency must not be negative")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}
	if _, err := ratelimit.ParsePrefixes(cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server: trusted_proxies: %w", err)
	}
	for group, limit := range cfg.RateLimit {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limit.%s: requests_per_minute and burst must be positive", group)
		}
	}
	return nil
}

// OraclePrice returns the default oracle price as a decimal.
func (cfg Config) OraclePrice() decimal.Decimal {
	price, err := oracle.FromScaled(cfg.Risk.DefaultOraclePrice)
	if err != nil {
		return decimal.Zero
	}
	return price
}

// TokenBalance returns the initial token balance as a decimal.
func (cfg Config) TokenBalance() decimal.Decimal {
	balance, err := decimal.NewFromString(cfg.Risk.InitialTokenBalance)
	if err != nil {
		return decimal.Zero
	}
	return balance
}
