// Package config defines all configuration for the copy-trading bridge.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// per-account credentials overridable via BRIDGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"copybridge/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Broker   BrokerConfig  `mapstructure:"broker"`
	Dedup    DedupConfig   `mapstructure:"dedup"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Accounts []Account     `mapstructure:"accounts"`
}

// ServerConfig holds the HTTP ingress address the MT5 EA posts to.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BrokerConfig holds the cTrader Open API endpoints.
// DemoURL/LiveURL are the websocket proxy endpoints; AccountsURL is the
// REST endpoint used to resolve trading accounts from an access token.
type BrokerConfig struct {
	DemoURL     string `mapstructure:"demo_url"`
	LiveURL     string `mapstructure:"live_url"`
	AccountsURL string `mapstructure:"accounts_url"`
}

// DedupConfig tunes the ingress duplicate-event suppression window.
type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Account is the configuration for one follower cTrader account.
//
// Credentials (AccountID, ClientID, ClientSecret, AccessToken) come from
// environment variables keyed by the account name so they never live in
// the YAML file: BRIDGE_ACCOUNT_<NAME>_ACCOUNT_ID and friends.
type Account struct {
	Name        string `mapstructure:"name"`
	Enabled     bool   `mapstructure:"enabled"`
	Environment string `mapstructure:"environment"` // "demo" or "live"

	AccountID    int64  `mapstructure:"account_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AccessToken  string `mapstructure:"access_token"`

	// Symbol mapping
	SymbolPrefix  string            `mapstructure:"symbol_prefix"`
	SymbolSuffix  string            `mapstructure:"symbol_suffix"`
	CustomSymbols map[string]string `mapstructure:"custom_symbols"`

	// Trading settings
	LotMultiplier float64 `mapstructure:"lot_multiplier"`
	MinLotSize    float64 `mapstructure:"min_lot_size"`
	MaxLotSize    float64 `mapstructure:"max_lot_size"`
	CopySL        bool    `mapstructure:"copy_sl"`
	CopyTP        bool    `mapstructure:"copy_tp"`

	// Risk sizing
	RiskMode             types.RiskMode      `mapstructure:"risk_mode"`
	RejectIfNoSL         bool                `mapstructure:"reject_if_no_sl"`
	FixedLot             float64             `mapstructure:"fixed_lot"`
	SourceVolumeFallback bool                `mapstructure:"source_volume_fallback"`
	FixedUSDRisk         float64             `mapstructure:"fixed_usd_risk"`
	RiskPercent          float64             `mapstructure:"risk_percent"`
	RiskReference        types.RiskReference `mapstructure:"risk_reference"`

	// Risk management caps
	MaxDailyTrades         int `mapstructure:"max_daily_trades"`
	MaxConcurrentPositions int `mapstructure:"max_concurrent_positions"`

	// Filtering. Nil MagicNumbers / AllowedSymbols means "no restriction".
	MagicNumbers   []int64  `mapstructure:"magic_numbers"`
	AllowedSymbols []string `mapstructure:"allowed_symbols"`
	BlockedSymbols []string `mapstructure:"blocked_symbols"`

	// Opt-in 100,000-units/lot forex fallback when the broker does not
	// report a lot size for an instrument. Off means fail closed.
	AssumeForexLots bool `mapstructure:"assume_forex_lots"`
}

// Load reads config from a YAML file with env var overrides.
// Per-account credentials use env vars keyed by the upper-cased account
// name, e.g. BRIDGE_ACCOUNT_MAIN_ACCESS_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults that keep a minimal YAML file working
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3140)
	v.SetDefault("dedup.window", 1500*time.Millisecond)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
		applyAccountEnv(&cfg.Accounts[i])
	}

	return &cfg, nil
}

func applyAccountDefaults(a *Account) {
	if a.LotMultiplier == 0 {
		a.LotMultiplier = 1.0
	}
	if a.MinLotSize == 0 {
		a.MinLotSize = 0.01
	}
	if a.MaxLotSize == 0 {
		a.MaxLotSize = 100.0
	}
	if a.RiskMode == "" {
		a.RiskMode = types.RiskSourceVolume
	}
	if a.RiskReference == "" {
		a.RiskReference = types.RefEquity
	}
	if a.MaxDailyTrades == 0 {
		a.MaxDailyTrades = 1000
	}
	if a.MaxConcurrentPositions == 0 {
		a.MaxConcurrentPositions = 100
	}
	if a.Environment == "" {
		a.Environment = "demo"
	}
}

// applyAccountEnv overrides credentials from the environment so secrets
// stay out of the YAML file.
func applyAccountEnv(a *Account) {
	key := func(field string) string {
		return "BRIDGE_ACCOUNT_" + strings.ToUpper(a.Name) + "_" + field
	}
	if id := os.Getenv(key("ACCOUNT_ID")); id != "" {
		var parsed int64
		if _, err := fmt.Sscanf(id, "%d", &parsed); err == nil {
			a.AccountID = parsed
		}
	}
	if s := os.Getenv(key("CLIENT_ID")); s != "" {
		a.ClientID = s
	}
	if s := os.Getenv(key("CLIENT_SECRET")); s != "" {
		a.ClientSecret = s
	}
	if s := os.Getenv(key("ACCESS_TOKEN")); s != "" {
		a.AccessToken = s
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	names := make(map[string]bool, len(c.Accounts))
	enabled := 0
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			return fmt.Errorf("accounts[%d]: name is required", i)
		}
		if names[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		names[a.Name] = true

		if err := a.validate(); err != nil {
			return fmt.Errorf("account %q: %w", a.Name, err)
		}
		if a.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no accounts enabled")
	}
	return nil
}

func (a *Account) validate() error {
	if !a.Enabled {
		return nil
	}
	switch a.Environment {
	case "demo", "live":
	default:
		return fmt.Errorf("environment must be \"demo\" or \"live\"")
	}
	if a.AccountID <= 0 {
		return fmt.Errorf("account_id is required (set BRIDGE_ACCOUNT_%s_ACCOUNT_ID)", strings.ToUpper(a.Name))
	}
	if a.ClientID == "" || a.ClientSecret == "" {
		return fmt.Errorf("client_id and client_secret are required (set BRIDGE_ACCOUNT_%s_CLIENT_ID / _CLIENT_SECRET)", strings.ToUpper(a.Name))
	}
	if a.MinLotSize > a.MaxLotSize {
		return fmt.Errorf("min_lot_size %.4f exceeds max_lot_size %.4f", a.MinLotSize, a.MaxLotSize)
	}

	switch a.RiskMode {
	case types.RiskSourceVolume:
	case types.RiskFixedLot:
		if a.FixedLot <= 0 {
			return fmt.Errorf("risk_mode=FIXED_LOT requires fixed_lot > 0")
		}
	case types.RiskFixedUSD:
		if a.FixedUSDRisk <= 0 {
			return fmt.Errorf("risk_mode=FIXED_USD requires fixed_usd_risk > 0")
		}
	case types.RiskPercentEquity:
		if a.RiskPercent <= 0 {
			return fmt.Errorf("risk_mode=PERCENT_EQUITY requires risk_percent > 0")
		}
	default:
		return fmt.Errorf("risk_mode must be one of: SOURCE_VOLUME, FIXED_LOT, FIXED_USD, PERCENT_EQUITY")
	}

	switch a.RiskReference {
	case types.RefEquity, types.RefBalance:
	default:
		return fmt.Errorf("risk_reference must be EQUITY or BALANCE")
	}
	return nil
}

// MagicSet returns the magic-number allowlist as a set, or nil when
// unrestricted.
func (a *Account) MagicSet() map[int64]bool {
	if len(a.MagicNumbers) == 0 {
		return nil
	}
	m := make(map[int64]bool, len(a.MagicNumbers))
	for _, v := range a.MagicNumbers {
		m[v] = true
	}
	return m
}

// AllowedSet returns the symbol allowlist upper-cased, or nil when
// unrestricted.
func (a *Account) AllowedSet() map[string]bool {
	if len(a.AllowedSymbols) == 0 {
		return nil
	}
	m := make(map[string]bool, len(a.AllowedSymbols))
	for _, s := range a.AllowedSymbols {
		m[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return m
}

// BlockedSet returns the symbol blocklist upper-cased.
func (a *Account) BlockedSet() map[string]bool {
	m := make(map[string]bool, len(a.BlockedSymbols))
	for _, s := range a.BlockedSymbols {
		m[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return m
}
