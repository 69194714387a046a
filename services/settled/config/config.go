package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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
	return d.parse(value.Value)
}

// UnmarshalText lets the TOML decoder accept the same duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
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

// Config captures the runtime configuration for settled.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Jobs          JobsConfig      `yaml:"jobs" toml:"jobs"`
	Liquidity     LiquidityConfig `yaml:"liquidity" toml:"liquidity"`
	Pricing       PricingConfig   `yaml:"pricing" toml:"pricing"`
	Payout        PayoutConfig    `yaml:"payout" toml:"payout"`
	Batch         BatchConfig     `yaml:"batch" toml:"batch"`
	Notify        NotifyConfig    `yaml:"notify" toml:"notify"`
	Report        ReportConfig    `yaml:"report" toml:"report"`
	Assets        []AssetConfig   `yaml:"assets" toml:"assets"`
	Chains        []ChainConfig   `yaml:"chains" toml:"chains"`
}

// DatabaseConfig selects the persistence backend. DSNs starting with
// postgres:// or postgresql:// use the postgres driver, everything else sqlite.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn" toml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

// LoggingConfig controls the optional rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig toggles OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
}

// JobsConfig tunes the periodic orchestration jobs.
type JobsConfig struct {
	Interval Duration   `yaml:"interval" toml:"interval"`
	LockTTL  Duration   `yaml:"lock_ttl" toml:"lock_ttl"`
	Lock     LockConfig `yaml:"lock" toml:"lock"`
}

// LockConfig selects the advisory lock backend.
type LockConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" toml:"key_prefix"`
}

// Lock backends.
const (
	LockBackendMemory   = "memory"
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"
)

// LiquidityConfig consolidates the slippage and margin constants.
type LiquidityConfig struct {
	ReferenceAssets   []string        `yaml:"reference_assets" toml:"reference_assets"`
	ReferenceSlippage decimal.Decimal `yaml:"reference_slippage" toml:"reference_slippage"`
	DefaultSlippage   decimal.Decimal `yaml:"default_slippage" toml:"default_slippage"`
	SafetyMargin      decimal.Decimal `yaml:"safety_margin" toml:"safety_margin"`
	PurchaseMargin    decimal.Decimal `yaml:"purchase_margin" toml:"purchase_margin"`
}

// PricingConfig describes providers and asset classes used by the resolver.
type PricingConfig struct {
	MismatchThreshold decimal.Decimal  `yaml:"mismatch_threshold" toml:"mismatch_threshold"`
	CacheTTL          Duration         `yaml:"cache_ttl" toml:"cache_ttl"`
	Fiats             []string         `yaml:"fiats" toml:"fiats"`
	Stablecoins       []string         `yaml:"stablecoins" toml:"stablecoins"`
	BTC               string           `yaml:"btc" toml:"btc"`
	DEXNative         []string         `yaml:"dex_native" toml:"dex_native"`
	DEXBlockchain     string           `yaml:"dex_blockchain" toml:"dex_blockchain"`
	Providers         []ProviderConfig `yaml:"providers" toml:"providers"`
}

// ProviderConfig describes an upstream exchange rate feed.
type ProviderConfig struct {
	Name      string  `yaml:"name" toml:"name"`
	Type      string  `yaml:"type" toml:"type"`
	Endpoint  string  `yaml:"endpoint" toml:"endpoint"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`
	// Roles places the provider in resolver lists: fiat_primary,
	// fiat_reference, crypto_primary or crypto_reference.
	Roles []string `yaml:"roles" toml:"roles"`
}

// Provider roles.
const (
	RoleFiatPrimary     = "fiat_primary"
	RoleFiatReference   = "fiat_reference"
	RoleCryptoPrimary   = "crypto_primary"
	RoleCryptoReference = "crypto_reference"
)

// PayoutConfig bounds payout groups.
type PayoutConfig struct {
	NativeGroupSize int `yaml:"native_group_size" toml:"native_group_size"`
	TokenGroupSize  int `yaml:"token_group_size" toml:"token_group_size"`

	// StableInputPeriod is the quiet time after the latest payout request
	// before new orders are prepared.
	StableInputPeriod Duration `yaml:"stable_input_period" toml:"stable_input_period"`
}

// BatchConfig tunes batch construction and distribution.
type BatchConfig struct {
	RoundingTolerance     decimal.Decimal `yaml:"rounding_tolerance" toml:"rounding_tolerance"`
	FeeRatioLimit         decimal.Decimal `yaml:"fee_ratio_limit" toml:"fee_ratio_limit"`
	ReferenceAssets       []string        `yaml:"reference_assets" toml:"reference_assets"`
	DefaultReferenceAsset string          `yaml:"default_reference_asset" toml:"default_reference_asset"`
}

// NotifyConfig selects the operator alert channel.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url" toml:"webhook_url"`
	Debounce   Duration `yaml:"debounce" toml:"debounce"`
}

// ReportConfig schedules the settlement report export.
type ReportConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Dir       string   `yaml:"dir" toml:"dir"`
	RunHour   int      `yaml:"run_hour" toml:"run_hour"`
	RunMinute int      `yaml:"run_minute" toml:"run_minute"`
	Window    Duration `yaml:"window" toml:"window"`
}

// AssetConfig registers one asset on one blockchain.
type AssetConfig struct {
	Name       string `yaml:"name" toml:"name"`
	Blockchain string `yaml:"blockchain" toml:"blockchain"`
	Category   string `yaml:"category" toml:"category"`
	Contract   string `yaml:"contract" toml:"contract"`
	Decimals   int    `yaml:"decimals" toml:"decimals"`
}

// ChainConfig wires a blockchain client and its strategy parameters.
type ChainConfig struct {
	Name              string   `yaml:"name" toml:"name"`
	Type              string   `yaml:"type" toml:"type"`
	Endpoint          string   `yaml:"endpoint" toml:"endpoint"`
	User              string   `yaml:"user" toml:"user"`
	Password          string   `yaml:"password" toml:"password"`
	Wallet            string   `yaml:"wallet" toml:"wallet"`
	LiquidityWallet   string   `yaml:"liquidity_wallet" toml:"liquidity_wallet"`
	PayoutWallet      string   `yaml:"payout_wallet" toml:"payout_wallet"`
	PrepareTransfer   bool     `yaml:"prepare_transfer" toml:"prepare_transfer"`
	SwapAssets        []string `yaml:"swap_assets" toml:"swap_assets"`
	Confirmations     int      `yaml:"confirmations" toml:"confirmations"`
	// Network selects bitcoin address parameters: mainnet, testnet or regtest.
	Network           string   `yaml:"network" toml:"network"`
	// MultiSendContract is a disperse-style contract used for EVM group payouts.
	MultiSendContract string   `yaml:"multisend_contract" toml:"multisend_contract"`
	// Router is a Uniswap V2 compatible router used for EVM swaps.
	Router            string   `yaml:"router" toml:"router"`
}

// Chain types.
const (
	ChainTypeEVM     = "evm"
	ChainTypeBitcoin = "bitcoin"
)

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset tunable with its documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:settled.db?cache=shared"
	}
	if cfg.Jobs.Interval.Duration == 0 {
		cfg.Jobs.Interval.Duration = 30 * time.Second
	}
	if cfg.Jobs.LockTTL.Duration == 0 {
		cfg.Jobs.LockTTL.Duration = 1800 * time.Second
	}
	cfg.Jobs.Lock.Backend = strings.ToLower(strings.TrimSpace(cfg.Jobs.Lock.Backend))
	if cfg.Jobs.Lock.Backend == "" {
		cfg.Jobs.Lock.Backend = LockBackendMemory
	}
	if cfg.Jobs.Lock.KeyPrefix == "" {
		cfg.Jobs.Lock.KeyPrefix = "settled:lock:"
	}

	if len(cfg.Liquidity.ReferenceAssets) == 0 {
		cfg.Liquidity.ReferenceAssets = []string{"BTC", "USDC", "USDT", "ETH", "BNB"}
	}
	setDecimal(&cfg.Liquidity.ReferenceSlippage, "0.005")
	setDecimal(&cfg.Liquidity.DefaultSlippage, "0.03")
	setDecimal(&cfg.Liquidity.SafetyMargin, "0.05")
	setDecimal(&cfg.Liquidity.PurchaseMargin, "0.05")

	setDecimal(&cfg.Pricing.MismatchThreshold, "0.005")
	if cfg.Pricing.CacheTTL.Duration == 0 {
		cfg.Pricing.CacheTTL.Duration = 10 * time.Second
	}
	if len(cfg.Pricing.Fiats) == 0 {
		cfg.Pricing.Fiats = []string{"EUR", "CHF", "USD", "GBP"}
	}
	if len(cfg.Pricing.Stablecoins) == 0 {
		cfg.Pricing.Stablecoins = []string{"USDT", "USDC", "DUSD", "DAI", "BUSD"}
	}
	if cfg.Pricing.BTC == "" {
		cfg.Pricing.BTC = "BTC"
	}
	if len(cfg.Pricing.DEXNative) == 0 {
		cfg.Pricing.DEXNative = []string{"DFI"}
	}
	if cfg.Pricing.DEXBlockchain == "" {
		cfg.Pricing.DEXBlockchain = "defichain"
	}

	if cfg.Payout.NativeGroupSize <= 0 {
		cfg.Payout.NativeGroupSize = 100
	}
	if cfg.Payout.TokenGroupSize <= 0 {
		cfg.Payout.TokenGroupSize = 10
	}
	if cfg.Payout.StableInputPeriod.Duration <= 0 {
		cfg.Payout.StableInputPeriod.Duration = 5 * time.Second
	}

	setDecimal(&cfg.Batch.RoundingTolerance, "0.00001")
	setDecimal(&cfg.Batch.FeeRatioLimit, "0.001")
	if len(cfg.Batch.ReferenceAssets) == 0 {
		cfg.Batch.ReferenceAssets = []string{"BTC", "USDC", "USDT"}
	}
	if cfg.Batch.DefaultReferenceAsset == "" {
		cfg.Batch.DefaultReferenceAsset = "BTC"
	}

	for i := range cfg.Pricing.Providers {
		provider := &cfg.Pricing.Providers[i]
		for j, role := range provider.Roles {
			provider.Roles[j] = strings.ToLower(strings.TrimSpace(role))
		}
		if len(provider.Roles) > 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(provider.Type)) {
		case "kraken":
			provider.Roles = []string{RoleFiatPrimary, RoleCryptoReference}
		case "binance":
			provider.Roles = []string{RoleCryptoPrimary, RoleFiatReference}
		}
	}

	if cfg.Notify.Debounce.Duration == 0 {
		cfg.Notify.Debounce.Duration = 30 * time.Minute
	}
	if cfg.Report.Dir == "" {
		cfg.Report.Dir = "reports"
	}
	if cfg.Report.Window.Duration == 0 {
		cfg.Report.Window.Duration = 24 * time.Hour
	}
	for i := range cfg.Chains {
		if cfg.Chains[i].Confirmations <= 0 {
			cfg.Chains[i].Confirmations = 1
		}
		if strings.EqualFold(cfg.Chains[i].Type, ChainTypeBitcoin) && cfg.Chains[i].Network == "" {
			cfg.Chains[i].Network = "mainnet"
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	switch cfg.Jobs.Lock.Backend {
	case LockBackendMemory, LockBackendDatabase:
	case LockBackendRedis:
		if strings.TrimSpace(cfg.Jobs.Lock.RedisAddr) == "" {
			return fmt.Errorf("jobs.lock.redis_addr must be configured for the redis backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", cfg.Jobs.Lock.Backend)
	}
	for name, value := range map[string]decimal.Decimal{
		"liquidity.reference_slippage": cfg.Liquidity.ReferenceSlippage,
		"liquidity.default_slippage":   cfg.Liquidity.DefaultSlippage,
		"liquidity.safety_margin":      cfg.Liquidity.SafetyMargin,
		"liquidity.purchase_margin":    cfg.Liquidity.PurchaseMargin,
		"pricing.mismatch_threshold":   cfg.Pricing.MismatchThreshold,
		"batch.rounding_tolerance":     cfg.Batch.RoundingTolerance,
		"batch.fee_ratio_limit":        cfg.Batch.FeeRatioLimit,
	} {
		if value.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	seenAssets := make(map[string]struct{}, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		if strings.TrimSpace(asset.Name) == "" || strings.TrimSpace(asset.Blockchain) == "" {
			return fmt.Errorf("assets require name and blockchain")
		}
		key := strings.ToLower(asset.Blockchain) + "/" + strings.ToUpper(asset.Name)
		if _, ok := seenAssets[key]; ok {
			return fmt.Errorf("asset %s registered twice", key)
		}
		seenAssets[key] = struct{}{}
	}
	seenChains := make(map[string]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		name := strings.ToLower(strings.TrimSpace(chain.Name))
		if name == "" {
			return fmt.Errorf("chains require a name")
		}
		if _, ok := seenChains[name]; ok {
			return fmt.Errorf("chain %s configured twice", name)
		}
		seenChains[name] = struct{}{}
		switch strings.ToLower(chain.Type) {
		case ChainTypeEVM, ChainTypeBitcoin:
		default:
			return fmt.Errorf("chain %s: unknown type %q", chain.Name, chain.Type)
		}
		if strings.TrimSpace(chain.Endpoint) == "" {
			return fmt.Errorf("chain %s: endpoint must be configured", chain.Name)
		}
		if chain.PrepareTransfer && strings.TrimSpace(chain.PayoutWallet) == "" {
			return fmt.Errorf("chain %s: payout_wallet required when prepare_transfer is set", chain.Name)
		}
	}
	for _, provider := range cfg.Pricing.Providers {
		if strings.TrimSpace(provider.Name) == "" || strings.TrimSpace(provider.Type) == "" {
			return fmt.Errorf("pricing providers require name and type")
		}
		for _, role := range provider.Roles {
			switch role {
			case RoleFiatPrimary, RoleFiatReference, RoleCryptoPrimary, RoleCryptoReference:
			default:
				return fmt.Errorf("pricing provider %s: unknown role %q", provider.Name, role)
			}
		}
	}
	return nil
}

func setDecimal(target *decimal.Decimal, fallback string) {
	if target.IsZero() {
		*target = decimal.RequireFromString(fallback)
	}
}
