// Package config defines all configuration for the copy-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polycopy/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Targets   []string        `mapstructure:"targets"` // wallet addresses to copy
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Polling   PollingConfig   `mapstructure:"polling"`
	StopLoss  StopLossConfig  `mapstructure:"stop_loss"`
	Redeem    RedeemConfig    `mapstructure:"auto_redeem"`
	Paper     PaperConfig     `mapstructure:"paper_trading"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the engine derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"` // activity feed
	WSActivity   string `mapstructure:"ws_activity_url"`
	RPCURL       string `mapstructure:"rpc_url"` // Polygon RPC for redemptions
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// TradingConfig controls how a detected target fill becomes our order.
//
//   - SizingMode: fixed_usd, fixed_shares, or proportional.
//   - FixedUsdSize / FixedSharesSize / ProportionalMultiplier: the numeric
//     parameter for the matching mode.
//   - Slippage: price cushion applied so the limit order crosses and fills.
//   - MinOrderSize / MinOrderShares: floor below which orders are rejected.
type TradingConfig struct {
	SizingMode             types.SizingMode `mapstructure:"sizing_mode"`
	FixedUsdSize           float64          `mapstructure:"fixed_usd_size"`
	FixedSharesSize        float64          `mapstructure:"fixed_shares_size"`
	ProportionalMultiplier float64          `mapstructure:"proportional_multiplier"`
	Slippage               float64          `mapstructure:"slippage"`
	MinOrderSize           float64          `mapstructure:"min_order_size"`   // USD
	MinOrderShares         float64          `mapstructure:"min_order_shares"` // shares
}

// RiskConfig sets the pre-trade policy caps. A trade that fails any check is
// skipped with a reason, never retried.
type RiskConfig struct {
	DryRun                  bool     `mapstructure:"dry_run"`
	MaxUsdPerTrade          float64  `mapstructure:"max_usd_per_trade"`
	MaxUsdPerMarket         float64  `mapstructure:"max_usd_per_market"`
	MaxDailyUsdVolume       float64  `mapstructure:"max_daily_usd_volume"`
	ResolutionBufferSeconds int64    `mapstructure:"do_not_trade_within_seconds_of_resolution"`
	MarketAllowlist         []string `mapstructure:"market_allowlist"`
	MarketDenylist          []string `mapstructure:"market_denylist"`
}

// PollingConfig tunes the REST fallback activity watcher.
type PollingConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	NonTradeInterval time.Duration `mapstructure:"non_trade_interval"`
	TradeLimit       int           `mapstructure:"trade_limit"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
}

// StopLossConfig controls the stop-loss sweep (live mode only).
type StopLossConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Percent       float64       `mapstructure:"percent"` // 0.80 = exit at -80%
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// RedeemConfig controls the auto-redeem sweep (live mode only).
type RedeemConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// PaperConfig enables the simulated exchange. When enabled, orders never
// leave the process.
type PaperConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	StartingBalance float64 `mapstructure:"starting_balance"`
	FeeRate         float64 `mapstructure:"fee_rate"`
}

// StoreConfig sets where engine state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP/WebSocket control surface for the UI.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPY_PRIVATE_KEY, COPY_API_KEY, COPY_API_SECRET, COPY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("COPY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("COPY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("COPY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("COPY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("COPY_DRY_RUN") == "true" || os.Getenv("COPY_DRY_RUN") == "1" {
		cfg.Risk.DryRun = true
	}

	// Target comparison is always case-insensitive
	for i, t := range cfg.Targets {
		cfg.Targets[i] = types.NormalizeAddress(t)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.sizing_mode", string(types.SizingFixedUSD))
	v.SetDefault("trading.fixed_usd_size", 10.0)
	v.SetDefault("trading.proportional_multiplier", 0.01)
	v.SetDefault("trading.slippage", 0.02)
	v.SetDefault("trading.min_order_size", 0.5)
	v.SetDefault("trading.min_order_shares", 0.1)
	v.SetDefault("polling.interval", 2*time.Second)
	v.SetDefault("polling.non_trade_interval", 30*time.Second)
	v.SetDefault("polling.trade_limit", 50)
	v.SetDefault("polling.max_retries", 3)
	v.SetDefault("polling.base_backoff", time.Second)
	v.SetDefault("stop_loss.percent", 0.80)
	v.SetDefault("stop_loss.check_interval", 30*time.Second)
	v.SetDefault("auto_redeem.interval", 5*time.Minute)
	v.SetDefault("paper_trading.starting_balance", 1000.0)
	v.SetDefault("paper_trading.fee_rate", 0.001)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8787)
}

// Validate checks all required fields and value ranges. The error message
// names the exact missing key so a failed start is actionable.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets is required (at least one wallet address to copy)")
	}
	for _, t := range c.Targets {
		if !types.ValidAddress(t) {
			return fmt.Errorf("targets: %q is not a valid 0x address", t)
		}
	}
	live := !c.Risk.DryRun && !c.Paper.Enabled
	if live {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required for live trading (set COPY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
		}
		switch c.Wallet.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
		if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
			return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
		}
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	switch c.Trading.SizingMode {
	case types.SizingFixedUSD, types.SizingFixedShares, types.SizingProportional:
	default:
		return fmt.Errorf("trading.sizing_mode must be one of: fixed_usd, fixed_shares, proportional")
	}
	if c.Trading.SizingMode == types.SizingFixedUSD && c.Trading.FixedUsdSize <= 0 {
		return fmt.Errorf("trading.fixed_usd_size must be > 0")
	}
	if c.Trading.SizingMode == types.SizingFixedShares && c.Trading.FixedSharesSize <= 0 {
		return fmt.Errorf("trading.fixed_shares_size must be > 0")
	}
	if c.Trading.Slippage < 0 || c.Trading.Slippage > 0.5 {
		return fmt.Errorf("trading.slippage must be in [0, 0.5]")
	}
	if c.Risk.MaxUsdPerTrade <= 0 {
		return fmt.Errorf("risk.max_usd_per_trade must be > 0")
	}
	if c.Risk.MaxUsdPerMarket <= 0 {
		return fmt.Errorf("risk.max_usd_per_market must be > 0")
	}
	if c.Risk.MaxDailyUsdVolume <= 0 {
		return fmt.Errorf("risk.max_daily_usd_volume must be > 0")
	}
	if c.StopLoss.Enabled && (c.StopLoss.Percent <= 0 || c.StopLoss.Percent > 1) {
		return fmt.Errorf("stop_loss.percent must be in (0, 1]")
	}
	if c.Paper.Enabled && c.Paper.StartingBalance <= 0 {
		return fmt.Errorf("paper_trading.starting_balance must be > 0")
	}
	return nil
}

// Live reports whether orders are submitted to the real exchange.
func (c *Config) Live() bool {
	return !c.Risk.DryRun && !c.Paper.Enabled
}

// HasCredentials reports whether the wallet key needed for live submission
// is configured.
func (c *Config) HasCredentials() bool {
	return c.Wallet.PrivateKey != ""
}
