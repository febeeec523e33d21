// Package config defines all configuration for the trading services.
// Config is loaded from a YAML file (default: config.yaml) with every
// tunable overridable through environment variables; broker credentials
// come only from the environment (ALPACA_API_KEY, ALPACA_SECRET_KEY,
// ALPACA_BASE_URL), optionally via a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; one section per service plus the shared broker/paths/logging
// sections.
type Config struct {
	Broker       BrokerConfig       `mapstructure:"broker"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Premarket    PremarketConfig    `mapstructure:"premarket"`
	Scanner      ScannerConfig      `mapstructure:"scanner"`
	Buyer        BuyerConfig        `mapstructure:"buyer"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Seller       SellerConfig       `mapstructure:"seller"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// BrokerConfig holds credentials and the global API budget. The broker
// allows 200 calls per minute across the whole system; each service
// enforces its own share (the rate_budget_per_min keys below) so the sum
// stays under the ceiling no matter how the five processes interleave.
type BrokerConfig struct {
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	BaseURL        string `mapstructure:"base_url"`
	DataFeed       string `mapstructure:"data_feed"` // "iex" (free tier) or "sip"
	RateLimitPerMin int   `mapstructure:"rate_limit_per_min"`
}

// PathsConfig locates the shared state directory and its siblings. Empty
// entries are derived from Root in Load.
type PathsConfig struct {
	Root         string `mapstructure:"root"`
	StateDir     string `mapstructure:"state_dir"`
	LogsDir      string `mapstructure:"logs_dir"`
	UniverseFile string `mapstructure:"universe_file"`
}

// TradingConfig holds risk parameters shared by more than one service.
type TradingConfig struct {
	StopLossPct float64 `mapstructure:"stop_loss_pct"` // initial stop distance below entry
}

// PremarketConfig controls the daily gap scan that builds the watchlist.
type PremarketConfig struct {
	WatchlistSize     int     `mapstructure:"watchlist_size"`
	UniverseSize      int     `mapstructure:"universe_size"`
	MinGapPct         float64 `mapstructure:"min_gap_pct"`
	MinVolume         int64   `mapstructure:"min_volume"`
	MinRelativeVolume float64 `mapstructure:"min_relative_volume"`
	PriceMin          float64 `mapstructure:"price_min"`
	PriceMax          float64 `mapstructure:"price_max"`

	// Optional float-shares data for score weighting. The file is checked
	// first; the URL is fetched once per run when set. Neither is required.
	FloatDataFile string `mapstructure:"float_data_file"`
	FloatDataURL  string `mapstructure:"float_data_url"`

	RateBudgetPerMin int `mapstructure:"rate_budget_per_min"`
}

// ScannerConfig controls intraday signal generation on the watchlist.
type ScannerConfig struct {
	IntervalSeconds   int     `mapstructure:"interval_seconds"`
	MinEntryScore     int     `mapstructure:"min_entry_score"`
	MinBreakoutPct    float64 `mapstructure:"min_breakout_pct"`
	MinRelativeVolume float64 `mapstructure:"min_relative_volume"`
	RSIMin            float64 `mapstructure:"rsi_min"`
	RSIMax            float64 `mapstructure:"rsi_max"`
	RequireAboveVWAP  bool    `mapstructure:"require_above_vwap"`
	RateBudgetPerMin  int     `mapstructure:"rate_budget_per_min"`
}

// BuyerConfig controls signal consumption and order entry.
type BuyerConfig struct {
	IntervalSeconds     int     `mapstructure:"interval_seconds"`
	HotCheckInterval    int     `mapstructure:"hot_check_interval"` // seconds; fast path for top-scored signals
	HotScoreMin         int     `mapstructure:"hot_score_min"`
	SignalMaxAgeSeconds int     `mapstructure:"signal_max_age_seconds"`
	MaxSlippagePct      float64 `mapstructure:"max_slippage_pct"`  // reject if mid moved up more than this
	MaxPriceDropPct     float64 `mapstructure:"max_price_drop_pct"` // reject if mid collapsed more than this
	MaxSpreadPct        float64 `mapstructure:"max_spread_pct"`
	UseLimitOrders      bool    `mapstructure:"use_limit_orders"`
	LimitOrderBuffer    float64 `mapstructure:"limit_order_buffer"` // limit price premium over mid
	MaxPositions        int     `mapstructure:"max_positions"`
	RateBudgetPerMin    int     `mapstructure:"rate_budget_per_min"`
}

// TrailingTier is one row of the trailing-stop table: once profit (measured
// at the peak) reaches Profit, the stop trails Trail below the peak.
type TrailingTier struct {
	Profit float64 `mapstructure:"profit"`
	Trail  float64 `mapstructure:"trail"`
}

// MonitorConfig controls position risk management.
type MonitorConfig struct {
	IntervalSeconds   int            `mapstructure:"interval_seconds"`
	BreakevenProfit   float64        `mapstructure:"breakeven_profit"`
	TrailingStops     []TrailingTier `mapstructure:"trailing_stops"` // ascending by profit
	DecelThreshold    float64        `mapstructure:"decel_exit_threshold"`
	MinProfitForDecel float64        `mapstructure:"min_profit_for_decel_check"`
	EODExitMinutes    int            `mapstructure:"eod_exit_minutes"`
	UseStreaming      bool           `mapstructure:"use_streaming"`
	StreamURL         string         `mapstructure:"stream_url"` // empty = derived from broker.data_feed
	RateBudgetPerMin  int            `mapstructure:"rate_budget_per_min"`
}

// SellerConfig controls exit execution and cooldown bookkeeping.
type SellerConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	CooldownMinutes  int `mapstructure:"cooldown_minutes"`
	RateBudgetPerMin int `mapstructure:"rate_budget_per_min"`
}

// OrchestratorConfig controls supervision and the pre-market schedule.
type OrchestratorConfig struct {
	StopTimeoutSeconds int    `mapstructure:"stop_timeout_seconds"`
	PremarketSchedule  string `mapstructure:"premarket_schedule"`   // cron expression, exchange time
	PremarketWindowEnd string `mapstructure:"premarket_window_end"` // HH:MM; no catch-up run after this
	RateBudgetPerMin   int    `mapstructure:"rate_budget_per_min"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Interval helpers so services never multiply seconds by time.Second inline.

func (c ScannerConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }
func (c BuyerConfig) Interval() time.Duration   { return time.Duration(c.IntervalSeconds) * time.Second }
func (c BuyerConfig) HotInterval() time.Duration {
	return time.Duration(c.HotCheckInterval) * time.Second
}
func (c BuyerConfig) SignalMaxAge() time.Duration {
	return time.Duration(c.SignalMaxAgeSeconds) * time.Second
}
func (c MonitorConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }
func (c MonitorConfig) EODExitWindow() time.Duration {
	return time.Duration(c.EODExitMinutes) * time.Minute
}
func (c SellerConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }
func (c SellerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}
func (c OrchestratorConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// Load reads config from a YAML file with env var overrides. A missing file
// is fine when path is the default — everything has a default — but an
// explicitly requested file must exist.
func Load(path string, explicit bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("MOMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !os.IsNotExist(err) {
			if _, statErr := os.Stat(path); explicit || statErr == nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials always win from the environment.
	if key := os.Getenv("ALPACA_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("ALPACA_SECRET_KEY"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if url := os.Getenv("ALPACA_BASE_URL"); url != "" {
		cfg.Broker.BaseURL = url
	}

	cfg.derivePaths()
	return &cfg, nil
}

// bindLegacyEnv wires the flat environment names recognized since the first
// deployment to their config keys, in addition to the MOMO_* scheme.
func bindLegacyEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"scanner.interval_seconds":           "SCAN_INTERVAL_SECONDS",
		"monitor.interval_seconds":           "MONITOR_INTERVAL_SECONDS",
		"buyer.interval_seconds":             "BUYER_INTERVAL_SECONDS",
		"seller.interval_seconds":            "SELLER_INTERVAL_SECONDS",
		"buyer.hot_check_interval":           "HOT_CHECK_INTERVAL",
		"premarket.watchlist_size":           "DAILY_WATCHLIST_SIZE",
		"premarket.universe_size":            "BASE_UNIVERSE_SIZE",
		"premarket.min_gap_pct":              "MIN_GAP_PCT",
		"premarket.min_volume":               "MIN_PREMARKET_VOLUME",
		"premarket.min_relative_volume":      "MIN_PREMARKET_REL_VOLUME",
		"premarket.price_min":                "PRICE_MIN",
		"premarket.price_max":                "PRICE_MAX",
		"scanner.min_entry_score":            "MIN_ENTRY_SCORE",
		"scanner.min_breakout_pct":           "MIN_BREAKOUT_PCT",
		"scanner.min_relative_volume":        "MIN_RELATIVE_VOLUME",
		"scanner.rsi_min":                    "RSI_MIN",
		"scanner.rsi_max":                    "RSI_MAX",
		"scanner.require_above_vwap":         "REQUIRE_ABOVE_VWAP",
		"buyer.signal_max_age_seconds":       "SIGNAL_MAX_AGE_SECONDS",
		"buyer.max_slippage_pct":             "MAX_SLIPPAGE_PCT",
		"buyer.max_spread_pct":               "MAX_SPREAD_PCT",
		"buyer.use_limit_orders":             "USE_LIMIT_ORDERS",
		"buyer.limit_order_buffer":           "LIMIT_ORDER_BUFFER",
		"buyer.max_positions":                "MAX_POSITIONS",
		"trading.stop_loss_pct":              "STOP_LOSS_PCT",
		"monitor.breakeven_profit":           "BREAKEVEN_PROFIT",
		"monitor.decel_exit_threshold":       "DECEL_EXIT_THRESHOLD",
		"monitor.min_profit_for_decel_check": "MIN_PROFIT_FOR_DECEL_CHECK",
		"seller.cooldown_minutes":            "COOLDOWN_MINUTES",
		"broker.rate_limit_per_min":          "API_RATE_LIMIT",
	} {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.data_feed", "iex")
	v.SetDefault("broker.rate_limit_per_min", 200)

	v.SetDefault("paths.root", ".")

	v.SetDefault("trading.stop_loss_pct", 0.025)

	v.SetDefault("premarket.watchlist_size", 25)
	v.SetDefault("premarket.universe_size", 500)
	v.SetDefault("premarket.min_gap_pct", 0.03)
	v.SetDefault("premarket.min_volume", 50_000)
	v.SetDefault("premarket.min_relative_volume", 2.0)
	v.SetDefault("premarket.price_min", 2.0)
	v.SetDefault("premarket.price_max", 50.0)
	v.SetDefault("premarket.rate_budget_per_min", 150)

	v.SetDefault("scanner.interval_seconds", 45)
	v.SetDefault("scanner.min_entry_score", 60)
	v.SetDefault("scanner.min_breakout_pct", 0.01)
	v.SetDefault("scanner.min_relative_volume", 2.0)
	v.SetDefault("scanner.rsi_min", 40.0)
	v.SetDefault("scanner.rsi_max", 75.0)
	v.SetDefault("scanner.require_above_vwap", true)
	v.SetDefault("scanner.rate_budget_per_min", 67)

	v.SetDefault("buyer.interval_seconds", 15)
	v.SetDefault("buyer.hot_check_interval", 5)
	v.SetDefault("buyer.hot_score_min", 90)
	v.SetDefault("buyer.signal_max_age_seconds", 60)
	v.SetDefault("buyer.max_slippage_pct", 0.02)
	v.SetDefault("buyer.max_price_drop_pct", 0.03)
	v.SetDefault("buyer.max_spread_pct", 0.02)
	v.SetDefault("buyer.use_limit_orders", true)
	v.SetDefault("buyer.limit_order_buffer", 0.005)
	v.SetDefault("buyer.max_positions", 20)
	v.SetDefault("buyer.rate_budget_per_min", 10)

	v.SetDefault("monitor.interval_seconds", 30)
	v.SetDefault("monitor.breakeven_profit", 0.05)
	v.SetDefault("monitor.trailing_stops", []map[string]any{
		{"profit": 0.05, "trail": 0.02},
		{"profit": 0.10, "trail": 0.03},
		{"profit": 0.15, "trail": 0.04},
		{"profit": 0.20, "trail": 0.05},
	})
	v.SetDefault("monitor.decel_exit_threshold", 0.5)
	v.SetDefault("monitor.min_profit_for_decel_check", 0.05)
	v.SetDefault("monitor.eod_exit_minutes", 5)
	v.SetDefault("monitor.use_streaming", false)
	v.SetDefault("monitor.rate_budget_per_min", 80)

	v.SetDefault("seller.interval_seconds", 15)
	v.SetDefault("seller.cooldown_minutes", 15)
	v.SetDefault("seller.rate_budget_per_min", 5)

	v.SetDefault("orchestrator.stop_timeout_seconds", 30)
	v.SetDefault("orchestrator.premarket_schedule", "0 0 8 * * MON-FRI")
	v.SetDefault("orchestrator.premarket_window_end", "09:25")
	v.SetDefault("orchestrator.rate_budget_per_min", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// derivePaths fills unset path entries from the root directory.
func (c *Config) derivePaths() {
	if c.Paths.Root == "" {
		c.Paths.Root = "."
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(c.Paths.Root, "state")
	}
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(c.Paths.Root, "logs")
	}
	if c.Paths.UniverseFile == "" {
		c.Paths.UniverseFile = filepath.Join(c.Paths.Root, "universes", "base_universe", "base_universe.txt")
	}
}

// SetStateDir points the state directory somewhere else (the --state-dir
// flag) and rebases the derived siblings onto its parent.
func (c *Config) SetStateDir(dir string) {
	c.Paths.StateDir = dir
	c.Paths.Root = filepath.Dir(dir)
	c.Paths.LogsDir = filepath.Join(c.Paths.Root, "logs")
	c.Paths.UniverseFile = filepath.Join(c.Paths.Root, "universes", "base_universe", "base_universe.txt")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker api key is required (set ALPACA_API_KEY)")
	}
	if c.Broker.APISecret == "" {
		return fmt.Errorf("broker api secret is required (set ALPACA_SECRET_KEY)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required (set ALPACA_BASE_URL)")
	}
	if c.Broker.RateLimitPerMin <= 0 {
		return fmt.Errorf("broker.rate_limit_per_min must be > 0")
	}
	budget := c.Scanner.RateBudgetPerMin + c.Monitor.RateBudgetPerMin +
		c.Buyer.RateBudgetPerMin + c.Seller.RateBudgetPerMin + c.Orchestrator.RateBudgetPerMin
	if budget > c.Broker.RateLimitPerMin {
		return fmt.Errorf("per-service rate budgets sum to %d/min, above the broker limit %d/min",
			budget, c.Broker.RateLimitPerMin)
	}
	for _, iv := range []struct {
		name string
		val  int
	}{
		{"scanner.interval_seconds", c.Scanner.IntervalSeconds},
		{"buyer.interval_seconds", c.Buyer.IntervalSeconds},
		{"buyer.hot_check_interval", c.Buyer.HotCheckInterval},
		{"monitor.interval_seconds", c.Monitor.IntervalSeconds},
		{"seller.interval_seconds", c.Seller.IntervalSeconds},
	} {
		if iv.val <= 0 {
			return fmt.Errorf("%s must be > 0", iv.name)
		}
	}
	if c.Scanner.RSIMin >= c.Scanner.RSIMax {
		return fmt.Errorf("scanner.rsi_min must be below scanner.rsi_max")
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1 {
		return fmt.Errorf("trading.stop_loss_pct must be in (0, 1)")
	}
	if c.Buyer.MaxPositions <= 0 {
		return fmt.Errorf("buyer.max_positions must be > 0")
	}
	if c.Premarket.WatchlistSize <= 0 {
		return fmt.Errorf("premarket.watchlist_size must be > 0")
	}
	for i := 1; i < len(c.Monitor.TrailingStops); i++ {
		if c.Monitor.TrailingStops[i].Profit <= c.Monitor.TrailingStops[i-1].Profit {
			return fmt.Errorf("monitor.trailing_stops must be ascending by profit")
		}
	}
	return nil
}
