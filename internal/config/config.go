// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration structure for the trading core.
type Config struct {
	App         AppConfig      `yaml:"app"`
	Exchange    ExchangeConfig `yaml:"exchange"`
	Trading     TradingConfig  `yaml:"trading"`
	Exit        ExitConfig     `yaml:"exit"`
	Router      RouterConfig   `yaml:"router"`
	Snapshot    SnapshotConfig `yaml:"snapshot"`
	System      SystemConfig   `yaml:"system"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	TickMS    int      `yaml:"tick_ms" validate:"required,min=50,max=60000"`
	MaxTrades int      `yaml:"max_trades" validate:"required,min=1,max=1000"`
	Symbols   []string `yaml:"symbols" validate:"required,min=1"`
}

// ExchangeConfig holds credentials and connection settings for the single
// configured exchange. Unlike the donor's multi-exchange map, the trading
// core talks to exactly one venue (spec.md §1 scope).
type ExchangeConfig struct {
	Name      string `yaml:"name" validate:"required,oneof=binance_spot mock"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	FeeRate   float64 `yaml:"fee_rate" validate:"min=0,max=1"`
}

// TradingConfig contains position-sizing and timing parameters.
type TradingConfig struct {
	TotalBudgetUSDT    float64 `yaml:"total_budget_usdt" validate:"required,min=0"`
	PositionSizeUSDT   float64 `yaml:"position_size_usdt" validate:"required,min=0"`
	MinSlotUSDT        float64 `yaml:"min_slot_usdt" validate:"required,min=0"`
	BuyFillTimeoutSecs int     `yaml:"buy_fill_timeout_secs" validate:"required,min=1,max=3600"`
	SellFillTimeoutSecs int    `yaml:"sell_fill_timeout_secs" validate:"required,min=1,max=3600"`
	CooldownSecs        int    `yaml:"cooldown_secs" validate:"min=0"`
	SymbolCooldownMinutes int  `yaml:"symbol_cooldown_minutes" validate:"min=0"` // alias: * 60 -> CooldownSecs when set
	TradeTTLMin          int   `yaml:"trade_ttl_min" validate:"min=0"`
}

// ExitConfig contains exit-strategy parameters.
type ExitConfig struct {
	HardSLPct       float64 `yaml:"hard_sl_pct" validate:"required,min=0,max=1"`
	HardTPPct       float64 `yaml:"hard_tp_pct" validate:"required,min=0,max=10"`
	TrailingEnable  bool    `yaml:"trailing_enable"`
	TrailingPct     float64 `yaml:"trailing_pct" validate:"min=0,max=1"`
	MaxHoldSecs     int     `yaml:"max_hold_s" validate:"min=0"`
	SLMarket        bool    `yaml:"sl_market"`
	TPMarket        bool    `yaml:"tp_market"`
	NeverMarketSells bool   `yaml:"never_market_sells"`
	// LadderStepsBps is the per-step offset schedule (in basis points below
	// bid) used by PLACE_SELL when NeverMarketSells is set.
	LadderStepsBps []int `yaml:"ladder_steps_bps"`
}

// RouterConfig contains OrderRouter parameters (spec.md §4.4).
type RouterConfig struct {
	MaxRetries      int     `yaml:"max_retries" validate:"min=0,max=20"`
	BackoffMS       int     `yaml:"backoff_ms" validate:"required,min=1,max=60000"`
	TIF             string  `yaml:"tif" validate:"required,oneof=IOC FOK GTC"`
	SlippageBps     int     `yaml:"slippage_bps" validate:"min=0,max=10000"`
	MinNotionalUSDT float64 `yaml:"min_notional_usdt" validate:"min=0"`
}

// SnapshotConfig contains FSM snapshot persistence settings (spec.md §4.8).
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

// SystemConfig contains system-level settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	LogDir       string `yaml:"log_dir" validate:"required"`
	LogRetainDays int   `yaml:"log_retain_days" validate:"min=1,max=365"`
	StateDir     string `yaml:"state_dir" validate:"required"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains observability settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults/aliases, then validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyAliases()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyAliases resolves the SYMBOL_COOLDOWN_MINUTES alias into CooldownSecs
// per spec.md §6, and fills in the router/system defaults a fresh
// deployment is expected to run with.
func (c *Config) applyAliases() {
	if c.Trading.SymbolCooldownMinutes > 0 {
		c.Trading.CooldownSecs = c.Trading.SymbolCooldownMinutes * 60
	}
	if c.Router.TIF == "" {
		c.Router.TIF = "IOC"
	}
	if c.System.LogRetainDays == 0 {
		c.System.LogRetainDays = 14
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	for _, fn := range []func() error{
		c.validateApp,
		c.validateExchange,
		c.validateTrading,
		c.validateExit,
		c.validateRouter,
		c.validateSnapshot,
		c.validateSystem,
	} {
		if err := fn(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.TickMS <= 0 {
		return ValidationError{Field: "app.tick_ms", Value: c.App.TickMS, Message: "must be positive"}
	}
	if c.App.MaxTrades <= 0 {
		return ValidationError{Field: "app.max_trades", Value: c.App.MaxTrades, Message: "must be positive"}
	}
	if len(c.App.Symbols) == 0 {
		return ValidationError{Field: "app.symbols", Message: "at least one symbol must be configured"}
	}
	return nil
}

func (c *Config) validateExchange() error {
	validNames := []string{"binance_spot", "mock"}
	if !contains(validNames, c.Exchange.Name) {
		return ValidationError{
			Field: "exchange.name", Value: c.Exchange.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validNames, ", ")),
		}
	}
	if c.Exchange.Name != "mock" {
		if c.Exchange.APIKey == "" {
			return ValidationError{Field: "exchange.api_key", Message: "API key is required for a live exchange"}
		}
		if c.Exchange.SecretKey == "" {
			return ValidationError{Field: "exchange.secret_key", Message: "secret key is required for a live exchange"}
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.TotalBudgetUSDT <= 0 {
		return ValidationError{Field: "trading.total_budget_usdt", Value: c.Trading.TotalBudgetUSDT, Message: "must be positive"}
	}
	if c.Trading.PositionSizeUSDT <= 0 {
		return ValidationError{Field: "trading.position_size_usdt", Value: c.Trading.PositionSizeUSDT, Message: "must be positive"}
	}
	if c.Trading.BuyFillTimeoutSecs <= 0 {
		return ValidationError{Field: "trading.buy_fill_timeout_secs", Message: "must be positive"}
	}
	if c.Trading.SellFillTimeoutSecs <= 0 {
		return ValidationError{Field: "trading.sell_fill_timeout_secs", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateExit() error {
	if c.Exit.HardSLPct <= 0 {
		return ValidationError{Field: "exit.hard_sl_pct", Message: "must be positive"}
	}
	if c.Exit.HardTPPct <= 0 {
		return ValidationError{Field: "exit.hard_tp_pct", Message: "must be positive"}
	}
	if c.Exit.TrailingEnable && c.Exit.TrailingPct <= 0 {
		return ValidationError{Field: "exit.trailing_pct", Message: "must be positive when trailing_enable is true"}
	}
	if c.Exit.NeverMarketSells && len(c.Exit.LadderStepsBps) == 0 {
		return ValidationError{Field: "exit.ladder_steps_bps", Message: "required when never_market_sells is true"}
	}
	return nil
}

func (c *Config) validateRouter() error {
	validTIF := []string{"IOC", "FOK", "GTC"}
	if !contains(validTIF, c.Router.TIF) {
		return ValidationError{Field: "router.tif", Value: c.Router.TIF, Message: fmt.Sprintf("must be one of: %s", strings.Join(validTIF, ", "))}
	}
	if c.Router.BackoffMS <= 0 {
		return ValidationError{Field: "router.backoff_ms", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSnapshot() error {
	if c.Snapshot.Enabled && c.Snapshot.Dir == "" {
		return ValidationError{Field: "snapshot.dir", Message: "required when snapshot.enabled is true"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	if c.System.StateDir == "" {
		return ValidationError{Field: "system.state_dir", Message: "required"}
	}
	return nil
}

// String returns a YAML rendering of the configuration with secrets masked.
func (c *Config) String() string {
	cp := *c
	cp.Exchange.APIKey = maskString(cp.Exchange.APIKey)
	cp.Exchange.SecretKey = maskString(cp.Exchange.SecretKey)
	data, _ := yaml.Marshal(cp)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a configuration suitable for local/mock-exchange
// testing.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			TickMS:    500,
			MaxTrades: 10,
			Symbols:   []string{"BTC/USDT"},
		},
		Exchange: ExchangeConfig{
			Name:    "mock",
			FeeRate: 0.0002,
		},
		Trading: TradingConfig{
			TotalBudgetUSDT:     1000,
			PositionSizeUSDT:    100,
			MinSlotUSDT:         10,
			BuyFillTimeoutSecs:  30,
			SellFillTimeoutSecs: 30,
			CooldownSecs:        60,
			TradeTTLMin:         1440,
		},
		Exit: ExitConfig{
			HardSLPct:      0.02,
			HardTPPct:      0.04,
			TrailingEnable: true,
			TrailingPct:    0.015,
			MaxHoldSecs:    3600,
			SLMarket:       true,
			TPMarket:       false,
		},
		Router: RouterConfig{
			MaxRetries:      3,
			BackoffMS:       500,
			TIF:             "IOC",
			SlippageBps:     50,
			MinNotionalUSDT: 10,
		},
		Snapshot: SnapshotConfig{
			Enabled: true,
			Dir:     "state/fsm_snapshots",
		},
		System: SystemConfig{
			LogLevel:      "INFO",
			LogDir:        "logs",
			LogRetainDays: 14,
			StateDir:      "state",
			CancelOnExit:  true,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9090,
		},
	}
}
