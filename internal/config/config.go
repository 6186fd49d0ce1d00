// Package config defines all configuration for the trading automaton.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via UPBIT_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"upbit-intraday/pkg/types"
)

// Mode selects the executor backend.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      Mode            `mapstructure:"mode"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Symbols   SymbolsConfig   `mapstructure:"symbols"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Status    StatusConfig    `mapstructure:"status"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// ExchangeConfig holds the Upbit API endpoints, credentials and retry policy.
// AccessKey/SecretKey come from UPBIT_ACCESS_KEY / UPBIT_SECRET_KEY and are
// required only for live trading and account reads.
type ExchangeConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	WebsocketURL string        `mapstructure:"websocket_url"`
	AccessKey    string        `mapstructure:"access_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// SymbolsConfig controls universe selection.
type SymbolsConfig struct {
	Core             []string `mapstructure:"core"` // always scanned; Core[0]... includes the RS reference
	ExcludeWarning   bool     `mapstructure:"exclude_warning"`
	MinVolumeKRW     float64  `mapstructure:"min_volume_krw"`
	MaxMarketsToScan int      `mapstructure:"max_markets_to_scan"`
	PriorityMarkets  []string `mapstructure:"priority_markets"`
}

// ScannerConfig tunes candidate scoring and selection.
//
//   - RVOLThreshold / SpreadBPMax / MinScore are the hard filters.
//   - Weights must sum to 1 (checked by Validate).
//   - RSWindowMinutes / RSReference define the relative-strength horizon.
type ScannerConfig struct {
	CandleUnit      int     `mapstructure:"candle_unit"`  // minutes
	CandleCount     int     `mapstructure:"candle_count"` // bars per fetch, venue max 200
	RVOLThreshold   float64 `mapstructure:"rvol_threshold"`
	RVOLWindow      int     `mapstructure:"rvol_window"`
	SpreadBPMax     float64 `mapstructure:"spread_bp_max"`
	RSWindowMinutes int     `mapstructure:"rs_window_minutes"`
	RSReference     string  `mapstructure:"rs_reference"`
	EMAFast         int     `mapstructure:"ema_fast"`
	EMASlow         int     `mapstructure:"ema_slow"`
	WeightRS        float64 `mapstructure:"weight_rs"`
	WeightRVOL      float64 `mapstructure:"weight_rvol"`
	WeightTrend     float64 `mapstructure:"weight_trend"`
	WeightDepth     float64 `mapstructure:"weight_depth"`
	CandidateCount  int     `mapstructure:"candidate_count"`
	MinScore        float64 `mapstructure:"min_score"`
	FanOutLimit     int     `mapstructure:"fan_out_limit"` // concurrent per-market fetches
}

// ORBConfig tunes the opening-range-breakout strategy.
type ORBConfig struct {
	Use             bool    `mapstructure:"use"`
	BoxWindow       string  `mapstructure:"box_window"`    // e.g. "09:00-10:00"
	ActiveWindow    string  `mapstructure:"active_window"` // e.g. "10:00-13:00"
	BreakoutATRMult float64 `mapstructure:"breakout_atr_mult"`
	VolumeSpikeMult float64 `mapstructure:"volume_spike_mult"`
	VolumeLookback  int     `mapstructure:"volume_lookback"`
}

// SVWAPConfig tunes the sVWAP-pullback strategy.
type SVWAPConfig struct {
	Use                 bool    `mapstructure:"use"`
	ZoneATRMult         float64 `mapstructure:"zone_atr_mult"`
	RequireEMAAlignment bool    `mapstructure:"require_ema_alignment"`
	MinPullbackPct      float64 `mapstructure:"min_pullback_pct"`
	MaxPullbackPct      float64 `mapstructure:"max_pullback_pct"`
}

// SweepConfig tunes the liquidity-sweep-reversal strategy.
type SweepConfig struct {
	Use                 bool     `mapstructure:"use"`
	ActiveWindows       []string `mapstructure:"active_windows"` // e.g. ["10:30-12:30", "17:30-18:30"]
	SwingLookback       int      `mapstructure:"swing_lookback"`
	PenetrationATRMult  float64  `mapstructure:"penetration_atr_mult"`
	RecoveryTimeMinutes int      `mapstructure:"recovery_time_minutes"`
	VolumeSpikeMult     float64  `mapstructure:"volume_spike_mult"`
}

// SignalsConfig groups the three entry strategies.
type SignalsConfig struct {
	ORB   ORBConfig   `mapstructure:"orb"`
	SVWAP SVWAPConfig `mapstructure:"svwap_pullback"`
	Sweep SweepConfig `mapstructure:"sweep_reversal"`
}

// RiskConfig sets sizing and the hard loss limits.
type RiskConfig struct {
	PerTradeRiskPct      float64 `mapstructure:"per_trade_risk_pct"` // fraction of balance, e.g. 0.004
	MinPositionKRW       float64 `mapstructure:"min_position_krw"`
	MaxPositionKRW       float64 `mapstructure:"max_position_krw"`
	DailyDrawdownStopPct float64 `mapstructure:"daily_drawdown_stop_pct"` // e.g. 0.01 = -1%
	ConsecutiveLossStop  int     `mapstructure:"consecutive_loss_stop"`   // losses before a symbol ban
	MinRiskRewardRatio   float64 `mapstructure:"min_risk_reward_ratio"`
}

// PaperConfig tunes the fill simulator.
type PaperConfig struct {
	StartingBalanceKRW float64 `mapstructure:"starting_balance_krw"`
	FillProbability    float64 `mapstructure:"fill_probability"`
	FillDelayMinMS     int     `mapstructure:"fill_delay_min_ms"`
	FillDelayMaxMS     int     `mapstructure:"fill_delay_max_ms"`
	SlippageBPMin      float64 `mapstructure:"slippage_bp_min"`
	SlippageBPMax      float64 `mapstructure:"slippage_bp_max"`
	Seed               int64   `mapstructure:"seed"` // 0 = time-seeded
}

// OrdersConfig controls order routing and fill supervision.
type OrdersConfig struct {
	SlippageBPMax    float64       `mapstructure:"slippage_bp_max"` // alert threshold on live fills
	TimeInForce      string        `mapstructure:"time_in_force"`   // IOC, FOK or GTC
	MinOrderKRW      float64       `mapstructure:"min_order_krw"`
	MaxOrderKRW      float64       `mapstructure:"max_order_krw"`
	FillTimeout      time.Duration `mapstructure:"fill_timeout"`
	FillPollInterval time.Duration `mapstructure:"fill_poll_interval"`
	CommissionRate   float64       `mapstructure:"commission_rate"` // e.g. 0.0005
	Paper            PaperConfig   `mapstructure:"paper"`
}

// RuntimeConfig drives the orchestrator's scheduling.
type RuntimeConfig struct {
	SessionWindows      []string      `mapstructure:"session_windows"` // e.g. ["09:10-13:00", "17:10-19:00"]
	ScanInterval        time.Duration `mapstructure:"scan_interval"`
	SignalCheckInterval time.Duration `mapstructure:"signal_check_interval"`
	RiskStatusInterval  time.Duration `mapstructure:"risk_status_interval"`
}

// StoreConfig sets where orders, positions and risk state are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ReportingConfig sets where session summaries are written.
type ReportingConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// StatusConfig controls the local status/health HTTP surface.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TelegramConfig enables push alerts. Token/ChatID come from
// TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID; alerts are disabled when unset.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: UPBIT_ACCESS_KEY, UPBIT_SECRET_KEY,
// UPBIT_TRADING_MODE, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("UPBIT")
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
	if key := os.Getenv("UPBIT_ACCESS_KEY"); key != "" {
		cfg.Exchange.AccessKey = key
	}
	if secret := os.Getenv("UPBIT_SECRET_KEY"); secret != "" {
		cfg.Exchange.SecretKey = secret
	}
	if mode := os.Getenv("UPBIT_TRADING_MODE"); mode != "" {
		cfg.Mode = Mode(mode)
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		var id int64
		if _, err := fmt.Sscanf(chat, "%d", &id); err == nil {
			cfg.Telegram.ChatID = id
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("exchange.base_url", "https://api.upbit.com")
	v.SetDefault("exchange.websocket_url", "wss://api.upbit.com/websocket/v1")
	v.SetDefault("exchange.timeout", "30s")
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_backoff", "3s")

	v.SetDefault("symbols.core", []string{"KRW-BTC", "KRW-ETH", "KRW-SOL"})
	v.SetDefault("symbols.exclude_warning", true)
	v.SetDefault("symbols.min_volume_krw", 5_000_000_000)
	v.SetDefault("symbols.max_markets_to_scan", 50)

	v.SetDefault("scanner.candle_unit", 5)
	v.SetDefault("scanner.candle_count", 200)
	v.SetDefault("scanner.rvol_threshold", 2.0)
	v.SetDefault("scanner.rvol_window", 20)
	v.SetDefault("scanner.spread_bp_max", 5)
	v.SetDefault("scanner.rs_window_minutes", 60)
	v.SetDefault("scanner.rs_reference", "KRW-BTC")
	v.SetDefault("scanner.ema_fast", 20)
	v.SetDefault("scanner.ema_slow", 50)
	v.SetDefault("scanner.weight_rs", 0.4)
	v.SetDefault("scanner.weight_rvol", 0.3)
	v.SetDefault("scanner.weight_trend", 0.2)
	v.SetDefault("scanner.weight_depth", 0.1)
	v.SetDefault("scanner.candidate_count", 3)
	v.SetDefault("scanner.min_score", 0.5)
	v.SetDefault("scanner.fan_out_limit", 3)

	v.SetDefault("signals.orb.use", true)
	v.SetDefault("signals.orb.box_window", "09:00-10:00")
	v.SetDefault("signals.orb.active_window", "10:00-13:00")
	v.SetDefault("signals.orb.breakout_atr_mult", 0.1)
	v.SetDefault("signals.orb.volume_spike_mult", 1.5)
	v.SetDefault("signals.orb.volume_lookback", 20)
	v.SetDefault("signals.svwap_pullback.use", true)
	v.SetDefault("signals.svwap_pullback.zone_atr_mult", 0.25)
	v.SetDefault("signals.svwap_pullback.require_ema_alignment", true)
	v.SetDefault("signals.svwap_pullback.min_pullback_pct", 0.5)
	v.SetDefault("signals.svwap_pullback.max_pullback_pct", 2.0)
	v.SetDefault("signals.sweep_reversal.use", false)
	v.SetDefault("signals.sweep_reversal.active_windows", []string{"10:30-12:30", "17:30-18:30"})
	v.SetDefault("signals.sweep_reversal.swing_lookback", 50)
	v.SetDefault("signals.sweep_reversal.penetration_atr_mult", 0.05)
	v.SetDefault("signals.sweep_reversal.recovery_time_minutes", 15)
	v.SetDefault("signals.sweep_reversal.volume_spike_mult", 2.0)

	v.SetDefault("risk.per_trade_risk_pct", 0.004)
	v.SetDefault("risk.min_position_krw", 10_000)
	v.SetDefault("risk.max_position_krw", 500_000)
	v.SetDefault("risk.daily_drawdown_stop_pct", 0.01)
	v.SetDefault("risk.consecutive_loss_stop", 2)
	v.SetDefault("risk.min_risk_reward_ratio", 1.0)

	v.SetDefault("orders.slippage_bp_max", 5)
	v.SetDefault("orders.time_in_force", "IOC")
	v.SetDefault("orders.min_order_krw", 5_000)
	v.SetDefault("orders.max_order_krw", 1_000_000)
	v.SetDefault("orders.fill_timeout", "300s")
	v.SetDefault("orders.fill_poll_interval", "1s")
	v.SetDefault("orders.commission_rate", 0.0005)
	v.SetDefault("orders.paper.starting_balance_krw", 1_000_000)
	v.SetDefault("orders.paper.fill_probability", 0.95)
	v.SetDefault("orders.paper.fill_delay_min_ms", 100)
	v.SetDefault("orders.paper.fill_delay_max_ms", 500)
	v.SetDefault("orders.paper.slippage_bp_min", 0)
	v.SetDefault("orders.paper.slippage_bp_max", 3)

	v.SetDefault("runtime.session_windows", []string{"09:10-13:00", "17:10-19:00"})
	v.SetDefault("runtime.scan_interval", "5m")
	v.SetDefault("runtime.signal_check_interval", "30s")
	v.SetDefault("runtime.risk_status_interval", "10m")

	v.SetDefault("store.data_dir", "runtime/data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("reporting.output_dir", "runtime/reports")
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8987)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be paper or live, got %q", c.Mode)
	}
	if c.Mode == ModeLive && (c.Exchange.AccessKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("live mode requires UPBIT_ACCESS_KEY and UPBIT_SECRET_KEY")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.MaxRetries < 0 || c.Exchange.MaxRetries > 10 {
		return fmt.Errorf("exchange.max_retries must be in [0,10]")
	}
	if c.Scanner.CandleUnit <= 0 {
		return fmt.Errorf("scanner.candle_unit must be > 0")
	}
	if c.Scanner.CandleCount <= 0 || c.Scanner.CandleCount > 200 {
		return fmt.Errorf("scanner.candle_count must be in (0,200]")
	}
	if c.Scanner.RSReference == "" {
		return fmt.Errorf("scanner.rs_reference is required")
	}
	sum := c.Scanner.WeightRS + c.Scanner.WeightRVOL + c.Scanner.WeightTrend + c.Scanner.WeightDepth
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("scanner score weights must sum to 1.0, got %.4f", sum)
	}
	if c.Scanner.CandidateCount < 1 {
		return fmt.Errorf("scanner.candidate_count must be >= 1")
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct > 0.05 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0, 0.05]")
	}
	if c.Risk.MinPositionKRW <= 0 || c.Risk.MaxPositionKRW < c.Risk.MinPositionKRW {
		return fmt.Errorf("risk position bounds invalid: min=%v max=%v",
			c.Risk.MinPositionKRW, c.Risk.MaxPositionKRW)
	}
	if c.Risk.DailyDrawdownStopPct <= 0 {
		return fmt.Errorf("risk.daily_drawdown_stop_pct must be > 0")
	}
	if c.Risk.ConsecutiveLossStop < 1 {
		return fmt.Errorf("risk.consecutive_loss_stop must be >= 1")
	}
	switch types.TimeInForce(c.Orders.TimeInForce) {
	case types.TIFIOC, types.TIFFOK, types.TIFGTC:
	default:
		return fmt.Errorf("orders.time_in_force must be IOC, FOK or GTC")
	}
	if p := c.Orders.Paper.FillProbability; p < 0 || p > 1 {
		return fmt.Errorf("orders.paper.fill_probability must be in [0,1]")
	}
	if len(c.Runtime.SessionWindows) == 0 {
		return fmt.Errorf("runtime.session_windows must not be empty")
	}
	for _, w := range append(append([]string{}, c.Runtime.SessionWindows...), c.Signals.ORB.BoxWindow, c.Signals.ORB.ActiveWindow) {
		if _, err := types.ParseWindow(w); err != nil {
			return err
		}
	}
	for _, w := range c.Signals.Sweep.ActiveWindows {
		if _, err := types.ParseWindow(w); err != nil {
			return err
		}
	}
	return nil
}

// SessionWindows parses the configured trading session windows.
// Call after Validate.
func (c *Config) SessionWindows() []types.Window {
	windows := make([]types.Window, 0, len(c.Runtime.SessionWindows))
	for _, s := range c.Runtime.SessionWindows {
		if w, err := types.ParseWindow(s); err == nil {
			windows = append(windows, w)
		}
	}
	return windows
}
