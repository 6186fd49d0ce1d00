// Upbit intraday trader — a rule-based automaton for KRW spot markets.
//
// Architecture:
//
//	main.go             — CLI: scan / run / status / health / monitor subcommands
//	engine/engine.go    — orchestrator: scan → signal → risk → execution loop
//	market/scanner.go   — ranks KRW markets by RS, RVOL, trend and depth
//	market/candles.go   — candle batch validation, gap fill, quality score
//	strategy/           — ORB, sVWAP-pullback and sweep-reversal signals
//	risk/guard.go       — position sizing, daily drawdown stop, symbol bans
//	order/              — paper and live executors behind one position book
//	exchange/           — Upbit REST client, JWT auth, ticker WebSocket
//	store/store.go      — JSON file persistence (survives restarts)
//
// How it trades:
//
//	Every scan interval the scanner ranks the KRW universe and keeps the
//	top candidates. Every signal tick the strategies look for an entry on
//	each candidate; the risk guard sizes approved signals from the daily
//	budget and the executor brackets the fill with the signal's stop and
//	target. Two consecutive losses bench a market for a day; a daily
//	drawdown past the stop pauses trading until the next session.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"upbit-intraday/internal/api"
	"upbit-intraday/internal/config"
	"upbit-intraday/internal/engine"
	"upbit-intraday/internal/exchange"
	"upbit-intraday/internal/market"
	"upbit-intraday/internal/notify"
)

var version = "dev"

var (
	cfgPath  string
	modeFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "trader",
		Short:         "Rule-based intraday trader for Upbit KRW markets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := "configs/config.yaml"
	if p := os.Getenv("UPBIT_CONFIG"); p != "" {
		defaultConfig = p
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfig, "config file path")
	root.PersistentFlags().StringVar(&modeFlag, "mode", "", "override trading mode (paper|live)")

	root.AddCommand(newScanCmd(), newRunCmd(), newStatusCmd(), newHealthCmd(),
		newMonitorCmd(), newBacktestCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads .env, the YAML config and the mode override, then
// builds the logger from the logging section.
func loadConfig() (*config.Config, *slog.Logger, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if modeFlag != "" {
		cfg.Mode = config.Mode(modeFlag)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return cfg, slog.New(handler), nil
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one market scan and print the ranked candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			auth := exchange.NewAuth(cfg.Exchange)
			client := exchange.NewClient(cfg.Exchange, auth, logger)
			scanner := market.NewScanner(client, *cfg, logger)

			result, err := scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("scan %s: universe %d, scanned %d, passed %d (%.1fs)\n",
				result.ScanID, result.Universe, result.Scanned, result.Passed,
				result.Duration.Seconds())
			for i, c := range result.Candidates {
				f := c.Features
				fmt.Printf("%2d. %-10s score %.3f  rs %+.4f  rvol %.2f  trend %d  spread %.1fbp\n",
					i+1, c.Market, f.FinalScore, f.RS, f.RVOL, f.Trend, f.SpreadBP)
			}
			if len(result.Candidates) == 0 {
				fmt.Println("no candidates passed the filters")
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		duration time.Duration
		liveAck  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Mode == config.ModeLive && !liveAck {
				return fmt.Errorf("live mode places real orders; confirm with --yes-i-know")
			}

			notifier, err := notify.New(cfg.Telegram, logger)
			if err != nil {
				return err
			}

			eng, err := engine.New(*cfg, notifier, logger)
			if err != nil {
				return err
			}

			var apiServer *api.Server
			if cfg.Status.Enabled {
				apiServer = api.NewServer(cfg.Status, eng, logger)
				go func() {
					if err := apiServer.Start(); err != nil {
						logger.Error("status server failed", "error", err)
					}
				}()
			}

			if err := eng.Start(); err != nil {
				return err
			}
			logger.Info("trader started",
				"version", version,
				"mode", cfg.Mode,
				"sessions", cfg.Runtime.SessionWindows,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			var timeout <-chan time.Time
			if duration > 0 {
				timeout = time.After(duration)
			}
			select {
			case sig := <-sigCh:
				logger.Info("received shutdown signal", "signal", sig.String())
			case <-timeout:
				logger.Info("run duration elapsed", "duration", duration)
			}

			if apiServer != nil {
				if err := apiServer.Stop(); err != nil {
					logger.Error("failed to stop status server", "error", err)
				}
			}
			eng.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = run until signal)")
	cmd.Flags().BoolVar(&liveAck, "yes-i-know", false, "acknowledge that live mode places real orders")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running trader",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return fetchLocal(cfg.Status.Port, "/api/status")
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the health endpoint of a running trader",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return fetchLocal(cfg.Status.Port, "/health")
		},
	}
}

func newMonitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll a running trader and print a status line per interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			for {
				printStatusLine(cfg.Status.Port)
				select {
				case <-sigCh:
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "poll interval")
	return cmd
}

func newBacktestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backtest",
		Short: "Historical replay (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("backtesting over historical replay is not supported")
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the trader version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("trader", version)
		},
	}
}

// printStatusLine prints one compact line from the local status server.
func printStatusLine(port int) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", port))
	if err != nil {
		fmt.Printf("%s  unreachable: %v\n", time.Now().Format("15:04:05"), err)
		return
	}
	defer resp.Body.Close()

	var st struct {
		Mode          string `json:"mode"`
		InSession     bool   `json:"in_session"`
		TradingPaused bool   `json:"trading_paused"`
		ScansRun      int    `json:"scans_run"`
		Positions     []any  `json:"positions"`
		Risk          struct {
			Balance float64 `json:"balance"`
			Daily   struct {
				DailyPnL float64 `json:"daily_pnl"`
			} `json:"daily"`
		} `json:"risk"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Printf("%s  bad response: %v\n", time.Now().Format("15:04:05"), err)
		return
	}
	fmt.Printf("%s  mode=%s session=%t paused=%t scans=%d positions=%d balance=%.0f pnl=%.0f\n",
		time.Now().Format("15:04:05"), st.Mode, st.InSession, st.TradingPaused,
		st.ScansRun, len(st.Positions), st.Risk.Balance, st.Risk.Daily.DailyPnL)
}

// fetchLocal prints a pretty-printed JSON document from the local
// status server.
func fetchLocal(port int, path string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		return fmt.Errorf("is the trader running with status.enabled? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
