// Package engine is the central orchestrator of the trading automaton.
//
// It wires together all subsystems:
//
//  1. Scanner ranks KRW markets and hands back the top candidates with
//     their candle batches and feature vectors.
//  2. The ticker feed keeps a quote cache fresh for candidates and open
//     positions between scans.
//  3. The strategy manager generates at most one signal per candidate
//     per tick; the risk guard sizes it or rejects it.
//  4. The order book routes approved trades through the paper or live
//     executor and monitors the resulting bracket.
//  5. Guard alerts are forwarded to the Telegram notifier.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/internal/exchange"
	"upbit-intraday/internal/market"
	"upbit-intraday/internal/notify"
	"upbit-intraday/internal/order"
	"upbit-intraday/internal/risk"
	"upbit-intraday/internal/store"
	"upbit-intraday/internal/strategy"
	"upbit-intraday/pkg/types"
)

const (
	// Tripwire on the position monitor: the bracket levels from the
	// signal are authoritative, these catch a runaway move between ticks.
	adverseWarnPct  = 0.05
	adverseClosePct = 0.10

	scanRetryDelay = time.Minute
	quoteMaxAge    = 2 * time.Minute
)

// Status is a point-in-time view of the engine for the status surface.
type Status struct {
	Mode          string            `json:"mode"`
	StartedAt     time.Time         `json:"started_at"`
	UptimeSecs    float64           `json:"uptime_secs"`
	InSession     bool              `json:"in_session"`
	TradingPaused bool              `json:"trading_paused"`
	ScansRun      int               `json:"scans_run"`
	Signals       int               `json:"signals_generated"`
	TradesOpened  int               `json:"trades_opened"`
	NextScanAt    time.Time         `json:"next_scan_at"`
	LastScan      *market.ScanResult `json:"last_scan,omitempty"`
	Positions     []types.Position  `json:"positions"`
	Risk          risk.Status       `json:"risk"`
}

// candidateSource is the slice of the scanner the engine consumes.
type candidateSource interface {
	Scan(ctx context.Context) (*market.ScanResult, error)
	Refresh(ctx context.Context, market string) (*market.Candidate, error)
}

// tickerSource prices open positions when the feed quote is stale.
type tickerSource interface {
	GetTickers(ctx context.Context, markets []string) ([]types.Ticker, error)
}

// Engine orchestrates all components of the trading system.
// It owns the lifecycle of all goroutines.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	feed     *exchange.TickerFeed
	quotes   *market.QuoteCache
	scanner  candidateSource
	tickers  tickerSource
	signals  *strategy.Manager
	sweep    *strategy.Sweep // nil when the strategy is disabled
	guard    *risk.Guard
	book     *order.Book
	store    *store.Store
	notifier *notify.Notifier
	logger   *slog.Logger

	sessions []types.Window

	// Scan state, owned by the run loop; mutex covers status readers.
	mu         sync.RWMutex
	candidates []market.Candidate
	lastScan   *market.ScanResult
	nextScanAt   time.Time
	scansRun     int
	signalsSeen  int
	tradesOpened int
	startedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components and restores persisted
// state. notifier may be nil.
func New(cfg config.Config, notifier *notify.Notifier, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(cfg.Exchange)
	client := exchange.NewClient(cfg.Exchange, auth, logger)
	feed := exchange.NewTickerFeed(cfg.Exchange.WebsocketURL, logger)

	st, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, err
	}

	guard := risk.NewGuard(cfg.Risk, st, logger)
	daily, err := st.LoadDailyRisk()
	if err != nil {
		return nil, err
	}
	marketRisk, err := st.LoadMarketRisk()
	if err != nil {
		return nil, err
	}
	guard.Restore(daily, marketRisk)

	var exec order.Executor
	if cfg.Mode == config.ModeLive {
		exec = order.NewLive(client, cfg.Orders, logger)
	} else {
		exec = order.NewPaper(cfg.Orders, logger)
	}
	book := order.NewBook(cfg.Orders, exec, st, logger)
	positions, err := st.LoadPositions()
	if err != nil {
		return nil, err
	}
	book.Restore(positions)

	sessions := cfg.SessionWindows()

	var strategies []strategy.Strategy
	var sweep *strategy.Sweep
	if cfg.Signals.ORB.Use {
		strategies = append(strategies, strategy.NewORB(cfg.Signals.ORB, logger))
	}
	if cfg.Signals.SVWAP.Use {
		strategies = append(strategies, strategy.NewSVWAP(cfg.Signals.SVWAP, sessions, logger))
	}
	if cfg.Signals.Sweep.Use {
		sweep = strategy.NewSweep(cfg.Signals.Sweep, logger)
		strategies = append(strategies, sweep)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		client:   client,
		feed:     feed,
		quotes:   market.NewQuoteCache(),
		scanner:  market.NewScanner(client, cfg, logger),
		tickers:  client,
		signals:  strategy.NewManager(strategies, logger),
		sweep:    sweep,
		guard:    guard,
		book:     book,
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches all background goroutines: the ticker feed, the quote
// cache, the alert forwarder and the main loop.
func (e *Engine) Start() error {
	e.startedAt = types.NowKST()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("ticker feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.quotes.Run(e.ctx, e.feed.Tickers())
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.forwardAlerts()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	if e.cfg.Mode == config.ModeLive {
		e.logger.Warn("live exits are client-side monitored; the venue has no native stop orders")
	}
	e.logger.Info("engine started", "mode", e.cfg.Mode)
	return nil
}

// Stop gracefully shuts down: cancels all goroutines, waits for them,
// writes the session summary, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	if err := e.writeSummary(); err != nil {
		e.logger.Error("failed to write session summary", "error", err)
	}

	e.feed.Close()
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// Snapshot returns the current engine state for the status surface.
func (e *Engine) Snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := types.NowKST()
	return Status{
		Mode:          string(e.cfg.Mode),
		StartedAt:     e.startedAt,
		UptimeSecs:    now.Sub(e.startedAt).Seconds(),
		InSession:     e.inSession(now),
		TradingPaused: e.guard.TradingPaused(),
		ScansRun:      e.scansRun,
		Signals:       e.signalsSeen,
		TradesOpened:  e.tradesOpened,
		NextScanAt:    e.nextScanAt,
		LastScan:      e.lastScan,
		Positions:     e.book.AllPositions(),
		Risk:          e.guard.Status(),
	}
}

// RiskStatus exposes the guard snapshot for the status surface.
func (e *Engine) RiskStatus() risk.Status {
	return e.guard.Status()
}

// ActivePositions exposes open positions for the status surface.
func (e *Engine) ActivePositions() []types.Position {
	return e.book.ActivePositions()
}

// run is the main loop: one tick per signal check interval.
func (e *Engine) run() {
	e.refreshBalance()
	e.tick()

	interval := e.cfg.Runtime.SignalCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	riskLogInterval := e.cfg.Runtime.RiskStatusInterval
	if riskLogInterval <= 0 {
		riskLogInterval = 10 * time.Minute
	}
	riskTicker := time.NewTicker(riskLogInterval)
	defer riskTicker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		case <-riskTicker.C:
			e.logRiskStatus()
		}
	}
}

// tick runs one orchestration pass: scan when due, supervise open
// positions, then evaluate candidates for new entries.
func (e *Engine) tick() {
	now := types.NowKST()

	e.mu.RLock()
	scanDue := !now.Before(e.nextScanAt)
	e.mu.RUnlock()
	if scanDue {
		e.runScan(now)
	}

	e.monitorPositions(now)

	if !e.inSession(now) {
		return
	}
	if e.guard.TradingPaused() {
		return
	}
	e.evaluateCandidates(now)
}

func (e *Engine) inSession(now time.Time) bool {
	for _, w := range e.sessions {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// refreshBalance pulls the live KRW balance, or seeds the paper balance
// on the first run of the day.
func (e *Engine) refreshBalance() {
	if e.cfg.Mode == config.ModeLive {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Exchange.Timeout)
		defer cancel()
		accounts, err := e.client.GetAccounts(ctx)
		if err != nil {
			e.logger.Error("balance refresh failed", "error", err)
			return
		}
		e.guard.UpdateBalance(exchange.KRWBalance(accounts))
		return
	}

	balance := e.guard.Status().Balance
	if balance <= 0 {
		balance = e.cfg.Orders.Paper.StartingBalanceKRW
	}
	e.guard.UpdateBalance(balance)
}

// runScan refreshes the candidate set and retargets the ticker feed.
func (e *Engine) runScan(now time.Time) {
	e.refreshBalance()

	result, err := e.scanner.Scan(e.ctx)
	if err != nil {
		e.logger.Error("scan failed", "error", err)
		e.mu.Lock()
		e.nextScanAt = now.Add(scanRetryDelay)
		e.mu.Unlock()
		return
	}

	interval := e.cfg.Runtime.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	e.mu.Lock()
	prev := e.candidates
	e.candidates = result.Candidates
	e.lastScan = result
	e.nextScanAt = now.Add(interval)
	e.scansRun++
	e.mu.Unlock()

	// Sweep state is only meaningful while the market stays a candidate
	if e.sweep != nil {
		current := make(map[string]bool, len(result.Candidates))
		for _, c := range result.Candidates {
			current[c.Market] = true
		}
		for _, c := range prev {
			if !current[c.Market] {
				e.sweep.Cleanup(c.Market, now)
			}
		}
	}

	e.retargetFeed(result.Candidates)
}

// retargetFeed subscribes the ticker feed to the candidates plus every
// market with an open position.
func (e *Engine) retargetFeed(candidates []market.Candidate) {
	seen := make(map[string]bool)
	var markets []string
	for _, c := range candidates {
		if !seen[c.Market] {
			seen[c.Market] = true
			markets = append(markets, c.Market)
		}
	}
	for _, p := range e.book.ActivePositions() {
		if !seen[p.Market] {
			seen[p.Market] = true
			markets = append(markets, p.Market)
		}
	}
	if len(markets) == 0 {
		return
	}
	if err := e.feed.Subscribe(markets); err != nil {
		e.logger.Warn("feed subscribe failed", "markets", len(markets), "error", err)
	}
}

// monitorPositions marks open positions to the freshest price and exits
// them when the bracket or a tripwire fires.
func (e *Engine) monitorPositions(now time.Time) {
	positions := e.book.ActivePositions()
	if len(positions) == 0 {
		return
	}
	prices := e.positionPrices(positions)

	for _, pos := range positions {
		price, ok := prices[pos.Market]
		if !ok {
			continue
		}
		e.book.MarkPrice(pos.Market, price)

		reason := exitReason(&pos, price)
		if reason == "" {
			if pct := adversePct(&pos, price); pct >= adverseWarnPct {
				e.logger.Warn("position under water",
					"market", pos.Market,
					"adverse_pct", pct,
					"price", price,
				)
			}
			continue
		}

		pnl, err := e.book.ClosePosition(e.ctx, pos.Market, price, reason)
		if err != nil {
			e.logger.Error("exit failed", "market", pos.Market, "reason", reason, "error", err)
			continue
		}
		e.guard.RecordTradeResult(pos.Market, pnl)
		e.notify("info", "Position closed",
			fmt.Sprintf("%s %s at %.2f, PnL %.0f KRW", pos.Market, reason, price, pnl))
	}
}

// positionPrices returns the freshest price per open position: the feed
// quote when fresh, otherwise one REST ticker batch for the stale
// markets. Stops must keep firing with the feed down.
func (e *Engine) positionPrices(positions []types.Position) map[string]float64 {
	prices := make(map[string]float64, len(positions))
	var stale []string
	for _, pos := range positions {
		if tick, ok := e.quotes.Latest(pos.Market); ok && !e.quotes.IsStale(pos.Market, quoteMaxAge) {
			prices[pos.Market] = tick.TradePrice
			continue
		}
		stale = append(stale, pos.Market)
	}
	if len(stale) == 0 {
		return prices
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Exchange.Timeout)
	defer cancel()
	tickers, err := e.tickers.GetTickers(ctx, stale)
	if err != nil {
		e.logger.Warn("ticker fallback failed", "markets", stale, "error", err)
		return prices
	}
	for _, t := range tickers {
		prices[t.Market] = t.TradePrice
	}
	return prices
}

// exitReason decides whether the position must be closed at price.
func exitReason(pos *types.Position, price float64) string {
	long := pos.Side == types.Buy
	switch {
	case long && pos.StopPrice > 0 && price <= pos.StopPrice:
		return "stop"
	case long && pos.TargetPrice > 0 && price >= pos.TargetPrice:
		return "target"
	case !long && pos.StopPrice > 0 && price >= pos.StopPrice:
		return "stop"
	case !long && pos.TargetPrice > 0 && price <= pos.TargetPrice:
		return "target"
	}
	if adversePct(pos, price) >= adverseClosePct {
		return "emergency"
	}
	return ""
}

// adversePct is the open loss as a fraction of the entry notional,
// zero when the position is in profit.
func adversePct(pos *types.Position, price float64) float64 {
	notional := pos.EntryPrice * pos.Quantity
	if notional <= 0 {
		return 0
	}
	if pnl := pos.PnLAt(price); pnl < 0 {
		return -pnl / notional
	}
	return 0
}

// evaluateCandidates re-fetches each candidate's bars, asks the
// strategy manager for the best signal and routes approved ones to the
// executor.
func (e *Engine) evaluateCandidates(now time.Time) {
	e.mu.RLock()
	candidates := e.candidates
	e.mu.RUnlock()

	for _, c := range candidates {
		if e.book.HasActivePosition(c.Market) || e.guard.IsBanned(c.Market) {
			continue
		}

		// Strategies need current bars: the scan-time batch is up to a
		// scan interval old by now.
		refreshed, err := e.scanner.Refresh(e.ctx, c.Market)
		if err != nil {
			e.logger.Warn("candidate refresh failed", "market", c.Market, "error", err)
			continue
		}
		c = *refreshed

		price, volume, ok := e.latestQuote(c)
		if !ok {
			continue
		}

		sig := e.signals.Best(strategy.Input{
			Market:   c.Market,
			Candles:  c.Candles,
			Price:    price,
			Volume:   volume,
			Features: c.Features,
			Now:      now,
		})
		if sig == nil {
			continue
		}
		e.mu.Lock()
		e.signalsSeen++
		e.mu.Unlock()

		assessment := e.guard.AssessTrade(sig)
		if !assessment.Allowed {
			continue
		}
		for _, w := range assessment.Warnings {
			e.logger.Warn("trade warning", "market", c.Market, "warning", w)
		}

		pos, err := e.book.ExecuteSignalTrade(e.ctx, sig, assessment.Trade)
		if err != nil {
			e.logger.Error("trade execution failed", "market", c.Market, "error", err)
			continue
		}
		if pos != nil {
			e.mu.Lock()
			e.tradesOpened++
			e.mu.Unlock()
			e.notify("info", "Position opened",
				fmt.Sprintf("%s %s %s: %.8g @ %.2f (stop %.2f, target %.2f)",
					pos.Market, sig.Kind, sig.Direction, pos.Quantity, pos.EntryPrice,
					pos.StopPrice, pos.TargetPrice))
		}
	}
}

// latestQuote returns the freshest price/volume for a candidate,
// falling back to the last scanned candle.
func (e *Engine) latestQuote(c market.Candidate) (price, volume float64, ok bool) {
	if tick, found := e.quotes.Latest(c.Market); found && !e.quotes.IsStale(c.Market, quoteMaxAge) {
		return tick.TradePrice, tick.TradeVolume, true
	}
	if n := len(c.Candles); n > 0 {
		last := c.Candles[n-1]
		return last.Close, last.Volume, true
	}
	return 0, 0, false
}

// forwardAlerts relays guard alerts to the notifier.
func (e *Engine) forwardAlerts() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case a := <-e.guard.Alerts():
			e.notify(a.Level, a.Title, a.Message)
		}
	}
}

func (e *Engine) notify(level, title, message string) {
	e.notifier.Send(level, title, message)
}

func (e *Engine) logRiskStatus() {
	st := e.guard.Status()
	e.logger.Info("risk status",
		"balance", st.Balance,
		"daily_pnl", st.Daily.DailyPnL,
		"daily_pnl_pct", st.Daily.DailyPnLPct,
		"trades_today", st.Daily.TradesToday,
		"banned_markets", st.BannedMarkets,
		"trading_paused", st.TradingPaused,
	)
}

// writeSummary dumps the session outcome to the reporting directory.
func (e *Engine) writeSummary() error {
	dir := e.cfg.Reporting.OutputDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	snap := e.Snapshot()
	summary := struct {
		Status
		EndedAt time.Time `json:"ended_at"`
	}{Status: snap, EndedAt: types.NowKST()}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("trading_summary_%s.json", types.NowKST().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	e.logger.Info("session summary written", "path", path)
	return nil
}
