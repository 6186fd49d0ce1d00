// Package risk is the stateful gatekeeper in front of the executor.
//
// The Guard tracks the account balance, one DailyRisk record per trading
// date and a MarketRisk record per market ever traded. It sizes positions
// from the per-trade risk budget, rejects trades when the daily drawdown
// limit has fired or the market is under a consecutive-loss ban, and
// emits alerts on an internal channel the orchestrator forwards to the
// notifier. A rejection is a decision, not an error.
//
// All mutating calls are serialized by the orchestrator tick; the mutex
// exists for concurrent readers (status endpoint).
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

// Alert levels.
const (
	AlertInfo     = "info"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is an operator notification emitted by the guard.
type Alert struct {
	Level   string
	Title   string
	Message string
}

// Persister flushes risk state after mutations. May be nil in tests.
type Persister interface {
	SaveDailyRisk(d *types.DailyRisk) error
	SaveMarketRisk(m map[string]*types.MarketRisk) error
}

// Status is a point-in-time copy of the guard's state.
type Status struct {
	Balance       float64         `json:"balance"`
	Daily         types.DailyRisk `json:"daily"`
	BannedMarkets []string        `json:"banned_markets"`
	TradingPaused bool            `json:"trading_paused"` // ddl hit
}

// Guard enforces sizing and loss limits.
type Guard struct {
	cfg     config.RiskConfig
	persist Persister
	logger  *slog.Logger

	mu      sync.RWMutex
	balance float64
	daily   *types.DailyRisk
	markets map[string]*types.MarketRisk

	alertCh chan Alert
}

// NewGuard creates a risk guard. persist may be nil.
func NewGuard(cfg config.RiskConfig, persist Persister, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:     cfg,
		persist: persist,
		logger:  logger.With("component", "risk"),
		markets: make(map[string]*types.MarketRisk),
		alertCh: make(chan Alert, 10),
	}
}

// Restore loads previously persisted state. Call before the first tick.
func (g *Guard) Restore(daily *types.DailyRisk, markets map[string]*types.MarketRisk) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if daily != nil {
		g.daily = daily
		g.balance = daily.CurrentBalance
	}
	if markets != nil {
		g.markets = markets
	}
}

// Alerts returns the channel the orchestrator forwards to the notifier.
func (g *Guard) Alerts() <-chan Alert {
	return g.alertCh
}

// UpdateBalance records a fresh account balance. A new trading date
// rolls the daily record over; otherwise PnL is recomputed and the
// daily drawdown limit checked. Idempotent for a repeated balance.
func (g *Guard) UpdateBalance(balance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := types.TradingDate(types.NowKST())
	if g.daily == nil || g.daily.Date != today {
		g.daily = &types.DailyRisk{
			Date:            today,
			StartingBalance: balance,
			CurrentBalance:  balance,
			MaxDailyLoss:    g.cfg.DailyDrawdownStopPct,
		}
		g.balance = balance
		g.logger.Info("daily risk rolled over", "date", today, "starting_balance", balance)
		g.flushDaily()
		return
	}

	g.balance = balance
	g.daily.CurrentBalance = balance
	g.daily.DailyPnL = balance - g.daily.StartingBalance
	if g.daily.StartingBalance > 0 {
		g.daily.DailyPnLPct = g.daily.DailyPnL / g.daily.StartingBalance
	}

	if g.daily.DailyPnLPct <= -g.cfg.DailyDrawdownStopPct && !g.daily.DDLHit {
		g.daily.DDLHit = true
		g.logger.Error("daily drawdown limit hit",
			"daily_pnl_pct", g.daily.DailyPnLPct,
			"limit", -g.cfg.DailyDrawdownStopPct,
		)
		g.emit(Alert{
			Level: AlertCritical,
			Title: "Daily drawdown limit hit",
			Message: fmt.Sprintf("daily PnL %.2f%% breached the %.2f%% stop; trading paused for %s",
				g.daily.DailyPnLPct*100, -g.cfg.DailyDrawdownStopPct*100, g.daily.Date),
		})
	}
	g.flushDaily()
}

// PositionSize sizes a trade from the risk budget. riskPct <= 0 uses the
// configured per-trade default.
func (g *Guard) PositionSize(entry, stop, riskPct float64) (*types.TradeRisk, bool, error) {
	g.mu.RLock()
	balance := g.balance
	g.mu.RUnlock()

	if riskPct <= 0 {
		riskPct = g.cfg.PerTradeRiskPct
	}
	riskPerUnit := math.Abs(entry - stop)
	if riskPerUnit <= 0 {
		return nil, false, fmt.Errorf("position size: entry equals stop")
	}
	if entry <= 0 {
		return nil, false, fmt.Errorf("position size: invalid entry %v", entry)
	}

	maxRisk := balance * riskPct
	qty := maxRisk / riskPerUnit

	clamped := false
	notional := qty * entry
	if notional > g.cfg.MaxPositionKRW {
		qty = g.cfg.MaxPositionKRW / entry
		clamped = true
	} else if notional < g.cfg.MinPositionKRW {
		qty = g.cfg.MinPositionKRW / entry
		clamped = true
	}

	actualRisk := qty * riskPerUnit
	return &types.TradeRisk{
		Entry:       entry,
		Stop:        stop,
		Quantity:    qty,
		RiskKRW:     actualRisk,
		RiskPct:     riskPct,
		MaxNotional: qty * entry,
	}, clamped, nil
}

// AssessTrade approves or rejects a signal, sizing it on approval.
// Expired bans auto-clear here (loss streak resets).
func (g *Guard) AssessTrade(sig *types.Signal) types.RiskAssessment {
	g.mu.Lock()
	g.clearExpiredBansLocked()

	var reasons, warnings []string

	if g.daily != nil && g.daily.DDLHit {
		reasons = append(reasons, "daily drawdown limit hit")
	}
	if mr, ok := g.markets[sig.Market]; ok {
		if mr.Banned {
			reasons = append(reasons, fmt.Sprintf("market banned until %s", mr.BanExpiry))
		} else if mr.ConsecutiveLosses >= 1 {
			warnings = append(warnings, fmt.Sprintf("%d consecutive losses", mr.ConsecutiveLosses))
		}
	}
	if g.balance <= 0 {
		reasons = append(reasons, "no available balance")
	}
	g.mu.Unlock()

	_, reward, rr := sig.RiskReward()
	if rr < g.cfg.MinRiskRewardRatio {
		reasons = append(reasons, fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, g.cfg.MinRiskRewardRatio))
	}

	if len(reasons) > 0 {
		g.logger.Info("trade rejected",
			"market", sig.Market,
			"kind", sig.Kind,
			"reasons", reasons,
		)
		return types.RiskAssessment{Allowed: false, Reasons: reasons}
	}

	trade, clamped, err := g.PositionSize(sig.Entry, sig.Stop, 0)
	if err != nil {
		return types.RiskAssessment{Allowed: false, Reasons: []string{err.Error()}}
	}
	if clamped {
		warnings = append(warnings, "position size clamped to notional bounds")
	}
	trade.Market = sig.Market
	trade.RewardKRW = trade.Quantity * reward
	trade.RRRatio = rr

	return types.RiskAssessment{Allowed: true, Warnings: warnings, Trade: trade}
}

// RecordTradeResult folds a completed trade into the per-market streaks
// and the balance. The second consecutive loss bans the market until the
// next trading day.
func (g *Guard) RecordTradeResult(market string, pnl float64) {
	g.mu.Lock()

	mr, ok := g.markets[market]
	if !ok {
		mr = &types.MarketRisk{Market: market}
		g.markets[market] = mr
	}
	mr.TotalTrades++

	today := types.NowKST()
	if pnl >= 0 {
		mr.WinningTrades++
		mr.ConsecutiveLosses = 0
	} else {
		mr.LosingTrades++
		mr.ConsecutiveLosses++
		mr.LastLossDate = types.TradingDate(today)
		if mr.ConsecutiveLosses >= g.cfg.ConsecutiveLossStop && !mr.Banned {
			mr.Banned = true
			mr.BanExpiry = types.TradingDate(today.AddDate(0, 0, 1))
			g.logger.Warn("market banned after consecutive losses",
				"market", market,
				"losses", mr.ConsecutiveLosses,
				"ban_expiry", mr.BanExpiry,
			)
			g.emit(Alert{
				Level:   AlertWarning,
				Title:   "Market cooldown",
				Message: fmt.Sprintf("%s banned after %d consecutive losses, until %s", market, mr.ConsecutiveLosses, mr.BanExpiry),
			})
		}
	}

	if g.daily != nil {
		g.daily.TradesToday++
		if pnl >= 0 {
			g.daily.WinningTrades++
		} else {
			g.daily.LosingTrades++
		}
	}

	balance := g.balance + pnl
	g.flushMarkets()
	g.mu.Unlock()

	g.UpdateBalance(balance)
}

// ClearExpiredBans lifts bans whose expiry date has passed. Idempotent.
func (g *Guard) ClearExpiredBans() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearExpiredBansLocked()
}

func (g *Guard) clearExpiredBansLocked() {
	today := types.TradingDate(types.NowKST())
	changed := false
	for _, mr := range g.markets {
		// ISO dates compare lexicographically
		if mr.Banned && mr.BanExpiry != "" && mr.BanExpiry <= today {
			mr.Banned = false
			mr.BanExpiry = ""
			mr.ConsecutiveLosses = 0
			changed = true
			g.logger.Info("market ban expired", "market", mr.Market)
		}
	}
	if changed {
		g.flushMarkets()
	}
}

// IsBanned reports whether a market is currently under an unexpired ban.
func (g *Guard) IsBanned(market string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearExpiredBansLocked()
	mr, ok := g.markets[market]
	return ok && mr.Banned
}

// TradingPaused reports whether the daily drawdown stop has fired.
func (g *Guard) TradingPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.daily != nil && g.daily.DDLHit
}

// Status returns a snapshot for the status surface and periodic logs.
func (g *Guard) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Status{Balance: g.balance}
	if g.daily != nil {
		st.Daily = *g.daily
		st.TradingPaused = g.daily.DDLHit
	}
	for m, mr := range g.markets {
		if mr.Banned {
			st.BannedMarkets = append(st.BannedMarkets, m)
		}
	}
	sort.Strings(st.BannedMarkets)
	return st
}

func (g *Guard) emit(a Alert) {
	select {
	case g.alertCh <- a:
	default:
		// Drain the stale alert so the latest always gets through
		select {
		case <-g.alertCh:
		default:
		}
		g.alertCh <- a
	}
}

func (g *Guard) flushDaily() {
	if g.persist == nil || g.daily == nil {
		return
	}
	if err := g.persist.SaveDailyRisk(g.daily); err != nil {
		g.logger.Error("persist daily risk", "error", err)
	}
}

func (g *Guard) flushMarkets() {
	if g.persist == nil {
		return
	}
	if err := g.persist.SaveMarketRisk(g.markets); err != nil {
		g.logger.Error("persist market risk", "error", err)
	}
}
