package risk

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		PerTradeRiskPct:      0.01,
		MinPositionKRW:       5_000,
		MaxPositionKRW:       1_000_000,
		DailyDrawdownStopPct: 0.05,
		ConsecutiveLossStop:  2,
		MinRiskRewardRatio:   1.0,
	}
}

// countingPersister records flush calls.
type countingPersister struct {
	dailySaves  int
	marketSaves int
}

func (p *countingPersister) SaveDailyRisk(d *types.DailyRisk) error {
	p.dailySaves++
	return nil
}

func (p *countingPersister) SaveMarketRisk(m map[string]*types.MarketRisk) error {
	p.marketSaves++
	return nil
}

func testSignal(entry, stop, target float64) *types.Signal {
	return &types.Signal{
		Kind:       types.SignalORB,
		Market:     "KRW-TEST",
		Direction:  types.Long,
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		Confidence: 0.7,
	}
}

func TestPositionSizeFromRiskBudget(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	// 1% of 1,000,000 = 10,000 KRW at risk; 1,000 KRW per unit -> qty 10
	trade, clamped, err := g.PositionSize(50_000, 49_000, 0.01)
	if err != nil {
		t.Fatalf("position size: %v", err)
	}
	if clamped {
		t.Error("500,000 KRW notional should not be clamped")
	}
	if math.Abs(trade.Quantity-10) > 1e-9 {
		t.Errorf("quantity = %v, want 10", trade.Quantity)
	}
	if math.Abs(trade.RiskKRW-10_000) > 1e-6 {
		t.Errorf("risk = %v, want 10000", trade.RiskKRW)
	}
}

func TestPositionSizeClampsToMaxNotional(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	// Tight stop inflates the raw size: 10,000 / 10 = 1,000 units at 50,000
	// each is 50M KRW notional, clamped to the 1M ceiling
	trade, clamped, err := g.PositionSize(50_000, 49_990, 0.01)
	if err != nil {
		t.Fatalf("position size: %v", err)
	}
	if !clamped {
		t.Error("expected clamping at the max notional")
	}
	if math.Abs(trade.MaxNotional-1_000_000) > 1e-6 {
		t.Errorf("notional = %v, want 1000000", trade.MaxNotional)
	}
}

func TestPositionSizeRejectsZeroStopDistance(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	if _, _, err := g.PositionSize(50_000, 50_000, 0.01); err == nil {
		t.Error("entry equal to stop must error")
	}
}

func TestDailyDrawdownStopsTrading(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)
	g.UpdateBalance(940_000) // -6% versus the -5% stop

	if !g.TradingPaused() {
		t.Fatal("drawdown past the stop must pause trading")
	}

	select {
	case a := <-g.Alerts():
		if a.Level != AlertCritical {
			t.Errorf("alert level = %q, want critical", a.Level)
		}
	default:
		t.Error("expected a critical alert on the channel")
	}

	got := g.AssessTrade(testSignal(50_000, 49_000, 52_000))
	if got.Allowed {
		t.Error("trade allowed after the daily drawdown stop")
	}
}

func TestDrawdownAlertFiresOnce(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)
	g.UpdateBalance(940_000)
	<-g.Alerts()
	g.UpdateBalance(930_000)

	select {
	case a := <-g.Alerts():
		t.Errorf("second drawdown alert emitted: %+v", a)
	default:
	}
}

func TestAssessTradeApproves(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	got := g.AssessTrade(testSignal(50_000, 49_000, 52_000))
	if !got.Allowed {
		t.Fatalf("trade rejected: %v", got.Reasons)
	}
	if got.Trade == nil || math.Abs(got.Trade.Quantity-10) > 1e-9 {
		t.Errorf("trade = %+v, want quantity 10", got.Trade)
	}
	if got.Trade.RRRatio != 2.0 {
		t.Errorf("rr = %v, want 2.0", got.Trade.RRRatio)
	}
}

func TestAssessTradeRejectsLowRiskReward(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	got := g.AssessTrade(testSignal(50_000, 49_000, 50_500)) // rr = 0.5
	if got.Allowed {
		t.Fatal("rr below the minimum must reject")
	}
	if len(got.Reasons) == 0 || !strings.Contains(got.Reasons[0], "risk/reward") {
		t.Errorf("reasons = %v", got.Reasons)
	}
}

func TestAssessTradeRejectsWithoutBalance(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())

	if got := g.AssessTrade(testSignal(50_000, 49_000, 52_000)); got.Allowed {
		t.Error("trade allowed with zero balance")
	}
}

func TestConsecutiveLossesBanMarket(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	g.RecordTradeResult("KRW-TEST", -10_000)
	if g.IsBanned("KRW-TEST") {
		t.Fatal("one loss must not ban")
	}
	got := g.AssessTrade(testSignal(50_000, 49_000, 52_000))
	if !got.Allowed || len(got.Warnings) == 0 {
		t.Errorf("one loss should warn, not reject: %+v", got)
	}

	g.RecordTradeResult("KRW-TEST", -10_000)
	if !g.IsBanned("KRW-TEST") {
		t.Fatal("second consecutive loss must ban")
	}
	if got := g.AssessTrade(testSignal(50_000, 49_000, 52_000)); got.Allowed {
		t.Error("trade allowed on a banned market")
	}

	select {
	case a := <-g.Alerts():
		if a.Level != AlertWarning {
			t.Errorf("ban alert level = %q, want warning", a.Level)
		}
	default:
		t.Error("expected a ban alert")
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	g.RecordTradeResult("KRW-TEST", -10_000)
	g.RecordTradeResult("KRW-TEST", 5_000)
	g.RecordTradeResult("KRW-TEST", -10_000)
	if g.IsBanned("KRW-TEST") {
		t.Error("non-consecutive losses must not ban")
	}
}

func TestExpiredBanAutoClears(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	g.RecordTradeResult("KRW-TEST", -10_000)
	g.RecordTradeResult("KRW-TEST", -10_000)
	if !g.IsBanned("KRW-TEST") {
		t.Fatal("expected ban")
	}

	// Force the expiry into the past
	g.mu.Lock()
	g.markets["KRW-TEST"].BanExpiry = "2020-01-01"
	g.mu.Unlock()

	got := g.AssessTrade(testSignal(50_000, 49_000, 52_000))
	if !got.Allowed {
		t.Fatalf("trade rejected after the ban expired: %v", got.Reasons)
	}
	g.mu.RLock()
	losses := g.markets["KRW-TEST"].ConsecutiveLosses
	g.mu.RUnlock()
	if losses != 0 {
		t.Errorf("loss streak = %d, want 0 after the ban cleared", losses)
	}
}

func TestRecordTradeResultUpdatesBalance(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.UpdateBalance(1_000_000)

	g.RecordTradeResult("KRW-TEST", -10_000)
	g.RecordTradeResult("KRW-AAA", 4_000)

	st := g.Status()
	if st.Balance != 994_000 {
		t.Errorf("balance = %v, want 994000", st.Balance)
	}
	if st.Daily.TradesToday != 2 || st.Daily.WinningTrades != 1 || st.Daily.LosingTrades != 1 {
		t.Errorf("daily = %+v", st.Daily)
	}
}

func TestGuardPersistsAfterMutations(t *testing.T) {
	t.Parallel()
	p := &countingPersister{}
	g := NewGuard(testRiskConfig(), p, quietLogger())

	g.UpdateBalance(1_000_000)
	g.RecordTradeResult("KRW-TEST", -10_000)

	if p.dailySaves == 0 {
		t.Error("daily risk never persisted")
	}
	if p.marketSaves == 0 {
		t.Error("market risk never persisted")
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	g := NewGuard(testRiskConfig(), nil, quietLogger())
	g.Restore(
		&types.DailyRisk{Date: types.TradingDate(types.NowKST()), StartingBalance: 1_000_000, CurrentBalance: 990_000},
		map[string]*types.MarketRisk{"KRW-TEST": {Market: "KRW-TEST", Banned: true, BanExpiry: "2999-01-01"}},
	)

	if st := g.Status(); st.Balance != 990_000 {
		t.Errorf("balance = %v, want 990000", st.Balance)
	}
	if !g.IsBanned("KRW-TEST") {
		t.Error("restored ban lost")
	}
}
