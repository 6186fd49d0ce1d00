package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/internal/market"
	"upbit-intraday/internal/order"
	"upbit-intraday/internal/risk"
	"upbit-intraday/internal/strategy"
	"upbit-intraday/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type stubScanner struct {
	refreshed map[string]*market.Candidate
	calls     []string
	err       error
}

func (s *stubScanner) Scan(ctx context.Context) (*market.ScanResult, error) {
	return &market.ScanResult{}, nil
}

func (s *stubScanner) Refresh(ctx context.Context, m string) (*market.Candidate, error) {
	s.calls = append(s.calls, m)
	if s.err != nil {
		return nil, s.err
	}
	return s.refreshed[m], nil
}

type stubTickers struct {
	tickers map[string]types.Ticker
	asked   [][]string
	err     error
}

func (s *stubTickers) GetTickers(ctx context.Context, markets []string) ([]types.Ticker, error) {
	s.asked = append(s.asked, markets)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.Ticker, 0, len(markets))
	for _, m := range markets {
		if t, ok := s.tickers[m]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

type nopPersister struct{}

func (nopPersister) AppendOrder(res types.OrderResult) error          { return nil }
func (nopPersister) SavePositions(p map[string]*types.Position) error { return nil }

// recordingStrategy captures every Input the manager hands it.
type recordingStrategy struct {
	inputs []strategy.Input
}

func (r *recordingStrategy) Kind() types.SignalKind    { return types.SignalORB }
func (r *recordingStrategy) Active(now time.Time) bool { return true }
func (r *recordingStrategy) Generate(in strategy.Input) *types.Signal {
	r.inputs = append(r.inputs, in)
	return nil
}
func (r *recordingStrategy) Validate(sig *types.Signal) bool { return true }

func newTestEngine(t *testing.T, scanner candidateSource, tickers tickerSource) *Engine {
	t.Helper()
	logger := quietLogger()

	ordersCfg := config.OrdersConfig{
		TimeInForce:    "IOC",
		MinOrderKRW:    5_000,
		MaxOrderKRW:    1_000_000,
		CommissionRate: 0.0005,
		Paper: config.PaperConfig{
			FillProbability: 1.0,
			FillDelayMaxMS:  1,
			Seed:            42,
		},
	}
	book := order.NewBook(ordersCfg, order.NewPaper(ordersCfg, logger), nopPersister{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &Engine{
		cfg: config.Config{
			Exchange: config.ExchangeConfig{Timeout: 5 * time.Second},
			Orders:   ordersCfg,
		},
		quotes:  market.NewQuoteCache(),
		scanner: scanner,
		tickers: tickers,
		signals: strategy.NewManager(nil, logger),
		guard:   risk.NewGuard(config.RiskConfig{}, nil, logger),
		book:    book,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func longPos() *types.Position {
	return &types.Position{
		Market:      "KRW-BTC",
		Side:        types.Buy,
		EntryPrice:  100,
		Quantity:    1,
		StopPrice:   95,
		TargetPrice: 110,
		Active:      true,
	}
}

func shortPos() *types.Position {
	return &types.Position{
		Market:      "KRW-BTC",
		Side:        types.Sell,
		EntryPrice:  100,
		Quantity:    1,
		StopPrice:   105,
		TargetPrice: 90,
		Active:      true,
	}
}

func TestExitReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		pos   *types.Position
		price float64
		want  string
	}{
		{"long holds", longPos(), 100, ""},
		{"long stop", longPos(), 95, "stop"},
		{"long target", longPos(), 110, "target"},
		{"short holds", shortPos(), 100, ""},
		{"short stop", shortPos(), 105, "stop"},
		{"short target", shortPos(), 90, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitReason(tt.pos, tt.price); got != tt.want {
				t.Errorf("exitReason(%v) = %q, want %q", tt.price, got, tt.want)
			}
		})
	}
}

func TestExitReasonTripwire(t *testing.T) {
	t.Parallel()
	// Stop at 95 would normally fire first; with no stop set, the 10%
	// tripwire takes over
	pos := longPos()
	pos.StopPrice = 0

	if got := exitReason(pos, 91); got != "" {
		t.Errorf("9%% drawdown fired %q, want hold", got)
	}
	if got := exitReason(pos, 90); got != "emergency" {
		t.Errorf("10%% drawdown = %q, want emergency", got)
	}
}

func TestPositionPricesPrefersFreshQuote(t *testing.T) {
	t.Parallel()
	stub := &stubTickers{}
	e := newTestEngine(t, &stubScanner{}, stub)
	e.quotes.Apply(types.Ticker{Market: "KRW-BTC", TradePrice: 101})

	prices := e.positionPrices([]types.Position{*longPos()})
	if prices["KRW-BTC"] != 101 {
		t.Errorf("price = %v, want the feed quote 101", prices["KRW-BTC"])
	}
	if len(stub.asked) != 0 {
		t.Errorf("REST fallback used despite a fresh quote: %v", stub.asked)
	}
}

func TestPositionPricesFallBackToREST(t *testing.T) {
	t.Parallel()
	stub := &stubTickers{tickers: map[string]types.Ticker{
		"KRW-ETH": {Market: "KRW-ETH", TradePrice: 55},
	}}
	e := newTestEngine(t, &stubScanner{}, stub)
	e.quotes.Apply(types.Ticker{Market: "KRW-BTC", TradePrice: 101})

	positions := []types.Position{
		*longPos(),
		{Market: "KRW-ETH", Side: types.Buy, EntryPrice: 60, Quantity: 1, Active: true},
	}
	prices := e.positionPrices(positions)

	if prices["KRW-BTC"] != 101 || prices["KRW-ETH"] != 55 {
		t.Errorf("prices = %v, want feed 101 and REST 55", prices)
	}
	if len(stub.asked) != 1 || len(stub.asked[0]) != 1 || stub.asked[0][0] != "KRW-ETH" {
		t.Errorf("REST batch = %v, want only the stale market", stub.asked)
	}
}

func TestMonitorPositionsStopFiresOnRESTPrice(t *testing.T) {
	t.Parallel()
	// No feed quote at all: with the fallback broken, the stop at 95
	// would never fire
	stub := &stubTickers{tickers: map[string]types.Ticker{
		"KRW-BTC": {Market: "KRW-BTC", TradePrice: 94},
	}}
	e := newTestEngine(t, &stubScanner{}, stub)
	e.book.Restore(map[string]*types.Position{"KRW-BTC": longPos()})

	e.monitorPositions(types.NowKST())

	if e.book.HasActivePosition("KRW-BTC") {
		t.Error("position still open, want stop exit from the REST price")
	}
}

func TestMonitorPositionsHoldsWithoutAnyPrice(t *testing.T) {
	t.Parallel()
	stub := &stubTickers{err: errors.New("venue down")}
	e := newTestEngine(t, &stubScanner{}, stub)
	e.book.Restore(map[string]*types.Position{"KRW-BTC": longPos()})

	e.monitorPositions(types.NowKST())

	if !e.book.HasActivePosition("KRW-BTC") {
		t.Error("position exited without a price")
	}
}

func TestEvaluateCandidatesUsesRefreshedBars(t *testing.T) {
	t.Parallel()
	staleBars := []types.Candle{{Market: "KRW-AAA", Close: 100, Volume: 10}}
	freshBars := []types.Candle{
		{Market: "KRW-AAA", Close: 100, Volume: 10},
		{Market: "KRW-AAA", Close: 105, Volume: 20},
	}

	scanner := &stubScanner{refreshed: map[string]*market.Candidate{
		"KRW-AAA": {Market: "KRW-AAA", Candles: freshBars},
	}}
	rec := &recordingStrategy{}
	e := newTestEngine(t, scanner, &stubTickers{})
	e.signals = strategy.NewManager([]strategy.Strategy{rec}, quietLogger())
	e.candidates = []market.Candidate{{Market: "KRW-AAA", Candles: staleBars}}

	e.evaluateCandidates(types.NowKST())

	if len(scanner.calls) != 1 || scanner.calls[0] != "KRW-AAA" {
		t.Fatalf("refresh calls = %v, want one for KRW-AAA", scanner.calls)
	}
	if len(rec.inputs) != 1 {
		t.Fatalf("strategy saw %d inputs, want 1", len(rec.inputs))
	}
	in := rec.inputs[0]
	if len(in.Candles) != len(freshBars) || in.Price != 105 {
		t.Errorf("strategy input candles=%d price=%v, want the refreshed batch", len(in.Candles), in.Price)
	}
}

func TestEvaluateCandidatesSkipsOnRefreshFailure(t *testing.T) {
	t.Parallel()
	scanner := &stubScanner{err: errors.New("timeout")}
	rec := &recordingStrategy{}
	e := newTestEngine(t, scanner, &stubTickers{})
	e.signals = strategy.NewManager([]strategy.Strategy{rec}, quietLogger())
	e.candidates = []market.Candidate{{Market: "KRW-AAA"}}

	e.evaluateCandidates(types.NowKST())

	if len(rec.inputs) != 0 {
		t.Errorf("strategy ran on stale bars after a failed refresh")
	}
}

func TestAdversePct(t *testing.T) {
	t.Parallel()
	pos := longPos()

	if got := adversePct(pos, 94); got != 0.06 {
		t.Errorf("adversePct = %v, want 0.06", got)
	}
	if got := adversePct(pos, 105); got != 0 {
		t.Errorf("profit reported as adverse: %v", got)
	}
}
