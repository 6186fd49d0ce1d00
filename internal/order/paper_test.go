package order

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testOrdersConfig() config.OrdersConfig {
	return config.OrdersConfig{
		SlippageBPMax:  5,
		TimeInForce:    "IOC",
		MinOrderKRW:    5_000,
		MaxOrderKRW:    1_000_000,
		CommissionRate: 0.0005,
		Paper: config.PaperConfig{
			FillProbability: 1.0,
			FillDelayMinMS:  0,
			FillDelayMaxMS:  1,
			SlippageBPMin:   1,
			SlippageBPMax:   3,
			Seed:            42,
		},
	}
}

func buyRequest(qty, price float64) types.OrderRequest {
	return types.OrderRequest{
		ID:       "req-1",
		Market:   "KRW-BTC",
		Side:     types.Buy,
		Type:     types.OrderLimit,
		Quantity: qty,
		Price:    price,
		TIF:      types.TIFIOC,
	}
}

func TestPaperFillAdverseSlippage(t *testing.T) {
	t.Parallel()
	p := NewPaper(testOrdersConfig(), quietLogger())

	res := p.Submit(context.Background(), buyRequest(0.01, 50_000_000))
	if res.Status != types.StatusFilled {
		t.Fatalf("status = %v, want filled", res.Status)
	}
	if !res.Paper {
		t.Error("paper flag not set")
	}
	// A buy fills above the requested price, never below
	if res.FilledPrice <= 50_000_000 {
		t.Errorf("buy filled at %v, want above requested", res.FilledPrice)
	}
	if res.SlippageBP < 1 || res.SlippageBP > 3 {
		t.Errorf("slippage = %v bp, want within [1, 3]", res.SlippageBP)
	}
	wantFee := res.FilledPrice * 0.01 * 0.0005
	if diff := res.Commission - wantFee; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("commission = %v, want %v", res.Commission, wantFee)
	}
}

func TestPaperSellSlippageIsAdverse(t *testing.T) {
	t.Parallel()
	p := NewPaper(testOrdersConfig(), quietLogger())

	req := buyRequest(0.01, 50_000_000)
	req.Side = types.Sell
	res := p.Submit(context.Background(), req)
	if res.Status != types.StatusFilled {
		t.Fatalf("status = %v, want filled", res.Status)
	}
	if res.FilledPrice >= 50_000_000 {
		t.Errorf("sell filled at %v, want below requested", res.FilledPrice)
	}
}

func TestPaperMissExpires(t *testing.T) {
	t.Parallel()
	cfg := testOrdersConfig()
	cfg.Paper.FillProbability = 0
	p := NewPaper(cfg, quietLogger())

	res := p.Submit(context.Background(), buyRequest(0.01, 50_000_000))
	if res.Status != types.StatusExpired {
		t.Errorf("status = %v, want expired", res.Status)
	}
	if res.FilledQty != 0 {
		t.Errorf("filled qty = %v, want 0", res.FilledQty)
	}
}

func TestPaperDeterministicUnderSeed(t *testing.T) {
	t.Parallel()
	a := NewPaper(testOrdersConfig(), quietLogger())
	b := NewPaper(testOrdersConfig(), quietLogger())

	ra := a.Submit(context.Background(), buyRequest(0.01, 50_000_000))
	rb := b.Submit(context.Background(), buyRequest(0.01, 50_000_000))
	if ra.FilledPrice != rb.FilledPrice || ra.SlippageBP != rb.SlippageBP {
		t.Errorf("same seed diverged: %v/%v vs %v/%v",
			ra.FilledPrice, ra.SlippageBP, rb.FilledPrice, rb.SlippageBP)
	}
}

func TestPaperCancelledContext(t *testing.T) {
	t.Parallel()
	cfg := testOrdersConfig()
	cfg.Paper.FillDelayMinMS = 5_000
	cfg.Paper.FillDelayMaxMS = 5_001
	p := NewPaper(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Submit(ctx, buyRequest(0.01, 50_000_000))
	if res.Status != types.StatusCancelled {
		t.Errorf("status = %v, want cancelled", res.Status)
	}
}
