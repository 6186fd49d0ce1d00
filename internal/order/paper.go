package order

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

// Paper simulates fills without touching the venue. Fills arrive after a
// random delay with a configurable probability, always with adverse
// slippage, and pay the same commission a live fill would.
type Paper struct {
	cfg        config.PaperConfig
	commission float64
	logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPaper creates a paper executor. A zero seed uses the clock, a
// nonzero seed makes runs reproducible.
func NewPaper(cfg config.OrdersConfig, logger *slog.Logger) *Paper {
	seed := cfg.Paper.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		cfg:        cfg.Paper,
		commission: cfg.CommissionRate,
		logger:     logger.With("component", "paper"),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (p *Paper) Name() string { return "paper" }

// Submit simulates the order. Unfilled orders expire, matching IOC
// semantics on the venue.
func (p *Paper) Submit(ctx context.Context, req types.OrderRequest) types.OrderResult {
	res := types.OrderResult{
		OrderID:        req.ID,
		Market:         req.Market,
		Side:           req.Side,
		Type:           req.Type,
		Status:         types.StatusSubmitted,
		RequestedQty:   req.Quantity,
		RequestedPrice: req.Price,
		SubmittedAt:    types.NowKST(),
		Paper:          true,
	}

	p.mu.Lock()
	delay := p.fillDelay()
	filled := p.rng.Float64() < p.cfg.FillProbability
	slipBP := p.cfg.SlippageBPMin + p.rng.Float64()*(p.cfg.SlippageBPMax-p.cfg.SlippageBPMin)
	p.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		res.Status = types.StatusCancelled
		res.Error = ctx.Err().Error()
		return res
	}

	if !filled {
		res.Status = types.StatusExpired
		p.logger.Debug("simulated miss", "market", req.Market, "order_id", req.ID)
		return res
	}

	// Slippage always moves against the taker
	price := req.Price
	if req.Side == types.Buy {
		price *= 1 + slipBP/10_000
	} else {
		price *= 1 - slipBP/10_000
	}

	now := types.NowKST()
	res.Status = types.StatusFilled
	res.FilledQty = req.Quantity
	res.FilledPrice = price
	res.SlippageBP = slipBP
	res.Commission = price * req.Quantity * p.commission
	res.FilledAt = &now

	p.logger.Debug("simulated fill",
		"market", req.Market,
		"side", req.Side,
		"price", price,
		"slippage_bp", slipBP,
	)
	return res
}

func (p *Paper) fillDelay() time.Duration {
	lo, hi := p.cfg.FillDelayMinMS, p.cfg.FillDelayMaxMS
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+p.rng.Intn(hi-lo)) * time.Millisecond
}
