package order

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/internal/exchange"
	"upbit-intraday/pkg/types"
)

// Venue is the slice of the exchange client the live executor needs.
type Venue interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*exchange.VenueOrder, error)
	GetOrder(ctx context.Context, orderUUID string) (*exchange.VenueOrder, error)
	CancelOrder(ctx context.Context, orderUUID string) (*exchange.VenueOrder, error)
}

// Live routes orders to the venue and polls until they settle. An order
// that neither fills nor cancels within the fill timeout is cancelled.
// Excess slippage is alerted on, never blocked: the fill already
// happened.
type Live struct {
	venue  Venue
	cfg    config.OrdersConfig
	logger *slog.Logger

	slippageAlerts atomic.Int64
}

// NewLive creates a live executor over the venue client.
func NewLive(venue Venue, cfg config.OrdersConfig, logger *slog.Logger) *Live {
	return &Live{
		venue:  venue,
		cfg:    cfg,
		logger: logger.With("component", "live"),
	}
}

func (l *Live) Name() string { return "live" }

// SlippageAlerts returns how many fills exceeded the slippage threshold.
func (l *Live) SlippageAlerts() int64 {
	return l.slippageAlerts.Load()
}

// Submit places the order and supervises it to a terminal state.
func (l *Live) Submit(ctx context.Context, req types.OrderRequest) types.OrderResult {
	res := types.OrderResult{
		OrderID:        req.ID,
		Market:         req.Market,
		Side:           req.Side,
		Type:           req.Type,
		Status:         types.StatusPending,
		RequestedQty:   req.Quantity,
		RequestedPrice: req.Price,
		SubmittedAt:    types.NowKST(),
	}

	placed, err := l.venue.PlaceOrder(ctx, req)
	if err != nil {
		res.Status = types.StatusRejected
		res.Error = err.Error()
		l.logger.Error("order rejected", "market", req.Market, "error", err)
		return res
	}
	res.OrderID = placed.UUID
	res.Status = types.StatusSubmitted

	final, err := l.awaitFill(ctx, placed.UUID)
	if err != nil {
		res.Status = types.StatusRejected
		res.Error = err.Error()
		return res
	}

	switch {
	case final.Filled():
		price, qty, commission := final.FillSummary()
		now := types.NowKST()
		res.Status = types.StatusFilled
		res.FilledQty = qty
		res.FilledPrice = price
		res.Commission = commission
		res.FilledAt = &now
		res.SlippageBP = slippageBP(req.Price, price)
		l.checkSlippage(req, res.SlippageBP)
	case final.Cancelled():
		// IOC partials land here with whatever executed
		price, qty, commission := final.FillSummary()
		if qty > 0 {
			now := types.NowKST()
			res.Status = types.StatusPartiallyFilled
			res.FilledQty = qty
			res.FilledPrice = price
			res.Commission = commission
			res.FilledAt = &now
			res.SlippageBP = slippageBP(req.Price, price)
		} else {
			res.Status = types.StatusExpired
		}
	default:
		res.Status = types.StatusCancelled
	}
	return res
}

// awaitFill polls the order until it reaches a terminal state or the
// fill timeout expires, cancelling on timeout.
func (l *Live) awaitFill(ctx context.Context, orderUUID string) (*exchange.VenueOrder, error) {
	interval := l.cfg.FillPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := l.cfg.FillTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ord, err := l.venue.GetOrder(ctx, orderUUID)
		if err != nil {
			return nil, err
		}
		if ord.Filled() || ord.Cancelled() {
			return ord, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			l.logger.Warn("fill timeout, cancelling", "order_uuid", orderUUID)
			return l.venue.CancelOrder(ctx, orderUUID)
		case <-ctx.Done():
			return l.venue.CancelOrder(context.WithoutCancel(ctx), orderUUID)
		}
	}
}

func (l *Live) checkSlippage(req types.OrderRequest, slipBP float64) {
	if l.cfg.SlippageBPMax <= 0 || slipBP <= l.cfg.SlippageBPMax {
		return
	}
	l.slippageAlerts.Add(1)
	l.logger.Warn("slippage above threshold",
		"market", req.Market,
		"slippage_bp", slipBP,
		"threshold_bp", l.cfg.SlippageBPMax,
	)
}

// slippageBP measures the absolute fill deviation from the requested
// price in basis points.
func slippageBP(requested, filled float64) float64 {
	if requested <= 0 {
		return 0
	}
	return math.Abs(filled-requested) / requested * 10_000
}
