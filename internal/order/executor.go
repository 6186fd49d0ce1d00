// Package order turns approved signals into venue orders and tracks the
// resulting positions.
//
// An Executor submits a single order and reports its outcome; the paper
// executor simulates fills, the live executor routes to the venue and
// supervises the fill. The Book sits above either executor: it enforces
// one active position per market, attaches the protective stop and
// target from the signal, and flushes state to the store after every
// mutation.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

// Executor submits one order and reports its terminal outcome.
type Executor interface {
	Submit(ctx context.Context, req types.OrderRequest) types.OrderResult
	Name() string
}

// Persister flushes order and position state after mutations.
// May be nil in tests.
type Persister interface {
	AppendOrder(res types.OrderResult) error
	SavePositions(positions map[string]*types.Position) error
}

// Book routes approved trades through an executor and owns the position
// registry. At most one active position exists per market.
type Book struct {
	cfg     config.OrdersConfig
	exec    Executor
	persist Persister
	logger  *slog.Logger

	mu        sync.RWMutex
	positions map[string]*types.Position
}

// NewBook creates a position book over the given executor.
func NewBook(cfg config.OrdersConfig, exec Executor, persist Persister, logger *slog.Logger) *Book {
	return &Book{
		cfg:       cfg,
		exec:      exec,
		persist:   persist,
		logger:    logger.With("component", "order", "mode", exec.Name()),
		positions: make(map[string]*types.Position),
	}
}

// Restore loads previously persisted positions. Closed positions are
// kept for the session summary.
func (b *Book) Restore(positions map[string]*types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for m, p := range positions {
		b.positions[m] = p
	}
}

// HasActivePosition reports whether the market already holds an open
// position.
func (b *Book) HasActivePosition(market string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[market]
	return ok && p.Active
}

// ActivePositions returns copies of all open positions, sorted by market.
func (b *Book) ActivePositions() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Position
	for _, p := range b.positions {
		if p.Active {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// AllPositions returns copies of every position, open and closed.
func (b *Book) AllPositions() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Position
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// ExecuteSignalTrade opens a position from an approved signal. The entry
// goes out as an IOC limit at the signal's entry price; the stop and
// target ride along as local bracket levels the monitor enforces. A nil
// position with a nil error means the entry did not fill.
func (b *Book) ExecuteSignalTrade(ctx context.Context, sig *types.Signal, trade *types.TradeRisk) (*types.Position, error) {
	if b.HasActivePosition(sig.Market) {
		return nil, fmt.Errorf("execute %s: position already open", sig.Market)
	}

	notional := trade.Quantity * sig.Entry
	if notional < b.cfg.MinOrderKRW {
		return nil, fmt.Errorf("execute %s: notional %.0f below minimum %.0f", sig.Market, notional, b.cfg.MinOrderKRW)
	}
	if b.cfg.MaxOrderKRW > 0 && notional > b.cfg.MaxOrderKRW {
		return nil, fmt.Errorf("execute %s: notional %.0f above maximum %.0f", sig.Market, notional, b.cfg.MaxOrderKRW)
	}

	req := types.OrderRequest{
		ID:          uuid.NewString(),
		Market:      sig.Market,
		Side:        entrySide(sig.Direction),
		Type:        types.OrderLimit,
		Quantity:    trade.Quantity,
		Price:       sig.Entry,
		TIF:         timeInForce(b.cfg.TimeInForce),
		SignalKind:  sig.Kind,
		RequestedAt: types.NowKST(),
	}

	res := b.exec.Submit(ctx, req)
	b.recordOrder(res)

	if res.Status != types.StatusFilled {
		b.logger.Info("entry did not fill",
			"market", sig.Market,
			"status", res.Status,
			"error", res.Error,
		)
		return nil, nil
	}

	pos := &types.Position{
		ID:           uuid.NewString(),
		Market:       sig.Market,
		Side:         req.Side,
		EntryPrice:   res.FilledPrice,
		Quantity:     res.FilledQty,
		EntryTime:    types.NowKST(),
		EntryOrderID: res.OrderID,
		StopOrderID:  uuid.NewString(),
		TakeOrderID:  uuid.NewString(),
		StopPrice:    sig.Stop,
		TargetPrice:  sig.Target,
		Realized:     -res.Commission,
		Active:       true,
	}

	b.mu.Lock()
	b.positions[pos.Market] = pos
	b.mu.Unlock()
	b.flushPositions()

	b.logger.Info("position opened",
		"market", pos.Market,
		"side", pos.Side,
		"qty", pos.Quantity,
		"entry", pos.EntryPrice,
		"stop", pos.StopPrice,
		"target", pos.TargetPrice,
		"kind", sig.Kind,
	)
	return pos, nil
}

// ClosePosition exits an open position at the given price and returns
// the realized PnL net of commissions.
func (b *Book) ClosePosition(ctx context.Context, market string, price float64, reason string) (float64, error) {
	b.mu.RLock()
	pos, ok := b.positions[market]
	b.mu.RUnlock()
	if !ok || !pos.Active {
		return 0, fmt.Errorf("close %s: no active position", market)
	}

	req := types.OrderRequest{
		ID:          uuid.NewString(),
		Market:      market,
		Side:        exitSide(pos.Side),
		Type:        types.OrderLimit,
		Quantity:    pos.Quantity,
		Price:       price,
		TIF:         timeInForce(b.cfg.TimeInForce),
		RequestedAt: types.NowKST(),
	}

	res := b.exec.Submit(ctx, req)
	b.recordOrder(res)

	if res.Status != types.StatusFilled {
		return 0, fmt.Errorf("close %s: exit order %s", market, res.Status)
	}

	b.mu.Lock()
	now := types.NowKST()
	pnl := pos.PnLAt(res.FilledPrice) - res.Commission + pos.Realized
	pos.Realized = pnl
	pos.Unrealized = 0
	pos.Active = false
	pos.ExitPrice = res.FilledPrice
	pos.ExitTime = &now
	pos.ExitReason = reason
	b.mu.Unlock()
	b.flushPositions()

	b.logger.Info("position closed",
		"market", market,
		"exit", res.FilledPrice,
		"pnl", pnl,
		"reason", reason,
	)
	return pnl, nil
}

// MarkPrice refreshes the unrealized PnL of an open position.
func (b *Book) MarkPrice(market string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[market]; ok && p.Active {
		p.Unrealized = p.PnLAt(price)
	}
}

func (b *Book) recordOrder(res types.OrderResult) {
	if b.persist == nil {
		return
	}
	if err := b.persist.AppendOrder(res); err != nil {
		b.logger.Error("persist order", "order_id", res.OrderID, "error", err)
	}
}

func (b *Book) flushPositions() {
	if b.persist == nil {
		return
	}
	b.mu.RLock()
	snapshot := make(map[string]*types.Position, len(b.positions))
	for m, p := range b.positions {
		cp := *p
		snapshot[m] = &cp
	}
	b.mu.RUnlock()
	if err := b.persist.SavePositions(snapshot); err != nil {
		b.logger.Error("persist positions", "error", err)
	}
}

func entrySide(d types.Direction) types.OrderSide {
	if d == types.Long {
		return types.Buy
	}
	return types.Sell
}

func exitSide(s types.OrderSide) types.OrderSide {
	if s == types.Buy {
		return types.Sell
	}
	return types.Buy
}

func timeInForce(s string) types.TimeInForce {
	switch types.TimeInForce(s) {
	case types.TIFFOK:
		return types.TIFFOK
	case types.TIFGTC:
		return types.TIFGTC
	default:
		return types.TIFIOC
	}
}
