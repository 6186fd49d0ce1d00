// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — candles, orderbook
// snapshots, feature vectors, signals, risk records, orders and positions.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Clock
// ————————————————————————————————————————————————————————————————————————

// kst is the trading timezone. Every timestamp that crosses a package
// boundary is expressed in Asia/Seoul.
var kst *time.Location

func init() {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*3600)
	}
	kst = loc
}

// KST returns the trading timezone (Asia/Seoul).
func KST() *time.Location {
	return kst
}

// NowKST returns the current time in the trading timezone.
func NowKST() time.Time {
	return time.Now().In(kst)
}

// TradingDate formats t as the trading-day key (YYYY-MM-DD in KST).
func TradingDate(t time.Time) string {
	return t.In(kst).Format("2006-01-02")
}

// DayStart returns 00:00 KST of t's trading day. Session VWAP accumulates
// from this instant.
func DayStart(t time.Time) time.Time {
	t = t.In(kst)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, kst)
}

// CandleOpenTime floors t to the open of its candle for the given unit
// in minutes.
func CandleOpenTime(t time.Time, unit int) time.Time {
	t = t.In(kst)
	mins := (t.Hour()*60 + t.Minute()) / unit * unit
	return time.Date(t.Year(), t.Month(), t.Day(), mins/60, mins%60, 0, 0, kst)
}

// Window is a daily "HH:MM-HH:MM" time range in the trading timezone.
// Start and End are minutes since midnight. Overnight windows
// (start > end) wrap past midnight.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM" into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(strings.TrimSpace(parts[0]))
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	end, err := parseClock(strings.TrimSpace(parts[1]))
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t (in KST) falls inside the window, inclusive
// on both ends.
func (w Window) Contains(t time.Time) bool {
	t = t.In(kst)
	mins := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return mins >= w.Start && mins <= w.End
	}
	return mins >= w.Start || mins <= w.End
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is a single OHLCV bar for a market. OpenTime is the bar's open
// in the trading timezone; Unit is the bar period in minutes.
type Candle struct {
	Market   string    `json:"market"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Unit     int       `json:"unit"`
}

// OrderbookLevel is one depth level: best-first ordering within a snapshot.
type OrderbookLevel struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
}

// OrderbookSnapshot is a point-in-time view of a market's depth.
type OrderbookSnapshot struct {
	Market    string           `json:"market"`
	Timestamp time.Time        `json:"timestamp"`
	Levels    []OrderbookLevel `json:"levels"`
}

// BestBidAsk returns the top-of-book prices. ok is false when the
// snapshot has no levels or the book is degenerate.
func (ob *OrderbookSnapshot) BestBidAsk() (bid, ask float64, ok bool) {
	if ob == nil || len(ob.Levels) == 0 {
		return 0, 0, false
	}
	bid = ob.Levels[0].BidPrice
	ask = ob.Levels[0].AskPrice
	if bid <= 0 || ask <= 0 || ask <= bid {
		return bid, ask, false
	}
	return bid, ask, true
}

// TotalDepth sums bid and ask sizes across all levels.
func (ob *OrderbookSnapshot) TotalDepth() float64 {
	if ob == nil {
		return 0
	}
	var total float64
	for _, l := range ob.Levels {
		total += l.BidSize + l.AskSize
	}
	return total
}

// Ticker is the latest trade state for a market.
type Ticker struct {
	Market      string    `json:"market"`
	TradePrice  float64   `json:"trade_price"`
	TradeVolume float64   `json:"trade_volume"`
	AccVolume   float64   `json:"acc_volume"`     // accumulated volume today
	AccPriceKRW float64   `json:"acc_price_krw"`  // accumulated KRW turnover today
	ChangeRate  float64   `json:"change_rate"`    // signed daily change rate
	Timestamp   time.Time `json:"timestamp"`
}

// FeatureVector is the per-market output of the feature calculator for
// one scan tick. Computed only from candle batches that passed validation.
type FeatureVector struct {
	Market      string    `json:"market"`
	Timestamp   time.Time `json:"timestamp"`
	RVOL        float64   `json:"rvol"`
	RS          float64   `json:"rs"`
	SVWAP       float64   `json:"svwap"`
	ATR14       float64   `json:"atr_14"`
	EMA20       float64   `json:"ema_20"`
	EMA50       float64   `json:"ema_50"`
	Trend       int       `json:"trend"`        // 1 iff EMA20>EMA50 and close>sVWAP
	RVOLZ       float64   `json:"rvol_z"`       // clip((rvol-1)/1, 0, 3)
	DepthScore  float64   `json:"depth_score"`  // [0,1]
	SpreadBP    float64   `json:"spread_bp"`    // +Inf when the book is missing
	FinalScore  float64   `json:"final_score"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`
	SampleCount int       `json:"sample_count"`
}

// SpreadOK reports whether the spread is finite and within maxBP.
func (f FeatureVector) SpreadOK(maxBP float64) bool {
	return !math.IsInf(f.SpreadBP, 1) && f.SpreadBP <= maxBP
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Direction is the trade direction of a signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// SignalKind tags which strategy produced a signal.
type SignalKind string

const (
	SignalORB   SignalKind = "orb"
	SignalSVWAP SignalKind = "svwap_pullback"
	SignalSweep SignalKind = "sweep_reversal"
)

// Priority orders strategies when their signals conflict. Lower wins.
func (k SignalKind) Priority() int {
	switch k {
	case SignalORB:
		return 1
	case SignalSVWAP:
		return 2
	case SignalSweep:
		return 3
	default:
		return 99
	}
}

// ORBContext carries opening-range details for an ORB signal.
type ORBContext struct {
	BoxHigh      float64 `json:"box_high"`
	BoxLow       float64 `json:"box_low"`
	BoxRange     float64 `json:"box_range"`
	VolumeRatio  float64 `json:"volume_ratio"`
	TrendAligned bool    `json:"trend_aligned"`
}

// PullbackContext carries retrace details for an sVWAP-pullback signal.
type PullbackContext struct {
	SVWAP        float64 `json:"svwap"`
	PullbackPct  float64 `json:"pullback_pct"`
	PullbackFrom string  `json:"pullback_from"` // "high" or "low"
	ZoneDistance float64 `json:"zone_distance"` // |price-svwap| / zone width
	EMAAligned   bool    `json:"ema_aligned"`
}

// SweepContext carries sweep-event details for a sweep-reversal signal.
type SweepContext struct {
	SweepLevel    float64 `json:"sweep_level"`
	Penetration   float64 `json:"penetration"`
	RecoverySecs  float64 `json:"recovery_secs"`
	VolumeRatio   float64 `json:"volume_ratio"`
	SwingStrength int     `json:"swing_strength"`
}

// Signal is the tagged entry-signal variant. The common prefix is what
// the signal manager and executor consume; exactly one context pointer is
// set, matching Kind.
type Signal struct {
	Kind        SignalKind `json:"kind"`
	Market      string     `json:"market"`
	Direction   Direction  `json:"direction"`
	Entry       float64    `json:"entry"`
	Stop        float64    `json:"stop"`
	Target      float64    `json:"target"`
	Confidence  float64    `json:"confidence"` // [0,1]
	GeneratedAt time.Time  `json:"generated_at"`

	ORB      *ORBContext      `json:"orb,omitempty"`
	Pullback *PullbackContext `json:"pullback,omitempty"`
	Sweep    *SweepContext    `json:"sweep,omitempty"`
}

// RiskReward returns per-unit risk, reward and their ratio.
// The ratio is 0 when risk is degenerate.
func (s *Signal) RiskReward() (risk, reward, rr float64) {
	risk = math.Abs(s.Entry - s.Stop)
	reward = math.Abs(s.Target - s.Entry)
	if risk > 0 {
		rr = reward / risk
	}
	return risk, reward, rr
}

// ————————————————————————————————————————————————————————————————————————
// Risk records
// ————————————————————————————————————————————————————————————————————————

// TradeRisk is the sized outcome of a risk assessment for one signal.
type TradeRisk struct {
	Market      string  `json:"market"`
	Entry       float64 `json:"entry"`
	Stop        float64 `json:"stop"`
	Quantity    float64 `json:"quantity"`
	RiskKRW     float64 `json:"risk_krw"`
	RiskPct     float64 `json:"risk_pct"`
	RewardKRW   float64 `json:"reward_krw"`
	RRRatio     float64 `json:"rr_ratio"`
	MaxNotional float64 `json:"max_notional"`
}

// RiskAssessment is the guard's verdict on a proposed trade.
// A rejection is a decision, not an error.
type RiskAssessment struct {
	Allowed  bool       `json:"allowed"`
	Reasons  []string   `json:"reasons,omitempty"`  // set when rejected
	Warnings []string   `json:"warnings,omitempty"` // non-blocking
	Trade    *TradeRisk `json:"trade,omitempty"`
}

// DailyRisk tracks one trading day's balance and drawdown state.
// Exactly one record is live per trading date.
type DailyRisk struct {
	Date            string  `json:"date"` // YYYY-MM-DD in KST
	StartingBalance float64 `json:"starting_balance"`
	CurrentBalance  float64 `json:"current_balance"`
	DailyPnL        float64 `json:"daily_pnl"`
	DailyPnLPct     float64 `json:"daily_pnl_pct"`
	MaxDailyLoss    float64 `json:"max_daily_loss"` // configured stop, as a fraction
	TradesToday     int     `json:"trades_today"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	DDLHit          bool    `json:"ddl_hit"`
}

// MarketRisk tracks per-market loss streaks and cooldown bans.
type MarketRisk struct {
	Market            string `json:"market"`
	ConsecutiveLosses int    `json:"consecutive_losses"`
	LastLossDate      string `json:"last_loss_date,omitempty"`
	TotalTrades       int    `json:"total_trades"`
	WinningTrades     int    `json:"winning_trades"`
	LosingTrades      int    `json:"losing_trades"`
	Banned            bool   `json:"banned"`
	BanExpiry         string `json:"ban_expiry,omitempty"` // YYYY-MM-DD; ban clears when <= today
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// OrderSide is the venue-facing direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType enumerates internal order intents. Stop-loss and take-profit
// are posted to the venue as limits (it has no native stop orders).
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStopLoss   OrderType = "stop_loss"
	OrderTakeProfit OrderType = "take_profit"
)

// TimeInForce controls how long an order rests.
type TimeInForce string

const (
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the lifecycle state of an order. Filled and rejected
// are terminal.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is the executor-facing order intent.
type OrderRequest struct {
	ID          string      `json:"id"` // UUID, assigned at construction
	Market      string      `json:"market"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price,omitempty"` // limit price; 0 for market orders
	TIF         TimeInForce `json:"tif"`
	SignalKind  SignalKind  `json:"signal_kind,omitempty"`
	RequestedAt time.Time   `json:"requested_at"`
}

// OrderResult records the outcome of a submitted order. Persisted on
// every state transition.
type OrderResult struct {
	OrderID        string      `json:"order_id"`
	Market         string      `json:"market"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	RequestedQty   float64     `json:"requested_qty"`
	FilledQty      float64     `json:"filled_qty"`
	RequestedPrice float64     `json:"requested_price"`
	FilledPrice    float64     `json:"filled_price"`
	Commission     float64     `json:"commission"`
	SlippageBP     float64     `json:"slippage_bp"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
	Paper          bool        `json:"paper"`
	Error          string      `json:"error,omitempty"`
}

// Position is an open or closed holding created from a filled entry.
// At most one active position exists per market.
type Position struct {
	ID           string     `json:"id"`
	Market       string     `json:"market"`
	Side         OrderSide  `json:"side"`
	EntryPrice   float64    `json:"entry_price"`
	Quantity     float64    `json:"quantity"`
	EntryTime    time.Time  `json:"entry_time"`
	EntryOrderID string     `json:"entry_order_id"`
	StopOrderID  string     `json:"stop_order_id,omitempty"`
	TakeOrderID  string     `json:"take_order_id,omitempty"`
	StopPrice    float64    `json:"stop_price,omitempty"`
	TargetPrice  float64    `json:"target_price,omitempty"`
	Unrealized   float64    `json:"unrealized_pnl"`
	Realized     float64    `json:"realized_pnl"`
	Active       bool       `json:"active"`
	ExitPrice    float64    `json:"exit_price,omitempty"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	ExitReason   string     `json:"exit_reason,omitempty"`
}

// PnLAt returns the mark-to-market PnL of the position at price.
func (p *Position) PnLAt(price float64) float64 {
	if p.Side == Buy {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}
