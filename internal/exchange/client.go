// Package exchange implements the Upbit REST and WebSocket clients.
//
// The REST client (Client) covers everything the trading core consumes:
//   - GetMarkets:    GET  /v1/market/all          — tradable market list with warning flags
//   - GetCandles:    GET  /v1/candles/minutes/{u} — minute candles for one market
//   - GetTickers:    GET  /v1/ticker              — ticker batch by comma-joined markets
//   - GetOrderbooks: GET  /v1/orderbook           — depth batch by comma-joined markets
//   - GetAccounts:   GET  /v1/accounts            — balances (authenticated)
//   - PlaceOrder:    POST /v1/orders              — place an order (authenticated)
//   - GetOrder:      GET  /v1/order               — single order with trades (authenticated)
//   - CancelOrder:   DELETE /v1/order             — cancel by UUID (authenticated)
//
// Every request waits on its rate-limiter category, retries transient
// failures (timeouts, 5xx, 429) with backoff, and attaches a JWT bearer
// token on private endpoints. A 401/403 surfaces as ErrAuth and is never
// retried.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

// ErrAuth marks authentication failures (401/403). Callers must not retry.
var ErrAuth = errors.New("upbit: authentication failed")

// MarketWarningNone is the warning flag of an unrestricted market.
const MarketWarningNone = "NONE"

// Client is the Upbit REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryBackoff).
		SetRetryMaxWaitTime(8 * cfg.RetryBackoff).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire types
// ————————————————————————————————————————————————————————————————————————

// MarketItem is one entry of GET /v1/market/all.
type MarketItem struct {
	Market        string `json:"market"`
	KoreanName    string `json:"korean_name"`
	EnglishName   string `json:"english_name"`
	MarketWarning string `json:"market_warning"`
}

type candleItem struct {
	Market            string  `json:"market"`
	CandleDateTimeKST string  `json:"candle_date_time_kst"`
	OpeningPrice      float64 `json:"opening_price"`
	HighPrice         float64 `json:"high_price"`
	LowPrice          float64 `json:"low_price"`
	TradePrice        float64 `json:"trade_price"`
	AccTradeVolume    float64 `json:"candle_acc_trade_volume"`
	Unit              int     `json:"unit"`
}

type tickerItem struct {
	Market            string  `json:"market"`
	TradePrice        float64 `json:"trade_price"`
	TradeVolume       float64 `json:"trade_volume"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
	AccTradePrice24h  float64 `json:"acc_trade_price_24h"`
	SignedChangeRate  float64 `json:"signed_change_rate"`
	TradeTimestamp    int64   `json:"trade_timestamp"`
}

type orderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

type orderbookItem struct {
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	Units     []orderbookUnit `json:"orderbook_units"`
}

// Account is one balance entry of GET /v1/accounts. Numeric fields arrive
// as strings to preserve precision.
type Account struct {
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
	Locked      string `json:"locked"`
	AvgBuyPrice string `json:"avg_buy_price"`
}

// VenueTrade is one fill of a venue order.
type VenueTrade struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Funds  string `json:"funds"`
}

// VenueOrder is the venue's order document. State is one of
// "wait", "watch", "done", "cancel".
type VenueOrder struct {
	UUID            string       `json:"uuid"`
	Side            string       `json:"side"` // "bid" or "ask"
	OrdType         string       `json:"ord_type"`
	State           string       `json:"state"`
	Market          string       `json:"market"`
	Price           string       `json:"price"`
	Volume          string       `json:"volume"`
	RemainingVolume string       `json:"remaining_volume"`
	ExecutedVolume  string       `json:"executed_volume"`
	PaidFee         string       `json:"paid_fee"`
	Trades          []VenueTrade `json:"trades"`
}

// Filled reports whether the order is fully executed.
func (o *VenueOrder) Filled() bool {
	return o.State == "done"
}

// Cancelled reports whether the venue cancelled the order.
func (o *VenueOrder) Cancelled() bool {
	return o.State == "cancel"
}

// FillSummary computes the volume-weighted fill price, filled quantity
// and cumulative commission from the order's trades.
func (o *VenueOrder) FillSummary() (price, qty, commission float64) {
	var notional float64
	for _, tr := range o.Trades {
		p, _ := strconv.ParseFloat(tr.Price, 64)
		v, _ := strconv.ParseFloat(tr.Volume, 64)
		notional += p * v
		qty += v
	}
	if qty > 0 {
		price = notional / qty
	}
	commission, _ = strconv.ParseFloat(o.PaidFee, 64)
	return price, qty, commission
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// GetMarkets fetches the full market list with warning flags.
func (c *Client) GetMarkets(ctx context.Context) ([]MarketItem, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	var result []MarketItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("isDetails", "true").
		SetResult(&result).
		Get("/v1/market/all")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if err := checkStatus(resp, "get markets"); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCandles fetches up to count minute candles for one market, returned
// in ascending open-time order. unit must be one of the venue's minute
// units (1, 3, 5, 10, 15, 30, 60, 240); count is capped at 200.
func (c *Client) GetCandles(ctx context.Context, market string, unit, count int) ([]types.Candle, error) {
	switch unit {
	case 1, 3, 5, 10, 15, 30, 60, 240:
	default:
		return nil, fmt.Errorf("get candles: invalid unit %d", unit)
	}
	if count < 1 || count > 200 {
		return nil, fmt.Errorf("get candles: count %d out of range", count)
	}
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	var items []candleItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market": market,
			"count":  strconv.Itoa(count),
		}).
		SetResult(&items).
		Get(fmt.Sprintf("/v1/candles/minutes/%d", unit))
	if err != nil {
		return nil, fmt.Errorf("get candles %s: %w", market, err)
	}
	if err := checkStatus(resp, "get candles"); err != nil {
		return nil, err
	}

	// The venue returns newest-first; flip to ascending
	candles := make([]types.Candle, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		openTime, err := time.ParseInLocation("2006-01-02T15:04:05", it.CandleDateTimeKST, types.KST())
		if err != nil {
			continue
		}
		candles = append(candles, types.Candle{
			Market:   it.Market,
			OpenTime: openTime,
			Open:     it.OpeningPrice,
			High:     it.HighPrice,
			Low:      it.LowPrice,
			Close:    it.TradePrice,
			Volume:   it.AccTradeVolume,
			Unit:     it.Unit,
		})
	}
	return candles, nil
}

// GetTickers fetches tickers for a batch of markets.
func (c *Client) GetTickers(ctx context.Context, markets []string) ([]types.Ticker, error) {
	if len(markets) == 0 {
		return nil, nil
	}
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	var items []tickerItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("markets", strings.Join(markets, ",")).
		SetResult(&items).
		Get("/v1/ticker")
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}
	if err := checkStatus(resp, "get tickers"); err != nil {
		return nil, err
	}

	tickers := make([]types.Ticker, len(items))
	for i, it := range items {
		tickers[i] = types.Ticker{
			Market:      it.Market,
			TradePrice:  it.TradePrice,
			TradeVolume: it.TradeVolume,
			AccVolume:   it.AccTradeVolume24h,
			AccPriceKRW: it.AccTradePrice24h,
			ChangeRate:  it.SignedChangeRate,
			Timestamp:   time.UnixMilli(it.TradeTimestamp).In(types.KST()),
		}
	}
	return tickers, nil
}

// GetOrderbooks fetches depth snapshots for a batch of markets.
func (c *Client) GetOrderbooks(ctx context.Context, markets []string) ([]types.OrderbookSnapshot, error) {
	if len(markets) == 0 {
		return nil, nil
	}
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	var items []orderbookItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("markets", strings.Join(markets, ",")).
		SetResult(&items).
		Get("/v1/orderbook")
	if err != nil {
		return nil, fmt.Errorf("get orderbooks: %w", err)
	}
	if err := checkStatus(resp, "get orderbooks"); err != nil {
		return nil, err
	}

	books := make([]types.OrderbookSnapshot, len(items))
	for i, it := range items {
		levels := make([]types.OrderbookLevel, len(it.Units))
		for j, u := range it.Units {
			levels[j] = types.OrderbookLevel{
				BidPrice: u.BidPrice,
				BidSize:  u.BidSize,
				AskPrice: u.AskPrice,
				AskSize:  u.AskSize,
			}
		}
		books[i] = types.OrderbookSnapshot{
			Market:    it.Market,
			Timestamp: time.UnixMilli(it.Timestamp).In(types.KST()),
			Levels:    levels,
		}
	}
	return books, nil
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// GetAccounts fetches account balances.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.auth.BearerToken(nil)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}

	var result []Account
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetResult(&result).
		Get("/v1/accounts")
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if err := checkStatus(resp, "get accounts"); err != nil {
		return nil, err
	}
	return result, nil
}

// KRWBalance returns the available KRW balance from an accounts response.
func KRWBalance(accounts []Account) float64 {
	for _, a := range accounts {
		if a.Currency == "KRW" {
			b, _ := strconv.ParseFloat(a.Balance, 64)
			return b
		}
	}
	return 0
}

// krwTicks maps price floors to the KRW market tick size. The venue
// rejects limit prices off this grid.
var krwTicks = []struct {
	floor float64
	tick  string
}{
	{2_000_000, "1000"},
	{1_000_000, "500"},
	{500_000, "100"},
	{100_000, "50"},
	{10_000, "10"},
	{1_000, "1"},
	{100, "0.1"},
	{10, "0.01"},
	{1, "0.001"},
	{0.1, "0.0001"},
	{0.01, "0.00001"},
	{0.001, "0.000001"},
	{0.0001, "0.0000001"},
}

// SnapPrice rounds a KRW price down to the venue's tick grid.
func SnapPrice(price float64) decimal.Decimal {
	tick := decimal.New(1, -8)
	for _, t := range krwTicks {
		if price >= t.floor {
			tick = decimal.RequireFromString(t.tick)
			break
		}
	}
	return decimal.NewFromFloat(price).Div(tick).Floor().Mul(tick)
}

// PlaceOrder submits an order. Stop-loss and take-profit intents are
// posted as plain limits; IOC/FOK map to the venue's time_in_force.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*VenueOrder, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("market", req.Market)
	params.Set("side", venueSide(req.Side))
	params.Set("identifier", req.ID)

	// Decimal rendering keeps the venue's string params exact
	volume := decimal.NewFromFloat(req.Quantity).Round(8)
	switch req.Type {
	case types.OrderMarket:
		if req.Side == types.Buy {
			// Market buys are priced in KRW notional
			params.Set("ord_type", "price")
			notional := decimal.NewFromFloat(req.Quantity * req.Price).Round(0)
			params.Set("price", notional.String())
		} else {
			params.Set("ord_type", "market")
			params.Set("volume", volume.String())
		}
	default:
		params.Set("ord_type", "limit")
		params.Set("volume", volume.String())
		params.Set("price", SnapPrice(req.Price).String())
		switch req.TIF {
		case types.TIFIOC:
			params.Set("time_in_force", "ioc")
		case types.TIFFOK:
			params.Set("time_in_force", "fok")
		}
	}

	token, err := c.auth.BearerToken(params)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	var result VenueOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetFormDataFromValues(params).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if err := checkStatus(resp, "place order"); err != nil {
		return nil, err
	}

	c.logger.Info("order placed",
		"market", req.Market,
		"side", req.Side,
		"type", req.Type,
		"uuid", result.UUID,
	)
	return &result, nil
}

// GetOrder fetches a single order with its trades.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*VenueOrder, error) {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("uuid", orderUUID)

	token, err := c.auth.BearerToken(params)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	var result VenueOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParamsFromValues(params).
		SetResult(&result).
		Get("/v1/order")
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := checkStatus(resp, "get order"); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder cancels an order by UUID.
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) (*VenueOrder, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("uuid", orderUUID)

	token, err := c.auth.BearerToken(params)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	var result VenueOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetQueryParamsFromValues(params).
		SetResult(&result).
		Delete("/v1/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if err := checkStatus(resp, "cancel order"); err != nil {
		return nil, err
	}

	c.logger.Info("order cancelled", "uuid", orderUUID)
	return &result, nil
}

func venueSide(side types.OrderSide) string {
	if side == types.Buy {
		return "bid"
	}
	return "ask"
}

func checkStatus(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", op, code, ErrAuth)
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}
