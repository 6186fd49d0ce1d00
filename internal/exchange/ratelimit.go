// ratelimit.go groups the rate limiters the Upbit REST client waits on.
//
// Upbit enforces a sliding one-minute budget of 600 requests for market
// data, with a much tighter allowance on order placement. Limiters refill
// continuously so bursts smooth out instead of slamming the window edge.
// Every call must Wait() on its category's limiter before the HTTP request.
package exchange

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter groups limiters by Upbit API endpoint category.
type RateLimiter struct {
	Public  *rate.Limiter // market list, candles, ticker, orderbook
	Private *rate.Limiter // accounts, order queries
	Order   *rate.Limiter // order placement and cancellation
}

// NewRateLimiter creates limiters tuned to Upbit's published limits:
// 600 requests/minute for quotation endpoints, 30/s for private reads,
// 8/s for order mutations.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public:  rate.NewLimiter(rate.Every(time.Minute/600), 10),
		Private: rate.NewLimiter(rate.Every(time.Second/30), 10),
		Order:   rate.NewLimiter(rate.Every(time.Second/8), 8),
	}
}
