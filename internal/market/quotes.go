package market

import (
	"context"
	"sync"
	"time"

	"upbit-intraday/pkg/types"
)

// QuoteCache holds the latest ticker per market, fed from the WebSocket
// feed. The orchestrator reads current price and volume from here
// between REST candle refreshes. Concurrency-safe.
type QuoteCache struct {
	mu      sync.RWMutex
	quotes  map[string]types.Ticker
	updated map[string]time.Time
}

// NewQuoteCache creates an empty quote cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		quotes:  make(map[string]types.Ticker),
		updated: make(map[string]time.Time),
	}
}

// Run consumes tickers from the feed channel until ctx is cancelled or
// the channel closes.
func (q *QuoteCache) Run(ctx context.Context, tickers <-chan types.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			q.Apply(t)
		}
	}
}

// Apply stores a ticker as the latest quote for its market.
func (q *QuoteCache) Apply(t types.Ticker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotes[t.Market] = t
	q.updated[t.Market] = time.Now()
}

// Latest returns the most recent ticker for a market.
func (q *QuoteCache) Latest(market string) (types.Ticker, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.quotes[market]
	return t, ok
}

// IsStale reports whether a market has no quote newer than maxAge.
func (q *QuoteCache) IsStale(market string, maxAge time.Duration) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	at, ok := q.updated[market]
	if !ok {
		return true
	}
	return time.Since(at) > maxAge
}

// Markets returns the markets currently cached.
func (q *QuoteCache) Markets() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.quotes))
	for m := range q.quotes {
		out = append(out, m)
	}
	return out
}
