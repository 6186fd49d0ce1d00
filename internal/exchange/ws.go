// ws.go implements the Upbit WebSocket ticker feed.
//
// The feed subscribes to ticker frames for a set of KRW markets and
// republishes them as types.Ticker on a buffered channel. It
// auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked markets on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed
// pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"upbit-intraday/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // keepalive ping cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickerBufferSize = 256
)

// wsTickerFrame is the venue's ticker push message.
type wsTickerFrame struct {
	Type              string  `json:"type"`
	Code              string  `json:"code"`
	TradePrice        float64 `json:"trade_price"`
	TradeVolume       float64 `json:"trade_volume"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
	AccTradePrice24h  float64 `json:"acc_trade_price_24h"`
	SignedChangeRate  float64 `json:"signed_change_rate"`
	TradeTimestamp    int64   `json:"trade_timestamp"`
	StreamType        string  `json:"stream_type"` // "SNAPSHOT" or "REALTIME"
}

// TickerFeed manages the WebSocket connection to the venue's ticker
// stream. It handles connection lifecycle, subscription tracking,
// message routing, and automatic reconnection with exponential backoff.
type TickerFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscribed markets for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickerCh chan types.Ticker

	logger *slog.Logger
}

// NewTickerFeed creates a ticker feed for the given WebSocket URL.
func NewTickerFeed(wsURL string, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		tickerCh:   make(chan types.Ticker, tickerBufferSize),
		logger:     logger.With("component", "ws_ticker"),
	}
}

// Tickers returns a read-only channel of ticker events.
func (f *TickerFeed) Tickers() <-chan types.Ticker { return f.tickerCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe replaces the tracked market set and pushes a new subscription
// frame when connected. The venue treats each subscribe message as a full
// replacement, so the whole set is always sent.
func (f *TickerFeed) Subscribe(markets []string) error {
	f.subscribedMu.Lock()
	f.subscribed = make(map[string]bool, len(markets))
	for _, m := range markets {
		f.subscribed[m] = true
	}
	f.subscribedMu.Unlock()

	return f.sendSubscription()
}

// Close gracefully closes the connection.
func (f *TickerFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickerFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// sendSubscription sends the venue's three-part subscribe frame:
// a ticket, the ticker type with market codes, and the format selector.
func (f *TickerFeed) sendSubscription() error {
	f.subscribedMu.RLock()
	codes := make([]string, 0, len(f.subscribed))
	for m := range f.subscribed {
		codes = append(codes, m)
	}
	f.subscribedMu.RUnlock()

	if len(codes) == 0 {
		return nil
	}

	frame := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": codes},
		map[string]string{"format": "DEFAULT"},
	}
	return f.writeJSON(frame)
}

func (f *TickerFeed) dispatchMessage(data []byte) {
	var frame wsTickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if frame.Type != "ticker" || frame.Code == "" {
		return
	}

	tick := types.Ticker{
		Market:      frame.Code,
		TradePrice:  frame.TradePrice,
		TradeVolume: frame.TradeVolume,
		AccVolume:   frame.AccTradeVolume24h,
		AccPriceKRW: frame.AccTradePrice24h,
		ChangeRate:  frame.SignedChangeRate,
		Timestamp:   time.UnixMilli(frame.TradeTimestamp).In(types.KST()),
	}

	select {
	case f.tickerCh <- tick:
	default:
		// Consumer lagging: drop the oldest so the latest tick wins
		select {
		case <-f.tickerCh:
		default:
		}
		select {
		case f.tickerCh <- tick:
		default:
		}
	}
}

func (f *TickerFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickerFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickerFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
