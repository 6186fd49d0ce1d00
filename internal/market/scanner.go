package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"upbit-intraday/internal/config"
	"upbit-intraday/internal/exchange"
	"upbit-intraday/pkg/types"
)

// Gateway is the slice of the exchange client the scanner consumes.
type Gateway interface {
	GetMarkets(ctx context.Context) ([]exchange.MarketItem, error)
	GetCandles(ctx context.Context, market string, unit, count int) ([]types.Candle, error)
	GetOrderbooks(ctx context.Context, markets []string) ([]types.OrderbookSnapshot, error)
}

// Candidate is one market that passed the hard filters, ranked by score.
type Candidate struct {
	Market   string              `json:"market"`
	Features types.FeatureVector `json:"features"`
	Candles  []types.Candle      `json:"-"`
}

// ScanResult is the outcome of one scan: the ranked candidates plus
// per-stage totals for diagnostics.
type ScanResult struct {
	ScanID     string        `json:"scan_id"`
	ScannedAt  time.Time     `json:"scanned_at"`
	Duration   time.Duration `json:"duration"`
	Universe   int           `json:"universe"`   // KRW markets after warnings
	Scanned    int           `json:"scanned"`    // markets actually fetched
	Computed   int           `json:"computed"`   // feature vectors produced
	Passed     int           `json:"passed"`     // survived hard filters
	Candidates []Candidate   `json:"candidates"` // top candidate_count by score
}

// Scanner selects trade candidates for each tick. Each Scan call reads
// fresh snapshots: the universe, candle batches (fanned out concurrently),
// and one orderbook batch, then computes features, applies the hard
// filters and ranks by composite score.
type Scanner struct {
	gw      Gateway
	cfg     config.ScannerConfig
	symbols config.SymbolsConfig
	proc    *Processor
	calc    *Calculator
	logger  *slog.Logger
}

// NewScanner creates a scanner over the given gateway.
func NewScanner(gw Gateway, cfg config.Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		gw:      gw,
		cfg:     cfg.Scanner,
		symbols: cfg.Symbols,
		proc:    NewProcessor(cfg.Scanner.CandleUnit, false, logger),
		calc:    NewCalculator(cfg.Scanner),
		logger:  logger.With("component", "scanner"),
	}
}

// Scan runs one full scan pass. Per-market fetch failures drop that
// market from the tick; only universe-level failures are fatal.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	start := time.Now()
	result := &ScanResult{
		ScanID:    uuid.NewString(),
		ScannedAt: types.NowKST(),
	}

	universe, err := s.selectUniverse(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan universe: %w", err)
	}
	result.Universe = len(universe)

	// Reference series fetched once, shared by every market's RS
	refCandles, err := s.fetchProcessed(ctx, s.cfg.RSReference)
	if err != nil {
		return nil, fmt.Errorf("scan reference %s: %w", s.cfg.RSReference, err)
	}

	books, err := s.fetchBooks(ctx, universe)
	if err != nil {
		s.logger.Warn("orderbook batch failed, scanning without depth", "error", err)
		books = map[string]*types.OrderbookSnapshot{}
	}

	features := s.fanOut(ctx, universe, refCandles, books, result)

	var passed []Candidate
	for _, f := range features {
		if s.calc.PassesHardFilters(f.Features) {
			passed = append(passed, f)
		}
	}
	result.Passed = len(passed)

	sort.Slice(passed, func(i, j int) bool {
		return passed[i].Features.FinalScore > passed[j].Features.FinalScore
	})
	if len(passed) > s.cfg.CandidateCount {
		passed = passed[:s.cfg.CandidateCount]
	}
	result.Candidates = passed
	result.Duration = time.Since(start)

	s.logger.Info("scan complete",
		"scan_id", result.ScanID,
		"universe", result.Universe,
		"scanned", result.Scanned,
		"computed", result.Computed,
		"passed", result.Passed,
		"selected", len(result.Candidates),
		"duration", result.Duration,
	)
	return result, nil
}

// Refresh re-fetches one candidate's candles and orderbook and
// recomputes its features. Strategies evaluate against current bars,
// not the batch captured at scan time.
func (s *Scanner) Refresh(ctx context.Context, market string) (*Candidate, error) {
	candles, err := s.fetchProcessed(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", market, err)
	}

	refCandles := candles
	if market != s.cfg.RSReference {
		if refCandles, err = s.fetchProcessed(ctx, s.cfg.RSReference); err != nil {
			return nil, fmt.Errorf("refresh reference %s: %w", s.cfg.RSReference, err)
		}
	}

	books, err := s.fetchBooks(ctx, []string{market})
	if err != nil {
		s.logger.Warn("orderbook fetch failed, refreshing without depth", "market", market, "error", err)
		books = map[string]*types.OrderbookSnapshot{}
	}

	fv, err := s.calc.Compute(market, candles, refCandles, books[market], types.NowKST())
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", market, err)
	}
	return &Candidate{Market: market, Features: fv, Candles: candles}, nil
}

// selectUniverse fetches the market list and keeps KRW-quoted markets
// without warning flags, priority markets first then alphabetical fill
// up to max_markets_to_scan.
func (s *Scanner) selectUniverse(ctx context.Context) ([]string, error) {
	items, err := s.gw.GetMarkets(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make(map[string]bool)
	for _, m := range items {
		if len(m.Market) < 4 || m.Market[:4] != "KRW-" {
			continue
		}
		if s.symbols.ExcludeWarning && m.MarketWarning != "" && m.MarketWarning != exchange.MarketWarningNone {
			continue
		}
		eligible[m.Market] = true
	}

	limit := s.symbols.MaxMarketsToScan
	if limit <= 0 {
		limit = len(eligible)
	}

	selected := make([]string, 0, limit)
	seen := make(map[string]bool)
	for _, m := range s.symbols.PriorityMarkets {
		if eligible[m] && !seen[m] && len(selected) < limit {
			selected = append(selected, m)
			seen[m] = true
		}
	}

	rest := make([]string, 0, len(eligible))
	for m := range eligible {
		if !seen[m] {
			rest = append(rest, m)
		}
	}
	sort.Strings(rest)
	for _, m := range rest {
		if len(selected) >= limit {
			break
		}
		selected = append(selected, m)
	}
	return selected, nil
}

// fanOut fetches and processes candles for every market concurrently,
// bounded by fan_out_limit, and computes feature vectors. Failures drop
// the market, never the tick.
func (s *Scanner) fanOut(
	ctx context.Context,
	markets []string,
	refCandles []types.Candle,
	books map[string]*types.OrderbookSnapshot,
	result *ScanResult,
) []Candidate {
	limit := s.cfg.FanOutLimit
	if limit <= 0 {
		limit = 5
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var out []Candidate
	now := types.NowKST()

	for _, market := range markets {
		market := market
		g.Go(func() error {
			candles, err := s.fetchProcessed(gctx, market)
			if err != nil {
				s.logger.Warn("market dropped from scan", "market", market, "error", err)
				return nil
			}

			mu.Lock()
			result.Scanned++
			mu.Unlock()

			fv, err := s.calc.Compute(market, candles, refCandles, books[market], now)
			if err != nil {
				s.logger.Debug("feature computation failed", "market", market, "error", err)
				return nil
			}

			mu.Lock()
			result.Computed++
			out = append(out, Candidate{Market: market, Features: fv, Candles: candles})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// fetchProcessed fetches one market's candles and runs them through the
// processor. An unusable batch is an error: the market is skipped.
func (s *Scanner) fetchProcessed(ctx context.Context, market string) ([]types.Candle, error) {
	raw, err := s.gw.GetCandles(ctx, market, s.cfg.CandleUnit, s.cfg.CandleCount)
	if err != nil {
		return nil, err
	}
	candles, report := s.proc.Process(market, raw)
	if !report.Usable() {
		return nil, fmt.Errorf("candle batch unusable (quality %.2f)", report.Quality)
	}
	return candles, nil
}

// fetchBooks pulls one orderbook batch for the whole universe, chunked
// to stay under the venue's URL limits.
func (s *Scanner) fetchBooks(ctx context.Context, markets []string) (map[string]*types.OrderbookSnapshot, error) {
	const chunkSize = 20
	out := make(map[string]*types.OrderbookSnapshot, len(markets))
	for i := 0; i < len(markets); i += chunkSize {
		chunk := markets[i:int(math.Min(float64(i+chunkSize), float64(len(markets))))]
		books, err := s.gw.GetOrderbooks(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for j := range books {
			out[books[j].Market] = &books[j]
		}
	}
	return out, nil
}
