// Package market turns raw venue data into scan candidates.
//
// The pipeline per market is: candle batch → Processor (validate, sort,
// optional gap fill) → Calculator (feature vector) → Scanner (hard
// filters + composite ranking). QuoteCache holds the latest WebSocket
// tickers for the strategy layer.
package market

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"upbit-intraday/pkg/types"
)

const (
	// gapFactor marks a gap when the delta between consecutive candles
	// exceeds this multiple of the candle unit.
	gapFactor = 1.5

	// maxGapFill bounds the synthetic candles inserted per gap.
	maxGapFill = 10

	// maxGapDeduction caps the quality penalty from detected gaps.
	maxGapDeduction = 0.5

	// outlierIQRMult flags closes outside q1/q3 ± this many IQRs.
	outlierIQRMult = 3.0
)

// BatchReport summarizes validation of one candle batch. A batch is
// usable only when Usable() holds; the scanner drops the market otherwise.
type BatchReport struct {
	Market    string
	Total     int
	Valid     int
	Errors    int
	Gaps      int
	Filled    int
	Outliers  int
	Reordered bool
	Quality   float64
}

// Usable reports whether the batch passed validation: no structural
// errors, at least 90% valid candles, and quality >= 0.7.
func (r BatchReport) Usable() bool {
	if r.Total == 0 || r.Errors > 0 {
		return false
	}
	return float64(r.Valid)/float64(r.Total) >= 0.9 && r.Quality >= 0.7
}

// Processor validates, sorts and optionally gap-fills candle batches.
type Processor struct {
	unit     int
	fillGaps bool
	logger   *slog.Logger
}

// NewProcessor creates a processor for candles of the given unit
// (minutes). Gap filling inserts synthetic zero-volume candles and is
// off by default in scanning.
func NewProcessor(unit int, fillGaps bool, logger *slog.Logger) *Processor {
	return &Processor{
		unit:     unit,
		fillGaps: fillGaps,
		logger:   logger.With("component", "candle_processor"),
	}
}

// Process validates and normalizes a batch. The returned candles are
// strictly ascending by open time with duplicates collapsed; the report
// carries the quality verdict.
func (p *Processor) Process(market string, candles []types.Candle) ([]types.Candle, BatchReport) {
	report := BatchReport{Market: market, Total: len(candles)}
	if len(candles) == 0 {
		return nil, report
	}

	kept := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		switch classify(c) {
		case candleOK:
			report.Valid++
			kept = append(kept, c)
		case candleInvalid:
			// Dropped but not fatal: counts against the valid ratio
		case candleBroken:
			report.Errors++
		}
	}

	report.Reordered = !sort.SliceIsSorted(kept, func(i, j int) bool {
		return kept[i].OpenTime.Before(kept[j].OpenTime)
	})
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].OpenTime.Before(kept[j].OpenTime)
	})
	kept = dedupe(kept)

	report.Gaps = p.countGaps(kept)
	if p.fillGaps && report.Gaps > 0 {
		kept, report.Filled = p.fill(kept)
	}

	report.Outliers = countOutliers(kept)
	if report.Outliers > 0 {
		p.logger.Debug("price outliers in batch",
			"market", market,
			"count", report.Outliers,
		)
	}

	report.Quality = p.quality(report)
	if !report.Usable() {
		p.logger.Debug("candle batch failed validation",
			"market", market,
			"valid", report.Valid,
			"total", report.Total,
			"errors", report.Errors,
			"gaps", report.Gaps,
			"quality", fmt.Sprintf("%.2f", report.Quality),
		)
	}
	return kept, report
}

// quality scores the batch: valid ratio minus a capped per-gap penalty,
// with an extra deduction when the input arrived out of order.
func (p *Processor) quality(r BatchReport) float64 {
	if r.Total == 0 {
		return 0
	}
	deduction := math.Min(0.1*float64(r.Gaps), maxGapDeduction)
	if r.Reordered {
		deduction += 0.1
	}
	q := float64(r.Valid)/float64(r.Total) - deduction
	return math.Max(0, math.Min(q, 1))
}

type candleClass int

const (
	candleOK candleClass = iota
	candleInvalid
	candleBroken
)

// classify splits candles into usable, droppable and structurally
// broken. Broken candles (impossible geometry) poison the whole batch.
func classify(c types.Candle) candleClass {
	if c.OpenTime.IsZero() || c.Close <= 0 || c.High < c.Low {
		return candleBroken
	}
	if c.Open <= 0 || c.Low <= 0 ||
		c.High < c.Open || c.High < c.Close ||
		c.Low > c.Open || c.Low > c.Close ||
		c.Volume < 0 {
		return candleInvalid
	}
	return candleOK
}

// dedupe collapses candles sharing an open time, keeping the last seen.
// Input must be sorted.
func dedupe(candles []types.Candle) []types.Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.OpenTime.Equal(out[len(out)-1].OpenTime) {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

func (p *Processor) countGaps(candles []types.Candle) int {
	threshold := time.Duration(float64(p.unit)*gapFactor) * time.Minute
	gaps := 0
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime.Sub(candles[i-1].OpenTime) > threshold {
			gaps++
		}
	}
	return gaps
}

// fill inserts forward-filled zero-volume candles into gaps. Gaps wider
// than maxGapFill bars are left alone.
func (p *Processor) fill(candles []types.Candle) ([]types.Candle, int) {
	unit := time.Duration(p.unit) * time.Minute
	threshold := time.Duration(float64(p.unit)*gapFactor) * time.Minute

	out := make([]types.Candle, 0, len(candles))
	filled := 0
	for i, c := range candles {
		if i > 0 {
			prev := out[len(out)-1]
			delta := c.OpenTime.Sub(prev.OpenTime)
			if delta > threshold {
				missing := int(delta/unit) - 1
				if missing > 0 && missing <= maxGapFill {
					for j := 1; j <= missing; j++ {
						out = append(out, types.Candle{
							Market:   prev.Market,
							OpenTime: prev.OpenTime.Add(time.Duration(j) * unit),
							Open:     prev.Close,
							High:     prev.Close,
							Low:      prev.Close,
							Close:    prev.Close,
							Volume:   0,
							Unit:     prev.Unit,
						})
						filled++
					}
				}
			}
		}
		out = append(out, c)
	}
	return out, filled
}

// countOutliers flags closes outside q1/q3 ± 3·IQR. Detection only;
// flagged candles stay in the batch.
func countOutliers(candles []types.Candle) int {
	if len(candles) < 4 {
		return 0
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	sort.Float64s(closes)

	q1 := quantile(closes, 0.25)
	q3 := quantile(closes, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return 0
	}
	lo := q1 - outlierIQRMult*iqr
	hi := q3 + outlierIQRMult*iqr

	count := 0
	for _, v := range closes {
		if v < lo || v > hi {
			count++
		}
	}
	return count
}

// quantile interpolates the q-th quantile of sorted values.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
