package market

import (
	"fmt"
	"math"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

// Calculator computes per-market feature vectors from processed candle
// batches. It is stateless: every Compute call derives everything from
// its inputs.
//
// The composite score is a weighted sum of relative strength, normalized
// relative volume, trend flag and depth score. Weights come from config
// and must sum to 1.
type Calculator struct {
	cfg config.ScannerConfig
}

// NewCalculator creates a feature calculator.
func NewCalculator(cfg config.ScannerConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Compute derives the feature vector for one market. candles and
// refCandles must be processed (ascending, validated); book may be nil,
// which yields depth 0 and an infinite spread.
func (c *Calculator) Compute(
	market string,
	candles []types.Candle,
	refCandles []types.Candle,
	book *types.OrderbookSnapshot,
	now time.Time,
) (types.FeatureVector, error) {
	if len(candles) == 0 {
		return types.FeatureVector{}, fmt.Errorf("compute features %s: no candles", market)
	}

	last := candles[len(candles)-1]
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, cd := range candles {
		closes[i] = cd.Close
		volumes[i] = cd.Volume
	}

	rvol := RVOL(volumes, c.cfg.RVOLWindow)
	k := c.cfg.RSWindowMinutes / c.cfg.CandleUnit
	rs := PeriodReturn(closes, k) - PeriodReturn(refCloses(refCandles), k)
	svwap := SessionVWAP(candles, now)
	atr := ATR(candles, 14)
	ema20 := EMA(closes, c.cfg.EMAFast)
	ema50 := EMA(closes, c.cfg.EMASlow)

	trend := 0
	if ema20 > ema50 && last.Close > svwap {
		trend = 1
	}

	rvolZ := clip(rvol-1, 0, 3)

	depth := 0.0
	spreadBP := math.Inf(1)
	if book != nil {
		if bid, ask, ok := book.BestBidAsk(); ok {
			mid := (bid + ask) / 2
			spreadBP = (ask - bid) / mid * 10_000
		}
		depth = math.Min(math.Log1p(book.TotalDepth())/10, 1)
	}

	score := c.cfg.WeightRS*rs +
		c.cfg.WeightRVOL*rvolZ +
		c.cfg.WeightTrend*float64(trend) +
		c.cfg.WeightDepth*depth

	return types.FeatureVector{
		Market:      market,
		Timestamp:   now,
		RVOL:        rvol,
		RS:          rs,
		SVWAP:       svwap,
		ATR14:       atr,
		EMA20:       ema20,
		EMA50:       ema50,
		Trend:       trend,
		RVOLZ:       rvolZ,
		DepthScore:  depth,
		SpreadBP:    spreadBP,
		FinalScore:  score,
		Price:       last.Close,
		Volume:      last.Volume,
		SampleCount: len(candles),
	}, nil
}

// PassesHardFilters applies the scanner gate: relative volume, spread,
// trend and minimum composite score.
func (c *Calculator) PassesHardFilters(f types.FeatureVector) bool {
	return f.RVOL >= c.cfg.RVOLThreshold &&
		f.SpreadOK(c.cfg.SpreadBPMax) &&
		f.Trend == 1 &&
		f.FinalScore >= c.cfg.MinScore
}

// RVOL is the last volume over the mean of the preceding window.
// Returns the neutral 1.0 when the series is short or the mean is
// degenerate.
func RVOL(volumes []float64, window int) float64 {
	n := len(volumes)
	if window <= 0 || n < window+1 {
		return 1.0
	}
	var sum float64
	for _, v := range volumes[n-1-window : n-1] {
		sum += v
	}
	mean := sum / float64(window)
	if mean <= 0 {
		return 1.0
	}
	r := volumes[n-1] / mean
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 1.0
	}
	return r
}

// PeriodReturn is the fractional price change over the last k periods.
// Returns 0 when the series is short or the base is degenerate.
func PeriodReturn(closes []float64, k int) float64 {
	n := len(closes)
	if k <= 0 || n < k+1 {
		return 0
	}
	base := closes[n-1-k]
	if base <= 0 {
		return 0
	}
	return (closes[n-1] - base) / base
}

// SessionVWAP is the volume-weighted average close over the current
// trading day (00:00 KST to now). Falls back to the last price when
// the day's volume is zero.
func SessionVWAP(candles []types.Candle, now time.Time) float64 {
	dayStart := types.DayStart(now)
	var pv, vol float64
	for _, c := range candles {
		if c.OpenTime.Before(dayStart) {
			continue
		}
		pv += c.Close * c.Volume
		vol += c.Volume
	}
	if vol <= 0 {
		if len(candles) == 0 {
			return 0
		}
		return candles[len(candles)-1].Close
	}
	return pv / vol
}

// EMA computes an exponential moving average with smoothing 2/(n+1),
// seeded by the first sample.
func EMA(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	alpha := 2.0 / float64(n+1)
	ema := values[0]
	for _, v := range values[1:] {
		ema = alpha*v + (1-alpha)*ema
	}
	return ema
}

// ATR is the simple mean of the last n true ranges.
// TR = max(high-low, |high-prevClose|, |low-prevClose|).
// A single candle has no previous close; its range stands in for the TR.
func ATR(candles []types.Candle, n int) float64 {
	if len(candles) == 0 || n <= 0 {
		return 0
	}
	if len(candles) == 1 {
		return candles[0].High - candles[0].Low
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		c := candles[i]
		tr := math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
		trs = append(trs, tr)
	}
	if len(trs) > n {
		trs = trs[len(trs)-n:]
	}
	var sum float64
	for _, tr := range trs {
		sum += tr
	}
	return sum / float64(len(trs))
}

func refCloses(candles []types.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
