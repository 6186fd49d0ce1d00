package strategy

import (
	"log/slog"
	"math"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

const pullbackLookback = 20

// SVWAP is the session-VWAP pullback strategy. It waits for price to
// enter the sVWAP ± zone_atr_mult·ATR band during a trading session,
// requires a recent retrace between the configured pullback bounds, and
// enters toward the retrace origin.
type SVWAP struct {
	cfg      config.SVWAPConfig
	sessions []types.Window
	logger   *slog.Logger
}

// NewSVWAP creates the sVWAP-pullback strategy. sessions are the
// trading-session windows from runtime config.
func NewSVWAP(cfg config.SVWAPConfig, sessions []types.Window, logger *slog.Logger) *SVWAP {
	return &SVWAP{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With("component", "strategy_svwap"),
	}
}

func (s *SVWAP) Kind() types.SignalKind { return types.SignalSVWAP }

// Active reports whether the clock is inside any trading session.
func (s *SVWAP) Active(now time.Time) bool {
	if !s.cfg.Use {
		return false
	}
	for _, w := range s.sessions {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// Generate checks for a valid pullback into the sVWAP zone.
func (s *SVWAP) Generate(in Input) *types.Signal {
	if !s.Active(in.Now) {
		return nil
	}
	atr := in.Features.ATR14
	svwap := in.Features.SVWAP
	if atr <= 0 || svwap <= 0 {
		return nil
	}

	halfZone := s.cfg.ZoneATRMult * atr
	if in.Price < svwap-halfZone || in.Price > svwap+halfZone {
		return nil
	}

	recentHigh, recentLow, ok := recentRange(in.Candles, pullbackLookback)
	if !ok {
		return nil
	}

	// The larger retrace side determines trend direction: a pullback
	// off the low implies an uptrend, off the high a downtrend.
	fromHighPct := (recentHigh - in.Price) / recentHigh * 100
	fromLowPct := (in.Price - recentLow) / recentLow * 100

	var from string
	var pct float64
	var direction types.Direction
	if fromHighPct > fromLowPct {
		from, pct, direction = "high", fromHighPct, types.Short
	} else {
		from, pct, direction = "low", fromLowPct, types.Long
	}

	if pct < s.cfg.MinPullbackPct || pct > s.cfg.MaxPullbackPct {
		return nil
	}

	// Direction gate: longs only at-or-below sVWAP, shorts at-or-above
	if direction == types.Long && in.Price > svwap {
		return nil
	}
	if direction == types.Short && in.Price < svwap {
		return nil
	}

	emaAligned := true
	if direction == types.Long {
		emaAligned = in.Features.EMA20 > in.Features.EMA50
	} else {
		emaAligned = in.Features.EMA20 < in.Features.EMA50
	}
	if s.cfg.RequireEMAAlignment && !emaAligned {
		return nil
	}

	volConfirmed := false
	if avg := meanTail(volumes(in.Candles), 10); avg > 0 {
		volConfirmed = in.Volume/avg >= 1.2
	}

	entry := in.Price
	var stop, target float64
	if direction == types.Long {
		stop = recentLow - 0.5*atr
		target = entry + math.Max((recentHigh-entry)*1.2, 2*atr)
	} else {
		stop = recentHigh + 0.5*atr
		target = entry - math.Max((entry-recentLow)*1.2, 2*atr)
	}

	zoneDist := math.Abs(in.Price-svwap) / (2 * halfZone)
	conf := math.Max(0.3*(1-math.Abs(pct-1.0)/1.5), 0.1)
	if emaAligned {
		conf += 0.3
	} else {
		conf += 0.1
	}
	if volConfirmed {
		conf += 0.2
	} else {
		conf += 0.05
	}
	conf += 0.2 * (1 - math.Min(zoneDist, 1.0))
	conf = math.Min(conf, 1.0)

	sig := &types.Signal{
		Kind:        types.SignalSVWAP,
		Market:      in.Market,
		Direction:   direction,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  conf,
		GeneratedAt: in.Now,
		Pullback: &types.PullbackContext{
			SVWAP:        svwap,
			PullbackPct:  pct,
			PullbackFrom: from,
			ZoneDistance: zoneDist,
			EMAAligned:   emaAligned,
		},
	}

	s.logger.Info("pullback signal",
		"market", in.Market,
		"direction", direction,
		"entry", entry,
		"svwap", svwap,
		"pullback_pct", pct,
		"confidence", conf,
	)
	return sig
}

// Validate applies the pullback acceptance gate.
func (s *SVWAP) Validate(sig *types.Signal) bool {
	if sig == nil || sig.Pullback == nil {
		return false
	}
	_, _, rr := sig.RiskReward()
	return sig.Confidence >= 0.5 && rr >= 1.0
}

func recentRange(candles []types.Candle, lookback int) (high, low float64, ok bool) {
	if len(candles) < 2 {
		return 0, 0, false
	}
	if len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range candles {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}
	if high <= 0 || low <= 0 {
		return 0, 0, false
	}
	return high, low, true
}
