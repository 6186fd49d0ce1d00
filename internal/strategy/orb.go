package strategy

import (
	"log/slog"
	"math"

	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

// ORB is the opening-range-breakout strategy. The opening box is the
// high/low of today's candles inside the configured box window; a
// breakout beyond the box edge plus an ATR buffer, confirmed by a
// volume spike, emits a signal in the breakout direction.
type ORB struct {
	cfg       config.ORBConfig
	boxWin    types.Window
	activeWin types.Window
	logger    *slog.Logger
}

// NewORB creates the ORB strategy. Window strings must have been
// validated by config.
func NewORB(cfg config.ORBConfig, logger *slog.Logger) *ORB {
	boxWin, _ := types.ParseWindow(cfg.BoxWindow)
	activeWin, _ := types.ParseWindow(cfg.ActiveWindow)
	return &ORB{
		cfg:       cfg,
		boxWin:    boxWin,
		activeWin: activeWin,
		logger:    logger.With("component", "strategy_orb"),
	}
}

func (s *ORB) Kind() types.SignalKind { return types.SignalORB }

// Active reports whether the clock is inside the breakout window.
func (s *ORB) Active(now time.Time) bool {
	return s.cfg.Use && s.activeWin.Contains(now)
}

// Generate checks for a box breakout with volume confirmation.
func (s *ORB) Generate(in Input) *types.Signal {
	if !s.Active(in.Now) {
		return nil
	}

	boxHigh, boxLow, ok := s.openingBox(in)
	if !ok {
		return nil
	}
	boxRange := boxHigh - boxLow
	atr := in.Features.ATR14
	if atr <= 0 {
		return nil
	}

	volRatio := 0.0
	if avg := meanTail(volumes(in.Candles), s.cfg.VolumeLookback); avg > 0 {
		volRatio = in.Volume / avg
	}
	volConfirmed := volRatio >= s.cfg.VolumeSpikeMult

	buffer := s.cfg.BreakoutATRMult * atr
	var direction types.Direction
	switch {
	case in.Price >= boxHigh+buffer:
		direction = types.Long
	case in.Price <= boxLow-buffer:
		direction = types.Short
	default:
		return nil
	}
	if !volConfirmed {
		return nil
	}

	entry := in.Price
	var stop, target float64
	if direction == types.Long {
		stop = boxLow - 0.5*atr
		target = entry + math.Max(boxRange, 1.5*atr)
	} else {
		stop = boxHigh + 0.5*atr
		target = entry - math.Max(boxRange, 1.5*atr)
	}

	aligned := (direction == types.Long && in.Features.Trend == 1) ||
		(direction == types.Short && in.Features.Trend == 0)

	conf := math.Min(volRatio/3.0, 0.4) +
		math.Min(boxRange/(2*atr), 0.3)
	if aligned {
		conf += 0.3
	} else {
		conf += 0.1
	}
	conf = math.Min(conf, 1.0)

	sig := &types.Signal{
		Kind:        types.SignalORB,
		Market:      in.Market,
		Direction:   direction,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  conf,
		GeneratedAt: in.Now,
		ORB: &types.ORBContext{
			BoxHigh:      boxHigh,
			BoxLow:       boxLow,
			BoxRange:     boxRange,
			VolumeRatio:  volRatio,
			TrendAligned: aligned,
		},
	}

	s.logger.Info("breakout signal",
		"market", in.Market,
		"direction", direction,
		"entry", entry,
		"box_high", boxHigh,
		"box_low", boxLow,
		"vol_ratio", volRatio,
		"confidence", conf,
	)
	return sig
}

// Validate applies the ORB acceptance gate.
func (s *ORB) Validate(sig *types.Signal) bool {
	if sig == nil || sig.ORB == nil {
		return false
	}
	_, _, rr := sig.RiskReward()
	return sig.Confidence >= 0.6 &&
		rr >= 1.0 &&
		sig.ORB.VolumeRatio >= s.cfg.VolumeSpikeMult
}

// openingBox computes today's box high/low from candles inside the box
// window.
func (s *ORB) openingBox(in Input) (high, low float64, ok bool) {
	dayStart := types.DayStart(in.Now)
	low = math.Inf(1)
	for _, c := range in.Candles {
		if c.OpenTime.Before(dayStart) || !s.boxWin.Contains(c.OpenTime) {
			continue
		}
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
		ok = true
	}
	if !ok || high <= low {
		return 0, 0, false
	}
	return high, low, true
}
