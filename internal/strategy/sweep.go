package strategy

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

const (
	swingBuffer        = 5  // candles required on each side of a swing
	sameLevelTolerance = 0.01
	sameLevelWindow    = 30 * time.Minute
	maxEventAge        = 2 * time.Hour
	maxSwingLevels     = 10
)

type swingLevel struct {
	price    float64
	at       time.Time
	kind     string // "high" or "low"
	strength int    // neighbors respecting the level, max 10
}

type sweepEvent struct {
	level        swingLevel
	penetration  float64 // distance past the swing level
	penetratedAt time.Time
	recovered    bool
	recoveredAt  time.Time
	volumeRatio  float64
}

// Sweep is the liquidity-sweep-reversal strategy. It is the only
// strategy with per-market transient state: detected sweep events wait
// for a recovery confirmation before a signal fires. All state access
// happens on the orchestrator tick, so no internal locking is needed.
//
// A sweep is a small penetration past a swing level followed by a quick
// return to the protected side; the reversal trade fades the sweep.
type Sweep struct {
	cfg     config.SweepConfig
	windows []types.Window
	active  map[string][]*sweepEvent
	logger  *slog.Logger
}

// NewSweep creates the sweep-reversal strategy. Window strings must
// have been validated by config.
func NewSweep(cfg config.SweepConfig, logger *slog.Logger) *Sweep {
	windows := make([]types.Window, 0, len(cfg.ActiveWindows))
	for _, s := range cfg.ActiveWindows {
		if w, err := types.ParseWindow(s); err == nil {
			windows = append(windows, w)
		}
	}
	return &Sweep{
		cfg:     cfg,
		windows: windows,
		active:  make(map[string][]*sweepEvent),
		logger:  logger.With("component", "strategy_sweep"),
	}
}

func (s *Sweep) Kind() types.SignalKind { return types.SignalSweep }

// Active reports whether the clock is inside a mid-session sub-window.
func (s *Sweep) Active(now time.Time) bool {
	if !s.cfg.Use {
		return false
	}
	for _, w := range s.windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// Generate runs the three sweep phases: swing identification, sweep
// detection, and recovery confirmation.
func (s *Sweep) Generate(in Input) *types.Signal {
	if !s.Active(in.Now) {
		return nil
	}
	atr := in.Features.ATR14
	if atr <= 0 {
		return nil
	}

	levels := identifySwings(in.Candles, s.cfg.SwingLookback)
	s.detectSweeps(in, levels, atr)

	ready := s.updateEvents(in)
	if len(ready) == 0 {
		return nil
	}

	best := ready[0]
	for _, e := range ready[1:] {
		if e.volumeRatio > best.volumeRatio {
			best = e
		}
	}

	// Reverse the sweep: a swept low means trapped sellers, go long
	direction := types.Long
	if best.level.kind == "high" {
		direction = types.Short
	}

	entry := in.Price
	targetDist := math.Max(2*atr, 2*best.penetration)
	var stop, target float64
	if direction == types.Long {
		stop = best.level.price - 0.5*atr
		target = entry + targetDist
	} else {
		stop = best.level.price + 0.5*atr
		target = entry - targetDist
	}

	recoverySecs := best.recoveredAt.Sub(best.penetratedAt).Seconds()
	conf := s.confidence(best, recoverySecs/60)

	sig := &types.Signal{
		Kind:        types.SignalSweep,
		Market:      in.Market,
		Direction:   direction,
		Entry:       entry,
		Stop:        stop,
		Target:      target,
		Confidence:  conf,
		GeneratedAt: in.Now,
		Sweep: &types.SweepContext{
			SweepLevel:    best.level.price,
			Penetration:   best.penetration,
			RecoverySecs:  recoverySecs,
			VolumeRatio:   best.volumeRatio,
			SwingStrength: best.level.strength,
		},
	}

	s.logger.Info("sweep reversal signal",
		"market", in.Market,
		"direction", direction,
		"entry", entry,
		"swept_level", best.level.price,
		"recovery_secs", recoverySecs,
		"vol_ratio", best.volumeRatio,
		"confidence", conf,
	)
	return sig
}

// Validate applies the sweep acceptance gate, the strictest of the
// three strategies.
func (s *Sweep) Validate(sig *types.Signal) bool {
	if sig == nil || sig.Sweep == nil {
		return false
	}
	_, _, rr := sig.RiskReward()
	limit := float64(s.cfg.RecoveryTimeMinutes) * 60
	return sig.Confidence >= 0.7 &&
		rr >= 1.5 &&
		sig.Sweep.VolumeRatio >= s.cfg.VolumeSpikeMult &&
		sig.Sweep.RecoverySecs <= 0.8*limit
}

// Cleanup drops events older than two hours. Called between sessions.
func (s *Sweep) Cleanup(market string, now time.Time) {
	events := s.active[market]
	kept := events[:0]
	for _, e := range events {
		if now.Sub(e.penetratedAt) <= maxEventAge {
			kept = append(kept, e)
		}
	}
	s.active[market] = kept
}

// detectSweeps opens events for levels the current price has penetrated,
// suppressing duplicates of an unresolved level seen recently.
func (s *Sweep) detectSweeps(in Input, levels []swingLevel, atr float64) {
	threshold := s.cfg.PenetrationATRMult * atr
	for _, lv := range levels {
		var penetration float64
		switch lv.kind {
		case "high":
			if in.Price > lv.price+threshold {
				penetration = in.Price - lv.price
			}
		case "low":
			if in.Price < lv.price-threshold {
				penetration = lv.price - in.Price
			}
		}
		if penetration <= 0 {
			continue
		}
		if s.hasRecentEvent(in.Market, lv, in.Now) {
			continue
		}

		s.active[in.Market] = append(s.active[in.Market], &sweepEvent{
			level:        lv,
			penetration:  penetration,
			penetratedAt: in.Now,
		})
		s.logger.Info("sweep detected",
			"market", in.Market,
			"level_kind", lv.kind,
			"level", lv.price,
			"penetration", penetration,
		)
	}
}

func (s *Sweep) hasRecentEvent(market string, lv swingLevel, now time.Time) bool {
	for _, e := range s.active[market] {
		if e.level.kind == lv.kind &&
			math.Abs(e.level.price-lv.price) < sameLevelTolerance &&
			now.Sub(e.penetratedAt) <= sameLevelWindow {
			return true
		}
	}
	return false
}

// updateEvents expires stale events, marks recoveries and returns the
// events whose volume spike qualifies for a signal. Returned events are
// removed from the active set.
func (s *Sweep) updateEvents(in Input) []*sweepEvent {
	limit := time.Duration(s.cfg.RecoveryTimeMinutes) * time.Minute
	avgVolume := meanTail(volumes(in.Candles), 10)

	var ready []*sweepEvent
	kept := s.active[in.Market][:0]
	for _, e := range s.active[in.Market] {
		if in.Now.Sub(e.penetratedAt) > limit {
			continue // expired
		}

		if !e.recovered {
			recovered := (e.level.kind == "high" && in.Price < e.level.price) ||
				(e.level.kind == "low" && in.Price > e.level.price)
			if recovered {
				e.recovered = true
				e.recoveredAt = in.Now
				e.volumeRatio = 1.0
				if avgVolume > 0 {
					e.volumeRatio = in.Volume / avgVolume
				}
				if e.volumeRatio >= s.cfg.VolumeSpikeMult {
					ready = append(ready, e)
					continue // consumed
				}
			}
		}
		kept = append(kept, e)
	}
	s.active[in.Market] = kept
	return ready
}

// confidence scores a recovered event: fast recovery, strong volume,
// strong swing, shallow penetration.
func (s *Sweep) confidence(e *sweepEvent, recoveryMinutes float64) float64 {
	limit := float64(s.cfg.RecoveryTimeMinutes)
	conf := 0.3 * (1 - math.Min(recoveryMinutes/limit, 1.0))
	conf += math.Min(e.volumeRatio/4.0, 0.3)
	conf += math.Min(float64(e.level.strength)/10.0, 0.2)

	penetrationRatio := e.penetration / e.level.price
	conf += 0.2 * (1 - math.Min(penetrationRatio/0.1, 1.0))
	return math.Min(conf, 1.0)
}

// identifySwings finds swing highs/lows over the lookback: a candle
// whose high is strictly greater (low strictly lower) than every
// neighbor within ±5. The last 5 candles can never be swings. Keeps the
// top half by strength, most recent 10.
func identifySwings(candles []types.Candle, lookback int) []swingLevel {
	if lookback <= 0 || len(candles) < lookback {
		return nil
	}
	recent := candles[len(candles)-lookback:]

	var levels []swingLevel
	for i := swingBuffer; i < len(recent)-swingBuffer; i++ {
		c := recent[i]

		swingHigh := true
		swingLow := true
		for j := i - swingBuffer; j <= i+swingBuffer; j++ {
			if j == i {
				continue
			}
			if recent[j].High >= c.High {
				swingHigh = false
			}
			if recent[j].Low <= c.Low {
				swingLow = false
			}
			if !swingHigh && !swingLow {
				break
			}
		}

		if swingHigh {
			levels = append(levels, swingLevel{
				price:    c.High,
				at:       c.OpenTime,
				kind:     "high",
				strength: swingStrength(recent, i, "high"),
			})
		}
		if swingLow {
			levels = append(levels, swingLevel{
				price:    c.Low,
				at:       c.OpenTime,
				kind:     "low",
				strength: swingStrength(recent, i, "low"),
			})
		}
	}
	if len(levels) == 0 {
		return nil
	}

	// Keep the top half by strength, then the most recent 10
	strengths := make([]int, len(levels))
	for i, lv := range levels {
		strengths[i] = lv.strength
	}
	sort.Ints(strengths)
	median := strengths[len(strengths)/2]

	kept := levels[:0]
	for _, lv := range levels {
		if lv.strength >= median {
			kept = append(kept, lv)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].at.After(kept[j].at)
	})
	if len(kept) > maxSwingLevels {
		kept = kept[:maxSwingLevels]
	}
	return kept
}

// swingStrength counts the up-to-10 neighbors respecting the level.
func swingStrength(candles []types.Candle, center int, kind string) int {
	ref := candles[center].High
	if kind == "low" {
		ref = candles[center].Low
	}
	strength := 0
	for d := 1; d <= swingBuffer; d++ {
		for _, idx := range []int{center - d, center + d} {
			if idx < 0 || idx >= len(candles) {
				continue
			}
			if kind == "high" && candles[idx].High <= ref {
				strength++
			}
			if kind == "low" && candles[idx].Low >= ref {
				strength++
			}
		}
	}
	return strength
}
