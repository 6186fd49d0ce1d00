package strategy

import (
	"testing"
	"time"

	"upbit-intraday/internal/config"
	"upbit-intraday/pkg/types"
)

func testSweepConfig() config.SweepConfig {
	return config.SweepConfig{
		Use:                 true,
		ActiveWindows:       []string{"10:30-12:30", "17:30-18:30"},
		SwingLookback:       50,
		PenetrationATRMult:  0.05,
		RecoveryTimeMinutes: 15,
		VolumeSpikeMult:     2.0,
	}
}

// swingCandles builds 60 candles with a single swing high of 110 at
// index 40; every other candle is 100-105.
func swingCandles() []types.Candle {
	out := make([]types.Candle, 60)
	start := kstTime(5, 0)
	for i := range out {
		high := 105.0
		if i == 40 {
			high = 110.0
		}
		out[i] = types.Candle{
			Market:   "KRW-TEST",
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     102, High: high, Low: 100, Close: 102,
			Volume: 100,
			Unit:   5,
		}
	}
	return out
}

func sweepInput(price, volume float64, now time.Time) Input {
	return Input{
		Market:   "KRW-TEST",
		Candles:  swingCandles(),
		Price:    price,
		Volume:   volume,
		Features: types.FeatureVector{ATR14: 4.0},
		Now:      now,
	}
}

func TestSweepHighReversal(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	// Tick 1: price pierces the 110 swing high past 110 + 0.05*4
	if sig := s.Generate(sweepInput(110.5, 100, kstTime(11, 0))); sig != nil {
		t.Fatalf("penetration tick should not signal: %+v", sig)
	}

	// Tick 2: price recovers below the level with a 2.5x volume spike
	sig := s.Generate(sweepInput(109, 250, kstTime(11, 5)))
	if sig == nil {
		t.Fatal("expected sweep reversal signal after recovery")
	}
	if sig.Direction != types.Short || sig.Kind != types.SignalSweep {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Stop != 110+0.5*4 {
		t.Errorf("stop = %v, want 112", sig.Stop)
	}
	// target = entry - max(2*ATR=8, 2*penetration=1)
	if sig.Target != 109-8 {
		t.Errorf("target = %v, want 101", sig.Target)
	}
	if sig.Sweep.SweepLevel != 110 {
		t.Errorf("swept level = %v, want 110", sig.Sweep.SweepLevel)
	}
	if sig.Sweep.RecoverySecs != 300 {
		t.Errorf("recovery = %v, want 300s", sig.Sweep.RecoverySecs)
	}
	if !s.Validate(sig) {
		t.Errorf("signal should validate: conf=%v", sig.Confidence)
	}
}

func TestSweepLowVolumeRecoveryNoSignal(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	s.Generate(sweepInput(110.5, 100, kstTime(11, 0)))
	if sig := s.Generate(sweepInput(109, 120, kstTime(11, 5))); sig != nil {
		t.Errorf("recovery without volume spike emitted %+v", sig)
	}
}

func TestSweepEventExpires(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	s.Generate(sweepInput(110.5, 100, kstTime(11, 0)))
	// Recovery arrives past the 15-minute limit
	if sig := s.Generate(sweepInput(109, 250, kstTime(11, 20))); sig != nil {
		t.Errorf("expired event emitted %+v", sig)
	}
}

func TestSweepSameLevelSuppressed(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	s.Generate(sweepInput(110.5, 100, kstTime(11, 0)))
	s.Generate(sweepInput(110.6, 100, kstTime(11, 3)))
	if got := len(s.active["KRW-TEST"]); got != 1 {
		t.Errorf("active events = %d, want 1 (duplicate suppressed)", got)
	}
}

func TestSweepInactiveOutsideWindows(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	if s.Active(kstTime(9, 30)) {
		t.Error("09:30 should be outside the sweep windows")
	}
	if sig := s.Generate(sweepInput(110.5, 250, kstTime(14, 0))); sig != nil {
		t.Errorf("signal outside windows: %+v", sig)
	}
}

func TestSweepValidateRejectsSlowRecovery(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	s.Generate(sweepInput(110.5, 100, kstTime(11, 0)))
	// 13 of 15 minutes used: past the 0.8 freshness bound
	sig := s.Generate(sweepInput(109, 250, kstTime(11, 13)))
	if sig == nil {
		t.Fatal("expected signal (validation rejects it, generation does not)")
	}
	if s.Validate(sig) {
		t.Error("recovery slower than 0.8x the limit must not validate")
	}
}

func TestSweepCleanup(t *testing.T) {
	t.Parallel()
	s := NewSweep(testSweepConfig(), quietLogger())

	s.Generate(sweepInput(110.5, 100, kstTime(11, 0)))
	s.Cleanup("KRW-TEST", kstTime(14, 0))
	if got := len(s.active["KRW-TEST"]); got != 0 {
		t.Errorf("active events after cleanup = %d, want 0", got)
	}
}

func TestIdentifySwings(t *testing.T) {
	t.Parallel()
	levels := identifySwings(swingCandles(), 50)

	var foundHigh bool
	for _, lv := range levels {
		if lv.kind == "high" && lv.price == 110 {
			foundHigh = true
			if lv.strength != 10 {
				t.Errorf("strength = %d, want 10", lv.strength)
			}
		}
	}
	if !foundHigh {
		t.Errorf("swing high at 110 not found in %+v", levels)
	}
}
