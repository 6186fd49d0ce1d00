package strategy

import (
	"testing"
	"time"

	"upbit-intraday/pkg/types"
)

// stubStrategy emits a canned signal and validates by a flag.
type stubStrategy struct {
	kind  types.SignalKind
	sig   *types.Signal
	valid bool
}

func (s *stubStrategy) Kind() types.SignalKind         { return s.kind }
func (s *stubStrategy) Active(now time.Time) bool      { return true }
func (s *stubStrategy) Generate(in Input) *types.Signal { return s.sig }
func (s *stubStrategy) Validate(sig *types.Signal) bool { return s.valid }

func stubSignal(kind types.SignalKind, dir types.Direction, entry, conf float64) *types.Signal {
	return &types.Signal{
		Kind:        kind,
		Market:      "KRW-TEST",
		Direction:   dir,
		Entry:       entry,
		Stop:        entry * 0.98,
		Target:      entry * 1.04,
		Confidence:  conf,
		GeneratedAt: kstTime(11, 0),
	}
}

func managerInput() Input {
	return Input{Market: "KRW-TEST", Now: kstTime(11, 0)}
}

func TestManagerPicksHighestPriorityOnConflict(t *testing.T) {
	t.Parallel()
	// Opposite directions: ORB (priority 1) must beat sVWAP (priority 2)
	// despite the lower confidence
	m := NewManager([]Strategy{
		&stubStrategy{kind: types.SignalSVWAP, sig: stubSignal(types.SignalSVWAP, types.Short, 100, 0.9), valid: true},
		&stubStrategy{kind: types.SignalORB, sig: stubSignal(types.SignalORB, types.Long, 100, 0.7), valid: true},
	}, quietLogger())

	best := m.Best(managerInput())
	if best == nil || best.Kind != types.SignalORB {
		t.Fatalf("best = %+v, want ORB", best)
	}
}

func TestManagerConfidenceBreaksPriorityTie(t *testing.T) {
	t.Parallel()
	// Same kind priority cannot happen across strategies, so test the
	// overlap band: same direction, entries within 1%
	m := NewManager([]Strategy{
		&stubStrategy{kind: types.SignalSVWAP, sig: stubSignal(types.SignalSVWAP, types.Long, 100.5, 0.9), valid: true},
		&stubStrategy{kind: types.SignalSweep, sig: stubSignal(types.SignalSweep, types.Long, 100.0, 0.95), valid: true},
	}, quietLogger())

	best := m.Best(managerInput())
	if best == nil || best.Kind != types.SignalSVWAP {
		t.Fatalf("best = %+v, want sVWAP (higher priority in overlap)", best)
	}
}

func TestManagerNonConflictingPassThrough(t *testing.T) {
	t.Parallel()
	// Same direction, entries 5% apart: no conflict, head of the sort
	// is the higher-priority signal
	m := NewManager([]Strategy{
		&stubStrategy{kind: types.SignalSweep, sig: stubSignal(types.SignalSweep, types.Long, 100, 0.99), valid: true},
		&stubStrategy{kind: types.SignalORB, sig: stubSignal(types.SignalORB, types.Long, 105, 0.65), valid: true},
	}, quietLogger())

	best := m.Best(managerInput())
	if best == nil || best.Kind != types.SignalORB {
		t.Fatalf("best = %+v, want ORB by priority ordering", best)
	}
}

func TestManagerDropsInvalidSignals(t *testing.T) {
	t.Parallel()
	m := NewManager([]Strategy{
		&stubStrategy{kind: types.SignalORB, sig: stubSignal(types.SignalORB, types.Long, 100, 0.9), valid: false},
	}, quietLogger())

	if best := m.Best(managerInput()); best != nil {
		t.Errorf("invalid signal returned: %+v", best)
	}
}

func TestManagerNoSignals(t *testing.T) {
	t.Parallel()
	m := NewManager([]Strategy{
		&stubStrategy{kind: types.SignalORB, sig: nil, valid: true},
	}, quietLogger())

	if best := m.Best(managerInput()); best != nil {
		t.Errorf("expected nil, got %+v", best)
	}
}

func TestManagerRecordsRecentSignals(t *testing.T) {
	t.Parallel()
	m := NewManager([]Strategy{
		&stubStrategy{kind: types.SignalORB, sig: stubSignal(types.SignalORB, types.Long, 100, 0.9), valid: true},
	}, quietLogger())

	m.Best(managerInput())
	m.Best(managerInput())
	if got := len(m.Recent("KRW-TEST")); got != 2 {
		t.Errorf("recent signals = %d, want 2", got)
	}
}
