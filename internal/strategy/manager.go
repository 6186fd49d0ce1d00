package strategy

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"upbit-intraday/pkg/types"
)

const (
	conflictPriceBand = 0.01 // entries within 1% overlap
	recentWindow      = 60 * time.Minute
	maxHistory        = 1000
)

// Manager invokes the enabled strategies for one market per tick,
// drops invalid signals, resolves conflicts and returns the single
// best signal. It retains a per-market buffer of recent signals for
// diagnostics; the buffer mutates only inside Best.
type Manager struct {
	strategies []Strategy
	recent     map[string][]*types.Signal
	history    map[string][]*types.Signal
	logger     *slog.Logger
}

// NewManager creates a signal manager over the given strategies.
func NewManager(strategies []Strategy, logger *slog.Logger) *Manager {
	return &Manager{
		strategies: strategies,
		recent:     make(map[string][]*types.Signal),
		history:    make(map[string][]*types.Signal),
		logger:     logger.With("component", "signal_manager"),
	}
}

// Best runs every strategy on the snapshot and returns the winning
// signal, or nil when nothing fires.
func (m *Manager) Best(in Input) *types.Signal {
	var signals []*types.Signal
	for _, s := range m.strategies {
		sig := s.Generate(in)
		if sig == nil {
			continue
		}
		if !s.Validate(sig) {
			m.logger.Debug("signal rejected by validation",
				"market", in.Market,
				"kind", sig.Kind,
				"confidence", sig.Confidence,
			)
			continue
		}
		signals = append(signals, sig)
	}

	m.record(in.Market, signals, in.Now)
	if len(signals) == 0 {
		return nil
	}

	resolved := resolveConflicts(signals)
	sort.Slice(resolved, func(i, j int) bool {
		a, b := resolved[i], resolved[j]
		if a.Kind.Priority() != b.Kind.Priority() {
			return a.Kind.Priority() < b.Kind.Priority()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.GeneratedAt.Before(b.GeneratedAt)
	})

	best := resolved[0]
	m.logger.Info("best signal selected",
		"market", in.Market,
		"kind", best.Kind,
		"direction", best.Direction,
		"confidence", best.Confidence,
		"candidates", len(signals),
	)
	return best
}

// Recent returns the signals emitted for a market inside the 60-minute
// diagnostic window.
func (m *Manager) Recent(market string) []*types.Signal {
	return m.recent[market]
}

// resolveConflicts keeps, out of each conflicting pair (opposite
// directions or entries within the 1% band), the higher-priority signal
// with confidence as tiebreak. Non-conflicted signals pass through.
func resolveConflicts(signals []*types.Signal) []*types.Signal {
	if len(signals) < 2 {
		return signals
	}

	dropped := make(map[*types.Signal]bool)
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			a, b := signals[i], signals[j]
			if dropped[a] || dropped[b] {
				continue
			}
			if !conflicting(a, b) {
				continue
			}
			dropped[loser(a, b)] = true
		}
	}

	out := signals[:0]
	for _, s := range signals {
		if !dropped[s] {
			out = append(out, s)
		}
	}
	return out
}

func conflicting(a, b *types.Signal) bool {
	if a.Direction != b.Direction {
		return true
	}
	mid := (a.Entry + b.Entry) / 2
	return mid > 0 && math.Abs(a.Entry-b.Entry)/mid <= conflictPriceBand
}

func loser(a, b *types.Signal) *types.Signal {
	if a.Kind.Priority() != b.Kind.Priority() {
		if a.Kind.Priority() < b.Kind.Priority() {
			return b
		}
		return a
	}
	if a.Confidence >= b.Confidence {
		return b
	}
	return a
}

// record appends this tick's signals and prunes the window: signals
// older than 60 minutes move to the capped history.
func (m *Manager) record(market string, signals []*types.Signal, now time.Time) {
	m.recent[market] = append(m.recent[market], signals...)

	cutoff := now.Add(-recentWindow)
	kept := m.recent[market][:0]
	for _, s := range m.recent[market] {
		if s.GeneratedAt.Before(cutoff) {
			m.history[market] = append(m.history[market], s)
		} else {
			kept = append(kept, s)
		}
	}
	m.recent[market] = kept

	if len(m.history[market]) > maxHistory {
		m.history[market] = m.history[market][len(m.history[market])-maxHistory:]
	}
}
