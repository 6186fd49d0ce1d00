// Package strategy implements the three entry strategies and the signal
// manager that arbitrates between them.
//
// Each strategy implements the same contract: an active-window predicate
// against the KST clock, Generate over a consistent per-tick snapshot
// (candles, current price/volume, features), and Validate over the
// emitted signal. The manager invokes the enabled strategies, drops
// invalid signals, resolves conflicts by priority then confidence, and
// returns the single best signal for the tick.
package strategy

import (
	"time"

	"upbit-intraday/pkg/types"
)

// Input is the per-tick snapshot every strategy sees for one market.
// All strategies in a tick receive the same Input.
type Input struct {
	Market   string
	Candles  []types.Candle
	Price    float64
	Volume   float64
	Features types.FeatureVector
	Now      time.Time
}

// Strategy is the common contract of the entry strategies.
type Strategy interface {
	Kind() types.SignalKind
	Active(now time.Time) bool
	Generate(in Input) *types.Signal
	Validate(sig *types.Signal) bool
}

// meanTail averages the last n values of a series; 0 when empty.
func meanTail(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	if len(values) > n {
		values = values[len(values)-n:]
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func volumes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
