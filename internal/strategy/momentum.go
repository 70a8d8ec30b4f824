package strategy

import (
	"time"

	"github.com/quantgate/quantgate/internal/domain/signal"
)

// Momentum is a reference breakout strategy: it signals in the direction
// of the rolling close-to-close move when order flow agrees. It exists so
// the pipeline has a built-in producer to run end to end; production
// deployments register their own strategies.
type Momentum struct {
	lookback  int
	threshold float64 // minimum fractional move over the lookback
	stopFrac  float64 // stop distance as a fraction of entry
	rr        float64 // target as a multiple of the stop distance
}

// NewMomentum constructs the reference momentum strategy. Recognized
// params: lookback, threshold, stop_frac, rr.
func NewMomentum(params map[string]float64) (Strategy, error) {
	m := &Momentum{lookback: 20, threshold: 0.01, stopFrac: 0.01, rr: 2}
	if v, ok := params["lookback"]; ok && v > 1 {
		m.lookback = int(v)
	}
	if v, ok := params["threshold"]; ok && v > 0 {
		m.threshold = v
	}
	if v, ok := params["stop_frac"]; ok && v > 0 {
		m.stopFrac = v
	}
	if v, ok := params["rr"]; ok && v > 0 {
		m.rr = v
	}
	return m, nil
}

// Name implements Strategy.
func (m *Momentum) Name() string { return "momentum" }

// Evaluate emits at most one signal per cycle.
func (m *Momentum) Evaluate(md MarketData, feats signal.Features) []signal.Signal {
	if len(md.Bars) < m.lookback+1 {
		return nil
	}
	last := md.Bars[len(md.Bars)-1]
	ref := md.Bars[len(md.Bars)-1-m.lookback]
	if ref.Close <= 0 || last.Close <= 0 {
		return nil
	}
	move := (last.Close - ref.Close) / ref.Close

	var dir signal.Direction
	switch {
	case move >= m.threshold && feats.OFI >= 0:
		dir = signal.Long
	case move <= -m.threshold && feats.OFI <= 0:
		dir = signal.Short
	default:
		return nil
	}

	entry := last.Close
	stopDist := entry * m.stopFrac
	sig := signal.Signal{
		Symbol:    md.Symbol,
		Direction: dir,
		Strategy:  m.Name(),
		CreatedAt: time.Now(),
		Metadata: map[string]float64{
			"mtf_confluence":      confluence(move, m.threshold),
			"structure_alignment": 0.6,
			"regime_confidence":   0.5,
		},
	}
	if dir == signal.Long {
		sig.EntryPrice = entry
		sig.StopLoss = entry - stopDist
		sig.TakeProfit = entry + m.rr*stopDist
	} else {
		sig.EntryPrice = entry
		sig.StopLoss = entry + stopDist
		sig.TakeProfit = entry - m.rr*stopDist
	}
	return []signal.Signal{sig}
}

// confluence scales the move strength into a [0,1] confidence, saturating
// at three times the threshold.
func confluence(move, threshold float64) float64 {
	m := move
	if m < 0 {
		m = -m
	}
	c := m / (3 * threshold)
	if c > 1 {
		c = 1
	}
	return c
}
