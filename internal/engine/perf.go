package engine

import (
	"github.com/quantgate/quantgate/internal/ring"
)

// perfTracker maintains a bounded per-strategy outcome history and derives
// the recent-performance score consumed by arbitration and quality
// scoring.
type perfTracker struct {
	lookback int
	history  map[string]*ring.Buffer[float64]
}

func newPerfTracker(lookback int) *perfTracker {
	if lookback <= 0 {
		lookback = 20
	}
	return &perfTracker{
		lookback: lookback,
		history:  make(map[string]*ring.Buffer[float64]),
	}
}

func (p *perfTracker) record(strategy string, pnlPct float64) {
	buf := p.history[strategy]
	if buf == nil {
		buf = ring.New[float64](p.lookback)
		p.history[strategy] = buf
	}
	buf.Push(pnlPct)
}

// score blends win rate and average outcome into [0,1]. Strategies with no
// history score the neutral 0.5.
func (p *perfTracker) score(strategy string) float64 {
	buf := p.history[strategy]
	if buf == nil || buf.Len() == 0 {
		return 0.5
	}
	wins := 0
	var sum float64
	for _, pnl := range buf.Items() {
		if pnl > 0 {
			wins++
		}
		sum += pnl
	}
	winRate := float64(wins) / float64(buf.Len())

	// Average pnl% shifts the score around the win rate, saturating at ±1%.
	avg := sum / float64(buf.Len())
	if avg > 1 {
		avg = 1
	} else if avg < -1 {
		avg = -1
	}
	score := 0.7*winRate + 0.3*(0.5+avg/2)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// snapshot returns the score map handed to MarketContext.
func (p *perfTracker) snapshot() map[string]float64 {
	out := make(map[string]float64, len(p.history))
	for strategy := range p.history {
		out[strategy] = p.score(strategy)
	}
	return out
}
