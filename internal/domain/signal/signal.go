package signal

import (
	"fmt"
	"time"
)

// Direction is the trade side of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Signal is a proposed trade produced by a strategy. Signals are immutable
// once produced; adjustments produce a derived copy via the With* helpers.
type Signal struct {
	Symbol     string
	Direction  Direction
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Strategy   string
	CreatedAt  time.Time

	// Metadata carries strategy-supplied quality sub-scores and regime tags
	// (mtf_confluence, structure_alignment, regime_confidence, ...).
	Metadata map[string]float64
}

// Validate enforces the stop/target ordering invariant at the boundary:
// for LONG, stop < entry < target; for SHORT, the reverse. Violated signals
// are rejected, never silently fixed.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Strategy == "" {
		return fmt.Errorf("signal %s missing strategy id", s.Symbol)
	}
	if s.EntryPrice <= 0 || s.StopLoss <= 0 || s.TakeProfit <= 0 {
		return fmt.Errorf("signal %s has non-positive price levels", s.Symbol)
	}
	switch s.Direction {
	case Long:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit) {
			return fmt.Errorf("LONG signal %s violates stop < entry < target (stop=%.5f entry=%.5f target=%.5f)",
				s.Symbol, s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case Short:
		if !(s.TakeProfit < s.EntryPrice && s.EntryPrice < s.StopLoss) {
			return fmt.Errorf("SHORT signal %s violates target < entry < stop (stop=%.5f entry=%.5f target=%.5f)",
				s.Symbol, s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	default:
		return fmt.Errorf("signal %s has unknown direction %q", s.Symbol, s.Direction)
	}
	return nil
}

// StopDistance returns the absolute distance between entry and stop.
func (s Signal) StopDistance() float64 {
	d := s.EntryPrice - s.StopLoss
	if d < 0 {
		d = -d
	}
	return d
}

// RewardRisk returns the take-profit distance expressed as a multiple of
// the stop distance. Returns 0 when the stop distance is degenerate.
func (s Signal) RewardRisk() float64 {
	risk := s.StopDistance()
	if risk <= 0 {
		return 0
	}
	reward := s.TakeProfit - s.EntryPrice
	if reward < 0 {
		reward = -reward
	}
	return reward / risk
}

// Meta returns the named metadata field, or def when absent. Missing fields
// fall back to neutral defaults rather than raising.
func (s Signal) Meta(key string, def float64) float64 {
	if s.Metadata == nil {
		return def
	}
	if v, ok := s.Metadata[key]; ok {
		return v
	}
	return def
}

// WithMetadata returns a derived copy with one metadata field set. The
// receiver is never mutated.
func (s Signal) WithMetadata(key string, value float64) Signal {
	out := s
	out.Metadata = make(map[string]float64, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[key] = value
	return out
}
