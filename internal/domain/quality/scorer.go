// Package quality implements the multi-factor signal quality score used by
// the risk manager and signal arbitration. Scoring is pure: deterministic
// given identical inputs, no side effects.
package quality

import (
	"fmt"

	"github.com/quantgate/quantgate/internal/domain/signal"
)

// Weights defines the five component weights. They must sum to 1.0; this is
// validated at construction and is a tested invariant.
type Weights struct {
	Confluence  float64 `yaml:"confluence"`   // multi-timeframe confluence
	Structure   float64 `yaml:"structure"`    // market structure alignment
	OrderFlow   float64 `yaml:"order_flow"`   // OFI/VPIN-derived flow score
	RegimeFit   float64 `yaml:"regime_fit"`   // regime confidence
	TrackRecord float64 `yaml:"track_record"` // strategy recent performance
}

// DefaultWeights returns the standard 40/25/20/10/5 split.
func DefaultWeights() Weights {
	return Weights{
		Confluence:  0.40,
		Structure:   0.25,
		OrderFlow:   0.20,
		RegimeFit:   0.10,
		TrackRecord: 0.05,
	}
}

const weightSumTolerance = 1e-3

// Validate checks that the weights sum to 1.0 within tolerance.
func (w Weights) Validate() error {
	sum := w.Confluence + w.Structure + w.OrderFlow + w.RegimeFit + w.TrackRecord
	if sum < 1-weightSumTolerance || sum > 1+weightSumTolerance {
		return fmt.Errorf("quality weights must sum to 1.0, got %.4f", sum)
	}
	if w.Confluence < 0 || w.Structure < 0 || w.OrderFlow < 0 || w.RegimeFit < 0 || w.TrackRecord < 0 {
		return fmt.Errorf("quality weights must be non-negative")
	}
	return nil
}

// Scorer is a stateless quality scoring function.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer, validating the weight invariant up front.
func NewScorer(weights Weights) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{weights: weights}, nil
}

// Weights returns the configured weights.
func (s *Scorer) Weights() Weights { return s.weights }

// Breakdown carries the clamped component scores alongside the composite,
// for structured rejection logging.
type Breakdown struct {
	Confluence  float64
	Structure   float64
	OrderFlow   float64
	RegimeFit   float64
	TrackRecord float64
	Composite   float64
}

// Score returns the composite quality in [0,1]. Each component is clamped
// to [0,1] before weighting. Missing metadata fields fall back to neutral
// defaults (0.5) rather than failing.
func (s *Scorer) Score(sig signal.Signal, mc signal.MarketContext) Breakdown {
	b := Breakdown{
		Confluence:  clamp01(sig.Meta("mtf_confluence", 0.5)),
		Structure:   clamp01(sig.Meta("structure_alignment", 0.5)),
		OrderFlow:   clamp01(orderFlowScore(sig.Direction, mc)),
		RegimeFit:   clamp01(sig.Meta("regime_confidence", 0.5)),
		TrackRecord: clamp01(mc.StrategyPerf(sig.Strategy)),
	}
	b.Composite = clamp01(s.weights.Confluence*b.Confluence +
		s.weights.Structure*b.Structure +
		s.weights.OrderFlow*b.OrderFlow +
		s.weights.RegimeFit*b.RegimeFit +
		s.weights.TrackRecord*b.TrackRecord)
	return b
}

// orderFlowScore rewards order-flow imbalance aligned with the signal
// direction and penalizes toxic flow (VPIN above neutral).
func orderFlowScore(dir signal.Direction, mc signal.MarketContext) float64 {
	aligned := mc.OFI
	if dir == signal.Short {
		aligned = -aligned
	}
	score := 0.5 + 0.5*aligned

	// VPIN above neutral shrinks the score toward zero: informed flow makes
	// every fill more likely to be adverse regardless of direction.
	if mc.VPIN > 0.5 {
		score *= 1 - (mc.VPIN - 0.5)
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
