// Package arbitration selects at most one signal per symbol per cycle when
// multiple strategies fire, and enforces portfolio-level balance before a
// candidate reaches the risk gate.
package arbitration

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/quality"
	"github.com/quantgate/quantgate/internal/domain/signal"
)

// Weights for the arbitration score components.
const (
	weightQuality     = 0.40
	weightPerformance = 0.25
	weightRegimeFit   = 0.20
	weightRewardRisk  = 0.10
	weightFlowTiming  = 0.05
)

// Config holds the arbitration and portfolio balance parameters.
type Config struct {
	MinScore float64 `yaml:"min_score"` // below this, no signal is selected, default 0.55

	MaxPerSymbol        int     `yaml:"max_per_symbol"`        // open positions per symbol, default 1
	MaxTotal            int     `yaml:"max_total"`             // open positions total, default 8
	MaxDirectionalSkew  int     `yaml:"max_directional_skew"`  // max longs minus shorts (abs), default 4
	MaxStrategyFraction float64 `yaml:"max_strategy_fraction"` // of open positions, default 0.5
	MaxCorrelatedSameDir int    `yaml:"max_correlated_same_dir"` // same-direction positions per bucket, default 2

	// RegimeFit is the static (regime, strategy) -> fit lookup in [0,1].
	// Unknown pairs default to 0.7 with a logged warning; a documented gap,
	// not a bug.
	RegimeFit map[string]map[string]float64 `yaml:"regime_fit"`
}

// DefaultConfig returns the standard arbitration parameters.
func DefaultConfig() Config {
	return Config{
		MinScore:             0.55,
		MaxPerSymbol:         1,
		MaxTotal:             8,
		MaxDirectionalSkew:   4,
		MaxStrategyFraction:  0.5,
		MaxCorrelatedSameDir: 2,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MinScore <= 0 {
		c.MinScore = def.MinScore
	}
	if c.MaxPerSymbol <= 0 {
		c.MaxPerSymbol = def.MaxPerSymbol
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = def.MaxTotal
	}
	if c.MaxDirectionalSkew <= 0 {
		c.MaxDirectionalSkew = def.MaxDirectionalSkew
	}
	if c.MaxStrategyFraction <= 0 {
		c.MaxStrategyFraction = def.MaxStrategyFraction
	}
	if c.MaxCorrelatedSameDir <= 0 {
		c.MaxCorrelatedSameDir = def.MaxCorrelatedSameDir
	}
}

// BucketFunc maps a symbol to its correlation bucket. Supplied by the
// exposure ledger so arbitration and risk share one table.
type BucketFunc func(symbol string) string

// Arbiter scores and selects signals.
type Arbiter struct {
	config Config
	scorer *quality.Scorer
	bucket BucketFunc
}

// NewArbiter creates an arbiter sharing the risk gate's quality scorer and
// correlation table.
func NewArbiter(config Config, scorer *quality.Scorer, bucket BucketFunc) *Arbiter {
	config.applyDefaults()
	if bucket == nil {
		bucket = func(symbol string) string { return symbol }
	}
	return &Arbiter{config: config, scorer: scorer, bucket: bucket}
}

// Scored pairs a signal with its arbitration score for audit output.
type Scored struct {
	Signal signal.Signal
	Score  float64
}

// SelectPerSymbol reduces the cycle's candidates to at most one signal per
// symbol: the highest arbitration score at or above the minimum. Ties
// break deterministically by strategy name.
func (a *Arbiter) SelectPerSymbol(candidates []signal.Signal, mc signal.MarketContext) []Scored {
	bySymbol := make(map[string][]Scored)
	for _, sig := range candidates {
		if err := sig.Validate(); err != nil {
			log.Warn().Str("symbol", sig.Symbol).Str("strategy", sig.Strategy).
				Err(err).Msg("malformed signal discarded at arbitration")
			continue
		}
		score := a.Score(sig, mc)
		bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], Scored{Signal: sig, Score: score})
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var selected []Scored
	for _, sym := range symbols {
		group := bySymbol[sym]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Score != group[j].Score {
				return group[i].Score > group[j].Score
			}
			return group[i].Signal.Strategy < group[j].Signal.Strategy
		})
		best := group[0]
		if best.Score < a.config.MinScore {
			log.Debug().Str("symbol", sym).Float64("score", best.Score).
				Float64("min", a.config.MinScore).
				Msg("no signal selected: best arbitration score below minimum")
			continue
		}
		selected = append(selected, best)
	}
	return selected
}

// Score computes the arbitration score: quality 40%, recent strategy
// performance 25%, regime fit 20%, reward:risk bucket 10%, flow timing via
// VPIN 5%.
func (a *Arbiter) Score(sig signal.Signal, mc signal.MarketContext) float64 {
	q := a.scorer.Score(sig, mc).Composite
	perf := mc.StrategyPerf(sig.Strategy)
	fit := a.regimeFit(mc.Regime, sig.Strategy)
	rr := rewardRiskBucket(sig.RewardRisk())
	flow := flowTiming(mc.VPIN)

	return weightQuality*q + weightPerformance*perf + weightRegimeFit*fit +
		weightRewardRisk*rr + weightFlowTiming*flow
}

// regimeFit looks up the static (regime, strategy) fit table.
func (a *Arbiter) regimeFit(regime, strategy string) float64 {
	if byStrategy, ok := a.config.RegimeFit[regime]; ok {
		if fit, ok := byStrategy[strategy]; ok {
			return clamp01(fit)
		}
	}
	log.Warn().Str("regime", regime).Str("strategy", strategy).
		Msg("no regime-fit entry, defaulting to 0.7")
	return 0.7
}

// rewardRiskBucket maps the RR ratio into a coarse score bucket.
func rewardRiskBucket(rr float64) float64 {
	switch {
	case rr >= 3:
		return 1.0
	case rr >= 2:
		return 0.8
	case rr >= 1.5:
		return 0.6
	case rr >= 1:
		return 0.4
	default:
		return 0.2
	}
}

// flowTiming scores entry timing from VPIN: calm flow scores high, toxic
// flow low.
func flowTiming(vpin float64) float64 {
	return clamp01(1 - vpin)
}

// CheckPortfolioBalance rejects a selected signal when it would unbalance
// the portfolio, tested against the current open set.
func (a *Arbiter) CheckPortfolioBalance(sig signal.Signal, open []position.Position) (bool, string) {
	if len(open) >= a.config.MaxTotal {
		return false, fmt.Sprintf("total position cap reached (%d)", a.config.MaxTotal)
	}

	var symbolCount, longs, shorts, strategyCount, bucketSameDir int
	bucket := a.bucket(sig.Symbol)
	for _, p := range open {
		if p.Symbol == sig.Symbol {
			symbolCount++
		}
		if p.Direction == signal.Long {
			longs++
		} else {
			shorts++
		}
		if p.Strategy == sig.Strategy {
			strategyCount++
		}
		if a.bucket(p.Symbol) == bucket && p.Direction == sig.Direction {
			bucketSameDir++
		}
	}

	if symbolCount >= a.config.MaxPerSymbol {
		return false, fmt.Sprintf("symbol %s position cap reached (%d)", sig.Symbol, a.config.MaxPerSymbol)
	}
	if bucketSameDir >= a.config.MaxCorrelatedSameDir {
		return false, fmt.Sprintf("correlated same-direction cap reached for bucket %s (%d)", bucket, a.config.MaxCorrelatedSameDir)
	}

	if sig.Direction == signal.Long {
		longs++
	} else {
		shorts++
	}
	if skew := longs - shorts; skew > a.config.MaxDirectionalSkew || -skew > a.config.MaxDirectionalSkew {
		return false, fmt.Sprintf("directional skew %d:%d exceeds limit %d", longs, shorts, a.config.MaxDirectionalSkew)
	}

	// The proposed position must not push one strategy past its share of
	// the open set.
	if total := len(open) + 1; total > 1 {
		if frac := float64(strategyCount+1) / float64(total); frac > a.config.MaxStrategyFraction {
			return false, fmt.Sprintf("strategy %s would hold %.0f%% of open positions", sig.Strategy, frac*100)
		}
	}
	return true, ""
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
