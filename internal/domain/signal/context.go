package signal

// VolatilityRegime tags the prevailing volatility environment for a symbol.
type VolatilityRegime string

const (
	RegimeLow    VolatilityRegime = "LOW"
	RegimeNormal VolatilityRegime = "NORMAL"
	RegimeHigh   VolatilityRegime = "HIGH"
)

// Features is the microstructure feature vector produced by the feature
// engine and consumed by the risk manager, scorer, and strategies.
type Features struct {
	OFI         float64 // order flow imbalance in [-1, 1]
	CVD         float64 // cumulative volume delta (running, unbounded)
	VPIN        float64 // flow toxicity in [0, 1]; 0.5 is neutral
	SpreadPct   float64 // last spread as a fraction of price
	OBImbalance float64 // L2 order book imbalance in [-1, 1]; 0 without L2
	ATR         float64 // true-range SMA; descriptive only, never for sizing
}

// MarketContext is the ephemeral per-evaluation snapshot handed to the risk
// manager and scorer. Constructed fresh each cycle, never persisted.
type MarketContext struct {
	VPIN                float64
	OFI                 float64
	Volatility          VolatilityRegime
	Regime              string             // market regime tag (trending, ranging, ...)
	StrategyPerformance map[string]float64 // strategy id -> recent performance in [0, 1]
}

// StrategyPerf returns the recent performance score for a strategy, with a
// neutral 0.5 default for strategies with no recorded history.
func (mc MarketContext) StrategyPerf(strategy string) float64 {
	if mc.StrategyPerformance == nil {
		return 0.5
	}
	if v, ok := mc.StrategyPerformance[strategy]; ok {
		return v
	}
	return 0.5
}
