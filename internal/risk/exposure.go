package risk

import (
	"fmt"
	"sync"

	"github.com/quantgate/quantgate/internal/domain/position"
)

// ExposureConfig holds the exposure caps checked atomically against every
// proposed position.
type ExposureConfig struct {
	MaxTotalPct      float64 `yaml:"max_total_pct"`       // default 6.0
	MaxPerSymbolPct  float64 `yaml:"max_per_symbol_pct"`  // default 2.0
	MaxPerStrategyPct float64 `yaml:"max_per_strategy_pct"` // default 3.0
	MaxCorrelatedPct float64 `yaml:"max_correlated_pct"`  // default 3.0
	MaxPositions     int     `yaml:"max_positions"`       // default 8

	// CorrelationClusters is the static correlation table: each cluster
	// lists symbols whose pairwise |correlation| exceeds 0.7 and which
	// therefore share one exposure bucket. Configuration, not computed at
	// runtime; can be stale.
	CorrelationClusters map[string][]string `yaml:"correlation_clusters"`
}

// DefaultExposureConfig returns the standard caps with an empty
// correlation table.
func DefaultExposureConfig() ExposureConfig {
	return ExposureConfig{
		MaxTotalPct:       6.0,
		MaxPerSymbolPct:   2.0,
		MaxPerStrategyPct: 3.0,
		MaxCorrelatedPct:  3.0,
		MaxPositions:      8,
	}
}

// ExposureLedger tracks committed risk across open positions by symbol,
// strategy, and correlation bucket. One ledger per trading account; all
// checks and mutations are serialized behind its mutex so a proposed
// position is always tested against a consistent snapshot.
type ExposureLedger struct {
	mu       sync.Mutex
	config   ExposureConfig
	entries  map[string]position.Position
	bucketOf map[string]string // symbol -> cluster name
}

// NewExposureLedger creates an empty ledger.
func NewExposureLedger(config ExposureConfig) *ExposureLedger {
	def := DefaultExposureConfig()
	if config.MaxTotalPct <= 0 {
		config.MaxTotalPct = def.MaxTotalPct
	}
	if config.MaxPerSymbolPct <= 0 {
		config.MaxPerSymbolPct = def.MaxPerSymbolPct
	}
	if config.MaxPerStrategyPct <= 0 {
		config.MaxPerStrategyPct = def.MaxPerStrategyPct
	}
	if config.MaxCorrelatedPct <= 0 {
		config.MaxCorrelatedPct = def.MaxCorrelatedPct
	}
	if config.MaxPositions <= 0 {
		config.MaxPositions = def.MaxPositions
	}

	bucketOf := make(map[string]string)
	for cluster, symbols := range config.CorrelationClusters {
		for _, s := range symbols {
			bucketOf[s] = cluster
		}
	}
	return &ExposureLedger{
		config:   config,
		entries:  make(map[string]position.Position),
		bucketOf: bucketOf,
	}
}

// Bucket returns the correlation bucket for a symbol. Symbols absent from
// the table form their own bucket.
func (l *ExposureLedger) Bucket(symbol string) string {
	if b, ok := l.bucketOf[symbol]; ok {
		return b
	}
	return symbol
}

// Breach codes returned by CheckProposed, used as structured rejection
// reason tags.
const (
	BreachNone        = ""
	BreachCount       = "exposure_count"
	BreachTotal       = "exposure_total"
	BreachSymbol      = "exposure_symbol"
	BreachStrategy    = "exposure_strategy"
	BreachCorrelation = "exposure_correlation"
)

// CheckProposed tests whether adding riskPct for (symbol, strategy) would
// breach any cap, including the proposed size in every sum. Returns the
// breach code and a human-readable reason on failure. Read-only; the
// caller registers the position on actual fill.
func (l *ExposureLedger) CheckProposed(symbol, strategy string, riskPct float64) (bool, string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(symbol, strategy, riskPct)
}

func (l *ExposureLedger) checkLocked(symbol, strategy string, riskPct float64) (bool, string, string) {
	if len(l.entries) >= l.config.MaxPositions {
		return false, BreachCount, fmt.Sprintf("max concurrent positions reached (%d)", l.config.MaxPositions)
	}

	var total, bySymbol, byStrategy, byBucket float64
	bucket := l.Bucket(symbol)
	for _, p := range l.entries {
		total += p.RiskPct
		if p.Symbol == symbol {
			bySymbol += p.RiskPct
		}
		if p.Strategy == strategy {
			byStrategy += p.RiskPct
		}
		if l.Bucket(p.Symbol) == bucket {
			byBucket += p.RiskPct
		}
	}

	if total+riskPct > l.config.MaxTotalPct {
		return false, BreachTotal, fmt.Sprintf("total exposure %.2f%%+%.2f%% exceeds cap %.2f%%", total, riskPct, l.config.MaxTotalPct)
	}
	if bySymbol+riskPct > l.config.MaxPerSymbolPct {
		return false, BreachSymbol, fmt.Sprintf("symbol %s exposure %.2f%%+%.2f%% exceeds cap %.2f%%", symbol, bySymbol, riskPct, l.config.MaxPerSymbolPct)
	}
	if byStrategy+riskPct > l.config.MaxPerStrategyPct {
		return false, BreachStrategy, fmt.Sprintf("strategy %s exposure %.2f%%+%.2f%% exceeds cap %.2f%%", strategy, byStrategy, riskPct, l.config.MaxPerStrategyPct)
	}
	if byBucket+riskPct > l.config.MaxCorrelatedPct {
		return false, BreachCorrelation, fmt.Sprintf("correlation bucket %s exposure %.2f%%+%.2f%% exceeds cap %.2f%%", bucket, byBucket, riskPct, l.config.MaxCorrelatedPct)
	}
	return true, BreachNone, ""
}

// Register adds a filled position to the ledger. Returns an error when the
// position would breach caps at registration time; fills racing limit
// changes must not slip through silently.
func (l *ExposureLedger) Register(p position.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.ID == "" {
		return fmt.Errorf("position missing id")
	}
	if _, exists := l.entries[p.ID]; exists {
		return fmt.Errorf("position %s already registered", p.ID)
	}
	if ok, _, reason := l.checkLocked(p.Symbol, p.Strategy, p.RiskPct); !ok {
		return fmt.Errorf("fill breaches exposure caps: %s", reason)
	}
	l.entries[p.ID] = p
	return nil
}

// Release removes a closed position. Unknown ids are reported so callers
// can surface double-close bugs.
func (l *ExposureLedger) Release(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return fmt.Errorf("position %s not in ledger", id)
	}
	delete(l.entries, id)
	return nil
}

// ExposureSnapshot is a point-in-time view of committed risk.
type ExposureSnapshot struct {
	TotalPct   float64
	Positions  int
	BySymbol   map[string]float64
	ByStrategy map[string]float64
	ByBucket   map[string]float64
}

// Snapshot returns current committed risk aggregates.
func (l *ExposureLedger) Snapshot() ExposureSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := ExposureSnapshot{
		Positions:  len(l.entries),
		BySymbol:   make(map[string]float64),
		ByStrategy: make(map[string]float64),
		ByBucket:   make(map[string]float64),
	}
	for _, p := range l.entries {
		snap.TotalPct += p.RiskPct
		snap.BySymbol[p.Symbol] += p.RiskPct
		snap.ByStrategy[p.Strategy] += p.RiskPct
		snap.ByBucket[l.Bucket(p.Symbol)] += p.RiskPct
	}
	return snap
}

// OpenPositions returns the open set, for portfolio balance checks.
func (l *ExposureLedger) OpenPositions() []position.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]position.Position, 0, len(l.entries))
	for _, p := range l.entries {
		out = append(out, p)
	}
	return out
}
