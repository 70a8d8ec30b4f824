// Package risk implements the institutional risk gate: statistical circuit
// breaker, exposure ledger, drawdown limits, and the manager that chains
// them in front of every signal.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/quality"
	"github.com/quantgate/quantgate/internal/domain/signal"
	"github.com/quantgate/quantgate/internal/metrics"
)

// Rejection reason codes. Every evaluation outcome carries exactly one.
const (
	ReasonApproved       = "approved"
	ReasonValidation     = "validation"
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonQualityLow     = "quality_low"
	ReasonDrawdown       = "drawdown"
	ReasonSizing         = "sizing"
)

// SizingConfig maps quality scores to position size.
type SizingConfig struct {
	MinQualityScore float64 `yaml:"min_quality_score"` // default 0.60
	MinRiskPct      float64 `yaml:"min_risk_pct"`      // default 0.33
	MaxRiskPct      float64 `yaml:"max_risk_pct"`      // default 1.0

	HighVolMultiplier float64 `yaml:"high_vol_multiplier"` // default 0.7
	LowVolMultiplier  float64 `yaml:"low_vol_multiplier"`  // default 1.2

	// VPIN penalty: size is cut linearly as VPIN rises above the threshold.
	// The internal reduction term is clamped at 1.0 and scaled by the max
	// cut, so the penalty never removes more than VPINMaxSizeCut of the
	// size. The linear mapping is a heuristic, hence configurable.
	VPINThreshold    float64 `yaml:"vpin_threshold"`     // default 0.6
	VPINPenaltySlope float64 `yaml:"vpin_penalty_slope"` // default 2.5
	VPINMaxSizeCut   float64 `yaml:"vpin_max_size_cut"`  // default 0.5

	ContractSize float64 `yaml:"contract_size"` // units per lot, default 1
	LotStep      float64 `yaml:"lot_step"`      // default 0.01
	MinLot       float64 `yaml:"min_lot"`       // default 0.01
}

// DefaultSizingConfig returns the standard sizing parameters.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		MinQualityScore:   0.60,
		MinRiskPct:        0.33,
		MaxRiskPct:        1.0,
		HighVolMultiplier: 0.7,
		LowVolMultiplier:  1.2,
		VPINThreshold:     0.6,
		VPINPenaltySlope:  2.5,
		VPINMaxSizeCut:    0.5,
		ContractSize:      1,
		LotStep:           0.01,
		MinLot:            0.01,
	}
}

func (c *SizingConfig) applyDefaults() {
	def := DefaultSizingConfig()
	if c.MinQualityScore <= 0 {
		c.MinQualityScore = def.MinQualityScore
	}
	if c.MinRiskPct <= 0 {
		c.MinRiskPct = def.MinRiskPct
	}
	if c.MaxRiskPct <= 0 {
		c.MaxRiskPct = def.MaxRiskPct
	}
	if c.HighVolMultiplier <= 0 {
		c.HighVolMultiplier = def.HighVolMultiplier
	}
	if c.LowVolMultiplier <= 0 {
		c.LowVolMultiplier = def.LowVolMultiplier
	}
	if c.VPINThreshold <= 0 {
		c.VPINThreshold = def.VPINThreshold
	}
	if c.VPINPenaltySlope <= 0 {
		c.VPINPenaltySlope = def.VPINPenaltySlope
	}
	if c.VPINMaxSizeCut <= 0 {
		c.VPINMaxSizeCut = def.VPINMaxSizeCut
	}
	if c.ContractSize <= 0 {
		c.ContractSize = def.ContractSize
	}
	if c.LotStep <= 0 {
		c.LotStep = def.LotStep
	}
	if c.MinLot <= 0 {
		c.MinLot = def.MinLot
	}
}

// Decision is the structured result of one signal evaluation. Rejections
// are normal business outcomes, not errors.
type Decision struct {
	Approved   bool
	ReasonCode string
	Reason     string

	QualityScore float64
	Quality      quality.Breakdown
	SizePct      float64 // risk percent of equity
	SizeLots     float64
}

// Manager is the central risk gate. EvaluateSignal is advisory: it never
// mutates the ledger; registration happens on actual fill via RegisterFill.
// All mutating calls must come from the single decision loop (or be
// externally serialized).
type Manager struct {
	sizing  SizingConfig
	scorer  *quality.Scorer
	breaker *CircuitBreaker
	ledger  *ExposureLedger
	ddown   *DrawdownTracker
	metrics *metrics.Metrics
}

// NewManager wires the risk gate from its parts. metrics may be nil in
// tests.
func NewManager(sizing SizingConfig, scorer *quality.Scorer, breaker *CircuitBreaker, ledger *ExposureLedger, ddown *DrawdownTracker, m *metrics.Metrics) *Manager {
	sizing.applyDefaults()
	return &Manager{
		sizing:  sizing,
		scorer:  scorer,
		breaker: breaker,
		ledger:  ledger,
		ddown:   ddown,
		metrics: m,
	}
}

// Breaker exposes the circuit breaker for health propagation into the kill
// switch.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// Ledger exposes the exposure ledger for the execution path.
func (m *Manager) Ledger() *ExposureLedger { return m.ledger }

// UpdateEquity forwards the latest account equity to the drawdown tracker.
// Called once per cycle by the decision loop.
func (m *Manager) UpdateEquity(equity float64) { m.ddown.UpdateEquity(equity) }

// Healthy reports whether the risk layer would allow trading at all:
// circuit closed and loss limits intact. Pushed into the kill switch by the
// decision loop.
func (m *Manager) Healthy() bool {
	if ok, _ := m.breaker.CheckShouldTrade(); !ok {
		return false
	}
	if ok, _ := m.ddown.Check(); !ok {
		return false
	}
	return true
}

// EvaluateSignal runs the ordered gate sequence: circuit breaker, quality
// minimum, sizing, exposure caps (against the proposed size), drawdown,
// lot conversion. Each step short-circuits; every outcome is logged with a
// structured reason code.
func (m *Manager) EvaluateSignal(sig signal.Signal, mc signal.MarketContext) Decision {
	start := time.Now()
	d := m.evaluate(sig, mc)
	m.observe(sig, d, time.Since(start))
	return d
}

func (m *Manager) evaluate(sig signal.Signal, mc signal.MarketContext) Decision {
	// Boundary validation: malformed signals are discarded, never repaired.
	if err := sig.Validate(); err != nil {
		return Decision{ReasonCode: ReasonValidation, Reason: err.Error()}
	}

	// 1. Circuit breaker: global and cheapest, checked first.
	if ok, reason := m.breaker.CheckShouldTrade(); !ok {
		return Decision{ReasonCode: ReasonCircuitBreaker, Reason: reason}
	}

	// 2. Quality minimum.
	breakdown := m.scorer.Score(sig, mc)
	if breakdown.Composite < m.sizing.MinQualityScore {
		return Decision{
			ReasonCode:   ReasonQualityLow,
			Reason:       fmt.Sprintf("quality score %.2f below minimum %.2f", breakdown.Composite, m.sizing.MinQualityScore),
			QualityScore: breakdown.Composite,
			Quality:      breakdown,
		}
	}

	// 3. Size before exposure checks, so caps are tested against the true
	// proposed risk.
	sizePct := m.positionSizePct(breakdown.Composite, mc)

	// 4. Exposure caps including the proposed size.
	if ok, code, reason := m.ledger.CheckProposed(sig.Symbol, sig.Strategy, sizePct); !ok {
		return Decision{
			ReasonCode:   code,
			Reason:       reason,
			QualityScore: breakdown.Composite,
			Quality:      breakdown,
			SizePct:      sizePct,
		}
	}

	// 5. Drawdown and daily loss limits.
	if ok, reason := m.ddown.Check(); !ok {
		return Decision{
			ReasonCode:   ReasonDrawdown,
			Reason:       reason,
			QualityScore: breakdown.Composite,
			Quality:      breakdown,
			SizePct:      sizePct,
		}
	}

	// 6. Lot conversion from risk percent and stop distance.
	lots, err := m.lots(sig, sizePct)
	if err != nil {
		return Decision{
			ReasonCode:   ReasonSizing,
			Reason:       err.Error(),
			QualityScore: breakdown.Composite,
			Quality:      breakdown,
			SizePct:      sizePct,
		}
	}

	return Decision{
		Approved:     true,
		ReasonCode:   ReasonApproved,
		QualityScore: breakdown.Composite,
		Quality:      breakdown,
		SizePct:      sizePct,
		SizeLots:     lots,
	}
}

// positionSizePct interpolates risk linearly between the min and max
// per-trade risk as quality rises above the minimum, then adjusts for
// volatility regime and VPIN toxicity. The result is clamped back into
// [MinRiskPct, MaxRiskPct].
func (m *Manager) positionSizePct(score float64, mc signal.MarketContext) float64 {
	span := 1 - m.sizing.MinQualityScore
	frac := 0.0
	if span > 0 {
		frac = (score - m.sizing.MinQualityScore) / span
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	size := m.sizing.MinRiskPct + frac*(m.sizing.MaxRiskPct-m.sizing.MinRiskPct)

	switch mc.Volatility {
	case signal.RegimeHigh:
		size *= m.sizing.HighVolMultiplier
	case signal.RegimeLow:
		size *= m.sizing.LowVolMultiplier
	}

	if mc.VPIN > m.sizing.VPINThreshold {
		reduction := (mc.VPIN - m.sizing.VPINThreshold) * m.sizing.VPINPenaltySlope
		if reduction > 1 {
			reduction = 1
		}
		size *= 1 - m.sizing.VPINMaxSizeCut*reduction
	}

	if size < m.sizing.MinRiskPct {
		size = m.sizing.MinRiskPct
	} else if size > m.sizing.MaxRiskPct {
		size = m.sizing.MaxRiskPct
	}
	return size
}

// lots converts a risk percent into lots using the current equity and the
// signal's stop distance.
func (m *Manager) lots(sig signal.Signal, sizePct float64) (float64, error) {
	equity := m.ddown.Equity()
	if equity <= 0 {
		return 0, fmt.Errorf("equity not available for lot conversion")
	}
	stopDist := sig.StopDistance()
	if stopDist <= 0 {
		return 0, fmt.Errorf("degenerate stop distance for %s", sig.Symbol)
	}

	riskAmount := equity * sizePct / 100
	units := riskAmount / stopDist
	lots := units / m.sizing.ContractSize

	// Snap down to the lot step so the realized risk never exceeds the
	// computed risk.
	steps := int(lots / m.sizing.LotStep)
	lots = float64(steps) * m.sizing.LotStep
	if lots < m.sizing.MinLot {
		return 0, fmt.Errorf("computed size %.4f lots below minimum %.2f", lots, m.sizing.MinLot)
	}
	return lots, nil
}

// RegisterFill records a filled position in the exposure ledger.
func (m *Manager) RegisterFill(p position.Position) error {
	if err := m.ledger.Register(p); err != nil {
		return err
	}
	m.updateExposureMetrics()
	log.Info().Str("position", p.ID).Str("symbol", p.Symbol).Str("strategy", p.Strategy).
		Float64("risk_pct", p.RiskPct).Float64("lots", p.SizeLots).
		Msg("position registered")
	return nil
}

// OnTradeClosed releases the position from the ledger and feeds the
// outcome into the circuit breaker. Must be called exactly once per close,
// before the next evaluation that could be affected by it.
func (m *Manager) OnTradeClosed(t position.ClosedTrade) error {
	if err := m.ledger.Release(t.ID); err != nil {
		return err
	}
	m.breaker.RecordTrade(t.PnLPct, t.Symbol, t.Strategy)
	m.updateExposureMetrics()
	log.Info().Str("position", t.ID).Str("symbol", t.Symbol).Str("strategy", t.Strategy).
		Float64("pnl", t.PnL).Float64("pnl_pct", t.PnLPct).Float64("r_multiple", t.RMultiple).
		Str("close_reason", string(t.Reason)).
		Msg("trade closed")
	return nil
}

func (m *Manager) updateExposureMetrics() {
	if m.metrics == nil {
		return
	}
	snap := m.ledger.Snapshot()
	m.metrics.OpenPositions.Set(float64(snap.Positions))
	m.metrics.TotalExposurePct.Set(snap.TotalPct)
	if m.breaker.IsOpen() {
		m.metrics.CircuitOpen.Set(1)
	} else {
		m.metrics.CircuitOpen.Set(0)
	}
}

// observe emits the mandatory structured audit log and metrics for one
// evaluation.
func (m *Manager) observe(sig signal.Signal, d Decision, elapsed time.Duration) {
	ev := log.Info()
	outcome := "approved"
	if !d.Approved {
		ev = log.Warn()
		outcome = "rejected"
	}
	ev.Str("symbol", sig.Symbol).Str("strategy", sig.Strategy).
		Str("direction", string(sig.Direction)).
		Str("outcome", outcome).Str("reason_code", d.ReasonCode).
		Str("reason", d.Reason).
		Float64("quality", d.QualityScore).
		Float64("size_pct", d.SizePct).Float64("size_lots", d.SizeLots).
		Msg("signal evaluated")

	if m.metrics != nil {
		m.metrics.Decisions.WithLabelValues(outcome, d.ReasonCode).Inc()
		m.metrics.EvaluateDuration.Observe(elapsed.Seconds())
		m.metrics.QualityScore.Observe(d.QualityScore)
	}
}
