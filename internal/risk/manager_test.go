package risk

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/quality"
	"github.com/quantgate/quantgate/internal/domain/signal"
)

type managerFixture struct {
	mgr     *Manager
	breaker *CircuitBreaker
	ledger  *ExposureLedger
	ddown   *DrawdownTracker
	clock   *time.Time
}

func newManagerFixture(t *testing.T, sizing SizingConfig) *managerFixture {
	t.Helper()
	scorer, err := quality.NewScorer(quality.DefaultWeights())
	require.NoError(t, err)

	breaker, clock := frozenBreaker(CircuitBreakerConfig{})
	ledger := NewExposureLedger(ExposureConfig{})
	ddown := NewDrawdownTracker(DrawdownConfig{}, 100000)
	ddown.now = breaker.now

	return &managerFixture{
		mgr:     NewManager(sizing, scorer, breaker, ledger, ddown, nil),
		breaker: breaker,
		ledger:  ledger,
		ddown:   ddown,
		clock:   clock,
	}
}

func strongSignal() signal.Signal {
	return signal.Signal{
		Symbol:     "EURUSD",
		Direction:  signal.Long,
		EntryPrice: 1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Strategy:   "momentum",
		Metadata: map[string]float64{
			"mtf_confluence":      0.90,
			"structure_alignment": 0.85,
			"regime_confidence":   0.80,
		},
	}
}

func calmMarket() signal.MarketContext {
	return signal.MarketContext{VPIN: 0.4, OFI: 0.3, Volatility: signal.RegimeNormal}
}

func TestApprovedSignalCarriesSizeAndLots(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})

	d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
	require.True(t, d.Approved, d.Reason)
	assert.Equal(t, ReasonApproved, d.ReasonCode)
	assert.GreaterOrEqual(t, d.SizePct, 0.33)
	assert.LessOrEqual(t, d.SizePct, 1.0)
	assert.Greater(t, d.SizeLots, 0.0)
}

func TestMalformedSignalRejectedBeforeAnyGate(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})

	sig := strongSignal()
	sig.StopLoss = sig.EntryPrice + 0.01 // stop above entry on a long
	d := f.mgr.EvaluateSignal(sig, calmMarket())

	require.False(t, d.Approved)
	assert.Equal(t, ReasonValidation, d.ReasonCode)
	assert.Zero(t, d.QualityScore, "validation failures must not be scored")
	assert.Zero(t, d.SizePct)
}

func TestOpenCircuitBlocksEverySignal(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	for i := 0; i < 10; i++ {
		f.breaker.RecordTrade(-1.5, "EURUSD", "momentum")
	}

	d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
	require.False(t, d.Approved)
	assert.Equal(t, ReasonCircuitBreaker, d.ReasonCode)
}

func TestWeakSignalRejectedOnQuality(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{MinQualityScore: 0.65})

	sig := strongSignal()
	sig.Metadata = map[string]float64{
		"mtf_confluence":      0.40,
		"structure_alignment": 0.50,
		"regime_confidence":   0.60,
	}
	d := f.mgr.EvaluateSignal(sig, signal.MarketContext{VPIN: 0.5, OFI: 0})

	require.False(t, d.Approved)
	assert.Equal(t, ReasonQualityLow, d.ReasonCode)
	assert.Contains(t, d.Reason, "quality score")
	assert.Contains(t, d.Reason, "below minimum 0.65")
	assert.InDelta(t, 0.47, d.QualityScore, 1e-6)
	assert.Zero(t, d.SizePct, "rejected signals are never sized")
}

func TestExposureBreachCodePropagates(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	require.NoError(t, f.ledger.Register(openPos("p1", "EURUSD", "other", 1.8)))

	d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
	require.False(t, d.Approved)
	assert.Equal(t, BreachSymbol, d.ReasonCode)
	assert.Greater(t, d.SizePct, 0.0, "the proposed size is part of the rejection record")
}

func TestDrawdownBreachRejects(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	f.ddown.UpdateEquity(110000)
	f.ddown.UpdateEquity(95000) // 13.6% off peak

	d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
	require.False(t, d.Approved)
	assert.Equal(t, ReasonDrawdown, d.ReasonCode)
}

func TestTinyAccountRejectedOnLotMinimum(t *testing.T) {
	// A huge contract size makes the computed lots round down to zero.
	f := newManagerFixture(t, SizingConfig{ContractSize: 1e9})

	d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
	require.False(t, d.Approved)
	assert.Equal(t, ReasonSizing, d.ReasonCode)
	assert.Contains(t, d.Reason, "below minimum")
}

func TestVolatilityAndToxicityAdjustSizeWithinBounds(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	sig := strongSignal()

	normal := f.mgr.EvaluateSignal(sig, calmMarket())

	high := calmMarket()
	high.Volatility = signal.RegimeHigh
	highVol := f.mgr.EvaluateSignal(sig, high)

	low := calmMarket()
	low.Volatility = signal.RegimeLow
	lowVol := f.mgr.EvaluateSignal(sig, low)

	toxic := calmMarket()
	toxic.VPIN = 0.9
	toxicFlow := f.mgr.EvaluateSignal(sig, toxic)

	assert.Less(t, highVol.SizePct, normal.SizePct)
	assert.GreaterOrEqual(t, lowVol.SizePct, normal.SizePct)
	assert.Less(t, toxicFlow.SizePct, normal.SizePct)

	for _, d := range []Decision{normal, highVol, lowVol, toxicFlow} {
		assert.GreaterOrEqual(t, d.SizePct, 0.33)
		assert.LessOrEqual(t, d.SizePct, 1.0)
	}
}

// The VPIN penalty saturates: at most half the raw size is removed no matter
// how toxic the flow reads, and the clamp keeps the result in bounds.
func TestVPINPenaltySaturates(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	const score = 0.9

	base := f.mgr.positionSizePct(score, signal.MarketContext{VPIN: 0.5})
	capped := f.mgr.positionSizePct(score, signal.MarketContext{VPIN: 1.0})
	beyond := f.mgr.positionSizePct(score, signal.MarketContext{VPIN: 5.0})

	assert.Less(t, capped, base)
	assert.InDelta(t, capped, beyond, 1e-9, "penalty must not grow past the saturation point")
	assert.GreaterOrEqual(t, capped, 0.33)
	assert.GreaterOrEqual(t, capped, base*0.5-1e-9)
}

func TestEvaluateIsAdvisoryUntilFill(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})

	for i := 0; i < 5; i++ {
		d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
		require.True(t, d.Approved)
	}
	assert.Equal(t, 0, f.ledger.Snapshot().Positions, "evaluation must not commit exposure")
}

func TestFillAndCloseRoundTrip(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})

	d := f.mgr.EvaluateSignal(strongSignal(), calmMarket())
	require.True(t, d.Approved)

	p := openPos("fill-1", "EURUSD", "momentum", d.SizePct)
	p.SizeLots = d.SizeLots
	require.NoError(t, f.mgr.RegisterFill(p))
	assert.Equal(t, 1, f.ledger.Snapshot().Positions)

	closed := position.ClosedTrade{Position: p, ExitPrice: 1.0950, PnLPct: -d.SizePct, Reason: position.CloseStopHit}
	require.NoError(t, f.mgr.OnTradeClosed(closed))
	assert.Equal(t, 0, f.ledger.Snapshot().Positions)
	assert.InDelta(t, -d.SizePct, f.breaker.DailyPnLPct(), 1e-9)

	require.Error(t, f.mgr.OnTradeClosed(closed), "double close must surface")
}

// Property: under random approve/fill/close sequences the committed total
// never exceeds the exposure cap, and every approved size stays in bounds.
func TestRandomSequenceRespectsExposureInvariant(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"EURUSD", "GBPJPY", "XAUUSD", "USDCAD", "AUDNZD"}

	var open []position.Position
	next := 0
	for i := 0; i < 300; i++ {
		if rng.Intn(3) == 0 && len(open) > 0 {
			p := open[0]
			open = open[1:]
			pnl := (rng.Float64() - 0.45) * p.RiskPct * 2
			require.NoError(t, f.mgr.OnTradeClosed(position.ClosedTrade{
				Position: p, ExitPrice: p.EntryPrice, PnLPct: pnl, Reason: position.CloseManual,
			}))
			continue
		}

		sig := strongSignal()
		sig.Symbol = symbols[rng.Intn(len(symbols))]
		sig.Strategy = fmt.Sprintf("s%d", rng.Intn(4))
		mc := calmMarket()
		mc.VPIN = rng.Float64()

		d := f.mgr.EvaluateSignal(sig, mc)
		if !d.Approved {
			continue
		}
		require.GreaterOrEqual(t, d.SizePct, 0.33)
		require.LessOrEqual(t, d.SizePct, 1.0)

		p := openPos(fmt.Sprintf("rp%d", next), sig.Symbol, sig.Strategy, d.SizePct)
		next++
		if err := f.mgr.RegisterFill(p); err != nil {
			continue // limits moved between check and fill; refusal is correct
		}
		open = append(open, p)

		require.LessOrEqual(t, f.ledger.Snapshot().TotalPct, 6.0+1e-9)
	}
}

func TestHealthyReflectsBreakerAndDrawdown(t *testing.T) {
	f := newManagerFixture(t, SizingConfig{})
	assert.True(t, f.mgr.Healthy())

	for i := 0; i < 10; i++ {
		f.breaker.RecordTrade(-1.5, "EURUSD", "momentum")
	}
	assert.False(t, f.mgr.Healthy())
}
