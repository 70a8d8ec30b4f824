package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/quantgate/internal/domain/signal"
)

func testSignal() signal.Signal {
	return signal.Signal{
		Symbol:     "EURUSD",
		Direction:  signal.Long,
		EntryPrice: 1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Strategy:   "momentum",
	}
}

func neutralContext() signal.MarketContext {
	return signal.MarketContext{VPIN: 0.5, OFI: 0}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	sum := w.Confluence + w.Structure + w.OrderFlow + w.RegimeFit + w.TrackRecord
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestNewScorerRejectsBadWeights(t *testing.T) {
	_, err := NewScorer(Weights{Confluence: 0.5, Structure: 0.5, OrderFlow: 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")

	_, err = NewScorer(Weights{Confluence: 1.2, Structure: -0.2})
	require.Error(t, err)
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	require.NoError(t, err)

	sig := testSignal().WithMetadata("mtf_confluence", 0.8)
	mc := signal.MarketContext{VPIN: 0.4, OFI: 0.3}

	first := scorer.Score(sig, mc)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, scorer.Score(sig, mc))
	}
}

func TestScoreNeutralDefaultsWhenMetadataMissing(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	require.NoError(t, err)

	b := scorer.Score(testSignal(), neutralContext())
	assert.InDelta(t, 0.5, b.Confluence, 1e-9)
	assert.InDelta(t, 0.5, b.Structure, 1e-9)
	assert.InDelta(t, 0.5, b.RegimeFit, 1e-9)
	assert.InDelta(t, 0.5, b.TrackRecord, 1e-9)
	assert.InDelta(t, 0.5, b.Composite, 1e-9)
}

func TestScoreComponentsClampedBeforeWeighting(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	require.NoError(t, err)

	sig := testSignal().
		WithMetadata("mtf_confluence", 7.0).
		WithMetadata("structure_alignment", -3.0)
	b := scorer.Score(sig, neutralContext())

	assert.Equal(t, 1.0, b.Confluence)
	assert.Equal(t, 0.0, b.Structure)
	assert.GreaterOrEqual(t, b.Composite, 0.0)
	assert.LessOrEqual(t, b.Composite, 1.0)
}

func TestOrderFlowRewardsAlignedImbalance(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	require.NoError(t, err)

	buyers := signal.MarketContext{VPIN: 0.5, OFI: 0.8}

	long := scorer.Score(testSignal(), buyers)
	assert.InDelta(t, 0.9, long.OrderFlow, 1e-9)

	shortSig := testSignal()
	shortSig.Direction = signal.Short
	shortSig.StopLoss = 1.1050
	shortSig.TakeProfit = 1.0900
	short := scorer.Score(shortSig, buyers)
	assert.InDelta(t, 0.1, short.OrderFlow, 1e-9)
}

func TestToxicFlowShrinksOrderFlowScore(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	require.NoError(t, err)

	clean := scorer.Score(testSignal(), signal.MarketContext{VPIN: 0.5, OFI: 0.6})
	toxic := scorer.Score(testSignal(), signal.MarketContext{VPIN: 0.9, OFI: 0.6})
	assert.Less(t, toxic.OrderFlow, clean.OrderFlow)
}

// A signal scoring 0.47 against a 0.65 minimum is the canonical
// below-threshold rejection input used by the risk manager tests.
func TestCompositeForWeakSignal(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights())
	require.NoError(t, err)

	sig := testSignal().
		WithMetadata("mtf_confluence", 0.40).
		WithMetadata("structure_alignment", 0.50).
		WithMetadata("regime_confidence", 0.60)
	b := scorer.Score(sig, neutralContext())

	assert.InDelta(t, 0.47, b.Composite, 1e-6)
}
