package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/quantgate/internal/domain/microstructure"
	"github.com/quantgate/quantgate/internal/domain/signal"
)

func rampBars(n int, start, step float64) []microstructure.Bar {
	bars := make([]microstructure.Bar, n)
	price := start
	epoch := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = microstructure.Bar{
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + step, Low: price, Close: price + step,
			Volume: 100,
		}
		price += step
	}
	return bars
}

func TestMomentumEmitsLongOnUptrendWithAlignedFlow(t *testing.T) {
	strat, err := NewMomentum(nil)
	require.NoError(t, err)

	bars := rampBars(25, 100, 0.1) // ~2% over the 20-bar lookback
	sigs := strat.Evaluate(MarketData{Symbol: "EURUSD", Bars: bars}, signal.Features{OFI: 0.5})

	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, signal.Long, sig.Direction)
	assert.Equal(t, "momentum", sig.Strategy)
	require.NoError(t, sig.Validate())
	assert.InDelta(t, 2.0, sig.RewardRisk(), 1e-9)
	assert.Greater(t, sig.Meta("mtf_confluence", 0), 0.0)
}

func TestMomentumStaysFlatWhenFlowDisagrees(t *testing.T) {
	strat, err := NewMomentum(nil)
	require.NoError(t, err)

	bars := rampBars(25, 100, 0.1)
	sigs := strat.Evaluate(MarketData{Symbol: "EURUSD", Bars: bars}, signal.Features{OFI: -0.5})
	assert.Empty(t, sigs, "an uptrend against selling flow emits nothing")
}

func TestMomentumEmitsShortOnDowntrend(t *testing.T) {
	strat, err := NewMomentum(nil)
	require.NoError(t, err)

	bars := rampBars(25, 100, -0.1)
	for i := range bars {
		bars[i].High = bars[i].Open
		bars[i].Low = bars[i].Close
	}
	sigs := strat.Evaluate(MarketData{Symbol: "EURUSD", Bars: bars}, signal.Features{OFI: -0.3})

	require.Len(t, sigs, 1)
	assert.Equal(t, signal.Short, sigs[0].Direction)
	require.NoError(t, sigs[0].Validate())
}

func TestMomentumRequiresEnoughBars(t *testing.T) {
	strat, err := NewMomentum(nil)
	require.NoError(t, err)
	sigs := strat.Evaluate(MarketData{Symbol: "EURUSD", Bars: rampBars(10, 100, 0.1)}, signal.Features{OFI: 0.5})
	assert.Empty(t, sigs)
}

func TestMomentumParamsOverrideDefaults(t *testing.T) {
	strat, err := NewMomentum(map[string]float64{"lookback": 5, "threshold": 0.001, "rr": 3})
	require.NoError(t, err)

	bars := rampBars(10, 100, 0.05)
	sigs := strat.Evaluate(MarketData{Symbol: "EURUSD", Bars: bars}, signal.Features{OFI: 0.2})
	require.Len(t, sigs, 1)
	assert.InDelta(t, 3.0, sigs[0].RewardRisk(), 1e-9)
}

func TestRegistryBuildsAndRejectsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register("momentum", NewMomentum)

	strat, err := r.Build("momentum", nil)
	require.NoError(t, err)
	assert.Equal(t, "momentum", strat.Name())

	_, err = r.Build("arbitrage", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestRegistryPanicsOnDuplicateID(t *testing.T) {
	r := NewRegistry()
	r.Register("momentum", NewMomentum)
	assert.Panics(t, func() { r.Register("momentum", NewMomentum) })
}
