package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/quantgate/internal/arbitration"
	"github.com/quantgate/quantgate/internal/broker"
	"github.com/quantgate/quantgate/internal/domain/microstructure"
	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/quality"
	"github.com/quantgate/quantgate/internal/domain/signal"
	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/persistence"
	"github.com/quantgate/quantgate/internal/risk"
	"github.com/quantgate/quantgate/internal/strategy"
)

// fixedStrategy emits one pre-built signal per cycle for its symbol.
type fixedStrategy struct {
	name string
	sig  signal.Signal
	emit bool
}

func (f *fixedStrategy) Name() string { return f.name }

func (f *fixedStrategy) Evaluate(md strategy.MarketData, feats signal.Features) []signal.Signal {
	if !f.emit || md.Symbol != f.sig.Symbol {
		return nil
	}
	return []signal.Signal{f.sig}
}

// memJournal captures audit writes in memory.
type memJournal struct {
	trades    []position.ClosedTrade
	decisions []persistence.DecisionRecord
}

func (m *memJournal) AppendTrade(_ context.Context, t position.ClosedTrade) error {
	m.trades = append(m.trades, t)
	return nil
}

func (m *memJournal) AppendDecision(_ context.Context, rec persistence.DecisionRecord) error {
	m.decisions = append(m.decisions, rec)
	return nil
}

func (m *memJournal) Close() error { return nil }

type engineFixture struct {
	eng     *Engine
	paper   *broker.Paper
	riskMgr *risk.Manager
	ks      *killswitch.KillSwitch
	strat   *fixedStrategy
	journal *memJournal
}

func entrySignal() signal.Signal {
	return signal.Signal{
		Symbol:     "EURUSD",
		Direction:  signal.Long,
		EntryPrice: 1.1250,
		StopLoss:   1.1200,
		TakeProfit: 1.1350,
		Strategy:   "fixed",
		CreatedAt:  time.Now(),
		Metadata: map[string]float64{
			"mtf_confluence":      0.9,
			"structure_alignment": 0.85,
			"regime_confidence":   0.8,
		},
	}
}

func newEngineFixture(t *testing.T, exec broker.Broker, paper *broker.Paper, ks *killswitch.KillSwitch) *engineFixture {
	t.Helper()

	scorer, err := quality.NewScorer(quality.DefaultWeights())
	require.NoError(t, err)

	ledger := risk.NewExposureLedger(risk.ExposureConfig{})
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	ddown := risk.NewDrawdownTracker(risk.DrawdownConfig{}, 100000)
	riskMgr := risk.NewManager(risk.SizingConfig{}, scorer, breaker, ledger, ddown, nil)
	arbiter := arbitration.NewArbiter(arbitration.Config{}, scorer, ledger.Bucket)

	strat := &fixedStrategy{name: "fixed", sig: entrySignal(), emit: true}
	journal := &memJournal{}

	eng := New(Config{
		Symbols:       []string{"EURUSD"},
		CycleInterval: time.Second,
		BarWindow:     100,
	}, microstructure.NewEngine(microstructure.Config{}), []strategy.Strategy{strat},
		arbiter, riskMgr, ks, exec, journal, nil, nil)

	if paper != nil {
		paper.OnClose(eng.OnTradeClosed)
	}
	return &engineFixture{eng: eng, paper: paper, riskMgr: riskMgr, ks: ks, strat: strat, journal: journal}
}

// seedBars pushes a gently rising window so features compute and the
// volatility regime stays out of the extremes.
func seedBars(eng *Engine, n int) {
	epoch := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	price := 1.1000
	for i := 0; i < n; i++ {
		step := 0.0001
		eng.PushBar("EURUSD", microstructure.Bar{
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + step, Low: price, Close: price + step,
			Volume: 100,
		})
		price += step
	}
}

func operationalKS(t *testing.T) *killswitch.KillSwitch {
	t.Helper()
	ks := killswitch.New(killswitch.Config{OperatorEnabled: true}, nil)
	ks.RecordBrokerPing(10 * time.Millisecond)
	require.True(t, ks.CanSendOrders())
	return ks
}

func TestCycleExecutesApprovedSignal(t *testing.T) {
	paper := broker.NewPaper(broker.PaperConfig{StartingBalance: 100000})
	f := newEngineFixture(t, paper, paper, operationalKS(t))
	seedBars(f.eng, 30)
	ctx := context.Background()

	f.eng.Cycle(ctx)

	open, err := paper.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "EURUSD", open[0].Symbol)

	snap := f.riskMgr.Ledger().Snapshot()
	assert.Equal(t, 1, snap.Positions)
	assert.Greater(t, snap.TotalPct, 0.0)

	require.Len(t, f.journal.decisions, 1)
	assert.True(t, f.journal.decisions[0].Approved)
}

func TestCycleWithoutBarsDoesNothing(t *testing.T) {
	paper := broker.NewPaper(broker.PaperConfig{})
	f := newEngineFixture(t, paper, paper, operationalKS(t))

	f.eng.Cycle(context.Background())
	open, err := paper.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, f.journal.decisions)
}

func TestSymbolCapBlocksSecondEntry(t *testing.T) {
	paper := broker.NewPaper(broker.PaperConfig{StartingBalance: 100000})
	f := newEngineFixture(t, paper, paper, operationalKS(t))
	seedBars(f.eng, 30)
	ctx := context.Background()

	f.eng.Cycle(ctx)
	f.eng.Cycle(ctx) // same signal again; portfolio balance caps the symbol at 1

	open, err := paper.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStopHitFlowsBackIntoRiskState(t *testing.T) {
	paper := broker.NewPaper(broker.PaperConfig{StartingBalance: 100000})
	f := newEngineFixture(t, paper, paper, operationalKS(t))
	seedBars(f.eng, 30)
	ctx := context.Background()

	f.eng.Cycle(ctx)
	require.Equal(t, 1, f.riskMgr.Ledger().Snapshot().Positions)

	// A bar through the stop closes the paper position; the close is queued
	// and applied at the top of the next cycle, before any evaluation.
	f.strat.emit = false
	f.eng.PushBar("EURUSD", microstructure.Bar{
		Timestamp: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Open:      1.1240, High: 1.1240, Low: 1.1150, Close: 1.1160, Volume: 100,
	})
	f.eng.Cycle(ctx)

	assert.Equal(t, 0, f.riskMgr.Ledger().Snapshot().Positions)
	assert.Less(t, f.riskMgr.Breaker().DailyPnLPct(), 0.0)
	require.Len(t, f.journal.trades, 1)
	assert.Equal(t, "EURUSD", f.journal.trades[0].Symbol)
}

func TestLiveOrderBlockedByKillSwitchLeavesNoExposure(t *testing.T) {
	paper := broker.NewPaper(broker.PaperConfig{StartingBalance: 100000})
	ks := killswitch.New(killswitch.Config{}, nil) // operator off: everything blocked
	live := broker.NewLive(broker.LiveConfig{OrdersPerSecond: 1000, OrderBurst: 10}, paper, ks, nil)
	f := newEngineFixture(t, live, paper, ks)
	seedBars(f.eng, 30)
	ctx := context.Background()

	f.eng.Cycle(ctx)

	open, err := paper.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "blocked orders must not reach the broker")
	assert.Equal(t, 0, f.riskMgr.Ledger().Snapshot().Positions)
}

func TestVolatilityRegimeThresholds(t *testing.T) {
	bars := []microstructure.Bar{{Close: 100}}

	assert.Equal(t, signal.RegimeHigh, volatilityRegime(signal.Features{ATR: 2.0}, bars))
	assert.Equal(t, signal.RegimeLow, volatilityRegime(signal.Features{ATR: 0.3}, bars))
	assert.Equal(t, signal.RegimeNormal, volatilityRegime(signal.Features{ATR: 1.0}, bars))
	assert.Equal(t, signal.RegimeNormal, volatilityRegime(signal.Features{ATR: 0}, bars))
}

func TestPerfTrackerScores(t *testing.T) {
	p := newPerfTracker(10)
	assert.Equal(t, 0.5, p.score("unseen"))

	for i := 0; i < 10; i++ {
		p.record("winner", 0.8)
	}
	for i := 0; i < 10; i++ {
		p.record("loser", -0.8)
	}
	assert.Greater(t, p.score("winner"), 0.8)
	assert.Less(t, p.score("loser"), 0.2)

	snap := p.snapshot()
	assert.Contains(t, snap, "winner")
	assert.Contains(t, snap, "loser")
	assert.NotContains(t, snap, "unseen")
}
