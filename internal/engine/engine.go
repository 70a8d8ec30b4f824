// Package engine runs the per-account decision loop: bars in, features,
// strategy signals, arbitration, risk gate, kill switch, execution. One
// goroutine owns all mutating risk state; signals are evaluated strictly
// sequentially so every approval sees a consistent exposure snapshot.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/arbitration"
	"github.com/quantgate/quantgate/internal/broker"
	"github.com/quantgate/quantgate/internal/domain/microstructure"
	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/signal"
	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/metrics"
	"github.com/quantgate/quantgate/internal/persistence"
	"github.com/quantgate/quantgate/internal/ring"
	"github.com/quantgate/quantgate/internal/risk"
	"github.com/quantgate/quantgate/internal/strategy"
)

// Volatility regime thresholds on ATR as a fraction of price.
const (
	highVolATRFrac = 0.015
	lowVolATRFrac  = 0.005
)

// Publisher is the optional live-status sink (Redis). Nil-safe via the
// noop implementation.
type Publisher interface {
	PublishKillSwitch(ctx context.Context, st killswitch.Status)
	PublishDecision(ctx context.Context, rec persistence.DecisionRecord)
}

// NoopPublisher discards snapshots.
type NoopPublisher struct{}

func (NoopPublisher) PublishKillSwitch(context.Context, killswitch.Status)      {}
func (NoopPublisher) PublishDecision(context.Context, persistence.DecisionRecord) {}

// Config holds the loop parameters.
type Config struct {
	Symbols       []string
	CycleInterval time.Duration
	BarWindow     int
	Live          bool
}

// Engine is the decision loop.
type Engine struct {
	config     Config
	features   *microstructure.Engine
	strategies []strategy.Strategy
	arbiter    *arbitration.Arbiter
	riskMgr    *risk.Manager
	ks         *killswitch.KillSwitch
	exec       broker.Broker
	journal    persistence.Journal
	publisher  Publisher
	metrics    *metrics.Metrics

	mu   sync.Mutex
	bars map[string]*ring.Buffer[microstructure.Bar]

	// closed trades queue: fills from the broker callback, drained at the
	// top of each cycle so risk bookkeeping is causally ordered before the
	// next evaluation.
	closed chan position.ClosedTrade

	perf *perfTracker
}

// New wires the loop.
func New(cfg Config, features *microstructure.Engine, strategies []strategy.Strategy,
	arbiter *arbitration.Arbiter, riskMgr *risk.Manager, ks *killswitch.KillSwitch,
	exec broker.Broker, journal persistence.Journal, publisher Publisher, m *metrics.Metrics) *Engine {

	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.BarWindow <= 0 {
		cfg.BarWindow = 200
	}
	if journal == nil {
		journal = persistence.Noop{}
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}

	e := &Engine{
		config:     cfg,
		features:   features,
		strategies: strategies,
		arbiter:    arbiter,
		riskMgr:    riskMgr,
		ks:         ks,
		exec:       exec,
		journal:    journal,
		publisher:  publisher,
		metrics:    m,
		bars:       make(map[string]*ring.Buffer[microstructure.Bar]),
		closed:     make(chan position.ClosedTrade, 256),
		perf:       newPerfTracker(20),
	}
	for _, sym := range cfg.Symbols {
		e.bars[sym] = ring.New[microstructure.Bar](cfg.BarWindow)
	}
	return e
}

// PushBar feeds one bar from the ingestion layer. Also forwards the bar to
// the paper broker's stop/target monitor when execution is simulated.
func (e *Engine) PushBar(sym string, bar microstructure.Bar) {
	e.mu.Lock()
	buf, ok := e.bars[sym]
	if !ok {
		buf = ring.New[microstructure.Bar](e.config.BarWindow)
		e.bars[sym] = buf
	}
	buf.Push(bar)
	e.mu.Unlock()

	if paper, ok := e.exec.(*broker.Paper); ok {
		paper.OnBar(sym, bar.High, bar.Low)
	}
}

// OnTradeClosed enqueues a close event from the execution layer. Never
// blocks the caller; the queue is sized for bursts and overflow is a
// programming-scale error worth surfacing loudly.
func (e *Engine) OnTradeClosed(t position.ClosedTrade) {
	select {
	case e.closed <- t:
	default:
		log.Error().Bool("critical", true).Str("position", t.ID).
			Msg("closed-trade queue overflow, risk bookkeeping delayed")
		e.closed <- t
	}
}

// Run executes cycles until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.CycleInterval)
	defer ticker.Stop()

	log.Info().Strs("symbols", e.config.Symbols).Bool("live", e.config.Live).
		Dur("interval", e.config.CycleInterval).Msg("decision loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("decision loop stopped")
			return nil
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one full evaluation pass. Exported so replay and tests can
// drive the loop deterministically.
func (e *Engine) Cycle(ctx context.Context) {
	// 1. Drain finalized closes before any evaluation (causal ordering).
	e.drainClosed(ctx)

	// 2. Refresh account equity.
	if info, err := e.exec.GetAccountInfo(ctx); err != nil {
		log.Warn().Err(err).Msg("account info unavailable this cycle")
	} else {
		e.riskMgr.UpdateEquity(info.Equity)
	}

	// 3. Push risk health into the kill switch.
	healthy := e.riskMgr.Healthy()
	reason := ""
	if !healthy {
		reason = "circuit breaker or loss limits engaged"
	}
	e.ks.UpdateRiskHealth(healthy, reason)
	e.publisher.PublishKillSwitch(ctx, e.ks.Status())

	// 4. Features and candidate signals per symbol.
	var candidates []signal.Signal
	contexts := make(map[string]signal.MarketContext)
	perfSnap := e.perf.snapshot()

	for _, sym := range e.config.Symbols {
		bars := e.snapshotBars(sym)
		if len(bars) == 0 {
			continue
		}
		feats := e.features.CalculateFeatures(sym, bars, nil)
		if e.metrics != nil {
			e.metrics.VPIN.WithLabelValues(sym).Set(feats.VPIN)
		}

		mc := signal.MarketContext{
			VPIN:                feats.VPIN,
			OFI:                 feats.OFI,
			Volatility:          volatilityRegime(feats, bars),
			Regime:              "unknown",
			StrategyPerformance: perfSnap,
		}
		contexts[sym] = mc

		md := strategy.MarketData{Symbol: sym, Bars: bars}
		for _, strat := range e.strategies {
			candidates = append(candidates, strat.Evaluate(md, feats)...)
		}
	}
	if len(candidates) == 0 {
		return
	}

	// 5. Arbitrate per symbol, then risk-gate and execute sequentially.
	for _, sel := range e.arbitrateAll(candidates, contexts) {
		e.process(ctx, sel.Signal, contexts[sel.Signal.Symbol])
	}
}

// arbitrateAll groups candidates by symbol and applies per-symbol
// selection with each symbol's own market context.
func (e *Engine) arbitrateAll(candidates []signal.Signal, contexts map[string]signal.MarketContext) []arbitration.Scored {
	grouped := make(map[string][]signal.Signal)
	for _, sig := range candidates {
		grouped[sig.Symbol] = append(grouped[sig.Symbol], sig)
	}
	var out []arbitration.Scored
	for _, sym := range e.config.Symbols {
		group := grouped[sym]
		if len(group) == 0 {
			continue
		}
		out = append(out, e.arbiter.SelectPerSymbol(group, contexts[sym])...)
	}
	return out
}

// process risk-gates one selected signal and executes on approval.
func (e *Engine) process(ctx context.Context, sig signal.Signal, mc signal.MarketContext) {
	if ok, reason := e.arbiter.CheckPortfolioBalance(sig, e.riskMgr.Ledger().OpenPositions()); !ok {
		log.Info().Str("symbol", sig.Symbol).Str("strategy", sig.Strategy).
			Str("reason", reason).Msg("signal rejected by portfolio balance")
		if e.metrics != nil {
			e.metrics.Decisions.WithLabelValues("rejected", "portfolio_balance").Inc()
		}
		return
	}

	decision := e.riskMgr.EvaluateSignal(sig, mc)
	e.audit(ctx, sig, decision)
	if !decision.Approved {
		return
	}

	clientID := uuid.NewString()
	result, err := e.exec.PlaceOrder(ctx, broker.OrderRequest{
		ClientID:   clientID,
		Instrument: sig.Symbol,
		Side:       sig.Direction,
		Volume:     decision.SizeLots,
		Type:       broker.OrderMarket,
		Price:      sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Strategy:   sig.Strategy,
		RiskPct:    decision.SizePct,
	})
	if err != nil {
		// Kill switch blocks and broker failures are surfaced immediately;
		// there is no silent retry.
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("order transmission failed")
		return
	}
	if !result.Success {
		log.Warn().Str("symbol", sig.Symbol).Str("reason", result.Reason).
			Msg("order rejected by broker")
		return
	}
	if e.metrics != nil && !e.config.Live {
		e.metrics.OrdersPlaced.WithLabelValues("paper").Inc()
	}

	fill := position.Position{
		ID:         result.OrderID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		EntryPrice: result.FillPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		SizeLots:   decision.SizeLots,
		RiskPct:    decision.SizePct,
		Strategy:   sig.Strategy,
		OpenedAt:   time.Now(),
	}
	if err := e.riskMgr.RegisterFill(fill); err != nil {
		// The ledger refused a fill the broker accepted: unwind immediately
		// rather than run unaccounted exposure.
		log.Error().Bool("critical", true).Err(err).Str("position", fill.ID).
			Msg("fill breaches ledger, closing position")
		if _, closeErr := e.exec.ClosePosition(ctx, fill.ID, result.FillPrice, position.CloseManual); closeErr != nil {
			log.Error().Bool("critical", true).Err(closeErr).Str("position", fill.ID).
				Msg("unwind failed, manual intervention required")
			e.ks.EmergencyStop(fmt.Sprintf("unaccounted position %s could not be closed", fill.ID))
		}
	}
}

// drainClosed applies all finalized close events to the risk state.
func (e *Engine) drainClosed(ctx context.Context) {
	for {
		select {
		case t := <-e.closed:
			if err := e.riskMgr.OnTradeClosed(t); err != nil {
				log.Error().Err(err).Str("position", t.ID).Msg("close bookkeeping failed")
			}
			e.perf.record(t.Strategy, t.PnLPct)
			if err := e.journal.AppendTrade(ctx, t); err != nil {
				log.Warn().Err(err).Msg("trade journal append failed")
			}
		default:
			return
		}
	}
}

// audit writes the decision record to the journal and publisher.
func (e *Engine) audit(ctx context.Context, sig signal.Signal, d risk.Decision) {
	rec := persistence.DecisionRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Symbol:     sig.Symbol,
		Strategy:   sig.Strategy,
		Direction:  string(sig.Direction),
		Approved:   d.Approved,
		ReasonCode: d.ReasonCode,
		Reason:     d.Reason,
		Quality:    d.QualityScore,
		SizePct:    d.SizePct,
		SizeLots:   d.SizeLots,
	}
	if err := e.journal.AppendDecision(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("decision journal append failed")
	}
	e.publisher.PublishDecision(ctx, rec)
}

func (e *Engine) snapshotBars(sym string) []microstructure.Bar {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.bars[sym]
	if !ok {
		return nil
	}
	return buf.Items()
}

// volatilityRegime tags the environment from ATR relative to price.
func volatilityRegime(feats signal.Features, bars []microstructure.Bar) signal.VolatilityRegime {
	last := bars[len(bars)-1].Close
	if last <= 0 || feats.ATR <= 0 {
		return signal.RegimeNormal
	}
	frac := feats.ATR / last
	switch {
	case frac >= highVolATRFrac:
		return signal.RegimeHigh
	case frac <= lowVolATRFrac:
		return signal.RegimeLow
	default:
		return signal.RegimeNormal
	}
}
