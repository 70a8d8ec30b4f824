package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/signal"
)

// PaperConfig holds the simulator parameters.
type PaperConfig struct {
	StartingBalance float64 `yaml:"starting_balance"` // default 100000
	CommissionPct   float64 `yaml:"commission_pct"`   // of notional per side, default 0.0005
	SlippagePct     float64 `yaml:"slippage_pct"`     // adverse fill adjustment, default 0
}

// DefaultPaperConfig returns the standard simulator parameters.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{StartingBalance: 100000, CommissionPct: 0.0005}
}

// Paper is a deterministic broker simulator. Orders fill immediately at
// the requested price adjusted for slippage; stop and target exits are
// triggered by pushed bars via OnBar.
type Paper struct {
	mu        sync.Mutex
	config    PaperConfig
	balance   float64
	positions map[string]position.Position

	// closed trades are handed to the callback set via OnClose, which the
	// decision loop uses for risk bookkeeping.
	onClose func(position.ClosedTrade)
}

// NewPaper creates a paper broker.
func NewPaper(config PaperConfig) *Paper {
	if config.StartingBalance <= 0 {
		config.StartingBalance = DefaultPaperConfig().StartingBalance
	}
	if config.CommissionPct < 0 {
		config.CommissionPct = 0
	}
	return &Paper{
		config:    config,
		balance:   config.StartingBalance,
		positions: make(map[string]position.Position),
	}
}

// OnClose registers the close callback. Must be set before the first bar
// is pushed.
func (p *Paper) OnClose(fn func(position.ClosedTrade)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

// PlaceOrder fills immediately at the requested price (market orders use
// Price as the reference quote).
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Volume <= 0 {
		return OrderResult{Reason: "non-positive volume"}, nil
	}
	if req.Price <= 0 {
		return OrderResult{Reason: "paper broker requires a reference price"}, nil
	}

	fill := req.Price
	if p.config.SlippagePct > 0 {
		if req.Side == signal.Long {
			fill *= 1 + p.config.SlippagePct
		} else {
			fill *= 1 - p.config.SlippagePct
		}
	}
	commission := fill * req.Volume * p.config.CommissionPct
	p.balance -= commission

	id := req.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	pos := position.Position{
		ID:         id,
		Symbol:     req.Instrument,
		Direction:  req.Side,
		EntryPrice: fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		SizeLots:   req.Volume,
		RiskPct:    req.RiskPct,
		Strategy:   req.Strategy,
		OpenedAt:   time.Now(),
	}
	p.positions[id] = pos

	log.Info().Str("order", id).Str("symbol", req.Instrument).Str("side", string(req.Side)).
		Float64("fill", fill).Float64("lots", req.Volume).Float64("commission", commission).
		Msg("paper order filled")

	return OrderResult{Success: true, OrderID: id, FillPrice: fill, Commission: commission}, nil
}

// GetAccountInfo reports balance and mark-to-market equity. Open positions
// are marked at entry (the simulator has no independent quote stream;
// equity moves on close).
func (p *Paper) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AccountInfo{Balance: p.balance, Equity: p.balance, MarginFree: p.balance}, nil
}

// GetOpenPositions returns the open set.
func (p *Paper) GetOpenPositions(ctx context.Context) ([]position.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]position.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// ClosePosition closes one position at the given price.
func (p *Paper) ClosePosition(ctx context.Context, positionID string, price float64, reason position.CloseReason) (position.ClosedTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(positionID, price, reason)
}

func (p *Paper) closeLocked(positionID string, price float64, reason position.CloseReason) (position.ClosedTrade, error) {
	pos, ok := p.positions[positionID]
	if !ok {
		return position.ClosedTrade{}, fmt.Errorf("position %s not found", positionID)
	}
	delete(p.positions, positionID)

	commission := price * pos.SizeLots * p.config.CommissionPct
	trade := pos.Close(price, p.balance, time.Now(), reason)
	trade.PnL -= commission
	p.balance += trade.PnL
	if p.balance > 0 {
		trade.PnLPct = trade.PnL / (p.balance - trade.PnL) * 100
	}

	log.Info().Str("position", positionID).Str("symbol", pos.Symbol).
		Float64("exit", price).Float64("pnl", trade.PnL).Str("close_reason", string(reason)).
		Msg("paper position closed")

	if p.onClose != nil {
		p.onClose(trade)
	}
	return trade, nil
}

// OnBar checks open positions for stop or target hits against the bar's
// range. Stops are checked before targets: when a bar spans both, the
// conservative outcome wins.
func (p *Paper) OnBar(symbol string, high, low float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		switch pos.Direction {
		case signal.Long:
			if pos.StopLoss > 0 && low <= pos.StopLoss {
				p.closeIgnoringError(id, pos.StopLoss, position.CloseStopHit)
			} else if pos.TakeProfit > 0 && high >= pos.TakeProfit {
				p.closeIgnoringError(id, pos.TakeProfit, position.CloseTargetHit)
			}
		case signal.Short:
			if pos.StopLoss > 0 && high >= pos.StopLoss {
				p.closeIgnoringError(id, pos.StopLoss, position.CloseStopHit)
			} else if pos.TakeProfit > 0 && low <= pos.TakeProfit {
				p.closeIgnoringError(id, pos.TakeProfit, position.CloseTargetHit)
			}
		}
	}
}

func (p *Paper) closeIgnoringError(id string, price float64, reason position.CloseReason) {
	if _, err := p.closeLocked(id, price, reason); err != nil {
		log.Warn().Str("position", id).Err(err).Msg("paper close failed")
	}
}
