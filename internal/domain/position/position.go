// Package position defines the open-position and closed-trade records
// shared by the exposure ledger, execution adapters, and trade journal.
package position

import (
	"time"

	"github.com/quantgate/quantgate/internal/domain/signal"
)

// Position is an active open position. Created on order fill; mutated only
// by stop/target-hit or manual-close events; removed from the open set on
// close, at which point it becomes a ClosedTrade.
type Position struct {
	ID         string
	Symbol     string
	Direction  signal.Direction
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	SizeLots   float64
	RiskPct    float64 // fraction of equity committed, in percent
	Strategy   string
	OpenedAt   time.Time
}

// CloseReason tags why a position left the open set.
type CloseReason string

const (
	CloseStopHit    CloseReason = "stop_hit"
	CloseTargetHit  CloseReason = "target_hit"
	CloseManual     CloseReason = "manual"
	CloseEndOfTest  CloseReason = "end_of_run"
)

// ClosedTrade is the append-only trade history record. This history is the
// sole input to the circuit breaker and drawdown statistics.
type ClosedTrade struct {
	Position
	ExitPrice float64
	ClosedAt  time.Time
	Reason    CloseReason
	PnL       float64 // account currency
	PnLPct    float64 // percent of equity at close
	RMultiple float64 // PnL over initial risk
}

// Close derives the ClosedTrade record for an exit fill. equity is the
// account equity used to express the percent outcome; initial risk is the
// stop distance times size.
func (p Position) Close(exitPrice, equity float64, at time.Time, reason CloseReason) ClosedTrade {
	direction := 1.0
	if p.Direction == signal.Short {
		direction = -1
	}
	pnl := (exitPrice - p.EntryPrice) * direction * p.SizeLots

	pnlPct := 0.0
	if equity > 0 {
		pnlPct = pnl / equity * 100
	}

	rMultiple := 0.0
	if risk := p.stopDistance() * p.SizeLots; risk > 0 {
		rMultiple = pnl / risk
	}

	return ClosedTrade{
		Position:  p,
		ExitPrice: exitPrice,
		ClosedAt:  at,
		Reason:    reason,
		PnL:       pnl,
		PnLPct:    pnlPct,
		RMultiple: rMultiple,
	}
}

func (p Position) stopDistance() float64 {
	d := p.EntryPrice - p.StopLoss
	if d < 0 {
		d = -d
	}
	return d
}
