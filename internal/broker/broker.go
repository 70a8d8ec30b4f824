// Package broker defines the execution adapter interface and its paper and
// live implementations.
package broker

import (
	"context"
	"time"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/domain/signal"
)

// OrderType is the order execution style.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest is one order to transmit.
type OrderRequest struct {
	ClientID   string // caller-supplied id for idempotent retries
	Instrument string
	Side       signal.Direction
	Volume     float64 // lots
	Type       OrderType
	Price      float64 // limit price; ignored for market orders
	StopLoss   float64
	TakeProfit float64
	Strategy   string
	RiskPct    float64
}

// OrderResult is the broker's response to an order.
type OrderResult struct {
	Success    bool
	OrderID    string
	FillPrice  float64
	Commission float64
	Reason     string // rejection reason when Success is false
}

// AccountInfo is the account state snapshot.
type AccountInfo struct {
	Balance    float64
	Equity     float64
	MarginFree float64
}

// Broker is the execution adapter contract. The live implementation must
// consult the kill switch before every send; that check is not bypassable
// by callers.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	GetOpenPositions(ctx context.Context) ([]position.Position, error)
	ClosePosition(ctx context.Context, positionID string, price float64, reason position.CloseReason) (position.ClosedTrade, error)
}

// Quote is the current bid/ask used by the paper simulator for fills and
// stop/target monitoring.
type Quote struct {
	Bid       float64
	Ask       float64
	Timestamp time.Time
}
