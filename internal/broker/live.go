package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/metrics"
)

// ErrKillSwitchBlocked is returned when the kill switch refuses
// authorization. Surfaced immediately; never silently retried.
var ErrKillSwitchBlocked = fmt.Errorf("kill switch blocked order transmission")

// LiveConfig holds the live adapter parameters.
type LiveConfig struct {
	OrdersPerSecond  float64       `yaml:"orders_per_second"`  // rate limit, default 2
	OrderBurst       int           `yaml:"order_burst"`        // default 1
	BreakerFailures  uint32        `yaml:"breaker_failures"`   // consecutive failures to open, default 3
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`    // open duration, default 60s
	RequestTimeout   time.Duration `yaml:"request_timeout"`    // per broker RPC, default 5s
}

// DefaultLiveConfig returns the standard live adapter parameters.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		OrdersPerSecond: 2,
		OrderBurst:      1,
		BreakerFailures: 3,
		BreakerTimeout:  60 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

func (c *LiveConfig) applyDefaults() {
	def := DefaultLiveConfig()
	if c.OrdersPerSecond <= 0 {
		c.OrdersPerSecond = def.OrdersPerSecond
	}
	if c.OrderBurst <= 0 {
		c.OrderBurst = def.OrderBurst
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = def.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = def.BreakerTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
}

// Live wraps a real broker client behind the kill switch, a connectivity
// circuit breaker, and an order rate limiter. Every successful round trip
// feeds the kill switch's broker-health layer.
type Live struct {
	config  LiveConfig
	client  Broker // the wire-protocol client (OANDA, MT5, IB bridge)
	ks      *killswitch.KillSwitch
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewLive creates the live execution adapter.
func NewLive(config LiveConfig, client Broker, ks *killswitch.KillSwitch, m *metrics.Metrics) *Live {
	config.applyDefaults()

	settings := gobreaker.Settings{
		Name:    "broker",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Error().Bool("critical", true).
				Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	}

	return &Live{
		config:  config,
		client:  client,
		ks:      ks,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(config.OrdersPerSecond), config.OrderBurst),
		metrics: m,
	}
}

// PlaceOrder transmits an order iff the kill switch authorizes it at this
// instant. The check happens inside the adapter so no caller can bypass
// it.
func (l *Live) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if !l.ks.CanSendOrders() {
		status := l.ks.Status()
		log.Error().Bool("critical", true).
			Str("state", string(status.State)).Str("reason", status.Reason).
			Str("symbol", req.Instrument).
			Msg("order blocked by kill switch")
		if l.metrics != nil {
			l.metrics.OrdersRejected.WithLabelValues("kill_switch").Inc()
			for _, layer := range status.FailedLayers {
				l.metrics.KillSwitchBlocks.WithLabelValues(layer).Inc()
			}
		}
		return OrderResult{Reason: status.Reason}, ErrKillSwitchBlocked
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return OrderResult{Reason: "rate limiter wait canceled"}, err
	}

	// The kill switch may have flipped while waiting on the limiter;
	// re-check immediately before the send.
	if !l.ks.CanSendOrders() {
		status := l.ks.Status()
		if l.metrics != nil {
			l.metrics.OrdersRejected.WithLabelValues("kill_switch").Inc()
		}
		return OrderResult{Reason: status.Reason}, ErrKillSwitchBlocked
	}

	var result OrderResult
	start := time.Now()
	_, err := l.breaker.Execute(func() (interface{}, error) {
		rpcCtx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
		defer cancel()
		var rpcErr error
		result, rpcErr = l.client.PlaceOrder(rpcCtx, req)
		return nil, rpcErr
	})
	if err != nil {
		if l.metrics != nil {
			l.metrics.OrdersRejected.WithLabelValues("broker_error").Inc()
		}
		return OrderResult{Reason: err.Error()}, fmt.Errorf("broker place order: %w", err)
	}

	l.ks.RecordBrokerPing(time.Since(start))
	if l.metrics != nil {
		l.metrics.OrdersPlaced.WithLabelValues("live").Inc()
	}
	return result, nil
}

// GetAccountInfo proxies to the broker client and records the round trip
// as a heartbeat.
func (l *Live) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	var info AccountInfo
	start := time.Now()
	_, err := l.breaker.Execute(func() (interface{}, error) {
		rpcCtx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
		defer cancel()
		var rpcErr error
		info, rpcErr = l.client.GetAccountInfo(rpcCtx)
		return nil, rpcErr
	})
	if err != nil {
		return AccountInfo{}, fmt.Errorf("broker account info: %w", err)
	}
	l.ks.RecordBrokerPing(time.Since(start))
	return info, nil
}

// GetOpenPositions proxies to the broker client.
func (l *Live) GetOpenPositions(ctx context.Context) ([]position.Position, error) {
	var positions []position.Position
	start := time.Now()
	_, err := l.breaker.Execute(func() (interface{}, error) {
		rpcCtx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
		defer cancel()
		var rpcErr error
		positions, rpcErr = l.client.GetOpenPositions(rpcCtx)
		return nil, rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("broker open positions: %w", err)
	}
	l.ks.RecordBrokerPing(time.Since(start))
	return positions, nil
}

// ClosePosition closes through the broker client. Closes are risk-reducing
// and are intentionally NOT gated by the kill switch: blocking an exit
// would increase exposure, not reduce it.
func (l *Live) ClosePosition(ctx context.Context, positionID string, price float64, reason position.CloseReason) (position.ClosedTrade, error) {
	var trade position.ClosedTrade
	start := time.Now()
	_, err := l.breaker.Execute(func() (interface{}, error) {
		rpcCtx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
		defer cancel()
		var rpcErr error
		trade, rpcErr = l.client.ClosePosition(rpcCtx, positionID, price, reason)
		return nil, rpcErr
	})
	if err != nil {
		return position.ClosedTrade{}, fmt.Errorf("broker close position: %w", err)
	}
	l.ks.RecordBrokerPing(time.Since(start))
	return trade, nil
}
