// Package killswitch implements the final live-only authorization gate: a
// 4-layer reactive state machine (operator flag, risk health, broker
// health, data integrity) plus a manual emergency stop that overrides
// everything. The failure mode is always "no trading": any ambiguous or
// stale layer blocks order flow.
package killswitch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/metrics"
)

// State is the overall kill switch state, recomputed on every query in
// strict priority order.
type State string

const (
	StateEmergencyStopped    State = "EMERGENCY_STOPPED"
	StateDisabledByOperator  State = "DISABLED_BY_OPERATOR"
	StateRiskUnhealthy       State = "RISK_UNHEALTHY"
	StateBrokerUnhealthy     State = "BROKER_UNHEALTHY"
	StateDataUnhealthy       State = "DATA_UNHEALTHY"
	StateOperational         State = "OPERATIONAL"
)

// ordinal maps states to the metric gauge (0 = operational).
func (s State) ordinal() float64 {
	switch s {
	case StateOperational:
		return 0
	case StateDataUnhealthy:
		return 1
	case StateBrokerUnhealthy:
		return 2
	case StateRiskUnhealthy:
		return 3
	case StateDisabledByOperator:
		return 4
	case StateEmergencyStopped:
		return 5
	}
	return 5
}

// Config holds the layer thresholds.
type Config struct {
	OperatorEnabled  bool          `yaml:"operator_enabled"`   // must be set explicitly for live trading
	MaxPingAge       time.Duration `yaml:"max_ping_age"`       // broker heartbeat staleness, default 30s
	MaxLatency       time.Duration `yaml:"max_latency"`        // broker round-trip ceiling, default 5s
	MaxCorruptedTicks int          `yaml:"max_corrupted_ticks"` // data layer trip count, default 5
	MaxTickAge       time.Duration `yaml:"max_tick_age"`       // default 10s
	MaxSpreadPct     float64       `yaml:"max_spread_pct"`     // default 0.01 (1% of price)
}

// DefaultConfig returns the standard thresholds with the operator flag
// unset: live trading is opt-in.
func DefaultConfig() Config {
	return Config{
		OperatorEnabled:   false,
		MaxPingAge:        30 * time.Second,
		MaxLatency:        5 * time.Second,
		MaxCorruptedTicks: 5,
		MaxTickAge:        10 * time.Second,
		MaxSpreadPct:      0.01,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxPingAge <= 0 {
		c.MaxPingAge = def.MaxPingAge
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = def.MaxLatency
	}
	if c.MaxCorruptedTicks <= 0 {
		c.MaxCorruptedTicks = def.MaxCorruptedTicks
	}
	if c.MaxTickAge <= 0 {
		c.MaxTickAge = def.MaxTickAge
	}
	if c.MaxSpreadPct <= 0 {
		c.MaxSpreadPct = def.MaxSpreadPct
	}
}

// Status is the recomputed kill switch snapshot. Never cached stale: every
// CanSendOrders/Status call re-derives it from the layer states.
type Status struct {
	State        State     `json:"state"`
	RiskHealthy  bool      `json:"risk_healthy"`
	BrokerHealthy bool     `json:"broker_healthy"`
	DataHealthy  bool      `json:"data_healthy"`
	OperatorOn   bool      `json:"operator_enabled"`
	FailedLayers []string  `json:"failed_layers"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// Tick is a market data tick validated by the data-integrity layer.
type Tick struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// KillSwitch is purely reactive: layers push their updates independently;
// staleness is evaluated lazily at query time. It never polls.
type KillSwitch struct {
	mu     sync.Mutex
	config Config

	emergencyStopped bool
	emergencyReason  string

	riskHealthy bool
	riskReason  string

	lastPing    time.Time
	lastLatency time.Duration

	corruptedTicks int

	lastState State
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a kill switch. Risk health starts true (no evidence against
// it); broker health starts false until the first heartbeat, since unproven
// connectivity must block live orders.
func New(config Config, m *metrics.Metrics) *KillSwitch {
	config.applyDefaults()
	return &KillSwitch{
		config:      config,
		riskHealthy: true,
		lastState:   StateDisabledByOperator,
		metrics:     m,
		now:         time.Now,
	}
}

// CanSendOrders recomputes the overall state and reports whether live
// order transmission is authorized. Must be called immediately before
// every live order send.
func (k *KillSwitch) CanSendOrders() bool {
	return k.Status().State == StateOperational
}

// Status recomputes and returns the full status snapshot.
func (k *KillSwitch) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.updateStateLocked()
}

// UpdateRiskHealth is pushed by the decision loop from the risk manager
// and circuit breaker state.
func (k *KillSwitch) UpdateRiskHealth(healthy bool, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.riskHealthy = healthy
	k.riskReason = reason
	k.updateStateLocked()
}

// RecordBrokerPing is pushed by the broker adapter after each successful
// round trip.
func (k *KillSwitch) RecordBrokerPing(latency time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastPing = k.now()
	k.lastLatency = latency
	k.updateStateLocked()
}

// ValidateTick checks one tick for integrity: positive prices, bid below
// ask, spread within 1% of price, age within 10s. Failures increment the
// corrupted-tick counter; successes decay it toward zero.
func (k *KillSwitch) ValidateTick(t Tick) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	valid := true
	switch {
	case t.Bid <= 0 || t.Ask <= 0:
		valid = false
	case t.Ask <= t.Bid:
		valid = false
	case (t.Ask-t.Bid)/((t.Ask+t.Bid)/2) > k.config.MaxSpreadPct:
		valid = false
	case k.now().Sub(t.Timestamp) > k.config.MaxTickAge:
		valid = false
	}

	if valid {
		if k.corruptedTicks > 0 {
			k.corruptedTicks--
		}
	} else {
		k.corruptedTicks++
		log.Warn().Str("symbol", t.Symbol).Float64("bid", t.Bid).Float64("ask", t.Ask).
			Time("tick_time", t.Timestamp).Int("corrupted_count", k.corruptedTicks).
			Msg("corrupted tick rejected")
	}
	k.updateStateLocked()
	return valid
}

// EmergencyStop halts all order flow immediately. Idempotent; requires an
// explicit ResetEmergencyStop to clear. Easy to trip, hard to reset.
func (k *KillSwitch) EmergencyStop(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.emergencyStopped {
		return
	}
	k.emergencyStopped = true
	k.emergencyReason = reason
	if k.metrics != nil {
		k.metrics.EmergencyStops.Inc()
	}
	log.Error().Bool("critical", true).Str("reason", reason).
		Msg("EMERGENCY STOP activated")
	k.updateStateLocked()
}

// ResetEmergencyStop clears a manual emergency stop. Never called
// automatically.
func (k *KillSwitch) ResetEmergencyStop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.emergencyStopped {
		return
	}
	k.emergencyStopped = false
	k.emergencyReason = ""
	log.Error().Bool("critical", true).Msg("emergency stop reset by operator")
	k.updateStateLocked()
}

// updateStateLocked re-derives the overall state in strict priority order
// and logs transitions.
func (k *KillSwitch) updateStateLocked() Status {
	now := k.now()

	brokerHealthy := true
	brokerReason := ""
	if k.lastPing.IsZero() {
		brokerHealthy = false
		brokerReason = "no broker heartbeat received"
	} else if age := now.Sub(k.lastPing); age > k.config.MaxPingAge {
		brokerHealthy = false
		brokerReason = "broker heartbeat stale: " + age.Round(time.Millisecond).String()
	} else if k.lastLatency > k.config.MaxLatency {
		brokerHealthy = false
		brokerReason = "broker latency " + k.lastLatency.Round(time.Millisecond).String() + " exceeds limit"
	}

	dataHealthy := k.corruptedTicks < k.config.MaxCorruptedTicks

	st := Status{
		RiskHealthy:   k.riskHealthy,
		BrokerHealthy: brokerHealthy,
		DataHealthy:   dataHealthy,
		OperatorOn:    k.config.OperatorEnabled,
		Timestamp:     now,
	}

	switch {
	case k.emergencyStopped:
		st.State = StateEmergencyStopped
		st.Reason = "emergency stop: " + k.emergencyReason
	case !k.config.OperatorEnabled:
		st.State = StateDisabledByOperator
		st.Reason = "live trading not enabled by operator"
	case !k.riskHealthy:
		st.State = StateRiskUnhealthy
		st.Reason = "risk layer unhealthy: " + k.riskReason
	case !brokerHealthy:
		st.State = StateBrokerUnhealthy
		st.Reason = brokerReason
	case !dataHealthy:
		st.State = StateDataUnhealthy
		st.Reason = "corrupted tick count at threshold"
	default:
		st.State = StateOperational
	}

	if !k.riskHealthy {
		st.FailedLayers = append(st.FailedLayers, "risk")
	}
	if !brokerHealthy {
		st.FailedLayers = append(st.FailedLayers, "broker")
	}
	if !dataHealthy {
		st.FailedLayers = append(st.FailedLayers, "data")
	}
	if !k.config.OperatorEnabled {
		st.FailedLayers = append(st.FailedLayers, "operator")
	}

	if st.State != k.lastState {
		log.Error().Bool("critical", true).
			Str("old_state", string(k.lastState)).Str("new_state", string(st.State)).
			Str("reason", st.Reason).
			Msg("kill switch state transition")
		k.lastState = st.State
	}
	if k.metrics != nil {
		k.metrics.KillSwitchState.Set(st.State.ordinal())
	}
	return st
}

// SetOperatorEnabled flips the operator layer at runtime (config reload or
// operator command).
func (k *KillSwitch) SetOperatorEnabled(enabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.config.OperatorEnabled = enabled
	k.updateStateLocked()
}
