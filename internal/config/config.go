// Package config loads and validates the YAML configuration: risk limits,
// kill switch thresholds, microstructure parameters, arbitration tables,
// execution and persistence settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantgate/quantgate/internal/arbitration"
	"github.com/quantgate/quantgate/internal/broker"
	"github.com/quantgate/quantgate/internal/domain/microstructure"
	"github.com/quantgate/quantgate/internal/domain/quality"
	"github.com/quantgate/quantgate/internal/feed"
	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/risk"
)

// StrategyConfig enables one strategy instance from the registry.
type StrategyConfig struct {
	ID     string             `yaml:"id"`
	Params map[string]float64 `yaml:"params"`
}

// PersistenceConfig selects and configures the audit sinks.
type PersistenceConfig struct {
	PostgresDSN  string        `yaml:"postgres_dsn"`  // empty disables the journal
	QueryTimeout time.Duration `yaml:"query_timeout"` // default 5s
	QueueSize    int           `yaml:"queue_size"`    // async journal queue, default 1024

	RedisAddr string        `yaml:"redis_addr"` // empty disables the publisher
	RedisDB   int           `yaml:"redis_db"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// OpsConfig configures the operational HTTP endpoint.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // default :9090
}

// EngineConfig configures the decision loop.
type EngineConfig struct {
	Symbols       []string      `yaml:"symbols"`
	CycleInterval time.Duration `yaml:"cycle_interval"` // default 5s
	BarWindow     int           `yaml:"bar_window"`     // bars kept per symbol, default 200
}

// Config is the application configuration root.
type Config struct {
	Mode string `yaml:"mode"` // "paper" or "live"

	Engine         EngineConfig                `yaml:"engine"`
	Quality        quality.Weights             `yaml:"quality_weights"`
	Sizing         risk.SizingConfig           `yaml:"sizing"`
	CircuitBreaker risk.CircuitBreakerConfig   `yaml:"circuit_breaker"`
	Exposure       risk.ExposureConfig         `yaml:"exposure"`
	Drawdown       risk.DrawdownConfig         `yaml:"drawdown"`
	KillSwitch     killswitch.Config           `yaml:"kill_switch"`
	Microstructure microstructure.Config       `yaml:"microstructure"`
	Arbitration    arbitration.Config          `yaml:"arbitration"`
	Paper          broker.PaperConfig          `yaml:"paper"`
	Live           broker.LiveConfig           `yaml:"live"`
	Feed           feed.Config                 `yaml:"feed"`
	Strategies     []StrategyConfig            `yaml:"strategies"`
	Persistence    PersistenceConfig           `yaml:"persistence"`
	Ops            OpsConfig                   `yaml:"ops"`
}

// Default returns a runnable paper-mode configuration.
func Default() Config {
	return Config{
		Mode: "paper",
		Engine: EngineConfig{
			Symbols:       []string{"EURUSD"},
			CycleInterval: 5 * time.Second,
			BarWindow:     200,
		},
		Quality:        quality.DefaultWeights(),
		Sizing:         risk.DefaultSizingConfig(),
		CircuitBreaker: risk.DefaultCircuitBreakerConfig(),
		Exposure:       risk.DefaultExposureConfig(),
		Drawdown:       risk.DefaultDrawdownConfig(),
		KillSwitch:     killswitch.DefaultConfig(),
		Microstructure: microstructure.DefaultConfig(),
		Arbitration:    arbitration.DefaultConfig(),
		Paper:          broker.DefaultPaperConfig(),
		Live:           broker.DefaultLiveConfig(),
		Strategies:     []StrategyConfig{{ID: "momentum"}},
		Persistence:    PersistenceConfig{QueryTimeout: 5 * time.Second, QueueSize: 1024},
		Ops:            OpsConfig{ListenAddr: ":9090"},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets and deployment endpoints come from the
// environment instead of the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUANTGATE_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("QUANTGATE_POSTGRES_DSN"); v != "" {
		cfg.Persistence.PostgresDSN = v
	}
	if v := os.Getenv("QUANTGATE_REDIS_ADDR"); v != "" {
		cfg.Persistence.RedisAddr = v
	}
	if v := os.Getenv("QUANTGATE_OPS_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if os.Getenv("QUANTGATE_LIVE_ENABLED") == "true" {
		cfg.KillSwitch.OperatorEnabled = true
	}
}

// Validate rejects configurations that would be unsafe to run.
func (c Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be paper or live, got %q", c.Mode)
	}
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	if err := c.Quality.Validate(); err != nil {
		return err
	}
	if c.Sizing.MinRiskPct > c.Sizing.MaxRiskPct && c.Sizing.MaxRiskPct > 0 {
		return fmt.Errorf("sizing.min_risk_pct %.2f exceeds max_risk_pct %.2f",
			c.Sizing.MinRiskPct, c.Sizing.MaxRiskPct)
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy must be configured")
	}
	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy entry missing id")
		}
		if seen[s.ID] {
			return fmt.Errorf("strategy %q configured twice", s.ID)
		}
		seen[s.ID] = true
	}
	// Live mode with the operator flag unset is valid: the kill switch
	// simply starts in DISABLED_BY_OPERATOR and blocks until enabled.
	return nil
}
