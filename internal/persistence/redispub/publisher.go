// Package redispub publishes live status snapshots (kill switch state,
// latest decisions) to Redis for dashboards. Publishing is best-effort and
// always happens off the decision path.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/persistence"
)

const (
	keyKillSwitch   = "quantgate:killswitch"
	keyLastDecision = "quantgate:decision:last"
	chDecisions     = "quantgate:decisions"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr string        `yaml:"addr"`
	DB   int           `yaml:"db"`
	TTL  time.Duration `yaml:"ttl"` // snapshot expiry, default 1m
}

// Publisher writes status snapshots to Redis.
type Publisher struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Publisher{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *redis.Client, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Publisher{client: client, ttl: ttl}
}

// PublishKillSwitch stores the latest kill switch snapshot.
func (p *Publisher) PublishKillSwitch(ctx context.Context, st killswitch.Status) {
	payload, err := json.Marshal(st)
	if err != nil {
		log.Warn().Err(err).Msg("marshal kill switch status")
		return
	}
	if err := p.client.Set(ctx, keyKillSwitch, payload, p.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("publish kill switch status")
	}
}

// PublishDecision stores and broadcasts the latest decision record.
func (p *Publisher) PublishDecision(ctx context.Context, rec persistence.DecisionRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Msg("marshal decision record")
		return
	}
	if err := p.client.Set(ctx, keyLastDecision, payload, p.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("publish decision snapshot")
	}
	if err := p.client.Publish(ctx, chDecisions, payload).Err(); err != nil {
		log.Warn().Err(err).Msg("broadcast decision")
	}
}

// Close releases the connection.
func (p *Publisher) Close() error { return p.client.Close() }
