// Package feed provides the live tick feed adapter. Every inbound tick
// passes through the kill switch's data-integrity validation before it is
// delivered; corrupted ticks are dropped and counted there.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/killswitch"
)

// Config holds the feed connection settings.
type Config struct {
	URL           string        `yaml:"url"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // default 30s
	ReconnectWait time.Duration `yaml:"reconnect_wait"` // default 5s
}

// wireTick is the JSON frame the feed emits.
type wireTick struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"ts"` // unix milliseconds
}

// WSFeed subscribes to a websocket tick stream and delivers validated
// ticks.
type WSFeed struct {
	config Config
	ks     *killswitch.KillSwitch
	out    chan killswitch.Tick
}

// NewWSFeed creates a feed delivering into a buffered channel.
func NewWSFeed(config Config, ks *killswitch.KillSwitch) *WSFeed {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 5 * time.Second
	}
	return &WSFeed{
		config: config,
		ks:     ks,
		out:    make(chan killswitch.Tick, 256),
	}
}

// Ticks returns the validated tick channel.
func (f *WSFeed) Ticks() <-chan killswitch.Tick { return f.out }

// Run connects and reads until the context is canceled, reconnecting with
// a fixed wait on failure. The channel closes on return.
func (f *WSFeed) Run(ctx context.Context) error {
	defer close(f.out)
	for {
		if err := f.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Dur("retry_in", f.config.ReconnectWait).
				Msg("tick feed disconnected")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.config.ReconnectWait):
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.config.URL, err)
	}
	defer conn.Close()
	log.Info().Str("url", f.config.URL).Msg("tick feed connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var wt wireTick
		if err := json.Unmarshal(payload, &wt); err != nil {
			log.Debug().Err(err).Msg("unparseable tick frame dropped")
			continue
		}
		tick := killswitch.Tick{
			Symbol:    wt.Symbol,
			Bid:       wt.Bid,
			Ask:       wt.Ask,
			Timestamp: time.UnixMilli(wt.Timestamp),
		}
		if !f.ks.ValidateTick(tick) {
			continue
		}
		select {
		case f.out <- tick:
		default:
			log.Debug().Str("symbol", tick.Symbol).Msg("tick channel full, tick dropped")
		}
	}
}
