package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/arbitration"
	"github.com/quantgate/quantgate/internal/broker"
	"github.com/quantgate/quantgate/internal/config"
	"github.com/quantgate/quantgate/internal/domain/microstructure"
	"github.com/quantgate/quantgate/internal/domain/quality"
	"github.com/quantgate/quantgate/internal/engine"
	"github.com/quantgate/quantgate/internal/feed"
	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/metrics"
	"github.com/quantgate/quantgate/internal/ops"
	"github.com/quantgate/quantgate/internal/persistence"
	"github.com/quantgate/quantgate/internal/persistence/postgres"
	"github.com/quantgate/quantgate/internal/persistence/redispub"
	"github.com/quantgate/quantgate/internal/risk"
	"github.com/quantgate/quantgate/internal/strategy"
)

func runCheckConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log.Info().Str("mode", cfg.Mode).Strs("symbols", cfg.Engine.Symbols).
		Int("strategies", len(cfg.Strategies)).Msg("config OK")
	return nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	synthetic, _ := cmd.Flags().GetBool("synthetic")
	live := cfg.Mode == "live"

	m := metrics.New()
	ks := killswitch.New(cfg.KillSwitch, m)

	scorer, err := quality.NewScorer(cfg.Quality)
	if err != nil {
		return err
	}

	paper := broker.NewPaper(cfg.Paper)
	var exec broker.Broker = paper
	if live {
		// Real broker clients implement broker.Broker and replace the paper
		// simulator here; the live adapter enforces the kill switch, rate
		// limit, and connectivity breaker around whichever client is wired.
		exec = broker.NewLive(cfg.Live, paper, ks, m)
		log.Warn().Msg("live mode wired to the paper simulator as broker client")
	}

	ledger := risk.NewExposureLedger(cfg.Exposure)
	breaker := risk.NewCircuitBreaker(cfg.CircuitBreaker)
	ddown := risk.NewDrawdownTracker(cfg.Drawdown, cfg.Paper.StartingBalance)
	riskMgr := risk.NewManager(cfg.Sizing, scorer, breaker, ledger, ddown, m)

	arbiter := arbitration.NewArbiter(cfg.Arbitration, scorer, ledger.Bucket)

	registry := strategy.NewRegistry()
	registry.Register("momentum", strategy.NewMomentum)
	strategies := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		strat, err := registry.Build(sc.ID, sc.Params)
		if err != nil {
			return err
		}
		strategies = append(strategies, strat)
	}

	var journal persistence.Journal = persistence.Noop{}
	if cfg.Persistence.PostgresDSN != "" {
		pg, err := postgres.Open(cfg.Persistence.PostgresDSN, cfg.Persistence.QueryTimeout)
		if err != nil {
			return fmt.Errorf("journal unavailable: %w", err)
		}
		journal = persistence.NewAsync(pg, cfg.Persistence.QueueSize, m)
	}
	defer journal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var publisher engine.Publisher = engine.NoopPublisher{}
	if cfg.Persistence.RedisAddr != "" {
		pub, err := redispub.New(ctx, redispub.Config{
			Addr: cfg.Persistence.RedisAddr,
			DB:   cfg.Persistence.RedisDB,
			TTL:  cfg.Persistence.RedisTTL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis publisher unavailable, continuing without")
		} else {
			publisher = pub
			defer pub.Close()
		}
	}

	eng := engine.New(engine.Config{
		Symbols:       cfg.Engine.Symbols,
		CycleInterval: cfg.Engine.CycleInterval,
		BarWindow:     cfg.Engine.BarWindow,
		Live:          live,
	}, microstructure.NewEngine(cfg.Microstructure), strategies, arbiter, riskMgr, ks, exec, journal, publisher, m)

	paper.OnClose(eng.OnTradeClosed)

	opsServer := ops.NewServer(cfg.Ops.ListenAddr, ks, m)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	if live && cfg.Feed.URL != "" {
		// The websocket feed validates every tick through the kill switch's
		// data-integrity layer. Bar aggregation lives in the ingestion
		// layer, which pushes through Engine.PushBar.
		wsFeed := feed.NewWSFeed(cfg.Feed, ks)
		go func() {
			if err := wsFeed.Run(ctx); err != nil {
				log.Error().Err(err).Msg("tick feed terminated")
			}
		}()
		go func() {
			for range wsFeed.Ticks() {
			}
		}()
	}

	if synthetic && !live {
		for i, sym := range cfg.Engine.Symbols {
			gen := feed.NewSyntheticBars(int64(42+i), 1.10, time.Second)
			symbol := sym
			go gen.Stream(ctx, func(bar microstructure.Bar) { eng.PushBar(symbol, bar) })
		}
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigCh
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	return eng.Run(ctx)
}
