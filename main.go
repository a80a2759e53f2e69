package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/api"
	"spot-engine/internal/engine"
	"spot-engine/internal/events"
	"spot-engine/internal/fleet"
	"spot-engine/internal/gateway"
	"spot-engine/internal/monitor"
	"spot-engine/internal/persistence"
	"spot-engine/pkg/config"
	"spot-engine/pkg/db"
	"spot-engine/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", false)
		bootLog.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	logger.Info().Int("instruments", len(cfg.Instruments)).Bool("testnet", cfg.BinanceTestnet).
		Str("data_dir", cfg.DataDir).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Notifications outlive the engines so shutdown events are still delivered.
	busCtx, cancelBus := context.WithCancel(context.Background())
	bus := events.NewBus(cfg.NotifyQueueSize, logger, events.LogSink(logger))
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(busCtx)
	}()

	var closers []func() error
	var journal engine.Journal
	if cfg.DBPath != "" {
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("journal database unavailable")
		}
		logJournal(ctx, database, cfg, logger)
		j := persistence.NewJournal(database, time.Second, logger)
		journal = j
		closers = append(closers, j.Close, database.Close)
	}

	gw, client := gateway.NewBinance(cfg, logger)
	client.TimeSync().Start(ctx)
	monitor.Serve(ctx, cfg.MetricsAddr, logger)

	orch := fleet.New(fleet.Options{
		Config:   cfg,
		Gateway:  gw,
		Clock:    client.TimeSync(),
		Notifier: bus.For,
		Journal:  journal,
		Closers:  closers,
		Logger:   logger,
	})

	if err := orch.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("fleet initialization failed")
		shutdown(orch, cancelBus, busDone, logger)
		os.Exit(1)
	}
	if err := orch.StartAll(); err != nil {
		logger.Error().Err(err).Msg("some instruments did not start")
	}
	api.Serve(ctx, cfg.ControlAddr, api.NewServer(orch, cfg.ControlToken, logger))
	for _, s := range orch.Status() {
		logger.Info().Str("symbol", s.Symbol).Bool("running", s.Running).Bool("failed", s.Failed).
			Bool("in_position", s.InPosition).Float64("capital", s.Capital).Str("strategy", s.Strategy).Msg("instrument")
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case <-reload:
			if err := orch.ReloadConfig(); err != nil {
				logger.Error().Err(err).Msg("config reload failed")
			} else {
				logger.Info().Msg("config reloaded")
			}
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
			shutdown(orch, cancelBus, busDone, logger)
			return
		}
	}
}

func shutdown(orch *fleet.Orchestrator, cancelBus context.CancelFunc, busDone <-chan struct{}, logger zerolog.Logger) {
	if err := orch.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown finished with errors")
	}
	cancelBus()
	<-busDone
	logger.Info().Msg("stopped")
}

func logJournal(ctx context.Context, database *db.Database, cfg *config.Config, logger zerolog.Logger) {
	q := database.Queries()
	for _, ic := range cfg.Instruments {
		stats, err := q.Stats(ctx, ic.Symbol)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", ic.Symbol).Msg("journal stats unavailable")
			continue
		}
		logger.Info().Str("symbol", ic.Symbol).Int("trades", stats.Trades).Int("wins", stats.Wins).
			Float64("pnl", stats.PnL).Msg("journal")
	}
}
