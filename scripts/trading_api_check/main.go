// trading_api_check verifies credentials and connectivity against Binance spot with
// read-only calls: clock offset, balances, and per-instrument rules, price and open
// orders. It never places an order.
//
//	go run ./scripts/trading_api_check
//
// It reads the same environment and instruments file as the engine.
package main

import (
	"context"
	"os"
	"time"

	"spot-engine/internal/gateway"
	"spot-engine/pkg/config"
	"spot-engine/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", true)
		bootLog.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	gw, client := gateway.NewBinance(cfg, logger)
	failed := false

	offset, err := client.TimeSync().Sync(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("server time")
		os.Exit(1)
	}
	logger.Info().Int64("offset_ms", offset).Msg("server time ok")

	balances, err := gw.Balances(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("balances (check API key permissions)")
		failed = true
	} else {
		for _, b := range balances {
			if b.Total() > 0 {
				logger.Info().Str("asset", b.Asset).Float64("free", b.Free).Float64("locked", b.Locked).Msg("balance")
			}
		}
	}

	for _, ic := range cfg.Instruments {
		log := logger.With().Str("symbol", ic.Symbol).Logger()
		rules, err := gw.SymbolRules(ctx, ic.Symbol)
		if err != nil {
			log.Error().Err(err).Msg("symbol rules")
			failed = true
			continue
		}
		price, err := gw.Price(ctx, ic.Symbol)
		if err != nil {
			log.Error().Err(err).Msg("price")
			failed = true
			continue
		}
		open, err := gw.OpenOrders(ctx, ic.Symbol)
		if err != nil {
			log.Error().Err(err).Msg("open orders")
			failed = true
			continue
		}
		log.Info().Float64("price", price).Float64("step", rules.StepSize).Float64("tick", rules.TickSize).
			Float64("min_notional", rules.MinNotional).Int("open_orders", len(open)).
			Bool("capital_ok", ic.Capital >= rules.MinNotional).Msg("instrument ok")
	}

	used, limit, pct := client.WeightUsage()
	logger.Info().Int("used", used).Int("limit", limit).Float64("pct", pct).
		Bool("circuit_open", gw.Policy().Breaker().Open()).Msg("request weight")
	if failed {
		os.Exit(1)
	}
}
