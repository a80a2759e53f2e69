package gateway

import (
	"github.com/rs/zerolog"

	"spot-engine/pkg/config"
	"spot-engine/pkg/exchanges/binance/spot"
	binance "spot-engine/pkg/market/binance"
)

// NewBinance builds the shared Binance spot gateway from process config. The spot
// client is returned too so callers can reach its clock and weight tracking.
func NewBinance(cfg *config.Config, logger zerolog.Logger) (*Gateway, *spot.Client) {
	client := spot.New(spot.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
		BaseURL:   cfg.BinanceBaseURL,
	}, logger)

	rest := binance.NewClient(cfg.BinanceTestnet)
	if cfg.BinanceBaseURL != "" {
		rest.BaseURL = cfg.BinanceBaseURL
	}
	rest.OnWeight = client.Weight().UpdateFromHeader
	stream := binance.NewStreamClient(cfg.BinanceTestnet, logger)

	policy := NewPolicy(PolicyConfig{
		Timeout:          cfg.GatewayTimeout,
		Attempts:         cfg.GatewayRetries,
		Rate:             cfg.GatewayRate,
		Burst:            cfg.GatewayBurst,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown,
	}, logger)
	policy.Pressure = func() float64 {
		_, _, pct := client.WeightUsage()
		return pct
	}

	return New(client, rest, stream, policy, logger), client
}
