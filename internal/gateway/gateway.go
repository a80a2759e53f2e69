package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/pkg/cache"
	"spot-engine/pkg/exchanges/common"
	binance "spot-engine/pkg/market/binance"
)

// RulesTTL is how long cached symbol trading rules stay valid.
const RulesTTL = time.Hour

// KlineSource fetches historical klines.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]binance.Kline, error)
}

// StreamSource opens live kline streams.
type StreamSource interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan binance.Kline, func(), error)
}

// Gateway is the stateless façade every engine routes exchange calls through. It is
// shared by all instruments; the policy is the shared choke point.
type Gateway struct {
	ex     common.Exchange
	klines KlineSource
	stream StreamSource
	policy *Policy
	rules  *cache.TTLCache[common.SymbolRules]
	logger zerolog.Logger
}

func New(ex common.Exchange, klines KlineSource, stream StreamSource, policy *Policy, logger zerolog.Logger) *Gateway {
	return &Gateway{
		ex:     ex,
		klines: klines,
		stream: stream,
		policy: policy,
		rules:  cache.NewTTLCache[common.SymbolRules](RulesTTL),
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

func (g *Gateway) Policy() *Policy { return g.policy }

// PlaceMarketOrder submits a market order sized by base quantity, or by quote amount
// when quote > 0.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side common.Side, qty, quote float64, clientID string) (common.OrderResult, error) {
	req := common.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     common.OrderTypeMarket,
		Qty:      qty,
		QuoteQty: quote,
		ClientID: clientID,
	}
	if qty <= 0 && quote <= 0 {
		return common.OrderResult{}, fmt.Errorf("market order %s: quantity or quote amount required", symbol)
	}
	return g.submit(ctx, "place_market", req)
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, symbol string, side common.Side, qty, price float64, tif common.TimeInForce, clientID string) (common.OrderResult, error) {
	if tif == "" {
		tif = common.TIFGTC
	}
	req := common.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        common.OrderTypeLimit,
		Qty:         qty,
		Price:       price,
		TimeInForce: tif,
		ClientID:    clientID,
	}
	return g.submit(ctx, "place_limit", req)
}

func (g *Gateway) submit(ctx context.Context, op string, req common.OrderRequest) (common.OrderResult, error) {
	var res common.OrderResult
	err := g.policy.Do(ctx, op, false, func(ctx context.Context) error {
		var err error
		res, err = g.ex.SubmitOrder(ctx, req)
		return err
	})
	if err != nil {
		return common.OrderResult{}, err
	}
	g.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).Str("client_id", req.ClientID).
		Str("order_id", res.ExchangeOrderID).Str("status", string(res.Status)).
		Float64("executed_qty", res.ExecutedQty).Float64("avg_price", res.AvgPrice()).Msg("order placed")
	return res, nil
}

// QueryOrder looks an order up by exchange id or, when that is empty, by client token.
func (g *Gateway) QueryOrder(ctx context.Context, symbol, exchangeID, clientID string) (common.OrderResult, error) {
	var res common.OrderResult
	err := g.policy.Do(ctx, "query_order", true, func(ctx context.Context) error {
		var err error
		res, err = g.ex.GetOrder(ctx, symbol, exchangeID, clientID)
		return err
	})
	return res, err
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeID, clientID string) (common.OrderResult, error) {
	var res common.OrderResult
	err := g.policy.Do(ctx, "cancel_order", true, func(ctx context.Context) error {
		var err error
		res, err = g.ex.CancelOrder(ctx, symbol, exchangeID, clientID)
		return err
	})
	return res, err
}

func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	var res []common.OrderResult
	err := g.policy.Do(ctx, "open_orders", true, func(ctx context.Context) error {
		var err error
		res, err = g.ex.GetOpenOrders(ctx, symbol)
		return err
	})
	return res, err
}

// RecentOrders lists orders created in [start, end].
func (g *Gateway) RecentOrders(ctx context.Context, symbol string, start, end time.Time) ([]common.OrderResult, error) {
	var res []common.OrderResult
	err := g.policy.Do(ctx, "recent_orders", true, func(ctx context.Context) error {
		var err error
		res, err = g.ex.GetAllOrders(ctx, symbol, start.UnixMilli(), end.UnixMilli(), 100)
		return err
	})
	return res, err
}

func (g *Gateway) Balances(ctx context.Context) ([]common.Balance, error) {
	var res []common.Balance
	err := g.policy.Do(ctx, "balances", true, func(ctx context.Context) error {
		var err error
		res, err = g.ex.GetBalances(ctx)
		return err
	})
	return res, err
}

// Balance returns one asset's balance; an asset the account never held is zero.
func (g *Gateway) Balance(ctx context.Context, asset string) (common.Balance, error) {
	all, err := g.Balances(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	for _, b := range all {
		if strings.EqualFold(b.Asset, asset) {
			return b, nil
		}
	}
	return common.Balance{Asset: strings.ToUpper(asset)}, nil
}

func (g *Gateway) Price(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.policy.Do(ctx, "price", true, func(ctx context.Context) error {
		var err error
		price, err = g.ex.GetPrice(ctx, symbol)
		return err
	})
	return price, err
}

// SymbolRules returns the trading rules, cached for RulesTTL.
func (g *Gateway) SymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error) {
	return g.rules.GetOrLoad(strings.ToUpper(symbol), func() (common.SymbolRules, error) {
		var rules common.SymbolRules
		err := g.policy.Do(ctx, "symbol_rules", true, func(ctx context.Context) error {
			var err error
			rules, err = g.ex.GetSymbolRules(ctx, symbol)
			return err
		})
		if err == nil {
			g.logger.Debug().Str("symbol", symbol).Float64("step", rules.StepSize).Float64("tick", rules.TickSize).
				Float64("min_notional", rules.MinNotional).Msg("symbol rules refreshed")
		}
		return rules, err
	})
}

func (g *Gateway) ServerTime(ctx context.Context) (int64, error) {
	var ts int64
	err := g.policy.Do(ctx, "server_time", true, func(ctx context.Context) error {
		var err error
		ts, err = g.ex.GetServerTime(ctx)
		return err
	})
	return ts, err
}

// Klines fetches historical candles in [start, end]; zero bounds are omitted.
func (g *Gateway) Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]binance.Kline, error) {
	var res []binance.Kline
	err := g.policy.Do(ctx, "klines", true, func(ctx context.Context) error {
		var err error
		res, err = g.klines.GetKlines(ctx, symbol, interval, limit, start, end)
		return err
	})
	return res, err
}

// SubscribeKlines opens a live stream. Streams reconnect in the market feed, not here.
func (g *Gateway) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan binance.Kline, func(), error) {
	return g.stream.SubscribeKlines(ctx, symbol, interval)
}
