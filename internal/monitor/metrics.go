// Package monitor holds the Prometheus collectors the engine updates while it runs:
//
//   - gateway_requests_total{op,result}        exchange calls by outcome
//   - gateway_request_seconds{op}              exchange call latency
//   - gateway_circuit_open                     1 while the breaker rejects calls
//   - feed_state{symbol}                       market feed connection state (see market.State)
//   - feed_reconnects_total{symbol}            successful reconnections
//   - feed_candles_dropped_total{symbol}       candles rejected by validation
//   - engine_capital{symbol}                   current capital per instrument
//   - engine_trades_total{symbol,result}       closed trades (win|loss|dust)
//   - engine_paused{symbol}                    1 while the risk gate holds trading
//   - reconcile_corrections_total{symbol,outcome}
//   - notify_dropped_total                     notifications dropped on a full queue
package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Exchange requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_seconds",
			Help:    "Exchange request latency including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	gatewayCircuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_open",
			Help: "1 while the gateway circuit breaker is open.",
		},
	)

	feedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_state",
			Help: "Market feed state (0 connecting, 1 connected, 2 degraded, 3 reconnecting, 4 recovery backoff).",
		},
		[]string{"symbol"},
	)

	feedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Successful market feed reconnections.",
		},
		[]string{"symbol"},
	)

	feedDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_candles_dropped_total",
			Help: "Candles rejected by OHLCV validation.",
		},
		[]string{"symbol"},
	)

	engineCapital = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_capital",
			Help: "Current capital per instrument in quote asset.",
		},
		[]string{"symbol"},
	)

	engineTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trades_total",
			Help: "Closed trades by result (win|loss|dust).",
		},
		[]string{"symbol", "result"},
	)

	enginePaused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_paused",
			Help: "1 while trading is paused by the risk gate.",
		},
		[]string{"symbol"},
	)

	reconcileCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_corrections_total",
			Help: "Local position corrections applied from exchange balances.",
		},
		[]string{"symbol", "outcome"},
	)

	notifyDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_dropped_total",
			Help: "Notifications dropped because the queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(gatewayRequests, gatewayLatency, gatewayCircuitOpen)
	prometheus.MustRegister(feedState, feedReconnects, feedDropped)
	prometheus.MustRegister(engineCapital, engineTrades, enginePaused)
	prometheus.MustRegister(reconcileCorrections, notifyDropped)
}

func ObserveGatewayRequest(op, result string, seconds float64) {
	gatewayRequests.WithLabelValues(op, result).Inc()
	gatewayLatency.WithLabelValues(op).Observe(seconds)
}

func SetCircuitOpen(open bool) {
	if open {
		gatewayCircuitOpen.Set(1)
		return
	}
	gatewayCircuitOpen.Set(0)
}

func SetFeedState(symbol string, state int)     { feedState.WithLabelValues(symbol).Set(float64(state)) }
func IncFeedReconnect(symbol string)            { feedReconnects.WithLabelValues(symbol).Inc() }
func IncCandleDropped(symbol string)            { feedDropped.WithLabelValues(symbol).Inc() }
func SetCapital(symbol string, capital float64) { engineCapital.WithLabelValues(symbol).Set(capital) }
func IncTrade(symbol, result string)            { engineTrades.WithLabelValues(symbol, result).Inc() }
func IncReconcileCorrection(symbol, outcome string) {
	reconcileCorrections.WithLabelValues(symbol, outcome).Inc()
}
func IncNotifyDropped() { notifyDropped.Inc() }

func SetPaused(symbol string, paused bool) {
	if paused {
		enginePaused.WithLabelValues(symbol).Set(1)
		return
	}
	enginePaused.WithLabelValues(symbol).Set(0)
}
