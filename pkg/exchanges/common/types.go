package common

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the engine places.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether the exchange will not change the order any further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
// Market buys may be sized by QuoteQty instead of Qty.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	QuoteQty    float64
	Price       float64 // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string
}

// OrderResult is the normalized view of an order as reported by the exchange, used for
// placement acks as well as order queries.
type OrderResult struct {
	Symbol          string
	ExchangeOrderID string
	ClientID        string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           float64
	OrigQty         float64
	ExecutedQty     float64
	QuoteQty        float64 // cumulative quote quantity
	Commission      float64
	CommissionAsset string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AvgPrice returns the volume weighted fill price.
func (r OrderResult) AvgPrice() float64 {
	if r.ExecutedQty <= 0 {
		return 0
	}
	return r.QuoteQty / r.ExecutedQty
}

// Balance is a single asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// SymbolRules are the exchange trading filters for one symbol.
type SymbolRules struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    float64
	StepSize    float64
	MinNotional float64
	MinQty      float64
	MaxQty      float64
	FetchedAt   time.Time
}

// PricePrecision is the number of decimals implied by the tick size.
func (r SymbolRules) PricePrecision() int { return Precision(r.TickSize) }

// QtyPrecision is the number of decimals implied by the step size.
func (r SymbolRules) QtyPrecision() int { return Precision(r.StepSize) }

// RoundDownQty floors qty to the step size.
func (r SymbolRules) RoundDownQty(qty float64) float64 {
	return RoundDownToStep(qty, r.StepSize)
}

// RoundPrice rounds price to the nearest tick.
func (r SymbolRules) RoundPrice(price float64) float64 {
	return RoundToTick(price, r.TickSize)
}

// Precision derives decimal places from a step such as 0.00100000 (-> 3).
func Precision(step float64) int {
	if step <= 0 {
		return 8
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(strings.TrimRight(s[idx+1:], "0"))
}

// RoundDownToStep floors v to a multiple of step, then trims float noise to the step's
// precision.
func RoundDownToStep(v, step float64) float64 {
	if step <= 0 || v <= 0 {
		return math.Max(v, 0)
	}
	// epsilon keeps 0.3/0.1 from flooring to 2
	n := math.Floor(v/step + 1e-9)
	return roundTo(n*step, Precision(step))
}

// RoundToTick rounds v to the nearest multiple of tick.
func RoundToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return roundTo(math.Round(v/tick)*tick, Precision(tick))
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
