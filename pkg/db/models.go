package db

import "time"

// OrderRow is a completed order ticket.
type OrderRow struct {
	ClientID     string
	TicketID     int64
	ExchangeID   string
	Symbol       string
	Side         string
	Type         string
	RequestedQty float64
	QuoteQty     float64
	FilledQty    float64
	AvgPrice     float64
	Fee          float64
	Status       string
	Tag          string
	CreatedAt    time.Time
	ClosedAt     time.Time
}

// TradeRow is a closed round trip.
type TradeRow struct {
	ID         int64
	Symbol     string
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Qty        float64
	EntryCost  float64
	Proceeds   float64
	Fee        float64
	PnL        float64
	Reason     string
}

// TradeStats aggregates the journal for one symbol.
type TradeStats struct {
	Trades int
	Wins   int
	PnL    float64
}
