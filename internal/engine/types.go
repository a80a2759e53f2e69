package engine

import (
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/events"
	"spot-engine/internal/executor"
	"spot-engine/internal/market"
	"spot-engine/internal/order"
	"spot-engine/internal/reconciliation"
	"spot-engine/pkg/config"
)

// Gateway is the shared exchange access every engine trades and streams through.
type Gateway interface {
	executor.Exchange
	reconciliation.ExchangeClient
	market.Subscriber
	market.History
}

// Journal records completed tickets and closed trades. Implementations must not block.
type Journal interface {
	executor.TradeRecorder
	RecordTicket(t order.Ticket)
}

// Deps are the process-wide pieces an engine is built from.
type Deps struct {
	Gateway  Gateway
	Config   *config.Config
	Notifier events.Notifier // scoped to the instrument
	Journal  Journal         // optional
	Logger   zerolog.Logger
}

// Status is a point-in-time view of one instrument.
type Status struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Strategy string `json:"strategy"`
	Running  bool   `json:"running"`
	Failed   bool   `json:"failed"`
	Failure  string `json:"failure,omitempty"`

	FeedState string `json:"feed_state"`
	Candles   int    `json:"candles"`

	InPosition   bool    `json:"in_position"`
	EntryPrice   float64 `json:"entry_price"`
	Quantity     float64 `json:"quantity"`
	StopLoss     float64 `json:"stop_loss"`
	HighestPrice float64 `json:"highest_price"`

	Capital           float64 `json:"capital"`
	PeakCapital       float64 `json:"peak_capital"`
	Drawdown          float64 `json:"drawdown"`
	DailyTrades       int     `json:"daily_trades"`
	DailyWins         int     `json:"daily_wins"`
	DailyPnL          float64 `json:"daily_pnl"`
	TotalTrades       int     `json:"total_trades"`
	TotalPnL          float64 `json:"total_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`

	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
	LastSignal  string `json:"last_signal,omitempty"`
	Pending     bool   `json:"pending"`

	ActiveOrders int       `json:"active_orders"`
	UpdatedAt    time.Time `json:"updated_at"`
}
