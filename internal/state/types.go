package state

import (
	"time"
)

// PauseKind identifies why trading is paused. The risk gate decides which kinds a
// new trading day clears.
type PauseKind string

const (
	PauseNone              PauseKind = ""
	PauseDailyTrades       PauseKind = "daily_trades"
	PauseConsecutiveLosses PauseKind = "consecutive_losses"
	PauseDailyLoss         PauseKind = "daily_loss"
	PauseDrawdown          PauseKind = "drawdown"
	PauseInsufficientFunds PauseKind = "insufficient_funds"
	PauseManual            PauseKind = "manual"
)

// DefaultHistorySize bounds the trade history ring.
const DefaultHistorySize = 50

// TradeRecord is one closed round trip.
type TradeRecord struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	EntryCost  float64   `json:"entry_cost"`
	Proceeds   float64   `json:"proceeds"`
	Fee        float64   `json:"fee"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
}

// PendingOrder marks an order submit whose acknowledgement was not yet recorded.
// A marker found at startup means the process died mid-submit.
type PendingOrder struct {
	ClientID    string    `json:"client_id"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity,omitempty"`
	QuoteAmount float64   `json:"quote_amount,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PartialExit accumulates sells that closed only part of the open position. It is
// folded into the round trip's record when the position finally closes.
type PartialExit struct {
	Quantity float64 `json:"quantity"`
	Cost     float64 `json:"cost"`
	Proceeds float64 `json:"proceeds"`
	Fee      float64 `json:"fee"`
	PnL      float64 `json:"pnl"`
}

// TradingState is the durable per-instrument record of position and risk counters.
// Mutate it only through the transition methods below, via Store.
type TradingState struct {
	Symbol string `json:"symbol"`

	InPosition   bool         `json:"in_position"`
	EntryPrice   float64      `json:"entry_price"`
	EntryCost    float64      `json:"entry_cost"`
	Quantity     float64      `json:"quantity"`
	StopLoss     float64      `json:"stop_loss"`
	HighestPrice float64      `json:"highest_price"`
	EntryTime    time.Time    `json:"entry_time,omitempty"`
	Partial      *PartialExit `json:"partial_exit,omitempty"`

	Capital         float64 `json:"capital"`
	PeakCapital     float64 `json:"peak_capital"`
	DayStartCapital float64 `json:"day_start_capital"`
	MaxDrawdown     float64 `json:"max_drawdown"`

	ConsecutiveLosses int     `json:"consecutive_losses"`
	DailyTrades       int     `json:"daily_trades"`
	DailyWins         int     `json:"daily_wins"`
	DailyPnL          float64 `json:"daily_pnl"`
	TotalTrades       int     `json:"total_trades"`
	TotalWins         int     `json:"total_wins"`
	TotalPnL          float64 `json:"total_pnl"`
	TradingDay        string  `json:"trading_day"`

	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pause_reason,omitempty"`
	PauseKind   PauseKind `json:"pause_kind,omitempty"`

	LastSignal string        `json:"last_signal,omitempty"`
	Pending    *PendingOrder `json:"pending,omitempty"`

	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
	History   []TradeRecord `json:"history"`

	historySize int
}

// NewTradingState seeds a flat state for a fresh instrument.
func NewTradingState(symbol string, capital float64, now time.Time) *TradingState {
	return &TradingState{
		Symbol:          symbol,
		Capital:         capital,
		PeakCapital:     capital,
		DayStartCapital: capital,
		TradingDay:      TradingDay(now),
		History:         []TradeRecord{},
	}
}

// TradingDay is the UTC calendar day of t.
func TradingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Clone returns a deep copy.
func (s *TradingState) Clone() *TradingState {
	c := *s
	c.History = append([]TradeRecord(nil), s.History...)
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	if s.Partial != nil {
		p := *s.Partial
		c.Partial = &p
	}
	return &c
}

// OpenPosition records an entry. cost includes fees.
func (s *TradingState) OpenPosition(price, qty, cost, stop float64, at time.Time) {
	s.InPosition = true
	s.EntryPrice = price
	s.Quantity = qty
	s.EntryCost = cost
	s.StopLoss = stop
	s.HighestPrice = price
	s.EntryTime = at
}

// ClosePosition books the exit, updates capital and counters and returns the record.
// Realized P&L is (proceeds - fee) - entry cost. Earlier partial exits are already in
// capital; the record covers the whole round trip.
func (s *TradingState) ClosePosition(exitPrice, proceeds, fee float64, reason string, at time.Time) TradeRecord {
	pnl := (proceeds - fee) - s.EntryCost
	rec := TradeRecord{
		EntryTime:  s.EntryTime,
		ExitTime:   at,
		EntryPrice: s.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   s.Quantity,
		EntryCost:  s.EntryCost,
		Proceeds:   proceeds,
		Fee:        fee,
		PnL:        pnl,
		Reason:     reason,
	}
	if p := s.Partial; p != nil {
		rec.Quantity += p.Quantity
		rec.EntryCost += p.Cost
		rec.Proceeds += p.Proceeds
		rec.Fee += p.Fee
		rec.PnL += p.PnL
	}

	s.Capital += pnl
	s.DailyPnL += pnl
	s.TotalPnL += pnl
	s.DailyTrades++
	s.TotalTrades++
	if rec.PnL > 0 {
		s.DailyWins++
		s.TotalWins++
	}
	s.appendHistory(rec)
	s.resetPosition()
	return rec
}

// ReducePosition books a sell that filled only sold of the held quantity. Cost basis
// shrinks pro rata and only the sold part's P&L is realized; the rest stays open.
// A sale of the whole quantity must go through ClosePosition.
func (s *TradingState) ReducePosition(sold, proceeds, fee float64) float64 {
	if !s.InPosition || sold <= 0 || sold >= s.Quantity {
		return 0
	}
	cost := s.EntryCost * sold / s.Quantity
	pnl := (proceeds - fee) - cost
	s.Quantity -= sold
	s.EntryCost -= cost
	s.Capital += pnl
	s.DailyPnL += pnl
	s.TotalPnL += pnl

	if s.Partial == nil {
		s.Partial = &PartialExit{}
	}
	s.Partial.Quantity += sold
	s.Partial.Cost += cost
	s.Partial.Proceeds += proceeds
	s.Partial.Fee += fee
	s.Partial.PnL += pnl
	return pnl
}

func (s *TradingState) appendHistory(rec TradeRecord) {
	size := s.historySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	s.History = append(s.History, rec)
	if over := len(s.History) - size; over > 0 {
		s.History = append(s.History[:0], s.History[over:]...)
	}
}

func (s *TradingState) resetPosition() {
	s.InPosition = false
	s.EntryPrice = 0
	s.EntryCost = 0
	s.Quantity = 0
	s.StopLoss = 0
	s.HighestPrice = 0
	s.EntryTime = time.Time{}
	s.Partial = nil
}

// AdjustQuantity corrects the held quantity without touching cost basis.
func (s *TradingState) AdjustQuantity(qty float64) bool {
	if !s.InPosition || qty == s.Quantity {
		return false
	}
	s.Quantity = qty
	return true
}

// ClearPosition drops a position that no longer exists on the exchange.
func (s *TradingState) ClearPosition() bool {
	if !s.InPosition {
		return false
	}
	s.resetPosition()
	return true
}

// TrackHigh ratchets the highest price seen since entry.
func (s *TradingState) TrackHigh(price float64) bool {
	if !s.InPosition || price <= s.HighestPrice {
		return false
	}
	s.HighestPrice = price
	return true
}

// RaiseStop moves the stop up; a stop never moves down.
func (s *TradingState) RaiseStop(stop float64) bool {
	if !s.InPosition || stop <= s.StopLoss {
		return false
	}
	s.StopLoss = stop
	return true
}

func (s *TradingState) Pause(kind PauseKind, reason string) bool {
	if s.Paused && s.PauseKind == kind && s.PauseReason == reason {
		return false
	}
	s.Paused = true
	s.PauseKind = kind
	s.PauseReason = reason
	return true
}

func (s *TradingState) Resume() bool {
	if !s.Paused {
		return false
	}
	s.Paused = false
	s.PauseKind = PauseNone
	s.PauseReason = ""
	return true
}

// RollDay starts a new trading day: day-start capital and daily counters reset.
func (s *TradingState) RollDay(day string) bool {
	if s.TradingDay == day {
		return false
	}
	s.TradingDay = day
	s.DayStartCapital = s.Capital
	s.DailyTrades = 0
	s.DailyWins = 0
	s.DailyPnL = 0
	return true
}

func (s *TradingState) SetPending(p PendingOrder) {
	s.Pending = &p
}

func (s *TradingState) ClearPending() bool {
	if s.Pending == nil {
		return false
	}
	s.Pending = nil
	return true
}

// Drawdown is the decline of capital from its peak as a ratio.
func (s *TradingState) Drawdown() float64 {
	if s.PeakCapital <= 0 {
		return 0
	}
	return (s.PeakCapital - s.Capital) / s.PeakCapital
}

// DailyLoss is the decline of capital since the day started as a ratio.
func (s *TradingState) DailyLoss() float64 {
	if s.DayStartCapital <= 0 {
		return 0
	}
	return (s.DayStartCapital - s.Capital) / s.DayStartCapital
}

// UnrealizedPnL values the open position at price.
func (s *TradingState) UnrealizedPnL(price float64) float64 {
	if !s.InPosition {
		return 0
	}
	return s.Quantity*price - s.EntryCost
}

// Equity is capital plus unrealized P&L.
func (s *TradingState) Equity(price float64) float64 {
	return s.Capital + s.UnrealizedPnL(price)
}
