package events

import "time"

// Event enumerates notification topics raised by the trading engines.
type Event string

const (
	EventTradeOpened    Event = "trade_opened"
	EventTradeClosed    Event = "trade_closed"
	EventRiskAlert      Event = "risk_alert"
	EventError          Event = "error"
	EventDailyReport    Event = "daily_report"
	EventOrderCompleted Event = "order_completed"
)

// Notification is one queued message for the sinks.
type Notification struct {
	Event  Event
	Symbol string
	Fields map[string]any
	At     time.Time
}

// Notifier is the best-effort side channel used by the trading path.
// Implementations must never block the caller.
type Notifier interface {
	Notify(ev Event, fields map[string]any)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(Event, map[string]any) {}
