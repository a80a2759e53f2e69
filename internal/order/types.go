package order

import (
	"time"

	"spot-engine/pkg/exchanges/common"
)

// Status is the local lifecycle state of a ticket.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// EventKind is the type of a lifecycle event.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventFill      EventKind = "fill"
	EventCanceled  EventKind = "canceled"
	EventRejected  EventKind = "rejected"
)

// Event is one exchange-observed change applied to a ticket.
type Event struct {
	Kind       EventKind `json:"kind"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	// Submitted: OrigQty fills in the requested quantity of quote-sized orders.
	OrigQty float64 `json:"orig_qty,omitempty"`
	// Fill
	Qty   float64 `json:"qty,omitempty"`
	Price float64 `json:"price,omitempty"`
	Fee   float64 `json:"fee,omitempty"`
	// Final marks the last fill of an order whose requested quantity is unknown.
	Final bool      `json:"final,omitempty"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Ticket tracks one order placed by the engine.
type Ticket struct {
	ID           int64            `json:"id"`
	ClientID     string           `json:"client_id"`
	ExchangeID   string           `json:"exchange_id,omitempty"`
	Symbol       string           `json:"symbol"`
	Side         common.Side      `json:"side"`
	Type         common.OrderType `json:"type"`
	RequestedQty float64          `json:"requested_qty"`
	QuoteQty     float64          `json:"quote_qty,omitempty"`
	FilledQty    float64          `json:"filled_qty"`
	AvgPrice     float64          `json:"avg_price"`
	Fee          float64          `json:"fee"`
	Status       Status           `json:"status"`
	Tag          string           `json:"tag,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	ClosedAt     time.Time        `json:"closed_at,omitempty"`
	Events       []Event          `json:"events,omitempty"`
}

func (t Ticket) IsClosed() bool { return t.Status.Terminal() }

// Remaining is the unfilled quantity; zero when the requested quantity is unknown.
func (t Ticket) Remaining() float64 {
	if t.RequestedQty <= 0 {
		return 0
	}
	return t.RequestedQty - t.FilledQty
}

// Notional is the filled value in quote asset.
func (t Ticket) Notional() float64 {
	return t.FilledQty * t.AvgPrice
}

func (t Ticket) clone() Ticket {
	c := t
	c.Events = append([]Event(nil), t.Events...)
	return c
}
