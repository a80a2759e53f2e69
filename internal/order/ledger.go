package order

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spot-engine/pkg/exchanges/common"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketClosed      = errors.New("ticket already closed")
	ErrInvalidTransition = errors.New("invalid ticket transition")
)

// TokenFunc generates client idempotency tokens.
type TokenFunc func() string

// NewClientToken returns a random token accepted by Binance as newClientOrderId.
func NewClientToken() string {
	return "se" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Options bound the ledger's memory and inject its collaborators.
type Options struct {
	Retention   time.Duration // closed tickets older than this are pruned (7 days)
	MaxRetained int           // closed tickets kept beyond retention pruning (1000)
	Token       TokenFunc
	Now         func() time.Time
}

// Ledger tracks every order the engine placed. The local id, exchange id and client
// token indices share one mutex so they always change together.
type Ledger struct {
	mu         sync.Mutex
	opts       Options
	nextID     int64
	byID       map[int64]*Ticket
	byExchange map[string]*Ticket
	byClient   map[string]*Ticket
	observers  []func(Ticket)
}

func NewLedger(opts Options) *Ledger {
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = 1000
	}
	if opts.Token == nil {
		opts.Token = NewClientToken
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		opts:       opts,
		byID:       make(map[int64]*Ticket),
		byExchange: make(map[string]*Ticket),
		byClient:   make(map[string]*Ticket),
	}
}

// OnCompleted registers fn to run once for every ticket that reaches a terminal status.
func (l *Ledger) OnCompleted(fn func(Ticket)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// CreateTicket registers a pending base-quantity order.
func (l *Ledger) CreateTicket(symbol string, side common.Side, qty float64, typ common.OrderType, tag string) Ticket {
	return l.create(symbol, side, typ, qty, 0, tag)
}

// CreateQuoteTicket registers a pending market order sized in quote asset. The
// requested quantity is learned from the exchange acknowledgement.
func (l *Ledger) CreateQuoteTicket(symbol string, side common.Side, quote float64, tag string) Ticket {
	return l.create(symbol, side, common.OrderTypeMarket, 0, quote, tag)
}

func (l *Ledger) create(symbol string, side common.Side, typ common.OrderType, qty, quote float64, tag string) Ticket {
	now := l.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	t := &Ticket{
		ID:           l.nextID,
		ClientID:     l.opts.Token(),
		Symbol:       symbol,
		Side:         side,
		Type:         typ,
		RequestedQty: qty,
		QuoteQty:     quote,
		Status:       StatusPending,
		Tag:          tag,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.byID[t.ID] = t
	l.byClient[t.ClientID] = t
	return t.clone()
}

// Update applies ev to ticket id and returns the updated ticket.
func (l *Ledger) Update(id int64, ev Event) (Ticket, error) {
	if ev.At.IsZero() {
		ev.At = l.opts.Now()
	}

	l.mu.Lock()
	t, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	if err := l.apply(t, ev); err != nil {
		snapshot := t.clone()
		l.mu.Unlock()
		return snapshot, err
	}
	snapshot := t.clone()
	var observers []func(Ticket)
	if t.IsClosed() {
		observers = append(observers, l.observers...)
	}
	l.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
	return snapshot, nil
}

func (l *Ledger) apply(t *Ticket, ev Event) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: ticket %d is %s", ErrTicketClosed, t.ID, t.Status)
	}

	next, err := nextStatus(t, ev)
	if err != nil {
		return err
	}

	if ev.ExchangeID != "" && t.ExchangeID == "" {
		t.ExchangeID = ev.ExchangeID
		l.byExchange[ev.ExchangeID] = t
	}
	switch ev.Kind {
	case EventSubmitted:
		if t.RequestedQty <= 0 && ev.OrigQty > 0 {
			t.RequestedQty = ev.OrigQty
		}
	case EventFill:
		qty := ev.Qty
		if t.RequestedQty > 0 && t.FilledQty+qty > t.RequestedQty {
			qty = t.RequestedQty - t.FilledQty
		}
		if qty > 0 {
			t.AvgPrice = (t.AvgPrice*t.FilledQty + ev.Price*qty) / (t.FilledQty + qty)
			t.FilledQty += qty
		}
		t.Fee += ev.Fee
		next = fillStatus(t, ev)
	}

	t.Status = next
	t.UpdatedAt = ev.At
	if next.Terminal() {
		t.ClosedAt = ev.At
	}
	t.Events = append(t.Events, ev)
	return nil
}

func nextStatus(t *Ticket, ev Event) (Status, error) {
	switch ev.Kind {
	case EventSubmitted:
		if t.Status == StatusPending {
			return StatusSubmitted, nil
		}
	case EventFill:
		if t.Status == StatusSubmitted || t.Status == StatusPartiallyFilled {
			return StatusPartiallyFilled, nil
		}
	case EventCanceled:
		if t.Status == StatusPending || t.Status == StatusSubmitted {
			return StatusCanceled, nil
		}
	case EventRejected:
		if t.Status == StatusPending || t.Status == StatusSubmitted {
			return StatusRejected, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}
	return "", fmt.Errorf("%w: %s on %s ticket %d", ErrInvalidTransition, ev.Kind, t.Status, t.ID)
}

func fillStatus(t *Ticket, ev Event) Status {
	if ev.Final {
		return StatusFilled
	}
	if t.RequestedQty > 0 && t.FilledQty >= t.RequestedQty {
		return StatusFilled
	}
	return StatusPartiallyFilled
}

func (l *Ledger) GetByLocalID(id int64) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[id]
	if !ok {
		return Ticket{}, false
	}
	return t.clone(), true
}

func (l *Ledger) GetByExchangeID(exchangeID string) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byExchange[exchangeID]
	if !ok {
		return Ticket{}, false
	}
	return t.clone(), true
}

func (l *Ledger) GetByClientID(clientID string) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byClient[clientID]
	if !ok {
		return Ticket{}, false
	}
	return t.clone(), true
}

// ActiveOrders returns open tickets ordered by local id.
func (l *Ledger) ActiveOrders() []Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Ticket, 0)
	for _, t := range l.byID {
		if !t.IsClosed() {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// Import registers an exchange order the ledger has never seen, typically found open
// on the exchange at startup. It reports false when the order is already tracked.
func (l *Ledger) Import(r common.OrderResult, tag string) (Ticket, bool) {
	l.mu.Lock()
	if t, ok := l.byExchange[r.ExchangeOrderID]; ok && r.ExchangeOrderID != "" {
		snapshot := t.clone()
		l.mu.Unlock()
		return snapshot, false
	}
	if t, ok := l.byClient[r.ClientID]; ok && r.ClientID != "" {
		snapshot := t.clone()
		l.mu.Unlock()
		return snapshot, false
	}

	now := l.opts.Now()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	l.nextID++
	t := &Ticket{
		ID:           l.nextID,
		ClientID:     r.ClientID,
		Symbol:       r.Symbol,
		Side:         r.Side,
		Type:         r.Type,
		RequestedQty: r.OrigQty,
		Status:       StatusPending,
		Tag:          tag,
		CreatedAt:    created,
		UpdatedAt:    now,
	}
	if t.ClientID == "" {
		t.ClientID = "import-" + r.ExchangeOrderID
	}
	l.byID[t.ID] = t
	l.byClient[t.ClientID] = t
	l.mu.Unlock()

	// route through Update so observers see an imported order that is already done
	out, _ := l.Update(t.ID, Event{Kind: EventSubmitted, ExchangeID: r.ExchangeOrderID, OrigQty: r.OrigQty, Note: "imported", At: now})
	for _, ev := range ResultEvents(r, now) {
		if updated, err := l.Update(t.ID, ev); err == nil {
			out = updated
		}
	}
	return out, true
}

// ResultEvents converts an exchange order view into the fill or terminal events that
// follow a Submitted event.
func ResultEvents(r common.OrderResult, at time.Time) []Event {
	var evs []Event
	if r.ExecutedQty > 0 {
		evs = append(evs, Event{
			Kind:       EventFill,
			ExchangeID: r.ExchangeOrderID,
			Qty:        r.ExecutedQty,
			Price:      r.AvgPrice(),
			Fee:        r.Commission,
			Final:      r.Status.Terminal(),
			At:         at,
		})
		return evs
	}
	switch r.Status {
	case common.StatusCanceled, common.StatusExpired:
		evs = append(evs, Event{Kind: EventCanceled, ExchangeID: r.ExchangeOrderID, Note: string(r.Status), At: at})
	case common.StatusRejected:
		evs = append(evs, Event{Kind: EventRejected, ExchangeID: r.ExchangeOrderID, At: at})
	}
	return evs
}

// Prune drops closed tickets past the retention window, then the oldest closed
// tickets while the ledger holds more than MaxRetained. It returns the number removed.
func (l *Ledger) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := now.Add(-l.opts.Retention)
	var closed []*Ticket
	for _, t := range l.byID {
		if !t.IsClosed() {
			continue
		}
		if t.ClosedAt.Before(cutoff) {
			l.remove(t)
			removed++
			continue
		}
		closed = append(closed, t)
	}

	if over := len(l.byID) - l.opts.MaxRetained; over > 0 {
		sort.Slice(closed, func(i, j int) bool {
			if closed[i].ClosedAt.Equal(closed[j].ClosedAt) {
				return closed[i].ID < closed[j].ID
			}
			return closed[i].ClosedAt.Before(closed[j].ClosedAt)
		})
		for i := 0; i < over && i < len(closed); i++ {
			l.remove(closed[i])
			removed++
		}
	}
	return removed
}

func (l *Ledger) remove(t *Ticket) {
	delete(l.byID, t.ID)
	delete(l.byClient, t.ClientID)
	if t.ExchangeID != "" {
		delete(l.byExchange, t.ExchangeID)
	}
}
