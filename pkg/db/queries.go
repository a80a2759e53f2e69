package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrSymbolRequired = errors.New("symbol is required")

// UpsertOrderSQL replaces a ticket row by client id; a ticket is journaled again if
// a late fill reopens its accounting.
const UpsertOrderSQL = `
	INSERT INTO orders (client_id, ticket_id, exchange_id, symbol, side, type, requested_qty,
		quote_qty, filled_qty, avg_price, fee, status, tag, created_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		exchange_id = excluded.exchange_id,
		filled_qty = excluded.filled_qty,
		avg_price = excluded.avg_price,
		fee = excluded.fee,
		status = excluded.status,
		closed_at = excluded.closed_at`

// InsertTradeSQL ignores a round trip that was already journaled.
const InsertTradeSQL = `
	INSERT OR IGNORE INTO trades (symbol, entry_time, exit_time, entry_price, exit_price, qty,
		entry_cost, proceeds, fee, pnl, reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (o OrderRow) Args() []any {
	return []any{o.ClientID, o.TicketID, o.ExchangeID, o.Symbol, o.Side, o.Type, o.RequestedQty,
		o.QuoteQty, o.FilledQty, o.AvgPrice, o.Fee, o.Status, o.Tag, o.CreatedAt.UTC(), o.ClosedAt.UTC()}
}

func (t TradeRow) Args() []any {
	return []any{t.Symbol, t.EntryTime.UTC(), t.ExitTime.UTC(), t.EntryPrice, t.ExitPrice, t.Qty,
		t.EntryCost, t.Proceeds, t.Fee, t.PnL, t.Reason}
}

// Queries reads the journal.
type Queries struct {
	db *sql.DB
}

// RecentTrades returns the newest round trips for symbol, newest first.
func (q *Queries) RecentTrades(ctx context.Context, symbol string, limit int) ([]TradeRow, error) {
	if symbol == "" {
		return nil, ErrSymbolRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, symbol, entry_time, exit_time, entry_price, exit_price, qty, entry_cost,
			proceeds, fee, pnl, reason
		FROM trades
		WHERE symbol = ?
		ORDER BY exit_time DESC, id DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.ID, &t.Symbol, &t.EntryTime, &t.ExitTime, &t.EntryPrice, &t.ExitPrice,
			&t.Qty, &t.EntryCost, &t.Proceeds, &t.Fee, &t.PnL, &t.Reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Orders returns the newest journaled tickets for symbol, newest first.
func (q *Queries) Orders(ctx context.Context, symbol string, limit int) ([]OrderRow, error) {
	if symbol == "" {
		return nil, ErrSymbolRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT client_id, ticket_id, COALESCE(exchange_id, ''), symbol, side, type, requested_qty,
			quote_qty, filled_qty, avg_price, fee, status, tag, created_at
		FROM orders
		WHERE symbol = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var o OrderRow
		if err := rows.Scan(&o.ClientID, &o.TicketID, &o.ExchangeID, &o.Symbol, &o.Side, &o.Type,
			&o.RequestedQty, &o.QuoteQty, &o.FilledQty, &o.AvgPrice, &o.Fee, &o.Status, &o.Tag, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Stats sums every journaled round trip for symbol.
func (q *Queries) Stats(ctx context.Context, symbol string) (TradeStats, error) {
	if symbol == "" {
		return TradeStats{}, ErrSymbolRequired
	}
	var s TradeStats
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0), COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE symbol = ?
	`, symbol).Scan(&s.Trades, &s.Wins, &s.PnL)
	if err != nil {
		return TradeStats{}, fmt.Errorf("trade stats: %w", err)
	}
	return s, nil
}
