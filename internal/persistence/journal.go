package persistence

import (
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/order"
	"spot-engine/internal/state"
	"spot-engine/pkg/db"
)

// Journal records completed tickets and closed round trips through a BatchWriter.
// Recording never blocks on the database.
type Journal struct {
	writer *BatchWriter
	logger zerolog.Logger
}

func NewJournal(d *db.Database, flushEvery time.Duration, logger zerolog.Logger) *Journal {
	return &Journal{
		writer: NewBatchWriter(d.DB, 50, flushEvery, logger),
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// RecordTicket journals a ticket that reached a terminal status.
func (j *Journal) RecordTicket(t order.Ticket) {
	row := db.OrderRow{
		ClientID:     t.ClientID,
		TicketID:     t.ID,
		ExchangeID:   t.ExchangeID,
		Symbol:       t.Symbol,
		Side:         string(t.Side),
		Type:         string(t.Type),
		RequestedQty: t.RequestedQty,
		QuoteQty:     t.QuoteQty,
		FilledQty:    t.FilledQty,
		AvgPrice:     t.AvgPrice,
		Fee:          t.Fee,
		Status:       string(t.Status),
		Tag:          t.Tag,
		CreatedAt:    t.CreatedAt,
		ClosedAt:     t.ClosedAt,
	}
	j.writer.WriteQuery(db.UpsertOrderSQL, row.Args()...)
}

func (j *Journal) RecordTrade(symbol string, rec state.TradeRecord) {
	row := db.TradeRow{
		Symbol:     symbol,
		EntryTime:  rec.EntryTime,
		ExitTime:   rec.ExitTime,
		EntryPrice: rec.EntryPrice,
		ExitPrice:  rec.ExitPrice,
		Qty:        rec.Quantity,
		EntryCost:  rec.EntryCost,
		Proceeds:   rec.Proceeds,
		Fee:        rec.Fee,
		PnL:        rec.PnL,
		Reason:     rec.Reason,
	}
	j.writer.WriteQuery(db.InsertTradeSQL, row.Args()...)
	j.logger.Debug().Str("symbol", symbol).Float64("pnl", rec.PnL).Msg("trade queued")
}

// Flush writes everything buffered now.
func (j *Journal) Flush() error { return j.writer.Flush() }

// Close flushes and stops the writer. The database stays open.
func (j *Journal) Close() error {
	err := j.writer.Close()
	m := j.writer.Metrics()
	j.logger.Info().Uint64("writes", m.TotalWrites).Uint64("batches", m.TotalBatches).
		Uint64("errors", m.TotalErrors).Msg("journal closed")
	return err
}
