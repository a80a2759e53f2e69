package db

import (
	"context"
	"testing"
	"time"
)

func openTest(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestQueriesRequireSymbol(t *testing.T) {
	q := openTest(t).Queries()
	ctx := context.Background()

	t.Run("RecentTrades", func(t *testing.T) {
		if _, err := q.RecentTrades(ctx, "", 10); err != ErrSymbolRequired {
			t.Errorf("expected ErrSymbolRequired, got %v", err)
		}
	})
	t.Run("Orders", func(t *testing.T) {
		if _, err := q.Orders(ctx, "", 10); err != ErrSymbolRequired {
			t.Errorf("expected ErrSymbolRequired, got %v", err)
		}
	})
	t.Run("Stats", func(t *testing.T) {
		if _, err := q.Stats(ctx, ""); err != ErrSymbolRequired {
			t.Errorf("expected ErrSymbolRequired, got %v", err)
		}
	})
}

func TestTradesAreJournaledOnce(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	entry := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	trades := []TradeRow{
		{Symbol: "BTCUSDT", EntryTime: entry, ExitTime: entry.Add(time.Hour), EntryPrice: 100, ExitPrice: 94, Qty: 10, EntryCost: 1000, Proceeds: 940, Fee: 0.94, PnL: -60.94, Reason: "stop loss"},
		{Symbol: "BTCUSDT", EntryTime: entry.Add(2 * time.Hour), ExitTime: entry.Add(3 * time.Hour), EntryPrice: 95, ExitPrice: 100, Qty: 10, EntryCost: 950, Proceeds: 1000, Fee: 1, PnL: 49, Reason: "signal exit"},
		{Symbol: "ETHUSDT", EntryTime: entry, ExitTime: entry.Add(time.Hour), EntryPrice: 10, ExitPrice: 11, Qty: 1, EntryCost: 10, Proceeds: 11, PnL: 1},
	}
	for _, tr := range append(trades, trades[0]) {
		if _, err := d.DB.Exec(InsertTradeSQL, tr.Args()...); err != nil {
			t.Fatalf("insert trade: %v", err)
		}
	}

	got, err := d.Queries().RecentTrades(ctx, "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("trades=%d, expected 2 (duplicate ignored)", len(got))
	}
	if got[0].Reason != "signal exit" || !got[0].ExitTime.Equal(entry.Add(3*time.Hour)) {
		t.Fatalf("newest=%+v, expected the signal exit", got[0])
	}

	stats, err := d.Queries().Stats(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Trades != 2 || stats.Wins != 1 || stats.PnL > -11.93 || stats.PnL < -11.95 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestOrderUpsert(t *testing.T) {
	d := openTest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row := OrderRow{ClientID: "se-1", TicketID: 1, Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", QuoteQty: 1000, Status: "REJECTED", CreatedAt: now, ClosedAt: now}
	if _, err := d.DB.Exec(UpsertOrderSQL, row.Args()...); err != nil {
		t.Fatalf("insert: %v", err)
	}
	row.Status, row.FilledQty, row.AvgPrice, row.ExchangeID = "FILLED", 10, 100, "77"
	if _, err := d.DB.Exec(UpsertOrderSQL, row.Args()...); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	orders, err := d.Queries().Orders(context.Background(), "BTCUSDT", 0)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != "FILLED" || orders[0].ExchangeID != "77" || orders[0].FilledQty != 10 {
		t.Fatalf("orders=%+v", orders)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	d := openTest(t)
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	ok, err := columnExists(d.DB, "orders", "tag")
	if err != nil || !ok {
		t.Fatalf("tag column exists=%v err=%v", ok, err)
	}
}
