package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"spot-engine/internal/order"
	"spot-engine/internal/state"
	"spot-engine/pkg/exchanges/common"
)

// matchTolerance is how far a historical order's size may differ from the pending
// marker and still be taken as the same order.
const matchTolerance = 0.01

// Recover brings the instrument back in line with the exchange after a restart:
// open orders are imported into the ledger, a pending marker left by a crash is
// resolved, and the position is reconciled.
func (e *Executor) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.config()
	open, err := e.ex.OpenOrders(ctx, cfg.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Msg("open orders unavailable during recovery")
	}
	for _, o := range open {
		if tk, added := e.ledger.Import(o, "recovered"); added {
			e.logger.Warn().Str("order_id", o.ExchangeOrderID).Str("side", string(o.Side)).
				Int64("ticket", tk.ID).Msg("imported open order unknown to the ledger")
		}
	}

	if st := e.store.Snapshot(); st.Pending != nil {
		if err := e.resolvePending(ctx, cfg, *st.Pending); err != nil {
			return fmt.Errorf("recover %s: %w", cfg.Symbol, err)
		}
	}

	if e.reconciler != nil {
		if _, err := e.reconciler.VerifyAndSync(ctx); err != nil {
			return fmt.Errorf("recover %s: %w", cfg.Symbol, err)
		}
	}
	return nil
}

// PeriodicSync is the reconcile timer's pass. It never waits for a trade in
// flight; a stale pending marker is resolved before the balance comparison.
func (e *Executor) PeriodicSync(ctx context.Context) error {
	if !e.mu.TryLock() {
		e.logger.Debug().Msg("trade in flight, reconciliation deferred")
		return nil
	}
	defer e.mu.Unlock()

	cfg := e.config()
	if st := e.store.Snapshot(); st.Pending != nil && e.now().Sub(st.Pending.SubmittedAt) >= cfg.PendingGrace {
		if err := e.resolvePending(ctx, cfg, *st.Pending); err != nil {
			return err
		}
	}
	if e.reconciler == nil {
		return nil
	}
	_, err := e.reconciler.VerifyAndSync(ctx)
	return err
}

// resolvePending finds the order behind a pending marker, first by its client token
// and then among the orders placed around the time it was submitted. A filled order
// is booked; anything else discards the marker.
func (e *Executor) resolvePending(ctx context.Context, cfg Config, p state.PendingOrder) error {
	log := e.logger.With().Str("client_id", p.ClientID).Str("side", p.Side).Logger()

	res, err := e.ex.QueryOrder(ctx, cfg.Symbol, "", p.ClientID)
	found := err == nil
	if err != nil && !common.IsNotFound(err) {
		return fmt.Errorf("query pending order: %w", err)
	}
	if !found {
		start := p.SubmittedAt.Add(-time.Minute)
		end := p.SubmittedAt.Add(5 * time.Minute)
		recent, err := e.ex.RecentOrders(ctx, cfg.Symbol, start, end)
		if err != nil {
			return fmt.Errorf("search orders around pending marker: %w", err)
		}
		res, found = matchPending(p, recent)
	}

	if !found || res.ExecutedQty <= 0 {
		log.Warn().Bool("found", found).Str("status", string(res.Status)).Msg("pending order did not fill, marker discarded")
		e.closePendingTicket(p, res, found)
		e.clearPending()
		return nil
	}

	tk, added := e.ledger.Import(res, "recovered")
	if !added && !tk.IsClosed() {
		tk = e.recordResult(tk, res)
	}

	st := e.store.Snapshot()
	switch {
	case p.Side == string(common.SideBuy) && !st.InPosition:
		out, err := e.applyEntry(cfg, res)
		if err != nil {
			return err
		}
		log.Warn().Float64("price", out.Price).Float64("qty", out.Quantity).Msg("recovered filled buy")
	case p.Side == string(common.SideSell) && st.InPosition:
		reason := p.Reason
		if reason == "" {
			reason = "recovered exit"
		}
		if partialFill(res.ExecutedQty, p.Quantity) {
			remaining, err := e.applyPartialExit(cfg, res)
			if err != nil {
				return err
			}
			log.Warn().Float64("remaining", remaining).Msg("recovered partially filled sell")
			return nil
		}
		out, err := e.applyExit(cfg, res, reason)
		if err != nil {
			return err
		}
		out.Ticket = tk
		e.afterExit(ctx, out, reason)
		log.Warn().Float64("price", out.Price).Msg("recovered filled sell")
	default:
		log.Info().Bool("in_position", st.InPosition).Msg("pending order already reflected in state")
		e.clearPending()
	}
	return nil
}

// closePendingTicket finishes a ledger ticket whose order never filled.
func (e *Executor) closePendingTicket(p state.PendingOrder, res common.OrderResult, found bool) {
	tk, ok := e.ledger.GetByClientID(p.ClientID)
	if !ok || tk.IsClosed() {
		return
	}
	if found {
		e.recordResult(tk, res)
		if cur, ok := e.ledger.GetByLocalID(tk.ID); ok && cur.IsClosed() {
			return
		}
	}
	e.ledger.Update(tk.ID, order.Event{Kind: order.EventRejected, Note: "not found on exchange"})
}

// matchPending picks the order that best fits the marker: same side, filled, and a
// size within matchTolerance of the marker's quantity or quote amount.
func matchPending(p state.PendingOrder, orders []common.OrderResult) (common.OrderResult, bool) {
	for _, o := range orders {
		if string(o.Side) != p.Side || o.ExecutedQty <= 0 {
			continue
		}
		if p.ClientID != "" && o.ClientID == p.ClientID {
			return o, true
		}
		if p.Quantity > 0 && within(o.ExecutedQty, p.Quantity) {
			return o, true
		}
		if p.QuoteAmount > 0 && within(o.QuoteQty, p.QuoteAmount) {
			return o, true
		}
	}
	return common.OrderResult{}, false
}

func within(got, want float64) bool {
	return want > 0 && math.Abs(got-want)/want <= matchTolerance
}
