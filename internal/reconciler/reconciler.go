// Package reconciler converts exchange truth into Portfolio state. It is
// the only code path that mutates positions from exchange facts, which
// makes the system's idea of "what we hold" auditable to a single
// component instead of scattered across every order-placing call site.
package reconciler

import (
	"context"
	"sync"
	"time"

	"tradingcore/internal/core"
	"tradingcore/internal/router"
	"tradingcore/pkg/logging"
)

// ExchangeReader is the subset of ExchangeWrapper the reconciler needs.
type ExchangeReader interface {
	FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]core.Trade, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error)
}

// PortfolioApplier is the subset of Portfolio the reconciler needs.
type PortfolioApplier interface {
	ApplyFills(symbol string, trades []core.Trade) (core.ApplyFillsSummary, error)
	Release(intentID string) error
}

// PendingCOIDLister is the subset of the COID store needed to tell a
// known in-flight order apart from a ghost.
type PendingCOIDLister interface {
	ListPending(symbol string) []*core.COIDEntry
}

// AuditRecorder receives one structured audit event per reconciliation
// outcome. A nil recorder means audit events are dropped, mirroring the
// decision-log decoupling pattern used in internal/fsm.
type AuditRecorder interface {
	RecordAudit(event string, fields map[string]any)
}

// Reconciler is the Reconciler (C5), plus a periodic ghost-order sweep
// supplementing the spec's single reconcile_order operation.
type Reconciler struct {
	exchange  ExchangeReader
	portfolio PortfolioApplier
	coidMgr   PendingCOIDLister
	audit     AuditRecorder
	symbols   []string
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Reconciler. coidMgr and audit may be nil.
func New(exchange ExchangeReader, portfolio PortfolioApplier, coidMgr PendingCOIDLister, audit AuditRecorder, symbols []string, sweepInterval time.Duration) *Reconciler {
	return &Reconciler{
		exchange:  exchange,
		portfolio: portfolio,
		coidMgr:   coidMgr,
		audit:     audit,
		symbols:   symbols,
		interval:  sweepInterval,
	}
}

// ReconcileOrder fetches an order's trades and applies them to the
// Portfolio. Returns (nil, nil) when the exchange reports no trades yet
// (not an error — the order may simply not have executed). intentID, when
// non-empty, is released from the portfolio's reservation ledger once the
// trades are applied — the reservation's budget has now been replaced by
// the position/cash movement ApplyFills just made, so holding onto it
// would double-count against the budget forever.
func (r *Reconciler) ReconcileOrder(ctx context.Context, symbol, orderID, intentID string) (*core.ApplyFillsSummary, error) {
	trades, err := r.exchange.FetchOrderTrades(ctx, symbol, orderID)
	if err != nil {
		logging.Error("reconciler: fetch order trades failed", "symbol", symbol, "order_id", orderID, "error", err)
		r.recordAudit("error", map[string]any{"symbol": symbol, "order_id": orderID, "error": err.Error()})
		return nil, err
	}

	if len(trades) == 0 {
		logging.Warn("reconciler: no trades found for order", "symbol", symbol, "order_id", orderID)
		r.recordAudit("no_trades", map[string]any{"symbol": symbol, "order_id": orderID})
		return nil, nil
	}

	summary, err := r.portfolio.ApplyFills(symbol, trades)
	if err != nil {
		logging.Error("reconciler: apply fills failed", "symbol", symbol, "order_id", orderID, "error", err)
		r.recordAudit("error", map[string]any{"symbol": symbol, "order_id": orderID, "error": err.Error()})
		return nil, err
	}

	if intentID != "" {
		if err := r.portfolio.Release(intentID); err != nil {
			logging.Error("reconciler: release reservation failed", "intent_id", intentID, "error", err)
		}
	}

	logging.Info("reconciler: order reconciled", "symbol", symbol, "order_id", orderID, "fills_count", len(trades))
	r.recordAudit("applied", map[string]any{
		"symbol": symbol, "order_id": orderID, "fills_count": len(trades), "state": string(summary.State),
	})
	return &summary, nil
}

// HandleOrderFilled adapts the router's order.filled event to
// ReconcileOrder; wire this as the eventbus subscriber.
func (r *Reconciler) HandleOrderFilled(payload any) {
	event, ok := payload.(router.OrderFilledEvent)
	if !ok {
		logging.Warn("reconciler: unexpected order.filled payload type")
		return
	}
	if _, err := r.ReconcileOrder(context.Background(), event.Symbol, event.OrderID, event.IntentID); err != nil {
		logging.Error("reconciler: reconcile from order.filled failed", "intent_id", event.IntentID, "error", err)
	}
}

// Start launches the periodic ghost-order sweep. No-op if coidMgr is nil
// or interval is non-positive.
func (r *Reconciler) Start(ctx context.Context) {
	if r.coidMgr == nil || r.interval <= 0 {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.runLoop()
}

// Stop cancels the sweep loop and waits for the in-flight pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepGhostOrders(r.ctx)
		}
	}
}

// sweepGhostOrders flags any exchange order whose client_order_id the
// COID store has no pending record of — evidence of a crash between
// order placement and COID persistence, or of an order placed outside
// this process entirely.
func (r *Reconciler) sweepGhostOrders(ctx context.Context) {
	for _, symbol := range r.symbols {
		open, err := r.exchange.FetchOpenOrders(ctx, symbol)
		if err != nil {
			logging.Error("reconciler: fetch open orders failed", "symbol", symbol, "error", err)
			continue
		}

		known := make(map[string]bool)
		for _, entry := range r.coidMgr.ListPending(symbol) {
			known[entry.ClientOrderID] = true
		}

		for _, order := range open {
			if order.ClientOrderID == "" || known[order.ClientOrderID] {
				continue
			}
			logging.Warn("reconciler: ghost order detected", "symbol", symbol, "order_id", order.OrderID, "client_order_id", order.ClientOrderID)
			r.recordAudit("ghost_order_detected", map[string]any{
				"symbol": symbol, "order_id": order.OrderID, "client_order_id": order.ClientOrderID,
			})
		}
	}
}

func (r *Reconciler) recordAudit(event string, fields map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.RecordAudit(event, fields)
}
