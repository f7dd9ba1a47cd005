// Package portfolio owns Position bookkeeping and budget reservations.
//
// LOCK ORDERING:
// 1. the symbol's lock (from getSymbolLock)
// 2. p.reservationsMu
// 3. p.mu (global budget/pnl/fee ledger fields)
// 4. p.positionsMu
//
// All mutation of positions[symbol] or of reservations attributable to a
// symbol must hold that symbol's lock first. Never acquire a symbol lock
// while already holding p.mu, reservationsMu, or positionsMu. freeCashLocked
// is the one place p.mu nests inside reservationsMu (Reserve's buy path
// holds reservationsMu across the whole check-then-insert so the shared,
// not-per-symbol budget can't be over-committed by two symbols' concurrent
// reservations); nothing ever takes the two locks in the opposite order.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
)

// LedgerRecorder is the double-entry ledger collaborator (C9). Recording
// is best-effort from Portfolio's point of view: a nil recorder simply
// means no ledger entries are written.
type LedgerRecorder interface {
	RecordTrade(symbol string, side core.Side, qty, price, fee decimal.Decimal, timestamp int64) error
}

type reservation struct {
	IntentID string
	Symbol   string
	Side     core.Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal
}

// Portfolio is the shared mutable position/budget state (C3).
type Portfolio struct {
	minNotional decimal.Decimal
	ledger      LedgerRecorder

	mu                sync.Mutex
	totalBudget       decimal.Decimal
	realizedPnLTotal  decimal.Decimal
	totalFees         decimal.Decimal
	positionsNotional decimal.Decimal // Σ qty×avg_price across all open positions

	locksMu     sync.Mutex
	symbolLocks map[string]*sync.Mutex

	reservationsMu sync.Mutex
	reservations   map[string]*reservation

	positionsMu sync.RWMutex
	positions   map[string]*core.Position

	lastPriceMu sync.RWMutex
	lastPrices  map[string]decimal.Decimal

	tradesMu        sync.Mutex
	processedTrades map[string]time.Time // tradeID -> first-seen, dedup across retries
}

// New constructs a Portfolio with the given starting cash budget and the
// minimum notional below which a reservation is rejected.
func New(totalBudget, minNotional decimal.Decimal, ledger LedgerRecorder) *Portfolio {
	return &Portfolio{
		minNotional:     minNotional,
		ledger:          ledger,
		totalBudget:     totalBudget,
		symbolLocks:     make(map[string]*sync.Mutex),
		reservations:    make(map[string]*reservation),
		positions:       make(map[string]*core.Position),
		lastPrices:      make(map[string]decimal.Decimal),
		processedTrades: make(map[string]time.Time),
	}
}

func (p *Portfolio) getSymbolLock(symbol string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	lock, ok := p.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		p.symbolLocks[symbol] = lock
	}
	return lock
}

// Reserve attempts to set aside budget (buy) or quantity (sell) for
// intentID. Returns false (not an error) for an ordinary insufficient
// funds/inventory rejection; returns an error only for a malformed call.
// Reserving the same intentID twice is a no-op that returns true.
func (p *Portfolio) Reserve(intentID, symbol string, side core.Side, qty, price decimal.Decimal) (bool, error) {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return false, fmt.Errorf("portfolio: reserve requires positive qty and price")
	}
	notional := qty.Mul(price)
	if notional.LessThan(p.minNotional) {
		return false, nil
	}

	p.reservationsMu.Lock()
	if _, exists := p.reservations[intentID]; exists {
		p.reservationsMu.Unlock()
		return true, nil
	}
	p.reservationsMu.Unlock()

	lock := p.getSymbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	switch side {
	case core.SideBuy:
		// Budget is shared across every symbol, so the check-then-reserve
		// must be atomic across *all* concurrent buy reservations, not
		// just ones for this symbol — hold reservationsMu across both the
		// read and the insert instead of calling freeCash() (which would
		// release the lock in between and let two symbols both observe
		// the same unreserved budget).
		p.reservationsMu.Lock()
		if p.freeCashLocked().LessThan(notional) {
			p.reservationsMu.Unlock()
			return false, nil
		}
		p.reservations[intentID] = &reservation{
			IntentID: intentID, Symbol: symbol, Side: side, Qty: qty, Price: price, Notional: notional,
		}
		p.reservationsMu.Unlock()
		return true, nil
	case core.SideSell:
		pos := p.getOrCreatePosition(symbol)
		freeQty := pos.Qty.Sub(p.reservedSellQty(symbol))
		if freeQty.LessThan(qty) {
			return false, nil
		}
	default:
		return false, fmt.Errorf("portfolio: unknown side %q", side)
	}

	p.reservationsMu.Lock()
	p.reservations[intentID] = &reservation{
		IntentID: intentID, Symbol: symbol, Side: side, Qty: qty, Price: price, Notional: notional,
	}
	p.reservationsMu.Unlock()
	return true, nil
}

// Release undoes a prior reservation. A reservation for an unknown or
// already-released intentID is a no-op.
func (p *Portfolio) Release(intentID string) error {
	p.reservationsMu.Lock()
	res, ok := p.reservations[intentID]
	if !ok {
		p.reservationsMu.Unlock()
		return nil
	}
	delete(p.reservations, intentID)
	p.reservationsMu.Unlock()

	lock := p.getSymbolLock(res.Symbol)
	lock.Lock()
	defer lock.Unlock()
	return nil
}

// ApplyFills applies a sequence of trade fills to symbol's position
// under that symbol's lock, in order. Trade IDs already applied (across
// retries of the same fetch) are skipped.
func (p *Portfolio) ApplyFills(symbol string, trades []core.Trade) (core.ApplyFillsSummary, error) {
	lock := p.getSymbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	pos := p.getOrCreatePosition(symbol)
	oldNotional := pos.Qty.Mul(pos.AvgPrice)

	summary := core.ApplyFillsSummary{Symbol: symbol}
	var realizedDelta decimal.Decimal

	for _, tr := range trades {
		if tr.TradeID != "" && p.alreadyProcessed(tr.TradeID) {
			continue
		}

		switch tr.Side {
		case core.SideBuy:
			newQty := pos.Qty.Add(tr.Amount)
			if newQty.GreaterThan(decimal.Zero) {
				pos.AvgPrice = pos.Qty.Mul(pos.AvgPrice).Add(tr.Amount.Mul(tr.Price)).Div(newQty)
			}
			pos.Qty = newQty
			pos.FeesPaid = pos.FeesPaid.Add(tr.Fee)
			if pos.State == core.PositionNew || pos.State == core.PositionClosed {
				pos.State = core.PositionOpen
				pos.OpenedTS = tr.Timestamp
			}
		case core.SideSell:
			tradePnL := tr.Price.Sub(pos.AvgPrice).Mul(tr.Amount)
			pos.RealizedPnL = pos.RealizedPnL.Add(tradePnL)
			realizedDelta = realizedDelta.Add(tradePnL)
			pos.FeesPaid = pos.FeesPaid.Add(tr.Fee)
			pos.Qty = pos.Qty.Sub(tr.Amount)
			if pos.Qty.GreaterThan(decimal.Zero) {
				pos.State = core.PositionPartialExit
			} else {
				pos.Qty = decimal.Zero
				pos.State = core.PositionClosed
			}
		}

		summary.Fees = summary.Fees.Add(tr.Fee)
		summary.Notional = summary.Notional.Add(tr.Amount.Mul(tr.Price))
		if tr.Side == core.SideBuy {
			summary.QtyDelta = summary.QtyDelta.Add(tr.Amount)
		} else {
			summary.QtyDelta = summary.QtyDelta.Sub(tr.Amount)
		}

		if p.ledger != nil {
			if err := p.ledger.RecordTrade(symbol, tr.Side, tr.Amount, tr.Price, tr.Fee, tr.Timestamp); err != nil {
				return summary, fmt.Errorf("portfolio: ledger record failed: %w", err)
			}
		}
	}

	newNotional := pos.Qty.Mul(pos.AvgPrice)
	p.mu.Lock()
	p.positionsNotional = p.positionsNotional.Add(newNotional.Sub(oldNotional))
	p.realizedPnLTotal = p.realizedPnLTotal.Add(realizedDelta)
	p.totalFees = p.totalFees.Add(summary.Fees)
	p.mu.Unlock()

	summary.State = pos.State
	return summary, nil
}

// MarkPrice records the latest observed price for symbol, used by
// callers computing unrealized PnL; Portfolio itself does not use it.
func (p *Portfolio) MarkPrice(symbol string, price decimal.Decimal) {
	p.lastPriceMu.Lock()
	defer p.lastPriceMu.Unlock()
	p.lastPrices[symbol] = price
}

// LastPrice returns the most recent price marked for symbol.
func (p *Portfolio) LastPrice(symbol string) (decimal.Decimal, bool) {
	p.lastPriceMu.RLock()
	defer p.lastPriceMu.RUnlock()
	price, ok := p.lastPrices[symbol]
	return price, ok
}

// Position returns a snapshot copy of symbol's position.
func (p *Portfolio) Position(symbol string) (core.Position, bool) {
	p.positionsMu.RLock()
	defer p.positionsMu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return core.Position{}, false
	}
	return *pos, true
}

// Positions returns a snapshot copy of every tracked position.
func (p *Portfolio) Positions() map[string]core.Position {
	p.positionsMu.RLock()
	defer p.positionsMu.RUnlock()
	out := make(map[string]core.Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = *pos
	}
	return out
}

// FreeCash returns the budget currently available for new buy
// reservations: I-P1 rearranged as an available-now quantity.
func (p *Portfolio) FreeCash() decimal.Decimal {
	return p.freeCash()
}

func (p *Portfolio) freeCash() decimal.Decimal {
	p.reservationsMu.Lock()
	defer p.reservationsMu.Unlock()
	return p.freeCashLocked()
}

// freeCashLocked computes free cash assuming the caller already holds
// reservationsMu. Reserve's buy path relies on this to make its
// check-then-insert atomic across every symbol's concurrent reservations,
// since the shared budget isn't scoped to any one symbol lock.
func (p *Portfolio) freeCashLocked() decimal.Decimal {
	p.mu.Lock()
	available := p.totalBudget.Add(p.realizedPnLTotal).Sub(p.totalFees).Sub(p.positionsNotional)
	p.mu.Unlock()

	var reservedBuyNotional decimal.Decimal
	for _, res := range p.reservations {
		if res.Side == core.SideBuy {
			reservedBuyNotional = reservedBuyNotional.Add(res.Notional)
		}
	}

	return available.Sub(reservedBuyNotional)
}

func (p *Portfolio) reservedSellQty(symbol string) decimal.Decimal {
	p.reservationsMu.Lock()
	defer p.reservationsMu.Unlock()
	var qty decimal.Decimal
	for _, res := range p.reservations {
		if res.Symbol == symbol && res.Side == core.SideSell {
			qty = qty.Add(res.Qty)
		}
	}
	return qty
}

func (p *Portfolio) getOrCreatePosition(symbol string) *core.Position {
	p.positionsMu.Lock()
	defer p.positionsMu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &core.Position{Symbol: symbol, State: core.PositionNew}
		p.positions[symbol] = pos
	}
	return pos
}

func (p *Portfolio) alreadyProcessed(tradeID string) bool {
	p.tradesMu.Lock()
	defer p.tradesMu.Unlock()
	if _, seen := p.processedTrades[tradeID]; seen {
		return true
	}
	p.processedTrades[tradeID] = time.Now()
	return false
}

// EvictProcessedTrades drops dedup entries older than maxAge, bounding
// the processedTrades set's memory over a long-running process.
func (p *Portfolio) EvictProcessedTrades(maxAge time.Duration) int {
	p.tradesMu.Lock()
	defer p.tradesMu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, seenAt := range p.processedTrades {
		if seenAt.Before(cutoff) {
			delete(p.processedTrades, id)
			removed++
		}
	}
	return removed
}
