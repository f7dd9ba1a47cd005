// Package mock implements an in-memory core.ExchangeWrapper for tests and
// local runs: deterministic fills, no network calls, scriptable behavior
// via SetFillMode (every later order) and SetNextFillMode (the next order).
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	apperrors "tradingcore/pkg/errors"
)

// FillMode controls how a subsequently placed order resolves.
type FillMode int

const (
	// FillFull fills the order's entire quantity immediately.
	FillFull FillMode = iota
	// FillPartial fills half the order's quantity and leaves it open.
	FillPartial
	// FillNone leaves the order open, unfilled.
	FillNone
	// FillReject returns an error from the placement call itself.
	FillReject
)

type orderState struct {
	order  core.ExchangeOrder
	trades []core.Trade
}

// Adapter is a deterministic, in-process stand-in for a live exchange.
type Adapter struct {
	mu sync.Mutex

	nextOrderID int64
	orders      map[string]*orderState
	byClientID  map[string]string

	defaultFillMode FillMode
	nextFillMode    *FillMode

	filters map[string]core.SymbolFilters
	prices  map[string]decimal.Decimal
}

// New constructs a mock exchange defaulting every order to an immediate
// full fill, matching Binance's behavior for IOC market orders.
func New() *Adapter {
	return &Adapter{
		nextOrderID:     1,
		orders:          make(map[string]*orderState),
		byClientID:      make(map[string]string),
		defaultFillMode: FillFull,
		filters:         make(map[string]core.SymbolFilters),
		prices:          make(map[string]decimal.Decimal),
	}
}

// SetFillMode changes the default resolution applied to every future
// order placement.
func (a *Adapter) SetFillMode(mode FillMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaultFillMode = mode
}

// SetNextFillMode overrides the resolution for exactly the next order
// placed, then reverts to the default.
func (a *Adapter) SetNextFillMode(mode FillMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextFillMode = &mode
}

// SetSymbolFilters seeds the filters SymbolFilters returns for symbol.
func (a *Adapter) SetSymbolFilters(symbol string, filters core.SymbolFilters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filters[symbol] = filters
}

// SetPrice seeds the fill price used when a market order (no LimitPrice)
// resolves.
func (a *Adapter) SetPrice(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[symbol] = price
}

// Price returns the last price seeded for symbol via SetPrice, so a
// market-data collaborator can drive ticks from the same mock state the
// exchange fills orders against.
func (a *Adapter) Price(symbol string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priceFor(symbol, decimal.Zero)
}

func (a *Adapter) CreateMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	price := a.priceFor(symbol, decimal.Zero)
	return a.place(symbol, side, qty, price, params)
}

func (a *Adapter) CreateLimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	return a.place(symbol, side, qty, price, params)
}

func (a *Adapter) place(symbol string, side core.Side, qty, price decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if params.ClientOrderID != "" {
		if existingID, ok := a.byClientID[params.ClientOrderID]; ok {
			existing := a.orders[existingID]
			order := existing.order
			return &order, nil
		}
	}

	mode := a.defaultFillMode
	if a.nextFillMode != nil {
		mode = *a.nextFillMode
		a.nextFillMode = nil
	}

	if mode == FillReject {
		return nil, fmt.Errorf("%w: mock rejected order", apperrors.ErrOrderRejected)
	}

	orderID := fmt.Sprintf("%d", a.nextOrderID)
	a.nextOrderID++

	var filled decimal.Decimal
	status := core.OrderOpen
	switch mode {
	case FillFull:
		filled = qty
		status = core.OrderClosed
	case FillPartial:
		filled = qty.Div(decimal.NewFromInt(2))
	case FillNone:
		filled = decimal.Zero
	}

	order := core.ExchangeOrder{
		OrderID:       orderID,
		ClientOrderID: params.ClientOrderID,
		Symbol:        symbol,
		Status:        status,
		Filled:        filled,
		Remaining:     qty.Sub(filled),
		Average:       price,
	}

	var trades []core.Trade
	if filled.GreaterThan(decimal.Zero) {
		trades = []core.Trade{{
			Price:     price,
			Amount:    filled,
			Cost:      filled.Mul(price),
			Fee:       decimal.Zero,
			FeeAsset:  "USDT",
			Timestamp: time.Now().UnixMilli(),
			Side:      side,
			TradeID:   orderID + "-1",
		}}
	}

	a.orders[orderID] = &orderState{order: order, trades: trades}
	if params.ClientOrderID != "" {
		a.byClientID[params.ClientOrderID] = orderID
	}

	result := order
	return &result, nil
}

func (a *Adapter) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*core.FillWaitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return &core.FillWaitResult{
		Status:    st.order.Status,
		Filled:    st.order.Filled,
		Remaining: st.order.Remaining,
		Average:   st.order.Average,
	}, nil
}

func (a *Adapter) FetchOrder(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order := st.order
	return &order, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []core.ExchangeOrder
	for _, st := range a.orders {
		if st.order.Symbol == symbol && st.order.Status == core.OrderOpen {
			out = append(out, st.order)
		}
	}
	return out, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	st.order.Status = core.OrderCanceled
	return nil
}

func (a *Adapter) FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]core.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return st.trades, nil
}

func (a *Adapter) SymbolFilters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.filters[symbol]; ok {
		return f, nil
	}
	return core.SymbolFilters{
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.00001),
		MinNotional: decimal.NewFromInt(10),
		MinQty:      decimal.NewFromFloat(0.0001),
	}, nil
}

func (a *Adapter) priceFor(symbol string, fallback decimal.Decimal) decimal.Decimal {
	if p, ok := a.prices[symbol]; ok {
		return p
	}
	return fallback
}
