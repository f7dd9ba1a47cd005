package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logger contract used throughout the module.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce is one of IOC, FOK, GTC.
type TimeInForce string

const (
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the exchange-reported lifecycle status of an order.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
	OrderRejected OrderStatus = "rejected"
)

// OrderParams carries the optional parameters an order placement accepts.
type OrderParams struct {
	ClientOrderID string
	TimeInForce   TimeInForce
}

// ExchangeOrder is the exchange's view of a placed/fetched order.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	Average       decimal.Decimal
}

// FillWaitResult is returned by ExchangeWrapper.WaitForFill.
type FillWaitResult struct {
	Status    OrderStatus
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Average   decimal.Decimal
}

// SymbolFilters are exchange-supplied per-symbol trading constraints,
// loaded lazily and cached process-wide per spec.md §3.
type SymbolFilters struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	MinQty      decimal.Decimal
}

// ExchangeWrapper (C1) wraps a concrete exchange client with a minimal,
// idempotency-preserving contract. It is the only module that calls the
// exchange for order operations.
type ExchangeWrapper interface {
	CreateMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal, params OrderParams) (*ExchangeOrder, error)
	CreateLimitOrder(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal, params OrderParams) (*ExchangeOrder, error)
	WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*FillWaitResult, error)
	FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]Trade, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (*ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
}

// MarketSnapshot is the market-data collaborator's per-tick output
// (spec.md §6, out of core scope — consumed only).
type MarketSnapshot struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Volume decimal.Decimal
	TS     time.Time
}

// MarketDataProvider is the market-data collaborator consumed by the Engine.
type MarketDataProvider interface {
	Snapshot(ctx context.Context, symbol string) (*MarketSnapshot, error)
}

// SignalEvaluator is the buy-signal collaborator consumed by ENTRY_EVAL.
// It is stateful: Update feeds it each tick's price.
type SignalEvaluator interface {
	Update(symbol string, last decimal.Decimal)
	Evaluate(symbol string, last decimal.Decimal) (triggered bool, context map[string]any)
}

// GuardEvaluator is the pure market/risk guard predicate collaborator.
type GuardEvaluator interface {
	Passes(symbol string, last decimal.Decimal) (ok bool, failed []string)
}
