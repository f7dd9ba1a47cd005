package core

import "github.com/shopspring/decimal"

// Side is buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Intent is the immutable unit of work submitted to the router: a full
// description of an order to place, including a deterministic ID used
// for idempotency. Equality is by IntentID; the router treats duplicate
// IntentIDs as no-ops.
type Intent struct {
	IntentID    string
	Symbol      string
	Side        Side
	Qty         decimal.Decimal
	LimitPrice  decimal.Decimal // zero value means "no limit, use reference price"
	Reason      string
	RuleCode    string
	InputsHash  string
	DecisionID  string
	LegIdx      int
}

// COIDStatus is the lifecycle status of a client-order-id entry.
type COIDStatus string

const (
	COIDPending         COIDStatus = "PENDING"
	COIDPartiallyFilled COIDStatus = "PARTIALLY_FILLED"
	COIDFilled          COIDStatus = "FILLED"
	COIDCanceled        COIDStatus = "CANCELED"
	COIDRejected        COIDStatus = "REJECTED"
	COIDExpired         COIDStatus = "EXPIRED"
	COIDUnknown         COIDStatus = "UNKNOWN"
)

// IsTerminal reports whether status permits no further transitions.
func (s COIDStatus) IsTerminal() bool {
	switch s {
	case COIDFilled, COIDCanceled, COIDRejected, COIDExpired:
		return true
	default:
		return false
	}
}

// COIDEntry is the persistent record for one client_order_id.
type COIDEntry struct {
	ClientOrderID string         `json:"client_order_id"`
	DecisionID    string         `json:"decision_id"`
	LegIdx        int            `json:"leg_idx"`
	Side          Side           `json:"side"`
	Symbol        string         `json:"symbol"`
	Status        COIDStatus     `json:"status"`
	OrderID       string         `json:"order_id,omitempty"`
	CreatedTS     int64          `json:"created_ts"`
	UpdatedTS     int64          `json:"updated_ts"`
	AttemptCount  int            `json:"attempt_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PositionState is the lifecycle state of a Portfolio position.
type PositionState string

const (
	PositionNew         PositionState = "NEW"
	PositionOpen        PositionState = "OPEN"
	PositionPartialExit PositionState = "PARTIAL_EXIT"
	PositionClosed      PositionState = "CLOSED"
)

// Position is part of the Portfolio: one symbol's running position.
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	OpenedTS    int64           `json:"opened_ts"`
	State       PositionState   `json:"state"`
}

// Trade is one executed fill as reported by the exchange.
type Trade struct {
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Cost      decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	Timestamp int64
	Side      Side
	TradeID   string
}

// ApplyFillsSummary is returned by Portfolio.ApplyFills.
type ApplyFillsSummary struct {
	Symbol   string
	QtyDelta decimal.Decimal
	Notional decimal.Decimal
	Fees     decimal.Decimal
	State    PositionState
}
