package core

import "time"

// FSMEvent is the sum type of transition-table trigger events. Naming
// convention (inherited from the source this table is ground-truthed on):
// WHAT_HAPPENED, past tense.
type FSMEvent string

const (
	// Market data events
	EventTickReceived    FSMEvent = "TICK_RECEIVED"
	EventWarmupCompleted FSMEvent = "WARMUP_COMPLETED"
	EventSlotAvailable   FSMEvent = "SLOT_AVAILABLE"
	EventNoSignal        FSMEvent = "NO_SIGNAL"

	// Entry evaluation events
	EventSignalDetected    FSMEvent = "SIGNAL_DETECTED"
	EventGuardsPassed      FSMEvent = "GUARDS_PASSED"
	EventGuardsBlocked     FSMEvent = "GUARDS_BLOCKED"
	EventRiskLimitsBlocked FSMEvent = "RISK_LIMITS_BLOCKED"

	// Buy order lifecycle
	EventBuyOrderPlaced       FSMEvent = "BUY_ORDER_PLACED"
	EventBuyOrderAck          FSMEvent = "BUY_ORDER_ACK"
	EventBuyOrderFilled       FSMEvent = "BUY_ORDER_FILLED"
	EventBuyOrderPartial      FSMEvent = "BUY_ORDER_PARTIAL"
	EventBuyOrderTimeout      FSMEvent = "BUY_ORDER_TIMEOUT"
	EventBuyOrderRejected     FSMEvent = "BUY_ORDER_REJECTED"
	EventBuyAborted           FSMEvent = "BUY_ABORTED"
	EventOrderPlacementFailed FSMEvent = "ORDER_PLACEMENT_FAILED"
	EventOrderCanceled        FSMEvent = "ORDER_CANCELED"

	// Position lifecycle
	EventPositionOpened FSMEvent = "POSITION_OPENED"
	EventPositionUpdated FSMEvent = "POSITION_UPDATED"

	// Exit evaluation
	EventExitSignalTP       FSMEvent = "EXIT_SIGNAL_TP"
	EventExitSignalSL       FSMEvent = "EXIT_SIGNAL_SL"
	EventExitSignalTimeout  FSMEvent = "EXIT_SIGNAL_TIMEOUT"
	EventExitSignalTrailing FSMEvent = "EXIT_SIGNAL_TRAILING"
	EventNoExitSignal       FSMEvent = "NO_EXIT_SIGNAL"

	// Sell order lifecycle
	EventSellOrderPlaced   FSMEvent = "SELL_ORDER_PLACED"
	EventSellOrderAck      FSMEvent = "SELL_ORDER_ACK"
	EventSellOrderFilled   FSMEvent = "SELL_ORDER_FILLED"
	EventSellOrderPartial  FSMEvent = "SELL_ORDER_PARTIAL"
	EventSellOrderTimeout  FSMEvent = "SELL_ORDER_TIMEOUT"
	EventSellOrderRejected FSMEvent = "SELL_ORDER_REJECTED"

	// System events
	EventCooldownExpired  FSMEvent = "COOLDOWN_EXPIRED"
	EventErrorOccurred    FSMEvent = "ERROR_OCCURRED"
	EventManualHalt       FSMEvent = "MANUAL_HALT"
	EventPartialFillRetry FSMEvent = "PARTIAL_FILL_RETRY"
	EventTradeComplete    FSMEvent = "TRADE_COMPLETE"
)

// EventContext carries all data needed by a transition's action. It is
// immutable by convention: actions read it but never mutate it.
type EventContext struct {
	Event       FSMEvent
	Symbol      string
	Timestamp   time.Time
	OrderID     string
	DecisionID  string
	FilledQty   *float64
	AvgPrice    *float64
	Err         error
	Data        map[string]any
}

// NewEventContext builds an EventContext with Timestamp defaulted to now
// and Data initialised to an empty map when nil.
func NewEventContext(event FSMEvent, symbol string) EventContext {
	return EventContext{
		Event:     event,
		Symbol:    symbol,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// Price is a convenience accessor mirroring the donor's EventContext.price
// property: reads "price" out of Data, defaulting to 0.
func (c EventContext) Price() float64 {
	if v, ok := c.Data["price"].(float64); ok {
		return v
	}
	return 0
}
