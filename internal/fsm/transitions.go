// Package fsm implements the per-symbol finite state machine: the
// transition table, its actions, timeout detection and crash-recovery
// snapshots.
package fsm

import (
	"fmt"

	"tradingcore/internal/core"
)

// ActionFunc executes the side effects of one transition. Actions must be
// fast, idempotent and never panic; an error does not block the phase
// change, which Machine.Dispatch applies after the action and then returns
// the error to its caller.
type ActionFunc func(ctx core.EventContext, st *core.CoinState) error

// transitionKey identifies one (From, Event) pair in the table.
type transitionKey struct {
	from  core.Phase
	event core.FSMEvent
}

// Transition is one row of the table: transitioning from a phase on an
// event moves to To and runs Action.
type Transition struct {
	To     core.Phase
	Action ActionFunc
	Name   string // action name, for logging/snapshots
}

// TransitionTable is the authoritative (Phase, Event) -> (Phase, Action)
// map. It is built once at package init and is read-only thereafter.
type TransitionTable struct {
	rows map[transitionKey]Transition
}

// Lookup returns the transition for (from, event), or ok=false if the pair
// is not in the table (an invalid transition, per spec: a no-op logged as
// fsm_invalid_transition, never a panic).
func (t *TransitionTable) Lookup(from core.Phase, event core.FSMEvent) (Transition, bool) {
	tr, ok := t.rows[transitionKey{from, event}]
	return tr, ok
}

func (t *TransitionTable) add(from core.Phase, event core.FSMEvent, to core.Phase, name string, action ActionFunc) {
	key := transitionKey{from, event}
	if _, exists := t.rows[key]; exists {
		panic(fmt.Sprintf("fsm: duplicate transition registered for (%s, %s)", from, event))
	}
	t.rows[key] = Transition{To: to, Action: action, Name: name}
}

// buildTransitionTable constructs the table exactly once, panicking on any
// duplicate (from, event) registration so a programming error is caught at
// process start rather than silently shadowing a row.
func buildTransitionTable() *TransitionTable {
	t := &TransitionTable{rows: make(map[transitionKey]Transition, 64)}

	t.add(core.PhaseWarmup, core.EventWarmupCompleted, core.PhaseIdle, "warmupComplete", actionWarmupComplete)
	t.add(core.PhaseWarmup, core.EventTickReceived, core.PhaseWarmup, "idleTick", actionIdleTick)

	t.add(core.PhaseIdle, core.EventSlotAvailable, core.PhaseEntryEval, "evaluateEntry", actionEvaluateEntry)
	t.add(core.PhaseIdle, core.EventSignalDetected, core.PhaseEntryEval, "evaluateEntry", actionEvaluateEntry)
	t.add(core.PhaseIdle, core.EventNoSignal, core.PhaseIdle, "idleTick", actionIdleTick)
	t.add(core.PhaseIdle, core.EventTickReceived, core.PhaseIdle, "idleTick", actionIdleTick)

	t.add(core.PhaseEntryEval, core.EventSignalDetected, core.PhasePlaceBuy, "prepareBuy", actionPrepareBuy)
	t.add(core.PhaseEntryEval, core.EventGuardsPassed, core.PhasePlaceBuy, "prepareBuy", actionPrepareBuy)
	t.add(core.PhaseEntryEval, core.EventGuardsBlocked, core.PhaseIdle, "logBlocked", actionLogBlocked)
	t.add(core.PhaseEntryEval, core.EventRiskLimitsBlocked, core.PhaseIdle, "logBlocked", actionLogBlocked)
	t.add(core.PhaseEntryEval, core.EventNoSignal, core.PhaseIdle, "logBlocked", actionLogBlocked)
	t.add(core.PhaseEntryEval, core.EventTickReceived, core.PhaseEntryEval, "idleTick", actionIdleTick)

	t.add(core.PhasePlaceBuy, core.EventBuyOrderPlaced, core.PhaseWaitFill, "waitForFill", actionWaitForFill)
	t.add(core.PhasePlaceBuy, core.EventBuyOrderRejected, core.PhaseIdle, "handleReject", actionHandleReject)
	t.add(core.PhasePlaceBuy, core.EventOrderPlacementFailed, core.PhaseIdle, "handleReject", actionHandleReject)
	t.add(core.PhasePlaceBuy, core.EventBuyAborted, core.PhaseIdle, "handleReject", actionHandleReject)
	t.add(core.PhasePlaceBuy, core.EventErrorOccurred, core.PhaseError, "logError", actionLogError)

	t.add(core.PhaseWaitFill, core.EventBuyOrderFilled, core.PhasePosition, "openPosition", actionOpenPosition)
	t.add(core.PhaseWaitFill, core.EventBuyOrderPartial, core.PhaseWaitFill, "handlePartialBuy", actionHandlePartialBuy)
	t.add(core.PhaseWaitFill, core.EventBuyOrderTimeout, core.PhaseIdle, "cancelAndCleanup", actionCancelAndCleanup)
	t.add(core.PhaseWaitFill, core.EventOrderCanceled, core.PhaseIdle, "cleanupCanceled", actionCleanupCanceled)
	t.add(core.PhaseWaitFill, core.EventBuyAborted, core.PhaseIdle, "cleanupCanceled", actionCleanupCanceled)
	t.add(core.PhaseWaitFill, core.EventErrorOccurred, core.PhaseIdle, "cleanupCanceled", actionCleanupCanceled)

	t.add(core.PhasePosition, core.EventTickReceived, core.PhaseExitEval, "checkExit", actionCheckExit)
	t.add(core.PhasePosition, core.EventPositionUpdated, core.PhasePosition, "updatePnL", actionUpdatePnL)
	t.add(core.PhasePosition, core.EventExitSignalTimeout, core.PhaseExitEval, "checkExit", actionCheckExit)

	t.add(core.PhaseExitEval, core.EventExitSignalTP, core.PhasePlaceSell, "prepareSell", actionPrepareSell)
	t.add(core.PhaseExitEval, core.EventExitSignalSL, core.PhasePlaceSell, "prepareSell", actionPrepareSell)
	t.add(core.PhaseExitEval, core.EventExitSignalTimeout, core.PhasePlaceSell, "prepareSell", actionPrepareSell)
	t.add(core.PhaseExitEval, core.EventExitSignalTrailing, core.PhasePlaceSell, "prepareSell", actionPrepareSell)
	t.add(core.PhaseExitEval, core.EventTickReceived, core.PhasePosition, "continueHolding", actionContinueHolding)

	t.add(core.PhasePlaceSell, core.EventSellOrderPlaced, core.PhaseWaitSellFill, "waitForSell", actionWaitForSell)
	t.add(core.PhasePlaceSell, core.EventSellOrderRejected, core.PhasePosition, "retrySell", actionRetrySell)
	t.add(core.PhasePlaceSell, core.EventErrorOccurred, core.PhaseError, "logError", actionLogError)

	t.add(core.PhaseWaitSellFill, core.EventSellOrderFilled, core.PhasePostTrade, "closePosition", actionClosePosition)
	t.add(core.PhaseWaitSellFill, core.EventSellOrderPartial, core.PhaseWaitSellFill, "handlePartialSell", actionHandlePartialSell)
	t.add(core.PhaseWaitSellFill, core.EventSellOrderTimeout, core.PhasePosition, "retrySell", actionRetrySell)
	t.add(core.PhaseWaitSellFill, core.EventErrorOccurred, core.PhasePosition, "retrySell", actionRetrySell)

	t.add(core.PhasePostTrade, core.EventTickReceived, core.PhaseCooldown, "startCooldown", actionStartCooldown)

	t.add(core.PhaseCooldown, core.EventCooldownExpired, core.PhaseIdle, "resetToIdle", actionResetToIdle)
	t.add(core.PhaseCooldown, core.EventTickReceived, core.PhaseCooldown, "checkCooldown", actionCheckCooldown)

	t.add(core.PhaseError, core.EventManualHalt, core.PhaseError, "safeHalt", actionSafeHalt)

	return t
}

// Table is the package-wide transition table, built once at init time.
// A duplicate registration panics at startup, matching the donor's
// fail-fast posture on programming errors in wiring code.
var Table = buildTransitionTable()
