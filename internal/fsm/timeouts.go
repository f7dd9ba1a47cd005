package fsm

import (
	"time"

	"tradingcore/internal/core"
)

// TimeoutManager centralizes the per-phase timeout checks that would
// otherwise be scattered through the engine's tick dispatch: buy/sell
// fill timeouts, cooldown expiry, and position TTL enforcement.
type TimeoutManager struct {
	BuyTimeout     time.Duration
	SellTimeout    time.Duration
	CooldownPeriod time.Duration
	PositionTTL    time.Duration
}

// NewTimeoutManager builds a TimeoutManager from the trading config
// durations already resolved by the caller (seconds/minutes are the
// caller's concern; this type only compares elapsed durations).
func NewTimeoutManager(buy, sell, cooldown, positionTTL time.Duration) *TimeoutManager {
	return &TimeoutManager{
		BuyTimeout:     buy,
		SellTimeout:    sell,
		CooldownPeriod: cooldown,
		PositionTTL:    positionTTL,
	}
}

// CheckBuyTimeout returns a BUY_ORDER_TIMEOUT event context if the WAIT_FILL
// order has been outstanding longer than BuyTimeout, or ok=false otherwise.
func (m *TimeoutManager) CheckBuyTimeout(st *core.CoinState, now time.Time) (core.EventContext, bool) {
	if st.Phase != core.PhaseWaitFill || st.OrderPlacedTS == 0 {
		return core.EventContext{}, false
	}
	elapsed := now.Sub(secondsToTime(st.OrderPlacedTS))
	if elapsed <= m.BuyTimeout {
		return core.EventContext{}, false
	}
	ctx := core.NewEventContext(core.EventBuyOrderTimeout, st.Symbol)
	ctx.OrderID = st.OrderID
	ctx.Data["elapsed_seconds"] = elapsed.Seconds()
	ctx.Data["timeout_threshold"] = m.BuyTimeout.Seconds()
	return ctx, true
}

// CheckSellTimeout mirrors CheckBuyTimeout for WAIT_SELL_FILL.
func (m *TimeoutManager) CheckSellTimeout(st *core.CoinState, now time.Time) (core.EventContext, bool) {
	if st.Phase != core.PhaseWaitSellFill || st.OrderPlacedTS == 0 {
		return core.EventContext{}, false
	}
	elapsed := now.Sub(secondsToTime(st.OrderPlacedTS))
	if elapsed <= m.SellTimeout {
		return core.EventContext{}, false
	}
	ctx := core.NewEventContext(core.EventSellOrderTimeout, st.Symbol)
	ctx.OrderID = st.OrderID
	ctx.Data["elapsed_seconds"] = elapsed.Seconds()
	ctx.Data["timeout_threshold"] = m.SellTimeout.Seconds()
	return ctx, true
}

// CheckCooldownExpired returns a COOLDOWN_EXPIRED event context once
// CooldownUntil has passed.
func (m *TimeoutManager) CheckCooldownExpired(st *core.CoinState, now time.Time) (core.EventContext, bool) {
	if st.Phase != core.PhaseCooldown || st.CooldownUntil == 0 {
		return core.EventContext{}, false
	}
	if st.InCooldown(now) {
		return core.EventContext{}, false
	}
	return core.NewEventContext(core.EventCooldownExpired, st.Symbol), true
}

// CheckPositionTTL force-exits a position that has been held past
// PositionTTL, regardless of the exit rule set — a backstop against
// positions held indefinitely on a stuck exit evaluator.
func (m *TimeoutManager) CheckPositionTTL(st *core.CoinState, now time.Time) (core.EventContext, bool) {
	if st.Phase != core.PhasePosition || st.EntryTS == 0 || m.PositionTTL <= 0 {
		return core.EventContext{}, false
	}
	age := now.Sub(secondsToTime(st.EntryTS))
	if age <= m.PositionTTL {
		return core.EventContext{}, false
	}
	ctx := core.NewEventContext(core.EventExitSignalTimeout, st.Symbol)
	ctx.Data["position_age_minutes"] = age.Minutes()
	ctx.Data["ttl_threshold_minutes"] = m.PositionTTL.Minutes()
	ctx.Data["exit_reason"] = "POSITION_TTL_EXCEEDED"
	return ctx, true
}

// CheckAll runs every timeout check applicable to st's current phase and
// returns at most one event, matching the source's "0-1 events typically"
// contract.
func (m *TimeoutManager) CheckAll(st *core.CoinState, now time.Time) (core.EventContext, bool) {
	switch st.Phase {
	case core.PhaseWaitFill:
		return m.CheckBuyTimeout(st, now)
	case core.PhaseWaitSellFill:
		return m.CheckSellTimeout(st, now)
	case core.PhaseCooldown:
		return m.CheckCooldownExpired(st, now)
	case core.PhasePosition:
		return m.CheckPositionTTL(st, now)
	default:
		return core.EventContext{}, false
	}
}

func secondsToTime(secs float64) time.Time {
	return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
}
