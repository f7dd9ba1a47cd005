package fsm

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	"tradingcore/pkg/logging"
)

// Actions must be fast, idempotent, and must never let a logging failure
// propagate — decision-log writes are best-effort via recordDecision.

func actionWarmupComplete(ctx core.EventContext, st *core.CoinState) error {
	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "WARMUP", "to_phase": "IDLE", "event": string(ctx.Event),
		"reason": "warmup_period_complete",
	})
	return nil
}

// actionIdleTick is the no-op action for tick-only self-loops; evaluation
// work happens in the engine's per-phase dispatch, not here.
func actionIdleTick(ctx core.EventContext, st *core.CoinState) error {
	return nil
}

func actionEvaluateEntry(ctx core.EventContext, st *core.CoinState) error {
	st.Note = "evaluating entry"
	if v, ok := ctx.Data["signal_type"].(string); ok {
		st.Signal = v
	}
	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "IDLE", "to_phase": "ENTRY_EVAL", "event": string(ctx.Event),
		"signal_type": st.Signal,
	})
	return nil
}

func actionPrepareBuy(ctx core.EventContext, st *core.CoinState) error {
	st.Note = "preparing buy order"
	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "ENTRY_EVAL", "to_phase": "PLACE_BUY", "event": string(ctx.Event),
		"order_price": ctx.Data["order_price"], "order_qty": ctx.Data["order_qty"],
	})
	return nil
}

// actionLogBlocked handles the ENTRY_EVAL -> IDLE transition on
// GUARDS_BLOCKED/RISK_LIMITS_BLOCKED/NO_SIGNAL. It sets a 30s cooldown to
// stop a tight IDLE<->ENTRY_EVAL re-evaluation loop.
func actionLogBlocked(ctx core.EventContext, st *core.CoinState) error {
	reason, _ := ctx.Data["block_reason"].(string)
	if reason == "" {
		reason = "unknown"
	}
	st.Note = fmt.Sprintf("blocked: %s", reason)

	now := time.Now()
	st.CooldownUntil = float64(now.Unix()) + float64(now.Nanosecond())/1e9 + 30.0

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "ENTRY_EVAL", "to_phase": "IDLE", "event": string(ctx.Event),
		"block_reason": reason,
	})
	return nil
}

func actionWaitForFill(ctx core.EventContext, st *core.CoinState) error {
	st.OrderID = ctx.OrderID
	st.OrderPlacedTS = float64(ctx.Timestamp.UnixNano()) / 1e9
	st.Note = fmt.Sprintf("waiting for fill: %s", ctx.OrderID)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "PLACE_BUY", "to_phase": "WAIT_FILL", "event": string(ctx.Event),
		"order_id": ctx.OrderID,
	})
	return nil
}

// actionOpenPosition is guarded against double application: re-delivering
// BUY_ORDER_FILLED against an already-open position is a no-op, mirroring
// the source's idempotency guard for crash-recovery replays.
func actionOpenPosition(ctx core.EventContext, st *core.CoinState) error {
	if st.Amount.GreaterThan(decimal.Zero) && st.EntryTS > 0 {
		logging.Debug("open_position already applied, skipping", "symbol", ctx.Symbol)
		return nil
	}

	filledQty := decimal.Zero
	if ctx.FilledQty != nil {
		filledQty = decimal.NewFromFloat(*ctx.FilledQty)
	}
	avgPrice := decimal.Zero
	if ctx.AvgPrice != nil {
		avgPrice = decimal.NewFromFloat(*ctx.AvgPrice)
	}

	st.Amount = filledQty
	st.EntryPrice = avgPrice
	st.EntryTS = float64(ctx.Timestamp.Unix())
	st.Note = fmt.Sprintf("position opened: %s @ %s", filledQty.StringFixed(6), avgPrice.StringFixed(4))

	if avgPrice.GreaterThan(decimal.Zero) {
		tpPct := dataFloat(ctx.Data, "tp_pct", 3.0)
		slPct := dataFloat(ctx.Data, "sl_pct", 5.0)
		priceTick := dataFloat(ctx.Data, "price_tick", 0.00000001)
		decimals := int32(math.Round(math.Abs(math.Log10(priceTick))))

		st.TPPrice = avgPrice.Mul(decimal.NewFromFloat(1 + tpPct/100)).Round(decimals)
		st.SLPrice = avgPrice.Mul(decimal.NewFromFloat(1 - slPct/100)).Round(decimals)
		st.PeakPrice = avgPrice
		st.TrailingTrigger = decimal.Zero
	}

	recordDecision("position_opened", ctx.Symbol, map[string]any{
		"qty": filledQty.String(), "avg_entry": avgPrice.String(),
		"notional": filledQty.Mul(avgPrice).String(), "opened_at": st.EntryTS,
	})
	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "WAIT_FILL", "to_phase": "POSITION", "event": string(ctx.Event),
	})
	return nil
}

func actionHandlePartialBuy(ctx core.EventContext, st *core.CoinState) error {
	filled := 0.0
	if ctx.FilledQty != nil {
		filled = *ctx.FilledQty
	}
	st.Note = fmt.Sprintf("partial fill: %.6f", filled)
	recordDecision("order_partial_fill", ctx.Symbol, map[string]any{
		"filled_qty": filled, "order_id": ctx.OrderID,
	})
	return nil
}

func actionCancelAndCleanup(ctx core.EventContext, st *core.CoinState) error {
	st.Note = "order timeout - cleaned up"
	st.OrderID = ""
	st.OrderPlacedTS = 0

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "WAIT_FILL", "to_phase": "IDLE", "event": string(ctx.Event),
		"reason": "order_timeout",
	})
	return nil
}

func actionCleanupCanceled(ctx core.EventContext, st *core.CoinState) error {
	st.Note = "order canceled"
	st.OrderID = ""
	st.OrderPlacedTS = 0

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "WAIT_FILL", "to_phase": "IDLE", "event": string(ctx.Event),
		"reason": "order_canceled",
	})
	return nil
}

func actionHandleReject(ctx core.EventContext, st *core.CoinState) error {
	reason, _ := ctx.Data["reject_reason"].(string)
	if reason == "" {
		reason = "unknown"
	}
	st.Note = fmt.Sprintf("order rejected: %s", reason)
	st.RetryCount++

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "PLACE_BUY", "to_phase": "IDLE", "event": string(ctx.Event),
		"reject_reason": reason,
	})
	return nil
}

// actionCheckExit is a no-op: the tick merely triggers exit evaluation,
// which the engine runs as its own EXIT_EVAL phase handler.
func actionCheckExit(ctx core.EventContext, st *core.CoinState) error {
	return nil
}

func actionUpdatePnL(ctx core.EventContext, st *core.CoinState) error {
	v, ok := ctx.Data["current_price"].(float64)
	if !ok {
		return nil
	}
	st.CurrentPrice = decimal.NewFromFloat(v)

	if st.CurrentPrice.GreaterThan(st.PeakPrice) {
		st.PeakPrice = st.CurrentPrice
	}

	trailingEnable, _ := ctx.Data["trailing_enable"].(bool)
	trailingPct := dataFloat(ctx.Data, "trailing_pct", 0)
	if trailingEnable && trailingPct > 0 && st.PeakPrice.GreaterThan(decimal.Zero) {
		st.TrailingTrigger = st.PeakPrice.Mul(decimal.NewFromFloat(1 - trailingPct))
	}
	return nil
}

func actionPrepareSell(ctx core.EventContext, st *core.CoinState) error {
	reason, _ := ctx.Data["exit_signal"].(string)
	if reason == "" {
		reason = "unknown"
	}
	st.ExitReason = reason
	st.Note = fmt.Sprintf("preparing sell: %s", reason)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "EXIT_EVAL", "to_phase": "PLACE_SELL", "event": string(ctx.Event),
		"exit_signal": reason,
	})
	return nil
}

// actionContinueHolding is a no-op: no exit signal fired, so the position
// is held another tick.
func actionContinueHolding(ctx core.EventContext, st *core.CoinState) error {
	return nil
}

func actionWaitForSell(ctx core.EventContext, st *core.CoinState) error {
	st.OrderID = ctx.OrderID
	st.OrderPlacedTS = float64(ctx.Timestamp.UnixNano()) / 1e9
	st.Note = fmt.Sprintf("waiting for sell fill: %s", ctx.OrderID)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "PLACE_SELL", "to_phase": "WAIT_SELL_FILL", "event": string(ctx.Event),
		"order_id": ctx.OrderID,
	})
	return nil
}

// actionClosePosition is guarded against double application: the
// equivalent of action_open_position's idempotency guard, mirrored for
// the closing leg.
func actionClosePosition(ctx core.EventContext, st *core.CoinState) error {
	if st.Amount.IsZero() && st.EntryPrice.IsZero() && st.EntryTS == 0 {
		logging.Debug("close_position already applied, skipping", "symbol", ctx.Symbol)
		return nil
	}

	filledQty := decimal.Zero
	if ctx.FilledQty != nil {
		filledQty = decimal.NewFromFloat(*ctx.FilledQty)
	}
	avgPrice := decimal.Zero
	if ctx.AvgPrice != nil {
		avgPrice = decimal.NewFromFloat(*ctx.AvgPrice)
	}
	realizedPnL := avgPrice.Sub(st.EntryPrice).Mul(filledQty)

	st.Note = fmt.Sprintf("position closed: PnL=%s", realizedPnL.StringFixed(4))

	recordDecision("position_closed", ctx.Symbol, map[string]any{
		"qty_closed": filledQty.String(), "exit_price": avgPrice.String(),
		"realized_pnl_usdt": realizedPnL.String(), "reason": st.ExitReason,
	})
	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "WAIT_SELL_FILL", "to_phase": "POST_TRADE", "event": string(ctx.Event),
	})

	st.Amount = decimal.Zero
	st.EntryPrice = decimal.Zero
	st.EntryTS = 0
	return nil
}

func actionHandlePartialSell(ctx core.EventContext, st *core.CoinState) error {
	filled := 0.0
	if ctx.FilledQty != nil {
		filled = *ctx.FilledQty
	}
	st.Note = fmt.Sprintf("partial sell: %.6f", filled)
	recordDecision("order_partial_fill", ctx.Symbol, map[string]any{
		"filled_qty": filled, "order_id": ctx.OrderID,
	})
	return nil
}

func actionRetrySell(ctx core.EventContext, st *core.CoinState) error {
	st.RetryCount++
	st.Note = fmt.Sprintf("sell failed - retry %d", st.RetryCount)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"to_phase": "POSITION", "event": string(ctx.Event),
		"reason": "sell_failed_retry", "retry_count": st.RetryCount,
	})
	return nil
}

func actionStartCooldown(ctx core.EventContext, st *core.CoinState) error {
	cooldownSecs := dataFloat(ctx.Data, "cooldown_secs", 60)
	st.CooldownUntil = float64(ctx.Timestamp.Unix()) + cooldownSecs
	st.Note = fmt.Sprintf("cooldown for %.0fs", cooldownSecs)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "POST_TRADE", "to_phase": "COOLDOWN", "event": string(ctx.Event),
		"cooldown_secs": cooldownSecs,
	})
	return nil
}

// actionCheckCooldown is a no-op: still cooling down.
func actionCheckCooldown(ctx core.EventContext, st *core.CoinState) error {
	return nil
}

func actionResetToIdle(ctx core.EventContext, st *core.CoinState) error {
	core.ResetState(st, true)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"from_phase": "COOLDOWN", "to_phase": "IDLE", "event": string(ctx.Event),
		"reason": "cooldown_expired",
	})
	return nil
}

func actionLogError(ctx core.EventContext, st *core.CoinState) error {
	st.ErrorCount++
	if ctx.Err != nil {
		st.LastError = ctx.Err.Error()
	} else {
		st.LastError = "unknown error"
	}
	note := st.LastError
	if len(note) > 50 {
		note = note[:50]
	}
	st.Note = fmt.Sprintf("ERROR: %s", note)

	recordDecision("fsm_transition", ctx.Symbol, map[string]any{
		"to_phase": "ERROR", "event": string(ctx.Event), "error": st.LastError,
	})
	return nil
}

func actionSafeHalt(ctx core.EventContext, st *core.CoinState) error {
	st.Note = "HALTED - manual intervention required"
	recordDecision("fsm_halted", ctx.Symbol, map[string]any{"reason": "manual_halt"})
	return nil
}

func dataFloat(data map[string]any, key string, def float64) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return def
}
