// Package router implements the deterministic order-execution FSM: the
// single path every trading intent flows through from reservation to
// a terminal SUCCESS/PARTIAL_SUCCESS/FAILED_FINAL outcome.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"tradingcore/internal/core"
	"tradingcore/internal/eventbus"
	apperrors "tradingcore/pkg/errors"
	"tradingcore/pkg/logging"
	"tradingcore/pkg/telemetry"
)

const orderFilledTopic = "order.filled"
const waitForFillTimeout = 2500 * time.Millisecond

// exchangeRateLimit throttles order placement independent of retry
// backoff, protecting against a burst of simultaneous intents across
// symbols tripping the exchange's own rate limiter.
const exchangeRateLimit = 10
const exchangeRateBurst = 15

// PortfolioReserver is the subset of Portfolio the router needs: budget
// reservation/release and the reference price for slippage capping.
type PortfolioReserver interface {
	Reserve(intentID, symbol string, side core.Side, qty, price decimal.Decimal) (bool, error)
	Release(intentID string) error
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Config mirrors config.RouterConfig, translated to native Go types.
type Config struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	TIF             core.TimeInForce
	SlippageBps     int
	MinNotionalUSDT decimal.Decimal
}

// OrderFilledEvent is published on orderFilledTopic whenever any quantity
// of an intent fills, partially or fully.
type OrderFilledEvent struct {
	IntentID  string
	Symbol    string
	OrderID   string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Router is the OrderRouter (C4).
type Router struct {
	exchange  core.ExchangeWrapper
	portfolio PortfolioReserver
	bus       *eventbus.Bus
	cfg       Config

	seenMu sync.Mutex
	seen   map[string]time.Time

	rateLimiter *rate.Limiter

	tracer         trace.Tracer
	ordersCounter  metric.Int64Counter
	retriesCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// New constructs a Router. bus may be nil only in tests that don't care
// about order.filled propagation.
func New(exchange core.ExchangeWrapper, portfolio PortfolioReserver, bus *eventbus.Bus, cfg Config) *Router {
	if cfg.TIF == "" {
		cfg.TIF = core.TIFIOC
	}

	meter := telemetry.GetMeter("order-router")
	ordersCounter, _ := meter.Int64Counter("router_orders_placed_total",
		metric.WithDescription("Total number of orders placed by the router"))
	retriesCounter, _ := meter.Int64Counter("router_retries_total",
		metric.WithDescription("Total number of intent retry attempts"))
	failureCounter, _ := meter.Int64Counter("router_failures_total",
		metric.WithDescription("Total number of intents that ended FAILED_FINAL"))

	return &Router{
		exchange:       exchange,
		portfolio:      portfolio,
		bus:            bus,
		cfg:            cfg,
		seen:           make(map[string]time.Time),
		rateLimiter:    rate.NewLimiter(rate.Limit(exchangeRateLimit), exchangeRateBurst),
		tracer:         telemetry.GetTracer("order-router"),
		ordersCounter:  ordersCounter,
		retriesCounter: retriesCounter,
		failureCounter: failureCounter,
	}
}

// HandleIntent is the single entry point for all order execution. It
// never returns an error: terminal outcomes are logged and audited, not
// propagated, since the caller (SymbolFSM action, or a direct API
// submission) has no synchronous use for a return value.
func (r *Router) HandleIntent(ctx context.Context, intent core.Intent) {
	ctx, span := r.tracer.Start(ctx, "HandleIntent",
		trace.WithAttributes(
			attribute.String("symbol", intent.Symbol),
			attribute.String("side", string(intent.Side)),
			attribute.String("intent_id", intent.IntentID),
		))
	defer span.End()

	if r.markSeen(intent.IntentID) {
		logging.Debug("intent already processed, skipping", "intent_id", intent.IntentID)
		return
	}

	referencePrice, ok := r.portfolio.LastPrice(intent.Symbol)
	if !ok || referencePrice.LessThanOrEqual(decimal.Zero) {
		referencePrice = intent.LimitPrice
	}
	if referencePrice.LessThanOrEqual(decimal.Zero) {
		logging.Error("router: cannot determine reference price", "symbol", intent.Symbol, "intent_id", intent.IntentID)
		return
	}

	reserved, err := r.portfolio.Reserve(intent.IntentID, intent.Symbol, intent.Side, intent.Qty, referencePrice)
	if err != nil {
		logging.Error("router: reserve error", "intent_id", intent.IntentID, "error", err)
		return
	}
	if !reserved {
		logging.Warn("router: reserve failed", "intent_id", intent.IntentID, "symbol", intent.Symbol)
		return
	}

	effectiveLimit := r.applySlippageCap(intent, referencePrice)
	coid := fmt.Sprintf("TBP-%s", intent.IntentID)

	var filled decimal.Decimal
	var lastOrderID string
	var avgPrice decimal.Decimal
	terminal := false
	unknownErrs := 0

	for attempt := 1; attempt <= r.cfg.MaxRetries+1; attempt++ {
		remaining := intent.Qty.Sub(filled)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		order, err := r.placeOrder(ctx, intent, remaining, effectiveLimit, coid)
		if err != nil {
			r.retriesCounter.Add(ctx, 1)
			logging.Warn("router: place order failed", "intent_id", intent.IntentID, "attempt", attempt, "error", err)
			class := apperrors.Classify(err)
			if class == apperrors.ClassUnknown {
				unknownErrs++
			}
			if class == apperrors.ClassFatal || unknownErrs > 1 {
				terminal = true
				break
			}
			r.backoffSleep(ctx, attempt)
			continue
		}
		lastOrderID = order.OrderID
		r.ordersCounter.Add(ctx, 1)

		result, err := r.exchange.WaitForFill(ctx, intent.Symbol, order.OrderID, waitForFillTimeout)
		if err != nil {
			r.retriesCounter.Add(ctx, 1)
			logging.Warn("router: wait for fill failed", "intent_id", intent.IntentID, "order_id", order.OrderID, "error", err)
			class := apperrors.Classify(err)
			if class == apperrors.ClassUnknown {
				unknownErrs++
			}
			if class == apperrors.ClassFatal || unknownErrs > 1 {
				terminal = true
				break
			}
			r.backoffSleep(ctx, attempt)
			continue
		}

		filled = filled.Add(result.Filled)
		if result.Average.GreaterThan(decimal.Zero) {
			avgPrice = result.Average
		}

		switch result.Status {
		case core.OrderClosed:
			logging.Info("router: order filled", "intent_id", intent.IntentID, "order_id", lastOrderID, "filled_qty", filled.String())
			r.publishFilled(intent, lastOrderID, filled, avgPrice)
			return
		case core.OrderCanceled, core.OrderExpired:
			logging.Warn("router: order terminated without full fill", "intent_id", intent.IntentID, "order_id", lastOrderID, "status", result.Status)
			terminal = true
		default:
			logging.Info("router: partial fill, retrying", "intent_id", intent.IntentID, "filled_qty", filled.String(), "remaining", intent.Qty.Sub(filled).String())
		}

		if terminal {
			break
		}
		r.backoffSleep(ctx, attempt)
	}

	if filled.GreaterThan(decimal.Zero) {
		r.publishFilled(intent, lastOrderID, filled, avgPrice)
	}

	unfilled := intent.Qty.Sub(filled)
	if unfilled.GreaterThan(decimal.Zero) {
		if err := r.portfolio.Release(intent.IntentID); err != nil {
			logging.Error("router: release budget failed", "intent_id", intent.IntentID, "error", err)
		}
	}

	finalState := "FAILED_FINAL"
	if filled.GreaterThan(decimal.Zero) {
		finalState = "PARTIAL_SUCCESS"
	} else {
		r.failureCounter.Add(ctx, 1)
	}
	logging.Warn("router: intent completed", "intent_id", intent.IntentID, "state", finalState, "filled_qty", filled.String(), "unfilled_qty", unfilled.String())
}

func (r *Router) placeOrder(ctx context.Context, intent core.Intent, qty, limitPrice decimal.Decimal, coid string) (*core.ExchangeOrder, error) {
	if err := r.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := core.OrderParams{ClientOrderID: coid, TimeInForce: r.cfg.TIF}
	if limitPrice.IsZero() {
		return r.exchange.CreateMarketOrder(ctx, intent.Symbol, intent.Side, qty, params)
	}
	return r.exchange.CreateLimitOrder(ctx, intent.Symbol, intent.Side, qty, limitPrice, params)
}

// applySlippageCap bounds intent.LimitPrice to a maximum adverse move
// from referencePrice. A zero LimitPrice (market order) passes through
// unchanged — there is nothing to cap.
func (r *Router) applySlippageCap(intent core.Intent, referencePrice decimal.Decimal) decimal.Decimal {
	if intent.LimitPrice.IsZero() {
		return decimal.Zero
	}

	factor := decimal.NewFromInt(int64(r.cfg.SlippageBps)).Div(decimal.NewFromInt(10000))
	switch intent.Side {
	case core.SideBuy:
		maxPrice := referencePrice.Mul(decimal.NewFromInt(1).Add(factor))
		return decimal.Min(intent.LimitPrice, maxPrice)
	case core.SideSell:
		minPrice := referencePrice.Mul(decimal.NewFromInt(1).Sub(factor))
		return decimal.Max(intent.LimitPrice, minPrice)
	default:
		return intent.LimitPrice
	}
}

func (r *Router) backoffSleep(ctx context.Context, attempt int) {
	// attempt runs 1..MaxRetries+1 (the initial try plus MaxRetries
	// retries); only the last of those has no further attempt to back off
	// before, so skip the sleep there and there alone.
	if attempt > r.cfg.MaxRetries {
		return
	}
	backoff := r.cfg.RetryBackoff << (attempt - 1)
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

func (r *Router) publishFilled(intent core.Intent, orderID string, filled, avgPrice decimal.Decimal) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(orderFilledTopic, OrderFilledEvent{
		IntentID:  intent.IntentID,
		Symbol:    intent.Symbol,
		OrderID:   orderID,
		FilledQty: filled,
		AvgPrice:  avgPrice,
	})
}

// markSeen records intentID as processed and reports whether it had
// already been seen (the idempotency check the spec requires).
func (r *Router) markSeen(intentID string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[intentID]; ok {
		return true
	}
	r.seen[intentID] = time.Now()
	return false
}

// EvictSeen drops idempotency entries older than maxAge (the spec's 1h
// eviction window), bounding the seen-set's memory over a long run.
func (r *Router) EvictSeen(maxAge time.Duration) int {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, seenAt := range r.seen {
		if seenAt.Before(cutoff) {
			delete(r.seen, id)
			removed++
		}
	}
	return removed
}
