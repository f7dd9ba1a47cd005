package router

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"tradingcore/internal/core"
	"tradingcore/internal/eventbus"
	apperrors "tradingcore/pkg/errors"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakePortfolio struct {
	lastPrice    decimal.Decimal
	reserveOK    bool
	reserveErr   error
	releaseCalls int
}

func (f *fakePortfolio) Reserve(intentID, symbol string, side core.Side, qty, price decimal.Decimal) (bool, error) {
	return f.reserveOK, f.reserveErr
}
func (f *fakePortfolio) Release(intentID string) error {
	f.releaseCalls++
	return nil
}
func (f *fakePortfolio) LastPrice(symbol string) (decimal.Decimal, bool) {
	if f.lastPrice.IsZero() {
		return decimal.Zero, false
	}
	return f.lastPrice, true
}

type fakeExchange struct {
	core.ExchangeWrapper
	createErr   error
	order       *core.ExchangeOrder
	fillResult  *core.FillWaitResult
	fillErr     error
	createCalls int
	waitCalls   int
}

func (f *fakeExchange) CreateMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.order, nil
}

func (f *fakeExchange) CreateLimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	return f.CreateMarketOrder(ctx, symbol, side, qty, params)
}

func (f *fakeExchange) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*core.FillWaitResult, error) {
	f.waitCalls++
	if f.fillErr != nil {
		return nil, f.fillErr
	}
	return f.fillResult, nil
}

func testCfg() Config {
	return Config{MaxRetries: 2, RetryBackoff: time.Millisecond, TIF: core.TIFIOC, SlippageBps: 20, MinNotionalUSDT: d(5)}
}

func TestHandleIntent_FullFillPublishesOrderFilled(t *testing.T) {
	pf := &fakePortfolio{lastPrice: d(30000), reserveOK: true}
	ex := &fakeExchange{
		order:      &core.ExchangeOrder{OrderID: "ord-1"},
		fillResult: &core.FillWaitResult{Status: core.OrderClosed, Filled: d(0.1), Average: d(30000)},
	}
	bus := eventbus.New()
	var received OrderFilledEvent
	bus.Subscribe("order.filled", func(payload any) { received = payload.(OrderFilledEvent) })

	r := New(ex, pf, bus, testCfg())
	r.HandleIntent(context.Background(), core.Intent{IntentID: "i1", Symbol: "BTC/USDT", Side: core.SideBuy, Qty: d(0.1)})

	assert.Equal(t, "i1", received.IntentID)
	assert.True(t, received.FilledQty.Equal(d(0.1)))
	assert.Equal(t, 1, ex.createCalls)
	assert.Equal(t, 0, pf.releaseCalls, "a fully filled intent releases nothing")
}

func TestHandleIntent_DuplicateIntentIDIsNoop(t *testing.T) {
	pf := &fakePortfolio{lastPrice: d(30000), reserveOK: true}
	ex := &fakeExchange{order: &core.ExchangeOrder{OrderID: "ord-1"}, fillResult: &core.FillWaitResult{Status: core.OrderClosed, Filled: d(0.1)}}
	r := New(ex, pf, nil, testCfg())

	intent := core.Intent{IntentID: "i1", Symbol: "BTC/USDT", Side: core.SideBuy, Qty: d(0.1)}
	r.HandleIntent(context.Background(), intent)
	r.HandleIntent(context.Background(), intent)

	assert.Equal(t, 1, ex.createCalls, "second call with the same intent id must be a no-op")
}

func TestHandleIntent_ReserveFailureStopsEarly(t *testing.T) {
	pf := &fakePortfolio{lastPrice: d(30000), reserveOK: false}
	ex := &fakeExchange{}
	r := New(ex, pf, nil, testCfg())

	r.HandleIntent(context.Background(), core.Intent{IntentID: "i1", Symbol: "BTC/USDT", Side: core.SideBuy, Qty: d(0.1)})
	assert.Equal(t, 0, ex.createCalls)
}

func TestHandleIntent_NoReferencePriceAborts(t *testing.T) {
	pf := &fakePortfolio{reserveOK: true}
	ex := &fakeExchange{}
	r := New(ex, pf, nil, testCfg())

	r.HandleIntent(context.Background(), core.Intent{IntentID: "i1", Symbol: "BTC/USDT", Side: core.SideBuy, Qty: d(0.1)})
	assert.Equal(t, 0, ex.createCalls)
}

func TestHandleIntent_CanceledOrderReleasesUnfilledBudget(t *testing.T) {
	pf := &fakePortfolio{lastPrice: d(30000), reserveOK: true}
	ex := &fakeExchange{
		order:      &core.ExchangeOrder{OrderID: "ord-1"},
		fillResult: &core.FillWaitResult{Status: core.OrderCanceled, Filled: d(0)},
	}
	r := New(ex, pf, nil, testCfg())

	r.HandleIntent(context.Background(), core.Intent{IntentID: "i1", Symbol: "BTC/USDT", Side: core.SideBuy, Qty: d(0.1)})
	assert.Equal(t, 1, pf.releaseCalls)
}

func TestHandleIntent_FatalErrorStopsRetrying(t *testing.T) {
	pf := &fakePortfolio{lastPrice: d(30000), reserveOK: true}
	ex := &fakeExchange{createErr: apperrors.ErrInsufficientFunds}
	r := New(ex, pf, nil, testCfg())

	r.HandleIntent(context.Background(), core.Intent{IntentID: "i1", Symbol: "BTC/USDT", Side: core.SideBuy, Qty: d(0.1)})
	assert.Equal(t, 1, ex.createCalls, "a fatal error must not be retried")
	assert.Equal(t, 1, pf.releaseCalls)
}

func TestApplySlippageCap_BuyCapsAtMaxAdverseMove(t *testing.T) {
	r := New(nil, nil, nil, testCfg())
	intent := core.Intent{Side: core.SideBuy, LimitPrice: d(31000)}
	capped := r.applySlippageCap(intent, d(30000))
	assert.True(t, capped.Equal(d(30060)), "30000*(1+0.002)=30060 should win over 31000")
}

func TestApplySlippageCap_MarketOrderPassesThrough(t *testing.T) {
	r := New(nil, nil, nil, testCfg())
	intent := core.Intent{Side: core.SideBuy, LimitPrice: decimal.Zero}
	capped := r.applySlippageCap(intent, d(30000))
	assert.True(t, capped.IsZero())
}

// TestApplySlippageCap_BoundsBuyOrderToTwentyBpsAboveReference mirrors a
// buy intent limited at 51000 against a 50000 reference price with a
// 20bps slippage allowance: the effective limit must be capped to 50100,
// never the full 51000 the caller asked for.
func TestApplySlippageCap_BoundsBuyOrderToTwentyBpsAboveReference(t *testing.T) {
	r := New(nil, nil, nil, testCfg())
	intent := core.Intent{Side: core.SideBuy, LimitPrice: d(51000)}
	capped := r.applySlippageCap(intent, d(50000))
	assert.True(t, capped.Equal(d(50100)), "50000*(1+0.002)=50100 must win over the requested 51000")
}

// TestBackoffSleep_OnlySkipsSleepOnTheFinalAttempt exercises the full
// attempt range HandleIntent's retry loop drives backoffSleep with
// (1..MaxRetries+1): every attempt except the very last one must still
// wait, since a skip one attempt early would fire the last retry back to
// back with no backoff at all.
func TestBackoffSleep_OnlySkipsSleepOnTheFinalAttempt(t *testing.T) {
	cfg := testCfg() // MaxRetries: 2, RetryBackoff: time.Millisecond
	r := New(nil, nil, nil, cfg)

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		start := time.Now()
		r.backoffSleep(context.Background(), attempt)
		assert.True(t, time.Since(start) > 0, "attempt %d is not the final attempt and must back off", attempt)
	}

	start := time.Now()
	r.backoffSleep(context.Background(), cfg.MaxRetries+1)
	assert.True(t, time.Since(start) < 5*time.Millisecond, "the final attempt (MaxRetries+1) has nothing left to retry, so it must not sleep")
}

func TestEvictSeen_RemovesOldEntries(t *testing.T) {
	r := New(nil, nil, nil, testCfg())
	r.markSeen("old")
	r.seen["old"] = time.Now().Add(-2 * time.Hour)
	r.markSeen("new")

	removed := r.EvictSeen(time.Hour)
	assert.Equal(t, 1, removed)
	_, stillThere := r.seen["new"]
	assert.True(t, stillThere)
}
