package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
	"tradingcore/internal/router"
)

type fakeExchange struct {
	trades     []core.Trade
	tradesErr  error
	openOrders []core.ExchangeOrder
	openErr    error
}

func (f *fakeExchange) FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]core.Trade, error) {
	return f.trades, f.tradesErr
}

func (f *fakeExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	return f.openOrders, f.openErr
}

type fakePortfolio struct {
	summary      core.ApplyFillsSummary
	err          error
	calls        int
	releaseCalls []string
	releaseErr   error
}

func (f *fakePortfolio) ApplyFills(symbol string, trades []core.Trade) (core.ApplyFillsSummary, error) {
	f.calls++
	return f.summary, f.err
}

func (f *fakePortfolio) Release(intentID string) error {
	f.releaseCalls = append(f.releaseCalls, intentID)
	return f.releaseErr
}

type fakeCOIDLister struct {
	pending map[string][]*core.COIDEntry
}

func (f *fakeCOIDLister) ListPending(symbol string) []*core.COIDEntry {
	return f.pending[symbol]
}

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) RecordAudit(event string, fields map[string]any) {
	f.events = append(f.events, event)
}

func TestReconcileOrder_AppliesFillsOnTrades(t *testing.T) {
	ex := &fakeExchange{trades: []core.Trade{{Side: core.SideBuy, Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(30000)}}}
	pf := &fakePortfolio{summary: core.ApplyFillsSummary{Symbol: "BTC/USDT", State: core.PositionOpen}}
	audit := &fakeAudit{}

	r := New(ex, pf, nil, audit, nil, 0)
	summary, err := r.ReconcileOrder(context.Background(), "BTC/USDT", "ord-1", "intent-1")

	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, pf.calls)
	assert.Contains(t, audit.events, "applied")
	assert.Equal(t, []string{"intent-1"}, pf.releaseCalls, "a reconciled order must release its reservation")
}

func TestReconcileOrder_EmptyIntentIDSkipsRelease(t *testing.T) {
	ex := &fakeExchange{trades: []core.Trade{{Side: core.SideBuy, Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(30000)}}}
	pf := &fakePortfolio{summary: core.ApplyFillsSummary{Symbol: "BTC/USDT", State: core.PositionOpen}}

	r := New(ex, pf, nil, nil, nil, 0)
	_, err := r.ReconcileOrder(context.Background(), "BTC/USDT", "ord-1", "")

	require.NoError(t, err)
	assert.Empty(t, pf.releaseCalls, "no intent id means nothing to release")
}

func TestReconcileOrder_NoTradesReturnsNilWithoutError(t *testing.T) {
	ex := &fakeExchange{trades: nil}
	pf := &fakePortfolio{}
	audit := &fakeAudit{}

	r := New(ex, pf, nil, audit, nil, 0)
	summary, err := r.ReconcileOrder(context.Background(), "BTC/USDT", "ord-1", "intent-1")

	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Equal(t, 0, pf.calls)
	assert.Contains(t, audit.events, "no_trades")
}

func TestReconcileOrder_FetchErrorPropagates(t *testing.T) {
	ex := &fakeExchange{tradesErr: assertErr()}
	pf := &fakePortfolio{}

	r := New(ex, pf, nil, nil, nil, 0)
	_, err := r.ReconcileOrder(context.Background(), "BTC/USDT", "ord-1", "intent-1")
	assert.Error(t, err)
}

func TestHandleOrderFilled_DelegatesToReconcileOrder(t *testing.T) {
	ex := &fakeExchange{trades: []core.Trade{{Side: core.SideBuy, Amount: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(30000)}}}
	pf := &fakePortfolio{}

	r := New(ex, pf, nil, nil, nil, 0)
	r.HandleOrderFilled(router.OrderFilledEvent{Symbol: "BTC/USDT", OrderID: "ord-1", IntentID: "i1"})

	assert.Equal(t, 1, pf.calls)
	assert.Equal(t, []string{"i1"}, pf.releaseCalls, "the event's intent id must flow through to Release")
}

func TestHandleOrderFilled_WrongPayloadTypeIsIgnored(t *testing.T) {
	pf := &fakePortfolio{}
	r := New(&fakeExchange{}, pf, nil, nil, nil, 0)
	assert.NotPanics(t, func() { r.HandleOrderFilled("not the right type") })
	assert.Equal(t, 0, pf.calls)
}

func TestSweepGhostOrders_FlagsUnknownClientOrderID(t *testing.T) {
	ex := &fakeExchange{openOrders: []core.ExchangeOrder{
		{OrderID: "ord-1", ClientOrderID: "known-coid"},
		{OrderID: "ord-2", ClientOrderID: "ghost-coid"},
	}}
	lister := &fakeCOIDLister{pending: map[string][]*core.COIDEntry{
		"BTC/USDT": {{ClientOrderID: "known-coid"}},
	}}
	audit := &fakeAudit{}

	r := New(ex, &fakePortfolio{}, lister, audit, []string{"BTC/USDT"}, time.Hour)
	r.sweepGhostOrders(context.Background())

	assert.Contains(t, audit.events, "ghost_order_detected")
}

func TestSweepGhostOrders_NoGhostsWhenAllKnown(t *testing.T) {
	ex := &fakeExchange{openOrders: []core.ExchangeOrder{{OrderID: "ord-1", ClientOrderID: "known-coid"}}}
	lister := &fakeCOIDLister{pending: map[string][]*core.COIDEntry{
		"BTC/USDT": {{ClientOrderID: "known-coid"}},
	}}
	audit := &fakeAudit{}

	r := New(ex, &fakePortfolio{}, lister, audit, []string{"BTC/USDT"}, time.Hour)
	r.sweepGhostOrders(context.Background())

	assert.NotContains(t, audit.events, "ghost_order_detected")
}

func TestStartStop_NoopWithoutCOIDLister(t *testing.T) {
	r := New(&fakeExchange{}, &fakePortfolio{}, nil, nil, nil, time.Hour)
	r.Start(context.Background())
	r.Stop()
}

type testErr struct{}

func (testErr) Error() string { return "boom" }

func assertErr() error { return testErr{} }
