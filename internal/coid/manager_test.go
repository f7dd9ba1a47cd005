package coid

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "coid_kv.json"))
	require.NoError(t, err)
	return m
}

func TestNextClientOrderID_MintsDeterministicFormat(t *testing.T) {
	m := newTestManager(t)

	coidStr, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)
	assert.Contains(t, coidStr, "dec-1_0_buy_")

	entry := m.GetEntry(coidStr)
	require.NotNil(t, entry)
	assert.Equal(t, core.COIDPending, entry.Status)
	assert.Equal(t, 1, entry.AttemptCount)
}

func TestNextClientOrderID_ReusesPendingEntry(t *testing.T) {
	m := newTestManager(t)

	first, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)

	second, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)

	assert.Equal(t, first, second, "retrying the same logical order must reuse its coid")
	assert.Equal(t, 2, m.GetEntry(first).AttemptCount)
}

func TestNextClientOrderID_ForceNewMintsFreshEntry(t *testing.T) {
	m := newTestManager(t)

	first, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)

	second, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", true)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestNextClientOrderID_TerminalEntryIsNotReused(t *testing.T) {
	m := newTestManager(t)

	first, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(first, core.COIDFilled, "ex-order-1", nil))

	second, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a filled coid must not be reused for a new attempt")
}

func TestUpdateStatus_UnknownCoidErrors(t *testing.T) {
	m := newTestManager(t)
	err := m.UpdateStatus("does-not-exist", core.COIDFilled, "", nil)
	assert.Error(t, err)
}

func TestUpdateStatus_MergesMetadata(t *testing.T) {
	m := newTestManager(t)
	coidStr, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(coidStr, core.COIDPartiallyFilled, "ex-1", map[string]any{"filled_qty": "0.1"}))
	require.NoError(t, m.UpdateStatus(coidStr, core.COIDFilled, "ex-1", map[string]any{"filled_qty": "0.5"}))

	entry := m.GetEntry(coidStr)
	assert.Equal(t, core.COIDFilled, entry.Status)
	assert.Equal(t, "0.5", entry.Metadata["filled_qty"])
}

func TestManager_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "coid_kv.json")

	m1, err := NewManager(storePath)
	require.NoError(t, err)
	coidStr, err := m1.NextClientOrderID("dec-1", 0, core.SideSell, "ETH/USDT", false)
	require.NoError(t, err)

	m2, err := NewManager(storePath)
	require.NoError(t, err)
	entry := m2.GetEntry(coidStr)
	require.NotNil(t, entry)
	assert.Equal(t, "ETH/USDT", entry.Symbol)
}

type fakeExchange struct {
	orders     map[string]*core.ExchangeOrder
	openOrders map[string][]core.ExchangeOrder
}

func (f *fakeExchange) FetchOrder(_ context.Context, _ string, orderID string) (*core.ExchangeOrder, error) {
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return nil, nil
}

func (f *fakeExchange) FetchOpenOrders(_ context.Context, symbol string) ([]core.ExchangeOrder, error) {
	return f.openOrders[symbol], nil
}

func TestReconcileWithExchange_MatchesByOrderID(t *testing.T) {
	m := newTestManager(t)
	coidStr, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(coidStr, core.COIDPending, "ex-order-9", nil))

	ex := &fakeExchange{orders: map[string]*core.ExchangeOrder{
		"ex-order-9": {OrderID: "ex-order-9", ClientOrderID: coidStr, Status: core.OrderClosed, Filled: decimal.NewFromFloat(0.5)},
	}}

	n, err := m.ReconcileWithExchange(context.Background(), ex, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.COIDFilled, m.GetEntry(coidStr).Status)
}

func TestReconcileWithExchange_NotFoundMarksExpired(t *testing.T) {
	m := newTestManager(t)
	coidStr, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)

	ex := &fakeExchange{openOrders: map[string][]core.ExchangeOrder{}}

	n, err := m.ReconcileWithExchange(context.Background(), ex, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.COIDExpired, m.GetEntry(coidStr).Status)
	assert.Equal(t, "not_found", m.GetEntry(coidStr).Metadata["reason"])
}

func TestReconcileWithExchange_SymbolFilterSkipsOthers(t *testing.T) {
	m := newTestManager(t)
	_, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "ETH/USDT", false)
	require.NoError(t, err)

	ex := &fakeExchange{openOrders: map[string][]core.ExchangeOrder{}}
	n, err := m.ReconcileWithExchange(context.Background(), ex, []string{"BTC/USDT"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupOldEntries_RemovesOnlyOldTerminal(t *testing.T) {
	m := newTestManager(t)

	coidStr, err := m.NextClientOrderID("dec-1", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(coidStr, core.COIDFilled, "ex-1", nil))
	m.entries[coidStr].UpdatedTS = 0 // force "ancient"

	pendingCoid, err := m.NextClientOrderID("dec-2", 0, core.SideBuy, "BTC/USDT", false)
	require.NoError(t, err)

	removed, err := m.CleanupOldEntries(7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Nil(t, m.GetEntry(coidStr))
	assert.NotNil(t, m.GetEntry(pendingCoid))
}
