package ledger

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordTrade_BuyDebitsAssetAndFeesCreditsCash(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.RecordTrade("BTC/USDT", core.SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.NewFromInt(5), 1000))

	asset, err := l.AssetBalance("BTC/USDT")
	require.NoError(t, err)
	assert.True(t, asset.Equal(decimal.NewFromInt(5000)), "asset balance: %s", asset)

	cash, err := l.CashBalance()
	require.NoError(t, err)
	assert.True(t, cash.Equal(decimal.NewFromInt(-5005)), "cash balance: %s", cash)

	fees, err := l.TotalFees()
	require.NoError(t, err)
	assert.True(t, fees.Equal(decimal.NewFromInt(5)))
}

func TestRecordTrade_SellCreditsAssetDebitsCash(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.RecordTrade("BTC/USDT", core.SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.Zero, 1000))
	require.NoError(t, l.RecordTrade("BTC/USDT", core.SideSell, decimal.NewFromFloat(0.1), decimal.NewFromInt(51000), decimal.NewFromInt(2), 2000))

	asset, err := l.AssetBalance("BTC/USDT")
	require.NoError(t, err)
	assert.True(t, asset.IsZero(), "asset balance should net to zero after full round-trip: %s", asset)

	cash, err := l.CashBalance()
	require.NoError(t, err)
	// -5000 (buy cost) + (5100 - 2) (sell proceeds - fee)
	assert.True(t, cash.Equal(decimal.NewFromInt(98)), "cash balance: %s", cash)
}

func TestRecordTrade_EntriesAlwaysBalance(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.RecordTrade("ETH/USDT", core.SideBuy, decimal.NewFromInt(2), decimal.NewFromInt(3000), decimal.NewFromFloat(1.5), 1000))

	history, err := l.TransactionHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 3)

	var totalDebit, totalCredit decimal.Decimal
	for _, e := range history {
		totalDebit = totalDebit.Add(e.Debit)
		totalCredit = totalCredit.Add(e.Credit)
	}
	assert.True(t, totalDebit.Equal(totalCredit))
}

func TestVerifyBalance_WithinTolerancePasses(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.RecordTrade("BTC/USDT", core.SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.Zero, 1000))

	ok, err := l.VerifyBalance(assetAccount("BTC/USDT"), decimal.NewFromInt(5000), decimal.NewFromFloat(0.01))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.VerifyBalance(assetAccount("BTC/USDT"), decimal.NewFromInt(4000), decimal.NewFromFloat(0.01))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalance_UnknownAccountReturnsZero(t *testing.T) {
	l := newTestLedger(t)
	b, err := l.Balance("asset:NOPE/USDT")
	require.NoError(t, err)
	assert.True(t, b.IsZero())
}

func TestTransactionHistory_OrdersNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.RecordTrade("BTC/USDT", core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, 1000))
	require.NoError(t, l.RecordTrade("BTC/USDT", core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(200), decimal.Zero, 2000))

	history, err := l.TransactionHistory(100)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, int64(2000), history[0].Timestamp)
}
