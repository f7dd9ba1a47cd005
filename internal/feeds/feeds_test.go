package feeds

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/exchange/mock"
)

func TestMockFeed_ReturnsZeroSpreadAtSeededPrice(t *testing.T) {
	exch := mock.New()
	exch.SetPrice("BTC/USDT", decimal.NewFromInt(30000))
	feed := NewMockFeed(exch)

	snap, err := feed.Snapshot(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, snap.Last.Equal(decimal.NewFromInt(30000)))
	assert.True(t, snap.Bid.Equal(snap.Ask))
}

func TestMockFeed_ErrorsWhenNoPriceSeeded(t *testing.T) {
	exch := mock.New()
	feed := NewMockFeed(exch)

	_, err := feed.Snapshot(context.Background(), "ETH/USDT")
	assert.Error(t, err)
}

func TestMomentumSignal_DoesNotTriggerOnFirstUpdate(t *testing.T) {
	sig := NewMomentumSignal(0.2, 0.003)
	sig.Update("BTC/USDT", decimal.NewFromInt(100))

	triggered, _ := sig.Evaluate("BTC/USDT", decimal.NewFromInt(100))
	assert.False(t, triggered, "a single sample establishes the EMA, it should not itself trigger")
}

func TestMomentumSignal_TriggersWhenPriceClearsEMAByThreshold(t *testing.T) {
	sig := NewMomentumSignal(0.5, 0.01)
	sig.Update("BTC/USDT", decimal.NewFromInt(100))
	sig.Update("BTC/USDT", decimal.NewFromInt(100))

	triggered, ctx := sig.Evaluate("BTC/USDT", decimal.NewFromInt(110))
	assert.True(t, triggered)
	assert.Equal(t, "momentum_ema_cross", ctx["signal_type"])
}

func TestMomentumSignal_DoesNotTriggerBelowThreshold(t *testing.T) {
	sig := NewMomentumSignal(0.5, 0.5)
	sig.Update("BTC/USDT", decimal.NewFromInt(100))
	sig.Update("BTC/USDT", decimal.NewFromInt(100))

	triggered, _ := sig.Evaluate("BTC/USDT", decimal.NewFromInt(101))
	assert.False(t, triggered)
}

type stubFreeCash struct{ free decimal.Decimal }

func (s stubFreeCash) FreeCash() decimal.Decimal { return s.free }

func TestBasicGuards_BlocksOnInsufficientFreeCash(t *testing.T) {
	exch := mock.New()
	exch.SetPrice("BTC/USDT", decimal.NewFromInt(100))
	feed := NewMockFeed(exch)

	g := NewBasicGuards(feed, stubFreeCash{free: decimal.NewFromInt(1)}, 0.01, decimal.NewFromInt(50))

	ok, failed := g.Passes("BTC/USDT", decimal.NewFromInt(100))
	assert.False(t, ok)
	assert.Contains(t, failed, "insufficient_free_cash")
}

func TestBasicGuards_PassesWithZeroSpreadAndEnoughCash(t *testing.T) {
	exch := mock.New()
	exch.SetPrice("BTC/USDT", decimal.NewFromInt(100))
	feed := NewMockFeed(exch)

	g := NewBasicGuards(feed, stubFreeCash{free: decimal.NewFromInt(1000)}, 0.01, decimal.NewFromInt(50))

	ok, failed := g.Passes("BTC/USDT", decimal.NewFromInt(100))
	assert.True(t, ok)
	assert.Empty(t, failed)
}
