package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/config"
)

func TestBuildExchange_MockSeedsConfiguredSymbolPrices(t *testing.T) {
	cfg := &config.Config{
		App:      config.AppConfig{Symbols: []string{"BTC/USDT", "ETH/USDT"}},
		Exchange: config.ExchangeConfig{Name: "mock"},
	}

	exch, mockAdapter := buildExchange(cfg)
	require.NotNil(t, mockAdapter)
	assert.NotNil(t, exch)
	assert.False(t, mockAdapter.Price("BTC/USDT").IsZero())
	assert.False(t, mockAdapter.Price("ETH/USDT").IsZero())
}

func TestBuildExchange_LiveExchangeReturnsNoMockAdapter(t *testing.T) {
	cfg := &config.Config{
		Exchange: config.ExchangeConfig{Name: "binance_spot", APIKey: "k", SecretKey: "s"},
	}

	exch, mockAdapter := buildExchange(cfg)
	assert.Nil(t, mockAdapter)
	assert.NotNil(t, exch)
}

func TestBuildMarketData_MockPathUsesMockFeed(t *testing.T) {
	cfg := &config.Config{
		App:      config.AppConfig{Symbols: []string{"BTC/USDT"}},
		Exchange: config.ExchangeConfig{Name: "mock"},
	}
	_, mockAdapter := buildExchange(cfg)

	md, guardFeed := buildMarketData(cfg, mockAdapter)
	require.NotNil(t, md)
	require.NotNil(t, guardFeed)

	snap, err := md.Snapshot(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, snap.Bid.Equal(snap.Ask))
}
