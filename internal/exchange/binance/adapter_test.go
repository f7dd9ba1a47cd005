package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
	apperrors "tradingcore/pkg/errors"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	a := New(Config{APIKey: "key", SecretKey: "secret", BaseURL: server.URL, PollInterval: 5 * time.Millisecond})
	a.httpClient = server.Client()
	return a, server
}

func TestCreateMarketOrder_SignsAndParsesResponse(t *testing.T) {
	var gotPath, gotSig, gotSide string
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSig = r.URL.Query().Get("signature")
		gotSide = r.URL.Query().Get("side")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":42,"symbol":"BTCUSDT","status":"FILLED","price":"0","origQty":"1","executedQty":"1","cummulativeQuoteQty":"30000","clientOrderId":"coid-1"}`))
	})
	defer server.Close()

	order, err := a.CreateMarketOrder(context.Background(), "BTCUSDT", core.SideBuy, decimal.NewFromInt(1), core.OrderParams{ClientOrderID: "coid-1"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/order", gotPath)
	assert.NotEmpty(t, gotSig)
	assert.Equal(t, "BUY", gotSide)
	assert.Equal(t, "42", order.OrderID)
	assert.Equal(t, core.OrderClosed, order.Status)
	assert.True(t, order.Average.Equal(decimal.NewFromInt(30000)))
}

func TestCreateLimitOrder_IncludesPriceAndTIF(t *testing.T) {
	var gotPrice, gotTIF string
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotPrice = r.URL.Query().Get("price")
		gotTIF = r.URL.Query().Get("timeInForce")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","status":"NEW","price":"30000","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0"}`))
	})
	defer server.Close()

	_, err := a.CreateLimitOrder(context.Background(), "BTCUSDT", core.SideSell, decimal.NewFromInt(1), decimal.NewFromInt(30000), core.OrderParams{TimeInForce: core.TIFGTC})
	require.NoError(t, err)
	assert.Equal(t, "30000", gotPrice)
	assert.Equal(t, "GTC", gotTIF)
}

func TestFetchOrder_MapsStatusAndAverage(t *testing.T) {
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":7,"symbol":"BTCUSDT","status":"PARTIALLY_FILLED","price":"0","origQty":"2","executedQty":"1","cummulativeQuoteQty":"15000"}`))
	})
	defer server.Close()

	order, err := a.FetchOrder(context.Background(), "BTCUSDT", "7")
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, order.Status)
	assert.True(t, order.Filled.Equal(decimal.NewFromInt(1)))
	assert.True(t, order.Remaining.Equal(decimal.NewFromInt(1)))
	assert.True(t, order.Average.Equal(decimal.NewFromInt(15000)))
}

func TestWaitForFill_PollsUntilClosed(t *testing.T) {
	calls := 0
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "NEW"
		executed := "0"
		if calls >= 3 {
			status = "FILLED"
			executed = "1"
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","status":"` + status + `","price":"0","origQty":"1","executedQty":"` + executed + `","cummulativeQuoteQty":"0"}`))
	})
	defer server.Close()

	result, err := a.WaitForFill(context.Background(), "BTCUSDT", "1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.OrderClosed, result.Status)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWaitForFill_TimesOutWithLastKnownState(t *testing.T) {
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","status":"NEW","price":"0","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0"}`))
	})
	defer server.Close()

	result, err := a.WaitForFill(context.Background(), "BTCUSDT", "1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, result.Status)
}

func TestFetchOrderTrades_MapsSideFromIsBuyer(t *testing.T) {
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":1,"price":"30000","qty":"0.5","quoteQty":"15000","commission":"0.01","commissionAsset":"USDT","time":1000,"isBuyer":true}]`))
	})
	defer server.Close()

	trades, err := a.FetchOrderTrades(context.Background(), "BTCUSDT", "1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.SideBuy, trades[0].Side)
	assert.Equal(t, "1", trades[0].TradeID)
}

func TestFetchOpenOrders_ReturnsList(t *testing.T) {
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"orderId":1,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"c1","price":"0","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0"}]`))
	})
	defer server.Close()

	orders, err := a.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "c1", orders[0].ClientOrderID)
}

func TestCancelOrder_SendsDelete(t *testing.T) {
	var gotMethod string
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	defer server.Close()

	err := a.CancelOrder(context.Background(), "BTCUSDT", "1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestSymbolFilters_ParsesAndCaches(t *testing.T) {
	calls := 0
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.0001"},
			{"filterType":"NOTIONAL","notional":"10"}
		]}]}`))
	})
	defer server.Close()

	f, err := a.SymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f.TickSize.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, f.StepSize.Equal(decimal.NewFromFloat(0.00001)))
	assert.True(t, f.MinNotional.Equal(decimal.NewFromInt(10)))

	_, err = a.SymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call should hit the cache")
}

func TestParseError_MapsKnownBinanceCodes(t *testing.T) {
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance"}`))
	})
	defer server.Close()

	_, err := a.CreateMarketOrder(context.Background(), "BTCUSDT", core.SideBuy, decimal.NewFromInt(1), core.OrderParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestParseError_ServerErrorMapsToMaintenance(t *testing.T) {
	a, server := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`not json`))
	})
	defer server.Close()

	_, err := a.FetchOrder(context.Background(), "BTCUSDT", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrExchangeMaintenance)
}
