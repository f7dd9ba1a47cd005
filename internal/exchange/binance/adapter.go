// Package binance implements core.ExchangeWrapper against Binance Spot's
// REST API: HMAC-signed requests, numeric-error-code classification, and a
// poll loop standing in for a user-data-stream fill notification.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	apperrors "tradingcore/pkg/errors"
)

const defaultBaseURL = "https://api.binance.com"

// defaultPollInterval is how often WaitForFill re-checks order status. The
// spec calls for a 200ms cadence; Binance has no spot order-fill webhook in
// this adapter's scope, so polling GET /api/v3/order stands in for it.
const defaultPollInterval = 200 * time.Millisecond

// Config carries the credentials and transport settings for one Binance
// Spot account.
type Config struct {
	APIKey       string
	SecretKey    string
	BaseURL      string
	PollInterval time.Duration
}

// Adapter is the Binance Spot implementation of core.ExchangeWrapper.
type Adapter struct {
	cfg        Config
	httpClient *http.Client

	filtersMu sync.RWMutex
	filters   map[string]core.SymbolFilters
}

// New constructs an Adapter. cfg.BaseURL and cfg.PollInterval default to
// production Binance and 200ms respectively when left zero.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Adapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		filters: make(map[string]core.SymbolFilters),
	}
}

// CreateMarketOrder places a MARKET order.
func (a *Adapter) CreateMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	return a.placeOrder(ctx, symbol, side, "MARKET", qty, decimal.Zero, params)
}

// CreateLimitOrder places a LIMIT order at price.
func (a *Adapter) CreateLimitOrder(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	return a.placeOrder(ctx, symbol, side, "LIMIT", qty, price, params)
}

func (a *Adapter) placeOrder(ctx context.Context, symbol string, side core.Side, orderType string, qty, price decimal.Decimal, params core.OrderParams) (*core.ExchangeOrder, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("side", binanceSide(side))
	q.Set("type", orderType)
	q.Set("quantity", qty.String())
	if orderType == "LIMIT" {
		q.Set("price", price.String())
		tif := params.TimeInForce
		if tif == "" {
			tif = core.TIFGTC
		}
		q.Set("timeInForce", string(tif))
	}
	if params.ClientOrderID != "" {
		q.Set("newClientOrderId", params.ClientOrderID)
	}

	body, err := a.doSigned(ctx, http.MethodPost, "/api/v3/order", q)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode order response: %w", err)
	}
	return raw.toExchangeOrder(), nil
}

// WaitForFill polls FetchOrder at cfg.PollInterval until the order reaches
// a terminal status, is fully filled, or timeout/ctx elapses.
func (a *Adapter) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*core.FillWaitResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		order, err := a.FetchOrder(ctx, symbol, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status != core.OrderOpen || order.Remaining.IsZero() {
			return &core.FillWaitResult{Status: order.Status, Filled: order.Filled, Remaining: order.Remaining, Average: order.Average}, nil
		}
		if time.Now().After(deadline) {
			return &core.FillWaitResult{Status: order.Status, Filled: order.Filled, Remaining: order.Remaining, Average: order.Average}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchOrder fetches a single order's current state.
func (a *Adapter) FetchOrder(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	body, err := a.doSigned(ctx, http.MethodGet, "/api/v3/order", q)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode order response: %w", err)
	}
	return raw.toExchangeOrder(), nil
}

// FetchOpenOrders lists all open orders for symbol.
func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := a.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", q)
	if err != nil {
		return nil, err
	}

	var raw []rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode open orders response: %w", err)
	}
	out := make([]core.ExchangeOrder, len(raw))
	for i := range raw {
		out[i] = *raw[i].toExchangeOrder()
	}
	return out, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	_, err := a.doSigned(ctx, http.MethodDelete, "/api/v3/order", q)
	return err
}

// FetchOrderTrades returns the individual fills that make up orderID.
func (a *Adapter) FetchOrderTrades(ctx context.Context, symbol, orderID string) ([]core.Trade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	body, err := a.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", q)
	if err != nil {
		return nil, err
	}

	var raw []rawTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode trades response: %w", err)
	}
	out := make([]core.Trade, len(raw))
	for i, t := range raw {
		out[i] = t.toTrade()
	}
	return out, nil
}

// SymbolFilters returns symbol's tick/step/min-notional constraints,
// fetched once from /api/v3/exchangeInfo and cached for the process
// lifetime (filters do not change between restarts in practice).
func (a *Adapter) SymbolFilters(ctx context.Context, symbol string) (core.SymbolFilters, error) {
	a.filtersMu.RLock()
	f, ok := a.filters[symbol]
	a.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := a.doPublic(ctx, http.MethodGet, "/api/v3/exchangeInfo", q)
	if err != nil {
		return core.SymbolFilters{}, err
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return core.SymbolFilters{}, fmt.Errorf("binance: decode exchange info: %w", err)
	}
	if len(info.Symbols) == 0 {
		return core.SymbolFilters{}, fmt.Errorf("binance: %w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	var out core.SymbolFilters
	for _, filt := range info.Symbols[0].Filters {
		switch filt.FilterType {
		case "PRICE_FILTER":
			out.TickSize = parseDecimalOrZero(filt.TickSize)
		case "LOT_SIZE":
			out.StepSize = parseDecimalOrZero(filt.StepSize)
			out.MinQty = parseDecimalOrZero(filt.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			if filt.MinNotional != "" {
				out.MinNotional = parseDecimalOrZero(filt.MinNotional)
			} else {
				out.MinNotional = parseDecimalOrZero(filt.Notional)
			}
		}
	}

	a.filtersMu.Lock()
	a.filters[symbol] = out
	a.filtersMu.Unlock()
	return out, nil
}

// doSigned issues an authenticated request, appending timestamp and
// HMAC-SHA256 signature to the query string per Binance's signing scheme.
func (a *Adapter) doSigned(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(a.cfg.SecretKey))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	return a.do(ctx, method, path, q, true)
}

func (a *Adapter) doPublic(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	return a.do(ctx, method, path, q, false)
}

func (a *Adapter) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	reqURL := a.cfg.BaseURL + path + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if signed {
		httpReq.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError(resp.StatusCode, body)
	}
	return body, nil
}

// parseError maps Binance's {code,msg} error body to a sentinel error the
// router's retry classifier understands.
func (a *Adapter) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		if statusCode >= 500 {
			return fmt.Errorf("%w: status %d", apperrors.ErrExchangeMaintenance, statusCode)
		}
		return fmt.Errorf("binance: unparseable error body, status %d: %s", statusCode, string(body))
	}

	switch errResp.Code {
	case -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case -1013, -1111, -1100, -1102:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Msg)
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Msg)
	case -1003, -1015:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, errResp.Msg)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, errResp.Msg)
	case -2019:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	default:
		if statusCode >= 500 {
			return fmt.Errorf("%w: binance %d: %s", apperrors.ErrExchangeMaintenance, errResp.Code, errResp.Msg)
		}
		return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
	}
}

func binanceSide(side core.Side) string {
	if side == core.SideSell {
		return "SELL"
	}
	return "BUY"
}

func parseDecimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type rawOrder struct {
	OrderID          int64  `json:"orderId"`
	ClientOrderID    string `json:"clientOrderId"`
	Symbol           string `json:"symbol"`
	Status           string `json:"status"`
	Price            string `json:"price"`
	OrigQty          string `json:"origQty"`
	ExecutedQty      string `json:"executedQty"`
	CummulativeQuote string `json:"cummulativeQuoteQty"`
}

func (r rawOrder) toExchangeOrder() *core.ExchangeOrder {
	qty := parseDecimalOrZero(r.OrigQty)
	executed := parseDecimalOrZero(r.ExecutedQty)
	quote := parseDecimalOrZero(r.CummulativeQuote)

	avg := decimal.Zero
	if executed.GreaterThan(decimal.Zero) {
		avg = quote.Div(executed)
	}

	return &core.ExchangeOrder{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Status:        mapOrderStatus(r.Status),
		Filled:        executed,
		Remaining:     qty.Sub(executed),
		Average:       avg,
	}
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW", "PARTIALLY_FILLED":
		return core.OrderOpen
	case "FILLED":
		return core.OrderClosed
	case "CANCELED", "PENDING_CANCEL":
		return core.OrderCanceled
	case "EXPIRED":
		return core.OrderExpired
	case "REJECTED":
		return core.OrderRejected
	default:
		return core.OrderOpen
	}
}

type rawTrade struct {
	ID              int64  `json:"id"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

func (t rawTrade) toTrade() core.Trade {
	price := parseDecimalOrZero(t.Price)
	qty := parseDecimalOrZero(t.Qty)
	cost := parseDecimalOrZero(t.QuoteQty)
	fee := parseDecimalOrZero(t.Commission)

	side := core.SideSell
	if t.IsBuyer {
		side = core.SideBuy
	}

	return core.Trade{
		Price:     price,
		Amount:    qty,
		Cost:      cost,
		Fee:       fee,
		FeeAsset:  t.CommissionAsset,
		Timestamp: t.Time,
		Side:      side,
		TradeID:   strconv.FormatInt(t.ID, 10),
	}
}
