// Package feeds provides minimal concrete implementations of the three
// external collaborators spec.md §6 treats as pure interfaces (market-data,
// signal, guard). They exist only so cmd/tradingcore has something to wire
// by default; strategy research is explicitly out of this module's scope,
// so none of this is tuned or back-tested.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
)

// TickerFeed is a core.MarketDataProvider built over Binance's public
// 24hr-ticker endpoint with a short TTL cache, per spec.md §6's "may be
// built over periodic ticker fetches with a short TTL cache" guidance.
type TickerFeed struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snap    *core.MarketSnapshot
	fetched time.Time
}

// NewTickerFeed constructs a feed polling baseURL (defaulting to
// production Binance) with the given cache TTL (defaulting to one
// second — comfortably under a typical 500ms-1s tick cadence's neighbour
// tick but still sparing the public endpoint).
func NewTickerFeed(baseURL string, ttl time.Duration) *TickerFeed {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return &TickerFeed{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		ttl:        ttl,
		cache:      make(map[string]cachedSnapshot),
	}
}

// Snapshot implements core.MarketDataProvider. It returns the cached
// snapshot when still fresh, else performs a GET /api/v3/ticker/24hr.
func (f *TickerFeed) Snapshot(ctx context.Context, symbol string) (*core.MarketSnapshot, error) {
	f.mu.Lock()
	if c, ok := f.cache[symbol]; ok && time.Since(c.fetched) < f.ttl {
		f.mu.Unlock()
		return c.snap, nil
	}
	f.mu.Unlock()

	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", f.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feeds: ticker fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feeds: ticker fetch %s: status %d", symbol, resp.StatusCode)
	}

	var body struct {
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		Volume    string `json:"volume"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("feeds: decode ticker %s: %w", symbol, err)
	}

	snap := &core.MarketSnapshot{
		Symbol: symbol,
		Last:   parseDecimal(body.LastPrice),
		Bid:    parseDecimal(body.BidPrice),
		Ask:    parseDecimal(body.AskPrice),
		Volume: parseDecimal(body.Volume),
		TS:     time.Now(),
	}

	f.mu.Lock()
	f.cache[symbol] = cachedSnapshot{snap: snap, fetched: time.Now()}
	f.mu.Unlock()

	return snap, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return decimal.NewFromFloat(f)
		}
		return decimal.Zero
	}
	return d
}

// priceSource is the subset of exchange/mock.Adapter the MockFeed reads
// from, so the same seeded price both fills orders and drives ticks.
type priceSource interface {
	Price(symbol string) decimal.Decimal
}

// MockFeed is a core.MarketDataProvider over a mock exchange adapter's
// seeded prices — zero spread, nominal volume, for local/dry-run use.
type MockFeed struct {
	source priceSource
}

// NewMockFeed wraps source (normally *exchange/mock.Adapter).
func NewMockFeed(source priceSource) *MockFeed {
	return &MockFeed{source: source}
}

func (f *MockFeed) Snapshot(_ context.Context, symbol string) (*core.MarketSnapshot, error) {
	last := f.source.Price(symbol)
	if last.IsZero() {
		return nil, fmt.Errorf("feeds: no price seeded for %s", symbol)
	}
	return &core.MarketSnapshot{
		Symbol: symbol,
		Last:   last,
		Bid:    last,
		Ask:    last,
		Volume: decimal.NewFromInt(1),
		TS:     time.Now(),
	}, nil
}
