package feeds

import (
	"context"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
)

// freeCashSource is the subset of portfolio.Portfolio the min-free-cash
// guard reads.
type freeCashSource interface {
	FreeCash() decimal.Decimal
}

// GuardFeed is the snapshot source BasicGuards reads bid/ask from —
// satisfied directly by *TickerFeed and *MockFeed.
type GuardFeed interface {
	Snapshot(ctx context.Context, symbol string) (*core.MarketSnapshot, error)
}

// BasicGuards is a minimal core.GuardEvaluator checking two pure
// predicates over the latest snapshot and portfolio state (spec.md §6):
// the bid/ask spread must be tight enough to trade, and the portfolio
// must hold at least MinFreeCash before a new entry is allowed.
type BasicGuards struct {
	feed        GuardFeed
	portfolio   freeCashSource
	maxSpread   decimal.Decimal
	minFreeCash decimal.Decimal
}

// NewBasicGuards constructs a guard evaluator. maxSpreadPct is the
// maximum tolerated (ask-bid)/last ratio; minFreeCash is the minimum
// portfolio.FreeCash() required to evaluate an entry at all.
func NewBasicGuards(feed GuardFeed, portfolio freeCashSource, maxSpreadPct float64, minFreeCash decimal.Decimal) *BasicGuards {
	return &BasicGuards{
		feed:        feed,
		portfolio:   portfolio,
		maxSpread:   decimal.NewFromFloat(maxSpreadPct),
		minFreeCash: minFreeCash,
	}
}

// Passes implements core.GuardEvaluator.
func (g *BasicGuards) Passes(symbol string, last decimal.Decimal) (bool, []string) {
	var failed []string

	if g.portfolio.FreeCash().LessThan(g.minFreeCash) {
		failed = append(failed, "insufficient_free_cash")
	}

	snap, err := g.feed.Snapshot(context.Background(), symbol)
	if err != nil || snap.Bid.IsZero() || last.IsZero() {
		failed = append(failed, "market_data_unavailable")
	} else {
		spread := snap.Ask.Sub(snap.Bid).Div(last)
		if spread.GreaterThan(g.maxSpread) {
			failed = append(failed, "spread_too_wide")
		}
	}

	return len(failed) == 0, failed
}
