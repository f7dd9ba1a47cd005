package feeds

import (
	"sync"

	"github.com/shopspring/decimal"
)

// MomentumSignal is a minimal core.SignalEvaluator: it tracks an
// exponential moving average per symbol and triggers when the latest
// price clears it by more than ThresholdPct. It is intentionally crude —
// strategy research is out of this module's scope (spec.md §1
// Non-goals) — and exists only to give ENTRY_EVAL something to evaluate.
type MomentumSignal struct {
	alpha        float64
	thresholdPct float64

	mu   sync.Mutex
	ema  map[string]decimal.Decimal
	seen map[string]bool
}

// NewMomentumSignal constructs a signal with the given EMA smoothing
// factor (0,1] and trigger threshold (e.g. 0.003 for 0.3%).
func NewMomentumSignal(alpha, thresholdPct float64) *MomentumSignal {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &MomentumSignal{
		alpha:        alpha,
		thresholdPct: thresholdPct,
		ema:          make(map[string]decimal.Decimal),
		seen:         make(map[string]bool),
	}
}

// Update implements core.SignalEvaluator: feeds the EMA with the latest
// tick's price.
func (m *MomentumSignal) Update(symbol string, last decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seen[symbol] {
		m.ema[symbol] = last
		m.seen[symbol] = true
		return
	}
	prev := m.ema[symbol]
	alpha := decimal.NewFromFloat(m.alpha)
	m.ema[symbol] = last.Mul(alpha).Add(prev.Mul(decimal.NewFromInt(1).Sub(alpha)))
}

// Evaluate implements core.SignalEvaluator: triggers when last clears the
// tracked EMA by more than thresholdPct.
func (m *MomentumSignal) Evaluate(symbol string, last decimal.Decimal) (bool, map[string]any) {
	m.mu.Lock()
	ema, ok := m.ema[symbol]
	m.mu.Unlock()
	if !ok || ema.IsZero() {
		return false, nil
	}

	edge := last.Sub(ema).Div(ema)
	threshold := decimal.NewFromFloat(m.thresholdPct)
	if edge.GreaterThan(threshold) {
		return true, map[string]any{
			"signal_type": "momentum_ema_cross",
			"ema":         ema.String(),
			"edge_pct":    edge.String(),
		}
	}
	return false, nil
}
