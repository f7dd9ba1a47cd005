package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PhaseTransitionRecord is one entry of a CoinState's bounded audit history.
type PhaseTransitionRecord struct {
	TS         int64  `json:"ts"`
	From       Phase  `json:"from"`
	To         Phase  `json:"to"`
	Note       string `json:"note"`
	DecisionID string `json:"decision_id,omitempty"`
}

// maxPhaseHistory bounds CoinState.PhaseHistory to the last N entries
// (FIFO eviction), per spec.md §3.
const maxPhaseHistory = 100

// CoinState is the complete, centralized FSM state for one symbol.
type CoinState struct {
	Symbol string `json:"symbol"`
	Phase  Phase  `json:"phase"`

	DecisionID    string `json:"decision_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`

	TSMillis      int64   `json:"ts_ms"`
	EntryTS       float64 `json:"entry_ts"`
	CooldownUntil float64 `json:"cooldown_until"`
	OrderPlacedTS float64 `json:"order_placed_ts"`

	Amount           decimal.Decimal `json:"amount"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	EntryFeePerUnit  decimal.Decimal `json:"entry_fee_per_unit"`
	PeakPrice        decimal.Decimal `json:"peak_price"`
	TrailingTrigger  decimal.Decimal `json:"trailing_trigger"`
	AnchorPrice      decimal.Decimal `json:"anchor_price"`
	AnchorTS         string          `json:"anchor_ts,omitempty"`
	SLOrderID        string          `json:"sl_order_id,omitempty"`
	TPOrderID        string          `json:"tp_order_id,omitempty"`
	SLPrice          decimal.Decimal `json:"sl_px"`
	TPPrice          decimal.Decimal `json:"tp_px"`

	Note       string `json:"note"`
	Signal     string `json:"signal,omitempty"`
	ExitReason string `json:"exit_reason,omitempty"`

	ErrorCount int    `json:"error_count"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	PhaseHistory []PhaseTransitionRecord `json:"phase_history"`
}

// NewCoinState returns a freshly warmed-up CoinState for symbol.
func NewCoinState(symbol string) *CoinState {
	return &CoinState{
		Symbol:          symbol,
		Phase:           PhaseWarmup,
		Amount:          decimal.Zero,
		EntryPrice:      decimal.Zero,
		CurrentPrice:    decimal.Zero,
		EntryFeePerUnit: decimal.Zero,
		PeakPrice:       decimal.Zero,
		TrailingTrigger: decimal.Zero,
		AnchorPrice:     decimal.Zero,
		SLPrice:         decimal.Zero,
		TPPrice:         decimal.Zero,
		PhaseHistory:    make([]PhaseTransitionRecord, 0, 8),
	}
}

// AgeSeconds returns seconds since last phase change.
func (s *CoinState) AgeSeconds(now time.Time) float64 {
	if s.TSMillis == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(s.TSMillis)).Seconds()
}

// InCooldown reports whether the symbol is currently cooling down.
func (s *CoinState) InCooldown(now time.Time) bool {
	if s.CooldownUntil == 0 {
		return false
	}
	return float64(now.Unix())+float64(now.Nanosecond())/1e9 < s.CooldownUntil
}

// HasPosition reports whether the symbol is holding a position
// (amount > 1e-8, mirroring the source's float epsilon).
func (s *CoinState) HasPosition() bool {
	return s.Amount.GreaterThan(decimal.New(1, -8))
}

// UnrealizedPnL is a quick fee-exclusive estimate of unrealized PnL.
func (s *CoinState) UnrealizedPnL() decimal.Decimal {
	if !s.HasPosition() {
		return decimal.Zero
	}
	return s.CurrentPrice.Sub(s.EntryPrice).Mul(s.Amount)
}

// GetPhaseSummary returns a human-readable one-line phase summary for logging.
func (s *CoinState) GetPhaseSummary() string {
	out := fmt.Sprintf("%s:%s", s.Symbol, s.Phase)
	if s.DecisionID != "" {
		id := s.DecisionID
		if len(id) > 8 {
			id = id[len(id)-8:]
		}
		out += fmt.Sprintf(" | dec=%s", id)
	}
	if s.HasPosition() {
		out += fmt.Sprintf(" | amt=%s@%s", s.Amount.StringFixed(4), s.EntryPrice.StringFixed(4))
	}
	if s.Note != "" {
		note := s.Note
		if len(note) > 30 {
			note = note[:30]
		}
		out += fmt.Sprintf(" | note=%s", note)
	}
	return out
}

// SetPhaseOptions carries the optional fields SetPhase may update alongside phase.
type SetPhaseOptions struct {
	Note       string
	DecisionID string
	OrderID    string
}

// PhaseChangeLogger receives a structured phase-change record. Implementations
// must never let a failure here propagate back into SetPhase.
type PhaseChangeLogger interface {
	LogPhaseChange(rec PhaseChangeEvent)
}

// PhaseChangeEvent is the structured record SetPhase builds on every transition.
type PhaseChangeEvent struct {
	TSMillis      int64
	Symbol        string
	Prev          Phase
	Next          Phase
	DecisionID    string
	OrderID       string
	Note          string
	ErrorCount    int
	RetryCount    int
	HasPosition   bool
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// SetPhase is the function that moves CoinState.Phase between phases
// (ResetState below also writes Phase, forcing it to IDLE). It
// updates the phase-entry timestamp and note, appends a bounded audit
// record, and (if log is non-nil) reports a PhaseChangeEvent. Logging
// failures must never break the state transition: callers of SetPhase
// pass a PhaseChangeLogger whose own LogPhaseChange is expected to
// recover internally; SetPhase itself never panics.
func SetPhase(s *CoinState, to Phase, opts SetPhaseOptions, log PhaseChangeLogger) PhaseChangeEvent {
	prev := s.Phase
	now := time.Now()

	s.Phase = to
	s.TSMillis = now.UnixMilli()
	s.Note = opts.Note

	if opts.DecisionID != "" {
		s.DecisionID = opts.DecisionID
	}
	if opts.OrderID != "" {
		s.OrderID = opts.OrderID
	}

	evt := PhaseChangeEvent{
		TSMillis:     s.TSMillis,
		Symbol:       s.Symbol,
		Prev:         prev,
		Next:         to,
		DecisionID:   s.DecisionID,
		OrderID:      s.OrderID,
		Note:         opts.Note,
		ErrorCount:   s.ErrorCount,
		RetryCount:   s.RetryCount,
		HasPosition:  s.HasPosition(),
		Amount:       s.Amount,
		EntryPrice:   s.EntryPrice,
		CurrentPrice: s.CurrentPrice,
	}
	if evt.HasPosition {
		evt.UnrealizedPnL = s.UnrealizedPnL()
	}

	s.PhaseHistory = append(s.PhaseHistory, PhaseTransitionRecord{
		TS:         s.TSMillis,
		From:       prev,
		To:         to,
		Note:       opts.Note,
		DecisionID: s.DecisionID,
	})
	if len(s.PhaseHistory) > maxPhaseHistory {
		s.PhaseHistory = s.PhaseHistory[len(s.PhaseHistory)-maxPhaseHistory:]
	}

	if log != nil {
		safeLogPhaseChange(log, evt)
	}
	return evt
}

// safeLogPhaseChange isolates a logger panic so it never reaches SetPhase's caller.
func safeLogPhaseChange(log PhaseChangeLogger, evt PhaseChangeEvent) {
	defer func() {
		_ = recover()
	}()
	log.LogPhaseChange(evt)
}

// ResetState resets a CoinState to IDLE, zeroing position fields. If
// keepHistory is false, PhaseHistory is cleared too.
func ResetState(s *CoinState, keepHistory bool) {
	s.Phase = PhaseIdle
	s.DecisionID = ""
	s.OrderID = ""
	s.ClientOrderID = ""
	s.Amount = decimal.Zero
	s.EntryPrice = decimal.Zero
	s.EntryTS = 0
	s.EntryFeePerUnit = decimal.Zero
	s.PeakPrice = decimal.Zero
	s.TrailingTrigger = decimal.Zero
	s.SLOrderID = ""
	s.TPOrderID = ""
	s.SLPrice = decimal.Zero
	s.TPPrice = decimal.Zero
	s.Signal = ""
	s.ExitReason = ""
	s.RetryCount = 0
	s.OrderPlacedTS = 0
	s.Note = "reset to idle"

	if !keepHistory {
		s.PhaseHistory = s.PhaseHistory[:0]
	}
}

// ValidateInvariants checks the CoinState invariants of spec.md §3 and
// returns a non-nil error describing the first violation found.
func ValidateInvariants(s *CoinState) error {
	hasPos := s.Amount.GreaterThan(decimal.Zero)
	if hasPos && !PositionHoldingPhases[s.Phase] {
		return fmt.Errorf("coin state invariant violated: amount>0 in phase %s", s.Phase)
	}
	if !hasPos && PositionHoldingPhases[s.Phase] {
		return fmt.Errorf("coin state invariant violated: phase %s requires amount>0", s.Phase)
	}
	waitingPhase := s.Phase == PhaseWaitFill || s.Phase == PhaseWaitSellFill
	if waitingPhase && s.OrderID == "" {
		return fmt.Errorf("coin state invariant violated: phase %s requires order_id set", s.Phase)
	}
	return nil
}
