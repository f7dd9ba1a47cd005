package fsm

import (
	"tradingcore/internal/core"
	"tradingcore/pkg/logging"
)

// Machine owns one symbol's CoinState and advances it by dispatching
// events through the package TransitionTable.
type Machine struct {
	state *core.CoinState
	log   core.PhaseChangeLogger
}

// NewMachine wraps an existing CoinState (e.g. restored from a snapshot)
// or a freshly warmed-up one. log may be nil.
func NewMachine(state *core.CoinState, log core.PhaseChangeLogger) *Machine {
	return &Machine{state: state, log: log}
}

// State returns the underlying CoinState. Callers must not mutate Phase
// directly; go through Dispatch.
func (m *Machine) State() *core.CoinState { return m.state }

// Dispatch applies one event to the machine's current phase. If the
// (phase, event) pair is not in the transition table, this is a no-op:
// logged as an invalid transition, never a panic and never a state
// change, per spec.
func (m *Machine) Dispatch(ctx core.EventContext) error {
	from := m.state.Phase
	tr, ok := Table.Lookup(from, ctx.Event)
	if !ok {
		logging.Warn("fsm_invalid_transition",
			"symbol", m.state.Symbol, "phase", string(from), "event", string(ctx.Event))
		recordDecision("fsm_invalid_transition", m.state.Symbol, map[string]any{
			"phase": string(from), "event": string(ctx.Event),
		})
		return nil
	}

	actionErr := tr.Action(ctx, m.state)

	core.SetPhase(m.state, tr.To, core.SetPhaseOptions{
		Note:       m.state.Note,
		DecisionID: ctx.DecisionID,
		OrderID:    ctx.OrderID,
	}, m.log)

	return actionErr
}
