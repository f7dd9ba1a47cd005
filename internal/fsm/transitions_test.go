package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
)

func TestTransitionTable_NoDuplicates(t *testing.T) {
	// buildTransitionTable panics on a duplicate (phase, event) pair, so
	// simply building it again here re-exercises that guard.
	assert.NotPanics(t, func() {
		_ = buildTransitionTable()
	})
}

func TestTransitionTable_KeyTransitions(t *testing.T) {
	cases := []struct {
		name  string
		from  core.Phase
		event core.FSMEvent
		to    core.Phase
	}{
		{"idle slot available", core.PhaseIdle, core.EventSlotAvailable, core.PhaseEntryEval},
		{"guards blocked returns idle", core.PhaseEntryEval, core.EventGuardsBlocked, core.PhaseIdle},
		{"buy filled opens position", core.PhaseWaitFill, core.EventBuyOrderFilled, core.PhasePosition},
		{"buy partial stays waiting", core.PhaseWaitFill, core.EventBuyOrderPartial, core.PhaseWaitFill},
		{"position tick moves to exit eval", core.PhasePosition, core.EventTickReceived, core.PhaseExitEval},
		{"exit eval tp triggers sell", core.PhaseExitEval, core.EventExitSignalTP, core.PhasePlaceSell},
		{"exit eval no signal returns to position", core.PhaseExitEval, core.EventTickReceived, core.PhasePosition},
		{"sell filled closes position", core.PhaseWaitSellFill, core.EventSellOrderFilled, core.PhasePostTrade},
		{"cooldown expires to idle", core.PhaseCooldown, core.EventCooldownExpired, core.PhaseIdle},
		{"place buy error halts", core.PhasePlaceBuy, core.EventErrorOccurred, core.PhaseError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, ok := Table.Lookup(tc.from, tc.event)
			require.True(t, ok, "expected a transition for (%s, %s)", tc.from, tc.event)
			assert.Equal(t, tc.to, tr.To)
			assert.NotNil(t, tr.Action)
		})
	}
}

func TestTransitionTable_InvalidPairNotFound(t *testing.T) {
	_, ok := Table.Lookup(core.PhaseIdle, core.EventBuyOrderFilled)
	assert.False(t, ok)
}
