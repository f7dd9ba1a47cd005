package fsm

// DecisionRecorder receives one structured decision-log event per action
// invocation (spec.md §4.11/§6's decisions.jsonl stream). Implementations
// must never block or panic; a nil recorder silently drops events.
type DecisionRecorder interface {
	RecordDecision(kind, symbol string, fields map[string]any)
}

var decisionLog DecisionRecorder

// SetDecisionRecorder wires the package-level decision sink. Call once at
// startup before the engine begins dispatching ticks.
func SetDecisionRecorder(r DecisionRecorder) {
	decisionLog = r
}

func recordDecision(kind, symbol string, fields map[string]any) {
	if decisionLog == nil {
		return
	}
	defer func() { _ = recover() }()
	decisionLog.RecordDecision(kind, symbol, fields)
}
