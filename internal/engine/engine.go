// Package engine implements the Engine (C10): the tick loop that drives
// every symbol's SymbolFSM forward, wires the Reconciler to the
// OrderRouter's fill events, and reports liveness metrics.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tradingcore/internal/coid"
	"tradingcore/internal/core"
	"tradingcore/internal/eventbus"
	"tradingcore/internal/fsm"
	"tradingcore/internal/reconciler"
	"tradingcore/internal/router"
	"tradingcore/pkg/concurrency"
	"tradingcore/pkg/logging"
	"tradingcore/pkg/telemetry"
)

// orderFilledTopic must match router's unexported topic constant: the
// Engine and the Reconciler both subscribe to the same bus topic the
// Router publishes to.
const orderFilledTopic = "order.filled"

// Config carries the resolved (native-Go-typed) tuning knobs the Engine
// needs, translated by the caller from config.Config.
type Config struct {
	TickInterval time.Duration
	MaxTrades    int

	PositionSizeUSDT decimal.Decimal
	MinSlotUSDT      decimal.Decimal

	HardSLPct      float64
	HardTPPct      float64
	TrailingEnable bool
	TrailingPct    float64
	MaxHoldSecs    int

	CooldownSecs int

	// ExitEvalEveryTicks is the POSITION-phase cycle counter period: every
	// Nth tick holding a position, the Engine crosses into EXIT_EVAL
	// (spec.md §4.6 "every Nth tick emit TICK_RECEIVED").
	ExitEvalEveryTicks int
	// LivenessEveryTicks is how often the Engine refreshes its
	// stuck/liveness gauges.
	LivenessEveryTicks int

	WorkerPoolSize int
}

func (c Config) withDefaults() Config {
	if c.ExitEvalEveryTicks <= 0 {
		c.ExitEvalEveryTicks = 5
	}
	if c.LivenessEveryTicks <= 0 {
		c.LivenessEveryTicks = 20
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = runtime.NumCPU()
	}
	return c
}

// Engine is the Engine (C10): one tick goroutine advancing every
// watched symbol's SymbolFSM, backed by a worker pool for the
// off-tick-thread order placement/fill-wait work.
type Engine struct {
	cfg     Config
	symbols []string

	exchange   core.ExchangeWrapper
	portfolio  PortfolioView
	coidMgr    *coid.Manager
	router     *router.Router
	reconciler *reconciler.Reconciler
	bus        *eventbus.Bus
	snapshots  *fsm.SnapshotManager
	timeouts   *fsm.TimeoutManager

	marketData core.MarketDataProvider
	signals    core.SignalEvaluator
	guards     core.GuardEvaluator

	pool *concurrency.WorkerPool

	machinesMu sync.RWMutex
	machines   map[string]*fsm.Machine
	cycles     map[string]int

	fillsMu sync.Mutex
	fills   map[string]router.OrderFilledEvent

	runningMu sync.Mutex
	running   bool

	tracer      trace.Tracer
	tickCounter metric.Int64Counter
	tickHist    metric.Float64Histogram
}

// PortfolioView is the subset of Portfolio the Engine reads directly
// (sizing and liveness); order placement and fill application go through
// Router/Reconciler instead.
type PortfolioView interface {
	FreeCash() decimal.Decimal
	Positions() map[string]core.Position
	MarkPrice(symbol string, price decimal.Decimal)
}

// Deps bundles the Engine's collaborators, grouped because the
// constructor otherwise takes an unwieldy parameter list.
type Deps struct {
	Exchange   core.ExchangeWrapper
	Portfolio  PortfolioView
	CoidMgr    *coid.Manager
	Router     *router.Router
	Reconciler *reconciler.Reconciler
	Bus        *eventbus.Bus
	Snapshots  *fsm.SnapshotManager
	Timeouts   *fsm.TimeoutManager
	MarketData core.MarketDataProvider
	Signals    core.SignalEvaluator
	Guards     core.GuardEvaluator
}

// New constructs an Engine over symbols, recovering any persisted
// CoinState from snapshots and falling back to a fresh warmed-up state
// for symbols with none. A symbol whose snapshot fails its invariant
// check is reset to IDLE with zeroed position fields rather than
// refusing to start (spec.md §4.8).
func New(symbols []string, cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:        cfg,
		symbols:    symbols,
		exchange:   deps.Exchange,
		portfolio:  deps.Portfolio,
		coidMgr:    deps.CoidMgr,
		router:     deps.Router,
		reconciler: deps.Reconciler,
		bus:        deps.Bus,
		snapshots:  deps.Snapshots,
		timeouts:   deps.Timeouts,
		marketData: deps.MarketData,
		signals:    deps.Signals,
		guards:     deps.Guards,
		pool:       concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "engine-orders", MaxWorkers: cfg.WorkerPoolSize}, logging.GetGlobalLogger()),
		machines:   make(map[string]*fsm.Machine),
		cycles:     make(map[string]int),
		fills:      make(map[string]router.OrderFilledEvent),
		tracer:     telemetry.GetTracer("engine"),
	}

	meter := telemetry.GetMeter("engine")
	e.tickCounter, _ = meter.Int64Counter("engine_ticks_total", metric.WithDescription("Total number of tick loop iterations"))
	e.tickHist, _ = meter.Float64Histogram("engine_tick_duration_seconds", metric.WithDescription("Wall-clock duration of one tick across all symbols"))

	for _, sym := range symbols {
		st, err := e.recoverState(sym)
		if err != nil {
			return nil, err
		}
		e.machines[sym] = fsm.NewMachine(st, snapshotLogger{mgr: e.snapshots, machines: e.machines, mu: &e.machinesMu})
	}

	if e.bus != nil {
		if e.reconciler != nil {
			e.bus.Subscribe(orderFilledTopic, e.reconciler.HandleOrderFilled)
		}
		e.bus.Subscribe(orderFilledTopic, e.onOrderFilled)
	}

	return e, nil
}

func (e *Engine) recoverState(symbol string) (*core.CoinState, error) {
	if e.snapshots == nil {
		return core.NewCoinState(symbol), nil
	}
	st, ok, err := e.snapshots.Load(symbol)
	if err != nil {
		logging.Warn("engine: discarding invalid snapshot, resetting to idle", "symbol", symbol, "error", err)
		fresh := core.NewCoinState(symbol)
		core.ResetState(fresh, false)
		return fresh, nil
	}
	if !ok {
		return core.NewCoinState(symbol), nil
	}
	return st, nil
}

// snapshotLogger adapts core.PhaseChangeLogger to SnapshotManager.Save,
// giving every successful transition the "persist before the next tick"
// guarantee spec.md §4.8 requires, without threading the snapshot
// manager through every action.
type snapshotLogger struct {
	mgr      *fsm.SnapshotManager
	machines map[string]*fsm.Machine
	mu       *sync.RWMutex
}

func (s snapshotLogger) LogPhaseChange(evt core.PhaseChangeEvent) {
	if s.mgr == nil {
		return
	}
	s.mu.RLock()
	m, ok := s.machines[evt.Symbol]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.mgr.Save(m.State()); err != nil {
		logging.Error("engine: snapshot save failed", "symbol", evt.Symbol, "error", err)
	}
}

// onOrderFilled is the Engine's own order.filled subscriber: it records
// the fill so the next WAIT_FILL/WAIT_SELL_FILL dispatch for that symbol
// can consume it. Router enforces at most one outstanding intent per
// symbol at a time via the FSM's own phase gating, so a single pending
// slot per symbol is sufficient.
func (e *Engine) onOrderFilled(payload any) {
	evt, ok := payload.(router.OrderFilledEvent)
	if !ok {
		return
	}
	e.fillsMu.Lock()
	e.fills[evt.Symbol] = evt
	e.fillsMu.Unlock()
}

func (e *Engine) takeFill(symbol string) (router.OrderFilledEvent, bool) {
	e.fillsMu.Lock()
	defer e.fillsMu.Unlock()
	evt, ok := e.fills[symbol]
	if ok {
		delete(e.fills, symbol)
	}
	return evt, ok
}

// Run implements bootstrap.Runner: the tick loop runs until ctx is
// canceled, then quiesces in-flight reconciliation and returns.
func (e *Engine) Run(ctx context.Context) error {
	e.runningMu.Lock()
	e.running = true
	e.runningMu.Unlock()

	if e.reconciler != nil {
		e.reconciler.Start(ctx)
	}

	logging.Info("engine: starting tick loop", "symbols", len(e.symbols), "tick_interval", e.cfg.TickInterval)

	var tickCount uint64
	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		default:
		}

		t0 := time.Now()
		e.tick(ctx)
		tickCount++

		elapsed := time.Since(t0)
		e.tickCounter.Add(ctx, 1)
		e.tickHist.Record(ctx, elapsed.Seconds())

		if tickCount%uint64(e.cfg.LivenessEveryTicks) == 0 {
			e.reportLiveness()
		}

		sleepFor := e.cfg.TickInterval - elapsed
		if sleepFor <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-time.After(sleepFor):
		}
	}
}

func (e *Engine) shutdown() error {
	e.runningMu.Lock()
	e.running = false
	e.runningMu.Unlock()

	logging.Info("engine: shutting down")
	if e.reconciler != nil {
		e.reconciler.Stop()
	}
	e.pool.Stop()
	return nil
}

// tick runs exactly one iteration of the loop body described in
// spec.md §4.10: a timeout pass over every symbol, then a market-data
// driven phase-dispatch pass over every symbol.
func (e *Engine) tick(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "tick")
	defer span.End()

	now := time.Now()
	for _, sym := range e.symbols {
		e.advanceTimeouts(sym, now)
	}

	for _, sym := range e.symbols {
		snap, err := e.marketData.Snapshot(ctx, sym)
		if err != nil {
			logging.Warn("engine: market data snapshot failed", "symbol", sym, "error", err)
			continue
		}
		e.process(ctx, sym, snap)
	}
}

func (e *Engine) machine(symbol string) *fsm.Machine {
	e.machinesMu.RLock()
	defer e.machinesMu.RUnlock()
	return e.machines[symbol]
}

func (e *Engine) advanceTimeouts(symbol string, now time.Time) {
	m := e.machine(symbol)
	if m == nil {
		return
	}
	st := m.State()

	if st.Phase == core.PhaseError {
		e.checkErrorBackoff(m, now)
	}

	evtCtx, ok := e.timeouts.CheckAll(st, now)
	if !ok {
		return
	}
	e.dispatch(symbol, m, evtCtx)
}

// checkErrorBackoff implements spec.md §4.6's ERROR-phase exponential
// backoff recovery. transitions.go (the authoritative transition table)
// has no event for leaving ERROR other than MANUAL_HALT, which
// self-loops — so this path calls core.SetPhase directly instead of
// going through Machine.Dispatch, the one place in this module that
// mutates phase outside the transition table.
func (e *Engine) checkErrorBackoff(m *fsm.Machine, now time.Time) {
	st := m.State()
	backoffSecs := 10 * (1 << minInt(st.ErrorCount, 5))
	if backoffSecs > 300 {
		backoffSecs = 300
	}
	if st.AgeSeconds(now) < float64(backoffSecs) {
		return
	}

	core.ResetState(st, true)
	core.SetPhase(st, core.PhaseIdle, core.SetPhaseOptions{
		Note: "recovered from error backoff",
	}, snapshotLogger{mgr: e.snapshots, machines: e.machines, mu: &e.machinesMu})
	logging.Info("engine: symbol recovered from error backoff", "symbol", st.Symbol, "backoff_secs", backoffSecs)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// dispatch runs one event through the Machine and swallows any action
// error into the error-occurred path rather than letting it unwind the
// tick loop — a single symbol's action failure must never stop the
// other symbols from advancing (spec.md §5).
func (e *Engine) dispatch(symbol string, m *fsm.Machine, evtCtx core.EventContext) {
	if err := m.Dispatch(evtCtx); err != nil {
		logging.Error("engine: action failed", "symbol", symbol, "event", string(evtCtx.Event), "error", err)
		errCtx := core.NewEventContext(core.EventErrorOccurred, symbol)
		errCtx.Err = err
		_ = m.Dispatch(errCtx)
	}
}

// process is symbol_fsm.process(sym, snapshot): the market-data driven
// phase dispatch, one switch arm per phase per spec.md §4.6.
func (e *Engine) process(ctx context.Context, symbol string, snap *core.MarketSnapshot) {
	m := e.machine(symbol)
	if m == nil {
		return
	}
	st := m.State()
	e.portfolio.MarkPrice(symbol, snap.Last)

	switch st.Phase {
	case core.PhaseWarmup:
		e.dispatch(symbol, m, core.NewEventContext(core.EventWarmupCompleted, symbol))

	case core.PhaseIdle:
		e.processIdle(symbol, m, st)

	case core.PhaseEntryEval:
		e.processEntryEval(symbol, m, snap)

	case core.PhasePlaceBuy:
		e.processPlaceBuy(ctx, symbol, m, st, snap)

	case core.PhaseWaitFill:
		e.processWaitFill(symbol, m)

	case core.PhasePosition:
		e.processPosition(symbol, m, st, snap)

	case core.PhaseExitEval:
		e.processExitEval(symbol, m, st)

	case core.PhasePlaceSell:
		e.processPlaceSell(ctx, symbol, m, st, snap)

	case core.PhaseWaitSellFill:
		e.processWaitSellFill(symbol, m)

	case core.PhasePostTrade:
		evtCtx := core.NewEventContext(core.EventTickReceived, symbol)
		evtCtx.Data["cooldown_secs"] = float64(e.cfg.CooldownSecs)
		e.dispatch(symbol, m, evtCtx)

	case core.PhaseCooldown:
		e.dispatch(symbol, m, core.NewEventContext(core.EventTickReceived, symbol))

	case core.PhaseError:
		// Handled by advanceTimeouts' backoff check; nothing market-data
		// driven happens here.
	}
}

func (e *Engine) processIdle(symbol string, m *fsm.Machine, st *core.CoinState) {
	now := time.Now()
	if st.InCooldown(now) {
		e.dispatch(symbol, m, core.NewEventContext(core.EventTickReceived, symbol))
		return
	}

	active := 0
	for _, pos := range e.portfolio.Positions() {
		if pos.State == core.PositionOpen || pos.State == core.PositionPartialExit {
			active++
		}
	}
	if active >= e.cfg.MaxTrades {
		e.dispatch(symbol, m, core.NewEventContext(core.EventTickReceived, symbol))
		return
	}

	evtCtx := core.NewEventContext(core.EventSlotAvailable, symbol)
	evtCtx.DecisionID = uuid.NewString()
	e.dispatch(symbol, m, evtCtx)
}

func (e *Engine) processEntryEval(symbol string, m *fsm.Machine, snap *core.MarketSnapshot) {
	if e.guards != nil {
		if ok, failed := e.guards.Passes(symbol, snap.Last); !ok {
			evtCtx := core.NewEventContext(core.EventGuardsBlocked, symbol)
			evtCtx.Data["block_reason"] = strings.Join(failed, ",")
			e.dispatch(symbol, m, evtCtx)
			return
		}
	}

	if e.signals == nil {
		e.dispatch(symbol, m, core.NewEventContext(core.EventNoSignal, symbol))
		return
	}

	e.signals.Update(symbol, snap.Last)
	triggered, sigCtx := e.signals.Evaluate(symbol, snap.Last)
	if !triggered {
		evtCtx := core.NewEventContext(core.EventNoSignal, symbol)
		evtCtx.Data["block_reason"] = "no_signal"
		e.dispatch(symbol, m, evtCtx)
		return
	}

	evtCtx := core.NewEventContext(core.EventSignalDetected, symbol)
	for k, v := range sigCtx {
		evtCtx.Data[k] = v
	}
	if _, ok := evtCtx.Data["signal_type"]; !ok {
		evtCtx.Data["signal_type"] = "generic"
	}
	e.dispatch(symbol, m, evtCtx)
}

func (e *Engine) processPlaceBuy(ctx context.Context, symbol string, m *fsm.Machine, st *core.CoinState, snap *core.MarketSnapshot) {
	budget := decimal.Min(
		e.portfolio.FreeCash().Div(decimal.NewFromInt(int64(e.cfg.MaxTrades))),
		e.cfg.PositionSizeUSDT,
	)
	if budget.LessThan(e.cfg.MinSlotUSDT) {
		evtCtx := core.NewEventContext(core.EventOrderPlacementFailed, symbol)
		evtCtx.Data["reject_reason"] = "quote_budget_below_min_slot"
		e.dispatch(symbol, m, evtCtx)
		return
	}
	if snap.Last.LessThanOrEqual(decimal.Zero) {
		evtCtx := core.NewEventContext(core.EventOrderPlacementFailed, symbol)
		evtCtx.Data["reject_reason"] = "no_reference_price"
		e.dispatch(symbol, m, evtCtx)
		return
	}
	qty := budget.Div(snap.Last)

	coidStr, err := e.coidMgr.NextClientOrderID(st.DecisionID, 0, core.SideBuy, symbol, false)
	if err != nil {
		evtCtx := core.NewEventContext(core.EventErrorOccurred, symbol)
		evtCtx.Err = err
		e.dispatch(symbol, m, evtCtx)
		return
	}

	intent := core.Intent{
		IntentID:   coidStr,
		Symbol:     symbol,
		Side:       core.SideBuy,
		Qty:        qty,
		DecisionID: st.DecisionID,
		Reason:     "entry_signal",
	}
	e.submitIntent(ctx, intent)

	evtCtx := core.NewEventContext(core.EventBuyOrderPlaced, symbol)
	evtCtx.OrderID = coidStr
	evtCtx.Data["order_price"] = snap.Last.InexactFloat64()
	evtCtx.Data["order_qty"] = qty.InexactFloat64()
	e.dispatch(symbol, m, evtCtx)
}

func (e *Engine) processWaitFill(symbol string, m *fsm.Machine) {
	fill, ok := e.takeFill(symbol)
	if !ok {
		return
	}
	filled, _ := fill.FilledQty.Float64()
	avg, _ := fill.AvgPrice.Float64()
	evtCtx := core.NewEventContext(core.EventBuyOrderFilled, symbol)
	evtCtx.OrderID = fill.OrderID
	evtCtx.FilledQty = &filled
	evtCtx.AvgPrice = &avg
	if filters, err := e.exchange.SymbolFilters(context.Background(), symbol); err == nil {
		evtCtx.Data["price_tick"] = filters.TickSize.InexactFloat64()
	}
	evtCtx.Data["tp_pct"] = e.cfg.HardTPPct * 100
	evtCtx.Data["sl_pct"] = e.cfg.HardSLPct * 100
	e.dispatch(symbol, m, evtCtx)
}

func (e *Engine) processPosition(symbol string, m *fsm.Machine, st *core.CoinState, snap *core.MarketSnapshot) {
	evtCtx := core.NewEventContext(core.EventPositionUpdated, symbol)
	evtCtx.Data["current_price"] = snap.Last.InexactFloat64()
	evtCtx.Data["trailing_enable"] = e.cfg.TrailingEnable
	evtCtx.Data["trailing_pct"] = e.cfg.TrailingPct
	e.dispatch(symbol, m, evtCtx)

	e.machinesMu.Lock()
	e.cycles[symbol]++
	count := e.cycles[symbol]
	e.machinesMu.Unlock()

	if count%e.cfg.ExitEvalEveryTicks == 0 {
		e.dispatch(symbol, m, core.NewEventContext(core.EventTickReceived, symbol))
	}
}

func (e *Engine) processExitEval(symbol string, m *fsm.Machine, st *core.CoinState) {
	if st.EntryPrice.IsZero() {
		e.dispatch(symbol, m, core.NewEventContext(core.EventTickReceived, symbol))
		return
	}

	pnlPct := st.CurrentPrice.Sub(st.EntryPrice).Div(st.EntryPrice)

	switch {
	case pnlPct.LessThanOrEqual(decimal.NewFromFloat(-e.cfg.HardSLPct)):
		e.emitExit(symbol, m, core.EventExitSignalSL, "HARD_SL")
	case pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.HardTPPct)):
		e.emitExit(symbol, m, core.EventExitSignalTP, "HARD_TP")
	case e.cfg.TrailingEnable && st.PeakPrice.GreaterThan(decimal.Zero) && pnlPct.GreaterThan(decimal.Zero) &&
		st.PeakPrice.Sub(st.CurrentPrice).Div(st.PeakPrice).GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.TrailingPct)):
		e.emitExit(symbol, m, core.EventExitSignalTrailing, "TRAIL_SL")
	case e.cfg.MaxHoldSecs > 0 && time.Now().Sub(time.Unix(int64(st.EntryTS), 0)) >= time.Duration(e.cfg.MaxHoldSecs)*time.Second:
		e.emitExit(symbol, m, core.EventExitSignalTimeout, "TIME_EXIT")
	default:
		e.dispatch(symbol, m, core.NewEventContext(core.EventTickReceived, symbol))
	}
}

func (e *Engine) emitExit(symbol string, m *fsm.Machine, event core.FSMEvent, reason string) {
	evtCtx := core.NewEventContext(event, symbol)
	evtCtx.Data["exit_signal"] = reason
	e.dispatch(symbol, m, evtCtx)
}

func (e *Engine) processPlaceSell(ctx context.Context, symbol string, m *fsm.Machine, st *core.CoinState, snap *core.MarketSnapshot) {
	qty := st.Amount
	if qty.LessThanOrEqual(decimal.Zero) {
		e.dispatch(symbol, m, core.NewEventContext(core.EventSellOrderRejected, symbol))
		return
	}

	coidStr, err := e.coidMgr.NextClientOrderID(st.DecisionID, 1, core.SideSell, symbol, false)
	if err != nil {
		evtCtx := core.NewEventContext(core.EventErrorOccurred, symbol)
		evtCtx.Err = err
		e.dispatch(symbol, m, evtCtx)
		return
	}

	intent := core.Intent{
		IntentID:   coidStr,
		Symbol:     symbol,
		Side:       core.SideSell,
		Qty:        qty,
		DecisionID: st.DecisionID,
		Reason:     st.ExitReason,
	}
	e.submitIntent(ctx, intent)

	evtCtx := core.NewEventContext(core.EventSellOrderPlaced, symbol)
	evtCtx.OrderID = coidStr
	e.dispatch(symbol, m, evtCtx)
}

func (e *Engine) processWaitSellFill(symbol string, m *fsm.Machine) {
	fill, ok := e.takeFill(symbol)
	if !ok {
		return
	}
	filled, _ := fill.FilledQty.Float64()
	avg, _ := fill.AvgPrice.Float64()
	evtCtx := core.NewEventContext(core.EventSellOrderFilled, symbol)
	evtCtx.OrderID = fill.OrderID
	evtCtx.FilledQty = &filled
	evtCtx.AvgPrice = &avg
	e.dispatch(symbol, m, evtCtx)
}

// submitIntent hands the intent to the Router on the worker pool so a
// slow exchange call for one symbol never blocks the tick goroutine's
// advance of the others (spec.md §5).
func (e *Engine) submitIntent(ctx context.Context, intent core.Intent) {
	if err := e.pool.Submit(func() {
		e.router.HandleIntent(context.Background(), intent)
	}); err != nil {
		logging.Error("engine: failed to submit intent to worker pool", "intent_id", intent.IntentID, "error", err)
	}
}

// reportLiveness logs a lightweight per-symbol phase/position summary.
// A richer health.jsonl heartbeat is internal/telemetry's concern; this
// is the Engine's own "I am still advancing" signal.
func (e *Engine) reportLiveness() {
	e.machinesMu.RLock()
	defer e.machinesMu.RUnlock()
	for sym, m := range e.machines {
		st := m.State()
		logging.Debug("engine: liveness", "symbol", sym, "phase", string(st.Phase), "age_s", fmt.Sprintf("%.1f", st.AgeSeconds(time.Now())))
	}
}
