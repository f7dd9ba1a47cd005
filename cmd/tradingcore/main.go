// Command tradingcore is the trading-core process entrypoint: it loads
// configuration, wires the exchange, portfolio, router, reconciler, and
// per-symbol state machines, then runs the Engine's tick loop until a
// termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingcore/internal/bootstrap"
	"tradingcore/internal/coid"
	"tradingcore/internal/core"
	"tradingcore/internal/engine"
	"tradingcore/internal/eventbus"
	"tradingcore/internal/exchange/binance"
	"tradingcore/internal/exchange/mock"
	"tradingcore/internal/feeds"
	"tradingcore/internal/fsm"
	"tradingcore/internal/ledger"
	"tradingcore/internal/portfolio"
	"tradingcore/internal/reconciler"
	"tradingcore/internal/router"
	internaltelemetry "tradingcore/internal/telemetry"
	"tradingcore/pkg/logging"
	oteltelemetry "tradingcore/pkg/telemetry"
)

// defaultSignalAlpha and defaultSignalThresholdPct tune the built-in
// momentum signal. They are not exposed in Config: tuning an actual
// trading strategy is out of this module's scope (spec.md §1
// Non-goals) — a deployment wanting a real signal swaps this
// collaborator out entirely rather than adjusting these constants.
const (
	defaultSignalAlpha        = 0.2
	defaultSignalThresholdPct = 0.003
	defaultGuardMaxSpreadPct  = 0.01
	defaultReconcileSweep     = 30 * time.Second
	defaultTickerCacheTTL     = time.Second
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradingcore: startup failed: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg

	zapLogger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradingcore: logger init failed: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(zapLogger)

	otel, err := oteltelemetry.Setup("tradingcore")
	if err != nil {
		app.Logger.Warn("otel setup failed, continuing without exporters", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otel.Shutdown(ctx)
		}()
	}

	sessionID := uuid.NewString()
	rec, err := internaltelemetry.New(cfg.System.LogDir, "tradingcore", sessionID, cfg.System.LogRetainDays)
	if err != nil {
		app.Logger.Error("telemetry recorder init failed", "error", err)
		os.Exit(1)
	}
	defer rec.Close()
	fsm.SetDecisionRecorder(rec)

	exch, mockAdapter := buildExchange(cfg)

	ledgerPath := filepath.Join(cfg.System.StateDir, "ledger.db")
	ldg, err := ledger.Open(ledgerPath)
	if err != nil {
		app.Logger.Error("ledger open failed", "error", err, "path", ledgerPath)
		os.Exit(1)
	}
	defer ldg.Close()

	pf := portfolio.New(
		decimal.NewFromFloat(cfg.Trading.TotalBudgetUSDT),
		decimal.NewFromFloat(cfg.Router.MinNotionalUSDT),
		ldg,
	)

	bus := eventbus.New()

	coidPath := filepath.Join(cfg.System.StateDir, "coid_kv.json")
	coidMgr, err := coid.NewManager(coidPath)
	if err != nil {
		app.Logger.Error("coid manager init failed", "error", err, "path", coidPath)
		os.Exit(1)
	}

	rt := router.New(exch, pf, bus, router.Config{
		MaxRetries:      cfg.Router.MaxRetries,
		RetryBackoff:    time.Duration(cfg.Router.BackoffMS) * time.Millisecond,
		TIF:             core.TimeInForce(cfg.Router.TIF),
		SlippageBps:     cfg.Router.SlippageBps,
		MinNotionalUSDT: decimal.NewFromFloat(cfg.Router.MinNotionalUSDT),
	})

	recon := reconciler.New(exch, pf, coidMgr, rec, cfg.App.Symbols, defaultReconcileSweep)

	snapDir := cfg.Snapshot.Dir
	if !cfg.Snapshot.Enabled {
		snapDir = filepath.Join(cfg.System.StateDir, "fsm_snapshots")
	}
	snaps, err := fsm.NewSnapshotManager(snapDir)
	if err != nil {
		app.Logger.Error("snapshot manager init failed", "error", err, "dir", snapDir)
		os.Exit(1)
	}

	timeouts := fsm.NewTimeoutManager(
		time.Duration(cfg.Trading.BuyFillTimeoutSecs)*time.Second,
		time.Duration(cfg.Trading.SellFillTimeoutSecs)*time.Second,
		time.Duration(cfg.Trading.CooldownSecs)*time.Second,
		time.Duration(cfg.Trading.TradeTTLMin)*time.Minute,
	)

	marketData, guardFeed := buildMarketData(cfg, mockAdapter)
	signals := feeds.NewMomentumSignal(defaultSignalAlpha, defaultSignalThresholdPct)
	guards := feeds.NewBasicGuards(guardFeed, pf, defaultGuardMaxSpreadPct, decimal.NewFromFloat(cfg.Trading.MinSlotUSDT))

	eng, err := engine.New(cfg.App.Symbols, engine.Config{
		TickInterval:     time.Duration(cfg.App.TickMS) * time.Millisecond,
		MaxTrades:        cfg.App.MaxTrades,
		PositionSizeUSDT: decimal.NewFromFloat(cfg.Trading.PositionSizeUSDT),
		MinSlotUSDT:      decimal.NewFromFloat(cfg.Trading.MinSlotUSDT),
		HardSLPct:        cfg.Exit.HardSLPct,
		HardTPPct:        cfg.Exit.HardTPPct,
		TrailingEnable:   cfg.Exit.TrailingEnable,
		TrailingPct:      cfg.Exit.TrailingPct,
		MaxHoldSecs:      cfg.Exit.MaxHoldSecs,
		CooldownSecs:     cfg.Trading.CooldownSecs,
	}, engine.Deps{
		Exchange:   exch,
		Portfolio:  pf,
		CoidMgr:    coidMgr,
		Router:     rt,
		Reconciler: recon,
		Bus:        bus,
		Snapshots:  snaps,
		Timeouts:   timeouts,
		MarketData: marketData,
		Signals:    signals,
		Guards:     guards,
	})
	if err != nil {
		app.Logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(eng); err != nil {
		app.Logger.Error("tradingcore exited with error", "error", err)
		os.Exit(1)
	}
}

// buildExchange constructs the configured exchange adapter. It also
// returns the mock adapter (nil for live exchanges) so buildMarketData
// can drive ticks from the same seeded prices the mock uses to fill
// orders.
func buildExchange(cfg *bootstrap.Config) (core.ExchangeWrapper, *mock.Adapter) {
	if cfg.Exchange.Name == "mock" {
		m := mock.New()
		for _, symbol := range cfg.App.Symbols {
			m.SetPrice(symbol, decimal.NewFromInt(100))
		}
		return m, m
	}
	return binance.New(binance.Config{
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		BaseURL:   cfg.Exchange.BaseURL,
	}), nil
}

// buildMarketData constructs the market-data collaborator: a mock feed
// reading the same seeded prices as the mock exchange in dry-run mode,
// or a polling ticker feed against the live exchange's public endpoint
// otherwise (spec.md §6: "may be built over periodic ticker fetches
// with a short TTL cache").
func buildMarketData(cfg *bootstrap.Config, mockAdapter *mock.Adapter) (core.MarketDataProvider, feeds.GuardFeed) {
	if mockAdapter != nil {
		f := feeds.NewMockFeed(mockAdapter)
		return f, f
	}
	f := feeds.NewTickerFeed(cfg.Exchange.BaseURL, defaultTickerCacheTTL)
	return f, f
}
