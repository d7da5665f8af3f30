// Package core owns the strategy runtime registry and the platform command
// dispatcher. All lifecycle transitions flow through one place so a strategy
// can never be started twice or stopped mid-start.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/broker"
	"github.com/atlas-desktop/trade-executor/internal/condition"
	"github.com/atlas-desktop/trade-executor/internal/exit"
	"github.com/atlas-desktop/trade-executor/internal/filter"
	"github.com/atlas-desktop/trade-executor/internal/metrics"
	"github.com/atlas-desktop/trade-executor/internal/risk"
	"github.com/atlas-desktop/trade-executor/internal/runtime"
	"github.com/atlas-desktop/trade-executor/internal/store"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// commandWindow is how long a command ID stays in the dedupe set. Reconnect
// replays inside the window are no-ops.
const commandWindow = 10 * time.Minute

// ErrAlreadyRunning is returned when a START addresses a live strategy.
var ErrAlreadyRunning = errors.New("strategy already running")

// ErrNotRunning is returned when a lifecycle command addresses an unknown or
// stopped strategy.
var ErrNotRunning = errors.New("strategy not running")

// TradeReporter is the outbound slice of the platform link the core needs.
type TradeReporter interface {
	ReportTrade(ctx context.Context, ev types.TradeEvent) error
	ReportHeartbeat(ctx context.Context, hb types.HeartbeatSnapshot) error
}

// Deps are the core's collaborators, wired once at startup.
type Deps struct {
	Logger   *zap.Logger
	Broker   broker.Broker
	Store    *store.Store
	Reporter TradeReporter // nil when running without a platform connection
	Calendar filter.NewsCalendar

	ExecutorID string
	Magic      int64
	Heartbeat  time.Duration
}

type managedRuntime struct {
	rt     *runtime.Runtime
	cancel context.CancelFunc
	done   chan struct{}
}

// Core is the executor's single writer for runtime lifecycle state.
type Core struct {
	logger   *zap.Logger
	deps     Deps
	engine   *condition.Engine
	counters *risk.Counters
	gate     *risk.Gate

	mu       sync.RWMutex
	runtimes map[string]*managedRuntime

	cmdMu   sync.Mutex
	seen    map[string]time.Time
	lastHB  time.Time
	baseCtx context.Context

	events chan types.TradeEvent

	portMu    sync.RWMutex
	portfolio risk.PortfolioView

	hookMu    sync.RWMutex
	eventHook func(types.TradeEvent)
}

// SetEventHook registers a callback invoked for every trade event after it is
// persisted, used to push updates to the UI.
func (c *Core) SetEventHook(hook func(types.TradeEvent)) {
	c.hookMu.Lock()
	c.eventHook = hook
	c.hookMu.Unlock()
}

// New creates the core. Start must be called before commands are dispatched.
func New(deps Deps) *Core {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	logger := deps.Logger.Named("core")
	counters := risk.NewCounters()
	return &Core{
		logger:   logger,
		deps:     deps,
		engine:   condition.New(deps.Logger),
		counters: counters,
		gate:     risk.NewGate(deps.Logger, counters),
		runtimes: make(map[string]*managedRuntime),
		seen:     make(map[string]time.Time),
		events:   make(chan types.TradeEvent, 256),
		portfolio: risk.PortfolioView{
			PositionsBySymbol: map[string]int{},
		},
	}
}

// Start launches the event pump and heartbeat loop, then restores persisted
// strategies in the paused state so a restart never trades unsupervised.
func (c *Core) Start(ctx context.Context) error {
	c.baseCtx = ctx
	go c.pumpEvents(ctx)
	go c.heartbeatLoop(ctx)
	c.refreshPortfolio(ctx)

	configs, err := c.deps.Store.LoadStrategies(ctx)
	if err != nil {
		return fmt.Errorf("restore strategies: %w", err)
	}
	for _, cfg := range configs {
		if err := c.launch(cfg, true); err != nil {
			c.logger.Error("restore failed",
				zap.String("strategy", cfg.ID), zap.Error(err))
		}
	}
	if len(configs) > 0 {
		c.logger.Info("restored persisted strategies as paused",
			zap.Int("count", len(configs)))
	}
	return nil
}

// RunCommands consumes a platform command channel until it closes or ctx ends.
func (c *Core) RunCommands(ctx context.Context, commands <-chan types.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if err := c.HandleCommand(ctx, cmd); err != nil {
				c.logger.Warn("command failed",
					zap.String("commandId", cmd.ID),
					zap.String("kind", string(cmd.Kind)),
					zap.Error(err))
			}
		}
	}
}

// HandleCommand dispatches one platform command. Duplicate IDs inside the
// dedupe window and expired commands are acknowledged without effect.
func (c *Core) HandleCommand(ctx context.Context, cmd types.Command) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	now := time.Now().UTC()
	c.pruneSeenLocked(now)
	if _, dup := c.seen[cmd.ID]; dup {
		metrics.CommandsHandled.WithLabelValues(string(cmd.Kind), "duplicate").Inc()
		c.logger.Info("duplicate command ignored", zap.String("commandId", cmd.ID))
		return nil
	}
	c.seen[cmd.ID] = now

	if cmd.Expired(now) {
		metrics.CommandsHandled.WithLabelValues(string(cmd.Kind), "expired").Inc()
		c.logger.Warn("expired command dropped",
			zap.String("commandId", cmd.ID),
			zap.Time("expiresAt", cmd.ExpiresAt))
		return nil
	}

	err := c.dispatch(ctx, cmd)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CommandsHandled.WithLabelValues(string(cmd.Kind), outcome).Inc()
	return err
}

func (c *Core) dispatch(ctx context.Context, cmd types.Command) error {
	switch cmd.Kind {
	case types.CommandStart:
		cfg, err := cmd.StrategyPayload()
		if err != nil {
			return fmt.Errorf("decode start payload: %w", err)
		}
		return c.StartStrategy(ctx, *cfg)
	case types.CommandStop:
		id, err := cmd.TargetPayload()
		if err != nil {
			return err
		}
		return c.StopStrategy(id, false)
	case types.CommandStopAndClose:
		id, err := cmd.TargetPayload()
		if err != nil {
			return err
		}
		return c.StopStrategy(id, true)
	case types.CommandPause:
		id, err := cmd.TargetPayload()
		if err != nil {
			return err
		}
		return c.PauseStrategy(id)
	case types.CommandResume:
		id, err := cmd.TargetPayload()
		if err != nil {
			return err
		}
		return c.ResumeStrategy(id)
	case types.CommandEmergencyStop:
		c.EmergencyStop()
		return nil
	case types.CommandUpdateSettings:
		cfg, err := cmd.StrategyPayload()
		if err != nil {
			return fmt.Errorf("decode settings payload: %w", err)
		}
		return c.UpdateSettings(ctx, *cfg)
	case types.CommandPing:
		return nil
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (c *Core) pruneSeenLocked(now time.Time) {
	for id, at := range c.seen {
		if now.Sub(at) > commandWindow {
			delete(c.seen, id)
		}
	}
}

// StartStrategy validates, persists and launches a strategy.
func (c *Core) StartStrategy(ctx context.Context, cfg types.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	_, running := c.runtimes[cfg.ID]
	c.mu.RUnlock()
	if running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
	}
	if err := c.deps.Store.SaveStrategy(ctx, cfg); err != nil {
		return err
	}
	return c.launch(cfg, false)
}

func (c *Core) launch(cfg types.StrategyConfig, paused bool) error {
	opts := runtime.DefaultOptions()
	opts.StartPaused = paused
	rt := runtime.New(cfg, runtime.Deps{
		Logger:     c.deps.Logger,
		Broker:     c.deps.Broker,
		Engine:     c.engine,
		RiskGate:   c.gate,
		Calendar:   c.deps.Calendar,
		Portfolio:  c.PortfolioView,
		PeerCloses: func() map[string][]float64 { return c.peerCloses(cfg.ID) },
		Report:     c.submitEvent,
		Magic:      c.deps.Magic,
	}, opts)

	runCtx, cancel := context.WithCancel(c.baseCtx)
	managed := &managedRuntime{rt: rt, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, exists := c.runtimes[cfg.ID]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
	}
	c.runtimes[cfg.ID] = managed
	c.mu.Unlock()

	go func() {
		defer close(managed.done)
		if err := rt.Run(runCtx); err != nil {
			c.logger.Error("runtime exited with error",
				zap.String("strategy", cfg.ID), zap.Error(err))
		}
		c.mu.Lock()
		if c.runtimes[cfg.ID] == managed {
			delete(c.runtimes, cfg.ID)
		}
		c.mu.Unlock()
	}()
	c.logger.Info("strategy launched",
		zap.String("strategy", cfg.ID),
		zap.String("symbol", cfg.Symbol),
		zap.Bool("paused", paused))
	return nil
}

// StopStrategy stops a running strategy, optionally closing its positions, and
// waits for the runtime to exit.
func (c *Core) StopStrategy(id string, closePositions bool) error {
	c.mu.RLock()
	managed, ok := c.runtimes[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	managed.rt.Stop(closePositions)
	<-managed.done
	managed.cancel()
	c.refreshPortfolio(c.baseCtx)
	return nil
}

// PauseStrategy suspends new entries; open positions stay managed.
func (c *Core) PauseStrategy(id string) error {
	c.mu.RLock()
	managed, ok := c.runtimes[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	managed.rt.Pause()
	return nil
}

// ResumeStrategy re-enables entries on a paused strategy.
func (c *Core) ResumeStrategy(id string) error {
	c.mu.RLock()
	managed, ok := c.runtimes[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	managed.rt.Resume()
	return nil
}

// UpdateSettings persists the new config and swaps it into the live runtime
// when one exists.
func (c *Core) UpdateSettings(ctx context.Context, cfg types.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.deps.Store.SaveStrategy(ctx, cfg); err != nil {
		return err
	}
	c.mu.RLock()
	managed, ok := c.runtimes[cfg.ID]
	c.mu.RUnlock()
	if ok {
		managed.rt.UpdateSettings(cfg)
	}
	return nil
}

// EmergencyStop stops every runtime and closes every position. Runtimes are
// stopped one at a time so broker calls stay serialized.
func (c *Core) EmergencyStop() {
	c.logger.Warn("emergency stop")
	for _, id := range c.runtimeIDs() {
		if err := c.StopStrategy(id, true); err != nil && !errors.Is(err, ErrNotRunning) {
			c.logger.Error("emergency stop of strategy failed",
				zap.String("strategy", id), zap.Error(err))
		}
	}
}

// DeleteStrategy stops the strategy if running, then permanently removes it
// and its trade logs.
func (c *Core) DeleteStrategy(ctx context.Context, id string) (store.DeleteResult, error) {
	wasRunning := false
	if err := c.StopStrategy(id, false); err == nil {
		wasRunning = true
	}
	result, err := c.deps.Store.DeleteStrategy(ctx, id)
	if err != nil {
		return result, err
	}
	result.WasRunning = wasRunning
	c.logger.Info("strategy permanently deleted",
		zap.String("strategy", id),
		zap.Bool("wasRunning", wasRunning),
		zap.Int64("tradeLogsDeleted", result.TradeLogsDeleted))
	return result, nil
}

// Shutdown stops all runtimes without closing positions and flushes pending
// platform events.
func (c *Core) Shutdown(ctx context.Context) {
	for _, id := range c.runtimeIDs() {
		if err := c.StopStrategy(id, false); err != nil && !errors.Is(err, ErrNotRunning) {
			c.logger.Warn("shutdown stop failed",
				zap.String("strategy", id), zap.Error(err))
		}
	}
	c.drainEvents(ctx)
	c.logger.Info("core shut down")
}

func (c *Core) runtimeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.runtimes))
	for id := range c.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// submitEvent accepts an event from a runtime without blocking it. The
// emitter may hold locks handleEvent reads through the portfolio refresh, so
// an overflowing queue hands the event to its own goroutine instead of
// handling it inline.
func (c *Core) submitEvent(ev types.TradeEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event queue full, handling out of band",
			zap.String("eventId", ev.ID))
		go c.handleEvent(context.Background(), ev)
	}
}

func (c *Core) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Core) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

// handleEvent persists, accounts and forwards one trade event. Persistence
// comes first so a crash never loses a realized trade.
func (c *Core) handleEvent(ctx context.Context, ev types.TradeEvent) {
	if err := c.deps.Store.AppendTradeLog(ctx, ev); err != nil {
		c.logger.Error("trade log append failed",
			zap.String("eventId", ev.ID), zap.Error(err))
	}

	switch ev.Kind {
	case types.EventExit, types.EventPartial:
		pnl := decimal.Zero
		if ev.PnLRealized != nil {
			pnl = *ev.PnLRealized
		}
		c.counters.RecordTrade(ev.StrategyID, pnl, ev.Time)
		metrics.ExitsClosed.WithLabelValues(ev.StrategyID, ev.Reason).Inc()
		c.refreshPortfolio(ctx)
	case types.EventEntry:
		c.refreshPortfolio(ctx)
	}

	if c.deps.Reporter != nil {
		if err := c.deps.Reporter.ReportTrade(ctx, ev); err != nil {
			c.logger.Debug("trade event queued for retry",
				zap.String("eventId", ev.ID), zap.Error(err))
		}
	}

	c.hookMu.RLock()
	hook := c.eventHook
	c.hookMu.RUnlock()
	if hook != nil {
		hook(ev)
	}
}

// PortfolioView returns the cached portfolio snapshot.
func (c *Core) PortfolioView() risk.PortfolioView {
	c.portMu.RLock()
	defer c.portMu.RUnlock()
	return c.portfolio
}

// refreshPortfolio rebuilds the snapshot from the broker account and the
// runtimes' tracked positions.
func (c *Core) refreshPortfolio(ctx context.Context) {
	view := risk.PortfolioView{PositionsBySymbol: map[string]int{}}
	if acct, err := c.deps.Broker.AccountInfo(ctx); err == nil {
		view.Balance = acct.Balance
		view.Equity = acct.Equity
		equity, _ := acct.Equity.Float64()
		metrics.EquityGauge.Set(equity)
	} else {
		c.logger.Warn("account info unavailable", zap.Error(err))
		prev := c.PortfolioView()
		view.Balance = prev.Balance
		view.Equity = prev.Equity
	}

	c.mu.RLock()
	for _, managed := range c.runtimes {
		for _, pos := range managed.rt.OpenPositions() {
			if pos.VolumeRemaining <= 0 {
				continue
			}
			view.OpenPositions++
			if view.PositionsBySymbol[pos.Symbol] == 0 {
				view.OpenSymbols = append(view.OpenSymbols, pos.Symbol)
			}
			view.PositionsBySymbol[pos.Symbol]++
		}
	}
	c.mu.RUnlock()
	metrics.OpenPositions.Set(float64(view.OpenPositions))

	c.portMu.Lock()
	c.portfolio = view
	c.portMu.Unlock()
}

// peerCloses returns close series for symbols held open by other runtimes,
// for the requesting strategy's correlation gate.
func (c *Core) peerCloses(excludeStrategy string) map[string][]float64 {
	out := map[string][]float64{}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, managed := range c.runtimes {
		if id == excludeStrategy || managed.rt.OpenCount() == 0 {
			continue
		}
		symbol := managed.rt.Config().Symbol
		if _, dup := out[symbol]; dup {
			continue
		}
		if closes := managed.rt.Closes(); len(closes) > 0 {
			out[symbol] = closes
		}
	}
	return out
}

func (c *Core) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.deps.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshPortfolio(ctx)
			if c.deps.Reporter == nil {
				continue
			}
			hb := c.Heartbeat(ctx)
			if err := c.deps.Reporter.ReportHeartbeat(ctx, hb); err != nil {
				c.logger.Debug("heartbeat not delivered", zap.Error(err))
			}
		}
	}
}

// Heartbeat builds the current platform heartbeat snapshot.
func (c *Core) Heartbeat(ctx context.Context) types.HeartbeatSnapshot {
	hb := types.HeartbeatSnapshot{
		ExecutorID:      c.deps.ExecutorID,
		BrokerConnected: c.deps.Broker.Connected(),
		Time:            time.Now().UTC(),
	}
	if acct, err := c.deps.Broker.AccountInfo(ctx); err == nil {
		hb.Balance = acct.Balance
		hb.Equity = acct.Equity
		hb.Currency = acct.Currency
	}
	c.mu.RLock()
	hb.RuntimeCount = len(c.runtimes)
	for _, managed := range c.runtimes {
		hb.OpenPositions += managed.rt.OpenCount()
	}
	c.mu.RUnlock()
	return hb
}

// Summaries lists every known strategy with its live status and stored trade
// statistics. Stored strategies without a runtime report as stopped.
func (c *Core) Summaries(ctx context.Context) ([]types.StrategySummary, error) {
	configs, err := c.deps.Store.LoadStrategies(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	statuses := make(map[string]types.RuntimeStatus, len(c.runtimes))
	for id, managed := range c.runtimes {
		statuses[id] = managed.rt.Status()
	}
	c.mu.RUnlock()

	out := make([]types.StrategySummary, 0, len(configs))
	for _, cfg := range configs {
		status, ok := statuses[cfg.ID]
		if !ok {
			status = types.StatusStopped
		}
		count, pnl, err := c.deps.Store.TradeStats(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, types.StrategySummary{
			ID:         cfg.ID,
			Name:       cfg.Name,
			Symbol:     cfg.Symbol,
			Timeframe:  cfg.Timeframe,
			Status:     status,
			TradeCount: count,
			PnL:        pnl,
		})
	}
	return out, nil
}

// OpenPosition pairs a tracked position with its owning strategy.
type OpenPosition struct {
	StrategyID string              `json:"strategyId"`
	Position   exit.PositionRecord `json:"position"`
}

// OpenPositions lists all tracked positions across runtimes.
func (c *Core) OpenPositions() []OpenPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []OpenPosition
	for id, managed := range c.runtimes {
		for _, pos := range managed.rt.OpenPositions() {
			out = append(out, OpenPosition{StrategyID: id, Position: pos})
		}
	}
	return out
}

// RuntimeStatus reports the status of one strategy, or stopped when unknown.
func (c *Core) RuntimeStatus(id string) types.RuntimeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if managed, ok := c.runtimes[id]; ok {
		return managed.rt.Status()
	}
	return types.StatusStopped
}

// Account returns the live broker account state.
func (c *Core) Account(ctx context.Context) (broker.AccountInfo, error) {
	return c.deps.Broker.AccountInfo(ctx)
}

// TradeHistory returns persisted trade events, newest first.
func (c *Core) TradeHistory(ctx context.Context, strategyID string, limit int) ([]types.TradeEvent, error) {
	return c.deps.Store.TradeLogs(ctx, strategyID, limit)
}
