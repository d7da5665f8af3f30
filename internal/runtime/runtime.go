// Package runtime hosts one scheduler per running strategy: warm-up backfill,
// bar-close entry evaluation and the fast tick loop for exit management.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/broker"
	"github.com/atlas-desktop/trade-executor/internal/condition"
	"github.com/atlas-desktop/trade-executor/internal/exit"
	"github.com/atlas-desktop/trade-executor/internal/filter"
	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/internal/metrics"
	"github.com/atlas-desktop/trade-executor/internal/regime"
	"github.com/atlas-desktop/trade-executor/internal/risk"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// ErrInsufficientData reports that the broker has fewer bars than the
// strategy's warm-up requires. The runtime stays in starting and retries.
var ErrInsufficientData = errors.New("insufficient history for warm-up")

// Deps are the shared capabilities a runtime borrows from the core. None of
// them are owned by the runtime.
type Deps struct {
	Logger   *zap.Logger
	Broker   broker.Broker
	Engine   *condition.Engine
	RiskGate *risk.Gate
	Calendar filter.NewsCalendar
	// Portfolio returns the core's current portfolio snapshot.
	Portfolio func() risk.PortfolioView
	// PeerCloses returns close series of symbols held by other runtimes,
	// for the correlation gate.
	PeerCloses func() map[string][]float64
	// Report receives every trade event. Must not block.
	Report func(types.TradeEvent)
	Magic  int64
}

// Options tune the scheduler cadence.
type Options struct {
	TickInterval   time.Duration
	BarCloseJitter time.Duration
	ReconcileEvery int
	// StartPaused holds the runtime in paused after warm-up; used when
	// restoring persisted strategies on process start.
	StartPaused bool
}

// DefaultOptions returns the production cadence.
func DefaultOptions() Options {
	return Options{
		TickInterval:   time.Second,
		BarCloseJitter: 2 * time.Second,
		ReconcileEvery: 10,
	}
}

type mailKind int

const (
	mailPause mailKind = iota
	mailResume
	mailStop
	mailUpdate
)

type mail struct {
	kind           mailKind
	closePositions bool
	cfg            *types.StrategyConfig
	done           chan struct{}
}

// Runtime runs one strategy. All mutable state is owned by the Run goroutine;
// coordination happens through the mailbox.
type Runtime struct {
	logger *zap.Logger
	cfg    types.StrategyConfig
	deps   Deps
	opts   Options

	mailbox chan mail
	exited  chan struct{}

	status *statusCell

	// Owned by the Run goroutine after warm-up.
	symbol    broker.SymbolInfo
	cache     *indicator.Cache
	higher    map[types.Timeframe]*indicator.Cache
	filters   *filter.Stack
	exits     *exit.Manager
	detector  *regime.Detector
	warmup    int
	tickCount int
}

// New creates a runtime for a validated config.
func New(cfg types.StrategyConfig, deps Deps, opts Options) *Runtime {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.BarCloseJitter <= 0 {
		opts.BarCloseJitter = 2 * time.Second
	}
	if opts.ReconcileEvery <= 0 {
		opts.ReconcileEvery = 10
	}
	return &Runtime{
		logger:  deps.Logger.Named("runtime").With(zap.String("strategy", cfg.ID)),
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		mailbox: make(chan mail, 8),
		exited:  make(chan struct{}),
		status:  newStatusCell(types.StatusStarting),
	}
}

// Config returns the immutable strategy blueprint.
func (r *Runtime) Config() types.StrategyConfig { return r.cfg }

// Status returns the current lifecycle status.
func (r *Runtime) Status() types.RuntimeStatus { return r.status.get() }

// OpenPositions returns snapshots of the runtime's tracked positions.
func (r *Runtime) OpenPositions() []exit.PositionRecord {
	if r.exits == nil {
		return nil
	}
	return r.exits.Records()
}

// OpenCount returns the number of positions still holding volume.
func (r *Runtime) OpenCount() int {
	if r.exits == nil {
		return 0
	}
	return r.exits.OpenCount()
}

// Closes returns the primary cache's close series, for peer correlation.
func (r *Runtime) Closes() []float64 {
	if r.cache == nil {
		return nil
	}
	return indicator.Closes(r.cache.Bars())
}

// Pause asks the runtime to stop opening new positions.
func (r *Runtime) Pause() { r.post(mail{kind: mailPause}) }

// Resume re-enables entries.
func (r *Runtime) Resume() { r.post(mail{kind: mailResume}) }

// Stop shuts the runtime down, optionally closing its positions first. It
// returns once the runtime has exited.
func (r *Runtime) Stop(closePositions bool) {
	done := make(chan struct{})
	r.post(mail{kind: mailStop, closePositions: closePositions, done: done})
	select {
	case <-done:
	case <-r.exited:
	}
}

// UpdateSettings swaps in a new config on the next loop iteration.
func (r *Runtime) UpdateSettings(cfg types.StrategyConfig) {
	r.post(mail{kind: mailUpdate, cfg: &cfg})
}

func (r *Runtime) post(m mail) {
	select {
	case r.mailbox <- m:
	case <-r.exited:
	}
}

// Run is the runtime's scheduler loop. It returns when stopped or when ctx is
// cancelled; cancellation drains without opening new positions.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.exited)
	defer metrics.ActiveRuntimes.Dec()
	metrics.ActiveRuntimes.Inc()

	if err := r.warmUpWithRetry(ctx); err != nil {
		r.status.set(types.StatusStopped)
		return err
	}

	if r.opts.StartPaused {
		r.status.set(types.StatusPaused)
		r.logger.Info("runtime restored in paused state")
	} else {
		r.status.set(types.StatusRunning)
		r.logger.Info("runtime running",
			zap.String("symbol", r.cfg.Symbol),
			zap.String("timeframe", string(r.cfg.Timeframe)))
	}

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	barTimer := time.NewTimer(r.untilNextBarClose(time.Now()))
	defer barTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.status.set(types.StatusStopped)
			return nil
		case m := <-r.mailbox:
			if stopped := r.handleMail(ctx, m); stopped {
				return nil
			}
		case <-barTimer.C:
			r.onBarClose(ctx)
			barTimer.Reset(r.untilNextBarClose(time.Now()))
		case <-ticker.C:
			r.onTick(ctx)
		}
	}
}

func (r *Runtime) handleMail(ctx context.Context, m mail) (stopped bool) {
	switch m.kind {
	case mailPause:
		if r.status.get() == types.StatusRunning {
			r.status.set(types.StatusPaused)
			r.logger.Info("runtime paused")
		}
	case mailResume:
		if r.status.get() == types.StatusPaused {
			r.status.set(types.StatusRunning)
			r.logger.Info("runtime resumed")
		}
	case mailUpdate:
		r.cfg = *m.cfg
		r.rebuildForConfig()
		r.logger.Info("runtime settings updated")
	case mailStop:
		r.status.set(types.StatusStopping)
		if m.closePositions && r.exits != nil {
			r.exits.CloseAll(ctx, "commanded", time.Now().UTC())
		}
		r.status.set(types.StatusStopped)
		r.logger.Info("runtime stopped", zap.Bool("closedPositions", m.closePositions))
		if m.done != nil {
			close(m.done)
		}
		return true
	}
	if m.done != nil {
		close(m.done)
	}
	return false
}

func (r *Runtime) warmUpWithRetry(ctx context.Context) error {
	for {
		err := r.warmUp(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrInsufficientData) && !broker.IsRetryable(err) {
			return err
		}
		r.logger.Warn("warm-up incomplete, retrying after next bar", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-r.mailbox:
			if m.kind == mailStop {
				if m.done != nil {
					close(m.done)
				}
				return errors.New("stopped during warm-up")
			}
			if m.done != nil {
				close(m.done)
			}
		case <-time.After(r.cfg.Timeframe.Duration()):
		}
	}
}

// warmUp backfills enough history for the longest indicator period plus two
// bars, then builds the evaluation state.
func (r *Runtime) warmUp(ctx context.Context) error {
	info, err := r.deps.Broker.SymbolInfo(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}
	r.symbol = info

	r.warmup = condition.WarmupBars(r.cfg.Entry) + 2
	bars, err := r.deps.Broker.Bars(ctx, r.cfg.Symbol, r.cfg.Timeframe, r.warmup+2)
	if err != nil {
		return fmt.Errorf("backfill bars: %w", err)
	}
	closed := closedBars(bars)
	if len(closed) < r.warmup {
		return fmt.Errorf("%w: have %d closed bars, need %d", ErrInsufficientData, len(closed), r.warmup)
	}

	r.cache = indicator.NewCache(info.PipSize)
	r.cache.Update(closed)

	r.higher = make(map[types.Timeframe]*indicator.Cache)
	for _, tf := range condition.HigherTimeframes(r.cfg.Entry) {
		hb, err := r.deps.Broker.Bars(ctx, r.cfg.Symbol, tf, r.warmup+2)
		if err != nil {
			return fmt.Errorf("backfill %s bars: %w", tf, err)
		}
		hc := indicator.NewCache(info.PipSize)
		hc.Update(closedBars(hb))
		r.higher[tf] = hc
	}

	r.detector = regime.NewDetector(r.logger, regime.DefaultConfig(info.PipSize))
	r.detector.Update(r.cache, time.Now().UTC())
	r.rebuildForConfig()
	return nil
}

// rebuildForConfig recreates the config-derived components. Open positions
// keep their existing exit manager state.
func (r *Runtime) rebuildForConfig() {
	r.filters = filter.NewStack(r.logger, r.cfg.Filter, r.deps.Calendar)
	if r.exits == nil {
		r.exits = exit.NewManager(r.logger, r.deps.Broker, r.cfg.ID, r.cfg.Exit,
			r.symbol.PipSize, r.symbol.PipValuePerLot, r.deps.Report)
	}
}

func (r *Runtime) untilNextBarClose(now time.Time) time.Duration {
	tf := r.cfg.Timeframe.Duration()
	next := now.UTC().Truncate(tf).Add(tf)
	return next.Sub(now.UTC()) + r.opts.BarCloseJitter
}

// onBarClose refreshes the caches and, when running and flat, evaluates the
// entry tree.
func (r *Runtime) onBarClose(ctx context.Context) {
	bars, err := r.deps.Broker.Bars(ctx, r.cfg.Symbol, r.cfg.Timeframe, r.warmup+2)
	if err != nil {
		r.logger.Warn("bar refresh failed", zap.Error(err))
		return
	}
	closed := closedBars(bars)
	if len(closed) == 0 {
		return
	}
	r.cache.Update(closed)
	for tf, hc := range r.higher {
		hb, err := r.deps.Broker.Bars(ctx, r.cfg.Symbol, tf, r.warmup+2)
		if err != nil {
			r.logger.Warn("higher timeframe refresh failed",
				zap.String("timeframe", string(tf)), zap.Error(err))
			continue
		}
		hc.Update(closedBars(hb))
	}
	r.detector.Update(r.cache, time.Now().UTC())

	if r.status.get() != types.StatusRunning {
		return
	}
	if r.exits.OpenCount() > 0 {
		// One position per (strategy, symbol) at a time.
		return
	}

	result := r.deps.Engine.Evaluate(r.cfg.Entry, condition.Caches{
		Primary: r.cache,
		Higher:  r.higher,
	}, r.cache.Len()-1)
	if !result.Match {
		return
	}
	r.tryEnter(ctx, result)
}

func (r *Runtime) tryEnter(ctx context.Context, result condition.Result) {
	now := time.Now().UTC()
	tick, err := r.deps.Broker.Tick(ctx, r.cfg.Symbol)
	if err != nil {
		r.logger.Warn("tick unavailable, skipping entry", zap.Error(err))
		return
	}

	decision := r.filters.Evaluate(filter.Context{
		Now:              now,
		Tick:             tick,
		PipSize:          r.symbol.PipSize,
		Cache:            r.cache,
		OpenSymbolCloses: r.peerCloses(),
	})
	if !decision.Allow {
		metrics.EntriesBlocked.WithLabelValues(r.cfg.ID, decision.Gate).Inc()
		r.logger.Info("entry blocked by filter",
			zap.String("gate", decision.Gate),
			zap.String("reason", decision.Reason))
		return
	}

	side := entrySide(result.MatchedLeaves)
	refPrice := tick.Ask
	if side == types.SideSell {
		refPrice = tick.Bid
	}

	stopPips := r.stopDistancePips(side, refPrice)
	if stopPips <= 0 && r.cfg.Exit.StopLoss != nil && r.cfg.Exit.StopLoss.MaxHoldingMinutes == 0 {
		r.logger.Warn("stop distance resolved to zero, skipping entry")
		return
	}

	verdict := r.deps.RiskGate.Evaluate(r.cfg.Risk, risk.EntryRequest{
		StrategyID:       r.cfg.ID,
		Symbol:           r.cfg.Symbol,
		Side:             side,
		StopDistancePips: stopPips,
		ReduceFactor:     decision.SizeFactor,
	}, r.deps.Portfolio(), risk.SymbolLimits{
		PipSize:        r.symbol.PipSize,
		PipValuePerLot: r.symbol.PipValuePerLot,
		VolumeMin:      r.symbol.VolumeMin,
		VolumeMax:      r.symbol.VolumeMax,
		VolumeStep:     r.symbol.VolumeStep,
	}, now)
	if !verdict.Allowed {
		metrics.EntriesBlocked.WithLabelValues(r.cfg.ID, "risk").Inc()
		return
	}

	stopLoss, takeProfit := exit.Levels(side, refPrice, stopPips, r.symbol.PipSize, r.cfg.Exit.TakeProfit)
	open, err := r.deps.Broker.OpenPosition(ctx, broker.OpenRequest{
		Symbol:     r.cfg.Symbol,
		Side:       side,
		Volume:     verdict.Lots,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Comment:    r.cfg.Name,
		Magic:      r.deps.Magic,
	})
	if err != nil {
		metrics.BrokerCalls.WithLabelValues("openPosition", "error").Inc()
		r.logger.Error("open position failed", zap.Error(err))
		if broker.KindOf(err) == broker.KindRejected {
			r.deps.Report(types.TradeEvent{
				ID:         uuid.NewString(),
				Kind:       types.EventError,
				StrategyID: r.cfg.ID,
				Symbol:     r.cfg.Symbol,
				Side:       side,
				Volume:     verdict.Lots,
				Time:       now,
				Reason:     fmt.Sprintf("open rejected: %v", err),
			})
		}
		if broker.KindOf(err) == broker.KindFatal {
			r.status.set(types.StatusPaused)
		}
		return
	}
	metrics.BrokerCalls.WithLabelValues("openPosition", "ok").Inc()
	metrics.EntriesOpened.WithLabelValues(r.cfg.ID).Inc()

	// Recompute protective levels from the actual fill.
	stopLoss, takeProfit = exit.Levels(side, open.FilledPrice, stopPips, r.symbol.PipSize, r.cfg.Exit.TakeProfit)
	if stopLoss != 0 || takeProfit != 0 {
		mod := broker.Modification{}
		if stopLoss != 0 {
			mod.StopLoss = &stopLoss
		}
		if takeProfit != 0 {
			mod.TakeProfit = &takeProfit
		}
		if err := r.deps.Broker.ModifyPosition(ctx, open.Ticket, mod); err != nil {
			r.logger.Warn("initial stop placement failed", zap.Error(err))
		}
	}

	r.exits.Register(open.Ticket, r.cfg.Symbol, side, open.FilledPrice, now,
		verdict.Lots, stopLoss, takeProfit, r.detector.Current().Regime)

	r.deps.Report(types.TradeEvent{
		ID:         uuid.NewString(),
		Kind:       types.EventEntry,
		StrategyID: r.cfg.ID,
		Symbol:     r.cfg.Symbol,
		Ticket:     open.Ticket,
		Side:       side,
		Volume:     verdict.Lots,
		Price:      open.FilledPrice,
		Time:       now,
		Reason:     matchedSummary(result.MatchedLeaves),
	})
	r.logger.Info("position opened",
		zap.Int64("ticket", open.Ticket),
		zap.String("side", string(side)),
		zap.Float64("lots", verdict.Lots),
		zap.Float64("stopPips", stopPips))
}

// onTick runs exit management for open positions and periodically reconciles
// against the broker's position list.
func (r *Runtime) onTick(ctx context.Context) {
	if r.exits == nil || r.exits.OpenCount() == 0 {
		return
	}
	tick, err := r.deps.Broker.Tick(ctx, r.cfg.Symbol)
	if err != nil {
		return
	}
	state := r.detector.Current()
	r.exits.OnTick(ctx, exit.Update{
		Tick:             tick,
		ATRPips:          state.ATRPips,
		Regime:           state.Regime,
		RegimeConfidence: state.Confidence,
		Now:              time.Now().UTC(),
	})

	r.tickCount++
	if r.tickCount%r.opts.ReconcileEvery == 0 {
		snapshots, err := r.deps.Broker.ListPositions(ctx, r.deps.Magic)
		if err == nil {
			r.exits.Reconcile(filterSymbol(snapshots, r.cfg.Symbol), tick, time.Now().UTC())
		}
	}
}

func (r *Runtime) stopDistancePips(side types.Side, refPrice float64) float64 {
	sl := r.cfg.Exit.StopLoss
	if sl == nil {
		return 0
	}
	atrPips := 0.0
	if sl.Kind == types.StopATR {
		period := sl.ATRPeriod
		if period <= 0 {
			period = 14
		}
		if series, err := r.cache.Series("atr", map[string]float64{"period": float64(period)}); err == nil {
			if v := lastDefined(series); indicator.Defined(v) && r.symbol.PipSize > 0 {
				atrPips = v / r.symbol.PipSize
			}
		}
	}
	emaRef := 0.0
	if sl.Kind == types.StopEMARef {
		if series, err := r.cache.Series("ema", map[string]float64{"period": sl.Value}); err == nil {
			if v := lastDefined(series); indicator.Defined(v) {
				emaRef = v
			}
		}
	}
	return exit.StopDistancePips(*sl, side, refPrice, r.symbol.PipSize, atrPips, emaRef)
}

func (r *Runtime) peerCloses() map[string][]float64 {
	if r.deps.PeerCloses == nil {
		return nil
	}
	return r.deps.PeerCloses()
}

// entrySide derives the trade direction from the matched leaves: upward
// predicates (crossesAbove, gt, bouncesFrom) read as buys, their mirrors as
// sells. Mixed trees follow the first directional leaf.
func entrySide(matched []types.Condition) types.Side {
	for _, c := range matched {
		switch c.Comparator {
		case types.CmpCrossesAbove, types.CmpGT, types.CmpBouncesFrom:
			return types.SideBuy
		case types.CmpCrossesBelow, types.CmpLT, types.CmpRejectsFrom:
			return types.SideSell
		}
	}
	return types.SideBuy
}

func matchedSummary(matched []types.Condition) string {
	if len(matched) == 0 {
		return "entry conditions met"
	}
	c := matched[0]
	return fmt.Sprintf("%s %s", c.Indicator, c.Comparator)
}

func closedBars(bars []types.OHLCV) []types.OHLCV {
	out := make([]types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if b.Closed {
			out = append(out, b)
		}
	}
	return out
}

func filterSymbol(snapshots []broker.PositionSnapshot, symbol string) []broker.PositionSnapshot {
	out := snapshots[:0]
	for _, s := range snapshots {
		if s.Symbol == symbol {
			out = append(out, s)
		}
	}
	return out
}

func lastDefined(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if indicator.Defined(series[i]) {
			return series[i]
		}
	}
	return indicator.Undefined
}
