// Package exit manages open positions: breakeven moves, partial exits,
// trailing stops, time/regime/session exits and the position lifecycle
// state machine.
package exit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/broker"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// closingStuckAfter is how long a position may sit in Closing before the
// close is retried, and after the retry, reported as errored.
const closingStuckAfter = 30 * time.Second

// State is the lifecycle state of a managed position.
type State string

const (
	StateOpen            State = "open"
	StatePartiallyClosed State = "partiallyClosed"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
	StateErrored         State = "errored"
)

// PartialFill records one executed partial-exit level.
type PartialFill struct {
	LevelID  string    `json:"levelId"`
	Fraction float64   `json:"fraction"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

// PositionRecord is the manager's view of one position. Exposed copies are
// value snapshots; the manager owns the live record.
type PositionRecord struct {
	Ticket             int64         `json:"ticket"`
	Symbol             string        `json:"symbol"`
	Side               types.Side    `json:"side"`
	EntryPrice         float64       `json:"entryPrice"`
	EntryTime          time.Time     `json:"entryTime"`
	VolumeOriginal     float64       `json:"volumeOriginal"`
	VolumeRemaining    float64       `json:"volumeRemaining"`
	StopLoss           float64       `json:"stopLoss"`
	TakeProfit         float64       `json:"takeProfit"`
	PeakFavorablePrice float64       `json:"peakFavorablePrice"`
	RealizedPartials   []PartialFill `json:"realizedPartials"`
	BreakevenMoved     bool          `json:"breakevenMoved"`
	TrailingActive     bool          `json:"trailingActive"`
	State              State         `json:"state"`
	EntryRegime        types.Regime  `json:"entryRegime"`

	initialStopDistance float64
	executedLevels      map[string]bool
	closingSince        time.Time
	closeRetried        bool
	closeReason         string
}

// Update is the market context for one exit-management pass.
type Update struct {
	Tick             types.Tick
	ATRPips          float64
	Regime           types.Regime
	RegimeConfidence float64
	Now              time.Time
}

// Trader is the slice of the broker the manager needs.
type Trader interface {
	ModifyPosition(ctx context.Context, ticket int64, mod broker.Modification) error
	ClosePosition(ctx context.Context, ticket int64, volume float64) (broker.CloseResult, error)
}

// Manager runs the exit pipeline for one strategy's positions.
type Manager struct {
	logger     *zap.Logger
	trader     Trader
	spec       types.ExitSpec
	strategyID string
	pipSize    float64
	pipValue   float64
	emit       func(types.TradeEvent)

	mu        sync.Mutex
	positions map[int64]*PositionRecord
}

// NewManager creates an exit manager. emit receives PARTIAL, EXIT, MODIFY and
// ERROR trade events; it must not block.
func NewManager(logger *zap.Logger, trader Trader, strategyID string, spec types.ExitSpec, pipSize, pipValuePerLot float64, emit func(types.TradeEvent)) *Manager {
	if emit == nil {
		emit = func(types.TradeEvent) {}
	}
	return &Manager{
		logger:     logger.Named("exit-manager"),
		trader:     trader,
		spec:       spec,
		strategyID: strategyID,
		pipSize:    pipSize,
		pipValue:   pipValuePerLot,
		emit:       emit,
		positions:  make(map[int64]*PositionRecord),
	}
}

// Register adds a freshly opened position to the manager.
func (m *Manager) Register(ticket int64, symbol string, side types.Side, entryPrice float64, entryTime time.Time, volume, stopLoss, takeProfit float64, regime types.Regime) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopDist := math.Abs(entryPrice - stopLoss)
	m.positions[ticket] = &PositionRecord{
		Ticket:              ticket,
		Symbol:              symbol,
		Side:                side,
		EntryPrice:          entryPrice,
		EntryTime:           entryTime,
		VolumeOriginal:      volume,
		VolumeRemaining:     volume,
		StopLoss:            stopLoss,
		TakeProfit:          takeProfit,
		PeakFavorablePrice:  entryPrice,
		State:               StateOpen,
		EntryRegime:         regime,
		initialStopDistance: stopDist,
		executedLevels:      make(map[string]bool),
	}
}

// Records returns value snapshots of all tracked positions, open or not.
func (m *Manager) Records() []PositionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PositionRecord, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// OpenCount returns the number of positions still holding volume.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.State == StateOpen || p.State == StatePartiallyClosed || p.State == StateClosing {
			n++
		}
	}
	return n
}

// OnTick runs one exit-management pass over every tracked position.
// Per position the order is: breakeven, partial exits, trailing, then
// time/regime/session exits. Stop changes are coalesced into at most one
// modify call per position per tick.
func (m *Manager) OnTick(ctx context.Context, upd Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ticket := range m.sortedTicketsLocked() {
		pos := m.positions[ticket]
		switch pos.State {
		case StateClosed:
			delete(m.positions, ticket)
			continue
		case StateErrored:
			continue
		case StateClosing:
			m.nudgeStuckCloseLocked(ctx, pos, upd)
			continue
		}
		m.managePositionLocked(ctx, pos, upd)
	}
}

func (m *Manager) sortedTicketsLocked() []int64 {
	tickets := make([]int64, 0, len(m.positions))
	for t := range m.positions {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	return tickets
}

func (m *Manager) managePositionLocked(ctx context.Context, pos *PositionRecord, upd Update) {
	price := m.exitPrice(pos.Side, upd.Tick)
	if pos.Side == types.SideBuy {
		if price > pos.PeakFavorablePrice {
			pos.PeakFavorablePrice = price
		}
	} else {
		if price < pos.PeakFavorablePrice {
			pos.PeakFavorablePrice = price
		}
	}

	rr := m.currentRR(pos, price)
	pendingStop := math.NaN()
	movedBreakevenNow := false

	// 1. Breakeven. The level is adopted only when it tightens the current
	// stop; trailing may already hold a more protective one.
	if smart := m.spec.Smart; smart != nil && smart.BreakevenTriggerRR > 0 &&
		!pos.BreakevenMoved && rr >= smart.BreakevenTriggerRR {
		if be := m.breakevenStop(pos); m.moreProtective(pos.Side, be, pos.StopLoss) {
			pendingStop = be
			movedBreakevenNow = true
		}
		pos.BreakevenMoved = true
	}

	// 2. Partial exits.
	if tp := m.spec.TakeProfit; tp != nil && tp.Kind == types.TPPartial {
		if be, ok := m.runPartialsLocked(ctx, pos, upd, rr, price); ok {
			pos.BreakevenMoved = true
			if m.moreProtective(pos.Side, be, pos.StopLoss) &&
				(math.IsNaN(pendingStop) || m.moreProtective(pos.Side, be, pendingStop)) {
				pendingStop = be
				movedBreakevenNow = true
			}
		}
		if pos.State == StateClosed || pos.State == StateClosing {
			return
		}
	}

	// 3. Trailing.
	if candidate, ok := m.trailingStop(pos, rr, upd.ATRPips); ok {
		if math.IsNaN(pendingStop) || m.moreProtective(pos.Side, candidate, pendingStop) {
			pendingStop = candidate
		}
	}

	if !math.IsNaN(pendingStop) && pendingStop != pos.StopLoss {
		err := m.trader.ModifyPosition(ctx, pos.Ticket, broker.Modification{StopLoss: &pendingStop})
		if err != nil {
			if movedBreakevenNow {
				pos.BreakevenMoved = false
			}
			m.logger.Warn("stop modification failed",
				zap.Int64("ticket", pos.Ticket), zap.Error(err))
		} else {
			pos.StopLoss = pendingStop
			m.emitEvent(types.EventModify, pos, pos.VolumeRemaining, pendingStop, upd.Now, nil, "stop update")
		}
	}

	// 4. Time, regime and session exits.
	if reason := m.fullCloseReason(pos, upd); reason != "" {
		m.beginFullCloseLocked(ctx, pos, upd, reason)
	}
}

func (m *Manager) exitPrice(side types.Side, tick types.Tick) float64 {
	if side == types.SideBuy {
		return tick.Bid
	}
	return tick.Ask
}

func (m *Manager) currentRR(pos *PositionRecord, price float64) float64 {
	if pos.initialStopDistance <= 0 {
		return 0
	}
	move := price - pos.EntryPrice
	if pos.Side == types.SideSell {
		move = pos.EntryPrice - price
	}
	return move / pos.initialStopDistance
}

func (m *Manager) breakevenStop(pos *PositionRecord) float64 {
	buffer := 0.0
	if m.spec.Smart != nil {
		buffer = m.spec.Smart.BreakevenBufferPips * m.pipSize
	}
	if pos.Side == types.SideBuy {
		return pos.EntryPrice + buffer
	}
	return pos.EntryPrice - buffer
}

// moreProtective reports whether a is a tighter stop than b for the side.
func (m *Manager) moreProtective(side types.Side, a, b float64) bool {
	if side == types.SideBuy {
		return a > b
	}
	return a < b
}

// runPartialsLocked executes due partial levels in ascending atRR order.
// It returns a breakeven stop price when an executed level requests the move.
func (m *Manager) runPartialsLocked(ctx context.Context, pos *PositionRecord, upd Update, rr, price float64) (breakeven float64, wantBreakeven bool) {
	levels := append([]types.PartialLevel(nil), m.spec.TakeProfit.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].AtRR < levels[j].AtRR })

	for _, lvl := range levels {
		if pos.executedLevels[lvl.ID] || rr < lvl.AtRR || pos.VolumeRemaining <= 0 {
			continue
		}
		volume := math.Min(lvl.Percentage/100*pos.VolumeOriginal, pos.VolumeRemaining)
		if volume <= 0 {
			continue
		}

		res, err := m.trader.ClosePosition(ctx, pos.Ticket, volume)
		if err != nil {
			m.logger.Warn("partial close failed",
				zap.Int64("ticket", pos.Ticket),
				zap.String("level", lvl.ID),
				zap.Error(err))
			if broker.KindOf(err) == broker.KindRejected {
				m.emitError(pos, upd.Now, fmt.Sprintf("partial close rejected: %v", err))
				pos.executedLevels[lvl.ID] = true
			}
			continue
		}

		pos.executedLevels[lvl.ID] = true
		pos.VolumeRemaining -= res.ClosedVolume
		pos.RealizedPartials = append(pos.RealizedPartials, PartialFill{
			LevelID:  lvl.ID,
			Fraction: res.ClosedVolume / pos.VolumeOriginal,
			Price:    res.ClosePrice,
			Time:     upd.Now,
		})

		pnl := m.realizedPnL(pos, res.ClosePrice, res.ClosedVolume)
		if pos.VolumeRemaining <= 1e-9 {
			pos.VolumeRemaining = 0
			pos.State = StateClosed
			m.emitEvent(types.EventExit, pos, res.ClosedVolume, res.ClosePrice, upd.Now, &pnl, "final partial level")
			return breakeven, wantBreakeven
		}
		pos.State = StatePartiallyClosed
		m.emitEvent(types.EventPartial, pos, res.ClosedVolume, res.ClosePrice, upd.Now, &pnl, fmt.Sprintf("partial level %s", lvl.ID))

		if lvl.MoveStopToBreakeven && !pos.BreakevenMoved {
			breakeven = m.breakevenStop(pos)
			wantBreakeven = true
		}
	}
	return breakeven, wantBreakeven
}

// trailingStop returns a stop candidate when trailing is active and the
// candidate improves on the current stop by at least the step.
func (m *Manager) trailingStop(pos *PositionRecord, rr, atrPips float64) (float64, bool) {
	tr := m.spec.Trailing
	if tr == nil || !tr.Enabled {
		return 0, false
	}
	if tr.ActivateAtRR > 0 && !pos.TrailingActive && rr < tr.ActivateAtRR {
		return 0, false
	}
	pos.TrailingActive = true

	distance := tr.DistancePips * m.pipSize
	if tr.ATRMultiplier > 0 && atrPips > 0 {
		distance = tr.ATRMultiplier * atrPips * m.pipSize
	}
	if smart := m.spec.Smart; smart != nil && smart.DynamicTrailing && smart.DynamicATRMult > 0 && atrPips > 0 {
		distance = smart.DynamicATRMult * atrPips * m.pipSize
	}
	if distance <= 0 {
		return 0, false
	}

	candidate := pos.PeakFavorablePrice - distance
	if pos.Side == types.SideSell {
		candidate = pos.PeakFavorablePrice + distance
	}
	if !m.moreProtective(pos.Side, candidate, pos.StopLoss) {
		return 0, false
	}
	if tr.StepPips > 0 && math.Abs(candidate-pos.StopLoss) < tr.StepPips*m.pipSize {
		return 0, false
	}
	return candidate, true
}

func (m *Manager) fullCloseReason(pos *PositionRecord, upd Update) string {
	if sl := m.spec.StopLoss; sl != nil && sl.MaxHoldingMinutes > 0 {
		if upd.Now.Sub(pos.EntryTime) >= time.Duration(sl.MaxHoldingMinutes)*time.Minute {
			return "max holding time"
		}
	}
	if smart := m.spec.Smart; smart != nil {
		if smart.RegimeExit && upd.Regime != types.RegimeUnknown &&
			pos.EntryRegime != types.RegimeUnknown && upd.Regime != pos.EntryRegime &&
			upd.RegimeConfidence >= smart.RegimeConfidence {
			return fmt.Sprintf("regime change to %s", upd.Regime)
		}
		if smart.SessionCloseFlatten && upd.Now.UTC().Weekday() == time.Sunday &&
			upd.Now.UTC().Hour() >= smart.SundayCloseHourUTC && smart.SundayCloseHourUTC > 0 {
			return "session close"
		}
	}
	return ""
}

func (m *Manager) beginFullCloseLocked(ctx context.Context, pos *PositionRecord, upd Update, reason string) {
	pos.State = StateClosing
	pos.closingSince = upd.Now
	pos.closeReason = reason

	res, err := m.trader.ClosePosition(ctx, pos.Ticket, pos.VolumeRemaining)
	if err != nil {
		// Stays in Closing; the stuck check retries and then escalates.
		m.logger.Warn("full close failed",
			zap.Int64("ticket", pos.Ticket),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	m.confirmClosedLocked(pos, res, upd.Now)
}

func (m *Manager) nudgeStuckCloseLocked(ctx context.Context, pos *PositionRecord, upd Update) {
	if upd.Now.Sub(pos.closingSince) <= closingStuckAfter {
		return
	}
	if pos.closeRetried {
		pos.State = StateErrored
		m.emitError(pos, upd.Now, fmt.Sprintf("close stuck after retry (%s), manual reconciliation required", pos.closeReason))
		m.logger.Error("position stuck in closing",
			zap.Int64("ticket", pos.Ticket),
			zap.String("reason", pos.closeReason))
		return
	}
	pos.closeRetried = true
	pos.closingSince = upd.Now
	res, err := m.trader.ClosePosition(ctx, pos.Ticket, pos.VolumeRemaining)
	if err != nil {
		return
	}
	m.confirmClosedLocked(pos, res, upd.Now)
}

func (m *Manager) confirmClosedLocked(pos *PositionRecord, res broker.CloseResult, now time.Time) {
	pnl := m.realizedPnL(pos, res.ClosePrice, res.ClosedVolume)
	pos.VolumeRemaining -= res.ClosedVolume
	if pos.VolumeRemaining < 0 {
		pos.VolumeRemaining = 0
	}
	pos.State = StateClosed
	reason := pos.closeReason
	if reason == "" {
		reason = "closed"
	}
	m.emitEvent(types.EventExit, pos, res.ClosedVolume, res.ClosePrice, now, &pnl, reason)
}

// CloseAll force-closes every remaining position, e.g. on STOP_AND_CLOSE or
// emergency stop. Positions whose close fails stay in Closing for the stuck
// handler.
func (m *Manager) CloseAll(ctx context.Context, reason string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ticket := range m.sortedTicketsLocked() {
		pos := m.positions[ticket]
		if pos.State == StateClosed || pos.State == StateErrored || pos.State == StateClosing {
			continue
		}
		m.beginFullCloseLocked(ctx, pos, Update{Now: now}, reason)
	}
}

// Reconcile compares the broker's open positions against the manager's. A
// tracked position missing from the broker was closed externally (stop or
// take-profit hit at the terminal); it is marked Closed and reported with a
// realized PnL priced from the breached level, so daily loss accounting sees
// terminal stop-outs.
func (m *Manager) Reconcile(snapshots []broker.PositionSnapshot, tick types.Tick, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]broker.PositionSnapshot, len(snapshots))
	for _, s := range snapshots {
		seen[s.Ticket] = s
	}
	for ticket, pos := range m.positions {
		if pos.State == StateClosed || pos.State == StateErrored {
			continue
		}
		snap, ok := seen[ticket]
		if !ok {
			closedVolume := pos.VolumeRemaining
			price := m.terminalClosePrice(pos, tick)
			pnl := m.realizedPnL(pos, price, closedVolume)
			pos.State = StateClosed
			pos.VolumeRemaining = 0
			m.emitEvent(types.EventExit, pos, closedVolume, price, now, &pnl, "closed at terminal")
			continue
		}
		// External partial fills shrink the tracked volume.
		if snap.Volume < pos.VolumeRemaining-1e-9 {
			pos.VolumeRemaining = snap.Volume
			if pos.State == StateOpen {
				pos.State = StatePartiallyClosed
			}
		}
	}
}

// terminalClosePrice infers the fill price of a terminal-side close: the
// protective level the tick breached, otherwise the tick itself.
func (m *Manager) terminalClosePrice(pos *PositionRecord, tick types.Tick) float64 {
	if pos.Side == types.SideBuy {
		if pos.StopLoss > 0 && tick.Bid > 0 && tick.Bid <= pos.StopLoss {
			return pos.StopLoss
		}
		if pos.TakeProfit > 0 && tick.Bid >= pos.TakeProfit {
			return pos.TakeProfit
		}
		if tick.Bid > 0 {
			return tick.Bid
		}
	} else {
		if pos.StopLoss > 0 && tick.Ask >= pos.StopLoss {
			return pos.StopLoss
		}
		if pos.TakeProfit > 0 && tick.Ask > 0 && tick.Ask <= pos.TakeProfit {
			return pos.TakeProfit
		}
		if tick.Ask > 0 {
			return tick.Ask
		}
	}
	if pos.StopLoss > 0 {
		return pos.StopLoss
	}
	return pos.EntryPrice
}

func (m *Manager) realizedPnL(pos *PositionRecord, price, volume float64) decimal.Decimal {
	if m.pipSize <= 0 || m.pipValue <= 0 {
		return decimal.Zero
	}
	diff := price - pos.EntryPrice
	if pos.Side == types.SideSell {
		diff = pos.EntryPrice - price
	}
	pips := diff / m.pipSize
	return decimal.NewFromFloat(pips * volume * m.pipValue).Round(2)
}

func (m *Manager) emitEvent(kind types.EventKind, pos *PositionRecord, volume, price float64, now time.Time, pnl *decimal.Decimal, reason string) {
	m.emit(types.TradeEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		StrategyID:  m.strategyID,
		Symbol:      pos.Symbol,
		Ticket:      pos.Ticket,
		Side:        pos.Side,
		Volume:      volume,
		Price:       price,
		Time:        now,
		PnLRealized: pnl,
		Reason:      reason,
	})
}

func (m *Manager) emitError(pos *PositionRecord, now time.Time, reason string) {
	m.emitEvent(types.EventError, pos, pos.VolumeRemaining, 0, now, nil, reason)
}
