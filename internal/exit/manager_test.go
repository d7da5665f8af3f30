package exit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/broker"
	"github.com/atlas-desktop/trade-executor/internal/exit"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

const pip = 0.0001

type scriptedTrader struct {
	modifyErr  error
	closeErr   error
	closePrice float64
	modifies   []broker.Modification
	closes     []float64
}

func (s *scriptedTrader) ModifyPosition(_ context.Context, _ int64, mod broker.Modification) error {
	if s.modifyErr != nil {
		return s.modifyErr
	}
	s.modifies = append(s.modifies, mod)
	return nil
}

func (s *scriptedTrader) ClosePosition(_ context.Context, _ int64, volume float64) (broker.CloseResult, error) {
	if s.closeErr != nil {
		return broker.CloseResult{}, s.closeErr
	}
	s.closes = append(s.closes, volume)
	return broker.CloseResult{ClosedVolume: volume, ClosePrice: s.closePrice}, nil
}

type eventSink struct {
	events []types.TradeEvent
}

func (s *eventSink) record(ev types.TradeEvent) { s.events = append(s.events, ev) }

func (s *eventSink) ofKind(kind types.EventKind) []types.TradeEvent {
	var out []types.TradeEvent
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func buyTick(bid float64, at time.Time) exit.Update {
	return exit.Update{
		Tick: types.Tick{Symbol: "EURUSD", Bid: bid, Ask: bid + pip, Time: at},
		Now:  at,
	}
}

func TestPartialLadderWithBreakeven(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		TakeProfit: &types.TakeProfitSpec{
			Kind: types.TPPartial,
			Levels: []types.PartialLevel{
				{ID: "tp1", Percentage: 50, AtRR: 1.0, MoveStopToBreakeven: true},
				{ID: "tp2", Percentage: 50, AtRR: 2.0},
			},
		},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	// 21 pips in favor: past the RR 1.0 rung.
	trader.closePrice = 1.1021
	mgr.OnTick(ctx, buyTick(1.1021, entry.Add(time.Minute)))

	partials := sink.ofKind(types.EventPartial)
	require.Len(t, partials, 1)
	require.InDelta(t, 0.05, partials[0].Volume, 1e-9)
	require.NotNil(t, partials[0].PnLRealized)
	require.True(t, partials[0].PnLRealized.Equal(decimal.RequireFromString("105")),
		"partial pnl = %s, want 105", partials[0].PnLRealized)

	// The rung's breakeven request coalesced into a single modify at entry.
	require.Len(t, trader.modifies, 1)
	require.NotNil(t, trader.modifies[0].StopLoss)
	require.InDelta(t, 1.1000, *trader.modifies[0].StopLoss, 1e-9)

	recs := mgr.Records()
	require.Len(t, recs, 1)
	require.Equal(t, exit.StatePartiallyClosed, recs[0].State)
	require.InDelta(t, 0.05, recs[0].VolumeRemaining, 1e-9)
	require.True(t, recs[0].BreakevenMoved)

	// Second rung at RR 2.0 finishes the position.
	trader.closePrice = 1.1041
	mgr.OnTick(ctx, buyTick(1.1041, entry.Add(2*time.Minute)))

	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 1)
	require.InDelta(t, 0.05, exits[0].Volume, 1e-9)
	require.Equal(t, "final partial level", exits[0].Reason)

	recs = mgr.Records()
	require.Equal(t, exit.StateClosed, recs[0].State)
	require.Zero(t, recs[0].VolumeRemaining)
}

func TestPartialLevelNeverExecutesTwice(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closePrice: 1.1021}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		TakeProfit: &types.TakeProfitSpec{
			Kind:   types.TPPartial,
			Levels: []types.PartialLevel{{ID: "tp1", Percentage: 40, AtRR: 1.0}},
		},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	for i := 1; i <= 5; i++ {
		mgr.OnTick(ctx, buyTick(1.1021, entry.Add(time.Duration(i)*time.Minute)))
	}
	require.Len(t, sink.ofKind(types.EventPartial), 1, "a rung fires exactly once")
	require.Len(t, trader.closes, 1)
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		Trailing: &types.TrailingSpec{Enabled: true, DistancePips: 10},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	lastStop := 1.0980
	for i, bid := range []float64{1.1030, 1.1010, 1.1050, 1.1020, 1.1070} {
		mgr.OnTick(ctx, buyTick(bid, entry.Add(time.Duration(i+1)*time.Minute)))
		rec := mgr.Records()[0]
		require.GreaterOrEqual(t, rec.StopLoss, lastStop,
			"stop must never retreat on a buy (tick %d)", i)
		lastStop = rec.StopLoss
	}
	// Peak 1.1070 minus 10 pips.
	require.InDelta(t, 1.1060, lastStop, 1e-9)
}

func TestBreakevenMovesOnceWithBuffer(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		Smart:    &types.SmartExitSpec{BreakevenTriggerRR: 1.0, BreakevenBufferPips: 2},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	mgr.OnTick(ctx, buyTick(1.1021, entry.Add(time.Minute)))
	require.Len(t, trader.modifies, 1)
	require.InDelta(t, 1.1002, *trader.modifies[0].StopLoss, 1e-9)

	mgr.OnTick(ctx, buyTick(1.1030, entry.Add(2*time.Minute)))
	require.Len(t, trader.modifies, 1, "breakeven must not repeat")
}

func TestBreakevenRetriesAfterFailedModify(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{modifyErr: broker.Retryable("modifyPosition", errors.New("busy"))}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		Smart:    &types.SmartExitSpec{BreakevenTriggerRR: 1.0},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	mgr.OnTick(ctx, buyTick(1.1021, entry.Add(time.Minute)))
	require.False(t, mgr.Records()[0].BreakevenMoved, "failed modify must not latch the flag")

	trader.modifyErr = nil
	mgr.OnTick(ctx, buyTick(1.1021, entry.Add(2*time.Minute)))
	require.True(t, mgr.Records()[0].BreakevenMoved)
	require.Len(t, trader.modifies, 1)
}

func TestBreakevenNeverLoosensTrailedStop(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		Trailing: &types.TrailingSpec{Enabled: true, DistancePips: 5, StepPips: 10},
		Smart:    &types.SmartExitSpec{BreakevenTriggerRR: 2.0},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	// Trailing raises the stop well past entry before breakeven triggers.
	mgr.OnTick(ctx, buyTick(1.1038, entry.Add(time.Minute)))
	require.InDelta(t, 1.1033, mgr.Records()[0].StopLoss, 1e-9)

	// Breakeven fires on the next tick while the trailing step suppresses a
	// fresh candidate; the stop must hold, not fall back to entry.
	mgr.OnTick(ctx, buyTick(1.1041, entry.Add(2*time.Minute)))
	rec := mgr.Records()[0]
	require.GreaterOrEqual(t, rec.StopLoss, 1.1033, "stop retreated after breakeven")
	require.True(t, rec.BreakevenMoved)
	require.Len(t, trader.modifies, 1, "no modify may carry a looser stop")
}

func TestTimeExitClosesRemainder(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closePrice: 1.1005}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20, MaxHoldingMinutes: 60},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(30*time.Minute)))
	require.Empty(t, sink.ofKind(types.EventExit), "before the holding limit nothing closes")

	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(61*time.Minute)))
	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 1)
	require.Equal(t, "max holding time", exits[0].Reason)
	require.Equal(t, exit.StateClosed, mgr.Records()[0].State)
}

func TestRegimeExitRequiresConfidence(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closePrice: 1.1010}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		Smart:    &types.SmartExitSpec{RegimeExit: true, RegimeConfidence: 0.7},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeTrending)

	upd := buyTick(1.1010, entry.Add(time.Minute))
	upd.Regime = types.RegimeRanging
	upd.RegimeConfidence = 0.5
	mgr.OnTick(ctx, upd)
	require.Empty(t, sink.ofKind(types.EventExit), "low confidence must not close")

	upd = buyTick(1.1010, entry.Add(2*time.Minute))
	upd.Regime = types.RegimeRanging
	upd.RegimeConfidence = 0.8
	mgr.OnTick(ctx, upd)
	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 1)
	require.Contains(t, exits[0].Reason, "regime change")
}

func TestStuckClosingRetriesOnceThenErrors(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closeErr: broker.Retryable("closePosition", errors.New("terminal busy"))}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20, MaxHoldingMinutes: 1},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	// Holding limit reached, close fails, position enters Closing.
	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(2*time.Minute)))
	require.Equal(t, exit.StateClosing, mgr.Records()[0].State)

	// 31 s later the close is retried once; it fails again.
	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(2*time.Minute+31*time.Second)))
	require.Equal(t, exit.StateClosing, mgr.Records()[0].State)

	// Another 31 s without confirmation: errored, left for reconciliation.
	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(2*time.Minute+62*time.Second)))
	require.Equal(t, exit.StateErrored, mgr.Records()[0].State)
	require.NotEmpty(t, sink.ofKind(types.EventError))
}

func TestStuckClosingRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closeErr: broker.Retryable("closePosition", errors.New("terminal busy"))}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20, MaxHoldingMinutes: 1},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(2*time.Minute)))
	require.Equal(t, exit.StateClosing, mgr.Records()[0].State)

	trader.closeErr = nil
	trader.closePrice = 1.1005
	mgr.OnTick(ctx, buyTick(1.1005, entry.Add(2*time.Minute+31*time.Second)))
	require.Equal(t, exit.StateClosed, mgr.Records()[0].State)

	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 1)
	require.Equal(t, "max holding time", exits[0].Reason)
}

func TestCloseAllReportsCommandedExits(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closePrice: 1.1010}
	sink := &eventSink{}
	spec := types.ExitSpec{StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20}}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)
	mgr.Register(1002, "EURUSD", types.SideBuy, 1.1005, entry, 0.05, 1.0985, 0, types.RegimeUnknown)

	mgr.CloseAll(ctx, "commanded", entry.Add(time.Minute))

	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 2)
	for _, ev := range exits {
		require.Equal(t, "commanded", ev.Reason)
	}
	require.Zero(t, mgr.OpenCount())
}

func TestReconcileDetectsTerminalClose(t *testing.T) {
	trader := &scriptedTrader{}
	sink := &eventSink{}
	spec := types.ExitSpec{StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20}}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	// The broker no longer lists the ticket: its stop was hit at the terminal.
	tick := types.Tick{Symbol: "EURUSD", Bid: 1.0979, Ask: 1.0981, Time: entry.Add(time.Minute)}
	mgr.Reconcile(nil, tick, entry.Add(time.Minute))

	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 1)
	require.Equal(t, "closed at terminal", exits[0].Reason)
	require.Equal(t, exit.StateClosed, mgr.Records()[0].State)
}

func TestReconcilePricesTerminalStopOut(t *testing.T) {
	trader := &scriptedTrader{}
	sink := &eventSink{}
	spec := types.ExitSpec{StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20}}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	// Bid through the stop with the ticket gone from the broker: the fill is
	// priced at the stop level and the loss reported with the exit.
	tick := types.Tick{Symbol: "EURUSD", Bid: 1.0975, Ask: 1.0976, Time: entry.Add(time.Minute)}
	mgr.Reconcile(nil, tick, entry.Add(time.Minute))

	exits := sink.ofKind(types.EventExit)
	require.Len(t, exits, 1)
	require.InDelta(t, 1.0980, exits[0].Price, 1e-9)
	require.NotNil(t, exits[0].PnLRealized)
	// 20 pips against 0.10 lots at 100 per pip.
	require.True(t, exits[0].PnLRealized.Equal(decimal.RequireFromString("-200")),
		"pnl = %s, want -200", exits[0].PnLRealized)
}

func TestVolumeInvariantHolds(t *testing.T) {
	ctx := context.Background()
	trader := &scriptedTrader{closePrice: 1.1021}
	sink := &eventSink{}
	spec := types.ExitSpec{
		StopLoss: &types.StopLossSpec{Kind: types.StopPips, Value: 20},
		TakeProfit: &types.TakeProfitSpec{
			Kind: types.TPPartial,
			Levels: []types.PartialLevel{
				{ID: "a", Percentage: 30, AtRR: 0.5},
				{ID: "b", Percentage: 30, AtRR: 1.0},
				{ID: "c", Percentage: 40, AtRR: 1.5},
			},
		},
	}
	mgr := exit.NewManager(zap.NewNop(), trader, "strat-1", spec, pip, 100, sink.record)

	entry := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	mgr.Register(1001, "EURUSD", types.SideBuy, 1.1000, entry, 0.10, 1.0980, 0, types.RegimeUnknown)

	for i, bid := range []float64{1.1011, 1.1021, 1.1031, 1.1041} {
		trader.closePrice = bid
		mgr.OnTick(ctx, buyTick(bid, entry.Add(time.Duration(i+1)*time.Minute)))
		for _, rec := range mgr.Records() {
			require.GreaterOrEqual(t, rec.VolumeRemaining, 0.0)
			require.LessOrEqual(t, rec.VolumeRemaining, rec.VolumeOriginal+1e-9)
		}
	}
}

func TestStopDistanceKinds(t *testing.T) {
	pips := exit.StopDistancePips(types.StopLossSpec{Kind: types.StopPips, Value: 25}, types.SideBuy, 1.1, pip, 0, 0)
	require.Equal(t, 25.0, pips)

	pips = exit.StopDistancePips(types.StopLossSpec{Kind: types.StopPercent, Value: 1}, types.SideBuy, 1.1, pip, 0, 0)
	require.InDelta(t, 110, pips, 1e-9)

	pips = exit.StopDistancePips(types.StopLossSpec{Kind: types.StopATR, ATRMultiplier: 2, MinPips: 10, MaxPips: 40}, types.SideBuy, 1.1, pip, 30, 0)
	require.Equal(t, 40.0, pips, "2x30 pips clamps to the 40 pip max")

	pips = exit.StopDistancePips(types.StopLossSpec{Kind: types.StopEMARef}, types.SideBuy, 1.1020, pip, 0, 1.1000)
	require.InDelta(t, 20, pips, 1e-9)
}

func TestLevelPrices(t *testing.T) {
	sl, tp := exit.Levels(types.SideBuy, 1.1000, 20, pip, &types.TakeProfitSpec{Kind: types.TPRR, RRRatio: 2})
	require.InDelta(t, 1.0980, sl, 1e-9)
	require.InDelta(t, 1.1040, tp, 1e-9)

	sl, tp = exit.Levels(types.SideSell, 1.1000, 20, pip, &types.TakeProfitSpec{Kind: types.TPPips, Value: 30})
	require.InDelta(t, 1.1020, sl, 1e-9)
	require.InDelta(t, 1.0970, tp, 1e-9)

	_, tp = exit.Levels(types.SideBuy, 1.1000, 20, pip, &types.TakeProfitSpec{Kind: types.TPPartial})
	require.Zero(t, tp, "partial ladders carry no broker-side target")
}
