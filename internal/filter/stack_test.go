package filter_test

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/filter"
	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

const pip = 0.0001

func tickAt(hour int, bid, ask float64) (time.Time, types.Tick) {
	// 2024-07-03 is a Wednesday.
	now := time.Date(2024, 7, 3, hour, 30, 0, 0, time.UTC)
	return now, types.Tick{Symbol: "EURUSD", Bid: bid, Ask: ask, Time: now}
}

func rangeCache(atrPips float64, bars int) *indicator.Cache {
	c := indicator.NewCache(pip)
	out := make([]types.OHLCV, bars)
	spread := atrPips * pip
	for i := range out {
		out[i] = types.OHLCV{Open: 1.1, High: 1.1 + spread, Low: 1.1, Close: 1.1 + spread/2, Closed: true}
	}
	c.Update(out)
	return c
}

func TestSessionGateBlocksOutsideHours(t *testing.T) {
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		Session: types.SessionSpec{AllowedSessions: []string{"London"}},
	}, nil)

	now, tick := tickAt(10, 1.1000, 1.1001) // 10:30 UTC, inside London 07-16
	d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip})
	if !d.Allow {
		t.Fatalf("10:30 UTC should pass the London gate, blocked: %s", d.Reason)
	}

	now, tick = tickAt(18, 1.1000, 1.1001) // 18:30 UTC, outside London
	d = stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip})
	if d.Allow {
		t.Fatal("18:30 UTC should be blocked outside London hours")
	}
	if d.Gate != "session" {
		t.Errorf("blocking gate = %q, want session", d.Gate)
	}
}

func TestTokyoSessionWrapsMidnight(t *testing.T) {
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		Session: types.SessionSpec{AllowedSessions: []string{"Tokyo"}},
	}, nil)

	for _, tc := range []struct {
		hour  int
		allow bool
	}{
		{23, true}, {2, true}, {7, true}, {8, false}, {15, false},
	} {
		now, tick := tickAt(tc.hour, 1.1, 1.1001)
		d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip})
		if d.Allow != tc.allow {
			t.Errorf("hour %02d: allow = %v, want %v", tc.hour, d.Allow, tc.allow)
		}
	}
}

func TestWeekendAllowlist(t *testing.T) {
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		Session: types.SessionSpec{
			WeekendMode:  true,
			WeekendAllow: []types.WeekendSlot{{Weekday: 0, Hour: 22}},
		},
	}, nil)

	sunday22 := time.Date(2024, 7, 7, 22, 15, 0, 0, time.UTC)
	d := stack.Evaluate(filter.Context{Now: sunday22, Tick: types.Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1001}, PipSize: pip})
	if !d.Allow {
		t.Error("sunday 22h is on the allowlist")
	}

	sunday10 := time.Date(2024, 7, 7, 10, 0, 0, 0, time.UTC)
	d = stack.Evaluate(filter.Context{Now: sunday10, Tick: types.Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1001}, PipSize: pip})
	if d.Allow {
		t.Error("sunday 10h is not on the allowlist")
	}
}

func TestSpreadGate(t *testing.T) {
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		Spread: types.SpreadSpec{MaxPips: 2},
	}, nil)

	now, tick := tickAt(12, 1.10000, 1.10015) // 1.5 pips
	if d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip}); !d.Allow {
		t.Errorf("1.5 pip spread under a 2 pip cap should pass: %s", d.Reason)
	}

	now, tick = tickAt(12, 1.10000, 1.10030) // 3 pips
	d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip})
	if d.Allow {
		t.Error("3 pip spread over a 2 pip cap should block")
	}
}

func TestVolatilityGateBlocksAndReduces(t *testing.T) {
	spec := types.FilterSpec{
		Volatility: types.VolatilitySpec{Period: 14, MinATRPips: 5, MaxATRPips: 30},
	}
	now, tick := tickAt(12, 1.1000, 1.1001)

	stack := filter.NewStack(zap.NewNop(), spec, nil)
	if d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip, Cache: rangeCache(2, 40)}); d.Allow {
		t.Error("2 pip ATR below 5 pip floor should block")
	}
	if d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip, Cache: rangeCache(15, 40)}); !d.Allow {
		t.Errorf("15 pip ATR inside the band should pass: %s", d.Reason)
	}
	if d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip, Cache: rangeCache(50, 40)}); d.Allow {
		t.Error("50 pip ATR above the cap should block when reduce is off")
	}

	spec.Volatility.ReduceAboveMax = true
	stack = filter.NewStack(zap.NewNop(), spec, nil)
	d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip, Cache: rangeCache(50, 40)})
	if !d.Allow || d.SizeFactor != 0.5 {
		t.Errorf("hot market with reduce mode should halve size, got allow=%v factor=%v", d.Allow, d.SizeFactor)
	}
}

func TestNewsGateBlocksAroundEvent(t *testing.T) {
	now, tick := tickAt(12, 1.1000, 1.1001)
	calendar := &filter.StaticCalendar{Events: []filter.NewsEvent{
		{Time: now.Add(10 * time.Minute), Currency: "USD", Impact: "high", Title: "NFP"},
	}}
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		News: types.NewsSpec{PauseBeforeMin: 15, PauseAfterMin: 15, ImpactLevels: []string{"high"}},
	}, calendar)

	if d := stack.Evaluate(filter.Context{Now: now, Tick: tick, PipSize: pip}); d.Allow {
		t.Error("entry 10 minutes before a high-impact USD event should block")
	}

	// Same event, unrelated symbol.
	gbpjpy := types.Tick{Symbol: "GBPJPY", Bid: 190.0, Ask: 190.02}
	if d := stack.Evaluate(filter.Context{Now: now, Tick: gbpjpy, PipSize: 0.01}); !d.Allow {
		t.Errorf("USD event should not gate GBPJPY: %s", d.Reason)
	}

	// Outside the window.
	later := now.Add(40 * time.Minute)
	if d := stack.Evaluate(filter.Context{Now: later, Tick: tick, PipSize: pip}); !d.Allow {
		t.Errorf("25 minutes after the event the gate should pass: %s", d.Reason)
	}
}

func TestCorrelationGateBlocksTwins(t *testing.T) {
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		Correlation: types.CorrelationSpec{Enabled: true, MaxPair: 0.9, LookbackBars: 20},
	}, nil)

	bars := make([]types.OHLCV, 40)
	closes := make([]float64, 40)
	for i := range bars {
		c := 1.1 + 0.01*math.Sin(float64(i)/3)
		bars[i] = types.OHLCV{Open: c, High: c, Low: c, Close: c, Closed: true}
		closes[i] = c * 1.2 // perfectly correlated series
	}
	cache := indicator.NewCache(pip)
	cache.Update(bars)

	now, tick := tickAt(12, 1.1000, 1.1001)
	d := stack.Evaluate(filter.Context{
		Now: now, Tick: tick, PipSize: pip, Cache: cache,
		OpenSymbolCloses: map[string][]float64{"GBPUSD": closes},
	})
	if d.Allow {
		t.Error("perfectly correlated open symbol should block")
	}
	if d.Gate != "correlation" {
		t.Errorf("gate = %q, want correlation", d.Gate)
	}
}

func TestCorrelationSkipsShortOverlap(t *testing.T) {
	stack := filter.NewStack(zap.NewNop(), types.FilterSpec{
		Correlation: types.CorrelationSpec{Enabled: true, MaxPair: 0.5, LookbackBars: 50},
	}, nil)

	bars := make([]types.OHLCV, 40)
	for i := range bars {
		c := 1.1 + 0.01*math.Sin(float64(i)/3)
		bars[i] = types.OHLCV{Open: c, High: c, Low: c, Close: c, Closed: true}
	}
	cache := indicator.NewCache(pip)
	cache.Update(bars)

	now, tick := tickAt(12, 1.1000, 1.1001)
	d := stack.Evaluate(filter.Context{
		Now: now, Tick: tick, PipSize: pip, Cache: cache,
		// Only 5 bars of history: below half the lookback, so skipped.
		OpenSymbolCloses: map[string][]float64{"GBPUSD": {1.2, 1.21, 1.22, 1.23, 1.24}},
	})
	if !d.Allow {
		t.Errorf("insufficient overlap should skip the pair, got block: %s", d.Reason)
	}
}
