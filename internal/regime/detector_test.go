package regime_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/internal/regime"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

const pip = 0.0001

func cacheOf(bars []types.OHLCV) *indicator.Cache {
	c := indicator.NewCache(pip)
	c.Update(bars)
	return c
}

// trendingBars rises steadily with a constant 10 pip range.
func trendingBars(n int) []types.OHLCV {
	out := make([]types.OHLCV, n)
	price := 1.1000
	for i := range out {
		out[i] = types.OHLCV{
			Open: price, High: price + 10*pip, Low: price, Close: price + 9*pip, Closed: true,
		}
		price += 9 * pip
	}
	return out
}

// rangingBars oscillates around a level with a constant range.
func rangingBars(n int) []types.OHLCV {
	out := make([]types.OHLCV, n)
	for i := range out {
		c := 1.1000
		if i%2 == 0 {
			c = 1.1005
		}
		out[i] = types.OHLCV{Open: 1.1000, High: 1.1010, Low: 1.0995, Close: c, Closed: true}
	}
	return out
}

func flatBars(n int, rangePips float64) []types.OHLCV {
	out := make([]types.OHLCV, n)
	spread := rangePips * pip
	for i := range out {
		out[i] = types.OHLCV{Open: 1.1, High: 1.1 + spread, Low: 1.1, Close: 1.1 + spread/2, Closed: true}
	}
	return out
}

func TestDetectsTrendingMarket(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig(pip))
	state := d.Update(cacheOf(trendingBars(120)), time.Now())
	if state.Regime != types.RegimeTrending {
		t.Fatalf("steady uptrend classified as %s (adx %.1f)", state.Regime, state.ADX)
	}
	if state.Confidence <= 0 || state.Confidence > 1 {
		t.Errorf("confidence %v out of range", state.Confidence)
	}
}

func TestDetectsRangingMarket(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig(pip))
	state := d.Update(cacheOf(rangingBars(120)), time.Now())
	if state.Regime != types.RegimeRanging {
		t.Fatalf("oscillating market classified as %s (adx %.1f)", state.Regime, state.ADX)
	}
}

func TestDetectsVolatilitySpike(t *testing.T) {
	bars := flatBars(100, 10)
	bars = append(bars, flatBars(15, 200)...)
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig(pip))
	state := d.Update(cacheOf(bars), time.Now())
	if state.Regime != types.RegimeVolatile {
		t.Fatalf("20x range expansion classified as %s (atr %.1f pips)", state.Regime, state.ATRPips)
	}
}

func TestDetectsQuietMarket(t *testing.T) {
	bars := flatBars(100, 100)
	bars = append(bars, flatBars(60, 1)...)
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig(pip))
	state := d.Update(cacheOf(bars), time.Now())
	if state.Regime != types.RegimeQuiet {
		t.Fatalf("collapsed range classified as %s (atr %.1f pips)", state.Regime, state.ATRPips)
	}
}

func TestUnknownWithShortHistory(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig(pip))
	state := d.Update(cacheOf(flatBars(10, 10)), time.Now())
	if state.Regime != types.RegimeUnknown {
		t.Fatalf("10 bars cannot support a classification, got %s", state.Regime)
	}
}

func TestDurationAccumulatesWithinRegime(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig(pip))
	start := time.Date(2024, 7, 3, 10, 0, 0, 0, time.UTC)
	bars := trendingBars(120)

	d.Update(cacheOf(bars), start)
	state := d.Update(cacheOf(bars), start.Add(5*time.Minute))
	if state.Duration != 5*time.Minute {
		t.Errorf("duration = %v, want 5m", state.Duration)
	}
	if len(d.History(10)) != 2 {
		t.Errorf("history length = %d, want 2", len(d.History(10)))
	}
}
