package indicator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Cache memoizes indicator series for one symbol/timeframe bar window.
// Series are recomputed lazily after every window update, so repeated
// evaluations of the same entry tree hit the memo.
//
// Cache is not safe for concurrent use; each strategy runtime owns its own.
type Cache struct {
	bars    []types.OHLCV
	pipSize float64
	memo    map[string][]float64
}

// NewCache creates an empty cache. pipSize converts pip-suffixed symbolic
// references ("ema_200_minus_2pips") into price units.
func NewCache(pipSize float64) *Cache {
	return &Cache{pipSize: pipSize, memo: make(map[string][]float64)}
}

// Update replaces the bar window and invalidates all memoized series.
func (c *Cache) Update(bars []types.OHLCV) {
	c.bars = bars
	c.memo = make(map[string][]float64)
}

// Bars returns the current bar window.
func (c *Cache) Bars() []types.OHLCV { return c.bars }

// Len returns the number of cached bars.
func (c *Cache) Len() int { return len(c.bars) }

// PipSize returns the pip size the cache was built with.
func (c *Cache) PipSize() float64 { return c.pipSize }

func memoKey(name string, params map[string]float64) string {
	if len(params) == 0 {
		return name
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%g", k, params[k])
	}
	return b.String()
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// Series computes (or returns the memoized) series for an indicator name and
// parameter map. Unknown indicators return an error.
func (c *Cache) Series(name string, params map[string]float64) ([]float64, error) {
	key := memoKey(name, params)
	if s, ok := c.memo[key]; ok {
		return s, nil
	}
	s, err := c.compute(name, params)
	if err != nil {
		return nil, err
	}
	c.memo[key] = s
	return s, nil
}

func (c *Cache) compute(name string, params map[string]float64) ([]float64, error) {
	closes := Closes(c.bars)
	switch strings.ToLower(name) {
	case "price", "close":
		return closes, nil
	case "open":
		out := make([]float64, len(c.bars))
		for i, b := range c.bars {
			out[i] = b.Open
		}
		return out, nil
	case "high":
		out := make([]float64, len(c.bars))
		for i, b := range c.bars {
			out[i] = b.High
		}
		return out, nil
	case "low":
		out := make([]float64, len(c.bars))
		for i, b := range c.bars {
			out[i] = b.Low
		}
		return out, nil
	case "volume":
		out := make([]float64, len(c.bars))
		for i, b := range c.bars {
			out[i] = b.Volume
		}
		return out, nil
	case "sma":
		return SMA(closes, int(param(params, "period", 20))), nil
	case "ema":
		return EMA(closes, int(param(params, "period", 20))), nil
	case "rsi":
		return RSI(closes, int(param(params, "period", 14))), nil
	case "atr":
		return ATR(c.bars, int(param(params, "period", 14))), nil
	case "cci":
		return CCI(c.bars, int(param(params, "period", 20))), nil
	case "obv":
		return OBV(c.bars), nil
	case "sar":
		return SAR(c.bars, param(params, "step", 0.02), param(params, "max", 0.2)), nil
	case "macd":
		return c.macd(params).Line, nil
	case "macd_signal":
		return c.macd(params).Signal, nil
	case "macd_histogram":
		return c.macd(params).Histogram, nil
	case "bollinger_upper":
		return c.bollinger(params).Upper, nil
	case "bollinger_middle":
		return c.bollinger(params).Middle, nil
	case "bollinger_lower":
		return c.bollinger(params).Lower, nil
	case "stochastic_k":
		return c.stochastic(params).K, nil
	case "stochastic_d":
		return c.stochastic(params).D, nil
	case "adx":
		return ADX(c.bars, int(param(params, "period", 14))).ADX, nil
	case "plus_di":
		return ADX(c.bars, int(param(params, "period", 14))).PlusDI, nil
	case "minus_di":
		return ADX(c.bars, int(param(params, "period", 14))).MinusDI, nil
	default:
		return nil, fmt.Errorf("unknown indicator %q", name)
	}
}

func (c *Cache) macd(params map[string]float64) MACDResult {
	return MACD(Closes(c.bars),
		int(param(params, "fast", 12)),
		int(param(params, "slow", 26)),
		int(param(params, "signal", 9)))
}

func (c *Cache) bollinger(params map[string]float64) BollingerResult {
	return Bollinger(Closes(c.bars),
		int(param(params, "period", 20)),
		param(params, "stdDev", 2))
}

func (c *Cache) stochastic(params map[string]float64) StochasticResult {
	return Stochastic(c.bars,
		int(param(params, "kPeriod", 14)),
		int(param(params, "dPeriod", 3)))
}

// Resolve resolves a symbolic series reference of the forms
// "price", "ema_50", "bollinger_upper", "rsi_14", "sma_200_plus_5pips",
// "ema_200_minus_2pips". The boolean is false when the reference does not
// name a series this cache can produce.
func (c *Cache) Resolve(ref string) ([]float64, bool) {
	base, offset, ok := splitPipOffset(strings.ToLower(ref))
	if !ok {
		return nil, false
	}
	name, params, ok := parseRef(base)
	if !ok {
		return nil, false
	}
	series, err := c.Series(name, params)
	if err != nil {
		return nil, false
	}
	if offset == 0 {
		return series, true
	}
	shifted := make([]float64, len(series))
	delta := offset * c.pipSize
	for i, v := range series {
		shifted[i] = v + delta
	}
	return shifted, true
}

// splitPipOffset strips a trailing "_plus_Npips" / "_minus_Npips" suffix and
// returns the offset in pips.
func splitPipOffset(ref string) (base string, pips float64, ok bool) {
	for _, sep := range []string{"_plus_", "_minus_"} {
		idx := strings.LastIndex(ref, sep)
		if idx < 0 || !strings.HasSuffix(ref, "pips") {
			continue
		}
		numStr := strings.TrimSuffix(ref[idx+len(sep):], "pips")
		n, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return "", 0, false
		}
		if sep == "_minus_" {
			n = -n
		}
		return ref[:idx], n, true
	}
	return ref, 0, true
}

// parseRef maps a symbolic name to an indicator name and parameters.
// Numeric suffixes become the primary period ("ema_50" -> ema, period 50).
func parseRef(ref string) (string, map[string]float64, bool) {
	switch ref {
	case "price", "close", "open", "high", "low", "volume", "obv", "sar",
		"macd", "macd_signal", "macd_histogram",
		"bollinger_upper", "bollinger_middle", "bollinger_lower",
		"stochastic_k", "stochastic_d", "adx", "plus_di", "minus_di",
		"rsi", "atr", "cci", "sma", "ema":
		return ref, nil, true
	}
	idx := strings.LastIndex(ref, "_")
	if idx < 0 {
		return "", nil, false
	}
	period, err := strconv.Atoi(ref[idx+1:])
	if err != nil {
		return "", nil, false
	}
	name := ref[:idx]
	switch name {
	case "sma", "ema", "rsi", "atr", "cci", "adx",
		"bollinger_upper", "bollinger_middle", "bollinger_lower":
		return name, map[string]float64{"period": float64(period)}, true
	}
	return "", nil, false
}

// WarmupBars returns the minimum number of bars the named indicator needs
// before its latest value is defined.
func WarmupBars(name string, params map[string]float64) int {
	switch strings.ToLower(name) {
	case "price", "close", "open", "high", "low", "volume", "obv":
		return 1
	case "sar":
		return 2
	case "sma", "ema", "cci", "bollinger_upper", "bollinger_middle", "bollinger_lower":
		return int(param(params, "period", 20))
	case "rsi", "atr":
		return int(param(params, "period", 14)) + 1
	case "adx", "plus_di", "minus_di":
		return 2*int(param(params, "period", 14)) + 1
	case "macd", "macd_signal", "macd_histogram":
		return int(param(params, "slow", 26)) + int(param(params, "signal", 9))
	case "stochastic_k", "stochastic_d":
		return int(param(params, "kPeriod", 14)) + int(param(params, "dPeriod", 3))
	default:
		return 1
	}
}
