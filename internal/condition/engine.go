// Package condition evaluates entry expression trees against indicator caches.
package condition

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Caches is the set of indicator caches visible to one evaluation: the
// strategy's own timeframe plus any higher timeframes the runtime maintains
// for multi-timeframe references ("h4_close", "d1_high").
type Caches struct {
	Primary *indicator.Cache
	Higher  map[types.Timeframe]*indicator.Cache
}

// Result reports the outcome of evaluating an entry tree.
type Result struct {
	Match         bool
	MatchedLeaves []types.Condition
	Warnings      []string
}

// Engine evaluates entry trees. It holds no per-evaluation state; cross-bar
// predicates read the prior index from the series instead of mutating memory.
type Engine struct {
	logger *zap.Logger
}

// New creates a condition engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("condition-engine")}
}

// Evaluate evaluates tree against the caches at lastIndex (the most recent
// closed bar). Crossing predicates additionally read lastIndex-1.
// An empty AllOf is false; unresolved references evaluate false with a
// warning rather than failing the evaluation.
func (e *Engine) Evaluate(tree types.EntryNode, caches Caches, lastIndex int) Result {
	res := &Result{}
	res.Match = e.evalNode(tree, caches, lastIndex, res)
	return *res
}

func (e *Engine) evalNode(node types.EntryNode, caches Caches, idx int, res *Result) bool {
	switch node.Op {
	case types.NodeLeaf:
		if node.Condition == nil {
			return false
		}
		ok := e.evalLeaf(*node.Condition, caches, idx, res)
		if ok {
			res.MatchedLeaves = append(res.MatchedLeaves, *node.Condition)
		}
		return ok
	case types.NodeAllOf:
		if len(node.Children) == 0 {
			return false
		}
		all := true
		for _, child := range node.Children {
			if !e.evalNode(child, caches, idx, res) {
				all = false
			}
		}
		return all
	case types.NodeAnyOf:
		any := false
		for _, child := range node.Children {
			if e.evalNode(child, caches, idx, res) {
				any = true
			}
		}
		return any
	default:
		e.warn(res, fmt.Sprintf("unknown node op %q", node.Op))
		return false
	}
}

func (e *Engine) evalLeaf(cond types.Condition, caches Caches, idx int, res *Result) bool {
	lhs, err := caches.Primary.Series(cond.Indicator, cond.Params)
	if err != nil {
		e.warn(res, fmt.Sprintf("condition lhs: %v", err))
		return false
	}
	if idx < 0 || idx >= len(lhs) {
		return false
	}

	switch cond.Comparator {
	case types.CmpBouncesFrom, types.CmpRejectsFrom:
		return e.evalBand(cond, caches, idx, res)
	}

	rhs, ok := e.resolveRHS(cond.RHS, caches, len(lhs), res)
	if !ok {
		return false
	}

	switch cond.Comparator {
	case types.CmpGT:
		return defined2(lhs[idx], rhs[idx]) && lhs[idx] > rhs[idx]
	case types.CmpLT:
		return defined2(lhs[idx], rhs[idx]) && lhs[idx] < rhs[idx]
	case types.CmpEQ:
		return defined2(lhs[idx], rhs[idx]) && relEqual(lhs[idx], rhs[idx])
	case types.CmpCrossesAbove:
		if idx < 1 || !defined2(lhs[idx], rhs[idx]) || !defined2(lhs[idx-1], rhs[idx-1]) {
			return false
		}
		return lhs[idx-1] <= rhs[idx-1] && lhs[idx] > rhs[idx]
	case types.CmpCrossesBelow:
		if idx < 1 || !defined2(lhs[idx], rhs[idx]) || !defined2(lhs[idx-1], rhs[idx-1]) {
			return false
		}
		return lhs[idx-1] >= rhs[idx-1] && lhs[idx] < rhs[idx]
	default:
		e.warn(res, fmt.Sprintf("unknown comparator %q", cond.Comparator))
		return false
	}
}

// evalBand handles bouncesFrom / rejectsFrom: within the prior three bars the
// relevant extreme touched [ref-tol, ref+tol], and the current close is on the
// far side of the reference.
func (e *Engine) evalBand(cond types.Condition, caches Caches, idx int, res *Result) bool {
	ref, ok := e.resolveRHS(cond.RHS, caches, caches.Primary.Len(), res)
	if !ok {
		return false
	}
	bars := caches.Primary.Bars()
	if idx >= len(bars) || idx >= len(ref) || !indicator.Defined(ref[idx]) {
		return false
	}
	tol := cond.TolerancePips * caches.Primary.PipSize()

	touched := false
	for back := 1; back <= 3; back++ {
		j := idx - back
		if j < 0 || !indicator.Defined(ref[j]) {
			continue
		}
		switch cond.Comparator {
		case types.CmpBouncesFrom:
			if bars[j].Low >= ref[j]-tol && bars[j].Low <= ref[j]+tol {
				touched = true
			}
		case types.CmpRejectsFrom:
			if bars[j].High >= ref[j]-tol && bars[j].High <= ref[j]+tol {
				touched = true
			}
		}
	}
	if !touched {
		return false
	}
	if cond.Comparator == types.CmpBouncesFrom {
		return bars[idx].Close > ref[idx]
	}
	return bars[idx].Close < ref[idx]
}

// resolveRHS produces a series for the right-hand side: a constant expands to
// a flat series, a symbolic reference resolves against the primary cache or,
// with a timeframe prefix, against the matching higher-timeframe cache.
func (e *Engine) resolveRHS(rhs types.RHS, caches Caches, n int, res *Result) ([]float64, bool) {
	if rhs.Value != nil {
		series := make([]float64, n)
		for i := range series {
			series[i] = *rhs.Value
		}
		return series, true
	}
	if rhs.Symbol == "" {
		e.warn(res, "condition rhs has neither value nor symbol")
		return nil, false
	}
	if tf, rest, ok := splitTimeframePrefix(rhs.Symbol); ok {
		cache, exists := caches.Higher[tf]
		if !exists {
			e.warn(res, fmt.Sprintf("no %s cache for reference %q", tf, rhs.Symbol))
			return nil, false
		}
		series, ok := cache.Resolve(rest)
		if !ok {
			e.warn(res, fmt.Sprintf("unresolved reference %q", rhs.Symbol))
			return nil, false
		}
		// Higher-timeframe series are pinned to their latest value so the
		// primary-index comparisons see the current higher-frame reading.
		return pinLatest(series, n), true
	}
	series, ok := caches.Primary.Resolve(rhs.Symbol)
	if !ok {
		e.warn(res, fmt.Sprintf("unresolved reference %q", rhs.Symbol))
		return nil, false
	}
	return series, true
}

func splitTimeframePrefix(symbol string) (types.Timeframe, string, bool) {
	idx := strings.Index(symbol, "_")
	if idx <= 0 {
		return "", "", false
	}
	tf := types.Timeframe(strings.ToUpper(symbol[:idx]))
	if !tf.Valid() {
		return "", "", false
	}
	return tf, symbol[idx+1:], true
}

// pinLatest returns a length-n series whose every defined position holds the
// latest defined value of src.
func pinLatest(src []float64, n int) []float64 {
	latest := indicator.Undefined
	for i := len(src) - 1; i >= 0; i-- {
		if indicator.Defined(src[i]) {
			latest = src[i]
			break
		}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = latest
	}
	return out
}

func (e *Engine) warn(res *Result, msg string) {
	res.Warnings = append(res.Warnings, msg)
	e.logger.Warn("condition evaluation warning", zap.String("detail", msg))
}

func defined2(a, b float64) bool {
	return indicator.Defined(a) && indicator.Defined(b)
}

func relEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-9*scale
}

// WarmupBars returns the bar count needed before every condition in the tree
// can be evaluated, including crossing lookback and symbolic references.
func WarmupBars(tree types.EntryNode) int {
	max := 1
	walk(tree, func(c types.Condition) {
		need := indicator.WarmupBars(c.Indicator, c.Params)
		switch c.Comparator {
		case types.CmpCrossesAbove, types.CmpCrossesBelow:
			need++
		case types.CmpBouncesFrom, types.CmpRejectsFrom:
			need += 3
		}
		if c.RHS.Symbol != "" {
			name, params, ok := RefIndicator(c.RHS.Symbol)
			if ok {
				if n := indicator.WarmupBars(name, params); n+1 > need {
					need = n + 1
				}
			}
		}
		if need > max {
			max = need
		}
	})
	return max
}

// HigherTimeframes lists the distinct timeframe prefixes referenced by the
// tree's symbolic right-hand sides, so the runtime knows which extra caches
// to maintain.
func HigherTimeframes(tree types.EntryNode) []types.Timeframe {
	seen := make(map[types.Timeframe]bool)
	var out []types.Timeframe
	walk(tree, func(c types.Condition) {
		if c.RHS.Symbol == "" {
			return
		}
		if tf, _, ok := splitTimeframePrefix(c.RHS.Symbol); ok && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	})
	return out
}

// RefIndicator maps a symbolic reference back to its indicator name and
// parameters, ignoring any timeframe prefix or pip offset.
func RefIndicator(ref string) (string, map[string]float64, bool) {
	if tf, rest, ok := splitTimeframePrefix(ref); ok && tf.Valid() {
		ref = rest
	}
	lower := strings.ToLower(ref)
	for _, sep := range []string{"_plus_", "_minus_"} {
		if i := strings.LastIndex(lower, sep); i >= 0 && strings.HasSuffix(lower, "pips") {
			lower = lower[:i]
			break
		}
	}
	name, params, ok := parseSimpleRef(lower)
	return name, params, ok
}

func parseSimpleRef(ref string) (string, map[string]float64, bool) {
	switch ref {
	case "price", "close", "open", "high", "low", "volume", "obv", "sar",
		"macd", "macd_signal", "macd_histogram",
		"bollinger_upper", "bollinger_middle", "bollinger_lower",
		"stochastic_k", "stochastic_d", "adx", "plus_di", "minus_di":
		return ref, nil, true
	}
	idx := strings.LastIndex(ref, "_")
	if idx < 0 {
		return "", nil, false
	}
	var period int
	if _, err := fmt.Sscanf(ref[idx+1:], "%d", &period); err != nil {
		return "", nil, false
	}
	return ref[:idx], map[string]float64{"period": float64(period)}, true
}

func walk(node types.EntryNode, fn func(types.Condition)) {
	if node.Op == types.NodeLeaf {
		if node.Condition != nil {
			fn(*node.Condition)
		}
		return
	}
	for _, child := range node.Children {
		walk(child, fn)
	}
}
