package filter

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// CorrelationGate blocks (or reduces) entries whose symbol is too correlated
// with an already-open symbol, measured by the Pearson correlation of log
// returns over the lookback window. Pairs with insufficient overlapping bars
// are skipped rather than blocked.
type CorrelationGate struct {
	spec types.CorrelationSpec
}

func (g *CorrelationGate) Name() string { return "correlation" }

func (g *CorrelationGate) Check(ctx Context) Decision {
	if !g.spec.Enabled || ctx.Cache == nil || len(ctx.OpenSymbolCloses) == 0 {
		return allow()
	}
	lookback := g.spec.LookbackBars
	if lookback <= 0 {
		lookback = 50
	}
	maxPair := g.spec.MaxPair
	if maxPair <= 0 {
		maxPair = 0.8
	}

	candidate := logReturns(indicator.Closes(ctx.Cache.Bars()))
	for symbol, closes := range ctx.OpenSymbolCloses {
		if symbol == ctx.Tick.Symbol {
			continue
		}
		other := logReturns(closes)
		n := min3(len(candidate), len(other), lookback)
		if n < lookback/2 {
			// Not enough overlap to trust the estimate.
			continue
		}
		corr := pearson(tail(candidate, n), tail(other, n))
		if math.Abs(corr) >= maxPair {
			reason := fmt.Sprintf("correlation %.2f with open %s exceeds %.2f", corr, symbol, maxPair)
			if g.spec.ReduceInstead {
				return reduce(g.Name(), 0.5, reason)
			}
			return block(g.Name(), reason)
		}
	}
	return allow()
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func tail(s []float64, n int) []float64 {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
