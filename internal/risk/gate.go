package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// SymbolLimits carries the broker's sizing constraints for one symbol.
// PipValuePerLot is the account-currency value of a one-pip move for one lot.
type SymbolLimits struct {
	PipSize        float64
	PipValuePerLot float64
	VolumeMin      float64
	VolumeMax      float64
	VolumeStep     float64
}

// PortfolioView is a point-in-time snapshot of account state and open
// positions, refreshed by the executor core on every open/close event.
// The gate only ever reads it.
type PortfolioView struct {
	Balance           decimal.Decimal
	Equity            decimal.Decimal
	OpenPositions     int
	PositionsBySymbol map[string]int
	OpenSymbols       []string
}

// EntryRequest describes a candidate entry the gate must price and approve.
type EntryRequest struct {
	StrategyID       string
	Symbol           string
	Side             types.Side
	StopDistancePips float64
	// ReduceFactor accumulates FilterStack size reductions; 1.0 when none.
	ReduceFactor float64
}

// Verdict is the gate's decision for one entry candidate.
type Verdict struct {
	Allowed bool
	Reason  string
	Lots    float64
}

// Gate applies portfolio-capacity checks and computes position size.
type Gate struct {
	logger   *zap.Logger
	counters *Counters
}

// NewGate creates a risk gate over the shared daily counters.
func NewGate(logger *zap.Logger, counters *Counters) *Gate {
	return &Gate{logger: logger.Named("risk-gate"), counters: counters}
}

// Counters exposes the underlying counters for trade recording.
func (g *Gate) Counters() *Counters { return g.counters }

// Evaluate checks every portfolio gate and, if all pass, sizes the position.
// All limits block exactly at the limit (>=), never one short.
func (g *Gate) Evaluate(spec types.RiskSpec, req EntryRequest, view PortfolioView, limits SymbolLimits, now time.Time) Verdict {
	if reason := g.capacityCheck(spec, req, view, now); reason != "" {
		g.logger.Info("entry blocked by risk gate",
			zap.String("strategy", req.StrategyID),
			zap.String("symbol", req.Symbol),
			zap.String("reason", reason))
		return Verdict{Allowed: false, Reason: reason}
	}

	lots := ComputeLots(view.Equity, spec.RiskPercentPerTrade, req.StopDistancePips, req.ReduceFactor, limits)
	if lots <= 0 {
		return Verdict{Allowed: false, Reason: "computed volume below broker minimum"}
	}
	return Verdict{Allowed: true, Lots: lots}
}

func (g *Gate) capacityCheck(spec types.RiskSpec, req EntryRequest, view PortfolioView, now time.Time) string {
	if spec.MaxPositions > 0 && view.OpenPositions >= spec.MaxPositions {
		return fmt.Sprintf("max positions reached (%d)", spec.MaxPositions)
	}
	if spec.MaxPositionsPerSymbol > 0 && view.PositionsBySymbol[req.Symbol] >= spec.MaxPositionsPerSymbol {
		return fmt.Sprintf("max positions for %s reached (%d)", req.Symbol, spec.MaxPositionsPerSymbol)
	}

	day := g.counters.Day(req.StrategyID, now)
	if spec.MaxDailyLossCcy > 0 {
		limit := decimal.NewFromFloat(spec.MaxDailyLossCcy)
		if day.RealizedLoss.GreaterThanOrEqual(limit) {
			return "max daily loss"
		}
	}
	if spec.MaxDailyTrades > 0 && day.Trades >= spec.MaxDailyTrades {
		return fmt.Sprintf("max daily trades reached (%d)", spec.MaxDailyTrades)
	}

	if spec.MaxDrawdownPct > 0 && view.Balance.IsPositive() {
		dd := view.Balance.Sub(view.Equity).
			Div(view.Balance).
			Mul(decimal.NewFromInt(100))
		if dd.GreaterThanOrEqual(decimal.NewFromFloat(spec.MaxDrawdownPct)) {
			return fmt.Sprintf("drawdown %s%% at limit", dd.StringFixed(2))
		}
	}

	if spec.MaxConsecutiveLosses > 0 &&
		g.counters.ConsecutiveLosses(req.StrategyID) >= spec.MaxConsecutiveLosses {
		return fmt.Sprintf("max consecutive losses reached (%d)", spec.MaxConsecutiveLosses)
	}

	if spec.Correlation.Enabled && spec.Correlation.Grouping == types.GroupByCurrency {
		if other := sharedCurrencySymbol(req.Symbol, view.OpenSymbols); other != "" {
			return fmt.Sprintf("currency group overlap with open %s", other)
		}
	}
	return ""
}

// sharedCurrencySymbol returns the first open symbol sharing a currency leg
// with the candidate, assuming six-letter forex pair naming.
func sharedCurrencySymbol(candidate string, open []string) string {
	if len(candidate) < 6 {
		return ""
	}
	base, quote := candidate[:3], candidate[3:6]
	for _, sym := range open {
		if sym == candidate || len(sym) < 6 {
			continue
		}
		if sym[:3] == base || sym[3:6] == base || sym[:3] == quote || sym[3:6] == quote {
			return sym
		}
	}
	return ""
}

// ComputeLots sizes a position fixed-fractionally:
//
//	lots = (equity * riskPct/100) / (stopPips * pipValuePerLot)
//
// then applies the filter reduce factor, snaps down to the volume step and
// clamps to the broker's min/max. ATR-derived stops arrive here as a
// pre-computed stop distance.
func ComputeLots(equity decimal.Decimal, riskPct, stopPips, reduceFactor float64, limits SymbolLimits) float64 {
	if stopPips <= 0 || riskPct <= 0 || limits.PipValuePerLot <= 0 {
		return 0
	}
	eq, _ := equity.Float64()
	riskAmount := eq * riskPct / 100
	lots := riskAmount / (stopPips * limits.PipValuePerLot)
	if reduceFactor > 0 {
		lots *= reduceFactor
	}

	step := limits.VolumeStep
	if step > 0 {
		lots = math.Floor(lots/step+1e-9) * step
	}
	if limits.VolumeMax > 0 && lots > limits.VolumeMax {
		lots = limits.VolumeMax
	}
	if lots < limits.VolumeMin {
		return 0
	}
	// Snap away float noise from the step division.
	if step > 0 {
		lots = math.Round(lots/step) * step
	}
	return lots
}

// ATRStopPips derives a stop distance from an ATR reading, honoring the
// spec's min/max clamps.
func ATRStopPips(atrPips float64, spec types.StopLossSpec) float64 {
	mult := spec.ATRMultiplier
	if mult <= 0 {
		mult = 1
	}
	pips := atrPips * mult
	if spec.MinPips > 0 && pips < spec.MinPips {
		pips = spec.MinPips
	}
	if spec.MaxPips > 0 && pips > spec.MaxPips {
		pips = spec.MaxPips
	}
	return pips
}
