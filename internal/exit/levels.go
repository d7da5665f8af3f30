package exit

import (
	"math"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// StopDistancePips derives the initial stop distance in pips from the
// configured stop kind. atrPips is the current ATR reading in pips; emaRef is
// the reference EMA price for the ema-ref kind. Min/max pip clamps apply to
// every kind.
func StopDistancePips(spec types.StopLossSpec, side types.Side, entryPrice, pipSize, atrPips, emaRef float64) float64 {
	var pips float64
	switch spec.Kind {
	case types.StopPips:
		pips = spec.Value
	case types.StopPercent:
		if pipSize > 0 {
			pips = entryPrice * spec.Value / 100 / pipSize
		}
	case types.StopATR:
		mult := spec.ATRMultiplier
		if mult <= 0 {
			mult = 1
		}
		pips = atrPips * mult
	case types.StopEMARef:
		if pipSize > 0 {
			pips = math.Abs(entryPrice-emaRef) / pipSize
		}
	}
	if spec.MinPips > 0 && pips < spec.MinPips {
		pips = spec.MinPips
	}
	if spec.MaxPips > 0 && pips > spec.MaxPips {
		pips = spec.MaxPips
	}
	return pips
}

// Levels converts a stop distance into absolute stop and take-profit prices.
// A partial-ladder take-profit returns tp = 0: the ladder is managed by the
// exit manager, not by a broker-side target.
func Levels(side types.Side, entryPrice, stopPips, pipSize float64, tp *types.TakeProfitSpec) (stopLoss, takeProfit float64) {
	dir := 1.0
	if side == types.SideSell {
		dir = -1.0
	}
	if stopPips > 0 {
		stopLoss = entryPrice - dir*stopPips*pipSize
	}
	if tp == nil {
		return stopLoss, 0
	}
	switch tp.Kind {
	case types.TPPips:
		takeProfit = entryPrice + dir*tp.Value*pipSize
	case types.TPPercent:
		takeProfit = entryPrice * (1 + dir*tp.Value/100)
	case types.TPRR:
		if tp.RRRatio > 0 && stopPips > 0 {
			takeProfit = entryPrice + dir*tp.RRRatio*stopPips*pipSize
		}
	case types.TPPartial:
		takeProfit = 0
	}
	return stopLoss, takeProfit
}
