package types

import (
	"errors"
	"fmt"
)

// NodeOp is the boolean combinator of an entry tree node.
type NodeOp string

const (
	NodeAllOf NodeOp = "allOf"
	NodeAnyOf NodeOp = "anyOf"
	NodeLeaf  NodeOp = "leaf"
)

// Comparator is the predicate applied between an indicator series and its
// right-hand side.
type Comparator string

const (
	CmpGT           Comparator = "gt"
	CmpLT           Comparator = "lt"
	CmpEQ           Comparator = "eq"
	CmpCrossesAbove Comparator = "crossesAbove"
	CmpCrossesBelow Comparator = "crossesBelow"
	CmpBouncesFrom  Comparator = "bouncesFrom"
	CmpRejectsFrom  Comparator = "rejectsFrom"
)

// RHS is the right-hand side of a condition: either a numeric constant or a
// symbolic series reference such as "price", "ema_50" or "bollinger_upper".
type RHS struct {
	Value  *float64 `json:"value,omitempty"`
	Symbol string   `json:"symbol,omitempty"`
}

// Constant returns an RHS holding a numeric constant.
func Constant(v float64) RHS {
	return RHS{Value: &v}
}

// SymbolRef returns an RHS referencing a named series.
func SymbolRef(name string) RHS {
	return RHS{Symbol: name}
}

// Condition is a single predicate over an indicator series.
type Condition struct {
	Indicator     string             `json:"indicator"`
	Params        map[string]float64 `json:"params,omitempty"`
	Comparator    Comparator         `json:"comparator"`
	RHS           RHS                `json:"rhs"`
	TolerancePips float64            `json:"tolerancePips,omitempty"`
}

// EntryNode is a node of the boolean entry expression tree.
type EntryNode struct {
	Op        NodeOp      `json:"op"`
	Children  []EntryNode `json:"children,omitempty"`
	Condition *Condition  `json:"condition,omitempty"`
}

// Empty reports whether the node carries no conditions at all.
func (n EntryNode) Empty() bool {
	if n.Op == NodeLeaf {
		return n.Condition == nil
	}
	for _, c := range n.Children {
		if !c.Empty() {
			return false
		}
	}
	return true
}

// StopKind selects how the initial stop distance is derived.
type StopKind string

const (
	StopPips    StopKind = "pips"
	StopPercent StopKind = "percent"
	StopATR     StopKind = "atr"
	StopEMARef  StopKind = "ema-ref"
)

// TakeProfitKind selects how the take-profit level is derived.
type TakeProfitKind string

const (
	TPPips    TakeProfitKind = "pips"
	TPPercent TakeProfitKind = "percent"
	TPRR      TakeProfitKind = "rr"
	TPPartial TakeProfitKind = "partial"
)

// StopLossSpec configures the initial protective stop.
type StopLossSpec struct {
	Kind              StopKind `json:"kind"`
	Value             float64  `json:"value"`
	ATRMultiplier     float64  `json:"atrMultiplier,omitempty"`
	ATRPeriod         int      `json:"atrPeriod,omitempty"`
	MinPips           float64  `json:"minPips,omitempty"`
	MaxPips           float64  `json:"maxPips,omitempty"`
	MaxHoldingMinutes int      `json:"maxHoldingMinutes,omitempty"`
}

// PartialLevel is one rung of a scaled take-profit ladder.
type PartialLevel struct {
	ID                  string  `json:"id"`
	Percentage          float64 `json:"percentage"`
	AtRR                float64 `json:"atRR"`
	MoveStopToBreakeven bool    `json:"moveStopToBreakeven,omitempty"`
}

// TakeProfitSpec configures profit taking, either a single target or a
// partial-exit ladder.
type TakeProfitSpec struct {
	Kind    TakeProfitKind `json:"kind"`
	Value   float64        `json:"value,omitempty"`
	RRRatio float64        `json:"rrRatio,omitempty"`
	Levels  []PartialLevel `json:"levels,omitempty"`
}

// TrailingSpec configures the trailing stop.
type TrailingSpec struct {
	Enabled       bool    `json:"enabled"`
	ActivateAtRR  float64 `json:"activateAtRR,omitempty"`
	DistancePips  float64 `json:"distancePips,omitempty"`
	ATRMultiplier float64 `json:"atrMultiplier,omitempty"`
	ATRPeriod     int     `json:"atrPeriod,omitempty"`
	StepPips      float64 `json:"stepPips,omitempty"`
}

// SmartExitSpec bundles the adaptive exit behaviors: breakeven moves, dynamic
// trailing, regime-change exits and the weekend session-close flatten.
type SmartExitSpec struct {
	BreakevenTriggerRR  float64 `json:"breakevenTriggerRR,omitempty"`
	BreakevenBufferPips float64 `json:"breakevenBufferPips,omitempty"`
	DynamicTrailing     bool    `json:"dynamicTrailing,omitempty"`
	DynamicATRMult      float64 `json:"dynamicATRMult,omitempty"`
	RegimeExit          bool    `json:"regimeExit,omitempty"`
	RegimeConfidence    float64 `json:"regimeConfidence,omitempty"`
	SessionCloseFlatten bool    `json:"sessionCloseFlatten,omitempty"`
	SundayCloseHourUTC  int     `json:"sundayCloseHourUTC,omitempty"`
}

// ExitSpec is the decision table for unwinding a position.
type ExitSpec struct {
	StopLoss   *StopLossSpec   `json:"stopLoss,omitempty"`
	TakeProfit *TakeProfitSpec `json:"takeProfit,omitempty"`
	Trailing   *TrailingSpec   `json:"trailing,omitempty"`
	Smart      *SmartExitSpec  `json:"smart,omitempty"`
}

// CorrelationGrouping selects how correlated exposure is grouped.
type CorrelationGrouping string

const (
	GroupByPair     CorrelationGrouping = "byPair"
	GroupByCurrency CorrelationGrouping = "byCurrency"
)

// CorrelationSpec configures the correlation gate.
type CorrelationSpec struct {
	Enabled       bool                `json:"enabled"`
	MaxPair       float64             `json:"maxPair,omitempty"`
	Grouping      CorrelationGrouping `json:"grouping,omitempty"`
	LookbackBars  int                 `json:"lookbackBars,omitempty"`
	ReduceInstead bool                `json:"reduceInstead,omitempty"`
}

// RiskSpec bounds position size and portfolio capacity.
type RiskSpec struct {
	RiskPercentPerTrade   float64         `json:"riskPercentPerTrade"`
	MaxPositions          int             `json:"maxPositions,omitempty"`
	MaxPositionsPerSymbol int             `json:"maxPositionsPerSymbol,omitempty"`
	MaxDailyLossCcy       float64         `json:"maxDailyLossCcy,omitempty"`
	MaxDailyTrades        int             `json:"maxDailyTrades,omitempty"`
	MaxDrawdownPct        float64         `json:"maxDrawdownPct,omitempty"`
	MaxConsecutiveLosses  int             `json:"maxConsecutiveLosses,omitempty"`
	Correlation           CorrelationSpec `json:"correlation,omitempty"`
}

// WeekendSlot is an allowed (day, hour) pair in weekend trading mode.
type WeekendSlot struct {
	Weekday int `json:"weekday"` // time.Weekday numbering, Sunday = 0
	Hour    int `json:"hour"`    // UTC hour
}

// SessionSpec gates entries by trading session.
type SessionSpec struct {
	AllowedSessions []string      `json:"allowedSessions,omitempty"`
	WeekendMode     bool          `json:"weekendMode,omitempty"`
	WeekendAllow    []WeekendSlot `json:"weekendAllow,omitempty"`
	OptimalTimes    []string      `json:"optimalTimes,omitempty"`
}

// SpreadSpec gates entries by current spread.
type SpreadSpec struct {
	MaxPips float64 `json:"maxPips,omitempty"`
}

// VolatilitySpec gates entries by ATR.
type VolatilitySpec struct {
	Period         int     `json:"period,omitempty"`
	MinATRPips     float64 `json:"minAtrPips,omitempty"`
	MaxATRPips     float64 `json:"maxAtrPips,omitempty"`
	ReduceAboveMax bool    `json:"reduceAboveMax,omitempty"` // reduce size instead of blocking
	OptimalMinPips float64 `json:"optimalMinPips,omitempty"`
	OptimalMaxPips float64 `json:"optimalMaxPips,omitempty"`
}

// NewsSpec gates entries around calendar events.
type NewsSpec struct {
	PauseBeforeMin int      `json:"pauseBeforeMin,omitempty"`
	PauseAfterMin  int      `json:"pauseAfterMin,omitempty"`
	ImpactLevels   []string `json:"impactLevels,omitempty"`
}

// FilterSpec bundles the pre-trade market-condition gates.
type FilterSpec struct {
	Session     SessionSpec     `json:"session,omitempty"`
	Spread      SpreadSpec      `json:"spread,omitempty"`
	Volatility  VolatilitySpec  `json:"volatility,omitempty"`
	News        NewsSpec        `json:"news,omitempty"`
	Correlation CorrelationSpec `json:"correlation,omitempty"`
}

// StrategyConfig is the immutable blueprint authored on the platform.
type StrategyConfig struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Symbol    string     `json:"symbol"`
	Timeframe Timeframe  `json:"timeframe"`
	Entry     EntryNode  `json:"entry"`
	Exit      ExitSpec   `json:"exit"`
	Risk      RiskSpec   `json:"risk"`
	Filter    FilterSpec `json:"filter"`
}

// ErrInvalidConfig is wrapped by all StrategyConfig validation failures.
var ErrInvalidConfig = errors.New("invalid strategy config")

// Validate checks the structural invariants of the config: a non-empty entry
// tree and at least one of stop-loss or max holding time.
func (c *StrategyConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidConfig)
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("%w: unknown timeframe %q", ErrInvalidConfig, c.Timeframe)
	}
	if c.Entry.Empty() {
		return fmt.Errorf("%w: empty entry tree", ErrInvalidConfig)
	}
	hasStop := c.Exit.StopLoss != nil && (c.Exit.StopLoss.Value > 0 || c.Exit.StopLoss.ATRMultiplier > 0)
	hasTimeLimit := c.Exit.StopLoss != nil && c.Exit.StopLoss.MaxHoldingMinutes > 0
	if !hasStop && !hasTimeLimit {
		return fmt.Errorf("%w: need stop loss or max holding time", ErrInvalidConfig)
	}
	if c.Risk.RiskPercentPerTrade <= 0 {
		return fmt.Errorf("%w: riskPercentPerTrade must be positive", ErrInvalidConfig)
	}
	if tp := c.Exit.TakeProfit; tp != nil && tp.Kind == TPPartial {
		total := 0.0
		for _, lvl := range tp.Levels {
			if lvl.Percentage <= 0 || lvl.AtRR <= 0 {
				return fmt.Errorf("%w: partial level %q needs positive percentage and rr", ErrInvalidConfig, lvl.ID)
			}
			total += lvl.Percentage
		}
		if total > 100.0+1e-9 {
			return fmt.Errorf("%w: partial levels exceed 100%%", ErrInvalidConfig)
		}
	}
	return nil
}
