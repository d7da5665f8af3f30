// Package filter implements the pre-trade market-condition gates.
//
// Gates run in a fixed order before the risk gate on every entry candidate.
// The first blocking gate short-circuits the stack; size-reduction factors
// from non-blocking gates multiply.
package filter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Decision is the outcome of one gate or of the whole stack.
type Decision struct {
	Allow      bool
	SizeFactor float64 // multiplicative, 1.0 when unmodified
	Gate       string
	Reason     string
}

func allow() Decision {
	return Decision{Allow: true, SizeFactor: 1}
}

func reduce(gate string, factor float64, reason string) Decision {
	return Decision{Allow: true, SizeFactor: factor, Gate: gate, Reason: reason}
}

func block(gate, reason string) Decision {
	return Decision{Allow: false, SizeFactor: 1, Gate: gate, Reason: reason}
}

// Context carries the market state a gate evaluates against.
type Context struct {
	Now     time.Time
	Tick    types.Tick
	PipSize float64
	Cache   *indicator.Cache
	// OpenSymbolCloses holds close series for symbols with open positions,
	// used by the correlation gate.
	OpenSymbolCloses map[string][]float64
}

// Gate is a single pre-trade check.
type Gate interface {
	Name() string
	Check(ctx Context) Decision
}

// Stack is the ordered gate pipeline for one strategy.
type Stack struct {
	logger *zap.Logger
	gates  []Gate
}

// NewStack builds the gate pipeline from a filter spec. The news calendar may
// be nil, which disables the news gate.
func NewStack(logger *zap.Logger, spec types.FilterSpec, calendar NewsCalendar) *Stack {
	log := logger.Named("filter-stack")
	gates := []Gate{
		&SessionGate{spec: spec.Session},
		&SpreadGate{spec: spec.Spread},
		&VolatilityGate{spec: spec.Volatility},
	}
	if calendar != nil {
		gates = append(gates, &NewsGate{spec: spec.News, calendar: calendar})
	}
	if spec.Correlation.Enabled {
		gates = append(gates, &CorrelationGate{spec: spec.Correlation})
	}
	return &Stack{logger: log, gates: gates}
}

// Evaluate runs the gates in order. The first block wins; reduce factors from
// passing gates accumulate multiplicatively.
func (s *Stack) Evaluate(ctx Context) Decision {
	factor := 1.0
	for _, g := range s.gates {
		d := g.Check(ctx)
		if !d.Allow {
			s.logger.Info("entry blocked",
				zap.String("gate", d.Gate),
				zap.String("reason", d.Reason),
				zap.String("symbol", ctx.Tick.Symbol))
			return d
		}
		if d.SizeFactor != 1 {
			s.logger.Debug("entry size reduced",
				zap.String("gate", d.Gate),
				zap.Float64("factor", d.SizeFactor),
				zap.String("reason", d.Reason))
			factor *= d.SizeFactor
		}
	}
	out := allow()
	out.SizeFactor = factor
	return out
}

// session boundaries in UTC hours; Tokyo and Sydney wrap midnight.
type sessionHours struct {
	start, end int
}

var sessionTable = map[string]sessionHours{
	"london":  {7, 16},
	"newyork": {12, 21},
	"tokyo":   {23, 8},
	"sydney":  {21, 6},
}

// SessionGate blocks entries outside the allowed trading sessions, or outside
// the weekend allowlist when weekend mode is on.
type SessionGate struct {
	spec types.SessionSpec
}

func (g *SessionGate) Name() string { return "session" }

func (g *SessionGate) Check(ctx Context) Decision {
	now := ctx.Now.UTC()

	if g.spec.WeekendMode {
		for _, slot := range g.spec.WeekendAllow {
			if int(now.Weekday()) == slot.Weekday && now.Hour() == slot.Hour {
				return allow()
			}
		}
		return block(g.Name(), "outside weekend allowlist")
	}

	if len(g.spec.AllowedSessions) == 0 {
		return allow()
	}
	hour := now.Hour()
	for _, name := range g.spec.AllowedSessions {
		hours, ok := sessionTable[normalizeSession(name)]
		if !ok {
			continue
		}
		if inSession(hour, hours) {
			return allow()
		}
	}
	return block(g.Name(), fmt.Sprintf("outside allowed sessions at %02d:00 UTC", hour))
}

func normalizeSession(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		if r == ' ' || r == '_' || r == '-' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func inSession(hour int, s sessionHours) bool {
	if s.start <= s.end {
		return hour >= s.start && hour < s.end
	}
	// Session wraps midnight.
	return hour >= s.start || hour < s.end
}

// SpreadGate blocks entries when the current spread exceeds the limit.
type SpreadGate struct {
	spec types.SpreadSpec
}

func (g *SpreadGate) Name() string { return "spread" }

func (g *SpreadGate) Check(ctx Context) Decision {
	if g.spec.MaxPips <= 0 || ctx.PipSize <= 0 {
		return allow()
	}
	spreadPips := (ctx.Tick.Ask - ctx.Tick.Bid) / ctx.PipSize
	if spreadPips > g.spec.MaxPips {
		return block(g.Name(), fmt.Sprintf("spread %.1f pips exceeds limit %.1f", spreadPips, g.spec.MaxPips))
	}
	return allow()
}

// VolatilityGate blocks in dead markets and, depending on configuration,
// blocks or halves size in overheated ones.
type VolatilityGate struct {
	spec types.VolatilitySpec
}

func (g *VolatilityGate) Name() string { return "volatility" }

func (g *VolatilityGate) Check(ctx Context) Decision {
	if ctx.Cache == nil || (g.spec.MinATRPips <= 0 && g.spec.MaxATRPips <= 0) {
		return allow()
	}
	period := g.spec.Period
	if period <= 0 {
		period = 14
	}
	atr := indicator.ATR(ctx.Cache.Bars(), period)
	if len(atr) == 0 || !indicator.Defined(atr[len(atr)-1]) {
		return block(g.Name(), "insufficient bars for ATR")
	}
	atrPips := atr[len(atr)-1] / ctx.PipSize
	if g.spec.MinATRPips > 0 && atrPips < g.spec.MinATRPips {
		return block(g.Name(), fmt.Sprintf("ATR %.1f pips below minimum %.1f", atrPips, g.spec.MinATRPips))
	}
	if g.spec.MaxATRPips > 0 && atrPips > g.spec.MaxATRPips {
		if g.spec.ReduceAboveMax {
			return reduce(g.Name(), 0.5, fmt.Sprintf("ATR %.1f pips above maximum %.1f", atrPips, g.spec.MaxATRPips))
		}
		return block(g.Name(), fmt.Sprintf("ATR %.1f pips above maximum %.1f", atrPips, g.spec.MaxATRPips))
	}
	return allow()
}
