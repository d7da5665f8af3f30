package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// NewsEvent is a scheduled economic calendar event.
type NewsEvent struct {
	Time     time.Time `json:"time"`
	Currency string    `json:"currency"`
	Impact   string    `json:"impact"` // low | medium | high
	Title    string    `json:"title"`
}

// NewsCalendar supplies upcoming events. The executor treats it as an
// injected capability; a nil calendar disables the news gate entirely.
type NewsCalendar interface {
	EventsBetween(from, to time.Time) []NewsEvent
}

// StaticCalendar is an in-memory NewsCalendar, used in tests and as a
// placeholder until a real feed is wired in.
type StaticCalendar struct {
	Events []NewsEvent
}

// EventsBetween returns events with from <= t <= to.
func (c *StaticCalendar) EventsBetween(from, to time.Time) []NewsEvent {
	var out []NewsEvent
	for _, ev := range c.Events {
		if !ev.Time.Before(from) && !ev.Time.After(to) {
			out = append(out, ev)
		}
	}
	return out
}

// NewsGate blocks entries inside the pause window around matching events.
// An event at time T blocks from T-pauseBefore until T+pauseAfter.
type NewsGate struct {
	spec     types.NewsSpec
	calendar NewsCalendar
}

func (g *NewsGate) Name() string { return "news" }

func (g *NewsGate) Check(ctx Context) Decision {
	if g.spec.PauseBeforeMin <= 0 && g.spec.PauseAfterMin <= 0 {
		return allow()
	}
	before := time.Duration(g.spec.PauseBeforeMin) * time.Minute
	after := time.Duration(g.spec.PauseAfterMin) * time.Minute

	// An event blocks now when its time falls in [now-after, now+before].
	events := g.calendar.EventsBetween(ctx.Now.Add(-after), ctx.Now.Add(before))
	for _, ev := range events {
		if !g.impactMatches(ev.Impact) {
			continue
		}
		if !symbolMentionsCurrency(ctx.Tick.Symbol, ev.Currency) {
			continue
		}
		return block(g.Name(), fmt.Sprintf("%s %s news at %s", ev.Impact, ev.Currency, ev.Time.UTC().Format("15:04")))
	}
	return allow()
}

func (g *NewsGate) impactMatches(impact string) bool {
	if len(g.spec.ImpactLevels) == 0 {
		return strings.EqualFold(impact, "high")
	}
	for _, lvl := range g.spec.ImpactLevels {
		if strings.EqualFold(lvl, impact) {
			return true
		}
	}
	return false
}

// symbolMentionsCurrency reports whether a forex symbol like "EURUSD"
// contains the event currency. An empty currency matches everything.
func symbolMentionsCurrency(symbol, currency string) bool {
	if currency == "" {
		return true
	}
	return strings.Contains(strings.ToUpper(symbol), strings.ToUpper(currency))
}
