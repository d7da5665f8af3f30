// Package risk implements position sizing and the portfolio-level risk gate.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// retentionDays is how long per-day buckets are kept before purging.
const retentionDays = 7

type dayKey struct {
	strategyID string
	day        string // UTC calendar day, 2006-01-02
}

type dayBucket struct {
	trades       int
	realizedLoss decimal.Decimal // positive magnitude of losses
	realizedPnL  decimal.Decimal
}

// Counters tracks per-(strategy, UTC day) trade counts and realized losses,
// plus per-strategy consecutive-loss streaks. Single writer; readers get
// value snapshots.
type Counters struct {
	mu       sync.RWMutex
	days     map[dayKey]*dayBucket
	streaks  map[string]int
	lastSeen time.Time
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{
		days:    make(map[dayKey]*dayBucket),
		streaks: make(map[string]int),
	}
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordTrade registers a realized trade result. Losses extend the strategy's
// consecutive-loss streak; any non-negative result resets it.
func (c *Counters) RecordTrade(strategyID string, pnl decimal.Decimal, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dayKey{strategyID: strategyID, day: dayOf(at)}
	bucket, ok := c.days[key]
	if !ok {
		bucket = &dayBucket{}
		c.days[key] = bucket
	}
	bucket.trades++
	bucket.realizedPnL = bucket.realizedPnL.Add(pnl)
	if pnl.IsNegative() {
		bucket.realizedLoss = bucket.realizedLoss.Add(pnl.Neg())
		c.streaks[strategyID]++
	} else {
		c.streaks[strategyID] = 0
	}

	c.purgeLocked(at)
	c.lastSeen = at
}

func (c *Counters) purgeLocked(now time.Time) {
	cutoff := dayOf(now.UTC().AddDate(0, 0, -retentionDays))
	for key := range c.days {
		if key.day < cutoff {
			delete(c.days, key)
		}
	}
}

// DaySnapshot is a read-only view of one (strategy, day) bucket.
type DaySnapshot struct {
	Trades       int
	RealizedLoss decimal.Decimal
	RealizedPnL  decimal.Decimal
}

// Day returns the bucket for a strategy on the UTC day of at.
func (c *Counters) Day(strategyID string, at time.Time) DaySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket, ok := c.days[dayKey{strategyID: strategyID, day: dayOf(at)}]
	if !ok {
		return DaySnapshot{RealizedLoss: decimal.Zero, RealizedPnL: decimal.Zero}
	}
	return DaySnapshot{
		Trades:       bucket.trades,
		RealizedLoss: bucket.realizedLoss,
		RealizedPnL:  bucket.realizedPnL,
	}
}

// ConsecutiveLosses returns the strategy's current loss streak.
func (c *Counters) ConsecutiveLosses(strategyID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaks[strategyID]
}
