// Package types provides shared type definitions for the trade executor.
package types

import (
	"time"
)

// Side represents the direction of a position or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Timeframe represents a chart timeframe.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
	TimeframeMN  Timeframe = "MN"
)

// Duration returns the bar duration for the timeframe. Monthly bars use a
// 30-day approximation, which only affects poll alignment, never indicator math.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	case TimeframeMN:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the timeframe is one of the supported values.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// OHLCV represents a single candlestick. Prices are float64 end to end; the
// indicator pipeline requires IEEE-754 doubles for deterministic output.
type OHLCV struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Closed bool      `json:"closed"`
}

// Tick represents a bid/ask quote at an instant.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the midpoint price of the tick.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// RuntimeStatus represents the lifecycle state of a strategy runtime.
type RuntimeStatus string

const (
	StatusStarting RuntimeStatus = "starting"
	StatusRunning  RuntimeStatus = "running"
	StatusPaused   RuntimeStatus = "paused"
	StatusStopping RuntimeStatus = "stopping"
	StatusStopped  RuntimeStatus = "stopped"
	StatusErrored  RuntimeStatus = "errored"
)

// Regime is a categorical market state inferred from trend and volatility
// indicators.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeQuiet    Regime = "quiet"
	RegimeUnknown  Regime = "unknown"
)
