package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates outbound trade event kinds.
type EventKind string

const (
	EventEntry   EventKind = "ENTRY"
	EventPartial EventKind = "PARTIAL"
	EventExit    EventKind = "EXIT"
	EventModify  EventKind = "MODIFY"
	EventError   EventKind = "ERROR"
)

// TradeEvent is reported to the platform for every position lifecycle step.
// Realized PnL is carried as a decimal so daily loss accounting stays exact.
type TradeEvent struct {
	ID          string           `json:"id"`
	Kind        EventKind        `json:"eventKind"`
	StrategyID  string           `json:"strategyId"`
	Symbol      string           `json:"symbol"`
	Ticket      int64            `json:"ticket,omitempty"`
	Side        Side             `json:"side,omitempty"`
	Volume      float64          `json:"volume,omitempty"`
	Price       float64          `json:"price,omitempty"`
	Time        time.Time        `json:"time"`
	PnLRealized *decimal.Decimal `json:"pnlRealized,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// HeartbeatSnapshot is published to the platform on every heartbeat tick.
type HeartbeatSnapshot struct {
	ExecutorID      string          `json:"executorId"`
	Balance         decimal.Decimal `json:"balance"`
	Equity          decimal.Decimal `json:"equity"`
	Currency        string          `json:"currency"`
	RuntimeCount    int             `json:"runtimeCount"`
	OpenPositions   int             `json:"openPositions"`
	BrokerConnected bool            `json:"brokerConnected"`
	Time            time.Time       `json:"time"`
}

// StrategySummary is the per-strategy row returned by the local HTTP surface.
type StrategySummary struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Symbol     string          `json:"symbol"`
	Timeframe  Timeframe       `json:"timeframe"`
	Status     RuntimeStatus   `json:"status"`
	TradeCount int             `json:"tradeCount"`
	PnL        decimal.Decimal `json:"pnl"`
}
