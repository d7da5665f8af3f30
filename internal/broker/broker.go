// Package broker defines the trading-terminal capability: account and market
// data queries plus position operations. Implementations wrap a concrete
// terminal bridge; the rest of the executor talks to the Broker interface
// only, usually through the Serializer.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// AccountInfo is the account summary returned by the terminal.
type AccountInfo struct {
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	Margin     decimal.Decimal `json:"margin"`
	FreeMargin decimal.Decimal `json:"freeMargin"`
	Currency   string          `json:"currency"`
}

// SymbolInfo carries the contract parameters needed for sizing and pip math.
type SymbolInfo struct {
	Symbol         string  `json:"symbol"`
	Digits         int     `json:"digits"`
	PointSize      float64 `json:"pointSize"`
	PipSize        float64 `json:"pipSize"`
	PipValuePerLot float64 `json:"pipValuePerLot"`
	VolumeMin      float64 `json:"volumeMin"`
	VolumeMax      float64 `json:"volumeMax"`
	VolumeStep     float64 `json:"volumeStep"`
	SpreadPips     float64 `json:"spreadPips"`
}

// OpenRequest describes a market order to open.
type OpenRequest struct {
	Symbol     string
	Side       types.Side
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
	Magic      int64
}

// OpenResult is the terminal's fill confirmation.
type OpenResult struct {
	Ticket      int64
	FilledPrice float64
}

// Modification updates the protective levels of an open position. Nil fields
// are left unchanged.
type Modification struct {
	StopLoss   *float64
	TakeProfit *float64
}

// CloseResult confirms a full or partial close.
type CloseResult struct {
	ClosedVolume float64
	ClosePrice   float64
}

// PositionSnapshot is the terminal's view of one open position.
type PositionSnapshot struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Side       types.Side      `json:"side"`
	Volume     float64         `json:"volume"`
	OpenPrice  float64         `json:"openPrice"`
	StopLoss   float64         `json:"stopLoss"`
	TakeProfit float64         `json:"takeProfit"`
	Profit     decimal.Decimal `json:"profit"`
	OpenTime   time.Time       `json:"openTime"`
	Magic      int64           `json:"magic"`
}

// Broker is the full terminal capability. The terminal API is assumed
// non-reentrant; callers go through the Serializer rather than invoking an
// implementation concurrently.
type Broker interface {
	AccountInfo(ctx context.Context) (AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	Bars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.OHLCV, error)
	Tick(ctx context.Context, symbol string) (types.Tick, error)
	OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error)
	ModifyPosition(ctx context.Context, ticket int64, mod Modification) error
	ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error)
	ListPositions(ctx context.Context, magic int64) ([]PositionSnapshot, error)
	Connected() bool
}
