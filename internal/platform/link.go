// Package platform connects the executor to the trading platform: an inbound
// command stream and outbound trade events, heartbeats and strategy fetches.
package platform

import (
	"context"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// CommandStream delivers platform commands. Exactly-once delivery is not
// guaranteed; the consumer deduplicates by command id.
type CommandStream interface {
	// Commands returns a channel of inbound commands. The channel closes
	// when ctx is cancelled or the stream terminally fails.
	Commands(ctx context.Context) (<-chan types.Command, error)
}

// Link is the full platform capability.
type Link interface {
	CommandStream
	ReportTrade(ctx context.Context, ev types.TradeEvent) error
	ReportHeartbeat(ctx context.Context, hb types.HeartbeatSnapshot) error
	FetchStrategy(ctx context.Context, id string) (*types.StrategyConfig, error)
}
