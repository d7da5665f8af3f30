package platform_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/platform"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

type fakeLink struct {
	mu       sync.Mutex
	failing  bool
	trades   []types.TradeEvent
	beats    []types.HeartbeatSnapshot
	strategy *types.StrategyConfig
}

func (f *fakeLink) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeLink) ReportTrade(_ context.Context, ev types.TradeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("platform unreachable")
	}
	f.trades = append(f.trades, ev)
	return nil
}

func (f *fakeLink) ReportHeartbeat(_ context.Context, hb types.HeartbeatSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("platform unreachable")
	}
	f.beats = append(f.beats, hb)
	return nil
}

func (f *fakeLink) FetchStrategy(context.Context, string) (*types.StrategyConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategy, nil
}

func (f *fakeLink) Commands(context.Context) (<-chan types.Command, error) {
	ch := make(chan types.Command)
	close(ch)
	return ch, nil
}

func (f *fakeLink) delivered() []types.TradeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.TradeEvent, len(f.trades))
	copy(out, f.trades)
	return out
}

func event(id string) types.TradeEvent {
	return types.TradeEvent{ID: id, Kind: types.EventEntry, StrategyID: "s", Symbol: "EURUSD", Time: time.Now()}
}

func TestReporterDeliversWhenHealthy(t *testing.T) {
	link := &fakeLink{}
	rep := platform.NewReporter(zap.NewNop(), link, platform.DefaultReporterConfig())

	require.NoError(t, rep.ReportTrade(context.Background(), event("e1")))
	require.Len(t, link.delivered(), 1)
	require.Zero(t, rep.Pending())
}

func TestReporterBuffersWhileDown(t *testing.T) {
	link := &fakeLink{failing: true}
	rep := platform.NewReporter(zap.NewNop(), link, platform.DefaultReporterConfig())

	err := rep.ReportTrade(context.Background(), event("e1"))
	require.ErrorIs(t, err, platform.ErrQueued)
	require.Equal(t, 1, rep.Pending())
	require.Empty(t, link.delivered())
}

func TestReporterFlushesInOrderAfterRecovery(t *testing.T) {
	link := &fakeLink{failing: true}
	cfg := platform.DefaultReporterConfig()
	cfg.ConsecutiveFailures = 100 // keep the circuit closed for this test
	rep := platform.NewReporter(zap.NewNop(), link, cfg)

	for i := 0; i < 5; i++ {
		_ = rep.ReportTrade(context.Background(), event(fmt.Sprintf("e%d", i)))
	}
	require.Equal(t, 5, rep.Pending())

	link.setFailing(false)
	rep.FlushNow(context.Background())

	delivered := link.delivered()
	require.Len(t, delivered, 5)
	for i, ev := range delivered {
		require.Equal(t, fmt.Sprintf("e%d", i), ev.ID, "flush must preserve order")
	}
	require.Zero(t, rep.Pending())
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	link := &fakeLink{failing: true}
	cfg := platform.DefaultReporterConfig()
	cfg.ConsecutiveFailures = 3
	rep := platform.NewReporter(zap.NewNop(), link, cfg)

	for i := 0; i < 3; i++ {
		_ = rep.ReportTrade(context.Background(), event(fmt.Sprintf("e%d", i)))
	}
	require.False(t, rep.Connected(), "circuit should be open after 3 consecutive failures")

	// With the circuit open, sends fail fast and still buffer.
	err := rep.ReportTrade(context.Background(), event("e3"))
	require.ErrorIs(t, err, platform.ErrQueued)
	require.Equal(t, 4, rep.Pending())
}

func TestBufferDropsOldestOnOverflow(t *testing.T) {
	link := &fakeLink{failing: true}
	cfg := platform.DefaultReporterConfig()
	cfg.BufferSize = 3
	cfg.ConsecutiveFailures = 100
	rep := platform.NewReporter(zap.NewNop(), link, cfg)

	for i := 0; i < 5; i++ {
		_ = rep.ReportTrade(context.Background(), event(fmt.Sprintf("e%d", i)))
	}
	require.Equal(t, 3, rep.Pending())

	link.setFailing(false)
	rep.FlushNow(context.Background())
	delivered := link.delivered()
	require.Len(t, delivered, 3)
	require.Equal(t, "e2", delivered[0].ID, "oldest events are dropped first")
}

func TestHeartbeatIsNeverBuffered(t *testing.T) {
	link := &fakeLink{failing: true}
	rep := platform.NewReporter(zap.NewNop(), link, platform.DefaultReporterConfig())

	err := rep.ReportHeartbeat(context.Background(), types.HeartbeatSnapshot{ExecutorID: "x"})
	require.Error(t, err)
	require.Zero(t, rep.Pending())
}
