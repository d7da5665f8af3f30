package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/metrics"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// ErrQueued reports that an event could not be delivered now and was buffered
// for a later flush. Callers may treat it as success.
var ErrQueued = errors.New("platform: event queued for retry")

// ReporterConfig tunes the outbound circuit breaker and retry buffer.
type ReporterConfig struct {
	// ConsecutiveFailures before the circuit opens.
	ConsecutiveFailures uint32
	// OpenFor is how long the circuit stays open before probing.
	OpenFor time.Duration
	// BufferSize bounds the retry queue; the oldest events are dropped on
	// overflow.
	BufferSize int
	// FlushEvery is the retry cadence for buffered events.
	FlushEvery time.Duration
}

// DefaultReporterConfig returns the production defaults.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		ConsecutiveFailures: 5,
		OpenFor:             30 * time.Second,
		BufferSize:          1000,
		FlushEvery:          5 * time.Second,
	}
}

// Reporter delivers trade events and heartbeats through a circuit breaker.
// While the circuit is open, or when a send fails, trade events are buffered
// and retried in order once the platform recovers. Heartbeats are never
// buffered; a stale heartbeat has no value.
type Reporter struct {
	logger  *zap.Logger
	link    Link
	cfg     ReporterConfig
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	queue []types.TradeEvent
}

// NewReporter wraps link. Start must be called for buffered events to flush.
func NewReporter(logger *zap.Logger, link Link, cfg ReporterConfig) *Reporter {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}

	log := logger.Named("platform-reporter")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "platform-outbound",
		Timeout: cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("platform circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Reporter{
		logger:  log,
		link:    link,
		cfg:     cfg,
		breaker: breaker,
	}
}

// Start runs the background flusher until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.FlushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.flush(ctx)
			}
		}
	}()
}

// ReportTrade sends ev, or buffers it and returns ErrQueued when the platform
// is unreachable.
func (r *Reporter) ReportTrade(ctx context.Context, ev types.TradeEvent) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.link.ReportTrade(ctx, ev)
	})
	if err == nil {
		return nil
	}
	r.enqueue(ev)
	return ErrQueued
}

// ReportHeartbeat sends the snapshot best-effort through the breaker.
func (r *Reporter) ReportHeartbeat(ctx context.Context, hb types.HeartbeatSnapshot) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.link.ReportHeartbeat(ctx, hb)
	})
	return err
}

// Connected reports whether the circuit is closed.
func (r *Reporter) Connected() bool {
	return r.breaker.State() == gobreaker.StateClosed
}

// Pending returns the number of buffered events.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Reporter) enqueue(ev types.TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= r.cfg.BufferSize {
		dropped := r.queue[0]
		r.queue = r.queue[1:]
		r.logger.Warn("retry buffer full, dropping oldest event",
			zap.String("eventId", dropped.ID),
			zap.String("kind", string(dropped.Kind)))
	}
	r.queue = append(r.queue, ev)
	metrics.PlatformEventsBuffered.Set(float64(len(r.queue)))
}

// flush retries buffered events in order, stopping at the first failure so
// ordering is preserved.
func (r *Reporter) flush(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.mu.Unlock()

		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, r.link.ReportTrade(ctx, ev)
		})
		if err != nil {
			return
		}

		r.mu.Lock()
		if len(r.queue) > 0 && r.queue[0].ID == ev.ID {
			r.queue = r.queue[1:]
		}
		metrics.PlatformEventsBuffered.Set(float64(len(r.queue)))
		r.mu.Unlock()
	}
}

// FlushNow retries the buffer immediately, outside the ticker cadence.
func (r *Reporter) FlushNow(ctx context.Context) { r.flush(ctx) }
