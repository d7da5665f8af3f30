package broker

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/metrics"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// SerializerConfig tunes the broker worker.
type SerializerConfig struct {
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultSerializerConfig returns the production defaults.
func DefaultSerializerConfig() SerializerConfig {
	return SerializerConfig{
		CallTimeout: 10 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 250 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	}
}

// Serializer funnels all broker calls through a single worker goroutine. The
// terminal API is not reentrant, so concurrent runtimes must not reach it
// directly. Each call gets a per-attempt deadline and transient failures are
// retried with jittered exponential backoff.
type Serializer struct {
	inner  Broker
	cfg    SerializerConfig
	logger *zap.Logger
	calls  chan call
	done   chan struct{}
}

type call struct {
	op   string
	ctx  context.Context
	fn   func(ctx context.Context) error
	resp chan error
}

// NewSerializer wraps inner. Start must be called before use.
func NewSerializer(logger *zap.Logger, inner Broker, cfg SerializerConfig) *Serializer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Serializer{
		inner:  inner,
		cfg:    cfg,
		logger: logger.Named("broker-serializer"),
		calls:  make(chan call),
		done:   make(chan struct{}),
	}
}

// Start runs the worker until ctx is cancelled.
func (s *Serializer) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-s.calls:
				c.resp <- s.execute(c)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (s *Serializer) Wait() { <-s.done }

func (s *Serializer) execute(c call) error {
	started := time.Now()
	defer func() {
		metrics.BrokerCallDuration.WithLabelValues(c.op).Observe(time.Since(started).Seconds())
	}()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(c.ctx, s.cfg.CallTimeout)
		err := c.fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == s.cfg.MaxAttempts {
			break
		}
		delay := s.backoff(attempt)
		s.logger.Warn("broker call failed, retrying",
			zap.String("op", c.op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (s *Serializer) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << uint(attempt-1)
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	// Up to 25% jitter keeps retry storms apart.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func (s *Serializer) submit(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	c := call{op: op, ctx: ctx, fn: fn, resp: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.calls <- c:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.resp:
		return err
	}
}

func (s *Serializer) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	err := s.submit(ctx, "accountInfo", func(ctx context.Context) error {
		var err error
		out, err = s.inner.AccountInfo(ctx)
		return err
	})
	return out, err
}

func (s *Serializer) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	var out SymbolInfo
	err := s.submit(ctx, "symbolInfo", func(ctx context.Context) error {
		var err error
		out, err = s.inner.SymbolInfo(ctx, symbol)
		return err
	})
	return out, err
}

func (s *Serializer) Bars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.OHLCV, error) {
	var out []types.OHLCV
	err := s.submit(ctx, "bars", func(ctx context.Context) error {
		var err error
		out, err = s.inner.Bars(ctx, symbol, tf, count)
		return err
	})
	return out, err
}

func (s *Serializer) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	var out types.Tick
	err := s.submit(ctx, "tick", func(ctx context.Context) error {
		var err error
		out, err = s.inner.Tick(ctx, symbol)
		return err
	})
	return out, err
}

func (s *Serializer) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	var out OpenResult
	err := s.submit(ctx, "openPosition", func(ctx context.Context) error {
		var err error
		out, err = s.inner.OpenPosition(ctx, req)
		return err
	})
	return out, err
}

func (s *Serializer) ModifyPosition(ctx context.Context, ticket int64, mod Modification) error {
	return s.submit(ctx, "modifyPosition", func(ctx context.Context) error {
		return s.inner.ModifyPosition(ctx, ticket, mod)
	})
}

func (s *Serializer) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	var out CloseResult
	err := s.submit(ctx, "closePosition", func(ctx context.Context) error {
		var err error
		out, err = s.inner.ClosePosition(ctx, ticket, volume)
		return err
	})
	return out, err
}

func (s *Serializer) ListPositions(ctx context.Context, magic int64) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	err := s.submit(ctx, "listPositions", func(ctx context.Context) error {
		var err error
		out, err = s.inner.ListPositions(ctx, magic)
		return err
	})
	return out, err
}

func (s *Serializer) Connected() bool { return s.inner.Connected() }

var _ Broker = (*Serializer)(nil)
