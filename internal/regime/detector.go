// Package regime classifies the current market regime from indicator
// readings. Runtimes consult it for regime-exit decisions and expose it on
// the local HTTP surface.
package regime

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trade-executor/internal/indicator"
	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// State is one regime observation.
type State struct {
	Regime     types.Regime  `json:"regime"`
	Confidence float64       `json:"confidence"` // 0-1
	ADX        float64       `json:"adx"`
	ATRPips    float64       `json:"atrPips"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
}

// Config tunes the classifier thresholds.
type Config struct {
	ADXPeriod   int
	ATRPeriod   int
	ADXTrending float64 // ADX at or above this reads as a trend
	// ATR relative to its rolling median: above VolatileRatio is volatile,
	// below QuietRatio is quiet.
	VolatileRatio float64
	QuietRatio    float64
	MedianWindow  int
	PipSize       float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig(pipSize float64) Config {
	return Config{
		ADXPeriod:     14,
		ATRPeriod:     14,
		ADXTrending:   25,
		VolatileRatio: 1.5,
		QuietRatio:    0.5,
		MedianWindow:  100,
		PipSize:       pipSize,
	}
}

// Detector tracks the regime of one symbol/timeframe.
type Detector struct {
	logger *zap.Logger
	cfg    Config

	mu      sync.RWMutex
	current State
	history []State
}

// NewDetector creates a detector; the initial regime is unknown.
func NewDetector(logger *zap.Logger, cfg Config) *Detector {
	if cfg.ADXPeriod <= 0 {
		cfg.ADXPeriod = 14
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.ADXTrending <= 0 {
		cfg.ADXTrending = 25
	}
	if cfg.VolatileRatio <= 0 {
		cfg.VolatileRatio = 1.5
	}
	if cfg.QuietRatio <= 0 {
		cfg.QuietRatio = 0.5
	}
	if cfg.MedianWindow <= 0 {
		cfg.MedianWindow = 100
	}
	return &Detector{
		logger:  logger.Named("regime-detector"),
		cfg:     cfg,
		current: State{Regime: types.RegimeUnknown},
	}
}

// Update reclassifies from the cache's latest closed bars and returns the new
// state. Insufficient history keeps the regime unknown.
func (d *Detector) Update(cache *indicator.Cache, now time.Time) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	adxSeries, adxErr := cache.Series("adx", map[string]float64{"period": float64(d.cfg.ADXPeriod)})
	atrSeries, atrErr := cache.Series("atr", map[string]float64{"period": float64(d.cfg.ATRPeriod)})
	if adxErr != nil || atrErr != nil {
		return d.setLocked(types.RegimeUnknown, 0, 0, 0, now)
	}
	adx := lastDefined(adxSeries)
	atr := lastDefined(atrSeries)
	if !indicator.Defined(adx) || !indicator.Defined(atr) {
		return d.setLocked(types.RegimeUnknown, 0, adx, 0, now)
	}

	atrPips := atr
	if d.cfg.PipSize > 0 {
		atrPips = atr / d.cfg.PipSize
	}

	regime, confidence := d.classify(adx, atr, atrSeries)
	return d.setLocked(regime, confidence, adx, atrPips, now)
}

func (d *Detector) classify(adx, atr float64, atrSeries []float64) (types.Regime, float64) {
	ratio := 1.0
	if median := rollingMedian(atrSeries, d.cfg.MedianWindow); median > 0 {
		ratio = atr / median
	}

	switch {
	case ratio >= d.cfg.VolatileRatio:
		return types.RegimeVolatile, clamp01(0.5 + (ratio-d.cfg.VolatileRatio)/d.cfg.VolatileRatio)
	case adx >= d.cfg.ADXTrending:
		return types.RegimeTrending, clamp01(adx / 50)
	case ratio <= d.cfg.QuietRatio:
		return types.RegimeQuiet, clamp01(0.5 + (d.cfg.QuietRatio-ratio))
	default:
		// Neither trending nor at a volatility extreme.
		return types.RegimeRanging, clamp01(1 - adx/d.cfg.ADXTrending/2)
	}
}

func (d *Detector) setLocked(regime types.Regime, confidence, adx, atrPips float64, now time.Time) State {
	state := State{
		Regime:     regime,
		Confidence: confidence,
		ADX:        adx,
		ATRPips:    atrPips,
		StartedAt:  now,
	}
	if d.current.Regime == regime && !d.current.StartedAt.IsZero() {
		state.StartedAt = d.current.StartedAt
		state.Duration = now.Sub(d.current.StartedAt)
	} else if d.current.Regime != regime && d.current.Regime != types.RegimeUnknown {
		d.logger.Info("regime changed",
			zap.String("from", string(d.current.Regime)),
			zap.String("to", string(regime)),
			zap.Float64("confidence", confidence))
	}
	d.current = state
	d.history = append(d.history, state)
	if len(d.history) > 1000 {
		d.history = d.history[500:]
	}
	return state
}

// Current returns the latest observation.
func (d *Detector) Current() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// History returns up to limit recent observations, oldest first.
func (d *Detector) History(limit int) []State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]State, limit)
	copy(out, d.history[len(d.history)-limit:])
	return out
}

func lastDefined(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if indicator.Defined(series[i]) {
			return series[i]
		}
	}
	return indicator.Undefined
}

func rollingMedian(series []float64, window int) float64 {
	defined := make([]float64, 0, window)
	for i := len(series) - 1; i >= 0 && len(defined) < window; i-- {
		if indicator.Defined(series[i]) {
			defined = append(defined, series[i])
		}
	}
	if len(defined) == 0 {
		return 0
	}
	sort.Float64s(defined)
	mid := len(defined) / 2
	if len(defined)%2 == 1 {
		return defined[mid]
	}
	return (defined[mid-1] + defined[mid]) / 2
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
