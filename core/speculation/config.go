package speculation

import (
	"context"

	"github.com/koscakluka/ema-turncore/core/events"
)

const (
	DefaultMinSpeculationLength = 10
	DefaultConfidenceThreshold  = 0.7
	DefaultCorrectionThreshold  = 0.3
	DefaultPivotThreshold       = 0.8
	DefaultPivotGrowthRatio     = 1.5
)

// Config holds the speculation policy. The thresholds are tunable policy,
// not fixed behavior.
type Config struct {
	// MinSpeculationLength is the minimum partial length, in runes, that may
	// open a session.
	MinSpeculationLength int
	// ConfidenceThreshold is the minimum STT confidence that may open a
	// session.
	ConfidenceThreshold float64
	// CorrectionThreshold sets the confirm cutoff: a final transcript whose
	// similarity to the speculation is below 1-CorrectionThreshold needs
	// correction. The same cutoff decides when a revised partial is
	// evaluated for a pivot.
	CorrectionThreshold float64
	// PivotThreshold is the pivot confidence that must be exceeded to pivot.
	PivotThreshold float64
	// PivotGrowthRatio is the word-count growth above which a revised
	// partial is treated as a new request.
	PivotGrowthRatio float64
	// PredictionCacheSize bounds the completion prediction cache.
	PredictionCacheSize int

	baseContext  context.Context
	eventHandler events.Handler
}

func DefaultConfig() Config {
	return Config{
		MinSpeculationLength: DefaultMinSpeculationLength,
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		CorrectionThreshold:  DefaultCorrectionThreshold,
		PivotThreshold:       DefaultPivotThreshold,
		PivotGrowthRatio:     DefaultPivotGrowthRatio,
		PredictionCacheSize:  defaultPredictionCacheSize,
	}
}

type Option func(*Config)

func WithMinSpeculationLength(length int) Option {
	return func(c *Config) {
		if length > 0 {
			c.MinSpeculationLength = length
		}
	}
}

func WithConfidenceThreshold(threshold float64) Option {
	return func(c *Config) {
		if threshold >= 0 && threshold <= 1 {
			c.ConfidenceThreshold = threshold
		}
	}
}

func WithCorrectionThreshold(threshold float64) Option {
	return func(c *Config) {
		if threshold >= 0 && threshold <= 1 {
			c.CorrectionThreshold = threshold
		}
	}
}

func WithPivotThreshold(threshold float64) Option {
	return func(c *Config) {
		if threshold >= 0 && threshold <= 1 {
			c.PivotThreshold = threshold
		}
	}
}

func WithPivotGrowthRatio(ratio float64) Option {
	return func(c *Config) {
		if ratio > 1 {
			c.PivotGrowthRatio = ratio
		}
	}
}

func WithPredictionCacheSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.PredictionCacheSize = size
		}
	}
}

// WithConfig replaces every tunable with the values in config.
func WithConfig(config Config) Option {
	return func(c *Config) {
		handler, base := c.eventHandler, c.baseContext
		*c = config
		c.eventHandler, c.baseContext = handler, base
	}
}

// WithBaseContext sets the parent of every session's generation context.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Config) { c.baseContext = ctx }
}

// WithEventHandler registers the receiver of speculation.* events. The
// handler runs synchronously and must not call back into the engine's
// Submit methods.
func WithEventHandler(handler events.Handler) Option {
	return func(c *Config) { c.eventHandler = handler }
}

func (c Config) confirmCutoff() float64 {
	return 1 - c.CorrectionThreshold
}
