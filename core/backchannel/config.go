package backchannel

import (
	"time"

	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

const (
	DefaultMinDelayForBackchannel = 200 * time.Millisecond
	DefaultEmergencyThreshold     = 3 * time.Second
	DefaultRepetitionWindow       = 5 * time.Second
	DefaultRetention              = 10 * time.Second
)

type Config struct {
	Enabled bool
	// MinDelayForBackchannel is the shortest expected processing time worth
	// filling.
	MinDelayForBackchannel time.Duration
	// EmergencyThreshold is how long a turn may process before a filler is
	// forced regardless of the original schedule.
	EmergencyThreshold time.Duration
	// RepetitionWindow keeps a phrase from being reused too soon.
	RepetitionWindow time.Duration
	// Retention is how long finished schedules are kept for repetition
	// lookups.
	Retention time.Duration
	Voice     texttospeech.VoiceParams

	library          Library
	conflictDetector func() bool
	eventHandler     events.Handler
}

func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MinDelayForBackchannel: DefaultMinDelayForBackchannel,
		EmergencyThreshold:     DefaultEmergencyThreshold,
		RepetitionWindow:       DefaultRepetitionWindow,
		Retention:              DefaultRetention,
	}
}

type Option func(*Config)

func WithEnabled(enabled bool) Option {
	return func(c *Config) { c.Enabled = enabled }
}

func WithMinDelayForBackchannel(delay time.Duration) Option {
	return func(c *Config) {
		if delay >= 0 {
			c.MinDelayForBackchannel = delay
		}
	}
}

func WithEmergencyThreshold(threshold time.Duration) Option {
	return func(c *Config) {
		if threshold > 0 {
			c.EmergencyThreshold = threshold
		}
	}
}

func WithRepetitionWindow(window time.Duration) Option {
	return func(c *Config) {
		if window >= 0 {
			c.RepetitionWindow = window
		}
	}
}

func WithRetention(retention time.Duration) Option {
	return func(c *Config) {
		if retention >= 0 {
			c.Retention = retention
		}
	}
}

func WithVoice(voice texttospeech.VoiceParams) Option {
	return func(c *Config) { c.Voice = voice }
}

// WithPhrases replaces the default phrase library.
func WithPhrases(library Library) Option {
	return func(c *Config) { c.library = library }
}

// WithConflictDetector registers a check consulted right before a filler
// plays. Returning true drops the filler.
func WithConflictDetector(detector func() bool) Option {
	return func(c *Config) { c.conflictDetector = detector }
}

// WithEventHandler registers the receiver of backchannel.* events. The
// handler must not call EndProcessing or MarkResponseImminent.
func WithEventHandler(handler events.Handler) Option {
	return func(c *Config) { c.eventHandler = handler }
}
