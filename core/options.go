package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-turncore/core/backchannel"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/llms"
	"github.com/koscakluka/ema-turncore/core/speculation"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

const (
	DefaultTurnTimeout          = 10 * time.Second
	DefaultSynthesisConcurrency = 3
	DefaultFallbackText         = "Sorry, something went wrong on my end. Could you say that again?"
)

// Generator streams a response to a prompt.
type Generator interface {
	PromptWithStream(ctx context.Context, prompt *string, opts ...llms.StreamingPromptOption) llms.Stream
}

// PoolMetrics is the part of a connection pool the coordinator reports on.
type PoolMetrics interface {
	Metrics() map[connpool.Provider]connpool.ProviderMetrics
}

type Config struct {
	TurnTimeout          time.Duration
	SynthesisConcurrency int
	FallbackText         string
	SystemPrompt         string
	Voice                texttospeech.VoiceParams
	// ExpectedProcessing is passed to the backchannel manager as the
	// expected duration of a turn. Zero means unknown.
	ExpectedProcessing time.Duration
}

func DefaultConfig() Config {
	return Config{
		TurnTimeout:          DefaultTurnTimeout,
		SynthesisConcurrency: DefaultSynthesisConcurrency,
		FallbackText:         DefaultFallbackText,
		Voice:                texttospeech.NewVoiceParams(),
	}
}

type CoordinatorOption func(*Coordinator)

func WithGenerator(generator Generator) CoordinatorOption {
	return func(c *Coordinator) { c.generator = generator }
}

func WithSynthesizer(synthesizer texttospeech.Synthesizer) CoordinatorOption {
	return func(c *Coordinator) { c.synthesizer = synthesizer }
}

// WithSpeculationOptions configures the coordinator's speculation engine.
func WithSpeculationOptions(opts ...speculation.Option) CoordinatorOption {
	return func(c *Coordinator) { c.speculationOptions = append(c.speculationOptions, opts...) }
}

// WithBackchannelOptions configures the coordinator's backchannel manager.
// The manager is only created when a synthesizer is configured.
func WithBackchannelOptions(opts ...backchannel.Option) CoordinatorOption {
	return func(c *Coordinator) { c.backchannelOptions = append(c.backchannelOptions, opts...) }
}

func WithPool(pool PoolMetrics) CoordinatorOption {
	return func(c *Coordinator) { c.pool = pool }
}

func WithTurnTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout <= 0 {
			return
		}
		c.config.TurnTimeout = timeout
	}
}

func WithSynthesisConcurrency(concurrency int) CoordinatorOption {
	return func(c *Coordinator) {
		if concurrency < 1 {
			return
		}
		c.config.SynthesisConcurrency = concurrency
	}
}

func WithFallbackText(text string) CoordinatorOption {
	return func(c *Coordinator) { c.config.FallbackText = text }
}

func WithSystemPrompt(prompt string) CoordinatorOption {
	return func(c *Coordinator) { c.config.SystemPrompt = prompt }
}

func WithVoice(voice texttospeech.VoiceParams) CoordinatorOption {
	return func(c *Coordinator) { c.config.Voice = voice }
}

func WithExpectedProcessing(expected time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.config.ExpectedProcessing = expected }
}

// WithBaseContext sets the context generations run under. Generations
// outlive the calls that start them, so they never inherit a call's context.
func WithBaseContext(ctx context.Context) CoordinatorOption {
	return func(c *Coordinator) {
		if ctx == nil {
			return
		}
		c.baseContext = ctx
	}
}

// WithEventHandler receives every event the coordinator and its components
// produce. Handlers must not call back into the coordinator.
func WithEventHandler(handler events.Handler) CoordinatorOption {
	return func(c *Coordinator) { c.callbacks.onEvent = handler }
}

type callbacks struct {
	onEvent         events.Handler
	onSentence      func(unit SentenceUnit)
	onAudioReady    func(index int, audio texttospeech.AudioRef)
	onAllAudioReady func(audio []texttospeech.AudioRef)
	onBackchannel   func(phrase string, audio texttospeech.AudioRef)
	onTurnEnded     func(result TurnResult)
}

// WithSentenceCallback registers a callback for every sentence cut from the
// current generation.
func WithSentenceCallback(callback func(unit SentenceUnit)) CoordinatorOption {
	return func(c *Coordinator) { c.callbacks.onSentence = callback }
}

// WithAudioReadyCallback registers a callback receiving sentence audio in
// index order.
func WithAudioReadyCallback(callback func(index int, audio texttospeech.AudioRef)) CoordinatorOption {
	return func(c *Coordinator) { c.callbacks.onAudioReady = callback }
}

func WithAllAudioReadyCallback(callback func(audio []texttospeech.AudioRef)) CoordinatorOption {
	return func(c *Coordinator) { c.callbacks.onAllAudioReady = callback }
}

// WithBackchannelCallback registers a callback for filler audio that
// played while a turn was processing.
func WithBackchannelCallback(callback func(phrase string, audio texttospeech.AudioRef)) CoordinatorOption {
	return func(c *Coordinator) { c.callbacks.onBackchannel = callback }
}

func WithTurnEndedCallback(callback func(result TurnResult)) CoordinatorOption {
	return func(c *Coordinator) { c.callbacks.onTurnEnded = callback }
}
