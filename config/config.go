// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	orchestration "github.com/koscakluka/ema-turncore/core"
	"github.com/koscakluka/ema-turncore/core/backchannel"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/speculation"
)

const scopeName = "github.com/koscakluka/ema-turncore/config"

var logger = otelslog.NewLogger(scopeName)

const (
	DefaultMetricsAddress = ":9090"
	DefaultTTSVoice       = "aura-asteria-en"

	LLMProviderGroq   = "groq"
	LLMProviderOpenAI = "openai"
)

type Config struct {
	DeepgramAPIKey string
	LLMProvider    string
	GroqAPIKey     string
	GroqModel      string
	OpenAIAPIKey   string
	OpenAIModel    string
	TTSVoice       string

	Speculation speculation.Config
	Backchannel backchannel.Config
	// Phrases overrides the built in backchannel phrases when set.
	Phrases     backchannel.Library
	Pool        connpool.Config

	SynthesisConcurrency int
	TurnTimeout          time.Duration
	MetricsAddress       string
	TracesEndpoint       string
}

// Load reads .env from the working directory when present, then the
// environment. Malformed values are logged and replaced by defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg := Config{
		DeepgramAPIKey:       os.Getenv("DEEPGRAM_API_KEY"),
		LLMProvider:          stringOr("LLM_PROVIDER", LLMProviderGroq),
		GroqAPIKey:           os.Getenv("GROQ_API_KEY"),
		GroqModel:            os.Getenv("GROQ_MODEL"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:          os.Getenv("OPENAI_MODEL"),
		TTSVoice:             stringOr("DEEPGRAM_TTS_VOICE", DefaultTTSVoice),
		Speculation:          speculation.DefaultConfig(),
		Backchannel:          backchannel.DefaultConfig(),
		Pool:                 connpool.DefaultConfig(),
		SynthesisConcurrency: orchestration.DefaultSynthesisConcurrency,
		TurnTimeout:          orchestration.DefaultTurnTimeout,
		MetricsAddress:       stringOr("METRICS_ADDRESS", DefaultMetricsAddress),
		TracesEndpoint:       os.Getenv("OTLP_TRACES_ENDPOINT"),
	}

	cfg.Speculation.MinSpeculationLength = intOr("SPECULATION_MIN_LENGTH", cfg.Speculation.MinSpeculationLength, 1)
	cfg.Speculation.ConfidenceThreshold = ratioOr("SPECULATION_CONFIDENCE_THRESHOLD", cfg.Speculation.ConfidenceThreshold)
	cfg.Speculation.CorrectionThreshold = ratioOr("SPECULATION_CORRECTION_THRESHOLD", cfg.Speculation.CorrectionThreshold)

	cfg.Backchannel.Enabled = boolOr("BACKCHANNEL_ENABLED", cfg.Backchannel.Enabled)
	cfg.Backchannel.MinDelayForBackchannel = millisOr("BACKCHANNEL_MIN_DELAY_MS", cfg.Backchannel.MinDelayForBackchannel, 0)
	cfg.Backchannel.EmergencyThreshold = millisOr("BACKCHANNEL_EMERGENCY_MS", cfg.Backchannel.EmergencyThreshold, 1)
	if path := os.Getenv("BACKCHANNEL_PHRASES_FILE"); path != "" {
		phrases, err := backchannel.LoadLibrary(path)
		if err != nil {
			logger.Warn("invalid phrase library, using built in phrases", "path", path, "error", err)
		} else {
			cfg.Phrases = phrases
		}
	}

	cfg.Pool.Size = intOr("POOL_SIZE", cfg.Pool.Size, 1)
	cfg.Pool.MaxReconnectAttempts = intOr("POOL_MAX_RECONNECT_ATTEMPTS", cfg.Pool.MaxReconnectAttempts, 0)
	cfg.Pool.HealthCheckInterval = millisOr("POOL_HEALTH_CHECK_INTERVAL_MS", cfg.Pool.HealthCheckInterval, 1)

	cfg.SynthesisConcurrency = intOr("SYNTHESIS_CONCURRENCY", cfg.SynthesisConcurrency, 1)
	cfg.TurnTimeout = millisOr("TURN_TIMEOUT_MS", cfg.TurnTimeout, 1)

	if cfg.DeepgramAPIKey == "" {
		logger.Warn("DEEPGRAM_API_KEY not set, speech synthesis and transcription will not work")
	}
	switch cfg.LLMProvider {
	case LLMProviderGroq:
		if cfg.GroqAPIKey == "" {
			logger.Warn("GROQ_API_KEY not set, response generation will not work")
		}
	case LLMProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			logger.Warn("OPENAI_API_KEY not set, response generation will not work")
		}
	default:
		logger.Warn("unknown LLM_PROVIDER, using groq", "value", cfg.LLMProvider)
		cfg.LLMProvider = LLMProviderGroq
	}

	return cfg
}

// CoordinatorOptions configures a coordinator with the loaded settings.
func (c Config) CoordinatorOptions() []orchestration.CoordinatorOption {
	backchannelOpts := []backchannel.Option{
		backchannel.WithEnabled(c.Backchannel.Enabled),
		backchannel.WithMinDelayForBackchannel(c.Backchannel.MinDelayForBackchannel),
		backchannel.WithEmergencyThreshold(c.Backchannel.EmergencyThreshold),
	}
	if c.Phrases != nil {
		backchannelOpts = append(backchannelOpts, backchannel.WithPhrases(c.Phrases))
	}

	return []orchestration.CoordinatorOption{
		orchestration.WithSpeculationOptions(speculation.WithConfig(c.Speculation)),
		orchestration.WithBackchannelOptions(backchannelOpts...),
		orchestration.WithSynthesisConcurrency(c.SynthesisConcurrency),
		orchestration.WithTurnTimeout(c.TurnTimeout),
	}
}

func (c Config) PoolOptions() []connpool.Option {
	return []connpool.Option{
		connpool.WithProviders(c.Pool.Providers...),
		connpool.WithSize(c.Pool.Size),
		connpool.WithMaxReconnectAttempts(c.Pool.MaxReconnectAttempts),
		connpool.WithHealthCheckInterval(c.Pool.HealthCheckInterval),
	}
}

func stringOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intOr(key string, fallback, min int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		logger.Warn("invalid setting, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func ratioOr(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || value > 1 {
		logger.Warn("invalid setting, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func boolOr(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid setting, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func millisOr(key string, fallback time.Duration, min int) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		logger.Warn("invalid setting, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return time.Duration(value) * time.Millisecond
}
