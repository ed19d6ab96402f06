package connpool

import "time"

const (
	DefaultSize                 = 2
	DefaultAcquireTimeout       = 3 * time.Second
	DefaultHealthCheckInterval  = 15 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBackoff     = 250 * time.Millisecond
)

type Config struct {
	// Providers are warmed by Initialize. Acquire also accepts providers
	// that were never warmed.
	Providers []Provider
	// Size is the number of warm connections kept per provider.
	Size int
	// MaxSize caps connections per provider, warm and overflow together.
	// Zero means twice Size.
	MaxSize              int
	AcquireTimeout       time.Duration
	HealthCheckInterval  time.Duration
	MaxReconnectAttempts int
	// ReconnectBackoff is multiplied by the attempt number before each
	// reconnect.
	ReconnectBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Providers:            []Provider{ProviderTranscription, ProviderSynthesis},
		Size:                 DefaultSize,
		AcquireTimeout:       DefaultAcquireTimeout,
		HealthCheckInterval:  DefaultHealthCheckInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBackoff:     DefaultReconnectBackoff,
	}
}

func (c Config) maxSize() int {
	if c.MaxSize >= c.Size && c.MaxSize > 0 {
		return c.MaxSize
	}
	return 2 * c.Size
}

func (c Config) backoff(attempt int) time.Duration {
	return time.Duration(attempt) * c.ReconnectBackoff
}

type Option func(*Config)

func WithProviders(providers ...Provider) Option {
	return func(c *Config) { c.Providers = providers }
}

func WithSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.Size = size
		}
	}
}

func WithMaxSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.MaxSize = size
		}
	}
}

func WithAcquireTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.AcquireTimeout = timeout
		}
	}
}

func WithHealthCheckInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval > 0 {
			c.HealthCheckInterval = interval
		}
	}
}

func WithMaxReconnectAttempts(attempts int) Option {
	return func(c *Config) {
		if attempts >= 0 {
			c.MaxReconnectAttempts = attempts
		}
	}
}

func WithReconnectBackoff(backoff time.Duration) Option {
	return func(c *Config) {
		if backoff >= 0 {
			c.ReconnectBackoff = backoff
		}
	}
}
