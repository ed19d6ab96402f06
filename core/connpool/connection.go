package connpool

import (
	"context"
	"time"
)

// Provider names an external streaming service the pool keeps sockets to.
type Provider string

const (
	ProviderTranscription Provider = "transcription"
	ProviderSynthesis     Provider = "synthesis"
)

// Handle is a transport specific connection, for example a websocket.
type Handle any

// Transport opens, probes and closes provider connections.
type Transport interface {
	Open(ctx context.Context, provider Provider) (Handle, error)
	IsHealthy(handle Handle) bool
	Close(handle Handle) error
}

// Connection is a pooled provider connection. Its fields are owned by the
// pool; holders only read them between Acquire and Release.
type Connection struct {
	id       string
	provider Provider
	slot     int
	overflow bool
	handle   Handle

	inUse     bool
	ready     bool
	checking  bool
	repairing bool

	createdAt         time.Time
	lastUsed          time.Time
	reconnectAttempts int
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Provider() Provider {
	return c.provider
}

func (c *Connection) Handle() Handle {
	return c.handle
}

func (c *Connection) Slot() int {
	return c.slot
}

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Connection) LastUsed() time.Time {
	return c.lastUsed
}

func (c *Connection) ReconnectAttempts() int {
	return c.reconnectAttempts
}

func (c *Connection) available() bool {
	return !c.inUse && c.ready && !c.checking && !c.repairing
}
