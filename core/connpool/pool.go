package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoConnectionAvailable = errors.New("connpool: no connection available")
	ErrPoolClosed            = errors.New("connpool: pool closed")
	ErrUnknownConnection     = errors.New("connpool: connection not owned by pool")
)

// Pool keeps warm provider connections and hands each one to at most one
// holder at a time.
type Pool struct {
	transport Transport
	config    Config
	metrics   *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	connections map[Provider][]*Connection
	changed     chan struct{}
	initialized bool
	closed      bool
}

func New(transport Transport, opts ...Option) *Pool {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		transport:   transport,
		config:      config,
		metrics:     newMetrics(),
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[Provider][]*Connection),
		changed:     make(chan struct{}),
	}
}

func (p *Pool) Config() Config {
	return p.config
}

// Initialize warms Size connections for every configured provider and
// starts the health check loop. Slots that fail to open are kept unready
// and repaired by the health check; their errors are returned joined.
func (p *Pool) Initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "initialize connection pool")
	defer span.End()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	var errsMu sync.Mutex
	var errs []error

	var g errgroup.Group
	for _, provider := range p.config.Providers {
		for slot := range p.config.Size {
			g.Go(func() error {
				if err := p.warm(ctx, provider, slot); err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("connection pool warmed with failures", "error", err)
		return fmt.Errorf("failed to warm connection pool: %w", err)
	}
	return nil
}

func (p *Pool) warm(ctx context.Context, provider Provider, slot int) error {
	handle, err := p.transport.Open(ctx, provider)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if err == nil {
			_ = p.transport.Close(handle)
		}
		return ErrPoolClosed
	}

	now := time.Now()
	c := &Connection{
		id:        uuid.NewString(),
		provider:  provider,
		slot:      slot,
		handle:    handle,
		ready:     err == nil,
		createdAt: now,
		lastUsed:  now,
	}
	p.connections[provider] = append(p.connections[provider], c)
	p.broadcastLocked()

	if err != nil {
		return fmt.Errorf("failed to open %s connection for slot %d: %w", provider, slot, err)
	}
	return nil
}

// Acquire hands out an idle ready connection of provider. When none is
// idle it opens an overflow connection below the hard cap, otherwise it
// waits for a release until the acquire timeout passes.
func (p *Pool) Acquire(ctx context.Context, provider Provider) (*Connection, error) {
	ctx, span := tracer.Start(ctx, "acquire pooled connection")
	defer span.End()
	span.SetAttributes(attribute.String("connpool.provider", string(provider)))

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	start := time.Now()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for _, c := range p.connections[provider] {
			if c.available() {
				c.inUse = true
				c.lastUsed = time.Now()
				p.mu.Unlock()
				p.metrics.acquired(provider, time.Since(start))
				span.SetAttributes(attribute.String("connpool.connection_id", c.id))
				return c, nil
			}
		}

		if len(p.connections[provider]) < p.config.maxSize() && p.transport != nil {
			c := p.reserveLocked(provider)
			p.mu.Unlock()
			if err := p.openReserved(ctx, c); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			p.metrics.acquired(provider, time.Since(start))
			span.SetAttributes(attribute.String("connpool.connection_id", c.id), attribute.Bool("connpool.overflow", c.overflow))
			return c, nil
		}

		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return nil, err
			}
			p.metrics.timedOut(provider)
			err := fmt.Errorf("%w: %s after %v", ErrNoConnectionAvailable, provider, time.Since(start).Round(time.Millisecond))
			span.RecordError(err)
			return nil, err
		}
	}
}

// reserveLocked claims a slot for a connection that is opened outside the
// lock, so concurrent acquires cannot pass the hard cap.
func (p *Pool) reserveLocked(provider Provider) *Connection {
	slot, overflow := p.freeSlotLocked(provider)
	now := time.Now()
	c := &Connection{
		id:        uuid.NewString(),
		provider:  provider,
		slot:      slot,
		overflow:  overflow,
		inUse:     true,
		createdAt: now,
		lastUsed:  now,
	}
	p.connections[provider] = append(p.connections[provider], c)
	return c
}

// freeSlotLocked returns the lowest warm slot without a connection, or an
// overflow slot once every warm slot is taken.
func (p *Pool) freeSlotLocked(provider Provider) (int, bool) {
	taken := make(map[int]bool, p.config.Size)
	for _, c := range p.connections[provider] {
		if !c.overflow {
			taken[c.slot] = true
		}
	}
	for slot := range p.config.Size {
		if !taken[slot] {
			return slot, false
		}
	}
	return len(p.connections[provider]), true
}

func (p *Pool) openReserved(ctx context.Context, c *Connection) error {
	handle, err := p.transport.Open(ctx, c.provider)

	p.mu.Lock()
	if err != nil || p.closed {
		p.removeLocked(c)
		closed := p.closed
		p.broadcastLocked()
		p.mu.Unlock()

		if err == nil {
			_ = p.transport.Close(handle)
		}
		if closed {
			return ErrPoolClosed
		}
		return fmt.Errorf("%w: failed to open %s connection: %w", ErrNoConnectionAvailable, c.provider, err)
	}
	c.handle = handle
	c.ready = true
	p.mu.Unlock()
	return nil
}

// Release returns c to the pool. Overflow connections are closed instead.
func (p *Pool) Release(c *Connection) error {
	if c == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.ownsLocked(c) {
		p.mu.Unlock()
		return ErrUnknownConnection
	}
	if !c.inUse {
		p.mu.Unlock()
		return nil
	}

	c.inUse = false
	c.lastUsed = time.Now()
	if !c.overflow {
		p.broadcastLocked()
		p.mu.Unlock()
		return nil
	}

	p.removeLocked(c)
	p.broadcastLocked()
	p.mu.Unlock()

	if err := p.transport.Close(c.handle); err != nil {
		return fmt.Errorf("failed to close overflow connection: %w", err)
	}
	return nil
}

// Discard returns a connection its holder found broken. It is repaired
// like a connection that failed a health check.
func (p *Pool) Discard(c *Connection) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if !p.ownsLocked(c) || !c.inUse {
		p.mu.Unlock()
		return
	}
	c.inUse = false
	c.ready = false

	if c.overflow {
		p.removeLocked(c)
		p.broadcastLocked()
		p.mu.Unlock()
		_ = p.transport.Close(c.handle)
		return
	}

	c.repairing = true
	p.mu.Unlock()

	p.startRepair(c)
}

// Shutdown closes every connection, in use or not, and fails pending and
// future acquires with ErrPoolClosed.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var handles []Handle
	for _, connections := range p.connections {
		for _, c := range connections {
			if c.handle != nil {
				handles = append(handles, c.handle)
			}
			c.ready = false
		}
	}
	p.connections = make(map[Provider][]*Connection)
	p.broadcastLocked()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	var errs []error
	for _, handle := range handles {
		if err := p.transport.Close(handle); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close pooled connections: %w", err)
	}
	return nil
}

func (p *Pool) ownsLocked(c *Connection) bool {
	for _, candidate := range p.connections[c.provider] {
		if candidate == c {
			return true
		}
	}
	return false
}

func (p *Pool) removeLocked(c *Connection) {
	connections := p.connections[c.provider]
	for i, candidate := range connections {
		if candidate == c {
			p.connections[c.provider] = append(connections[:i:i], connections[i+1:]...)
			return
		}
	}
}

// broadcastLocked wakes every goroutine waiting for the pool to change.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
