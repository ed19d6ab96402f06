package connpool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth probes every idle connection and starts repairing the ones
// that are not ready. Probed connections are withheld from Acquire while
// the probe runs.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var probes, broken []*Connection
	for _, connections := range p.connections {
		for _, c := range connections {
			switch {
			case c.inUse || c.checking || c.repairing:
			case !c.ready:
				c.repairing = true
				broken = append(broken, c)
			default:
				c.checking = true
				probes = append(probes, c)
			}
		}
	}
	p.mu.Unlock()

	for _, c := range probes {
		healthy := p.transport.IsHealthy(c.handle)

		p.mu.Lock()
		c.checking = false
		if !healthy && !p.closed {
			c.ready = false
			c.repairing = true
			broken = append(broken, c)
			p.metrics.unhealthy(c.provider)
			logger.Warn("pooled connection failed health check", "provider", c.provider, "connection_id", c.id)
		}
		p.broadcastLocked()
		p.mu.Unlock()
	}

	for _, c := range broken {
		p.startRepair(c)
	}
}

func (p *Pool) startRepair(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.repair(c)
	}()
}

// repair reconnects c with linearly growing backoff. Once the attempts are
// used up the connection is evicted and a fresh one takes its slot.
func (p *Pool) repair(c *Connection) {
	ctx, span := tracer.Start(p.ctx, "repair pooled connection")
	defer span.End()
	span.SetAttributes(
		attribute.String("connpool.provider", string(c.provider)),
		attribute.String("connpool.connection_id", c.id),
	)

	if c.handle != nil {
		_ = p.transport.Close(c.handle)
	}

	for attempt := 1; attempt <= p.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.backoff(attempt)):
		}

		handle, err := p.transport.Open(ctx, c.provider)
		p.metrics.reconnectAttempted(c.provider)

		p.mu.Lock()
		if p.closed || !p.ownsLocked(c) {
			p.mu.Unlock()
			if err == nil {
				_ = p.transport.Close(handle)
			}
			return
		}
		if err == nil {
			c.handle = handle
			c.ready = true
			c.repairing = false
			c.reconnectAttempts = 0
			p.broadcastLocked()
			p.mu.Unlock()
			p.metrics.reconnected(c.provider)
			logger.Info("pooled connection reconnected", "provider", c.provider, "connection_id", c.id, "attempt", attempt)
			return
		}
		c.reconnectAttempts = attempt
		p.mu.Unlock()

		span.RecordError(fmt.Errorf("reconnect attempt %d failed: %w", attempt, err))
		logger.Warn("pooled connection reconnect failed", "provider", c.provider, "connection_id", c.id, "attempt", attempt, "error", err)
	}

	p.replace(ctx, c)
	span.SetStatus(codes.Error, "reconnect attempts exhausted")
}

// replace evicts c and puts a freshly opened connection at its slot. If
// the fresh connection cannot be opened either it stays unready and the
// next health check repairs it.
func (p *Pool) replace(ctx context.Context, c *Connection) {
	handle, err := p.transport.Open(ctx, c.provider)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.ownsLocked(c) {
		if err == nil {
			_ = p.transport.Close(handle)
		}
		return
	}

	now := time.Now()
	fresh := &Connection{
		id:        uuid.NewString(),
		provider:  c.provider,
		slot:      c.slot,
		handle:    handle,
		ready:     err == nil,
		createdAt: now,
		lastUsed:  now,
	}
	connections := p.connections[c.provider]
	for i, candidate := range connections {
		if candidate == c {
			connections[i] = fresh
			break
		}
	}
	p.metrics.replaced(c.provider)
	p.broadcastLocked()

	if err != nil {
		fresh.handle = nil
		logger.Error("failed to replace evicted pooled connection", "provider", c.provider, "slot", c.slot, "error", err)
		return
	}
	logger.Warn("pooled connection evicted and replaced", "provider", c.provider, "slot", c.slot, "evicted_id", c.id, "connection_id", fresh.id)
}
