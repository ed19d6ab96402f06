package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Lease is a connection handed out by AcquireOrOpen. It is either pooled or
// an ad hoc connection opened because the pool had none to give.
type Lease struct {
	pool       *Pool
	provider   Provider
	connection *Connection
	handle     Handle

	once sync.Once
}

// AcquireOrOpen acquires a pooled connection and falls back to an ad hoc
// one when the pool is exhausted. Only a closed pool or a cancelled ctx
// fail it.
func (p *Pool) AcquireOrOpen(ctx context.Context, provider Provider) (*Lease, error) {
	c, err := p.Acquire(ctx, provider)
	if err == nil {
		return &Lease{pool: p, provider: provider, connection: c, handle: c.Handle()}, nil
	}
	if !errors.Is(err, ErrNoConnectionAvailable) {
		return nil, err
	}

	logger.Warn("pool exhausted, opening ad hoc connection", "provider", provider, "error", err)
	handle, openErr := p.transport.Open(ctx, provider)
	if openErr != nil {
		return nil, fmt.Errorf("failed to open ad hoc %s connection: %w", provider, errors.Join(err, openErr))
	}
	p.metrics.adHoc(provider)
	return &Lease{pool: p, provider: provider, handle: handle}, nil
}

func (l *Lease) Handle() Handle {
	return l.handle
}

func (l *Lease) Provider() Provider {
	return l.provider
}

// Pooled reports whether the lease holds a pooled connection.
func (l *Lease) Pooled() bool {
	return l.connection != nil
}

// Connection returns the pooled connection, nil for ad hoc leases.
func (l *Lease) Connection() *Connection {
	return l.connection
}

// Release returns a pooled connection or closes an ad hoc one. Only the
// first call has an effect.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		if l.connection != nil {
			err = l.pool.Release(l.connection)
			return
		}
		err = l.pool.transport.Close(l.handle)
	})
	return err
}

// Discard gives up a connection found broken. Pooled connections are
// repaired, ad hoc ones closed.
func (l *Lease) Discard() {
	l.once.Do(func() {
		if l.connection != nil {
			l.pool.Discard(l.connection)
			return
		}
		_ = l.pool.transport.Close(l.handle)
	})
}
