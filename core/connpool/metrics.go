package connpool

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProviderMetrics describes the pool's connections to one provider.
type ProviderMetrics struct {
	Total       int
	Available   int
	InUse       int
	Unhealthy   int
	Overflow    int
	Utilization float64

	Acquired          int64
	AcquireTimeouts   int64
	HealthFailures    int64
	ReconnectAttempts int64
	Reconnects        int64
	Replacements      int64
	AdHoc             int64
	AverageWait       time.Duration
}

type providerCounters struct {
	acquired          int64
	acquireTimeouts   int64
	healthFailures    int64
	reconnectAttempts int64
	reconnects        int64
	replacements      int64
	adHoc             int64
	wait              time.Duration
}

type metrics struct {
	mu        sync.Mutex
	providers map[Provider]*providerCounters

	acquireWait metric.Float64Histogram
	lifecycle   metric.Int64Counter
}

func newMetrics() *metrics {
	m := &metrics{providers: make(map[Provider]*providerCounters)}
	var err error
	if m.acquireWait, err = meter.Float64Histogram(
		"connpool.acquire.wait",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent waiting for a pooled connection"),
	); err != nil {
		logger.Warn("failed to create acquire wait histogram", "error", err)
	}
	if m.lifecycle, err = meter.Int64Counter(
		"connpool.lifecycle",
		metric.WithDescription("Pooled connection lifecycle transitions"),
	); err != nil {
		logger.Warn("failed to create lifecycle counter", "error", err)
	}
	return m
}

func (m *metrics) update(provider Provider, event string, f func(*providerCounters)) {
	m.mu.Lock()
	counters, ok := m.providers[provider]
	if !ok {
		counters = &providerCounters{}
		m.providers[provider] = counters
	}
	f(counters)
	m.mu.Unlock()

	if m.lifecycle != nil {
		m.lifecycle.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("connpool.provider", string(provider)),
			attribute.String("connpool.event", event),
		))
	}
}

func (m *metrics) acquired(provider Provider, wait time.Duration) {
	m.update(provider, "acquired", func(c *providerCounters) {
		c.acquired++
		c.wait += wait
	})
	if m.acquireWait != nil {
		m.acquireWait.Record(context.Background(), wait.Seconds(), metric.WithAttributes(attribute.String("connpool.provider", string(provider))))
	}
}

func (m *metrics) timedOut(provider Provider) {
	m.update(provider, "acquire_timeout", func(c *providerCounters) { c.acquireTimeouts++ })
}

func (m *metrics) unhealthy(provider Provider) {
	m.update(provider, "health_failure", func(c *providerCounters) { c.healthFailures++ })
}

func (m *metrics) reconnectAttempted(provider Provider) {
	m.update(provider, "reconnect_attempt", func(c *providerCounters) { c.reconnectAttempts++ })
}

func (m *metrics) reconnected(provider Provider) {
	m.update(provider, "reconnected", func(c *providerCounters) { c.reconnects++ })
}

func (m *metrics) replaced(provider Provider) {
	m.update(provider, "replaced", func(c *providerCounters) { c.replacements++ })
}

func (m *metrics) adHoc(provider Provider) {
	m.update(provider, "ad_hoc", func(c *providerCounters) { c.adHoc++ })
}

func (m *metrics) fill(provider Provider, snapshot *ProviderMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters, ok := m.providers[provider]
	if !ok {
		return
	}
	snapshot.Acquired = counters.acquired
	snapshot.AcquireTimeouts = counters.acquireTimeouts
	snapshot.HealthFailures = counters.healthFailures
	snapshot.ReconnectAttempts = counters.reconnectAttempts
	snapshot.Reconnects = counters.reconnects
	snapshot.Replacements = counters.replacements
	snapshot.AdHoc = counters.adHoc
	if counters.acquired > 0 {
		snapshot.AverageWait = counters.wait / time.Duration(counters.acquired)
	}
}

// Metrics returns a snapshot per provider the pool has seen.
func (p *Pool) Metrics() map[Provider]ProviderMetrics {
	snapshot := make(map[Provider]ProviderMetrics)

	p.mu.Lock()
	for provider, connections := range p.connections {
		var pm ProviderMetrics
		for _, c := range connections {
			pm.Total++
			switch {
			case c.inUse:
				pm.InUse++
			case !c.ready:
				pm.Unhealthy++
			case c.available():
				pm.Available++
			}
			if c.overflow {
				pm.Overflow++
			}
		}
		if pm.Total > 0 {
			pm.Utilization = float64(pm.InUse) / float64(pm.Total)
		}
		snapshot[provider] = pm
	}
	p.mu.Unlock()

	p.metrics.mu.Lock()
	for provider := range p.metrics.providers {
		if _, ok := snapshot[provider]; !ok {
			snapshot[provider] = ProviderMetrics{}
		}
	}
	p.metrics.mu.Unlock()

	for provider, pm := range snapshot {
		p.metrics.fill(provider, &pm)
		snapshot[provider] = pm
	}
	return snapshot
}
