package backchannel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	Scheduled            int64
	Executed             int64
	Failed               int64
	Cancelled            int64
	Declined             int64
	ConflictsAvoided     int64
	EmergencyActivations int64
	CacheHits            int64
	CacheMisses          int64
	ExecutedByCategory   map[Category]int64
	// AverageTimingError is the mean lateness of executed fillers against
	// their scheduled delay.
	AverageTimingError time.Duration
}

type counters struct {
	scheduled        atomic.Int64
	executedCount    atomic.Int64
	failed           atomic.Int64
	cancelled        atomic.Int64
	declined         atomic.Int64
	conflictsAvoided atomic.Int64
	emergencies      atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	timingError      atomic.Int64

	mu         sync.Mutex
	byCategory map[Category]int64

	executions metric.Int64Counter
}

func newCounters() *counters {
	c := &counters{byCategory: make(map[Category]int64)}
	executions, err := meter.Int64Counter(
		"backchannel.executions",
		metric.WithDescription("Backchannel fillers played"),
	)
	if err != nil {
		logger.Warn("failed to create backchannel execution counter", "error", err)
	}
	c.executions = executions
	return c
}

func (c *counters) executed(category Category, timingError time.Duration) {
	c.executedCount.Add(1)
	c.timingError.Add(int64(timingError))

	c.mu.Lock()
	c.byCategory[category]++
	c.mu.Unlock()

	if c.executions != nil {
		c.executions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("backchannel.category", string(category))))
	}
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		Scheduled:            c.scheduled.Load(),
		Executed:             c.executedCount.Load(),
		Failed:               c.failed.Load(),
		Cancelled:            c.cancelled.Load(),
		Declined:             c.declined.Load(),
		ConflictsAvoided:     c.conflictsAvoided.Load(),
		EmergencyActivations: c.emergencies.Load(),
		CacheHits:            c.cacheHits.Load(),
		CacheMisses:          c.cacheMisses.Load(),
	}
	if m.Executed > 0 {
		m.AverageTimingError = time.Duration(c.timingError.Load() / m.Executed)
	}

	c.mu.Lock()
	m.ExecutedByCategory = make(map[Category]int64, len(c.byCategory))
	for category, count := range c.byCategory {
		m.ExecutedByCategory[category] = count
	}
	c.mu.Unlock()
	return m
}
