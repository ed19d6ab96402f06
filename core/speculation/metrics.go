package speculation

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics is a point in time snapshot of the engine counters.
type Metrics struct {
	Attempted     int64
	Succeeded     int64
	Corrected     int64
	Pivoted       int64
	Updates       int64
	Rejected      int64
	Cancellations int64
	// TotalTimeSaved sums the speculation lead time of confirmed sessions.
	TotalTimeSaved time.Duration
	// AverageTimeSaved is TotalTimeSaved spread over confirmed sessions.
	AverageTimeSaved time.Duration
	// SuccessRate is Succeeded over sessions that reached a final transcript.
	SuccessRate float64
}

type counters struct {
	attempted     atomic.Int64
	succeeded     atomic.Int64
	corrected     atomic.Int64
	pivoted       atomic.Int64
	updates       atomic.Int64
	rejected      atomic.Int64
	cancellations atomic.Int64
	timeSaved     atomic.Int64

	instruments instruments
}

type instruments struct {
	outcomes      metric.Int64Counter
	cancellations metric.Int64Counter
	timeSaved     metric.Float64Histogram
}

func newInstruments() instruments {
	var inst instruments
	var err error
	if inst.outcomes, err = meter.Int64Counter(
		"speculation.outcomes",
		metric.WithDescription("Speculation decisions by outcome"),
	); err != nil {
		logger.Warn("failed to create speculation outcome counter", "error", err)
	}
	if inst.cancellations, err = meter.Int64Counter(
		"speculation.cancellations",
		metric.WithDescription("Speculative generations cancelled"),
	); err != nil {
		logger.Warn("failed to create speculation cancellation counter", "error", err)
	}
	if inst.timeSaved, err = meter.Float64Histogram(
		"speculation.time_saved",
		metric.WithUnit("s"),
		metric.WithDescription("Lead time of confirmed speculations"),
	); err != nil {
		logger.Warn("failed to create speculation time saved histogram", "error", err)
	}
	return inst
}

func (c *counters) outcome(counter *atomic.Int64, name string) {
	counter.Add(1)
	if c.instruments.outcomes != nil {
		c.instruments.outcomes.Add(context.Background(), 1, metric.WithAttributes(outcomeAttr.String(name)))
	}
}

func (c *counters) cancelled() {
	c.cancellations.Add(1)
	if c.instruments.cancellations != nil {
		c.instruments.cancellations.Add(context.Background(), 1)
	}
}

func (c *counters) saved(elapsed time.Duration) {
	c.timeSaved.Add(int64(elapsed))
	if c.instruments.timeSaved != nil {
		c.instruments.timeSaved.Record(context.Background(), elapsed.Seconds())
	}
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		Attempted:      c.attempted.Load(),
		Succeeded:      c.succeeded.Load(),
		Corrected:      c.corrected.Load(),
		Pivoted:        c.pivoted.Load(),
		Updates:        c.updates.Load(),
		Rejected:       c.rejected.Load(),
		Cancellations:  c.cancellations.Load(),
		TotalTimeSaved: time.Duration(c.timeSaved.Load()),
	}
	if m.Succeeded > 0 {
		m.AverageTimeSaved = m.TotalTimeSaved / time.Duration(m.Succeeded)
	}
	if settled := m.Succeeded + m.Corrected; settled > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(settled)
	}
	return m
}
