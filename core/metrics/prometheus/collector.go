// Package prometheus exposes coordinator metrics to Prometheus.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	orchestration "github.com/koscakluka/ema-turncore/core"
)

const namespace = "ema"

var (
	turnsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "turn", "total"),
		"Turns by outcome.",
		[]string{"outcome"}, nil,
	)
	turnLatencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "turn", "average_latency_seconds"),
		"Average latency from the final transcript to the first response chunk or audio.",
		[]string{"stage"}, nil,
	)
	speculationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "speculation", "sessions_total"),
		"Speculation sessions by outcome.",
		[]string{"outcome"}, nil,
	)
	speculationTimeSavedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "speculation", "time_saved_seconds_total"),
		"Lead time gained by confirmed speculation.",
		nil, nil,
	)
	speculationSuccessDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "speculation", "success_ratio"),
		"Confirmed sessions over sessions that reached a final transcript.",
		nil, nil,
	)
	backchannelDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backchannel", "total"),
		"Backchannel schedules by outcome.",
		[]string{"outcome"}, nil,
	)
	backchannelCategoryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backchannel", "executed_by_category_total"),
		"Executed backchannels by category.",
		[]string{"category"}, nil,
	)
	poolConnectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "connections"),
		"Pooled connections by provider and state.",
		[]string{"provider", "state"}, nil,
	)
	poolEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "events_total"),
		"Pool events by provider.",
		[]string{"provider", "event"}, nil,
	)
)

// Collector reads a fresh metrics snapshot on every scrape.
type Collector struct {
	snapshot func() orchestration.Metrics
}

func NewCollector(snapshot func() orchestration.Metrics) *Collector {
	return &Collector{snapshot: snapshot}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		turnsDesc, turnLatencyDesc,
		speculationDesc, speculationTimeSavedDesc, speculationSuccessDesc,
		backchannelDesc, backchannelCategoryDesc,
		poolConnectionsDesc, poolEventsDesc,
	} {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.snapshot()

	counter := func(desc *prometheus.Desc, value int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), labels...)
	}
	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}

	counter(turnsDesc, m.Turns.Started, "started")
	counter(turnsDesc, m.Turns.Completed, "completed")
	counter(turnsDesc, m.Turns.Failed, "failed")
	counter(turnsDesc, m.Turns.TimedOut, "timed_out")
	counter(turnsDesc, m.Turns.Fallbacks, "fallback")
	gauge(turnLatencyDesc, m.Turns.AverageFirstChunkLatency.Seconds(), "first_chunk")
	gauge(turnLatencyDesc, m.Turns.AverageFirstAudioLatency.Seconds(), "first_audio")

	counter(speculationDesc, m.Speculation.Attempted, "attempted")
	counter(speculationDesc, m.Speculation.Succeeded, "succeeded")
	counter(speculationDesc, m.Speculation.Corrected, "corrected")
	counter(speculationDesc, m.Speculation.Pivoted, "pivoted")
	counter(speculationDesc, m.Speculation.Updates, "updated")
	counter(speculationDesc, m.Speculation.Rejected, "rejected")
	counter(speculationDesc, m.Speculation.Cancellations, "cancelled")
	ch <- prometheus.MustNewConstMetric(speculationTimeSavedDesc, prometheus.CounterValue, m.Speculation.TotalTimeSaved.Seconds())
	gauge(speculationSuccessDesc, m.Speculation.SuccessRate)

	counter(backchannelDesc, m.Backchannel.Scheduled, "scheduled")
	counter(backchannelDesc, m.Backchannel.Executed, "executed")
	counter(backchannelDesc, m.Backchannel.Failed, "failed")
	counter(backchannelDesc, m.Backchannel.Cancelled, "cancelled")
	counter(backchannelDesc, m.Backchannel.Declined, "declined")
	counter(backchannelDesc, m.Backchannel.ConflictsAvoided, "conflict_avoided")
	counter(backchannelDesc, m.Backchannel.EmergencyActivations, "emergency")
	for category, executed := range m.Backchannel.ExecutedByCategory {
		counter(backchannelCategoryDesc, executed, string(category))
	}

	for provider, pm := range m.Pool {
		p := string(provider)
		gauge(poolConnectionsDesc, float64(pm.Available), p, "available")
		gauge(poolConnectionsDesc, float64(pm.InUse), p, "in_use")
		gauge(poolConnectionsDesc, float64(pm.Unhealthy), p, "unhealthy")
		gauge(poolConnectionsDesc, float64(pm.Overflow), p, "overflow")
		counter(poolEventsDesc, pm.Acquired, p, "acquired")
		counter(poolEventsDesc, pm.AcquireTimeouts, p, "acquire_timeout")
		counter(poolEventsDesc, pm.HealthFailures, p, "health_failure")
		counter(poolEventsDesc, pm.Reconnects, p, "reconnect")
		counter(poolEventsDesc, pm.Replacements, p, "replacement")
		counter(poolEventsDesc, pm.AdHoc, p, "ad_hoc")
	}
}
