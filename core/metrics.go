package orchestration

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/koscakluka/ema-turncore/core/backchannel"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/speculation"
)

// Metrics aggregates the snapshots of every component the coordinator
// drives.
type Metrics struct {
	Speculation speculation.Metrics
	Backchannel backchannel.Metrics
	Pool        map[connpool.Provider]connpool.ProviderMetrics
	Turns       TurnMetrics
}

type TurnMetrics struct {
	Started   int64
	Completed int64
	Failed    int64
	TimedOut  int64
	Fallbacks int64

	AverageFirstChunkLatency time.Duration
	AverageFirstAudioLatency time.Duration
}

const turnOutcomeAttr = attribute.Key("turn.outcome")

type turnCounters struct {
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	fallbacks atomic.Int64

	firstChunkSamples atomic.Int64
	firstChunkTotal   atomic.Int64
	firstAudioSamples atomic.Int64
	firstAudioTotal   atomic.Int64

	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

func newTurnCounters() *turnCounters {
	c := &turnCounters{}

	var err error
	if c.outcomes, err = meter.Int64Counter("turn.outcomes",
		metric.WithDescription("Finished turns by outcome.")); err != nil {
		logger.Warn("failed to create turn outcome counter", "error", err)
	}
	if c.latency, err = meter.Float64Histogram("turn.first_audio_latency",
		metric.WithDescription("Time from final transcript to first response audio."),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create first audio latency histogram", "error", err)
	}
	return c
}

func (c *turnCounters) finished(result TurnResult) {
	switch {
	case result.TimedOut:
		c.timedOut.Add(1)
		c.record("timed_out")
	case result.Fallback:
		c.failed.Add(1)
		c.fallbacks.Add(1)
		c.record("fallback")
	case result.Err != nil:
		c.failed.Add(1)
		c.record("failed")
	default:
		c.completed.Add(1)
		c.record("completed")
	}

	if result.firstChunk {
		c.firstChunkSamples.Add(1)
		c.firstChunkTotal.Add(int64(result.FirstChunkLatency))
	}
	if result.firstAudio {
		c.firstAudioSamples.Add(1)
		c.firstAudioTotal.Add(int64(result.FirstAudioLatency))
		if c.latency != nil {
			c.latency.Record(context.Background(), result.FirstAudioLatency.Seconds())
		}
	}
}

func (c *turnCounters) record(outcome string) {
	if c.outcomes == nil {
		return
	}
	c.outcomes.Add(context.Background(), 1, metric.WithAttributes(turnOutcomeAttr.String(outcome)))
}

func (c *turnCounters) snapshot() TurnMetrics {
	m := TurnMetrics{
		Started:   c.started.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		TimedOut:  c.timedOut.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
	if n := c.firstChunkSamples.Load(); n > 0 {
		m.AverageFirstChunkLatency = time.Duration(c.firstChunkTotal.Load() / n)
	}
	if n := c.firstAudioSamples.Load(); n > 0 {
		m.AverageFirstAudioLatency = time.Duration(c.firstAudioTotal.Load() / n)
	}
	return m
}
