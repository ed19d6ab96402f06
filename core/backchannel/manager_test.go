package backchannel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) executed() []events.BackchannelExecuted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var executed []events.BackchannelExecuted
	for _, event := range r.events {
		if e, ok := event.(events.BackchannelExecuted); ok {
			executed = append(executed, e)
		}
	}
	return executed
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type synthesizerStub struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (s *synthesizerStub) Synthesize(ctx context.Context, text string, _ texttospeech.VoiceParams) (texttospeech.AudioRef, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return texttospeech.AudioRef{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return texttospeech.AudioRef{}, s.err
	}
	return texttospeech.AudioRef{Data: []byte(text)}, nil
}

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", description)
}

func TestShortExpectedProcessingSchedulesShortAcknowledgment(t *testing.T) {
	recorder := &eventRecorder{}
	manager := NewManager(&synthesizerStub{}, WithEventHandler(recorder.handle))
	defer manager.Close()

	result := manager.StartProcessing(context.Background(), ProcessingContext{ExpectedDuration: 300 * time.Millisecond})
	if !result.Scheduled {
		t.Fatalf("expected a backchannel to be scheduled, got %+v", result)
	}
	if result.Strategy != StrategyShort || result.Delay != 300*time.Millisecond {
		t.Fatalf("expected short 300ms strategy, got %s %v", result.Strategy, result.Delay)
	}
	if result.Category != CategoryAcknowledgment {
		t.Fatalf("expected acknowledgment, got %s", result.Category)
	}

	waitForCondition(t, 2*time.Second, "backchannel execution", func() bool {
		return len(recorder.executed()) == 1
	})
	executed := recorder.executed()[0]
	if executed.ScheduleID != result.ScheduleID || executed.Phrase != result.Phrase.Text {
		t.Fatalf("unexpected executed event %+v", executed)
	}
	if executed.ActualDelay < executed.ScheduledDelay {
		t.Fatalf("expected filler to wait its delay, waited %v of %v", executed.ActualDelay, executed.ScheduledDelay)
	}
	if string(executed.Audio.Data) != result.Phrase.Text {
		t.Fatalf("expected synthesized audio for %q", result.Phrase.Text)
	}

	manager.EndProcessing()
	if got := manager.Metrics().Executed; got != 1 {
		t.Fatalf("expected 1 executed backchannel, got %d", got)
	}
}

func TestVeryShortExpectedProcessingSchedulesNothing(t *testing.T) {
	manager := NewManager(&synthesizerStub{})
	defer manager.Close()

	result := manager.StartProcessing(context.Background(), ProcessingContext{ExpectedDuration: 50 * time.Millisecond})
	if result.Scheduled {
		t.Fatalf("expected no backchannel, got %+v", result)
	}
	if result.Reason != ReasonTooShort {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
	if pending := manager.Pending(); len(pending) != 0 {
		t.Fatalf("expected no pending schedules, got %d", len(pending))
	}
	manager.EndProcessing()
}

func TestDisabledManagerSchedulesNothing(t *testing.T) {
	manager := NewManager(&synthesizerStub{}, WithEnabled(false))
	defer manager.Close()

	result := manager.StartProcessing(context.Background(), ProcessingContext{ExpectedDuration: time.Second})
	if result.Scheduled || result.Reason != ReasonDisabled {
		t.Fatalf("expected disabled result, got %+v", result)
	}
}

func TestEndProcessingCancelsPendingSchedules(t *testing.T) {
	recorder := &eventRecorder{}
	manager := NewManager(&synthesizerStub{}, WithEventHandler(recorder.handle))
	defer manager.Close()

	result := manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityLow})
	if !result.Scheduled || result.Strategy != StrategyLong {
		t.Fatalf("expected long schedule, got %+v", result)
	}

	manager.EndProcessing()
	if pending := manager.Pending(); len(pending) != 0 {
		t.Fatalf("expected all schedules cancelled, got %d pending", len(pending))
	}

	time.Sleep(result.Delay + 200*time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("expected no events after end of processing, got %d", got)
	}
	if got := manager.Metrics().Cancelled; got != 1 {
		t.Fatalf("expected 1 cancelled schedule, got %d", got)
	}

	history := manager.History()
	if len(history) != 1 || history[0].Status != StatusCancelled {
		t.Fatalf("expected cancelled schedule in history, got %+v", history)
	}
}

func TestNoExecutedEventAfterEndProcessingReturns(t *testing.T) {
	recorder := &eventRecorder{}
	synthesizer := &synthesizerStub{delay: 300 * time.Millisecond}
	manager := NewManager(synthesizer, WithEventHandler(recorder.handle))
	defer manager.Close()

	manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityHigh})
	waitForCondition(t, time.Second, "synthesis to start", func() bool {
		return synthesizer.calls.Load() == 1
	})

	manager.EndProcessing()
	seen := recorder.count()

	time.Sleep(400 * time.Millisecond)
	if got := recorder.count(); got != seen {
		t.Fatalf("expected no events after EndProcessing returned, got %d more", got-seen)
	}
	if executed := recorder.executed(); len(executed) != 0 {
		t.Fatalf("expected executing filler to be dropped, got %+v", executed)
	}
}

func TestEmergencyFillerForcedForLongProcessing(t *testing.T) {
	recorder := &eventRecorder{}
	manager := NewManager(&synthesizerStub{},
		WithEventHandler(recorder.handle),
		WithEmergencyThreshold(150*time.Millisecond),
	)
	defer manager.Close()

	result := manager.StartProcessing(context.Background(), ProcessingContext{ExpectedDuration: 50 * time.Millisecond})
	if result.Scheduled {
		t.Fatalf("expected regular schedule to be declined, got %+v", result)
	}

	waitForCondition(t, 2*time.Second, "emergency filler", func() bool {
		return len(recorder.executed()) == 1
	})
	executed := recorder.executed()[0]
	if !executed.Emergency || executed.Category != string(CategoryProcessing) {
		t.Fatalf("expected emergency processing filler, got %+v", executed)
	}
	if executed.Strategy != string(StrategyEmergency) || executed.ScheduledDelay != 150*time.Millisecond {
		t.Fatalf("unexpected emergency timing %+v", executed)
	}

	manager.EndProcessing()
	if got := manager.Metrics().EmergencyActivations; got != 1 {
		t.Fatalf("expected 1 emergency activation, got %d", got)
	}
}

func TestMarkResponseImminentDropsPendingFillers(t *testing.T) {
	recorder := &eventRecorder{}
	manager := NewManager(&synthesizerStub{}, WithEventHandler(recorder.handle))
	defer manager.Close()

	result := manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityNormal})
	manager.MarkResponseImminent()

	if pending := manager.Pending(); len(pending) != 0 {
		t.Fatalf("expected pending fillers dropped, got %d", len(pending))
	}
	time.Sleep(result.Delay + 200*time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("expected no events once response audio is imminent, got %d", got)
	}
	if got := manager.Metrics().ConflictsAvoided; got != 1 {
		t.Fatalf("expected 1 conflict avoided, got %d", got)
	}
	manager.EndProcessing()
}

func TestConflictDetectorDropsFillerAtFireTime(t *testing.T) {
	recorder := &eventRecorder{}
	var responding atomic.Bool
	manager := NewManager(&synthesizerStub{},
		WithEventHandler(recorder.handle),
		WithConflictDetector(responding.Load),
	)
	defer manager.Close()

	manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityHigh})
	responding.Store(true)

	waitForCondition(t, time.Second, "conflict to be detected", func() bool {
		return manager.Metrics().ConflictsAvoided == 1
	})
	if got := recorder.count(); got != 0 {
		t.Fatalf("expected filler to be dropped, got %d events", got)
	}
	manager.EndProcessing()
}

func TestRecentPhrasesAreNotRepeated(t *testing.T) {
	recorder := &eventRecorder{}
	manager := NewManager(&synthesizerStub{}, WithEventHandler(recorder.handle))
	defer manager.Close()

	first := manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityHigh})
	waitForCondition(t, time.Second, "first filler", func() bool {
		return len(recorder.executed()) == 1
	})
	manager.EndProcessing()

	second := manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityHigh})
	manager.EndProcessing()

	if first.Phrase.Text != "Okay." {
		t.Fatalf("expected highest priority phrase first, got %q", first.Phrase.Text)
	}
	if second.Phrase.Text == first.Phrase.Text {
		t.Fatalf("expected %q to not repeat within the window", first.Phrase.Text)
	}
}

func TestFailedSynthesisEmitsFailure(t *testing.T) {
	recorder := &eventRecorder{}
	manager := NewManager(&synthesizerStub{err: errors.New("provider down")}, WithEventHandler(recorder.handle))
	defer manager.Close()

	manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityHigh})
	waitForCondition(t, time.Second, "failure event", func() bool {
		return recorder.count() == 1
	})
	manager.EndProcessing()

	recorder.mu.Lock()
	failed, ok := recorder.events[0].(events.BackchannelFailed)
	recorder.mu.Unlock()
	if !ok || failed.Err == nil {
		t.Fatalf("expected backchannel failed event, got %+v", recorder.events[0])
	}
	if got := manager.Metrics().Failed; got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestWarmFillsAudioCache(t *testing.T) {
	synthesizer := &synthesizerStub{}
	recorder := &eventRecorder{}
	manager := NewManager(synthesizer, WithEventHandler(recorder.handle))
	defer manager.Close()

	if err := manager.Warm(context.Background()); err != nil {
		t.Fatalf("unexpected warm error: %v", err)
	}
	total := 0
	for _, phrases := range DefaultLibrary() {
		total += len(phrases)
	}
	if got := synthesizer.calls.Load(); got != int64(total) {
		t.Fatalf("expected %d syntheses, got %d", total, got)
	}

	manager.StartProcessing(context.Background(), ProcessingContext{Priority: PriorityHigh})
	waitForCondition(t, time.Second, "cached filler", func() bool {
		return len(recorder.executed()) == 1
	})
	manager.EndProcessing()

	if got := synthesizer.calls.Load(); got != int64(total) {
		t.Fatalf("expected cached audio to be reused, got %d syntheses", got)
	}
	if manager.Metrics().CacheHits == 0 {
		t.Fatal("expected a cache hit")
	}
}
