package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-turncore/core/backchannel"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/llms"
	"github.com/koscakluka/ema-turncore/core/speculation"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
	"github.com/koscakluka/ema-turncore/internal/utils"
)

type stubChunk struct {
	content      string
	finishReason *string
}

func (c stubChunk) FinishReason() *string { return c.finishReason }
func (c stubChunk) Content() string       { return c.content }

type stubStream struct {
	deltas []string
	delay  time.Duration
	err    error
	// block keeps the stream open until its context is cancelled.
	block     bool
	cancelled *atomic.Int64
}

func (s stubStream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		for _, delta := range s.deltas {
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					s.markCancelled()
					yield(nil, ctx.Err())
					return
				case <-time.After(s.delay):
				}
			}
			if !yield(stubChunk{content: delta}, nil) {
				return
			}
		}

		switch {
		case s.block:
			<-ctx.Done()
			s.markCancelled()
			yield(nil, ctx.Err())
		case s.err != nil:
			yield(nil, s.err)
		default:
			yield(stubChunk{finishReason: utils.Ptr("stop")}, nil)
		}
	}
}

func (s stubStream) markCancelled() {
	if s.cancelled != nil {
		s.cancelled.Add(1)
	}
}

type generatorStub struct {
	mu        sync.Mutex
	prompts   []string
	histories [][]llms.Turn
	responses map[string]stubStream
	fallback  stubStream
}

func (g *generatorStub) PromptWithStream(_ context.Context, prompt *string, opts ...llms.StreamingPromptOption) llms.Stream {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, *prompt)
	g.histories = append(g.histories, llms.NewStreamingPromptOptions(opts...).Turns)
	if stream, ok := g.responses[*prompt]; ok {
		return stream
	}
	return g.fallback
}

func (g *generatorStub) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type synthesizerStub struct {
	calls  atomic.Int64
	delays map[string]time.Duration
	fail   map[string]bool
}

func (s *synthesizerStub) Synthesize(ctx context.Context, text string, _ texttospeech.VoiceParams) (texttospeech.AudioRef, error) {
	s.calls.Add(1)
	if delay := s.delays[text]; delay > 0 {
		select {
		case <-ctx.Done():
			return texttospeech.AudioRef{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if s.fail[text] {
		return texttospeech.AudioRef{}, texttospeech.ErrSynthesisFailed
	}
	return texttospeech.AudioRef{Data: []byte(text)}, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *eventRecorder) kinds() []events.Kind {
	var kinds []events.Kind
	for _, event := range r.all() {
		kinds = append(kinds, event.Kind())
	}
	return kinds
}

func (r *eventRecorder) indexOf(kind events.Kind) int {
	for i, event := range r.all() {
		if event.Kind() == kind {
			return i
		}
	}
	return -1
}

func (r *eventRecorder) count(kind events.Kind) int {
	n := 0
	for _, event := range r.all() {
		if event.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) audioIndices() []int {
	var indices []int
	for _, event := range r.all() {
		if ready, ok := event.(events.AudioReady); ok {
			indices = append(indices, ready.Index)
		}
	}
	return indices
}

func (r *eventRecorder) audioReadyTexts() []string {
	var texts []string
	for _, event := range r.all() {
		if ready, ok := event.(events.AudioReady); ok {
			texts = append(texts, string(ready.Audio.Data))
		}
	}
	return texts
}

func (r *eventRecorder) sentenceIndices() []int {
	var indices []int
	for _, event := range r.all() {
		if sentence, ok := event.(events.SentenceDetected); ok {
			indices = append(indices, sentence.Index)
		}
	}
	return indices
}

// waitForHeldAudio waits until the current speculative pipeline synthesized
// every sentence and returns it.
func waitForHeldAudio(t *testing.T, c *Coordinator, sentences int) *responsePipeline {
	t.Helper()

	var p *responsePipeline
	waitForCondition(t, time.Second, "speculative audio", func() bool {
		p = c.current.Load()
		if p == nil {
			return false
		}
		select {
		case <-p.audioBuffer.Done():
			return p.audioBuffer.Released() == sentences
		default:
			return false
		}
	})
	return p
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

func newTestCoordinator(t *testing.T, generator Generator, synthesizer texttospeech.Synthesizer, opts ...CoordinatorOption) (*Coordinator, *eventRecorder) {
	t.Helper()

	recorder := &eventRecorder{}
	base := []CoordinatorOption{
		WithGenerator(generator),
		WithSynthesizer(synthesizer),
		WithEventHandler(recorder.handle),
		WithBackchannelOptions(backchannel.WithEnabled(false)),
	}
	c := NewCoordinator(append(base, opts...)...)
	t.Cleanup(c.Close)
	return c, recorder
}

func audioTexts(audio []texttospeech.AudioRef) []string {
	texts := make([]string, 0, len(audio))
	for _, a := range audio {
		texts = append(texts, string(a.Data))
	}
	return texts
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitFinalWithoutSpeculationDeliversAudioInOrder(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"Hello there. ", "How are you ", "today? Bye."}}}
	synthesizer := &synthesizerStub{delays: map[string]time.Duration{"Hello there.": 80 * time.Millisecond}}
	c, recorder := newTestCoordinator(t, generator, synthesizer)

	result, err := c.SubmitFinal(context.Background(), "hi", 0.9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"Hello there.", "How are you today?", "Bye."}
	if got := audioTexts(result.Audio); !equalStrings(got, want) {
		t.Fatalf("expected audio %q, got %q", want, got)
	}
	if len(result.Sentences) != 3 || !result.Sentences[2].IsLast || !result.Sentences[0].IsFirst {
		t.Fatalf("unexpected sentences %+v", result.Sentences)
	}
	if result.Speculated || result.TimedOut || result.Fallback {
		t.Fatalf("unexpected result flags %+v", result)
	}
	if indices := recorder.audioIndices(); len(indices) != 3 || indices[0] != 0 || indices[1] != 1 || indices[2] != 2 {
		t.Fatalf("expected audio ready in index order, got %v", indices)
	}

	kinds := recorder.kinds()
	if kinds[0] != events.KindTurnStarted || kinds[len(kinds)-1] != events.KindTurnCompleted {
		t.Fatalf("expected turn to start and complete, got %v", kinds)
	}
	if recorder.count(events.KindAllAudioReady) != 1 {
		t.Fatalf("expected a single all audio ready event, got %v", kinds)
	}
	if recorder.indexOf(events.KindUserTranscriptFinal) != 1 {
		t.Fatalf("expected the final transcript right after the turn started, got %v", kinds)
	}
	if recorder.indexOf(events.KindAllAudioReady) > recorder.indexOf(events.KindTurnCompleted) {
		t.Fatalf("expected all audio ready before completion, got %v", kinds)
	}
}

func TestConfirmedSpeculationKeepsItsGeneration(t *testing.T) {
	partial := "what is the weather in Paris"
	generator := &generatorStub{responses: map[string]stubStream{
		partial: {deltas: []string{"It is sunny. ", "Enjoy!"}},
	}}
	c, recorder := newTestCoordinator(t, generator, &synthesizerStub{})

	decision := c.SubmitPartial(context.Background(), partial, 0.9)
	if decision.Action != speculation.ActionStarted {
		t.Fatalf("expected speculation to start, got %+v", decision)
	}
	waitForHeldAudio(t, c, 2)
	for _, kind := range []events.Kind{events.KindSentenceDetected, events.KindAudioReady, events.KindAllAudioReady} {
		if recorder.count(kind) != 0 {
			t.Fatalf("expected %s to be held until confirmation, got %v", kind, recorder.kinds())
		}
	}

	result, err := c.SubmitFinal(context.Background(), "what is the weather in Paris today", 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.SpeculationOutcome != speculation.StateConfirmed || !result.Speculated {
		t.Fatalf("expected confirmed speculation, got %+v", result)
	}
	if result.SessionID != decision.SessionID {
		t.Fatalf("expected the speculative session to be kept, got %q want %q", result.SessionID, decision.SessionID)
	}
	if calls := generator.calls(); len(calls) != 1 {
		t.Fatalf("expected a single generation, got %q", calls)
	}
	if result.Text != "It is sunny. Enjoy!" || len(result.Audio) != 2 {
		t.Fatalf("unexpected result text %q audio %d", result.Text, len(result.Audio))
	}
	if result.FirstAudioLatency != 0 {
		t.Fatalf("expected audio ready before the final transcript, got latency %v", result.FirstAudioLatency)
	}
	if recorder.count(events.KindSpeculationConfirmed) != 1 {
		t.Fatalf("expected a confirmation event, got %v", recorder.kinds())
	}
	if got := recorder.audioReadyTexts(); !equalStrings(got, []string{"It is sunny.", "Enjoy!"}) {
		t.Fatalf("expected the held audio after confirmation, got %q", got)
	}
	if recorder.count(events.KindAllAudioReady) != 1 ||
		recorder.indexOf(events.KindAllAudioReady) < recorder.indexOf(events.KindSpeculationConfirmed) {
		t.Fatalf("expected all audio ready once after confirmation, got %v", recorder.kinds())
	}
	for _, event := range recorder.all() {
		if ready, ok := event.(events.AudioReady); ok && ready.SessionID != decision.SessionID {
			t.Fatalf("expected audio of session %q, got %+v", decision.SessionID, ready)
		}
	}
	if recorder.count(events.KindUserTranscriptInterimUpdated) != 1 {
		t.Fatalf("expected the partial transcript to be reported, got %v", recorder.kinds())
	}
}

func TestCorrectedSpeculationRegeneratesFromFinalTranscript(t *testing.T) {
	partial := "book a table for two tonight"
	final := "cancel my dentist appointment tomorrow"
	generator := &generatorStub{responses: map[string]stubStream{
		partial: {deltas: []string{"Booking your table. ", "Done."}, delay: 50 * time.Millisecond},
		final:   {deltas: []string{"Cancelled. ", "Anything else?"}},
	}}
	c, recorder := newTestCoordinator(t, generator, &synthesizerStub{})

	decision := c.SubmitPartial(context.Background(), partial, 0.9)
	if decision.Action != speculation.ActionStarted {
		t.Fatalf("expected speculation to start, got %+v", decision)
	}
	waitForCondition(t, time.Second, "speculative generation", func() bool {
		return len(generator.calls()) == 1
	})

	result, err := c.SubmitFinal(context.Background(), final, 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.SpeculationOutcome != speculation.StateFailed {
		t.Fatalf("expected failed speculation, got %v", result.SpeculationOutcome)
	}
	if result.CorrectionStrategy != speculation.StrategyCompleteRestart {
		t.Fatalf("expected complete restart, got %q", result.CorrectionStrategy)
	}
	if calls := generator.calls(); len(calls) != 2 || calls[1] != final {
		t.Fatalf("expected regeneration from the final transcript, got %q", calls)
	}
	if result.Text != "Cancelled. Anything else?" {
		t.Fatalf("unexpected text %q", result.Text)
	}

	time.Sleep(150 * time.Millisecond)
	corrected := recorder.indexOf(events.KindSpeculationCorrected)
	for i, event := range recorder.all() {
		sentence, ok := event.(events.SentenceDetected)
		if ok && sentence.SessionID == decision.SessionID && i > corrected {
			t.Fatalf("sentence of the corrected session delivered after correction: %+v", sentence)
		}
	}
}

func TestCorrectedSpeculationDeliversNoSpeculativeAudio(t *testing.T) {
	partial := "book a table for two tonight"
	final := "cancel my dentist appointment tomorrow"
	generator := &generatorStub{responses: map[string]stubStream{
		partial: {deltas: []string{"Booking your table. ", "Done."}},
		final:   {deltas: []string{"Cancelled. ", "Anything else?"}},
	}}
	c, recorder := newTestCoordinator(t, generator, &synthesizerStub{})

	decision := c.SubmitPartial(context.Background(), partial, 0.9)
	if decision.Action != speculation.ActionStarted {
		t.Fatalf("expected speculation to start, got %+v", decision)
	}
	waitForHeldAudio(t, c, 2)

	result, err := c.SubmitFinal(context.Background(), final, 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SpeculationOutcome != speculation.StateFailed {
		t.Fatalf("expected failed speculation, got %v", result.SpeculationOutcome)
	}

	if got := recorder.audioReadyTexts(); !equalStrings(got, []string{"Cancelled.", "Anything else?"}) {
		t.Fatalf("expected only the regenerated audio, got %q", got)
	}
	if indices := recorder.audioIndices(); len(indices) != 2 || indices[0] != 0 || indices[1] != 1 {
		t.Fatalf("expected unique audio indices, got %v", indices)
	}
	if indices := recorder.sentenceIndices(); len(indices) != 2 || indices[0] != 0 || indices[1] != 1 {
		t.Fatalf("expected unique sentence indices, got %v", indices)
	}
	if recorder.count(events.KindAllAudioReady) != 1 {
		t.Fatalf("expected a single all audio ready event, got %v", recorder.kinds())
	}
	for _, event := range recorder.all() {
		switch e := event.(type) {
		case events.SentenceDetected:
			if e.SessionID == decision.SessionID {
				t.Fatalf("sentence of the corrected session delivered: %+v", e)
			}
		case events.AudioReady:
			if e.SessionID != result.SessionID {
				t.Fatalf("expected audio of session %q, got %+v", result.SessionID, e)
			}
		}
	}
}

func TestPartialRacingFinalDoesNotReplaceItsGeneration(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"Your inbox ", "is empty."}, delay: 100 * time.Millisecond}}
	c, _ := newTestCoordinator(t, generator, &synthesizerStub{})

	type turn struct {
		result TurnResult
		err    error
	}
	done := make(chan turn, 1)
	go func() {
		result, err := c.SubmitFinal(context.Background(), "what is in my inbox", 0.9)
		done <- turn{result, err}
	}()
	waitForCondition(t, time.Second, "final generation", func() bool {
		return len(generator.calls()) == 1
	})

	// A partial that got past the finalizing check before SubmitFinal set it.
	decision := c.engine.SubmitPartial(context.Background(), "can you check my email", 0.9)
	if decision.Action != speculation.ActionStarted {
		t.Fatalf("expected the engine to start a session, got %+v", decision)
	}
	c.startSpeculation(decision, "can you check my email")

	if decision.Context.Err() == nil {
		t.Fatal("expected the raced speculation to be cancelled")
	}
	got := <-done
	if got.err != nil {
		t.Fatalf("unexpected error: %v", got.err)
	}
	if got.result.Text != "Your inbox is empty." {
		t.Fatalf("expected the final generation to finish, got %q", got.result.Text)
	}
	if calls := generator.calls(); len(calls) != 1 {
		t.Fatalf("expected no speculative generation, got %q", calls)
	}
}

func TestPivotCancelsPreviousSpeculativeGeneration(t *testing.T) {
	first := "book a table tonight"
	second := "cancel the dentist appointment tomorrow morning please now"
	cancelled := &atomic.Int64{}
	generator := &generatorStub{responses: map[string]stubStream{
		first:  {deltas: []string{"Booking"}, block: true, cancelled: cancelled},
		second: {deltas: []string{"Cancelled it."}},
	}}
	c, _ := newTestCoordinator(t, generator, &synthesizerStub{})

	if decision := c.SubmitPartial(context.Background(), first, 0.9); decision.Action != speculation.ActionStarted {
		t.Fatalf("expected speculation to start, got %+v", decision)
	}
	waitForCondition(t, time.Second, "first generation", func() bool {
		return len(generator.calls()) == 1
	})

	decision := c.SubmitPartial(context.Background(), second, 0.9)
	if decision.Action != speculation.ActionPivoted {
		t.Fatalf("expected pivot, got %+v", decision)
	}
	waitForCondition(t, time.Second, "first generation cancelled", func() bool {
		return cancelled.Load() == 1
	})

	result, err := c.SubmitFinal(context.Background(), second, 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SessionID != decision.SessionID || result.Text != "Cancelled it." {
		t.Fatalf("expected the pivoted session to be confirmed, got %+v", result)
	}
}

func TestTurnTimeoutReturnsPartialResult(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"First part. ", "Second"}, block: true}}
	c, recorder := newTestCoordinator(t, generator, &synthesizerStub{}, WithTurnTimeout(150*time.Millisecond))

	start := time.Now()
	result, err := c.SubmitFinal(context.Background(), "tell me a story", 0.9)
	if !errors.Is(err, ErrTurnTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected timeout near 150ms, took %v", elapsed)
	}
	if !result.TimedOut {
		t.Fatal("expected timed out result")
	}
	if len(result.Sentences) != 1 || result.Sentences[0].Text != "First part." {
		t.Fatalf("expected the completed sentence only, got %+v", result.Sentences)
	}
	if len(result.Audio) != 1 {
		t.Fatalf("expected partial audio, got %d", len(result.Audio))
	}
	if recorder.count(events.KindTurnTimedOut) != 1 {
		t.Fatalf("expected a timed out event, got %v", recorder.kinds())
	}
	if history := c.History(); len(history) != 2 || !history[1].Cancelled {
		t.Fatalf("expected the timed out response to be marked cancelled, got %+v", history)
	}
}

func TestGenerationFailureSpeaksFallback(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{err: errors.New("stream reset")}}
	c, recorder := newTestCoordinator(t, generator, &synthesizerStub{})

	result, err := c.SubmitFinal(context.Background(), "hello", 0.9)
	if !errors.Is(err, ErrTurnFailed) || !errors.Is(err, llms.ErrGenerationFailed) {
		t.Fatalf("expected turn failure caused by generation, got %v", err)
	}
	if !result.Fallback || result.Text != DefaultFallbackText {
		t.Fatalf("expected fallback utterance, got %+v", result)
	}
	if got := audioTexts(result.Audio); len(got) != 1 || got[0] != DefaultFallbackText {
		t.Fatalf("expected fallback audio, got %q", got)
	}
	if recorder.count(events.KindTurnFailed) != 1 || recorder.count(events.KindTurnCompleted) != 0 {
		t.Fatalf("expected a failed turn, got %v", recorder.kinds())
	}
	if m := c.Metrics(); m.Turns.Fallbacks != 1 || m.Turns.Failed != 1 {
		t.Fatalf("expected fallback to be counted, got %+v", m.Turns)
	}
}

func TestFallbackContinuesSentenceIndices(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"First part. ", "and then"}, err: errors.New("stream reset")}}
	c, recorder := newTestCoordinator(t, generator, &synthesizerStub{})

	result, err := c.SubmitFinal(context.Background(), "tell me a story", 0.9)
	if !errors.Is(err, ErrTurnFailed) || !result.Fallback {
		t.Fatalf("expected fallback, got %+v (%v)", result, err)
	}

	indices := recorder.sentenceIndices()
	for i, index := range indices {
		if index != i {
			t.Fatalf("expected contiguous unique sentence indices, got %v", indices)
		}
	}
	last := indices[len(indices)-1]
	if result.Sentences[0].Index != last || result.Sentences[0].Text != DefaultFallbackText {
		t.Fatalf("expected the fallback to take the last index %d, got %+v", last, result.Sentences)
	}
	if audio := recorder.audioIndices(); audio[len(audio)-1] != last {
		t.Fatalf("expected fallback audio at index %d, got %v", last, audio)
	}
}

func TestSingleSentenceSynthesisFailureIsDropped(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"One. Two. Three."}}}
	synthesizer := &synthesizerStub{fail: map[string]bool{"Two.": true}}
	c, _ := newTestCoordinator(t, generator, synthesizer)

	result, err := c.SubmitFinal(context.Background(), "count", 0.9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := audioTexts(result.Audio); !equalStrings(got, []string{"One.", "Three."}) {
		t.Fatalf("expected compacted audio, got %q", got)
	}
	if len(result.Sentences) != 3 {
		t.Fatalf("expected all sentences reported, got %+v", result.Sentences)
	}
}

func TestAllSentencesFailingFallsBack(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"One. Two."}}}
	synthesizer := &synthesizerStub{fail: map[string]bool{"One.": true, "Two.": true}}
	c, _ := newTestCoordinator(t, generator, synthesizer)

	result, err := c.SubmitFinal(context.Background(), "count", 0.9)
	if !errors.Is(err, texttospeech.ErrSynthesisFailed) {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
	if !result.Fallback || len(result.Audio) != 1 {
		t.Fatalf("expected fallback audio, got %+v", result)
	}
}

func TestBackchannelFillsSlowResponse(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"Here you go."}, delay: 700 * time.Millisecond}}
	recorder := &eventRecorder{}
	c := NewCoordinator(
		WithGenerator(generator),
		WithSynthesizer(&synthesizerStub{}),
		WithEventHandler(recorder.handle),
		WithExpectedProcessing(300*time.Millisecond),
	)
	t.Cleanup(c.Close)

	if _, err := c.SubmitFinal(context.Background(), "what is on my calendar", 0.9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	executed := recorder.indexOf(events.KindBackchannelExecuted)
	firstAudio := recorder.indexOf(events.KindAudioReady)
	if executed < 0 {
		t.Fatalf("expected a backchannel while the response was slow, got %v", recorder.kinds())
	}
	if executed > firstAudio {
		t.Fatalf("expected backchannel before the response audio, got %v", recorder.kinds())
	}
	for _, event := range recorder.all()[firstAudio:] {
		if event.Kind() == events.KindBackchannelExecuted {
			t.Fatalf("backchannel delivered after response audio: %v", recorder.kinds())
		}
	}
	if m := c.Metrics(); m.Backchannel.Executed != 1 {
		t.Fatalf("expected one executed backchannel, got %+v", m.Backchannel)
	}
}

func TestFastResponseSuppressesBackchannel(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"Quick answer."}}}
	recorder := &eventRecorder{}
	c := NewCoordinator(
		WithGenerator(generator),
		WithSynthesizer(&synthesizerStub{}),
		WithEventHandler(recorder.handle),
		WithExpectedProcessing(300*time.Millisecond),
	)
	t.Cleanup(c.Close)

	if _, err := c.SubmitFinal(context.Background(), "what time is it", 0.9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(400 * time.Millisecond)

	if recorder.count(events.KindBackchannelExecuted) != 0 {
		t.Fatalf("expected no backchannel for a fast response, got %v", recorder.kinds())
	}
}

type poolStub struct{}

func (poolStub) Metrics() map[connpool.Provider]connpool.ProviderMetrics {
	return map[connpool.Provider]connpool.ProviderMetrics{
		connpool.ProviderSynthesis: {Total: 2, Available: 2},
	}
}

func TestMetricsAggregateComponents(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"Sure."}}}
	c, _ := newTestCoordinator(t, generator, &synthesizerStub{}, WithPool(poolStub{}))

	c.SubmitPartial(context.Background(), "can you check my email", 0.9)
	if _, err := c.SubmitFinal(context.Background(), "can you check my email", 0.9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := c.Metrics()
	if m.Turns.Started != 1 || m.Turns.Completed != 1 {
		t.Fatalf("unexpected turn metrics %+v", m.Turns)
	}
	if m.Speculation.Attempted != 1 || m.Speculation.Succeeded != 1 {
		t.Fatalf("unexpected speculation metrics %+v", m.Speculation)
	}
	if m.Pool[connpool.ProviderSynthesis].Total != 2 {
		t.Fatalf("expected pool metrics, got %+v", m.Pool)
	}
}

func TestHistoryIsPassedToLaterTurns(t *testing.T) {
	generator := &generatorStub{fallback: stubStream{deltas: []string{"Fine."}}}
	c, _ := newTestCoordinator(t, generator, &synthesizerStub{})

	for _, prompt := range []string{"first", "second"} {
		if _, err := c.SubmitFinal(context.Background(), prompt, 0.9); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	generator.mu.Lock()
	defer generator.mu.Unlock()
	if len(generator.histories) != 2 || len(generator.histories[0]) != 0 || len(generator.histories[1]) != 2 {
		t.Fatalf("expected the first turn in the second prompt, got %+v", generator.histories)
	}
	if generator.histories[1][0].Content != "first" || generator.histories[1][1].Content != "Fine." {
		t.Fatalf("unexpected history %+v", generator.histories[1])
	}
}

func TestSubmitFinalRequiresCollaborators(t *testing.T) {
	c := NewCoordinator(WithSynthesizer(&synthesizerStub{}))
	t.Cleanup(c.Close)
	if _, err := c.SubmitFinal(context.Background(), "hello", 0.9); !errors.Is(err, ErrNoGenerator) {
		t.Fatalf("expected missing generator, got %v", err)
	}

	c = NewCoordinator(WithGenerator(&generatorStub{}))
	t.Cleanup(c.Close)
	if _, err := c.SubmitFinal(context.Background(), "hello", 0.9); !errors.Is(err, ErrNoSynthesizer) {
		t.Fatalf("expected missing synthesizer, got %v", err)
	}
}

func TestClosedCoordinatorRejectsInput(t *testing.T) {
	c, _ := newTestCoordinator(t, &generatorStub{}, &synthesizerStub{})
	c.Close()
	c.Close()

	if decision := c.SubmitPartial(context.Background(), "what is the weather in Paris", 0.9); decision.Reason != ReasonCoordinatorClosed {
		t.Fatalf("expected closed reason, got %+v", decision)
	}
	if _, err := c.SubmitFinal(context.Background(), "hello", 0.9); !errors.Is(err, ErrCoordinatorClosed) {
		t.Fatalf("expected closed coordinator, got %v", err)
	}
}
