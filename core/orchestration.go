package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/ema-turncore/core/backchannel"
	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/llms"
	"github.com/koscakluka/ema-turncore/core/speculation"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

var (
	ErrNoGenerator       = errors.New("no generator configured")
	ErrNoSynthesizer     = errors.New("no synthesizer configured")
	ErrCoordinatorClosed = errors.New("coordinator closed")
	// ErrTurnFailed wraps generation and synthesis failures of a turn. The
	// turn result still carries the fallback utterance.
	ErrTurnFailed = errors.New("turn failed")
	// ErrTurnTimedOut is returned with whatever the turn produced before its
	// deadline.
	ErrTurnTimedOut = errors.New("turn timed out")
)

// Reasons reported for partial transcripts the coordinator did not pass on.
const (
	ReasonCoordinatorClosed = "coordinator closed"
	ReasonTurnInProgress    = "final transcript is being processed"
)

// TurnResult is what a turn produced.
type TurnResult struct {
	TurnID    string
	SessionID string
	Text      string
	Sentences []SentenceUnit
	// Audio holds sentence audio in index order, without sentences whose
	// synthesis failed.
	Audio []texttospeech.AudioRef

	Speculated         bool
	SpeculationOutcome speculation.State
	CorrectionStrategy speculation.CorrectionStrategy

	// FirstChunkLatency and FirstAudioLatency are measured from the final
	// transcript. Output that was ready before it counts as zero.
	FirstChunkLatency time.Duration
	FirstAudioLatency time.Duration
	Duration          time.Duration

	TimedOut bool
	Fallback bool
	Err      error

	firstChunk bool
	firstAudio bool
}

type activeTurn struct {
	id         string
	startedAt  time.Time
	finalizing bool
}

// Coordinator drives one conversation: it speculates on partial
// transcripts, streams responses into sentence audio and keeps backchannel
// fillers out of the way of real responses.
type Coordinator struct {
	config      Config
	generator   Generator
	synthesizer texttospeech.Synthesizer
	engine      *speculation.Engine
	backchannel *backchannel.Manager
	pool        PoolMetrics
	baseContext context.Context

	speculationOptions []speculation.Option
	backchannelOptions []backchannel.Option
	callbacks          callbacks
	emit               eventEmitter
	counters           *turnCounters

	mu        sync.Mutex
	emitMu    sync.Mutex
	turn      *activeTurn
	current   atomic.Pointer[responsePipeline]
	history   []llms.Turn
	closed    bool
	closeOnce sync.Once
}

func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		config:      DefaultConfig(),
		baseContext: context.Background(),
		counters:    newTurnCounters(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.emit = newCallbackEventEmitter(c.callbacks)
	c.engine = speculation.NewEngine(append(c.speculationOptions,
		speculation.WithBaseContext(c.baseContext),
		speculation.WithEventHandler(events.Handler(c.emit)),
	)...)
	if c.synthesizer != nil {
		c.backchannel = backchannel.NewManager(c.synthesizer, append(c.backchannelOptions,
			backchannel.WithEventHandler(events.Handler(c.emit)),
		)...)
	}

	return c
}

func (c *Coordinator) Config() Config {
	return c.config
}

// Warm pre-synthesizes the backchannel phrases.
func (c *Coordinator) Warm(ctx context.Context) error {
	if c.backchannel == nil {
		return nil
	}
	return c.backchannel.Warm(ctx)
}

// SubmitPartial passes a partial transcript to the speculation engine and
// starts or replaces the speculative generation it asks for.
func (c *Coordinator) SubmitPartial(ctx context.Context, text string, confidence float64) speculation.PartialDecision {
	ctx, span := tracer.Start(ctx, "submit partial transcript")
	defer span.End()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return speculation.PartialDecision{Action: speculation.ActionNone, Reason: ReasonCoordinatorClosed}
	case c.turn != nil && c.turn.finalizing:
		c.mu.Unlock()
		return speculation.PartialDecision{Action: speculation.ActionNone, Reason: ReasonTurnInProgress}
	}
	c.mu.Unlock()

	c.emit(events.NewUserTranscriptInterimUpdated(text, confidence))
	decision := c.engine.SubmitPartial(ctx, text, confidence)
	switch decision.Action {
	case speculation.ActionStarted, speculation.ActionPivoted:
		c.startSpeculation(decision, text)
	}

	span.SetAttributes(attribute.String("speculation.action", string(decision.Action)))
	return decision
}

func (c *Coordinator) startSpeculation(decision speculation.PartialDecision, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.generator == nil || c.synthesizer == nil || !c.engine.IsCurrent(decision.SessionID) {
		decision.Cancel()
		return
	}
	if c.turn != nil && c.turn.finalizing {
		logger.Debug("dropping speculation raced by a final transcript", "session_id", decision.SessionID)
		decision.Cancel()
		return
	}

	t := c.ensureTurnLocked()
	if previous := c.current.Load(); previous != nil {
		previous.Cancel()
	}

	p := c.newPipelineLocked(decision.Context, decision.Cancel, t, decision.SessionID, text, true,
		llms.WithPredictedCompletion(decision.PredictedCompletion))
	c.setCurrent(p)
	p.Start()
}

// SubmitFinal processes the final transcript of the user's utterance and
// blocks until the turn's audio is ready, the turn failed or it timed out.
// A failed turn returns ErrTurnFailed with the fallback utterance in the
// result; a timed out one returns ErrTurnTimedOut with what was ready.
func (c *Coordinator) SubmitFinal(ctx context.Context, text string, confidence float64) (TurnResult, error) {
	ctx, span := tracer.Start(ctx, "process turn")
	defer span.End()

	switch {
	case c.generator == nil:
		return TurnResult{}, ErrNoGenerator
	case c.synthesizer == nil:
		return TurnResult{}, ErrNoSynthesizer
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return TurnResult{}, ErrCoordinatorClosed
	}
	t := c.ensureTurnLocked()
	t.finalizing = true
	c.mu.Unlock()

	finalAt := time.Now()
	span.SetAttributes(attribute.String("turn.id", t.id))
	c.emit(events.NewUserTranscriptFinal(t.id, text, confidence))

	decision := c.engine.SubmitFinal(ctx, text, confidence)
	result := TurnResult{
		TurnID:             t.id,
		Speculated:         decision.Speculated,
		SpeculationOutcome: decision.Outcome,
		CorrectionStrategy: decision.Strategy,
	}

	p := c.pipelineForFinal(t, decision, text)
	if p == nil {
		return result, ErrCoordinatorClosed
	}
	result.SessionID = p.sessionID
	p.Release()

	endProcessing := func() {}
	if c.backchannel != nil && !p.HasAudio() {
		c.backchannel.StartProcessing(ctx, backchannel.ProcessingContext{
			UserInput:        text,
			ExpectedDuration: c.config.ExpectedProcessing,
		})
		endProcessing = c.backchannel.EndProcessing
		if p.HasAudio() {
			c.backchannel.MarkResponseImminent()
		}
	}

	timer := time.NewTimer(c.config.TurnTimeout)
	defer timer.Stop()

	var err error
	cancelled := false
	select {
	case <-p.Done():
		err = p.Err()
	case <-timer.C:
		result.TimedOut = true
		p.Cancel()
	case <-ctx.Done():
		cancelled = true
		err = ctx.Err()
		p.Cancel()
	}
	endProcessing()

	result.Text = p.Text()
	result.Sentences = p.Sentences()
	result.Audio = p.audioBuffer.Audio()
	if at := p.firstChunkAt.Load(); at != 0 {
		result.firstChunk = true
		result.FirstChunkLatency = sinceOrZero(finalAt, at)
	}
	if at := p.firstAudioAt.Load(); at != 0 {
		result.firstAudio = true
		result.FirstAudioLatency = sinceOrZero(finalAt, at)
	}
	span.SetAttributes(
		attribute.Int("turn.sentences", len(result.Sentences)),
		attribute.Float64("turn.first_audio_latency", result.FirstAudioLatency.Seconds()),
	)

	switch {
	case result.TimedOut:
		logger.Warn("turn timed out", "turn_id", t.id, "timeout", c.config.TurnTimeout)
		span.SetStatus(codes.Error, ErrTurnTimedOut.Error())
		result = c.finishTurn(t, p, text, result, events.NewTurnTimedOut(t.id))
		return result, ErrTurnTimedOut

	case cancelled:
		logger.Debug("turn cancelled by caller", "turn_id", t.id)
		result.Err = err
		result = c.finishTurn(t, p, text, result, events.NewTurnFailed(t.id, err))
		return result, err

	case err != nil:
		err = fmt.Errorf("%w: %w", ErrTurnFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.Err = err
		c.detach(p)
		c.fallback(ctx, t, p, &result)
		result = c.finishTurn(t, p, text, result, events.NewTurnFailed(t.id, err))
		return result, err
	}

	result = c.finishTurn(t, p, text, result, events.NewTurnCompleted(t.id))
	return result, nil
}

// pipelineForFinal keeps a confirmed speculative generation, or replaces
// whatever was running with a generation for the final transcript.
func (c *Coordinator) pipelineForFinal(t *activeTurn, decision speculation.FinalDecision, text string) *responsePipeline {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.current.Load()
	if decision.Outcome == speculation.StateConfirmed && current != nil &&
		current.sessionID == decision.SessionID && !current.IsCancelled() {
		logger.Debug("keeping confirmed speculative generation", "session_id", decision.SessionID)
		return current
	}

	if current != nil {
		current.Cancel()
	}
	if decision.Cancel != nil {
		decision.Cancel()
	}
	if c.closed {
		return nil
	}

	ctx, cancel := context.WithCancel(c.baseContext)
	p := c.newPipelineLocked(ctx, cancel, t, uuid.NewString(), text, false)
	c.setCurrent(p)
	p.Start()
	return p
}

func (c *Coordinator) newPipelineLocked(ctx context.Context, cancel context.CancelFunc, t *activeTurn, sessionID, prompt string, speculative bool, extra ...llms.StreamingPromptOption) *responsePipeline {
	options := []llms.StreamingPromptOption{llms.WithTurns(llms.History(c.history)...)}
	if c.config.SystemPrompt != "" {
		options = append(options, llms.WithSystemPrompt(c.config.SystemPrompt))
	}

	return newResponsePipeline(ctx, cancel, pipelineParams{
		turnID:       t.id,
		sessionID:    sessionID,
		prompt:       prompt,
		speculative:  speculative,
		generator:    c.generator,
		synthesizer:  c.synthesizer,
		config:       c.config,
		options:      append(options, extra...),
		emit:         c.emitFor,
		acceptOutput: c.acceptOutput,
		onFirstAudio: c.firstAudio,
	})
}

func (c *Coordinator) ensureTurnLocked() *activeTurn {
	if c.turn == nil {
		c.turn = &activeTurn{id: uuid.NewString(), startedAt: time.Now()}
		c.counters.started.Add(1)
		c.emit(events.NewTurnStarted(c.turn.id))
	}
	return c.turn
}

// emitFor delivers an event on behalf of p unless p was replaced. Holding
// emitMu across the check and the delivery means no event of a replaced
// pipeline is delivered after setCurrent returns.
func (c *Coordinator) emitFor(p *responsePipeline, event events.Event) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if c.current.Load() != p {
		return false
	}
	c.emit(event)
	if sentence, ok := event.(events.SentenceDetected); ok {
		p.delivered.Store(int32(sentence.Index + 1))
	}
	return true
}

func (c *Coordinator) setCurrent(p *responsePipeline) {
	c.emitMu.Lock()
	c.current.Store(p)
	c.emitMu.Unlock()
}

func (c *Coordinator) acceptOutput(p *responsePipeline, delta string) bool {
	if p.speculative {
		c.engine.RecordOutput(p.sessionID, delta)
	}
	return c.current.Load() == p
}

func (c *Coordinator) firstAudio(p *responsePipeline) {
	c.mu.Lock()
	imminent := c.turn != nil && c.turn.finalizing && c.current.Load() == p
	c.mu.Unlock()

	if imminent && c.backchannel != nil {
		c.backchannel.MarkResponseImminent()
	}
}

// detach stops delivering p's events and cancels it.
func (c *Coordinator) detach(p *responsePipeline) {
	c.mu.Lock()
	if c.current.Load() == p {
		c.setCurrent(nil)
	}
	c.mu.Unlock()
	p.Cancel()
}

// fallback replaces the turn's output with the fallback utterance.
// Its sentence takes the next index after what p delivered.
func (c *Coordinator) fallback(ctx context.Context, t *activeTurn, p *responsePipeline, result *TurnResult) {
	if c.config.FallbackText == "" {
		return
	}
	ctx, span := tracer.Start(ctx, "speak fallback")
	defer span.End()

	index := p.DeliveredSentences()
	unit := SentenceUnit{Index: index, Text: c.config.FallbackText, IsFirst: index == 0, IsLast: true}
	result.Fallback = true
	result.Text = unit.Text
	result.Sentences = []SentenceUnit{unit}
	result.Audio = nil

	c.emit(events.NewSentenceDetected(t.id, p.sessionID, unit.Index, unit.Text, unit.IsFirst, unit.IsLast))

	ctx, cancel := context.WithTimeout(ctx, c.config.TurnTimeout)
	defer cancel()
	audio, err := c.synthesizer.Synthesize(ctx, unit.Text, c.config.Voice)
	if err != nil {
		err = fmt.Errorf("failed to synthesize fallback: %w", err)
		logger.Warn("fallback utterance has no audio", "turn_id", t.id, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		result.Audio = []texttospeech.AudioRef{audio}
		c.emit(events.NewAudioReady(t.id, p.sessionID, unit.Index, audio))
	}
	c.emit(events.NewAllAudioReady(t.id, p.sessionID, result.Audio))
}

// finishTurn closes the turn, records it in the history and reports how it
// ended.
func (c *Coordinator) finishTurn(t *activeTurn, p *responsePipeline, userText string, result TurnResult, terminal events.Event) TurnResult {
	c.mu.Lock()
	if c.current.Load() == p {
		c.setCurrent(nil)
	}
	if c.turn == t {
		c.turn = nil
	}
	c.history = append(c.history,
		llms.Turn{Role: llms.TurnRoleUser, Content: userText},
		llms.Turn{
			Role:      llms.TurnRoleAssistant,
			Content:   result.Text,
			Cancelled: result.TimedOut || (result.Err != nil && !result.Fallback),
		},
	)
	c.mu.Unlock()
	p.Cancel()

	result.Duration = time.Since(t.startedAt)
	c.counters.finished(result)
	c.emit(terminal)
	if c.callbacks.onTurnEnded != nil {
		c.callbacks.onTurnEnded(result)
	}
	return result
}

// History returns the finished turns of the conversation.
func (c *Coordinator) History() []llms.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llms.Turn(nil), c.history...)
}

// Speculation returns a snapshot of the active speculation session.
func (c *Coordinator) Speculation() speculation.Session {
	return c.engine.Current()
}

func (c *Coordinator) Metrics() Metrics {
	m := Metrics{
		Speculation: c.engine.Metrics(),
		Turns:       c.counters.snapshot(),
	}
	if c.backchannel != nil {
		m.Backchannel = c.backchannel.Metrics()
	}
	if c.pool != nil {
		m.Pool = c.pool.Metrics()
	}
	return m
}

// Close cancels any running generation and releases the components. Turns
// submitted afterwards fail with ErrCoordinatorClosed.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		current := c.current.Load()
		c.setCurrent(nil)
		c.turn = nil
		c.mu.Unlock()

		current.Cancel()
		c.engine.Cleanup()
		if c.backchannel != nil {
			c.backchannel.Close()
		}
	})
}
