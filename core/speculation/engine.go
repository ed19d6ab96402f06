package speculation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koscakluka/ema-turncore/core/events"
)

// State is the engine's position in the speculation lifecycle of a turn.
type State int

const (
	StateIdle State = iota
	StateSpeculating
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeculating:
		return "speculating"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Action is what SubmitPartial did with a partial transcript.
type Action string

const (
	ActionNone    Action = "none"
	ActionStarted Action = "started"
	ActionUpdated Action = "updated"
	ActionPivoted Action = "pivoted"
)

// CorrectionStrategy tells the caller how far a corrected speculation is
// from the final transcript.
type CorrectionStrategy string

const (
	StrategyNone            CorrectionStrategy = ""
	StrategyCompleteRestart CorrectionStrategy = "complete_restart"
	StrategyPivotResponse   CorrectionStrategy = "pivot_response"
	StrategyMinorAdjustment CorrectionStrategy = "minor_adjustment"
)

// ClassifyCorrection maps a similarity score to a correction strategy band.
func ClassifyCorrection(similarity float64) CorrectionStrategy {
	switch {
	case similarity < 0.3:
		return StrategyCompleteRestart
	case similarity < 0.7:
		return StrategyPivotResponse
	default:
		return StrategyMinorAdjustment
	}
}

// Rejection reasons reported by SubmitPartial when no session is started.
const (
	ReasonEmpty         = "empty input"
	ReasonTooShort      = "input shorter than minimum speculation length"
	ReasonLowConfidence = "confidence below threshold"
	ReasonNotActionable = "no actionable intent"
	ReasonNoPivot       = "pivot confidence below threshold"
)

// similarityTolerance absorbs float error around the confirm cutoff so that a
// score of exactly 1-CorrectionThreshold confirms.
const similarityTolerance = 1e-9

// Session is a read only snapshot of the active speculation.
type Session struct {
	ID                  string
	State               State
	PartialInput        string
	FinalInput          string
	Confidence          float64
	StartedAt           time.Time
	Intent              Intent
	PredictedCompletion string
	GeneratedOutput     string
}

// PartialDecision reports the outcome of SubmitPartial. Context and Cancel
// are set when a new session was started or pivoted to; the generation for
// that session must run under Context.
type PartialDecision struct {
	Action              Action
	SessionID           string
	PreviousSessionID   string
	Context             context.Context
	Cancel              context.CancelFunc
	Similarity          float64
	PivotConfidence     float64
	Intent              Intent
	PredictedCompletion string
	Reason              string
}

// FinalDecision reports the outcome of SubmitFinal.
type FinalDecision struct {
	// Speculated is false when no session was active; the caller processes
	// the final transcript normally.
	Speculated         bool
	SessionID          string
	Outcome            State
	RequiresCorrection bool
	Strategy           CorrectionStrategy
	Similarity         float64
	Elapsed            time.Duration
	GeneratedOutput    string
	// Context and Cancel belong to the confirmed session's generation, which
	// the caller now owns. Both are nil on correction because the engine has
	// already cancelled it.
	Context context.Context
	Cancel  context.CancelFunc
}

type session struct {
	Session

	ctx  context.Context
	stop context.CancelFunc
}

// Engine decides when to speculate on a partial transcript and reconciles
// the speculation with the final one. One engine serves one conversation;
// it holds at most one session at a time.
type Engine struct {
	config    Config
	predictor *predictor
	counters  *counters
	emit      events.Handler

	mu     sync.Mutex
	emitMu sync.Mutex
	state  State
	active *session
}

func NewEngine(opts ...Option) *Engine {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.baseContext == nil {
		config.baseContext = context.Background()
	}
	emit := config.eventHandler
	if emit == nil {
		emit = events.NoopHandler
	}

	return &Engine{
		config:    config,
		predictor: newPredictor(config.PredictionCacheSize),
		counters:  &counters{instruments: newInstruments()},
		emit:      emit,
	}
}

func (e *Engine) Config() Config {
	return e.config
}

// SubmitPartial feeds a partial transcript to the engine.
func (e *Engine) SubmitPartial(ctx context.Context, text string, confidence float64) PartialDecision {
	_, span := tracer.Start(ctx, "submit partial speculation")
	defer span.End()

	e.mu.Lock()
	decision, pending := e.submitPartialLocked(text, confidence)
	e.handoff(pending)

	span.SetAttributes(
		attribute.String("speculation.action", string(decision.Action)),
		attribute.String("speculation.session_id", decision.SessionID),
	)
	return decision
}

func (e *Engine) submitPartialLocked(text string, confidence float64) (PartialDecision, []events.Event) {
	if e.active == nil {
		return e.startLocked(text, confidence)
	}
	if normalize(text) == "" {
		e.counters.rejected.Add(1)
		return PartialDecision{Action: ActionNone, SessionID: e.active.ID, Reason: ReasonEmpty}, nil
	}

	current := e.active
	similarity := Similarity(current.PartialInput, text)
	decision := PartialDecision{
		SessionID:  current.ID,
		Similarity: similarity,
		Intent:     current.Intent,
	}

	if similarity+similarityTolerance < e.config.confirmCutoff() {
		decision.PivotConfidence = e.pivotConfidence(current.PartialInput, text)
		if decision.PivotConfidence > e.config.PivotThreshold {
			return e.pivotLocked(current, text, confidence, similarity, decision.PivotConfidence)
		}
		decision.Reason = ReasonNoPivot
	}

	current.PartialInput = text
	current.Confidence = min(current.Confidence, confidence)
	e.counters.outcome(&e.counters.updates, "updated")

	decision.Action = ActionUpdated
	return decision, []events.Event{
		events.NewSpeculationUpdated(current.ID, text, similarity, current.Confidence),
	}
}

func (e *Engine) startLocked(text string, confidence float64) (PartialDecision, []events.Event) {
	reject := func(reason string) (PartialDecision, []events.Event) {
		e.counters.rejected.Add(1)
		logger.Debug("partial transcript not speculated", "reason", reason)
		return PartialDecision{Action: ActionNone, Reason: reason}, nil
	}

	trimmed := normalize(text)
	switch {
	case trimmed == "":
		return reject(ReasonEmpty)
	case len([]rune(trimmed)) < e.config.MinSpeculationLength:
		return reject(ReasonTooShort)
	case confidence < e.config.ConfidenceThreshold:
		return reject(ReasonLowConfidence)
	}

	intent := ClassifyIntent(text)
	if !intent.Actionable() {
		return reject(ReasonNotActionable)
	}

	s := e.newSession(text, confidence, intent)
	e.active = s
	e.state = StateSpeculating
	e.counters.outcome(&e.counters.attempted, "started")

	return PartialDecision{
			Action:              ActionStarted,
			SessionID:           s.ID,
			Context:             s.ctx,
			Cancel:              s.stop,
			Similarity:          1,
			Intent:              intent,
			PredictedCompletion: s.PredictedCompletion,
		}, []events.Event{
			events.NewSpeculationStarted(s.ID, text, confidence, string(intent), s.PredictedCompletion),
		}
}

func (e *Engine) pivotLocked(previous *session, text string, confidence, similarity, pivotConfidence float64) (PartialDecision, []events.Event) {
	e.abort(previous)

	s := e.newSession(text, confidence, ClassifyIntent(text))
	e.active = s
	e.state = StateSpeculating
	e.counters.outcome(&e.counters.pivoted, "pivoted")

	return PartialDecision{
			Action:              ActionPivoted,
			SessionID:           s.ID,
			PreviousSessionID:   previous.ID,
			Context:             s.ctx,
			Cancel:              s.stop,
			Similarity:          similarity,
			PivotConfidence:     pivotConfidence,
			Intent:              s.Intent,
			PredictedCompletion: s.PredictedCompletion,
		}, []events.Event{
			events.NewSpeculationPivoted(previous.ID, s.ID, text, similarity, pivotConfidence),
		}
}

// pivotConfidence estimates how likely a revised partial is a new request
// rather than a refinement of the old one.
func (e *Engine) pivotConfidence(previous, next string) float64 {
	previousWords, nextWords := len(words(previous)), len(words(next))
	if previousWords > 0 && float64(nextWords)/float64(previousWords) > e.config.PivotGrowthRatio {
		return 0.9
	}
	if ClassifyIntent(previous) != ClassifyIntent(next) {
		return 0.8
	}
	return 0.5
}

// SubmitFinal reconciles the active speculation, if any, with the final
// transcript. The engine is idle when it returns.
func (e *Engine) SubmitFinal(ctx context.Context, text string, confidence float64) FinalDecision {
	_, span := tracer.Start(ctx, "submit final speculation")
	defer span.End()

	e.mu.Lock()
	decision, pending := e.submitFinalLocked(text, confidence)
	e.handoff(pending)

	span.SetAttributes(
		attribute.Bool("speculation.speculated", decision.Speculated),
		attribute.Bool("speculation.requires_correction", decision.RequiresCorrection),
		attribute.String("speculation.strategy", string(decision.Strategy)),
	)
	return decision
}

func (e *Engine) submitFinalLocked(text string, confidence float64) (FinalDecision, []events.Event) {
	current := e.active
	if current == nil {
		e.state = StateIdle
		return FinalDecision{Outcome: StateIdle}, nil
	}

	current.FinalInput = text
	current.Confidence = min(current.Confidence, confidence)
	similarity := ReconciliationSimilarity(current.PartialInput, text)
	elapsed := time.Since(current.StartedAt)

	decision := FinalDecision{
		Speculated:      true,
		SessionID:       current.ID,
		Similarity:      similarity,
		Elapsed:         elapsed,
		GeneratedOutput: current.GeneratedOutput,
	}

	var event events.Event
	if similarity+similarityTolerance < e.config.confirmCutoff() {
		e.abort(current)
		decision.Outcome = StateFailed
		decision.RequiresCorrection = true
		decision.Strategy = ClassifyCorrection(similarity)
		e.counters.outcome(&e.counters.corrected, "corrected")
		event = events.NewSpeculationCorrected(current.ID, current.PartialInput, text, similarity, string(decision.Strategy), elapsed)
	} else {
		decision.Outcome = StateConfirmed
		decision.Context = current.ctx
		decision.Cancel = current.stop
		e.counters.outcome(&e.counters.succeeded, "confirmed")
		e.counters.saved(elapsed)
		event = events.NewSpeculationConfirmed(current.ID, text, similarity, elapsed)
	}

	e.active = nil
	e.state = StateIdle
	return decision, []events.Event{event}
}

// RecordOutput appends generated text to the session it was generated for.
// Output for any session other than the active one is dropped.
func (e *Engine) RecordOutput(sessionID, delta string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil || e.active.ID != sessionID {
		return false
	}
	e.active.GeneratedOutput += delta
	return true
}

// IsCurrent reports whether sessionID identifies the active session.
func (e *Engine) IsCurrent(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil && e.active.ID == sessionID
}

// Current returns a snapshot of the active session, or an idle one.
func (e *Engine) Current() Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return Session{State: e.state}
	}
	return e.active.Session
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Metrics() Metrics {
	return e.counters.snapshot()
}

// Reset abandons the active session, if any, and starts a new turn.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		e.abort(e.active)
		e.active = nil
	}
	e.state = StateIdle
}

// Cleanup cancels any in-flight generation and clears the prediction cache.
// It is safe to call repeatedly.
func (e *Engine) Cleanup() {
	e.Reset()
	e.predictor.clear()
}

func (e *Engine) newSession(text string, confidence float64, intent Intent) *session {
	ctx, cancel := context.WithCancel(e.config.baseContext)
	return &session{
		Session: Session{
			ID:                  uuid.NewString(),
			State:               StateSpeculating,
			PartialInput:        text,
			Confidence:          confidence,
			StartedAt:           time.Now(),
			Intent:              intent,
			PredictedCompletion: e.predictor.predict(text),
		},
		ctx:  ctx,
		stop: sync.OnceFunc(cancel),
	}
}

func (e *Engine) abort(s *session) {
	s.stop()
	e.counters.cancelled()
	logger.Debug("speculative generation cancelled", "session_id", s.ID)
}

// handoff releases mu while holding emitMu so events leave in the order the
// state changes happened, without running handlers under the state lock.
func (e *Engine) handoff(pending []events.Event) {
	e.emitMu.Lock()
	e.mu.Unlock()
	defer e.emitMu.Unlock()

	for _, event := range pending {
		e.emit(event)
	}
}
