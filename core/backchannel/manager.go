package backchannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

var ErrNoSynthesizer = errors.New("backchannel: no synthesizer configured")

// Reasons reported when StartProcessing declines to schedule.
const (
	ReasonDisabled      = "backchannels disabled"
	ReasonTooShort      = "expected duration below minimum delay"
	ReasonNoPhrase      = "no phrase available"
	ReasonManagerClosed = "manager closed"
)

// ProcessingContext describes the turn that started processing.
type ProcessingContext struct {
	UserInput string
	// ExpectedDuration is the predicted processing time. Zero means unknown.
	ExpectedDuration time.Duration
	// CategoryHint overrides lexical classification when set.
	CategoryHint Category
	Priority     Priority
}

// ScheduleResult reports what StartProcessing armed.
type ScheduleResult struct {
	Scheduled  bool
	ScheduleID string
	Category   Category
	Phrase     Phrase
	Strategy   Strategy
	Delay      time.Duration
	Reason     string
}

// Manager schedules filler audio while a turn is processing and makes sure
// none of it plays once the real response takes over.
type Manager struct {
	config      Config
	library     Library
	synthesizer texttospeech.Synthesizer
	emit        events.Handler
	counters    *counters

	root       context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	emitMu     sync.Mutex
	turn       uint64
	processing bool
	conflict   bool
	startedAt  time.Time
	watchdog   *time.Timer
	schedules  map[string]*schedule
	finished   []Schedule
	closed     bool

	cacheMu sync.Mutex
	cache   map[string]texttospeech.AudioRef
}

func NewManager(synthesizer texttospeech.Synthesizer, opts ...Option) *Manager {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	library := config.library
	if library == nil {
		library = DefaultLibrary()
	}
	emit := config.eventHandler
	if emit == nil {
		emit = events.NoopHandler
	}

	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:      config,
		library:     library,
		synthesizer: synthesizer,
		emit:        emit,
		counters:    newCounters(),
		root:        root,
		cancelRoot:  cancel,
		schedules:   make(map[string]*schedule),
		cache:       make(map[string]texttospeech.AudioRef),
	}
}

func (m *Manager) Config() Config {
	return m.config
}

// StartProcessing opens a processing turn and, when worthwhile, arms a
// filler for it. A turn that is still processing is ended first. Every
// enabled turn also gets an emergency watchdog that forces a processing
// filler once the turn outlives the emergency threshold.
func (m *Manager) StartProcessing(ctx context.Context, processing ProcessingContext) ScheduleResult {
	_, span := tracer.Start(ctx, "start backchannel processing")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ScheduleResult{Reason: ReasonManagerClosed}
	}

	now := time.Now()
	m.cancelPendingLocked(now)
	m.pruneLocked(now)
	m.turn++
	m.processing = true
	m.conflict = false
	m.startedAt = now

	if !m.config.Enabled {
		m.counters.declined.Add(1)
		return ScheduleResult{Reason: ReasonDisabled}
	}

	turn := m.turn
	m.watchdog = time.AfterFunc(m.config.EmergencyThreshold, func() { m.emergency(turn) })

	if processing.ExpectedDuration > 0 && processing.ExpectedDuration < m.config.MinDelayForBackchannel {
		m.counters.declined.Add(1)
		logger.Debug("backchannel declined", "reason", ReasonTooShort, "expected_duration", processing.ExpectedDuration)
		return ScheduleResult{Reason: ReasonTooShort}
	}

	category := processing.CategoryHint
	if category == "" {
		category = ClassifyCategory(processing.UserInput)
	}
	strategy := selectStrategy(processing.ExpectedDuration, processing.Priority, m.config.EmergencyThreshold)

	s, ok := m.armLocked(category, strategy, false, now, now)
	if !ok {
		m.counters.declined.Add(1)
		return ScheduleResult{Reason: ReasonNoPhrase}
	}

	span.SetAttributes(
		attribute.String("backchannel.category", string(category)),
		attribute.String("backchannel.strategy", string(strategy)),
		attribute.String("backchannel.phrase", s.Phrase.Text),
	)
	return ScheduleResult{
		Scheduled:  true,
		ScheduleID: s.ID,
		Category:   category,
		Phrase:     s.Phrase,
		Strategy:   strategy,
		Delay:      s.Delay,
	}
}

// emergency forces a zero wait processing filler for turn if it is still
// processing. Its delay is reported against the turn start.
func (m *Manager) emergency(turn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || turn != m.turn || !m.processing || m.conflict {
		return
	}
	if _, ok := m.armLocked(CategoryProcessing, StrategyEmergency, true, m.startedAt, time.Now()); ok {
		m.counters.emergencies.Add(1)
		logger.Info("emergency backchannel armed", "turn", turn, "processing_time", time.Since(m.startedAt))
	}
}

// armLocked creates a schedule that fires its delay after createdAt.
func (m *Manager) armLocked(category Category, strategy Strategy, emergency bool, createdAt, now time.Time) (*schedule, bool) {
	phrase, ok := m.library.choose(category, m.lastUsedLocked, m.config.RepetitionWindow, now)
	if !ok {
		return nil, false
	}

	ctx, cancel := context.WithCancel(m.root)
	s := &schedule{
		Schedule: Schedule{
			ID:        uuid.NewString(),
			Turn:      m.turn,
			Category:  category,
			Phrase:    phrase,
			Strategy:  strategy,
			Delay:     strategy.Delay(m.config.EmergencyThreshold),
			Emergency: emergency,
			Status:    StatusScheduled,
			CreatedAt: createdAt,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	m.schedules[s.ID] = s
	m.counters.scheduled.Add(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(s)
	}()
	return s, true
}

func (m *Manager) run(s *schedule) {
	timer := time.NewTimer(time.Until(s.CreatedAt.Add(s.Delay)))
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	if !m.beginExecution(s) {
		return
	}

	ctx, span := tracer.Start(s.ctx, "execute backchannel")
	defer span.End()
	span.SetAttributes(
		attribute.String("backchannel.phrase", s.Phrase.Text),
		attribute.Bool("backchannel.emergency", s.Emergency),
	)

	audio, err := m.audioFor(ctx, s.Phrase)
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.finishExecution(s, audio, err)
}

func (m *Manager) beginExecution(s *schedule) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Status != StatusScheduled || s.Turn != m.turn || !m.processing {
		return false
	}
	if m.conflict || (m.config.conflictDetector != nil && m.config.conflictDetector()) {
		s.advance(StatusCancelled, time.Now())
		m.counters.conflictsAvoided.Add(1)
		m.retireLocked(s)
		logger.Debug("backchannel dropped for response audio", "schedule_id", s.ID)
		return false
	}

	s.advance(StatusExecuting, time.Now())
	return true
}

func (m *Manager) finishExecution(s *schedule, audio texttospeech.AudioRef, err error) {
	m.mu.Lock()
	now := time.Now()
	actualDelay := now.Sub(s.CreatedAt)

	// EndProcessing or a conflict already retired the schedule.
	if s.Status != StatusExecuting {
		m.mu.Unlock()
		return
	}

	var event events.Event
	if err != nil {
		s.advance(StatusFailed, now)
		m.counters.failed.Add(1)
		event = events.NewBackchannelFailed(s.ID, string(s.Category), s.Phrase.Text, s.Delay, actualDelay, err)
		logger.Warn("backchannel synthesis failed", "schedule_id", s.ID, "error", err)
	} else {
		s.advance(StatusCompleted, now)
		m.counters.executed(s.Category, actualDelay-s.Delay)
		event = events.NewBackchannelExecuted(s.ID, string(s.Category), s.Phrase.Text, string(s.Strategy), s.Emergency, s.Delay, actualDelay, audio)
	}
	m.retireLocked(s)

	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	m.emit(event)
}

// EndProcessing ends the current turn and cancels every filler that has not
// played yet. No backchannel.executed event for the turn is delivered after
// it returns.
func (m *Manager) EndProcessing() {
	m.mu.Lock()
	m.processing = false
	m.cancelPendingLocked(time.Now())
	m.mu.Unlock()

	// Wait out an event that was committed before the turn ended.
	m.emitMu.Lock()
	m.emitMu.Unlock()
}

// MarkResponseImminent signals that real response audio is about to play.
// Pending fillers of the turn are dropped and count as avoided conflicts.
func (m *Manager) MarkResponseImminent() {
	m.mu.Lock()
	if m.processing {
		m.conflict = true
		m.counters.conflictsAvoided.Add(int64(m.cancelPendingLocked(time.Now())))
	}
	m.mu.Unlock()

	m.emitMu.Lock()
	m.emitMu.Unlock()
}

func (m *Manager) cancelPendingLocked(now time.Time) int {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}

	cancelled := 0
	for _, s := range m.schedules {
		if s.advance(StatusCancelled, now) {
			cancelled++
			m.counters.cancelled.Add(1)
			m.retireLocked(s)
		}
	}
	return cancelled
}

func (m *Manager) retireLocked(s *schedule) {
	delete(m.schedules, s.ID)
	m.finished = append(m.finished, s.Schedule)
}

func (m *Manager) pruneLocked(now time.Time) {
	kept := m.finished[:0]
	for _, s := range m.finished {
		if now.Sub(s.FinishedAt) < m.config.Retention {
			kept = append(kept, s)
		}
	}
	clear(m.finished[len(kept):])
	m.finished = kept
}

func (m *Manager) lastUsedLocked(text string) (time.Time, bool) {
	var last time.Time
	found := false
	for _, s := range m.finished {
		if s.Status == StatusCompleted && s.Phrase.Text == text && s.FinishedAt.After(last) {
			last, found = s.FinishedAt, true
		}
	}
	for _, s := range m.schedules {
		if s.Phrase.Text == text && s.CreatedAt.After(last) {
			last, found = s.CreatedAt, true
		}
	}
	return last, found
}

func (m *Manager) audioFor(ctx context.Context, phrase Phrase) (texttospeech.AudioRef, error) {
	m.cacheMu.Lock()
	audio, ok := m.cache[phrase.Text]
	m.cacheMu.Unlock()
	if ok {
		m.counters.cacheHits.Add(1)
		return audio, nil
	}
	m.counters.cacheMisses.Add(1)

	if m.synthesizer == nil {
		return texttospeech.AudioRef{}, ErrNoSynthesizer
	}
	audio, err := m.synthesizer.Synthesize(ctx, phrase.Text, m.config.Voice)
	if err != nil {
		return texttospeech.AudioRef{}, fmt.Errorf("failed to synthesize %q: %w", phrase.Text, err)
	}
	if audio.Duration == 0 {
		audio.Duration = phrase.Duration
	}

	m.cacheMu.Lock()
	m.cache[phrase.Text] = audio
	m.cacheMu.Unlock()
	return audio, nil
}

// Warm synthesizes every phrase of the library into the audio cache.
func (m *Manager) Warm(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "warm backchannel cache")
	defer span.End()

	if m.synthesizer == nil {
		return ErrNoSynthesizer
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, phrases := range m.library {
		for _, phrase := range phrases {
			g.Go(func() error {
				_, err := m.audioFor(ctx, phrase)
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to warm backchannel cache: %w", err)
	}
	return nil
}

// IsProcessing reports whether a turn is currently processing.
func (m *Manager) IsProcessing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processing
}

// Pending returns snapshots of schedules that have not finished.
func (m *Manager) Pending() []Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		pending = append(pending, s.Schedule)
	}
	return pending
}

// History returns the finished schedules still inside the retention window.
func (m *Manager) History() []Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())
	return append([]Schedule(nil), m.finished...)
}

func (m *Manager) Metrics() Metrics {
	return m.counters.snapshot()
}

// Close cancels everything and waits for schedule goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.processing = false
	m.cancelPendingLocked(time.Now())
	m.mu.Unlock()

	m.cancelRoot()
	m.wg.Wait()
}
