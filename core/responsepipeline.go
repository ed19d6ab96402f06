package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/koscakluka/ema-turncore/core/events"
	"github.com/koscakluka/ema-turncore/core/llms"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

// responsePipeline runs one generation: it streams the response, cuts it
// into sentences, synthesizes them and reassembles the audio in order.
type responsePipeline struct {
	turnID      string
	sessionID   string
	prompt      string
	speculative bool

	ctx    context.Context
	cancel context.CancelFunc

	generator   Generator
	options     []llms.StreamingPromptOption
	textBuffer  *textBuffer
	queue       *synthesisQueue
	audioBuffer *audioBuffer

	// emit delivers an event if the pipeline is still the current one.
	emit func(*responsePipeline, events.Event) bool
	// acceptOutput records a delta and reports whether the pipeline is
	// still the one the turn is waiting on.
	acceptOutput func(*responsePipeline, string) bool
	onFirstAudio func(*responsePipeline)

	// A speculative pipeline holds its sentence and audio events until the
	// final transcript confirms it. Held events are dropped on cancel.
	holdMu    sync.Mutex
	holding   bool
	held      []events.Event
	delivered atomic.Int32

	sentencesMu sync.Mutex
	sentences   []SentenceUnit

	firstChunkAt  atomic.Int64
	firstAudioAt  atomic.Int64
	firstAudioHit sync.Once

	cancelled atomic.Bool
	err       error
	done      chan struct{}
}

type pipelineParams struct {
	turnID       string
	sessionID    string
	prompt       string
	speculative  bool
	generator    Generator
	synthesizer  texttospeech.Synthesizer
	config       Config
	options      []llms.StreamingPromptOption
	emit         func(*responsePipeline, events.Event) bool
	acceptOutput func(*responsePipeline, string) bool
	onFirstAudio func(*responsePipeline)
}

func newResponsePipeline(ctx context.Context, cancel context.CancelFunc, params pipelineParams) *responsePipeline {
	p := &responsePipeline{
		turnID:       params.turnID,
		sessionID:    params.sessionID,
		prompt:       params.prompt,
		speculative:  params.speculative,
		ctx:          ctx,
		cancel:       cancel,
		generator:    params.generator,
		options:      params.options,
		textBuffer:   newTextBuffer(),
		queue:        newSynthesisQueue(params.synthesizer, params.config.Voice, params.config.SynthesisConcurrency),
		emit:         params.emit,
		acceptOutput: params.acceptOutput,
		onFirstAudio: params.onFirstAudio,
		holding:      params.speculative,
		done:         make(chan struct{}),
	}
	p.audioBuffer = newAudioBuffer(p.audioReady, p.allAudioReady)
	return p
}

func (p *responsePipeline) Start() {
	go func() {
		defer close(p.done)
		p.err = p.Run(p.ctx)
	}()
}

func (p *responsePipeline) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "run response pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.id", p.turnID),
		attribute.String("pipeline.session_id", p.sessionID),
		attribute.Bool("pipeline.speculative", p.speculative),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workerErr error
	workerErrMu := sync.Mutex{}
	addWorkerErr := func(err error) {
		if err == nil {
			return
		}
		workerErrMu.Lock()
		workerErr = errors.Join(workerErr, err)
		workerErrMu.Unlock()
	}

	run := func(name string, f func(context.Context) error) {
		if err := panicSafeNamedWorker(name, f)(ctx); err != nil {
			addWorkerErr(err)
			cancel()
		}
	}

	wg := &sync.WaitGroup{}
	wg.Add(3)
	go func() {
		defer wg.Done()
		run("llm generation", p.generate)
	}()
	go func() {
		defer wg.Done()
		run("response text processing", p.processResponseText)
	}()
	go func() {
		defer wg.Done()
		run("speech processing", p.processSpeech)
	}()

	wg.Wait()

	if workerErr == nil && !p.IsCancelled() && ctx.Err() == nil {
		if sentences := len(p.Sentences()); sentences > 0 && p.audioBuffer.Failures() == sentences {
			workerErr = fmt.Errorf("%w: none of %d sentences could be synthesized", texttospeech.ErrSynthesisFailed, sentences)
		}
	}
	if workerErr != nil {
		err := fmt.Errorf("one or more response pipeline processes failed: %w", workerErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (p *responsePipeline) generate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "generate llm")
	defer span.End()

	prompt := p.prompt
	stream := p.generator.PromptWithStream(ctx, &prompt, p.options...)
	for chunk, err := range stream.Chunks(ctx) {
		if ctx.Err() != nil {
			logger.Debug("generation cancelled", "session_id", p.sessionID)
			return nil
		}
		if err != nil {
			if !errors.Is(err, llms.ErrGenerationFailed) {
				err = fmt.Errorf("%w: %w", llms.ErrGenerationFailed, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		content, ok := chunk.(llms.StreamContentChunk)
		if !ok || content.Content() == "" {
			continue
		}
		if !p.acceptOutput(p, content.Content()) {
			logger.Debug("dropping output of stale generation", "session_id", p.sessionID)
			p.Cancel()
			return nil
		}
		if p.firstChunkAt.CompareAndSwap(0, time.Now().UnixNano()) {
			span.AddEvent("received first chunk")
		}
		p.textBuffer.AddChunk(content.Content())
	}

	if ctx.Err() != nil {
		return nil
	}
	p.textBuffer.TextComplete()
	return nil
}

func (p *responsePipeline) processResponseText(ctx context.Context) error {
	done := withContextCancelHook(ctx, p.textBuffer.Clear)
	defer close(done)
	defer p.queue.Close()

	_, span := tracer.Start(ctx, "passing text to synthesis")
	defer span.End()

	count := 0
	for unit := range p.textBuffer.Sentences {
		if ctx.Err() != nil || p.IsCancelled() {
			return nil
		}

		p.sentencesMu.Lock()
		p.sentences = append(p.sentences, unit)
		p.sentencesMu.Unlock()
		count++

		p.deliver(events.NewSentenceDetected(p.turnID, p.sessionID, unit.Index, unit.Text, unit.IsFirst, unit.IsLast))
		p.queue.Push(unit)
	}

	if ctx.Err() == nil && !p.IsCancelled() {
		span.SetAttributes(attribute.Int("response.sentences", count))
		p.audioBuffer.AllAudioExpected(count)
	}
	return nil
}

func (p *responsePipeline) processSpeech(ctx context.Context) error {
	_, span := tracer.Start(ctx, "passing speech to audio buffer")
	defer span.End()

	return p.queue.Run(ctx, func(result synthesisResult) {
		if result.Err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("sentence synthesis failed", "turn_id", p.turnID, "index", result.Unit.Index, "error", result.Err)
			span.RecordError(result.Err)
			p.audioBuffer.MarkFailed(result.Unit.Index)
			return
		}
		p.audioBuffer.AddAudio(result.Unit.Index, result.Audio)
	})
}

func (p *responsePipeline) audioReady(index int, audio texttospeech.AudioRef) {
	if !p.deliver(events.NewAudioReady(p.turnID, p.sessionID, index, audio)) {
		return
	}
	p.firstAudioHit.Do(func() {
		p.firstAudioAt.Store(time.Now().UnixNano())
		if p.onFirstAudio != nil {
			p.onFirstAudio(p)
		}
	})
}

func (p *responsePipeline) allAudioReady(audio []texttospeech.AudioRef) {
	p.deliver(events.NewAllAudioReady(p.turnID, p.sessionID, audio))
}

// deliver emits event, or queues it while the pipeline is held.
func (p *responsePipeline) deliver(event events.Event) bool {
	p.holdMu.Lock()
	if p.holding {
		defer p.holdMu.Unlock()
		if p.IsCancelled() {
			return false
		}
		p.held = append(p.held, event)
		return true
	}
	p.holdMu.Unlock()

	return p.emit(p, event)
}

// Release delivers the held events in the order they were produced and
// lets later events through as they come.
func (p *responsePipeline) Release() {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()

	if !p.holding {
		return
	}
	for _, event := range p.held {
		p.emit(p, event)
	}
	p.held = nil
	p.holding = false
}

// DeliveredSentences is the number of sentence indices listeners have seen.
func (p *responsePipeline) DeliveredSentences() int {
	return int(p.delivered.Load())
}

func (p *responsePipeline) Cancel() {
	if p == nil || !p.cancelled.CompareAndSwap(false, true) {
		return
	}
	p.cancel()

	p.holdMu.Lock()
	p.held = nil
	p.holdMu.Unlock()
}

func (p *responsePipeline) IsCancelled() bool {
	if p == nil {
		return false
	}

	return p.cancelled.Load()
}

func (p *responsePipeline) HasAudio() bool {
	return p.firstAudioAt.Load() != 0
}

func (p *responsePipeline) Sentences() []SentenceUnit {
	p.sentencesMu.Lock()
	defer p.sentencesMu.Unlock()
	return append([]SentenceUnit(nil), p.sentences...)
}

func (p *responsePipeline) Text() string {
	return p.textBuffer.String()
}

// Done is closed once every worker returned. Err is valid afterwards.
func (p *responsePipeline) Done() <-chan struct{} {
	return p.done
}

func (p *responsePipeline) Err() error {
	<-p.done
	return p.err
}
