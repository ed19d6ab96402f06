package orchestration

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

// synthesisJobs orders pending sentences by index, so the first sentence
// always goes out before later ones that were cut earlier.
type synthesisJobs []SentenceUnit

func (h synthesisJobs) Len() int           { return len(h) }
func (h synthesisJobs) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h synthesisJobs) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *synthesisJobs) Push(x any) { *h = append(*h, x.(SentenceUnit)) }

func (h *synthesisJobs) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}

type synthesisResult struct {
	Unit  SentenceUnit
	Audio texttospeech.AudioRef
	Err   error
}

// synthesisQueue runs at most concurrency syntheses at once, always picking
// the lowest pending index when a slot frees up.
type synthesisQueue struct {
	synthesizer texttospeech.Synthesizer
	voice       texttospeech.VoiceParams
	slots       *semaphore.Weighted

	mu           sync.Mutex
	jobs         synthesisJobs
	closed       bool
	updateSignal chan struct{}
}

func newSynthesisQueue(synthesizer texttospeech.Synthesizer, voice texttospeech.VoiceParams, concurrency int) *synthesisQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &synthesisQueue{
		synthesizer:  synthesizer,
		voice:        voice,
		slots:        semaphore.NewWeighted(int64(concurrency)),
		updateSignal: make(chan struct{}, 1),
	}
}

func (q *synthesisQueue) Push(unit SentenceUnit) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.jobs, unit)
	q.mu.Unlock()
	q.signalUpdate()
}

// Close tells Run no more jobs are coming.
func (q *synthesisQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signalUpdate()
}

// Run synthesizes jobs until the queue is closed and drained, then waits for
// jobs in flight. Cancelling ctx stops picking new jobs.
func (q *synthesisQueue) Run(ctx context.Context, onResult func(synthesisResult)) error {
	wg := sync.WaitGroup{}
	defer wg.Wait()

	for {
		if err := q.slots.Acquire(ctx, 1); err != nil {
			return nil
		}

		unit, ok := q.next(ctx)
		if !ok {
			q.slots.Release(1)
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer q.slots.Release(1)
			onResult(q.synthesize(ctx, unit))
		}()
	}
}

func (q *synthesisQueue) next(ctx context.Context) (SentenceUnit, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			unit := heap.Pop(&q.jobs).(SentenceUnit)
			q.mu.Unlock()
			return unit, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return SentenceUnit{}, false
		}

		select {
		case <-ctx.Done():
			return SentenceUnit{}, false
		case <-q.updateSignal:
		}
	}
}

func (q *synthesisQueue) synthesize(ctx context.Context, unit SentenceUnit) (result synthesisResult) {
	ctx, span := tracer.Start(ctx, "synthesize sentence")
	defer span.End()
	span.SetAttributes(attribute.Int("sentence.index", unit.Index))

	result.Unit = unit
	defer func() {
		if recovered := recover(); recovered != nil {
			result.Err = fmt.Errorf("%w: synthesizer panicked: %v", texttospeech.ErrSynthesisFailed, recovered)
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}()

	audio, err := q.synthesizer.Synthesize(ctx, unit.Text, q.voice)
	if err != nil {
		result.Err = fmt.Errorf("failed to synthesize sentence %d: %w", unit.Index, err)
		if ctx.Err() == nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		return result
	}
	result.Audio = audio
	return result
}

func (q *synthesisQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
