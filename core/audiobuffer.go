package orchestration

import (
	"sync"

	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

type audioSlot struct {
	audio    texttospeech.AudioRef
	resolved bool
	failed   bool
}

// audioBuffer reassembles synthesized sentences in index order. Sentence n
// is released only once every sentence before it has either arrived or
// failed; failed sentences leave no gap in the output.
type audioBuffer struct {
	mu     sync.Mutex
	emitMu sync.Mutex

	slots     map[int]audioSlot
	playhead  int
	ordered   []texttospeech.AudioRef
	total     int
	completed bool
	failures  int

	onReady    func(index int, audio texttospeech.AudioRef)
	onComplete func(audio []texttospeech.AudioRef)

	done chan struct{}
}

func newAudioBuffer(onReady func(int, texttospeech.AudioRef), onComplete func([]texttospeech.AudioRef)) *audioBuffer {
	if onReady == nil {
		onReady = func(int, texttospeech.AudioRef) {}
	}
	if onComplete == nil {
		onComplete = func([]texttospeech.AudioRef) {}
	}
	return &audioBuffer{
		slots:      map[int]audioSlot{},
		total:      -1,
		onReady:    onReady,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
}

func (b *audioBuffer) AddAudio(index int, audio texttospeech.AudioRef) {
	b.resolve(index, audioSlot{audio: audio, resolved: true})
}

func (b *audioBuffer) MarkFailed(index int) {
	b.resolve(index, audioSlot{resolved: true, failed: true})
}

// AllAudioExpected records how many sentences the turn produced. Completion
// fires once that many slots resolved.
func (b *audioBuffer) AllAudioExpected(total int) {
	b.mu.Lock()
	if b.total >= 0 || b.completed {
		b.mu.Unlock()
		return
	}
	b.total = total
	b.release(nil)
}

func (b *audioBuffer) resolve(index int, slot audioSlot) {
	b.mu.Lock()
	if b.completed || index < b.playhead {
		b.mu.Unlock()
		return
	}
	if existing, ok := b.slots[index]; ok && existing.resolved {
		b.mu.Unlock()
		return
	}
	if slot.failed {
		b.failures++
	}
	b.slots[index] = slot

	var ready []int
	var audio []texttospeech.AudioRef
	for {
		next, ok := b.slots[b.playhead]
		if !ok || !next.resolved {
			break
		}
		delete(b.slots, b.playhead)
		if !next.failed {
			ready = append(ready, b.playhead)
			audio = append(audio, next.audio)
			b.ordered = append(b.ordered, next.audio)
		}
		b.playhead++
	}

	b.release(func() {
		for i, index := range ready {
			b.onReady(index, audio[i])
		}
	})
}

// release hands emission over to emitMu so ready and complete callbacks run
// in the order the buffer advanced, outside of mu.
func (b *audioBuffer) release(emitReady func()) {
	var complete []texttospeech.AudioRef
	finished := !b.completed && b.total >= 0 && b.playhead >= b.total
	if finished {
		b.completed = true
		complete = append([]texttospeech.AudioRef(nil), b.ordered...)
	}

	b.emitMu.Lock()
	b.mu.Unlock()
	defer b.emitMu.Unlock()

	if emitReady != nil {
		emitReady()
	}
	if finished {
		b.onComplete(complete)
		close(b.done)
	}
}

// Audio returns the audio released so far, in index order.
func (b *audioBuffer) Audio() []texttospeech.AudioRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]texttospeech.AudioRef(nil), b.ordered...)
}

func (b *audioBuffer) Released() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ordered)
}

func (b *audioBuffer) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Done is closed after the completion callback ran.
func (b *audioBuffer) Done() <-chan struct{} {
	return b.done
}
