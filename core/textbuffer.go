package orchestration

import (
	"strings"
	"sync"
)

// textBuffer collects generated deltas and hands out the sentence units cut
// from them, in order, to a single consumer.
type textBuffer struct {
	mu            sync.Mutex
	text          strings.Builder
	segmenter     segmenter
	units         []SentenceUnit
	unitsConsumed int
	textComplete  bool
	updateSignal  chan struct{}
	cleared       bool
}

func newTextBuffer() *textBuffer {
	b := &textBuffer{
		updateSignal: make(chan struct{}, 1),
	}
	return b
}

func (b *textBuffer) AddChunk(chunk string) {
	b.mu.Lock()
	if b.textComplete || b.cleared {
		b.mu.Unlock()
		return
	}
	b.text.WriteString(chunk)
	b.units = append(b.units, b.segmenter.Push(chunk)...)
	b.mu.Unlock()
	b.signalUpdate()
}

// TextComplete flushes the remaining text as the last unit. If nothing was
// left, the trailing unit is flagged last unless it was already handed out.
// Later chunks are ignored.
func (b *textBuffer) TextComplete() {
	b.mu.Lock()
	if b.textComplete {
		b.mu.Unlock()
		return
	}
	if unit, ok := b.segmenter.Flush(); ok {
		b.units = append(b.units, unit)
	} else if n := len(b.units); n > b.unitsConsumed {
		b.units[n-1].IsLast = true
	}
	b.textComplete = true
	b.mu.Unlock()
	b.signalUpdate()
}

// Sentences yields units as they are cut. It returns once the text is
// complete and every unit was consumed, or when the buffer is cleared.
func (b *textBuffer) Sentences(yield func(SentenceUnit) bool) {
	for {
		b.mu.Lock()
		if b.cleared {
			b.mu.Unlock()
			return
		}

		if b.unitsConsumed < len(b.units) {
			unit := b.units[b.unitsConsumed]
			b.unitsConsumed++
			b.mu.Unlock()
			if !yield(unit) {
				return
			}
			continue
		}

		if b.textComplete {
			b.mu.Unlock()
			return
		}

		b.mu.Unlock()
		<-b.updateSignal
	}
}

func (b *textBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.text.String()
}

func (b *textBuffer) Clear() {
	b.mu.Lock()
	b.cleared = true
	b.mu.Unlock()
	b.signalUpdate()
}

func (b *textBuffer) signalUpdate() {
	select {
	case b.updateSignal <- struct{}{}:
	default:
	}
}
