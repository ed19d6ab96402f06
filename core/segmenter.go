package orchestration

import (
	"strings"
	"unicode"
)

const (
	// MaxSentenceRunes caps a trailing fragment that has no terminal
	// punctuation before it is cut anyway.
	MaxSentenceRunes = 160
	// MaxSentenceWords is the word count equivalent of MaxSentenceRunes.
	MaxSentenceWords = 28
)

// SentenceUnit is a span of generated text synthesized as one piece.
type SentenceUnit struct {
	Index   int
	Text    string
	IsFirst bool
	IsLast  bool
}

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "inc": {}, "ltd": {},
	"co": {}, "no": {}, "approx": {}, "dept": {}, "est": {}, "fig": {},
	"u.s": {}, "a.m": {}, "p.m": {},
}

// segmenter cuts a growing text into sentence units. A sentence is cut as
// soon as whitespace follows its boundary; whatever is left when the stream
// ends is flushed as the unit flagged IsLast.
type segmenter struct {
	pending string
	next    int
}

func (s *segmenter) Push(delta string) []SentenceUnit {
	s.pending += delta

	var units []SentenceUnit
	for {
		text, ok := s.cut()
		if !ok {
			return units
		}
		if text == "" {
			continue
		}
		units = append(units, s.unit(text, false))
	}
}

// Flush returns whatever is left as the final unit.
func (s *segmenter) Flush() (SentenceUnit, bool) {
	text := strings.TrimSpace(s.pending)
	s.pending = ""
	if text == "" {
		return SentenceUnit{}, false
	}
	return s.unit(text, true), true
}

func (s *segmenter) unit(text string, last bool) SentenceUnit {
	unit := SentenceUnit{Index: s.next, Text: text, IsFirst: s.next == 0, IsLast: last}
	s.next++
	return unit
}

func (s *segmenter) cut() (string, bool) {
	runes := []rune(s.pending)
	end, ok := sentenceEnd(runes)
	if !ok {
		end, ok = fragmentEnd(runes)
	}
	if !ok {
		return "", false
	}

	s.pending = strings.TrimLeftFunc(string(runes[end:]), unicode.IsSpace)
	return strings.TrimSpace(string(runes[:end])), true
}

// sentenceEnd finds the first terminal punctuation that is followed by
// whitespace and returns the index just past it.
func sentenceEnd(runes []rune) (int, bool) {
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isTerminal(r) {
			continue
		}

		j := i + 1
		for j < len(runes) && (isTerminal(runes[j]) || isClosing(runes[j])) {
			j++
		}
		if r != '\n' && (j >= len(runes) || !unicode.IsSpace(runes[j])) {
			i = j - 1
			continue
		}
		if r == '.' && j == i+1 && isAbbreviation(runes[:i]) {
			i = j - 1
			continue
		}
		return j, true
	}
	return 0, false
}

// fragmentEnd splits a fragment that grew past the size limits without a
// boundary, preferring the last clause mark over the last space.
func fragmentEnd(runes []rune) (int, bool) {
	words, limit := 0, -1
	lastClause, lastSpace := -1, -1
	for i, r := range runes {
		if i >= MaxSentenceRunes {
			limit = i
			break
		}
		if !unicode.IsSpace(r) || i == 0 || unicode.IsSpace(runes[i-1]) {
			continue
		}

		words++
		lastSpace = i
		if isClauseMark(runes[i-1]) {
			lastClause = i
		}
		if words >= MaxSentenceWords {
			limit = i
			break
		}
	}
	if limit < 0 {
		return 0, false
	}

	end := limit
	switch {
	case lastClause > 0:
		end = lastClause
	case lastSpace > 0:
		end = lastSpace
	}
	if !hasTextAfter(runes, end) {
		return 0, false
	}
	return end, true
}

func hasTextAfter(runes []rune, from int) bool {
	for _, r := range runes[from:] {
		if !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

func isAbbreviation(before []rune) bool {
	start := len(before)
	for start > 0 && !unicode.IsSpace(before[start-1]) {
		start--
	}
	word := strings.TrimLeft(string(before[start:]), "(\"'“‘")
	if word == "" {
		return false
	}

	if letters := []rune(word); len(letters) == 1 {
		return unicode.IsUpper(letters[0]) && letters[0] != 'I' && letters[0] != 'A'
	}
	_, ok := abbreviations[strings.ToLower(word)]
	return ok
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '\n':
		return true
	}
	return false
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', '”', '’':
		return true
	}
	return false
}

func isClauseMark(r rune) bool {
	switch r {
	case ',', ';', ':', '—':
		return true
	}
	return false
}
