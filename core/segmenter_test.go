package orchestration

import (
	"strings"
	"testing"
)

func segmentAll(deltas ...string) []SentenceUnit {
	s := segmenter{}
	var units []SentenceUnit
	for _, delta := range deltas {
		units = append(units, s.Push(delta)...)
	}
	if unit, ok := s.Flush(); ok {
		units = append(units, unit)
	}
	return units
}

func unitTexts(units []SentenceUnit) []string {
	texts := make([]string, 0, len(units))
	for _, unit := range units {
		texts = append(texts, unit.Text)
	}
	return texts
}

func TestSegmenterCutsOnTerminalPunctuation(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   []string
	}{
		{
			name:   "single delta",
			deltas: []string{"Hello there. How are you? I am fine!"},
			want:   []string{"Hello there.", "How are you?", "I am fine!"},
		},
		{
			name:   "boundary split across deltas",
			deltas: []string{"Hel", "lo there", ".", " ", "How", " are you?"},
			want:   []string{"Hello there.", "How are you?"},
		},
		{
			name:   "abbreviations are not boundaries",
			deltas: []string{"Dr. Smith met Mr. J. Doe at 5 p.m. yesterday. It went well."},
			want:   []string{"Dr. Smith met Mr. J. Doe at 5 p.m. yesterday.", "It went well."},
		},
		{
			name:   "decimals are not boundaries",
			deltas: []string{"It costs 3.50 dollars. Cheap."},
			want:   []string{"It costs 3.50 dollars.", "Cheap."},
		},
		{
			name:   "ellipsis and closing quote",
			deltas: []string{"Wait... what? \"Really!\" Yes."},
			want:   []string{"Wait...", "what?", "\"Really!\"", "Yes."},
		},
		{
			name:   "newline separates units",
			deltas: []string{"First line\nSecond line"},
			want:   []string{"First line", "Second line"},
		},
		{
			name:   "unicode ellipsis",
			deltas: []string{"Hmm… let me think."},
			want:   []string{"Hmm…", "let me think."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unitTexts(segmentAll(tt.deltas...))
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSegmenterCutsOnceWhitespaceFollowsBoundary(t *testing.T) {
	s := segmenter{}
	if units := s.Push("Hello there."); len(units) != 0 {
		t.Fatalf("expected no unit before the boundary is confirmed, got %+v", units)
	}
	units := s.Push(" ")
	if len(units) != 1 || units[0].Text != "Hello there." || units[0].IsLast {
		t.Fatalf("expected first sentence on trailing whitespace, got %+v", units)
	}
	if units := s.Push("Bye"); len(units) != 0 {
		t.Fatalf("expected no unit without a boundary, got %+v", units)
	}
	last, ok := s.Flush()
	if !ok || last.Text != "Bye" || last.Index != 1 || !last.IsLast {
		t.Fatalf("expected the remainder as the last unit, got %+v", last)
	}
}

func TestSegmenterHoldsAbbreviationFollowedByWhitespace(t *testing.T) {
	s := segmenter{}
	if units := s.Push("Ask Dr. "); len(units) != 0 {
		t.Fatalf("expected abbreviation not to cut, got %+v", units)
	}
	units := s.Push("Smith today. ")
	if len(units) != 1 || units[0].Text != "Ask Dr. Smith today." {
		t.Fatalf("expected a single sentence, got %+v", units)
	}
}

func TestTextBufferFlagsUnconsumedTrailingUnitLast(t *testing.T) {
	b := newTextBuffer()
	b.AddChunk("One. ")
	b.AddChunk("Two. ")
	b.TextComplete()

	var units []SentenceUnit
	for unit := range b.Sentences {
		units = append(units, unit)
	}
	if len(units) != 2 || units[1].Text != "Two." || !units[1].IsLast || units[0].IsLast {
		t.Fatalf("expected the trailing unit flagged last, got %+v", units)
	}
}

func TestSegmenterFlagsFirstAndLast(t *testing.T) {
	units := segmentAll("One. Two. Three.")
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %+v", units)
	}
	for i, unit := range units {
		if unit.Index != i {
			t.Fatalf("expected index %d, got %d", i, unit.Index)
		}
		if unit.IsFirst != (i == 0) {
			t.Fatalf("unit %d: unexpected IsFirst %v", i, unit.IsFirst)
		}
		if unit.IsLast != (i == 2) {
			t.Fatalf("unit %d: unexpected IsLast %v", i, unit.IsLast)
		}
	}
}

func TestSegmenterSingleUnitIsFirstAndLast(t *testing.T) {
	units := segmentAll("Just this")
	if len(units) != 1 || !units[0].IsFirst || !units[0].IsLast {
		t.Fatalf("expected a single first and last unit, got %+v", units)
	}
}

func TestSegmenterEmptyStreamHasNoUnits(t *testing.T) {
	if units := segmentAll("", "  "); len(units) != 0 {
		t.Fatalf("expected no units, got %+v", units)
	}
}

func TestSegmenterSplitsLongFragmentByWords(t *testing.T) {
	words := make([]string, MaxSentenceWords+5)
	for i := range words {
		words[i] = "word"
	}
	units := segmentAll(strings.Join(words, " "))
	if len(units) != 2 {
		t.Fatalf("expected long fragment to split in two, got %d units", len(units))
	}
	if got := len(strings.Fields(units[0].Text)); got != MaxSentenceWords {
		t.Fatalf("expected first unit of %d words, got %d", MaxSentenceWords, got)
	}
	if !units[1].IsLast {
		t.Fatal("expected remainder to be flagged last")
	}
}

func TestSegmenterPrefersClauseMarkForLongFragment(t *testing.T) {
	head := strings.Repeat("alpha ", 10) + "beta,"
	tail := strings.Repeat(" gamma", 20)
	units := segmentAll(head + tail)
	if len(units) < 2 {
		t.Fatalf("expected a split, got %+v", units)
	}
	if !strings.HasSuffix(units[0].Text, "beta,") {
		t.Fatalf("expected split after the clause mark, got %q", units[0].Text)
	}
}

func TestSegmenterSplitsLongFragmentByRunes(t *testing.T) {
	long := strings.Repeat("abcdefghij ", 20)
	units := segmentAll(long)
	if len(units) < 2 {
		t.Fatalf("expected rune limit to split the fragment, got %+v", units)
	}
	if got := len([]rune(units[0].Text)); got > MaxSentenceRunes {
		t.Fatalf("expected unit within %d runes, got %d", MaxSentenceRunes, got)
	}
}
