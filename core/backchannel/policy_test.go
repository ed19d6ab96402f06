package backchannel

import (
	"context"
	"testing"
	"time"
)

func TestClassifyCategory(t *testing.T) {
	tests := []struct {
		input string
		want  Category
	}{
		{input: "What is the weather like", want: CategoryThinking},
		{input: "the meeting moved?", want: CategoryThinking},
		{input: "Please book a table for two", want: CategoryProcessing},
		{input: "I'm really frustrated with this", want: CategoryEmpathy},
		{input: "Yeah that sounds good", want: CategoryConfirmation},
		{input: "My name is Sam", want: CategoryAcknowledgment},
		{input: "", want: CategoryAcknowledgment},
	}
	for _, tt := range tests {
		if got := ClassifyCategory(tt.input); got != tt.want {
			t.Errorf("ClassifyCategory(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestSelectStrategy(t *testing.T) {
	emergency := 3 * time.Second
	tests := []struct {
		expected time.Duration
		priority Priority
		want     Strategy
	}{
		{expected: 300 * time.Millisecond, want: StrategyShort},
		{expected: 800 * time.Millisecond, want: StrategyMedium},
		{expected: 2 * time.Second, want: StrategyLong},
		{expected: 5 * time.Second, want: StrategyImmediate},
		{priority: PriorityHigh, want: StrategyImmediate},
		{priority: PriorityNormal, want: StrategyMedium},
		{priority: "", want: StrategyMedium},
		{priority: PriorityLow, want: StrategyLong},
	}
	for _, tt := range tests {
		if got := selectStrategy(tt.expected, tt.priority, emergency); got != tt.want {
			t.Errorf("selectStrategy(%v, %q) = %s, want %s", tt.expected, tt.priority, got, tt.want)
		}
	}
}

func TestStrategyDelays(t *testing.T) {
	if got := StrategyImmediate.Delay(time.Second); got != 100*time.Millisecond {
		t.Fatalf("unexpected immediate delay %v", got)
	}
	if got := StrategyEmergency.Delay(2 * time.Second); got != 2*time.Second {
		t.Fatalf("expected emergency delay to follow threshold, got %v", got)
	}
}

func TestLibraryChooseSkipsRecentPhrases(t *testing.T) {
	library := DefaultLibrary()
	now := time.Now()
	used := map[string]time.Time{
		"Okay.":   now.Add(-time.Second),
		"Got it.": now.Add(-6 * time.Second),
	}
	lastUsed := func(text string) (time.Time, bool) {
		at, ok := used[text]
		return at, ok
	}

	phrase, ok := library.choose(CategoryAcknowledgment, lastUsed, 5*time.Second, now)
	if !ok || phrase.Text != "Got it." {
		t.Fatalf("expected first phrase outside the window, got %q", phrase.Text)
	}
}

func TestLibraryChooseFallsBackToLeastRecentlyUsed(t *testing.T) {
	library := Library{CategoryTransition: {{Text: "So,"}, {Text: "Now,"}}}
	now := time.Now()
	used := map[string]time.Time{
		"So,":  now.Add(-time.Second),
		"Now,": now.Add(-3 * time.Second),
	}
	lastUsed := func(text string) (time.Time, bool) {
		at, ok := used[text]
		return at, ok
	}

	phrase, ok := library.choose(CategoryTransition, lastUsed, 5*time.Second, now)
	if !ok || phrase.Text != "Now," {
		t.Fatalf("expected least recently used phrase, got %q", phrase.Text)
	}
}

func TestScheduleStatusOnlyMovesForward(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	s := &schedule{Schedule: Schedule{Status: StatusScheduled}, cancel: cancel}
	now := time.Now()

	if s.advance(StatusCompleted, now) {
		t.Fatal("expected scheduled to not complete without executing")
	}
	if !s.advance(StatusExecuting, now) {
		t.Fatal("expected scheduled to move to executing")
	}
	if s.advance(StatusScheduled, now) {
		t.Fatal("expected no backward transition")
	}
	if !s.advance(StatusCompleted, now) {
		t.Fatal("expected executing to complete")
	}
	if s.advance(StatusCancelled, now) {
		t.Fatal("expected terminal status to stay")
	}
	if s.FinishedAt.IsZero() {
		t.Fatal("expected finish time to be recorded")
	}
}
