package speculation

import "testing"

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{text: "Tell me a joke", want: IntentCommand},
		{text: "Can you help me", want: IntentRequest},
		{text: "Could you open it", want: IntentRequest},
		{text: "Please stop", want: IntentRequest},
		{text: "What time is it", want: IntentQuestion},
		{text: "It is raining?", want: IntentQuestion},
		{text: "I went home yesterday", want: IntentStatement},
		{text: "", want: IntentStatement},
	}

	for _, tt := range tests {
		if got := ClassifyIntent(tt.text); got != tt.want {
			t.Errorf("ClassifyIntent(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestIntentActionable(t *testing.T) {
	for _, intent := range []Intent{IntentQuestion, IntentRequest, IntentCommand} {
		if !intent.Actionable() {
			t.Fatalf("expected %q to be actionable", intent)
		}
	}
	if IntentStatement.Actionable() {
		t.Fatal("expected statements to not be actionable")
	}
}

func TestPredictorExtendsKnownPatterns(t *testing.T) {
	p := newPredictor(8)

	if got := p.predict("Can you help me with"); got != "Can you help me with this?" {
		t.Fatalf("unexpected prediction %q", got)
	}
	if got := p.predict("What time"); got != "What time is it?" {
		t.Fatalf("unexpected prediction %q", got)
	}
	if got := p.predict("Is it done?"); got != "Is it done?" {
		t.Fatalf("expected terminated input to be returned as is, got %q", got)
	}
	if p.size() != 2 {
		t.Fatalf("expected 2 cached prefixes, got %d", p.size())
	}
}

func TestPredictorReusesCachedSuffix(t *testing.T) {
	p := newPredictor(8)

	p.predict("Can you help me with")
	if got := p.predict("can you help me with"); got != "can you help me with this?" {
		t.Fatalf("unexpected prediction %q", got)
	}
	if p.size() != 1 {
		t.Fatalf("expected a single cache entry for one prefix, got %d", p.size())
	}
}

func TestPredictorEvictsOldestWhenFull(t *testing.T) {
	p := newPredictor(2)

	p.predict("Tell me a joke")
	p.predict("Show me the news")
	p.predict("Find a restaurant nearby")

	if p.size() != 2 {
		t.Fatalf("expected cache bounded at 2, got %d", p.size())
	}
	if _, ok := p.suffixes[prefixKey("Tell me a joke")]; ok {
		t.Fatal("expected oldest prefix to be evicted")
	}

	p.clear()
	if p.size() != 0 {
		t.Fatalf("expected empty cache after clear, got %d", p.size())
	}
}
