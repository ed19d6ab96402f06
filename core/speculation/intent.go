package speculation

import (
	"strings"
	"sync"
)

// Intent is a coarse lexical classification of an utterance.
type Intent string

const (
	IntentQuestion  Intent = "question"
	IntentRequest   Intent = "request"
	IntentCommand   Intent = "command"
	IntentStatement Intent = "statement"
)

// Actionable reports whether the utterance asks the assistant for something.
func (i Intent) Actionable() bool {
	return i != IntentStatement && i != ""
}

var (
	questionOpeners = toSet(
		"what", "when", "where", "why", "who", "whom", "whose", "which", "how",
		"is", "are", "was", "were", "do", "does", "did", "can", "could",
		"would", "will", "should", "shall", "may", "have", "has",
	)
	requestCues = []string{
		"can you", "could you", "would you", "will you", "please",
		"i need", "i want", "i'd like", "i would like", "help me", "let me",
	}
	commandVerbs = toSet(
		"tell", "show", "find", "search", "send", "call", "cancel", "delete",
		"remove", "set", "create", "make", "book", "schedule", "add", "open",
		"close", "play", "stop", "start", "give", "check", "remind", "list",
		"turn", "update", "change", "move", "read", "write", "explain", "help",
	)
)

// ClassifyIntent classifies text from lexical cues only. Commands win over
// requests, requests over questions.
func ClassifyIntent(text string) Intent {
	tokens := words(text)
	if len(tokens) == 0 {
		return IntentStatement
	}

	if _, ok := commandVerbs[tokens[0]]; ok {
		return IntentCommand
	}

	normalized := strings.Join(tokens, " ")
	for _, cue := range requestCues {
		if normalized == cue || strings.HasPrefix(normalized, cue+" ") || strings.Contains(normalized, " "+cue+" ") || strings.HasSuffix(normalized, " "+cue) {
			return IntentRequest
		}
	}

	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return IntentQuestion
	}
	if _, ok := questionOpeners[tokens[0]]; ok {
		return IntentQuestion
	}

	return IntentStatement
}

var completionPatterns = []struct {
	prefix string
	suffix string
}{
	{prefix: "what time", suffix: " is it?"},
	{prefix: "can you help me with", suffix: " this?"},
	{prefix: "can you help", suffix: " me?"},
	{prefix: "can you", suffix: " do that for me?"},
	{prefix: "could you", suffix: " do that for me?"},
	{prefix: "would you", suffix: " do that for me?"},
	{prefix: "i need", suffix: " some help."},
	{prefix: "i want to", suffix: " get this done."},
	{prefix: "how do i", suffix: "?"},
	{prefix: "what is", suffix: "?"},
	{prefix: "please", suffix: "."},
}

const defaultPredictionCacheSize = 256

// predictor extends a partial utterance with a pattern based guess of how it
// ends. Suffixes are cached by the matched prefix key.
type predictor struct {
	mu       sync.Mutex
	capacity int
	suffixes map[string]string
	order    []string
}

func newPredictor(capacity int) *predictor {
	if capacity <= 0 {
		capacity = defaultPredictionCacheSize
	}
	return &predictor{capacity: capacity, suffixes: make(map[string]string, capacity)}
}

func (p *predictor) predict(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.ContainsAny(trimmed[len(trimmed)-1:], ".?!") {
		return trimmed
	}

	key := prefixKey(trimmed)
	p.mu.Lock()
	suffix, ok := p.suffixes[key]
	p.mu.Unlock()
	if ok {
		return trimmed + suffix
	}

	suffix = completionSuffix(trimmed)

	p.mu.Lock()
	if _, exists := p.suffixes[key]; !exists {
		if len(p.order) >= p.capacity {
			oldest := p.order[0]
			p.order = p.order[1:]
			delete(p.suffixes, oldest)
		}
		p.order = append(p.order, key)
	}
	p.suffixes[key] = suffix
	p.mu.Unlock()

	return trimmed + suffix
}

func (p *predictor) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.suffixes)
}

func (p *predictor) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suffixes = make(map[string]string, p.capacity)
	p.order = nil
}

// prefixKey identifies everything the completion suffix depends on: the
// matched pattern prefix, or the leading words together with the intent.
func prefixKey(text string) string {
	tokens := words(text)
	normalized := strings.Join(tokens, " ")
	for _, pattern := range completionPatterns {
		if strings.HasPrefix(normalized, pattern.prefix) {
			return pattern.prefix
		}
	}
	return strings.Join(tokens[:min(len(tokens), 3)], " ") + "|" + string(ClassifyIntent(text))
}

func completionSuffix(text string) string {
	normalized := strings.Join(words(text), " ")
	for _, pattern := range completionPatterns {
		if strings.HasPrefix(normalized, pattern.prefix) {
			return pattern.suffix
		}
	}

	switch ClassifyIntent(text) {
	case IntentQuestion:
		return "?"
	case IntentRequest, IntentCommand:
		return "."
	}
	return ""
}
