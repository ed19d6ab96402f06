package backchannel

import "time"

// Phrase is a filler utterance with its nominal spoken duration.
type Phrase struct {
	Text     string
	Duration time.Duration
}

// Library maps each category to phrases in priority order.
type Library map[Category][]Phrase

// DefaultLibrary returns the built in phrase library.
func DefaultLibrary() Library {
	return Library{
		CategoryAcknowledgment: {
			{Text: "Okay.", Duration: 400 * time.Millisecond},
			{Text: "Got it.", Duration: 500 * time.Millisecond},
			{Text: "Mm-hmm.", Duration: 400 * time.Millisecond},
			{Text: "I see.", Duration: 500 * time.Millisecond},
		},
		CategoryProcessing: {
			{Text: "One moment.", Duration: 700 * time.Millisecond},
			{Text: "Let me check on that.", Duration: 1100 * time.Millisecond},
			{Text: "Working on it.", Duration: 800 * time.Millisecond},
			{Text: "Just a second.", Duration: 800 * time.Millisecond},
		},
		CategoryThinking: {
			{Text: "Hmm, let me think.", Duration: 1000 * time.Millisecond},
			{Text: "Good question.", Duration: 800 * time.Millisecond},
			{Text: "Let me see.", Duration: 700 * time.Millisecond},
		},
		CategoryConfirmation: {
			{Text: "Sure.", Duration: 400 * time.Millisecond},
			{Text: "Absolutely.", Duration: 600 * time.Millisecond},
			{Text: "Sounds good.", Duration: 700 * time.Millisecond},
		},
		CategoryTransition: {
			{Text: "So,", Duration: 300 * time.Millisecond},
			{Text: "Alright,", Duration: 400 * time.Millisecond},
			{Text: "Now,", Duration: 300 * time.Millisecond},
		},
		CategoryEmpathy: {
			{Text: "I understand.", Duration: 700 * time.Millisecond},
			{Text: "I'm sorry to hear that.", Duration: 1100 * time.Millisecond},
			{Text: "That sounds frustrating.", Duration: 1000 * time.Millisecond},
		},
	}
}

// choose returns the highest priority phrase of category not used within
// the repetition window. When every phrase was used recently the least
// recently used one is returned.
func (l Library) choose(category Category, lastUsed func(text string) (time.Time, bool), window time.Duration, now time.Time) (Phrase, bool) {
	phrases := l[category]
	if len(phrases) == 0 {
		phrases = l[CategoryAcknowledgment]
	}
	if len(phrases) == 0 {
		return Phrase{}, false
	}

	var fallback Phrase
	var fallbackUsed time.Time
	for i, phrase := range phrases {
		used, ok := lastUsed(phrase.Text)
		if !ok || now.Sub(used) >= window {
			return phrase, true
		}
		if i == 0 || used.Before(fallbackUsed) {
			fallback, fallbackUsed = phrase, used
		}
	}
	return fallback, true
}
