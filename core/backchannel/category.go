package backchannel

import (
	"strings"
	"unicode"
)

// Category groups filler phrases by conversational function.
type Category string

const (
	CategoryAcknowledgment Category = "acknowledgment"
	CategoryProcessing     Category = "processing"
	CategoryThinking       Category = "thinking"
	CategoryConfirmation   Category = "confirmation"
	CategoryTransition     Category = "transition"
	CategoryEmpathy        Category = "empathy"
)

var (
	questionCues = []string{
		"what", "how", "why", "when", "where", "who", "which",
		"can", "could", "would", "is", "are", "do", "does",
	}
	taskCues = []string{
		"schedule", "book", "find", "search", "send", "create", "cancel",
		"check", "look up", "calculate", "order", "update", "set up", "remind",
	}
	distressCues = []string{
		"sorry", "upset", "frustrated", "frustrating", "angry", "worried",
		"problem", "broken", "wrong", "urgent", "sad", "terrible", "can't believe",
	}
	agreementCues = []string{
		"yes", "yeah", "yep", "sure", "okay", "ok", "right", "correct",
		"exactly", "sounds good", "agreed", "perfect",
	}
)

// ClassifyCategory picks a filler category from lexical cues in the user's
// input. Question cues win over task, distress and agreement cues, in that
// order; anything else is acknowledged.
func ClassifyCategory(input string) Category {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		return CategoryAcknowledgment
	}

	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	phrase := " " + strings.Join(tokens, " ") + " "

	switch {
	case strings.Contains(text, "?") || (len(tokens) > 0 && containsWord(questionCues, tokens[0])):
		return CategoryThinking
	case containsCue(phrase, taskCues):
		return CategoryProcessing
	case containsCue(phrase, distressCues):
		return CategoryEmpathy
	case containsCue(phrase, agreementCues):
		return CategoryConfirmation
	}
	return CategoryAcknowledgment
}

func containsWord(words []string, word string) bool {
	for _, w := range words {
		if w == word {
			return true
		}
	}
	return false
}

func containsCue(phrase string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(phrase, " "+cue+" ") {
			return true
		}
	}
	return false
}
