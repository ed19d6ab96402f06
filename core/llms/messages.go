package llms

// TurnRole describes who took a turn in the conversation.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is a single completed turn of the conversation.
type Turn struct {
	Role TurnRole

	// Content is the content of the turn
	// In user's turn it is the prompt,
	// in assistant's turn it is the response
	Content string

	// Cancelled is set when the turn was abandoned before it completed,
	// e.g. a speculative response that got corrected.
	Cancelled bool
}

// History returns the turns that should be sent to a provider, leaving out
// cancelled ones.
func History(turns []Turn) []Turn {
	history := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Cancelled {
			continue
		}
		history = append(history, turn)
	}
	return history
}
