package llms

// StreamingPromptOptions holds everything a provider needs besides the
// prompt itself.
type StreamingPromptOptions struct {
	Instructions string
	Turns        []Turn
	// PredictedCompletion is a guess at how the user will finish the
	// prompt. Providers may pass it along as a hint.
	PredictedCompletion string
}

type StreamingPromptOption func(*StreamingPromptOptions)

// WithSystemPrompt sets the system prompt for the prompt.
// Repeating this option will overwrite the previous system prompt.
func WithSystemPrompt(prompt string) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		opts.Instructions = prompt
	}
}

// WithTurns adds turns information to the prompt.
// Repeating this option will sequentially add more turns.
func WithTurns(turns ...Turn) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		opts.Turns = append(opts.Turns, turns...)
	}
}

// WithPredictedCompletion attaches a predicted completion of a partial
// prompt.
func WithPredictedCompletion(completion string) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		opts.PredictedCompletion = completion
	}
}

func NewStreamingPromptOptions(opts ...StreamingPromptOption) StreamingPromptOptions {
	options := StreamingPromptOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
