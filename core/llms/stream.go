package llms

import (
	"context"
	"errors"
)

// ErrGenerationFailed wraps provider failures while streaming a response.
var ErrGenerationFailed = errors.New("response generation failed")

// Stream is an ordered sequence of generated deltas. The sequence ends after
// the chunk carrying a finish reason or after the first error.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamRoleChunk interface {
	StreamChunk
	Role() string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

type StreamUsageChunk interface {
	StreamChunk
	Usage() Usage
}

type Usage struct {
	// InputTokens represents the number of input tokens.
	InputTokens int
	// InputTokensDetails represents a detailed breakdown of the input tokens.
	InputTokensDetails *InputTokensDetails
	// OutputTokens represents the number of output tokens.
	OutputTokens int
	// OutputTokensDetails represents a detailed breakdown of the output tokens.
	OutputTokensDetails *OutputTokensDetails
	// TotalTokens represents the total number of tokens used.
	TotalTokens int

	// QueueTime represents the time it took to queue the request.
	//
	// Note: This might be just an approximation.
	QueueTime float64
	// InputProcessingTime represents the time it took to process the input.
	//
	// Note: This might be just an approximation.
	InputProcessingTime float64
	// CompletionTime represents the time it took to complete the request.
	//
	// Note: This might be just an approximation.
	CompletionTime float64
	// TotalTime represents the total time it took to complete the request.
	//
	// Note: This might be just an approximation.
	TotalTime float64
}

// InputTokensDetails represents a detailed breakdown of the input tokens.
type InputTokensDetails struct {
	// CachedTokens represents the number of tokens that were retrieved from the
	// cache.
	CachedTokens int
}

// OutputTokensDetails represents a detailed breakdown of the output tokens.
type OutputTokensDetails struct {
	// ReasoningTokens represents the number of reasoning tokens.
	ReasoningTokens int
}

// StreamText drains a stream and returns the concatenated content. It stops
// at the first error and returns what was collected so far.
func StreamText(ctx context.Context, stream Stream) (string, error) {
	var text string
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			return text, err
		}
		if content, ok := chunk.(StreamContentChunk); ok {
			text += content.Content()
		}
	}
	return text, nil
}
