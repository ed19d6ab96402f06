package speechtotext

import "github.com/koscakluka/ema-turncore/core/audio"

// Transcript is recognized text with the recognizer's confidence in it.
type Transcript struct {
	Text       string
	Confidence float64
}

type TranscriptionOptions struct {
	// PartialTranscriptCallback receives the utterance so far each time the
	// recognizer revises it.
	PartialTranscriptCallback func(Transcript)
	// FinalTranscriptCallback receives the whole utterance once the speaker
	// stopped. Its confidence is the lowest of the utterance's segments.
	FinalTranscriptCallback func(Transcript)

	SpeechStartedCallback func()
	SpeechEndedCallback   func()

	EncodingInfo audio.EncodingInfo
}

type TranscriptionOption func(*TranscriptionOptions)

func WithPartialTranscriptCallback(callback func(Transcript)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if callback != nil {
			o.PartialTranscriptCallback = callback
		}
	}
}

func WithFinalTranscriptCallback(callback func(Transcript)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if callback != nil {
			o.FinalTranscriptCallback = callback
		}
	}
}

func WithSpeechStartedCallback(callback func()) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if callback != nil {
			o.SpeechStartedCallback = callback
		}
	}
}

func WithSpeechEndedCallback(callback func()) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if callback != nil {
			o.SpeechEndedCallback = callback
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

// NewTranscriptionOptions applies opts over defaults with no-op callbacks.
func NewTranscriptionOptions(opts ...TranscriptionOption) TranscriptionOptions {
	options := TranscriptionOptions{
		PartialTranscriptCallback: func(Transcript) {},
		FinalTranscriptCallback:   func(Transcript) {},
		SpeechStartedCallback:     func() {},
		SpeechEndedCallback:       func() {},
		EncodingInfo:              audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
