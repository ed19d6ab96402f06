package events

const (
	// KindUserTranscriptInterimUpdated identifies a revised partial transcript.
	KindUserTranscriptInterimUpdated Kind = "user_input.transcript_interim_updated"
	// KindUserTranscriptFinal identifies the final transcript for the utterance.
	KindUserTranscriptFinal Kind = "user_input.transcript_final"
)

// UserTranscriptInterimUpdated carries the partial transcript snapshot the
// coordinator accepted.
type UserTranscriptInterimUpdated struct {
	Base
	Transcript string
	Confidence float64
}

func NewUserTranscriptInterimUpdated(transcript string, confidence float64) UserTranscriptInterimUpdated {
	return UserTranscriptInterimUpdated{
		Base:       NewBase(KindUserTranscriptInterimUpdated),
		Transcript: transcript,
		Confidence: confidence,
	}
}

// UserTranscriptFinal carries the final transcript that opened a turn.
type UserTranscriptFinal struct {
	Base
	TurnID     string
	Transcript string
	Confidence float64
}

func NewUserTranscriptFinal(turnID, transcript string, confidence float64) UserTranscriptFinal {
	return UserTranscriptFinal{
		Base:       NewBase(KindUserTranscriptFinal),
		TurnID:     turnID,
		Transcript: transcript,
		Confidence: confidence,
	}
}
