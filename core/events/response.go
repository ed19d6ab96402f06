package events

import "github.com/koscakluka/ema-turncore/core/texttospeech"

const (
	// KindSentenceDetected identifies a sentence unit cut from the token stream.
	KindSentenceDetected Kind = "response.sentence"
	// KindAudioReady identifies synthesized audio for one sentence.
	KindAudioReady Kind = "response.audio_ready"
	// KindAllAudioReady identifies completion of a turn's audio.
	KindAllAudioReady Kind = "response.all_audio_ready"
)

// SentenceDetected carries a sentence unit in stream order.
type SentenceDetected struct {
	Base
	TurnID    string
	SessionID string
	Index     int
	Text      string
	IsFirst   bool
	IsLast    bool
}

// NewSentenceDetected creates a sentence detected event.
func NewSentenceDetected(turnID, sessionID string, index int, text string, isFirst, isLast bool) SentenceDetected {
	return SentenceDetected{
		Base:      NewBase(KindSentenceDetected),
		TurnID:    turnID,
		SessionID: sessionID,
		Index:     index,
		Text:      text,
		IsFirst:   isFirst,
		IsLast:    isLast,
	}
}

// AudioReady carries the audio of the sentence at Index.
type AudioReady struct {
	Base
	TurnID    string
	SessionID string
	Index     int
	Audio     texttospeech.AudioRef
}

// NewAudioReady creates an audio ready event.
func NewAudioReady(turnID, sessionID string, index int, audio texttospeech.AudioRef) AudioReady {
	return AudioReady{
		Base:      NewBase(KindAudioReady),
		TurnID:    turnID,
		SessionID: sessionID,
		Index:     index,
		Audio:     audio,
	}
}

// AllAudioReady carries the turn's audio ordered by sentence index with
// missing sentences dropped.
type AllAudioReady struct {
	Base
	TurnID    string
	SessionID string
	Audio     []texttospeech.AudioRef
}

// NewAllAudioReady creates an all audio ready event.
func NewAllAudioReady(turnID, sessionID string, audio []texttospeech.AudioRef) AllAudioReady {
	return AllAudioReady{Base: NewBase(KindAllAudioReady), TurnID: turnID, SessionID: sessionID, Audio: audio}
}
