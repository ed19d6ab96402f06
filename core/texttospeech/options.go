package texttospeech

import (
	"context"
	"errors"
	"time"

	"github.com/koscakluka/ema-turncore/core/audio"
)

var (
	// ErrEmptyText is returned when asked to synthesize blank text.
	ErrEmptyText = errors.New("text to synthesize is empty")
	// ErrSynthesisFailed wraps provider failures during synthesis.
	ErrSynthesisFailed = errors.New("speech synthesis failed")
)

// Synthesizer produces audio for a piece of text. Implementations must be
// safe for concurrent use, the coordinator runs several syntheses at once.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceParams) (AudioRef, error)
}

// SynthesizerFunc adapts a function to [Synthesizer].
type SynthesizerFunc func(ctx context.Context, text string, voice VoiceParams) (AudioRef, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string, voice VoiceParams) (AudioRef, error) {
	return f(ctx, text, voice)
}

// VoiceParams select how text is spoken. Providers ignore fields they do
// not support.
type VoiceParams struct {
	Voice    string
	Speed    float64
	Language string

	EncodingInfo audio.EncodingInfo
}

type VoiceOption func(*VoiceParams)

func WithVoice(voice string) VoiceOption {
	return func(p *VoiceParams) { p.Voice = voice }
}

func WithSpeed(speed float64) VoiceOption {
	return func(p *VoiceParams) {
		if speed <= 0 {
			return
		}
		p.Speed = speed
	}
}

func WithLanguage(language string) VoiceOption {
	return func(p *VoiceParams) { p.Language = language }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) VoiceOption {
	return func(p *VoiceParams) {
		if encodingInfo.IsZero() {
			return
		}
		p.EncodingInfo = encodingInfo
	}
}

func NewVoiceParams(opts ...VoiceOption) VoiceParams {
	params := VoiceParams{Speed: 1, EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(&params)
	}
	return params
}

// AudioRef points at synthesized audio. A provider either returns the bytes
// inline or a URL where the audio can be fetched, sometimes both.
type AudioRef struct {
	URL      string
	Data     []byte
	Duration time.Duration
}

func (a AudioRef) IsZero() bool {
	return a.URL == "" && len(a.Data) == 0
}

// EstimateDuration derives playback length of raw PCM data from its encoding.
func EstimateDuration(data []byte, encodingInfo audio.EncodingInfo) time.Duration {
	bytesPerSecond := encodingInfo.SampleRate * encodingInfo.Format.ByteSize()
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(data)) * time.Second / time.Duration(bytesPerSecond)
}
