package audio

import "fmt"

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// EncodingInfo describes raw audio exchanged with streaming providers.
type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// Validate checks the combinations the streaming providers accept.
func (e EncodingInfo) Validate() error {
	switch e.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %d", e.SampleRate)
	}

	switch e.Format {
	case EncodingLinear16:
	case EncodingALaw, EncodingMulaw:
		if e.SampleRate != 8000 {
			return fmt.Errorf("unsupported sample rate %d for %s encoding", e.SampleRate, e.Format)
		}
	default:
		return fmt.Errorf("unsupported encoding %q", e.Format)
	}

	return nil
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
