package deepgram

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/koscakluka/ema-turncore/core/audio"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"go.opentelemetry.io/otel/metric"
)

const defaultURL = "wss://api.deepgram.com/v1/speak"

var (
	ErrInvalidVoice  = errors.New("invalid deepgram voice")
	ErrMissingAPIKey = errors.New("deepgram api key not found")
)

// Synthesizer speaks sentences over Deepgram's streaming speak socket. With
// a pool set it leases sockets for its default voice and encoding, other
// voices get a socket of their own for the call.
type Synthesizer struct {
	apiKey       string
	url          string
	voice        Voice
	encodingInfo audio.EncodingInfo

	pool atomic.Pointer[connpool.Pool]

	syntheses metric.Int64Counter
}

type SynthesizerOption func(*Synthesizer)

func WithAPIKey(apiKey string) SynthesizerOption {
	return func(s *Synthesizer) { s.apiKey = apiKey }
}

// WithURL points the synthesizer at another speak endpoint.
func WithURL(url string) SynthesizerOption {
	return func(s *Synthesizer) { s.url = url }
}

func WithVoice(voice Voice) SynthesizerOption {
	return func(s *Synthesizer) { s.voice = voice }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesizerOption {
	return func(s *Synthesizer) {
		if encodingInfo.IsZero() {
			return
		}
		s.encodingInfo = encodingInfo
	}
}

func WithPool(pool *connpool.Pool) SynthesizerOption {
	return func(s *Synthesizer) { s.pool.Store(pool) }
}

func NewSynthesizer(opts ...SynthesizerOption) (*Synthesizer, error) {
	s := &Synthesizer{
		url:          defaultURL,
		voice:        defaultVoice,
		encodingInfo: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, ErrMissingAPIKey
		}
		s.apiKey = apiKey
	}
	if !slices.Contains(GetAvailableVoices(), s.voice) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVoice, s.voice)
	}
	if err := s.encodingInfo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}

	var err error
	if s.syntheses, err = meter.Int64Counter("deepgram.speak.syntheses",
		metric.WithDescription("Sentences synthesized through the speak socket"),
	); err != nil {
		logger.Warn("failed to create synthesis counter", "error", err)
	}

	return s, nil
}

// SetPool makes later syntheses lease sockets from pool. The pool's
// synthesis endpoint should be [Synthesizer.Endpoint].
func (s *Synthesizer) SetPool(pool *connpool.Pool) {
	s.pool.Store(pool)
}

// Endpoint is the speak socket for the synthesizer's default voice.
func (s *Synthesizer) Endpoint() connpool.Endpoint {
	return s.endpoint(s.voice, s.encodingInfo)
}

func (s *Synthesizer) endpoint(voice Voice, encodingInfo audio.EncodingInfo) connpool.Endpoint {
	query := url.Values{}
	query.Set("encoding", encodingInfo.Format.Name())
	query.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	query.Set("model", string(voice))
	query.Set("container", "none")

	return connpool.Endpoint{
		URL:    s.url + "?" + query.Encode(),
		Header: http.Header{"Authorization": {"token " + s.apiKey}},
	}
}
