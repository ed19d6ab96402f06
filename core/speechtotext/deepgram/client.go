package deepgram

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/koscakluka/ema-turncore/core/audio"
	"github.com/koscakluka/ema-turncore/core/connpool"
)

const (
	defaultURL      = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en-US"
)

var ErrMissingAPIKey = errors.New("deepgram api key not found")

var keepAliveMsg = []byte(`{"type":"KeepAlive"}`)

// Transcriber streams audio to Deepgram's listen socket. With a pool set,
// streams in the transcriber's default encoding start on a warm socket.
type Transcriber struct {
	apiKey       string
	url          string
	model        string
	language     string
	encodingInfo audio.EncodingInfo

	pool atomic.Pointer[connpool.Pool]
}

type TranscriberOption func(*Transcriber)

func WithAPIKey(apiKey string) TranscriberOption {
	return func(t *Transcriber) { t.apiKey = apiKey }
}

func WithURL(url string) TranscriberOption {
	return func(t *Transcriber) { t.url = url }
}

func WithModel(model string) TranscriberOption {
	return func(t *Transcriber) { t.model = model }
}

func WithLanguage(language string) TranscriberOption {
	return func(t *Transcriber) { t.language = language }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriberOption {
	return func(t *Transcriber) {
		if encodingInfo.IsZero() {
			return
		}
		t.encodingInfo = encodingInfo
	}
}

func WithPool(pool *connpool.Pool) TranscriberOption {
	return func(t *Transcriber) { t.pool.Store(pool) }
}

func NewTranscriber(opts ...TranscriberOption) (*Transcriber, error) {
	t := &Transcriber{
		url:          defaultURL,
		model:        defaultModel,
		language:     defaultLanguage,
		encodingInfo: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, ErrMissingAPIKey
		}
		t.apiKey = apiKey
	}
	if err := t.encodingInfo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}

	return t, nil
}

func (t *Transcriber) SetPool(pool *connpool.Pool) {
	t.pool.Store(pool)
}

// Endpoint is the listen socket for the transcriber's default encoding.
func (t *Transcriber) Endpoint() connpool.Endpoint {
	return t.endpoint(t.encodingInfo)
}

func (t *Transcriber) endpoint(encodingInfo audio.EncodingInfo) connpool.Endpoint {
	query := url.Values{}
	query.Set("encoding", encodingInfo.Format.Name())
	query.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	query.Set("channels", "1")
	query.Set("model", t.model)
	query.Set("language", t.language)
	query.Set("smart_format", "true")
	query.Set("interim_results", "true")
	query.Set("utterance_end_ms", "1000")
	query.Set("endpointing", "300")
	query.Set("vad_events", "true")

	return connpool.Endpoint{
		URL:       t.url + "?" + query.Encode(),
		Header:    http.Header{"Authorization": {"Token " + t.apiKey}},
		KeepAlive: keepAliveMsg,
	}
}
