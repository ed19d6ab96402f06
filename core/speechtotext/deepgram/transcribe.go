package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-turncore/core/audio"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/speechtotext"
	"go.opentelemetry.io/otel/codes"
)

const (
	keepAliveInterval = 5 * time.Second
	closeWait         = 2 * time.Second
)

var ErrStreamClosed = errors.New("transcription stream closed")

type controlMessage struct {
	Type string `json:"type"`
}

// Stream is one open transcription. Audio goes in through SendAudio,
// transcripts come out through the callbacks it was opened with.
type Stream struct {
	conn    *connpool.WebsocketConn
	release func()
	options speechtotext.TranscriptionOptions

	lastAudio atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// utterance state, only touched by the reader
	segments       []string
	confidence     float64
	unendedSegment bool
}

// Transcribe opens a stream. The stream ends when ctx is cancelled or Close
// is called.
func (t *Transcriber) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "open transcription stream")
	defer span.End()

	options := speechtotext.NewTranscriptionOptions(opts...)
	if err := options.EncodingInfo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}

	conn, release, err := t.connect(ctx, options.EncodingInfo)
	if err != nil {
		err = fmt.Errorf("failed to open listen socket: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		conn:    conn,
		release: release,
		options: options,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.lastAudio.Store(time.Now().UnixNano())

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	go func() {
		defer stop()
		defer close(s.done)
		s.readMessages()
	}()
	go s.keepAlive(streamCtx)

	return s, nil
}

// connect leases a warm socket when the encoding matches the pool's
// endpoint. A listen socket cannot be reused once its stream is closed, so
// pooled sockets are handed back for repair rather than released.
func (t *Transcriber) connect(ctx context.Context, encodingInfo audio.EncodingInfo) (*connpool.WebsocketConn, func(), error) {
	if pool := t.pool.Load(); pool != nil && encodingInfo == t.encodingInfo {
		lease, err := pool.AcquireOrOpen(ctx, connpool.ProviderTranscription)
		if err != nil {
			return nil, nil, err
		}
		conn, ok := lease.Handle().(*connpool.WebsocketConn)
		if !ok {
			lease.Discard()
			return nil, nil, fmt.Errorf("unexpected listen connection %T", lease.Handle())
		}
		return conn, lease.Discard, nil
	}

	transport := connpool.NewWebsocketTransport(map[connpool.Provider]connpool.Endpoint{
		connpool.ProviderTranscription: t.endpoint(encodingInfo),
	})
	handle, err := transport.Open(ctx, connpool.ProviderTranscription)
	if err != nil {
		return nil, nil, err
	}
	conn := handle.(*connpool.WebsocketConn)
	return conn, func() { _ = transport.Close(conn) }, nil
}

func (s *Stream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.lastAudio.Store(time.Now().UnixNano())
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// Close asks Deepgram to finish the stream and waits briefly for the
// remaining transcripts before giving up the socket.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if writeErr := s.conn.WriteJSON(controlMessage{Type: string(api.TypeCloseStreamResponse)}); writeErr != nil {
			err = fmt.Errorf("failed to close stream: %w", writeErr)
		}

		select {
		case <-s.done:
		case <-time.After(closeWait):
			logger.Warn("listen socket did not close in time")
			_ = s.conn.SetReadDeadline(time.Now())
			<-s.done
		}
		s.release()
	})
	return err
}

// Done is closed once the socket stopped delivering transcripts.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) readMessages() {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !s.closed.Load() {
				logger.Warn("failed to read listen socket", "error", err)
			}
			s.closed.Store(true)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.processMessage(msg)
	}
}

func (s *Stream) processMessage(msg []byte) {
	var parsed controlMessage
	if err := json.Unmarshal(msg, &parsed); err != nil {
		logger.Debug("skipping malformed listen message", "error", err)
		return
	}

	switch api.TypeResponse(parsed.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			logger.Debug("skipping malformed transcript", "error", err)
			return
		}
		s.onResults(resp)

	case api.TypeUtteranceEndResponse:
		if s.unendedSegment {
			s.onSpeechEnded()
		}

	case api.TypeSpeechStartedResponse:
		s.unendedSegment = true
		s.options.SpeechStartedCallback()
	}
}

func (s *Stream) onResults(resp api.MessageResponse) {
	var transcript string
	var confidence float64
	if len(resp.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		confidence = resp.Channel.Alternatives[0].Confidence
	}

	if transcript != "" {
		s.unendedSegment = true
		if resp.IsFinal {
			if len(s.segments) == 0 || confidence < s.confidence {
				s.confidence = confidence
			}
			s.segments = append(s.segments, transcript)
			s.options.PartialTranscriptCallback(speechtotext.Transcript{
				Text:       strings.Join(s.segments, " "),
				Confidence: confidence,
			})
		} else {
			s.options.PartialTranscriptCallback(speechtotext.Transcript{
				Text:       strings.TrimSpace(strings.Join(append(s.segments, transcript), " ")),
				Confidence: confidence,
			})
		}
	}

	if resp.IsFinal && resp.SpeechFinal {
		s.onSpeechEnded()
	}
}

func (s *Stream) onSpeechEnded() {
	s.unendedSegment = false
	if len(s.segments) > 0 {
		s.options.FinalTranscriptCallback(speechtotext.Transcript{
			Text:       strings.Join(s.segments, " "),
			Confidence: s.confidence,
		})
	}
	s.segments = nil
	s.confidence = 0
	s.options.SpeechEndedCallback()
}

// keepAlive stops Deepgram from closing the socket while no audio flows.
func (s *Stream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval / 5)
	defer ticker.Stop()

	lastKeepAlive := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastAudio.Load()))
			if idle < keepAliveInterval || time.Since(lastKeepAlive) < keepAliveInterval {
				continue
			}
			lastKeepAlive = time.Now()
			if err := s.conn.WriteMessage(websocket.TextMessage, keepAliveMsg); err != nil {
				logger.Warn("failed to send keep alive", "error", err)
			}
		}
	}
}
