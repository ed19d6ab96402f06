package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-turncore/core/audio"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type serverMessage struct {
	Type        string `json:"type"`
	SequenceID  int    `json:"sequence_id"`
	Description string `json:"description"`
	Code        string `json:"code"`
}

var (
	flushMsg = speakMessage{Type: "Flush"}
	speakMsg = func(text string) speakMessage { return speakMessage{Type: "Speak", Text: text} }
)

// Synthesize speaks text and returns the raw audio Deepgram produced for it.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice texttospeech.VoiceParams) (texttospeech.AudioRef, error) {
	ctx, span := tracer.Start(ctx, "deepgram speak")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return texttospeech.AudioRef{}, texttospeech.ErrEmptyText
	}

	model := s.voice
	if voice.Voice != "" {
		model = Voice(voice.Voice)
	}
	encodingInfo := s.encodingInfo
	if !voice.EncodingInfo.IsZero() {
		encodingInfo = voice.EncodingInfo
	}
	span.SetAttributes(
		attribute.String("deepgram.voice", string(model)),
		attribute.Int("text.length", len(text)),
	)

	conn, done, err := s.connect(ctx, model, encodingInfo)
	if err != nil {
		err = fmt.Errorf("%w: %w", texttospeech.ErrSynthesisFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.count(ctx, "connect_failed")
		return texttospeech.AudioRef{}, err
	}

	data, err := speak(ctx, conn, text)
	done(err == nil)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("synthesis cancelled", "error", err)
			s.count(ctx, "cancelled")
			return texttospeech.AudioRef{}, ctx.Err()
		}
		err = fmt.Errorf("%w: %w", texttospeech.ErrSynthesisFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.count(ctx, "failed")
		return texttospeech.AudioRef{}, err
	}

	s.count(ctx, "ok")
	span.SetAttributes(attribute.Int("audio.bytes", len(data)))
	return texttospeech.AudioRef{
		Data:     data,
		Duration: texttospeech.EstimateDuration(data, encodingInfo),
	}, nil
}

// connect leases a pooled socket when the request matches the pool's
// endpoint and dials a dedicated one otherwise. The returned func gives the
// socket back, a socket left mid-response is discarded.
func (s *Synthesizer) connect(ctx context.Context, voice Voice, encodingInfo audio.EncodingInfo) (*connpool.WebsocketConn, func(healthy bool), error) {
	if pool := s.pool.Load(); pool != nil && voice == s.voice && encodingInfo == s.encodingInfo {
		lease, err := pool.AcquireOrOpen(ctx, connpool.ProviderSynthesis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to lease speak socket: %w", err)
		}
		conn, ok := lease.Handle().(*connpool.WebsocketConn)
		if !ok {
			lease.Discard()
			return nil, nil, fmt.Errorf("unexpected speak connection %T", lease.Handle())
		}
		return conn, func(healthy bool) {
			if !healthy {
				lease.Discard()
				return
			}
			if err := lease.Release(); err != nil {
				logger.Warn("failed to release speak socket", "error", err)
			}
		}, nil
	}

	transport := connpool.NewWebsocketTransport(map[connpool.Provider]connpool.Endpoint{
		connpool.ProviderSynthesis: s.endpoint(voice, encodingInfo),
	})
	handle, err := transport.Open(ctx, connpool.ProviderSynthesis)
	if err != nil {
		return nil, nil, err
	}
	conn := handle.(*connpool.WebsocketConn)
	return conn, func(bool) { _ = transport.Close(conn) }, nil
}

// speak sends one sentence and collects binary frames until Deepgram
// confirms the flush.
func speak(ctx context.Context, conn *connpool.WebsocketConn, text string) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := conn.WriteJSON(speakMsg(text)); err != nil {
		return nil, fmt.Errorf("failed to send text: %w", err)
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	var data bytes.Buffer
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read from speak socket: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			data.Write(msg)
		case websocket.TextMessage:
			var parsed serverMessage
			if err := json.Unmarshal(msg, &parsed); err != nil {
				logger.Debug("skipping malformed speak message", "error", err)
				continue
			}

			switch parsed.Type {
			case "Flushed":
				return data.Bytes(), nil
			case "Warning":
				logger.Warn("deepgram speak warning", "code", parsed.Code, "description", parsed.Description)
			case "Error":
				return nil, fmt.Errorf("deepgram error %s: %s", parsed.Code, parsed.Description)
			}
		}
	}
}

func (s *Synthesizer) count(ctx context.Context, outcome string) {
	if s.syntheses == nil {
		return
	}
	s.syntheses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
