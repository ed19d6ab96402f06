// Command turncore runs a voice turn loop: raw linear16 PCM on stdin is
// transcribed, answered and spoken back as raw PCM on stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/koscakluka/ema-turncore/config"
	orchestration "github.com/koscakluka/ema-turncore/core"
	"github.com/koscakluka/ema-turncore/core/connpool"
	"github.com/koscakluka/ema-turncore/core/llms/groq"
	"github.com/koscakluka/ema-turncore/core/llms/openai"
	"github.com/koscakluka/ema-turncore/core/metrics/prometheus"
	"github.com/koscakluka/ema-turncore/core/speculation"
	"github.com/koscakluka/ema-turncore/core/speechtotext"
	stt "github.com/koscakluka/ema-turncore/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-turncore/core/texttospeech"
	tts "github.com/koscakluka/ema-turncore/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-turncore/internal/telemetry"
)

const systemPrompt = "You are a helpful voice assistant. Answer in short spoken sentences."

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.TracesEndpoint, "turncore")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("turncore stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	synthesizer, err := tts.NewSynthesizer(tts.WithAPIKey(cfg.DeepgramAPIKey), tts.WithVoice(tts.Voice(cfg.TTSVoice)))
	if err != nil {
		return err
	}
	transcriber, err := stt.NewTranscriber(stt.WithAPIKey(cfg.DeepgramAPIKey))
	if err != nil {
		return err
	}

	pool := connpool.New(connpool.NewWebsocketTransport(map[connpool.Provider]connpool.Endpoint{
		connpool.ProviderSynthesis:     synthesizer.Endpoint(),
		connpool.ProviderTranscription: transcriber.Endpoint(),
	}), cfg.PoolOptions()...)
	defer pool.Shutdown()
	if err := pool.Initialize(ctx); err != nil {
		logger.Warn("pool warm up incomplete", "error", err)
	}
	synthesizer.SetPool(pool)
	transcriber.SetPool(pool)

	out := &speaker{w: bufio.NewWriter(os.Stdout), logger: logger}
	coordinator := orchestration.NewCoordinator(append(cfg.CoordinatorOptions(),
		orchestration.WithGenerator(newGenerator(cfg)),
		orchestration.WithSynthesizer(synthesizer),
		orchestration.WithPool(pool),
		orchestration.WithSystemPrompt(systemPrompt),
		orchestration.WithBaseContext(ctx),
		orchestration.WithAudioReadyCallback(func(_ int, audio texttospeech.AudioRef) { out.play(audio) }),
		orchestration.WithBackchannelCallback(func(_ string, audio texttospeech.AudioRef) { out.play(audio) }),
		orchestration.WithTurnEndedCallback(func(result orchestration.TurnResult) {
			logger.Info("turn ended",
				"turn_id", result.TurnID,
				"text", result.Text,
				"first_audio_latency", result.FirstAudioLatency,
				"speculated", result.Speculated,
				"outcome", result.SpeculationOutcome,
			)
		}),
	)...)
	defer coordinator.Close()
	if err := coordinator.Warm(ctx); err != nil {
		logger.Warn("backchannel warm up incomplete", "error", err)
	}

	exporter := prometheus.NewExporter(cfg.MetricsAddress, prometheus.NewCollector(coordinator.Metrics))
	go func() {
		if err := exporter.Start(); err != nil {
			logger.Warn("metrics exporter stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exporter.Shutdown(shutdownCtx)
	}()

	transcripts := make(chan transcriptEvent, 64)
	stream, err := transcriber.Transcribe(ctx,
		speechtotext.WithPartialTranscriptCallback(func(t speechtotext.Transcript) {
			select {
			case transcripts <- transcriptEvent{Transcript: t}:
			default:
				logger.Debug("dropping partial transcript behind a busy turn", "text", t.Text)
			}
		}),
		speechtotext.WithFinalTranscriptCallback(func(t speechtotext.Transcript) {
			select {
			case transcripts <- transcriptEvent{Transcript: t, final: true}:
			case <-ctx.Done():
			}
		}),
	)
	if err != nil {
		return err
	}
	defer stream.Close()

	go consumeTranscripts(ctx, transcripts, coordinator, logger)

	return pump(ctx, os.Stdin, stream)
}

type transcriptEvent struct {
	speechtotext.Transcript
	final bool
}

type turnSubmitter interface {
	SubmitPartial(ctx context.Context, text string, confidence float64) speculation.PartialDecision
	SubmitFinal(ctx context.Context, text string, confidence float64) (orchestration.TurnResult, error)
}

// consumeTranscripts hands transcripts to the coordinator one at a time in
// the order the recognizer produced them. A partial is never submitted
// while an earlier final is still being answered.
func consumeTranscripts(ctx context.Context, transcripts <-chan transcriptEvent, submitter turnSubmitter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transcripts:
			if !ok {
				return
			}
			if !t.final {
				submitter.SubmitPartial(ctx, t.Text, t.Confidence)
				continue
			}
			if _, err := submitter.SubmitFinal(ctx, t.Text, t.Confidence); err != nil {
				logger.Warn("turn ended with error", "error", err)
			}
		}
	}
}

func newGenerator(cfg config.Config) orchestration.Generator {
	if cfg.LLMProvider == config.LLMProviderOpenAI {
		return openai.NewClient(openai.WithAPIKey(cfg.OpenAIAPIKey), openai.WithModel(cfg.OpenAIModel))
	}
	return groq.NewClient(groq.WithAPIKey(cfg.GroqAPIKey), groq.WithModel(cfg.GroqModel))
}

// pump forwards stdin to the transcription stream in 20ms frames.
func pump(ctx context.Context, r io.Reader, stream *stt.Stream) error {
	frame := make([]byte, 640)
	for {
		n, err := io.ReadFull(r, frame)
		if n > 0 {
			if sendErr := stream.SendAudio(frame[:n]); sendErr != nil {
				return sendErr
			}
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			<-ctx.Done()
			return ctx.Err()
		case err != nil:
			return err
		}
	}
}

type speaker struct {
	mu     sync.Mutex
	w      *bufio.Writer
	logger *slog.Logger
}

func (s *speaker) play(audio texttospeech.AudioRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(audio.Data); err != nil {
		s.logger.Warn("failed to write audio", "error", err)
		return
	}
	_ = s.w.Flush()
}
