package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/koscakluka/ema-turncore/core/llms"
	"github.com/koscakluka/ema-turncore/internal/utils"
)

const (
	eventPrefix = "event:"
	chunkPrefix = "data:"
)

type streamingEventType string

const (
	eventOutputTextDelta streamingEventType = "response.output_text.delta"
	eventCompleted       streamingEventType = "response.completed"
	eventIncomplete      streamingEventType = "response.incomplete"
	eventFailed          streamingEventType = "response.failed"
	eventError           streamingEventType = "error"
)

var errResponseFailed = errors.New("response failed")

type Stream struct {
	client *Client

	model    string
	messages []openAIMessage
}

type requestBody struct {
	Model  string          `json:"model"`
	Input  []openAIMessage `json:"input"`
	Stream bool            `json:"stream"`
}

type outputTextDelta struct {
	Delta string `json:"delta"`
}

type responseEvent struct {
	Response struct {
		Status            string `json:"status"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details,omitempty"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
		Usage *responseBodyUsage `json:"usage,omitempty"`
	} `json:"response"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseBodyUsage struct {
	InputTokens        int `json:"input_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
	OutputTokens        int `json:"output_tokens"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details,omitempty"`
	TotalTokens int `json:"total_tokens"`
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", s.model))

		fail := func(err error) {
			err = fmt.Errorf("%w: %w", llms.ErrGenerationFailed, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.client.count(ctx, "failed")
			yield(nil, err)
		}

		requestBodyBytes, err := json.Marshal(requestBody{
			Model:  s.model,
			Input:  s.messages,
			Stream: true,
		})
		if err != nil {
			fail(fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.url, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

		requestStart := time.Now()
		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("llm stream cancelled before response", "error", err)
				yield(nil, ctx.Err())
				return
			}
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		firstToken := true
		var event streamingEventType
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, eventPrefix) {
				event = streamingEventType(strings.TrimSpace(strings.TrimPrefix(line, eventPrefix)))
				continue
			}
			if !strings.HasPrefix(line, chunkPrefix) {
				continue
			}
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix)))

			switch event {
			case eventOutputTextDelta:
				var delta outputTextDelta
				if err := json.Unmarshal(data, &delta); err != nil {
					span.RecordError(fmt.Errorf("error unmarshalling JSON: %w", err))
					continue
				}
				if firstToken {
					firstToken = false
					span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestStart).Seconds()))
				}
				if delta.Delta == "" {
					continue
				}
				if !yield(StreamContentChunk{content: delta.Delta}, nil) {
					return
				}

			case eventCompleted, eventIncomplete:
				var completed responseEvent
				if err := json.Unmarshal(data, &completed); err != nil {
					span.RecordError(fmt.Errorf("error unmarshalling JSON: %w", err))
					continue
				}
				finishReason := "stop"
				if completed.Response.IncompleteDetails != nil {
					finishReason = completed.Response.IncompleteDetails.Reason
				}
				if completed.Response.Usage != nil {
					usage := completed.Response.Usage.toUsage()
					setUsageAttributes(span, usage)
					if !yield(StreamUsageChunk{usage: usage}, nil) {
						return
					}
				}
				s.client.count(ctx, "completed")
				yield(StreamContentChunk{finishReason: &finishReason}, nil)
				return

			case eventFailed:
				var failed responseEvent
				_ = json.Unmarshal(data, &failed)
				if failed.Response.Error != nil {
					fail(fmt.Errorf("%w: %s: %s", errResponseFailed, failed.Response.Error.Code, failed.Response.Error.Message))
				} else {
					fail(errResponseFailed)
				}
				return

			case eventError:
				var errEvent errorEvent
				_ = json.Unmarshal(data, &errEvent)
				fail(fmt.Errorf("%w: %s: %s", errResponseFailed, errEvent.Code, errEvent.Message))
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				logger.Debug("llm stream cancelled while reading", "error", err)
				yield(nil, ctx.Err())
				return
			}
			fail(fmt.Errorf("error reading streamed response: %w", err))
			return
		}
		fail(errors.New("response ended before completing"))
	}
}

func (u responseBodyUsage) toUsage() llms.Usage {
	usage := llms.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.InputTokensDetails != nil {
		usage.InputTokensDetails = utils.Ptr(llms.InputTokensDetails{CachedTokens: u.InputTokensDetails.CachedTokens})
	}
	if u.OutputTokensDetails != nil {
		usage.OutputTokensDetails = utils.Ptr(llms.OutputTokensDetails{ReasoningTokens: u.OutputTokensDetails.ReasoningTokens})
	}
	return usage
}

func setUsageAttributes(span trace.Span, usage llms.Usage) {
	span.SetAttributes(
		attribute.Int("usage.input", usage.InputTokens),
		attribute.Int("usage.output", usage.OutputTokens),
		attribute.Int("usage.total", usage.TotalTokens),
	)
	if usage.InputTokensDetails != nil {
		span.SetAttributes(attribute.Int("usage.cached", usage.InputTokensDetails.CachedTokens))
	}
	if usage.OutputTokensDetails != nil {
		span.SetAttributes(attribute.Int("usage.reasoning", usage.OutputTokensDetails.ReasoningTokens))
	}
}

func (c *Client) count(ctx context.Context, outcome string) {
	if c.requests == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("openai.outcome", outcome)))
}

type StreamContentChunk struct {
	finishReason *string
	content      string
}

func (s StreamContentChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamContentChunk) Content() string {
	return s.content
}

type StreamUsageChunk struct {
	usage llms.Usage
}

func (s StreamUsageChunk) FinishReason() *string {
	return nil
}

func (s StreamUsageChunk) Usage() llms.Usage {
	return s.usage
}
