package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

type Stream struct {
	client *Client

	model    string
	messages []message
}

type requestBody struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		QueueTime               float64 `json:"queue_time"`
		PromptTokens            int     `json:"prompt_tokens"`
		PromptTime              float64 `json:"prompt_time"`
		CompletionTokens        int     `json:"completion_tokens"`
		CompletionTime          float64 `json:"completion_time"`
		TotalTokens             int     `json:"total_tokens"`
		TotalTime               float64 `json:"total_time"`
		CompletionTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details,omitempty"`
	} `json:"usage,omitempty"`
	XGroq *struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage,omitempty"`
	} `json:"x_groq,omitempty"`
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	requestToFirstTokenTime := time.Time{}
	setRequestToFirstTokenTime := func(span trace.Span) {
		if requestToFirstTokenTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstTokenTime = time.Time{}
	}

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
			Model:    s.model,
			Messages: s.messages,
			Stream:   true,
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

		span.SetAttributes(attribute.String("request.url", req.URL.String()))
		requestToFirstTokenTime = time.Now()
		span.AddEvent("request started")
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
			if errorBody, err := io.ReadAll(resp.Body); err != nil {
				span.RecordError(fmt.Errorf("error reading error body: %w", err))
			} else {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}

			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			setRequestToFirstTokenTime(span)

			if len(chunk) == 0 {
				continue
			}

			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				span.RecordError(fmt.Errorf("error unmarshalling JSON: %w", err))
				continue
			}

			if len(responseBody.Choices) > 0 {
				choice := responseBody.Choices[0]
				if choice.Delta.Content != "" || choice.FinishReason != nil {
					if !yield(StreamContentChunk{
						finishReason: choice.FinishReason,
						content:      choice.Delta.Content,
					}, nil) {
						return
					}
				}
			}

			if usage, ok := responseBody.usage(); ok {
				setUsageAttributes(span, usage)
				if !yield(StreamUsageChunk{usage: usage}, nil) {
					return
				}
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
		s.client.count(ctx, "completed")
	}
}

func (b streamingResponseBody) usage() (llms.Usage, bool) {
	switch {
	case b.Usage != nil:
		usage := llms.Usage{
			InputTokens:         b.Usage.PromptTokens,
			OutputTokens:        b.Usage.CompletionTokens,
			TotalTokens:         b.Usage.TotalTokens,
			QueueTime:           b.Usage.QueueTime,
			InputProcessingTime: b.Usage.PromptTime,
			CompletionTime:      b.Usage.CompletionTime,
			TotalTime:           b.Usage.TotalTime,
		}
		if b.Usage.CompletionTokensDetails != nil {
			usage.OutputTokensDetails = utils.Ptr(llms.OutputTokensDetails{
				ReasoningTokens: b.Usage.CompletionTokensDetails.ReasoningTokens,
			})
		}
		return usage, true
	case b.XGroq != nil && b.XGroq.Usage != nil:
		return llms.Usage{
			InputTokens:  b.XGroq.Usage.PromptTokens,
			OutputTokens: b.XGroq.Usage.CompletionTokens,
			TotalTokens:  b.XGroq.Usage.TotalTokens,
		}, true
	}
	return llms.Usage{}, false
}

func setUsageAttributes(span trace.Span, usage llms.Usage) {
	span.SetAttributes(
		attribute.Int("usage.input", usage.InputTokens),
		attribute.Int("usage.output", usage.OutputTokens),
		attribute.Int("usage.total", usage.TotalTokens),
		attribute.Float64("usage.queue_time", usage.QueueTime),
		attribute.Float64("usage.prompt_time", usage.InputProcessingTime),
		attribute.Float64("usage.completion_time", usage.CompletionTime),
		attribute.Float64("usage.total_time", usage.TotalTime),
	)
	if usage.OutputTokensDetails != nil {
		span.SetAttributes(attribute.Int("usage.reasoning", usage.OutputTokensDetails.ReasoningTokens))
	}
}

func (c *Client) count(ctx context.Context, outcome string) {
	if c.requests == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("groq.outcome", outcome)))
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
	finishReason *string
	usage        llms.Usage
}

func (s StreamUsageChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamUsageChunk) Usage() llms.Usage {
	return s.usage
}
