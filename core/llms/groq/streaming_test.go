package groq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-turncore/core/llms"
)

func newSSEServer(t *testing.T, lines []string, received *requestBody) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		if received != nil {
			if err := json.NewDecoder(r.Body).Decode(received); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStreamYieldsContentDeltasInOrder(t *testing.T) {
	var received requestBody
	server := newSSEServer(t, []string{
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" there."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"x_groq":{"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}}`,
		endMessage,
	}, &received)

	client := NewClient(WithAPIKey("test-key"), WithURL(server.URL), WithSystemPrompt("be brief"))
	prompt := "say hello"
	stream := client.PromptWithStream(context.Background(), &prompt, llms.WithTurns(
		llms.Turn{Role: llms.TurnRoleUser, Content: "hi"},
		llms.Turn{Role: llms.TurnRoleAssistant, Content: "abandoned", Cancelled: true},
		llms.Turn{Role: llms.TurnRoleAssistant, Content: "hey"},
	))

	var content string
	var finishReason string
	var usage *llms.Usage
	for chunk, err := range stream.Chunks(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		switch typed := chunk.(type) {
		case llms.StreamUsageChunk:
			u := typed.Usage()
			usage = &u
		case llms.StreamContentChunk:
			content += typed.Content()
			if reason := typed.FinishReason(); reason != nil {
				finishReason = *reason
			}
		}
	}

	if content != "Hello there." {
		t.Fatalf("expected concatenated content, got %q", content)
	}
	if finishReason != "stop" {
		t.Fatalf("expected stop finish reason, got %q", finishReason)
	}
	if usage == nil || usage.TotalTokens != 10 {
		t.Fatalf("expected usage with 10 total tokens, got %+v", usage)
	}

	wantRoles := []messageRole{messageRoleSystem, messageRoleUser, messageRoleAssistant, messageRoleUser}
	if len(received.Messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %+v", len(wantRoles), received.Messages)
	}
	for i, role := range wantRoles {
		if received.Messages[i].Role != role {
			t.Fatalf("message %d: expected role %q, got %q", i, role, received.Messages[i].Role)
		}
	}
	if received.Messages[3].Content != "say hello" {
		t.Fatalf("expected prompt last, got %q", received.Messages[3].Content)
	}
	if !received.Stream {
		t.Fatal("expected streaming request")
	}
}

func TestStreamReportsGenerationFailureOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	client := NewClient(WithAPIKey("test-key"), WithURL(server.URL))
	prompt := "hello"
	_, err := llms.StreamText(context.Background(), client.PromptWithStream(context.Background(), &prompt))
	if !errors.Is(err, llms.ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}
}

func TestStreamSkipsMalformedChunks(t *testing.T) {
	server := newSSEServer(t, []string{
		`{"choices":[{"delta":{"content":"One."}}]}`,
		`{not json`,
		`{"choices":[{"delta":{"content":" Two."}}]}`,
		endMessage,
	}, nil)

	client := NewClient(WithAPIKey("test-key"), WithURL(server.URL))
	prompt := "count"
	text, err := llms.StreamText(context.Background(), client.PromptWithStream(context.Background(), &prompt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "One. Two." {
		t.Fatalf("expected malformed chunk to be skipped, got %q", text)
	}
}

func TestToMessagesOmitsEmptyInstructions(t *testing.T) {
	messages := toMessages("", []llms.Turn{{Role: llms.TurnRoleUser, Content: "hi"}})
	if len(messages) != 1 || messages[0].Role != messageRoleUser || messages[0].Content != "hi" {
		t.Fatalf("unexpected messages %+v", messages)
	}
}
