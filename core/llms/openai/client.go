package openai

import (
	"context"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/koscakluka/ema-turncore/core/llms"
)

const (
	url = "https://api.openai.com/v1/responses"

	DefaultModel = "gpt-4.1-mini"
)

// Client streams responses from the OpenAI Responses API. It is safe for
// concurrent use.
type Client struct {
	apiKey       string
	model        string
	systemPrompt string
	url          string

	httpClient *http.Client
	requests   metric.Int64Counter
}

type ClientOption func(*Client)

func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model == "" {
			return
		}
		c.model = model
	}
}

func WithSystemPrompt(prompt string) ClientOption {
	return func(c *Client) { c.systemPrompt = prompt }
}

func WithURL(endpoint string) ClientOption {
	return func(c *Client) { c.url = endpoint }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client == nil {
			return
		}
		c.httpClient = client
	}
}

// NewClient creates a client. The API key defaults to OPENAI_API_KEY.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     os.Getenv("OPENAI_API_KEY"),
		model:      DefaultModel,
		url:        url,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}

	requests, err := meter.Int64Counter("openai.requests",
		metric.WithDescription("Response requests by outcome."))
	if err != nil {
		logger.Warn("failed to create request counter", "error", err)
	}
	c.requests = requests

	return c
}

// PromptWithStream prepares a streaming response for prompt. Nothing is
// sent until the returned stream is ranged over.
func (c *Client) PromptWithStream(_ context.Context, prompt *string, opts ...llms.StreamingPromptOption) llms.Stream {
	options := llms.NewStreamingPromptOptions(append([]llms.StreamingPromptOption{
		llms.WithSystemPrompt(c.systemPrompt),
	}, opts...)...)

	messages := toOpenAIMessages(options.Instructions, options.Turns)
	if prompt != nil {
		messages = append(messages, openAIMessage{
			Type:    messageTypeMessage,
			Role:    messageRoleUser,
			Content: *prompt,
		})
	}

	return &Stream{
		client:   c,
		model:    c.model,
		messages: messages,
	}
}
