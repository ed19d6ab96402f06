package groq

import (
	"context"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/koscakluka/ema-turncore/core/llms"
)

const (
	url = "https://api.groq.com/openai/v1/chat/completions"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"

	DefaultModel = "llama-3.1-8b-instant"
)

// Client streams chat completions from Groq. It is safe for concurrent use.
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

// WithURL points the client at a different OpenAI compatible endpoint.
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

// NewClient creates a client. The API key defaults to GROQ_API_KEY.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiKey: os.Getenv("GROQ_API_KEY"),
		model:  DefaultModel,
		url:    url,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(c)
	}

	requests, err := meter.Int64Counter("groq.requests",
		metric.WithDescription("Chat completion requests by outcome."))
	if err != nil {
		logger.Warn("failed to create request counter", "error", err)
	}
	c.requests = requests

	return c
}

// PromptWithStream prepares a streaming completion for prompt. Nothing is
// sent until the returned stream is ranged over.
func (c *Client) PromptWithStream(_ context.Context, prompt *string, opts ...llms.StreamingPromptOption) llms.Stream {
	options := llms.NewStreamingPromptOptions(append([]llms.StreamingPromptOption{
		llms.WithSystemPrompt(c.systemPrompt),
	}, opts...)...)

	messages := toMessages(options.Instructions, options.Turns)
	if prompt != nil {
		messages = append(messages, message{
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
