package analyst

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

var ErrNoCompleter = errors.New("completion endpoint not configured")

// Prompt is one system + user exchange sent to a completion service.
type Prompt struct {
	System string
	User   string
}

type Completion struct {
	Text       string
	TokensUsed int
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (Completion, error) {
	return f(ctx, p)
}

// StatusError is returned when the completion service answers non-2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("completion status %d: %s", e.StatusCode, e.Body)
}

// OpenAICompleter talks to an OpenAI-compatible chat completions API.
// BaseURL is the API root, e.g. https://api.openai.com/v1.
type OpenAICompleter struct {
	BaseURL string
	Model   string
	client  openai.Client
}

func NewOpenAICompleter(baseURL, model, apiKey string, timeout time.Duration) *OpenAICompleter {
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		// a failed completion fails the stage, no retries
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompleter{BaseURL: baseURL, Model: model, client: openai.NewClient(opts...)}
}

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if c == nil || strings.TrimSpace(c.BaseURL) == "" {
		return Completion{}, ErrNoCompleter
	}
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			body := apiErr.Message
			if body == "" {
				body = apiErr.Error()
			}
			return Completion{}, StatusError{StatusCode: apiErr.StatusCode, Body: body}
		}
		return Completion{}, fmt.Errorf("completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("completion returned no choices")
	}
	return Completion{Text: resp.Choices[0].Message.Content, TokensUsed: int(resp.Usage.TotalTokens)}, nil
}
