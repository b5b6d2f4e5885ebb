package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

// CompletionRequest is a single chat completion call
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSONResponse asks the API to return a JSON object. Only honored for
	// the official OpenAI endpoint; local inference servers frequently
	// reject the response_format parameter.
	JSONResponse bool
}

// Completer is the LLM surface the classifier and extractor call into
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Client wraps an OpenAI-compatible chat completion endpoint
type Client struct {
	api     openai.Client
	model   string
	baseURL string
	timeout time.Duration
	logger  *logrus.Logger
}

// ClientConfig holds LLM endpoint settings
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewClient creates a new LLM client
func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		api:     openai.NewClient(opts...),
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		timeout: timeout,
		logger:  logger,
	}
}

// Complete runs a chat completion and returns the assistant message text
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSONResponse && c.supportsJSONFormat() {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", wrapAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// supportsJSONFormat reports whether the endpoint accepts response_format
func (c *Client) supportsJSONFormat() bool {
	return c.baseURL == "" || strings.Contains(c.baseURL, "api.openai.com")
}

// wrapAPIError converts SDK errors into a StatusError so the breaker can
// classify them without depending on SDK internals.
func wrapAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &StatusError{Code: apiErr.StatusCode, Message: apiErr.Message}
	}
	return err
}
