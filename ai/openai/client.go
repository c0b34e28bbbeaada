// Package openai implements provider.Provider on the official OpenAI Go SDK.
// Any OpenAI-compatible endpoint works through Config.BaseURL.
package openai

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"github.com/teranos/scribe/ai/provider"
	"github.com/teranos/scribe/errors"
)

// DefaultModel is used when none is configured
const DefaultModel = "gpt-4o-mini"

// Config holds adapter configuration
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	Logger      *zap.SugaredLogger
}

// Client adapts the SDK chat completions service to provider.Provider
type Client struct {
	sdk    openai.Client
	config Config
	logger *zap.SugaredLogger
}

var _ provider.Provider = (*Client)(nil)

// NewClient builds the SDK client. SDK-level retries are disabled; the
// scheduler owns retry policy.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1000
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	return &Client{
		sdk:    openai.NewClient(opts...),
		config: config,
		logger: logger,
	}
}

func (c *Client) Name() provider.Name { return provider.NameOpenAI }
func (c *Client) Model() string       { return c.config.Model }

// Complete sends one chat completion request
func (c *Client) Complete(ctx context.Context, p provider.Prompt) (provider.Completion, error) {
	if c.config.APIKey == "" {
		return provider.Completion{}, errors.WithHint(
			errors.New("OpenAI API key not configured"),
			"set SCRIBE_PROVIDER_API_KEY or OPENAI_API_KEY")
	}

	maxTokens := c.config.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.Text))

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.config.Model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if c.config.Temperature != nil {
		params.Temperature = openai.Float(*c.config.Temperature)
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		err = classify(err)
		c.logger.Warnw("OpenAI API error", "model", c.config.Model, "error", err,
			"transient", errors.IsTransient(err))
		return provider.Completion{}, errors.Wrap(err, "OpenAI API error")
	}

	if len(resp.Choices) == 0 {
		return provider.Completion{}, errors.MarkTransient(errors.New("no response choices from OpenAI"))
	}

	promptTokens := int(resp.Usage.PromptTokens)
	completionTokens := int(resp.Usage.CompletionTokens)
	model := resp.Model
	if model == "" {
		model = c.config.Model
	}

	return provider.Completion{
		Content:          strings.TrimSpace(resp.Choices[0].Message.Content),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             provider.CalculateCost(c.config.Model, promptTokens, completionTokens),
		Model:            model,
	}, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.ClassifyStatus(apiErr.StatusCode, apiErr.Message)
	}
	return provider.ClassifyTransport(err)
}
