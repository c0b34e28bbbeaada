// Package openrouter implements provider.Provider against the OpenRouter.ai
// chat completions API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/ai/provider"
	"github.com/teranos/scribe/errors"
)

const (
	// DefaultModel is used when none is configured
	DefaultModel = "openai/gpt-4o-mini"
	// DefaultBaseURL is OpenRouter's API root
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	// DefaultMaxTokens applies when neither the prompt nor config sets one
	DefaultMaxTokens = 1000
)

// Config holds client configuration
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64 // nil = 0.2
	MaxTokens   int      // 0 = DefaultMaxTokens
	Timeout     time.Duration
	Title       string // X-Title header shown in the OpenRouter dashboard
	Logger      *zap.SugaredLogger
}

// Client is an OpenRouter chat completions client
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

var _ provider.Provider = (*Client)(nil)

// NewClient creates a client, applying defaults for unset fields
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.Title == "" {
		config.Title = "scribe"
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// ChatCompletionRequest is the wire request body
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message is a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the wire response body
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is token accounting as reported by the API
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *Client) Name() provider.Name { return provider.NameOpenRouter }
func (c *Client) Model() string       { return c.config.Model }

// IsConfigured returns true if the client has an API key
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// CreateChatCompletion sends one chat completion request. Failures are
// classified: 429, 408 and 5xx as well as network errors are transient.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("X-Title", c.config.Title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(errors.Wrap(err, "failed to send request"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.ClassifyTransport(errors.Wrap(err, "failed to read response"))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyStatus(resp.StatusCode, string(respBody))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &chatResp, nil
}

// Complete implements provider.Provider. It makes exactly one request;
// retries belong to the job scheduler.
func (c *Client) Complete(ctx context.Context, p provider.Prompt) (provider.Completion, error) {
	if c.config.APIKey == "" {
		return provider.Completion{}, errors.WithHint(
			errors.New("OpenRouter API key not configured"),
			"set SCRIBE_PROVIDER_API_KEY or provider.api_key")
	}

	maxTokens := c.config.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}

	messages := []Message{{Role: "user", Content: p.Text}}
	if p.System != "" {
		messages = append([]Message{{Role: "system", Content: p.System}}, messages...)
	}

	c.logger.Debugw("OpenRouter request",
		"model", c.config.Model,
		"max_tokens", maxTokens,
		"prompt_length", len(p.Text),
	)

	resp, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: *c.config.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		c.logger.Warnw("OpenRouter API error", "model", c.config.Model, "error", err,
			"transient", errors.IsTransient(err))
		return provider.Completion{}, errors.Wrap(err, "OpenRouter API error")
	}

	if len(resp.Choices) == 0 {
		return provider.Completion{}, errors.MarkTransient(errors.New("no response choices from OpenRouter"))
	}

	model := resp.Model
	if model == "" {
		model = c.config.Model
	}

	c.logger.Debugw("OpenRouter response",
		"model", model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	return provider.Completion{
		Content:          strings.TrimSpace(resp.Choices[0].Message.Content),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Cost:             provider.CalculateCost(c.config.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Model:            model,
	}, nil
}
