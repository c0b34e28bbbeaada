package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/ai/provider"
	"github.com/teranos/scribe/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int) {
	t.Helper()
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	return NewClient(Config{APIKey: "test-key", BaseURL: server.URL + "/"}), &calls
}

func TestClient_Configuration(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewClient(Config{APIKey: "test-key"})

		assert.Equal(t, DefaultModel, client.config.Model)
		assert.Equal(t, DefaultBaseURL, client.config.BaseURL)
		require.NotNil(t, client.config.Temperature)
		assert.Equal(t, 0.2, *client.config.Temperature)
		assert.Equal(t, DefaultMaxTokens, client.config.MaxTokens)
		assert.Equal(t, provider.NameOpenRouter, client.Name())
	})

	t.Run("preserves custom values", func(t *testing.T) {
		temp := 0.8
		client := NewClient(Config{
			APIKey:      "test-key",
			Model:       "custom/model",
			Temperature: &temp,
			MaxTokens:   2000,
		})

		assert.Equal(t, "custom/model", client.Model())
		assert.Equal(t, 0.8, *client.config.Temperature)
		assert.Equal(t, 2000, client.config.MaxTokens)
	})

	t.Run("is configured only with an API key", func(t *testing.T) {
		assert.True(t, NewClient(Config{APIKey: "k"}).IsConfigured())
		assert.False(t, NewClient(Config{}).IsConfigured())
	})
}

func TestClient_Complete(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var body ChatCompletionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 500, body.MaxTokens)
			require.Len(t, body.Messages, 2)
			assert.Equal(t, "system", body.Messages[0].Role)

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(ChatCompletionResponse{
				ID:      "test-id",
				Created: time.Now().Unix(),
				Model:   "openai/gpt-4o-mini",
				Choices: []Choice{{Message: Message{Role: "assistant", Content: "  Executive summary text \n"}}},
				Usage:   Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
			})
		})

		got, err := client.Complete(context.Background(), provider.Prompt{
			System:    "You write business plans",
			Text:      "Executive Summary",
			MaxTokens: 500,
		})
		require.NoError(t, err)

		assert.Equal(t, 1, *calls)
		assert.Equal(t, "Executive summary text", got.Content)
		assert.Equal(t, 1500, got.TokensUsed())
		assert.InDelta(t, 0.00045, got.Cost, 1e-9)
		assert.Equal(t, "openai/gpt-4o-mini", got.Model)
	})

	t.Run("missing API key is terminal", func(t *testing.T) {
		_, err := NewClient(Config{}).Complete(context.Background(), provider.Prompt{Text: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key not configured")
		assert.False(t, errors.IsTransient(err))
	})

	t.Run("server errors are transient and not retried in the client", func(t *testing.T) {
		client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
		})

		_, err := client.Complete(context.Background(), provider.Prompt{Text: "x"})
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
		assert.Equal(t, 1, *calls)
	})

	t.Run("rate limit is transient", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		})

		_, err := client.Complete(context.Background(), provider.Prompt{Text: "x"})
		assert.True(t, errors.IsTransient(err))
	})

	t.Run("bad request is terminal", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"context length exceeded"}`, http.StatusBadRequest)
		})

		_, err := client.Complete(context.Background(), provider.Prompt{Text: "x"})
		require.Error(t, err)
		assert.False(t, errors.IsTransient(err))
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("malformed JSON is terminal", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("invalid json"))
		})

		_, err := client.Complete(context.Background(), provider.Prompt{Text: "x"})
		require.Error(t, err)
		assert.False(t, errors.IsTransient(err))
	})

	t.Run("empty choices are transient", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ChatCompletionResponse{})
		})

		_, err := client.Complete(context.Background(), provider.Prompt{Text: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no response choices")
		assert.True(t, errors.IsTransient(err))
	})

	t.Run("timeout is transient", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := client.Complete(ctx, provider.Prompt{Text: "x"})
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	})
}
