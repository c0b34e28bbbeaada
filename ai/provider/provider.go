// Package provider defines the content-generation provider contract the
// generation pipeline depends on. Vendor adapters live in sibling packages
// (ai/openai, ai/openrouter) and are selected by ai.NewProvider.
package provider

import (
	"context"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/teranos/scribe/errors"
)

// Name identifies a provider implementation in configuration
type Name string

const (
	// NameOpenAI uses the OpenAI API (or any OpenAI-compatible gateway via base_url)
	NameOpenAI Name = "openai"
	// NameOpenRouter uses OpenRouter.ai
	NameOpenRouter Name = "openrouter"
	// NameEcho returns deterministic content without network access
	NameEcho Name = "echo"
)

// Prompt is a single generation request
type Prompt struct {
	System    string
	Text      string
	MaxTokens int
}

// Completion is the provider's answer plus what it cost
type Completion struct {
	Content          string  `json:"content"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
	Model            string  `json:"model"`
}

// TokensUsed is prompt plus completion tokens
func (c Completion) TokensUsed() int {
	return c.PromptTokens + c.CompletionTokens
}

// Provider generates content for a prompt.
//
// Errors marked errors.ErrTransient (timeouts, rate limits, 5xx, network
// failures) are retried by the scheduler; anything else is terminal for
// the job.
type Provider interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
	Name() Name
	Model() string
}

// ClassifyStatus turns a non-2xx HTTP status into an error, marked transient
// when a later attempt can reasonably succeed.
func ClassifyStatus(status int, body string) error {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	err := errors.Newf("provider returned status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status >= 500:
		return errors.MarkTransient(err)
	default:
		return err
	}
}

// ClassifyTransport marks network-level failures and deadline expiry as
// transient. Context cancellation by the caller is not retryable.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsRetryableTransport(err) {
		return errors.MarkTransient(err)
	}
	return err
}

// IsRetryableTransport reports whether err is a timeout or connection-level failure
func IsRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "timeout")
}
