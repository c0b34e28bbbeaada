// Package ai wires the configured content-generation provider.
package ai

import (
	"go.uber.org/zap"

	"github.com/teranos/scribe/ai/openai"
	"github.com/teranos/scribe/ai/openrouter"
	"github.com/teranos/scribe/ai/provider"
	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/errors"
)

// NewProvider builds the provider named by cfg.Provider.Name
func NewProvider(cfg *am.Config, log *zap.SugaredLogger) (provider.Provider, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	pc := cfg.Provider
	timeout := cfg.Pulse.ProviderTimeout()

	switch provider.Name(pc.Name) {
	case provider.NameOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Timeout:     timeout,
			Logger:      log.Named("openai"),
		}), nil
	case provider.NameOpenRouter:
		return openrouter.NewClient(openrouter.Config{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Timeout:     timeout,
			Logger:      log.Named("openrouter"),
		}), nil
	case provider.NameEcho:
		return provider.NewEcho(pc.Model), nil
	default:
		return nil, errors.WithHint(
			errors.Newf("unknown provider %q", pc.Name),
			"provider.name must be one of openai, openrouter, echo")
	}
}
