package provider

import "strings"

// ModelPricing is USD per million tokens
type ModelPricing struct {
	PromptPrice     float64
	CompletionPrice float64
}

// Keys are bare model names; OpenRouter's "vendor/model" form is matched
// after stripping the vendor.
var modelPricing = map[string]ModelPricing{
	"gpt-4o":        {PromptPrice: 2.50, CompletionPrice: 10.00},
	"gpt-4o-mini":   {PromptPrice: 0.15, CompletionPrice: 0.60},
	"gpt-4.1":       {PromptPrice: 2.00, CompletionPrice: 8.00},
	"gpt-4.1-mini":  {PromptPrice: 0.40, CompletionPrice: 1.60},
	"gpt-4-turbo":   {PromptPrice: 10.00, CompletionPrice: 30.00},
	"gpt-3.5-turbo": {PromptPrice: 0.50, CompletionPrice: 1.50},

	"claude-3.5-sonnet": {PromptPrice: 3.00, CompletionPrice: 15.00},
	"claude-3-opus":     {PromptPrice: 15.00, CompletionPrice: 75.00},
	"claude-3-haiku":    {PromptPrice: 0.25, CompletionPrice: 1.25},

	"gemini-pro-1.5":   {PromptPrice: 1.25, CompletionPrice: 5.00},
	"gemini-flash-1.5": {PromptPrice: 0.075, CompletionPrice: 0.30},

	"llama-3.1-70b-instruct": {PromptPrice: 0.52, CompletionPrice: 0.75},
	"llama-3.1-8b-instruct":  {PromptPrice: 0.055, CompletionPrice: 0.055},
}

// DefaultPricingFallback is charged per call when the model is unknown
const DefaultPricingFallback = 0.01

// GetPricing returns pricing for model, if known
func GetPricing(model string) (ModelPricing, bool) {
	if p, ok := modelPricing[model]; ok {
		return p, true
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		p, ok := modelPricing[model[i+1:]]
		return p, ok
	}
	return ModelPricing{}, false
}

// CalculateCost computes the USD cost of a call from its token usage
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, found := GetPricing(model)
	if !found {
		return DefaultPricingFallback
	}
	promptCost := (float64(promptTokens) / 1_000_000.0) * pricing.PromptPrice
	completionCost := (float64(completionTokens) / 1_000_000.0) * pricing.CompletionPrice
	return promptCost + completionCost
}

// EstimateCost is the worst-case cost of a call that uses its full
// completion budget; ledger reservations are made against it.
func EstimateCost(model string, promptTokens, maxTokens int) float64 {
	return CalculateCost(model, promptTokens, maxTokens)
}
