// Package tokens estimates prompt sizes so the ledger can reserve before a
// provider call is made.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for one model family
type Estimator struct {
	model string
	enc   *tiktoken.Tiktoken
	mu    sync.Mutex
}

// New returns an estimator backed by the model's BPE encoding. When the
// encoding is unknown or cannot be loaded the estimator falls back to the
// character heuristic.
func New(model string) *Estimator {
	e := &Estimator{model: model}
	enc, err := tiktoken.EncodingForModel(bareModel(model))
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err == nil {
		e.enc = enc
	}
	return e
}

// Heuristic returns an estimator that never touches BPE tables
func Heuristic() *Estimator {
	return &Estimator{model: "heuristic"}
}

// Exact reports whether counts come from a real tokenizer
func (e *Estimator) Exact() bool {
	return e.enc != nil
}

// Count returns the number of tokens in text
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.enc == nil {
		return HeuristicCount(text)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enc.Encode(text, nil, nil))
}

// Estimate is the worst-case usage of a call: prompt tokens plus the full
// completion budget.
func (e *Estimator) Estimate(system, prompt string, maxTokens int) (promptTokens, total int) {
	promptTokens = e.Count(system) + e.Count(prompt)
	return promptTokens, promptTokens + maxTokens
}

// HeuristicCount approximates tokens at four characters each
func HeuristicCount(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

func bareModel(model string) string {
	for i := len(model) - 1; i >= 0; i-- {
		if model[i] == '/' {
			return model[i+1:]
		}
	}
	return model
}
