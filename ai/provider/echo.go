package provider

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Echo is an offline provider for local runs and demos. It answers with a
// deterministic section body derived from the prompt and reports token usage
// at roughly four characters per token, at zero cost.
type Echo struct {
	model string
}

// NewEcho creates an Echo provider
func NewEcho(model string) *Echo {
	if model == "" {
		model = "echo"
	}
	return &Echo{model: model}
}

func (e *Echo) Name() Name    { return NameEcho }
func (e *Echo) Model() string { return e.model }

// Complete returns the first line of the prompt as a heading followed by
// the prompt body.
func (e *Echo) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, ClassifyTransport(err)
	}

	text := strings.TrimSpace(p.Text)
	heading := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		heading = text[:i]
	}
	content := fmt.Sprintf("## %s\n\n%s", heading, text)

	completion := (utf8.RuneCountInString(content) + 3) / 4
	if p.MaxTokens > 0 && completion > p.MaxTokens {
		completion = p.MaxTokens
	}

	return Completion{
		Content:          content,
		PromptTokens:     (utf8.RuneCountInString(p.System+p.Text) + 3) / 4,
		CompletionTokens: completion,
		Model:            e.model,
	}, nil
}
