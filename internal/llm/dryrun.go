package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/hollis/autodev/internal/tokenutil"
)

// DryRunProvider produces deterministic canned completions so the whole
// pipeline can run without network access. Planner requests get a fixed
// two-step plan; implementer requests get a one-line canned diff.
type DryRunProvider struct {
	model string
}

func NewDryRunProvider(model string) *DryRunProvider {
	if model == "" {
		model = "dry-run"
	}
	return &DryRunProvider{model: model}
}

func (p *DryRunProvider) Model(Role) string { return p.model }

func (p *DryRunProvider) Generate(_ context.Context, role Role, messages []Message) (*Completion, error) {
	prompt := ""
	for _, m := range messages {
		prompt += m.Content + "\n"
	}

	var text string
	switch role {
	case RolePlanner:
		text = `{"steps":[{"title":"inspect affected code","description":"read the files named in the task"},{"title":"apply the change","description":"produce a minimal diff"}]}`
	case RoleSummarizer:
		text = fmt.Sprintf("summary of %d messages", len(messages))
	default:
		text = "```diff\n" +
			"diff --git a/NOTES.md b/NOTES.md\n" +
			"--- a/NOTES.md\n" +
			"+++ b/NOTES.md\n" +
			"@@ -1 +1 @@\n" +
			"-pending\n" +
			"+done\n" +
			"```"
	}

	return &Completion{
		Text:             text,
		Model:            p.model,
		PromptTokens:     tokenutil.EstimateTokens(strings.TrimSpace(prompt)),
		CompletionTokens: tokenutil.EstimateTokens(text),
	}, nil
}
