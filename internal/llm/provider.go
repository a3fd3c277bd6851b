// Package llm defines the provider abstraction the pipeline talks to. The
// engine never depends on a concrete vendor: planning, implementation and
// summarization all go through Provider.
package llm

import (
	"context"
	"fmt"
)

// Role names the pipeline stage making a request. Providers may route roles
// to different models.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleSummarizer  Role = "summarizer"
)

type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is a synchronous completion backend. Implementations must respect
// ctx cancellation and return *ProviderError for upstream failures so callers
// can distinguish transport faults from their own bugs.
type Provider interface {
	Generate(ctx context.Context, role Role, messages []Message) (*Completion, error)
	Model(role Role) string
}

// ProviderError wraps an upstream LLM failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying (rate limits and
// server-side errors). Auth and request errors are not.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500 || e.StatusCode == 0
}
